// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/noldarim/flowmill/internal/engine/fault"
	"github.com/noldarim/flowmill/internal/engine/models"
	"github.com/noldarim/flowmill/internal/engine/vars"
)

// HTTPRequest is one outbound call made on behalf of an api step.
// FollowRedirects and VerifySSL are tri-state; nil falls back to the
// client's configured defaults.
type HTTPRequest struct {
	Method          string
	URL             string
	Headers         map[string]string
	Body            []byte
	FollowRedirects *bool
	VerifySSL       *bool
}

// HTTPResponse is the completed result. Multi-valued headers are joined
// with ", ".
type HTTPResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// HTTPClient executes api step requests. Implementations return an
// error only when no response was obtained (network failure); status
// handling is the runner's job.
type HTTPClient interface {
	Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)
}

type apiRunner struct{}

func (r *apiRunner) Run(ctx context.Context, req Request) (Outputs, error) {
	var cfg models.APIConfig
	if err := decodeConfig(req, &cfg); err != nil {
		return nil, err
	}
	if req.Services == nil || req.Services.HTTP == nil {
		return nil, fault.HTTP(0, nil, "no http client configured")
	}

	url := req.stringPort("url")
	if strings.TrimSpace(url) == "" {
		return nil, fault.New(fault.CodeInvalidStepConfig, "url is empty")
	}
	method := cfg.EffectiveMethod()
	if m := strings.TrimSpace(req.stringPort("method")); m != "" {
		method = strings.ToUpper(m)
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	for k, v := range req.mapPort("headers") {
		headers[k] = vars.Stringify(v)
	}

	body, isJSON, err := encodeBody(req)
	if err != nil {
		return nil, err
	}
	if isJSON && !hasHeader(headers, "Content-Type") {
		headers["Content-Type"] = "application/json"
	}

	auth := effectiveAuth(&cfg, req)
	if err := applyAuth(ctx, req.Services.Credentials, auth, headers); err != nil {
		return nil, err
	}

	httpReq := HTTPRequest{
		Method:          method,
		URL:             url,
		Headers:         headers,
		Body:            body,
		FollowRedirects: cfg.FollowRedirects,
		VerifySSL:       cfg.VerifySSL,
	}

	resp, err := req.Services.HTTP.Do(ctx, httpReq)
	if err != nil {
		if _, ok := fault.As(err); ok {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fault.HTTP(0, err, "request to %s failed", url)
	}
	if resp.Status >= 400 {
		return nil, fault.HTTP(resp.Status, nil, "%s %s returned %d %s",
			method, url, resp.Status, http.StatusText(resp.Status))
	}

	return Outputs{
		"response": decodeResponse(resp, req),
		"status":   float64(resp.Status),
		"headers":  headersToAny(resp.Headers),
	}, nil
}

// encodeBody serializes the bound body port: strings pass through raw,
// anything else becomes JSON.
func encodeBody(req Request) ([]byte, bool, error) {
	v, ok := req.port("body")
	if !ok || v == nil {
		return nil, false, nil
	}
	if s, isString := v.(string); isString {
		trimmed := strings.TrimSpace(s)
		return []byte(s), json.Valid([]byte(trimmed)), nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, false, fault.New(fault.CodeInvalidStepConfig, "body does not serialize to JSON: %v", err)
	}
	return out, true, nil
}

// effectiveAuth prefers the auth input port over the config block.
func effectiveAuth(cfg *models.APIConfig, req Request) *models.APIAuth {
	if m := req.mapPort("auth"); m != nil {
		var auth models.APIAuth
		if _, err := models.DecodeStepConfig(m, &auth); err == nil {
			return &auth
		}
	}
	return cfg.Auth
}

// applyAuth adds the credential header for the configured scheme.
// Secret fields may be creds.* references, resolved here and nowhere
// earlier so they never transit the variable store.
func applyAuth(ctx context.Context, creds CredentialResolver, auth *models.APIAuth, headers map[string]string) error {
	if auth == nil || auth.Type == "" || auth.Type == "none" {
		return nil
	}
	switch auth.Type {
	case "bearer":
		token, err := secretValue(ctx, creds, auth.Token)
		if err != nil {
			return err
		}
		headers["Authorization"] = "Bearer " + token
	case "basic":
		password, err := secretValue(ctx, creds, auth.Password)
		if err != nil {
			return err
		}
		raw := auth.Username + ":" + password
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
	case "api_key":
		key, err := secretValue(ctx, creds, auth.Key)
		if err != nil {
			return err
		}
		name := auth.Header
		if name == "" {
			name = "X-API-Key"
		}
		headers[name] = key
	default:
		return fault.New(fault.CodeInvalidStepConfig, "unsupported auth type %q", auth.Type)
	}
	return nil
}

// secretValue resolves a {{creds.x}} reference through the credential
// resolver; literal values pass through.
func secretValue(ctx context.Context, creds CredentialResolver, s string) (string, error) {
	ref, ok := vars.CredentialRef(s)
	if !ok {
		return s, nil
	}
	if creds == nil {
		return "", fault.Template(nil, "credential %q referenced but no credential resolver configured", ref)
	}
	secret, err := creds.Get(ctx, ref)
	if err != nil {
		return "", fault.Template(err, "failed to resolve credential %q", ref)
	}
	return secret, nil
}

// decodeResponse parses the body as JSON when the content type says so,
// falling back to raw text if the payload lies about itself.
func decodeResponse(resp *HTTPResponse, req Request) any {
	contentType := headerValue(resp.Headers, "Content-Type")
	if strings.Contains(strings.ToLower(contentType), "json") {
		var parsed any
		if err := json.Unmarshal(resp.Body, &parsed); err == nil {
			return parsed
		}
		req.logger().Warn().Str("step_id", req.StepID).
			Msg("response declared JSON but did not parse; returning raw text")
	}
	return string(resp.Body)
}

func hasHeader(headers map[string]string, name string) bool {
	return headerValue(headers, name) != ""
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func headersToAny(headers map[string]string) map[string]any {
	out := make(map[string]any, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
