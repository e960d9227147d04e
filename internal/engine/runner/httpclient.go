// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClientOptions tunes the default HTTPClient. Zero values mean:
// 30s timeout, 10MB response cap, redirects followed, TLS verified.
type HTTPClientOptions struct {
	Timeout          time.Duration
	MaxResponseBytes int64
	FollowRedirects  *bool
	VerifySSL        *bool
}

const (
	defaultHTTPTimeout      = 30 * time.Second
	defaultMaxResponseBytes = 10 << 20
)

type httpClient struct {
	verifying *http.Client
	insecure  *http.Client
	opts      HTTPClientOptions
}

var _ HTTPClient = (*httpClient)(nil)

// NewHTTPClient builds the production HTTPClient. Two transports are
// kept so per-step verify_ssl overrides reuse connections instead of
// building a transport per request.
func NewHTTPClient(opts HTTPClientOptions) HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHTTPTimeout
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = defaultMaxResponseBytes
	}
	insecureTransport := http.DefaultTransport.(*http.Transport).Clone()
	insecureTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return &httpClient{
		verifying: &http.Client{Timeout: opts.Timeout},
		insecure:  &http.Client{Timeout: opts.Timeout, Transport: insecureTransport},
		opts:      opts,
	}
}

func (c *httpClient) Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	client := c.clientFor(req)
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > c.opts.MaxResponseBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", c.opts.MaxResponseBytes)
	}

	headers := make(map[string]string, len(resp.Header))
	for k, vals := range resp.Header {
		headers[k] = strings.Join(vals, ", ")
	}
	return &HTTPResponse{Status: resp.StatusCode, Headers: headers, Body: data}, nil
}

// clientFor picks the transport and redirect policy for one request,
// applying the configured defaults to tri-state fields.
func (c *httpClient) clientFor(req HTTPRequest) *http.Client {
	verify := resolveTriState(req.VerifySSL, c.opts.VerifySSL, true)
	follow := resolveTriState(req.FollowRedirects, c.opts.FollowRedirects, true)

	base := c.verifying
	if !verify {
		base = c.insecure
	}
	if follow {
		return base
	}
	// Shallow copy so the redirect policy is per-request while the
	// transport (and its connection pool) is shared.
	noRedirect := *base
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &noRedirect
}

func resolveTriState(perRequest, configured *bool, fallback bool) bool {
	if perRequest != nil {
		return *perRequest
	}
	if configured != nil {
		return *configured
	}
	return fallback
}
