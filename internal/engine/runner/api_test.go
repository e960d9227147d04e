// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/flowmill/internal/engine/fault"
)

func apiRequest(cfg map[string]any, inputs map[string]any, svc *Services) Request {
	return Request{RunID: "run-1", StepID: "fetch", Config: cfg, Inputs: inputs, Services: svc}
}

func TestAPIRunnerGetJSON(t *testing.T) {
	client := &scriptedHTTP{
		doFn: func(_ context.Context, _ HTTPRequest) (*HTTPResponse, error) {
			return &HTTPResponse{
				Status:  200,
				Headers: map[string]string{"Content-Type": "application/json; charset=utf-8"},
				Body:    []byte(`{"items": [1, 2]}`),
			}, nil
		},
	}
	req := apiRequest(map[string]any{"url": "https://api.example/items"}, nil, &Services{HTTP: client})

	out, err := (&apiRunner{}).Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "GET", client.lastCall().Method, "method defaults to GET")
	assert.Equal(t, "https://api.example/items", client.lastCall().URL)
	assert.Equal(t, map[string]any{"items": []any{float64(1), float64(2)}}, out["response"])
	assert.Equal(t, float64(200), out["status"])
	assert.Equal(t, "application/json; charset=utf-8", out["headers"].(map[string]any)["Content-Type"])
}

func TestAPIRunnerMethodAndHeaders(t *testing.T) {
	client := &scriptedHTTP{}
	cfg := map[string]any{
		"url":     "https://api.example",
		"method":  "post",
		"headers": map[string]any{"X-Static": "from-config", "X-Both": "config"},
	}
	inputs := map[string]any{
		"method":  "delete",
		"headers": map[string]any{"X-Both": "port", "X-Trace": float64(7)},
	}

	_, err := (&apiRunner{}).Run(context.Background(), apiRequest(cfg, inputs, &Services{HTTP: client}))
	require.NoError(t, err)

	call := client.lastCall()
	assert.Equal(t, "DELETE", call.Method, "method port overrides config and uppercases")
	assert.Equal(t, "from-config", call.Headers["X-Static"])
	assert.Equal(t, "port", call.Headers["X-Both"], "port headers win over config")
	assert.Equal(t, "7", call.Headers["X-Trace"], "non-string header values stringify")
}

func TestAPIRunnerBodyEncoding(t *testing.T) {
	t.Run("structured body serializes and sets content type", func(t *testing.T) {
		client := &scriptedHTTP{}
		cfg := map[string]any{"url": "https://api.example", "method": "POST"}
		inputs := map[string]any{"body": map[string]any{"name": "ada"}}

		_, err := (&apiRunner{}).Run(context.Background(), apiRequest(cfg, inputs, &Services{HTTP: client}))
		require.NoError(t, err)
		call := client.lastCall()
		assert.JSONEq(t, `{"name":"ada"}`, string(call.Body))
		assert.Equal(t, "application/json", call.Headers["Content-Type"])
	})

	t.Run("json string passes raw with content type", func(t *testing.T) {
		client := &scriptedHTTP{}
		cfg := map[string]any{"url": "https://api.example", "method": "POST", "body": `{"raw": true}`}

		_, err := (&apiRunner{}).Run(context.Background(), apiRequest(cfg, nil, &Services{HTTP: client}))
		require.NoError(t, err)
		call := client.lastCall()
		assert.Equal(t, `{"raw": true}`, string(call.Body))
		assert.Equal(t, "application/json", call.Headers["Content-Type"])
	})

	t.Run("plain string body gets no content type", func(t *testing.T) {
		client := &scriptedHTTP{}
		cfg := map[string]any{"url": "https://api.example", "method": "POST", "body": "plain text"}

		_, err := (&apiRunner{}).Run(context.Background(), apiRequest(cfg, nil, &Services{HTTP: client}))
		require.NoError(t, err)
		call := client.lastCall()
		assert.Equal(t, "plain text", string(call.Body))
		assert.NotContains(t, call.Headers, "Content-Type")
	})

	t.Run("explicit content type is preserved", func(t *testing.T) {
		client := &scriptedHTTP{}
		cfg := map[string]any{
			"url":     "https://api.example",
			"method":  "POST",
			"headers": map[string]any{"content-type": "application/vnd.api+json"},
		}
		inputs := map[string]any{"body": map[string]any{"a": float64(1)}}

		_, err := (&apiRunner{}).Run(context.Background(), apiRequest(cfg, inputs, &Services{HTTP: client}))
		require.NoError(t, err)
		call := client.lastCall()
		assert.Equal(t, "application/vnd.api+json", call.Headers["content-type"])
		assert.NotContains(t, call.Headers, "Content-Type", "case-insensitive match must not duplicate the header")
	})
}

func TestAPIRunnerAuth(t *testing.T) {
	creds := mapCreds{"api_token": "s3cret", "db_pass": "hunter2"}

	run := func(t *testing.T, auth map[string]any, resolver CredentialResolver) (HTTPRequest, error) {
		t.Helper()
		client := &scriptedHTTP{}
		cfg := map[string]any{"url": "https://api.example", "auth": auth}
		_, err := (&apiRunner{}).Run(context.Background(),
			apiRequest(cfg, nil, &Services{HTTP: client, Credentials: resolver}))
		if err != nil {
			return HTTPRequest{}, err
		}
		return client.lastCall(), nil
	}

	t.Run("bearer resolves credential reference", func(t *testing.T) {
		call, err := run(t, map[string]any{"type": "bearer", "token": "{{creds.api_token}}"}, creds)
		require.NoError(t, err)
		assert.Equal(t, "Bearer s3cret", call.Headers["Authorization"])
	})

	t.Run("bearer literal token passes through", func(t *testing.T) {
		call, err := run(t, map[string]any{"type": "bearer", "token": "literal-tok"}, creds)
		require.NoError(t, err)
		assert.Equal(t, "Bearer literal-tok", call.Headers["Authorization"])
	})

	t.Run("basic encodes username and resolved password", func(t *testing.T) {
		call, err := run(t, map[string]any{
			"type": "basic", "username": "ada", "password": "{{creds.db_pass}}",
		}, creds)
		require.NoError(t, err)
		expected := "Basic " + base64.StdEncoding.EncodeToString([]byte("ada:hunter2"))
		assert.Equal(t, expected, call.Headers["Authorization"])
	})

	t.Run("api_key uses custom header", func(t *testing.T) {
		call, err := run(t, map[string]any{
			"type": "api_key", "key": "{{creds.api_token}}", "header": "X-Custom-Key",
		}, creds)
		require.NoError(t, err)
		assert.Equal(t, "s3cret", call.Headers["X-Custom-Key"])
	})

	t.Run("api_key defaults its header", func(t *testing.T) {
		call, err := run(t, map[string]any{"type": "api_key", "key": "k"}, creds)
		require.NoError(t, err)
		assert.Equal(t, "k", call.Headers["X-API-Key"])
	})

	t.Run("missing resolver fails the reference", func(t *testing.T) {
		_, err := run(t, map[string]any{"type": "bearer", "token": "{{creds.api_token}}"}, nil)
		require.Error(t, err)
		assert.Equal(t, fault.CodeTemplateRender, fault.CodeOf(err))
	})

	t.Run("unknown credential fails the step", func(t *testing.T) {
		_, err := run(t, map[string]any{"type": "bearer", "token": "{{creds.nope}}"}, creds)
		require.Error(t, err)
		assert.Equal(t, fault.CodeTemplateRender, fault.CodeOf(err))
	})

	t.Run("unsupported scheme is a config error", func(t *testing.T) {
		_, err := run(t, map[string]any{"type": "oauth2"}, creds)
		require.Error(t, err)
		assert.Equal(t, fault.CodeInvalidStepConfig, fault.CodeOf(err))
	})

	t.Run("auth port overrides config auth", func(t *testing.T) {
		client := &scriptedHTTP{}
		cfg := map[string]any{
			"url":  "https://api.example",
			"auth": map[string]any{"type": "bearer", "token": "config-tok"},
		}
		inputs := map[string]any{"auth": map[string]any{"type": "api_key", "key": "port-key"}}

		_, err := (&apiRunner{}).Run(context.Background(),
			apiRequest(cfg, inputs, &Services{HTTP: client, Credentials: creds}))
		require.NoError(t, err)
		call := client.lastCall()
		assert.Equal(t, "port-key", call.Headers["X-API-Key"])
		assert.NotContains(t, call.Headers, "Authorization")
	})
}

func TestAPIRunnerStatusFault(t *testing.T) {
	respond := func(status int) *scriptedHTTP {
		return &scriptedHTTP{
			doFn: func(_ context.Context, _ HTTPRequest) (*HTTPResponse, error) {
				return &HTTPResponse{Status: status, Headers: map[string]string{}, Body: []byte("boom")}, nil
			},
		}
	}

	t.Run("4xx is terminal", func(t *testing.T) {
		req := apiRequest(map[string]any{"url": "https://api.example"}, nil, &Services{HTTP: respond(404)})
		_, err := (&apiRunner{}).Run(context.Background(), req)
		require.Error(t, err)
		fe, ok := fault.As(err)
		require.True(t, ok)
		assert.Equal(t, fault.CodeHTTP, fe.Code)
		assert.Equal(t, 404, fe.Details["status"])
		assert.False(t, fe.Retryable)
		assert.Contains(t, fe.Message, "404 Not Found")
	})

	t.Run("5xx and 429 are retryable", func(t *testing.T) {
		for _, status := range []int{500, 503, 429} {
			req := apiRequest(map[string]any{"url": "https://api.example"}, nil, &Services{HTTP: respond(status)})
			_, err := (&apiRunner{}).Run(context.Background(), req)
			require.Error(t, err)
			assert.True(t, fault.Retryable(err), "status %d must be retryable", status)
		}
	})

	t.Run("3xx is success when redirects are off", func(t *testing.T) {
		client := &scriptedHTTP{
			doFn: func(_ context.Context, _ HTTPRequest) (*HTTPResponse, error) {
				return &HTTPResponse{Status: 302, Headers: map[string]string{"Location": "https://moved.example"}}, nil
			},
		}
		cfg := map[string]any{"url": "https://api.example", "follow_redirects": false}
		out, err := (&apiRunner{}).Run(context.Background(), apiRequest(cfg, nil, &Services{HTTP: client}))
		require.NoError(t, err)
		assert.Equal(t, float64(302), out["status"])
		assert.Equal(t, "https://moved.example", out["headers"].(map[string]any)["Location"])
	})
}

func TestAPIRunnerNetworkFailure(t *testing.T) {
	client := &scriptedHTTP{
		doFn: func(_ context.Context, _ HTTPRequest) (*HTTPResponse, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	}
	req := apiRequest(map[string]any{"url": "https://down.example"}, nil, &Services{HTTP: client})

	_, err := (&apiRunner{}).Run(context.Background(), req)
	require.Error(t, err)
	fe, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.CodeHTTP, fe.Code)
	assert.Equal(t, 0, fe.Details["status"])
	assert.True(t, fe.Retryable, "network failures never completed, safe to retry")
}

func TestAPIRunnerResponseDecoding(t *testing.T) {
	t.Run("text content stays a string", func(t *testing.T) {
		client := &scriptedHTTP{
			doFn: func(_ context.Context, _ HTTPRequest) (*HTTPResponse, error) {
				return &HTTPResponse{Status: 200, Headers: map[string]string{"Content-Type": "text/plain"}, Body: []byte("hello")}, nil
			},
		}
		out, err := (&apiRunner{}).Run(context.Background(),
			apiRequest(map[string]any{"url": "https://api.example"}, nil, &Services{HTTP: client}))
		require.NoError(t, err)
		assert.Equal(t, "hello", out["response"])
	})

	t.Run("lying json content type falls back to raw", func(t *testing.T) {
		client := &scriptedHTTP{
			doFn: func(_ context.Context, _ HTTPRequest) (*HTTPResponse, error) {
				return &HTTPResponse{Status: 200, Headers: map[string]string{"Content-Type": "application/json"}, Body: []byte("<html>")}, nil
			},
		}
		out, err := (&apiRunner{}).Run(context.Background(),
			apiRequest(map[string]any{"url": "https://api.example"}, nil, &Services{HTTP: client}))
		require.NoError(t, err)
		assert.Equal(t, "<html>", out["response"])
	})
}

func TestAPIRunnerTriStateForwarded(t *testing.T) {
	client := &scriptedHTTP{}
	cfg := map[string]any{
		"url":              "https://api.example",
		"follow_redirects": false,
		"verify_ssl":       false,
	}

	_, err := (&apiRunner{}).Run(context.Background(), apiRequest(cfg, nil, &Services{HTTP: client}))
	require.NoError(t, err)
	call := client.lastCall()
	require.NotNil(t, call.FollowRedirects)
	assert.False(t, *call.FollowRedirects)
	require.NotNil(t, call.VerifySSL)
	assert.False(t, *call.VerifySSL)

	client2 := &scriptedHTTP{}
	_, err = (&apiRunner{}).Run(context.Background(),
		apiRequest(map[string]any{"url": "https://api.example"}, nil, &Services{HTTP: client2}))
	require.NoError(t, err)
	assert.Nil(t, client2.lastCall().FollowRedirects, "unset stays nil so client defaults apply")
	assert.Nil(t, client2.lastCall().VerifySSL)
}

func TestAPIRunnerValidation(t *testing.T) {
	t.Run("url required", func(t *testing.T) {
		_, err := (&apiRunner{}).Run(context.Background(),
			apiRequest(map[string]any{"method": "GET"}, nil, &Services{HTTP: &scriptedHTTP{}}))
		require.Error(t, err)
		assert.Equal(t, fault.CodeInvalidStepConfig, fault.CodeOf(err))
	})

	t.Run("no client configured", func(t *testing.T) {
		_, err := (&apiRunner{}).Run(context.Background(),
			apiRequest(map[string]any{"url": "https://api.example"}, nil, &Services{}))
		require.Error(t, err)
		assert.Equal(t, fault.CodeHTTP, fault.CodeOf(err))
	})
}
