package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crisis-drill/server/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenAI(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(config.LLMProviderConfig{APIURL: srv.URL, APIKey: "k", Model: "gpt-4o-mini", MaxTokens: 100}, timeout)
}

func TestOpenAICompleteSendsSchema(t *testing.T) {
	var gotBody string
	c := newOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"ok\":true}"}}]}`))
	}, time.Second)

	out, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, &JSONSchema{Name: "probe", Schema: map[string]any{"type": "object"}})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Contains(t, gotBody, `"json_schema"`)
	assert.Contains(t, gotBody, `"probe"`)
}

func TestOpenAIErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"bad request", http.StatusBadRequest, ErrProviderRejected},
		{"unprocessable", http.StatusUnprocessableEntity, ErrProviderRejected},
		{"unauthorized", http.StatusUnauthorized, ErrProviderUnavailable},
		{"rate limited", http.StatusTooManyRequests, ErrProviderUnavailable},
		{"server error", http.StatusInternalServerError, ErrProviderUnavailable},
		{"gateway timeout", http.StatusGatewayTimeout, ErrProviderTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":"x"}`))
			}, time.Second)
			_, err := c.Complete(context.Background(), nil, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tc.status, apiErr.StatusCode)
		})
	}
}

func TestOpenAITimeout(t *testing.T) {
	release := make(chan struct{})
	c := newOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, 50*time.Millisecond)
	defer close(release)

	_, err := c.Complete(context.Background(), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderTimeout)
}

func TestOpenAIEmptyContentIsMalformed(t *testing.T) {
	c := newOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}, time.Second)
	_, err := c.Complete(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestAnthropicFoldsSchemaIntoSystem(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		assert.Equal(t, "k", r.Header.Get("x-api-key"))
		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"{\"a\":1}"}]}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient(config.LLMProviderConfig{APIURL: srv.URL, APIKey: "k", Model: "m", MaxTokens: 10}, time.Second)
	out, err := c.Complete(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "go"},
	}, &JSONSchema{Name: "s", Schema: map[string]any{"type": "object"}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, out)
	assert.Contains(t, gotBody, "be brief")
	assert.Contains(t, gotBody, "matching this schema")
	assert.False(t, strings.Contains(gotBody, `"role":"system"`))
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Title string `json:"title"`
	}
	require.NoError(t, DecodeJSON("```json\n{\"title\":\"x\"}\n```", &v))
	assert.Equal(t, "x", v.Title)

	err := DecodeJSON("not json at all", &v)
	assert.ErrorIs(t, err, ErrMalformedOutput)
}
