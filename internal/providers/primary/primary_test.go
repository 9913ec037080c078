package primary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parleybot/parley/internal/providers"
)

func newTestClient(srv *httptest.Server) *Client {
	return New(Config{
		BaseURL:      srv.URL,
		Token:        "mock-token",
		DefaultModel: "evil",
	})
}

func baseRequest() *providers.TextRequest {
	return &providers.TextRequest{
		Model: "evil",
		Messages: []providers.Message{
			{Role: "system", Content: "You are J."},
			{Role: "user", Content: "hi"},
		},
		RequestID: "req-mock-1",
	}
}

func okBody(content string) chatResponse {
	return chatResponse{
		ID:    "cmpl-primary-1",
		Model: "evil",
		Choices: []choice{
			{Message: &chatMessage{Role: "assistant", Content: content}},
		},
		Usage: usage{PromptTokens: 6, CompletionTokens: 2},
	}
}

func TestClient_Name(t *testing.T) {
	c := New(Config{})
	if c.Name() != "primary" {
		t.Fatalf("expected 'primary', got %q", c.Name())
	}
}

func TestClient_GenerateText_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/openai" {
			t.Errorf("expected path /openai, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer mock-token" {
			t.Errorf("missing or wrong Authorization header: %s", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Referer") == "" {
			t.Error("missing Referer header")
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		if body["model"] != "evil" {
			t.Errorf("expected model 'evil', got %v", body["model"])
		}
		for _, forbidden := range []string{"top_p", "frequency_penalty", "presence_penalty", "stop", "repetition_penalty"} {
			if _, ok := body[forbidden]; ok {
				t.Errorf("payload must not carry %q", forbidden)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(okBody("hello"))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	resp, err := c.GenerateText(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("expected content 'hello', got %q", resp.Content)
	}
	if resp.Provider != "primary" {
		t.Errorf("expected provider 'primary', got %q", resp.Provider)
	}
	if resp.Usage.InputTokens != 6 || resp.Usage.OutputTokens != 2 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
}

func TestClient_GenerateText_ToolModelSubstitution(t *testing.T) {
	var gotModel atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		gotModel.Store(body.Model)
		if len(body.Tools) != 1 {
			t.Errorf("expected 1 tool in payload, got %d", len(body.Tools))
		}
		json.NewEncoder(w).Encode(okBody("ok"))
	}))
	defer srv.Close()

	req := baseRequest()
	req.Model = "foo"
	req.Tools = []providers.Tool{{
		Type:     "function",
		Function: providers.ToolDefinition{Name: "get_time"},
	}}

	c := newTestClient(srv)
	if _, err := c.GenerateText(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := gotModel.Load(); got != "openai" {
		t.Errorf("expected tool-incapable model to be re-targeted to 'openai', got %v", got)
	}
}

func TestClient_GenerateText_ToolCapableModelKept(t *testing.T) {
	cases := []string{"openai", "openai-large", "mistral"}
	for _, model := range cases {
		t.Run(model, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var body chatRequest
				json.NewDecoder(r.Body).Decode(&body)
				if body.Model != model {
					t.Errorf("expected model %q kept, got %q", model, body.Model)
				}
				json.NewEncoder(w).Encode(okBody("ok"))
			}))
			defer srv.Close()

			req := baseRequest()
			req.Model = model
			req.Tools = []providers.Tool{{Type: "function", Function: providers.ToolDefinition{Name: "t"}}}

			c := newTestClient(srv)
			if _, err := c.GenerateText(context.Background(), req); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestClient_GenerateText_SingleAttempt(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.GenerateText(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("primary must attempt exactly once, got %d calls", got)
	}

	var apiErr *providers.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *providers.APIError, got %T", err)
	}
	if apiErr.Class != providers.ClassTransientUpstream {
		t.Errorf("expected transient_upstream, got %s", apiErr.Class)
	}
	if !apiErr.Retryable() {
		t.Error("502 should be retryable")
	}
}

func TestClient_GenerateText_Classification(t *testing.T) {
	cases := []struct {
		status int
		class  providers.Classification
	}{
		{http.StatusBadRequest, providers.ClassBadRequest},
		{http.StatusUnauthorized, providers.ClassAuthError},
		{http.StatusTooManyRequests, providers.ClassRateLimited},
		{http.StatusBadGateway, providers.ClassTransientUpstream},
		{http.StatusServiceUnavailable, providers.ClassTransientUpstream},
		{http.StatusGatewayTimeout, providers.ClassTransientUpstream},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]any{"message": "upstream says no", "type": "test"},
				})
			}))
			defer srv.Close()

			c := newTestClient(srv)
			_, err := c.GenerateText(context.Background(), baseRequest())
			var apiErr *providers.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *providers.APIError, got %T", err)
			}
			if apiErr.Class != tc.class {
				t.Errorf("status %d: expected class %s, got %s", tc.status, tc.class, apiErr.Class)
			}
			if apiErr.HTTPStatus() != tc.status {
				t.Errorf("expected HTTPStatus %d, got %d", tc.status, apiErr.HTTPStatus())
			}
		})
	}
}

func TestClient_GenerateText_DropsInvalidToolMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body chatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(body.Messages) != 2 {
			t.Fatalf("expected 2 messages after sanitization, got %d", len(body.Messages))
		}
		if body.Messages[0].Role != "system" || body.Messages[1].Role != "user" {
			t.Errorf("unexpected message roles: %s, %s", body.Messages[0].Role, body.Messages[1].Role)
		}
		json.NewEncoder(w).Encode(okBody("ok"))
	}))
	defer srv.Close()

	req := baseRequest()
	req.Messages = []providers.Message{
		{Role: "system", Content: "You are J."},
		{Role: "tool", Content: "orphaned", ToolCallID: "call-1"},
		{Role: "user", Content: "hi"},
	}

	c := newTestClient(srv)
	if _, err := c.GenerateText(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClient_HealthProbe(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/models" {
				t.Errorf("expected /models, got %s", r.URL.Path)
			}
			json.NewEncoder(w).Encode(modelsResponse{})
		}))
		defer srv.Close()

		st := newTestClient(srv).HealthProbe(context.Background())
		if !st.Healthy {
			t.Fatalf("expected healthy, got kind=%s", st.Kind)
		}
		if st.ResponseTime <= 0 {
			t.Error("expected a positive response time")
		}
	})

	t.Run("service_unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		st := newTestClient(srv).HealthProbe(context.Background())
		if st.Healthy {
			t.Fatal("expected unhealthy")
		}
		if st.Kind != "service_unavailable" {
			t.Errorf("expected kind service_unavailable, got %s", st.Kind)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()

		c := New(Config{BaseURL: srv.URL, HealthTimeout: 20 * time.Millisecond})
		st := c.HealthProbe(context.Background())
		if st.Healthy {
			t.Fatal("expected unhealthy")
		}
		if st.Kind != "timeout" {
			t.Errorf("expected kind timeout, got %s", st.Kind)
		}
	})
}

func TestClient_Models_Cached(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(modelsResponse{Data: []modelEntry{
			{ID: "evil", Name: "Evil"},
			{ID: "openai", Name: "OpenAI GPT-4o Mini"},
		}})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	for i := 0; i < 3; i++ {
		models, err := c.Models(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(models) != 2 {
			t.Fatalf("expected 2 models, got %d", len(models))
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("catalogue should be fetched once, got %d fetches", got)
	}
}

func TestClient_ResolveModel_Default(t *testing.T) {
	c := New(Config{DefaultModel: "evil"})
	if got := c.ResolveModel("", false); got != "evil" {
		t.Errorf("expected default model 'evil', got %q", got)
	}
	if got := c.ResolveModel("mistral", false); got != "mistral" {
		t.Errorf("expected caller model kept, got %q", got)
	}
}
