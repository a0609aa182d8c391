package completion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"voice-jobs-go/internal/logger"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewOpenAI(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Model:   "test-model",
		Timeout: timeout,
	}, logger.Discard())
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	return client
}

func TestOpenAICompleteSendsJSONModeRequest(t *testing.T) {
	var body map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"test-model",
			"choices":[{"index":0,"message":{"role":"assistant","content":"{\"has_appointment\":true}"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	}, time.Second)

	seed := 7
	out, err := client.Complete(context.Background(), Request{
		System: "extract",
		Prompt: "transcript",
		Schema: json.RawMessage(`{"type":"object"}`),
		Seed:   &seed,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != `{"has_appointment":true}` {
		t.Fatalf("unexpected content %q", out)
	}
	if body["model"] != "test-model" {
		t.Fatalf("model not sent: %v", body["model"])
	}
	rf, _ := body["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Fatalf("json mode not requested: %v", body["response_format"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected system+user messages, got %v", msgs)
	}
	sys, _ := msgs[0].(map[string]any)
	if content, _ := sys["content"].(string); !strings.Contains(content, `{"type":"object"}`) {
		t.Fatalf("schema not embedded in system prompt: %q", content)
	}
}

func TestOpenAIClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		want      Reason
		retryable bool
	}{
		{"rate limit", http.StatusTooManyRequests, ReasonRateLimited, true},
		{"server error", http.StatusServiceUnavailable, ReasonUnavailable, true},
		{"gateway timeout", http.StatusGatewayTimeout, ReasonTimeout, true},
		{"bad request", http.StatusBadRequest, ReasonRejected, false},
		{"unauthorized", http.StatusUnauthorized, ReasonRejected, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test"}}`))
			}, time.Second)
			_, err := client.Complete(context.Background(), Request{Prompt: "x"})
			ce, ok := AsError(err)
			if !ok {
				t.Fatalf("expected completion error, got %T %v", err, err)
			}
			if ce.Reason != tc.want || ce.StatusCode != tc.status || ce.IsRetryable() != tc.retryable {
				t.Fatalf("got reason=%s status=%d retryable=%v", ce.Reason, ce.StatusCode, ce.IsRetryable())
			}
		})
	}
}

func TestOpenAITimeout(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, 50*time.Millisecond)

	_, err := client.Complete(context.Background(), Request{Prompt: "x"})
	ce, ok := AsError(err)
	if !ok || ce.Reason != ReasonTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestOpenAIEmptyChoices(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[]}`))
	}, time.Second)
	_, err := client.Complete(context.Background(), Request{Prompt: "x"})
	if ce, ok := AsError(err); !ok || ce.Reason != ReasonEmpty {
		t.Fatalf("expected empty reason, got %v", err)
	}
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	if _, err := NewOpenAI(OpenAIConfig{}, nil); err == nil {
		t.Fatal("expected error without api key")
	}
}
