package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testClient(url string, timeout time.Duration) *Client {
	return NewClient(url, "test-model", timeout, 8192, zap.NewNop())
}

func TestGenerate(t *testing.T) {
	var gotPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotPayload)
		json.NewEncoder(w).Encode(map[string]any{
			"response": "hello there",
			"model":    "test-model",
			"done":     true,
		})
	}))
	defer server.Close()

	resp := testClient(server.URL, time.Second).Generate(
		context.Background(), "say hi", "be brief", "")
	if !resp.OK() {
		t.Fatalf("unexpected failure: %q", resp.Err)
	}
	if resp.Text != "hello there" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if gotPayload["model"] != "test-model" {
		t.Fatalf("default model not applied: %v", gotPayload["model"])
	}
	if gotPayload["system"] != "be brief" {
		t.Fatalf("system prompt not sent: %v", gotPayload["system"])
	}
	if gotPayload["stream"] != false {
		t.Fatal("stream must be disabled")
	}
}

func TestGenerateOmitsEmptySystem(t *testing.T) {
	var gotPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotPayload)
		json.NewEncoder(w).Encode(map[string]any{"response": "ok", "done": true})
	}))
	defer server.Close()

	testClient(server.URL, time.Second).Generate(context.Background(), "hi", "", "custom")
	if _, present := gotPayload["system"]; present {
		t.Fatal("empty system must be omitted from the payload")
	}
	if gotPayload["model"] != "custom" {
		t.Fatalf("model override not applied: %v", gotPayload["model"])
	}
}

func TestChatPrependsSystem(t *testing.T) {
	var gotPayload struct {
		Messages []ChatMessage `json:"messages"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotPayload)
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{"content": "reply"},
			"model":   "test-model",
			"done":    true,
		})
	}))
	defer server.Close()

	resp := testClient(server.URL, time.Second).Chat(context.Background(),
		[]ChatMessage{{Role: "user", Content: "hi"}}, "you are Joi", "")
	if resp.Text != "reply" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if len(gotPayload.Messages) != 2 || gotPayload.Messages[0].Role != "system" {
		t.Fatalf("system turn not prepended: %+v", gotPayload.Messages)
	}
}

func TestHTTPErrorClass(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	resp := testClient(server.URL, time.Second).Generate(context.Background(), "hi", "", "")
	if resp.Err != "http_error: 500" {
		t.Fatalf("expected http_error: 500, got %q", resp.Err)
	}
	if resp.OK() {
		t.Fatal("error response must not report OK")
	}
}

func TestTimeoutClass(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	resp := testClient(server.URL, 20*time.Millisecond).Generate(context.Background(), "hi", "", "")
	if resp.Err != "timeout" {
		t.Fatalf("expected timeout, got %q", resp.Err)
	}
}

func TestConnectionErrorClass(t *testing.T) {
	resp := testClient("http://127.0.0.1:1", time.Second).Generate(context.Background(), "hi", "", "")
	if resp.Err != "connection_error" && !strings.HasPrefix(resp.Err, "timeout") {
		t.Fatalf("expected connection_error, got %q", resp.Err)
	}
}
