package genai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// newTestClient points a Client at the given test server and disables the
// real retry delay.
func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := New(Config{
		APIKey:        "test-key",
		Model:         "gemini-primary",
		FallbackModel: "gemini-fallback",
		BaseURL:       srv.URL,
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
	}, nil)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

// writeCandidate responds with a single-candidate Gemini body.
func writeCandidate(w http.ResponseWriter, text string) {
	resp := map[string]any{
		"candidates": []map[string]any{
			{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]any{{"text": text}},
				},
				"finishReason": "STOP",
			},
		},
	}
	json.NewEncoder(w).Encode(resp)
}

func TestGenerate_Success_RememberTag(t *testing.T) {
	var gotReq geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-primary") {
			t.Errorf("first call should hit the primary model, path %q", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotReq)
		writeCandidate(w, "Hello there\n[REMEMBER]")
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	res := c.Generate(context.Background(), "hi", nil, "You are Gojo.")

	if !res.OK {
		t.Fatal("expected OK result")
	}
	if res.Text != "Hello there" {
		t.Errorf("text: got %q, want %q", res.Text, "Hello there")
	}
	if !res.ShouldRemember {
		t.Error("expected ShouldRemember=true for [REMEMBER] tag")
	}
	if gotReq.SystemInstruction == nil ||
		!strings.Contains(gotReq.SystemInstruction.Parts[0].Text, "INSTRUCTION FOR MEMORY") {
		t.Error("memory instruction was not appended to the system instruction")
	}
}

func TestGenerate_ForgetTagStripped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCandidate(w, "Nothing special.\n[FORGET]")
	}))
	defer srv.Close()

	res := newTestClient(t, srv).Generate(context.Background(), "hi", nil, "persona")
	if res.Text != "Nothing special." {
		t.Errorf("text: got %q", res.Text)
	}
	if res.ShouldRemember {
		t.Error("expected ShouldRemember=false for [FORGET] tag")
	}
}

func TestGenerate_HistoryRoles(t *testing.T) {
	var gotReq geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotReq)
		writeCandidate(w, "ok [FORGET]")
	}))
	defer srv.Close()

	history := []Message{
		{Role: "user", Text: "earlier question"},
		{Role: "model", Text: "earlier answer"},
	}
	newTestClient(t, srv).Generate(context.Background(), "now", history, "persona")

	if len(gotReq.Contents) != 3 {
		t.Fatalf("got %d contents, want 3 (history + prompt)", len(gotReq.Contents))
	}
	if gotReq.Contents[0].Role != "user" || gotReq.Contents[1].Role != "model" {
		t.Errorf("history roles wrong: %q, %q", gotReq.Contents[0].Role, gotReq.Contents[1].Role)
	}
	if gotReq.Contents[2].Parts[0].Text != "now" {
		t.Errorf("prompt should be the final content, got %q", gotReq.Contents[2].Parts[0].Text)
	}
}

func TestGenerate_QuotaErrorSwitchesToFallbackAndSticks(t *testing.T) {
	var calls int
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		paths = append(paths, r.URL.Path)
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeCandidate(w, "from fallback [FORGET]")
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	res := c.Generate(context.Background(), "hi", nil, "persona")
	if !res.OK || res.Text != "from fallback" {
		t.Fatalf("retry result: %+v", res)
	}
	if calls != 2 {
		t.Fatalf("got %d provider calls, want 2", calls)
	}
	if !strings.Contains(paths[1], "gemini-fallback") {
		t.Errorf("retry should use the fallback model, path %q", paths[1])
	}

	// The switch is sticky: an unrelated later request also uses fallback.
	if got := c.ActiveModel(); got != "gemini-fallback" {
		t.Errorf("ActiveModel after quota: got %q, want fallback", got)
	}
	res = c.Generate(context.Background(), "another", nil, "persona")
	if !strings.Contains(paths[len(paths)-1], "gemini-fallback") {
		t.Error("subsequent request should stay on the fallback model")
	}
}

func TestGenerate_RetriesExhausted(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	res := newTestClient(t, srv).Generate(context.Background(), "hi", nil, "persona")
	if res.OK {
		t.Fatal("expected failed result")
	}
	if !res.QuotaExhausted {
		t.Error("expected QuotaExhausted=true")
	}
	if res.Text != "" {
		t.Errorf("failed result should carry no text, got %q", res.Text)
	}
	// MaxRetries=2 → 3 total attempts.
	if calls != 3 {
		t.Errorf("got %d attempts, want 3", calls)
	}
}

func TestGenerate_OtherErrorNoRetry(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": 500, "message": "boom", "status": "INTERNAL"},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	res := c.Generate(context.Background(), "hi", nil, "persona")
	if res.OK {
		t.Fatal("expected failed result")
	}
	if res.QuotaExhausted {
		t.Error("non-quota failure must not report quota exhaustion")
	}
	if calls != 1 {
		t.Errorf("non-quota errors should not retry, got %d calls", calls)
	}
	if got := c.ActiveModel(); got != "gemini-primary" {
		t.Errorf("non-quota failure must not switch models, active %q", got)
	}
}

func TestGenerate_ResourceExhaustedStatusTreatedAsQuota(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": 429, "message": "quota", "status": "RESOURCE_EXHAUSTED"},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	res := c.Generate(context.Background(), "hi", nil, "persona")
	if !res.QuotaExhausted {
		t.Error("RESOURCE_EXHAUSTED should classify as a quota failure")
	}
	if calls != 3 {
		t.Errorf("quota errors should retry, got %d calls", calls)
	}
	if got := c.ActiveModel(); got != "gemini-fallback" {
		t.Errorf("quota error should have switched models, active %q", got)
	}
	_ = res
}

func TestGenerate_SafetyBlockSurfacesFilterablePhrase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{
				{
					"content":      map[string]any{"role": "model", "parts": []map[string]any{}},
					"finishReason": "SAFETY",
				},
			},
		})
	}))
	defer srv.Close()

	res := newTestClient(t, srv).Generate(context.Background(), "hi", nil, "persona")
	if !res.OK {
		t.Fatal("safety block is not a transport failure")
	}
	if !strings.Contains(res.Text, "blocked due to SAFETY") {
		t.Errorf("expected filterable safety phrase, got %q", res.Text)
	}
}

