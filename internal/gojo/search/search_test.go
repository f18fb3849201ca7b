package search

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(Config{
		APIKey:   "test-key",
		EngineID: "test-cx",
		BaseURL:  server.URL,
	}, nil)
}

func TestSearch_ParsesResults(t *testing.T) {
	var gotQuery, gotKey string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		gotKey = r.URL.Query().Get("key")
		w.Write([]byte(`{"items":[
			{"title":"Jujutsu Kaisen","link":"https://example.org/jjk","snippet":"A manga."},
			{"title":"Gojo Satoru","link":"https://example.org/gojo","snippet":"The strongest."}
		]}`))
	})

	results, err := c.Search(context.Background(), "jujutsu kaisen", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if gotQuery != "jujutsu kaisen" || gotKey != "test-key" {
		t.Errorf("request params: q=%q key=%q", gotQuery, gotKey)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Title != "Jujutsu Kaisen" || results[1].Link != "https://example.org/gojo" {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestSearch_NotConfigured(t *testing.T) {
	c := New(Config{}, nil)
	_, err := c.Search(context.Background(), "anything", 3)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("want ErrNotConfigured, got %v", err)
	}
}

func TestSearch_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"items":[{"title":"ok","link":"l","snippet":"s"}]}`))
	})

	results, err := c.Search(context.Background(), "flaky", 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("made %d calls, want 3", calls.Load())
	}
	if len(results) != 1 {
		t.Errorf("got %d results", len(results))
	}
}

func TestSearch_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"message":"quota"}}`))
	})

	_, err := c.Search(context.Background(), "denied", 1)
	if err == nil {
		t.Fatal("want error for 403")
	}
	if calls.Load() != 1 {
		t.Errorf("made %d calls, want 1 (no retry on client errors)", calls.Load())
	}
}

func TestSearch_TransportErrorRedactsKey(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	server.Close() // force a connection error that quotes the request URL

	c := New(Config{
		APIKey:   "super-secret-key",
		EngineID: "test-cx",
		BaseURL:  server.URL,
	}, nil)

	_, err := c.Search(context.Background(), "anything", 1)
	if err == nil {
		t.Fatal("want a transport error")
	}
	if strings.Contains(err.Error(), "super-secret-key") {
		t.Errorf("error leaked the api key: %v", err)
	}
}

func TestSearch_EmptyItems(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	results, err := c.Search(context.Background(), "no hits", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}
