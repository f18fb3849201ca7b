package valorant

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
		APIKey:  "test-key",
		Region:  "eu",
		BaseURL: server.URL,
	}, nil)
}

func statsHandler(t *testing.T) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "test-key" {
			t.Errorf("missing api key header")
		}
		switch {
		case strings.HasPrefix(r.URL.Path, "/valorant/v1/account/"):
			w.Write([]byte(`{"data":{"name":"TenZ","tag":"SEN","region":"na","account_level":247}}`))
		case strings.HasPrefix(r.URL.Path, "/valorant/v2/mmr/na/"):
			w.Write([]byte(`{"data":{"currenttierpatched":"Radiant","ranking_in_tier":523,"mmr_change_to_last_game":21,"elo":2623}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestLookup_CombinesAccountAndMMR(t *testing.T) {
	c := newTestClient(t, statsHandler(t))

	profile, err := c.Lookup(context.Background(), "TenZ", "SEN")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if profile.Name != "TenZ" || profile.Region != "na" || profile.AccountLevel != 247 {
		t.Errorf("account fields: %+v", profile)
	}
	if profile.Rank != "Radiant" || profile.RankedRating != 523 || profile.LastChange != 21 {
		t.Errorf("mmr fields: %+v", profile)
	}
}

func TestLookup_UnrankedFallsBack(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/valorant/v1/account/") {
			w.Write([]byte(`{"data":{"name":"Newbie","tag":"0001","region":"eu","account_level":3}}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	profile, err := c.Lookup(context.Background(), "Newbie", "0001")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if profile.Rank != "Unranked" {
		t.Errorf("rank: got %q, want Unranked", profile.Rank)
	}
}

func TestLookup_PlayerNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.Lookup(context.Background(), "Ghost", "0000")
	if !errors.Is(err, ErrPlayerNotFound) {
		t.Fatalf("want ErrPlayerNotFound, got %v", err)
	}
}

func TestLookup_NotConfigured(t *testing.T) {
	c := New(Config{}, nil)
	_, err := c.Lookup(context.Background(), "Anyone", "tag")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("want ErrNotConfigured, got %v", err)
	}
}

func TestLookup_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/valorant/v1/account/") {
			if calls.Add(1) < 2 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.Write([]byte(`{"data":{"name":"TenZ","tag":"SEN","region":"eu","account_level":1}}`))
			return
		}
		w.Write([]byte(`{"data":{"currenttierpatched":"Gold 2","ranking_in_tier":40,"mmr_change_to_last_game":-12,"elo":1140}}`))
	})

	profile, err := c.Lookup(context.Background(), "TenZ", "SEN")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("account endpoint called %d times, want 2", calls.Load())
	}
	if profile.Rank != "Gold 2" || profile.LastChange != -12 {
		t.Errorf("mmr fields: %+v", profile)
	}
}
