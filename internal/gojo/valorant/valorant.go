// Package valorant looks up player stats through the HenrikDev community
// API for the valorant command.
package valorant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/Reaper7531/gojo/common/retry"
)

const defaultBaseURL = "https://api.henrikdev.xyz"

// ErrNotConfigured is returned when no API key is set.
var ErrNotConfigured = errors.New("valorant: api key not configured")

// ErrPlayerNotFound is returned for an unknown name#tag combination.
var ErrPlayerNotFound = errors.New("valorant: player not found")

var errServerSide = errors.New("valorant: server error")

// Config holds the HenrikDev API settings.
type Config struct {
	APIKey  string
	Region  string
	BaseURL string
	Timeout time.Duration
}

// Profile is the combined account and ranked standing for one player.
type Profile struct {
	Name         string
	Tag          string
	Region       string
	AccountLevel int
	Rank         string
	RankedRating int
	LastChange   int
	Elo          int
}

// Client queries the HenrikDev API.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a stats client. A missing API key is allowed; Lookup will
// return ErrNotConfigured.
func New(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Region == "" {
		cfg.Region = "eu"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Lookup resolves a player by name and tag, then fetches their current
// ranked standing.
func (c *Client) Lookup(ctx context.Context, name, tag string) (Profile, error) {
	if c.cfg.APIKey == "" {
		return Profile{}, ErrNotConfigured
	}

	account, err := c.fetchAccount(ctx, name, tag)
	if err != nil {
		return Profile{}, err
	}

	profile := Profile{
		Name:         account.Data.Name,
		Tag:          account.Data.Tag,
		Region:       account.Data.Region,
		AccountLevel: account.Data.AccountLevel,
	}
	if profile.Region == "" {
		profile.Region = c.cfg.Region
	}

	mmr, err := c.fetchMMR(ctx, profile.Region, name, tag)
	if err != nil {
		// Account exists but has no ranked data (unranked, new act).
		c.logger.Debug("valorant: no mmr data", "player", name+"#"+tag, "err", err)
		profile.Rank = "Unranked"
		return profile, nil
	}

	profile.Rank = mmr.Data.CurrentTierPatched
	profile.RankedRating = mmr.Data.RankingInTier
	profile.LastChange = mmr.Data.MMRChangeToLastGame
	profile.Elo = mmr.Data.Elo
	if profile.Rank == "" {
		profile.Rank = "Unranked"
	}
	return profile, nil
}

type accountResponse struct {
	Data struct {
		Name         string `json:"name"`
		Tag          string `json:"tag"`
		Region       string `json:"region"`
		AccountLevel int    `json:"account_level"`
	} `json:"data"`
}

type mmrResponse struct {
	Data struct {
		CurrentTierPatched  string `json:"currenttierpatched"`
		RankingInTier       int    `json:"ranking_in_tier"`
		MMRChangeToLastGame int    `json:"mmr_change_to_last_game"`
		Elo                 int    `json:"elo"`
	} `json:"data"`
}

func (c *Client) fetchAccount(ctx context.Context, name, tag string) (accountResponse, error) {
	var out accountResponse
	path := fmt.Sprintf("/valorant/v1/account/%s/%s", url.PathEscape(name), url.PathEscape(tag))
	if err := c.get(ctx, path, &out); err != nil {
		return accountResponse{}, err
	}
	return out, nil
}

func (c *Client) fetchMMR(ctx context.Context, region, name, tag string) (mmrResponse, error) {
	var out mmrResponse
	path := fmt.Sprintf("/valorant/v2/mmr/%s/%s/%s",
		url.PathEscape(region), url.PathEscape(name), url.PathEscape(tag))
	if err := c.get(ctx, path, &out); err != nil {
		return mmrResponse{}, err
	}
	return out, nil
}

// get performs one authenticated GET with retries on transient failures.
func (c *Client) get(ctx context.Context, path string, out any) error {
	return retry.Do(ctx, retry.Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		ShouldRetry: func(err error) bool {
			return errors.Is(err, errServerSide)
		},
	}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
		if err != nil {
			return fmt.Errorf("valorant: build request: %w", err)
		}
		req.Header.Set("Authorization", c.cfg.APIKey)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("valorant: request failed: %w", errors.Join(errServerSide, err))
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("valorant: read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return ErrPlayerNotFound
		case resp.StatusCode >= 500:
			return fmt.Errorf("valorant: status %d: %w", resp.StatusCode, errServerSide)
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("valorant: status %d", resp.StatusCode)
		}

		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("valorant: decode response: %w", err)
		}
		return nil
	})
}
