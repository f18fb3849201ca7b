package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	// DefaultFetchLimit caps the raw rows pulled per context query before
	// the token budget is applied.
	DefaultFetchLimit = 20

	// DefaultMaxContextTokens is the token-estimate budget for one
	// assembled context window.
	DefaultMaxContextTokens = 2000
)

// Options tunes the context-window query.
type Options struct {
	// FetchLimit is the number of raw turns pulled newest-first before
	// token filtering. Defaults to DefaultFetchLimit when <= 0.
	FetchLimit int

	// MaxContextTokens is the cumulative token-estimate budget.
	// Defaults to DefaultMaxContextTokens when <= 0.
	MaxContextTokens int
}

// Store is the sqlite-backed turn log. A nil *Store is valid and behaves as
// an absent store: appends are dropped, context queries return nothing.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	opts   Options
}

// Open opens (or creates) the database at path, applies pragmas and pending
// migrations, and returns the Store. If logger is nil the default slog
// logger is used.
func Open(path string, opts Options, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FetchLimit <= 0 {
		opts.FetchLimit = DefaultFetchLimit
	}
	if opts.MaxContextTokens <= 0 {
		opts.MaxContextTokens = DefaultMaxContextTokens
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	// SQLite is single-writer. A single shared connection lets database/sql
	// serialize writers instead of having them fight over the file lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: set pragma: %w", err)
		}
	}

	s := &Store{db: db, logger: logger, opts: opts}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return s, nil
}

// DB exposes the underlying connection so the gateway can share the same
// database for its sync-state table. Nil on a nil store.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// Close closes the underlying database. Safe on a nil store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append inserts one turn. The write is best-effort from the pipeline's
// point of view: the orchestrator calls it after the reply has already been
// sent and only logs a failure. A nil store drops the turn silently.
func (s *Store) Append(ctx context.Context, turn Turn) error {
	if s == nil || s.db == nil {
		return nil
	}

	createdAt := turn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO turns
			(id, channel_id, guild_id, author_id, author_name, is_bot,
			 content, token_estimate, is_command, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		turn.ID,
		turn.ChannelID,
		turn.GuildID,
		turn.AuthorID,
		turn.AuthorName,
		turn.IsBot,
		turn.Content,
		turn.TokenCount,
		turn.IsCommand,
		createdAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("history: insert turn %s: %w", turn.ID, err)
	}

	s.logger.Debug("history: stored turn",
		"turn_id", turn.ID,
		"channel_id", turn.ChannelID,
		"is_bot", turn.IsBot,
		"is_command", turn.IsCommand,
		"tokens", turn.TokenCount,
	)
	return nil
}

// FetchContext returns the token-budgeted context window for a channel in
// chronological order (oldest first).
//
// The query pulls the newest FetchLimit turns, then walks them newest to
// oldest accumulating token estimates, stopping before the first turn that
// would push the running total past the budget. The newest turn is always
// included, even when its own estimate exceeds the budget on its own —
// the window exists to bound cost, not to guarantee completeness.
//
// Failures degrade to an empty window: the error is logged and the caller
// proceeds with no memory.
func (s *Store) FetchContext(ctx context.Context, channelID string) []Turn {
	if s == nil || s.db == nil {
		return nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, guild_id, author_id, author_name, is_bot,
		       content, token_estimate, is_command, created_at
		FROM turns
		WHERE channel_id = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		channelID, s.opts.FetchLimit,
	)
	if err != nil {
		s.logger.Warn("history: context query failed, proceeding without memory",
			"channel_id", channelID, "err", err)
		return nil
	}
	defer rows.Close()

	var newestFirst []Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			s.logger.Warn("history: skip malformed turn row", "err", err)
			continue
		}
		newestFirst = append(newestFirst, turn)
	}
	if err := rows.Err(); err != nil {
		s.logger.Warn("history: iterate turn rows", "channel_id", channelID, "err", err)
		return nil
	}

	window := applyTokenBudget(newestFirst, s.opts.MaxContextTokens)

	// Reverse into chronological order for the provider.
	for i, j := 0, len(window)-1; i < j; i, j = i+1, j-1 {
		window[i], window[j] = window[j], window[i]
	}
	return window
}

// TurnCount returns the total number of stored turns. Used by the status
// endpoint; a nil store reports zero.
func (s *Store) TurnCount(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM turns").Scan(&n); err != nil {
		return 0, fmt.Errorf("history: count turns: %w", err)
	}
	return n, nil
}

// applyTokenBudget walks turns (newest first) accumulating token estimates
// and cuts the tail before the first turn that would exceed the budget.
// The newest turn always survives.
func applyTokenBudget(newestFirst []Turn, budget int) []Turn {
	var kept []Turn
	total := 0
	for i, turn := range newestFirst {
		if i > 0 && total+turn.TokenCount > budget {
			break
		}
		kept = append(kept, turn)
		total += turn.TokenCount
	}
	return kept
}

// scanTurn reads one row from the turns table.
func scanTurn(rows *sql.Rows) (Turn, error) {
	var (
		turn      Turn
		createdAt int64
	)
	err := rows.Scan(
		&turn.ID,
		&turn.ChannelID,
		&turn.GuildID,
		&turn.AuthorID,
		&turn.AuthorName,
		&turn.IsBot,
		&turn.Content,
		&turn.TokenCount,
		&turn.IsCommand,
		&createdAt,
	)
	if err != nil {
		return Turn{}, fmt.Errorf("scan row: %w", err)
	}

	turn.CreatedAt = time.UnixMilli(createdAt).UTC()
	return turn, nil
}

// migrate creates the schema version table and applies any pending
// migration files embedded in the binary.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		description := strings.TrimSuffix(parts[1], ".sql")

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			version, time.Now(), description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}

		s.logger.Info("history: applied migration", "version", version, "description", description)
	}

	return nil
}
