// Package app wires the bot together: storage, gateway, generation, command
// dispatch, and the optional health server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Reaper7531/gojo/internal/gojo/commands"
	"github.com/Reaper7531/gojo/internal/gojo/gateway"
	"github.com/Reaper7531/gojo/internal/gojo/genai"
	"github.com/Reaper7531/gojo/internal/gojo/history"
	"github.com/Reaper7531/gojo/internal/gojo/orchestrator"
	"github.com/Reaper7531/gojo/internal/gojo/persona"
	"github.com/Reaper7531/gojo/internal/gojo/policy"
	"github.com/Reaper7531/gojo/internal/gojo/rategate"
	"github.com/Reaper7531/gojo/internal/gojo/search"
	"github.com/Reaper7531/gojo/internal/gojo/valorant"
)

// Config holds application configuration.
type Config struct {
	// DatabasePath is the SQLite file for conversation history and the
	// gateway sync state. Empty disables persistence entirely; the bot
	// still chats, just without memory.
	DatabasePath string

	Matrix gateway.Config
	GenAI  genai.Config

	// Search and Valorant credentials are optional; their commands degrade
	// to friendly "not set up" replies when absent.
	Search   search.Config
	Valorant valorant.Config

	// Prefix is the explicit command trigger, e.g. "~gojo".
	Prefix string

	// PersonaPath optionally overrides the compiled-in persona with a
	// validated YAML file.
	PersonaPath string

	// SukunaUserID and SuguruUserID map Matrix users onto the special
	// persona identities. Empty means nobody gets the treatment.
	SukunaUserID string
	SuguruUserID string

	// UserCooldown is the per-user admission window between requests.
	UserCooldown time.Duration

	// QuotaResetDelay is how long the quota breaker stays open.
	QuotaResetDelay time.Duration

	// MaxResponseLength bounds the visible reply.
	MaxResponseLength int

	// History tunes the context-window query.
	History history.Options

	// HTTPAddr is the TCP address for the optional health/status HTTP
	// server (e.g. ":8080"). When empty the server is disabled.
	HTTPAddr string
}

// App is the assembled bot.
type App struct {
	cfg          *Config
	store        *history.Store
	gateway      *gateway.Client
	orch         *orchestrator.Orchestrator
	dispatcher   *commands.Dispatcher
	healthServer *HealthServer
	logger       *slog.Logger
}

// New assembles the application. Fatal configuration problems surface here;
// optional subsystems log and degrade instead.
func New(cfg *Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// History store. An empty path is a supported mode: the nil store
	// drops appends and returns empty context windows.
	var store *history.Store
	if cfg.DatabasePath != "" {
		logger.Info("opening database", "path", cfg.DatabasePath)
		var err error
		store, err = history.Open(cfg.DatabasePath, cfg.History, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
	} else {
		logger.Warn("no database path configured; running without conversation memory")
	}

	// Gateway. Inject the DB so the client can persist the sync token
	// across restarts.
	matrixCfg := cfg.Matrix
	matrixCfg.DB = store.DB()
	logger.Info("connecting to Matrix", "homeserver", matrixCfg.Homeserver)
	gw, err := gateway.New(&matrixCfg, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	// Persona: compiled-in default, optionally overridden from disk.
	p := persona.Default()
	if cfg.PersonaPath != "" {
		loaded, err := persona.Load(cfg.PersonaPath)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to load persona override: %w", err)
		}
		p = loaded
		logger.Info("persona override loaded", "path", cfg.PersonaPath)
	}

	gen := genai.New(cfg.GenAI, logger)

	orch := orchestrator.New(orchestrator.Config{
		UserCooldown:      cfg.UserCooldown,
		QuotaResetDelay:   cfg.QuotaResetDelay,
		MaxResponseLength: cfg.MaxResponseLength,
		BotUserID:         cfg.Matrix.UserID,
		BotDisplayName:    "gojo",
	}, rategate.New(), store, gen, p, persona.Resolver{
		SukunaID: cfg.SukunaUserID,
		SuguruID: cfg.SuguruUserID,
	}, policy.NewPicker(), logger)

	dispatcher := commands.New(commands.Config{
		Prefix:    cfg.Prefix,
		BotUserID: cfg.Matrix.UserID,
	}, gw, gw, orch, gen,
		search.New(cfg.Search, logger),
		valorant.New(cfg.Valorant, logger),
		logger)

	var healthServer *HealthServer
	if cfg.HTTPAddr != "" {
		healthServer = NewHealthServer(cfg.HTTPAddr, store)
	}

	return &App{
		cfg:          cfg,
		store:        store,
		gateway:      gw,
		orch:         orch,
		dispatcher:   dispatcher,
		healthServer: healthServer,
		logger:       logger,
	}, nil
}

// Run starts the bot and blocks until an interrupt signal.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			a.logger.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	a.logger.Info("starting Matrix sync")
	if err := a.gateway.Start(ctx, a.dispatcher.HandleMessage); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	// Best-effort hello to the configured rooms.
	for _, roomID := range a.cfg.Matrix.Rooms {
		if err := a.gateway.SendNotice(ctx, roomID, "✨ The strongest has arrived. Say "+a.cfg.Prefix+" help."); err != nil {
			a.logger.Warn("startup notice failed", "room_id", roomID, "err", err)
		}
	}

	a.logger.Info("gojo is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.logger.Info("shutting down")
	return nil
}

// Stop shuts the bot down. Background persistence is flushed before the
// database closes so the last exchange is not dropped.
func (a *App) Stop() {
	a.logger.Info("stopping gateway")
	a.gateway.Stop()

	if a.healthServer != nil {
		a.logger.Info("stopping health server")
		a.healthServer.Stop()
	}

	a.logger.Info("flushing pending history writes")
	a.orch.Flush()

	a.logger.Info("closing database")
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close database", "err", err)
	}
}
