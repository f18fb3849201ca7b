package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/Reaper7531/gojo/common/environment"
	"github.com/Reaper7531/gojo/common/version"
	"github.com/Reaper7531/gojo/internal/gojo/app"
	"github.com/Reaper7531/gojo/internal/gojo/gateway"
	"github.com/Reaper7531/gojo/internal/gojo/genai"
	"github.com/Reaper7531/gojo/internal/gojo/history"
	"github.com/Reaper7531/gojo/internal/gojo/search"
	"github.com/Reaper7531/gojo/internal/gojo/valorant"
)

func main() {
	fmt.Printf("Gojo %s\n\n", version.Info())

	// A .env file is a development convenience; the system environment
	// always wins.
	if err := godotenv.Load(); err == nil {
		fmt.Println("Loaded configuration from .env")
	}

	logger := newLogger(environment.StringOr("LOG_LEVEL", "info"))
	slog.SetDefault(logger)

	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	bot, err := app.New(config, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Gojo: %v\n", err)
		os.Exit(1)
	}
	defer bot.Stop()

	if err := bot.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Gojo: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration from environment variables. The Gemini API
// key and the Matrix credentials are fatal when missing; everything else
// has a default or degrades.
func loadConfig() (*app.Config, error) {
	apiKey, err := environment.RequiredString("API_KEY")
	if err != nil {
		return nil, err
	}
	homeserver, err := environment.RequiredString("MATRIX_HOMESERVER")
	if err != nil {
		return nil, err
	}
	userID, err := environment.RequiredString("MATRIX_USER_ID")
	if err != nil {
		return nil, err
	}
	accessToken, err := environment.RequiredString("MATRIX_ACCESS_TOKEN")
	if err != nil {
		return nil, err
	}

	return &app.Config{
		DatabasePath: environment.StringOr("DATABASE_PATH", "./gojo.db"),
		Matrix: gateway.Config{
			Homeserver:  homeserver,
			UserID:      userID,
			AccessToken: accessToken,
			Rooms:       environment.StringSliceOr("MATRIX_ROOMS", nil),
		},
		GenAI: genai.Config{
			APIKey:        apiKey,
			Model:         environment.StringOr("GEMINI_MODEL", "gemini-2.0-flash"),
			FallbackModel: environment.StringOr("GEMINI_FALLBACK_MODEL", "gemini-1.5-flash"),
			MaxRetries:    environment.IntOr("MAX_RETRIES", 2),
			RetryDelay:    environment.DurationOr("RETRY_DELAY", 5*time.Second),
		},
		Search: search.Config{
			APIKey:   environment.StringOr("GOOGLE_API_KEY", ""),
			EngineID: environment.StringOr("GOOGLE_CSE_ID", ""),
		},
		Valorant: valorant.Config{
			APIKey: environment.StringOr("HENRIK_API_KEY", ""),
			Region: environment.StringOr("VALORANT_REGION", "eu"),
		},
		Prefix:            environment.StringOr("COMMAND_PREFIX", "~gojo"),
		PersonaPath:       environment.StringOr("PERSONA_PATH", ""),
		SukunaUserID:      environment.StringOr("SUKUNA_USER_ID", ""),
		SuguruUserID:      environment.StringOr("SUGURU_USER_ID", ""),
		UserCooldown:      environment.DurationOr("REQUEST_COOLDOWN", 3*time.Second),
		QuotaResetDelay:   environment.DurationOr("QUOTA_RESET_DELAY", time.Minute),
		MaxResponseLength: environment.IntOr("MAX_RESPONSE_LENGTH", 800),
		History: history.Options{
			FetchLimit:       environment.IntOr("HISTORY_FETCH_LIMIT", history.DefaultFetchLimit),
			MaxContextTokens: environment.IntOr("MAX_CONTEXT_TOKENS", history.DefaultMaxContextTokens),
		},
		HTTPAddr: environment.StringOr("HTTP_ADDR", ""),
	}, nil
}

// newLogger builds the process-wide structured logger.
func newLogger(level string) *slog.Logger {
	slogLevel := slog.LevelInfo
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel}))
}
