package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/openfmd/findmygo/internal/locate"
)

// appConfig is the environment-driven CLI configuration. A .env file in the
// working directory is loaded first when present.
type appConfig struct {
	Email         string
	OAuthToken    string
	CachePath     string
	LogLevel      string
	LogFormat     string
	MetricsAddr   string
	LocateTimeout time.Duration
}

func loadConfig() (appConfig, error) {
	// Optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := appConfig{
		Email:         os.Getenv("FINDMY_EMAIL"),
		OAuthToken:    os.Getenv("FINDMY_OAUTH_TOKEN"),
		CachePath:     envOr("FINDMY_CACHE_PATH", defaultCachePath()),
		LogLevel:      envOr("FINDMY_LOG_LEVEL", "info"),
		LogFormat:     envOr("FINDMY_LOG_FORMAT", "auto"),
		MetricsAddr:   os.Getenv("FINDMY_METRICS_ADDR"),
		LocateTimeout: locate.DefaultTimeout,
	}

	if raw := os.Getenv("FINDMY_LOCATE_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return appConfig{}, fmt.Errorf("invalid FINDMY_LOCATE_TIMEOUT %q: %w", raw, err)
		}
		cfg.LocateTimeout = d
	}

	if cfg.Email == "" {
		return appConfig{}, fmt.Errorf("FINDMY_EMAIL must be set")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "findmy.db"
	}
	return filepath.Join(home, ".findmy", "findmy.db")
}
