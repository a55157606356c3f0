// Package config holds the service configuration parsed from flags with
// environment fallback for secrets.
package config

import (
	"errors"
	"flag"
	"os"
	"strings"
)

// Config is the full runtime configuration of the service.
type Config struct {
	Addr      string
	DBPath    string
	Model     string
	APIKey    string
	BaseURL   string
	BatchSize int
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("missing -addr")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return errors.New("missing -db")
	}
	if strings.TrimSpace(c.Model) == "" {
		return errors.New("missing -model")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("missing OPENAI_API_KEY (or pass -api-key)")
	}
	if c.BatchSize <= 0 {
		return errors.New("batch-size must be > 0")
	}
	return nil
}

// Default returns the configuration used when no flags are set.
func Default() Config {
	return Config{
		Addr:      ":8080",
		DBPath:    "out/runs.db",
		Model:     "gpt-4.1-mini",
		BatchSize: 50,
	}
}

// ParseFlags fills a Config from the given arguments. The API key falls back
// to the OPENAI_API_KEY environment variable.
func ParseFlags(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Default()
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "path to the SQLite run store")
	fs.StringVar(&cfg.Model, "model", cfg.Model, "model for mapping, categorization and summaries")
	fs.StringVar(&cfg.APIKey, "api-key", "", "API key (defaults to OPENAI_API_KEY)")
	fs.StringVar(&cfg.BaseURL, "base-url", "", "override the API base URL")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "rows per categorization batch")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return cfg, nil
}
