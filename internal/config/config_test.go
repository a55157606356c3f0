package config

import (
	"flag"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseFlags_Defaults(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	cfg, err := ParseFlags(newFlagSet(), nil)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "out/runs.db", cfg.DBPath)
	assert.Equal(t, "gpt-4.1-mini", cfg.Model)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Empty(t, cfg.APIKey)
}

func TestParseFlags_Overrides(t *testing.T) {
	cfg, err := ParseFlags(newFlagSet(), []string{
		"-addr", ":9090",
		"-db", "/tmp/other.db",
		"-model", "gpt-4.1",
		"-api-key", "sk-flag",
		"-base-url", "http://localhost:1234",
		"-batch-size", "10",
	})
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "/tmp/other.db", cfg.DBPath)
	assert.Equal(t, "gpt-4.1", cfg.Model)
	assert.Equal(t, "sk-flag", cfg.APIKey)
	assert.Equal(t, "http://localhost:1234", cfg.BaseURL)
	assert.Equal(t, 10, cfg.BatchSize)
}

func TestParseFlags_APIKeyEnvFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")

	cfg, err := ParseFlags(newFlagSet(), nil)
	require.NoError(t, err)
	assert.Equal(t, "sk-env", cfg.APIKey)

	cfg, err = ParseFlags(newFlagSet(), []string{"-api-key", "sk-flag"})
	require.NoError(t, err)
	assert.Equal(t, "sk-flag", cfg.APIKey, "explicit flag wins over environment")
}

func TestParseFlags_UnknownFlag(t *testing.T) {
	_, err := ParseFlags(newFlagSet(), []string{"-nope"})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.APIKey = "sk-test"
	require.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing addr", func(c *Config) { c.Addr = " " }},
		{"missing db path", func(c *Config) { c.DBPath = "" }},
		{"missing model", func(c *Config) { c.Model = "" }},
		{"missing api key", func(c *Config) { c.APIKey = "" }},
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"negative batch size", func(c *Config) { c.BatchSize = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
