// Command survey_insights serves the survey feedback categorization
// pipeline: spreadsheet upload, LLM column-mapping inference, streamed batch
// categorization and durable run storage.
package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/quantiverge/survey_insights/internal/categorize"
	"github.com/quantiverge/survey_insights/internal/config"
	"github.com/quantiverge/survey_insights/internal/llm"
	"github.com/quantiverge/survey_insights/internal/server"
	"github.com/quantiverge/survey_insights/internal/store"
)

func main() {
	cfg, err := config.ParseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer logger.Sync()

	runStore, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal("open run store", zap.Error(err))
	}
	defer runStore.Close()

	capability := llm.NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL, logger)
	runner := &categorize.Runner{
		Capability: capability,
		Store:      runStore,
		Audit:      runStore,
		BatchSize:  cfg.BatchSize,
		Logger:     logger,
	}

	srv := server.New(capability, runStore, runner, logger)
	if err := srv.Run(cfg.Addr); err != nil {
		logger.Fatal("http server stopped", zap.Error(err))
	}
}
