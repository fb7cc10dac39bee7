package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/soundprediction/fdedup/pkg/config"
	"github.com/soundprediction/fdedup/pkg/dedup/pipeline"
	"github.com/soundprediction/fdedup/pkg/dedup/table"
	"github.com/soundprediction/fdedup/pkg/logger"
)

var (
	cfgFile   string
	inputDir  string
	outputDir string

	rootCmd = &cobra.Command{
		Use:   "fdedup",
		Short: "Fuzzy document deduplicator",
		Long: `fdedup removes near-duplicate documents from a corpus of row-group
tables using MinHash-based locality-sensitive hashing, and writes a
deduplicated corpus annotated with cluster ids plus a run-wide metadata
document.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: runDedup,
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults/env/flags apply if unset)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&inputDir, "input", "", "directory of input row-group Parquet tables")
	rootCmd.Flags().StringVar(&outputDir, "output", "", "directory to write filtered tables and metadata.json")
	_ = rootCmd.MarkFlagRequired("input")
	_ = rootCmd.MarkFlagRequired("output")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", cfgFile, err)
		}
	}
	viper.AutomaticEnv()
	return nil
}

func runDedup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.NewDefaultLogger(parseLevel(cfg.Log.Level))

	src := table.NewSource(inputDir)
	paths, err := src.List()
	if err != nil {
		return fmt.Errorf("list input tables under %s: %w", inputDir, err)
	}
	log.Info("discovered input tables", "count", len(paths), "dir", inputDir)

	sink, err := table.NewSink(outputDir)
	if err != nil {
		return err
	}

	coord, err := pipeline.NewCoordinator(cfg, sink, log)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	meta, err := coord.Run(context.Background(), paths)
	if err != nil {
		return err
	}

	log.Info("run complete",
		"source_documents", meta.SourceDocuments,
		"result_documents", meta.ResultDocuments,
		"removed_docs", meta.RemovedDocs,
		"dedup_percentage", meta.DedupPercentage,
	)
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
