package main

import (
	"log/slog"

	"github.com/soundprediction/fdedup/pkg/logger"
)

func main() {
	// Create a colored logger
	log := logger.NewDefaultLogger(slog.LevelDebug)

	log.Info("============================================")
	log.Info("    fdedup Colored Logger Demo")
	log.Info("============================================")
	log.Info("")

	log.Debug("Debug message - cyan")
	log.Info("Info message - standard color")
	log.Info("Shingling input table - standard color")
	log.Info("Table shingling complete - green!")
	log.Warn("Warning message - yellow!")
	log.Error("Error message - red!")

	log.Info("")
	log.Info("Info messages containing \"persist\" or \"complete\" are highlighted in green:")
	log.Info("Preprocessing table", "count", 42, "batch_size", 100)
	log.Info("Preprocessing complete", "duration", "2.5s")
	log.Info("Resolving buckets", "count", 156)
	log.Info("Buckets resolved", "duration", "1.8s")

	log.Info("")
	log.Warn("Warnings appear in yellow for attention")
	log.Error("Errors appear in red for immediate visibility")

	log.Info("")
	log.Info("Demo complete!")
}
