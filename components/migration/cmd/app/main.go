package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/flyingrobots/wesley/components/migration/internal/bootstrap"
	"github.com/flyingrobots/wesley/components/migration/internal/safety"
	"github.com/flyingrobots/wesley/pkg/mmodel"
)

// The planner hands a JSON operation list on stdin; the engine drives it
// through the pipeline and writes the run report to stdout.
func main() {
	cfg := bootstrap.NewConfig()
	logger := bootstrap.InitLogger()

	defer func() {
		if err := logger.Sync(); err != nil {
			logger.Errorf("failed to sync logger: %v", err)
		}
	}()

	var ops []*mmodel.MigrationOperation
	if err := json.NewDecoder(os.Stdin).Decode(&ops); err != nil {
		logger.Fatalf("failed to decode planned operations: %v", err)
	}

	service := bootstrap.NewService(cfg, logger)

	report, err := service.Run(context.Background(), ops, []safety.Permission{safety.PermAdmin}, nil)
	if err != nil {
		logger.Errorf("Launcher: App (%s) run failed: %v", bootstrap.ApplicationName, err)
	}

	if report != nil {
		if encodeErr := json.NewEncoder(os.Stdout).Encode(report); encodeErr != nil {
			logger.Errorf("failed to encode run report: %v", encodeErr)
		}
	}

	if err != nil {
		os.Exit(1)
	}

	logger.Infof("Launcher: App (%s) finished", bootstrap.ApplicationName)
}
