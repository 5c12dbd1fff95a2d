// Package bootstrap wires the runtime pipeline: pre-flight gate, analyzer,
// batch optimizer, admission controller, executors and verifier, all
// observing one event bus.
package bootstrap

import (
	"context"
	"hash/fnv"

	"github.com/google/uuid"

	"github.com/flyingrobots/wesley/components/migration/internal/admission"
	"github.com/flyingrobots/wesley/components/migration/internal/analyzer"
	"github.com/flyingrobots/wesley/components/migration/internal/batch"
	"github.com/flyingrobots/wesley/components/migration/internal/cic"
	"github.com/flyingrobots/wesley/components/migration/internal/executor"
	"github.com/flyingrobots/wesley/components/migration/internal/explain"
	"github.com/flyingrobots/wesley/components/migration/internal/lockmon"
	"github.com/flyingrobots/wesley/components/migration/internal/safety"
	"github.com/flyingrobots/wesley/components/migration/internal/verify"
	"github.com/flyingrobots/wesley/pkg"
	cn "github.com/flyingrobots/wesley/pkg/constant"
	"github.com/flyingrobots/wesley/pkg/mevent"
	"github.com/flyingrobots/wesley/pkg/mlog"
	"github.com/flyingrobots/wesley/pkg/mmodel"
	"github.com/flyingrobots/wesley/pkg/mpostgres"
)

// Service is the application glue where we put all top level components to
// be used.
type Service struct {
	Config *Config
	Logger mlog.Logger

	Bus        *mevent.Bus
	Connection *mpostgres.PostgresConnection
	Executor   *executor.Executor
	TxManager  *executor.Manager
	Monitor    *lockmon.Monitor
	Controller *admission.Controller
	Registry   *safety.Registry
	Validator  *safety.Validator
	Verifier   *verify.Verifier
}

// RunReport is the caller-facing summary of one run.
type RunReport struct {
	RunID    string                     `json:"runId"`
	Status   string                     `json:"status"`
	Analysis analyzer.Analysis          `json:"analysis"`
	Batches  batch.Result               `json:"batches"`
	Results  []*mmodel.OperationResult  `json:"results"`
	Explain  explain.Summary            `json:"explain"`
}

// NewService assembles the pipeline from configuration.
func NewService(cfg *Config, logger mlog.Logger) *Service {
	bus := mevent.NewBus(0)
	registry := safety.NewRegistry()

	return &Service{
		Config:     cfg,
		Logger:     logger,
		Bus:        bus,
		Connection: mpostgres.NewPostgresConnection(cfg.PostgresConnectionString),
		Monitor:    lockmon.NewMonitor(cfg.monitorConfig(), bus),
		Controller: admission.NewController(cfg.admissionConfig(), bus),
		Registry:   registry,
		Validator:  safety.NewValidator(registry, cfg.safetyLimits(), false),
		Verifier:   verify.NewVerifier(cfg.verifierConfig(), bus),
	}
}

// advisoryKey derives the single-migrator advisory lock key from the
// application identity.
func advisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))

	return int64(h.Sum64())
}

// Run drives one operation set through the full pipeline. Partial
// completion is first-class: the report carries every per-operation result
// even when the run fails midway.
func (s *Service) Run(ctx context.Context, ops []*mmodel.MigrationOperation, granted []safety.Permission, catalog *safety.Catalog) (*RunReport, error) {
	ctx = pkg.ContextWithLogger(ctx, s.Logger)

	runID := uuid.New().String()
	s.Bus.WithCorrelationID(runID)

	report := &RunReport{RunID: runID, Status: "failed"}

	// Annotate anything the planner left bare.
	for i, op := range ops {
		if op.Kind == "" || len(op.AffectedTables) == 0 {
			annotated := explain.BuildOperation(op.ID, op.SQL, explain.Hints{EstimatedRows: op.EstimatedRows})

			if op.ID == "" {
				annotated.ID = uuid.New().String()
			}

			ops[i] = annotated
		}
	}

	// Pre-flight gate.
	validation, err := s.Validator.Validate(ctx, safety.Request{
		ID:         runID,
		Class:      safety.ClassMigration,
		Operations: ops,
	}, granted, catalog)
	if err != nil {
		return report, err
	}

	if validation.Overall != "passed" {
		return report, pkg.NewRuntimeError(cn.ErrSafetyValidation, "pre-flight validation failed")
	}

	defer s.Registry.Unregister(runID)

	report.Explain = explain.ExplainAll(ops, explain.Hints{})
	report.Analysis = analyzer.Analyze(ops, s.Config.analyzerConfig())
	report.Batches = batch.Optimize(ops, s.Config.batchConfig())

	// Open the session and take the single-migrator guard.
	if err := s.Connection.Connect(ctx); err != nil {
		return report, err
	}

	defer func() {
		if closeErr := s.Connection.Close(); closeErr != nil {
			s.Logger.Warnf("failed to close connection: %v", closeErr)
		}
	}()

	s.Executor = executor.NewExecutor(s.Connection.Session(), s.Connection, s.Bus)
	s.TxManager = executor.NewManager(s.Executor, s.Config.managerConfig())

	if err := s.Executor.Start(ctx); err != nil {
		return report, err
	}

	guard := advisoryKey(ApplicationName)
	if err := s.Executor.AcquireAdvisoryLock(ctx, guard, false); err != nil {
		return report, err
	}

	s.Monitor.StartMonitoring(ctx, s.Connection.Session())
	s.Controller.StartMonitoring()

	defer func() {
		s.Controller.Shutdown()
		s.Monitor.StopMonitoring()

		if err := s.Executor.Shutdown(ctx); err != nil {
			s.Logger.Warnf("executor shutdown: %v", err)
		}

		s.Bus.Publish(cn.EventMigrationRunCompleted, map[string]any{
			"runId":   runID,
			"status":  report.Status,
			"results": report.Results,
		})
	}()

	failed := false

	for _, b := range report.Batches.Batches {
		if failed {
			for _, op := range b.Operations {
				report.Results = append(report.Results, &mmodel.OperationResult{
					Operation: op,
					Status:    cn.StatusSkipped,
				})
			}

			continue
		}

		results, err := s.runBatch(ctx, b)
		report.Results = append(report.Results, results...)

		if err != nil {
			s.Logger.Errorf("batch failed: %v", err)

			failed = true
		}
	}

	if !failed {
		report.Status = "completed"
	}

	return report, nil
}

// VerifyRun confirms a finished run against its snapshots. Callers invoke it
// after Run, or after a failure to produce the drift report that informs the
// next attempt.
func (s *Service) VerifyRun(ctx context.Context, input verify.Input) (verify.Result, error) {
	ctx = pkg.ContextWithLogger(ctx, s.Logger)

	return s.Verifier.Verify(ctx, input)
}

// runBatch executes one batch: concurrent index batches go through the CIC
// orchestrator, everything else through the transaction manager.
func (s *Service) runBatch(ctx context.Context, b batch.Batch) ([]*mmodel.OperationResult, error) {
	if b.CanRunConcurrently {
		strategy := mmodel.ExecutionStrategy{
			Kind:                   cn.StrategyTableParallel,
			MaxParallelTables:      s.Config.MaxParallelTables,
			MaxRetriesPerOperation: s.Config.MaxRetries,
			BackoffMultiplier:      2.0,
			MaxBackoffMs:           s.Config.MaxBackoffMs,
		}

		orchestrator := cic.NewOrchestrator(
			s.Executor,
			&cic.CatalogProber{Conn: s.Connection.Session()},
			s.Bus,
			strategy,
			s.Config.cicConfig(),
		)

		results, err := orchestrator.Run(ctx, b.Operations)
		if err != nil {
			return results, err
		}

		for _, r := range results {
			if r.Status == cn.StatusFailed {
				return results, pkg.NewRuntimeError(cn.ErrConcurrentSafety, "concurrent index build failed")
			}
		}

		return results, nil
	}

	var results []*mmodel.OperationResult

	runOps := func(runCtx context.Context) error {
		for _, op := range b.Operations {
			result, err := s.executeAdmitted(runCtx, op)
			if result != nil {
				results = append(results, result)
			}

			if err != nil {
				return err
			}
		}

		return nil
	}

	if b.TransactionMode == batch.TxExplicit {
		err := s.TxManager.ExecuteInTransaction(ctx, b.IsolationLevel, runOps)

		return results, err
	}

	return results, runOps(ctx)
}

// executeAdmitted runs one operation behind the admission controller.
func (s *Service) executeAdmitted(ctx context.Context, op *mmodel.MigrationOperation) (*mmodel.OperationResult, error) {
	decision, err := s.Controller.RequestPermission(op.ID, op.Priority)
	if err != nil {
		return &mmodel.OperationResult{Operation: op, Status: cn.StatusSkipped, Err: err, ErrorMessage: err.Error()}, err
	}

	if decision.Queued {
		select {
		case admitErr := <-decision.Ready:
			if admitErr != nil {
				return &mmodel.OperationResult{Operation: op, Status: cn.StatusCancelled, Err: admitErr}, admitErr
			}
		case <-ctx.Done():
			return &mmodel.OperationResult{Operation: op, Status: cn.StatusCancelled, Err: ctx.Err()}, ctx.Err()
		}
	}

	result, execErr := s.Executor.ExecuteOperation(ctx, op)

	s.Controller.ReportCompletion(op.ID, admission.CompletionReport{
		Success:        execErr == nil,
		ResponseTimeMs: float64(resultDuration(result)),
		Err:            execErr,
	})

	return result, execErr
}

func resultDuration(r *mmodel.OperationResult) int64 {
	if r == nil {
		return 0
	}

	return r.DurationMs
}
