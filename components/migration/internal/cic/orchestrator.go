// Package cic drives CREATE INDEX CONCURRENTLY operations: never inside a
// transaction, serialized per table, parallel across tables, with retry and
// cleanup of invalid half-built indexes.
package cic

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"

	"github.com/flyingrobots/wesley/pkg"
	cn "github.com/flyingrobots/wesley/pkg/constant"
	"github.com/flyingrobots/wesley/pkg/mevent"
	"github.com/flyingrobots/wesley/pkg/mmodel"
	"github.com/flyingrobots/wesley/pkg/mpostgres"
)

// Operation is a parsed CREATE INDEX CONCURRENTLY statement.
type Operation struct {
	Raw                 *mmodel.MigrationOperation
	IndexName           string
	TableName           string
	Columns             []string
	IsUnique            bool
	IsPartial           bool
	Predicate           string
	Method              string
	Priority            cn.Priority
	EstimatedDurationMs int64
}

var reCIC = regexp.MustCompile(
	`(?is)^\s*CREATE\s+(UNIQUE\s+)?INDEX\s+CONCURRENTLY\s+(IF\s+NOT\s+EXISTS\s+)?([\w."]+)\s+ON\s+(ONLY\s+)?([\w."]+)(?:\s+USING\s+(\w+))?\s*\(([^)]*)\)(?:\s+WHERE\s+(.+?))?\s*;?\s*$`,
)

// ParseOperation extracts index metadata from a CIC statement. Non-CIC SQL
// is rejected.
func ParseOperation(op *mmodel.MigrationOperation) (*Operation, error) {
	m := reCIC.FindStringSubmatch(op.SQL)
	if m == nil {
		return nil, pkg.NewRuntimeError(cn.ErrConcurrentSafety,
			fmt.Sprintf("not a CREATE INDEX CONCURRENTLY statement: %.60s", op.SQL))
	}

	parsed := &Operation{
		Raw:       op,
		IsUnique:  m[1] != "",
		IndexName: strings.Trim(strings.ToLower(m[3]), `"`),
		TableName: strings.Trim(strings.ToLower(m[5]), `"`),
		Method:    strings.ToLower(m[6]),
	}

	if parsed.Method == "" {
		parsed.Method = "btree"
	}

	for _, col := range strings.Split(m[7], ",") {
		col = strings.TrimSpace(col)
		if col != "" {
			parsed.Columns = append(parsed.Columns, col)
		}
	}

	if m[8] != "" {
		parsed.IsPartial = true
		parsed.Predicate = strings.TrimSpace(m[8])
	}

	switch {
	case parsed.IsUnique:
		parsed.Priority = cn.PriorityHigh
	case parsed.Method == "gin" || parsed.Method == "gist" || parsed.Method == "brin":
		parsed.Priority = cn.PriorityMedium
	default:
		parsed.Priority = cn.PriorityNormal
	}

	parsed.EstimatedDurationMs = op.EstimatedDurationMs

	return parsed, nil
}

// Progress is the tracker snapshot.
type Progress struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	InProgress int     `json:"inProgress"`
	Processed  int     `json:"processed"`
	Percentage float64 `json:"percentage"`
}

// Tracker counts operation state transitions.
type Tracker struct {
	mu sync.Mutex
	p  Progress
}

// NewTracker builds a Tracker expecting total operations.
func NewTracker(total int) *Tracker {
	return &Tracker{p: Progress{Total: total}}
}

func (t *Tracker) start() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.p.InProgress++
}

func (t *Tracker) finish(status cn.OperationStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.p.InProgress > 0 {
		t.p.InProgress--
	}

	switch status {
	case cn.StatusCompleted:
		t.p.Completed++
	case cn.StatusFailed:
		t.p.Failed++
	default:
		t.p.Skipped++
	}

	t.p.Processed = t.p.Completed + t.p.Failed + t.p.Skipped
	if t.p.Total > 0 {
		t.p.Percentage = float64(t.p.Processed) / float64(t.p.Total) * 100
	}
}

func (t *Tracker) skip() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.p.Skipped++
	t.p.Processed = t.p.Completed + t.p.Failed + t.p.Skipped

	if t.p.Total > 0 {
		t.p.Percentage = float64(t.p.Processed) / float64(t.p.Total) * 100
	}
}

// Progress returns a copy of the current counters.
func (t *Tracker) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.p
}

// Runner executes one operation; the production implementation is the SQL
// executor, tests substitute scripted outcomes.
type Runner interface {
	ExecuteOperation(ctx context.Context, op *mmodel.MigrationOperation) (*mmodel.OperationResult, error)
}

// Prober answers the orchestrator's catalog questions.
type Prober interface {
	IndexExists(ctx context.Context, indexName string) (bool, error)
	IndexInvalid(ctx context.Context, indexName string) (bool, error)
}

// Config tunes the orchestrator beyond the execution strategy.
type Config struct {
	// MinServerVersion gates the invalid-index probe; the pg_index join
	// used for cleanup is supported from version 12 on.
	MinServerVersion int
}

// Orchestrator schedules CIC operations under a strategy.
type Orchestrator struct {
	runner   Runner
	prober   Prober
	bus      *mevent.Bus
	strategy mmodel.ExecutionStrategy
	cfg      Config

	tracker   *Tracker
	cancelled atomic.Bool

	mu      sync.Mutex
	results []*mmodel.OperationResult
}

// NewOrchestrator builds an Orchestrator.
func NewOrchestrator(runner Runner, prober Prober, bus *mevent.Bus, strategy mmodel.ExecutionStrategy, cfg Config) *Orchestrator {
	if strategy.MaxParallelTables <= 0 {
		strategy.MaxParallelTables = 1
	}

	if strategy.MaxRetriesPerOperation < 0 {
		strategy.MaxRetriesPerOperation = 0
	}

	if cfg.MinServerVersion == 0 {
		cfg.MinServerVersion = 12
	}

	return &Orchestrator{
		runner:   runner,
		prober:   prober,
		bus:      bus,
		strategy: strategy,
		cfg:      cfg,
	}
}

// Cancel stops queuing new work; in-flight builds finish and the remainder
// is reported skipped.
func (o *Orchestrator) Cancel() {
	o.cancelled.Store(true)
}

// Progress exposes the tracker snapshot.
func (o *Orchestrator) Progress() Progress {
	if o.tracker == nil {
		return Progress{}
	}

	return o.tracker.Progress()
}

// Run executes the operation set and returns one result per input operation.
func (o *Orchestrator) Run(ctx context.Context, ops []*mmodel.MigrationOperation) ([]*mmodel.OperationResult, error) {
	parsed := make([]*Operation, 0, len(ops))

	for _, op := range ops {
		p, err := ParseOperation(op)
		if err != nil {
			return nil, err
		}

		parsed = append(parsed, p)
	}

	o.tracker = NewTracker(len(parsed))
	o.results = nil

	o.bus.Publish(cn.EventCICOrchestrationStarted, map[string]any{
		"totalOperations": len(parsed),
		"strategy":        string(o.strategy.Kind),
	})

	runnable := o.preflight(ctx, parsed)

	switch o.strategy.Kind {
	case cn.StrategyTableParallel:
		o.runParallel(ctx, runnable)
	case cn.StrategyPriorityBased:
		sort.SliceStable(runnable, func(i, j int) bool {
			return runnable[i].Priority > runnable[j].Priority
		})
		o.runParallel(ctx, runnable)
	default:
		for _, p := range runnable {
			o.dispatch(ctx, p)
		}
	}

	progress := o.tracker.Progress()

	o.bus.Publish(cn.EventCICOrchestrationCompleted, map[string]any{
		"totalOperations": progress.Total,
		"successful":      progress.Completed,
		"failed":          progress.Failed,
		"skipped":         progress.Skipped,
	})

	o.mu.Lock()
	defer o.mu.Unlock()

	return o.results, nil
}

// preflight drops operations whose index already exists on the server or
// whose name duplicates another scheduled build.
func (o *Orchestrator) preflight(ctx context.Context, parsed []*Operation) []*Operation {
	scheduled := map[string]bool{}

	var runnable []*Operation

	for _, p := range parsed {
		if scheduled[p.IndexName] {
			o.recordSkip(p, "Duplicate index name")

			continue
		}

		if o.prober != nil {
			exists, err := o.prober.IndexExists(ctx, p.IndexName)
			if err != nil {
				pkg.NewLoggerFromContext(ctx).Warnf("index existence probe failed for %s: %v", p.IndexName, err)
			} else if exists {
				o.recordSkip(p, "index already exists")

				continue
			}
		}

		scheduled[p.IndexName] = true

		runnable = append(runnable, p)
	}

	return runnable
}

func (o *Orchestrator) recordSkip(p *Operation, reason string) {
	o.tracker.skip()

	o.bus.Publish(cn.EventCICOperationSkipped, map[string]any{
		"indexName": p.IndexName,
		"tableName": p.TableName,
		"reason":    reason,
	})

	o.appendResult(&mmodel.OperationResult{
		Operation:    p.Raw,
		Status:       cn.StatusSkipped,
		ErrorMessage: reason,
	})
}

func (o *Orchestrator) appendResult(r *mmodel.OperationResult) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.results = append(o.results, r)
}

// runParallel runs at most one build per table, up to MaxParallelTables
// tables in flight.
func (o *Orchestrator) runParallel(ctx context.Context, runnable []*Operation) {
	pool := pond.NewPool(o.strategy.MaxParallelTables)
	subpools := map[string]pond.Pool{}

	for _, p := range runnable {
		sub, ok := subpools[p.TableName]
		if !ok {
			sub = pool.NewSubpool(1)
			subpools[p.TableName] = sub
		}

		op := p

		sub.Submit(func() {
			o.dispatch(ctx, op)
		})
	}

	for _, sub := range subpools {
		sub.StopAndWait()
	}

	pool.StopAndWait()
}

// dispatch runs one build with retry and cleanup, honoring cancellation.
func (o *Orchestrator) dispatch(ctx context.Context, p *Operation) {
	if o.cancelled.Load() || ctx.Err() != nil {
		o.recordSkip(p, "orchestration cancelled")

		return
	}

	tracer := pkg.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "cic.build_index")

	defer span.End()

	o.tracker.start()

	o.bus.Publish(cn.EventCICOperationStarted, map[string]any{
		"indexName": p.IndexName,
		"tableName": p.TableName,
		"priority":  int(p.Priority),
	})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = o.strategy.BackoffMultiplier
	bo.MaxInterval = time.Duration(o.strategy.MaxBackoffMs) * time.Millisecond
	bo.RandomizationFactor = 0

	if bo.Multiplier <= 1 {
		bo.Multiplier = 2
	}

	if bo.MaxInterval <= 0 {
		bo.MaxInterval = 30 * time.Second
	}

	bo.Reset()

	attempts := o.strategy.MaxRetriesPerOperation + 1

	var lastResult *mmodel.OperationResult

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := o.runner.ExecuteOperation(ctx, p.Raw)
		if result == nil {
			result = &mmodel.OperationResult{Operation: p.Raw, Status: cn.StatusFailed}
		}

		result.RetryCount = attempt
		lastResult = result

		if err == nil {
			o.tracker.finish(cn.StatusCompleted)

			o.bus.Publish(cn.EventCICOperationCompleted, map[string]any{
				"indexName":  p.IndexName,
				"tableName":  p.TableName,
				"retryCount": attempt,
				"durationMs": result.DurationMs,
			})

			o.appendResult(result)

			return
		}

		span.RecordError(err)

		willRetry := attempt < attempts-1 && !o.cancelled.Load()

		o.bus.Publish(cn.EventCICOperationFailed, map[string]any{
			"indexName": p.IndexName,
			"tableName": p.TableName,
			"attempt":   attempt + 1,
			"error":     err.Error(),
			"willRetry": willRetry,
		})

		if !willRetry {
			break
		}

		o.cleanupInvalidIndex(ctx, p)

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			o.tracker.finish(cn.StatusCancelled)
			lastResult.Status = cn.StatusCancelled
			o.appendResult(lastResult)

			return
		}
	}

	o.tracker.finish(cn.StatusFailed)
	o.appendResult(lastResult)
}

// cleanupInvalidIndex drops a half-built invalid index before a retry.
// Failures are logged, never fatal: the retry proceeds regardless.
func (o *Orchestrator) cleanupInvalidIndex(ctx context.Context, p *Operation) {
	if o.prober == nil || o.cfg.MinServerVersion < 12 {
		return
	}

	tracer := pkg.NewTracerFromContext(ctx)
	ctx, span := tracer.Start(ctx, "cic.cleanup_invalid_index")

	defer span.End()

	logger := pkg.NewLoggerFromContext(ctx)

	invalid, err := o.prober.IndexInvalid(ctx, p.IndexName)
	if err != nil {
		span.RecordError(err)
		logger.Warnf("invalid-index probe failed for %s: %v", p.IndexName, err)

		return
	}

	if !invalid {
		return
	}

	drop := &mmodel.MigrationOperation{
		ID:   p.Raw.ID + "-cleanup",
		SQL:  fmt.Sprintf("DROP INDEX CONCURRENTLY IF EXISTS %s", p.IndexName),
		Kind: cn.KindDropIndex,
	}

	if _, err := o.runner.ExecuteOperation(ctx, drop); err != nil {
		span.RecordError(err)
		logger.Warnf("cleanup of invalid index %s failed: %v", p.IndexName, err)
	}
}

// CatalogProber answers index questions against the live catalogs through
// the run's session.
type CatalogProber struct {
	Conn mpostgres.Connection
}

// IndexExists checks pg_indexes for the given index name.
func (p *CatalogProber) IndexExists(ctx context.Context, indexName string) (bool, error) {
	inner, args, err := sqrl.Select("1").
		From("pg_indexes").
		Where(sqrl.Eq{"indexname": indexName}).
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return false, err
	}

	var exists bool
	if err := p.Conn.QueryRowContext(ctx, "SELECT EXISTS ("+inner+")", args...).Scan(&exists); err != nil {
		return false, err
	}

	return exists, nil
}

// IndexInvalid checks pg_index.indisvalid for a half-built index left by a
// failed concurrent build.
func (p *CatalogProber) IndexInvalid(ctx context.Context, indexName string) (bool, error) {
	inner, args, err := sqrl.Select("1").
		From("pg_index i").
		Join("pg_class c ON c.oid = i.indexrelid").
		Where(sqrl.Eq{"c.relname": indexName}).
		Where("NOT i.indisvalid").
		PlaceholderFormat(sqrl.Dollar).
		ToSql()
	if err != nil {
		return false, err
	}

	var invalid bool
	if err := p.Conn.QueryRowContext(ctx, "SELECT EXISTS ("+inner+")", args...).Scan(&invalid); err != nil {
		return false, err
	}

	return invalid, nil
}
