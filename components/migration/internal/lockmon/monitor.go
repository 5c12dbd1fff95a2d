// Package lockmon periodically scrapes PostgreSQL's live lock state, builds
// the wait-for graph, and raises deadlock and contention alerts.
package lockmon

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/flyingrobots/wesley/pkg"
	cn "github.com/flyingrobots/wesley/pkg/constant"
	"github.com/flyingrobots/wesley/pkg/mevent"
	"github.com/flyingrobots/wesley/pkg/mmodel"
	"github.com/flyingrobots/wesley/pkg/mpostgres"
)

// Config tunes the monitor's cadence and alert thresholds.
type Config struct {
	MonitorInterval       time.Duration
	DeadlockCheckInterval time.Duration

	ContentionWaitingThreshold  int
	ContentionTotalWaitMs       int64
	MaxWaitTimeMs               int64
	MaxBlockedQueries           int
	MaxLockHoldTimeMs           int64
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		MonitorInterval:            5 * time.Second,
		DeadlockCheckInterval:      10 * time.Second,
		ContentionWaitingThreshold: 3,
		ContentionTotalWaitMs:      10_000,
		MaxWaitTimeMs:              30_000,
		MaxBlockedQueries:          10,
		MaxLockHoldTimeMs:          60_000,
	}
}

// ContentionAlert is the payload of LockContentionAlert events.
type ContentionAlert struct {
	Relation      string  `json:"relation"`
	WaitingCount  int     `json:"waitingCount"`
	MaxWaitMs     int64   `json:"maxWaitMs"`
	AvgWaitMs     float64 `json:"avgWaitMs"`
	TotalWaitMs   int64   `json:"totalWaitMs"`
}

// Monitor owns the scrape timers. Cycles are never re-entrant: both run on
// one goroutine, so a long cycle delays the next instead of overlapping it.
type Monitor struct {
	mu sync.Mutex

	conn mpostgres.Connection
	bus  *mevent.Bus
	cfg  Config

	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewMonitor builds a Monitor publishing on bus.
func NewMonitor(cfg Config, bus *mevent.Bus) *Monitor {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultConfig().MonitorInterval
	}

	if cfg.DeadlockCheckInterval <= 0 {
		cfg.DeadlockCheckInterval = DefaultConfig().DeadlockCheckInterval
	}

	return &Monitor{cfg: cfg, bus: bus}
}

// StartMonitoring launches the two cycles against the given session.
// Calling it again while running is a no-op.
func (m *Monitor) StartMonitoring(ctx context.Context, conn mpostgres.Connection) {
	m.mu.Lock()

	if m.running {
		m.mu.Unlock()

		return
	}

	m.conn = conn
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	stop := m.stop
	done := m.done

	m.mu.Unlock()

	m.bus.Publish(cn.EventMonitoringStarted, map[string]any{"interval": m.cfg.MonitorInterval.String()})

	go func() {
		defer close(done)

		monitorTick := time.NewTicker(m.cfg.MonitorInterval)
		deadlockTick := time.NewTicker(m.cfg.DeadlockCheckInterval)

		defer monitorTick.Stop()
		defer deadlockTick.Stop()

		for {
			select {
			case <-monitorTick.C:
				m.monitorCycle(ctx)
			case <-deadlockTick.C:
				m.deadlockCycle(ctx)
			case <-stop:
				return
			}
		}
	}()
}

// StopMonitoring cancels both timers. Idempotent.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()

	if !m.running {
		m.mu.Unlock()

		return
	}

	m.running = false
	close(m.stop)
	done := m.done

	m.mu.Unlock()

	<-done

	m.bus.Publish(cn.EventMonitoringStopped, map[string]any{})
}

// monitorCycle scrapes lock state and raises contention and threshold alerts.
func (m *Monitor) monitorCycle(ctx context.Context) {
	logger := pkg.NewLoggerFromContext(ctx)

	locks, err := m.CurrentLocks(ctx)
	if err != nil {
		logger.Warnf("lock snapshot failed: %v", err)

		return
	}

	waiting, err := m.WaitingQueries(ctx)
	if err != nil {
		logger.Warnf("waiting-query snapshot failed: %v", err)

		return
	}

	if _, err := m.BlockingQueries(ctx); err != nil {
		logger.Warnf("blocker snapshot failed: %v", err)
	}

	m.analyzeContention(waiting)
	m.checkThresholds(locks, waiting)
}

// deadlockCycle scrapes the wait-for edges and reports any cycles.
func (m *Monitor) deadlockCycle(ctx context.Context) {
	waiting, err := m.WaitingQueries(ctx)
	if err != nil {
		pkg.NewLoggerFromContext(ctx).Warnf("deadlock-check snapshot failed: %v", err)

		return
	}

	for _, deadlock := range DetectDeadlocks(waiting) {
		m.bus.Publish(cn.EventDeadlockDetected, deadlock)
	}
}

// CurrentLocks joins pg_locks with pg_stat_activity and returns the rows.
func (m *Monitor) CurrentLocks(ctx context.Context) ([]mmodel.LockRow, error) {
	query, _, err := sqrl.Select(
		"l.locktype",
		"COALESCE(c.relname, '')",
		"l.pid",
		"l.mode",
		"l.granted",
		"COALESCE(l.virtualtransaction, '')",
		"COALESCE(l.classid, 0)",
		"COALESCE(l.objid, 0)",
		"COALESCE(l.transactionid::text, '')",
		"COALESCE(a.query, '')",
		"COALESCE(EXTRACT(EPOCH FROM (now() - a.state_change)) * 1000, 0)::bigint AS wait_ms",
	).
		From("pg_locks l").
		Join("pg_stat_activity a ON a.pid = l.pid").
		LeftJoin("pg_class c ON c.oid = l.relation").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := m.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var out []mmodel.LockRow

	for rows.Next() {
		var row mmodel.LockRow

		if err := rows.Scan(
			&row.LockType,
			&row.Relation,
			&row.PID,
			&row.Mode,
			&row.Granted,
			&row.VirtualTransaction,
			&row.ClassID,
			&row.ObjID,
			&row.TransactionID,
			&row.Query,
			&row.WaitDurationMs,
		); err != nil {
			return nil, err
		}

		out = append(out, row)
	}

	return out, rows.Err()
}

// WaitingQueries self-joins pg_locks to pair each waiter with its blocker.
func (m *Monitor) WaitingQueries(ctx context.Context) ([]mmodel.WaitEdge, error) {
	query, _, err := sqrl.Select(
		"blocked.pid AS blocked_pid",
		"blocking.pid AS blocking_pid",
		"blocked.mode AS blocked_mode",
		"blocking.mode AS blocking_mode",
		"COALESCE(EXTRACT(EPOCH FROM (now() - a.state_change)) * 1000, 0)::bigint AS wait_ms",
		"COALESCE(c.relname, '')",
	).
		From("pg_locks blocked").
		Join("pg_locks blocking ON blocking.locktype = blocked.locktype AND blocking.relation = blocked.relation AND blocking.granted AND blocking.pid <> blocked.pid").
		Join("pg_stat_activity a ON a.pid = blocked.pid").
		LeftJoin("pg_class c ON c.oid = blocked.relation").
		Where("NOT blocked.granted").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := m.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var out []mmodel.WaitEdge

	for rows.Next() {
		var edge mmodel.WaitEdge

		if err := rows.Scan(
			&edge.BlockedPID,
			&edge.BlockingPID,
			&edge.BlockedMode,
			&edge.BlockingMode,
			&edge.WaitTimeMs,
			&edge.Relation,
		); err != nil {
			return nil, err
		}

		out = append(out, edge)
	}

	return out, rows.Err()
}

// BlockingQueries aggregates the wait edges by blocker.
func (m *Monitor) BlockingQueries(ctx context.Context) ([]mmodel.BlockerSummary, error) {
	query, _, err := sqrl.Select(
		"blocking.pid AS blocking_pid",
		"COUNT(*) AS blocked_count",
		"MIN(COALESCE(EXTRACT(EPOCH FROM (now() - a.state_change)) * 1000, 0))::bigint AS min_wait_ms",
		"MAX(COALESCE(EXTRACT(EPOCH FROM (now() - a.state_change)) * 1000, 0))::bigint AS max_wait_ms",
		"AVG(COALESCE(EXTRACT(EPOCH FROM (now() - a.state_change)) * 1000, 0)) AS avg_wait_ms",
		"array_agg(blocked.pid) AS blocked_pids",
	).
		From("pg_locks blocked").
		Join("pg_locks blocking ON blocking.locktype = blocked.locktype AND blocking.relation = blocked.relation AND blocking.granted AND blocking.pid <> blocked.pid").
		Join("pg_stat_activity a ON a.pid = blocked.pid").
		Where("NOT blocked.granted").
		GroupBy("blocking.pid").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := m.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}

	defer rows.Close()

	var out []mmodel.BlockerSummary

	for rows.Next() {
		var (
			summary mmodel.BlockerSummary
			pids    pq.Int64Array
		)

		if err := rows.Scan(
			&summary.BlockingPID,
			&summary.BlockedCount,
			&summary.MinWaitMs,
			&summary.MaxWaitMs,
			&summary.AvgWaitMs,
			&pids,
		); err != nil {
			return nil, err
		}

		summary.BlockedPIDs = []int64(pids)

		out = append(out, summary)
	}

	return out, rows.Err()
}

// DetectDeadlocks finds cycles in the wait-for graph built from edges.
// Linear chains produce nothing; every cycle of length >= 2 becomes one
// Deadlock whose wait time is the sum of its member edges.
func DetectDeadlocks(edges []mmodel.WaitEdge) []mmodel.Deadlock {
	adjacency := map[int][]int{}
	waitOf := map[[2]int]int64{}

	for _, e := range edges {
		adjacency[e.BlockedPID] = append(adjacency[e.BlockedPID], e.BlockingPID)
		waitOf[[2]int{e.BlockedPID, e.BlockingPID}] += e.WaitTimeMs
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := map[int]int{}

	var (
		path      []int
		deadlocks []mmodel.Deadlock
		seen      = map[string]bool{}
	)

	var visit func(pid int)
	visit = func(pid int) {
		color[pid] = gray
		path = append(path, pid)

		for _, next := range adjacency[pid] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				// Back edge: the cycle runs from next to the path tail.
				start := -1

				for i, p := range path {
					if p == next {
						start = i

						break
					}
				}

				if start < 0 {
					continue
				}

				cycle := append([]int(nil), path[start:]...)
				if len(cycle) < 2 {
					continue
				}

				key := cycleKey(cycle)
				if seen[key] {
					continue
				}

				seen[key] = true

				var total int64

				for i, p := range cycle {
					q := cycle[(i+1)%len(cycle)]
					total += waitOf[[2]int{p, q}]
				}

				deadlocks = append(deadlocks, mmodel.Deadlock{
					Processes:       cycle,
					CycleLength:     len(cycle),
					TotalWaitTimeMs: total,
					DetectedAt:      time.Now(),
				})
			}
		}

		path = path[:len(path)-1]
		color[pid] = black
	}

	pids := make([]int, 0, len(adjacency))
	for pid := range adjacency {
		pids = append(pids, pid)
	}

	sort.Ints(pids)

	for _, pid := range pids {
		if color[pid] == white {
			visit(pid)
		}
	}

	return deadlocks
}

func cycleKey(cycle []int) string {
	sorted := append([]int(nil), cycle...)
	sort.Ints(sorted)

	parts := make([]string, len(sorted))
	for i, p := range sorted {
		parts[i] = fmt.Sprintf("%d", p)
	}

	return strings.Join(parts, "-")
}

// analyzeContention groups wait edges by relation and alerts on hotspots.
func (m *Monitor) analyzeContention(waiting []mmodel.WaitEdge) {
	type hotspot struct {
		count int
		total int64
		max   int64
	}

	perRelation := map[string]*hotspot{}

	for _, e := range waiting {
		h := perRelation[e.Relation]
		if h == nil {
			h = &hotspot{}
			perRelation[e.Relation] = h
		}

		h.count++
		h.total += e.WaitTimeMs

		if e.WaitTimeMs > h.max {
			h.max = e.WaitTimeMs
		}
	}

	relations := make([]string, 0, len(perRelation))
	for r := range perRelation {
		relations = append(relations, r)
	}

	sort.Strings(relations)

	for _, r := range relations {
		h := perRelation[r]

		if h.count < m.cfg.ContentionWaitingThreshold && h.total < m.cfg.ContentionTotalWaitMs {
			continue
		}

		m.bus.Publish(cn.EventLockContentionAlert, ContentionAlert{
			Relation:     r,
			WaitingCount: h.count,
			MaxWaitMs:    h.max,
			AvgWaitMs:    float64(h.total) / float64(h.count),
			TotalWaitMs:  h.total,
		})
	}
}

// checkThresholds emits one PerformanceThresholdExceeded event per violating
// unit per cycle.
func (m *Monitor) checkThresholds(locks []mmodel.LockRow, waiting []mmodel.WaitEdge) {
	for _, e := range waiting {
		if e.WaitTimeMs > m.cfg.MaxWaitTimeMs {
			m.bus.Publish(cn.EventPerformanceThresholdExceeded, map[string]any{
				"threshold": "maxWaitTime",
				"pid":       e.BlockedPID,
				"waitMs":    e.WaitTimeMs,
			})
		}
	}

	if len(waiting) > m.cfg.MaxBlockedQueries {
		m.bus.Publish(cn.EventPerformanceThresholdExceeded, map[string]any{
			"threshold":    "maxBlockedQueries",
			"blockedCount": len(waiting),
		})
	}

	for _, l := range locks {
		if l.Granted && l.WaitDurationMs > m.cfg.MaxLockHoldTimeMs {
			m.bus.Publish(cn.EventPerformanceThresholdExceeded, map[string]any{
				"threshold": "maxLockHoldTime",
				"pid":       l.PID,
				"lockId":    LockID(l),
				"heldMs":    l.WaitDurationMs,
			})
		}
	}
}

// LockID derives a stable identity for one lock row: identical tuples yield
// identical ids across cycles.
func LockID(l mmodel.LockRow) string {
	return strings.Join([]string{
		l.LockType,
		l.Database,
		l.Relation,
		fmt.Sprintf("%d", l.ClassID),
		fmt.Sprintf("%d", l.ObjID),
		l.VirtualTransaction,
		l.TransactionID,
	}, ":")
}
