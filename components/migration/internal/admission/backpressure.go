// Package admission gates entry to the execution pool: a token-bucket rate
// limiter, a concurrency semaphore with a priority queue, a circuit breaker,
// and an adaptive throttle that reacts to downstream stress.
package admission

import (
	"container/heap"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/flyingrobots/wesley/pkg"
	cn "github.com/flyingrobots/wesley/pkg/constant"
	"github.com/flyingrobots/wesley/pkg/mevent"
)

// Config tunes the controller.
type Config struct {
	Enabled                 bool
	MaxConcurrentOperations int
	BaseRateLimit           float64 // operations per second
	QueueLimit              int
	FailureThreshold        uint32
	ResetTimeout            time.Duration
	MonitoringInterval      time.Duration
	Thresholds              Thresholds
}

// Thresholds are the stress levels the adaptive throttle reacts to.
type Thresholds struct {
	PoolUtilizationWarning  float64
	PoolUtilizationCritical float64
	ResponseTimeWarningMs   float64
	ResponseTimeCriticalMs  float64
	QueueDepthWarning       int
	QueueDepthCritical      int
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		MaxConcurrentOperations: 8,
		BaseRateLimit:           50,
		QueueLimit:              100,
		FailureThreshold:        5,
		ResetTimeout:            30 * time.Second,
		MonitoringInterval:      time.Second,
		Thresholds: Thresholds{
			PoolUtilizationWarning:  0.6,
			PoolUtilizationCritical: 0.8,
			ResponseTimeWarningMs:   500,
			ResponseTimeCriticalMs:  2_000,
			QueueDepthWarning:       10,
			QueueDepthCritical:      50,
		},
	}
}

// Metrics is the rolling view of downstream health.
type Metrics struct {
	Throughput                float64 `json:"throughput"`
	AverageResponseTimeMs     float64 `json:"averageResponseTime"`
	ErrorRate                 float64 `json:"errorRate"`
	ConnectionPoolUtilization float64 `json:"connectionPoolUtilization"`
	QueueDepth                int     `json:"queueDepth"`
}

// Decision is the admission verdict for one operation.
type Decision struct {
	Granted          bool         `json:"granted"`
	Queued           bool         `json:"queued,omitempty"`
	QueuePosition    int          `json:"queuePosition,omitempty"`
	EstimatedDelayMs int64        `json:"estimatedDelay,omitempty"`
	Reason           string       `json:"reason,omitempty"`
	Ready            <-chan error `json:"-"`
}

// CompletionReport feeds back the outcome of an admitted operation.
type CompletionReport struct {
	Success        bool
	ResponseTimeMs float64
	Err            error
}

// Status is a point-in-time snapshot for observers.
type Status struct {
	Enabled    bool    `json:"enabled"`
	Active     bool    `json:"active"`
	Level      float64 `json:"level"`
	Operations struct {
		Active int `json:"active"`
		Max    int `json:"max"`
		Queued int `json:"queued"`
	} `json:"operations"`
	RateLimit struct {
		Base            float64 `json:"base"`
		Current         float64 `json:"current"`
		TokensRemaining float64 `json:"tokensRemaining"`
	} `json:"rateLimit"`
	CircuitBreaker struct {
		State           string    `json:"state"`
		Failures        uint32    `json:"failures"`
		LastStateChange time.Time `json:"lastStateChange"`
	} `json:"circuitBreaker"`
	Metrics Metrics `json:"metrics"`
}

type queuedOp struct {
	id       string
	priority cn.Priority
	enqueued time.Time
	seq      uint64
	ready    chan error
	index    int
}

// opQueue orders by (priority desc, enqueue sequence asc).
type opQueue []*queuedOp

func (q opQueue) Len() int { return len(q) }

func (q opQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}

	return q[i].seq < q[j].seq
}

func (q opQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *opQueue) Push(x any) {
	item := x.(*queuedOp)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *opQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]

	return item
}

// Controller is the backpressure gate.
type Controller struct {
	mu sync.Mutex

	cfg     Config
	bus     *mevent.Bus
	limiter *rate.Limiter
	breaker *gobreaker.TwoStepCircuitBreaker

	currentRateLimit float64
	active           int
	queue            opQueue
	seq              uint64
	inFlight         map[string]func(bool)

	level           float64
	backpressureOn  bool
	metrics         Metrics
	lastStateChange time.Time

	ticker   *time.Ticker
	stopTick chan struct{}
	shutdown bool

	// rolling windows for reportCompletion
	completions int64
	windowStart time.Time
}

// NewController builds a Controller publishing on bus.
func NewController(cfg Config, bus *mevent.Bus) *Controller {
	if cfg.BaseRateLimit <= 0 {
		cfg.BaseRateLimit = DefaultConfig().BaseRateLimit
	}

	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = DefaultConfig().QueueLimit
	}

	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}

	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}

	if cfg.MonitoringInterval <= 0 {
		cfg.MonitoringInterval = DefaultConfig().MonitoringInterval
	}

	c := &Controller{
		cfg:              cfg,
		bus:              bus,
		currentRateLimit: cfg.BaseRateLimit,
		inFlight:         map[string]func(bool){},
		windowStart:      time.Now(),
		lastStateChange:  time.Now(),
	}

	c.limiter = rate.NewLimiter(rate.Limit(cfg.BaseRateLimit), burstFor(cfg.BaseRateLimit))
	c.breaker = c.newBreaker()

	heap.Init(&c.queue)

	return c
}

func burstFor(limit float64) int {
	b := int(limit)
	if b < 1 {
		b = 1
	}

	return b
}

func (c *Controller) newBreaker() *gobreaker.TwoStepCircuitBreaker {
	threshold := c.cfg.FailureThreshold

	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "backpressure",
		MaxRequests: 1,
		Timeout:     c.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.onBreakerStateChange(from, to)
		},
	})
}

func (c *Controller) onBreakerStateChange(from, to gobreaker.State) {
	// Called by gobreaker while we may or may not hold c.mu; keep it free of
	// locking and publish directly. The bus serializes delivery.
	c.lastStateChange = time.Now()

	if c.bus != nil {
		c.bus.Publish(cn.EventCircuitBreakerStateChanged, map[string]string{
			"from": breakerStateName(from),
			"to":   breakerStateName(to),
		})
	}
}

func breakerStateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return "OPEN"
	case gobreaker.StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// RequestPermission asks for admission of the operation with the given id
// and priority. When capacity is unavailable the request is queued and the
// returned Decision carries a Ready channel that yields nil on admission.
func (c *Controller) RequestPermission(id string, priority cn.Priority) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return Decision{}, pkg.NewPoolExhaustedError(len(c.queue))
	}

	if !c.cfg.Enabled {
		return Decision{Granted: true, Reason: "backpressure disabled"}, nil
	}

	// The token bucket is checked before the breaker, so a rate-limited
	// request never takes a breaker slot and records no outcome on it.
	if !c.limiter.Allow() {
		retryAfter := int64(1000 / c.currentRateLimit)
		if retryAfter < 1 {
			retryAfter = 1
		}

		return Decision{}, pkg.NewRateLimitError(retryAfter)
	}

	done, err := c.breaker.Allow()
	if err != nil {
		return Decision{}, pkg.NewCircuitBreakerError(breakerStateName(c.breaker.State()))
	}

	if c.active < c.cfg.MaxConcurrentOperations {
		c.active++
		c.inFlight[id] = done

		return Decision{Granted: true}, nil
	}

	if len(c.queue) >= c.cfg.QueueLimit {
		done(true)

		return Decision{}, pkg.NewPoolExhaustedError(len(c.queue))
	}

	c.seq++

	item := &queuedOp{
		id:       id,
		priority: priority,
		enqueued: time.Now(),
		seq:      c.seq,
		ready:    make(chan error, 1),
	}

	heap.Push(&c.queue, item)
	c.inFlight[id] = done

	estimated := int64(0)
	if c.metrics.AverageResponseTimeMs > 0 {
		estimated = int64(c.metrics.AverageResponseTimeMs) * int64(item.index+1)
	}

	return Decision{
		Queued:           true,
		QueuePosition:    item.index + 1,
		EstimatedDelayMs: estimated,
		Reason:           "at concurrency limit",
		Ready:            item.ready,
	}, nil
}

// ReportCompletion records the outcome of an admitted operation, feeds the
// breaker and the rolling metrics, and promotes queued work.
func (c *Controller) ReportCompletion(id string, report CompletionReport) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cfg.Enabled {
		return
	}

	if done, ok := c.inFlight[id]; ok {
		done(report.Success)
		delete(c.inFlight, id)
	}

	if c.active > 0 {
		c.active--
	}

	c.updateMetricsLocked(report)
	c.processQueueLocked()
}

func (c *Controller) updateMetricsLocked(report CompletionReport) {
	const alpha = 0.2

	c.completions++

	elapsed := time.Since(c.windowStart).Seconds()
	if elapsed > 0 {
		c.metrics.Throughput = float64(c.completions) / elapsed
	}

	if c.metrics.AverageResponseTimeMs == 0 {
		c.metrics.AverageResponseTimeMs = report.ResponseTimeMs
	} else {
		c.metrics.AverageResponseTimeMs = alpha*report.ResponseTimeMs + (1-alpha)*c.metrics.AverageResponseTimeMs
	}

	sample := 0.0
	if !report.Success {
		sample = 1.0
	}

	c.metrics.ErrorRate = alpha*sample + (1-alpha)*c.metrics.ErrorRate
	c.metrics.QueueDepth = len(c.queue)

	if c.cfg.MaxConcurrentOperations > 0 {
		c.metrics.ConnectionPoolUtilization = float64(c.active) / float64(c.cfg.MaxConcurrentOperations)
	}
}

// processQueueLocked admits the highest-priority queued operation while
// capacity and tokens allow.
func (c *Controller) processQueueLocked() {
	for len(c.queue) > 0 && c.active < c.cfg.MaxConcurrentOperations {
		if !c.limiter.Allow() {
			return
		}

		item := heap.Pop(&c.queue).(*queuedOp)
		c.active++
		item.ready <- nil
		close(item.ready)
	}

	c.metrics.QueueDepth = len(c.queue)
}

// UpdateMetrics overrides the rolling metrics; used by external monitors
// that observe pool utilization or queue depth the controller cannot.
func (c *Controller) UpdateMetrics(m Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metrics = m
}

// EvaluateBackpressure recomputes the stress level from current metrics,
// adjusts the rate limit, and emits activation and deactivation events at
// the transitions only.
func (c *Controller) EvaluateBackpressure() {
	c.mu.Lock()

	t := c.cfg.Thresholds
	level := 0.0

	if t.PoolUtilizationCritical > t.PoolUtilizationWarning {
		level = maxf(level, ratioAbove(c.metrics.ConnectionPoolUtilization, t.PoolUtilizationWarning, t.PoolUtilizationCritical))
	}

	if t.ResponseTimeCriticalMs > t.ResponseTimeWarningMs {
		level = maxf(level, ratioAbove(c.metrics.AverageResponseTimeMs, t.ResponseTimeWarningMs, t.ResponseTimeCriticalMs))
	}

	if t.QueueDepthCritical > t.QueueDepthWarning {
		level = maxf(level, ratioAbove(float64(c.metrics.QueueDepth), float64(t.QueueDepthWarning), float64(t.QueueDepthCritical)))
	}

	c.level = level

	// Multiplicative decrease under stress, additive restore when calm.
	if level > 0 {
		reduced := c.cfg.BaseRateLimit * (1 - 0.7*level)
		if reduced < c.cfg.BaseRateLimit*0.1 {
			reduced = c.cfg.BaseRateLimit * 0.1
		}

		c.currentRateLimit = reduced
	} else if c.currentRateLimit < c.cfg.BaseRateLimit {
		c.currentRateLimit += c.cfg.BaseRateLimit * 0.1
		if c.currentRateLimit > c.cfg.BaseRateLimit {
			c.currentRateLimit = c.cfg.BaseRateLimit
		}
	}

	c.limiter.SetLimit(rate.Limit(c.currentRateLimit))
	c.limiter.SetBurst(burstFor(c.currentRateLimit))

	wasOn := c.backpressureOn
	c.backpressureOn = level > 0

	transitionedOn := !wasOn && c.backpressureOn
	transitionedOff := wasOn && !c.backpressureOn
	snapshot := c.level

	c.mu.Unlock()

	if c.bus == nil {
		return
	}

	if transitionedOn {
		c.bus.Publish(cn.EventBackpressureActivated, map[string]any{"level": snapshot})
	}

	if transitionedOff {
		c.bus.Publish(cn.EventBackpressureDeactivated, map[string]any{"level": snapshot})
	}
}

// ratioAbove maps value into [0, 1] between the warning and critical marks.
func ratioAbove(value, warning, critical float64) float64 {
	if value <= warning {
		return 0
	}

	if value >= critical {
		return 1
	}

	return (value - warning) / (critical - warning)
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}

	return b
}

// GetStatus returns a snapshot of the controller state.
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	var s Status

	s.Enabled = c.cfg.Enabled
	s.Active = c.backpressureOn
	s.Level = c.level
	s.Operations.Active = c.active
	s.Operations.Max = c.cfg.MaxConcurrentOperations
	s.Operations.Queued = len(c.queue)
	s.RateLimit.Base = c.cfg.BaseRateLimit
	s.RateLimit.Current = c.currentRateLimit
	s.RateLimit.TokensRemaining = c.limiter.Tokens()
	s.CircuitBreaker.State = breakerStateName(c.breaker.State())
	s.CircuitBreaker.Failures = c.breaker.Counts().ConsecutiveFailures
	s.CircuitBreaker.LastStateChange = c.lastStateChange
	s.Metrics = c.metrics

	return s
}

// StartMonitoring launches the periodic evaluation loop. Calling it again
// while running is a no-op.
func (c *Controller) StartMonitoring() {
	c.mu.Lock()

	if c.ticker != nil || c.shutdown {
		c.mu.Unlock()

		return
	}

	c.ticker = time.NewTicker(c.cfg.MonitoringInterval)
	c.stopTick = make(chan struct{})

	ticker := c.ticker
	stop := c.stopTick

	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				c.EvaluateBackpressure()
				c.promoteQueued()
			case <-stop:
				return
			}
		}
	}()
}

func (c *Controller) promoteQueued() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.processQueueLocked()
}

// StopMonitoring cancels the evaluation loop. Idempotent.
func (c *Controller) StopMonitoring() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopMonitoringLocked()
}

func (c *Controller) stopMonitoringLocked() {
	if c.ticker == nil {
		return
	}

	c.ticker.Stop()
	close(c.stopTick)
	c.ticker = nil
	c.stopTick = nil
}

// Reset restores the controller to its initial state: base rate limit, a
// fresh breaker, cleared metrics. Queued operations stay queued.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.currentRateLimit = c.cfg.BaseRateLimit
	c.limiter = rate.NewLimiter(rate.Limit(c.cfg.BaseRateLimit), burstFor(c.cfg.BaseRateLimit))
	c.breaker = c.newBreaker()
	c.level = 0
	c.backpressureOn = false
	c.metrics = Metrics{}
	c.completions = 0
	c.windowStart = time.Now()
}

// Shutdown stops monitoring and fails every queued operation with a
// pool-exhausted error. Safe to call more than once.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return
	}

	c.shutdown = true
	c.stopMonitoringLocked()

	for len(c.queue) > 0 {
		item := heap.Pop(&c.queue).(*queuedOp)
		item.ready <- pkg.NewPoolExhaustedError(0)
		close(item.ready)
	}

	c.metrics.QueueDepth = 0
}

// Destroy is Shutdown plus dropping in-flight bookkeeping.
func (c *Controller) Destroy() {
	c.Shutdown()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.inFlight = map[string]func(bool){}
	c.active = 0
}
