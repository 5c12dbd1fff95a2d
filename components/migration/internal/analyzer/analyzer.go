// Package analyzer builds a lock-conflict graph over an operation set and
// derives safe execution strategies from it. Nodes are operations, edges are
// pairs that cannot run concurrently under PostgreSQL's table-lock
// compatibility matrix.
package analyzer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	cn "github.com/flyingrobots/wesley/pkg/constant"
	"github.com/flyingrobots/wesley/pkg/mmodel"
)

// Config bounds what the analyzer may recommend.
type Config struct {
	MaxParallelism         int
	EscalationRowThreshold int64
}

// DefaultConfig returns the analyzer defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallelism:         4,
		EscalationRowThreshold: 10_000,
	}
}

// Node is one operation in the conflict graph.
type Node struct {
	ID          int         `json:"id"`
	OperationID string      `json:"operationId"`
	Lock        cn.LockMode `json:"lock"`
	Resources   []string    `json:"resources"`
}

// Edge marks two operations that conflict on a shared resource. Direction
// follows plan order: the earlier operation points at the later one.
type Edge struct {
	From     int     `json:"from"`
	To       int     `json:"to"`
	Resource string  `json:"resource"`
	Severity float64 `json:"severity"`
}

// RaceCondition is a pair (or larger set) of operations that can interleave
// dangerously.
type RaceCondition struct {
	Type        string  `json:"type"`
	Operations  []int   `json:"operations"`
	Severity    float64 `json:"severity"`
	Description string  `json:"description"`
}

// EscalationRisk flags repeated row-level writes that may push PostgreSQL
// toward coarser locking on one relation.
type EscalationRisk struct {
	Table        string  `json:"table"`
	Operations   int     `json:"operations"`
	RowsTouched  int64   `json:"rowsTouched"`
	Severity     float64 `json:"severity"`
}

// Parallelism reports how wide execution can safely go.
type Parallelism struct {
	MaxSafeParallelism  int      `json:"maxSafeParallelism"`
	BottleneckResources []string `json:"bottleneckResources"`
}

// Graph is the conflict graph plus its weakly connected components.
type Graph struct {
	Nodes    []Node  `json:"nodes"`
	Edges    []Edge  `json:"edges"`
	Clusters [][]int `json:"clusters"`
}

// Analysis is the full analyzer output.
type Analysis struct {
	OperationCount      int                                 `json:"operationCount"`
	Dependencies        []Edge                              `json:"dependencies"`
	DependencyGraph     Graph                               `json:"dependencyGraph"`
	RaceConditions      []RaceCondition                     `json:"raceConditions"`
	LockEscalationRisks []EscalationRisk                    `json:"lockEscalationRisks"`
	Parallelism         Parallelism                         `json:"parallelismAnalysis"`
	ExecutionStrategies map[string]mmodel.ExecutionStrategy `json:"executionStrategies"`
	SafetyScore         float64                             `json:"safetyScore"`
	Recommendations     []string                            `json:"recommendations"`
}

var (
	reIndexName  = regexp.MustCompile(`(?i)\bINDEX\s+(CONCURRENTLY\s+)?(IF\s+NOT\s+EXISTS\s+)?([\w."]+)`)
	reSequence   = regexp.MustCompile(`(?i)\b(?:CREATE|ALTER|DROP)\s+SEQUENCE\s+(IF\s+(?:NOT\s+)?EXISTS\s+)?([\w."]+)|\bnextval\s*\(\s*'([\w."]+)'`)
	reConstraint = regexp.MustCompile(`(?i)\bCONSTRAINT\s+([\w."]+)`)
	reFunction   = regexp.MustCompile(`(?i)\b(?:CREATE(?:\s+OR\s+REPLACE)?|DROP)\s+FUNCTION\s+(IF\s+EXISTS\s+)?([\w."]+)`)
	reView       = regexp.MustCompile(`(?i)\b(?:CREATE(?:\s+OR\s+REPLACE)?|DROP)\s+(?:MATERIALIZED\s+)?VIEW\s+(IF\s+EXISTS\s+)?([\w."]+)`)
)

// resourcesOf extracts every database object a statement touches, in order
// of appearance: tables first (from the annotated operation), then indexes,
// sequences, constraints, functions and views parsed from the SQL.
func resourcesOf(op *mmodel.MigrationOperation) []string {
	seen := map[string]bool{}

	var out []string

	add := func(prefix, raw string) {
		name := strings.Trim(strings.ToLower(raw), `"`)
		if name == "" {
			return
		}

		key := prefix + ":" + name
		if seen[key] {
			return
		}

		seen[key] = true

		out = append(out, key)
	}

	for _, t := range op.AffectedTables {
		add("table", t)
	}

	sql := strings.Join(strings.Fields(op.SQL), " ")

	if op.Kind == cn.KindCreateIndex || op.Kind == cn.KindCreateIndexConcurrent || op.Kind == cn.KindDropIndex {
		if m := reIndexName.FindStringSubmatch(sql); m != nil {
			add("index", m[3])
		}
	}

	if m := reSequence.FindStringSubmatch(sql); m != nil {
		if m[2] != "" {
			add("sequence", m[2])
		} else if m[3] != "" {
			add("sequence", m[3])
		}
	}

	if m := reConstraint.FindStringSubmatch(sql); m != nil {
		add("constraint", m[1])
	}

	if m := reFunction.FindStringSubmatch(sql); m != nil {
		add("function", m[2])
	}

	if m := reView.FindStringSubmatch(sql); m != nil {
		add("view", m[2])
	}

	return out
}

// edgeSeverity scores a conflict by the product of the two lock weights,
// normalized into (0, 1].
func edgeSeverity(a, b cn.LockMode) float64 {
	return float64(a.Weight()*b.Weight()) / 64.0
}

// Analyze builds the conflict graph and derives strategies for ops.
func Analyze(ops []*mmodel.MigrationOperation, cfg Config) Analysis {
	if cfg.MaxParallelism <= 0 {
		cfg.MaxParallelism = DefaultConfig().MaxParallelism
	}

	if cfg.EscalationRowThreshold <= 0 {
		cfg.EscalationRowThreshold = DefaultConfig().EscalationRowThreshold
	}

	analysis := Analysis{
		OperationCount:      len(ops),
		ExecutionStrategies: map[string]mmodel.ExecutionStrategy{},
		SafetyScore:         1.0,
	}

	nodes := make([]Node, len(ops))
	resources := make([][]string, len(ops))

	for i, op := range ops {
		resources[i] = resourcesOf(op)
		nodes[i] = Node{ID: i, OperationID: op.ID, Lock: op.LockLevel, Resources: resources[i]}
	}

	// Conflict edges, directed by plan order.
	var edges []Edge

	parent := make([]int, len(ops))
	for i := range parent {
		parent[i] = i
	}

	var find func(int) int
	find = func(x int) int {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}

		return parent[x]
	}

	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	contended := map[string]int{}

	for i := 0; i < len(ops); i++ {
		for j := i + 1; j < len(ops); j++ {
			shared := sharedResources(resources[i], resources[j])
			if len(shared) == 0 {
				continue
			}

			if !cn.LockConflicts(ops[i].LockLevel, ops[j].LockLevel) {
				continue
			}

			for _, r := range shared {
				edges = append(edges, Edge{
					From:     i,
					To:       j,
					Resource: r,
					Severity: edgeSeverity(ops[i].LockLevel, ops[j].LockLevel),
				})
				contended[r]++
			}

			union(i, j)
		}
	}

	clusterIndex := map[int][]int{}
	for i := range ops {
		root := find(i)
		clusterIndex[root] = append(clusterIndex[root], i)
	}

	clusters := make([][]int, 0, len(clusterIndex))
	for _, members := range clusterIndex {
		clusters = append(clusters, members)
	}

	sort.Slice(clusters, func(i, j int) bool { return clusters[i][0] < clusters[j][0] })

	analysis.Dependencies = edges
	analysis.DependencyGraph = Graph{Nodes: nodes, Edges: edges, Clusters: clusters}

	// Potential deadlocks: cycles in the lock-order graph built from the
	// operations' resource acquisition sequences.
	analysis.RaceConditions = detectRaces(ops, resources, edges)

	// Lock escalation: repeated row-level writes against one relation whose
	// approximate touched-row volume crosses the threshold.
	analysis.LockEscalationRisks = detectEscalation(ops, cfg.EscalationRowThreshold)

	// Parallelism is bounded by the configured cap and the cluster count.
	maxSafe := len(clusters)
	if len(ops) == 0 {
		maxSafe = 0
	}

	if maxSafe > cfg.MaxParallelism {
		maxSafe = cfg.MaxParallelism
	}

	var bottlenecks []string
	for r, count := range contended {
		if count >= 2 {
			bottlenecks = append(bottlenecks, r)
		}
	}

	sort.Strings(bottlenecks)

	analysis.Parallelism = Parallelism{MaxSafeParallelism: maxSafe, BottleneckResources: bottlenecks}

	// Strategy presets: conservative always, balanced per cluster,
	// aggressive per operation only when no race exists.
	analysis.ExecutionStrategies["conservative"] = mmodel.ExecutionStrategy{
		Kind:                   cn.StrategySequential,
		MaxParallelTables:      1,
		MaxRetriesPerOperation: 3,
		BackoffMultiplier:      2.0,
		MaxBackoffMs:           30_000,
	}

	balancedWidth := maxSafe
	if balancedWidth < 1 {
		balancedWidth = 1
	}

	analysis.ExecutionStrategies["balanced"] = mmodel.ExecutionStrategy{
		Kind:                   cn.StrategyTableParallel,
		MaxParallelTables:      balancedWidth,
		MaxRetriesPerOperation: 3,
		BackoffMultiplier:      2.0,
		MaxBackoffMs:           30_000,
	}

	if len(analysis.RaceConditions) == 0 {
		width := len(ops)
		if width < 1 {
			width = 1
		}

		analysis.ExecutionStrategies["aggressive"] = mmodel.ExecutionStrategy{
			Kind:                   cn.StrategyPriorityBased,
			MaxParallelTables:      width,
			MaxRetriesPerOperation: 2,
			BackoffMultiplier:      1.5,
			MaxBackoffMs:           10_000,
		}
	}

	// Safety score: start from 1 and subtract weighted race and escalation
	// penalties, clipped to [0, 1].
	penalty := 0.0
	for _, race := range analysis.RaceConditions {
		penalty += race.Severity * 0.15
	}

	for _, risk := range analysis.LockEscalationRisks {
		penalty += risk.Severity * 0.10
	}

	analysis.SafetyScore = clamp01(1.0 - penalty)

	analysis.Recommendations = recommendations(analysis)

	return analysis
}

func sharedResources(a, b []string) []string {
	set := map[string]bool{}
	for _, r := range a {
		set[r] = true
	}

	var out []string

	for _, r := range b {
		if set[r] {
			out = append(out, r)
		}
	}

	return out
}

func detectRaces(ops []*mmodel.MigrationOperation, resources [][]string, edges []Edge) []RaceCondition {
	races := detectLockOrderCycles(ops, resources)

	// Concurrent writers to the same relation without a deadlock shape are
	// still a race worth surfacing.
	for _, e := range edges {
		if !strings.HasPrefix(e.Resource, "table:") {
			continue
		}

		a, b := ops[e.From], ops[e.To]
		if a.LockLevel >= cn.LockRowExclusive && b.LockLevel >= cn.LockRowExclusive &&
			isDML(a.Kind) && isDML(b.Kind) {
			races = append(races, RaceCondition{
				Type:        "concurrent_write",
				Operations:  []int{e.From, e.To},
				Severity:    e.Severity,
				Description: fmt.Sprintf("operations %d and %d both write %s", e.From, e.To, e.Resource),
			})
		}
	}

	return races
}

type orderEdge struct {
	from string
	to   string
}

// detectLockOrderCycles finds potential deadlocks of any size. Nodes are
// contended resources (touched by at least two operations with conflicting
// lock modes); each operation contributes a directed edge r1 -> r2 for every
// pair of its contended resources acquired in that order. A cycle means the
// contributing operations can each hold one resource of the cycle while
// waiting for the next: the strongly-connected shape three or more
// operations form when they chain a -> b -> c -> a.
func detectLockOrderCycles(ops []*mmodel.MigrationOperation, resources [][]string) []RaceCondition {
	touchers := map[string][]int{}

	for i, rs := range resources {
		for _, r := range rs {
			touchers[r] = append(touchers[r], i)
		}
	}

	contended := map[string]bool{}

	for r, ts := range touchers {
		for x := 0; x < len(ts); x++ {
			for y := x + 1; y < len(ts); y++ {
				if cn.LockConflicts(ops[ts[x]].LockLevel, ops[ts[y]].LockLevel) {
					contended[r] = true
				}
			}
		}
	}

	contributors := map[orderEdge][]int{}
	adjacency := map[string][]string{}

	for i, rs := range resources {
		var mine []string

		for _, r := range rs {
			if contended[r] {
				mine = append(mine, r)
			}
		}

		for x := 0; x < len(mine); x++ {
			for y := x + 1; y < len(mine); y++ {
				key := orderEdge{from: mine[x], to: mine[y]}

				if len(contributors[key]) == 0 {
					adjacency[key.from] = append(adjacency[key.from], key.to)
				}

				contributors[key] = append(contributors[key], i)
			}
		}
	}

	// DFS with color marks over the resource nodes; a back edge closes a
	// cycle, reported once regardless of entry point.
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := map[string]int{}

	var (
		path      []string
		races     []RaceCondition
		seenCycle = map[string]bool{}
	)

	var visit func(r string)
	visit = func(r string) {
		color[r] = gray
		path = append(path, r)

		for _, next := range adjacency[r] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
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

				cycle := append([]string(nil), path[start:]...)

				key := cycleKey(cycle)
				if seenCycle[key] {
					continue
				}

				seenCycle[key] = true

				opSet := map[int]bool{}

				for i, node := range cycle {
					edge := orderEdge{from: node, to: cycle[(i+1)%len(cycle)]}
					for _, op := range contributors[edge] {
						opSet[op] = true
					}
				}

				involved := make([]int, 0, len(opSet))
				for op := range opSet {
					involved = append(involved, op)
				}

				sort.Ints(involved)

				severity := 0.8 + 0.05*float64(len(cycle)-2)
				if severity > 1.0 {
					severity = 1.0
				}

				races = append(races, RaceCondition{
					Type:        "potential_deadlock",
					Operations:  involved,
					Severity:    severity,
					Description: fmt.Sprintf("operations %v can deadlock acquiring %s in a cycle", involved, strings.Join(cycle, " -> ")),
				})
			}
		}

		path = path[:len(path)-1]
		color[r] = black
	}

	nodes := make([]string, 0, len(adjacency))
	for r := range adjacency {
		nodes = append(nodes, r)
	}

	sort.Strings(nodes)

	for _, r := range nodes {
		if color[r] == white {
			visit(r)
		}
	}

	return races
}

func cycleKey(cycle []string) string {
	sorted := append([]string(nil), cycle...)
	sort.Strings(sorted)

	return strings.Join(sorted, "|")
}

func isDML(kind cn.OperationKind) bool {
	return kind == cn.KindInsert || kind == cn.KindUpdate || kind == cn.KindDelete
}

func detectEscalation(ops []*mmodel.MigrationOperation, threshold int64) []EscalationRisk {
	type tally struct {
		count int
		rows  int64
	}

	perTable := map[string]*tally{}

	for _, op := range ops {
		if op.LockLevel != cn.LockRowExclusive || !isDML(op.Kind) {
			continue
		}

		for _, t := range op.AffectedTables {
			entry := perTable[t]
			if entry == nil {
				entry = &tally{}
				perTable[t] = entry
			}

			entry.count++

			rows := op.EstimatedRows
			if rows <= 0 {
				rows = 1_000
			}

			entry.rows += rows
		}
	}

	var risks []EscalationRisk

	tables := make([]string, 0, len(perTable))
	for t := range perTable {
		tables = append(tables, t)
	}

	sort.Strings(tables)

	for _, t := range tables {
		entry := perTable[t]
		if entry.count < 2 || entry.rows <= threshold {
			continue
		}

		severity := clamp01(float64(entry.rows) / float64(threshold*10))

		risks = append(risks, EscalationRisk{
			Table:       t,
			Operations:  entry.count,
			RowsTouched: entry.rows,
			Severity:    severity,
		})
	}

	return risks
}

func recommendations(a Analysis) []string {
	var recs []string

	for _, race := range a.RaceConditions {
		if race.Type == "potential_deadlock" {
			recs = append(recs, "serialize the operations acquiring shared resources in opposite order")

			break
		}
	}

	if len(a.LockEscalationRisks) > 0 {
		recs = append(recs, "split repeated writes to one relation into smaller batches")
	}

	if a.Parallelism.MaxSafeParallelism <= 1 && a.OperationCount > 1 {
		recs = append(recs, "operations form a single conflict cluster; run sequentially")
	}

	return recs
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}

	if v > 1 {
		return 1
	}

	return v
}
