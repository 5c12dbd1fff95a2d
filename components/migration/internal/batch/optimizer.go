// Package batch groups migration operations into executable batches that
// respect dependency order, lock-class separation, and memory and size caps.
package batch

import (
	"sort"
	"strings"

	cn "github.com/flyingrobots/wesley/pkg/constant"
	"github.com/flyingrobots/wesley/pkg/mmodel"
)

// Config bounds batch construction.
type Config struct {
	MaxBatchSize          int
	MaxMemoryMB           int64
	AllowConcurrentSchema bool
	LockTimeoutMs         int64
}

// DefaultConfig returns the optimizer defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:  10,
		MaxMemoryMB:   512,
		LockTimeoutMs: 5_000,
	}
}

// BatchType labels what a batch contains.
type BatchType string

// Batch type values.
const (
	TypeSchema BatchType = "schema"
	TypeData   BatchType = "data"
	TypeIndex  BatchType = "index"
	TypeMixed  BatchType = "mixed"
)

// TransactionMode selects whether a batch runs in an explicit transaction.
type TransactionMode string

// Transaction mode values.
const (
	TxExplicit TransactionMode = "explicit"
	TxAuto     TransactionMode = "auto"
)

// RollbackPolicy selects when a failed batch is rolled back.
type RollbackPolicy string

// Rollback policy values.
const (
	RollbackImmediate RollbackPolicy = "immediate"
	RollbackDeferred  RollbackPolicy = "deferred"
)

// Batch is one executable group of operations.
type Batch struct {
	Operations            []*mmodel.MigrationOperation `json:"operations"`
	BatchType             BatchType                    `json:"batchType"`
	TransactionMode       TransactionMode              `json:"transactionMode"`
	IsolationLevel        cn.IsolationLevel            `json:"isolationLevel"`
	RequiresExclusiveLock bool                         `json:"requiresExclusiveLock"`
	CanRunConcurrently    bool                         `json:"canRunConcurrently"`
	RollbackPolicy        RollbackPolicy               `json:"rollbackPolicy"`
	EstimatedMemoryMB     int64                        `json:"estimatedMemoryMB"`
}

// Dependency is one ordering edge between operations, by plan index.
type Dependency struct {
	From   int    `json:"from"`
	To     int    `json:"to"`
	Reason string `json:"reason"`
}

// Metrics summarizes a batching result.
type Metrics struct {
	TotalBatches          int   `json:"totalBatches"`
	TotalOperations       int   `json:"totalOperations"`
	SchemaBatches         int   `json:"schemaBatches"`
	DataBatches           int   `json:"dataBatches"`
	IndexBatches          int   `json:"indexBatches"`
	MixedBatches          int   `json:"mixedBatches"`
	EstimatedTotalMemoryMB int64 `json:"estimatedTotalMemoryMB"`
}

// Analysis carries the dependency and conflict findings behind the grouping.
type Analysis struct {
	Dependencies    []Dependency   `json:"dependencies"`
	TableOperations map[string]int `json:"tableOperations"`
	Conflicts       int            `json:"conflicts"`
	RiskScore       float64        `json:"riskScore"`
}

// Result is the optimizer output.
type Result struct {
	Batches  []Batch  `json:"batches"`
	Metrics  Metrics  `json:"metrics"`
	Analysis Analysis `json:"analysis"`
}

func categoryOf(kind cn.OperationKind) BatchType {
	switch kind {
	case cn.KindCreateIndex, cn.KindCreateIndexConcurrent, cn.KindDropIndex, cn.KindReindex:
		return TypeIndex
	case cn.KindInsert, cn.KindUpdate, cn.KindDelete, cn.KindSelect:
		return TypeData
	default:
		return TypeSchema
	}
}

// isRisky marks operations that must run alone in an explicit transaction
// with immediate rollback.
func isRisky(op *mmodel.MigrationOperation) bool {
	switch op.Kind {
	case cn.KindDropTable, cn.KindDropColumn, cn.KindDropIndex, cn.KindRenameTable, cn.KindReindex:
		return true
	case cn.KindAlterColumn:
		return strings.Contains(strings.ToUpper(op.SQL), " TYPE ")
	}

	return false
}

// estimatedMemoryMB is the per-operation memory model: index builds and type
// rewrites dominate, simple adds are cheap.
func estimatedMemoryMB(op *mmodel.MigrationOperation) int64 {
	rows := op.EstimatedRows
	if rows < 0 {
		rows = 0
	}

	switch op.Kind {
	case cn.KindCreateIndex, cn.KindCreateIndexConcurrent, cn.KindReindex:
		mb := int64(32) + rows/1_000_000*64
		return mb
	case cn.KindAlterColumn:
		return 48 + rows/1_000_000*32
	case cn.KindInsert, cn.KindUpdate, cn.KindDelete:
		return 8 + rows/1_000_000*16
	case cn.KindAddColumn, cn.KindAddConstraint:
		return 8
	default:
		return 4
	}
}

// dependencies derives ordering edges: a table's create precedes everything
// else touching it, and a foreign key follows both tables it connects.
func dependencies(ops []*mmodel.MigrationOperation) []Dependency {
	createdAt := map[string]int{}

	for i, op := range ops {
		if op.Kind == cn.KindCreateTable && len(op.AffectedTables) > 0 {
			createdAt[op.AffectedTables[0]] = i
		}
	}

	var deps []Dependency

	for i, op := range ops {
		if op.Kind == cn.KindCreateTable {
			continue
		}

		for _, t := range op.AffectedTables {
			if c, ok := createdAt[t]; ok && c != i {
				reason := "table must exist"
				if op.Kind == cn.KindAddConstraint {
					reason = "constraint references table"
				}

				deps = append(deps, Dependency{From: c, To: i, Reason: reason})
			}
		}
	}

	return deps
}

// order sorts operations so dependencies are satisfiable and creates land
// before drops, preserving plan order otherwise.
func order(ops []*mmodel.MigrationOperation) []*mmodel.MigrationOperation {
	rank := func(op *mmodel.MigrationOperation) int {
		switch op.Kind {
		case cn.KindCreateTable:
			return 0
		case cn.KindAddColumn, cn.KindAlterColumn:
			return 1
		case cn.KindCreateIndex, cn.KindCreateIndexConcurrent:
			return 2
		case cn.KindAddConstraint:
			return 3
		case cn.KindInsert, cn.KindUpdate, cn.KindDelete, cn.KindSelect:
			return 4
		case cn.KindRenameTable:
			return 5
		case cn.KindDropIndex, cn.KindDropColumn, cn.KindDropTable, cn.KindReindex:
			return 6
		default:
			return 4
		}
	}

	out := make([]*mmodel.MigrationOperation, len(ops))
	copy(out, ops)

	sort.SliceStable(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })

	return out
}

// Optimize groups the operations. Running the result's flattened operations
// through Optimize again yields the same grouping.
func Optimize(ops []*mmodel.MigrationOperation, cfg Config) Result {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultConfig().MaxBatchSize
	}

	if cfg.MaxMemoryMB <= 0 {
		cfg.MaxMemoryMB = DefaultConfig().MaxMemoryMB
	}

	ordered := order(ops)

	result := Result{
		Analysis: Analysis{
			Dependencies:    dependencies(ordered),
			TableOperations: map[string]int{},
		},
	}

	conflicts := 0

	for i := 0; i < len(ordered); i++ {
		for _, t := range ordered[i].AffectedTables {
			result.Analysis.TableOperations[t]++
		}

		for j := i + 1; j < len(ordered); j++ {
			if sharesTable(ordered[i], ordered[j]) && cn.LockConflicts(ordered[i].LockLevel, ordered[j].LockLevel) {
				conflicts++
			}
		}
	}

	result.Analysis.Conflicts = conflicts

	var riskSum float64
	for _, op := range ordered {
		riskSum += float64(op.RiskLevel.Rank())
	}

	if len(ordered) > 0 {
		result.Analysis.RiskScore = riskSum / float64(len(ordered)*cn.RiskCritical.Rank())
	}

	var current *Batch

	flush := func() {
		if current != nil && len(current.Operations) > 0 {
			result.Batches = append(result.Batches, *current)
		}

		current = nil
	}

	for _, op := range ordered {
		opType := categoryOf(op.Kind)
		opMem := estimatedMemoryMB(op)
		risky := isRisky(op)

		// Risky operations and concurrent index builds run alone.
		standalone := risky || op.Kind == cn.KindCreateIndexConcurrent

		compatible := current != nil &&
			!standalone &&
			current.BatchType == opType &&
			len(current.Operations) < cfg.MaxBatchSize &&
			current.EstimatedMemoryMB+opMem <= cfg.MaxMemoryMB &&
			sameLockClass(current, op)

		if !cfg.AllowConcurrentSchema && current != nil && current.BatchType != opType {
			compatible = false
		}

		if !compatible {
			flush()
			current = newBatch(op, opType, risky)
		}

		current.Operations = append(current.Operations, op)
		current.EstimatedMemoryMB += opMem

		if op.LockLevel == cn.LockAccessExclusive {
			current.RequiresExclusiveLock = true
		}

		if standalone {
			flush()
		}
	}

	flush()

	result.Metrics = Metrics{
		TotalBatches:    len(result.Batches),
		TotalOperations: len(ordered),
	}

	for _, b := range result.Batches {
		result.Metrics.EstimatedTotalMemoryMB += b.EstimatedMemoryMB

		switch b.BatchType {
		case TypeSchema:
			result.Metrics.SchemaBatches++
		case TypeData:
			result.Metrics.DataBatches++
		case TypeIndex:
			result.Metrics.IndexBatches++
		case TypeMixed:
			result.Metrics.MixedBatches++
		}
	}

	return result
}

func newBatch(op *mmodel.MigrationOperation, opType BatchType, risky bool) *Batch {
	b := &Batch{
		BatchType:       opType,
		TransactionMode: TxExplicit,
		IsolationLevel:  cn.IsolationReadCommitted,
		RollbackPolicy:  RollbackDeferred,
	}

	if risky {
		b.RollbackPolicy = RollbackImmediate
	}

	if op.Kind == cn.KindCreateIndexConcurrent {
		// CONCURRENTLY cannot run inside a transaction.
		b.TransactionMode = TxAuto
		b.CanRunConcurrently = true
		b.RollbackPolicy = RollbackDeferred
	}

	return b
}

func sameLockClass(b *Batch, op *mmodel.MigrationOperation) bool {
	for _, existing := range b.Operations {
		if existing.LockLevel != op.LockLevel {
			return false
		}
	}

	return true
}

func sharesTable(a, b *mmodel.MigrationOperation) bool {
	for _, ta := range a.AffectedTables {
		for _, tb := range b.AffectedTables {
			if ta == tb {
				return true
			}
		}
	}

	return false
}
