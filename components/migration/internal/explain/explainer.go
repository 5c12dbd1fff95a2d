// Package explain statically classifies migration SQL: operation kind, lock
// level, risk, duration estimate, and human-readable impact. Classification
// is a pure function of the statement text and the caller's row hints.
package explain

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/iancoleman/strcase"

	cn "github.com/flyingrobots/wesley/pkg/constant"
	"github.com/flyingrobots/wesley/pkg/mmodel"
)

// Hints carries planner knowledge the SQL text alone cannot provide.
type Hints struct {
	EstimatedRows int64
}

// Explanation is the per-operation classification result.
type Explanation struct {
	Operation           *mmodel.MigrationOperation `json:"operation"`
	Kind                cn.OperationKind           `json:"kind"`
	AffectedTables      []string                   `json:"affectedTables"`
	LockLevel           cn.LockMode                `json:"lockLevel"`
	RiskLevel           cn.RiskLevel               `json:"riskLevel"`
	EstimatedDurationMs int64                      `json:"estimatedDurationMs"`
	BlocksReads         bool                       `json:"blocksReads"`
	BlocksWrites        bool                       `json:"blocksWrites"`
	Impact              string                     `json:"impact"`
	Recommendations     []string                   `json:"recommendations"`
}

// Summary aggregates a whole operation set.
type Summary struct {
	Explanations       []Explanation        `json:"explanations"`
	RiskDistribution   map[cn.RiskLevel]int `json:"riskDistribution"`
	BlockingOperations []string             `json:"blockingOperations"`
	OverallRisk        cn.RiskLevel         `json:"overallRisk"`
	RiskIndex          float64              `json:"riskIndex"`
	Recommendations    []string             `json:"recommendations"`
}

// kindPatterns are tried in order; ties break by specificity, so the
// concurrent index form (unique or not) comes before the plain one.
var kindPatterns = []struct {
	kind cn.OperationKind
	re   *regexp.Regexp
}{
	{cn.KindCreateIndexConcurrent, regexp.MustCompile(`(?i)^\s*CREATE\s+(UNIQUE\s+)?INDEX\s+CONCURRENTLY\b`)},
	{cn.KindCreateIndex, regexp.MustCompile(`(?i)^\s*CREATE\s+(UNIQUE\s+)?INDEX\b`)},
	{cn.KindDropIndex, regexp.MustCompile(`(?i)^\s*DROP\s+INDEX\b`)},
	{cn.KindCreateTable, regexp.MustCompile(`(?i)^\s*CREATE\s+(UNLOGGED\s+|TEMP(ORARY)?\s+)?TABLE\b`)},
	{cn.KindDropTable, regexp.MustCompile(`(?i)^\s*DROP\s+TABLE\b`)},
	{cn.KindRenameTable, regexp.MustCompile(`(?i)^\s*ALTER\s+TABLE\s+(IF\s+EXISTS\s+)?[\w."]+\s+RENAME\s+TO\b`)},
	{cn.KindAddColumn, regexp.MustCompile(`(?i)^\s*ALTER\s+TABLE\s+(IF\s+EXISTS\s+)?[\w."]+\s+ADD\s+(COLUMN\b|\w)`)},
	{cn.KindDropColumn, regexp.MustCompile(`(?i)^\s*ALTER\s+TABLE\s+(IF\s+EXISTS\s+)?[\w."]+\s+DROP\s+(COLUMN\b|\w)`)},
	{cn.KindAlterColumn, regexp.MustCompile(`(?i)^\s*ALTER\s+TABLE\s+(IF\s+EXISTS\s+)?[\w."]+\s+ALTER\s+(COLUMN\b|\w)`)},
	{cn.KindAddConstraint, regexp.MustCompile(`(?i)^\s*ALTER\s+TABLE\s+(IF\s+EXISTS\s+)?[\w."]+\s+ADD\s+CONSTRAINT\b`)},
	{cn.KindReindex, regexp.MustCompile(`(?i)^\s*REINDEX\b`)},
	{cn.KindInsert, regexp.MustCompile(`(?i)^\s*INSERT\b`)},
	{cn.KindUpdate, regexp.MustCompile(`(?i)^\s*UPDATE\b`)},
	{cn.KindDelete, regexp.MustCompile(`(?i)^\s*DELETE\b`)},
	{cn.KindSelect, regexp.MustCompile(`(?i)^\s*(SELECT|WITH)\b`)},
}

// ADD CONSTRAINT is more specific than ADD COLUMN, so it must win the tie.
func detectKind(sql string) cn.OperationKind {
	normalized := normalizeSQL(sql)

	if reAddConstr.MatchString(normalized) {
		return cn.KindAddConstraint
	}

	for _, p := range kindPatterns {
		if p.re.MatchString(normalized) {
			return p.kind
		}
	}

	return cn.KindOther
}

func normalizeSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

var (
	reOnTable      = regexp.MustCompile(`(?i)\bON\s+(ONLY\s+)?([\w."]+)`)
	reAlterTable   = regexp.MustCompile(`(?i)\bTABLE\s+(IF\s+EXISTS\s+)?(ONLY\s+)?([\w."]+)`)
	reInsertInto   = regexp.MustCompile(`(?i)\bINTO\s+([\w."]+)`)
	reUpdateTable  = regexp.MustCompile(`(?i)^\s*UPDATE\s+(ONLY\s+)?([\w."]+)`)
	reDeleteFrom   = regexp.MustCompile(`(?i)\bFROM\s+(ONLY\s+)?([\w."]+)`)
	reReferences   = regexp.MustCompile(`(?i)\bREFERENCES\s+([\w."]+)`)
	reSetDataType  = regexp.MustCompile(`(?i)\b(SET\s+DATA\s+)?TYPE\s+\w`)
	reNotNull      = regexp.MustCompile(`(?i)\bNOT\s+NULL\b`)
	reDefaultValue = regexp.MustCompile(`(?i)\bDEFAULT\b`)
	reForeignKey   = regexp.MustCompile(`(?i)\b(FOREIGN\s+KEY|REFERENCES)\b`)
	reNotValid     = regexp.MustCompile(`(?i)\bNOT\s+VALID\b`)
	reUniqueIndex  = regexp.MustCompile(`(?i)^\s*CREATE\s+UNIQUE\s+INDEX\b`)
	reAddConstr    = regexp.MustCompile(`(?i)^\s*ALTER\s+TABLE\s+(IF\s+EXISTS\s+)?[\w."]+\s+ADD\s+CONSTRAINT\b`)
	reUsingMethod  = regexp.MustCompile(`(?i)\bUSING\s+(\w+)`)
	reWherePartial = regexp.MustCompile(`(?i)\bWHERE\s+(.+)$`)
)

// affectedTables extracts the relations a statement touches.
func affectedTables(sql string, kind cn.OperationKind) []string {
	normalized := normalizeSQL(sql)
	seen := map[string]bool{}

	var out []string

	add := func(raw string) {
		name := strings.Trim(strings.ToLower(raw), `"`)
		if name == "" || seen[name] {
			return
		}

		seen[name] = true

		out = append(out, name)
	}

	switch kind {
	case cn.KindCreateIndex, cn.KindCreateIndexConcurrent:
		if m := reOnTable.FindStringSubmatch(normalized); m != nil {
			add(m[2])
		}
	case cn.KindInsert:
		if m := reInsertInto.FindStringSubmatch(normalized); m != nil {
			add(m[1])
		}
	case cn.KindUpdate:
		if m := reUpdateTable.FindStringSubmatch(normalized); m != nil {
			add(m[2])
		}
	case cn.KindDelete, cn.KindSelect:
		if m := reDeleteFrom.FindStringSubmatch(normalized); m != nil {
			add(m[2])
		}
	default:
		if m := reAlterTable.FindStringSubmatch(normalized); m != nil {
			add(m[3])
		}
	}

	if m := reReferences.FindStringSubmatch(normalized); m != nil {
		add(m[1])
	}

	return out
}

// lockLevelFor maps an operation kind to the table lock PostgreSQL takes for
// it, following the documented lock matrix.
func lockLevelFor(kind cn.OperationKind) cn.LockMode {
	switch kind {
	case cn.KindSelect:
		return cn.LockAccessShare
	case cn.KindInsert, cn.KindUpdate, cn.KindDelete:
		return cn.LockRowExclusive
	case cn.KindCreateIndexConcurrent:
		return cn.LockShareUpdateExclusive
	case cn.KindCreateIndex:
		return cn.LockShare
	default:
		return cn.LockAccessExclusive
	}
}

// riskLevelFor applies the risk ladder: destructive DDL is CRITICAL,
// blocking builds and validated constraint adds are HIGH, concurrent builds
// and nullable adds are MEDIUM, DML and reads are LOW.
func riskLevelFor(sql string, kind cn.OperationKind) cn.RiskLevel {
	normalized := normalizeSQL(sql)

	switch kind {
	case cn.KindDropTable, cn.KindDropColumn, cn.KindReindex:
		return cn.RiskCritical
	case cn.KindAlterColumn:
		if reSetDataType.MatchString(normalized) {
			return cn.RiskCritical
		}

		return cn.RiskHigh
	case cn.KindCreateIndex:
		return cn.RiskHigh
	case cn.KindAddConstraint:
		if reForeignKey.MatchString(normalized) && !reNotValid.MatchString(normalized) {
			return cn.RiskHigh
		}

		return cn.RiskMedium
	case cn.KindAddColumn:
		if reNotNull.MatchString(normalized) && reDefaultValue.MatchString(normalized) {
			return cn.RiskHigh
		}

		return cn.RiskMedium
	case cn.KindCreateIndexConcurrent, cn.KindRenameTable, cn.KindDropIndex:
		return cn.RiskMedium
	case cn.KindInsert, cn.KindUpdate, cn.KindDelete, cn.KindSelect:
		return cn.RiskLow
	case cn.KindCreateTable:
		return cn.RiskLow
	default:
		return cn.RiskMedium
	}
}

// estimateDurationMs is a coarse heuristic: index builds and rewrites scale
// with row count, and a concurrent build pays for two table passes.
func estimateDurationMs(kind cn.OperationKind, rows int64) int64 {
	const (
		baseMs       = 50
		perMillionMs = 5_000
	)

	scale := func(factor float64) int64 {
		if rows <= 0 {
			return baseMs
		}

		return baseMs + int64(float64(rows)/1_000_000*perMillionMs*factor)
	}

	switch kind {
	case cn.KindCreateIndexConcurrent:
		return scale(2.0)
	case cn.KindCreateIndex, cn.KindReindex:
		return scale(1.0)
	case cn.KindAlterColumn, cn.KindAddConstraint:
		return scale(0.8)
	case cn.KindAddColumn:
		return scale(0.5)
	case cn.KindUpdate, cn.KindDelete:
		return scale(0.3)
	default:
		return baseMs
	}
}

// BuildOperation parses one SQL statement into an annotated operation.
func BuildOperation(id, sql string, hints Hints) *mmodel.MigrationOperation {
	kind := detectKind(sql)
	normalized := normalizeSQL(sql)

	op := &mmodel.MigrationOperation{
		ID:                  id,
		SQL:                 sql,
		Kind:                kind,
		AffectedTables:      affectedTables(sql, kind),
		LockLevel:           lockLevelFor(kind),
		RiskLevel:           riskLevelFor(sql, kind),
		EstimatedDurationMs: estimateDurationMs(kind, hints.EstimatedRows),
		EstimatedRows:       hints.EstimatedRows,
		Priority:            cn.PriorityNormal,
	}

	if kind == cn.KindCreateIndex || kind == cn.KindCreateIndexConcurrent {
		op.IsUnique = reUniqueIndex.MatchString(normalized)

		if m := reUsingMethod.FindStringSubmatch(normalized); m != nil {
			op.IndexMethod = strings.ToLower(m[1])
		} else {
			op.IndexMethod = "btree"
		}

		if m := reWherePartial.FindStringSubmatch(normalized); m != nil {
			op.IsPartial = true
			op.Predicate = strings.TrimSpace(m[1])
		}
	}

	return op
}

// Explain classifies one operation. It is pure: the same SQL, kind and hints
// always produce the same explanation.
func Explain(op *mmodel.MigrationOperation, hints Hints) Explanation {
	kind := op.Kind
	if kind == "" {
		kind = detectKind(op.SQL)
	}

	lock := lockLevelFor(kind)
	risk := riskLevelFor(op.SQL, kind)

	rows := hints.EstimatedRows
	if rows == 0 {
		rows = op.EstimatedRows
	}

	tables := op.AffectedTables
	if len(tables) == 0 {
		tables = affectedTables(op.SQL, kind)
	}

	e := Explanation{
		Operation:           op,
		Kind:                kind,
		AffectedTables:      tables,
		LockLevel:           lock,
		RiskLevel:           risk,
		EstimatedDurationMs: estimateDurationMs(kind, rows),
		BlocksReads:         lock.BlocksReads(),
		BlocksWrites:        lock.BlocksWrites(),
	}

	e.Impact = impactText(e)
	e.Recommendations = recommendationsFor(op.SQL, kind, risk, rows)

	return e
}

func impactText(e Explanation) string {
	verb := strcase.ToDelimited(string(e.Kind), ' ')

	target := "no relation"
	if len(e.AffectedTables) > 0 {
		target = strings.Join(e.AffectedTables, ", ")
	}

	switch {
	case e.BlocksReads:
		return fmt.Sprintf("%s on %s blocks reads and writes while it holds %s", verb, target, e.LockLevel)
	case e.BlocksWrites:
		return fmt.Sprintf("%s on %s blocks writes while it holds %s", verb, target, e.LockLevel)
	default:
		return fmt.Sprintf("%s on %s runs without blocking reads or writes", verb, target)
	}
}

func recommendationsFor(sql string, kind cn.OperationKind, risk cn.RiskLevel, rows int64) []string {
	var recs []string

	normalized := normalizeSQL(sql)

	if kind == cn.KindCreateIndex {
		recs = append(recs, "use CREATE INDEX CONCURRENTLY to avoid blocking writes during the build")
	}

	if kind == cn.KindAddConstraint && reForeignKey.MatchString(normalized) && !reNotValid.MatchString(normalized) && rows > 1_000_000 {
		recs = append(recs, "add the foreign key as NOT VALID and VALIDATE CONSTRAINT separately")
	}

	if risk == cn.RiskCritical && rows > 10_000_000 {
		recs = append(recs, "schedule a maintenance window: destructive change against a very large table")
	}

	return recs
}

// ExplainAll classifies an operation set and aggregates the findings.
func ExplainAll(ops []*mmodel.MigrationOperation, hints Hints) Summary {
	summary := Summary{
		RiskDistribution: map[cn.RiskLevel]int{},
		OverallRisk:      cn.RiskLow,
	}

	seenRecs := map[string]bool{}

	var weighted float64

	for _, op := range ops {
		e := Explain(op, hints)
		summary.Explanations = append(summary.Explanations, e)
		summary.RiskDistribution[e.RiskLevel]++

		if e.BlocksReads || e.BlocksWrites {
			summary.BlockingOperations = append(summary.BlockingOperations, op.SQL)
		}

		if e.RiskLevel.Rank() > summary.OverallRisk.Rank() {
			summary.OverallRisk = e.RiskLevel
		}

		weighted += float64(e.RiskLevel.Rank())

		for _, rec := range e.Recommendations {
			if !seenRecs[rec] {
				seenRecs[rec] = true

				summary.Recommendations = append(summary.Recommendations, rec)
			}
		}
	}

	if len(ops) > 0 {
		summary.RiskIndex = weighted / float64(len(ops)*cn.RiskCritical.Rank())
	}

	sort.SliceStable(summary.Recommendations, func(i, j int) bool {
		return summary.Recommendations[i] < summary.Recommendations[j]
	})

	return summary
}
