// Package verify confirms a migration run did what it claimed: schema
// checksums, schema diff, data-integrity spot checks, rollback-trigger
// validation and performance-baseline comparison.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/flyingrobots/wesley/pkg"
	cn "github.com/flyingrobots/wesley/pkg/constant"
	"github.com/flyingrobots/wesley/pkg/mevent"
	"github.com/flyingrobots/wesley/pkg/mmodel"
)

// Phase status values.
const (
	StatusPassed          = "passed"
	StatusFailed          = "failed"
	StatusSkipped         = "skipped"
	StatusError           = "error"
	StatusNoChanges       = "no_changes"
	StatusChangesDetected = "changes_detected"
	StatusDegraded        = "degraded"
	StatusImproved        = "improved"
)

// Overall status values.
const (
	OverallPassed       = "passed"
	OverallWithWarnings = "passed_with_warnings"
	OverallPartial      = "partial"
	OverallFailed       = "failed"
	OverallError        = "error"
)

// Config tunes the verifier.
type Config struct {
	Algorithm           string // "sha256" (default) or "xxhash"
	Strict              bool
	RegressionThreshold float64
}

// DefaultConfig returns the verifier defaults.
func DefaultConfig() Config {
	return Config{
		Algorithm:           "sha256",
		RegressionThreshold: 0.1,
	}
}

// RollbackTrigger declares one trigger a rollback path depends on.
type RollbackTrigger struct {
	Name  string `json:"name"`
	Table string `json:"table"`
	Kind  string `json:"kind"`
}

// Input carries everything one verification needs.
type Input struct {
	MigrationID        string
	Before             *mmodel.SchemaSnapshot
	After              *mmodel.SchemaSnapshot
	ExpectedChecksum   string
	RollbackTriggers   []RollbackTrigger
	InstalledTriggers  []RollbackTrigger
	PerformanceBaseline map[string]float64
	CurrentPerformance  map[string]float64
}

// PhaseResult is one phase's verdict.
type PhaseResult struct {
	Status   string   `json:"status"`
	Findings []string `json:"findings,omitempty"`
	Details  any      `json:"details,omitempty"`
}

// TableChange describes one added, dropped or modified table in a diff.
type TableChange struct {
	Table   string   `json:"table"`
	Columns []string `json:"columns,omitempty"`
}

// SchemaDiff is the schemaComparison phase detail.
type SchemaDiff struct {
	AddedTables    []TableChange `json:"addedTables,omitempty"`
	DroppedTables  []TableChange `json:"droppedTables,omitempty"`
	ModifiedTables []TableChange `json:"modifiedTables,omitempty"`
}

// TriggerValidity is the per-trigger rollbackValidation detail.
type TriggerValidity struct {
	Name   string `json:"name"`
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// Result maps phase name to verdict plus the overall status.
type Result struct {
	MigrationID string                 `json:"migrationId"`
	Phases      map[string]PhaseResult `json:"phases"`
	Overall     string                 `json:"overall"`
}

// Verifier runs the five phases.
type Verifier struct {
	cfg Config
	bus *mevent.Bus
}

// NewVerifier builds a Verifier.
func NewVerifier(cfg Config, bus *mevent.Bus) *Verifier {
	if cfg.Algorithm == "" {
		cfg.Algorithm = DefaultConfig().Algorithm
	}

	if cfg.RegressionThreshold <= 0 {
		cfg.RegressionThreshold = DefaultConfig().RegressionThreshold
	}

	return &Verifier{cfg: cfg, bus: bus}
}

// Verify runs every phase and aggregates the overall status. Running it
// twice with identical snapshots yields identical results. In strict mode
// checksum and integrity failures raise typed errors. The schema comparison
// phase only reports changes and raises no error, in strict mode or not.
func (v *Verifier) Verify(ctx context.Context, input Input) (Result, error) {
	if v.bus != nil {
		v.bus.Publish(cn.EventMigrationVerificationStarted, map[string]any{"migrationId": input.MigrationID})
	}

	result := Result{
		MigrationID: input.MigrationID,
		Phases:      map[string]PhaseResult{},
	}

	checksumPhase, actual := v.checksumValidation(input)
	result.Phases["checksumValidation"] = checksumPhase

	if v.cfg.Strict && checksumPhase.Status == StatusFailed {
		return result, pkg.NewChecksumMismatchError(input.ExpectedChecksum, actual)
	}

	schemaPhase, _ := v.schemaComparison(input)
	result.Phases["schemaComparison"] = schemaPhase

	integrityPhase := v.dataIntegrityCheck(input)
	result.Phases["dataIntegrityCheck"] = integrityPhase

	if v.cfg.Strict && integrityPhase.Status == StatusFailed {
		return result, pkg.NewDataIntegrityError(len(integrityPhase.Findings))
	}

	result.Phases["rollbackValidation"] = v.rollbackValidation(input)
	result.Phases["performanceBaseline"] = v.performanceBaseline(input)

	result.Overall = overall(result.Phases)

	if v.bus != nil {
		v.bus.Publish(cn.EventMigrationVerificationCompleted, map[string]any{
			"migrationId": input.MigrationID,
			"overall":     result.Overall,
		})
	}

	return result, nil
}

func overall(phases map[string]PhaseResult) string {
	anyFailed := false
	anyError := false
	anyWarning := false
	anySkipped := false

	for _, p := range phases {
		switch p.Status {
		case StatusFailed:
			anyFailed = true
		case StatusError:
			anyError = true
		case StatusDegraded, StatusImproved, StatusChangesDetected:
			anyWarning = true
		case StatusSkipped:
			anySkipped = true
		}
	}

	switch {
	case anyError:
		return OverallError
	case anyFailed:
		return OverallFailed
	case anyWarning:
		return OverallWithWarnings
	case anySkipped:
		return OverallPartial
	default:
		return OverallPassed
	}
}

// checksumValidation canonicalizes the after snapshot, hashes it and
// compares against the expected checksum when one was provided.
func (v *Verifier) checksumValidation(input Input) (PhaseResult, string) {
	if input.After == nil {
		return PhaseResult{Status: StatusSkipped, Findings: []string{"no snapshot to checksum"}}, ""
	}

	actual, err := Checksum(input.After, v.cfg.Algorithm)
	if err != nil {
		return PhaseResult{Status: StatusError, Findings: []string{err.Error()}}, ""
	}

	if input.ExpectedChecksum == "" {
		return PhaseResult{
			Status:  StatusSkipped,
			Details: map[string]string{"actual": actual},
		}, actual
	}

	if actual != input.ExpectedChecksum {
		return PhaseResult{
			Status:   StatusFailed,
			Findings: []string{fmt.Sprintf("expected %s, got %s", input.ExpectedChecksum, actual)},
			Details:  map[string]string{"expected": input.ExpectedChecksum, "actual": actual},
		}, actual
	}

	return PhaseResult{Status: StatusPassed, Details: map[string]string{"actual": actual}}, actual
}

// schemaComparison set-differences the before and after snapshots.
func (v *Verifier) schemaComparison(input Input) (PhaseResult, SchemaDiff) {
	var diff SchemaDiff

	if input.Before == nil || input.After == nil {
		return PhaseResult{Status: StatusSkipped, Findings: []string{"both snapshots are required"}}, diff
	}

	beforeTables := input.Before.Schema
	afterTables := input.After.Schema

	for _, name := range sortedTableNames(afterTables) {
		if _, ok := beforeTables[name]; !ok {
			diff.AddedTables = append(diff.AddedTables, TableChange{Table: name, Columns: sortedColumnNames(afterTables[name])})
		}
	}

	for _, name := range sortedTableNames(beforeTables) {
		if _, ok := afterTables[name]; !ok {
			diff.DroppedTables = append(diff.DroppedTables, TableChange{Table: name, Columns: sortedColumnNames(beforeTables[name])})
		}
	}

	for _, name := range sortedTableNames(beforeTables) {
		after, ok := afterTables[name]
		if !ok {
			continue
		}

		changed := diffColumns(beforeTables[name], after)
		if len(changed) > 0 {
			diff.ModifiedTables = append(diff.ModifiedTables, TableChange{Table: name, Columns: changed})
		}
	}

	if len(diff.AddedTables) == 0 && len(diff.DroppedTables) == 0 && len(diff.ModifiedTables) == 0 {
		return PhaseResult{Status: StatusNoChanges, Details: diff}, diff
	}

	return PhaseResult{Status: StatusChangesDetected, Details: diff}, diff
}

func diffColumns(before, after mmodel.TableSnapshot) []string {
	var changed []string

	for _, col := range sortedColumnNames(after) {
		b, ok := before.Columns[col]
		if !ok {
			changed = append(changed, col)

			continue
		}

		a := after.Columns[col]
		if NormalizeType(a.Type) != NormalizeType(b.Type) || a.Nullable != b.Nullable || a.IsList != b.IsList {
			changed = append(changed, col)
		}
	}

	for _, col := range sortedColumnNames(before) {
		if _, ok := after.Columns[col]; !ok {
			changed = append(changed, col)
		}
	}

	return changed
}

var (
	reFKRef       = regexp.MustCompile(`(?i)REFERENCES\s+([\w."]+)\s*(?:\(\s*([\w"]+)\s*\))?`)
	reUniqueCons  = regexp.MustCompile(`(?i)^\s*UNIQUE\b`)
	reCheckCons   = regexp.MustCompile(`(?i)CHECK\s*\((.+)\)`)
	reIdentifier  = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
)

// checkExprKeywords are tokens a CHECK expression may use without naming a
// column of its table.
var checkExprKeywords = map[string]bool{
	"and": true, "or": true, "not": true, "is": true, "null": true,
	"in": true, "like": true, "between": true, "true": true, "false": true,
	"length": true, "char_length": true, "lower": true, "upper": true,
	"abs": true, "coalesce": true, "now": true,
}

// dataIntegrityCheck verifies the row-level constraints expressible from the
// snapshot alone: foreign keys must resolve to an existing table (and
// column, when one is named), UNIQUE must sit on a stored column, and CHECK
// expressions must only name columns the table has. An empty schema passes
// vacuously.
func (v *Verifier) dataIntegrityCheck(input Input) PhaseResult {
	if input.After == nil || len(input.After.Schema) == 0 {
		return PhaseResult{Status: StatusPassed, Findings: []string{"empty schema, nothing to check"}}
	}

	var findings []string

	for _, table := range sortedTableNames(input.After.Schema) {
		snapshot := input.After.Schema[table]

		columnSet := map[string]bool{}
		for name := range snapshot.Columns {
			columnSet[strings.ToLower(name)] = true
		}

		for _, col := range sortedColumnNames(snapshot) {
			colSnapshot := snapshot.Columns[col]

			for _, constraint := range colSnapshot.Constraints {
				if m := reFKRef.FindStringSubmatch(constraint); m != nil {
					findings = append(findings, checkForeignKey(input.After, table, col, m)...)

					continue
				}

				if reUniqueCons.MatchString(constraint) && colSnapshot.Virtual {
					findings = append(findings,
						fmt.Sprintf("%s.%s declares UNIQUE on a virtual field with no storage to enforce it", table, col))

					continue
				}

				if m := reCheckCons.FindStringSubmatch(constraint); m != nil {
					findings = append(findings, checkExpression(table, col, m[1], columnSet)...)
				}
			}
		}
	}

	if len(findings) > 0 {
		return PhaseResult{Status: StatusFailed, Findings: findings}
	}

	return PhaseResult{Status: StatusPassed}
}

// checkForeignKey resolves a REFERENCES target against the snapshot.
func checkForeignKey(snapshot *mmodel.SchemaSnapshot, table, col string, m []string) []string {
	ref := strings.Trim(strings.ToLower(m[1]), `"`)

	refTable, ok := snapshot.Schema[ref]
	if !ok {
		return []string{fmt.Sprintf("%s.%s references missing table %s", table, col, ref)}
	}

	if m[2] == "" {
		return nil
	}

	refCol := strings.Trim(strings.ToLower(m[2]), `"`)

	for name := range refTable.Columns {
		if strings.ToLower(name) == refCol {
			return nil
		}
	}

	return []string{fmt.Sprintf("%s.%s references missing column %s.%s", table, col, ref, refCol)}
}

// checkExpression flags identifiers in a CHECK predicate that are neither
// known keywords nor columns of the table. Constant-only predicates pass.
func checkExpression(table, col, expr string, columnSet map[string]bool) []string {
	var findings []string

	for _, token := range reIdentifier.FindAllString(expr, -1) {
		lowered := strings.ToLower(token)

		if checkExprKeywords[lowered] || columnSet[lowered] {
			continue
		}

		findings = append(findings,
			fmt.Sprintf("%s.%s CHECK expression references unknown column %s", table, col, lowered))
	}

	return findings
}

// rollbackValidation confirms every declared rollback trigger is installed
// with the right kind.
func (v *Verifier) rollbackValidation(input Input) PhaseResult {
	if len(input.RollbackTriggers) == 0 {
		return PhaseResult{Status: StatusSkipped, Findings: []string{"no rollback triggers declared"}}
	}

	installed := map[string]RollbackTrigger{}
	for _, t := range input.InstalledTriggers {
		installed[t.Name] = t
	}

	var (
		validity []TriggerValidity
		failed   bool
	)

	for _, expected := range input.RollbackTriggers {
		got, ok := installed[expected.Name]

		switch {
		case !ok:
			validity = append(validity, TriggerValidity{Name: expected.Name, Valid: false, Reason: "not installed"})
			failed = true
		case expected.Kind != "" && got.Kind != expected.Kind:
			validity = append(validity, TriggerValidity{
				Name:   expected.Name,
				Valid:  false,
				Reason: fmt.Sprintf("kind mismatch: expected %s, got %s", expected.Kind, got.Kind),
			})
			failed = true
		default:
			validity = append(validity, TriggerValidity{Name: expected.Name, Valid: true})
		}
	}

	status := StatusPassed
	if failed {
		status = StatusFailed
	}

	return PhaseResult{Status: status, Details: validity}
}

// performanceBaseline compares per-query mean execution time against the
// baseline. Both directions past the threshold are meaningful: regressions
// degrade the phase, improvements are informational.
func (v *Verifier) performanceBaseline(input Input) PhaseResult {
	if len(input.PerformanceBaseline) == 0 || len(input.CurrentPerformance) == 0 {
		return PhaseResult{Status: StatusSkipped, Findings: []string{"no baseline to compare"}}
	}

	var (
		regressions  []string
		improvements []string
	)

	queries := make([]string, 0, len(input.PerformanceBaseline))
	for q := range input.PerformanceBaseline {
		queries = append(queries, q)
	}

	sort.Strings(queries)

	for _, q := range queries {
		baseline := input.PerformanceBaseline[q]

		current, ok := input.CurrentPerformance[q]
		if !ok || baseline <= 0 {
			continue
		}

		switch {
		case (current-baseline)/baseline > v.cfg.RegressionThreshold:
			regressions = append(regressions, fmt.Sprintf("%s: %.1fms -> %.1fms", q, baseline, current))
		case (baseline-current)/baseline > v.cfg.RegressionThreshold:
			improvements = append(improvements, fmt.Sprintf("%s: %.1fms -> %.1fms", q, baseline, current))
		}
	}

	switch {
	case len(regressions) > 0:
		return PhaseResult{Status: StatusDegraded, Findings: regressions}
	case len(improvements) > 0:
		return PhaseResult{Status: StatusImproved, Findings: improvements}
	default:
		return PhaseResult{Status: StatusPassed}
	}
}

func sortedTableNames(tables map[string]mmodel.TableSnapshot) []string {
	out := make([]string, 0, len(tables))
	for name := range tables {
		out = append(out, name)
	}

	sort.Strings(out)

	return out
}

func sortedColumnNames(table mmodel.TableSnapshot) []string {
	out := make([]string, 0, len(table.Columns))
	for name := range table.Columns {
		out = append(out, name)
	}

	sort.Strings(out)

	return out
}

// Canonicalize produces the checksum input: table and column keys sorted,
// type strings normalized. encoding/json emits map keys in sorted order,
// which is exactly the determinism the checksum depends on.
func Canonicalize(snapshot *mmodel.SchemaSnapshot) ([]byte, error) {
	normalized := map[string]map[string]mmodel.ColumnSnapshot{}

	for table, ts := range snapshot.Schema {
		cols := map[string]mmodel.ColumnSnapshot{}

		for name, col := range ts.Columns {
			col.Type = NormalizeType(col.Type)

			sortedConstraints := append([]string(nil), col.Constraints...)
			sort.Strings(sortedConstraints)
			col.Constraints = sortedConstraints

			cols[strings.ToLower(name)] = col
		}

		normalized[strings.ToLower(table)] = cols
	}

	return json.Marshal(normalized)
}

// Checksum hashes the canonicalized snapshot with the configured algorithm.
func Checksum(snapshot *mmodel.SchemaSnapshot, algorithm string) (string, error) {
	canonical, err := Canonicalize(snapshot)
	if err != nil {
		return "", err
	}

	switch algorithm {
	case "", "sha256":
		sum := sha256.Sum256(canonical)

		return hex.EncodeToString(sum[:]), nil
	case "xxhash":
		return fmt.Sprintf("%016x", xxhash.Sum64(canonical)), nil
	default:
		return "", fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}
}

var typeAliases = map[string]string{
	"string":                      "text",
	"varchar":                     "text",
	"character varying":           "text",
	"int":                         "integer",
	"int4":                        "integer",
	"serial":                      "integer",
	"bigserial":                   "bigint",
	"int8":                        "bigint",
	"float":                       "double precision",
	"float8":                      "double precision",
	"bool":                        "boolean",
	"id":                          "uuid",
	"datetime":                    "timestamp with time zone",
	"timestamptz":                 "timestamp with time zone",
	"timestamp without time zone": "timestamp",
	"json":                        "jsonb",
}

// NormalizeType folds the GraphQL-flavored and PostgreSQL-flavored spellings
// of one type into a single canonical form.
func NormalizeType(t string) string {
	normalized := strings.ToLower(strings.TrimSpace(t))

	// Strip a parameterized length: varchar(255) compares as varchar.
	if idx := strings.Index(normalized, "("); idx > 0 {
		normalized = strings.TrimSpace(normalized[:idx])
	}

	if canonical, ok := typeAliases[normalized]; ok {
		return canonical
	}

	return normalized
}
