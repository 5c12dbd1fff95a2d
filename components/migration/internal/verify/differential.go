package verify

import (
	"fmt"
	"sort"

	"github.com/flyingrobots/wesley/pkg/mmodel"
)

// Difference kinds reported by the differential validator.
const (
	DiffMissingTable         = "missing_table"
	DiffMissingField         = "missing_field"
	DiffExtraField           = "extra_field"
	DiffFieldTypeMismatch    = "field_type_mismatch"
	DiffNullabilityMismatch  = "nullability_mismatch"
	DiffListPropertyMismatch = "list_property_mismatch"
	DiffMissingDirective     = "missing_directive"
)

// Severity values, worst first.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Impact classes.
const (
	ImpactBreaking          = "breaking"
	ImpactDataLossRisk      = "data_loss_risk"
	ImpactDataIntegrityRisk = "data_integrity_risk"
	ImpactCosmetic          = "cosmetic"
)

// Repair actions suggested per difference.
const (
	ActionCreateTable = "create_table"
	ActionAddColumn   = "add_column"
	ActionDropColumn  = "drop_column"
	ActionAlterType   = "alter_type"
	ActionSetNullable = "set_nullable"
	ActionAddDirective = "add_directive"
)

// TypeMode selects how types are compared.
type TypeMode string

// Type comparison modes.
const (
	TypeStrict     TypeMode = "strict"
	TypeCompatible TypeMode = "compatible"
)

// Difference is one piece of drift between expected and observed schema.
type Difference struct {
	Kind        string `json:"kind"`
	Table       string `json:"table"`
	Field       string `json:"field,omitempty"`
	Expected    string `json:"expected,omitempty"`
	Observed    string `json:"observed,omitempty"`
	Severity    string `json:"severity"`
	Impact      string `json:"impact"`
	Repair      string `json:"repair"`
	Description string `json:"description"`
}

// DriftReport is the differential validation output.
type DriftReport struct {
	Differences []Difference `json:"differences"`
	Summary     map[string]int `json:"summary"`
	InSync      bool           `json:"inSync"`
}

// DifferentialConfig tunes the comparison.
type DifferentialConfig struct {
	TypeMode TypeMode
	Strict   bool
}

// CompareSchemas compares the expected schema against the observed one and
// categorizes the drift. Virtual (relation-only) fields are ignored.
func CompareSchemas(expected, observed *mmodel.SchemaSnapshot, cfg DifferentialConfig) DriftReport {
	if cfg.TypeMode == "" {
		cfg.TypeMode = TypeCompatible
	}

	report := DriftReport{Summary: map[string]int{}}

	add := func(d Difference) {
		report.Differences = append(report.Differences, d)
		report.Summary[d.Kind]++
	}

	for _, table := range sortedTableNames(expected.Schema) {
		expectedTable := expected.Schema[table]

		observedTable, ok := observed.Schema[table]
		if !ok {
			add(Difference{
				Kind:        DiffMissingTable,
				Table:       table,
				Severity:    SeverityCritical,
				Impact:      ImpactBreaking,
				Repair:      ActionCreateTable,
				Description: fmt.Sprintf("table %s is declared but absent from the database", table),
			})

			continue
		}

		compareTable(table, expectedTable, observedTable, cfg, add)
	}

	report.InSync = len(report.Differences) == 0

	sort.SliceStable(report.Differences, func(i, j int) bool {
		return severityRank(report.Differences[i].Severity) < severityRank(report.Differences[j].Severity)
	})

	return report
}

func compareTable(table string, expected, observed mmodel.TableSnapshot, cfg DifferentialConfig, add func(Difference)) {
	for _, field := range sortedColumnNames(expected) {
		expectedCol := expected.Columns[field]
		if expectedCol.Virtual {
			continue
		}

		observedCol, ok := observed.Columns[field]
		if !ok {
			add(Difference{
				Kind:        DiffMissingField,
				Table:       table,
				Field:       field,
				Expected:    expectedCol.Type,
				Severity:    SeverityHigh,
				Impact:      ImpactBreaking,
				Repair:      ActionAddColumn,
				Description: fmt.Sprintf("column %s.%s is declared but missing", table, field),
			})

			continue
		}

		if !typesMatch(expectedCol.Type, observedCol.Type, cfg.TypeMode) {
			add(Difference{
				Kind:        DiffFieldTypeMismatch,
				Table:       table,
				Field:       field,
				Expected:    expectedCol.Type,
				Observed:    observedCol.Type,
				Severity:    SeverityHigh,
				Impact:      ImpactDataLossRisk,
				Repair:      ActionAlterType,
				Description: fmt.Sprintf("column %s.%s has type %s, expected %s", table, field, observedCol.Type, expectedCol.Type),
			})
		}

		if expectedCol.Nullable != observedCol.Nullable {
			add(Difference{
				Kind:        DiffNullabilityMismatch,
				Table:       table,
				Field:       field,
				Expected:    fmt.Sprintf("nullable=%t", expectedCol.Nullable),
				Observed:    fmt.Sprintf("nullable=%t", observedCol.Nullable),
				Severity:    SeverityMedium,
				Impact:      ImpactDataIntegrityRisk,
				Repair:      ActionSetNullable,
				Description: fmt.Sprintf("column %s.%s nullability differs", table, field),
			})
		}

		if expectedCol.IsList != observedCol.IsList {
			add(Difference{
				Kind:        DiffListPropertyMismatch,
				Table:       table,
				Field:       field,
				Severity:    SeverityHigh,
				Impact:      ImpactBreaking,
				Repair:      ActionAlterType,
				Description: fmt.Sprintf("column %s.%s array property differs", table, field),
			})
		}

		for _, directive := range expectedCol.Directives {
			if !contains(observedCol.Directives, directive) {
				add(Difference{
					Kind:        DiffMissingDirective,
					Table:       table,
					Field:       field,
					Expected:    directive,
					Severity:    SeverityLow,
					Impact:      ImpactCosmetic,
					Repair:      ActionAddDirective,
					Description: fmt.Sprintf("column %s.%s is missing directive %s", table, field, directive),
				})
			}
		}
	}

	// Columns present in the database but not declared. Strict mode treats
	// them as worth acting on; lenient mode keeps them informational.
	extraSeverity := SeverityLow
	if cfg.Strict {
		extraSeverity = SeverityMedium
	}

	for _, field := range sortedColumnNames(observed) {
		if _, ok := expected.Columns[field]; ok {
			continue
		}

		add(Difference{
			Kind:        DiffExtraField,
			Table:       table,
			Field:       field,
			Observed:    observed.Columns[field].Type,
			Severity:    extraSeverity,
			Impact:      ImpactCosmetic,
			Repair:      ActionDropColumn,
			Description: fmt.Sprintf("column %s.%s exists but is not declared", table, field),
		})
	}
}

func typesMatch(expected, observed string, mode TypeMode) bool {
	if mode == TypeStrict {
		return expected == observed
	}

	return NormalizeType(expected) == NormalizeType(observed)
}

func severityRank(s string) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	default:
		return 3
	}
}

func contains(list []string, want string) bool {
	for _, item := range list {
		if item == want {
			return true
		}
	}

	return false
}
