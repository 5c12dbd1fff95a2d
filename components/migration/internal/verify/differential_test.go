package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flyingrobots/wesley/pkg/mmodel"
)

func expectedSchema() *mmodel.SchemaSnapshot {
	return &mmodel.SchemaSnapshot{
		Schema: map[string]mmodel.TableSnapshot{
			"users": {
				Columns: map[string]mmodel.ColumnSnapshot{
					"id":    {Type: "uuid", Nullable: false},
					"email": {Type: "String", Nullable: false},
					"posts": {Type: "Post", Virtual: true},
				},
			},
		},
	}
}

func observedSchema() *mmodel.SchemaSnapshot {
	return &mmodel.SchemaSnapshot{
		Schema: map[string]mmodel.TableSnapshot{
			"users": {
				Columns: map[string]mmodel.ColumnSnapshot{
					"id":    {Type: "uuid", Nullable: false},
					"email": {Type: "text", Nullable: false},
				},
			},
		},
	}
}

func TestCompareSchemas_InSync(t *testing.T) {
	report := CompareSchemas(expectedSchema(), observedSchema(), DifferentialConfig{})

	assert.True(t, report.InSync)
	assert.Empty(t, report.Differences)
}

func TestCompareSchemas_VirtualFieldsIgnored(t *testing.T) {
	// "posts" is a relation-only field; its absence in the database is not
	// drift.
	report := CompareSchemas(expectedSchema(), observedSchema(), DifferentialConfig{})

	for _, d := range report.Differences {
		assert.NotEqual(t, "posts", d.Field)
	}
}

func TestCompareSchemas_MissingTable(t *testing.T) {
	observed := &mmodel.SchemaSnapshot{Schema: map[string]mmodel.TableSnapshot{}}

	report := CompareSchemas(expectedSchema(), observed, DifferentialConfig{})

	require.Len(t, report.Differences, 1)
	d := report.Differences[0]
	assert.Equal(t, DiffMissingTable, d.Kind)
	assert.Equal(t, "users", d.Table)
	assert.Equal(t, SeverityCritical, d.Severity)
	assert.Equal(t, ImpactBreaking, d.Impact)
	assert.Equal(t, ActionCreateTable, d.Repair)
}

func TestCompareSchemas_MissingField(t *testing.T) {
	observed := observedSchema()
	users := observed.Schema["users"]
	delete(users.Columns, "email")
	observed.Schema["users"] = users

	report := CompareSchemas(expectedSchema(), observed, DifferentialConfig{})

	require.Len(t, report.Differences, 1)
	assert.Equal(t, DiffMissingField, report.Differences[0].Kind)
	assert.Equal(t, "email", report.Differences[0].Field)
	assert.Equal(t, ActionAddColumn, report.Differences[0].Repair)
}

func TestCompareSchemas_TypeCompatibilityModes(t *testing.T) {
	t.Run("compatible mode folds aliases", func(t *testing.T) {
		report := CompareSchemas(expectedSchema(), observedSchema(), DifferentialConfig{TypeMode: TypeCompatible})
		assert.True(t, report.InSync, "String and text are the same type in compatible mode")
	})

	t.Run("strict mode requires exact spelling", func(t *testing.T) {
		report := CompareSchemas(expectedSchema(), observedSchema(), DifferentialConfig{TypeMode: TypeStrict})

		found := false

		for _, d := range report.Differences {
			if d.Kind == DiffFieldTypeMismatch && d.Field == "email" {
				found = true
			}
		}

		assert.True(t, found)
	})
}

func TestCompareSchemas_TypeMismatch(t *testing.T) {
	observed := observedSchema()
	users := observed.Schema["users"]
	users.Columns["email"] = mmodel.ColumnSnapshot{Type: "integer", Nullable: false}
	observed.Schema["users"] = users

	report := CompareSchemas(expectedSchema(), observed, DifferentialConfig{})

	require.Len(t, report.Differences, 1)
	d := report.Differences[0]
	assert.Equal(t, DiffFieldTypeMismatch, d.Kind)
	assert.Equal(t, ImpactDataLossRisk, d.Impact)
	assert.Equal(t, ActionAlterType, d.Repair)
}

func TestCompareSchemas_NullabilityMismatch(t *testing.T) {
	observed := observedSchema()
	users := observed.Schema["users"]
	users.Columns["email"] = mmodel.ColumnSnapshot{Type: "text", Nullable: true}
	observed.Schema["users"] = users

	report := CompareSchemas(expectedSchema(), observed, DifferentialConfig{})

	require.Len(t, report.Differences, 1)
	assert.Equal(t, DiffNullabilityMismatch, report.Differences[0].Kind)
	assert.Equal(t, ImpactDataIntegrityRisk, report.Differences[0].Impact)
}

func TestCompareSchemas_ListPropertyMismatch(t *testing.T) {
	expected := expectedSchema()
	users := expected.Schema["users"]
	users.Columns["tags"] = mmodel.ColumnSnapshot{Type: "text", IsList: true}
	expected.Schema["users"] = users

	observed := observedSchema()
	obs := observed.Schema["users"]
	obs.Columns["tags"] = mmodel.ColumnSnapshot{Type: "text", IsList: false}
	observed.Schema["users"] = obs

	report := CompareSchemas(expected, observed, DifferentialConfig{})

	require.Len(t, report.Differences, 1)
	assert.Equal(t, DiffListPropertyMismatch, report.Differences[0].Kind)
}

func TestCompareSchemas_MissingDirective(t *testing.T) {
	expected := expectedSchema()
	users := expected.Schema["users"]
	users.Columns["email"] = mmodel.ColumnSnapshot{Type: "text", Directives: []string{"@unique"}}
	expected.Schema["users"] = users

	observed := observedSchema()
	obs := observed.Schema["users"]
	obs.Columns["email"] = mmodel.ColumnSnapshot{Type: "text"}
	observed.Schema["users"] = obs

	report := CompareSchemas(expected, observed, DifferentialConfig{})

	found := false

	for _, d := range report.Differences {
		if d.Kind == DiffMissingDirective {
			found = true

			assert.Equal(t, SeverityLow, d.Severity)
			assert.Equal(t, "@unique", d.Expected)
		}
	}

	assert.True(t, found)
}

func TestCompareSchemas_ExtraFieldSeverityByMode(t *testing.T) {
	observed := observedSchema()
	users := observed.Schema["users"]
	users.Columns["legacy"] = mmodel.ColumnSnapshot{Type: "text"}
	observed.Schema["users"] = users

	t.Run("lenient keeps extra fields low", func(t *testing.T) {
		report := CompareSchemas(expectedSchema(), observed, DifferentialConfig{Strict: false})

		require.Len(t, report.Differences, 1)
		assert.Equal(t, DiffExtraField, report.Differences[0].Kind)
		assert.Equal(t, SeverityLow, report.Differences[0].Severity)
	})

	t.Run("strict escalates to medium", func(t *testing.T) {
		report := CompareSchemas(expectedSchema(), observed, DifferentialConfig{Strict: true})

		require.Len(t, report.Differences, 1)
		assert.Equal(t, SeverityMedium, report.Differences[0].Severity)
	})
}

func TestCompareSchemas_SortedBySeverity(t *testing.T) {
	expected := expectedSchema()
	expected.Schema["orders"] = mmodel.TableSnapshot{
		Columns: map[string]mmodel.ColumnSnapshot{"id": {Type: "uuid"}},
	}

	observed := observedSchema()
	users := observed.Schema["users"]
	users.Columns["legacy"] = mmodel.ColumnSnapshot{Type: "text"}
	observed.Schema["users"] = users

	report := CompareSchemas(expected, observed, DifferentialConfig{})

	require.Len(t, report.Differences, 2)
	assert.Equal(t, DiffMissingTable, report.Differences[0].Kind, "critical drift sorts first")
	assert.Equal(t, DiffExtraField, report.Differences[1].Kind)
	assert.Equal(t, 1, report.Summary[DiffMissingTable])
	assert.Equal(t, 1, report.Summary[DiffExtraField])
}
