package mmodel

// ColumnSnapshot is one column's declared shape inside a schema snapshot.
type ColumnSnapshot struct {
	Type        string   `json:"type"`
	Nullable    bool     `json:"nullable"`
	IsList      bool     `json:"isList,omitempty"`
	Virtual     bool     `json:"virtual,omitempty"`
	Default     string   `json:"default,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
	Directives  []string `json:"directives,omitempty"`
}

// TableSnapshot is one table's columns inside a schema snapshot.
type TableSnapshot struct {
	Columns map[string]ColumnSnapshot `json:"columns"`
}

// SnapshotMetadata stamps when and from which schema version a snapshot was
// taken.
type SnapshotMetadata struct {
	TimestampNs int64  `json:"timestampNs"`
	Version     string `json:"version"`
}

// SchemaSnapshot is a serializable capture of the declarative schema, used
// as checksum input and as both sides of a differential comparison.
type SchemaSnapshot struct {
	Schema   map[string]TableSnapshot `json:"schema"`
	Metadata SnapshotMetadata         `json:"metadata"`
}

// Tables returns the snapshot's table names, unsorted.
func (s *SchemaSnapshot) Tables() []string {
	out := make([]string, 0, len(s.Schema))
	for name := range s.Schema {
		out = append(out, name)
	}

	return out
}
