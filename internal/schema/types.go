// Package schema infers column types from observed values and grows
// physical tables to fit the records submitted to them.
//
// Evolution is strictly additive: a column, once created, is never
// renamed, retyped, widened or dropped.
package schema

import (
	"fmt"
	"sort"

	"github.com/xtwoend/bga-dse/internal/value"
)

// =============================================================================
// Column Types
// =============================================================================

// ColumnType is the logical type of a data column.
type ColumnType uint8

const (
	TypeString ColumnType = iota
	TypeInteger64
	TypeInteger32
	TypeFloat
	TypeBoolean
	TypeJSON
	TypeText
	TypeLongText
	TypeDate
	TypeDateTime
)

var columnTypeNames = map[ColumnType]string{
	TypeString:    "string",
	TypeInteger64: "integer64",
	TypeInteger32: "integer32",
	TypeFloat:     "float",
	TypeBoolean:   "boolean",
	TypeJSON:      "json",
	TypeText:      "text",
	TypeLongText:  "longText",
	TypeDate:      "date",
	TypeDateTime:  "datetime",
}

// String returns the logical type name.
func (t ColumnType) String() string {
	if name, ok := columnTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("ColumnType(%d)", uint8(t))
}

// IsNumeric reports whether values are stored as numbers.
func (t ColumnType) IsNumeric() bool {
	switch t {
	case TypeInteger64, TypeInteger32, TypeFloat, TypeBoolean:
		return true
	}
	return false
}

// IsTemporal reports whether values are stored as dates or timestamps.
func (t ColumnType) IsTemporal() bool {
	return t == TypeDate || t == TypeDateTime
}

// ColumnSpec describes one data column.
type ColumnSpec struct {
	Name     string
	Type     ColumnType
	Width    int    // declared width, TypeString only
	Nullable bool   // always true for inferred columns
	SQLType  string // physical type as reported by the database, if known
}

// =============================================================================
// Table Schema
// =============================================================================

// PrimaryKeyKind selects the surrogate key type.
type PrimaryKeyKind uint8

const (
	AutoIncrement64 PrimaryKeyKind = iota
	AutoIncrement32
)

// String returns the key kind name used in configuration.
func (k PrimaryKeyKind) String() string {
	if k == AutoIncrement32 {
		return "increments"
	}
	return "bigIncrements"
}

// ParsePrimaryKeyKind maps a configuration value to a key kind.
func ParsePrimaryKeyKind(s string) (PrimaryKeyKind, error) {
	switch s {
	case "", "bigIncrements", "bigint", "int64", "auto64":
		return AutoIncrement64, nil
	case "increments", "int", "int32", "auto32":
		return AutoIncrement32, nil
	default:
		return AutoIncrement64, fmt.Errorf("unknown primary key kind %q", s)
	}
}

// PrimaryKey names the surrogate key column.
type PrimaryKey struct {
	Name string
	Kind PrimaryKeyKind
}

// TableSchema is the known shape of a physical table.
type TableSchema struct {
	Name          string
	PrimaryKey    PrimaryKey
	Columns       []ColumnSpec // data columns in first-seen order
	HasTimestamps bool
}

// Column returns the data column with the given name.
func (s *TableSchema) Column(name string) (ColumnSpec, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSpec{}, false
}

// ColumnNames returns data column names in order.
func (s *TableSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

func (s *TableSchema) clone() *TableSchema {
	out := *s
	out.Columns = append([]ColumnSpec(nil), s.Columns...)
	return &out
}

// Timestamp column names written when Options.Timestamps is set.
const (
	CreatedAtColumn = "created_at"
	UpdatedAtColumn = "updated_at"
)

// =============================================================================
// Options
// =============================================================================

// Options controls table creation and row insertion.
type Options struct {
	// Timestamps adds created_at/updated_at and stamps them on insert.
	Timestamps bool

	// PrimaryKeyKind selects a 32- or 64-bit auto-increment key.
	PrimaryKeyKind PrimaryKeyKind

	// PrimaryKeyName names the key column. Empty means "id".
	PrimaryKeyName string
}

// DefaultOptions returns timestamps on, 64-bit key named "id".
func DefaultOptions() Options {
	return Options{
		Timestamps:     true,
		PrimaryKeyKind: AutoIncrement64,
		PrimaryKeyName: "id",
	}
}

func (o Options) withDefaults() Options {
	if o.PrimaryKeyName == "" {
		o.PrimaryKeyName = "id"
	}
	return o
}

// =============================================================================
// Records
// =============================================================================

// Field is one key/value pair of a record.
type Field struct {
	Name  string
	Value value.Value
}

// Record is an ordered set of fields. Order decides column order when a
// table is created from it.
type Record []Field

// RecordFromMap builds a record with keys in lexical order.
func RecordFromMap(m map[string]value.Value) Record {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rec := make(Record, 0, len(keys))
	for _, k := range keys {
		rec = append(rec, Field{Name: k, Value: m[k]})
	}
	return rec
}

// Get returns the value of the first field with the given raw name.
func (r Record) Get(name string) (value.Value, bool) {
	for _, f := range r {
		if f.Name == name {
			return f.Value, true
		}
	}
	return value.Null(), false
}

// Map returns the record as a map; later duplicates win.
func (r Record) Map() map[string]value.Value {
	m := make(map[string]value.Value, len(r))
	for _, f := range r {
		m[f.Name] = f.Value
	}
	return m
}

// Outcome reports what EnsureTable did.
type Outcome uint8

const (
	Unchanged Outcome = iota
	Created
	Evolved
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Evolved:
		return "evolved"
	default:
		return "unchanged"
	}
}
