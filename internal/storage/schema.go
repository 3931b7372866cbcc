// Table specs live here so the schema catalog and every backend can import them
// without import cycles.
package storage

import (
	"fmt"
	"strings"
)

// ColumnType is a backend-neutral column type. Each backend maps it to its
// own DDL type.
type ColumnType string

const (
	TypeText   ColumnType = "text"
	TypeInt    ColumnType = "int"
	TypeBigInt ColumnType = "bigint"
	TypeFloat  ColumnType = "float"
)

// ConflictPolicy says what an insert does when the uniqueness key already exists.
type ConflictPolicy string

const (
	// ConflictSkip keeps the existing row (ON CONFLICT DO NOTHING).
	ConflictSkip ConflictPolicy = "skip"
	// ConflictMerge overwrites ConflictSpec.MergeColumns on the existing row.
	ConflictMerge ConflictPolicy = "merge"
	// ConflictNone always inserts. Tables using it have no uniqueness key.
	ConflictNone ConflictPolicy = "none"
)

type TableSpec struct {
	Name       string          `json:"name"`
	PrimaryKey *PrimaryKeySpec `json:"primary_key,omitempty"`
	Columns    []ColumnSpec    `json:"columns"`
	Key        []string        `json:"key,omitempty"`
	Conflict   ConflictSpec    `json:"conflict"`
}

// PrimaryKeySpec describes a system-generated surrogate key. The column is
// never part of Columns and is never written by the loader.
type PrimaryKeySpec struct {
	Name string `json:"name"`
	Type string `json:"type"` // serial | bigserial
}

type ColumnSpec struct {
	Name    string     `json:"name"`
	Type    ColumnType `json:"type"`
	NotNull bool       `json:"not_null,omitempty"`
}

type ConflictSpec struct {
	Policy       ConflictPolicy `json:"policy"`
	MergeColumns []string       `json:"merge_columns,omitempty"`
}

// ColumnNames returns the writable column names in declaration order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// IsKey reports whether col is part of the uniqueness key.
func (t TableSpec) IsKey(col string) bool {
	for _, k := range t.Key {
		if k == col {
			return true
		}
	}
	return false
}

// Validate checks that the spec is internally consistent.
//
// Rules:
//   - name and at least one column are required; column names are unique.
//   - skip and merge need a key made of declared columns.
//   - merge needs at least one merge column, declared and not part of the key.
//   - none must not declare a key (it would make inserts fail on duplicates).
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", t.Name)
	}

	cols := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return fmt.Errorf("table %s: column name is empty", t.Name)
		}
		if cols[name] {
			return fmt.Errorf("table %s: column %s declared twice", t.Name, name)
		}
		switch c.Type {
		case TypeText, TypeInt, TypeBigInt, TypeFloat:
		default:
			return fmt.Errorf("table %s: column %s: unsupported type %q", t.Name, name, c.Type)
		}
		cols[name] = true
	}
	if t.PrimaryKey != nil && cols[t.PrimaryKey.Name] {
		return fmt.Errorf("table %s: surrogate key %s must not be a writable column", t.Name, t.PrimaryKey.Name)
	}

	switch t.Conflict.Policy {
	case ConflictSkip, ConflictMerge:
		if len(t.Key) == 0 {
			return fmt.Errorf("table %s: conflict policy %s requires a key", t.Name, t.Conflict.Policy)
		}
		for _, k := range t.Key {
			if !cols[k] {
				return fmt.Errorf("table %s: key column %s is not declared", t.Name, k)
			}
		}
	case ConflictNone:
		if len(t.Key) > 0 {
			return fmt.Errorf("table %s: conflict policy none must not declare a key", t.Name)
		}
	default:
		return fmt.Errorf("table %s: unsupported conflict policy %q", t.Name, t.Conflict.Policy)
	}

	if t.Conflict.Policy == ConflictMerge {
		if len(t.Conflict.MergeColumns) == 0 {
			return fmt.Errorf("table %s: merge policy requires merge columns", t.Name)
		}
		for _, m := range t.Conflict.MergeColumns {
			if !cols[m] {
				return fmt.Errorf("table %s: merge column %s is not declared", t.Name, m)
			}
			if t.IsKey(m) {
				return fmt.Errorf("table %s: merge column %s is part of the key", t.Name, m)
			}
		}
	}
	return nil
}
