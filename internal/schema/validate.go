package schema

import (
	"fmt"
	"sort"
	"strings"
)

// Violation describes one row-level problem found during validation
type Violation struct {
	Row    int    `json:"row"`
	Column string `json:"column"`
	Reason string `json:"reason"`
}

func (v Violation) String() string {
	return fmt.Sprintf("row %d, column %q: %s", v.Row, v.Column, v.Reason)
}

// Canonicalize maps client rows onto the schema. Keys are matched
// case-insensitively and returned under the schema's spelling; values are
// whitespace-trimmed; missing columns become "". The meta key is dropped.
// Unknown keys and keys naming a column already set in the row are reported
// as violations and left out of the result.
func (s *Schema) Canonicalize(rows []map[string]string) ([]map[string]string, []Violation) {
	var violations []Violation
	out := make([]map[string]string, len(rows))
	for i, row := range rows {
		canon := make(map[string]string, len(s.Columns))
		for _, c := range s.Columns {
			canon[c.Name] = ""
		}
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		seen := make(map[string]bool, len(row))
		for _, k := range keys {
			if k == MetaKey {
				continue
			}
			col, ok := s.Lookup(k)
			if !ok {
				violations = append(violations, Violation{Row: i, Column: k, Reason: "unknown column"})
				continue
			}
			if seen[col.Name] {
				violations = append(violations, Violation{Row: i, Column: col.Name, Reason: "duplicate column"})
				continue
			}
			seen[col.Name] = true
			canon[col.Name] = strings.TrimSpace(row[k])
		}
		out[i] = canon
	}
	return out, violations
}

// Validate checks canonical rows against required columns. Type coercion
// failures are not violations: values are kept as written.
func (s *Schema) Validate(rows []map[string]string) []Violation {
	var violations []Violation
	for i, row := range rows {
		for _, c := range s.Columns {
			if c.Required && strings.TrimSpace(row[c.Name]) == "" {
				violations = append(violations, Violation{Row: i, Column: c.Name, Reason: "required value is empty"})
			}
		}
	}
	return violations
}

// Cells returns each canonical row's values in schema column order
func (s *Schema) Cells(rows []map[string]string) [][]string {
	cells := make([][]string, len(rows))
	for i, row := range rows {
		r := make([]string, len(s.Columns))
		for j, c := range s.Columns {
			r[j] = row[c.Name]
		}
		cells[i] = r
	}
	return cells
}
