// Package schema models the column definitions of a register.
//
// A Schema is immutable once a session references it. Column names are
// matched case-insensitively everywhere rows are checked against it.
package schema

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ColumnType is the declared type of a register column
type ColumnType string

const (
	TypeText   ColumnType = "text"
	TypeNumber ColumnType = "number"
	TypeDate   ColumnType = "date"
)

// MetaKey is the bookkeeping key a client may attach to a row. It is never
// treated as a column.
const MetaKey = "__meta"

var ErrInvalidSchema = errors.New("invalid schema")

// Column is one named, typed column of a register
type Column struct {
	Name     string     `json:"name"`
	Type     ColumnType `json:"type"`
	Required bool       `json:"required"`
}

// Schema is an ordered set of columns, optionally bound to an event name.
// An empty EventName marks an ad-hoc schema built from extraction columns.
type Schema struct {
	ID        string    `json:"id"`
	EventName string    `json:"eventName,omitempty"`
	Columns   []Column  `json:"columns"`
	CreatedAt time.Time `json:"createdAt"`
}

// New validates columns and returns a schema without an ID.
func New(eventName string, columns []Column) (*Schema, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("%w: at least one column is required", ErrInvalidSchema)
	}

	seen := make(map[string]bool, len(columns))
	out := make([]Column, 0, len(columns))
	for i, c := range columns {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: column %d has no name", ErrInvalidSchema, i)
		}
		if name == MetaKey {
			return nil, fmt.Errorf("%w: %q is reserved", ErrInvalidSchema, MetaKey)
		}
		key := strings.ToLower(name)
		if seen[key] {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrInvalidSchema, name)
		}
		seen[key] = true

		typ := c.Type
		if typ == "" {
			typ = TypeText
		}
		switch typ {
		case TypeText, TypeNumber, TypeDate:
		default:
			return nil, fmt.Errorf("%w: column %q has unknown type %q", ErrInvalidSchema, name, c.Type)
		}
		out = append(out, Column{Name: name, Type: typ, Required: c.Required})
	}

	return &Schema{EventName: strings.TrimSpace(eventName), Columns: out}, nil
}

// TextColumns builds optional text columns from bare names, the shape
// extraction requests carry.
func TextColumns(names []string) []Column {
	cols := make([]Column, 0, len(names))
	for _, n := range names {
		cols = append(cols, Column{Name: n, Type: TypeText})
	}
	return cols
}

// Names returns the column names in schema order
func (s *Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Lookup finds a column by case-insensitive name
func (s *Schema) Lookup(name string) (Column, bool) {
	name = strings.TrimSpace(name)
	for _, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// Required returns the required columns in schema order
func (s *Schema) Required() []Column {
	var req []Column
	for _, c := range s.Columns {
		if c.Required {
			req = append(req, c)
		}
	}
	return req
}

// SameNames reports whether names lists the schema's columns in order,
// ignoring case and surrounding whitespace.
func (s *Schema) SameNames(names []string) bool {
	if len(names) != len(s.Columns) {
		return false
	}
	for i, n := range names {
		if !strings.EqualFold(strings.TrimSpace(n), s.Columns[i].Name) {
			return false
		}
	}
	return true
}

// Conforms reports whether a non-empty value parses as the column type.
// Empty values always conform; requiredness is checked separately.
func (c Column) Conforms(value string) bool {
	value = strings.TrimSpace(value)
	if value == "" {
		return true
	}
	switch c.Type {
	case TypeNumber:
		_, ok := ParseNumber(value)
		return ok
	case TypeDate:
		_, ok := ParseDate(value)
		return ok
	default:
		return true
	}
}

// ParseNumber accepts plain and grouped numbers with an optional currency
// sign or trailing percent.
func ParseNumber(value string) (float64, bool) {
	v := strings.TrimSpace(value)
	v = strings.TrimPrefix(v, "$")
	v = strings.TrimSuffix(v, "%")
	v = strings.NewReplacer(",", "", " ", "").Replace(v)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"1/2/06",
	"02-01-2006",
	"02.01.2006",
	"2 Jan 2006",
	"02 Jan 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 January 2006",
	time.RFC3339,
}

// ParseDate tries the date layouts registers are commonly written in
func ParseDate(value string) (time.Time, bool) {
	v := strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
