// Package table holds the row shapes shared by normalization, scoring,
// persistence and export.
package table

// Signal carries the per-field facts confidence scoring needs that cannot
// be recomputed from the value and schema alone.
type Signal struct {
	// OCR is the provider-reported confidence for the source cell, if any.
	OCR *float64 `json:"ocr,omitempty"`
	// Reconciled is set when the field's header was resolved by the
	// header reconciler rather than by exact or fuzzy matching.
	Reconciled bool `json:"reconciled,omitempty"`
}

// Row is one extracted register row
type Row struct {
	Position      int                `json:"position"`
	Fields        map[string]string  `json:"fields"`
	Signals       map[string]Signal  `json:"signals,omitempty"`
	Confidence    map[string]float64 `json:"confidence"`
	RowConfidence float64            `json:"rowConfidence"`
}

// Table is a set of rows under ordered headers
type Table struct {
	Headers []string `json:"headers"`
	Rows    []Row    `json:"rows"`
}

// Values returns each row's fields, the shape clients edit and send back.
func (t Table) Values() []map[string]string {
	out := make([]map[string]string, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r.Fields
	}
	return out
}
