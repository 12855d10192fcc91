// Package confidence scores extracted fields and rows.
//
// Scores are a pure function of the row and the schema. A field starts at
// its OCR-reported confidence (1.0 when the provider reports none) and loses
// a fixed amount for each problem found; the result is clamped to [0, 1].
package confidence

import (
	"math"
	"strings"

	"github.com/zombor/irys/internal/schema"
	"github.com/zombor/irys/internal/table"
)

const (
	CoercionPenalty        = 0.4
	MissingRequiredPenalty = 0.5
	ReconciledPenalty      = 0.15
)

// Row score weights by column type
const (
	textWeight  = 1.0
	typedWeight = 1.5
)

// Field scores one value of column c
func Field(c schema.Column, value string, sig table.Signal) float64 {
	score := 1.0
	if sig.OCR != nil {
		score = *sig.OCR
	}

	value = strings.TrimSpace(value)
	if value == "" {
		if c.Required {
			score -= MissingRequiredPenalty
		}
	} else if !c.Conforms(value) {
		score -= CoercionPenalty
	}
	if sig.Reconciled {
		score -= ReconciledPenalty
	}
	return clamp(score)
}

// Score returns the confidence of every schema column of row
func Score(row table.Row, s *schema.Schema) map[string]float64 {
	scores := make(map[string]float64, len(s.Columns))
	for _, c := range s.Columns {
		scores[c.Name] = Field(c, row.Fields[c.Name], row.Signals[c.Name])
	}
	return scores
}

// RowScore is the weighted mean of the required columns' scores. A schema
// without required columns falls back to the populated columns; a row with
// nothing populated scores 0.
func RowScore(row table.Row, s *schema.Schema) float64 {
	cols := s.Required()
	if len(cols) == 0 {
		for _, c := range s.Columns {
			if strings.TrimSpace(row.Fields[c.Name]) != "" {
				cols = append(cols, c)
			}
		}
	}
	if len(cols) == 0 {
		return 0
	}

	var sum, weights float64
	for _, c := range cols {
		w := textWeight
		if c.Type != schema.TypeText {
			w = typedWeight
		}
		sum += w * Field(c, row.Fields[c.Name], row.Signals[c.Name])
		weights += w
	}
	return clamp(sum / weights)
}

// Apply fills in Confidence and RowConfidence on each row
func Apply(rows []table.Row, s *schema.Schema) {
	for i := range rows {
		rows[i].Confidence = Score(rows[i], s)
		rows[i].RowConfidence = RowScore(rows[i], s)
	}
}

func clamp(v float64) float64 {
	v = math.Round(v*1e4) / 1e4
	return math.Max(0, math.Min(1, v))
}
