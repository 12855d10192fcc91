// Package normalize turns raw OCR output into rows aligned to a register
// schema.
//
// Normalization recognizes delimited text, HTML tables, markdown pipe
// tables and key-value listings. Apart from the optional header reconciler
// it is a pure function of its input: the same raw output and schema always
// yield the same rows and warnings.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zombor/irys/internal/confidence"
	"github.com/zombor/irys/internal/ocr"
	"github.com/zombor/irys/internal/reconcile"
	"github.com/zombor/irys/internal/schema"
	"github.com/zombor/irys/internal/table"
)

var ErrUnrecognizedFormat = errors.New("unrecognized OCR output format")

// DefaultReconcileTimeout bounds one reconciler call
const DefaultReconcileTimeout = 30 * time.Second

// Normalizer aligns raw OCR output with a schema
type Normalizer struct {
	// Reconciler resolves headers that exact and fuzzy matching miss. It is
	// consulted only when Escalate is set.
	Reconciler       reconcile.Reconciler
	Escalate         bool
	ReconcileTimeout time.Duration
}

// New returns a Normalizer that escalates to r when r is non-nil
func New(r reconcile.Reconciler, timeout time.Duration) *Normalizer {
	return &Normalizer{Reconciler: r, Escalate: r != nil, ReconcileTimeout: timeout}
}

// Result is a normalized table
type Result struct {
	Headers  []string    `json:"headers"`
	Rows     []table.Row `json:"rows"`
	Warnings []string    `json:"warnings"`
	Format   ocr.Format  `json:"format"`
	Matches  []Match     `json:"matches"`
}

// Table returns the rows under the schema headers
func (r *Result) Table() table.Table {
	return table.Table{Headers: r.Headers, Rows: r.Rows}
}

// Normalize parses raw, picks its best table and maps it onto s.
func (n *Normalizer) Normalize(ctx context.Context, raw *ocr.Raw, s *schema.Schema) (*Result, error) {
	if raw == nil {
		return nil, ErrUnrecognizedFormat
	}

	grids := detect(raw.Content, raw.Format, len(s.Columns) == 1)
	if len(grids) == 0 {
		return nil, ErrUnrecognizedFormat
	}
	if len(raw.Confidence) > 0 {
		grids[0].conf = raw.Confidence
	}
	g := grids[best(grids)]

	res := &Result{Headers: s.Names(), Format: g.format, Rows: []table.Row{}, Warnings: []string{}}
	warn := func(format string, args ...any) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
	}
	if len(grids) > 1 {
		warn("found %d tables; used the one with %d rows", len(grids), len(g.rows))
	}

	hdr := 0
	if !g.keyed {
		hdr = headerRow(g.rows, s)
		if hdr > 0 {
			warn("skipped %d row(s) above the header", hdr)
		}
	}
	rawHeaders := g.rows[hdr]

	bindings, matches, err := n.bindHeaders(ctx, rawHeaders, s)
	if err != nil {
		return nil, err
	}
	res.Matches = matches

	bound := make(map[string]bool)
	for i, b := range bindings {
		if b != nil {
			bound[b.column] = true
			continue
		}
		if rawHeaders[i] == "" {
			warn("column %d has no header and was dropped", i+1)
		} else {
			warn("column %q does not match any schema column and was dropped", rawHeaders[i])
		}
	}
	for _, c := range s.Columns {
		if !bound[c.Name] {
			warn("schema column %q was not found; values left empty", c.Name)
		}
	}

	var body [][]string
	var bodyConf [][]float64
	for i := hdr + 1; i < len(g.rows); i++ {
		var conf []float64
		if i < len(g.conf) {
			conf = g.conf[i]
		}
		rows, confs := unzip(rawHeaders, g.rows[i], conf)
		body = append(body, rows...)
		bodyConf = append(bodyConf, confs...)
	}

	echoes, blanks, extra := 0, 0, 0
	leading := true
	for i, cells := range body {
		if leading && isHeaderEcho(cells, rawHeaders, s) {
			echoes++
			continue
		}
		leading = false
		if blank(cells) {
			blanks++
			continue
		}
		if len(cells) > len(rawHeaders) {
			extra++
		}

		row := table.Row{
			Position: len(res.Rows),
			Fields:   make(map[string]string, len(s.Columns)),
			Signals:  make(map[string]table.Signal),
		}
		for _, c := range s.Columns {
			row.Fields[c.Name] = ""
		}
		for j, b := range bindings {
			if b == nil {
				continue
			}
			sig := table.Signal{Reconciled: b.source == SourceReconciled}
			if j < len(cells) {
				row.Fields[b.column] = cells[j]
				if j < len(bodyConf[i]) {
					v := bodyConf[i][j]
					sig.OCR = &v
				}
			}
			if sig.OCR != nil || sig.Reconciled {
				row.Signals[b.column] = sig
			}
		}
		res.Rows = append(res.Rows, row)
	}

	if echoes > 0 {
		warn("dropped %d repeated header row(s)", echoes)
	}
	if blanks > 0 {
		warn("dropped %d blank row(s)", blanks)
	}
	if extra > 0 {
		warn("%d row(s) had more cells than headers; extra cells were dropped", extra)
	}

	confidence.Apply(res.Rows, s)
	return res, nil
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
