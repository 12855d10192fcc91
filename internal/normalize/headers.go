package normalize

import (
	"context"
	"fmt"
	"strings"

	"github.com/zombor/irys/internal/reconcile"
	"github.com/zombor/irys/internal/schema"
)

// Source records how a raw header was resolved
type Source string

const (
	SourceExact      Source = "exact"
	SourceFuzzy      Source = "fuzzy"
	SourceReconciled Source = "reconciled"
)

// Match binds a raw header to a schema column
type Match struct {
	Raw    string `json:"raw"`
	Column string `json:"column"`
	Source Source `json:"source"`
}

type binding struct {
	column string
	source Source
}

// directMatch resolves a header without the reconciler
func directMatch(raw string, s *schema.Schema) (schema.Column, Source, bool) {
	if c, ok := s.Lookup(raw); ok {
		return c, SourceExact, true
	}
	n := reconcile.Normalize(raw)
	if n == "" {
		return schema.Column{}, "", false
	}
	for _, c := range s.Columns {
		if reconcile.Normalize(c.Name) == n {
			return c, SourceFuzzy, true
		}
	}
	return schema.Column{}, "", false
}

// headerRow returns the index of the first row with a cell that matches a
// schema column directly, or 0 when none does.
func headerRow(rows [][]string, s *schema.Schema) int {
	for i, r := range rows {
		for _, cell := range r {
			if _, _, ok := directMatch(cell, s); ok {
				return i
			}
		}
	}
	return 0
}

// bindHeaders resolves raw headers to schema columns in three stages:
// case-insensitive exact, punctuation-insensitive, then the reconciler for
// whatever is left. Each schema column binds at most one raw header.
func (n *Normalizer) bindHeaders(ctx context.Context, raw []string, s *schema.Schema) ([]*binding, []Match, error) {
	bindings := make([]*binding, len(raw))
	taken := make(map[string]bool)

	for _, stage := range []Source{SourceExact, SourceFuzzy} {
		for i, h := range raw {
			if bindings[i] != nil {
				continue
			}
			c, src, ok := directMatch(h, s)
			if !ok || src != stage || taken[c.Name] {
				continue
			}
			taken[c.Name] = true
			bindings[i] = &binding{column: c.Name, source: src}
		}
	}

	if n.Reconciler != nil && n.Escalate {
		var candidates []string
		seen := make(map[string]bool)
		for i, h := range raw {
			if bindings[i] == nil && h != "" && !seen[h] {
				seen[h] = true
				candidates = append(candidates, h)
			}
		}
		var open []string
		for _, c := range s.Columns {
			if !taken[c.Name] {
				open = append(open, c.Name)
			}
		}

		if len(candidates) > 0 && len(open) > 0 {
			rctx := ctx
			if n.ReconcileTimeout > 0 {
				var cancel context.CancelFunc
				rctx, cancel = context.WithTimeout(ctx, n.ReconcileTimeout)
				defer cancel()
			}
			proposal, err := n.Reconciler.Reconcile(rctx, candidates, open)
			if err != nil {
				return nil, nil, fmt.Errorf("reconciling headers: %w", err)
			}
			for i, h := range raw {
				if bindings[i] != nil {
					continue
				}
				col, ok := proposal[h]
				if !ok {
					continue
				}
				c, known := s.Lookup(col)
				if !known || taken[c.Name] {
					continue
				}
				taken[c.Name] = true
				bindings[i] = &binding{column: c.Name, source: SourceReconciled}
			}
		}
	}

	var matches []Match
	for i, b := range bindings {
		if b != nil {
			matches = append(matches, Match{Raw: raw[i], Column: b.column, Source: b.source})
		}
	}
	return bindings, matches, nil
}

// isHeaderEcho reports whether every populated cell of row repeats a header
// or a schema column name.
func isHeaderEcho(row []string, raw []string, s *schema.Schema) bool {
	names := make(map[string]bool)
	for _, h := range raw {
		if n := reconcile.Normalize(h); n != "" {
			names[n] = true
		}
	}
	for _, c := range s.Columns {
		names[reconcile.Normalize(c.Name)] = true
	}

	populated := 0
	for _, cell := range row {
		if strings.TrimSpace(cell) == "" {
			continue
		}
		populated++
		if !names[reconcile.Normalize(cell)] {
			return false
		}
	}
	return populated > 0
}
