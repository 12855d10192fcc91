// Package reconcile maps extracted table headers onto schema columns when
// plain string matching cannot.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrProvider = errors.New("header reconciler failed")
	ErrTimeout  = errors.New("header reconciler timed out")
)

// Reconciler proposes a mapping from candidate headers to schema columns.
// Candidates missing from the result are unresolved. No two candidates may
// map to the same column.
type Reconciler interface {
	Name() string
	Reconcile(ctx context.Context, candidates, columns []string) (map[string]string, error)
}

func classify(ctx context.Context, name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, name, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s: %w", name, context.Canceled)
	}
	return fmt.Errorf("%w: %s: %w", ErrProvider, name, err)
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Normalize lowercases s and collapses every run of non-alphanumerics to a
// single space.
func Normalize(s string) string {
	return strings.TrimSpace(nonAlnum.ReplaceAllString(strings.ToLower(s), " "))
}

// invert turns a column → candidate proposal into candidate → column,
// keeping only names that exist on both sides and the first claim on each.
func invert(proposal map[string]*string, candidates, columns []string) map[string]string {
	candIdx := make(map[string]string, len(candidates))
	for _, c := range candidates {
		candIdx[strings.ToLower(strings.TrimSpace(c))] = c
	}

	out := make(map[string]string)
	taken := make(map[string]bool)
	for _, col := range columns {
		var picked *string
		for k, v := range proposal {
			if strings.EqualFold(strings.TrimSpace(k), col) {
				picked = v
				break
			}
		}
		if picked == nil {
			continue
		}
		cand, ok := candIdx[strings.ToLower(strings.TrimSpace(*picked))]
		if !ok || taken[cand] {
			continue
		}
		taken[cand] = true
		out[cand] = col
	}
	return out
}
