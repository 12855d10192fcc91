package reconcile

import (
	"context"
	"strings"
)

// MinAliasScore is the lowest score the alias matcher accepts
const MinAliasScore = 25

var aliases = []struct {
	key   string
	words []string
}{
	{"name", []string{"name", "student", "attendee", "participant", "full name"}},
	{"id", []string{"id", "index", "student id", "matric", "number"}},
	{"contact", []string{"contact", "phone", "mobile", "tel", "telephone"}},
	{"level", []string{"level", "class", "year", "stage"}},
	{"course", []string{"course", "program", "programme", "major", "department"}},
}

// Alias is a deterministic local reconciler scoring headers by normalized
// equality, containment and shared alias words.
type Alias struct{}

func (Alias) Name() string {
	return "alias"
}

func (Alias) Reconcile(ctx context.Context, candidates, columns []string) (map[string]string, error) {
	out := make(map[string]string)
	taken := make(map[string]bool)
	for _, col := range columns {
		best, bestScore := "", 0
		for _, cand := range candidates {
			if taken[cand] || strings.TrimSpace(cand) == "" {
				continue
			}
			if s := aliasScore(col, cand); s > bestScore {
				best, bestScore = cand, s
			}
		}
		if bestScore >= MinAliasScore {
			taken[best] = true
			out[best] = col
		}
	}
	return out, nil
}

func aliasScore(column, candidate string) int {
	col, cand := Normalize(column), Normalize(candidate)
	if col == "" || cand == "" {
		return 0
	}

	score := 0
	if col == cand {
		score += 100
	}
	if strings.Contains(cand, col) || strings.Contains(col, cand) {
		score += 40
	}
	for _, group := range aliases {
		if !strings.Contains(col, group.key) {
			continue
		}
		for _, w := range group.words {
			if strings.Contains(cand, w) {
				score += 25
			}
		}
	}
	return score
}
