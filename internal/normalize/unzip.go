package normalize

import (
	"strings"
)

// unzip splits a row whose cells hold several line-separated values into
// one row per value. The row count comes from a "No."-style column when it
// has several values, otherwise from the most common split count. Cells with
// a single value repeat on every row; cells with too many values spill the
// remainder into the last row.
func unzip(headers []string, row []string, conf []float64) ([][]string, [][]float64) {
	parts := make([][]string, len(row))
	var counts []int
	for i, cell := range row {
		parts[i] = strings.Split(cell, "\n")
		if len(parts[i]) > 1 {
			counts = append(counts, len(parts[i]))
		}
	}
	if len(counts) == 0 {
		return [][]string{row}, [][]float64{conf}
	}

	target := 0
	for i, h := range headers {
		if i < len(parts) && isNumberColumn(h) && len(parts[i]) > 1 {
			target = len(parts[i])
			break
		}
	}
	if target == 0 {
		target = mode(counts)
	}

	rows := make([][]string, target)
	confs := make([][]float64, target)
	for r := 0; r < target; r++ {
		rows[r] = make([]string, len(row))
		confs[r] = conf
		for c, p := range parts {
			switch {
			case len(p) == 1:
				rows[r][c] = p[0]
			case len(p) == target:
				rows[r][c] = p[r]
			case len(p) > target:
				if r < target-1 {
					rows[r][c] = p[r]
				} else {
					rows[r][c] = strings.Join(p[r:], " ")
				}
			default:
				if r < len(p) {
					rows[r][c] = p[r]
				}
			}
		}
	}
	return rows, confs
}

func isNumberColumn(h string) bool {
	switch strings.TrimSpace(strings.ReplaceAll(strings.ToUpper(h), ".", "")) {
	case "NO", "NR", "#":
		return true
	}
	return false
}

// mode returns the most frequent value, the earliest seen on ties
func mode(values []int) int {
	freq := make(map[int]int)
	best, bestN := 0, 0
	for _, v := range values {
		freq[v]++
	}
	for _, v := range values {
		if freq[v] > bestN {
			best, bestN = v, freq[v]
		}
	}
	return best
}
