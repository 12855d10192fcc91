package ocr

import (
	"sort"
	"strings"
)

// DefaultRowTolerance is the vertical distance, in pixels, within which two
// words belong to the same row.
const DefaultRowTolerance = 25

// Word is one recognized word with its top-left corner
type Word struct {
	Text       string
	X, Y       float64
	Confidence float64
}

// GroupRows buckets words into rows. A word joins the current row when its
// Y is within tolerance of the row's average Y. Rows come back top to
// bottom, words left to right.
func GroupRows(words []Word, tolerance float64) [][]Word {
	sorted := make([]Word, 0, len(words))
	for _, w := range words {
		if strings.TrimSpace(w.Text) != "" {
			sorted = append(sorted, w)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Y != sorted[j].Y {
			return sorted[i].Y < sorted[j].Y
		}
		return sorted[i].X < sorted[j].X
	})

	var rows [][]Word
	var current []Word
	var sumY float64
	for _, w := range sorted {
		if len(current) > 0 {
			avg := sumY / float64(len(current))
			if w.Y-avg > tolerance || avg-w.Y > tolerance {
				rows = append(rows, current)
				current, sumY = nil, 0
			}
		}
		current = append(current, w)
		sumY += w.Y
	}
	if len(current) > 0 {
		rows = append(rows, current)
	}

	for _, r := range rows {
		sort.SliceStable(r, func(i, j int) bool { return r[i].X < r[j].X })
	}
	return rows
}

// Grid lays grouped rows out as cells. The header row is the first row
// containing one of the first two hints or, for three or more hints, the
// first row with at least len(hints)-1 words. Its
// words define column zones split at the midpoints between them. Without a
// header each word is its own cell.
func Grid(rows [][]Word, hints []string) ([][]string, [][]float64) {
	header := findHeader(rows, hints)
	if header < 0 {
		cells := make([][]string, len(rows))
		conf := make([][]float64, len(rows))
		for i, r := range rows {
			for _, w := range r {
				cells[i] = append(cells[i], w.Text)
				conf[i] = append(conf[i], w.Confidence)
			}
		}
		return cells, conf
	}

	hdr := rows[header]
	bounds := make([]float64, 0, len(hdr)-1)
	for i := 1; i < len(hdr); i++ {
		bounds = append(bounds, (hdr[i-1].X+hdr[i].X)/2)
	}

	cells := make([][]string, len(rows))
	conf := make([][]float64, len(rows))
	for i, r := range rows {
		texts := make([][]string, len(hdr))
		sums := make([]float64, len(hdr))
		counts := make([]int, len(hdr))
		for _, w := range r {
			zone := sort.SearchFloat64s(bounds, w.X)
			texts[zone] = append(texts[zone], w.Text)
			sums[zone] += w.Confidence
			counts[zone]++
		}
		cells[i] = make([]string, len(hdr))
		conf[i] = make([]float64, len(hdr))
		for z := range hdr {
			cells[i][z] = strings.Join(texts[z], " ")
			if counts[z] > 0 {
				conf[i][z] = sums[z] / float64(counts[z])
			}
		}
	}
	return cells, conf
}

func findHeader(rows [][]Word, hints []string) int {
	if len(hints) == 0 {
		return -1
	}
	probe := hints
	if len(probe) > 2 {
		probe = probe[:2]
	}
	for i, r := range rows {
		if len(hints) > 2 && len(r) >= len(hints)-1 {
			return i
		}
		for _, w := range r {
			for _, h := range probe {
				if strings.EqualFold(strings.TrimSpace(w.Text), strings.TrimSpace(h)) {
					return i
				}
			}
		}
	}
	return -1
}

// Delimited renders cells as tab-separated lines
func Delimited(cells [][]string) string {
	clean := strings.NewReplacer("\t", " ", "\r", " ", "\n", " ")
	lines := make([]string, len(cells))
	for i, r := range cells {
		parts := make([]string, len(r))
		for j, c := range r {
			parts[j] = clean.Replace(c)
		}
		lines[i] = strings.Join(parts, "\t")
	}
	return strings.Join(lines, "\n")
}
