package normalize

import (
	"encoding/csv"
	"io"
	"regexp"
	"strings"

	"github.com/zombor/irys/internal/ocr"
)

// grid is one table found in raw output, header row not yet located
type grid struct {
	format ocr.Format
	rows   [][]string
	conf   [][]float64
	// keyed grids carry their header in row 0 by construction
	keyed bool
}

func (g grid) width() int {
	w := 0
	for _, r := range g.rows {
		if len(r) > w {
			w = len(r)
		}
	}
	return w
}

type parser func(content string) []grid

// detect runs the parsers in order, the hinted format first, and returns
// the tables of the first one that finds any.
func detect(content string, hint ocr.Format, singleColumn bool) []grid {
	ordered := []struct {
		format ocr.Format
		parse  parser
	}{
		{ocr.FormatHTML, parseHTML},
		{ocr.FormatMarkdown, parseMarkdown},
		{ocr.FormatDelimited, parseDelimited},
		{ocr.FormatKeyValue, parseKeyValue},
	}
	if hint != ocr.FormatUnknown {
		for i, p := range ordered {
			if p.format == hint && i > 0 {
				ordered[0], ordered[i] = ordered[i], ordered[0]
				break
			}
		}
	}

	for _, p := range ordered {
		if grids := p.parse(content); len(grids) > 0 {
			return grids
		}
	}
	if singleColumn {
		return parseLines(content)
	}
	return nil
}

// best picks the table with the most rows, then the widest; ties keep the
// earlier table.
func best(grids []grid) int {
	idx := 0
	for i := 1; i < len(grids); i++ {
		a, b := grids[i], grids[idx]
		if len(a.rows) > len(b.rows) || (len(a.rows) == len(b.rows) && a.width() > b.width()) {
			idx = i
		}
	}
	return idx
}

var delimiters = []rune{'\t', ';', ',', '|'}

func parseDelimited(content string) []grid {
	var lines []string
	for _, l := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 || keyValueListing(lines) {
		return nil
	}

	var delim rune
	for _, d := range delimiters {
		n := 0
		for _, l := range lines {
			if strings.ContainsRune(l, d) {
				n++
			}
		}
		if n > 0 && n*2 >= len(lines) {
			delim = d
			break
		}
	}
	if delim == 0 {
		return nil
	}

	if delim == '|' {
		for i, l := range lines {
			l = strings.TrimSpace(l)
			l = strings.TrimPrefix(l, "|")
			lines[i] = strings.TrimSuffix(l, "|")
		}
	}

	r := csv.NewReader(strings.NewReader(strings.Join(lines, "\n")))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = delim != '\t'

	g := grid{format: ocr.FormatDelimited}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil
		}
		row := make([]string, len(rec))
		for i, c := range rec {
			row[i] = cleanCell(c)
		}
		g.rows = append(g.rows, row)
	}
	if len(g.rows) == 0 {
		return nil
	}
	return []grid{g}
}

var kvLine = regexp.MustCompile(`^\s*([^:=\t]{1,64}?)\s*[:=]\s*(.*?)\s*$`)

// keyValueListing reports whether every line is "Key: Value" with a key free
// of delimiters. Commas in the values of such a listing are not columns.
func keyValueListing(lines []string) bool {
	if len(lines) < 2 {
		return false
	}
	for _, l := range lines {
		m := kvLine.FindStringSubmatch(l)
		if m == nil || strings.ContainsAny(m[1], ",;|") {
			return false
		}
	}
	return true
}

// parseKeyValue reads "Key: Value" lines. A blank line or a repeated key
// starts the next record.
func parseKeyValue(content string) []grid {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")

	nonEmpty, matched := 0, 0
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		nonEmpty++
		if kvLine.MatchString(l) {
			matched++
		}
	}
	if matched < 2 || matched*10 < nonEmpty*6 {
		return nil
	}

	var keys []string
	keyIdx := make(map[string]int)
	var records []map[int]string
	cur := make(map[int]string)
	flush := func() {
		if len(cur) > 0 {
			records = append(records, cur)
			cur = make(map[int]string)
		}
	}

	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			flush()
			continue
		}
		m := kvLine.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		key := strings.TrimSpace(m[1])
		lk := strings.ToLower(key)
		idx, ok := keyIdx[lk]
		if !ok {
			idx = len(keys)
			keyIdx[lk] = idx
			keys = append(keys, key)
		}
		if _, dup := cur[idx]; dup {
			flush()
		}
		cur[idx] = cleanCell(m[2])
	}
	flush()

	g := grid{format: ocr.FormatKeyValue, keyed: true, rows: [][]string{keys}}
	for _, rec := range records {
		row := make([]string, len(keys))
		for i := range keys {
			row[i] = rec[i]
		}
		g.rows = append(g.rows, row)
	}
	return []grid{g}
}

// parseLines treats each non-empty line as a one-cell row
func parseLines(content string) []grid {
	g := grid{format: ocr.FormatDelimited}
	for _, l := range strings.Split(content, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			g.rows = append(g.rows, []string{l})
		}
	}
	if len(g.rows) == 0 {
		return nil
	}
	return []grid{g}
}

// cleanCell collapses whitespace within each line of a cell and drops blank
// lines, keeping line breaks between the rest.
func cleanCell(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
