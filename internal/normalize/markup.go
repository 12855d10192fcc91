package normalize

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/zombor/irys/internal/ocr"
)

// parseHTML collects every <table> in content. Line breaks inside cells are
// kept as "\n"; colspan repeats an empty cell.
func parseHTML(content string) []grid {
	if !strings.Contains(strings.ToLower(content), "<table") {
		return nil
	}

	var (
		grids  []grid
		stack  []*grid
		inCell bool
		span   int
		buf    strings.Builder
	)

	top := func() *grid {
		if len(stack) == 0 {
			return nil
		}
		return stack[len(stack)-1]
	}
	endCell := func() {
		t := top()
		if !inCell || t == nil {
			return
		}
		if len(t.rows) == 0 {
			t.rows = append(t.rows, nil)
		}
		last := len(t.rows) - 1
		t.rows[last] = append(t.rows[last], cleanCell(buf.String()))
		for i := 1; i < span; i++ {
			t.rows[last] = append(t.rows[last], "")
		}
		inCell = false
		buf.Reset()
	}

	z := html.NewTokenizer(strings.NewReader(content))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Table:
				endCell()
				stack = append(stack, &grid{format: ocr.FormatHTML})
			case atom.Tr:
				endCell()
				if t := top(); t != nil {
					t.rows = append(t.rows, nil)
				}
			case atom.Td, atom.Th:
				endCell()
				inCell = true
				span = 1
				for _, a := range tok.Attr {
					if a.Key == "colspan" {
						if n, err := strconv.Atoi(a.Val); err == nil && n > 1 && n < 64 {
							span = n
						}
					}
				}
			case atom.Br:
				if inCell {
					buf.WriteString("\n")
				}
			}
		case html.EndTagToken:
			tok := z.Token()
			switch tok.DataAtom {
			case atom.Td, atom.Th:
				endCell()
			case atom.P, atom.Div:
				if inCell {
					buf.WriteString("\n")
				}
			case atom.Table:
				endCell()
				if t := top(); t != nil {
					stack = stack[:len(stack)-1]
					var rows [][]string
					for _, r := range t.rows {
						if len(r) > 0 {
							rows = append(rows, r)
						}
					}
					if len(rows) > 0 {
						t.rows = rows
						grids = append(grids, *t)
					}
				}
			}
		case html.TextToken:
			if inCell {
				buf.WriteString(strings.NewReplacer("\r", " ", "\n", " ").Replace(string(z.Text())))
			}
		}
	}
	return grids
}
