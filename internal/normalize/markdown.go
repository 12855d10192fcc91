package normalize

import (
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"

	"github.com/zombor/irys/internal/ocr"
)

var (
	markdown = goldmark.New(goldmark.WithExtensions(extension.Table))
	brTag    = regexp.MustCompile(`(?i)^<br\s*/?>$`)
)

// parseMarkdown collects every GFM pipe table in content. Rows are padded
// or cut to the header width; <br> inside a cell becomes a line break.
func parseMarkdown(content string) []grid {
	if !strings.Contains(content, "|") {
		return nil
	}
	src := []byte(unfence(content))
	doc := markdown.Parser().Parse(text.NewReader(src))

	var (
		grids []grid
		cur   *grid
	)
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch n.(type) {
		case *east.Table:
			if entering {
				cur = &grid{format: ocr.FormatMarkdown}
				return ast.WalkContinue, nil
			}
			if cur != nil && len(cur.rows) > 0 {
				grids = append(grids, *cur)
			}
			cur = nil
		case *east.TableHeader, *east.TableRow:
			if entering && cur != nil {
				var row []string
				for c := n.FirstChild(); c != nil; c = c.NextSibling() {
					row = append(row, cleanCell(cellText(c, src)))
				}
				cur.rows = append(cur.rows, row)
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return grids
}

// cellText flattens the inline content of a table cell
func cellText(cell ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(cell, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := n.(type) {
		case *ast.Text:
			b.Write(util.UnescapePunctuations(n.Segment.Value(src)))
			if n.SoftLineBreak() || n.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(n.Value)
		case *ast.RawHTML:
			for i := 0; i < n.Segments.Len(); i++ {
				seg := n.Segments.At(i)
				if brTag.Match(seg.Value(src)) {
					b.WriteByte('\n')
				}
			}
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

// unfence drops code fence lines and the indentation of table lines, so
// tables a model wrapped in ``` or indented still parse as tables.
func unfence(content string) string {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	out := lines[:0]
	for _, l := range lines {
		trimmed := strings.TrimSpace(l)
		if strings.HasPrefix(trimmed, "```") {
			continue
		}
		if strings.Contains(trimmed, "|") {
			l = trimmed
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}
