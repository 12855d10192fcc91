package vision

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"strings"

	documentai "google.golang.org/api/documentai/v1"
	"google.golang.org/api/option"

	"github.com/zombor/irys/internal/ocr"
)

// DocumentAI implements ocr.Provider using a Google Document AI form
// parser processor. Detected tables are rendered as HTML and carry the
// per-cell layout confidence.
type DocumentAI struct {
	svc  *documentai.Service
	name string
}

// DocumentAIConfig locates the processor
type DocumentAIConfig struct {
	ProjectID   string
	Location    string
	ProcessorID string
	// Endpoint overrides the regional endpoint
	Endpoint string
}

// NewDocumentAI creates a Document AI provider. Credentials come from opts
// or the environment's application default credentials.
func NewDocumentAI(ctx context.Context, cfg DocumentAIConfig, opts ...option.ClientOption) (*DocumentAI, error) {
	if cfg.ProjectID == "" || cfg.ProcessorID == "" {
		return nil, fmt.Errorf("document ai project id and processor id are required")
	}
	if cfg.Location == "" {
		cfg.Location = "us"
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s-documentai.googleapis.com/", cfg.Location)
	}

	svc, err := documentai.NewService(ctx, append([]option.ClientOption{option.WithEndpoint(endpoint)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating document ai client: %w", err)
	}

	return &DocumentAI{
		svc:  svc,
		name: fmt.Sprintf("projects/%s/locations/%s/processors/%s", cfg.ProjectID, cfg.Location, cfg.ProcessorID),
	}, nil
}

func (d *DocumentAI) Name() string {
	return "docai"
}

func (d *DocumentAI) Extract(ctx context.Context, img ocr.Image) (*ocr.Raw, error) {
	req := &documentai.GoogleCloudDocumentaiV1ProcessRequest{
		RawDocument: &documentai.GoogleCloudDocumentaiV1RawDocument{
			Content:  base64.StdEncoding.EncodeToString(img.Data),
			MimeType: img.ContentType,
		},
	}

	resp, err := d.svc.Projects.Locations.Processors.Process(d.name, req).Context(ctx).Do()
	if err != nil {
		return nil, ocr.Classify(ctx, d.Name(), fmt.Errorf("processing document: %w", err))
	}
	if resp.Document == nil {
		return nil, ocr.Classify(ctx, d.Name(), fmt.Errorf("no document in response"))
	}

	content, conf := renderTable(resp.Document)
	if content == "" {
		return &ocr.Raw{Provider: d.Name(), Content: resp.Document.Text}, nil
	}
	return &ocr.Raw{Provider: d.Name(), Content: content, Format: ocr.FormatHTML, Confidence: conf}, nil
}

// renderTable renders the document's largest table, by body rows then
// columns, as HTML along with its cell confidences. The client decodes an
// omitted confidence as 0, so a table with any such cell reports none.
func renderTable(doc *documentai.GoogleCloudDocumentaiV1Document) (string, [][]float64) {
	var best *documentai.GoogleCloudDocumentaiV1DocumentPageTable
	for _, page := range doc.Pages {
		for _, t := range page.Tables {
			if best == nil || len(t.BodyRows) > len(best.BodyRows) ||
				(len(t.BodyRows) == len(best.BodyRows) && tableWidth(t) > tableWidth(best)) {
				best = t
			}
		}
	}
	if best == nil {
		return "", nil
	}

	text := []rune(doc.Text)
	var b strings.Builder
	var conf [][]float64
	reported := true
	writeRows := func(rows []*documentai.GoogleCloudDocumentaiV1DocumentPageTableTableRow, tag string) {
		for _, row := range rows {
			b.WriteString("<tr>")
			var rowConf []float64
			for _, cell := range row.Cells {
				cellText, cellConf := cellContent(text, cell)
				if cellConf <= 0 {
					reported = false
				}
				span := cell.ColSpan
				if span < 1 {
					span = 1
				}
				if span > 1 {
					fmt.Fprintf(&b, `<%s colspan="%d">`, tag, span)
				} else {
					fmt.Fprintf(&b, "<%s>", tag)
				}
				b.WriteString(strings.ReplaceAll(html.EscapeString(cellText), "\n", "<br>"))
				fmt.Fprintf(&b, "</%s>", tag)
				for i := int64(0); i < span; i++ {
					rowConf = append(rowConf, cellConf)
				}
			}
			b.WriteString("</tr>\n")
			conf = append(conf, rowConf)
		}
	}

	b.WriteString("<table>\n")
	writeRows(best.HeaderRows, "th")
	writeRows(best.BodyRows, "td")
	b.WriteString("</table>")
	if !reported {
		return b.String(), nil
	}
	return b.String(), conf
}

func tableWidth(t *documentai.GoogleCloudDocumentaiV1DocumentPageTable) int {
	w := 0
	for _, rows := range [][]*documentai.GoogleCloudDocumentaiV1DocumentPageTableTableRow{t.HeaderRows, t.BodyRows} {
		for _, r := range rows {
			if len(r.Cells) > w {
				w = len(r.Cells)
			}
		}
	}
	return w
}

// cellContent resolves a cell's text anchor against the document text
func cellContent(text []rune, cell *documentai.GoogleCloudDocumentaiV1DocumentPageTableTableCell) (string, float64) {
	if cell.Layout == nil {
		return "", 0
	}
	var b strings.Builder
	if cell.Layout.TextAnchor != nil {
		for _, seg := range cell.Layout.TextAnchor.TextSegments {
			start, end := seg.StartIndex, seg.EndIndex
			if start < 0 || end > int64(len(text)) || start >= end {
				continue
			}
			b.WriteString(string(text[start:end]))
		}
	}
	return strings.TrimSpace(b.String()), cell.Layout.Confidence
}

// Warmup fetches the processor definition
func (d *DocumentAI) Warmup(ctx context.Context) error {
	if _, err := d.svc.Projects.Locations.Processors.Get(d.name).Context(ctx).Do(); err != nil {
		return fmt.Errorf("fetching document ai processor: %w", err)
	}
	return nil
}

func (d *DocumentAI) Close() error {
	return nil
}
