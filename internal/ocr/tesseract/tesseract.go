// Package tesseract runs OCR locally with Tesseract through gosseract.
// Word boxes are grouped into rows and laid out under the header's column
// zones, then emitted as tab-separated text.
package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/zombor/irys/internal/ocr"
	"github.com/zombor/irys/internal/ocr/imaging"
)

// Provider implements ocr.Provider with a local Tesseract install
type Provider struct {
	languages []string
	tolerance float64
}

// New returns a provider for the given Tesseract language codes
func New(languages []string, rowTolerance float64) *Provider {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	if rowTolerance <= 0 {
		rowTolerance = ocr.DefaultRowTolerance
	}
	return &Provider{languages: languages, tolerance: rowTolerance}
}

func (p *Provider) Name() string {
	return "tesseract"
}

func (p *Provider) Extract(ctx context.Context, img ocr.Image) (*ocr.Raw, error) {
	pngData, err := imaging.ToPNG(img.Data, img.ContentType)
	if err != nil {
		return nil, err
	}

	type result struct {
		words []ocr.Word
		err   error
	}
	done := make(chan result, 1)
	go func() {
		words, err := p.recognize(pngData)
		done <- result{words, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, ocr.Classify(ctx, p.Name(), ctx.Err())
	case res = <-done:
	}
	if res.err != nil {
		return nil, ocr.Classify(ctx, p.Name(), res.err)
	}

	cells, conf := ocr.Grid(ocr.GroupRows(res.words, p.tolerance), img.Hints)
	return &ocr.Raw{
		Provider:   p.Name(),
		Content:    ocr.Delimited(cells),
		Format:     ocr.FormatDelimited,
		Confidence: conf,
	}, nil
}

func (p *Provider) recognize(pngData []byte) ([]ocr.Word, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(p.languages...); err != nil {
		return nil, fmt.Errorf("setting languages: %w", err)
	}
	if err := client.SetImageFromBytes(pngData); err != nil {
		return nil, fmt.Errorf("setting image: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("recognizing words: %w", err)
	}

	words := make([]ocr.Word, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" {
			continue
		}
		words = append(words, ocr.Word{
			Text:       text,
			X:          float64(b.Box.Min.X),
			Y:          float64(b.Box.Min.Y),
			Confidence: b.Confidence / 100,
		})
	}
	return words, nil
}

// Warmup checks that the Tesseract library loads
func (p *Provider) Warmup(ctx context.Context) error {
	if gosseract.Version() == "" {
		return fmt.Errorf("tesseract is not available")
	}
	return nil
}

func (p *Provider) Close() error {
	return nil
}
