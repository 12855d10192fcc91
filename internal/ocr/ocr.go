// Package ocr defines the boundary to optical character recognition
// providers: an image plus column hints goes in, raw text or table markup
// comes out. Provider implementations live in subpackages.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrTimeout         = errors.New("ocr timed out")
	ErrProvider        = errors.New("ocr provider failed")
	ErrUnreadableImage = errors.New("unreadable image")
	ErrInvalidImage    = errors.New("invalid image")
)

// DefaultMaxImageBytes bounds an uploaded image
const DefaultMaxImageBytes = 50 << 20

// Format hints which table shape a provider emitted
type Format string

const (
	FormatUnknown   Format = ""
	FormatHTML      Format = "html"
	FormatMarkdown  Format = "markdown"
	FormatDelimited Format = "delimited"
	FormatKeyValue  Format = "key_value"
)

// Image is one uploaded capture
type Image struct {
	Data        []byte
	ContentType string
	// Hints are the schema column names, in order. Providers may use them
	// to steer recognition; none may rely on them.
	Hints []string
}

// Raw is a provider's unnormalized output
type Raw struct {
	Provider string `json:"provider"`
	Content  string `json:"content"`
	Format   Format `json:"format,omitempty"`
	// Confidence, when reported, is indexed like the rows and cells of the
	// first table in Content, header row included.
	Confidence [][]float64 `json:"confidence,omitempty"`
}

// Provider is an OCR capability
type Provider interface {
	Name() string
	Extract(ctx context.Context, img Image) (*Raw, error)
	// Warmup probes the provider once; a nil error means it can serve.
	Warmup(ctx context.Context) error
	Close() error
}

var supportedTypes = map[string]bool{
	"image/jpeg":      true,
	"image/jpg":       true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"image/bmp":       true,
	"image/tiff":      true,
	"image/heic":      true,
	"image/heif":      true,
	"application/pdf": true,
}

// ContentType resolves the media type of an upload, sniffing the data when
// the declared type is missing or generic.
func ContentType(declared string, data []byte) string {
	ct := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "" || ct == "application/octet-stream" {
		if isHEIC(data) {
			return "image/heic"
		}
		ct = http.DetectContentType(data)
		if i := strings.IndexByte(ct, ';'); i >= 0 {
			ct = ct[:i]
		}
	}
	return ct
}

// Validate rejects images no provider should be asked to read
func Validate(img Image, maxBytes int64) error {
	if len(img.Data) == 0 {
		return fmt.Errorf("%w: image is empty", ErrInvalidImage)
	}
	if maxBytes > 0 && int64(len(img.Data)) > maxBytes {
		return fmt.Errorf("%w: image is %d bytes, limit is %d", ErrInvalidImage, len(img.Data), maxBytes)
	}
	if !supportedTypes[img.ContentType] {
		return fmt.Errorf("%w: unsupported content type %q", ErrInvalidImage, img.ContentType)
	}
	return nil
}

// isHEIC checks the ISO BMFF ftyp brand
func isHEIC(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "hevc", "hevx", "mif1", "msf1":
		return true
	}
	return false
}

// Classify wraps a provider failure in the matching sentinel. Parent
// cancellation is passed through unwrapped so callers can tell it apart
// from a deadline.
func Classify(ctx context.Context, provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrProvider) || errors.Is(err, ErrUnreadableImage) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, provider, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s: %w", provider, context.Canceled)
	}
	return fmt.Errorf("%w: %s: %w", ErrProvider, provider, err)
}
