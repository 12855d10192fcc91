package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/zombor/irys/internal/ocr"
)

const (
	DefaultGLMURL   = "https://api.z.ai/api/paas/v4/layout_parsing"
	DefaultGLMModel = "glm-ocr"
)

// GLM implements ocr.Provider using the Z.AI GLM-OCR layout parsing API.
// The API answers with arbitrary JSON; every string in it that looks like
// a markdown or HTML table is kept.
type GLM struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

// NewGLM creates a new GLM provider
func NewGLM(url, apiKey, modelName string) (*GLM, error) {
	apiKey = strings.Join(strings.Fields(apiKey), "")
	if apiKey == "" {
		return nil, fmt.Errorf("glm api key is required")
	}
	if url == "" {
		url = DefaultGLMURL
	}
	if modelName == "" {
		modelName = DefaultGLMModel
	}
	return &GLM{
		url:    url,
		apiKey: apiKey,
		model:  modelName,
		client: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

type glmRequest struct {
	Model string `json:"model"`
	File  string `json:"file"`
}

func (g *GLM) Name() string {
	return "glm"
}

func (g *GLM) Extract(ctx context.Context, img ocr.Image) (*ocr.Raw, error) {
	mimeType := img.ContentType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	dataURI := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(img.Data))

	jsonData, err := json.Marshal(glmRequest{Model: g.model, File: dataURI})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, ocr.Classify(ctx, g.Name(), fmt.Errorf("calling glm API: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, ocr.Classify(ctx, g.Name(), fmt.Errorf("glm API error (status %d): %s", resp.StatusCode, string(body)))
	}

	var data any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, ocr.Classify(ctx, g.Name(), fmt.Errorf("decoding response: %w", err))
	}

	var tables []string
	collectTables(data, &tables)

	return &ocr.Raw{Provider: g.Name(), Content: strings.Join(tables, "\n\n")}, nil
}

// collectTables walks decoded JSON in document order
func collectTables(node any, out *[]string) {
	switch v := node.(type) {
	case string:
		if (strings.Contains(v, "|") && strings.Contains(v, "\n")) || strings.Contains(strings.ToLower(v), "<table") {
			*out = append(*out, v)
		}
	case []any:
		for _, item := range v {
			collectTables(item, out)
		}
	case map[string]any:
		for _, k := range slices.Sorted(maps.Keys(v)) {
			collectTables(v[k], out)
		}
	}
}

// Warmup validates configuration; the API has no cheap probe.
func (g *GLM) Warmup(ctx context.Context) error {
	if g.apiKey == "" {
		return fmt.Errorf("glm api key is required")
	}
	return nil
}

func (g *GLM) Close() error {
	return nil
}
