package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"google.golang.org/api/option"

	"github.com/zombor/irys/internal/ocr"
	"github.com/zombor/irys/internal/ocr/cache"
	"github.com/zombor/irys/internal/ocr/tesseract"
	"github.com/zombor/irys/internal/ocr/vision"
	"github.com/zombor/irys/internal/reconcile"
)

type providerConfig struct {
	Kind             string
	GeminiKey        string
	GeminiModel      string
	OllamaURL        string
	OllamaModel      string
	GLMURL           string
	GLMKey           string
	GLMModel         string
	DocAIProject     string
	DocAILocation    string
	DocAIProcessor   string
	DocAICredentials string
	TessLanguages    string
	FakeFile         string
	CachePath        string
	CacheMaxAge      time.Duration
}

// newProvider builds the configured OCR provider, wrapped in the result
// cache when a cache path is set
func newProvider(ctx context.Context, cfg providerConfig) (ocr.Provider, error) {
	var (
		provider ocr.Provider
		err      error
	)
	switch cfg.Kind {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := cfg.GeminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("gemini api key is required; set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini OCR...", "model", cfg.GeminiModel)
		provider, err = vision.NewGemini(apiKey, cfg.GeminiModel)
	case "ollama":
		slog.Info("Initializing Ollama OCR...", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		provider, err = vision.NewOllama(cfg.OllamaURL, cfg.OllamaModel)
	case "glm":
		slog.Info("Initializing GLM OCR...", "model", cfg.GLMModel)
		provider, err = vision.NewGLM(cfg.GLMURL, cfg.GLMKey, cfg.GLMModel)
	case "docai":
		slog.Info("Initializing Document AI OCR...", "project", cfg.DocAIProject, "processor", cfg.DocAIProcessor)
		var opts []option.ClientOption
		if cfg.DocAICredentials != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.DocAICredentials))
		}
		provider, err = vision.NewDocumentAI(ctx, vision.DocumentAIConfig{
			ProjectID:   cfg.DocAIProject,
			Location:    cfg.DocAILocation,
			ProcessorID: cfg.DocAIProcessor,
		}, opts...)
	case "tesseract":
		slog.Info("Initializing Tesseract OCR...", "languages", cfg.TessLanguages)
		provider = tesseract.New(splitList(cfg.TessLanguages), 0)
	case "fake":
		content := "Name\tID\n"
		if cfg.FakeFile != "" {
			data, rerr := os.ReadFile(cfg.FakeFile)
			if rerr != nil {
				return nil, fmt.Errorf("reading fake OCR file: %w", rerr)
			}
			content = string(data)
		}
		slog.Warn("Using fake OCR provider; every image reads as the same table")
		provider = ocr.NewStatic(content)
	default:
		return nil, fmt.Errorf("invalid ocr provider %q, want gemini, ollama, glm, docai, tesseract or fake", cfg.Kind)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CachePath == "" {
		return provider, nil
	}
	slog.Info("Enabling OCR cache...", "path", cfg.CachePath, "max_age", cfg.CacheMaxAge)
	cached, err := cache.Open(cfg.CachePath, provider, cfg.CacheMaxAge)
	if err != nil {
		provider.Close()
		return nil, fmt.Errorf("opening ocr cache: %w", err)
	}
	if cfg.CacheMaxAge > 0 {
		if n, err := cached.Purge(cfg.CacheMaxAge); err != nil {
			slog.Warn("Failed to purge OCR cache", "error", err)
		} else if n > 0 {
			slog.Info("Purged OCR cache", "entries", n)
		}
	}
	return cached, nil
}

type reconcilerConfig struct {
	Kind          string
	Model         string
	GeminiKey     string
	GeminiModel   string
	OllamaURL     string
	OllamaModel   string
	OpenRouterURL string
	OpenRouterKey string
}

// newReconciler builds the configured header reconciler. A nil reconciler
// leaves unresolved headers unmatched.
func newReconciler(cfg reconcilerConfig) (reconcile.Reconciler, func(), error) {
	noop := func() {}
	model := func(fallback string) string {
		if cfg.Model != "" {
			return cfg.Model
		}
		return fallback
	}

	switch cfg.Kind {
	case "none", "":
		return nil, noop, nil
	case "alias":
		return reconcile.Alias{}, noop, nil
	case "gemini":
		apiKey := cfg.GeminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		r, err := reconcile.NewGemini(apiKey, model(""))
		if err != nil {
			return nil, noop, err
		}
		return r, func() {
			if err := r.Close(); err != nil {
				slog.Warn("Error closing reconciler", "error", err)
			}
		}, nil
	case "ollama":
		return reconcile.NewOllama(cfg.OllamaURL, model(cfg.OllamaModel)), noop, nil
	case "openrouter":
		r, err := reconcile.NewOpenRouter(cfg.OpenRouterURL, cfg.OpenRouterKey, model(""))
		if err != nil {
			return nil, noop, err
		}
		return r, noop, nil
	default:
		return nil, noop, fmt.Errorf("invalid reconciler %q, want none, alias, gemini, ollama or openrouter", cfg.Kind)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
