package main

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/irys/internal/httpapi"
	"github.com/zombor/irys/internal/normalize"
	"github.com/zombor/irys/internal/pipeline"
	"github.com/zombor/irys/internal/readiness"
	"github.com/zombor/irys/internal/store"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("irys")
	var (
		port             = fs.IntLong("port", 8080, "HTTP server port")
		dbDriver         = fs.StringLong("db-driver", "sqlite", "Database driver: 'postgres' or 'sqlite'")
		dbURL            = fs.StringLong("db-url", "irys.db", "Database URL (postgres) or file path (sqlite)")
		ocrProvider      = fs.StringLong("ocr-provider", "gemini", "OCR provider: 'gemini', 'ollama', 'glm', 'docai', 'tesseract' or 'fake'")
		geminiKey        = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel      = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		ollamaURL        = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel      = fs.StringLong("ollama-model", "qwen2.5vl", "Ollama vision model name")
		glmURL           = fs.StringLong("glm-url", "", "GLM layout parsing endpoint (defaults to the public API)")
		glmKey           = fs.StringLong("glm-key", "", "GLM API key")
		glmModel         = fs.StringLong("glm-model", "glm-ocr", "GLM model name")
		docaiProject     = fs.StringLong("docai-project", "", "Document AI project id")
		docaiLocation    = fs.StringLong("docai-location", "us", "Document AI location")
		docaiProcessor   = fs.StringLong("docai-processor", "", "Document AI processor id")
		docaiCredentials = fs.StringLong("docai-credentials", "", "Document AI service account JSON file (defaults to application credentials)")
		tessLanguages    = fs.StringLong("tesseract-languages", "eng", "Comma-separated Tesseract language codes")
		fakeOCRFile      = fs.StringLong("fake-ocr-file", "", "File whose contents the fake OCR provider returns")
		reconciler       = fs.StringLong("reconciler", "alias", "Header reconciler: 'none', 'alias', 'gemini', 'ollama' or 'openrouter'")
		reconcileModel   = fs.StringLong("reconcile-model", "", "Reconciler model name (defaults to the provider's model)")
		openrouterURL    = fs.StringLong("openrouter-url", "https://openrouter.ai/api/v1/chat/completions", "OpenRouter chat completions URL")
		openrouterKey    = fs.StringLong("openrouter-key", "", "OpenRouter API key")
		ocrTimeout       = fs.DurationLong("ocr-timeout", pipeline.DefaultOCRTimeout, "Maximum time for one OCR call")
		reconcileTimeout = fs.DurationLong("reconcile-timeout", normalize.DefaultReconcileTimeout, "Maximum time for one reconciler call")
		ocrCache         = fs.StringLong("ocr-cache", "", "BoltDB file caching OCR results by image hash (disabled when empty)")
		ocrCacheAge      = fs.DurationLong("ocr-cache-age", 24*time.Hour, "Maximum age of cached OCR results (0 keeps them forever)")
		maxUploadMB      = fs.IntLong("max-upload-mb", 10, "Maximum upload size in megabytes")
		logFormat        = fs.StringLong("log-format", "text", "Log format: 'text' or 'json'")
		logLevel         = fs.StringLong("log-level", "info", "Log level: 'debug', 'info', 'warn' or 'error'")
		showVersion      = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("IRYS"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	logger, err := newLogger(os.Stderr, *logFormat, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	slog.Info("Initializing database...", "driver", *dbDriver)
	db, err := store.Open(ctx, *dbDriver, *dbURL)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize OCR provider
	provider, err := newProvider(ctx, providerConfig{
		Kind:             *ocrProvider,
		GeminiKey:        *geminiKey,
		GeminiModel:      *geminiModel,
		OllamaURL:        *ollamaURL,
		OllamaModel:      *ollamaModel,
		GLMURL:           *glmURL,
		GLMKey:           *glmKey,
		GLMModel:         *glmModel,
		DocAIProject:     *docaiProject,
		DocAILocation:    *docaiLocation,
		DocAIProcessor:   *docaiProcessor,
		DocAICredentials: *docaiCredentials,
		TessLanguages:    *tessLanguages,
		FakeFile:         *fakeOCRFile,
		CachePath:        *ocrCache,
		CacheMaxAge:      *ocrCacheAge,
	})
	if err != nil {
		slog.Error("Failed to initialize OCR provider", "provider", *ocrProvider, "error", err)
		os.Exit(1)
	}
	defer provider.Close()

	// Initialize header reconciler
	rec, closeRec, err := newReconciler(reconcilerConfig{
		Kind:          *reconciler,
		Model:         *reconcileModel,
		GeminiKey:     *geminiKey,
		GeminiModel:   *geminiModel,
		OllamaURL:     *ollamaURL,
		OllamaModel:   *ollamaModel,
		OpenRouterURL: *openrouterURL,
		OpenRouterKey: *openrouterKey,
	})
	if err != nil {
		slog.Error("Failed to initialize reconciler", "reconciler", *reconciler, "error", err)
		os.Exit(1)
	}
	defer closeRec()

	// Warm the OCR engine up in the background; extraction is refused until it is ready
	gate := readiness.New()
	go func() {
		if err := gate.Run(ctx, provider.Warmup); err != nil && ctx.Err() == nil {
			slog.Error("OCR engine never became ready", "error", err)
		}
	}()

	maxUpload := int64(*maxUploadMB) << 20
	service := pipeline.NewService(db, provider, normalize.New(rec, *reconcileTimeout), gate, pipeline.Options{
		OCRTimeout:    *ocrTimeout,
		MaxImageBytes: maxUpload,
	})
	server := httpapi.NewServer(service, maxUpload)

	addr := fmt.Sprintf(":%d", *port)
	slog.Info("Server started",
		"address", fmt.Sprintf("http://localhost%s", addr),
		"version", version,
		"ocr_provider", provider.Name(),
		"reconciler", *reconciler,
	)
	if err := server.Start(ctx, addr); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	slog.Info("Shutting down...")
}

// newLogger builds the process logger from the log flags
func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q, want text or json", format)
	}
}
