package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ollama reconciles headers with a local Ollama model
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
}

// NewOllama creates a new Ollama reconciler
func NewOllama(baseURL string, modelName string) *Ollama {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llama3.1"
	}
	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   string        `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Message chatMessage `json:"message"`
}

func (o *Ollama) Name() string {
	return "ollama"
}

func (o *Ollama) Reconcile(ctx context.Context, candidates, columns []string) (map[string]string, error) {
	reqBody := ollamaChatRequest{
		Model:    o.model,
		Stream:   false,
		Format:   "json",
		Messages: []chatMessage{{Role: "user", Content: mappingPrompt(candidates, columns)}},
	}

	var chatResp ollamaChatResponse
	if err := postJSON(ctx, o.client, o.baseURL+"/api/chat", nil, reqBody, &chatResp); err != nil {
		return nil, classify(ctx, o.Name(), err)
	}

	proposal, err := parseMapping(chatResp.Message.Content)
	if err != nil {
		return nil, classify(ctx, o.Name(), fmt.Errorf("parsing mapping: %w", err))
	}
	return invert(proposal, candidates, columns), nil
}

// OpenRouter reconciles headers through an OpenAI-compatible chat
// completions endpoint.
type OpenRouter struct {
	url    string
	apiKey string
	model  string
	client *http.Client
}

// NewOpenRouter creates a chat completions reconciler. An empty url uses
// the public OpenRouter endpoint.
func NewOpenRouter(url, apiKey, modelName string) (*OpenRouter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openrouter api key is required")
	}
	if url == "" {
		url = "https://openrouter.ai/api/v1/chat/completions"
	}
	if modelName == "" {
		modelName = "stepfun/step-3.5-flash"
	}
	return &OpenRouter{
		url:    url,
		apiKey: apiKey,
		model:  modelName,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (o *OpenRouter) Name() string {
	return "openrouter"
}

func (o *OpenRouter) Reconcile(ctx context.Context, candidates, columns []string) (map[string]string, error) {
	reqBody := completionRequest{
		Model:       o.model,
		Messages:    []chatMessage{{Role: "user", Content: mappingPrompt(candidates, columns)}},
		Temperature: 0.1,
		MaxTokens:   500,
	}
	headers := map[string]string{"Authorization": "Bearer " + o.apiKey}

	var resp completionResponse
	if err := postJSON(ctx, o.client, o.url, headers, reqBody, &resp); err != nil {
		return nil, classify(ctx, o.Name(), err)
	}
	if len(resp.Choices) == 0 {
		return nil, classify(ctx, o.Name(), fmt.Errorf("no choices in response"))
	}

	proposal, err := parseMapping(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, classify(ctx, o.Name(), fmt.Errorf("parsing mapping: %w", err))
	}
	return invert(proposal, candidates, columns), nil
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
