package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// maxResponseSize limits the response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// ClientConfig configures the HTTP capability client. The endpoint is any
// OpenAI-compatible API (chat completions + embeddings), which keeps the
// client free of vendor-specific semantics.
type ClientConfig struct {
	// BaseURL is the API root, e.g. "http://localhost:11434/v1".
	BaseURL string

	// APIKey is sent as a bearer token when non-empty.
	APIKey string

	// ExtractionModel handles concept extraction and image description.
	ExtractionModel string

	// EmbeddingModel produces vectors.
	EmbeddingModel string

	// EmbeddingDim is the output dimension of EmbeddingModel.
	EmbeddingDim int

	// Temperature for extraction calls. Zero is deterministic.
	Temperature float64
}

// Client implements Extractor, Embedder, and VisionExtractor against an
// OpenAI-compatible endpoint, with retry on transient failures.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	retry      RetryPolicy
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(client *Client) {
		client.retry = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient creates a capability client.
func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	c := &Client{
		cfg:   cfg,
		retry: DefaultRetryPolicy(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for slow model responses
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dim reports the configured embedding dimension.
func (c *Client) Dim() int {
	return c.cfg.EmbeddingDim
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Extract runs the extraction prompt over one chunk of text.
func (c *Client) Extract(ctx context.Context, text string, gc GraphContext) (*Extraction, error) {
	req := chatRequest{
		Model: c.cfg.ExtractionModel,
		Messages: []chatMessage{
			{Role: "system", Content: extractionSystemPrompt},
			{Role: "user", Content: buildExtractionPrompt(text, gc)},
		},
		Temperature: c.cfg.Temperature,
	}

	var out *Extraction
	err := Retry(ctx, c.retry, func(ctx context.Context) error {
		resp, err := c.chat(ctx, req)
		if err != nil {
			return err
		}
		parsed, err := parseExtraction(resp.content)
		if err != nil {
			// Malformed output is worth one more attempt; models are flaky
			return NewTransientError(err)
		}
		parsed.Tokens = resp.tokens
		out = parsed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	return out, nil
}

// Describe converts an image into a prose description via the chat endpoint
// using a data-URL image part.
func (c *Client) Describe(ctx context.Context, image []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "image/png"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(image))

	req := chatRequest{
		Model: c.cfg.ExtractionModel,
		Messages: []chatMessage{
			{Role: "user", Content: []map[string]any{
				{"type": "text", "text": describePrompt},
				{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
			}},
		},
		Temperature: c.cfg.Temperature,
	}

	var out string
	err := Retry(ctx, c.retry, func(ctx context.Context) error {
		resp, err := c.chat(ctx, req)
		if err != nil {
			return err
		}
		out = strings.TrimSpace(resp.content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("describe image: %w", err)
	}
	return out, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed produces a vector for the given text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{
		Model: c.cfg.EmbeddingModel,
		Input: []string{text},
	})
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("marshal embedding request: %w", err))
	}

	var vec []float32
	err = Retry(ctx, c.retry, func(ctx context.Context) error {
		respBody, err := c.post(ctx, "/embeddings", body)
		if err != nil {
			return err
		}
		var parsed embeddingResponse
		if err := json.Unmarshal(respBody, &parsed); err != nil {
			return NewTransientError(fmt.Errorf("parse embedding response: %w", err))
		}
		if len(parsed.Data) == 0 {
			return NewTransientError(fmt.Errorf("embedding response contained no data"))
		}
		got := parsed.Data[0].Embedding
		if c.cfg.EmbeddingDim > 0 && len(got) != c.cfg.EmbeddingDim {
			return NewFatalError(fmt.Errorf("embedding dim %d does not match configured %d", len(got), c.cfg.EmbeddingDim))
		}
		vec = got
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return vec, nil
}

type chatResult struct {
	content string
	tokens  int
}

// chat executes one chat-completion request.
func (c *Client) chat(ctx context.Context, req chatRequest) (*chatResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("marshal chat request: %w", err))
	}

	respBody, err := c.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, NewTransientError(fmt.Errorf("parse chat response: %w", err))
	}
	if len(parsed.Choices) == 0 {
		return nil, NewTransientError(fmt.Errorf("chat response contained no choices"))
	}

	return &chatResult{
		content: parsed.Choices[0].Message.Content,
		tokens:  parsed.Usage.TotalTokens,
	}, nil
}

// post executes a single HTTP POST against the configured endpoint and
// classifies failures as transient or fatal.
func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + path

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	c.logger.Debug("Sending capability request", "url", url, "bytes", len(body))

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Network errors are transient
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}
	return respBody, nil
}

// parseExtraction decodes the extraction JSON out of a model response.
func parseExtraction(content string) (*Extraction, error) {
	raw := ExtractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in extraction response")
	}

	var out Extraction
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode extraction JSON: %w", err)
	}
	return &out, nil
}
