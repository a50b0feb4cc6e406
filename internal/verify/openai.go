package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/ppiankov/lineage/internal/model"
)

const (
	defaultOllamaURL = "http://localhost:11434/v1"
	maxDocumentChars = 24000
	maxCitationURLs  = 40
)

// OpenAI verifies documents with an OpenAI-compatible chat model. Ollama is
// served through its OpenAI-compatible endpoint.
type OpenAI struct {
	name      string
	client    *openai.Client
	model     string
	maxTokens int
	timeout   time.Duration
}

// NewOpenAI creates a verifier against the OpenAI API or cfg.BaseURL
func NewOpenAI(cfg model.VerifierConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, &model.ConfigError{Key: "verifier.api_key", Reason: "required for the openai verifier"}
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	m := cfg.Model
	if m == "" {
		m = openai.GPT4oMini
	}
	return newOpenAI("openai", clientCfg, m, cfg), nil
}

// NewOllama creates a verifier against a local Ollama server
func NewOllama(cfg model.VerifierConfig) (*OpenAI, error) {
	if cfg.Model == "" {
		return nil, &model.ConfigError{Key: "verifier.model", Reason: "required for the ollama verifier"}
	}
	key := cfg.APIKey
	if key == "" {
		key = "ollama"
	}
	clientCfg := openai.DefaultConfig(key)
	clientCfg.BaseURL = defaultOllamaURL
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return newOpenAI("ollama", clientCfg, cfg.Model, cfg), nil
}

func newOpenAI(name string, clientCfg openai.ClientConfig, m string, cfg model.VerifierConfig) *OpenAI {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1500
	}
	return &OpenAI{
		name:      name,
		client:    openai.NewClientWithConfig(clientCfg),
		model:     m,
		maxTokens: maxTokens,
		timeout:   timeout,
	}
}

// Name returns the provider name
func (v *OpenAI) Name() string { return v.name }

// Verify asks the model to confirm the proposed fields and report the rest
// of what the document states about the subject as JSON
func (v *OpenAI) Verify(ctx context.Context, in model.VerificationInput) (*model.VerificationOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	resp, err := v.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: v.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: BuildPrompt(in)},
		},
		MaxTokens:      v.maxTokens,
		Temperature:    0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, classify(in.URL, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &model.TransientFetchError{Op: "verify", URL: in.URL, Err: errors.New("no choices in response")}
	}
	return ParseOutput(resp.Choices[0].Message.Content)
}

// ParseOutput decodes a model reply into a VerificationOutput, tolerating a
// fenced code block around the JSON
func ParseOutput(content string) (*model.VerificationOutput, error) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	}
	var out model.VerificationOutput
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("decode verifier output: %w", err)
	}

	// A field the model returned without a confidence gets unstatedConfidence;
	// an explicit 0 is kept
	var stated struct {
		VerifiedFields []struct {
			Confidence *float64 `json:"confidence"`
		} `json:"verified_fields"`
	}
	if err := json.Unmarshal([]byte(content), &stated); err != nil {
		return nil, fmt.Errorf("decode verifier output: %w", err)
	}
	for i, f := range stated.VerifiedFields {
		if f.Confidence == nil && i < len(out.VerifiedFields) {
			out.VerifiedFields[i].Confidence = unstatedConfidence
		}
	}
	return &out, nil
}

// unstatedConfidence is assumed for a verified field without a confidence
const unstatedConfidence = 0.5

// classify marks rate limits, server errors, timeouts and network failures
// as transient so the item is retried
func classify(url string, err error) error {
	transient := errors.Is(err, context.DeadlineExceeded)

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	var netErr net.Error
	switch {
	case errors.As(err, &apiErr):
		transient = transient || retryableStatus(apiErr.HTTPStatusCode)
	case errors.As(err, &reqErr):
		transient = transient || retryableStatus(reqErr.HTTPStatusCode)
	case errors.As(err, &netErr):
		transient = true
	}
	if transient {
		return &model.TransientFetchError{Op: "verify", URL: url, Err: err}
	}
	return fmt.Errorf("verify %s: %w", url, err)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
