package crew

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Sentinel errors for generation backend failures.
var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInvalidResponse     = errors.New("ai provider returned invalid response")
)

// GenerateRequest is one prompt sent to the text generation capability.
type GenerateRequest struct {
	System      string
	Prompt      string
	Temperature float64
	JSON        bool
}

// Generation is the model output plus accounting.
type Generation struct {
	Text  string
	Model string
	Usage Usage
}

// Usage counts tokens consumed by one or more generations.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total is prompt plus completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{PromptTokens: u.PromptTokens + o.PromptTokens, CompletionTokens: u.CompletionTokens + o.CompletionTokens}
}

// Generator is the opaque "generate text given context" capability.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (Generation, error)
}

// HTTPGenerator talks to an OpenAI-compatible chat completions endpoint.
type HTTPGenerator struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPGenerator creates a generator. Per-call deadlines come from the context; timeout is an
// upper bound on the transport.
func NewHTTPGenerator(baseURL, apiKey, model string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, req GenerateRequest) (Generation, error) {
	body := chatRequest{Model: g.model, Temperature: req.Temperature}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.JSON {
		body.ResponseFormat = map[string]string{"type": "json_object"}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Generation{}, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return Generation{}, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Generation{}, ctx.Err()
		}
		return Generation{}, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Generation{}, fmt.Errorf("%w: status %d: %s", ErrProviderUnavailable, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Generation{}, fmt.Errorf("%w: decoding response: %v", ErrInvalidResponse, err)
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return Generation{}, fmt.Errorf("%w: empty completion", ErrInvalidResponse)
	}
	return Generation{Text: out.Choices[0].Message.Content, Model: out.Model, Usage: out.Usage}, nil
}

var _ Generator = (*HTTPGenerator)(nil)
