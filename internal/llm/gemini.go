package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	defaultGeminiModel   = "gemini-2.5-flash"
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	defaultGeminiTimeout = 30 * time.Second
	generateContentPath  = "/v1beta/models/{model}:generateContent"
)

// GeminiProvider calls the Gemini generateContent REST endpoint.
type GeminiProvider struct {
	apiKey string
	model  string
	client *resty.Client
}

// GeminiOption customises a GeminiProvider.
type GeminiOption func(*GeminiProvider)

// WithTimeout bounds a single generation call.
func WithTimeout(d time.Duration) GeminiOption {
	return func(p *GeminiProvider) {
		if d > 0 {
			p.client.SetTimeout(d)
		}
	}
}

// NewGeminiProvider returns a provider for the given key. Empty model and baseURL fall
// back to defaults.
func NewGeminiProvider(apiKey, model, baseURL string, opts ...GeminiOption) *GeminiProvider {
	if strings.TrimSpace(model) == "" {
		model = defaultGeminiModel
	}
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultGeminiBaseURL
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(defaultGeminiTimeout).
		SetHeader("Content-Type", "application/json")
	p := &GeminiProvider{apiKey: strings.TrimSpace(apiKey), model: model, client: client}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *GeminiProvider) Name() string {
	return string(ProviderGemini)
}

func (p *GeminiProvider) IsAvailable() bool {
	return p.apiKey != ""
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  map[string]any  `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// GenerateJSON performs exactly one generateContent call.
func (p *GeminiProvider) GenerateJSON(ctx context.Context, req Request) (*Response, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	body := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}}},
		GenerationConfig: map[string]any{
			"responseMimeType": "application/json",
		},
	}
	if req.SystemInstruction != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemInstruction}}}
	}
	if req.Schema != nil {
		body.GenerationConfig["responseSchema"] = req.Schema
	}

	var result geminiResponse
	var apiErr geminiError
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("x-goog-api-key", p.apiKey).
		SetPathParam("model", model).
		SetBody(body).
		SetResult(&result).
		SetError(&apiErr).
		Post(generateContentPath)
	if err != nil {
		return nil, fmt.Errorf("gemini request: %w", err)
	}
	if resp.IsError() {
		msg := strings.TrimSpace(apiErr.Error.Message)
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return nil, fmt.Errorf("gemini API error: %s - %s", resp.Status(), msg)
	}
	if len(result.Candidates) == 0 {
		return nil, ErrEmptyResponse
	}
	var text strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	if strings.TrimSpace(text.String()) == "" {
		return nil, ErrEmptyResponse
	}
	return &Response{Text: text.String(), FinishReason: result.Candidates[0].FinishReason}, nil
}
