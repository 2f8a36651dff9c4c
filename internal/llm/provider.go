package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNoProvider is returned when no provider is registered or none is available.
var ErrNoProvider = errors.New("llm: no provider available")

// ErrEmptyResponse is returned when a provider answers without any text.
var ErrEmptyResponse = errors.New("llm: empty response")

// Request describes a single structured-output generation call.
type Request struct {
	Model             string
	SystemInstruction string
	Prompt            string
	// Schema is an OpenAPI-style object the response must conform to.
	Schema map[string]any
}

// Response is the raw text returned by a provider.
type Response struct {
	Text         string
	FinishReason string
}

// Provider generates JSON documents from natural-language prompts.
type Provider interface {
	Name() string
	IsAvailable() bool
	GenerateJSON(ctx context.Context, req Request) (*Response, error)
}

// ProviderType names a registered provider implementation.
type ProviderType string

const (
	ProviderGemini ProviderType = "gemini"
)

// Config selects and configures the default provider.
type Config struct {
	DefaultProvider ProviderType
	APIKey          string
	Model           string
	BaseURL         string
	Options         []GeminiOption
}

// Manager routes generation requests to the configured provider.
type Manager struct {
	providers map[ProviderType]Provider
	def       ProviderType
}

// NewManager builds a manager. Providers without credentials are not registered, so
// Available reports false and callers can take their offline path.
func NewManager(cfg Config) *Manager {
	m := &Manager{providers: make(map[ProviderType]Provider), def: cfg.DefaultProvider}
	if m.def == "" {
		m.def = ProviderGemini
	}
	if strings.TrimSpace(cfg.APIKey) != "" {
		switch m.def {
		case ProviderGemini:
			m.providers[ProviderGemini] = NewGeminiProvider(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Options...)
		}
	}
	return m
}

// AddProvider registers or replaces a provider.
func (m *Manager) AddProvider(pt ProviderType, p Provider) {
	m.providers[pt] = p
}

// Default returns the default provider if it is registered and available.
func (m *Manager) Default() (Provider, error) {
	if m == nil {
		return nil, ErrNoProvider
	}
	p, ok := m.providers[m.def]
	if !ok || !p.IsAvailable() {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, m.def)
	}
	return p, nil
}

// Available reports whether the default provider can be called.
func (m *Manager) Available() bool {
	_, err := m.Default()
	return err == nil
}

// GenerateJSON sends req to the default provider.
func (m *Manager) GenerateJSON(ctx context.Context, req Request) (*Response, error) {
	p, err := m.Default()
	if err != nil {
		return nil, err
	}
	return p.GenerateJSON(ctx, req)
}
