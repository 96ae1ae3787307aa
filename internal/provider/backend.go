// Package provider exposes a uniform gateway over interchangeable inference
// backends and handles backend selection and failover.
package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/inboxops/triage-engine/internal/resilience"
	"github.com/inboxops/triage-engine/pkg/anthropic"
	"github.com/inboxops/triage-engine/pkg/ollama"
)

// Request is a single inference request. Model optionally overrides the
// backend's default; backends serving a single fixed model ignore it.
type Request struct {
	Prompt      string
	System      string
	Model       string
	MaxTokens   int64
	Temperature *float64
}

// Generation is the result of one inference call.
type Generation struct {
	Text       string
	TokensUsed int64
	Latency    time.Duration
	Backend    string
	Model      string
}

// Backend is the contract every inference backend implements: given a prompt
// and options, return text and usage stats, or fail. Transient failures count
// toward the backend's circuit breaker; fatal ones do not.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Generation, error)
}

// Registry holds the configured backends by name.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend to the registry.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

// Get returns a backend by name, or nil if not registered.
func (r *Registry) Get(name string) Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[name]
}

// List returns all registered backend names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	return names
}

// anthropicBackend adapts the Anthropic client to the Backend contract.
type anthropicBackend struct {
	client anthropic.Client
	model  string
}

// NewAnthropicBackend wraps an Anthropic client as a networked backend.
func NewAnthropicBackend(client anthropic.Client, model string) Backend {
	return &anthropicBackend{client: client, model: model}
}

func (b *anthropicBackend) Name() string { return "anthropic" }

func (b *anthropicBackend) Generate(ctx context.Context, req Request) (*Generation, error) {
	start := time.Now()
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	mdl := b.model
	if req.Model != "" {
		mdl = req.Model
	}

	resp, err := b.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       mdl,
		MaxTokens:   maxTokens,
		System:      req.System,
		Messages:    []anthropic.Message{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	})
	if err != nil {
		return nil, classifyStatus(err, anthropic.StatusCode(err))
	}

	return &Generation{
		Text:       resp.Text,
		TokensUsed: resp.Usage.Total(),
		Latency:    time.Since(start),
		Backend:    b.Name(),
		Model:      resp.Model,
	}, nil
}

// ollamaBackend adapts the local Ollama client to the Backend contract.
type ollamaBackend struct {
	client ollama.Client
	model  string
}

// NewOllamaBackend wraps an Ollama client as the local low-latency backend.
func NewOllamaBackend(client ollama.Client, model string) Backend {
	return &ollamaBackend{client: client, model: model}
}

func (b *ollamaBackend) Name() string { return "ollama" }

func (b *ollamaBackend) Generate(ctx context.Context, req Request) (*Generation, error) {
	start := time.Now()

	var opts map[string]any
	if req.Temperature != nil {
		opts = map[string]any{"temperature": *req.Temperature}
	}

	resp, err := b.client.Generate(ctx, ollama.GenerateRequest{
		Model:   b.model,
		Prompt:  req.Prompt,
		System:  req.System,
		Options: opts,
	})
	if err != nil {
		var se *ollama.StatusError
		if errors.As(err, &se) {
			return nil, classifyStatus(err, se.StatusCode)
		}
		return nil, err
	}

	return &Generation{
		Text:       resp.Response,
		TokensUsed: int64(resp.PromptEvalCount + resp.EvalCount),
		Latency:    time.Since(start),
		Backend:    b.Name(),
		Model:      resp.Model,
	}, nil
}

// classifyStatus tags an error as transient or fatal from its HTTP status.
// Status 0 (network-level failure) is left untagged for the transient
// heuristics in resilience.IsTransient.
func classifyStatus(err error, status int) error {
	switch {
	case status == 0:
		return err
	case resilience.IsTransientHTTPStatus(status):
		return resilience.NewTransientError(err, status)
	default:
		return resilience.NewFatalError(err)
	}
}
