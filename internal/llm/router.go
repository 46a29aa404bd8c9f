package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ProviderEndpoint configures one OpenAI-compatible backend.
type ProviderEndpoint struct {
	BaseURL string
	APIKey  string
}

// RouterOptions wires the router to its backends.
type RouterOptions struct {
	// Providers maps backend slugs to endpoints. The "openai" entry is
	// the default backend for unprefixed model names.
	Providers map[string]ProviderEndpoint

	OllamaBaseURL string
	CopilotSource TokenSource

	Timeout    time.Duration
	MaxRetries int
	RetryBase  time.Duration
}

// Router resolves model identifiers to backends purely from their
// prefix: "copilot:gpt-4o" hits the Copilot API, "ollama:llama3" the
// local Ollama server, "deepseek:deepseek-chat" a configured
// third-party endpoint, and bare names the default backend.
type Router struct {
	opts RouterOptions

	mu      sync.Mutex
	clients map[string]Client
}

func NewRouter(opts RouterOptions) *Router {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 500 * time.Millisecond
	}
	return &Router{
		opts:    opts,
		clients: make(map[string]Client),
	}
}

// Resolve returns the backend for a model identifier and the bare model
// name the backend expects.
func (r *Router) Resolve(model string) (Client, string, error) {
	backend := "openai"
	actual := model
	if idx := strings.Index(model, ":"); idx > 0 {
		backend = model[:idx]
		actual = model[idx+1:]
	}
	if actual == "" {
		return nil, "", fmt.Errorf("empty model name in %q", model)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[backend]; ok {
		return client, actual, nil
	}

	var client Client
	switch backend {
	case "copilot":
		if r.opts.CopilotSource == nil {
			return nil, "", fmt.Errorf("copilot backend not configured")
		}
		client = NewCopilot(r.opts.CopilotSource, "", r.opts.Timeout)
	case "ollama":
		client = NewOllama(r.opts.OllamaBaseURL, r.opts.Timeout)
	default:
		ep, ok := r.opts.Providers[backend]
		if !ok {
			if backend != "openai" {
				return nil, "", fmt.Errorf("unknown model backend %q", backend)
			}
			ep = ProviderEndpoint{BaseURL: "https://api.openai.com/v1"}
		}
		if ep.BaseURL == "" {
			ep.BaseURL = "https://api.openai.com/v1"
		}
		client = NewOpenAICompat(backend, ep.BaseURL, ep.APIKey, r.opts.Timeout)
	}
	r.clients[backend] = client
	return client, actual, nil
}

// StreamTurn resolves the backend, rewrites the model to its bare name
// and runs the turn with bounded retry. A turn is only retried while no
// event has been delivered: a half-consumed stream cannot be replayed.
func (r *Router) StreamTurn(ctx context.Context, req Request, onEvent func(Event) error) (*Turn, error) {
	client, actual, err := r.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	req.Model = actual

	var turn *Turn
	attempt := func(started *bool) error {
		t, err := client.StreamTurn(ctx, req, func(ev Event) error {
			*started = true
			return onEvent(ev)
		})
		if err != nil {
			return err
		}
		turn = t
		return nil
	}
	if err := retryTurn(ctx, r.opts.MaxRetries, r.opts.RetryBase, attempt); err != nil {
		return nil, err
	}
	return turn, nil
}
