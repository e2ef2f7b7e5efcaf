package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/scorpio/internal/observability"
	"github.com/harun/scorpio/pkg/errdefs"
)

// Provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Defaults applied when a request or config leaves them unset.
const (
	DefaultTemperature    = 0.7
	DefaultMaxTokens      = 4000
	DefaultOpenAIModel    = "gpt-4-turbo-preview"
	DefaultAnthropicModel = "claude-3-sonnet-20240229"
	DefaultGeminiModel    = "gemini-pro"
)

// ErrUnknownProvider is returned for provider names outside the closed set.
var ErrUnknownProvider = fmt.Errorf("unknown llm provider: %w", errdefs.ErrValidation)

// Provider is an interface for LLM API providers
type Provider interface {
	// Name returns the provider name
	Name() string

	// StreamChat streams a reply. The channel always ends with a done or
	// error event and is then closed.
	StreamChat(ctx context.Context, req Request) (<-chan StreamEvent, error)

	// ChatCompletion returns a complete reply
	ChatCompletion(ctx context.Context, req Request) (*Response, error)

	// IsAvailable reports whether the provider answers with the configured key
	IsAvailable(ctx context.Context) bool
}

// Config configures one provider.
type Config struct {
	Provider    string  `mapstructure:"provider" json:"provider"`
	APIKey      string  `mapstructure:"api_key" json:"-"`
	Model       string  `mapstructure:"model" json:"model"`
	BaseURL     string  `mapstructure:"base_url" json:"base_url,omitempty"`
	Temperature float64 `mapstructure:"temperature" json:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens" json:"max_tokens"`
}

func (c Config) withDefaults(model string) Config {
	if c.Model == "" {
		c.Model = model
	}
	if c.Temperature == 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	return c
}

// resolve fills request defaults from the provider config.
func (c Config) resolve(req Request) Request {
	if req.Model == "" {
		req.Model = c.Model
	}
	if req.Temperature == 0 {
		req.Temperature = c.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.MaxTokens
	}
	return req
}

// NewProvider creates a new LLM provider from its config
func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg), nil
	case ProviderAnthropic:
		return NewAnthropicProvider(cfg), nil
	case ProviderGemini:
		return NewGeminiProvider(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownProvider, cfg.Provider)
	}
}

// Set holds the configured providers by name.
type Set struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewSet builds a Set from configs, skipping entries without an API key.
func NewSet(ctx context.Context, configs []Config) (*Set, error) {
	s := &Set{providers: make(map[string]Provider)}
	for _, cfg := range configs {
		if cfg.APIKey == "" {
			continue
		}
		p, err := NewProvider(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s.Add(p)
	}
	return s, nil
}

// Add registers p under its name, replacing any previous provider.
func (s *Set) Add(p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.providers == nil {
		s.providers = make(map[string]Provider)
	}
	s.providers[p.Name()] = p
}

// Get returns the provider called name.
func (s *Set) Get(name string) (Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns configured provider names, sorted.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// stream runs produce in a goroutine and turns its outcome into the
// closing done or error event.
func stream(ctx context.Context, provider string, produce func(emit func(StreamEvent) bool) error) <-chan StreamEvent {
	events := make(chan StreamEvent)

	emit := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(events)
		start := time.Now()

		err := produce(emit)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		observability.RecordLLMStream(provider, time.Since(start), err == nil)

		if err != nil {
			if !errors.Is(err, context.Canceled) {
				err = errdefs.External(provider, err)
			}
			// best effort: the reader may already be gone
			select {
			case events <- StreamEvent{Type: EventError, Error: err.Error()}:
			case <-time.After(time.Second):
			}
			return
		}
		emit(StreamEvent{Type: EventDone})
	}()

	return events
}
