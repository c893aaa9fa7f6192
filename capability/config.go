package capability

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/dualvm/metrics"
)

// Provider names accepted in configuration.
const (
	ProviderModule    = "module"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// ProviderConfig selects and configures the provider of one kind. An empty
// Address for the module provider leaves the kind unserved.
type ProviderConfig struct {
	Provider string
	Address  string
	Model    string
	APIKey   string
	BaseURL  string
}

// Config maps each kind to its provider.
type Config struct {
	LLM ProviderConfig
	Web ProviderConfig
}

// FromConfig builds a set for one execution, dialing module servers with
// hello.
func FromConfig(ctx context.Context, cfg Config, hello Hello, reg *metrics.Registry, log *zap.Logger) (*Set, error) {
	s := NewSet(reg, log)
	for _, kc := range []struct {
		kind Kind
		cfg  ProviderConfig
	}{{KindLLM, cfg.LLM}, {KindWeb, cfg.Web}} {
		p, name, err := build(ctx, kc.kind, kc.cfg, hello, s.log)
		if err != nil {
			s.Close()
			return nil, err
		}
		if p != nil {
			s.Add(kc.kind, name, p)
		}
	}
	return s, nil
}

func build(ctx context.Context, kind Kind, cfg ProviderConfig, hello Hello, log *zap.Logger) (Provider, string, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = ProviderModule
	}
	name := string(kind) + "." + provider
	opts := LLMOptions{Model: cfg.Model, APIKey: cfg.APIKey, BaseURL: cfg.BaseURL}
	switch provider {
	case ProviderModule:
		if cfg.Address == "" {
			return nil, "", nil
		}
		m, err := Dial(ctx, cfg.Address, hello, log)
		return m, name, err
	case ProviderOpenAI:
		return NewOpenAI(opts), name, nil
	case ProviderAnthropic:
		return NewAnthropic(opts), name, nil
	}
	return nil, "", fmt.Errorf("unknown %s provider %q", kind, provider)
}
