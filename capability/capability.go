// Package capability dispatches the external calls a non-deterministic
// guest may make: LLM prompts and web requests.
package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/dualvm/errors"
	"github.com/wippyai/dualvm/metrics"
)

// Kind names a capability.
type Kind string

const (
	KindLLM Kind = "llm"
	KindWeb Kind = "web"
)

// codes maps the guest-visible capability numbers to kinds.
var codes = []Kind{KindLLM, KindWeb}

// KindFromCode returns the kind for a guest capability number.
func KindFromCode(code int32) (Kind, bool) {
	if code < 0 || int(code) >= len(codes) {
		return "", false
	}
	return codes[code], true
}

// Request is one opaque call.
type Request struct {
	Kind    Kind
	Payload []byte
}

// Response carries the provider's opaque answer.
type Response struct {
	Payload []byte
}

// Provider answers capability requests.
type Provider interface {
	Call(ctx context.Context, req Request) (Response, error)
	Close() error
}

// Set routes requests to the provider registered for their kind and
// records per-provider call metrics.
type Set struct {
	reg *metrics.Registry
	log *zap.Logger

	mu        sync.RWMutex
	providers map[Kind]entry
}

type entry struct {
	name     string
	provider Provider
	metrics  *metrics.Calls
}

// NewSet returns an empty set.
func NewSet(reg *metrics.Registry, log *zap.Logger) *Set {
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	if log == nil {
		log = Logger()
	}
	return &Set{reg: reg, log: log, providers: map[Kind]entry{}}
}

// Add registers p for kind. name labels its metrics, e.g. "llm.openai".
func (s *Set) Add(kind Kind, name string, p Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.providers[kind]; ok {
		old.provider.Close()
	}
	s.providers[kind] = entry{name: name, provider: p, metrics: s.reg.Calls(name)}
}

// Kinds lists the registered kinds in sorted order.
func (s *Set) Kinds() []Kind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Kind, 0, len(s.providers))
	for k := range s.providers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Call dispatches req.
func (s *Set) Call(ctx context.Context, req Request) (Response, error) {
	s.mu.RLock()
	e, ok := s.providers[req.Kind]
	s.mu.RUnlock()
	if !ok {
		return Response{}, errors.NotFound(errors.PhaseHost, "capability provider", string(req.Kind))
	}

	e.metrics.Calls.Inc()
	stop := e.metrics.Time.Start()
	resp, err := e.provider.Call(ctx, req)
	elapsed := stop()
	if err != nil {
		e.metrics.Errors.Inc()
		s.log.Debug("capability call failed",
			zap.String("provider", e.name), zap.Duration("elapsed", elapsed), zap.Error(err))
		return Response{}, fmt.Errorf("%s: %w", e.name, err)
	}
	s.log.Debug("capability call",
		zap.String("provider", e.name), zap.Int("request", len(req.Payload)),
		zap.Int("response", len(resp.Payload)), zap.Duration("elapsed", elapsed))
	return resp, nil
}

// Close closes every provider.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for k, e := range s.providers {
		if err := e.provider.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.providers, k)
	}
	return first
}
