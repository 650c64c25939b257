// Package strategy provides trading strategy implementations.
package strategy

import (
	"sync"

	"go.uber.org/zap"

	"github.com/quantframe/backtest-core/pkg/types"
)

// Strategy turns a per-bar market snapshot into a trade signal. A nil
// signal (or SignalHold) means no action for the bar.
type Strategy interface {
	Name() string
	Description() string
	Parameters() map[string]Parameter
	SetParameter(name string, value interface{}) error
	Evaluate(snap types.MarketSnapshot) (*types.Signal, error)
}

// Parameter describes one tunable strategy parameter.
type Parameter struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Type        string      `json:"type"` // "int", "float", "bool", "string"
	Default     interface{} `json:"default"`
	Min         interface{} `json:"min,omitempty"`
	Max         interface{} `json:"max,omitempty"`
	Current     interface{} `json:"current"`
}

// Registry manages available strategies.
type Registry struct {
	logger     *zap.Logger
	strategies map[string]func() Strategy
	mu         sync.RWMutex
}

// NewRegistry creates a registry with the built-in strategies.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:     logger,
		strategies: make(map[string]func() Strategy),
	}

	r.Register("sma_cross", func() Strategy { return NewSMACrossStrategy(logger) })
	r.Register("momentum", func() Strategy { return NewMomentumStrategy(logger) })
	r.Register("rsi", func() Strategy { return NewRSIStrategy(logger) })

	return r
}

// Register registers a new strategy factory.
func (r *Registry) Register(name string, factory func() Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[name] = factory
}

// Create creates a new strategy instance by name.
func (r *Registry) Create(name string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.strategies[name]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// List returns all available strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	return names
}

// baseStrategy provides common parameter handling.
type baseStrategy struct {
	logger *zap.Logger
	params map[string]Parameter
}

// SetParameter sets a parameter value.
func (s *baseStrategy) SetParameter(name string, value interface{}) error {
	if param, ok := s.params[name]; ok {
		param.Current = value
		s.params[name] = param
	}
	return nil
}

// Parameters returns strategy parameters.
func (s *baseStrategy) Parameters() map[string]Parameter {
	return s.params
}

func (s *baseStrategy) intParam(name string, fallback int) int {
	if p, ok := s.params[name]; ok {
		if v, ok := p.Current.(int); ok {
			return v
		}
	}
	return fallback
}

func (s *baseStrategy) floatParam(name string, fallback float64) float64 {
	if p, ok := s.params[name]; ok {
		switch v := p.Current.(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
	}
	return fallback
}
