package circuitbreaker

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/tradepost/checkout/internal/config"
)

// ServiceType identifies an external dependency with its own breaker.
type ServiceType string

const (
	ServiceStripe      ServiceType = "stripe_api"
	ServiceFlutterwave ServiceType = "flutterwave_api"
	ServiceChainRPC    ServiceType = "chain_rpc"
	ServiceCallback    ServiceType = "callback"
)

// Manager isolates each external service behind its own breaker so one
// failing provider cannot exhaust the request budget of the others.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	enabled  bool
}

// Config holds breaker settings for every service.
type Config struct {
	Enabled  bool
	Services map[ServiceType]BreakerConfig
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval clears closed-state counts; 0 never clears.
	Interval time.Duration
	// Timeout is how long the breaker stays open before half-open.
	Timeout time.Duration

	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// NewManagerFromConfig creates a manager from application config.
func NewManagerFromConfig(cfg config.CircuitBreakerConfig) *Manager {
	convert := func(s config.BreakerServiceConfig) BreakerConfig {
		return BreakerConfig{
			MaxRequests:         s.MaxRequests,
			Interval:            s.Interval.Duration,
			Timeout:             s.Timeout.Duration,
			ConsecutiveFailures: s.ConsecutiveFailures,
			FailureRatio:        s.FailureRatio,
			MinRequests:         s.MinRequests,
		}
	}
	return NewManager(Config{
		Enabled: cfg.Enabled,
		Services: map[ServiceType]BreakerConfig{
			ServiceStripe:      convert(cfg.StripeAPI),
			ServiceFlutterwave: convert(cfg.FlutterwaveAPI),
			ServiceChainRPC:    convert(cfg.ChainRPC),
			ServiceCallback:    convert(cfg.Callback),
		},
	})
}

// NewManager creates a manager. A disabled manager passes every call through.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		enabled:  cfg.Enabled,
	}
	if !cfg.Enabled {
		return m
	}
	for service, bc := range cfg.Services {
		m.breakers[service] = gobreaker.NewCircuitBreaker(toGobreakerSettings(string(service), bc))
	}
	return m
}

// Disabled returns a pass-through manager, handy for tests.
func Disabled() *Manager {
	return NewManager(Config{})
}

// Execute runs fn behind the service's breaker, or directly when none is set.
func (m *Manager) Execute(service ServiceType, fn func() (interface{}, error)) (interface{}, error) {
	if m == nil || !m.enabled {
		return fn()
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	return breaker.Execute(fn)
}

// Call is a typed wrapper around Execute.
func Call[T any](m *Manager, service ServiceType, fn func() (T, error)) (T, error) {
	out, err := m.Execute(service, func() (interface{}, error) {
		return fn()
	})
	v, _ := out.(T)
	return v, err
}

// IsOpen reports whether err came from a breaker refusing the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// State returns the breaker state name, "disabled" or "not_configured".
func (m *Manager) State(service ServiceType) string {
	if m == nil || !m.enabled {
		return "disabled"
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}
	return breaker.State().String()
}

// Counts represents circuit breaker statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Counts returns the current counts for a breaker.
func (m *Manager) Counts(service ServiceType) Counts {
	if m == nil || !m.enabled {
		return Counts{}
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return Counts{}
	}
	c := breaker.Counts()
	return Counts{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}

func toGobreakerSettings(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit_breaker.state_change")
		},
	}
}

// DefaultConfig returns the settings used when the config file is silent.
func DefaultConfig() Config {
	provider := BreakerConfig{
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
	return Config{
		Enabled: true,
		Services: map[ServiceType]BreakerConfig{
			ServiceStripe:      provider,
			ServiceFlutterwave: provider,
			ServiceChainRPC:    provider,
			ServiceCallback: {
				MaxRequests:         5,
				Interval:            60 * time.Second,
				Timeout:             60 * time.Second,
				ConsecutiveFailures: 10,
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
	}
}
