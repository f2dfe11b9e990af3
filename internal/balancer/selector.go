// Package balancer implements instance selection over live health data and
// the background liveness prober feeding it.
package balancer

import (
	"sync"

	"github.com/zanewnch/aiot-gateway-lb/internal/domain"
	"github.com/zanewnch/aiot-gateway-lb/internal/registry"
	"github.com/zanewnch/aiot-gateway-lb/pkg/logger"
)

// Selector picks one instance per routing decision using the registry's
// current health data. Per-service algorithm state (round-robin cursor,
// weighted credits) lives here, scoped per service, so independent selector
// instances never interfere.
type Selector struct {
	registry *registry.Registry
	defaults domain.BalancerConfig
	logger   *logger.Logger

	mu     sync.Mutex
	states map[string]*serviceState
}

// serviceState is the per-service mutable algorithm state
type serviceState struct {
	cursor  uint64
	credits map[string]int
}

// NewSelector creates a selector over the given registry. The defaults are
// validated once here; selection itself never fails on configuration.
func NewSelector(reg *registry.Registry, defaults domain.BalancerConfig, log *logger.Logger) (*Selector, error) {
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	return &Selector{
		registry: reg,
		defaults: domain.DefaultBalancerConfig().Merge(&defaults),
		logger:   log.SelectorLogger(),
		states:   make(map[string]*serviceState),
	}, nil
}

// Registry exposes the backing health registry for completion reports and
// admin tooling
func (s *Selector) Registry() *registry.Registry {
	return s.registry
}

// Select picks one instance for the service, or nil when no instances were
// supplied at all. The candidate list arrives freshly resolved from the
// discovery layer on every call; unseen instances are tracked on the fly.
// When every tracked instance is unhealthy the first raw instance is
// returned as a best-effort fallback so the gateway keeps making forward
// progress through cold starts and full outages.
func (s *Selector) Select(service string, instances []domain.ServiceInstance, clientKey string, override *domain.BalancerConfig) *domain.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}

	cfg := s.defaults.Merge(override)
	s.registry.EnsureTracked(service, instances, cfg)

	healthy := s.registry.HealthyInstances(service)
	if len(healthy) == 0 {
		fallback := instances[0]
		s.logger.WithField("service", service).
			WithField("instance_id", fallback.ID).
			Warn("No healthy instances, falling back to first candidate")
		s.registry.RecordSelected(service, fallback.ID)
		return &fallback
	}

	algorithm := cfg.Algorithm
	if cfg.StickySession && clientKey != "" {
		algorithm = domain.AlgorithmIPHash
	}

	chosen := s.pick(service, algorithm, healthy, clientKey, cfg)
	s.registry.RecordSelected(service, chosen.Instance.ID)

	s.logger.WithField("service", service).
		WithField("instance_id", chosen.Instance.ID).
		WithField("algorithm", string(algorithm)).
		Debug("Selected instance")

	instance := chosen.Instance
	return &instance
}

// RecordComplete reports the outcome of a proxied call for a previously
// selected instance. The caller pairs exactly one completion per selection.
func (s *Selector) RecordComplete(service, instanceID string, responseTimeMs float64, success bool) {
	s.registry.RecordComplete(service, instanceID, responseTimeMs, success)
}

// SetHealthOverride forces the health flag of an instance administratively.
// Returns false when the instance is not tracked.
func (s *Selector) SetHealthOverride(service, instanceID string, healthy bool) bool {
	return s.registry.SetHealthOverride(service, instanceID, healthy)
}

// Report returns a diagnostic snapshot of health records, all services when
// no name is given
func (s *Selector) Report(services ...string) map[string][]domain.HealthRecord {
	return s.registry.Report(services...)
}

// Cleanup drops every health record and all selection counters for the
// service
func (s *Selector) Cleanup(service string) {
	s.registry.Remove(service)

	s.mu.Lock()
	delete(s.states, service)
	s.mu.Unlock()

	s.logger.WithField("service", service).Info("Cleaned up selection state for service")
}

// pick dispatches to the requested algorithm over the healthy snapshot.
// Unknown algorithm names behave as health-aware.
func (s *Selector) pick(service string, algorithm domain.Algorithm, healthy []domain.HealthRecord, clientKey string, cfg domain.BalancerConfig) domain.HealthRecord {
	switch algorithm {
	case domain.AlgorithmRoundRobin:
		return healthy[s.nextRoundRobin(service, len(healthy))]
	case domain.AlgorithmWeightedRoundRobin:
		return healthy[s.nextWeighted(service, healthy, cfg)]
	case domain.AlgorithmLeastConnections:
		return healthy[pickLeastConnections(healthy)]
	case domain.AlgorithmRandom:
		return healthy[pickRandom(len(healthy))]
	case domain.AlgorithmIPHash:
		return healthy[pickIPHash(clientKey, len(healthy))]
	case domain.AlgorithmResponseTime:
		return healthy[pickResponseTime(healthy)]
	default:
		idx, scores := pickHealthAware(healthy)
		s.registry.StoreLoadScores(service, scores)
		return healthy[idx]
	}
}

// state returns the per-service algorithm state, creating it on first use
func (s *Selector) state(service string) *serviceState {
	state, ok := s.states[service]
	if !ok {
		state = &serviceState{credits: make(map[string]int)}
		s.states[service] = state
	}
	return state
}
