package domain

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Algorithm identifies a load balancing algorithm
type Algorithm string

const (
	// AlgorithmRoundRobin distributes requests evenly across instances
	AlgorithmRoundRobin Algorithm = "round_robin"
	// AlgorithmWeightedRoundRobin distributes requests proportionally to instance weights
	AlgorithmWeightedRoundRobin Algorithm = "weighted_round_robin"
	// AlgorithmLeastConnections routes to the instance with fewest in-flight requests
	AlgorithmLeastConnections Algorithm = "least_connections"
	// AlgorithmRandom picks a uniformly random healthy instance
	AlgorithmRandom Algorithm = "random"
	// AlgorithmIPHash pins a client key to an instance for session stickiness
	AlgorithmIPHash Algorithm = "ip_hash"
	// AlgorithmResponseTime routes to the instance with the lowest average latency
	AlgorithmResponseTime Algorithm = "response_time"
	// AlgorithmHealthAware ranks instances by a composite load score (default)
	AlgorithmHealthAware Algorithm = "health_aware"
)

// IsValid returns true if the algorithm is one of the supported names
func (a Algorithm) IsValid() bool {
	switch a {
	case AlgorithmRoundRobin, AlgorithmWeightedRoundRobin, AlgorithmLeastConnections,
		AlgorithmRandom, AlgorithmIPHash, AlgorithmResponseTime, AlgorithmHealthAware:
		return true
	default:
		return false
	}
}

// Default tuning values for health tracking
const (
	// DefaultWeight is applied when no per-instance weight is configured
	DefaultWeight = 1
	// ResponseTimeSeed is the initial latency estimate in milliseconds
	ResponseTimeSeed = 100.0
	// TrafficAlpha is the EMA smoothing factor for live-traffic latency samples
	TrafficAlpha = 0.1
	// ProbeAlpha is the EMA smoothing factor for probe-driven latency samples.
	// Smaller than TrafficAlpha so real traffic moves the estimate faster
	// than background probing.
	ProbeAlpha = 0.05

	DefaultHealthCheckInterval = 30 * time.Second
	DefaultHealthCheckTimeout  = 5 * time.Second
	DefaultFailureThreshold    = 3
	DefaultMaxRetries          = 3
)

// Load score weighting per signal
const (
	scoreConnectionWeight   = 0.3
	scoreResponseTimeWeight = 0.4
	scoreErrorRateWeight    = 0.3
)

// ServiceInstance is one running replica of a backend service. Instances are
// supplied fresh on every selection call by the discovery layer; the balancer
// keys health state by ID and never owns instance identity.
type ServiceInstance struct {
	ID   string `json:"id" yaml:"id"`
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Addr returns the host:port form of the instance address
func (i ServiceInstance) Addr() string {
	return net.JoinHostPort(i.Host, strconv.Itoa(i.Port))
}

// HealthRecord is the mutable per-instance bookkeeping entry owned by the
// health registry. The registry hands out copies; callers never see the
// live record.
type HealthRecord struct {
	Instance            ServiceInstance `json:"instance"`
	Healthy             bool            `json:"healthy"`
	CurrentConnections  int64           `json:"current_connections"`
	Weight              int             `json:"weight"`
	AverageResponseTime float64         `json:"average_response_time_ms"`
	LastHealthCheck     time.Time       `json:"last_health_check"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	TotalRequests       int64           `json:"total_requests"`
	SuccessfulRequests  int64           `json:"successful_requests"`
	LoadScore           float64         `json:"load_score"`
}

// NewHealthRecord creates a record with defaults for a first-seen instance
func NewHealthRecord(instance ServiceInstance, weight int) *HealthRecord {
	if weight <= 0 {
		weight = DefaultWeight
	}
	return &HealthRecord{
		Instance:            instance,
		Healthy:             true,
		Weight:              weight,
		AverageResponseTime: ResponseTimeSeed,
	}
}

// ErrorRate derives the failure ratio from the request counters. Zero when no
// requests have been recorded yet.
func (r *HealthRecord) ErrorRate() float64 {
	if r.TotalRequests == 0 {
		return 0
	}
	return 1 - float64(r.SuccessfulRequests)/float64(r.TotalRequests)
}

// ComputeLoadScore combines connection count, latency and error rate into the
// composite score used by the health-aware algorithm. Lower is better.
func (r *HealthRecord) ComputeLoadScore() float64 {
	return scoreConnectionWeight*float64(r.CurrentConnections) +
		scoreResponseTimeWeight*(r.AverageResponseTime/100) +
		scoreErrorRateWeight*(100*r.ErrorRate())
}

// BalancerConfig carries per-call or per-service balancer configuration.
// Zero-valued fields are filled from defaults via Merge.
type BalancerConfig struct {
	Algorithm           Algorithm      `json:"algorithm" yaml:"algorithm"`
	HealthCheckInterval time.Duration  `json:"health_check_interval" yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration  `json:"health_check_timeout" yaml:"health_check_timeout"`
	MaxRetries          int            `json:"max_retries" yaml:"max_retries"`
	FailureThreshold    int            `json:"failure_threshold" yaml:"failure_threshold"`
	Weights             map[string]int `json:"weights,omitempty" yaml:"weights,omitempty"`
	StickySession       bool           `json:"sticky_session" yaml:"sticky_session"`
}

// DefaultBalancerConfig returns the baseline configuration
func DefaultBalancerConfig() BalancerConfig {
	return BalancerConfig{
		Algorithm:           AlgorithmHealthAware,
		HealthCheckInterval: DefaultHealthCheckInterval,
		HealthCheckTimeout:  DefaultHealthCheckTimeout,
		MaxRetries:          DefaultMaxRetries,
		FailureThreshold:    DefaultFailureThreshold,
	}
}

// Merge overlays the non-zero fields of override onto the receiver and
// returns the result. A nil override returns the receiver unchanged.
func (c BalancerConfig) Merge(override *BalancerConfig) BalancerConfig {
	if override == nil {
		return c
	}
	merged := c
	if override.Algorithm != "" {
		merged.Algorithm = override.Algorithm
	}
	if override.HealthCheckInterval > 0 {
		merged.HealthCheckInterval = override.HealthCheckInterval
	}
	if override.HealthCheckTimeout > 0 {
		merged.HealthCheckTimeout = override.HealthCheckTimeout
	}
	if override.MaxRetries > 0 {
		merged.MaxRetries = override.MaxRetries
	}
	if override.FailureThreshold > 0 {
		merged.FailureThreshold = override.FailureThreshold
	}
	if override.Weights != nil {
		merged.Weights = override.Weights
	}
	if override.StickySession {
		merged.StickySession = true
	}
	return merged
}

// WeightFor returns the configured weight for an instance, falling back to
// the default weight of 1
func (c BalancerConfig) WeightFor(instanceID string) int {
	if w, ok := c.Weights[instanceID]; ok && w > 0 {
		return w
	}
	return DefaultWeight
}

// Validate checks the configuration for construction-time misconfiguration.
// This is the only path in the balancer that surfaces errors; steady-state
// bookkeeping never does.
func (c BalancerConfig) Validate() error {
	if c.Algorithm != "" && !c.Algorithm.IsValid() {
		return fmt.Errorf("unsupported algorithm: %s", c.Algorithm)
	}
	if c.HealthCheckInterval < 0 {
		return fmt.Errorf("health_check_interval cannot be negative: %v", c.HealthCheckInterval)
	}
	if c.HealthCheckTimeout < 0 {
		return fmt.Errorf("health_check_timeout cannot be negative: %v", c.HealthCheckTimeout)
	}
	if c.FailureThreshold < 0 {
		return fmt.Errorf("failure_threshold cannot be negative: %d", c.FailureThreshold)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative: %d", c.MaxRetries)
	}
	for id, w := range c.Weights {
		if w <= 0 {
			return fmt.Errorf("weight for instance '%s' must be positive: %d", id, w)
		}
	}
	return nil
}
