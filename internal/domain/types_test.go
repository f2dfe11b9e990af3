package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlgorithmIsValid(t *testing.T) {
	t.Parallel()

	valid := []Algorithm{
		AlgorithmRoundRobin, AlgorithmWeightedRoundRobin, AlgorithmLeastConnections,
		AlgorithmRandom, AlgorithmIPHash, AlgorithmResponseTime, AlgorithmHealthAware,
	}
	for _, algorithm := range valid {
		assert.True(t, algorithm.IsValid(), string(algorithm))
	}

	assert.False(t, Algorithm("").IsValid())
	assert.False(t, Algorithm("fastest_first").IsValid())
}

func TestServiceInstanceAddr(t *testing.T) {
	t.Parallel()

	instance := ServiceInstance{ID: "a", Host: "10.1.2.3", Port: 8080}
	assert.Equal(t, "10.1.2.3:8080", instance.Addr())
}

func TestNewHealthRecordDefaults(t *testing.T) {
	t.Parallel()

	record := NewHealthRecord(ServiceInstance{ID: "a"}, 0)
	assert.True(t, record.Healthy)
	assert.Equal(t, DefaultWeight, record.Weight)
	assert.Equal(t, ResponseTimeSeed, record.AverageResponseTime)

	weighted := NewHealthRecord(ServiceInstance{ID: "b"}, 4)
	assert.Equal(t, 4, weighted.Weight)
}

func TestErrorRate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		total      int64
		successful int64
		expected   float64
	}{
		{name: "no traffic yet", total: 0, successful: 0, expected: 0},
		{name: "all successful", total: 10, successful: 10, expected: 0},
		{name: "half failed", total: 10, successful: 5, expected: 0.5},
		{name: "all failed", total: 4, successful: 0, expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := HealthRecord{TotalRequests: tt.total, SuccessfulRequests: tt.successful}
			assert.InDelta(t, tt.expected, record.ErrorRate(), 0.001)
		})
	}
}

func TestComputeLoadScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		record   HealthRecord
		expected float64
	}{
		{
			name:     "busy but fast",
			record:   HealthRecord{CurrentConnections: 5, AverageResponseTime: 50},
			expected: 1.7, // 0.3*5 + 0.4*(50/100)
		},
		{
			name:     "idle but slow",
			record:   HealthRecord{CurrentConnections: 0, AverageResponseTime: 200},
			expected: 0.8, // 0.4*(200/100)
		},
		{
			name: "failing",
			record: HealthRecord{
				CurrentConnections:  0,
				AverageResponseTime: 100,
				TotalRequests:       10,
				SuccessfulRequests:  5,
			},
			expected: 15.4, // 0.4*1 + 0.3*(100*0.5)
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, tt.record.ComputeLoadScore(), 0.001)
		})
	}
}

func TestDefaultBalancerConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultBalancerConfig()
	assert.Equal(t, AlgorithmHealthAware, cfg.Algorithm)
	assert.Equal(t, 30*time.Second, cfg.HealthCheckInterval)
	assert.Equal(t, 5*time.Second, cfg.HealthCheckTimeout)
	assert.Equal(t, 3, cfg.FailureThreshold)
	require.NoError(t, cfg.Validate())
}

func TestBalancerConfigMerge(t *testing.T) {
	t.Parallel()

	base := DefaultBalancerConfig()

	t.Run("nil override keeps base", func(t *testing.T) {
		assert.Equal(t, base, base.Merge(nil))
	})

	t.Run("zero fields keep base values", func(t *testing.T) {
		merged := base.Merge(&BalancerConfig{})
		assert.Equal(t, base, merged)
	})

	t.Run("set fields win", func(t *testing.T) {
		merged := base.Merge(&BalancerConfig{
			Algorithm:        AlgorithmLeastConnections,
			FailureThreshold: 7,
			Weights:          map[string]int{"a": 2},
			StickySession:    true,
		})
		assert.Equal(t, AlgorithmLeastConnections, merged.Algorithm)
		assert.Equal(t, 7, merged.FailureThreshold)
		assert.Equal(t, 2, merged.Weights["a"])
		assert.True(t, merged.StickySession)
		// Untouched fields come from base
		assert.Equal(t, base.HealthCheckInterval, merged.HealthCheckInterval)
	})
}

func TestWeightFor(t *testing.T) {
	t.Parallel()

	cfg := BalancerConfig{Weights: map[string]int{"a": 3}}
	assert.Equal(t, 3, cfg.WeightFor("a"))
	assert.Equal(t, DefaultWeight, cfg.WeightFor("b"))

	var empty BalancerConfig
	assert.Equal(t, DefaultWeight, empty.WeightFor("a"))
}

func TestBalancerConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*BalancerConfig)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(c *BalancerConfig) {}},
		{name: "empty algorithm allowed", mutate: func(c *BalancerConfig) { c.Algorithm = "" }},
		{name: "bad algorithm", mutate: func(c *BalancerConfig) { c.Algorithm = "nope" }, wantErr: true},
		{name: "negative interval", mutate: func(c *BalancerConfig) { c.HealthCheckInterval = -time.Second }, wantErr: true},
		{name: "negative threshold", mutate: func(c *BalancerConfig) { c.FailureThreshold = -1 }, wantErr: true},
		{name: "zero weight", mutate: func(c *BalancerConfig) { c.Weights = map[string]int{"a": 0} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultBalancerConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
