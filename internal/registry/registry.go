// Package registry is the single source of truth for per-instance health
// state and traffic statistics. Records are keyed by (service name,
// instance id), created lazily on first sight and removed only by explicit
// per-service cleanup.
package registry

import (
	"sync"
	"time"

	"github.com/zanewnch/aiot-gateway-lb/internal/domain"
	"github.com/zanewnch/aiot-gateway-lb/pkg/logger"
)

// Registry tracks health records for all services. Safe for concurrent use
// by the selector, the completion-report path and the background prober.
// Locking is coarse-grained: one mutex per service record map, which is
// enough at the expected scale of tens of instances per service.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*serviceEntry
	logger   *logger.Logger
}

// serviceEntry holds the records of one service. The order slice preserves
// first-seen insertion order so that snapshot iteration is stable, which the
// round-robin and tie-break rules rely on.
type serviceEntry struct {
	mu               sync.Mutex
	records          map[string]*domain.HealthRecord
	order            []string
	failureThreshold int
}

// TrackedInstance is one (service, instance) pair currently known to the
// registry, as iterated by the prober.
type TrackedInstance struct {
	Service  string
	Instance domain.ServiceInstance
}

// New creates an empty registry
func New(log *logger.Logger) *Registry {
	return &Registry{
		services: make(map[string]*serviceEntry),
		logger:   log.RegistryLogger(),
	}
}

// EnsureTracked creates a health record with defaults for every instance not
// yet present under the service. Idempotent: existing records keep their
// state, only the embedded instance snapshot is refreshed. The configured
// failure threshold is captured per service, latest call wins.
func (r *Registry) EnsureTracked(service string, instances []domain.ServiceInstance, cfg domain.BalancerConfig) {
	entry := r.entryOrCreate(service)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	entry.failureThreshold = cfg.FailureThreshold
	if entry.failureThreshold <= 0 {
		entry.failureThreshold = domain.DefaultFailureThreshold
	}

	for _, instance := range instances {
		if existing, ok := entry.records[instance.ID]; ok {
			existing.Instance = instance
			continue
		}
		entry.records[instance.ID] = domain.NewHealthRecord(instance, cfg.WeightFor(instance.ID))
		entry.order = append(entry.order, instance.ID)
		r.logger.InstanceLogger(service, instance.ID).
			WithField("address", instance.Addr()).
			Debug("Tracking new instance")
	}
}

// HealthyInstances returns copies of all records currently marked healthy for
// the service, in first-seen order. Empty when the service is unknown.
func (r *Registry) HealthyInstances(service string) []domain.HealthRecord {
	entry := r.entry(service)
	if entry == nil {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	var healthy []domain.HealthRecord
	for _, id := range entry.order {
		record := entry.records[id]
		if record.Healthy {
			healthy = append(healthy, *record)
		}
	}
	return healthy
}

// RecordSelected increments the connection and request counters for a chosen
// instance. Logged no-op when the record does not exist.
func (r *Registry) RecordSelected(service, instanceID string) {
	r.withRecord(service, instanceID, "record_selected", func(record *domain.HealthRecord, _ int) {
		record.CurrentConnections++
		record.TotalRequests++
	})
}

// RecordComplete applies a live-traffic completion report: releases the
// connection, updates the latency EMA and drives the failure streak. A
// success immediately restores health; reaching the failure threshold flips
// the instance unhealthy.
func (r *Registry) RecordComplete(service, instanceID string, responseTimeMs float64, success bool) {
	r.withRecord(service, instanceID, "record_complete", func(record *domain.HealthRecord, threshold int) {
		record.CurrentConnections--
		if record.CurrentConnections < 0 {
			record.CurrentConnections = 0
		}

		record.AverageResponseTime = ema(record.AverageResponseTime, responseTimeMs, domain.TrafficAlpha)

		if success {
			record.SuccessfulRequests++
			record.ConsecutiveFailures = 0
			record.Healthy = true
			return
		}

		record.ConsecutiveFailures++
		if record.ConsecutiveFailures >= threshold && record.Healthy {
			record.Healthy = false
			r.logger.InstanceLogger(service, instanceID).
				WithField("consecutive_failures", record.ConsecutiveFailures).
				Warn("Instance marked unhealthy after repeated request failures")
		}
	})
}

// ProbeResult applies a background probe outcome. A healthy probe restores
// the instance immediately and feeds the latency sample through the slower
// probe EMA; a failed probe advances the failure streak toward the threshold.
func (r *Registry) ProbeResult(service, instanceID string, healthy bool, responseTimeMs float64) {
	r.withRecord(service, instanceID, "probe_result", func(record *domain.HealthRecord, threshold int) {
		record.LastHealthCheck = time.Now()

		if healthy {
			if !record.Healthy {
				r.logger.InstanceLogger(service, instanceID).
					Info("Instance recovered after successful probe")
			}
			record.Healthy = true
			record.ConsecutiveFailures = 0
			record.AverageResponseTime = ema(record.AverageResponseTime, responseTimeMs, domain.ProbeAlpha)
			return
		}

		record.ConsecutiveFailures++
		if record.ConsecutiveFailures >= threshold && record.Healthy {
			record.Healthy = false
			r.logger.InstanceLogger(service, instanceID).
				WithField("consecutive_failures", record.ConsecutiveFailures).
				Warn("Instance marked unhealthy after failed probes")
		}
	})
}

// SetHealthOverride forces the health flag administratively. Forcing healthy
// also clears the failure streak. Returns false when the record is unknown.
func (r *Registry) SetHealthOverride(service, instanceID string, healthy bool) bool {
	found := false
	r.withRecord(service, instanceID, "health_override", func(record *domain.HealthRecord, _ int) {
		found = true
		record.Healthy = healthy
		if healthy {
			record.ConsecutiveFailures = 0
		}
		r.logger.InstanceLogger(service, instanceID).
			WithField("healthy", healthy).
			Info("Health override applied")
	})
	return found
}

// StoreLoadScores persists the scores computed during health-aware selection
// so diagnostic reports show the last ranking. Unknown ids are skipped.
func (r *Registry) StoreLoadScores(service string, scores map[string]float64) {
	entry := r.entry(service)
	if entry == nil {
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	for id, score := range scores {
		if record, ok := entry.records[id]; ok {
			record.LoadScore = score
		}
	}
}

// Report returns a copied snapshot of all records grouped by service. With
// service names given, only those services are included; unknown names map
// to empty slices.
func (r *Registry) Report(services ...string) map[string][]domain.HealthRecord {
	r.mu.RLock()
	if len(services) == 0 {
		services = make([]string, 0, len(r.services))
		for name := range r.services {
			services = append(services, name)
		}
	}
	r.mu.RUnlock()

	report := make(map[string][]domain.HealthRecord, len(services))
	for _, name := range services {
		report[name] = r.snapshot(name)
	}
	return report
}

// Tracked returns every (service, instance) pair currently known, for the
// prober to iterate
func (r *Registry) Tracked() []TrackedInstance {
	r.mu.RLock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	r.mu.RUnlock()

	var tracked []TrackedInstance
	for _, name := range names {
		for _, record := range r.snapshot(name) {
			tracked = append(tracked, TrackedInstance{Service: name, Instance: record.Instance})
		}
	}
	return tracked
}

// Remove drops every record for the service. Selection counters owned by the
// selector are cleaned up by its Cleanup, which calls through here.
func (r *Registry) Remove(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.services[service]; !ok {
		return
	}
	delete(r.services, service)
	r.logger.WithField("service", service).Info("Dropped health records for service")
}

// snapshot returns copies of all records for a service in first-seen order
func (r *Registry) snapshot(service string) []domain.HealthRecord {
	entry := r.entry(service)
	if entry == nil {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	records := make([]domain.HealthRecord, 0, len(entry.order))
	for _, id := range entry.order {
		records = append(records, *entry.records[id])
	}
	return records
}

func (r *Registry) entry(service string) *serviceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.services[service]
}

func (r *Registry) entryOrCreate(service string) *serviceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.services[service]
	if !ok {
		entry = &serviceEntry{
			records:          make(map[string]*domain.HealthRecord),
			failureThreshold: domain.DefaultFailureThreshold,
		}
		r.services[service] = entry
	}
	return entry
}

// withRecord runs fn against a live record under the service lock. Unknown
// service or instance references are an expected race with cleanup, so they
// degrade to a logged warning instead of an error.
func (r *Registry) withRecord(service, instanceID, op string, fn func(record *domain.HealthRecord, threshold int)) {
	entry := r.entry(service)
	if entry == nil {
		r.logger.InstanceLogger(service, instanceID).
			WithField("operation", op).
			Warn("Bookkeeping call for untracked service")
		return
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	record, ok := entry.records[instanceID]
	if !ok {
		r.logger.InstanceLogger(service, instanceID).
			WithField("operation", op).
			Warn("Bookkeeping call for untracked instance")
		return
	}
	fn(record, entry.failureThreshold)
}

// ema folds a new sample into an exponential moving average
func ema(old, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*old
}
