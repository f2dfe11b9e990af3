package balancer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zanewnch/aiot-gateway-lb/internal/domain"
	"github.com/zanewnch/aiot-gateway-lb/internal/registry"
	"github.com/zanewnch/aiot-gateway-lb/pkg/logger"
)

// Prober periodically verifies liveness of every tracked instance so a quiet
// unhealthy instance is still detected and a recovered one rejoins the pool
// without waiting for live traffic. Probes within a tick run concurrently
// and independently; a slow or failing instance never blocks another's
// check.
type Prober struct {
	registry *registry.Registry
	probe    Probe
	interval time.Duration
	timeout  time.Duration
	logger   *logger.Logger

	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mu        sync.RWMutex
}

// NewProber creates a prober over the given registry. Zero durations fall
// back to the defaults (30s interval, 5s per-probe timeout).
func NewProber(reg *registry.Registry, probe Probe, interval, timeout time.Duration, log *logger.Logger) *Prober {
	if interval <= 0 {
		interval = domain.DefaultHealthCheckInterval
	}
	if timeout <= 0 {
		timeout = domain.DefaultHealthCheckTimeout
	}
	return &Prober{
		registry: reg,
		probe:    probe,
		interval: interval,
		timeout:  timeout,
		logger:   log.ProberLogger(),
		stopChan: make(chan struct{}),
	}
}

// Start launches the background probe loop. An immediate pass runs before
// the first tick so freshly tracked instances are not blind for a whole
// interval.
func (p *Prober) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isRunning {
		return fmt.Errorf("prober is already running")
	}
	p.isRunning = true
	p.logger.Infof("Starting prober with interval %v", p.interval)

	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

// Stop halts probing and waits for in-flight probes to finish
func (p *Prober) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.isRunning {
		return
	}
	p.logger.Info("Stopping prober")
	close(p.stopChan)
	p.wg.Wait()
	p.isRunning = false
	p.stopChan = make(chan struct{})
}

// IsRunning reports whether the probe loop is active
func (p *Prober) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isRunning
}

func (p *Prober) loop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Probe loop stopped by context cancellation")
			return
		case <-p.stopChan:
			p.logger.Debug("Probe loop stopped")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick probes every tracked instance concurrently and waits for the batch,
// where each probe is individually bounded by the configured timeout
func (p *Prober) tick(ctx context.Context) {
	tracked := p.registry.Tracked()
	if len(tracked) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, target := range tracked {
		wg.Add(1)
		go func(target registry.TrackedInstance) {
			defer wg.Done()
			p.probeOne(ctx, target)
		}(target)
	}
	wg.Wait()
}

// probeOne runs a single probe and feeds the outcome into the registry. The
// timeout is enforced here at the call site; an expired deadline is just a
// failed probe.
func (p *Prober) probeOne(ctx context.Context, target registry.TrackedInstance) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := p.probe.Check(probeCtx, target.Instance)
	elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)

	if err != nil {
		p.logger.InstanceLogger(target.Service, target.Instance.ID).
			WithError(err).
			WithField("duration_ms", elapsedMs).
			Debug("Probe failed")
	}
	p.registry.ProbeResult(target.Service, target.Instance.ID, err == nil, elapsedMs)
}
