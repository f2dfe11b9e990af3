package balancer

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/zanewnch/aiot-gateway-lb/internal/domain"
	"github.com/zanewnch/aiot-gateway-lb/pkg/logger"
)

// Probe performs one liveness check against an instance. A nil error means
// the instance answered within the caller's deadline; anything else,
// including a deadline hit, counts as a failed probe. This is the only place
// the balancer touches network I/O, so swapping the probe strategy never
// affects the registry or selector contracts.
type Probe interface {
	Check(ctx context.Context, instance domain.ServiceInstance) error
}

// HTTPProbe issues a GET against a health path and treats any non-2xx answer
// as unhealthy
type HTTPProbe struct {
	client *http.Client
	path   string
}

// NewHTTPProbe creates the default probe. The shared client carries no
// timeout of its own; the prober bounds every check through the request
// context. With enableHTTP2 the transport also speaks h2 to backends that
// negotiate it.
func NewHTTPProbe(path string, enableHTTP2 bool, log *logger.Logger) *HTTPProbe {
	transport := &http.Transport{
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		DisableCompression:  true,
		MaxIdleConnsPerHost: 2,
	}
	if enableHTTP2 {
		// Best effort; the transport still serves HTTP/1.1 when upgrade fails
		if err := http2.ConfigureTransport(transport); err != nil {
			log.WithError(err).Warn("HTTP/2 transport setup failed, probing over HTTP/1.1")
		}
	}
	if path == "" {
		path = "/health"
	}
	return &HTTPProbe{
		client: &http.Client{Transport: transport},
		path:   path,
	}
}

// Check implements Probe
func (p *HTTPProbe) Check(ctx context.Context, instance domain.ServiceInstance) error {
	url := "http://" + instance.Addr() + p.path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}
	req.Header.Set("User-Agent", "GatewayLB-HealthProbe/1.0")
	req.Header.Set("Accept", "application/json, text/plain, */*")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// TCPProbe considers an instance alive when its port accepts a connection
type TCPProbe struct {
	dialer net.Dialer
}

// NewTCPProbe creates a TCP connect probe
func NewTCPProbe() *TCPProbe {
	return &TCPProbe{}
}

// Check implements Probe
func (p *TCPProbe) Check(ctx context.Context, instance domain.ServiceInstance) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", instance.Addr())
	if err != nil {
		return fmt.Errorf("tcp probe failed: %w", err)
	}
	return conn.Close()
}

// GRPCProbe checks instances through the standard gRPC health service
type GRPCProbe struct {
	// serviceName is the health service to query; empty asks for overall
	// server health
	serviceName string
}

// NewGRPCProbe creates a gRPC health v1 probe
func NewGRPCProbe(serviceName string) *GRPCProbe {
	return &GRPCProbe{serviceName: serviceName}
}

// Check implements Probe. The connection is set up and torn down per probe;
// at a 30 second default interval connection reuse is not worth the cached
// state going stale across instance restarts.
func (p *GRPCProbe) Check(ctx context.Context, instance domain.ServiceInstance) error {
	conn, err := grpc.NewClient(instance.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("grpc probe dial failed: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: p.serviceName,
	})
	if err != nil {
		return fmt.Errorf("grpc health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health status %s", resp.GetStatus())
	}
	return nil
}
