package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zanewnch/aiot-gateway-lb/internal/balancer"
	"github.com/zanewnch/aiot-gateway-lb/internal/config"
	"github.com/zanewnch/aiot-gateway-lb/internal/handler"
	"github.com/zanewnch/aiot-gateway-lb/internal/middleware"
	"github.com/zanewnch/aiot-gateway-lb/internal/registry"
	"github.com/zanewnch/aiot-gateway-lb/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting gateway load balancer")

	reg := registry.New(log)
	selector, err := balancer.NewSelector(reg, cfg.ToBalancerConfig(), log)
	if err != nil {
		log.WithError(err).Fatal("Failed to build selector")
	}

	// Statically declared services are tracked up front so the prober covers
	// them before any traffic arrives
	for _, service := range cfg.Services {
		reg.EnsureTracked(service.Name, service.Instances, cfg.ServiceBalancerConfig(service))
		log.WithField("service", service.Name).
			WithField("instances", len(service.Instances)).
			Info("Registered service")
	}

	prober := balancer.NewProber(
		reg,
		buildProbe(cfg.Probe, log),
		cfg.Balancer.HealthCheckInterval.Std(),
		cfg.Balancer.HealthCheckTimeout.Std(),
		log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := prober.Start(ctx); err != nil {
		log.WithError(err).Fatal("Failed to start prober")
	}

	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit, log)
	admin := handler.NewAdminHandler(selector, prober, log)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      admin.Router(rateLimiter.Middleware),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	go func() {
		log.Infof("Admin API listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Admin server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")
	cancel()
	prober.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Admin server shutdown failed")
	}

	log.Info("Stopped")
}

// buildProbe constructs the configured probe strategy
func buildProbe(cfg config.ProbeConfig, log *logger.Logger) balancer.Probe {
	switch cfg.Type {
	case "tcp":
		return balancer.NewTCPProbe()
	case "grpc":
		return balancer.NewGRPCProbe(cfg.GRPCService)
	default:
		return balancer.NewHTTPProbe(cfg.Path, cfg.EnableHTTP2, log)
	}
}
