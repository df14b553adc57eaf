package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cncaiprojem/projem-sub008/internal/bootstrap"
	"github.com/cncaiprojem/projem-sub008/internal/capability"
	"github.com/cncaiprojem/projem-sub008/internal/domain"
	"github.com/cncaiprojem/projem-sub008/internal/observability"
	"github.com/cncaiprojem/projem-sub008/internal/workerrun"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.Init(ctx, observability.Config{
		Enabled:     os.Getenv("MONO_OTEL_ENABLED") == "true",
		ServiceName: "mono-worker",
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	slog.SetDefault(obs.Slog)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "observability shutdown failed", "error", err)
		}
	}()

	comps, err := bootstrap.Build(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap components: %w", err)
	}
	defer comps.Close()

	slog.InfoContext(ctx, "worker components ready", "database", bootstrap.MaskDSN(comps.Config.Database.DSN))

	workerID := os.Getenv("MONO_WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = "worker-" + hostname
	}

	slots := slotsFromEnv()

	rt := workerrun.New(
		comps.AMQPChannel,
		comps.Jobs,
		comps.AuditLog,
		comps.Cancellation,
		comps.Progress,
		comps.Retry,
		comps.RoutingTable,
		comps.Config,
		comps.Clock,
		workerID,
		slots,
	)

	for _, kind := range domain.AllJobKinds {
		rt.Register(kind, demoCapability(kind))
	}

	slog.InfoContext(ctx, "starting worker runtime", "worker_id", workerID, "slots", slots)
	if err := rt.Run(ctx); err != nil {
		return fmt.Errorf("worker runtime: %w", err)
	}
	slog.InfoContext(ctx, "worker runtime stopped")
	return nil
}

// demoCapability builds the placeholder Stepped capability registered for
// kind until the real FreeCAD/CAM operation for that kind is wired in from
// outside this module (§6.6).
func demoCapability(kind domain.JobKind) *capability.Stepped {
	return capability.New(kind,
		capability.Sleep("prepare", 10*time.Millisecond),
		capability.Sleep("execute", 10*time.Millisecond),
		capability.Sleep("finalize", 10*time.Millisecond),
	)
}

func slotsFromEnv() int {
	v := os.Getenv("MONO_WORKER_SLOTS")
	if v == "" {
		return 4
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return 4
	}
	return n
}
