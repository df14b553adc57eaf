package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cncaiprojem/projem-sub008/internal/bootstrap"
	"github.com/cncaiprojem/projem-sub008/internal/domain"
	"github.com/cncaiprojem/projem-sub008/internal/engine"
	"github.com/cncaiprojem/projem-sub008/internal/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.Init(ctx, observability.Config{
		Enabled:     os.Getenv("MONO_OTEL_ENABLED") == "true",
		ServiceName: "mono-server",
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

	slog.InfoContext(ctx, "server components ready", "database", bootstrap.MaskDSN(comps.Config.Database.DSN))

	eng := engine.New(
		comps.Jobs,
		comps.Idempotency,
		comps.AuditLog,
		comps.RoutingTable,
		comps.Publisher,
		comps.Cancellation,
		comps.AdminReplay,
		comps.Limiter,
		comps.Clock,
	)

	addr := ":" + httpPort()
	handler := otelhttp.NewHandler(newMux(eng), "mono-server")
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errResult := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "http server listening", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errResult <- fmt.Errorf("serve http: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.WarnContext(shutdownCtx, "http server shutdown timed out", "error", err)
		}
		return nil
	case err := <-errResult:
		return err
	}
}

// newMux wires the Engine's transport-agnostic operations (§6) behind the
// narrowest possible HTTP surface: liveness/readiness probes plus one
// handler each for SubmitJob, GetJobStatus and CancelJob. The Engine's
// dead-letter operations have no route here. Request parsing, routing conventions, auth,
// and the rest of the real HTTP façade are the external collaborator §1
// scopes out of this module; this is wiring, not the façade itself.
func newMux(eng *engine.Engine) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /jobs", submitJobHandler(eng))
	mux.HandleFunc("GET /jobs/{id}", getJobHandler(eng))
	mux.HandleFunc("POST /jobs/{id}/cancel", cancelJobHandler(eng))

	return mux
}

type submitJobRequest struct {
	Owner          string          `json:"owner"`
	Kind           string          `json:"kind"`
	Params         json.RawMessage `json:"params"`
	IdempotencyKey string          `json:"idempotency_key"`
	Priority       *int            `json:"priority,omitempty"`
}

func submitJobHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "malformed request body")
			return
		}

		result, err := eng.SubmitJob(r.Context(), engine.SubmitJobInput{
			Owner:          req.Owner,
			Kind:           req.Kind,
			Params:         req.Params,
			IdempotencyKey: req.IdempotencyKey,
			Priority:       req.Priority,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}

		status := http.StatusCreated
		if !result.Created {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]any{
			"job_id":       result.JobID,
			"is_duplicate": !result.Created,
		})
	}
}

func getJobHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := eng.GetJobStatus(r.Context(), r.PathValue("id"))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

type cancelJobRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func cancelJobHandler(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cancelJobRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		result, err := eng.RequestCancel(r.Context(), r.PathValue("id"), req.Actor, req.Reason)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"job_id":            r.PathValue("id"),
			"cancel_requested":  true,
			"already_terminal":  result.AlreadyTerminal,
			"already_requested": result.AlreadyRequested,
		})
	}
}

// writeDomainError maps a domain error sentinel to the §6.1/§7 status
// code; the real façade (outside this module) owns richer bilingual
// messages and correlation-id propagation.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, "IDEMPOTENCY_CONFLICT", err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, domain.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", err.Error())
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION", err.Error())
	case errors.Is(err, domain.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", err.Error())
	case errors.Is(err, domain.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", err.Error())
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func httpPort() string {
	if p := os.Getenv("MONO_HTTP_PORT"); p != "" {
		if _, err := strconv.Atoi(p); err == nil {
			return p
		}
	}
	return "8080"
}
