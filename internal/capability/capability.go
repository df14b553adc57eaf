// Package capability provides a cooperative, checkpoint-driven
// workerrun.Capability stub for every recognized job kind. The actual
// FreeCAD/CAM domain operations (model generation, toolpath computation,
// simulation, report rendering, ERP sync) live outside this module per
// §6.6's "External Collaborator Contracts" boundary; what belongs here is
// the shape every kind's real implementation must follow: report progress
// at bounded intervals, check cancellation between steps, and return
// artefact metadata on success.
package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/cncaiprojem/projem-sub008/internal/broker"
	"github.com/cncaiprojem/projem-sub008/internal/domain"
	"github.com/cncaiprojem/projem-sub008/internal/retrydlq"
	"github.com/cncaiprojem/projem-sub008/internal/workerrun"
)

// Step describes one unit of work a Stepped capability performs, used for
// progress reporting between checkpoints.
type Step struct {
	Name string
	Work func(ctx context.Context) error
}

// Stepped runs a fixed sequence of named steps, checking cancellation and
// reporting progress before each one, then reporting 100% once the last
// step has finished. It is the reference shape
// real per-kind capabilities (CAM toolpath generation, simulation, etc.)
// are expected to follow, wired here with no-op steps so the Worker
// Runtime has a concrete Capability to register for every domain.JobKind.
type Stepped struct {
	Kind  domain.JobKind
	Steps []Step
}

// New builds a Stepped capability for kind that performs Steps and
// reports even-interval progress across them.
func New(kind domain.JobKind, steps ...Step) *Stepped {
	return &Stepped{Kind: kind, Steps: steps}
}

// Execute implements workerrun.Capability.
func (s *Stepped) Execute(ctx context.Context, job *domain.Job, env broker.Envelope, cp *workerrun.Checkpoint) (map[string]any, error) {
	if len(s.Steps) == 0 {
		if err := cp.ReportProgress(ctx, 100, "noop", "no steps registered"); err != nil {
			return nil, err
		}
		return map[string]any{"kind": string(s.Kind)}, nil
	}

	for i, step := range s.Steps {
		if cancelled, err := cp.CheckCancel(ctx); err != nil {
			return nil, fmt.Errorf("capability: check cancel: %w", err)
		} else if cancelled {
			return nil, &retrydlq.ClassifiedError{
				Kind:    domain.ErrorKindCancellation,
				Code:    "CANCELLED",
				Message: fmt.Sprintf("cancelled before step %q", step.Name),
			}
		}

		percent := (i * 100) / len(s.Steps)
		if err := cp.ReportProgress(ctx, percent, step.Name, "starting"); err != nil {
			return nil, err
		}

		if err := step.Work(ctx); err != nil {
			return nil, err
		}
	}

	if err := cp.ReportProgress(ctx, 100, "complete", ""); err != nil {
		return nil, err
	}
	return map[string]any{"kind": string(s.Kind), "steps": len(s.Steps)}, nil
}

// Sleep returns a Step that simply waits d, honoring ctx cancellation.
// Placeholder work for every demo capability registered by cmd/worker
// until the real per-kind operation is wired in.
func Sleep(name string, d time.Duration) Step {
	return Step{Name: name, Work: func(ctx context.Context) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
}
