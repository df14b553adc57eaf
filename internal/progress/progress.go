// Package progress implements the Progress Reporter (§4.7): monotonic,
// throttled progress updates that coalesce intermediate reports and
// bypass throttling on terminal transitions.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cncaiprojem/projem-sub008/internal/clockid"
	"github.com/cncaiprojem/projem-sub008/internal/domain"
)

// DefaultThrottle is the §9-prescribed default persisted-write interval.
const DefaultThrottle = 100 * time.Millisecond

// Persister is the store-side seam: a single job's last progress
// snapshot (§3.1's bounded metrics map).
type Persister interface {
	SaveProgress(ctx context.Context, jobID string, snapshot domain.ProgressSnapshot) error
}

// Metrics distinguishes throttled vs. persisted writes, per §4.7.
type Metrics interface {
	IncThrottled(jobKind string)
	IncPersisted(jobKind string)
}

// NoopMetrics discards counters; used where no metrics backend is wired.
type NoopMetrics struct{}

func (NoopMetrics) IncThrottled(string) {}
func (NoopMetrics) IncPersisted(string) {}

type jobState struct {
	lastPercent int
	lastWriteAt time.Time
	everWrote   bool
}

// Reporter implements ReportProgress (§4.7) with a per-job throttle
// window. It is safe for concurrent use by multiple workers reporting on
// different jobs.
type Reporter struct {
	persister Persister
	metrics   Metrics
	clock     clockid.Clock
	throttle  time.Duration

	mu    sync.Mutex
	state map[string]*jobState
}

// New constructs a Reporter with the default 100ms throttle.
func New(persister Persister, metrics Metrics, clock clockid.Clock) *Reporter {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Reporter{
		persister: persister,
		metrics:   metrics,
		clock:     clock,
		throttle:  DefaultThrottle,
		state:     make(map[string]*jobState),
	}
}

// WithThrottle overrides the persisted-write interval.
func (r *Reporter) WithThrottle(d time.Duration) *Reporter {
	r.throttle = d
	return r
}

// ReportProgress implements §4.7: percent must be in [0,100]; reports
// below the job's last stored percent are dropped (monotonicity);
// otherwise the write is persisted immediately if the throttle window has
// elapsed since the job's last persisted write, or coalesced (dropped,
// counted as throttled) if not.
func (r *Reporter) ReportProgress(ctx context.Context, jobID, jobKind string, percent int, step, message string) error {
	if _, err := domain.NewProgressPercent(percent); err != nil {
		return fmt.Errorf("progress: %w", err)
	}

	now := r.clock.Now()

	r.mu.Lock()
	st, ok := r.state[jobID]
	if !ok {
		st = &jobState{}
		r.state[jobID] = st
	}

	if st.everWrote && percent < st.lastPercent {
		r.mu.Unlock()
		return nil // dropped: non-monotonic
	}

	if st.everWrote && now.Sub(st.lastWriteAt) < r.throttle {
		st.lastPercent = percent
		r.mu.Unlock()
		r.metrics.IncThrottled(jobKind)
		return nil
	}

	st.lastPercent = percent
	st.lastWriteAt = now
	st.everWrote = true
	r.mu.Unlock()

	snapshot := domain.ProgressSnapshot{Percent: percent, Step: step, Message: message, UpdatedAt: now}
	if err := r.persister.SaveProgress(ctx, jobID, snapshot); err != nil {
		return fmt.Errorf("progress: save: %w", err)
	}
	r.metrics.IncPersisted(jobKind)
	return nil
}

// ReportFinal always persists, bypassing the throttle window, per §4.7's
// "Terminal transitions bypass throttling." Callers invoke this as part
// of the same operation that transitions a job to a terminal state.
func (r *Reporter) ReportFinal(ctx context.Context, jobID, jobKind string, percent int, step, message string) error {
	if _, err := domain.NewProgressPercent(percent); err != nil {
		return fmt.Errorf("progress: %w", err)
	}
	now := r.clock.Now()

	r.mu.Lock()
	st, ok := r.state[jobID]
	if !ok {
		st = &jobState{}
		r.state[jobID] = st
	}
	st.lastPercent = percent
	st.lastWriteAt = now
	st.everWrote = true
	r.mu.Unlock()

	snapshot := domain.ProgressSnapshot{Percent: percent, Step: step, Message: message, UpdatedAt: now}
	if err := r.persister.SaveProgress(ctx, jobID, snapshot); err != nil {
		return fmt.Errorf("progress: save final: %w", err)
	}
	r.metrics.IncPersisted(jobKind)
	return nil
}

// Forget drops in-memory throttle state for a job, e.g. once it reaches a
// terminal state and will never be reported on again. Safe to skip; the
// map entry is small and bounded by the number of in-flight jobs a
// process is actively reporting on.
func (r *Reporter) Forget(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.state, jobID)
}
