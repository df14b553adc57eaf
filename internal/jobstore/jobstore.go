// Package jobstore implements the Job Store component (§3.1, §4.4): job
// CRUD, the lifecycle state machine's transition guard, and optimistic
// concurrency on (id, version) so two concurrent writers never silently
// clobber each other's update (§5's "single writer per row via optimistic
// versioning").
package jobstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cncaiprojem/projem-sub008/internal/clockid"
	"github.com/cncaiprojem/projem-sub008/internal/domain"
)

// Repository is the persistence seam the Store needs. Implementations must
// enforce (id, version) optimistic concurrency: Update returns
// ErrJobOwnershipLost when the row's current version does not equal
// expectedVersion (someone else won the race, or the row no longer
// exists).
type Repository interface {
	Insert(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)

	// Update persists job (whose Version field must already be
	// expectedVersion+1) guarded by a WHERE id = ... AND version =
	// expectedVersion clause equivalent. Zero affected rows must surface
	// as domain.ErrJobOwnershipLost.
	Update(ctx context.Context, job domain.Job, expectedVersion int64) error
}

// Store implements the §4.4 job lifecycle state machine over a
// Repository, the way idempotency.Store implements the admission
// algorithm over its own Repository.
type Store struct {
	repo  Repository
	clock clockid.Clock
}

// New constructs a Store over the given Repository and Clock.
func New(repo Repository, clock clockid.Clock) *Store {
	return &Store{repo: repo, clock: clock}
}

// Get returns the job by id.
func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.repo.Get(ctx, id)
}

// Create inserts a new job in the pending state (§4.1 step 3, intake-only
// transition into pending per §4.4's table).
func (s *Store) Create(ctx context.Context, job domain.Job) error {
	now := s.clock.Now()
	job.Status = domain.JobStatusPending
	job.Version = 1
	job.CreatedAt = now
	job.UpdatedAt = now
	return s.repo.Insert(ctx, job)
}

// Transition validates the requested move against the §4.4 table, applies
// the common bookkeeping (updated_at always, started_at on first entry to
// running, finished_at on entering a terminal state, attempts increment on
// entry to running), and persists via the optimistic-concurrency Update.
//
// mutate may set kind-specific fields (TaskID, Error, Progress, ...) on the
// job before it is persisted; it runs after the bookkeeping fields are set
// so a caller can still override them if needed.
func (s *Store) Transition(ctx context.Context, job *domain.Job, to domain.JobStatus, mutate func(*domain.Job)) error {
	from := job.Status
	if !domain.AllowedTransitions(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	expectedVersion := job.Version
	updated := *job
	updated.Status = to
	updated.Version = expectedVersion + 1
	updated.UpdatedAt = s.clock.Now()

	if to == domain.JobStatusRunning {
		updated.Attempts++
		if updated.StartedAt == nil {
			started := updated.UpdatedAt
			updated.StartedAt = &started
		}
	}
	if to.IsTerminal() {
		finished := updated.UpdatedAt
		updated.FinishedAt = &finished
	}

	if mutate != nil {
		mutate(&updated)
	}

	if err := s.repo.Update(ctx, updated, expectedVersion); err != nil {
		return fmt.Errorf("jobstore: transition %s -> %s: %w", from, to, err)
	}

	*job = updated
	return nil
}

// SetCancelRequested sets the monotonic cancel_requested flag. It is a
// no-op (not an error) if already set, matching the idempotent contract
// §4.6 needs; callers distinguish "already requested" by comparing the
// flag before calling.
func (s *Store) SetCancelRequested(ctx context.Context, job *domain.Job, now time.Time) error {
	if job.CancelRequested {
		return nil
	}
	expectedVersion := job.Version
	updated := *job
	updated.CancelRequested = true
	updated.Version = expectedVersion + 1
	updated.UpdatedAt = now

	if err := s.repo.Update(ctx, updated, expectedVersion); err != nil {
		return fmt.Errorf("jobstore: set cancel_requested: %w", err)
	}
	*job = updated
	return nil
}
