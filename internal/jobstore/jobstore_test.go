package jobstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cncaiprojem/projem-sub008/internal/domain"
	"github.com/cncaiprojem/projem-sub008/internal/jobstore"
)

type fakeClock struct{ now time.Time }

func (f fakeClock) Now() time.Time { return f.now }

type fakeRepo struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

func newFakeRepo() *fakeRepo { return &fakeRepo{jobs: map[string]domain.Job{}} }

func (r *fakeRepo) Insert(ctx context.Context, job domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	return nil
}

func (r *fakeRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := j
	return &cp, nil
}

func (r *fakeRepo) Update(ctx context.Context, job domain.Job, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.jobs[job.ID]
	if !ok || existing.Version != expectedVersion {
		return domain.ErrJobOwnershipLost
	}
	r.jobs[job.ID] = job
	return nil
}

func TestTransition_PendingToQueued(t *testing.T) {
	repo := newFakeRepo()
	clock := fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := jobstore.New(repo, clock)

	job := domain.Job{ID: "j1", Owner: "owner-1", Kind: domain.JobKindModel}
	require.NoError(t, store.Create(context.Background(), job))

	got, err := store.Get(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusPending, got.Status)

	err = store.Transition(context.Background(), got, domain.JobStatusQueued, func(j *domain.Job) {
		j.TaskID = "task-1"
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, got.Status)
	assert.Equal(t, "task-1", got.TaskID)
	assert.Equal(t, int64(2), got.Version)
}

func TestTransition_RejectsInvalidMove(t *testing.T) {
	repo := newFakeRepo()
	store := jobstore.New(repo, fakeClock{now: time.Now()})

	job := domain.Job{ID: "j1", Status: domain.JobStatusPending, Version: 1}
	require.NoError(t, repo.Insert(context.Background(), job))

	err := store.Transition(context.Background(), &job, domain.JobStatusRunning, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestTransition_RunningIncrementsAttemptsAndSetsStartedAt(t *testing.T) {
	repo := newFakeRepo()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := jobstore.New(repo, fakeClock{now: now})

	job := domain.Job{ID: "j1", Status: domain.JobStatusQueued, Version: 1}
	require.NoError(t, repo.Insert(context.Background(), job))

	require.NoError(t, store.Transition(context.Background(), &job, domain.JobStatusRunning, nil))
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.StartedAt)
	assert.Equal(t, now, *job.StartedAt)
	assert.Nil(t, job.FinishedAt)
}

func TestTransition_TerminalSetsFinishedAt(t *testing.T) {
	repo := newFakeRepo()
	store := jobstore.New(repo, fakeClock{now: time.Now()})

	job := domain.Job{ID: "j1", Status: domain.JobStatusRunning, Version: 1, Attempts: 1}
	require.NoError(t, repo.Insert(context.Background(), job))

	require.NoError(t, store.Transition(context.Background(), &job, domain.JobStatusSucceeded, nil))
	require.NotNil(t, job.FinishedAt)
}

// TestTransition_StaleVersionLosesRace verifies the optimistic-concurrency
// guard: a transition computed against a stale in-memory Job loses to a
// concurrent winner (§5's second-claim-rejected scenario).
func TestTransition_StaleVersionLosesRace(t *testing.T) {
	repo := newFakeRepo()
	store := jobstore.New(repo, fakeClock{now: time.Now()})

	job := domain.Job{ID: "j1", Status: domain.JobStatusQueued, Version: 1}
	require.NoError(t, repo.Insert(context.Background(), job))

	staleCopy := job
	require.NoError(t, store.Transition(context.Background(), &job, domain.JobStatusRunning, nil))

	err := store.Transition(context.Background(), &staleCopy, domain.JobStatusRunning, nil)
	assert.ErrorIs(t, err, domain.ErrJobOwnershipLost)
}

func TestSetCancelRequested_IdempotentNoOp(t *testing.T) {
	repo := newFakeRepo()
	store := jobstore.New(repo, fakeClock{now: time.Now()})

	job := domain.Job{ID: "j1", Status: domain.JobStatusQueued, Version: 1}
	require.NoError(t, repo.Insert(context.Background(), job))

	require.NoError(t, store.SetCancelRequested(context.Background(), &job, time.Now()))
	assert.True(t, job.CancelRequested)
	versionAfterFirst := job.Version

	require.NoError(t, store.SetCancelRequested(context.Background(), &job, time.Now()))
	assert.Equal(t, versionAfterFirst, job.Version, "second call must be a no-op")
}
