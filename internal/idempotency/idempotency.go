// Package idempotency implements the atomic claim semantics behind
// Intake & Idempotent Admission (§4.1): a request is deduplicated by
// (owner, idempotency_key), with the claim guarded by a fingerprint over
// the canonicalized request so a reused key with a different payload is
// rejected rather than silently served stale data.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/cncaiprojem/projem-sub008/internal/canon"
	"github.com/cncaiprojem/projem-sub008/internal/domain"
)

// Repository is the persistence seam the Store needs. Implementations must
// make CreateClaim atomic: on a unique-constraint race, they return
// ErrRaceLost so the caller can re-read and retry once, per §4.1 step 4.
type Repository interface {
	// CreateClaim attempts to insert a new idempotency record alongside the
	// pending job row in a single transaction. Returns ErrRaceLost if a
	// concurrent caller won the unique-constraint race.
	CreateClaim(ctx context.Context, record domain.IdempotencyRecord, newJob domain.Job) error

	// Find returns the existing record for (owner, key), or (nil, nil) if
	// none exists.
	Find(ctx context.Context, owner, idempotencyKey string) (*domain.IdempotencyRecord, error)
}

// ErrRaceLost indicates a concurrent claim won the unique-constraint race;
// per §4.1 step 4 the caller re-reads and retries exactly once.
var ErrRaceLost = errors.New("idempotency: concurrent claim race lost")

// Store implements the SubmitJob claim algorithm described in §4.1.
type Store struct {
	repo Repository
}

// New constructs a Store over the given Repository.
func New(repo Repository) *Store {
	return &Store{repo: repo}
}

// Fingerprint computes SHA256(canonical(params) || kind || owner) as hex,
// per §4.1 step 2.
func Fingerprint(canonicalParams []byte, kind domain.JobKind, owner string) string {
	h := sha256.New()
	h.Write(canonicalParams)
	h.Write([]byte(kind))
	h.Write([]byte(owner))
	return hex.EncodeToString(h.Sum(nil))
}

// CanonicalizeParams normalizes a raw JSON params blob for both
// fingerprinting and audit payloads (§4.1 step 1).
func CanonicalizeParams(rawParams []byte) ([]byte, error) {
	canonical, err := canon.Marshal(rawParams)
	if err != nil {
		return nil, fmt.Errorf("idempotency: canonicalize params: %w", err)
	}
	if err := domain.ValidateParamsSize(canonical); err != nil {
		return nil, err
	}
	return canonical, nil
}

// ClaimResult is returned by Claim.
type ClaimResult struct {
	JobID   string
	Created bool // false on an idempotent hit
}

// Claim implements §4.1's admission algorithm steps 3-4. newJob must
// already carry the canonicalized params and the computed fingerprint's
// owner/kind inputs; Claim computes the fingerprint itself from
// canonicalParams so callers cannot pass a mismatched pair.
func (s *Store) Claim(ctx context.Context, owner string, idempotencyKey domain.IdempotencyKey, kind domain.JobKind, canonicalParams []byte, newJob domain.Job) (ClaimResult, error) {
	fingerprint := Fingerprint(canonicalParams, kind, owner)

	record := domain.IdempotencyRecord{
		Owner:          owner,
		IdempotencyKey: idempotencyKey.String(),
		JobID:          newJob.ID,
		Fingerprint:    fingerprint,
	}

	err := s.repo.CreateClaim(ctx, record, newJob)
	switch {
	case err == nil:
		return ClaimResult{JobID: newJob.ID, Created: true}, nil
	case errors.Is(err, ErrRaceLost):
		return s.resolveExisting(ctx, owner, idempotencyKey.String(), fingerprint)
	default:
		return ClaimResult{}, fmt.Errorf("idempotency: create claim: %w", err)
	}
}

func (s *Store) resolveExisting(ctx context.Context, owner, idempotencyKey, fingerprint string) (ClaimResult, error) {
	existing, err := s.repo.Find(ctx, owner, idempotencyKey)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("idempotency: find existing record: %w", err)
	}
	if existing == nil {
		return ClaimResult{}, fmt.Errorf("idempotency: race reported but no record found: %w", domain.ErrStorageUnavailable)
	}

	if existing.Fingerprint != fingerprint {
		return ClaimResult{}, domain.ErrIdempotencyConflict
	}

	return ClaimResult{JobID: existing.JobID, Created: false}, nil
}
