// Package audit implements the per-scope, hash-chained, append-only event
// log that covers every job state transition. Each event's chain_hash
// commits to the previous event's chain_hash, its own canonical payload,
// scope, event type, and sequence number, so any later mutation or
// insertion is detectable by recomputing the chain from genesis.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cncaiprojem/projem-sub008/internal/canon"
	"github.com/cncaiprojem/projem-sub008/internal/domain"
)

// GenesisHash is the prev_hash of the first event appended to any scope.
const GenesisHash = domain.GenesisHash

// Appender persists a computed event row; postgres.AuditRepository is the
// Postgres-backed implementation.
type Appender interface {
	// Head returns the current chain head for scope (seq, chain_hash) or
	// (0, GenesisHash) if the scope has no events yet.
	Head(ctx context.Context, scopeKind, scopeID string) (seq int64, headHash string, err error)

	// Append inserts the event row. Implementations must enforce the
	// unique (scope_kind, scope_id, seq) constraint and return a
	// retryable error on conflict.
	Append(ctx context.Context, event domain.AuditEvent) error

	// Scan returns every event for a scope in ascending seq order.
	Scan(ctx context.Context, scopeKind, scopeID string) ([]domain.AuditEvent, error)
}

// Chain computes and appends audit events for a single scope. It does not
// itself open a database transaction, and postgres.AuditRepository writes
// each event through the connection pool on its own, so an append is not
// atomic with the state transition that precedes it.
type Chain struct {
	appender Appender
	clock    interface{ Now() time.Time }
}

// New constructs a Chain over the given Appender and clock.
func New(appender Appender, clock interface{ Now() time.Time }) *Chain {
	return &Chain{appender: appender, clock: clock}
}

// Append computes the canonical payload and chain_hash for the next event
// in scope (scopeKind, scopeID) and persists it via the Appender.
//
// Per §4.9: read the chain head, compute payload canonical form and
// chain_hash, insert, and fail the caller on conflict (retry).
func (c *Chain) Append(ctx context.Context, scopeKind, scopeID string, eventType domain.AuditEventType, payload map[string]any, actor *string) (domain.AuditEvent, error) {
	seq, prevHash, err := c.appender.Head(ctx, scopeKind, scopeID)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("audit: read chain head: %w", err)
	}

	nextSeq := seq + 1

	canonicalPayload, err := canon.MarshalValue(payload)
	if err != nil {
		return domain.AuditEvent{}, fmt.Errorf("audit: canonicalize payload: %w", err)
	}

	chainHash := ComputeChainHash(prevHash, canonicalPayload, scopeKind, scopeID, string(eventType), nextSeq)

	event := domain.AuditEvent{
		ScopeKind: scopeKind,
		ScopeID:   scopeID,
		Seq:       nextSeq,
		EventType: eventType,
		Payload:   canonicalPayload,
		PrevHash:  prevHash,
		ChainHash: chainHash,
		Actor:     actor,
		CreatedAt: c.clock.Now(),
	}

	if err := c.appender.Append(ctx, event); err != nil {
		return domain.AuditEvent{}, fmt.Errorf("audit: append event: %w", err)
	}

	return event, nil
}

// ComputeChainHash implements the §3.3 chain invariant:
//
//	chain_hash = SHA256(prev_hash || canonical(payload) || scope || event_type || seq)
//
// scope is the concatenation of scopeKind and scopeID with a separator,
// matching how the chain head lookup keys events.
func ComputeChainHash(prevHash string, canonicalPayload []byte, scopeKind, scopeID, eventType string, seq int64) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalPayload)
	h.Write([]byte(scopeKind))
	h.Write([]byte(":"))
	h.Write([]byte(scopeID))
	h.Write([]byte(eventType))
	fmt.Fprintf(h, "%d", seq)
	return hex.EncodeToString(h.Sum(nil))
}

// Violation describes the first broken link the verifier encountered.
type Violation struct {
	Index  int // index into the scanned event slice
	Reason string
}

// Verify scans a scope's chain in order and recomputes each chain_hash,
// checking it against the stored value and against the link to the
// previous event. It returns the first violation found, or nil if the
// chain is intact.
func Verify(ctx context.Context, appender Appender, scopeKind, scopeID string) (*Violation, error) {
	events, err := appender.Scan(ctx, scopeKind, scopeID)
	if err != nil {
		return nil, fmt.Errorf("audit: scan scope: %w", err)
	}

	expectedPrev := GenesisHash
	for i, event := range events {
		if event.PrevHash != expectedPrev {
			return &Violation{Index: i, Reason: "prev_hash does not match predecessor's chain_hash"}, nil
		}

		recomputed := ComputeChainHash(event.PrevHash, event.Payload, event.ScopeKind, event.ScopeID, string(event.EventType), event.Seq)
		if recomputed != event.ChainHash {
			return &Violation{Index: i, Reason: "chain_hash does not match recomputed value"}, nil
		}

		expectedPrev = event.ChainHash
	}

	return nil, nil
}
