package domain

import "errors"

// Domain errors - these are returned by repository implementations
// and checked by the service/worker layers. Each maps to exactly one
// error-taxonomy kind; the transport dispatcher is the only place that
// turns these into status codes.

var (
	// ErrNotFound indicates the requested job does not exist.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidID indicates the provided ID format is invalid.
	ErrInvalidID = errors.New("invalid ID format")

	// ErrIdempotencyConflict indicates an idempotency key was reused with
	// a different request fingerprint.
	ErrIdempotencyConflict = errors.New("idempotency key conflict")

	// ErrInvalidTransition indicates a job state-machine transition was
	// attempted from a state that does not permit it.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrJobOwnershipLost indicates a worker attempted to mutate a job it
	// no longer holds the claim for (affected-row-count == 0 on an
	// ownership-checked update). Callers should treat this as handled,
	// not as an error to surface.
	ErrJobOwnershipLost = errors.New("job ownership lost to another worker")

	// ErrPayloadTooLarge indicates params or an envelope exceeded the
	// configured size ceiling.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrInvalidRequest indicates malformed input that failed validation
	// before reaching the store.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrRateLimited indicates a token-bucket limit rejected the request
	// without consuming idempotency.
	ErrRateLimited = errors.New("rate limited")

	// ErrStorageUnavailable indicates a transient persistence failure that
	// callers may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrChainVerification indicates the audit verifier found a broken
	// link. audit.Verify itself does not return it: it reports a broken
	// link, with its index, as a *audit.Violation.
	ErrChainVerification = errors.New("audit chain verification failed")

	// ErrForbidden indicates an operator action (e.g. admin replay) was
	// rejected for lack of a valid second-factor assertion.
	ErrForbidden = errors.New("forbidden")
)
