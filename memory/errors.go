package memory

import "errors"

// Sentinel errors shared across the engine. Providers, stores and the index
// wrap these with fmt.Errorf("...: %w", ...); callers match with errors.Is.
var (
	// ErrProviderUnavailable means the embedding backend cannot serve:
	// model failed to load, endpoint unreachable, or auth rejected.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")

	// ErrEmbedTimeout means an embedding call exceeded its deadline.
	ErrEmbedTimeout = errors.New("embedding timed out")

	// ErrDimensionMismatch means a vector's length does not match the
	// index epoch. The operation is rejected and the index is unchanged.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrNotFound means the referenced turn, fact or index entry does not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied means the caller's capability does not allow the
	// operation (fact mutation requires the owner capability).
	ErrPermissionDenied = errors.New("permission denied")

	// ErrCorruption means the durable store failed its integrity check.
	// This is the one unrecoverable condition: the process should stop and
	// ask the operator to restore or delete the database file.
	ErrCorruption = errors.New("store corrupted")
)
