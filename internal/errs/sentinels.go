// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Input and policy violations. Never retried.
var (
	// ErrValidation indicates rejected input (empty file, size cap, bad extension).
	ErrValidation = errors.New("validation failed")

	// ErrInvalidPolicyParams indicates malformed parameters for a policy type.
	ErrInvalidPolicyParams = errors.New("invalid policy params")

	// ErrAccessDenied indicates an authorization proof that does not satisfy the policy.
	ErrAccessDenied = errors.New("access denied")

	// ErrAccessExpired indicates an access ticket past its expiry.
	ErrAccessExpired = errors.New("access expired")

	// ErrMaxDownloadsExceeded indicates an exhausted download cap.
	ErrMaxDownloadsExceeded = errors.New("max downloads exceeded")
)

// Collaborator failures.
var (
	// ErrEncryptionUnavailable indicates the key backend is unreachable (retryable after backoff).
	ErrEncryptionUnavailable = errors.New("encryption unavailable")

	// ErrStorageUnavailable indicates all storage upload candidates were exhausted.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrBlobNotFound indicates the blob could not be fetched from any endpoint.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrLedgerTransactionFailed indicates the ledger rejected the transaction.
	// Not retried automatically: the chain-reported reason may reflect
	// insufficient funds or invalid state.
	ErrLedgerTransactionFailed = errors.New("ledger transaction failed")
)

// Lifecycle and store sentinels.
var (
	// ErrCancelled indicates a caller-initiated abort.
	ErrCancelled = errors.New("cancelled")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a unique constraint violation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrListingInactive indicates the listing is delisted or expired.
	ErrListingInactive = errors.New("listing inactive")

	// ErrQualityBelowThreshold indicates an attestation score under the configured minimum.
	ErrQualityBelowThreshold = errors.New("quality below threshold")
)
