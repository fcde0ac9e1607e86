// Package model defines domain entities shared by services, repositories and collaborators.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// BlobRef identifies an opaque object stored on the blob network.
type BlobRef struct {
	BlobID      string // content identifier assigned by the storage network
	Size        int64
	ContentHash string // blake3 hex digest of the stored bytes
}

// PendingModel is a seller-submitted, encrypted-but-unlisted model.
// Owned exclusively by the seller until consumed by verification.
type PendingModel struct {
	ID            uuid.UUID
	SellerAddress string
	Title         string
	Description   string
	Category      string
	Tags          []string
	ModelBlob     BlobRef
	DatasetBlob   *BlobRef // optional evaluation dataset
	PolicyID      string
	PriceMist     uint64
	MaxDownloads  int    // 0 means uncapped
	LedgerRef     string // transaction digest of the on-ledger registration, empty until registered
	CreatedAt     time.Time
}

// VerificationResult is the immutable output of TEE attestation for one PendingModel.
type VerificationResult struct {
	ID                 uuid.UUID
	PendingModelID     uuid.UUID
	EnclaveID          string
	QualityScore       int // 0-10000 basis points
	SecurityAssessment string
	AttestationHash    string
	Signature          []byte
	CreatedAt          time.Time
}

// Listing is an active, purchasable model built from a PendingModel and its
// VerificationResult.
type Listing struct {
	ID             uuid.UUID
	VerificationID uuid.UUID
	SellerAddress  string
	Title          string
	PriceMist      uint64
	Size           int64
	Blob           BlobRef
	PolicyID       string
	ContentHash    string
	MaxDownloads   int
	ExpiresAt      *time.Time // nil means no expiry
	Active         bool
	CreatedAt      time.Time
}

// AccessTicket grants one buyer time/usage-bounded rights to decrypt a purchased blob.
type AccessTicket struct {
	ID             uuid.UUID
	ListingID      uuid.UUID
	BuyerAddress   string
	SellerAddress  string
	AmountPaid     uint64
	SettlementRef  string // ledger digest of the settled payment
	AttestationRef string // optional dispute evidence
	PurchasedAt    time.Time
	ExpiresAt      time.Time
	DownloadCount  int
	MaxDownloads   int
	Active         bool
}

// Expired reports whether the ticket is past its expiry at the given instant.
func (t AccessTicket) Expired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// Exhausted reports whether the download cap has been reached.
func (t AccessTicket) Exhausted() bool {
	return t.MaxDownloads > 0 && t.DownloadCount >= t.MaxDownloads
}

// NodeHealth is the per-storage-endpoint health status maintained by probing.
type NodeHealth struct {
	URL               string
	Healthy           bool
	LastChecked       time.Time
	ResponseTime      time.Duration
	ConsecutiveErrors int
}

// Phase labels one step of an orchestrator state machine.
type Phase string

// Upload orchestrator phases.
const (
	PhaseValidating  Phase = "validating"
	PhaseEncrypting  Phase = "encrypting"
	PhaseUploading   Phase = "uploading"
	PhaseRegistering Phase = "registering_on_ledger"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
)

// Verification orchestrator phases.
const (
	PhaseSubmitted Phase = "submitted_for_verification"
	PhaseAttesting Phase = "attesting"
	PhaseScored    Phase = "scored"
	PhaseListed    Phase = "listed"
	PhaseRejected  Phase = "rejected"
)

// Progress is a single progress event emitted to an observer.
type Progress struct {
	Phase   Phase
	Percent int
	Message string
}

// UploadOutcome distinguishes terminal upload results beyond success/failure.
type UploadOutcome string

const (
	OutcomeCompleted UploadOutcome = "completed"
	OutcomeFailed    UploadOutcome = "failed"
	// OutcomeListingPendingRetry means the blob was stored but ledger
	// registration failed; the blob reference is preserved so registration
	// can be retried without re-uploading.
	OutcomeListingPendingRetry UploadOutcome = "listing_pending_retry"
)

// UploadResult is returned to the caller of the upload orchestrator.
type UploadResult struct {
	Success     bool
	Outcome     UploadOutcome
	PendingID   uuid.UUID
	ModelBlob   BlobRef
	DatasetBlob *BlobRef
	LedgerRef   string
	Message     string
}

// VerificationOutcome is returned to the caller of the verification orchestrator.
type VerificationOutcome struct {
	Success      bool
	Listed       bool
	ListingID    uuid.UUID
	Verification VerificationResult
	Message      string
}

// PurchaseResult is returned to the caller of the purchase orchestrator.
type PurchaseResult struct {
	Success       bool
	TicketID      uuid.UUID
	SettlementRef string
	SessionToken  string // signed access session presented as decrypt proof
	ExpiresAt     time.Time
	Message       string
}
