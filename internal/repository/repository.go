// Package repository declares persistence interfaces for the marketplace core.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/satyalabs/satya-core/internal/model"
	"github.com/satyalabs/satya-core/internal/policy"
)

// PolicyRepository stores access policy descriptors. Resolve matches the
// gateway's resolver contract so envelopes stay decryptable across restarts.
type PolicyRepository interface {
	// Save persists a derived descriptor.
	Save(ctx context.Context, d policy.Descriptor) error

	// Resolve returns a descriptor by policy id.
	Resolve(ctx context.Context, policyID string) (policy.Descriptor, error)
}

// PendingModelRepository stores seller submissions awaiting verification.
type PendingModelRepository interface {
	// Create persists a new pending model.
	Create(ctx context.Context, pm *model.PendingModel) error

	// Get returns a pending model by id.
	Get(ctx context.Context, id uuid.UUID) (*model.PendingModel, error)

	// SetLedgerRef records the on-ledger registration digest.
	SetLedgerRef(ctx context.Context, id uuid.UUID, ref string) error

	// ListUnregistered returns pending models created before the cutoff that
	// still have no ledger registration.
	ListUnregistered(ctx context.Context, before time.Time) ([]model.PendingModel, error)

	// Delete removes a pending model once verification has consumed it.
	Delete(ctx context.Context, id uuid.UUID) error
}

// VerificationRepository stores immutable attestation results.
type VerificationRepository interface {
	// Create persists a verification result.
	Create(ctx context.Context, vr *model.VerificationResult) error

	// GetByPendingModel returns the result for a given submission.
	GetByPendingModel(ctx context.Context, pendingID uuid.UUID) (*model.VerificationResult, error)
}

// ListingRepository stores purchasable listings.
type ListingRepository interface {
	// Create persists a new listing.
	Create(ctx context.Context, l *model.Listing) error

	// Get returns a listing by id.
	Get(ctx context.Context, id uuid.UUID) (*model.Listing, error)

	// ListActive returns active listings, newest first.
	ListActive(ctx context.Context, limit, offset int) ([]model.Listing, error)

	// Deactivate delists a listing; existing tickets stay valid.
	Deactivate(ctx context.Context, id uuid.UUID) error
}

// TicketRepository stores buyer access tickets and enforces download accounting.
type TicketRepository interface {
	// Create persists a ticket after checking the listing is still active.
	Create(ctx context.Context, t *model.AccessTicket) error

	// Get returns a ticket by id.
	Get(ctx context.Context, id uuid.UUID) (*model.AccessTicket, error)

	// GetBySettlementRef returns the ticket issued for a settlement digest.
	// Settlement refs are unique, so at most one ticket matches.
	GetBySettlementRef(ctx context.Context, ref string) (*model.AccessTicket, error)

	// RecordDownload atomically claims one download slot and returns the
	// updated ticket. Rejections are typed: errs.ErrAccessExpired,
	// errs.ErrMaxDownloadsExceeded, errs.ErrAccessDenied, errs.ErrNotFound.
	RecordDownload(ctx context.Context, id uuid.UUID, now time.Time) (*model.AccessTicket, error)

	// ReleaseDownload returns a previously claimed slot after a downstream
	// failure, so the buyer is not charged for bytes never delivered.
	ReleaseDownload(ctx context.Context, id uuid.UUID) error

	// Deactivate revokes a ticket.
	Deactivate(ctx context.Context, id uuid.UUID) error
}
