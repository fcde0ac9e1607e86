package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/satyalabs/satya-core/internal/config"
	"github.com/satyalabs/satya-core/internal/errs"
	"github.com/satyalabs/satya-core/internal/ledger"
	"github.com/satyalabs/satya-core/internal/model"
	"github.com/satyalabs/satya-core/internal/policy"
	"github.com/satyalabs/satya-core/internal/repository"
	"github.com/satyalabs/satya-core/internal/seal"
)

// SettlementCache remembers recently settled payment digests so decrypt-time
// proof checks do not re-query the store. On a miss it falls back to the
// ticket store, where every issued ticket carries its unique settlement ref;
// cache expiry or a restart must not lock out a valid ticket. Implements
// seal.SettlementChecker.
type SettlementCache struct {
	cache   *ttlcache.Cache[string, bool]
	tickets repository.TicketRepository
}

// NewSettlementCache constructs the cache with the given entry TTL and starts
// its expiry loop.
func NewSettlementCache(ttl time.Duration, tickets repository.TicketRepository) *SettlementCache {
	c := ttlcache.New[string, bool](
		ttlcache.WithTTL[string, bool](ttl),
	)
	go c.Start()
	return &SettlementCache{cache: c, tickets: tickets}
}

// Record marks a digest as settled.
func (s *SettlementCache) Record(digest string) {
	s.cache.Set(digest, true, ttlcache.DefaultTTL)
}

// Confirmed reports whether the digest is a known settled payment, consulting
// the ticket store when the cache has forgotten it.
func (s *SettlementCache) Confirmed(ctx context.Context, digest string) (bool, error) {
	if it := s.cache.Get(digest); it != nil && it.Value() {
		return true, nil
	}
	if _, err := s.tickets.GetBySettlementRef(ctx, digest); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	s.Record(digest)
	return true, nil
}

// Stop terminates the expiry loop.
func (s *SettlementCache) Stop() { s.cache.Stop() }

// PurchaseService settles payments, issues access tickets and serves
// entitled downloads.
type PurchaseService interface {
	// Purchase settles payment for a listing and returns a ticket plus a
	// signed access session.
	Purchase(ctx context.Context, listingID uuid.UUID, buyerAddress string) (*model.PurchaseResult, error)
	// Download claims one download slot on the ticket and returns the
	// decrypted model bytes. The slot is released if delivery fails.
	Download(ctx context.Context, ticketID uuid.UUID, sessionToken string) ([]byte, error)
}

type PurchaseServiceImpl struct {
	cfg         config.Purchase
	sessionKey  []byte
	store       BlobStore
	gateway     Sealer
	listings    repository.ListingRepository
	tickets     repository.TicketRepository
	policies    repository.PolicyRepository
	signer      ledger.Signer
	settlements *SettlementCache
	logger      *zap.Logger
	now         func() time.Time
}

// NewPurchaseService constructs the purchase orchestrator.
func NewPurchaseService(cfg config.Purchase, store BlobStore, gateway Sealer,
	listings repository.ListingRepository, tickets repository.TicketRepository,
	policies repository.PolicyRepository, signer ledger.Signer,
	settlements *SettlementCache, logger *zap.Logger) *PurchaseServiceImpl {
	return &PurchaseServiceImpl{
		cfg:         cfg,
		sessionKey:  []byte(cfg.SessionSignKey),
		store:       store,
		gateway:     gateway,
		listings:    listings,
		tickets:     tickets,
		policies:    policies,
		signer:      signer,
		settlements: settlements,
		logger:      logger.Named("purchase"),
		now:         time.Now,
	}
}

// Purchase settles payment on the ledger and issues an access ticket.
func (s *PurchaseServiceImpl) Purchase(ctx context.Context, listingID uuid.UUID, buyerAddress string) (*model.PurchaseResult, error) {
	if buyerAddress == "" {
		return nil, fmt.Errorf("%w: buyer address is required", errs.ErrValidation)
	}
	listing, err := s.listings.Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if !listing.Active {
		return nil, fmt.Errorf("listing %s: %w", listingID, errs.ErrListingInactive)
	}
	if listing.ExpiresAt != nil && !now.Before(*listing.ExpiresAt) {
		return nil, fmt.Errorf("listing %s expired: %w", listingID, errs.ErrListingInactive)
	}

	res, err := s.signer.SignAndSubmit(ctx, ledger.Transaction{
		Kind: "purchase",
		Fields: map[string]string{
			"listing_id": listing.ID.String(),
			"seller":     listing.SellerAddress,
			"price_mist": strconv.FormatUint(listing.PriceMist, 10),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("settle payment: %w", err)
	}
	s.settlements.Record(res.Digest)

	expiresAt := now.Add(s.cfg.AccessTTL)
	if listing.ExpiresAt != nil && listing.ExpiresAt.Before(expiresAt) {
		expiresAt = *listing.ExpiresAt
	}
	ticketID, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	ticket := &model.AccessTicket{
		ID:            ticketID,
		ListingID:     listing.ID,
		BuyerAddress:  buyerAddress,
		SellerAddress: listing.SellerAddress,
		AmountPaid:    listing.PriceMist,
		SettlementRef: res.Digest,
		PurchasedAt:   now,
		ExpiresAt:     expiresAt,
		MaxDownloads:  listing.MaxDownloads,
		Active:        true,
	}
	if err := s.tickets.Create(ctx, ticket); err != nil {
		return nil, fmt.Errorf("issue ticket: %w", err)
	}

	token, _, err := seal.IssueSessionToken(s.sessionKey, buyerAddress, ticketID.String(), expiresAt.Sub(now))
	if err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}

	s.logger.Info("purchase settled",
		zap.String("listing_id", listing.ID.String()),
		zap.String("ticket_id", ticketID.String()),
		zap.String("tx", res.Digest))
	return &model.PurchaseResult{
		Success:       true,
		TicketID:      ticketID,
		SettlementRef: res.Digest,
		SessionToken:  token,
		ExpiresAt:     expiresAt,
	}, nil
}

// Download claims a slot, fetches the blob and decrypts it under the ticket's
// entitlement. Claim-before-decrypt keeps two concurrent calls on the last
// slot from both succeeding.
func (s *PurchaseServiceImpl) Download(ctx context.Context, ticketID uuid.UUID, sessionToken string) ([]byte, error) {
	now := s.now().UTC()
	ticket, err := s.tickets.RecordDownload(ctx, ticketID, now)
	if err != nil {
		return nil, err
	}

	data, err := s.deliver(ctx, ticket, sessionToken)
	if err != nil {
		// Do not charge a slot for bytes that never arrived.
		if rerr := s.tickets.ReleaseDownload(ctx, ticketID); rerr != nil {
			s.logger.Warn("slot release failed", zap.String("ticket_id", ticketID.String()), zap.Error(rerr))
		}
		return nil, err
	}
	return data, nil
}

func (s *PurchaseServiceImpl) deliver(ctx context.Context, ticket *model.AccessTicket, sessionToken string) ([]byte, error) {
	listing, err := s.listings.Get(ctx, ticket.ListingID)
	if err != nil {
		return nil, err
	}
	raw, err := s.store.DownloadVerified(ctx, listing.Blob)
	if err != nil {
		return nil, fmt.Errorf("fetch blob: %w", err)
	}
	env, err := seal.DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}

	desc, err := s.policies.Resolve(ctx, listing.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("resolve policy: %w", err)
	}
	proof, err := s.proofFor(desc.Kind, ticket, sessionToken)
	if err != nil {
		return nil, err
	}
	return s.gateway.Decrypt(ctx, env, proof)
}

// proofFor builds the decrypt proof matching the listing's policy kind from
// the ticket's entitlements.
func (s *PurchaseServiceImpl) proofFor(kind policy.Kind, ticket *model.AccessTicket, sessionToken string) (seal.Proof, error) {
	switch kind {
	case policy.TimeBased:
		return seal.TimeProof{}, nil
	case policy.AddressBased:
		if sessionToken == "" {
			return nil, fmt.Errorf("%w: session token required", errs.ErrAccessDenied)
		}
		return seal.AddressProof{SessionToken: sessionToken}, nil
	case policy.PaymentGated:
		return seal.PaymentProof{SettlementRef: ticket.SettlementRef}, nil
	case policy.UsageBased:
		// RecordDownload already incremented the count; remaining includes
		// the slot just claimed.
		remaining := 1
		if ticket.MaxDownloads > 0 {
			remaining = ticket.MaxDownloads - ticket.DownloadCount + 1
		}
		return seal.UsageProof{RemainingUses: remaining}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported policy kind %q", errs.ErrValidation, kind)
	}
}
