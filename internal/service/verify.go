package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/satyalabs/satya-core/internal/attest"
	"github.com/satyalabs/satya-core/internal/config"
	"github.com/satyalabs/satya-core/internal/dek"
	"github.com/satyalabs/satya-core/internal/errs"
	"github.com/satyalabs/satya-core/internal/ledger"
	"github.com/satyalabs/satya-core/internal/model"
	"github.com/satyalabs/satya-core/internal/policy"
	"github.com/satyalabs/satya-core/internal/repository"
	"github.com/satyalabs/satya-core/internal/seal"
)

// Attester is the attestation surface of the verification pipeline.
// Implemented by *attest.Client.
type Attester interface {
	Attest(ctx context.Context, blobID string, spec attest.Spec) (*attest.Report, error)
}

// VerificationService turns a pending submission into a listing via enclave
// attestation, or rejects it below the quality floor.
type VerificationService interface {
	// Verify runs the full pipeline for one submission. A rejection returns
	// the recorded outcome together with errs.ErrQualityBelowThreshold.
	Verify(ctx context.Context, pendingID uuid.UUID, onProgress ProgressFunc) (*model.VerificationOutcome, error)
}

type VerificationServiceImpl struct {
	cfg           config.Verification
	store         BlobStore
	gateway       Sealer
	attester      Attester
	pending       repository.PendingModelRepository
	verifications repository.VerificationRepository
	listings      repository.ListingRepository
	policies      repository.PolicyRepository
	signer        ledger.Signer
	logger        *zap.Logger
}

// NewVerificationService constructs the verification orchestrator.
func NewVerificationService(cfg config.Verification, store BlobStore, gateway Sealer,
	attester Attester, pending repository.PendingModelRepository,
	verifications repository.VerificationRepository, listings repository.ListingRepository,
	policies repository.PolicyRepository, signer ledger.Signer, logger *zap.Logger) *VerificationServiceImpl {
	return &VerificationServiceImpl{
		cfg:           cfg,
		store:         store,
		gateway:       gateway,
		attester:      attester,
		pending:       pending,
		verifications: verifications,
		listings:      listings,
		policies:      policies,
		signer:        signer,
		logger:        logger.Named("verify"),
	}
}

// Verify downloads, decrypts and attests a submission, then lists or rejects it.
func (s *VerificationServiceImpl) Verify(ctx context.Context, pendingID uuid.UUID, onProgress ProgressFunc) (*model.VerificationOutcome, error) {
	pm, err := s.pending.Get(ctx, pendingID)
	if err != nil {
		return nil, err
	}
	emit(onProgress, model.PhaseSubmitted, 10, "fetching submission")

	// Confirm the blob is retrievable and decryptable before spending
	// enclave time on it.
	raw, err := s.store.DownloadVerified(ctx, pm.ModelBlob)
	if err != nil {
		return nil, fmt.Errorf("fetch submission blob: %w", err)
	}
	env, err := seal.DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}
	plaintext, err := s.gateway.Open(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("open submission envelope: %w", err)
	}
	dek.Wipe(plaintext)

	emit(onProgress, model.PhaseAttesting, 40, "running enclave assessment")
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	report, err := s.attester.Attest(ctx, pm.ModelBlob.BlobID, attest.Spec{Operation: attest.OpFullAssess})
	if err != nil {
		return nil, fmt.Errorf("attestation: %w", err)
	}

	emit(onProgress, model.PhaseScored, 70, fmt.Sprintf("quality score %d", report.QualityScore))
	vrID, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	vr := model.VerificationResult{
		ID:                 vrID,
		PendingModelID:     pm.ID,
		EnclaveID:          report.EnclaveID,
		QualityScore:       report.QualityScore,
		SecurityAssessment: report.SecurityAssessment,
		AttestationHash:    report.AttestationHash,
		Signature:          report.Signature,
		CreatedAt:          time.Now().UTC(),
	}
	// Recorded whether or not the score clears the floor, for audit and disputes.
	if err := s.verifications.Create(ctx, &vr); err != nil {
		return nil, fmt.Errorf("record verification: %w", err)
	}

	if report.QualityScore < s.cfg.MinQualityScore {
		emit(onProgress, model.PhaseRejected, 100, "quality below listing floor")
		s.logger.Info("submission rejected",
			zap.String("pending_id", pm.ID.String()),
			zap.Int("score", report.QualityScore),
			zap.Int("floor", s.cfg.MinQualityScore))
		return &model.VerificationOutcome{
				Verification: vr,
				Message:      fmt.Sprintf("score %d below floor %d", report.QualityScore, s.cfg.MinQualityScore),
			}, fmt.Errorf("%w: score %d < %d",
				errs.ErrQualityBelowThreshold, report.QualityScore, s.cfg.MinQualityScore)
	}

	listing, err := s.list(ctx, pm, vr)
	if err != nil {
		return nil, err
	}
	emit(onProgress, model.PhaseListed, 100, "listed")
	s.logger.Info("submission listed",
		zap.String("listing_id", listing.ID.String()),
		zap.Int("score", report.QualityScore))
	return &model.VerificationOutcome{
		Success:      true,
		Listed:       true,
		ListingID:    listing.ID,
		Verification: vr,
	}, nil
}

// list creates the listing record, publishes it on the ledger and retires the
// pending submission.
func (s *VerificationServiceImpl) list(ctx context.Context, pm *model.PendingModel, vr model.VerificationResult) (*model.Listing, error) {
	desc, err := s.policies.Resolve(ctx, pm.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("resolve policy: %w", err)
	}
	var expiresAt *time.Time
	if desc.Kind == policy.TimeBased {
		t := desc.CreatedAt.Add(desc.Duration)
		expiresAt = &t
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	listing := &model.Listing{
		ID:             id,
		VerificationID: vr.ID,
		SellerAddress:  pm.SellerAddress,
		Title:          pm.Title,
		PriceMist:      pm.PriceMist,
		Size:           pm.ModelBlob.Size,
		Blob:           pm.ModelBlob,
		PolicyID:       pm.PolicyID,
		ContentHash:    pm.ModelBlob.ContentHash,
		MaxDownloads:   pm.MaxDownloads,
		ExpiresAt:      expiresAt,
		Active:         true,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.listings.Create(ctx, listing); err != nil {
		return nil, fmt.Errorf("create listing: %w", err)
	}

	res, err := s.signer.SignAndSubmit(ctx, ledger.Transaction{
		Kind: "create_listing",
		Fields: map[string]string{
			"listing_id":      listing.ID.String(),
			"verification_id": vr.ID.String(),
			"blob_id":         listing.Blob.BlobID,
			"price_mist":      strconv.FormatUint(listing.PriceMist, 10),
			"quality_score":   strconv.Itoa(vr.QualityScore),
		},
	})
	if err != nil {
		// Roll the listing back so the catalog never shows an unpublished entry.
		if derr := s.listings.Deactivate(ctx, listing.ID); derr != nil {
			s.logger.Error("listing rollback failed", zap.String("listing_id", listing.ID.String()), zap.Error(derr))
		}
		return nil, fmt.Errorf("publish listing: %w", err)
	}
	if ev, ok := ledger.FindEvent(res, ledger.EventListingCreated); ok {
		s.logger.Debug("listing event observed", zap.String("tx", ev.TxDigest))
	}

	if err := s.pending.Delete(ctx, pm.ID); err != nil {
		s.logger.Warn("pending cleanup failed", zap.String("pending_id", pm.ID.String()), zap.Error(err))
	}
	return listing, nil
}
