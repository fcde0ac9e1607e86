// Package service contains the marketplace lifecycle orchestrators.
package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satyalabs/satya-core/internal/config"
	"github.com/satyalabs/satya-core/internal/errs"
	"github.com/satyalabs/satya-core/internal/ledger"
	"github.com/satyalabs/satya-core/internal/model"
	"github.com/satyalabs/satya-core/internal/policy"
	"github.com/satyalabs/satya-core/internal/repository"
	"github.com/satyalabs/satya-core/internal/seal"
)

// BlobStore is the storage surface the orchestrators need. Implemented by
// *storage.Client.
type BlobStore interface {
	// Upload stores bytes for the given number of epochs.
	Upload(ctx context.Context, data []byte, epochs int) (model.BlobRef, error)
	// Download fetches a blob with fallback across aggregators.
	Download(ctx context.Context, blobID string) ([]byte, error)
	// DownloadVerified fetches a blob and checks its content hash.
	DownloadVerified(ctx context.Context, ref model.BlobRef) ([]byte, error)
}

// Sealer is the encryption gateway surface the orchestrators need.
// Implemented by *seal.Gateway.
type Sealer interface {
	Encrypt(ctx context.Context, plaintext []byte, desc policy.Descriptor) (*seal.Envelope, error)
	Decrypt(ctx context.Context, env *seal.Envelope, proof seal.Proof) ([]byte, error)
	Open(ctx context.Context, env *seal.Envelope) ([]byte, error)
}

// ProgressFunc receives phase transitions from an orchestrator. May be nil.
type ProgressFunc func(model.Progress)

func emit(f ProgressFunc, phase model.Phase, percent int, msg string) {
	if f != nil {
		f(model.Progress{Phase: phase, Percent: percent, Message: msg})
	}
}

// UploadInput is a seller submission.
type UploadInput struct {
	SellerAddress string
	Title         string
	Description   string
	Category      string
	Tags          []string

	FileName string
	Data     []byte

	// Optional evaluation dataset, encrypted under the same policy.
	DatasetName string
	Dataset     []byte

	PolicyKind   policy.Kind
	PolicyParams policy.Params
	PriceMist    uint64
	MaxDownloads int
}

// UploadService runs the seller-side submission pipeline: validate, encrypt,
// store, register on ledger.
type UploadService interface {
	// Upload executes the full pipeline. A ledger registration failure after
	// the blob is stored yields OutcomeListingPendingRetry, never data loss.
	Upload(ctx context.Context, in UploadInput, onProgress ProgressFunc) (*model.UploadResult, error)
	// RetryRegistration re-submits the ledger registration for a stored
	// submission without re-uploading the blob.
	RetryRegistration(ctx context.Context, pendingID uuid.UUID) (*model.UploadResult, error)
}

type UploadServiceImpl struct {
	cfg      config.Upload
	epochs   int
	store    BlobStore
	gateway  Sealer
	policies repository.PolicyRepository
	pending  repository.PendingModelRepository
	signer   ledger.Signer
	logger   *zap.Logger
}

// NewUploadService constructs the upload orchestrator.
func NewUploadService(cfg config.Upload, epochs int, store BlobStore, gateway Sealer,
	policies repository.PolicyRepository, pending repository.PendingModelRepository,
	signer ledger.Signer, logger *zap.Logger) *UploadServiceImpl {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &UploadServiceImpl{
		cfg:      cfg,
		epochs:   epochs,
		store:    store,
		gateway:  gateway,
		policies: policies,
		pending:  pending,
		signer:   signer,
		logger:   logger.Named("upload"),
	}
}

// Upload validates, encrypts, stores and registers a submission.
func (s *UploadServiceImpl) Upload(ctx context.Context, in UploadInput, onProgress ProgressFunc) (*model.UploadResult, error) {
	emit(onProgress, model.PhaseValidating, 5, "validating submission")
	if err := s.validate(in); err != nil {
		emit(onProgress, model.PhaseFailed, 100, err.Error())
		return nil, err
	}

	desc, err := policy.Derive(in.PolicyKind, in.PolicyParams)
	if err != nil {
		emit(onProgress, model.PhaseFailed, 100, err.Error())
		return nil, err
	}
	if err := s.policies.Save(ctx, desc); err != nil {
		err = fmt.Errorf("save policy: %w", err)
		emit(onProgress, model.PhaseFailed, 100, err.Error())
		return nil, err
	}

	emit(onProgress, model.PhaseEncrypting, 25, "encrypting payloads")
	modelBytes, err := s.sealBytes(ctx, in.Data, desc)
	if err != nil {
		emit(onProgress, model.PhaseFailed, 100, err.Error())
		return nil, err
	}
	var datasetBytes []byte
	if len(in.Dataset) > 0 {
		if datasetBytes, err = s.sealBytes(ctx, in.Dataset, desc); err != nil {
			emit(onProgress, model.PhaseFailed, 100, err.Error())
			return nil, err
		}
	}

	emit(onProgress, model.PhaseUploading, 50, "storing encrypted blobs")
	var modelRef model.BlobRef
	var datasetRef *model.BlobRef
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrent)
	g.Go(func() error {
		ref, err := s.store.Upload(gctx, modelBytes, s.epochs)
		if err != nil {
			return fmt.Errorf("store model: %w", err)
		}
		modelRef = ref
		return nil
	})
	if datasetBytes != nil {
		g.Go(func() error {
			ref, err := s.store.Upload(gctx, datasetBytes, s.epochs)
			if err != nil {
				return fmt.Errorf("store dataset: %w", err)
			}
			datasetRef = &ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		err = uploadCancelled(ctx, err)
		emit(onProgress, model.PhaseFailed, 100, err.Error())
		return nil, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		emit(onProgress, model.PhaseFailed, 100, err.Error())
		return nil, err
	}
	pm := &model.PendingModel{
		ID:            id,
		SellerAddress: in.SellerAddress,
		Title:         in.Title,
		Description:   in.Description,
		Category:      in.Category,
		Tags:          in.Tags,
		ModelBlob:     modelRef,
		DatasetBlob:   datasetRef,
		PolicyID:      desc.ID,
		PriceMist:     in.PriceMist,
		MaxDownloads:  in.MaxDownloads,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.pending.Create(ctx, pm); err != nil {
		err = fmt.Errorf("persist submission: %w", err)
		emit(onProgress, model.PhaseFailed, 100, err.Error())
		return nil, err
	}

	emit(onProgress, model.PhaseRegistering, 80, "registering on ledger")
	res, err := s.register(ctx, pm)
	if err != nil {
		// Blob and record survive; registration is retryable.
		s.logger.Warn("ledger registration failed, submission preserved for retry",
			zap.String("pending_id", pm.ID.String()), zap.Error(err))
		emit(onProgress, model.PhaseFailed, 100, "registration pending retry")
		return &model.UploadResult{
			Outcome:     model.OutcomeListingPendingRetry,
			PendingID:   pm.ID,
			ModelBlob:   modelRef,
			DatasetBlob: datasetRef,
			Message:     fmt.Sprintf("stored but not registered: %v", err),
		}, nil
	}

	emit(onProgress, model.PhaseCompleted, 100, "submission complete")
	s.logger.Info("model submitted",
		zap.String("pending_id", pm.ID.String()),
		zap.String("blob_id", modelRef.BlobID),
		zap.String("policy_id", desc.ID),
		zap.String("tx", res.Digest))
	return &model.UploadResult{
		Success:     true,
		Outcome:     model.OutcomeCompleted,
		PendingID:   pm.ID,
		ModelBlob:   modelRef,
		DatasetBlob: datasetRef,
		LedgerRef:   res.Digest,
	}, nil
}

// RetryRegistration re-submits the ledger registration for a stored submission.
func (s *UploadServiceImpl) RetryRegistration(ctx context.Context, pendingID uuid.UUID) (*model.UploadResult, error) {
	pm, err := s.pending.Get(ctx, pendingID)
	if err != nil {
		return nil, err
	}
	if pm.LedgerRef != "" {
		return &model.UploadResult{
			Success:   true,
			Outcome:   model.OutcomeCompleted,
			PendingID: pm.ID,
			ModelBlob: pm.ModelBlob,
			LedgerRef: pm.LedgerRef,
			Message:   "already registered",
		}, nil
	}
	res, err := s.register(ctx, pm)
	if err != nil {
		return &model.UploadResult{
			Outcome:     model.OutcomeListingPendingRetry,
			PendingID:   pm.ID,
			ModelBlob:   pm.ModelBlob,
			DatasetBlob: pm.DatasetBlob,
			Message:     fmt.Sprintf("registration failed again: %v", err),
		}, nil
	}
	return &model.UploadResult{
		Success:   true,
		Outcome:   model.OutcomeCompleted,
		PendingID: pm.ID,
		ModelBlob: pm.ModelBlob,
		LedgerRef: res.Digest,
	}, nil
}

func (s *UploadServiceImpl) register(ctx context.Context, pm *model.PendingModel) (*ledger.TxResult, error) {
	res, err := s.signer.SignAndSubmit(ctx, ledger.Transaction{
		Kind: "register_model",
		Fields: map[string]string{
			"pending_id":   pm.ID.String(),
			"blob_id":      pm.ModelBlob.BlobID,
			"content_hash": pm.ModelBlob.ContentHash,
			"policy_id":    pm.PolicyID,
			"price_mist":   strconv.FormatUint(pm.PriceMist, 10),
		},
	})
	if err != nil {
		return nil, err
	}
	if err := s.pending.SetLedgerRef(ctx, pm.ID, res.Digest); err != nil {
		return nil, err
	}
	pm.LedgerRef = res.Digest
	return res, nil
}

func (s *UploadServiceImpl) sealBytes(ctx context.Context, data []byte, desc policy.Descriptor) ([]byte, error) {
	env, err := s.gateway.Encrypt(ctx, data, desc)
	if err != nil {
		return nil, err
	}
	return env.Encode()
}

func (s *UploadServiceImpl) validate(in UploadInput) error {
	if in.SellerAddress == "" {
		return fmt.Errorf("%w: seller address is required", errs.ErrValidation)
	}
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title is required", errs.ErrValidation)
	}
	if err := s.validateFile(in.FileName, in.Data); err != nil {
		return err
	}
	if len(in.Dataset) > 0 {
		if err := s.validateFile(in.DatasetName, in.Dataset); err != nil {
			return err
		}
	}
	return nil
}

func (s *UploadServiceImpl) validateFile(name string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: %s is empty", errs.ErrValidation, name)
	}
	if int64(len(data)) > s.cfg.MaxFileBytes {
		return fmt.Errorf("%w: %s exceeds %d bytes", errs.ErrValidation, name, s.cfg.MaxFileBytes)
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if ext == "" {
		return fmt.Errorf("%w: %s has no extension", errs.ErrValidation, name)
	}
	for _, allowed := range s.cfg.AllowedExtensions {
		if ext == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: extension %q is not allowed", errs.ErrValidation, ext)
}

// uploadCancelled maps a group error to the cancellation sentinel when the
// context died mid-pipeline.
func uploadCancelled(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.Is(err, errs.ErrCancelled) {
		return fmt.Errorf("%w: %v", errs.ErrCancelled, err)
	}
	return err
}
