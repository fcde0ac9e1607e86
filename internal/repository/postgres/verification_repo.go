package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/satyalabs/satya-core/internal/errs"
	"github.com/satyalabs/satya-core/internal/model"
)

// VerificationRepo implements VerificationRepository using PostgreSQL.
type VerificationRepo struct{ db *DB }

// NewVerificationRepo constructs a verification result repository.
func NewVerificationRepo(db *DB) *VerificationRepo { return &VerificationRepo{db: db} }

// Create persists an attestation result. Results are write-once.
func (r *VerificationRepo) Create(ctx context.Context, vr *model.VerificationResult) error {
	const ins = `
INSERT INTO verification_results
(id, pending_model_id, enclave_id, quality_score, security_assessment, attestation_hash, signature, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.db.Pool.Exec(ctx, ins,
		vr.ID, vr.PendingModelID, vr.EnclaveID, vr.QualityScore,
		vr.SecurityAssessment, vr.AttestationHash, vr.Signature, vr.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// GetByPendingModel returns the result recorded for a submission.
func (r *VerificationRepo) GetByPendingModel(ctx context.Context, pendingID uuid.UUID) (*model.VerificationResult, error) {
	const q = `
SELECT id, pending_model_id, enclave_id, quality_score, security_assessment, attestation_hash, signature, created_at
FROM verification_results WHERE pending_model_id=$1`
	var vr model.VerificationResult
	err := r.db.Pool.QueryRow(ctx, q, pendingID).Scan(
		&vr.ID, &vr.PendingModelID, &vr.EnclaveID, &vr.QualityScore,
		&vr.SecurityAssessment, &vr.AttestationHash, &vr.Signature, &vr.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &vr, nil
}
