package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/satyalabs/satya-core/internal/errs"
	"github.com/satyalabs/satya-core/internal/model"
)

// PendingModelRepo implements PendingModelRepository using PostgreSQL.
type PendingModelRepo struct{ db *DB }

// NewPendingModelRepo constructs a pending model repository.
func NewPendingModelRepo(db *DB) *PendingModelRepo { return &PendingModelRepo{db: db} }

const pendingCols = `id, seller_address, title, description, category, tags,
model_blob_id, model_size, model_hash,
dataset_blob_id, dataset_size, dataset_hash,
policy_id, price_mist, max_downloads, ledger_ref, created_at`

// Create persists a new pending model.
func (r *PendingModelRepo) Create(ctx context.Context, pm *model.PendingModel) error {
	const ins = `
INSERT INTO pending_models (` + pendingCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`

	var dsID *string
	var dsSize *int64
	var dsHash *string
	if pm.DatasetBlob != nil {
		dsID, dsSize, dsHash = &pm.DatasetBlob.BlobID, &pm.DatasetBlob.Size, &pm.DatasetBlob.ContentHash
	}
	_, err := r.db.Pool.Exec(ctx, ins,
		pm.ID, pm.SellerAddress, pm.Title, pm.Description, pm.Category, pm.Tags,
		pm.ModelBlob.BlobID, pm.ModelBlob.Size, pm.ModelBlob.ContentHash,
		dsID, dsSize, dsHash,
		pm.PolicyID, int64(pm.PriceMist), pm.MaxDownloads, pm.LedgerRef, pm.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// Get returns a pending model by id.
func (r *PendingModelRepo) Get(ctx context.Context, id uuid.UUID) (*model.PendingModel, error) {
	const q = `SELECT ` + pendingCols + ` FROM pending_models WHERE id=$1`
	pm, err := scanPending(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return pm, nil
}

// SetLedgerRef records the on-ledger registration digest.
func (r *PendingModelRepo) SetLedgerRef(ctx context.Context, id uuid.UUID, ref string) error {
	const upd = `UPDATE pending_models SET ledger_ref=$2 WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, upd, id, ref)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListUnregistered returns submissions created before the cutoff with no
// ledger registration yet. Used by the monitor's auto-repair pass.
func (r *PendingModelRepo) ListUnregistered(ctx context.Context, before time.Time) ([]model.PendingModel, error) {
	const q = `
SELECT ` + pendingCols + `
FROM pending_models
WHERE ledger_ref='' AND created_at < $1
ORDER BY created_at ASC`
	rows, err := r.db.Pool.Query(ctx, q, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PendingModel
	for rows.Next() {
		pm, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pm)
	}
	return out, rows.Err()
}

// Delete removes a pending model after verification consumed it.
func (r *PendingModelRepo) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM pending_models WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func scanPending(row pgx.Row) (*model.PendingModel, error) {
	var (
		pm        model.PendingModel
		priceMist int64
		dsID      *string
		dsSize    *int64
		dsHash    *string
	)
	err := row.Scan(&pm.ID, &pm.SellerAddress, &pm.Title, &pm.Description, &pm.Category, &pm.Tags,
		&pm.ModelBlob.BlobID, &pm.ModelBlob.Size, &pm.ModelBlob.ContentHash,
		&dsID, &dsSize, &dsHash,
		&pm.PolicyID, &priceMist, &pm.MaxDownloads, &pm.LedgerRef, &pm.CreatedAt)
	if err != nil {
		return nil, err
	}
	if priceMist < 0 {
		return nil, fmt.Errorf("pending model %s: negative price", pm.ID)
	}
	pm.PriceMist = uint64(priceMist)
	if dsID != nil {
		pm.DatasetBlob = &model.BlobRef{BlobID: *dsID, Size: *dsSize, ContentHash: *dsHash}
	}
	return &pm, nil
}
