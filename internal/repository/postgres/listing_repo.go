package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/satyalabs/satya-core/internal/errs"
	"github.com/satyalabs/satya-core/internal/model"
)

// ListingRepo implements ListingRepository using PostgreSQL.
type ListingRepo struct{ db *DB }

// NewListingRepo constructs a listing repository.
func NewListingRepo(db *DB) *ListingRepo { return &ListingRepo{db: db} }

const listingCols = `id, verification_id, seller_address, title, price_mist, size,
blob_id, blob_size, content_hash, policy_id, max_downloads, expires_at, active, created_at`

// Create persists a new listing.
func (r *ListingRepo) Create(ctx context.Context, l *model.Listing) error {
	const ins = `
INSERT INTO listings (` + listingCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	_, err := r.db.Pool.Exec(ctx, ins,
		l.ID, l.VerificationID, l.SellerAddress, l.Title, int64(l.PriceMist), l.Size,
		l.Blob.BlobID, l.Blob.Size, l.ContentHash, l.PolicyID, l.MaxDownloads,
		l.ExpiresAt, l.Active, l.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// Get returns a listing by id.
func (r *ListingRepo) Get(ctx context.Context, id uuid.UUID) (*model.Listing, error) {
	const q = `SELECT ` + listingCols + ` FROM listings WHERE id=$1`
	l, err := scanListing(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return l, nil
}

// ListActive returns active listings, newest first.
func (r *ListingRepo) ListActive(ctx context.Context, limit, offset int) ([]model.Listing, error) {
	const q = `
SELECT ` + listingCols + `
FROM listings
WHERE active
ORDER BY created_at DESC
LIMIT $1 OFFSET $2`
	rows, err := r.db.Pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// Deactivate delists a listing. Already-issued tickets are unaffected.
func (r *ListingRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE listings SET active=false WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func scanListing(row pgx.Row) (*model.Listing, error) {
	var (
		l         model.Listing
		priceMist int64
	)
	err := row.Scan(&l.ID, &l.VerificationID, &l.SellerAddress, &l.Title, &priceMist, &l.Size,
		&l.Blob.BlobID, &l.Blob.Size, &l.ContentHash, &l.PolicyID, &l.MaxDownloads,
		&l.ExpiresAt, &l.Active, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	if priceMist < 0 {
		return nil, fmt.Errorf("listing %s: negative price", l.ID)
	}
	l.PriceMist = uint64(priceMist)
	l.Blob.ContentHash = l.ContentHash
	return &l, nil
}
