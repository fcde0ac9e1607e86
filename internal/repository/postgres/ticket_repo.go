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

// TicketRepo implements TicketRepository using PostgreSQL.
type TicketRepo struct{ db *DB }

// NewTicketRepo constructs an access ticket repository.
func NewTicketRepo(db *DB) *TicketRepo { return &TicketRepo{db: db} }

const ticketCols = `id, listing_id, buyer_address, seller_address, amount_paid,
settlement_ref, attestation_ref, purchased_at, expires_at, download_count, max_downloads, active`

// Create persists a ticket inside a transaction that locks the listing row, so
// a concurrent delist cannot race a purchase.
func (r *TicketRepo) Create(ctx context.Context, t *model.AccessTicket) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	const sel = `SELECT active FROM listings WHERE id=$1 FOR UPDATE`
	var active bool
	if err = tx.QueryRow(ctx, sel, t.ListingID).Scan(&active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.ErrNotFound
		}
		return err
	}
	if !active {
		return errs.ErrListingInactive
	}

	const ins = `
INSERT INTO access_tickets (` + ticketCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err = tx.Exec(ctx, ins,
		t.ID, t.ListingID, t.BuyerAddress, t.SellerAddress, int64(t.AmountPaid),
		t.SettlementRef, t.AttestationRef, t.PurchasedAt, t.ExpiresAt,
		t.DownloadCount, t.MaxDownloads, t.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// Get returns a ticket by id.
func (r *TicketRepo) Get(ctx context.Context, id uuid.UUID) (*model.AccessTicket, error) {
	const q = `SELECT ` + ticketCols + ` FROM access_tickets WHERE id=$1`
	t, err := scanTicket(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// GetBySettlementRef returns the ticket issued for a settlement digest.
func (r *TicketRepo) GetBySettlementRef(ctx context.Context, ref string) (*model.AccessTicket, error) {
	const q = `SELECT ` + ticketCols + ` FROM access_tickets WHERE settlement_ref=$1`
	t, err := scanTicket(r.db.Pool.QueryRow(ctx, q, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

// RecordDownload claims one download slot with a single conditional UPDATE.
// Two concurrent claims on a ticket with one slot left serialize on the row;
// exactly one sees the incremented count, the other falls through to the typed
// rejection.
func (r *TicketRepo) RecordDownload(ctx context.Context, id uuid.UUID, now time.Time) (*model.AccessTicket, error) {
	const upd = `
UPDATE access_tickets
SET download_count = download_count + 1
WHERE id=$1 AND active AND expires_at > $2
  AND (max_downloads = 0 OR download_count < max_downloads)
RETURNING ` + ticketCols
	t, err := scanTicket(r.db.Pool.QueryRow(ctx, upd, id, now))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// The claim was rejected; read the row to say why.
	cur, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case !cur.Active:
		return nil, fmt.Errorf("ticket %s revoked: %w", id, errs.ErrAccessDenied)
	case cur.Expired(now):
		return nil, fmt.Errorf("ticket %s: %w", id, errs.ErrAccessExpired)
	case cur.Exhausted():
		return nil, fmt.Errorf("ticket %s: %w", id, errs.ErrMaxDownloadsExceeded)
	default:
		return nil, fmt.Errorf("ticket %s: download claim rejected", id)
	}
}

// ReleaseDownload returns a claimed slot after delivery failed.
func (r *TicketRepo) ReleaseDownload(ctx context.Context, id uuid.UUID) error {
	const upd = `
UPDATE access_tickets SET download_count = download_count - 1
WHERE id=$1 AND download_count > 0`
	_, err := r.db.Pool.Exec(ctx, upd, id)
	return err
}

// Deactivate revokes a ticket.
func (r *TicketRepo) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE access_tickets SET active=false WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func scanTicket(row pgx.Row) (*model.AccessTicket, error) {
	var (
		t    model.AccessTicket
		paid int64
	)
	err := row.Scan(&t.ID, &t.ListingID, &t.BuyerAddress, &t.SellerAddress, &paid,
		&t.SettlementRef, &t.AttestationRef, &t.PurchasedAt, &t.ExpiresAt,
		&t.DownloadCount, &t.MaxDownloads, &t.Active)
	if err != nil {
		return nil, err
	}
	if paid < 0 {
		return nil, fmt.Errorf("ticket %s: negative amount", t.ID)
	}
	t.AmountPaid = uint64(paid)
	return &t, nil
}
