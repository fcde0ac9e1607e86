package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/satyalabs/satya-core/internal/errs"
	"github.com/satyalabs/satya-core/internal/policy"
)

// PolicyRepo implements PolicyRepository using PostgreSQL.
type PolicyRepo struct{ db *DB }

// NewPolicyRepo constructs a policy descriptor repository.
func NewPolicyRepo(db *DB) *PolicyRepo { return &PolicyRepo{db: db} }

// Save persists a descriptor. Descriptors are immutable once written.
func (r *PolicyRepo) Save(ctx context.Context, d policy.Descriptor) error {
	const ins = `
INSERT INTO policies (id, kind, duration_ns, allowlist, price_mist, seller_address, max_uses, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.db.Pool.Exec(ctx, ins,
		d.ID, string(d.Kind), d.Duration.Nanoseconds(), d.Allowlist,
		int64(d.PriceMist), d.SellerAddress, d.MaxUses, d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// Resolve returns a descriptor by policy id.
func (r *PolicyRepo) Resolve(ctx context.Context, policyID string) (policy.Descriptor, error) {
	const q = `
SELECT id, kind, duration_ns, allowlist, price_mist, seller_address, max_uses, created_at
FROM policies WHERE id=$1`
	var (
		d          policy.Descriptor
		kind       string
		durationNS int64
		priceMist  int64
	)
	err := r.db.Pool.QueryRow(ctx, q, policyID).Scan(
		&d.ID, &kind, &durationNS, &d.Allowlist, &priceMist, &d.SellerAddress, &d.MaxUses, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return policy.Descriptor{}, errs.ErrNotFound
		}
		return policy.Descriptor{}, err
	}
	if priceMist < 0 {
		return policy.Descriptor{}, fmt.Errorf("policy %s: negative price", policyID)
	}
	d.Kind = policy.Kind(kind)
	d.Duration = time.Duration(durationNS)
	d.PriceMist = uint64(priceMist)
	return d, nil
}
