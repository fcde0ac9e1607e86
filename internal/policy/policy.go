// Package policy classifies access-control requests into typed descriptors
// consumed by the encryption gateway.
package policy

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/satyalabs/satya-core/internal/errs"
)

// Kind enumerates the supported policy types. Exactly one kind applies per
// descriptor; composition is a caller responsibility.
type Kind string

const (
	TimeBased    Kind = "time_based"
	AddressBased Kind = "address_based"
	PaymentGated Kind = "payment_gated"
	UsageBased   Kind = "usage_based"
)

// Params carries type-specific parameters. Only the fields relevant to the
// requested kind are consulted.
type Params struct {
	Duration      time.Duration // TimeBased: validity window
	Allowlist     []string      // AddressBased: addresses permitted to decrypt
	PriceMist     uint64        // PaymentGated: price in smallest currency unit
	SellerAddress string        // PaymentGated: payment recipient
	MaxUses       int           // UsageBased: decrypt cap
}

// Descriptor is the validated output of Derive, keyed by a fresh policy id.
type Descriptor struct {
	ID            string
	Kind          Kind
	Duration      time.Duration
	Allowlist     []string
	PriceMist     uint64
	SellerAddress string
	MaxUses       int
	CreatedAt     time.Time
}

// Derive validates params for the given kind and produces a descriptor.
// Pure transformation: no side effects beyond id generation.
func Derive(kind Kind, p Params) (Descriptor, error) {
	switch kind {
	case TimeBased:
		if p.Duration <= 0 {
			return Descriptor{}, fmt.Errorf("%w: duration must be positive, got %s", errs.ErrInvalidPolicyParams, p.Duration)
		}
	case AddressBased:
		if len(p.Allowlist) == 0 {
			return Descriptor{}, fmt.Errorf("%w: allowlist cannot be empty", errs.ErrInvalidPolicyParams)
		}
		for i, a := range p.Allowlist {
			if a == "" {
				return Descriptor{}, fmt.Errorf("%w: allowlist[%d] is empty", errs.ErrInvalidPolicyParams, i)
			}
		}
	case PaymentGated:
		if p.PriceMist == 0 {
			return Descriptor{}, fmt.Errorf("%w: price must be positive", errs.ErrInvalidPolicyParams)
		}
		if p.SellerAddress == "" {
			return Descriptor{}, fmt.Errorf("%w: seller address is required", errs.ErrInvalidPolicyParams)
		}
	case UsageBased:
		if p.MaxUses <= 0 {
			return Descriptor{}, fmt.Errorf("%w: max uses must be positive, got %d", errs.ErrInvalidPolicyParams, p.MaxUses)
		}
	default:
		return Descriptor{}, fmt.Errorf("%w: unknown policy kind %q", errs.ErrInvalidPolicyParams, kind)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		ID:            id.String(),
		Kind:          kind,
		Duration:      p.Duration,
		Allowlist:     append([]string(nil), p.Allowlist...),
		PriceMist:     p.PriceMist,
		SellerAddress: p.SellerAddress,
		MaxUses:       p.MaxUses,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Allows reports whether the address is on an AddressBased descriptor's allowlist.
func (d Descriptor) Allows(address string) bool {
	for _, a := range d.Allowlist {
		if a == address {
			return true
		}
	}
	return false
}
