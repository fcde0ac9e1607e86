package seal

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/satyalabs/satya-core/internal/errs"
	"github.com/satyalabs/satya-core/internal/policy"
)

// Proof is an authorization proof presented to Decrypt. The concrete type
// must match the envelope's policy kind.
type Proof interface {
	proofKind() policy.Kind
}

// TimeProof asserts the decrypt happens inside the policy's validity window.
type TimeProof struct {
	At time.Time // zero means "now"
}

// AddressProof carries a signed session token whose subject must be on the
// policy allowlist.
type AddressProof struct {
	SessionToken string
}

// PaymentProof carries the ledger digest of a settled payment.
type PaymentProof struct {
	SettlementRef string
}

// UsageProof asserts remaining usage budget; the caller is responsible for
// atomic accounting before presenting it.
type UsageProof struct {
	RemainingUses int
}

func (TimeProof) proofKind() policy.Kind    { return policy.TimeBased }
func (AddressProof) proofKind() policy.Kind { return policy.AddressBased }
func (PaymentProof) proofKind() policy.Kind { return policy.PaymentGated }
func (UsageProof) proofKind() policy.Kind   { return policy.UsageBased }

// SettlementChecker confirms a payment digest against the ledger.
type SettlementChecker interface {
	Confirmed(ctx context.Context, digest string) (bool, error)
}

// sessionClaims is the JWT payload of an access session token.
type sessionClaims struct {
	jwt.RegisteredClaims
	TicketID string `json:"tid,omitempty"`
}

// IssueSessionToken signs an HS256 access session for the given address.
func IssueSessionToken(signKey []byte, address, ticketID string, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   address,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		TicketID: ticketID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(signKey)
	return signed, exp, err
}

// verifySessionToken parses and validates a session token, returning its
// subject address.
func verifySessionToken(signKey []byte, token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return signKey, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: session token: %v", errs.ErrAccessDenied, err)
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || claims.Subject == "" {
		return "", fmt.Errorf("%w: session token missing subject", errs.ErrAccessDenied)
	}
	return claims.Subject, nil
}

// verifyProof checks a proof against the policy descriptor.
func (g *Gateway) verifyProof(ctx context.Context, desc policy.Descriptor, proof Proof) error {
	if proof == nil {
		return fmt.Errorf("%w: missing proof", errs.ErrAccessDenied)
	}
	if proof.proofKind() != desc.Kind {
		return fmt.Errorf("%w: proof kind %s does not match policy %s",
			errs.ErrAccessDenied, proof.proofKind(), desc.Kind)
	}

	switch p := proof.(type) {
	case TimeProof:
		at := p.At
		if at.IsZero() {
			at = time.Now()
		}
		if at.After(desc.CreatedAt.Add(desc.Duration)) {
			return fmt.Errorf("%w: validity window elapsed", errs.ErrAccessExpired)
		}
	case AddressProof:
		addr, err := verifySessionToken(g.sessionKey, p.SessionToken)
		if err != nil {
			return err
		}
		if !desc.Allows(addr) {
			return fmt.Errorf("%w: address %s not on allowlist", errs.ErrAccessDenied, addr)
		}
	case PaymentProof:
		if p.SettlementRef == "" {
			return fmt.Errorf("%w: missing settlement reference", errs.ErrAccessDenied)
		}
		ok, err := g.settlements.Confirmed(ctx, p.SettlementRef)
		if err != nil {
			return fmt.Errorf("confirm settlement: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: settlement %s not confirmed", errs.ErrAccessDenied, p.SettlementRef)
		}
	case UsageProof:
		if p.RemainingUses <= 0 {
			return fmt.Errorf("%w", errs.ErrMaxDownloadsExceeded)
		}
	default:
		return fmt.Errorf("%w: unsupported proof type %T", errs.ErrAccessDenied, proof)
	}
	return nil
}
