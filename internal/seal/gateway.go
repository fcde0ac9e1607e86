// Package seal is the encryption gateway: it turns plaintext bytes into
// policy-bound encrypted envelopes and back, using a cached per-policy DEK
// and the external key-management backend on cache miss.
package seal

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/satyalabs/satya-core/internal/dek"
	"github.com/satyalabs/satya-core/internal/errs"
	"github.com/satyalabs/satya-core/internal/policy"
)

const (
	dekLen          = 32
	envelopeVersion = 1
)

// Envelope is the encrypted form of a blob together with the material needed
// to decrypt it under the right policy.
type Envelope struct {
	Version    int    `json:"v"`
	PolicyID   string `json:"policy_id"`
	Nonce      []byte `json:"nonce,omitempty"`
	Ciphertext []byte `json:"ct"`
	// Plaintext marks an envelope produced by the explicit plaintext
	// fallback. Never set unless the fallback was configured on.
	Plaintext bool              `json:"plaintext,omitempty"`
	Metadata  map[string]string `json:"meta,omitempty"`
}

// Encode serializes the envelope for blob storage.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses an envelope previously produced by Encode.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed envelope: %v", errs.ErrValidation, err)
	}
	if env.PolicyID == "" || len(env.Ciphertext) == 0 {
		return nil, fmt.Errorf("%w: envelope missing policy or ciphertext", errs.ErrValidation)
	}
	return &env, nil
}

// PolicyResolver maps a policy id back to its descriptor.
type PolicyResolver interface {
	Resolve(ctx context.Context, policyID string) (policy.Descriptor, error)
}

// Gateway combines the DEK cache, key backend and policy verification.
type Gateway struct {
	cache       *dek.Cache
	keys        KeyServer
	policies    PolicyResolver
	settlements SettlementChecker
	sessionKey  []byte
	// allowPlaintextFallback permits unencrypted envelopes when the key
	// backend is down. Off by default; every use is logged as a security
	// event.
	allowPlaintextFallback bool
	logger                 *zap.Logger
}

// Options carries optional gateway behavior toggles.
type Options struct {
	AllowPlaintextFallback bool
}

// NewGateway constructs the gateway.
func NewGateway(cache *dek.Cache, keys KeyServer, policies PolicyResolver,
	settlements SettlementChecker, sessionKey []byte, opts Options, logger *zap.Logger) *Gateway {
	return &Gateway{
		cache:                  cache,
		keys:                   keys,
		policies:               policies,
		settlements:            settlements,
		sessionKey:             sessionKey,
		allowPlaintextFallback: opts.AllowPlaintextFallback,
		logger:                 logger.Named("seal"),
	}
}

// Encrypt produces an envelope bound to the policy descriptor. A key-backend
// failure surfaces errs.ErrEncryptionUnavailable; it never silently degrades
// to plaintext.
func (g *Gateway) Encrypt(ctx context.Context, plaintext []byte, desc policy.Descriptor) (*Envelope, error) {
	key, err := g.policyDEK(ctx, desc.ID)
	if err != nil {
		if g.allowPlaintextFallback && errors.Is(err, errs.ErrEncryptionUnavailable) {
			g.logger.Error("SECURITY: encryption unavailable, storing plaintext per explicit configuration",
				zap.String("policy_id", desc.ID), zap.Bool("security", true))
			return &Envelope{
				Version:    envelopeVersion,
				PolicyID:   desc.ID,
				Ciphertext: append([]byte(nil), plaintext...),
				Plaintext:  true,
			}, nil
		}
		return nil, err
	}
	defer dek.Wipe(key)

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	blobKey, err := deriveBlobKey(key, desc.ID, nonce)
	if err != nil {
		return nil, err
	}
	defer dek.Wipe(blobKey)

	aead, err := chacha20poly1305.NewX(blobKey)
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, []byte(desc.ID))

	return &Envelope{
		Version:    envelopeVersion,
		PolicyID:   desc.ID,
		Nonce:      nonce,
		Ciphertext: ct,
		Metadata:   map[string]string{"kind": string(desc.Kind)},
	}, nil
}

// Decrypt verifies the proof against the envelope's policy and returns the
// plaintext. Proof rejection maps to the typed access errors and is logged.
func (g *Gateway) Decrypt(ctx context.Context, env *Envelope, proof Proof) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", errs.ErrValidation)
	}

	desc, err := g.policies.Resolve(ctx, env.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("resolve policy %s: %w", env.PolicyID, err)
	}
	if err := g.verifyProof(ctx, desc, proof); err != nil {
		g.logger.Warn("decrypt proof rejected",
			zap.String("policy_id", env.PolicyID),
			zap.String("kind", string(desc.Kind)),
			zap.Bool("security", true),
			zap.Error(err))
		return nil, err
	}
	return g.open(ctx, env)
}

// Open decrypts without an authorization proof. Reserved for the enclave-side
// inspection path of the verification orchestrator; callers must not retain
// the returned plaintext beyond the verification call.
func (g *Gateway) Open(ctx context.Context, env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", errs.ErrValidation)
	}
	return g.open(ctx, env)
}

func (g *Gateway) open(ctx context.Context, env *Envelope) ([]byte, error) {
	if env.Plaintext {
		return append([]byte(nil), env.Ciphertext...), nil
	}
	if len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: bad nonce length %d", errs.ErrValidation, len(env.Nonce))
	}

	key, err := g.policyDEK(ctx, env.PolicyID)
	if err != nil {
		return nil, err
	}
	defer dek.Wipe(key)

	blobKey, err := deriveBlobKey(key, env.PolicyID, env.Nonce)
	if err != nil {
		return nil, err
	}
	defer dek.Wipe(blobKey)

	aead, err := chacha20poly1305.NewX(blobKey)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, env.Nonce, env.Ciphertext, []byte(env.PolicyID))
	if err != nil {
		return nil, fmt.Errorf("%w: envelope authentication failed", errs.ErrAccessDenied)
	}
	return pt, nil
}

// policyDEK returns the DEK for a policy, consulting the cache first. The key
// backend is invoked only on cache miss.
func (g *Gateway) policyDEK(ctx context.Context, policyID string) ([]byte, error) {
	if key, ok := g.cache.Get(policyID); ok {
		return key, nil
	}
	key, err := g.keys.FetchDEK(ctx, policyID)
	if err != nil {
		if errors.Is(err, errs.ErrEncryptionUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrEncryptionUnavailable, err)
	}
	g.cache.Set(policyID, key)
	return key, nil
}

// deriveBlobKey derives the per-envelope AEAD key from the policy DEK via
// HKDF-SHA256, bound to the policy id and nonce.
func deriveBlobKey(dekBytes []byte, policyID string, nonce []byte) ([]byte, error) {
	info := make([]byte, 0, len(policyID)+len(nonce))
	info = append(info, policyID...)
	info = append(info, nonce...)
	r := hkdf.New(sha256.New, dekBytes, nil, info)
	key := make([]byte, dekLen)
	if _, err := r.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
