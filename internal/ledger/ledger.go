// Package ledger defines the opaque blockchain collaborator: transaction
// submission, structured effect events, and the signer capability.
package ledger

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/satyalabs/satya-core/internal/errs"
)

// Event type tags the orchestrators parse to extract created object ids.
const (
	EventListingCreated  = "listing-created"
	EventPurchaseMade    = "purchase-made"
	EventListingDelisted = "listing-delisted"
	EventModelRegistered = "model-registered"
	EventDisputeOpened   = "dispute-opened"
)

// Event is one structured effect emitted by a transaction.
type Event struct {
	Type       string            `json:"type"`
	TxDigest   string            `json:"tx_digest"`
	Attributes map[string]string `json:"attributes"`
}

// TxResult reports the outcome of a submitted transaction.
type TxResult struct {
	Digest        string
	EffectsOK     bool
	FailureReason string
	Events        []Event
}

// Transaction is an unsigned payload destined for a marketplace contract call.
type Transaction struct {
	Kind   string
	Sender string
	Fields map[string]string
}

// Ledger is the opaque submit/await-effects capability plus event polling for
// the monitor. Implementations wrap a concrete chain SDK.
type Ledger interface {
	// SubmitTransaction submits a signed payload and waits for effects.
	SubmitTransaction(ctx context.Context, tx Transaction) (*TxResult, error)
	// QueryEvents returns events after the cursor, plus the next cursor.
	QueryEvents(ctx context.Context, cursor string, limit int) ([]Event, string, error)
}

// Signer is the wallet capability: exactly an address and the ability to sign
// and submit. Backends are selected at construction, never duck-typed.
type Signer interface {
	Address() string
	SignAndSubmit(ctx context.Context, tx Transaction) (*TxResult, error)
}

// KeypairSigner signs with a local ed25519 key pair and submits through a
// Ledger. Used by services and tests; external-wallet backends implement
// Signer elsewhere.
type KeypairSigner struct {
	priv   ed25519.PrivateKey
	addr   string
	ledger Ledger
}

// NewKeypairSigner derives the address from the public key.
func NewKeypairSigner(priv ed25519.PrivateKey, l Ledger) *KeypairSigner {
	pub := priv.Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	return &KeypairSigner{
		priv:   priv,
		addr:   "0x" + hex.EncodeToString(sum[:20]),
		ledger: l,
	}
}

// Address returns the derived account address.
func (s *KeypairSigner) Address() string { return s.addr }

// SignAndSubmit signs the canonical payload encoding and submits it.
func (s *KeypairSigner) SignAndSubmit(ctx context.Context, tx Transaction) (*TxResult, error) {
	tx.Sender = s.addr
	payload, err := canonicalPayload(tx)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(s.priv, payload)
	if tx.Fields == nil {
		tx.Fields = make(map[string]string)
	}
	tx.Fields["signature"] = hex.EncodeToString(sig)

	res, err := s.ledger.SubmitTransaction(ctx, tx)
	if err != nil {
		return nil, err
	}
	if !res.EffectsOK {
		return res, fmt.Errorf("%w: %s", errs.ErrLedgerTransactionFailed, res.FailureReason)
	}
	return res, nil
}

// canonicalPayload encodes a transaction deterministically for signing.
func canonicalPayload(tx Transaction) ([]byte, error) {
	keys := make([]string, 0, len(tx.Fields))
	for k := range tx.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	doc := struct {
		Kind   string      `json:"kind"`
		Sender string      `json:"sender"`
		Fields [][2]string `json:"fields"`
	}{Kind: tx.Kind, Sender: tx.Sender}
	for _, k := range keys {
		doc.Fields = append(doc.Fields, [2]string{k, tx.Fields[k]})
	}
	return json.Marshal(doc)
}

// FindEvent returns the first event of the given type in a result.
func FindEvent(res *TxResult, eventType string) (Event, bool) {
	if res == nil {
		return Event{}, false
	}
	for _, ev := range res.Events {
		if ev.Type == eventType {
			return ev, true
		}
	}
	return Event{}, false
}
