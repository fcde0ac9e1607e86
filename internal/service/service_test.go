package service

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"

	"github.com/satyalabs/satya-core/internal/attest"
	"github.com/satyalabs/satya-core/internal/config"
	"github.com/satyalabs/satya-core/internal/dek"
	"github.com/satyalabs/satya-core/internal/errs"
	"github.com/satyalabs/satya-core/internal/ledger"
	"github.com/satyalabs/satya-core/internal/model"
	"github.com/satyalabs/satya-core/internal/policy"
	"github.com/satyalabs/satya-core/internal/seal"
)

// In-memory fakes shared by the orchestrator tests. They mirror the typed
// error contracts of the postgres implementations.

type memStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	seq   int

	uploadErr   error
	downloadErr error
}

func newMemStore() *memStore {
	return &memStore{blobs: map[string][]byte{}}
}

func (m *memStore) Upload(_ context.Context, data []byte, _ int) (model.BlobRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uploadErr != nil {
		return model.BlobRef{}, m.uploadErr
	}
	m.seq++
	id := fmt.Sprintf("blob-%d", m.seq)
	m.blobs[id] = append([]byte(nil), data...)
	sum := blake3.Sum256(data)
	return model.BlobRef{BlobID: id, Size: int64(len(data)), ContentHash: fmt.Sprintf("%x", sum)}, nil
}

func (m *memStore) Download(_ context.Context, blobID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.downloadErr != nil {
		return nil, m.downloadErr
	}
	b, ok := m.blobs[blobID]
	if !ok {
		return nil, errs.ErrBlobNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *memStore) DownloadVerified(ctx context.Context, ref model.BlobRef) ([]byte, error) {
	return m.Download(ctx, ref.BlobID)
}

type memPolicyRepo struct {
	mu      sync.Mutex
	descs   map[string]policy.Descriptor
	saveErr error
}

func newMemPolicyRepo() *memPolicyRepo {
	return &memPolicyRepo{descs: map[string]policy.Descriptor{}}
}

func (m *memPolicyRepo) Save(_ context.Context, d policy.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if _, ok := m.descs[d.ID]; ok {
		return errs.ErrAlreadyExists
	}
	m.descs[d.ID] = d
	return nil
}

func (m *memPolicyRepo) Resolve(_ context.Context, id string) (policy.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.descs[id]
	if !ok {
		return policy.Descriptor{}, errs.ErrNotFound
	}
	return d, nil
}

type memPendingRepo struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]model.PendingModel
	createErr error
}

func newMemPendingRepo() *memPendingRepo {
	return &memPendingRepo{rows: map[uuid.UUID]model.PendingModel{}}
}

func (m *memPendingRepo) Create(_ context.Context, pm *model.PendingModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.rows[pm.ID]; ok {
		return errs.ErrAlreadyExists
	}
	m.rows[pm.ID] = *pm
	return nil
}

func (m *memPendingRepo) Get(_ context.Context, id uuid.UUID) (*model.PendingModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.rows[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &pm, nil
}

func (m *memPendingRepo) SetLedgerRef(_ context.Context, id uuid.UUID, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.rows[id]
	if !ok {
		return errs.ErrNotFound
	}
	pm.LedgerRef = ref
	m.rows[id] = pm
	return nil
}

func (m *memPendingRepo) ListUnregistered(_ context.Context, before time.Time) ([]model.PendingModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PendingModel
	for _, pm := range m.rows {
		if pm.LedgerRef == "" && pm.CreatedAt.Before(before) {
			out = append(out, pm)
		}
	}
	return out, nil
}

func (m *memPendingRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return errs.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

type memVerificationRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]model.VerificationResult // keyed by pending model id
}

func newMemVerificationRepo() *memVerificationRepo {
	return &memVerificationRepo{rows: map[uuid.UUID]model.VerificationResult{}}
}

func (m *memVerificationRepo) Create(_ context.Context, vr *model.VerificationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[vr.PendingModelID]; ok {
		return errs.ErrAlreadyExists
	}
	m.rows[vr.PendingModelID] = *vr
	return nil
}

func (m *memVerificationRepo) GetByPendingModel(_ context.Context, pendingID uuid.UUID) (*model.VerificationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vr, ok := m.rows[pendingID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &vr, nil
}

type memListingRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]model.Listing
}

func newMemListingRepo() *memListingRepo {
	return &memListingRepo{rows: map[uuid.UUID]model.Listing{}}
}

func (m *memListingRepo) Create(_ context.Context, l *model.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[l.ID]; ok {
		return errs.ErrAlreadyExists
	}
	m.rows[l.ID] = *l
	return nil
}

func (m *memListingRepo) Get(_ context.Context, id uuid.UUID) (*model.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rows[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &l, nil
}

func (m *memListingRepo) ListActive(_ context.Context, _, _ int) ([]model.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Listing
	for _, l := range m.rows {
		if l.Active {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memListingRepo) Deactivate(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rows[id]
	if !ok {
		return errs.ErrNotFound
	}
	l.Active = false
	m.rows[id] = l
	return nil
}

type memTicketRepo struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]model.AccessTicket
	listings *memListingRepo
}

func newMemTicketRepo(listings *memListingRepo) *memTicketRepo {
	return &memTicketRepo{rows: map[uuid.UUID]model.AccessTicket{}, listings: listings}
}

func (m *memTicketRepo) Create(ctx context.Context, t *model.AccessTicket) error {
	l, err := m.listings.Get(ctx, t.ListingID)
	if err != nil {
		return err
	}
	if !l.Active {
		return errs.ErrListingInactive
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[t.ID] = *t
	return nil
}

func (m *memTicketRepo) Get(_ context.Context, id uuid.UUID) (*model.AccessTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &t, nil
}

func (m *memTicketRepo) GetBySettlementRef(_ context.Context, ref string) (*model.AccessTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.rows {
		if t.SettlementRef == ref {
			return &t, nil
		}
	}
	return nil, errs.ErrNotFound
}

// RecordDownload mirrors the conditional UPDATE of the postgres ticket repo:
// the check and increment happen under one lock.
func (m *memTicketRepo) RecordDownload(_ context.Context, id uuid.UUID, now time.Time) (*model.AccessTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	switch {
	case !t.Active:
		return nil, errs.ErrAccessDenied
	case t.Expired(now):
		return nil, errs.ErrAccessExpired
	case t.Exhausted():
		return nil, errs.ErrMaxDownloadsExceeded
	}
	t.DownloadCount++
	m.rows[id] = t
	return &t, nil
}

func (m *memTicketRepo) ReleaseDownload(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if ok && t.DownloadCount > 0 {
		t.DownloadCount--
		m.rows[id] = t
	}
	return nil
}

func (m *memTicketRepo) Deactivate(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.rows[id]
	if !ok {
		return errs.ErrNotFound
	}
	t.Active = false
	m.rows[id] = t
	return nil
}

// fakeLedger accepts every transaction and emits an event named after the
// transaction kind.
type fakeLedger struct {
	mu       sync.Mutex
	seq      int
	txs      []ledger.Transaction
	failWith error
}

func (f *fakeLedger) SubmitTransaction(_ context.Context, tx ledger.Transaction) (*ledger.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.seq++
	digest := fmt.Sprintf("0xtx%04d", f.seq)
	f.txs = append(f.txs, tx)
	var evType string
	switch tx.Kind {
	case "register_model":
		evType = ledger.EventModelRegistered
	case "create_listing":
		evType = ledger.EventListingCreated
	case "purchase":
		evType = ledger.EventPurchaseMade
	}
	res := &ledger.TxResult{Digest: digest, EffectsOK: true}
	if evType != "" {
		res.Events = []ledger.Event{{Type: evType, TxDigest: digest, Attributes: tx.Fields}}
	}
	return res, nil
}

func (f *fakeLedger) QueryEvents(_ context.Context, _ string, _ int) ([]ledger.Event, string, error) {
	return nil, "", nil
}

func (f *fakeLedger) setFailure(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWith = err
}

func newTestSigner(l ledger.Ledger) *ledger.KeypairSigner {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		panic(err)
	}
	return ledger.NewKeypairSigner(priv, l)
}

// stubKeyServer derives a stable per-policy key without network access.
type stubKeyServer struct{ err error }

func (s *stubKeyServer) FetchDEK(_ context.Context, policyID string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	key := make([]byte, 32)
	copy(key, policyID)
	return key, nil
}

// stubAttester returns a fixed score.
type stubAttester struct {
	score int // basis points
	err   error
}

func (s *stubAttester) Attest(_ context.Context, blobID string, _ attest.Spec) (*attest.Report, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &attest.Report{
		EnclaveID:          "enclave-test",
		QualityScore:       s.score,
		RawScore:           s.score / 100,
		SecurityAssessment: "clean",
		AttestationHash:    "hash-" + blobID,
		Timestamp:          time.Now(),
	}, nil
}

// core wires the three orchestrators against in-memory collaborators.
type core struct {
	cfg      *config.Config
	store    *memStore
	policies *memPolicyRepo
	pending  *memPendingRepo
	verifs   *memVerificationRepo
	listings *memListingRepo
	tickets  *memTicketRepo
	chain    *fakeLedger
	attester *stubAttester
	keys     *stubKeyServer
	settle   *SettlementCache
	gateway  *seal.Gateway

	upload   *UploadServiceImpl
	verify   *VerificationServiceImpl
	purchase *PurchaseServiceImpl
}

func newCore(t *testing.T) *core {
	t.Helper()

	cfg := config.Default()
	cfg.Purchase.SessionSignKey = "test-session-signing-key"

	c := &core{
		cfg:      cfg,
		store:    newMemStore(),
		policies: newMemPolicyRepo(),
		pending:  newMemPendingRepo(),
		verifs:   newMemVerificationRepo(),
		listings: newMemListingRepo(),
		chain:    &fakeLedger{},
		attester: &stubAttester{score: 9000},
		keys:     &stubKeyServer{},
	}
	c.tickets = newMemTicketRepo(c.listings)
	c.settle = NewSettlementCache(cfg.Purchase.SettlementCache, c.tickets)
	t.Cleanup(c.settle.Stop)

	logger := zap.NewNop()
	cache := dek.New(cfg.DEKCache.TTL, cfg.DEKCache.MaxEntries, logger)
	c.gateway = seal.NewGateway(cache, c.keys, c.policies, c.settle,
		[]byte(cfg.Purchase.SessionSignKey), seal.Options{}, logger)

	signer := newTestSigner(c.chain)
	c.upload = NewUploadService(cfg.Upload, cfg.Storage.DefaultEpochs, c.store, c.gateway,
		c.policies, c.pending, signer, logger)
	c.verify = NewVerificationService(cfg.Verification, c.store, c.gateway, c.attester,
		c.pending, c.verifs, c.listings, c.policies, signer, logger)
	c.purchase = NewPurchaseService(cfg.Purchase, c.store, c.gateway,
		c.listings, c.tickets, c.policies, signer, c.settle, logger)
	return c
}

func paymentGatedInput(data []byte) UploadInput {
	return UploadInput{
		SellerAddress: "0xseller",
		Title:         "resnet-50 fine-tune",
		Description:   "image classifier",
		Category:      "vision",
		Tags:          []string{"cnn"},
		FileName:      "model.onnx",
		Data:          data,
		PolicyKind:    policy.PaymentGated,
		PolicyParams:  policy.Params{PriceMist: 100, SellerAddress: "0xseller"},
		PriceMist:     100,
		MaxDownloads:  1,
	}
}
