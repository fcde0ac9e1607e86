package seal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satyalabs/satya-core/internal/dek"
	"github.com/satyalabs/satya-core/internal/errs"
	"github.com/satyalabs/satya-core/internal/policy"
)

type fakeKeyServer struct {
	calls atomic.Int32
	err   error
}

func (f *fakeKeyServer) FetchDEK(_ context.Context, policyID string) ([]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	key := make([]byte, 32)
	copy(key, policyID)
	return key, nil
}

type fakeResolver map[string]policy.Descriptor

func (f fakeResolver) Resolve(_ context.Context, id string) (policy.Descriptor, error) {
	d, ok := f[id]
	if !ok {
		return policy.Descriptor{}, errs.ErrNotFound
	}
	return d, nil
}

type fakeSettlements map[string]bool

func (f fakeSettlements) Confirmed(_ context.Context, digest string) (bool, error) {
	return f[digest], nil
}

var testSessionKey = []byte("unit-test-session-signing-key")

func newGateway(t *testing.T, ks KeyServer, res PolicyResolver, set SettlementChecker, opts Options) *Gateway {
	t.Helper()
	cache := dek.New(time.Minute, 16, zap.NewNop())
	return NewGateway(cache, ks, res, set, testSessionKey, opts, zap.NewNop())
}

func TestGateway_EncryptDecrypt_PaymentGated(t *testing.T) {
	t.Parallel()

	desc, err := policy.Derive(policy.PaymentGated, policy.Params{PriceMist: 100, SellerAddress: "0xseller"})
	require.NoError(t, err)

	ks := &fakeKeyServer{}
	g := newGateway(t, ks, fakeResolver{desc.ID: desc}, fakeSettlements{"0xdigest": true}, Options{})

	plaintext := []byte("ten bytes!")
	env, err := g.Encrypt(context.Background(), plaintext, desc)
	require.NoError(t, err)
	require.False(t, env.Plaintext)
	require.NotEqual(t, plaintext, env.Ciphertext)
	require.Equal(t, desc.ID, env.PolicyID)

	got, err := g.Decrypt(context.Background(), env, PaymentProof{SettlementRef: "0xdigest"})
	require.NoError(t, err)
	require.Equal(t, plaintext, got)

	// DEK came from the backend once; the decrypt was served from cache.
	require.Equal(t, int32(1), ks.calls.Load())

	_, err = g.Decrypt(context.Background(), env, PaymentProof{SettlementRef: "0xunknown"})
	require.ErrorIs(t, err, errs.ErrAccessDenied)

	_, err = g.Decrypt(context.Background(), env, PaymentProof{})
	require.ErrorIs(t, err, errs.ErrAccessDenied)
}

func TestGateway_Decrypt_AddressBased(t *testing.T) {
	t.Parallel()

	desc, err := policy.Derive(policy.AddressBased, policy.Params{Allowlist: []string{"0xbuyer"}})
	require.NoError(t, err)

	g := newGateway(t, &fakeKeyServer{}, fakeResolver{desc.ID: desc}, fakeSettlements{}, Options{})

	env, err := g.Encrypt(context.Background(), []byte("secret"), desc)
	require.NoError(t, err)

	token, _, err := IssueSessionToken(testSessionKey, "0xbuyer", "t-1", time.Minute)
	require.NoError(t, err)
	got, err := g.Decrypt(context.Background(), env, AddressProof{SessionToken: token})
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), got)

	// Token for an address off the allowlist.
	other, _, err := IssueSessionToken(testSessionKey, "0xother", "t-2", time.Minute)
	require.NoError(t, err)
	_, err = g.Decrypt(context.Background(), env, AddressProof{SessionToken: other})
	require.ErrorIs(t, err, errs.ErrAccessDenied)

	// Token signed with the wrong key.
	forged, _, err := IssueSessionToken([]byte("wrong-key"), "0xbuyer", "t-3", time.Minute)
	require.NoError(t, err)
	_, err = g.Decrypt(context.Background(), env, AddressProof{SessionToken: forged})
	require.ErrorIs(t, err, errs.ErrAccessDenied)
}

func TestGateway_Decrypt_TimeWindow(t *testing.T) {
	t.Parallel()

	desc, err := policy.Derive(policy.TimeBased, policy.Params{Duration: time.Hour})
	require.NoError(t, err)

	g := newGateway(t, &fakeKeyServer{}, fakeResolver{desc.ID: desc}, fakeSettlements{}, Options{})
	env, err := g.Encrypt(context.Background(), []byte("secret"), desc)
	require.NoError(t, err)

	_, err = g.Decrypt(context.Background(), env, TimeProof{})
	require.NoError(t, err)

	_, err = g.Decrypt(context.Background(), env, TimeProof{At: desc.CreatedAt.Add(2 * time.Hour)})
	require.ErrorIs(t, err, errs.ErrAccessExpired)
}

func TestGateway_Decrypt_UsageAndKindMismatch(t *testing.T) {
	t.Parallel()

	desc, err := policy.Derive(policy.UsageBased, policy.Params{MaxUses: 1})
	require.NoError(t, err)

	g := newGateway(t, &fakeKeyServer{}, fakeResolver{desc.ID: desc}, fakeSettlements{}, Options{})
	env, err := g.Encrypt(context.Background(), []byte("secret"), desc)
	require.NoError(t, err)

	_, err = g.Decrypt(context.Background(), env, UsageProof{RemainingUses: 1})
	require.NoError(t, err)

	_, err = g.Decrypt(context.Background(), env, UsageProof{RemainingUses: 0})
	require.ErrorIs(t, err, errs.ErrMaxDownloadsExceeded)

	_, err = g.Decrypt(context.Background(), env, TimeProof{})
	require.ErrorIs(t, err, errs.ErrAccessDenied)

	_, err = g.Decrypt(context.Background(), env, nil)
	require.ErrorIs(t, err, errs.ErrAccessDenied)
}

func TestGateway_Encrypt_BackendDown(t *testing.T) {
	t.Parallel()

	ks := &fakeKeyServer{err: fmt.Errorf("%w: quorum shortfall", errs.ErrEncryptionUnavailable)}
	g := newGateway(t, ks, fakeResolver{}, fakeSettlements{}, Options{})

	_, err := g.Encrypt(context.Background(), []byte("secret"), policy.Descriptor{ID: "p1", Kind: policy.TimeBased})
	require.ErrorIs(t, err, errs.ErrEncryptionUnavailable)
}

func TestGateway_Encrypt_PlaintextFallbackIsExplicit(t *testing.T) {
	t.Parallel()

	ks := &fakeKeyServer{err: fmt.Errorf("%w: down", errs.ErrEncryptionUnavailable)}
	desc := policy.Descriptor{ID: "p1", Kind: policy.TimeBased, Duration: time.Hour, CreatedAt: time.Now()}
	g := newGateway(t, ks, fakeResolver{"p1": desc}, fakeSettlements{}, Options{AllowPlaintextFallback: true})

	env, err := g.Encrypt(context.Background(), []byte("secret"), desc)
	require.NoError(t, err)
	require.True(t, env.Plaintext)
	require.Equal(t, []byte("secret"), env.Ciphertext)

	got, err := g.Decrypt(context.Background(), env, TimeProof{})
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), got)
}

func TestGateway_Decrypt_TamperedCiphertext(t *testing.T) {
	t.Parallel()

	desc, err := policy.Derive(policy.TimeBased, policy.Params{Duration: time.Hour})
	require.NoError(t, err)
	g := newGateway(t, &fakeKeyServer{}, fakeResolver{desc.ID: desc}, fakeSettlements{}, Options{})

	env, err := g.Encrypt(context.Background(), []byte("secret"), desc)
	require.NoError(t, err)
	env.Ciphertext[0] ^= 0xFF

	_, err = g.Decrypt(context.Background(), env, TimeProof{})
	require.ErrorIs(t, err, errs.ErrAccessDenied)
}

func keyShareServer(t *testing.T, share string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"share": share})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestThresholdClient_QuorumReached(t *testing.T) {
	t.Parallel()

	s1 := keyShareServer(t, "aabbcc")
	s2 := keyShareServer(t, "ddeeff")

	c, err := NewThresholdClient([]string{s1.URL, s2.URL}, 2, time.Second, zap.NewNop())
	require.NoError(t, err)

	dekA, err := c.FetchDEK(context.Background(), "policy-1")
	require.NoError(t, err)
	require.Len(t, dekA, 32)

	// Deterministic for the same policy, distinct across policies.
	dekB, err := c.FetchDEK(context.Background(), "policy-1")
	require.NoError(t, err)
	require.Equal(t, dekA, dekB)

	dekC, err := c.FetchDEK(context.Background(), "policy-2")
	require.NoError(t, err)
	require.NotEqual(t, dekA, dekC)
}

func TestThresholdClient_QuorumShortfall(t *testing.T) {
	t.Parallel()

	ok := keyShareServer(t, "aabbcc")
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	// 2-of-2: one server failing fails the whole call.
	c, err := NewThresholdClient([]string{ok.URL, bad.URL}, 2, time.Second, zap.NewNop())
	require.NoError(t, err)

	_, err = c.FetchDEK(context.Background(), "policy-1")
	require.ErrorIs(t, err, errs.ErrEncryptionUnavailable)
}
