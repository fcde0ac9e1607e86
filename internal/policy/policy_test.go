package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/satyalabs/satya-core/internal/errs"
)

func TestDerive_Valid(t *testing.T) {
	t.Parallel()

	d, err := Derive(TimeBased, Params{Duration: time.Hour})
	require.NoError(t, err)
	require.Equal(t, TimeBased, d.Kind)
	require.NotEmpty(t, d.ID)

	d, err = Derive(AddressBased, Params{Allowlist: []string{"0xabc", "0xdef"}})
	require.NoError(t, err)
	require.True(t, d.Allows("0xdef"))
	require.False(t, d.Allows("0x123"))

	d, err = Derive(PaymentGated, Params{PriceMist: 100, SellerAddress: "0xseller"})
	require.NoError(t, err)
	require.Equal(t, uint64(100), d.PriceMist)

	d, err = Derive(UsageBased, Params{MaxUses: 3})
	require.NoError(t, err)
	require.Equal(t, 3, d.MaxUses)
}

func TestDerive_InvalidParams(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		kind Kind
		p    Params
	}{
		{"zero duration", TimeBased, Params{Duration: 0}},
		{"negative duration", TimeBased, Params{Duration: -time.Minute}},
		{"empty allowlist", AddressBased, Params{}},
		{"blank address", AddressBased, Params{Allowlist: []string{"0xabc", ""}}},
		{"zero price", PaymentGated, Params{SellerAddress: "0xseller"}},
		{"missing seller", PaymentGated, Params{PriceMist: 100}},
		{"zero uses", UsageBased, Params{MaxUses: 0}},
		{"unknown kind", Kind("bogus"), Params{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Derive(tc.kind, tc.p)
			require.ErrorIs(t, err, errs.ErrInvalidPolicyParams)
		})
	}
}

func TestDerive_AllowlistCopied(t *testing.T) {
	t.Parallel()

	src := []string{"0xabc"}
	d, err := Derive(AddressBased, Params{Allowlist: src})
	require.NoError(t, err)

	src[0] = "0xmutated"
	require.True(t, d.Allows("0xabc"))
}

func TestDerive_UniqueIDs(t *testing.T) {
	t.Parallel()

	a, err := Derive(TimeBased, Params{Duration: time.Hour})
	require.NoError(t, err)
	b, err := Derive(TimeBased, Params{Duration: time.Hour})
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)
}
