package chain

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	name string
}

func (s stubAdapter) Chain() string                { return s.name }
func (s stubAdapter) SourceAddress() string        { return "stub" }
func (s stubAdapter) ValidateAddress(string) bool  { return true }
func (s stubAdapter) Submit(context.Context, string, decimal.Decimal, string) (string, error) {
	return "", nil
}
func (s stubAdapter) TxStatus(context.Context, string) (TxStatus, error) { return StatusPending, nil }
func (s stubAdapter) UnsignedPreview(string, decimal.Decimal, string) (*TxPreview, error) {
	return nil, nil
}

func TestRegistryRoutesByChain(t *testing.T) {
	reg, err := NewRegistry(stubAdapter{name: "ethereum"}, stubAdapter{name: "solana"})
	require.NoError(t, err)

	a, err := reg.Get("ethereum")
	require.NoError(t, err)
	assert.Equal(t, "ethereum", a.Chain())

	assert.Equal(t, []string{"ethereum", "solana"}, reg.Chains())
}

func TestRegistryUnknownChain(t *testing.T) {
	reg, err := NewRegistry(stubAdapter{name: "ethereum"})
	require.NoError(t, err)

	_, err = reg.Get("dogecoin")
	assert.ErrorIs(t, err, ErrUnsupportedChain)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(stubAdapter{name: "ethereum"}, stubAdapter{name: "ethereum"})
	assert.Error(t, err)
}
