package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/totegamma/profilesync/cid"
	"github.com/totegamma/profilesync/internal/domain"
	"github.com/totegamma/profilesync/internal/infra/ledger"
	"github.com/totegamma/profilesync/internal/infra/ledger/ledgertest"
)

func newRegistry(t *testing.T) (*ledger.Registry, *ledgertest.Backend) {
	t.Helper()
	backend := ledgertest.NewBackend()
	registry, err := ledger.New(context.Background(), backend, backend.Address, ledger.Options{PollInterval: time.Millisecond})
	require.NoError(t, err)
	return registry, backend
}

func TestNewRequiresDeployedContract(t *testing.T) {
	backend := ledgertest.NewBackend()
	_, err := ledger.New(context.Background(), backend, common.HexToAddress("0x1"), ledger.Options{})
	assert.Error(t, err)
}

func TestResolveUnknownUsername(t *testing.T) {
	registry, _ := newRegistry(t)
	handle, err := registry.ResolveHandle(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, handle)
}

func TestRegisterThenUpdate(t *testing.T) {
	ctx := context.Background()
	registry, backend := newRegistry(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	wallet := crypto.PubkeyToAddress(key.PublicKey)

	first := cid.Sum([]byte("snapshot v1"))
	utx, err := registry.BuildRegisterTransition(ctx, "alice", first, wallet)
	require.NoError(t, err)
	sig, err := crypto.Sign(utx.SigningHash.Bytes(), key)
	require.NoError(t, err)

	confirmation, err := registry.Submit(ctx, utx, sig)
	require.NoError(t, err)
	assert.Equal(t, first, confirmation.CID)
	assert.False(t, confirmation.Handle.IsZero())

	handle, err := registry.ResolveHandle(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, confirmation.Handle, *handle)

	second := cid.Sum([]byte("snapshot v2"))
	utx, err = registry.BuildUpdateTransition(ctx, *handle, second, wallet)
	require.NoError(t, err)
	sig, err = crypto.Sign(utx.SigningHash.Bytes(), key)
	require.NoError(t, err)
	// wallets commonly return V as 27/28
	sig[64] += 27

	backend.ReceiptDelay = 2
	_, err = registry.Submit(ctx, utx, sig)
	require.NoError(t, err)

	pointer, err := registry.ReadPointer(ctx, *handle)
	require.NoError(t, err)
	require.NotNil(t, pointer)
	assert.Equal(t, second, *pointer)
}

func TestSubmitOutlivesCallerAfterBroadcast(t *testing.T) {
	registry, backend := newRegistry(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	wallet := crypto.PubkeyToAddress(key.PublicKey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snapshot := cid.Sum([]byte("snapshot"))
	utx, err := registry.BuildRegisterTransition(ctx, "carol", snapshot, wallet)
	require.NoError(t, err)
	sig, err := crypto.Sign(utx.SigningHash.Bytes(), key)
	require.NoError(t, err)

	backend.ReceiptErrs = 2
	backend.ReceiptDelay = 3
	backend.OnSend = func(*types.Transaction) { cancel() }

	confirmation, err := registry.Submit(ctx, utx, sig)
	require.NoError(t, err)
	assert.Equal(t, snapshot, confirmation.CID)
	assert.Equal(t, 0, backend.ReceiptErrs)
	assert.Equal(t, snapshot.String(), backend.Pointer("carol"))
}

func TestSubmitRejectsForeignSignature(t *testing.T) {
	ctx := context.Background()
	registry, backend := newRegistry(t)
	owner, _ := crypto.GenerateKey()
	stranger, _ := crypto.GenerateKey()

	utx, err := registry.BuildRegisterTransition(ctx, "bob", cid.Sum([]byte("x")), crypto.PubkeyToAddress(owner.PublicKey))
	require.NoError(t, err)
	sig, err := crypto.Sign(utx.SigningHash.Bytes(), stranger)
	require.NoError(t, err)

	_, err = registry.Submit(ctx, utx, sig)
	require.ErrorIs(t, err, domain.ErrTransitionRejected)
	assert.Zero(t, backend.Sent)
}

func TestUpdateByNonOwnerIsRejected(t *testing.T) {
	ctx := context.Background()
	registry, _ := newRegistry(t)
	owner, _ := crypto.GenerateKey()
	stranger, _ := crypto.GenerateKey()

	utx, err := registry.BuildRegisterTransition(ctx, "carol", cid.Sum([]byte("x")), crypto.PubkeyToAddress(owner.PublicKey))
	require.NoError(t, err)
	sig, _ := crypto.Sign(utx.SigningHash.Bytes(), owner)
	confirmation, err := registry.Submit(ctx, utx, sig)
	require.NoError(t, err)

	_, err = registry.BuildUpdateTransition(ctx, confirmation.Handle, cid.Sum([]byte("y")), crypto.PubkeyToAddress(stranger.PublicKey))
	require.ErrorIs(t, err, domain.ErrTransitionRejected)

	var rejected *domain.TransitionRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Contains(t, rejected.Reason, "not the handle owner")
}

func TestNodeRefusalIsRejectedVerbatim(t *testing.T) {
	ctx := context.Background()
	registry, backend := newRegistry(t)
	key, _ := crypto.GenerateKey()

	utx, err := registry.BuildRegisterTransition(ctx, "dave", cid.Sum([]byte("x")), crypto.PubkeyToAddress(key.PublicKey))
	require.NoError(t, err)
	sig, _ := crypto.Sign(utx.SigningHash.Bytes(), key)

	backend.SendErr = errors.New("insufficient funds for gas * price + value")
	_, err = registry.Submit(ctx, utx, sig)

	var rejected *domain.TransitionRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, "insufficient funds for gas * price + value", rejected.Reason)
}

func TestHandleTextRoundtrip(t *testing.T) {
	h := ledger.Handle(crypto.Keccak256Hash([]byte("x")))
	text, err := h.MarshalText()
	require.NoError(t, err)

	var parsed ledger.Handle
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, h, parsed)

	_, err = ledger.ParseHandle("0x1234")
	assert.Error(t, err)
}
