package signing

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/totegamma/profilesync/cid"
	"github.com/totegamma/profilesync/internal/domain"
	"github.com/totegamma/profilesync/internal/infra/ledger"
)

type mockReporter struct {
	mu     sync.Mutex
	events []domain.Event
	notify chan struct{}
}

func (r *mockReporter) Report(ctx context.Context, event domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	if r.notify != nil {
		r.notify <- struct{}{}
	}
}

func sampleTx(from common.Address) *ledger.UnsignedTx {
	return &ledger.UnsignedTx{
		Kind:        ledger.KindRegister,
		From:        from,
		CID:         cid.Sum([]byte("snap")),
		ChainID:     common.Big1,
		SigningHash: crypto.Keccak256Hash([]byte("tx")),
	}
}

func TestKeySigner(t *testing.T) {
	key, _ := crypto.GenerateKey()
	signer, err := NewKeySigner(hex.EncodeToString(crypto.FromECDSA(key)))
	require.NoError(t, err)

	utx := sampleTx(signer.Address())
	sig, err := signer.Sign(context.Background(), utx)
	require.NoError(t, err)

	pub, err := crypto.SigToPub(utx.SigningHash.Bytes(), sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), crypto.PubkeyToAddress(*pub))

	_, err = signer.Sign(context.Background(), sampleTx(common.HexToAddress("0x42")))
	assert.ErrorIs(t, err, domain.ErrUserRejected)
}

func TestBrokerDeliversSignature(t *testing.T) {
	reporter := &mockReporter{notify: make(chan struct{}, 1)}
	broker := NewBroker(reporter)
	ctx := context.WithValue(context.Background(), domain.RequesterIdentityKey, "identity-1")

	go func() {
		<-reporter.notify
		_, ok := broker.Pending("identity-1")
		assert.True(t, ok)
		assert.NoError(t, broker.Resolve("identity-1", []byte("sig")))
	}()

	sig, err := broker.Sign(ctx, sampleTx(common.HexToAddress("0x1")))
	require.NoError(t, err)
	assert.Equal(t, []byte("sig"), sig)

	require.Len(t, reporter.events, 1)
	assert.Equal(t, domain.StatusSign, reporter.events[0].Status)
	_, ok := broker.Pending("identity-1")
	assert.False(t, ok)
}

func TestBrokerRejection(t *testing.T) {
	reporter := &mockReporter{notify: make(chan struct{}, 1)}
	broker := NewBroker(reporter)
	ctx := context.WithValue(context.Background(), domain.RequesterIdentityKey, "identity-2")

	go func() {
		<-reporter.notify
		broker.Reject("identity-2", "user closed the wallet")
	}()

	_, err := broker.Sign(ctx, sampleTx(common.HexToAddress("0x1")))
	require.ErrorIs(t, err, domain.ErrUserRejected)
	assert.Contains(t, err.Error(), "user closed the wallet")
}

func TestBrokerHonoursCancellation(t *testing.T) {
	broker := NewBroker(&mockReporter{})
	ctx, cancel := context.WithTimeout(context.WithValue(context.Background(), domain.RequesterIdentityKey, "identity-3"), 20*time.Millisecond)
	defer cancel()

	_, err := broker.Sign(ctx, sampleTx(common.HexToAddress("0x1")))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResolveWithoutRequest(t *testing.T) {
	broker := NewBroker(&mockReporter{})
	assert.ErrorIs(t, broker.Resolve("nobody", []byte("sig")), domain.ErrNotFound)
}
