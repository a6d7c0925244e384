// Package signing provides the wallet signers used for pointer transitions.
package signing

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"

	"github.com/totegamma/profilesync/internal/domain"
	"github.com/totegamma/profilesync/internal/infra/ledger"
)

// KeySigner signs with a locally held key. Used for headless publishing.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, errors.Wrap(err, "parsing signer key")
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *KeySigner) Address() common.Address {
	return s.address
}

func (s *KeySigner) Sign(ctx context.Context, utx *ledger.UnsignedTx) ([]byte, error) {
	if utx.From != s.address {
		return nil, fmt.Errorf("%w: transition is for %s, signer holds %s", domain.ErrUserRejected, utx.From.Hex(), s.address.Hex())
	}
	return crypto.Sign(utx.SigningHash.Bytes(), s.key)
}

// Reporter receives the sign request so it can reach the wallet UI.
type Reporter interface {
	Report(ctx context.Context, event domain.Event)
}

// SignRequest is the payload of a sign_request event.
type SignRequest struct {
	Kind        ledger.TransitionKind `json:"kind"`
	From        string                `json:"from"`
	CID         string                `json:"cid"`
	SigningHash string                `json:"signingHash"`
	ChainID     string                `json:"chainId"`
}

type reply struct {
	signature []byte
	reason    string
	rejected  bool
}

type pending struct {
	utx   *ledger.UnsignedTx
	reply chan reply
}

// Broker parks a transition until the wallet UI answers with a signature or
// a rejection. There is no internal timeout; the caller's context bounds the
// wait.
type Broker struct {
	mu       sync.Mutex
	pending  map[string]*pending
	reporter Reporter
}

func NewBroker(reporter Reporter) *Broker {
	return &Broker{
		pending:  make(map[string]*pending),
		reporter: reporter,
	}
}

// Sign expects the identity id under domain.RequesterIdentityKey in ctx.
func (b *Broker) Sign(ctx context.Context, utx *ledger.UnsignedTx) ([]byte, error) {
	identityID, _ := ctx.Value(domain.RequesterIdentityKey).(string)
	if identityID == "" {
		return nil, errors.New("sign request has no identity")
	}

	p := &pending{utx: utx, reply: make(chan reply, 1)}
	b.mu.Lock()
	if _, busy := b.pending[identityID]; busy {
		b.mu.Unlock()
		return nil, domain.ErrSagaInProgress
	}
	b.pending[identityID] = p
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, identityID)
		b.mu.Unlock()
	}()

	b.reporter.Report(ctx, domain.Event{
		IdentityID: identityID,
		Step:       domain.StepBuildAndSign,
		Label:      domain.StepBuildAndSign.Label(),
		Status:     domain.StatusSign,
		Payload: SignRequest{
			Kind:        utx.Kind,
			From:        utx.From.Hex(),
			CID:         utx.CID.String(),
			SigningHash: utx.SigningHash.Hex(),
			ChainID:     utx.ChainID.String(),
		},
	})

	select {
	case r := <-p.reply:
		if r.rejected {
			if r.reason == "" {
				return nil, domain.ErrUserRejected
			}
			return nil, fmt.Errorf("%w: %s", domain.ErrUserRejected, r.reason)
		}
		return r.signature, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the transition waiting for identityID, if any.
func (b *Broker) Pending(identityID string) (*ledger.UnsignedTx, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[identityID]
	if !ok {
		return nil, false
	}
	return p.utx, true
}

// Resolve answers the request parked for identityID.
func (b *Broker) Resolve(identityID string, signature []byte) error {
	return b.answer(identityID, reply{signature: signature})
}

func (b *Broker) Reject(identityID, reason string) error {
	return b.answer(identityID, reply{rejected: true, reason: reason})
}

func (b *Broker) answer(identityID string, r reply) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[identityID]
	if !ok {
		return domain.NotFoundError{Resource: fmt.Sprintf("sign request for %s", identityID)}
	}
	select {
	case p.reply <- r:
		return nil
	default:
		return fmt.Errorf("sign request for %s already answered", identityID)
	}
}
