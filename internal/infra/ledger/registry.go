// Package ledger reads and writes the per-identity snapshot pointer held by
// the registry contract on an EVM chain.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/patrickmn/go-cache"
	pkgerrors "github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/totegamma/profilesync/cid"
	"github.com/totegamma/profilesync/internal/domain"
)

var tracer = otel.Tracer("ledger")

// Backend is the part of an Ethereum JSON-RPC client the registry uses.
// *ethclient.Client satisfies it.
type Backend interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

type TransitionKind string

const (
	KindRegister TransitionKind = "register"
	KindUpdate   TransitionKind = "update"
)

// UnsignedTx is a prepared pointer transition waiting for a wallet signature.
type UnsignedTx struct {
	Kind     TransitionKind `json:"kind"`
	Username string         `json:"username,omitempty"`
	Handle   *Handle        `json:"handle,omitempty"`
	CID      cid.CID        `json:"cid"`
	From     common.Address `json:"from"`
	ChainID  *big.Int       `json:"chainId"`

	// SigningHash is what the wallet signs.
	SigningHash common.Hash        `json:"signingHash"`
	Tx          *types.Transaction `json:"tx"`
}

// Confirmation is returned once the transition is included and succeeded.
type Confirmation struct {
	TxHash      common.Hash
	BlockNumber uint64
	Handle      Handle
	CID         cid.CID
}

type Options struct {
	PollInterval time.Duration
	Logger       *zap.Logger
}

type Registry struct {
	backend      Backend
	address      common.Address
	chainID      *big.Int
	pollInterval time.Duration
	handles      *cache.Cache
	logger       *zap.Logger
}

// Dial connects to rpcURL and checks that a contract is deployed at address.
func Dial(ctx context.Context, rpcURL string, address common.Address, opts Options) (*Registry, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "dialing ledger rpc")
	}
	return New(ctx, client, address, opts)
}

func New(ctx context.Context, backend Backend, address common.Address, opts Options) (*Registry, error) {
	code, err := backend.CodeAt(ctx, address, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading registry code")
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("no registry contract deployed at %s", address.Hex())
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading chain id")
	}

	interval := opts.PollInterval
	if interval == 0 {
		interval = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		backend:      backend,
		address:      address,
		chainID:      chainID,
		pollInterval: interval,
		handles:      cache.New(time.Hour, 2*time.Hour),
		logger:       logger.With(zap.String("service", "ledger")),
	}, nil
}

func (r *Registry) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := registryABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := r.backend.CallContract(ctx, ethereum.CallMsg{To: &r.address, Data: data}, nil)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "calling %s", method)
	}
	return registryABI.Unpack(method, out)
}

// ChainID is the chain the registry lives on, as reported by the node.
func (r *Registry) ChainID() *big.Int {
	return new(big.Int).Set(r.chainID)
}

// ResolveHandle returns nil if username never registered.
func (r *Registry) ResolveHandle(ctx context.Context, username string) (*Handle, error) {
	ctx, span := tracer.Start(ctx, "Ledger.ResolveHandle")
	defer span.End()

	if cached, ok := r.handles.Get(username); ok {
		h := cached.(Handle)
		return &h, nil
	}

	values, err := r.call(ctx, "handleOf", username)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	h := Handle(values[0].([32]byte))
	if h.IsZero() {
		return nil, nil
	}
	// handles never change once registered
	r.handles.SetDefault(username, h)
	return &h, nil
}

// ReadPointer returns the snapshot CID the handle points at, or nil if the
// pointer is empty.
func (r *Registry) ReadPointer(ctx context.Context, handle Handle) (*cid.CID, error) {
	ctx, span := tracer.Start(ctx, "Ledger.ReadPointer")
	defer span.End()
	span.SetAttributes(attribute.String("handle", handle.Hex()))

	values, err := r.call(ctx, "pointerOf", [32]byte(handle))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	raw := values[0].(string)
	if raw == "" {
		return nil, nil
	}
	c, err := cid.Parse(raw)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "registry holds malformed pointer for %s", handle.Hex())
	}
	return &c, nil
}

// Owner returns the wallet allowed to update handle.
func (r *Registry) Owner(ctx context.Context, handle Handle) (common.Address, error) {
	values, err := r.call(ctx, "ownerOf", [32]byte(handle))
	if err != nil {
		return common.Address{}, err
	}
	return values[0].(common.Address), nil
}

func (r *Registry) BuildRegisterTransition(ctx context.Context, username string, snapshot cid.CID, signer common.Address) (*UnsignedTx, error) {
	ctx, span := tracer.Start(ctx, "Ledger.BuildRegisterTransition")
	defer span.End()

	data, err := registryABI.Pack("register", username, snapshot.String())
	if err != nil {
		return nil, err
	}
	utx, err := r.build(ctx, data, signer)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	utx.Kind = KindRegister
	utx.Username = username
	utx.CID = snapshot
	return utx, nil
}

func (r *Registry) BuildUpdateTransition(ctx context.Context, handle Handle, snapshot cid.CID, signer common.Address) (*UnsignedTx, error) {
	ctx, span := tracer.Start(ctx, "Ledger.BuildUpdateTransition")
	defer span.End()

	data, err := registryABI.Pack("update", [32]byte(handle), snapshot.String())
	if err != nil {
		return nil, err
	}
	utx, err := r.build(ctx, data, signer)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	h := handle
	utx.Kind = KindUpdate
	utx.Handle = &h
	utx.CID = snapshot
	return utx, nil
}

func (r *Registry) build(ctx context.Context, data []byte, from common.Address) (*UnsignedTx, error) {
	gas, err := r.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &r.address, Data: data})
	if err != nil {
		// the contract would revert: ownership or state check failed
		return nil, domain.RejectTransition(err)
	}
	nonce, err := r.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading nonce")
	}
	tip, err := r.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "suggesting gas tip")
	}
	head, err := r.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "reading chain head")
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   r.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas * 6 / 5,
		To:        &r.address,
		Data:      data,
	})
	signer := types.LatestSignerForChainID(r.chainID)
	return &UnsignedTx{
		From:        from,
		ChainID:     r.chainID,
		SigningHash: signer.Hash(tx),
		Tx:          tx,
	}, nil
}

// Submit attaches signature, broadcasts the transition and waits for its
// receipt. Any refusal is returned as a *domain.TransitionRejectedError and
// is never resubmitted here. Once the node accepted the transaction the
// receipt wait ignores ctx cancellation: the pointer may already have moved.
func (r *Registry) Submit(ctx context.Context, utx *UnsignedTx, signature []byte) (*Confirmation, error) {
	ctx, span := tracer.Start(ctx, "Ledger.Submit")
	defer span.End()

	if len(signature) != 65 {
		return nil, domain.RejectTransition(fmt.Errorf("signature must be 65 bytes, got %d", len(signature)))
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	signer := types.LatestSignerForChainID(r.chainID)
	signed, err := utx.Tx.WithSignature(signer, sig)
	if err != nil {
		return nil, domain.RejectTransition(err)
	}
	sender, err := types.Sender(signer, signed)
	if err != nil {
		return nil, domain.RejectTransition(err)
	}
	if sender != utx.From {
		return nil, domain.RejectTransition(fmt.Errorf("signed by %s, expected %s", sender.Hex(), utx.From.Hex()))
	}

	if err := r.backend.SendTransaction(ctx, signed); err != nil {
		span.RecordError(err)
		return nil, domain.RejectTransition(err)
	}
	r.logger.Info("submitted pointer transition",
		zap.String("kind", string(utx.Kind)),
		zap.String("tx", signed.Hash().Hex()),
		zap.String("cid", utx.CID.String()),
	)

	receipt, err := r.waitReceipt(context.WithoutCancel(ctx), signed.Hash())
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, domain.RejectTransition(fmt.Errorf("transaction %s reverted", signed.Hash().Hex()))
	}

	confirmation := &Confirmation{
		TxHash:      signed.Hash(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		CID:         utx.CID,
	}
	if utx.Handle != nil {
		confirmation.Handle = *utx.Handle
	} else {
		h, ok := registeredHandle(receipt)
		if !ok {
			return nil, fmt.Errorf("transaction %s has no Registered event", signed.Hash().Hex())
		}
		confirmation.Handle = h
		r.handles.SetDefault(utx.Username, h)
	}
	return confirmation, nil
}

func (r *Registry) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.pollInterval
	policy.MaxInterval = 8 * r.pollInterval
	policy.MaxElapsedTime = 0

	var receipt *types.Receipt
	err := backoff.Retry(func() error {
		var err error
		receipt, err = r.backend.TransactionReceipt(ctx, hash)
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			r.logger.Warn("reading receipt failed, retrying",
				zap.String("tx", hash.Hex()),
				zap.Error(err),
			)
		}
		return err
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "reading receipt of %s", hash.Hex())
	}
	return receipt, nil
}

func registeredHandle(receipt *types.Receipt) (Handle, bool) {
	event := registryABI.Events["Registered"]
	for _, log := range receipt.Logs {
		if len(log.Topics) >= 2 && log.Topics[0] == event.ID {
			return Handle(log.Topics[1]), true
		}
	}
	return Handle{}, false
}
