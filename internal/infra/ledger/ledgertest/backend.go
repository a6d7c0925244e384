// Package ledgertest provides an in-memory registry chain for tests.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/totegamma/profilesync/internal/infra/ledger"
)

var (
	errNotOwner = errors.New("execution reverted: caller is not the handle owner")
	errTaken    = errors.New("execution reverted: username already registered")
	errUnknown  = errors.New("execution reverted: unknown handle")
)

// Backend executes the registry contract in memory. Transactions are mined
// immediately; their signatures are checked like a real node would.
type Backend struct {
	mu       sync.Mutex
	abi      abi.ABI
	Address  common.Address
	chainID  *big.Int
	handles  map[string]common.Hash
	pointers map[common.Hash]string
	owners   map[common.Hash]common.Address
	receipts map[common.Hash]*types.Receipt
	nonces   map[common.Address]uint64
	block    uint64

	// SendErr, when set, is returned by SendTransaction.
	SendErr error
	// ReceiptDelay is how many receipt polls report NotFound first.
	ReceiptDelay int
	// ReceiptErrs is how many receipt polls fail with a transport error
	// before ReceiptDelay applies.
	ReceiptErrs int
	// OnSend runs after a transaction was accepted.
	OnSend func(tx *types.Transaction)
	Sent   int
}

func NewBackend() *Backend {
	return &Backend{
		abi:      ledger.ParsedABI(),
		Address:  common.HexToAddress("0x00000000000000000000000000000000000a11ce"),
		chainID:  big.NewInt(1337),
		handles:  map[string]common.Hash{},
		pointers: map[common.Hash]string{},
		owners:   map[common.Hash]common.Address{},
		receipts: map[common.Hash]*types.Receipt{},
		nonces:   map[common.Address]uint64{},
		block:    1,
	}
}

// Seed registers username directly, bypassing transactions.
func (b *Backend) Seed(username string, owner common.Address, pointer string) ledger.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := handleFor(username)
	b.handles[username] = h
	b.owners[h] = owner
	b.pointers[h] = pointer
	return ledger.Handle(h)
}

// Pointer returns the raw pointer stored for username.
func (b *Backend) Pointer(username string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pointers[b.handles[username]]
}

func handleFor(username string) common.Hash {
	return crypto.Keccak256Hash([]byte("profilesync.handle"), []byte(username))
}

func (b *Backend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	if account != b.Address {
		return nil, nil
	}
	return []byte{0x60, 0x80}, nil
}

func (b *Backend) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(b.chainID), nil
}

func (b *Backend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonces[account], nil
}

func (b *Backend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (b *Backend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return &types.Header{Number: new(big.Int).SetUint64(b.block), BaseFee: big.NewInt(7)}, nil
}

func (b *Backend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	method, args, err := b.decode(call.Data)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	switch method.Name {
	case "handleOf":
		return method.Outputs.Pack([32]byte(b.handles[args[0].(string)]))
	case "pointerOf":
		return method.Outputs.Pack(b.pointers[common.Hash(args[0].([32]byte))])
	case "ownerOf":
		return method.Outputs.Pack(b.owners[common.Hash(args[0].([32]byte))])
	}
	return nil, fmt.Errorf("%s is not a view function", method.Name)
}

func (b *Backend) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	method, args, err := b.decode(call.Data)
	if err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.check(method.Name, args, call.From); err != nil {
		return 0, err
	}
	return 90_000, nil
}

func (b *Backend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if b.SendErr != nil {
		return b.SendErr
	}
	if err := b.send(tx); err != nil {
		return err
	}
	if b.OnSend != nil {
		b.OnSend(tx)
	}
	return nil
}

func (b *Backend) send(tx *types.Transaction) error {
	from, err := types.Sender(types.LatestSignerForChainID(b.chainID), tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	method, args, err := b.decode(tx.Data())
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if tx.Nonce() != b.nonces[from] {
		return fmt.Errorf("nonce too low: have %d, want %d", tx.Nonce(), b.nonces[from])
	}
	b.nonces[from]++
	b.block++
	b.Sent++

	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(b.block),
	}
	if err := b.check(method.Name, args, from); err != nil {
		receipt.Status = types.ReceiptStatusFailed
		b.receipts[tx.Hash()] = receipt
		return nil
	}

	switch method.Name {
	case "register":
		username, pointer := args[0].(string), args[1].(string)
		h := handleFor(username)
		b.handles[username] = h
		b.owners[h] = from
		b.pointers[h] = pointer

		event := b.abi.Events["Registered"]
		data, err := event.Inputs.NonIndexed().Pack(username, from)
		if err != nil {
			return err
		}
		receipt.Logs = []*types.Log{{Address: b.Address, Topics: []common.Hash{event.ID, h}, Data: data}}
	case "update":
		h := common.Hash(args[0].([32]byte))
		b.pointers[h] = args[1].(string)

		event := b.abi.Events["PointerUpdated"]
		data, err := event.Inputs.NonIndexed().Pack(args[1].(string))
		if err != nil {
			return err
		}
		receipt.Logs = []*types.Log{{Address: b.Address, Topics: []common.Hash{event.ID, h}, Data: data}}
	}
	b.receipts[tx.Hash()] = receipt
	return nil
}

func (b *Backend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ReceiptErrs > 0 {
		b.ReceiptErrs--
		return nil, errors.New("connection reset by peer")
	}
	if b.ReceiptDelay > 0 {
		b.ReceiptDelay--
		return nil, ethereum.NotFound
	}
	receipt, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *Backend) decode(data []byte) (*abi.Method, []any, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("execution reverted: no selector")
	}
	method, err := b.abi.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, err
	}
	return method, args, nil
}

// check mirrors the contract's require statements. Caller holds mu.
func (b *Backend) check(name string, args []any, from common.Address) error {
	switch name {
	case "register":
		if _, ok := b.handles[args[0].(string)]; ok {
			return errTaken
		}
	case "update":
		owner, ok := b.owners[common.Hash(args[0].([32]byte))]
		if !ok {
			return errUnknown
		}
		if owner != from {
			return errNotOwner
		}
	default:
		return fmt.Errorf("execution reverted: %s is not callable", name)
	}
	return nil
}

var _ ledger.Backend = (*Backend)(nil)
