package ledger

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// RegistryABI is the interface of the pointer registry contract. A handle is
// derived from the username when it is registered and never changes; the
// pointer it holds can only be updated by the registering wallet.
const RegistryABI = `[
	{"type":"function","name":"handleOf","stateMutability":"view",
	 "inputs":[{"name":"username","type":"string"}],
	 "outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"pointerOf","stateMutability":"view",
	 "inputs":[{"name":"handle","type":"bytes32"}],
	 "outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"ownerOf","stateMutability":"view",
	 "inputs":[{"name":"handle","type":"bytes32"}],
	 "outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"register","stateMutability":"nonpayable",
	 "inputs":[{"name":"username","type":"string"},{"name":"cid","type":"string"}],
	 "outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"update","stateMutability":"nonpayable",
	 "inputs":[{"name":"handle","type":"bytes32"},{"name":"cid","type":"string"}],
	 "outputs":[]},
	{"type":"event","name":"Registered","anonymous":false,
	 "inputs":[{"name":"handle","type":"bytes32","indexed":true},
	           {"name":"username","type":"string","indexed":false},
	           {"name":"owner","type":"address","indexed":false}]},
	{"type":"event","name":"PointerUpdated","anonymous":false,
	 "inputs":[{"name":"handle","type":"bytes32","indexed":true},
	           {"name":"cid","type":"string","indexed":false}]}
]`

var registryABI abi.ABI

func init() {
	var err error
	registryABI, err = abi.JSON(strings.NewReader(RegistryABI))
	if err != nil {
		panic("ledger: registry ABI is invalid: " + err.Error())
	}
}

// ParsedABI returns the decoded registry interface.
func ParsedABI() abi.ABI {
	return registryABI
}

// Handle is the bytes32 key of an identity on the registry.
type Handle common.Hash

func (h Handle) IsZero() bool {
	return h == Handle{}
}

func (h Handle) Hex() string {
	return common.Hash(h).Hex()
}

func (h Handle) String() string {
	return h.Hex()
}

func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}

func (h *Handle) UnmarshalText(text []byte) error {
	parsed, err := ParseHandle(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHandle accepts a 0x-prefixed 32 byte hex string.
func ParseHandle(s string) (Handle, error) {
	raw := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(raw) != 2*common.HashLength {
		return Handle{}, fmt.Errorf("invalid handle %q: want %d hex characters", s, 2*common.HashLength)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return Handle{}, fmt.Errorf("invalid handle %q: %v", s, err)
	}
	return Handle(common.HexToHash(raw)), nil
}
