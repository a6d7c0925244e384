package profilesync

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// EncodeSnapshot returns the canonical bytes of a snapshot. Struct field
// order is fixed, so equal snapshots always encode to equal bytes.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	if s.Version == 0 {
		s.Version = SnapshotVersion
	}
	if s.Projects == nil {
		s.Projects = []Project{}
	}
	if s.Certificates == nil {
		s.Certificates = []Certificate{}
	}
	return json.Marshal(s)
}

func DecodeSnapshot(data []byte) (Snapshot, error) {
	var s Snapshot
	err := json.Unmarshal(data, &s)
	if err != nil {
		return Snapshot{}, fmt.Errorf("invalid snapshot document: %v", err)
	}
	if s.Version > SnapshotVersion {
		return Snapshot{}, fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	return s, nil
}

func IsUsername(name string) bool {
	if len(name) < 3 || len(name) > 32 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(c >= 'a' && c <= 'z') && !(c >= '0' && c <= '9') && c != '-' && c != '_' {
			return false
		}
	}
	return true
}

func IsWalletAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

func NormalizeAddress(addr string) string {
	return common.HexToAddress(addr).Hex()
}
