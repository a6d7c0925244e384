package profilesync

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageRefMode(t *testing.T) {
	tests := []struct {
		ref       ImageRef
		mode      AddressMode
		published bool
	}{
		{ImageRef{}, AddressNone, false},
		{ImageRef{LocalFilename: "a.png"}, AddressLocal, false},
		{ImageRef{BatchID: "b", LocalFilename: "a.png"}, AddressLocal, false},
		{ImageRef{BatchID: "b", PatchID: "p", LocalFilename: "a.png"}, AddressBatch, true},
		{ImageRef{CID: "c", BatchID: "b", PatchID: "p"}, AddressDirect, true},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.mode, tc.ref.Mode(), "%+v", tc.ref)
		assert.Equal(t, tc.published, tc.ref.Published(), "%+v", tc.ref)
	}
}

func TestEncodeSnapshotIsCanonical(t *testing.T) {
	s := Snapshot{
		Profile:  Profile{Name: "Alice", Links: []Link{{Label: "site", URL: "https://alice.dev"}}},
		Projects: []Project{{ID: "p1", Name: "Compiler", CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}},
	}
	a, err := EncodeSnapshot(s)
	require.NoError(t, err)
	b, err := EncodeSnapshot(s)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Contains(t, string(a), `"certificates":[]`)

	decoded, err := DecodeSnapshot(a)
	require.NoError(t, err)
	assert.Equal(t, SnapshotVersion, decoded.Version)
	assert.Equal(t, "Compiler", decoded.Projects[0].Name)

	_, err = DecodeSnapshot([]byte(`{"version":99}`))
	assert.Error(t, err)
	_, err = DecodeSnapshot([]byte(`not json`))
	assert.Error(t, err)
}

func TestIsUsername(t *testing.T) {
	assert.True(t, IsUsername("alice_01"))
	assert.False(t, IsUsername("al"))
	assert.False(t, IsUsername("Alice"))
	assert.False(t, IsUsername("a b c"))
}

func TestSignAndVerify(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	priv := hex.EncodeToString(crypto.FromECDSA(key))

	addr, err := PrivKeyToAddr("0x" + priv)
	require.NoError(t, err)
	assert.True(t, IsWalletAddress(addr))

	sig, err := SignBytes([]byte("payload"), priv)
	require.NoError(t, err)
	assert.NoError(t, VerifySignature([]byte("payload"), sig, addr))
	assert.Error(t, VerifySignature([]byte("tampered"), sig, addr))

	sig[64] += 27
	assert.NoError(t, VerifySignature([]byte("payload"), sig, addr))
	assert.Error(t, VerifySignature([]byte("payload"), sig[:64], addr))
}
