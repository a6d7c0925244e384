package profilesync

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// GetHash returns the legacy keccak256 digest used for every signed payload.
func GetHash(bytes []byte) []byte {
	hash := sha3.NewLegacyKeccak256()
	hash.Write(bytes)
	return hash.Sum(nil)
}

func LoadPrivateKey(privatekey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privatekey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %v", err)
	}
	return key, nil
}

func PrivKeyToAddr(privatekey string) (string, error) {
	key, err := LoadPrivateKey(privatekey)
	if err != nil {
		return "", err
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

func SignBytes(bytes []byte, privatekey string) ([]byte, error) {
	key, err := LoadPrivateKey(privatekey)
	if err != nil {
		return nil, err
	}
	signature, err := crypto.Sign(GetHash(bytes), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %v", err)
	}
	return signature, nil
}

// VerifySignature checks that signature over bytes was produced by address.
func VerifySignature(bytes []byte, signature []byte, address string) error {
	if len(signature) != 65 {
		return fmt.Errorf("invalid signature length %d", len(signature))
	}
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid address %s", address)
	}

	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubkey, err := crypto.SigToPub(GetHash(bytes), sig)
	if err != nil {
		return fmt.Errorf("failed to recover public key: %v", err)
	}

	recovered := crypto.PubkeyToAddress(*pubkey)
	if recovered != common.HexToAddress(address) {
		return fmt.Errorf("signature does not match %s", address)
	}

	return nil
}
