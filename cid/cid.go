package cid

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

// CID is a content identifier: a multibase-style base32 rendering of the
// BLAKE3 keyed digest of a payload. Identical bytes always yield the same CID.
type CID string

const (
	prefix     = "b"
	digestSize = 32
)

// blobDomainKey separates blob digests from any other BLAKE3 use. Changing it
// invalidates every published CID.
var blobDomainKey = [32]byte{
	'p', 'r', 'o', 'f', 'i', 'l', 'e', 's', 'y', 'n', 'c', '.', 'b', 'l', 'o', 'b',
}

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Sum computes the CID of data.
func Sum(data []byte) CID {
	hasher, err := blake3.NewKeyed(blobDomainKey[:])
	if err != nil {
		panic("cid: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var digest [digestSize]byte
	copy(digest[:], hasher.Sum(nil))
	return FromDigest(digest)
}

func FromDigest(digest [digestSize]byte) CID {
	return CID(prefix + strings.ToLower(encoding.EncodeToString(digest[:])))
}

// Parse validates s and returns it as a CID.
func Parse(s string) (CID, error) {
	c := CID(s)
	if _, err := c.Digest(); err != nil {
		return "", err
	}
	return c, nil
}

func (c CID) Digest() ([digestSize]byte, error) {
	var digest [digestSize]byte
	s := string(c)
	if !strings.HasPrefix(s, prefix) {
		return digest, fmt.Errorf("invalid cid %q: missing multibase prefix", s)
	}
	decoded, err := encoding.DecodeString(strings.ToUpper(s[len(prefix):]))
	if err != nil {
		return digest, fmt.Errorf("invalid cid %q: %v", s, err)
	}
	if len(decoded) != digestSize {
		return digest, fmt.Errorf("invalid cid %q: digest is %d bytes, want %d", s, len(decoded), digestSize)
	}
	copy(digest[:], decoded)
	return digest, nil
}

// Verify reports whether data hashes to c.
func (c CID) Verify(data []byte) bool {
	return Sum(data) == c
}

func (c CID) String() string {
	return string(c)
}

func (c CID) IsZero() bool {
	return c == ""
}
