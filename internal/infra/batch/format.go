package batch

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/totegamma/profilesync/cid"
)

// Batch layout:
//
//	magic (4) | header length (uint32 BE) | CBOR header | item data...
//
// Item offsets in the header are relative to the start of the data section.
var magic = [4]byte{'P', 'S', 'B', '1'}

const (
	preambleSize  = 8
	formatVersion = 1
	maxHeaderSize = 4 << 20
	maxItemSize   = 64 << 20
)

type header struct {
	Version int     `cbor:"v"`
	Items   []entry `cbor:"items"`
}

type entry struct {
	Name        string      `cbor:"name"`
	Digest      string      `cbor:"digest"`
	Format      string      `cbor:"format,omitempty"`
	Compression Compression `cbor:"comp"`
	Offset      uint64      `cbor:"off"`
	Stored      uint64      `cbor:"stored"`
	Size        uint64      `cbor:"size"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("batch: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("batch: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeBatch(h header, data [][]byte) ([]byte, error) {
	encoded, err := encMode.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encoding batch header: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(magic[:])
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(encoded)))
	buf.Write(size[:])
	buf.Write(encoded)
	for _, d := range data {
		buf.Write(d)
	}
	return buf.Bytes(), nil
}

// headerSize validates the preamble and returns the CBOR header length.
func headerSize(preamble []byte) (int, error) {
	if len(preamble) < preambleSize || !bytes.Equal(preamble[:4], magic[:]) {
		return 0, fmt.Errorf("not a batch: bad magic")
	}
	n := binary.BigEndian.Uint32(preamble[4:8])
	if n == 0 || n > maxHeaderSize {
		return 0, fmt.Errorf("batch header size %d out of bounds", n)
	}
	return int(n), nil
}

func decodeHeader(raw []byte) (header, error) {
	var h header
	if err := decMode.Unmarshal(raw, &h); err != nil {
		return h, fmt.Errorf("decoding batch header: %w", err)
	}
	if h.Version != formatVersion {
		return h, fmt.Errorf("unsupported batch version %d", h.Version)
	}
	if len(h.Items) > MaxItems {
		return h, fmt.Errorf("batch header lists %d items", len(h.Items))
	}
	// items are stored back to back and never grow when compressed
	var next uint64
	for i, e := range h.Items {
		if e.Offset != next {
			return h, fmt.Errorf("batch item %d at offset %d, expected %d", i, e.Offset, next)
		}
		if e.Size > maxItemSize || e.Stored > e.Size {
			return h, fmt.Errorf("batch item %d has invalid size %d (stored %d)", i, e.Size, e.Stored)
		}
		next += e.Stored
	}
	return h, nil
}

// PatchID addresses one item of a batch. It embeds the batch digest so a
// patch id cannot be resolved against the wrong batch.
type PatchID string

func NewPatchID(batch cid.CID, index int) (PatchID, error) {
	digest, err := batch.Digest()
	if err != nil {
		return "", err
	}
	if index < 0 || index > 0xffff {
		return "", fmt.Errorf("patch index %d out of range", index)
	}
	raw := make([]byte, len(digest)+2)
	copy(raw, digest[:])
	binary.BigEndian.PutUint16(raw[len(digest):], uint16(index))
	return PatchID(base64.RawURLEncoding.EncodeToString(raw)), nil
}

// Parse returns the batch the patch belongs to and the item index.
func (p PatchID) Parse() (cid.CID, int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(string(p))
	if err != nil {
		return "", 0, fmt.Errorf("invalid patch id %q: %v", p, err)
	}
	if len(raw) != 34 {
		return "", 0, fmt.Errorf("invalid patch id %q: %d bytes", p, len(raw))
	}
	var digest [32]byte
	copy(digest[:], raw[:32])
	return cid.FromDigest(digest), int(binary.BigEndian.Uint16(raw[32:])), nil
}

func (p PatchID) String() string {
	return string(p)
}
