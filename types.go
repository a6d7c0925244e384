package profilesync

import (
	"time"
)

const (
	SnapshotContentType string = "application/json"
	SnapshotVersion     int    = 1
)

type Link struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

type AddressMode int

const (
	AddressNone AddressMode = iota
	AddressLocal
	AddressBatch
	AddressDirect
)

func (m AddressMode) String() string {
	switch m {
	case AddressDirect:
		return "direct"
	case AddressBatch:
		return "batch"
	case AddressLocal:
		return "local"
	default:
		return "none"
	}
}

// ImageRef addresses one image in any of the storage tiers. The highest
// priority mode present is authoritative; lower modes are kept as fallbacks.
type ImageRef struct {
	CID           string `json:"cid,omitempty"`
	BatchID       string `json:"batchId,omitempty"`
	PatchID       string `json:"patchId,omitempty"`
	LocalFilename string `json:"localFilename,omitempty"`

	Size   int64  `json:"size,omitempty"`
	Format string `json:"format,omitempty"`
	Index  int    `json:"index,omitempty"`
}

// Mode returns the authoritative addressing mode.
func (r ImageRef) Mode() AddressMode {
	switch {
	case r.CID != "":
		return AddressDirect
	case r.BatchID != "" && r.PatchID != "":
		return AddressBatch
	case r.LocalFilename != "":
		return AddressLocal
	default:
		return AddressNone
	}
}

// Published reports whether the image already lives in the immutable tier.
func (r ImageRef) Published() bool {
	m := r.Mode()
	return m == AddressDirect || m == AddressBatch
}

type Profile struct {
	Name   string    `json:"name"`
	Bio    string    `json:"bio"`
	Role   string    `json:"role"`
	Links  []Link    `json:"links"`
	Avatar *ImageRef `json:"avatar,omitempty"`
}

type Project struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Links       []Link     `json:"links"`
	Images      []ImageRef `json:"images"`
	BatchID     string     `json:"batchId,omitempty"`
	Tags        []string   `json:"tags"`
	Status      string     `json:"status"`
	Featured    bool       `json:"featured"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type Certificate struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Issuer        string    `json:"issuer"`
	IssuedAt      time.Time `json:"issuedAt"`
	CredentialURL string    `json:"credentialUrl,omitempty"`
	Image         *ImageRef `json:"image,omitempty"`
}

// Snapshot is the immutable, content-addressed profile document.
type Snapshot struct {
	Version      int           `json:"version"`
	Profile      Profile       `json:"profile"`
	Projects     []Project     `json:"projects"`
	Certificates []Certificate `json:"certificates"`
}
