package domain

import (
	"time"

	"github.com/totegamma/profilesync"
)

// LocalProject is a project as stored in the mutable tier.
// PendingDeletion never reaches a snapshot: the snapshot only carries the
// embedded Project.
type LocalProject struct {
	profilesync.Project
	PendingDeletion bool `json:"pending_deletion,omitempty"`
}

// IdentityRecord is the mutable, relational view of a profile.
type IdentityRecord struct {
	ID            string                    `json:"id"`
	Username      string                    `json:"username"`
	Profile       profilesync.Profile       `json:"profile"`
	Projects      []LocalProject            `json:"projects"`
	Certificates  []profilesync.Certificate `json:"certificates"`
	SnapshotCID   *string                   `json:"snapshotCid,omitempty"`
	PointerHandle *string                   `json:"pointerHandle,omitempty"`
	WalletAddress *string                   `json:"walletAddress,omitempty"`
	CDate         time.Time                 `json:"cdate"`
	MDate         time.Time                 `json:"mdate"`
}

// Snapshot projects the record onto the immutable document, dropping
// projects marked for deletion.
func (r IdentityRecord) Snapshot() profilesync.Snapshot {
	projects := make([]profilesync.Project, 0, len(r.Projects))
	for _, p := range r.Projects {
		if p.PendingDeletion {
			continue
		}
		projects = append(projects, p.Project)
	}
	certificates := r.Certificates
	if certificates == nil {
		certificates = []profilesync.Certificate{}
	}
	return profilesync.Snapshot{
		Version:      profilesync.SnapshotVersion,
		Profile:      r.Profile,
		Projects:     projects,
		Certificates: certificates,
	}
}

// SyncedFields is the single write issued by a confirmed publish or a pull.
type SyncedFields struct {
	Profile       profilesync.Profile
	Projects      []LocalProject
	Certificates  []profilesync.Certificate
	SnapshotCID   string
	PointerHandle string

	// Publication is set when the write follows a confirmed transition.
	Publication *Publication
}

// IdentityEdits are unsaved edits applied on top of the record for one publish.
type IdentityEdits struct {
	Profile      *profilesync.Profile       `json:"profile,omitempty"`
	Projects     *[]LocalProject            `json:"projects,omitempty"`
	Certificates *[]profilesync.Certificate `json:"certificates,omitempty"`
}

func (e *IdentityEdits) Apply(r IdentityRecord) IdentityRecord {
	if e == nil {
		return r
	}
	if e.Profile != nil {
		r.Profile = *e.Profile
	}
	if e.Projects != nil {
		r.Projects = *e.Projects
	}
	if e.Certificates != nil {
		r.Certificates = *e.Certificates
	}
	return r
}

// Publication is one confirmed pointer transition of an identity.
type Publication struct {
	TxHash        string    `json:"txHash"`
	IdentityID    string    `json:"identityId"`
	SnapshotCID   string    `json:"snapshotCid"`
	PointerHandle string    `json:"pointerHandle"`
	BlockNumber   uint64    `json:"blockNumber"`
	CDate         time.Time `json:"cdate"`
}
