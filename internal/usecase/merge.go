package usecase

import (
	"github.com/totegamma/profilesync"
	"github.com/totegamma/profilesync/internal/domain"
)

// Merge folds a remote snapshot into the local record. Profile and
// certificates are taken from remote. Projects come in remote order with the
// local pending_deletion flag re-applied by id; projects only known locally
// are appended after them.
func Merge(local domain.IdentityRecord, remote profilesync.Snapshot) domain.IdentityRecord {
	merged := local
	merged.Profile = remote.Profile
	merged.Certificates = append([]profilesync.Certificate{}, remote.Certificates...)

	pending := make(map[string]bool, len(local.Projects))
	for _, p := range local.Projects {
		if p.PendingDeletion {
			pending[p.ID] = true
		}
	}

	remoteIDs := make(map[string]bool, len(remote.Projects))
	projects := make([]domain.LocalProject, 0, len(remote.Projects)+len(local.Projects))
	for _, p := range remote.Projects {
		remoteIDs[p.ID] = true
		projects = append(projects, domain.LocalProject{
			Project:         p,
			PendingDeletion: pending[p.ID],
		})
	}
	for _, p := range local.Projects {
		if !remoteIDs[p.ID] {
			projects = append(projects, p)
		}
	}
	merged.Projects = projects
	return merged
}
