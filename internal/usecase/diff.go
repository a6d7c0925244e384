package usecase

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/totegamma/profilesync"
	"github.com/totegamma/profilesync/internal/domain"
)

var equateEmpty = cmpopts.EquateEmpty()

// Diff reports whether local has changes that remote does not reflect.
// Avatars and image contents are not compared.
func Diff(local domain.IdentityRecord, remote profilesync.Snapshot) bool {
	if local.Profile.Name != remote.Profile.Name ||
		local.Profile.Bio != remote.Profile.Bio ||
		local.Profile.Role != remote.Profile.Role {
		return true
	}
	if !cmp.Equal(local.Profile.Links, remote.Profile.Links, equateEmpty) {
		return true
	}
	if !cmp.Equal(local.Certificates, remote.Certificates, equateEmpty) {
		return true
	}

	for _, p := range local.Projects {
		if p.PendingDeletion {
			return true
		}
	}
	if len(local.Projects) != len(remote.Projects) {
		return true
	}
	for i, p := range local.Projects {
		r := remote.Projects[i]
		if p.Name != r.Name || p.Description != r.Description {
			return true
		}
		if !cmp.Equal(p.Tags, r.Tags, equateEmpty) {
			return true
		}
		if len(p.Images) != len(r.Images) {
			return true
		}
	}
	return false
}
