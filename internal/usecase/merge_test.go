package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/totegamma/profilesync"
	"github.com/totegamma/profilesync/internal/domain"
)

func project(id, name string) profilesync.Project {
	return profilesync.Project{ID: id, Name: name}
}

func TestMerge(t *testing.T) {
	local := domain.IdentityRecord{
		ID:      "id-1",
		Profile: profilesync.Profile{Name: "old"},
		Projects: []domain.LocalProject{
			{Project: project("a", "A local")},
			{Project: project("b", "B local"), PendingDeletion: true},
			{Project: project("draft", "Draft")},
		},
	}
	remote := profilesync.Snapshot{
		Profile:      profilesync.Profile{Name: "new"},
		Projects:     []profilesync.Project{project("b", "B remote"), project("a", "A remote")},
		Certificates: []profilesync.Certificate{{ID: "c1"}},
	}

	merged := Merge(local, remote)

	assert.Equal(t, "id-1", merged.ID)
	assert.Equal(t, "new", merged.Profile.Name)
	assert.Len(t, merged.Certificates, 1)
	if assert.Len(t, merged.Projects, 3) {
		assert.Equal(t, "B remote", merged.Projects[0].Name)
		assert.True(t, merged.Projects[0].PendingDeletion)
		assert.Equal(t, "A remote", merged.Projects[1].Name)
		assert.False(t, merged.Projects[1].PendingDeletion)
		assert.Equal(t, "draft", merged.Projects[2].ID)
	}

	// local is untouched
	assert.Equal(t, "old", local.Profile.Name)
	assert.Equal(t, "A local", local.Projects[0].Name)
}

func TestMergeEmptyRemote(t *testing.T) {
	local := domain.IdentityRecord{
		Projects:     []domain.LocalProject{{Project: project("a", "A")}},
		Certificates: []profilesync.Certificate{{ID: "c1"}},
	}
	merged := Merge(local, profilesync.Snapshot{})
	assert.Len(t, merged.Projects, 1)
	assert.Empty(t, merged.Certificates)
}
