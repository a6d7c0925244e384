package usecase

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/totegamma/profilesync"
	"github.com/totegamma/profilesync/internal/domain"
)

// CreateInput is the validated input for registering an identity.
type CreateInput struct {
	Username     string                    `json:"username"`
	Profile      profilesync.Profile       `json:"profile"`
	Projects     []domain.LocalProject     `json:"projects"`
	Certificates []profilesync.Certificate `json:"certificates"`
}

type IdentityUsecase struct {
	repo IdentityRepository
}

func NewIdentityUsecase(repo IdentityRepository) *IdentityUsecase {
	return &IdentityUsecase{repo: repo}
}

// Create binds a new identity record to the requesting wallet.
func (uc *IdentityUsecase) Create(ctx context.Context, input CreateInput, requester string) (domain.IdentityRecord, error) {
	if !profilesync.IsUsername(input.Username) {
		return domain.IdentityRecord{}, fmt.Errorf("%w: username %q", domain.ErrInvalidInput, input.Username)
	}
	if !profilesync.IsWalletAddress(requester) {
		return domain.IdentityRecord{}, domain.ErrUnauthorized
	}
	wallet := profilesync.NormalizeAddress(requester)

	projects := make([]domain.LocalProject, len(input.Projects))
	for i, p := range input.Projects {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		projects[i] = p
	}

	return uc.repo.Create(ctx, domain.IdentityRecord{
		Username:      input.Username,
		Profile:       input.Profile,
		Projects:      projects,
		Certificates:  input.Certificates,
		WalletAddress: &wallet,
	})
}

func (uc *IdentityUsecase) Get(ctx context.Context, id string) (domain.IdentityRecord, error) {
	return uc.repo.Get(ctx, id)
}

// Owns reports whether requester is the wallet bound to the identity.
func (uc *IdentityUsecase) Owns(ctx context.Context, id, requester string) error {
	record, err := uc.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = ownerOf(record, requester)
	return err
}

func (uc *IdentityUsecase) History(ctx context.Context, id string) ([]domain.Publication, error) {
	return uc.repo.History(ctx, id)
}
