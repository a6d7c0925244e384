package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/totegamma/profilesync"
	"github.com/totegamma/profilesync/internal/domain"
)

const testWallet = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"

func TestIdentityUsecaseCreate(t *testing.T) {
	repo := &mockIdentityRepo{records: map[string]domain.IdentityRecord{}}
	uc := NewIdentityUsecase(repo)

	input := CreateInput{
		Username: "alice",
		Profile:  profilesync.Profile{Name: "Alice"},
		Projects: []domain.LocalProject{{Project: profilesync.Project{Name: "untitled"}}},
	}

	created, err := uc.Create(context.Background(), input, "0x2c7536e3605d9c16a7a3d7b1898e529396a65c23")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.WalletAddress == nil || *created.WalletAddress != testWallet {
		t.Fatalf("expected wallet %s got %v", testWallet, created.WalletAddress)
	}
	if created.Projects[0].ID == "" {
		t.Fatalf("expected project id to be assigned")
	}
	if input.Projects[0].ID != "" {
		t.Fatalf("input must not be modified")
	}
}

func TestIdentityUsecaseCreateValidation(t *testing.T) {
	uc := NewIdentityUsecase(&mockIdentityRepo{records: map[string]domain.IdentityRecord{}})

	if _, err := uc.Create(context.Background(), CreateInput{Username: "Not Valid"}, testWallet); err == nil {
		t.Fatalf("expected invalid username to fail")
	}
	if _, err := uc.Create(context.Background(), CreateInput{Username: "alice"}, "alice"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized got %v", err)
	}
}

func TestIdentityUsecaseOwns(t *testing.T) {
	wallet := testWallet
	repo := &mockIdentityRepo{records: map[string]domain.IdentityRecord{
		"id-1": {ID: "id-1", WalletAddress: &wallet},
		"id-2": {ID: "id-2"},
	}}
	uc := NewIdentityUsecase(repo)

	if err := uc.Owns(context.Background(), "id-1", "0x2c7536e3605d9c16a7a3d7b1898e529396a65c23"); err != nil {
		t.Fatalf("expected owner match, got %v", err)
	}
	if err := uc.Owns(context.Background(), "id-2", testWallet); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized got %v", err)
	}
	if err := uc.Owns(context.Background(), "missing", testWallet); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found got %v", err)
	}
}
