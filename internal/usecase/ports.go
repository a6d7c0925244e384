package usecase

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/totegamma/profilesync/cid"
	"github.com/totegamma/profilesync/internal/domain"
	"github.com/totegamma/profilesync/internal/infra/batch"
	"github.com/totegamma/profilesync/internal/infra/ledger"
)

// IdentityRepository is the relational tier.
type IdentityRepository interface {
	Get(ctx context.Context, id string) (domain.IdentityRecord, error)
	Create(ctx context.Context, record domain.IdentityRecord) (domain.IdentityRecord, error)
	// UpdateSynced must only succeed when owner matches the stored wallet.
	UpdateSynced(ctx context.Context, id, owner string, fields domain.SyncedFields) error
	Unbind(ctx context.Context, id, owner string) error
	History(ctx context.Context, id string) ([]domain.Publication, error)
}

// BlobStore is the immutable tier.
type BlobStore interface {
	Put(ctx context.Context, data []byte) (cid.CID, error)
	Get(ctx context.Context, id cid.CID) ([]byte, error)
}

type ImagePacker interface {
	PackSources(ctx context.Context, fetcher batch.Fetcher, sources []batch.Source) (*batch.Result, error)
	FetchPatch(ctx context.Context, batchID cid.CID, patchID batch.PatchID) ([]byte, error)
}

// PointerRegistry reads and moves the ledger pointer.
type PointerRegistry interface {
	ResolveHandle(ctx context.Context, username string) (*ledger.Handle, error)
	ReadPointer(ctx context.Context, handle ledger.Handle) (*cid.CID, error)
	BuildRegisterTransition(ctx context.Context, username string, snapshot cid.CID, signer common.Address) (*ledger.UnsignedTx, error)
	BuildUpdateTransition(ctx context.Context, handle ledger.Handle, snapshot cid.CID, signer common.Address) (*ledger.UnsignedTx, error)
	Submit(ctx context.Context, utx *ledger.UnsignedTx, signature []byte) (*ledger.Confirmation, error)
}

// Signer may suspend until the wallet owner answers. A refusal is
// domain.ErrUserRejected.
type Signer interface {
	Sign(ctx context.Context, utx *ledger.UnsignedTx) ([]byte, error)
}

// MediaFetcher loads locally uploaded images.
type MediaFetcher interface {
	FetchBytes(ctx context.Context, source string) ([]byte, error)
}

// Reporter receives progress events.
type Reporter interface {
	Report(ctx context.Context, event domain.Event)
}

type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), err error)
}
