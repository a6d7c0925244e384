package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/totegamma/profilesync"
	"github.com/totegamma/profilesync/cid"
	"github.com/totegamma/profilesync/internal/domain"
	"github.com/totegamma/profilesync/internal/infra/ledger"
)

var tracer = otel.Tracer("sync")

type StepResult struct {
	Step   domain.Step   `json:"step"`
	Label  string        `json:"label"`
	Status domain.Status `json:"status"`
	Reason string        `json:"reason,omitempty"`
}

// Result is what the UI gets back from Publish and Pull.
type Result struct {
	Steps  []StepResult  `json:"steps"`
	Status domain.Status `json:"status"`
	Reason string        `json:"reason,omitempty"`

	SnapshotCID   string   `json:"snapshotCid,omitempty"`
	PointerHandle string   `json:"pointerHandle,omitempty"`
	TxHash        string   `json:"txHash,omitempty"`
	OrphanCID     string   `json:"orphanCid,omitempty"`
	SkippedImages []string `json:"skippedImages,omitempty"`
	Reused        bool     `json:"reused,omitempty"`
}

// PublishError reports the step a publish stopped at. OrphanCID is set when
// a snapshot was uploaded but never anchored; a retry with unchanged content
// reuses it.
type PublishError struct {
	Step      domain.Step
	OrphanCID string
	Err       error
}

func (e *PublishError) Error() string {
	if e.OrphanCID != "" {
		return fmt.Sprintf("publish failed at %s (orphaned snapshot %s): %v", e.Step, e.OrphanCID, e.Err)
	}
	return fmt.Sprintf("publish failed at %s: %v", e.Step, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

type PublishInput struct {
	IdentityID string
	Requester  string
	Edits      *domain.IdentityEdits
}

type PullInput struct {
	IdentityID string
	Requester  string
}

type SyncDeps struct {
	Repo     IdentityRepository
	Blobs    BlobStore
	Packer   ImagePacker
	Registry PointerRegistry
	Signer   Signer
	Media    MediaFetcher
	Reporter Reporter
	Locker   Locker
}

type SyncConfig struct {
	OrphanTTL time.Duration
	// CommitBackOff builds the retry policy of the post-confirmation write.
	// The default never gives up.
	CommitBackOff func() backoff.BackOff
}

type SyncUsecase struct {
	SyncDeps
	orphans       *cache.Cache
	commitBackOff func() backoff.BackOff
	logger        *zap.Logger
}

func NewSyncUsecase(deps SyncDeps, cfg SyncConfig, logger *zap.Logger) *SyncUsecase {
	ttl := cfg.OrphanTTL
	if ttl == 0 {
		ttl = time.Hour
	}
	commitBackOff := cfg.CommitBackOff
	if commitBackOff == nil {
		commitBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxInterval = time.Minute
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &SyncUsecase{
		SyncDeps:      deps,
		orphans:       cache.New(ttl, 2*ttl),
		commitBackOff: commitBackOff,
		logger:        logger.With(zap.String("service", "sync")),
	}
}

// saga tracks step progress and mirrors it to the reporter.
type saga struct {
	ctx        context.Context
	span       trace.Span
	reporter   Reporter
	identityID string
	publish    bool
	result     *Result
}

func (uc *SyncUsecase) newSaga(ctx context.Context, span trace.Span, identityID string, publish bool) *saga {
	return &saga{
		ctx:        ctx,
		span:       span,
		reporter:   uc.Reporter,
		identityID: identityID,
		publish:    publish,
		result:     &Result{Status: domain.StatusRunning},
	}
}

func (s *saga) report(step domain.Step, status domain.Status, reason string) {
	if s.reporter == nil {
		return
	}
	s.reporter.Report(s.ctx, domain.Event{
		IdentityID: s.identityID,
		Step:       step,
		Label:      step.Label(),
		Status:     status,
		Reason:     reason,
	})
}

func (s *saga) begin(step domain.Step) {
	s.span.AddEvent(step.String())
	s.report(step, domain.StatusRunning, "")
}

func (s *saga) finish(step domain.Step, status domain.Status) {
	s.result.Steps = append(s.result.Steps, StepResult{Step: step, Label: step.Label(), Status: status})
	s.report(step, status, "")
}

func (s *saga) succeed() *Result {
	s.result.Status = domain.StatusSuccess
	return s.result
}

func (s *saga) fail(step domain.Step, err error, orphanCID cid.CID) (*Result, error) {
	s.span.RecordError(err)
	reason := err.Error()
	s.result.Steps = append(s.result.Steps, StepResult{Step: step, Label: step.Label(), Status: domain.StatusFailed, Reason: reason})
	s.result.Status = domain.StatusFailed
	s.result.Reason = reason
	s.result.OrphanCID = orphanCID.String()
	s.report(step, domain.StatusFailed, reason)

	if s.publish {
		return s.result, &PublishError{Step: step, OrphanCID: orphanCID.String(), Err: err}
	}
	return s.result, errors.Wrap(err, step.String())
}

// ownerOf returns the stored wallet address if requester owns the record.
func ownerOf(record domain.IdentityRecord, requester string) (string, error) {
	if record.WalletAddress == nil || requester == "" {
		return "", domain.ErrUnauthorized
	}
	if !strings.EqualFold(*record.WalletAddress, requester) {
		return "", domain.ErrUnauthorized
	}
	return *record.WalletAddress, nil
}

type orphan struct {
	fingerprint uint64
	cid         cid.CID
	working     domain.IdentityRecord
	skipped     []string
}

func fingerprintOf(record domain.IdentityRecord) (uint64, error) {
	data, err := profilesync.EncodeSnapshot(record.Snapshot())
	if err != nil {
		return 0, err
	}
	return xxh3.Hash(data), nil
}

// Publish runs AssembleSnapshot → PackChangedImages → UploadSnapshot →
// BuildAndSign → Submit → Commit. Nothing is written to the record before
// the ledger confirms the transition.
func (uc *SyncUsecase) Publish(ctx context.Context, input PublishInput) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Sync.Publish")
	defer span.End()
	span.SetAttributes(attribute.String("identity", input.IdentityID))

	release, err := uc.Locker.TryLock(ctx, input.IdentityID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer release()

	record, err := uc.Repo.Get(ctx, input.IdentityID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	owner, err := ownerOf(record, input.Requester)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, domain.RequesterIdentityKey, record.ID)
	s := uc.newSaga(ctx, span, record.ID, true)
	working := input.Edits.Apply(record)

	s.begin(domain.StepAssembleSnapshot)
	fingerprint, err := fingerprintOf(working)
	if err != nil {
		return s.fail(domain.StepAssembleSnapshot, err, "")
	}
	s.finish(domain.StepAssembleSnapshot, domain.StatusSuccess)

	var snapshotCID cid.CID
	if prev, ok := uc.lookupOrphan(record.ID, fingerprint); ok {
		uc.logger.Info("reusing orphaned snapshot", zap.String("identity", record.ID), zap.String("cid", prev.cid.String()))
		working = prev.working
		snapshotCID = prev.cid
		s.result.Reused = true
		s.result.SkippedImages = prev.skipped
		s.finish(domain.StepPackChangedImages, domain.StatusReused)
		s.finish(domain.StepUploadSnapshot, domain.StatusReused)
	} else {
		s.begin(domain.StepPackChangedImages)
		packed, skipped, err := uc.packImages(ctx, working)
		if err != nil {
			return s.fail(domain.StepPackChangedImages, err, "")
		}
		working = packed
		s.result.SkippedImages = skipped
		s.finish(domain.StepPackChangedImages, domain.StatusSuccess)

		s.begin(domain.StepUploadSnapshot)
		data, err := profilesync.EncodeSnapshot(publishedSnapshot(working))
		if err != nil {
			return s.fail(domain.StepUploadSnapshot, err, "")
		}
		snapshotCID, err = uc.Blobs.Put(ctx, data)
		if err != nil {
			return s.fail(domain.StepUploadSnapshot, err, "")
		}
		s.finish(domain.StepUploadSnapshot, domain.StatusSuccess)
	}
	s.result.SnapshotCID = snapshotCID.String()

	keepOrphan := func() {
		uc.orphans.SetDefault(record.ID, orphan{
			fingerprint: fingerprint,
			cid:         snapshotCID,
			working:     working,
			skipped:     s.result.SkippedImages,
		})
	}

	s.begin(domain.StepBuildAndSign)
	utx, err := uc.buildTransition(ctx, working, snapshotCID, common.HexToAddress(owner))
	if err != nil {
		keepOrphan()
		return s.fail(domain.StepBuildAndSign, err, snapshotCID)
	}
	signature, err := uc.Signer.Sign(ctx, utx)
	if err != nil {
		keepOrphan()
		return s.fail(domain.StepBuildAndSign, err, snapshotCID)
	}
	s.finish(domain.StepBuildAndSign, domain.StatusSuccess)

	s.begin(domain.StepSubmit)
	confirmation, err := uc.Registry.Submit(ctx, utx, signature)
	if err != nil {
		keepOrphan()
		return s.fail(domain.StepSubmit, err, snapshotCID)
	}
	s.result.PointerHandle = confirmation.Handle.Hex()
	s.result.TxHash = confirmation.TxHash.Hex()
	s.finish(domain.StepSubmit, domain.StatusSuccess)

	s.begin(domain.StepCommit)
	fields := domain.SyncedFields{
		Profile:       working.Profile,
		Projects:      withoutDeleted(working.Projects),
		Certificates:  working.Certificates,
		SnapshotCID:   snapshotCID.String(),
		PointerHandle: confirmation.Handle.Hex(),
		Publication: &domain.Publication{
			TxHash:        confirmation.TxHash.Hex(),
			IdentityID:    record.ID,
			SnapshotCID:   snapshotCID.String(),
			PointerHandle: confirmation.Handle.Hex(),
			BlockNumber:   confirmation.BlockNumber,
		},
	}
	if err := uc.commit(ctx, record.ID, owner, fields); err != nil {
		return s.fail(domain.StepCommit, err, "")
	}
	uc.orphans.Delete(record.ID)
	s.finish(domain.StepCommit, domain.StatusSuccess)

	return s.succeed(), nil
}

func (uc *SyncUsecase) lookupOrphan(identityID string, fingerprint uint64) (orphan, bool) {
	v, ok := uc.orphans.Get(identityID)
	if !ok {
		return orphan{}, false
	}
	prev := v.(orphan)
	if prev.fingerprint != fingerprint {
		return orphan{}, false
	}
	return prev, true
}

func (uc *SyncUsecase) buildTransition(ctx context.Context, record domain.IdentityRecord, snapshot cid.CID, owner common.Address) (*ledger.UnsignedTx, error) {
	handle, err := uc.knownHandle(ctx, record)
	if err != nil {
		return nil, err
	}
	if handle == nil {
		return uc.Registry.BuildRegisterTransition(ctx, record.Username, snapshot, owner)
	}
	return uc.Registry.BuildUpdateTransition(ctx, *handle, snapshot, owner)
}

func (uc *SyncUsecase) knownHandle(ctx context.Context, record domain.IdentityRecord) (*ledger.Handle, error) {
	if record.PointerHandle != nil && *record.PointerHandle != "" {
		h, err := ledger.ParseHandle(*record.PointerHandle)
		if err != nil {
			return nil, err
		}
		return &h, nil
	}
	return uc.Registry.ResolveHandle(ctx, record.Username)
}

// commit retries the record write until it lands. It runs detached from the
// caller's cancellation: the ledger already moved and the record has to
// follow.
func (uc *SyncUsecase) commit(ctx context.Context, id, owner string, fields domain.SyncedFields) error {
	ctx = context.WithoutCancel(ctx)
	attempt := 0
	op := func() error {
		attempt++
		err := uc.Repo.UpdateSynced(ctx, id, owner, fields)
		if err == nil {
			return nil
		}
		uc.logger.Error("failed to commit confirmed publication",
			zap.String("identity", id),
			zap.String("cid", fields.SnapshotCID),
			zap.String("handle", fields.PointerHandle),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrUnauthorized) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, uc.commitBackOff()); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRecordWriteFailed, err)
	}
	return nil
}

func withoutDeleted(projects []domain.LocalProject) []domain.LocalProject {
	kept := make([]domain.LocalProject, 0, len(projects))
	for _, p := range projects {
		if !p.PendingDeletion {
			kept = append(kept, p)
		}
	}
	return kept
}

// Pull overwrites the local record with the snapshot the pointer currently
// names, keeping local deletion marks and local-only projects.
func (uc *SyncUsecase) Pull(ctx context.Context, input PullInput) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Sync.Pull")
	defer span.End()
	span.SetAttributes(attribute.String("identity", input.IdentityID))

	release, err := uc.Locker.TryLock(ctx, input.IdentityID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer release()

	record, err := uc.Repo.Get(ctx, input.IdentityID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	owner, err := ownerOf(record, input.Requester)
	if err != nil {
		return nil, err
	}

	s := uc.newSaga(ctx, span, record.ID, false)

	s.begin(domain.StepFetchPointer)
	handle, pointer, err := uc.currentPointer(ctx, record)
	if err != nil {
		return s.fail(domain.StepFetchPointer, err, "")
	}
	s.result.PointerHandle = handle.Hex()
	s.result.SnapshotCID = pointer.String()
	s.finish(domain.StepFetchPointer, domain.StatusSuccess)

	s.begin(domain.StepFetchSnapshot)
	remote, err := uc.fetchSnapshot(ctx, pointer)
	if err != nil {
		return s.fail(domain.StepFetchSnapshot, err, "")
	}
	s.finish(domain.StepFetchSnapshot, domain.StatusSuccess)

	s.begin(domain.StepMerge)
	merged := Merge(record, remote)
	err = uc.Repo.UpdateSynced(ctx, record.ID, owner, domain.SyncedFields{
		Profile:       merged.Profile,
		Projects:      merged.Projects,
		Certificates:  merged.Certificates,
		SnapshotCID:   pointer.String(),
		PointerHandle: handle.Hex(),
	})
	if err != nil {
		return s.fail(domain.StepMerge, fmt.Errorf("%w: %v", domain.ErrRecordWriteFailed, err), "")
	}
	s.finish(domain.StepMerge, domain.StatusSuccess)

	return s.succeed(), nil
}

func (uc *SyncUsecase) currentPointer(ctx context.Context, record domain.IdentityRecord) (ledger.Handle, cid.CID, error) {
	handle, err := uc.knownHandle(ctx, record)
	if err != nil {
		return ledger.Handle{}, "", err
	}
	if handle == nil {
		return ledger.Handle{}, "", domain.ErrNotPublished
	}
	pointer, err := uc.Registry.ReadPointer(ctx, *handle)
	if err != nil {
		return ledger.Handle{}, "", err
	}
	if pointer == nil {
		return ledger.Handle{}, "", domain.ErrNotPublished
	}
	return *handle, *pointer, nil
}

func (uc *SyncUsecase) fetchSnapshot(ctx context.Context, id cid.CID) (profilesync.Snapshot, error) {
	data, err := uc.Blobs.Get(ctx, id)
	if err != nil {
		return profilesync.Snapshot{}, err
	}
	return profilesync.DecodeSnapshot(data)
}

// Diff reports whether the record has changes the published snapshot lacks.
// A record that never published always differs.
func (uc *SyncUsecase) Diff(ctx context.Context, identityID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "Sync.Diff")
	defer span.End()

	record, err := uc.Repo.Get(ctx, identityID)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	_, pointer, err := uc.currentPointer(ctx, record)
	if errors.Is(err, domain.ErrNotPublished) {
		return true, nil
	}
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	remote, err := uc.fetchSnapshot(ctx, pointer)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	return Diff(record, remote), nil
}

// Unbind forgets the published pointer of an identity.
func (uc *SyncUsecase) Unbind(ctx context.Context, identityID, requester string) error {
	ctx, span := tracer.Start(ctx, "Sync.Unbind")
	defer span.End()

	release, err := uc.Locker.TryLock(ctx, identityID)
	if err != nil {
		return err
	}
	defer release()

	record, err := uc.Repo.Get(ctx, identityID)
	if err != nil {
		return err
	}
	owner, err := ownerOf(record, requester)
	if err != nil {
		return err
	}
	uc.orphans.Delete(identityID)
	return uc.Repo.Unbind(ctx, identityID, owner)
}
