package usecase

import (
	"context"
	"errors"

	"github.com/totegamma/profilesync"
	"github.com/totegamma/profilesync/internal/domain"
	"github.com/totegamma/profilesync/internal/infra/batch"
)

// packImages uploads every image that only exists locally and returns a copy
// of record whose refs carry their batch address. Images that cannot be read
// keep their local ref and are reported by name.
func (uc *SyncUsecase) packImages(ctx context.Context, record domain.IdentityRecord) (domain.IdentityRecord, []string, error) {
	record = cloneRecord(record)

	var sources []batch.Source
	seen := make(map[string]bool)
	visitLocalImages(&record, func(ref *profilesync.ImageRef) {
		if ref.Mode() != profilesync.AddressLocal || seen[ref.LocalFilename] {
			return
		}
		seen[ref.LocalFilename] = true
		sources = append(sources, batch.Source{Name: ref.LocalFilename, Source: ref.LocalFilename, Format: ref.Format})
	})
	if len(sources) == 0 {
		return record, nil, nil
	}

	packed := make(map[string]profilesync.ImageRef, len(sources))
	var skipped []string
	for _, chunk := range chunkSources(sources, batch.MaxItems) {
		result, err := uc.Packer.PackSources(ctx, uc.Media, chunk)
		if err != nil && !(errors.Is(err, domain.ErrEmptyBatch) && result != nil) {
			return record, nil, err
		}
		for _, d := range result.Dropped {
			skipped = append(skipped, d.Name)
		}
		for _, patch := range result.Patches {
			packed[patch.Name] = profilesync.ImageRef{
				BatchID: result.BatchID.String(),
				PatchID: patch.PatchID.String(),
				Index:   patch.Index,
				Size:    int64(patch.Size),
				Format:  patch.Format,
			}
		}
	}

	visitLocalImages(&record, func(ref *profilesync.ImageRef) {
		if ref.Mode() != profilesync.AddressLocal {
			return
		}
		if p, ok := packed[ref.LocalFilename]; ok {
			ref.BatchID = p.BatchID
			ref.PatchID = p.PatchID
			ref.Index = p.Index
			ref.Size = p.Size
			ref.Format = p.Format
		}
	})

	for i := range record.Projects {
		if id := sharedBatch(record.Projects[i].Images); id != "" {
			record.Projects[i].BatchID = id
		}
	}
	return record, skipped, nil
}

func chunkSources(sources []batch.Source, size int) [][]batch.Source {
	var chunks [][]batch.Source
	for len(sources) > size {
		chunks = append(chunks, sources[:size])
		sources = sources[size:]
	}
	return append(chunks, sources)
}

// sharedBatch returns the batch all batch-addressed images share, if any.
func sharedBatch(images []profilesync.ImageRef) string {
	id := ""
	for _, img := range images {
		if img.Mode() != profilesync.AddressBatch {
			continue
		}
		if id != "" && img.BatchID != id {
			return ""
		}
		id = img.BatchID
	}
	return id
}

func visitLocalImages(record *domain.IdentityRecord, fn func(ref *profilesync.ImageRef)) {
	if record.Profile.Avatar != nil {
		fn(record.Profile.Avatar)
	}
	for i := range record.Projects {
		for j := range record.Projects[i].Images {
			fn(&record.Projects[i].Images[j])
		}
	}
	for i := range record.Certificates {
		if record.Certificates[i].Image != nil {
			fn(record.Certificates[i].Image)
		}
	}
}

// cloneRecord copies everything packImages may rewrite.
func cloneRecord(r domain.IdentityRecord) domain.IdentityRecord {
	if r.Profile.Avatar != nil {
		avatar := *r.Profile.Avatar
		r.Profile.Avatar = &avatar
	}
	projects := make([]domain.LocalProject, len(r.Projects))
	for i, p := range r.Projects {
		p.Images = append([]profilesync.ImageRef(nil), p.Images...)
		projects[i] = p
	}
	r.Projects = projects

	certificates := make([]profilesync.Certificate, len(r.Certificates))
	for i, c := range r.Certificates {
		if c.Image != nil {
			img := *c.Image
			c.Image = &img
		}
		certificates[i] = c
	}
	r.Certificates = certificates
	return r
}

// publishedSnapshot is the snapshot of record without images that never
// left this node. Upload filenames only mean something here and are
// stripped from the refs that remain.
func publishedSnapshot(record domain.IdentityRecord) profilesync.Snapshot {
	snapshot := cloneRecord(record).Snapshot()
	if a := snapshot.Profile.Avatar; a != nil {
		if a.Published() {
			a.LocalFilename = ""
		} else {
			snapshot.Profile.Avatar = nil
		}
	}
	for i := range snapshot.Projects {
		images := make([]profilesync.ImageRef, 0, len(snapshot.Projects[i].Images))
		for _, img := range snapshot.Projects[i].Images {
			if img.Published() {
				img.LocalFilename = ""
				images = append(images, img)
			}
		}
		snapshot.Projects[i].Images = images
	}
	for i := range snapshot.Certificates {
		if img := snapshot.Certificates[i].Image; img != nil {
			if img.Published() {
				img.LocalFilename = ""
			} else {
				snapshot.Certificates[i].Image = nil
			}
		}
	}
	return snapshot
}
