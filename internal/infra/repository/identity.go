package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/totegamma/profilesync"
	"github.com/totegamma/profilesync/internal/domain"
	"github.com/totegamma/profilesync/internal/infra/database/models"
)

type IdentityRepository struct {
	db *gorm.DB
}

func NewIdentityRepository(db *gorm.DB) *IdentityRepository {
	return &IdentityRepository{db: db}
}

func (r *IdentityRepository) Get(ctx context.Context, id string) (domain.IdentityRecord, error) {
	var identity models.Identity
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&identity).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.IdentityRecord{}, domain.NotFoundError{Resource: fmt.Sprintf("identity %s", id)}
		}
		return domain.IdentityRecord{}, err
	}
	return fromModel(identity)
}

func (r *IdentityRepository) Create(ctx context.Context, record domain.IdentityRecord) (domain.IdentityRecord, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	identity, err := toModel(record)
	if err != nil {
		return domain.IdentityRecord{}, err
	}
	if err := r.db.WithContext(ctx).Create(&identity).Error; err != nil {
		return domain.IdentityRecord{}, err
	}
	return r.Get(ctx, record.ID)
}

// UpdateSynced writes the synced fields in one statement, guarded by the
// owner's wallet address. A confirmed publication is logged in the same
// transaction; replaying the same publication is a no-op.
func (r *IdentityRepository) UpdateSynced(ctx context.Context, id, owner string, fields domain.SyncedFields) error {
	links, err := marshalJSON(fields.Profile.Links)
	if err != nil {
		return err
	}
	avatar, err := marshalJSON(fields.Profile.Avatar)
	if err != nil {
		return err
	}
	projects, err := marshalJSON(fields.Projects)
	if err != nil {
		return err
	}
	certificates, err := marshalJSON(fields.Certificates)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Identity{}).
			Where("id = ? AND wallet_address = ?", id, owner).
			Updates(map[string]any{
				"name":           fields.Profile.Name,
				"bio":            fields.Profile.Bio,
				"role":           fields.Profile.Role,
				"links":          links,
				"avatar":         avatar,
				"projects":       projects,
				"certificates":   certificates,
				"snapshot_cid":   fields.SnapshotCID,
				"pointer_handle": fields.PointerHandle,
				"m_date":         time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return r.missOrForbidden(tx, id)
		}

		if p := fields.Publication; p != nil {
			publication := models.Publication{
				TxHash:        p.TxHash,
				IdentityID:    id,
				SnapshotCID:   p.SnapshotCID,
				PointerHandle: p.PointerHandle,
				BlockNumber:   int64(p.BlockNumber),
			}
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "tx_hash"}},
				DoNothing: true,
			}).Create(&publication).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Unbind forgets the published pointer. The ledger keeps its history.
func (r *IdentityRepository) Unbind(ctx context.Context, id, owner string) error {
	result := r.db.WithContext(ctx).Model(&models.Identity{}).
		Where("id = ? AND wallet_address = ?", id, owner).
		Updates(map[string]any{
			"snapshot_cid":   gorm.Expr("NULL"),
			"pointer_handle": gorm.Expr("NULL"),
			"m_date":         time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return r.missOrForbidden(r.db.WithContext(ctx), id)
	}
	return nil
}

func (r *IdentityRepository) History(ctx context.Context, id string) ([]domain.Publication, error) {
	var rows []models.Publication
	err := r.db.WithContext(ctx).
		Where("identity_id = ?", id).
		Order("block_number DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	history := make([]domain.Publication, 0, len(rows))
	for _, row := range rows {
		history = append(history, domain.Publication{
			TxHash:        row.TxHash,
			IdentityID:    row.IdentityID,
			SnapshotCID:   row.SnapshotCID,
			PointerHandle: row.PointerHandle,
			BlockNumber:   uint64(row.BlockNumber),
			CDate:         row.CDate,
		})
	}
	return history, nil
}

func (r *IdentityRepository) missOrForbidden(db *gorm.DB, id string) error {
	var count int64
	if err := db.Model(&models.Identity{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.NotFoundError{Resource: fmt.Sprintf("identity %s", id)}
	}
	return domain.ErrUnauthorized
}

func marshalJSON(v any) (datatypes.JSON, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}

func unmarshalJSON(data datatypes.JSON, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func toModel(record domain.IdentityRecord) (models.Identity, error) {
	links, err := marshalJSON(record.Profile.Links)
	if err != nil {
		return models.Identity{}, err
	}
	avatar, err := marshalJSON(record.Profile.Avatar)
	if err != nil {
		return models.Identity{}, err
	}
	projects, err := marshalJSON(record.Projects)
	if err != nil {
		return models.Identity{}, err
	}
	certificates, err := marshalJSON(record.Certificates)
	if err != nil {
		return models.Identity{}, err
	}
	return models.Identity{
		ID:            record.ID,
		Username:      record.Username,
		Name:          record.Profile.Name,
		Bio:           record.Profile.Bio,
		Role:          record.Profile.Role,
		Links:         links,
		Avatar:        avatar,
		Projects:      projects,
		Certificates:  certificates,
		SnapshotCID:   record.SnapshotCID,
		PointerHandle: record.PointerHandle,
		WalletAddress: record.WalletAddress,
	}, nil
}

func fromModel(identity models.Identity) (domain.IdentityRecord, error) {
	record := domain.IdentityRecord{
		ID:       identity.ID,
		Username: identity.Username,
		Profile: profilesync.Profile{
			Name: identity.Name,
			Bio:  identity.Bio,
			Role: identity.Role,
		},
		SnapshotCID:   identity.SnapshotCID,
		PointerHandle: identity.PointerHandle,
		WalletAddress: identity.WalletAddress,
		CDate:         identity.CDate,
		MDate:         identity.MDate,
	}
	if err := unmarshalJSON(identity.Links, &record.Profile.Links); err != nil {
		return record, errors.Wrap(err, "decoding links")
	}
	if err := unmarshalJSON(identity.Avatar, &record.Profile.Avatar); err != nil {
		return record, errors.Wrap(err, "decoding avatar")
	}
	if err := unmarshalJSON(identity.Projects, &record.Projects); err != nil {
		return record, errors.Wrap(err, "decoding projects")
	}
	if err := unmarshalJSON(identity.Certificates, &record.Certificates); err != nil {
		return record, errors.Wrap(err, "decoding certificates")
	}
	return record, nil
}
