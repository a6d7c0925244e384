package models

import (
	"time"

	"gorm.io/datatypes"
)

type Identity struct {
	ID            string         `json:"id" gorm:"primaryKey;type:text"`
	Username      string         `json:"username" gorm:"type:text;uniqueIndex"`
	Name          string         `json:"name" gorm:"type:text"`
	Bio           string         `json:"bio" gorm:"type:text"`
	Role          string         `json:"role" gorm:"type:text"`
	Links         datatypes.JSON `json:"links" gorm:"type:jsonb"`
	Avatar        datatypes.JSON `json:"avatar" gorm:"type:jsonb"`
	Projects      datatypes.JSON `json:"projects" gorm:"type:jsonb"`
	Certificates  datatypes.JSON `json:"certificates" gorm:"type:jsonb"`
	SnapshotCID   *string        `json:"snapshotCid" gorm:"type:text"`
	PointerHandle *string        `json:"pointerHandle" gorm:"type:text"`
	WalletAddress *string        `json:"walletAddress" gorm:"type:text;index"`
	CDate         time.Time      `json:"cdate" gorm:"->;<-:create;type:timestamp with time zone;not null;default:clock_timestamp()"`
	MDate         time.Time      `json:"mdate" gorm:"autoUpdateTime"`
}

type Publication struct {
	TxHash        string    `json:"txHash" gorm:"primaryKey;type:text"`
	IdentityID    string    `json:"identityId" gorm:"type:text;index"`
	Identity      Identity  `json:"-" gorm:"foreignKey:IdentityID;references:ID;constraint:OnDelete:CASCADE;"`
	SnapshotCID   string    `json:"snapshotCid" gorm:"type:text"`
	PointerHandle string    `json:"pointerHandle" gorm:"type:text"`
	BlockNumber   int64     `json:"blockNumber"`
	CDate         time.Time `json:"cdate" gorm:"->;<-:create;type:timestamp with time zone;not null;default:clock_timestamp()"`
}
