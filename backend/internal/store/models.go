package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Document struct {
	ID        string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	OwnerID   uint64    `gorm:"index;not null" json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// Collaborator 所有者不在此表中，隐含拥有最高权限
type Collaborator struct {
	ID         uint64 `gorm:"primaryKey"`
	DocumentID string `gorm:"type:varchar(64);not null;uniqueIndex:uk_doc_user"`
	UserID     uint64 `gorm:"not null;uniqueIndex:uk_doc_user;index"`
	Level      string `gorm:"type:varchar(16);not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (Collaborator) TableName() string { return "document_collaborators" }

// SnapshotRecord 保留历史版本，版本最高的一行是当前内容
type SnapshotRecord struct {
	ID         uint64 `gorm:"primaryKey"`
	DocumentID string `gorm:"type:varchar(64);not null;uniqueIndex:uk_doc_version"`
	Version    uint64 `gorm:"not null;uniqueIndex:uk_doc_version"`
	Content    string `gorm:"type:json;not null"`
	CreatedAt  time.Time
}

func (SnapshotRecord) TableName() string { return "document_snapshots" }
