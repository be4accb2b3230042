package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"collabSync/backend/internal/snapshot"
)

// Save 同一 (文档, 版本) 的快照已存在时直接成功；写入新快照时刷新文档的 updated_at
func (s *GormStore) Save(ctx context.Context, snap snapshot.Snapshot) error {
	content, err := json.Marshal(snap.Content)
	if err != nil {
		return err
	}
	row := SnapshotRecord{
		DocumentID: snap.DocID,
		Version:    snap.Version,
		Content:    string(content),
		CreatedAt:  snap.CreatedAt,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			if isDuplicateKey(err) {
				return nil
			}
			return err
		}
		// 列表按 updated_at 排序，新快照代表文档内容有变化
		return tx.Model(&Document{}).Where("id = ?", snap.DocID).UpdateColumn("updated_at", time.Now()).Error
	})
}

func (s *GormStore) Latest(ctx context.Context, docID string) (snapshot.Snapshot, error) {
	var row SnapshotRecord
	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("version DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return snapshot.Snapshot{}, snapshot.ErrNotFound
	}
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	return row.toSnapshot()
}

func (r SnapshotRecord) toSnapshot() (snapshot.Snapshot, error) {
	snap := snapshot.Snapshot{DocID: r.DocumentID, Version: r.Version, CreatedAt: r.CreatedAt}
	if err := json.Unmarshal([]byte(r.Content), &snap.Content); err != nil {
		return snapshot.Snapshot{}, err
	}
	return snap, nil
}
