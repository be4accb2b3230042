package store

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collabSync/backend/internal/access"
)

func (s *GormStore) CreateDocument(ctx context.Context, ownerID uint64, title string) (Document, error) {
	doc := Document{Title: strings.TrimSpace(title), OwnerID: ownerID}
	if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *GormStore) GetDocument(ctx context.Context, docID string) (Document, error) {
	var doc Document
	err := s.db.WithContext(ctx).Where("id = ?", docID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrDocumentNotFound
	}
	return doc, err
}

func (s *GormStore) ListByOwner(ctx context.Context, ownerID uint64) ([]Document, error) {
	var docs []Document
	err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("updated_at DESC").
		Find(&docs).Error
	return docs, err
}

// ListByCollaborator 返回用户作为协作者（非所有者）参与的文档
func (s *GormStore) ListByCollaborator(ctx context.Context, userID uint64) ([]Document, error) {
	var docs []Document
	err := s.db.WithContext(ctx).
		Joins("JOIN document_collaborators dc ON dc.document_id = documents.id").
		Where("dc.user_id = ?", userID).
		Order("documents.updated_at DESC").
		Find(&docs).Error
	return docs, err
}

func (s *GormStore) DocumentOwner(ctx context.Context, docID string) (uint64, error) {
	doc, err := s.GetDocument(ctx, docID)
	if err != nil {
		return 0, err
	}
	return doc.OwnerID, nil
}

func (s *GormStore) Collaborators(ctx context.Context, docID string) (map[uint64]access.Level, error) {
	var rows []Collaborator
	if err := s.db.WithContext(ctx).Where("document_id = ?", docID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[uint64]access.Level, len(rows))
	for _, r := range rows {
		lvl, err := access.ParseLevel(r.Level)
		if err != nil {
			return nil, err
		}
		out[r.UserID] = lvl
	}
	return out, nil
}

func (s *GormStore) UpsertCollaborator(ctx context.Context, docID string, userID uint64, level access.Level) error {
	row := Collaborator{DocumentID: docID, UserID: userID, Level: level.String()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"level", "updated_at"}),
	}).Create(&row).Error
}

func (s *GormStore) DeleteCollaborator(ctx context.Context, docID string, userID uint64) error {
	return s.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", docID, userID).
		Delete(&Collaborator{}).Error
}
