package store

import (
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"collabSync/backend/internal/access"
	"collabSync/backend/internal/snapshot"
)

var (
	_ access.Repository = (*GormStore)(nil)
	_ snapshot.Store    = (*GormStore)(nil)
	_ access.Repository = (*MemoryStore)(nil)
	_ snapshot.Store    = (*MemoryStore)(nil)
)

// ErrDocumentNotFound 同时匹配 access.ErrNotFound
var ErrDocumentNotFound = fmt.Errorf("document %w", access.ErrNotFound)

// GormStore 文档元数据、协作者与快照的 MySQL 实现
type GormStore struct{ db *gorm.DB }

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(gormmysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&Document{}, &Collaborator{}, &SnapshotRecord{}); err != nil {
		return nil, fmt.Errorf("store migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
