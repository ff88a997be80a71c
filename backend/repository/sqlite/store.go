// Package sqlite 基于 gorm + SQLite（纯 Go 驱动）的持久化键值存储。
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"shunt/backend/repository"
	"shunt/backend/repository/events"
	"shunt/backend/service/applog"
)

// entry 一条键值记录
type entry struct {
	Key       string `gorm:"column:entry_key;primaryKey;size:255"`
	Value     string `gorm:"column:entry_value;type:text"`
	UpdatedAt time.Time
}

func (entry) TableName() string { return "kv_entries" }

// Store SQLite 键值存储
type Store struct {
	db       *gorm.DB
	eventBus *events.Bus
}

// Open 打开（必要时创建）数据库并迁移表结构
func Open(dsn, tablePrefix string, eventBus *events.Bus) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite dsn is empty")
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(applog.For("SQLite")),
		NamingStrategy: schema.NamingStrategy{TablePrefix: tablePrefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&entry{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &Store{db: db, eventBus: eventBus}, nil
}

// Close 关闭底层连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var e entry
	err := s.db.WithContext(ctx).Where("entry_key = ?", key).First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", repository.ErrNotFound
		}
		return "", err
	}
	return e.Value, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return repository.ErrInvalidID
	}
	e := entry{Key: key, Value: value, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"entry_value", "updated_at"}),
	}).Create(&e).Error
	if err != nil {
		return err
	}
	s.publishChanged(key)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	res := s.db.WithContext(ctx).Where("entry_key = ?", key).Delete(&entry{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		s.publishChanged(key)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	q := s.db.WithContext(ctx).Model(&entry{})
	if prefix != "" {
		q = q.Where("substr(entry_key, 1, ?) = ?", len(prefix), prefix)
	}
	if err := q.Order("entry_key").Pluck("entry_key", &keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) publishChanged(key string) {
	if s.eventBus != nil {
		s.eventBus.Publish(events.StoreEvent{EventType: events.EventStoreChanged, Key: key})
	}
}

var _ repository.KeyValueStore = (*Store)(nil)
