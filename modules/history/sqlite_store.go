package history

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/realm-chat/domain/realm"
)

// entryRecord is the chat_entries row.
type entryRecord struct {
	ID      uint      `gorm:"primaryKey;autoIncrement"`
	EntryID string    `gorm:"size:36;not null"`
	Room    string    `gorm:"size:100;not null;index"`
	Author  string    `gorm:"size:200;not null"`
	Text    string    `gorm:"not null"`
	Time    time.Time `gorm:"not null"`
}

func (entryRecord) TableName() string {
	return "chat_entries"
}

func (r entryRecord) toEntry() realm.ChatEntry {
	return realm.ChatEntry{
		ID:     r.EntryID,
		Time:   r.Time.UTC(),
		Room:   r.Room,
		Author: r.Author,
		Text:   r.Text,
	}
}

// SQLiteStore keeps history in a SQLite table via GORM.
type SQLiteStore struct {
	db  *gorm.DB
	cap int
}

// OpenSQLiteStore opens (or creates) the database at path and migrates it.
func OpenSQLiteStore(path string, capacity int, debug bool) (*SQLiteStore, error) {
	logLevel := logger.Silent
	if debug {
		logLevel = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases from splitting across connections.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&entryRecord{}); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db, cap: capacity}, nil
}

// Append inserts entry and deletes the room's rows beyond the cap in one
// transaction.
func (s *SQLiteStore) Append(ctx context.Context, entry realm.ChatEntry) error {
	rec := entryRecord{
		EntryID: entry.ID,
		Room:    entry.Room,
		Author:  entry.Author,
		Text:    entry.Text,
		Time:    entry.Time,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		keep := tx.Model(&entryRecord{}).
			Select("id").
			Where("room = ?", entry.Room).
			Order("id DESC").
			Limit(s.cap)
		return tx.Where("room = ? AND id NOT IN (?)", entry.Room, keep).
			Delete(&entryRecord{}).Error
	})
	if err != nil {
		return fmt.Errorf("%w: append to %s: %v", realm.ErrStoreUnavailable, entry.Room, err)
	}
	return nil
}

// Recent returns up to limit of the newest entries, oldest first.
func (s *SQLiteStore) Recent(ctx context.Context, room string, limit int) ([]realm.ChatEntry, error) {
	if limit <= 0 {
		return []realm.ChatEntry{}, nil
	}

	var recs []entryRecord
	err := s.db.WithContext(ctx).
		Where("room = ?", room).
		Order("id DESC").
		Limit(min(limit, s.cap)).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", realm.ErrStoreUnavailable, room, err)
	}

	entries := make([]realm.ChatEntry, len(recs))
	for i, rec := range recs {
		entries[len(recs)-1-i] = rec.toEntry()
	}
	return entries, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("%w: %v", realm.ErrStoreUnavailable, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", realm.ErrStoreUnavailable, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
