// Package history keeps a local log of completed and failed transfers in a
// sqlite database, so past sends and receives survive process restarts.
package history

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Direction of a logged transfer.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Entry is one logged transfer attempt.
type Entry struct {
	ID         uint `gorm:"primaryKey"`
	TransferID string
	FileName   string
	Size       int64
	Checksum   string
	Direction  string
	Peer       string
	Succeeded  bool
	Error      string
	Duration   int64 // milliseconds
	CreatedAt  int64
}

// Store wraps the transfer log database.
type Store struct {
	db *gorm.DB
}

// Open creates or opens the history database at path, creating parent
// directories as needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating history directory: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, fmt.Errorf("migrating history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record appends one entry to the log.
func (s *Store) Record(e Entry) error {
	e.ID = 0
	e.CreatedAt = time.Now().Unix()
	if err := s.db.Create(&e).Error; err != nil {
		return fmt.Errorf("recording transfer: %w", err)
	}
	return nil
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []Entry
	err := s.db.Order("created_at DESC, id DESC").Limit(limit).Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	return entries, nil
}

// Prune deletes entries older than the cutoff and returns how many went.
func (s *Store) Prune(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	res := s.db.Where("created_at < ?", cutoff).Delete(&Entry{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning history: %w", res.Error)
	}
	return res.RowsAffected, nil
}
