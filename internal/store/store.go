// Package store persists session and preview records in a relational
// database. The database, not the in-memory maps, is authoritative across
// orchestrator restarts.
package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("record not found")

type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the sqlite database at path and migrates the
// orchestrator's tables.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&SessionRecord{}, &PreviewRecord{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveSession inserts or updates a session record.
func (s *Store) SaveSession(record *SessionRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store unavailable")
	}
	if record == nil || strings.TrimSpace(record.ID) == "" {
		return errors.New("session id is required")
	}
	return s.db.Save(record).Error
}

func (s *Store) GetSession(id string) (*SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store unavailable")
	}
	var record SessionRecord
	err := s.db.First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ActiveSessions returns sessions persisted as starting or running, the set
// reconciliation inspects after a restart.
func (s *Store) ActiveSessions() ([]SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store unavailable")
	}
	var records []SessionRecord
	err := s.db.Where("status IN ?", []string{StatusStarting, StatusRunning}).Find(&records).Error
	return records, err
}

// MarkSessionStopped forces a session's persisted status. Unknown ids are a
// no-op.
func (s *Store) MarkSessionStopped(id string) error {
	if s == nil || s.db == nil {
		return errors.New("store unavailable")
	}
	return s.db.Model(&SessionRecord{}).Where("id = ?", id).Update("status", StatusStopped).Error
}

func (s *Store) DeleteSession(id string) error {
	if s == nil || s.db == nil {
		return errors.New("store unavailable")
	}
	return s.db.Delete(&SessionRecord{}, "id = ?", id).Error
}

// SavePreview inserts or updates a preview record.
func (s *Store) SavePreview(record *PreviewRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store unavailable")
	}
	if record == nil || strings.TrimSpace(record.TeamID) == "" || strings.TrimSpace(record.Branch) == "" {
		return errors.New("team id and branch are required")
	}
	return s.db.Save(record).Error
}

func (s *Store) GetPreview(teamID, branch string) (*PreviewRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store unavailable")
	}
	var record PreviewRecord
	err := s.db.First(&record, "team_id = ? AND branch = ?", teamID, branch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ActivePreviews returns previews persisted as starting or running.
func (s *Store) ActivePreviews() ([]PreviewRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store unavailable")
	}
	var records []PreviewRecord
	err := s.db.Where("status IN ?", []string{StatusStarting, StatusRunning}).Find(&records).Error
	return records, err
}

// MarkPreviewStopped forces a preview's persisted status. Unknown keys are a
// no-op.
func (s *Store) MarkPreviewStopped(teamID, branch string) error {
	if s == nil || s.db == nil {
		return errors.New("store unavailable")
	}
	return s.db.Model(&PreviewRecord{}).
		Where("team_id = ? AND branch = ?", teamID, branch).
		Update("status", StatusStopped).Error
}

func (s *Store) DeletePreview(teamID, branch string) error {
	if s == nil || s.db == nil {
		return errors.New("store unavailable")
	}
	return s.db.Delete(&PreviewRecord{}, "team_id = ? AND branch = ?", teamID, branch).Error
}
