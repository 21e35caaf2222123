// Package store persists named filter definitions in SQLite via GORM,
// using the pure-Go glebarez driver (no CGO beyond the engine itself).
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when no filter exists under the given name.
var ErrNotFound = errors.New("filter not found")

// FilterRecord is one persisted filter definition.
type FilterRecord struct {
	ID            string `gorm:"primaryKey"`
	Name          string `gorm:"uniqueIndex;not null"`
	Script        string `gorm:"not null"`
	EntryPoint    string
	CallbackNames string // JSON-encoded list
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Callbacks decodes the record's callback name list.
func (r *FilterRecord) Callbacks() []string {
	if r.CallbackNames == "" {
		return nil
	}
	var names []string
	if err := json.Unmarshal([]byte(r.CallbackNames), &names); err != nil {
		return nil
	}
	return names
}

// Store is a SQLite-backed filter registry.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open opens (or creates) the registry database at path. Use ":memory:"
// for an ephemeral store.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("opening filter store %s: %w", path, err)
	}
	if err := db.AutoMigrate(&FilterRecord{}); err != nil {
		return nil, fmt.Errorf("migrating filter store: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Save creates or replaces the filter definition under name.
func (s *Store) Save(name, script, entryPoint string, callbackNames []string) (*FilterRecord, error) {
	if name == "" {
		return nil, fmt.Errorf("filter name must not be empty")
	}
	encoded, err := json.Marshal(callbackNames)
	if err != nil {
		return nil, fmt.Errorf("encoding callback names: %w", err)
	}

	var rec FilterRecord
	err = s.db.Where("name = ?", name).First(&rec).Error
	switch {
	case err == nil:
		rec.Script = script
		rec.EntryPoint = entryPoint
		rec.CallbackNames = string(encoded)
		if err := s.db.Save(&rec).Error; err != nil {
			return nil, fmt.Errorf("updating filter %q: %w", name, err)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec = FilterRecord{
			ID:            uuid.NewString(),
			Name:          name,
			Script:        script,
			EntryPoint:    entryPoint,
			CallbackNames: string(encoded),
		}
		if err := s.db.Create(&rec).Error; err != nil {
			return nil, fmt.Errorf("creating filter %q: %w", name, err)
		}
	default:
		return nil, fmt.Errorf("looking up filter %q: %w", name, err)
	}

	s.log.Debug("saved filter", zap.String("name", name), zap.String("id", rec.ID))
	return &rec, nil
}

// Get returns the filter definition stored under name.
func (s *Store) Get(name string) (*FilterRecord, error) {
	var rec FilterRecord
	if err := s.db.Where("name = ?", name).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("looking up filter %q: %w", name, err)
	}
	return &rec, nil
}

// List returns all filter definitions ordered by name.
func (s *Store) List() ([]FilterRecord, error) {
	var recs []FilterRecord
	if err := s.db.Order("name").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing filters: %w", err)
	}
	return recs, nil
}

// Delete removes the filter stored under name.
func (s *Store) Delete(name string) error {
	res := s.db.Where("name = ?", name).Delete(&FilterRecord{})
	if res.Error != nil {
		return fmt.Errorf("deleting filter %q: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetFilterScript satisfies the root package's ScriptLoader interface.
func (s *Store) GetFilterScript(name string) (string, string, []string, error) {
	rec, err := s.Get(name)
	if err != nil {
		return "", "", nil, err
	}
	return rec.Script, rec.EntryPoint, rec.Callbacks(), nil
}
