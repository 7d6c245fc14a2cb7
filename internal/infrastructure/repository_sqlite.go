package infrastructure

import (
	"fmt"

	"github.com/rbrundritt/offline-data-manager/internal/domain"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLiteStore implements domain.Store on two sqlite tables, registry and
// queue, both keyed by item id. Payload bytes live inline on the queue row.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and migrates
// both tables.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Auto-migrate the schema for both tables
	if err := db.AutoMigrate(&domain.RegistryEntry{}, &domain.QueueEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// GetRegistry finds a registry row by id; (nil, nil) when absent
func (s *SQLiteStore) GetRegistry(id string) (*domain.RegistryEntry, error) {
	var entry domain.RegistryEntry
	err := s.db.First(&entry, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// GetAllRegistry scans the registry ordered by priority ascending with a
// stable registration-order tie-break
func (s *SQLiteStore) GetAllRegistry() ([]*domain.RegistryEntry, error) {
	var entries []*domain.RegistryEntry
	err := s.db.Order("priority ASC, registered_at ASC, id ASC").Find(&entries).Error
	return entries, err
}

// GetRegistryIDs lists all registered ids
func (s *SQLiteStore) GetRegistryIDs() ([]string, error) {
	var ids []string
	err := s.db.Model(&domain.RegistryEntry{}).Order("registered_at ASC, id ASC").Pluck("id", &ids).Error
	return ids, err
}

// PutRegistry inserts or replaces a registry row
func (s *SQLiteStore) PutRegistry(entry *domain.RegistryEntry) error {
	return s.db.Save(entry).Error
}

// DeleteRegistry removes a registry row
func (s *SQLiteStore) DeleteRegistry(id string) error {
	return s.db.Delete(&domain.RegistryEntry{}, "id = ?", id).Error
}

// GetQueue finds a queue row by id; (nil, nil) when absent
func (s *SQLiteStore) GetQueue(id string) (*domain.QueueEntry, error) {
	var entry domain.QueueEntry
	err := s.db.First(&entry, "id = ?", id).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

// GetAllQueue scans the queue table
func (s *SQLiteStore) GetAllQueue() ([]*domain.QueueEntry, error) {
	var entries []*domain.QueueEntry
	err := s.db.Find(&entries).Error
	return entries, err
}

// PutQueue inserts or replaces a queue row. The row is written in a single
// put so a completed payload and its status land together.
func (s *SQLiteStore) PutQueue(entry *domain.QueueEntry) error {
	return s.db.Save(entry).Error
}

// DeleteQueue removes a queue row
func (s *SQLiteStore) DeleteQueue(id string) error {
	return s.db.Delete(&domain.QueueEntry{}, "id = ?", id).Error
}

// ResetOrphanedInProgress rewinds rows left in-progress by a crashed
// process back to pending. The resume cursor is cleared as well: chunk
// accumulation is in-memory, so a cursor without its buffer is stale.
func (s *SQLiteStore) ResetOrphanedInProgress() (int64, error) {
	result := s.db.Model(&domain.QueueEntry{}).
		Where("status = ?", domain.StatusInProgress).
		Updates(map[string]interface{}{
			"status":           domain.StatusPending,
			"byte_offset":      0,
			"bytes_downloaded": 0,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		err := s.db.Model(&domain.RegistryEntry{}).
			Where("status = ?", domain.StatusInProgress).
			Updates(map[string]interface{}{
				"status":           domain.StatusPending,
				"bytes_downloaded": 0,
			}).Error
		if err != nil {
			return result.RowsAffected, err
		}
	}
	return result.RowsAffected, nil
}

// GetStats returns queue counts by status
func (s *SQLiteStore) GetStats() (*domain.QueueStats, error) {
	stats := &domain.QueueStats{}

	// Get total count
	if err := s.db.Model(&domain.QueueEntry{}).Count(&stats.Total).Error; err != nil {
		return nil, err
	}

	// Get counts by status
	statusCounts := []struct {
		Status domain.Status
		Count  int64
	}{}

	if err := s.db.Model(&domain.QueueEntry{}).
		Select("status, count(*) as count").
		Group("status").
		Scan(&statusCounts).Error; err != nil {
		return nil, err
	}

	for _, sc := range statusCounts {
		switch sc.Status {
		case domain.StatusPending:
			stats.Pending = sc.Count
		case domain.StatusInProgress:
			stats.InProgress = sc.Count
		case domain.StatusPaused:
			stats.Paused = sc.Count
		case domain.StatusComplete:
			stats.Complete = sc.Count
		case domain.StatusExpired:
			stats.Expired = sc.Count
		case domain.StatusFailed:
			stats.Failed = sc.Count
		case domain.StatusDeferred:
			stats.Deferred = sc.Count
		}
	}

	return stats, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
