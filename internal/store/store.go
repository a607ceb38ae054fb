package store

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/stellarlinkco/proofpay-indexer/internal/config"
)

// Store is the persistence gateway shared by the event processor and the
// timer worker. Every projection write that changes status goes through
// TransitionTask so concurrent writers resolve races by row count instead
// of overwriting each other.
type Store struct {
	db *gorm.DB
}

// Open connects to the database named by cfg.URL: a postgres:// DSN, or a
// sqlite file path for dev and tests. The schema is migrated in place.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(cfg.URL, "postgres://") || strings.HasPrefix(cfg.URL, "postgresql://") {
		dialector = postgres.Open(cfg.URL)
	} else {
		dialector = sqlite.Open(cfg.URL)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&Task{},
		&ProcessedEvent{},
		&ActivityFeedEntry{},
		&Notification{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

// TestConnection pings the database. Used by startup checks and /health.
func (s *Store) TestConnection() bool {
	sqlDB, err := s.db.DB()
	if err != nil {
		log.Printf("[store] connection test failed: %v", err)
		return false
	}
	if err := sqlDB.Ping(); err != nil {
		log.Printf("[store] ping failed: %v", err)
		return false
	}
	return true
}

// ===== task projection =====

// UpsertTaskFromEvent inserts the task if absent and returns the stored
// row. An existing row is left untouched, which makes replaying the
// creating event a no-op.
func (s *Store) UpsertTaskFromEvent(t *Task) (*Task, error) {
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(t)
	if res.Error != nil {
		return nil, fmt.Errorf("upsert task %s: %w", t.ID, res.Error)
	}
	return s.GetTask(t.ID)
}

// GetTask returns the task or (nil, nil) when it does not exist.
func (s *Store) GetTask(id string) (*Task, error) {
	var t Task
	err := s.db.First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

// TransitionTask applies patch to the task only while its current status
// is one of from. The boolean reports whether a row actually changed; a
// false result with a nil error means another writer got there first.
func (s *Store) TransitionTask(id string, from []TaskStatus, patch map[string]any) (bool, error) {
	if patch == nil {
		patch = map[string]any{}
	}
	patch["updated_at"] = time.Now().UTC()

	res := s.db.Model(&Task{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(patch)
	if res.Error != nil {
		return false, fmt.Errorf("transition task %s: %w", id, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// GetExpiredPendingReleaseTasks returns tasks whose review window has
// lapsed: status pending_release with an expiry at or before now.
func (s *Store) GetExpiredPendingReleaseTasks(now time.Time) ([]Task, error) {
	var tasks []Task
	err := s.db.
		Where("status = ? AND pending_release_expires_at <= ?", StatusPendingRelease, now).
		Order("pending_release_expires_at").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("query expired tasks: %w", err)
	}
	return tasks, nil
}

// GetUpcomingExpirations returns pending_release tasks that will expire
// within the given window, soonest first.
func (s *Store) GetUpcomingExpirations(now time.Time, within time.Duration) ([]Task, error) {
	var tasks []Task
	err := s.db.
		Where("status = ? AND pending_release_expires_at > ? AND pending_release_expires_at <= ?",
			StatusPendingRelease, now, now.Add(within)).
		Order("pending_release_expires_at").
		Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("query upcoming expirations: %w", err)
	}
	return tasks, nil
}

// ===== idempotency ledger =====

func (s *Store) IsEventProcessed(txHash string, eventIndex int) (bool, error) {
	var count int64
	err := s.db.Model(&ProcessedEvent{}).
		Where("tx_hash = ? AND event_index = ?", txHash, eventIndex).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check processed event %s/%d: %w", txHash, eventIndex, err)
	}
	return count > 0, nil
}

func (s *Store) MarkEventProcessed(txHash string, eventIndex int) error {
	rec := ProcessedEvent{
		TxHash:      txHash,
		EventIndex:  eventIndex,
		ProcessedAt: time.Now().UTC(),
	}
	err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("mark event processed %s/%d: %w", txHash, eventIndex, err)
	}
	return nil
}

// ===== audit log =====

func (s *Store) CreateActivityFeedEntry(e *ActivityFeedEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Create(e).Error; err != nil {
		return fmt.Errorf("create activity entry for task %s: %w", e.TaskID, err)
	}
	return nil
}

func (s *Store) CreateNotification(n *Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Create(n).Error; err != nil {
		return fmt.Errorf("create notification for task %s: %w", n.TaskID, err)
	}
	return nil
}
