package eventsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// schemaVersion is bumped whenever the on-disk layout changes; Open migrates
// older databases forward on first use.
const schemaVersion = 1

// ErrNotFound is returned when an entity is absent from the local store.
var ErrNotFound = errors.New("not found")

// ============================================================================
// Store
// ============================================================================

// Store is the durable on-device cache: one collection per entity type plus
// the sync queue, backed by a single SQLite file shared by every process of
// the application. Writes are last-write-wins; SQLite serializes concurrent
// transactions, and no additional locking is imposed here.
type Store struct {
	db *gorm.DB
}

type schemaMeta struct {
	ID      uint `gorm:"primaryKey"`
	Version int
}

type syncEntry struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	Kind         string
	Data         []byte
	EnqueuedAt   time.Time
	Attempts     int
	MaxAttempts  int
	LastError    string
	DeadLettered bool `gorm:"index"`
}

func (syncEntry) TableName() string { return "sync_queue" }

// Open opens (creating if necessary) the store at path and migrates its
// schema. The returned store is safe for concurrent use.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	if err := db.AutoMigrate(&Event{}, &User{}, &syncEntry{}, &schemaMeta{}); err != nil {
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	meta := schemaMeta{ID: 1, Version: schemaVersion}
	if err := db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&meta).Error; err != nil {
		return nil, fmt.Errorf("failed to record schema version: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============================================================================
// Events
// ============================================================================

// SaveEvents upserts events by id. Saving the same batch twice leaves exactly
// one record per id.
func (s *Store) SaveEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&events).Error
	if err != nil {
		return fmt.Errorf("failed to save events: %w", err)
	}
	return nil
}

// Events returns every cached event. Order is unspecified.
func (s *Store) Events(ctx context.Context) ([]Event, error) {
	var events []Event
	if err := s.db.WithContext(ctx).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	return events, nil
}

// EventByID returns the cached event or ErrNotFound.
func (s *Store) EventByID(ctx context.Context, id string) (*Event, error) {
	var ev Event
	err := s.db.WithContext(ctx).First(&ev, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	return &ev, nil
}

// DeleteEvent removes a cached event; deleting an absent id is not an error.
func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Delete(&Event{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}
	return nil
}

// ============================================================================
// Users
// ============================================================================

// SaveUser upserts a single user.
func (s *Store) SaveUser(ctx context.Context, user User) error {
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&user).Error
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// SaveUsers upserts users by id.
func (s *Store) SaveUsers(ctx context.Context, users []User) error {
	if len(users) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&users).Error
	if err != nil {
		return fmt.Errorf("failed to save users: %w", err)
	}
	return nil
}

// Users returns every cached user. Order is unspecified.
func (s *Store) Users(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	return users, nil
}

// UserByID returns the cached user or ErrNotFound.
func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &u, nil
}

// ============================================================================
// Sync queue
// ============================================================================

// Enqueue appends an operation to the sync queue and fills in its assigned id
// and enqueue time. It never touches the network.
func (s *Store) Enqueue(ctx context.Context, op *QueuedOp) error {
	data, err := encodeOp(op)
	if err != nil {
		return err
	}
	entry := syncEntry{
		Kind:        string(op.Kind),
		Data:        data,
		EnqueuedAt:  time.Now().UTC(),
		MaxAttempts: op.MaxAttempts,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("failed to enqueue operation: %w", err)
	}
	op.ID = entry.ID
	op.EnqueuedAt = entry.EnqueuedAt
	return nil
}

// Queue returns all pending entries in insertion order. Dead-lettered entries
// are excluded; see DeadLetters.
func (s *Store) Queue(ctx context.Context) ([]QueuedOp, error) {
	return s.queueWhere(ctx, "dead_lettered = ?", false)
}

// DeadLetters returns entries that exhausted their attempts.
func (s *Store) DeadLetters(ctx context.Context) ([]QueuedOp, error) {
	return s.queueWhere(ctx, "dead_lettered = ?", true)
}

func (s *Store) queueWhere(ctx context.Context, query string, args ...interface{}) ([]QueuedOp, error) {
	var entries []syncEntry
	err := s.db.WithContext(ctx).
		Where(query, args...).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load sync queue: %w", err)
	}
	ops := make([]QueuedOp, 0, len(entries))
	for _, e := range entries {
		op, err := decodeOp(e)
		if err != nil {
			return nil, err
		}
		ops = append(ops, *op)
	}
	return ops, nil
}

// Remove deletes a queue entry by id; removing an absent entry is a no-op.
func (s *Store) Remove(ctx context.Context, entryID uint64) error {
	if err := s.db.WithContext(ctx).Delete(&syncEntry{}, entryID).Error; err != nil {
		return fmt.Errorf("failed to remove queue entry: %w", err)
	}
	return nil
}

// MarkFailed records a failed replay attempt. Once attempts reach the entry's
// limit it is parked as dead-lettered: kept in the store, skipped by future
// drains, re-armable via RequeueDeadLetters.
func (s *Store) MarkFailed(ctx context.Context, entryID uint64, cause string) error {
	var entry syncEntry
	err := s.db.WithContext(ctx).First(&entry, entryID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load queue entry: %w", err)
	}

	entry.Attempts++
	entry.LastError = cause
	if entry.MaxAttempts > 0 && entry.Attempts >= entry.MaxAttempts {
		entry.DeadLettered = true
	}
	if err := s.db.WithContext(ctx).Save(&entry).Error; err != nil {
		return fmt.Errorf("failed to update queue entry: %w", err)
	}
	return nil
}

// DeadLetter parks an entry immediately, bypassing its remaining attempts.
// Used for entries that can never replay, such as an unknown operation kind.
func (s *Store) DeadLetter(ctx context.Context, entryID uint64, cause string) error {
	err := s.db.WithContext(ctx).
		Model(&syncEntry{}).
		Where("id = ?", entryID).
		Updates(map[string]interface{}{"dead_lettered": true, "last_error": cause}).Error
	if err != nil {
		return fmt.Errorf("failed to dead-letter queue entry: %w", err)
	}
	return nil
}

// RequeueDeadLetters resets every dead-lettered entry so the next drain picks
// it up again, and returns how many were re-armed.
func (s *Store) RequeueDeadLetters(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).
		Model(&syncEntry{}).
		Where("dead_lettered = ?", true).
		Updates(map[string]interface{}{"dead_lettered": false, "attempts": 0, "last_error": ""})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to requeue dead letters: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// ============================================================================
// Maintenance
// ============================================================================

// Clear wipes one collection: "events", "users" or "sync-queue".
func (s *Store) Clear(ctx context.Context, collection string) error {
	var table string
	switch collection {
	case "events":
		table = "events"
	case "users":
		table = "users"
	case "sync-queue":
		table = "sync_queue"
	default:
		return fmt.Errorf("unknown collection %q", collection)
	}
	if err := s.db.WithContext(ctx).Exec("DELETE FROM " + table).Error; err != nil {
		return fmt.Errorf("failed to clear %s: %w", collection, err)
	}
	return nil
}

// ============================================================================
// Queue entry codec
// ============================================================================

func encodeOp(op *QueuedOp) ([]byte, error) {
	var payload interface{}
	switch op.Kind {
	case OpCreateEvent:
		payload = op.Create
	case OpUpdateEvent:
		payload = op.Update
	case OpDeleteEvent:
		payload = op.Delete
	case OpRegisterEvent:
		payload = op.Register
	default:
		return nil, fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	if payload == nil {
		return nil, fmt.Errorf("operation %q has no payload", op.Kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode operation: %w", err)
	}
	return data, nil
}

func decodeOp(entry syncEntry) (*QueuedOp, error) {
	op := &QueuedOp{
		ID:           entry.ID,
		Kind:         OpKind(entry.Kind),
		EnqueuedAt:   entry.EnqueuedAt,
		Attempts:     entry.Attempts,
		MaxAttempts:  entry.MaxAttempts,
		LastError:    entry.LastError,
		DeadLettered: entry.DeadLettered,
	}
	var dst interface{}
	switch op.Kind {
	case OpCreateEvent:
		op.Create = &CreateEventOp{}
		dst = op.Create
	case OpUpdateEvent:
		op.Update = &UpdateEventOp{}
		dst = op.Update
	case OpDeleteEvent:
		op.Delete = &DeleteEventOp{}
		dst = op.Delete
	case OpRegisterEvent:
		op.Register = &RegisterEventOp{}
		dst = op.Register
	default:
		// Unknown kinds surface during the drain, which dead-letters them.
		return op, nil
	}
	if err := json.Unmarshal(entry.Data, dst); err != nil {
		return nil, fmt.Errorf("failed to decode queue entry %d: %w", entry.ID, err)
	}
	return op, nil
}
