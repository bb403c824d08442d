// Package kvstore persists per-script key/value state in SQLite.
//
// Values are stored as JSON text so any JSON-serialisable value round-trips
// unchanged. Each script ID is an isolated namespace.
package kvstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgnsrekt/gmhost/internal/apperr"
	"github.com/glebarez/sqlite"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Entry is one stored value.
type Entry struct {
	ScriptID  string    `gorm:"primaryKey;size:64"`
	Key       string    `gorm:"primaryKey"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Entry) TableName() string { return "gm_values" }

// Store is a durable, namespaced key/value store safe for concurrent use.
type Store struct {
	db *gorm.DB

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, apperr.Storage("create storage directory", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: NewGormLogger(slog.Default()),
	})
	if err != nil {
		return nil, apperr.Storage("open storage database", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, apperr.Storage("open storage database", err)
	}
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := db.Exec(pragma).Error; err != nil {
			_ = sqlDB.Close()
			return nil, apperr.Storage(pragma, err)
		}
	}
	if err := db.AutoMigrate(&Entry{}); err != nil {
		_ = sqlDB.Close()
		return nil, apperr.Storage("migrate storage schema", err)
	}

	slog.Info("kv store opened", "path", path)
	return &Store{db: db, locks: make(map[string]*keyLock)}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Get returns the JSON value stored under key. ok is false when the key is
// absent.
func (s *Store) Get(ctx context.Context, scriptID, key string) (json.RawMessage, bool, error) {
	var e Entry
	res := s.db.WithContext(ctx).
		Where("script_id = ? AND key = ?", scriptID, key).
		Limit(1).
		Find(&e)
	if res.Error != nil {
		return nil, false, apperr.Storage("get value", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	if !gjson.Valid(e.Value) {
		return nil, false, apperr.Storage(fmt.Sprintf("corrupt value for %q", key), nil)
	}
	return json.RawMessage(e.Value), true, nil
}

// Set stores a JSON value. It returns once the write is committed.
func (s *Store) Set(ctx context.Context, scriptID, key string, value json.RawMessage) error {
	if !gjson.ValidBytes(value) {
		return apperr.Validation(fmt.Sprintf("value for %q is not valid JSON", key))
	}

	unlock := s.lock(scriptID, key)
	defer unlock()

	e := Entry{ScriptID: scriptID, Key: key, Value: string(value), UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "script_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&e).Error
	if err != nil {
		return apperr.Storage("set value", err)
	}
	return nil
}

// SetValue marshals v and stores it.
func (s *Store) SetValue(ctx context.Context, scriptID, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return apperr.Validation(fmt.Sprintf("value for %q: %v", key, err))
	}
	return s.Set(ctx, scriptID, key, raw)
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, scriptID, key string) error {
	unlock := s.lock(scriptID, key)
	defer unlock()

	err := s.db.WithContext(ctx).
		Where("script_id = ? AND key = ?", scriptID, key).
		Delete(&Entry{}).Error
	if err != nil {
		return apperr.Storage("delete value", err)
	}
	return nil
}

// ListKeys returns the script's keys in lexical order.
func (s *Store) ListKeys(ctx context.Context, scriptID string) ([]string, error) {
	keys := []string{}
	err := s.db.WithContext(ctx).
		Model(&Entry{}).
		Where("script_id = ?", scriptID).
		Order("key").
		Pluck("key", &keys).Error
	if err != nil {
		return nil, apperr.Storage("list keys", err)
	}
	return keys, nil
}

// DeleteNamespace removes every value belonging to scriptID.
func (s *Store) DeleteNamespace(ctx context.Context, scriptID string) error {
	res := s.db.WithContext(ctx).
		Where("script_id = ?", scriptID).
		Delete(&Entry{})
	if res.Error != nil {
		return apperr.Storage("delete namespace", res.Error)
	}
	slog.Info("kv namespace deleted", "script_id", scriptID, "keys", res.RowsAffected)
	return nil
}

// lock serialises writers of a single (script, key) pair.
func (s *Store) lock(scriptID, key string) func() {
	id := scriptID + "\x00" + key

	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &keyLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}
