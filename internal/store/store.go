// Package store provides durable persistence for sessions and their
// scrollback snapshots, so sessions survive a server restart.
//
// Persistence is best-effort durability: a failed write degrades restart
// recovery but must never block or fail live terminal operation.
package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Record is one session's durable state. Buffer and Seq capture the
// scrollback snapshot; everything else is what is needed to respawn the
// process after a restart (the original process state itself is lost).
type Record struct {
	ID        string
	Command   string
	Args      []string
	Cols      uint16
	Rows      uint16
	Cwd       string
	Env       map[string]string
	CreatedAt time.Time
	Buffer    []byte
	Seq       uint64
}

// sessionRow is the gorm model backing Record. Args and Env are stored as
// JSON text columns.
type sessionRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	Command   string `gorm:"not null"`
	Args      string `gorm:"type:text"`
	Cols      uint16 `gorm:"not null"`
	Rows      uint16 `gorm:"not null"`
	Cwd       string
	Env       string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
	Buffer    []byte
	Seq       uint64 `gorm:"not null;default:0"`
}

func (sessionRow) TableName() string { return "sessions" }

// Store is a sqlite-backed session store. The only way to obtain one is
// Open, which completes migration before returning, so a Store in hand is
// always initialized.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the sqlite database at path and migrates the
// schema. Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&sessionRow{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveSession upserts one session's durable record.
func (s *Store) SaveSession(rec Record) error {
	args, err := json.Marshal(rec.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	env, err := json.Marshal(rec.Env)
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}
	row := sessionRow{
		ID:        rec.ID,
		Command:   rec.Command,
		Args:      string(args),
		Cols:      rec.Cols,
		Rows:      rec.Rows,
		Cwd:       rec.Cwd,
		Env:       string(env),
		CreatedAt: rec.CreatedAt,
		Buffer:    rec.Buffer,
		Seq:       rec.Seq,
	}
	if err := s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	return nil
}

// LoadAllSessions returns every stored session keyed by id. A corrupt row is
// logged, removed, and skipped; it never fails the whole load.
func (s *Store) LoadAllSessions() (map[string]Record, error) {
	var rows []sessionRow
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	out := make(map[string]Record, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			log.Printf("[store] WARNING: dropping corrupt session record %s: %v", row.ID, err)
			if err := s.db.Delete(&sessionRow{}, "id = ?", row.ID).Error; err != nil {
				log.Printf("[store] WARNING: delete corrupt record %s: %v", row.ID, err)
			}
			continue
		}
		out[rec.ID] = rec
	}
	return out, nil
}

func (row sessionRow) toRecord() (Record, error) {
	rec := Record{
		ID:        row.ID,
		Command:   row.Command,
		Cols:      row.Cols,
		Rows:      row.Rows,
		Cwd:       row.Cwd,
		CreatedAt: row.CreatedAt,
		Buffer:    row.Buffer,
		Seq:       row.Seq,
	}
	if rec.ID == "" || rec.Command == "" {
		return Record{}, fmt.Errorf("missing id or command")
	}
	if row.Args != "" {
		if err := json.Unmarshal([]byte(row.Args), &rec.Args); err != nil {
			return Record{}, fmt.Errorf("unmarshal args: %w", err)
		}
	}
	if row.Env != "" {
		if err := json.Unmarshal([]byte(row.Env), &rec.Env); err != nil {
			return Record{}, fmt.Errorf("unmarshal env: %w", err)
		}
	}
	return rec, nil
}

// DeleteSession removes a session's durable record. Deleting an unknown id
// is not an error.
func (s *Store) DeleteSession(id string) error {
	if err := s.db.Delete(&sessionRow{}, "id = ?", id).Error; err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// Ping reports database health for the health endpoint.
func (s *Store) Ping() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
