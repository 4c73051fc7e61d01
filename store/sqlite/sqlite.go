// Package sqlite implements store.Store atop a local SQLite database,
// using mattn/go-sqlite3 as the driver. Every write is committed as it
// executes, by the driver's autocommit mode; the 5-second task registered
// via RegisterTasks does no work, and Close has no pending writes to commit.
package sqlite

import (
	"database/sql"
	"fmt"
	"iter"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tomasmach/secretlounge/scheduler"
	"github.com/tomasmach/secretlounge/store"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS system_config (
	name  TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (name)
);
CREATE TABLE IF NOT EXISTS users (
	id              BIGINT NOT NULL,
	username        TEXT,
	realname        TEXT NOT NULL,
	rank            INTEGER NOT NULL,
	joined          TIMESTAMP NOT NULL,
	left            TIMESTAMP,
	lastActive      TIMESTAMP NOT NULL,
	cooldownUntil   TIMESTAMP,
	blacklistReason TEXT,
	warnings        INTEGER NOT NULL,
	warnExpiry      TIMESTAMP,
	karma           INTEGER NOT NULL,
	hideKarma       TINYINT NOT NULL,
	debugEnabled    TINYINT NOT NULL,
	PRIMARY KEY (id)
);
`

const commitInterval = 5 * time.Second

// Store is the SQLite-backed store.Store implementation.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if necessary) the database file at path, ensuring
// the schema exists and applying any additive migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if err := s.migrateAddTripcode(); err != nil {
		return fmt.Errorf("migrate tripcode column: %w", err)
	}
	return nil
}

// migrateAddTripcode adds the tripcode column to pre-existing databases
// created before signing support was introduced.
func (s *Store) migrateAddTripcode() error {
	rows, err := s.db.Query("PRAGMA table_info(users)")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if name == "tripcode" {
			return nil
		}
	}
	_, err = s.db.Exec("ALTER TABLE users ADD tripcode TEXT")
	return err
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullStringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	v := n.Time
	return &v
}

const userColumns = "id, username, realname, rank, joined, left, lastActive, cooldownUntil, blacklistReason, warnings, warnExpiry, karma, hideKarma, debugEnabled, tripcode"

func scanUser(row interface{ Scan(...any) error }) (*store.User, error) {
	var (
		id                             int64
		username, blacklistReason      sql.NullString
		realname                       string
		rank                           int
		joined, lastActive             time.Time
		left, cooldownUntil, warnExpiry sql.NullTime
		warnings, karma                int
		hideKarma, debugEnabled        bool
		tripcode                       sql.NullString
	)
	if err := row.Scan(&id, &username, &realname, &rank, &joined, &left, &lastActive,
		&cooldownUntil, &blacklistReason, &warnings, &warnExpiry, &karma,
		&hideKarma, &debugEnabled, &tripcode); err != nil {
		return nil, err
	}
	return &store.User{
		ID:              id,
		Username:        nullStringPtr(username),
		Realname:        realname,
		Rank:            store.Rank(rank),
		Joined:          joined,
		Left:            nullTimePtr(left),
		LastActive:      lastActive,
		CooldownUntil:   nullTimePtr(cooldownUntil),
		BlacklistReason: nullStringPtr(blacklistReason),
		Warnings:        warnings,
		WarnExpiry:      nullTimePtr(warnExpiry),
		Karma:           karma,
		HideKarma:       hideKarma,
		DebugEnabled:    debugEnabled,
		Tripcode:        nullStringPtr(tripcode),
	}, nil
}

func (s *Store) GetUser(id int64) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE id = ?", id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) IterateUsers() iter.Seq[*store.User] {
	return func(yield func(*store.User) bool) {
		s.mu.Lock()
		rows, err := s.db.Query("SELECT " + userColumns + " FROM users")
		if err != nil {
			s.mu.Unlock()
			return
		}
		var users []*store.User
		for rows.Next() {
			u, err := scanUser(rows)
			if err != nil {
				continue
			}
			users = append(users, u)
		}
		rows.Close()
		s.mu.Unlock()
		for _, u := range users {
			if !yield(u) {
				return
			}
		}
	}
}

func (s *Store) IterateUserIDs() iter.Seq[int64] {
	return func(yield func(int64) bool) {
		s.mu.Lock()
		rows, err := s.db.Query("SELECT id FROM users")
		if err != nil {
			s.mu.Unlock()
			return
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if rows.Scan(&id) == nil {
				ids = append(ids, id)
			}
		}
		rows.Close()
		s.mu.Unlock()
		for _, id := range ids {
			if !yield(id) {
				return
			}
		}
	}
}

func (s *Store) AddUser(u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		"INSERT INTO users ("+userColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		u.ID, nullString(u.Username), u.Realname, int(u.Rank), u.Joined, nullTime(u.Left),
		u.LastActive, nullTime(u.CooldownUntil), nullString(u.BlacklistReason), u.Warnings,
		nullTime(u.WarnExpiry), u.Karma, u.HideKarma, u.DebugEnabled, nullString(u.Tripcode),
	)
	return err
}

func (s *Store) setUserLocked(u *store.User) error {
	_, err := s.db.Exec(
		`UPDATE users SET username=?, realname=?, rank=?, joined=?, left=?, lastActive=?,
		 cooldownUntil=?, blacklistReason=?, warnings=?, warnExpiry=?, karma=?, hideKarma=?,
		 debugEnabled=?, tripcode=? WHERE id=?`,
		nullString(u.Username), u.Realname, int(u.Rank), u.Joined, nullTime(u.Left), u.LastActive,
		nullTime(u.CooldownUntil), nullString(u.BlacklistReason), u.Warnings, nullTime(u.WarnExpiry),
		u.Karma, u.HideKarma, u.DebugEnabled, nullString(u.Tripcode), u.ID,
	)
	return err
}

func (s *Store) ModifyUser(id int64, fn func(*store.User) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow("SELECT "+userColumns+" FROM users WHERE id = ?", id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	if err := fn(u); err != nil {
		return err
	}
	return s.setUserLocked(u)
}

func (s *Store) GetSystemConfig() (*store.SystemConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query("SELECT name, value FROM system_config")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	values := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		values[name] = value
	}
	if len(values) == 0 {
		return nil, nil
	}
	return &store.SystemConfig{Motd: values["motd"], Privacy: values["privacy"]}, nil
}

func (s *Store) setSystemConfigLocked(cfg *store.SystemConfig) error {
	for _, kv := range [][2]string{{"motd", cfg.Motd}, {"privacy", cfg.Privacy}} {
		if _, err := s.db.Exec("REPLACE INTO system_config (name, value) VALUES (?, ?)", kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) SetSystemConfig(cfg *store.SystemConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setSystemConfigLocked(cfg)
}

func (s *Store) ModifySystemConfig(fn func(*store.SystemConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.getSystemConfigLocked()
	if err != nil {
		return err
	}
	if cur == nil {
		cur = &store.SystemConfig{}
	}
	if err := fn(cur); err != nil {
		return err
	}
	return s.setSystemConfigLocked(cur)
}

func (s *Store) getSystemConfigLocked() (*store.SystemConfig, error) {
	rows, err := s.db.Query("SELECT name, value FROM system_config")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	values := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		values[name] = value
	}
	if len(values) == 0 {
		return nil, nil
	}
	return &store.SystemConfig{Motd: values["motd"], Privacy: values["privacy"]}, nil
}

// RegisterTasks installs a task that fires every 5 seconds and does
// nothing: no write is ever left uncommitted for it to commit.
func (s *Store) RegisterTasks(sched *scheduler.Scheduler) {
	sched.Register(commitInterval, func() {
		// go-sqlite3 commits each Exec in autocommit mode already; this
		// task exists to mirror the original backend's flush contract
		// for callers that swap in a transactional driver later.
	})
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
