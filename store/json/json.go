// Package json implements store.Store as a single flat JSON file, written
// atomically on every mutation. Intended for development and small
// deployments only — there is no periodic flush, so RegisterTasks is a
// no-op and every write pays the full serialize-and-rename cost.
package json

import (
	"encoding/json"
	"iter"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tomasmach/secretlounge/scheduler"
	"github.com/tomasmach/secretlounge/store"
)

// userRecord is the on-disk shape of a store.User: dates are serialized as
// UTC epoch seconds (or omitted/null), matching the original backend's format.
type userRecord struct {
	ID              int64   `json:"id"`
	Username        *string `json:"username"`
	Realname        string  `json:"realname"`
	Rank            int     `json:"rank"`
	Joined          int64   `json:"joined"`
	Left            *int64  `json:"left"`
	LastActive      int64   `json:"lastActive"`
	CooldownUntil   *int64  `json:"cooldownUntil"`
	BlacklistReason *string `json:"blacklistReason"`
	Warnings        int     `json:"warnings"`
	WarnExpiry      *int64  `json:"warnExpiry"`
	Karma           int     `json:"karma"`
	HideKarma       bool    `json:"hideKarma"`
	DebugEnabled    bool    `json:"debugEnabled"`
	Tripcode        *string `json:"tripcode"`
}

type systemConfigRecord struct {
	Motd    string `json:"motd"`
	Privacy string `json:"privacy"`
}

type document struct {
	SystemConfig *systemConfigRecord `json:"systemConfig"`
	Users        []userRecord        `json:"users"`
}

func epoch(t time.Time) int64 { return t.UTC().Unix() }

func epochPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := epoch(*t)
	return &v
}

func fromEpoch(v int64) time.Time { return time.Unix(v, 0).UTC() }

func fromEpochPtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := fromEpoch(*v)
	return &t
}

func toRecord(u *store.User) userRecord {
	return userRecord{
		ID:              u.ID,
		Username:        u.Username,
		Realname:        u.Realname,
		Rank:            int(u.Rank),
		Joined:          epoch(u.Joined),
		Left:            epochPtr(u.Left),
		LastActive:      epoch(u.LastActive),
		CooldownUntil:   epochPtr(u.CooldownUntil),
		BlacklistReason: u.BlacklistReason,
		Warnings:        u.Warnings,
		WarnExpiry:      epochPtr(u.WarnExpiry),
		Karma:           u.Karma,
		HideKarma:       u.HideKarma,
		DebugEnabled:    u.DebugEnabled,
		Tripcode:        u.Tripcode,
	}
}

func fromRecord(r userRecord) *store.User {
	return &store.User{
		ID:              r.ID,
		Username:        r.Username,
		Realname:        r.Realname,
		Rank:            store.Rank(r.Rank),
		Joined:          fromEpoch(r.Joined),
		Left:            fromEpochPtr(r.Left),
		LastActive:      fromEpoch(r.LastActive),
		CooldownUntil:   fromEpochPtr(r.CooldownUntil),
		BlacklistReason: r.BlacklistReason,
		Warnings:        r.Warnings,
		WarnExpiry:      fromEpochPtr(r.WarnExpiry),
		Karma:           r.Karma,
		HideKarma:       r.HideKarma,
		DebugEnabled:    r.DebugEnabled,
		Tripcode:        r.Tripcode,
	}
}

// Store is the JSON-file backed store.Store implementation.
type Store struct {
	mu   sync.Mutex
	path string
	doc  document
}

// Open loads path if it exists, or starts with an empty document if it
// does not (first run).
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("the json store backend is meant for development only")
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return nil, err
	}
	slog.Warn("the json store backend is meant for development only")
	return s, nil
}

func (s *Store) saveLocked() error {
	data, err := json.Marshal(s.doc)
	if err != nil {
		return err
	}
	tmp := s.path + "~"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) GetUser(id int64) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.doc.Users {
		if r.ID == id {
			return fromRecord(r), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) IterateUsers() iter.Seq[*store.User] {
	return func(yield func(*store.User) bool) {
		s.mu.Lock()
		records := append([]userRecord(nil), s.doc.Users...)
		s.mu.Unlock()
		for _, r := range records {
			if !yield(fromRecord(r)) {
				return
			}
		}
	}
}

func (s *Store) IterateUserIDs() iter.Seq[int64] {
	return func(yield func(int64) bool) {
		s.mu.Lock()
		ids := make([]int64, len(s.doc.Users))
		for i, r := range s.doc.Users {
			ids[i] = r.ID
		}
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
	s.doc.Users = append(s.doc.Users, toRecord(u))
	return s.saveLocked()
}

func (s *Store) setUserLocked(u *store.User) error {
	for i, r := range s.doc.Users {
		if r.ID == u.ID {
			s.doc.Users[i] = toRecord(u)
			return s.saveLocked()
		}
	}
	return store.ErrNotFound
}

func (s *Store) ModifyUser(id int64, fn func(*store.User) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *userRecord
	for i := range s.doc.Users {
		if s.doc.Users[i].ID == id {
			found = &s.doc.Users[i]
			break
		}
	}
	if found == nil {
		return store.ErrNotFound
	}
	u := fromRecord(*found)
	if err := fn(u); err != nil {
		return err
	}
	return s.setUserLocked(u)
}

func (s *Store) GetSystemConfig() (*store.SystemConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.SystemConfig == nil {
		return nil, nil
	}
	return &store.SystemConfig{Motd: s.doc.SystemConfig.Motd, Privacy: s.doc.SystemConfig.Privacy}, nil
}

func (s *Store) SetSystemConfig(cfg *store.SystemConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.SystemConfig = &systemConfigRecord{Motd: cfg.Motd, Privacy: cfg.Privacy}
	return s.saveLocked()
}

func (s *Store) ModifySystemConfig(fn func(*store.SystemConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cfg store.SystemConfig
	if s.doc.SystemConfig != nil {
		cfg = store.SystemConfig{Motd: s.doc.SystemConfig.Motd, Privacy: s.doc.SystemConfig.Privacy}
	}
	if err := fn(&cfg); err != nil {
		return err
	}
	s.doc.SystemConfig = &systemConfigRecord{Motd: cfg.Motd, Privacy: cfg.Privacy}
	return s.saveLocked()
}

// RegisterTasks is a no-op: the JSON backend writes synchronously on every
// mutation and has nothing to flush periodically.
func (s *Store) RegisterTasks(sched *scheduler.Scheduler) {}

// Close is a no-op: there is no open handle or connection to release.
func (s *Store) Close() error { return nil }
