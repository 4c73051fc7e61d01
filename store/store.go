// Package store defines the persistent data model — User and SystemConfig
// — and the Store interface that the JSON and SQLite backends (packages
// store/json and store/sqlite) each implement. Package core depends only
// on this interface, never on a concrete backend.
package store

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/tomasmach/secretlounge/scheduler"
)

// Rank is a user's standing in the lounge; higher is more privileged.
// Negative ranks are blacklisted.
type Rank int

const (
	RankBanned Rank = -10
	RankUser   Rank = 0
	RankMod    Rank = 10
	RankAdmin  Rank = 100
)

// MaxRank is the highest rank a user can hold, used to derive delivery priority.
const MaxRank Rank = RankAdmin

// Cooldown ladder: warnings 0..5 use these minute counts directly; warning 6
// and beyond extrapolate linearly.
var CooldownBeginMinutes = []int{1, 5, 25, 120, 720, 4320}

const (
	CooldownLinearSlope     = 4320
	CooldownLinearIntercept = 10080
	WarnExpiry              = 7 * 24 * time.Hour
)

// ErrNotFound is returned by GetUser when no user exists with the given id.
var ErrNotFound = errors.New("store: not found")

// User is one lounge member, keyed by the chat platform's user id.
type User struct {
	ID              int64
	Username        *string
	Realname        string
	Rank            Rank
	Joined          time.Time
	Left            *time.Time
	LastActive      time.Time
	CooldownUntil   *time.Time
	BlacklistReason *string
	Warnings        int
	WarnExpiry      *time.Time
	Karma           int
	HideKarma       bool
	DebugEnabled    bool
	Tripcode        *string
}

// NewUser returns a User with id set and all other fields at their
// just-joined defaults.
func NewUser(id int64) *User {
	now := time.Now()
	return &User{
		ID:         id,
		Rank:       RankUser,
		Joined:     now,
		LastActive: now,
	}
}

// IsJoined reports whether the user currently counts as a lounge member.
func (u *User) IsJoined() bool {
	return u.Left == nil
}

// IsInCooldown reports whether the user is currently muted.
func (u *User) IsInCooldown() bool {
	return u.CooldownUntil != nil && !u.CooldownUntil.Before(time.Now())
}

// IsBlacklisted reports whether the user has been permanently banned.
func (u *User) IsBlacklisted() bool {
	return u.Rank < 0
}

const obfuscationAlphabet = "0123456789abcdefghijklmnopqrstuv"

// dateOrdinal mirrors Python's date.toordinal(): days since 0001-01-01,
// with that day itself being 1.
func dateOrdinal(t time.Time) int64 {
	epoch := time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)
	days := int64(t.UTC().Truncate(24 * time.Hour).Sub(epoch).Hours() / 24)
	return days + 1
}

// GetObfuscatedID returns a 4-character pseudonym for the user that changes
// daily and does not reveal the real id, used in moderator-facing displays
// that must not leak identities directly. secretSalt must be the same
// secret_salt used everywhere else in the process: the id is taken from a
// SHA-256 hash of secretSalt, user.id and today's date ordinal, so the
// pseudonym can't be reproduced without the salt.
func (u *User) GetObfuscatedID(secretSalt []byte) string {
	dateSalt := dateOrdinal(time.Now())
	if dateSalt&0xff == 0 {
		dateSalt >>= 8 // zero low byte hashes poorly
	}

	h := sha256.New()
	h.Write(secretSalt)
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(u.ID))
	binary.BigEndian.PutUint64(buf[8:], uint64(dateSalt))
	h.Write(buf[:])
	sum := h.Sum(nil)

	value := int64(binary.BigEndian.Uint32(sum[:4])) & 0xffffff
	var b [4]byte
	for i, shift := range [4]uint{0, 5, 10, 15} {
		b[i] = obfuscationAlphabet[(value>>shift)%32]
	}
	return string(b[:])
}

// GetObfuscatedKarma rounds the magnitude of karma down to the largest of
// 100, 50 or 10 it reaches, keeping the sign, and returns 0 below 10, so a
// user's exact score isn't disclosed to others.
func (u *User) GetObfuscatedKarma() int {
	abs := u.Karma
	if abs < 0 {
		abs = -abs
	}
	for _, cutoff := range []int{100, 50, 10} {
		if abs >= cutoff {
			if u.Karma > cutoff {
				return cutoff
			}
			if u.Karma < -cutoff {
				return -cutoff
			}
			return u.Karma
		}
	}
	return 0
}

// GetFormattedName returns the @handle if set, else the display name.
func (u *User) GetFormattedName() string {
	if u.Username != nil {
		return "@" + *u.Username
	}
	return u.Realname
}

// GetMessagePriority encodes rank and inactivity into a single delivery
// priority: admins before mods before users, and within a rank class,
// recently active users before idle ones. Lower values are served first.
func (u *User) GetMessagePriority() int {
	rank := u.Rank
	if rank < 0 {
		rank = 0
	}
	c1 := int(MaxRank) - int(rank)
	inactiveMin := int(time.Since(u.LastActive).Minutes())
	c2 := min(inactiveMin, 0xffff)
	return c1<<16 | c2
}

// UnknownUserPriority is the priority used when relaying to a caller not
// resolved to a persisted User (e.g. during the join handshake).
func UnknownUserPriority() int {
	return int(MaxRank) << 16
}

// SetLeft marks the user as having left (or rejoined, if v is false).
func (u *User) SetLeft(v bool) {
	if v {
		now := time.Now()
		u.Left = &now
	} else {
		u.Left = nil
	}
}

// SetBlacklisted bans the user permanently with the given reason.
func (u *User) SetBlacklisted(reason string) {
	u.SetLeft(true)
	u.Rank = RankBanned
	u.BlacklistReason = &reason
}

// AddWarning escalates the user one step up the cooldown ladder, returning
// the new cooldown duration.
func (u *User) AddWarning() time.Duration {
	var minutes int
	if u.Warnings < len(CooldownBeginMinutes) {
		minutes = CooldownBeginMinutes[u.Warnings]
	} else {
		x := u.Warnings - len(CooldownBeginMinutes)
		minutes = CooldownLinearSlope*x + CooldownLinearIntercept
	}
	d := time.Duration(minutes) * time.Minute
	until := time.Now().Add(d)
	u.CooldownUntil = &until
	u.Warnings++
	expiry := time.Now().Add(WarnExpiry)
	u.WarnExpiry = &expiry
	return d
}

// RemoveWarning reverses one warning, used when a cooldown is lifted early.
func (u *User) RemoveWarning() {
	if u.Warnings > 0 {
		u.Warnings--
	}
	if u.Warnings > 0 {
		expiry := time.Now().Add(WarnExpiry)
		u.WarnExpiry = &expiry
	} else {
		u.WarnExpiry = nil
	}
}

// SystemConfig holds the singleton, persisted lounge-wide settings.
type SystemConfig struct {
	Motd    string
	Privacy string
}

// Store is the persistence interface the Core Engine depends on. Both the
// JSON and SQLite backends implement it identically from the caller's
// perspective.
type Store interface {
	// GetUser returns the user with the given id, or ErrNotFound.
	GetUser(id int64) (*User, error)
	// IterateUsers yields every persisted user.
	IterateUsers() iter.Seq[*User]
	// IterateUserIDs yields every persisted user id.
	IterateUserIDs() iter.Seq[int64]
	// AddUser persists a brand new user.
	AddUser(u *User) error
	// ModifyUser loads the user with id, runs fn against a mutable copy,
	// and persists the result — atomically, under the store's lock —
	// unless fn returns an error, in which case nothing is written.
	ModifyUser(id int64, fn func(*User) error) error
	// GetSystemConfig returns the singleton config, or nil if never set.
	GetSystemConfig() (*SystemConfig, error)
	// SetSystemConfig overwrites the singleton config.
	SetSystemConfig(cfg *SystemConfig) error
	// ModifySystemConfig is ModifyUser's counterpart for SystemConfig.
	ModifySystemConfig(fn func(*SystemConfig) error) error
	// RegisterTasks installs any periodic maintenance the backend needs
	// onto sched.
	RegisterTasks(sched *scheduler.Scheduler)
	// Close flushes and releases any backend resources.
	Close() error
}

// ErrUser wraps a store error with the offending user id for logging.
func ErrUser(id int64, err error) error {
	return fmt.Errorf("user %d: %w", id, err)
}
