// Package cache holds the in-memory, ephemeral side of message delivery:
// the mapping from an internally assigned message id (msid) to its
// metadata, and the per-recipient external id each msid produced on the
// chat platform. Everything here is lost on restart; the durable side of
// the system lives in package store.
package cache

import (
	"log/slog"
	"sync"
	"time"
)

// MessageExpiry is how long a CachedMessage survives before the scheduled
// sweep considers it expired.
const MessageExpiry = 24 * time.Hour

// CachedMessage is the metadata kept for one relayed message, keyed by its
// msid. UserID is nil for system-generated messages that are not
// attributable to a single author (and therefore can't be warned).
type CachedMessage struct {
	UserID *int64
	Time   time.Time
	Warned bool
	// Upvoted holds the ids of users who have given this message karma.
	Upvoted map[int64]bool
	// CleanupSeen marks that the admin cleanup sweep has already
	// considered (and queued for deletion) this entry, so it is not
	// re-selected on a subsequent sweep before the queued deletion lands.
	CleanupSeen bool
}

// NewCachedMessage returns a freshly stamped CachedMessage authored by
// userID, or an unauthored system message if userID is nil.
func NewCachedMessage(userID *int64) *CachedMessage {
	return &CachedMessage{
		UserID:  userID,
		Time:    time.Now(),
		Upvoted: make(map[int64]bool),
	}
}

// IsExpired reports whether this message has outlived MessageExpiry.
func (cm *CachedMessage) IsExpired() bool {
	return time.Now().After(cm.Time.Add(MessageExpiry))
}

// HasUpvoted reports whether uid has already given this message karma.
func (cm *CachedMessage) HasUpvoted(uid int64) bool {
	return cm.Upvoted[uid]
}

// AddUpvote records that uid gave this message karma.
func (cm *CachedMessage) AddUpvote(uid int64) {
	cm.Upvoted[uid] = true
}

// Cache is the message-identity cache: msid -> CachedMessage plus a
// per-user bidirectional mapping between msid and the platform-specific
// external id that msid was delivered as for that user. All operations
// are serialized by a single mutex, mirroring the reentrant lock the
// design calls for; Go's sync.Mutex is not reentrant, so internal helpers
// that need the lock already held are unexported and never taken twice.
type Cache struct {
	mu     sync.Mutex
	nextID int64
	msgs   map[int64]*CachedMessage
	idmap  map[int64]map[int64]any // uid -> (msid -> external_id)
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{
		msgs:  make(map[int64]*CachedMessage),
		idmap: make(map[int64]map[int64]any),
	}
}

// AssignMessageID allocates a fresh, process-unique msid for cm and stores it.
func (c *Cache) AssignMessageID(cm *CachedMessage) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.msgs[id] = cm
	return id
}

// GetMessage returns the CachedMessage for msid, or nil if unknown/expired-and-swept.
func (c *Cache) GetMessage(msid int64) *CachedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs[msid]
}

// IterateMessages calls fn for every live entry under the lock. fn may
// mutate the CachedMessage in place but must not call back into the
// Cache, or it will deadlock.
func (c *Cache) IterateMessages(fn func(msid int64, cm *CachedMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for msid, cm := range c.msgs {
		fn(msid, cm)
	}
}

// SaveMapping records that msid was delivered to uid as external id data.
func (c *Cache) SaveMapping(uid, msid int64, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.idmap[uid]
	if !ok {
		t = make(map[int64]any)
		c.idmap[uid] = t
	}
	t[msid] = data
}

// LookupByMsid returns the external id uid received for msid, if any.
func (c *Cache) LookupByMsid(uid, msid int64) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.idmap[uid]
	if !ok {
		return nil, false
	}
	v, ok := t[msid]
	return v, ok
}

// LookupByData reverse-looks-up the msid that produced external id data for
// uid. Linear within the user's submap, which is assumed small.
func (c *Cache) LookupByData(uid int64, data any) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.idmap[uid]
	if !ok {
		return 0, false
	}
	for msid, v := range t {
		if v == data {
			return msid, true
		}
	}
	return 0, false
}

// DeleteMappings removes msid from every user's submap.
func (c *Cache) DeleteMappings(msid int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteMappingsLocked(msid)
}

func (c *Cache) deleteMappingsLocked(msid int64) {
	for _, t := range c.idmap {
		delete(t, msid)
	}
}

// Expire removes every expired message and its mappings, returning the set
// of expired msids so callers can purge any still-queued delivery work.
func (c *Cache) Expire() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []int64
	for msid, cm := range c.msgs {
		if !cm.IsExpired() {
			continue
		}
		ids = append(ids, msid)
		delete(c.msgs, msid)
		c.deleteMappingsLocked(msid)
	}
	if len(ids) > 0 {
		slog.Debug("expired cache entries", "count", len(ids))
	}
	return ids
}

// Size returns the number of live entries, for the stats collector.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}
