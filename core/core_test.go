package core

import (
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tomasmach/secretlounge/cache"
	"github.com/tomasmach/secretlounge/scheduler"
	"github.com/tomasmach/secretlounge/spam"
	"github.com/tomasmach/secretlounge/store"
)

// fakeStore is a minimal in-memory store.Store for exercising the engine
// without pulling in either backend implementation.
type fakeStore struct {
	mu    sync.Mutex
	users map[int64]*store.User
	cfg   *store.SystemConfig
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: make(map[int64]*store.User)}
}

func (s *fakeStore) GetUser(id int64) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fakeStore) IterateUsers() iter.Seq[*store.User] {
	return func(yield func(*store.User) bool) {
		s.mu.Lock()
		users := make([]*store.User, 0, len(s.users))
		for _, u := range s.users {
			cp := *u
			users = append(users, &cp)
		}
		s.mu.Unlock()
		for _, u := range users {
			if !yield(u) {
				return
			}
		}
	}
}

func (s *fakeStore) IterateUserIDs() iter.Seq[int64] {
	return func(yield func(int64) bool) {
		s.mu.Lock()
		ids := make([]int64, 0, len(s.users))
		for id := range s.users {
			ids = append(ids, id)
		}
		s.mu.Unlock()
		for _, id := range ids {
			if !yield(id) {
				return
			}
		}
	}
}

func (s *fakeStore) AddUser(u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *fakeStore) ModifyUser(id int64, fn func(*store.User) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	cp := *u
	if err := fn(&cp); err != nil {
		return err
	}
	s.users[id] = &cp
	return nil
}

func (s *fakeStore) GetSystemConfig() (*store.SystemConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return nil, nil
	}
	cp := *s.cfg
	return &cp, nil
}

func (s *fakeStore) SetSystemConfig(cfg *store.SystemConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.cfg = &cp
	return nil
}

func (s *fakeStore) ModifySystemConfig(fn func(*store.SystemConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := store.SystemConfig{}
	if s.cfg != nil {
		cfg = *s.cfg
	}
	if err := fn(&cfg); err != nil {
		return err
	}
	s.cfg = &cfg
	return nil
}

func (s *fakeStore) RegisterTasks(sched *scheduler.Scheduler) {}
func (s *fakeStore) Close() error                             { return nil }

// fakeSender records every call the engine makes against it.
type fakeSender struct {
	mu       sync.Mutex
	replies  []Reply
	deleted  []int64
	stopped  []int64
}

func (f *fakeSender) Reply(m Reply, msid *int64, who *store.User, exceptWho *store.User, replyTo *int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, m)
}

func (f *fakeSender) Delete(msids []int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, msids...)
}

func (f *fakeSender) StopInvoked(user *store.User, deleteOut bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, user.ID)
}

func newTestEngine() (*Engine, *fakeStore, *fakeSender) {
	st := newFakeStore()
	ch := cache.New()
	scores := spam.NewKeeper()
	e := New(st, ch, scores, Config{
		BlacklistContact: "@admin",
		EnableSigning:    true,
		SignInterval:     time.Second,
		SecretSalt:       []byte("test-salt"),
	})
	sender := &fakeSender{}
	e.RegisterSender(sender)
	return e, st, sender
}

func TestUserJoinFirstUserBecomesAdmin(t *testing.T) {
	e, st, _ := newTestEngine()
	replies := e.UserJoin(UserContainer{ID: 1, Username: "alice", Realname: "Alice"})
	require.Len(t, replies, 1)
	require.Equal(t, ChatJoin, replies[0].Kind)

	u, err := st.GetUser(1)
	require.NoError(t, err)
	require.Equal(t, store.RankAdmin, u.Rank)
}

func TestUserJoinSecondUserIsRegular(t *testing.T) {
	e, st, _ := newTestEngine()
	e.UserJoin(UserContainer{ID: 1, Username: "alice"})
	e.UserJoin(UserContainer{ID: 2, Username: "bob"})

	u, err := st.GetUser(2)
	require.NoError(t, err)
	require.Equal(t, store.RankUser, u.Rank)
}

func TestUserJoinAlreadyJoinedErrors(t *testing.T) {
	e, _, _ := newTestEngine()
	e.UserJoin(UserContainer{ID: 1})
	replies := e.UserJoin(UserContainer{ID: 1})
	require.Len(t, replies, 1)
	require.Equal(t, UserInChat, replies[0].Kind)
}

func TestUserLeaveThenRejoin(t *testing.T) {
	e, st, _ := newTestEngine()
	e.UserJoin(UserContainer{ID: 1})
	reply := e.UserLeave(UserContainer{ID: 1})
	require.Equal(t, ChatLeave, reply.Kind)

	u, _ := st.GetUser(1)
	require.False(t, u.IsJoined())

	replies := e.UserJoin(UserContainer{ID: 1})
	require.Equal(t, ChatJoin, replies[0].Kind)
	u, _ = st.GetUser(1)
	require.True(t, u.IsJoined())
}

func TestRequireUserRejectsBlacklisted(t *testing.T) {
	e, st, _ := newTestEngine()
	e.UserJoin(UserContainer{ID: 1})
	st.ModifyUser(1, func(u *store.User) error {
		u.SetBlacklisted("spam")
		return nil
	})

	reply := e.GetInfo(UserContainer{ID: 1})
	require.Equal(t, ErrBlacklisted, reply.Kind)
}

func TestGetInfoReturnsCurrentState(t *testing.T) {
	e, _, _ := newTestEngine()
	e.UserJoin(UserContainer{ID: 1, Username: "alice"})
	reply := e.GetInfo(UserContainer{ID: 1, Username: "alice"})
	require.Equal(t, UserInfo, reply.Kind)
	require.Equal(t, "admin", reply.str("rank"))
}

func TestGiveKarmaAwardsAndPreventsDoubleUpvote(t *testing.T) {
	e, st, sender := newTestEngine()
	e.UserJoin(UserContainer{ID: 1})
	e.UserJoin(UserContainer{ID: 2})

	id1 := int64(1)
	msid := e.cache.AssignMessageID(cache.NewCachedMessage(&id1))

	reply := e.GiveKarma(UserContainer{ID: 2}, msid)
	require.Equal(t, KarmaThankYou, reply.Kind)

	u, _ := st.GetUser(1)
	require.Equal(t, 1, u.Karma)
	require.Len(t, sender.replies, 1)
	require.Equal(t, KarmaNotification, sender.replies[0].Kind)

	reply = e.GiveKarma(UserContainer{ID: 2}, msid)
	require.Equal(t, ErrAlreadyUpvoted, reply.Kind)
}

func TestGiveKarmaRejectsSelfUpvote(t *testing.T) {
	e, _, _ := newTestEngine()
	e.UserJoin(UserContainer{ID: 1})
	id1 := int64(1)
	msid := e.cache.AssignMessageID(cache.NewCachedMessage(&id1))

	reply := e.GiveKarma(UserContainer{ID: 1}, msid)
	require.Equal(t, ErrUpvoteOwnMessage, reply.Kind)
}

func TestWarnUserAppliesCooldownOnce(t *testing.T) {
	e, st, sender := newTestEngine()
	e.UserJoin(UserContainer{ID: 1}) // becomes admin, rank high enough to warn
	e.UserJoin(UserContainer{ID: 2})

	id2 := int64(2)
	msid := e.cache.AssignMessageID(cache.NewCachedMessage(&id2))

	reply := e.WarnUser(UserContainer{ID: 1}, msid, false)
	require.Equal(t, Success, reply.Kind)

	u, _ := st.GetUser(2)
	require.Equal(t, 1, u.Warnings)
	require.True(t, u.IsInCooldown())
	require.Len(t, sender.replies, 1)
	require.Equal(t, GivenCooldown, sender.replies[0].Kind)

	reply = e.WarnUser(UserContainer{ID: 1}, msid, false)
	require.Equal(t, ErrAlreadyWarned, reply.Kind)
}

func TestWarnUserNotModSilentlyDeclines(t *testing.T) {
	e, _, _ := newTestEngine()
	e.UserJoin(UserContainer{ID: 1}) // admin
	e.UserJoin(UserContainer{ID: 2}) // regular user

	id1 := int64(1)
	msid := e.cache.AssignMessageID(cache.NewCachedMessage(&id1))

	reply := e.WarnUser(UserContainer{ID: 2}, msid, false)
	require.Nil(t, reply)
}

func TestBlacklistUserRefusesHigherOrEqualRank(t *testing.T) {
	e, st, _ := newTestEngine()
	e.UserJoin(UserContainer{ID: 1}) // admin
	e.UserJoin(UserContainer{ID: 2})
	st.ModifyUser(2, func(u *store.User) error { u.Rank = store.RankAdmin; return nil })

	id2 := int64(2)
	msid := e.cache.AssignMessageID(cache.NewCachedMessage(&id2))

	reply := e.BlacklistUser(UserContainer{ID: 1}, msid, "reason")
	require.Nil(t, reply)

	u, _ := st.GetUser(2)
	require.False(t, u.IsBlacklisted())
}

func TestBlacklistUserBansAndStopsSender(t *testing.T) {
	e, st, sender := newTestEngine()
	e.UserJoin(UserContainer{ID: 1}) // admin
	e.UserJoin(UserContainer{ID: 2})

	id2 := int64(2)
	msid := e.cache.AssignMessageID(cache.NewCachedMessage(&id2))

	reply := e.BlacklistUser(UserContainer{ID: 1}, msid, "spamming")
	require.Equal(t, Success, reply.Kind)

	u, _ := st.GetUser(2)
	require.True(t, u.IsBlacklisted())
	require.Contains(t, sender.stopped, int64(2))
	require.Contains(t, sender.deleted, msid)
}

func TestPromoteUserSendsNotification(t *testing.T) {
	e, st, sender := newTestEngine()
	e.UserJoin(UserContainer{ID: 1}) // admin
	e.UserJoin(UserContainer{ID: 2, Username: "bob"})

	reply := e.PromoteUser(UserContainer{ID: 1}, "bob", store.RankMod)
	require.Equal(t, Success, reply.Kind)

	u, _ := st.GetUser(2)
	require.Equal(t, store.RankMod, u.Rank)
	require.Len(t, sender.replies, 1)
	require.Equal(t, PromotedMod, sender.replies[0].Kind)
}

func TestSetAndGetTripcode(t *testing.T) {
	e, _, _ := newTestEngine()
	e.UserJoin(UserContainer{ID: 1})

	reply := e.SetTripcode(UserContainer{ID: 1}, "name#password")
	require.Equal(t, TripcodeSet, reply.Kind)
	require.Equal(t, "name", reply.str("tripname"))
	require.NotEmpty(t, reply.str("tripcode"))

	reply = e.GetTripcode(UserContainer{ID: 1})
	require.Equal(t, TripcodeInfo, reply.Kind)
	require.Equal(t, "name#password", reply.str("tripcode"))
}

func TestSetTripcodeRejectsBadFormat(t *testing.T) {
	e, _, _ := newTestEngine()
	e.UserJoin(UserContainer{ID: 1})

	reply := e.SetTripcode(UserContainer{ID: 1}, "no-hash-here")
	require.Equal(t, ErrInvalidTripFormat, reply.Kind)
}

func TestPrepareUserMessageRejectsDuringCooldown(t *testing.T) {
	e, st, _ := newTestEngine()
	e.UserJoin(UserContainer{ID: 1})
	st.ModifyUser(1, func(u *store.User) error {
		u.AddWarning()
		return nil
	})

	_, reply := e.PrepareUserMessage(UserContainer{ID: 1}, 1.0, MessageOptions{})
	require.NotNil(t, reply)
	require.Equal(t, ErrCooldown, reply.Kind)
}

func TestPrepareUserMessageRejectsSpam(t *testing.T) {
	e, _, _ := newTestEngine()
	e.UserJoin(UserContainer{ID: 1})

	_, reply := e.PrepareUserMessage(UserContainer{ID: 1}, 10.0, MessageOptions{})
	require.NotNil(t, reply)
	require.Equal(t, ErrSpammy, reply.Kind)
}

func TestPrepareUserMessageAllocatesMsid(t *testing.T) {
	e, _, _ := newTestEngine()
	e.UserJoin(UserContainer{ID: 1})

	msid, reply := e.PrepareUserMessage(UserContainer{ID: 1}, 1.0, MessageOptions{})
	require.Nil(t, reply)
	cm := e.cache.GetMessage(msid)
	require.NotNil(t, cm)
	require.Equal(t, int64(1), *cm.UserID)
}

func TestPrepareUserMessageEnforcesSignInterval(t *testing.T) {
	e, _, _ := newTestEngine()
	e.UserJoin(UserContainer{ID: 1})

	_, reply := e.PrepareUserMessage(UserContainer{ID: 1}, 0.1, MessageOptions{Signed: true})
	require.Nil(t, reply)

	_, reply = e.PrepareUserMessage(UserContainer{ID: 1}, 0.1, MessageOptions{Signed: true})
	require.NotNil(t, reply)
	require.Equal(t, ErrSpammySign, reply.Kind)
}

func TestCleanupMessagesQueuesBlacklistedAuthorsOnly(t *testing.T) {
	e, st, sender := newTestEngine()
	e.UserJoin(UserContainer{ID: 1}) // admin
	e.UserJoin(UserContainer{ID: 2})
	e.UserJoin(UserContainer{ID: 3})
	st.ModifyUser(2, func(u *store.User) error { u.SetBlacklisted("r"); return nil })

	id2, id3 := int64(2), int64(3)
	msid2 := e.cache.AssignMessageID(cache.NewCachedMessage(&id2))
	msid3 := e.cache.AssignMessageID(cache.NewCachedMessage(&id3))

	reply := e.CleanupMessages(UserContainer{ID: 1})
	require.Equal(t, DeletionQueued, reply.Kind)
	require.Equal(t, 1, reply.integer("count"))
	require.Contains(t, sender.deleted, msid2)
	require.NotContains(t, sender.deleted, msid3)
}

func TestUncooldownUserByUsername(t *testing.T) {
	e, st, _ := newTestEngine()
	e.UserJoin(UserContainer{ID: 1}) // admin
	e.UserJoin(UserContainer{ID: 2, Username: "bob"})
	st.ModifyUser(2, func(u *store.User) error { u.AddWarning(); return nil })

	name := "bob"
	reply := e.UncooldownUser(UserContainer{ID: 1}, nil, &name)
	require.Equal(t, Success, reply.Kind)

	u, _ := st.GetUser(2)
	require.False(t, u.IsInCooldown())
}

func TestExpireWarningsTaskClearsStaleWarnings(t *testing.T) {
	e, st, _ := newTestEngine()
	e.UserJoin(UserContainer{ID: 1})
	st.ModifyUser(1, func(u *store.User) error {
		u.AddWarning()
		past := time.Now().Add(-time.Minute)
		u.WarnExpiry = &past
		return nil
	})

	e.expireWarningsTask()

	u, _ := st.GetUser(1)
	require.Equal(t, 0, u.Warnings)
}
