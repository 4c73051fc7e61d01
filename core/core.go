package core

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tomasmach/secretlounge/cache"
	"github.com/tomasmach/secretlounge/scheduler"
	"github.com/tomasmach/secretlounge/spam"
	"github.com/tomasmach/secretlounge/store"
)

const (
	KarmaPlusOne      = 1
	KarmaWarnPenalty  = 10
	MotdRemindDays    = 181
	warnExpirySweep   = 15 * time.Minute
)

// UserContainer is the minimal event-side identity a Transport hands the
// engine before a persisted store.User is resolved: an incoming chat
// event's id, username, and display name.
type UserContainer struct {
	ID       int64
	Username string
	Realname string
}

// Sender is the engine's only connection to the outside world: it calls
// these to have replies and moderation actions actually delivered. The
// relay/transport layer implements it; the engine never imports either.
type Sender interface {
	Reply(m Reply, msid *int64, who *store.User, exceptWho *store.User, replyTo *int64)
	Delete(msids []int64)
	StopInvoked(user *store.User, deleteOut bool)
}

// MessageOptions describes what kind of user message is being prepared,
// for PrepareUserMessage's send-gate.
type MessageOptions struct {
	IsMedia  bool
	Signed   bool
	Tripcode bool
}

// Config is the subset of ambient configuration the engine needs,
// resolved once at startup from the loaded config.Config.
type Config struct {
	BlacklistContact   string
	EnableSigning      bool
	AllowRemoveCommand bool
	MediaLimitPeriod   time.Duration
	SignInterval       time.Duration
	SecretSalt         []byte
}

// Engine is the moderation and relay-preparation state machine. It owns
// no network or persistence code directly — store.Store, cache.Cache and
// spam.Keeper are injected, and outbound delivery goes through Sender.
type Engine struct {
	store  store.Store
	cache  *cache.Cache
	scores *spam.Keeper
	cfg    Config

	sender Sender

	mu           sync.Mutex
	signLastUsed map[int64]time.Time
	activeUsers  map[int64]time.Time

	warningsGiven atomic.Int64
	karmaGiven    atomic.Int64
}

// New constructs an Engine. RegisterSender must be called once before any
// command that produces an outbound Reply is invoked.
func New(st store.Store, ch *cache.Cache, scores *spam.Keeper, cfg Config) *Engine {
	return &Engine{
		store:        st,
		cache:        ch,
		scores:       scores,
		cfg:          cfg,
		signLastUsed: make(map[int64]time.Time),
		activeUsers:  make(map[int64]time.Time),
	}
}

// RegisterSender wires the relay/transport adapter as this engine's Sender.
func (e *Engine) RegisterSender(s Sender) { e.sender = s }

// RegisterTasks installs the spam-decay and warning-expiry background tasks.
func (e *Engine) RegisterTasks(sched *scheduler.Scheduler) {
	sched.Register(spam.DecayInterval*time.Second, e.scores.Decay)
	sched.Register(warnExpirySweep, e.expireWarningsTask)
}

func (e *Engine) expireWarningsTask() {
	now := time.Now()
	for u := range e.store.IterateUsers() {
		if !u.IsJoined() || u.WarnExpiry == nil || now.Before(*u.WarnExpiry) {
			continue
		}
		if err := e.store.ModifyUser(u.ID, func(uu *store.User) error {
			uu.RemoveWarning()
			return nil
		}); err != nil {
			slog.Error("expire warning", "user", u.ID, "error", err)
		}
	}
}

// ActiveUserCounts reports how many joined users have been active within
// 15m/2h/12h windows, for the stats collector.
func (e *Engine) ActiveUserCounts() map[string]int {
	windows := []struct {
		key string
		d   time.Duration
	}{
		{"15m", 15 * time.Minute},
		{"2h", 2 * time.Hour},
		{"12h", 12 * time.Hour},
	}
	e.mu.Lock()
	stamps := make([]time.Time, 0, len(e.activeUsers))
	for _, t := range e.activeUsers {
		stamps = append(stamps, t)
	}
	e.mu.Unlock()

	now := time.Now()
	res := make(map[string]int, len(windows))
	for _, w := range windows {
		n := 0
		for _, t := range stamps {
			if now.Sub(t) <= w.d {
				n++
			}
		}
		res[w.key] = n
	}
	return res
}

// WarningsGiven reads and resets the warnings-given counter.
func (e *Engine) WarningsGiven() int64 { return e.warningsGiven.Swap(0) }

// KarmaGiven reads and resets the karma-given counter.
func (e *Engine) KarmaGiven() int64 { return e.karmaGiven.Swap(0) }

func rankName(r store.Rank) string {
	switch {
	case r >= store.RankAdmin:
		return "admin"
	case r >= store.RankMod:
		return "mod"
	case r >= store.RankUser:
		return "user"
	default:
		return "banned"
	}
}

func (e *Engine) updateUserFromEvent(u *store.User, c UserContainer) {
	if c.Username != "" {
		name := c.Username
		u.Username = &name
	} else {
		u.Username = nil
	}
	u.Realname = c.Realname
	u.LastActive = time.Now()
	if u.IsJoined() {
		e.mu.Lock()
		e.activeUsers[u.ID] = time.Now()
		e.mu.Unlock()
	}
}

func (e *Engine) getUserByName(username string) *store.User {
	username = strings.ToLower(strings.TrimPrefix(username, "@"))
	for u := range e.store.IterateUsers() {
		if !u.IsJoined() || u.Username == nil {
			continue
		}
		if strings.ToLower(*u.Username) == username {
			return u
		}
	}
	return nil
}

func (e *Engine) getUserByOid(oid string) *store.User {
	for u := range e.store.IterateUsers() {
		if !u.IsJoined() {
			continue
		}
		if u.GetObfuscatedID(e.cfg.SecretSalt) == oid {
			return u
		}
	}
	return nil
}

// requireUser resolves c to a persisted, in-chat, non-blacklisted User,
// refreshing its event-derived fields along the way. The *Reply return is
// non-nil exactly when the caller should stop and relay it back as-is.
func (e *Engine) requireUser(c UserContainer) (*store.User, *Reply) {
	u, err := e.store.GetUser(c.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Error("lookup user", "user", c.ID, "error", err)
		}
		reply := R(UserNotInChat)
		return nil, &reply
	}

	if err := e.store.ModifyUser(u.ID, func(uu *store.User) error {
		e.updateUserFromEvent(uu, c)
		return nil
	}); err != nil {
		slog.Error("update user from event", "user", u.ID, "error", err)
	}
	u, err = e.store.GetUser(c.ID)
	if err != nil {
		reply := R(UserNotInChat)
		return nil, &reply
	}

	if u.IsBlacklisted() {
		reason := ""
		if u.BlacklistReason != nil {
			reason = *u.BlacklistReason
		}
		reply := R(ErrBlacklisted, "reason", reason, "contact", e.cfg.BlacklistContact)
		return nil, &reply
	}
	if !u.IsJoined() {
		reply := R(UserNotInChat)
		return nil, &reply
	}
	return u, nil
}

// requireRank reports whether u meets the minimum rank for a command; the
// caller drops silently (no Reply at all) when it doesn't.
func (e *Engine) requireRank(u *store.User, need store.Rank) bool {
	return u.Rank >= need
}

func replyPtr(r Reply) *Reply { return &r }

// pushSystemMessage sends a reply not tied to a single command invocation
// — to everyone, or to a specific user, possibly in reply to an existing
// msid. A fresh msid is allocated only when the message is visible to more
// than one recipient (who == nil), mirroring the source's accounting.
func (e *Engine) pushSystemMessage(m Reply, who *store.User, exceptWho *store.User, replyTo *int64) {
	var msid *int64
	if who == nil {
		id := e.cache.AssignMessageID(cache.NewCachedMessage(nil))
		msid = &id
	}
	if e.sender != nil {
		e.sender.Reply(m, msid, who, exceptWho, replyTo)
	}
}

// UserJoin handles /start: creates, re-joins, or rejects an incoming user.
func (e *Engine) UserJoin(c UserContainer) []Reply {
	u, err := e.store.GetUser(c.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("lookup user", "user", c.ID, "error", err)
		return nil
	}

	if err == nil {
		var errReply *Reply
		if u.IsBlacklisted() {
			reason := ""
			if u.BlacklistReason != nil {
				reason = *u.BlacklistReason
			}
			r := R(ErrBlacklisted, "reason", reason, "contact", e.cfg.BlacklistContact)
			errReply = &r
		} else if u.IsJoined() {
			r := R(UserInChat)
			errReply = &r
		}
		if errReply != nil {
			e.store.ModifyUser(u.ID, func(uu *store.User) error {
				e.updateUserFromEvent(uu, c)
				return nil
			})
			return []Reply{*errReply}
		}

		absence := time.Since(*u.Left)
		e.store.ModifyUser(u.ID, func(uu *store.User) error {
			e.updateUserFromEvent(uu, c)
			uu.SetLeft(false)
			return nil
		})
		slog.Info("user rejoined chat", "user", u.ID)
		ret := []Reply{R(ChatJoin)}
		cfg, _ := e.store.GetSystemConfig()
		if cfg != nil && cfg.Motd != "" && absence >= MotdRemindDays*24*time.Hour {
			ret = append(ret, R(Custom, "text", cfg.Motd))
		}
		return ret
	}

	newUser := store.NewUser(c.ID)
	e.updateUserFromEvent(newUser, c)
	isFirst := true
	for range e.store.IterateUserIDs() {
		isFirst = false
		break
	}
	if isFirst {
		newUser.Rank = store.RankAdmin
	}
	if err := e.store.AddUser(newUser); err != nil {
		slog.Error("add user", "user", c.ID, "error", err)
		return nil
	}
	slog.Info("user joined chat", "user", c.ID)
	ret := []Reply{R(ChatJoin)}
	cfg, _ := e.store.GetSystemConfig()
	if cfg != nil && cfg.Motd != "" {
		ret = append(ret, R(Custom, "text", cfg.Motd))
	}
	return ret
}

// ForceUserLeave marks userID as left and tells the Sender to drop their
// queued work, without the usual /leave command flow or reply.
func (e *Engine) ForceUserLeave(userID int64, blocked bool) {
	if err := e.store.ModifyUser(userID, func(u *store.User) error {
		u.SetLeft(true)
		return nil
	}); err != nil {
		slog.Error("force leave", "user", userID, "error", err)
		return
	}
	u, err := e.store.GetUser(userID)
	if err != nil {
		return
	}
	if blocked {
		slog.Warn("force leaving user because bot is blocked", "user", userID)
	}
	if e.sender != nil {
		e.sender.StopInvoked(u, false)
	}
}

func (e *Engine) UserLeave(c UserContainer) *Reply {
	user, errReply := e.requireUser(c)
	if errReply != nil {
		return errReply
	}
	e.ForceUserLeave(user.ID, false)
	slog.Info("user left chat", "user", user.ID)
	return replyPtr(R(ChatLeave))
}

func (e *Engine) GetInfo(c UserContainer) *Reply {
	user, errReply := e.requireUser(c)
	if errReply != nil {
		return errReply
	}
	kv := []any{
		"id", user.GetObfuscatedID(e.cfg.SecretSalt),
		"username", user.GetFormattedName(),
		"rank_i", int(user.Rank),
		"rank", rankName(user.Rank),
		"karma", user.Karma,
		"warnings", user.Warnings,
	}
	if user.WarnExpiry != nil {
		kv = append(kv, "warnExpiry", *user.WarnExpiry)
	}
	if user.IsInCooldown() {
		kv = append(kv, "cooldown", *user.CooldownUntil)
	}
	return replyPtr(R(UserInfo, kv...))
}

func (e *Engine) GetInfoMod(c UserContainer, msid int64) *Reply {
	user, errReply := e.requireUser(c)
	if errReply != nil {
		return errReply
	}
	if !e.requireRank(user, store.RankMod) {
		return nil
	}
	cm := e.cache.GetMessage(msid)
	if cm == nil || cm.UserID == nil {
		return replyPtr(R(ErrNotInCache))
	}
	user2, err := e.store.GetUser(*cm.UserID)
	if err != nil {
		return replyPtr(R(ErrNotInCache))
	}
	kv := []any{"id", user2.GetObfuscatedID(e.cfg.SecretSalt), "karma", user2.GetObfuscatedKarma()}
	if user2.IsInCooldown() {
		kv = append(kv, "cooldown", *user2.CooldownUntil)
	}
	return replyPtr(R(UserInfoMod, kv...))
}

func (e *Engine) GetUsers(c UserContainer) *Reply {
	user, errReply := e.requireUser(c)
	if errReply != nil {
		return errReply
	}
	if user.Rank < store.RankMod {
		n := 0
		for u2 := range e.store.IterateUsers() {
			if u2.IsJoined() {
				n++
			}
		}
		return replyPtr(R(UsersInfo, "count", n))
	}
	active, inactive, black := 0, 0, 0
	for u2 := range e.store.IterateUsers() {
		switch {
		case u2.IsBlacklisted():
			black++
		case !u2.IsJoined():
			inactive++
		default:
			active++
		}
	}
	return replyPtr(R(UsersInfoExtended, "active", active, "inactive", inactive,
		"blacklisted", black, "total", active+inactive+black))
}

func (e *Engine) GetSystemText(c UserContainer, key string) *Reply {
	_, errReply := e.requireUser(c)
	if errReply != nil {
		return errReply
	}
	cfg, _ := e.store.GetSystemConfig()
	var v string
	if cfg != nil {
		if key == "motd" {
			v = cfg.Motd
		} else {
			v = cfg.Privacy
		}
	}
	if v == "" {
		return nil
	}
	return replyPtr(R(Custom, "text", v))
}

func (e *Engine) SetSystemText(c UserContainer, key, arg string) *Reply {
	user, errReply := e.requireUser(c)
	if errReply != nil {
		return errReply
	}
	if !e.requireRank(user, store.RankAdmin) {
		return nil
	}
	err := e.store.ModifySystemConfig(func(cfg *store.SystemConfig) error {
		if key == "motd" {
			cfg.Motd = arg
		} else {
			cfg.Privacy = arg
		}
		return nil
	})
	if err != nil {
		slog.Error("set system text", "key", key, "error", err)
		return nil
	}
	slog.Info("system text changed", "user", user.ID, "key", key)
	return replyPtr(R(Success))
}

func (e *Engine) ToggleDebug(c UserContainer) *Reply {
	user, errReply := e.requireUser(c)
	if errReply != nil {
		return errReply
	}
	var enabled bool
	e.store.ModifyUser(user.ID, func(u *store.User) error {
		u.DebugEnabled = !u.DebugEnabled
		enabled = u.DebugEnabled
		return nil
	})
	return replyPtr(R(BooleanConfig, "description", "Debug mode", "enabled", enabled))
}

func (e *Engine) ToggleKarma(c UserContainer) *Reply {
	user, errReply := e.requireUser(c)
	if errReply != nil {
		return errReply
	}
	var hidden bool
	e.store.ModifyUser(user.ID, func(u *store.User) error {
		u.HideKarma = !u.HideKarma
		hidden = u.HideKarma
		return nil
	})
	return replyPtr(R(BooleanConfig, "description", "Karma notifications", "enabled", !hidden))
}

func (e *Engine) GetTripcode(c UserContainer) *Reply {
	user, errReply := e.requireUser(c)
	if errReply != nil {
		return errReply
	}
	if !e.cfg.EnableSigning {
		return replyPtr(R(ErrCommandDisabled))
	}
	trip := ""
	if user.Tripcode != nil {
		trip = *user.Tripcode
	}
	return replyPtr(R(TripcodeInfo, "tripcode", trip))
}

func (e *Engine) SetTripcode(c UserContainer, text string) *Reply {
	user, errReply := e.requireUser(c)
	if errReply != nil {
		return errReply
	}
	if !e.cfg.EnableSigning {
		return replyPtr(R(ErrCommandDisabled))
	}
	pos := strings.IndexByte(text, '#')
	if pos <= 0 || pos >= len(text)-1 || strings.Contains(text, "\n") || len(text) > 30 {
		return replyPtr(R(ErrInvalidTripFormat))
	}
	e.store.ModifyUser(user.ID, func(u *store.User) error {
		t := text
		u.Tripcode = &t
		return nil
	})
	name, code := genTripcode(text, e.cfg.SecretSalt)
	return replyPtr(R(TripcodeSet, "tripname", name, "tripcode", code))
}

func (e *Engine) PromoteUser(c UserContainer, username2 string, rank store.Rank) *Reply {
	user, errReply := e.requireUser(c)
	if errReply != nil {
		return errReply
	}
	if !e.requireRank(user, store.RankAdmin) {
		return nil
	}
	user2 := e.getUserByName(username2)
	if user2 == nil {
		return replyPtr(R(ErrNoUser))
	}
	if user2.Rank >= rank {
		return nil
	}
	if err := e.store.ModifyUser(user2.ID, func(u2 *store.User) error {
		u2.Rank = rank
		return nil
	}); err != nil {
		slog.Error("promote user", "user", user2.ID, "error", err)
		return nil
	}
	user2, _ = e.store.GetUser(user2.ID)
	switch {
	case rank >= store.RankAdmin:
		e.pushSystemMessage(R(PromotedAdmin), user2, nil, nil)
	case rank >= store.RankMod:
		e.pushSystemMessage(R(PromotedMod), user2, nil, nil)
	}
	slog.Info("user promoted", "actor", user.ID, "target", user2.ID, "rank", int(rank))
	return replyPtr(R(Success))
}

func (e *Engine) SendModMessage(c UserContainer, arg string) *Reply {
	user, errReply := e.requireUser(c)
	if errReply != nil {
		return errReply
	}
	if !e.requireRank(user, store.RankMod) {
		return nil
	}
	e.pushSystemMessage(R(Custom, "text", arg+" ~<b>mods</b>"), nil, nil, nil)
	slog.Info("mod message sent", "user", user.ID)
	return nil
}

func (e *Engine) SendAdminMessage(c UserContainer, arg string) *Reply {
	user, errReply := e.requireUser(c)
	if errReply != nil {
		return errReply
	}
	if !e.requireRank(user, store.RankAdmin) {
		return nil
	}
	e.pushSystemMessage(R(Custom, "text", arg+" ~<b>admins</b>"), nil, nil, nil)
	slog.Info("admin message sent", "user", user.ID)
	return nil
}

func (e *Engine) WarnUser(c UserContainer, msid int64, delete bool) *Reply {
	user, errReply := e.requireUser(c)
	if errReply != nil {
		return errReply
	}
	if !e.requireRank(user, store.RankMod) {
		return nil
	}
	cm := e.cache.GetMessage(msid)
	if cm == nil || cm.UserID == nil {
		return replyPtr(R(ErrNotInCache))
	}

	var user2 *store.User
	if !cm.Warned {
		var duration time.Duration
		if err := e.store.ModifyUser(*cm.UserID, func(u2 *store.User) error {
			duration = u2.AddWarning()
			u2.Karma -= KarmaWarnPenalty
			return nil
		}); err != nil {
			slog.Error("warn user", "user", *cm.UserID, "error", err)
			return replyPtr(R(ErrNotInCache))
		}
		user2, _ = e.store.GetUser(*cm.UserID)
		replyTo := msid
		e.pushSystemMessage(R(GivenCooldown, "duration", duration, "deleted", delete), user2, nil, &replyTo)
		cm.Warned = true
	} else {
		user2, _ = e.store.GetUser(*cm.UserID)
		if !delete {
			return replyPtr(R(ErrAlreadyWarned))
		}
	}

	if delete && e.sender != nil {
		e.sender.Delete([]int64{msid})
	}
	e.warningsGiven.Add(1)
	slog.Info("user warned", "actor", user.ID, "target", user2.ID, "deleted", delete)
	return replyPtr(R(Success))
}

func (e *Engine) DeleteMessage(c UserContainer, msid int64) *Reply {
	user, errReply := e.requireUser(c)
	if errReply != nil {
		return errReply
	}
	if !e.requireRank(user, store.RankMod) {
		return nil
	}
	if !e.cfg.AllowRemoveCommand {
		return replyPtr(R(ErrCommandDisabled))
	}
	cm := e.cache.GetMessage(msid)
	if cm == nil || cm.UserID == nil {
		return replyPtr(R(ErrNotInCache))
	}
	user2, err := e.store.GetUser(*cm.UserID)
	if err != nil {
		return replyPtr(R(ErrNotInCache))
	}
	replyTo := msid
	e.pushSystemMessage(R(MessageDeleted), user2, nil, &replyTo)
	if e.sender != nil {
		e.sender.Delete([]int64{msid})
	}
	slog.Info("message deleted", "actor", user.ID, "target", user2.ID)
	return replyPtr(R(Success))
}

func (e *Engine) CleanupMessages(c UserContainer) *Reply {
	user, errReply := e.requireUser(c)
	if errReply != nil {
		return errReply
	}
	if !e.requireRank(user, store.RankAdmin) {
		return nil
	}
	var msids []int64
	e.cache.IterateMessages(func(msid int64, cm *cache.CachedMessage) {
		if cm.UserID == nil || cm.CleanupSeen {
			return
		}
		user2, err := e.store.GetUser(*cm.UserID)
		if err != nil {
			return
		}
		if user2.IsBlacklisted() {
			msids = append(msids, msid)
			cm.CleanupSeen = true
		}
	})
	slog.Info("cleanup invoked", "user", user.ID, "matched", len(msids))
	if e.sender != nil {
		e.sender.Delete(msids)
	}
	return replyPtr(R(DeletionQueued, "count", len(msids)))
}

func (e *Engine) UncooldownUser(c UserContainer, oid2, username2 *string) *Reply {
	user, errReply := e.requireUser(c)
	if errReply != nil {
		return errReply
	}
	if !e.requireRank(user, store.RankAdmin) {
		return nil
	}
	var user2 *store.User
	switch {
	case oid2 != nil:
		user2 = e.getUserByOid(*oid2)
		if user2 == nil {
			return replyPtr(R(ErrNoUserByID))
		}
	case username2 != nil:
		user2 = e.getUserByName(*username2)
		if user2 == nil {
			return replyPtr(R(ErrNoUser))
		}
	default:
		return nil
	}
	if !user2.IsInCooldown() {
		return replyPtr(R(ErrNotInCooldown))
	}
	if err := e.store.ModifyUser(user2.ID, func(u2 *store.User) error {
		u2.RemoveWarning()
		u2.CooldownUntil = nil
		return nil
	}); err != nil {
		slog.Error("uncooldown user", "user", user2.ID, "error", err)
		return nil
	}
	slog.Info("cooldown removed", "actor", user.ID, "target", user2.ID)
	return replyPtr(R(Success))
}

var errTargetOutranksActor = errors.New("core: target rank is not below actor rank")

func (e *Engine) BlacklistUser(c UserContainer, msid int64, reason string) *Reply {
	user, errReply := e.requireUser(c)
	if errReply != nil {
		return errReply
	}
	if !e.requireRank(user, store.RankAdmin) {
		return nil
	}
	cm := e.cache.GetMessage(msid)
	if cm == nil || cm.UserID == nil {
		return replyPtr(R(ErrNotInCache))
	}

	err := e.store.ModifyUser(*cm.UserID, func(u2 *store.User) error {
		if u2.Rank >= user.Rank {
			return errTargetOutranksActor
		}
		u2.SetBlacklisted(reason)
		return nil
	})
	if errors.Is(err, errTargetOutranksActor) {
		return nil
	}
	if err != nil {
		slog.Error("blacklist user", "user", *cm.UserID, "error", err)
		return replyPtr(R(ErrNotInCache))
	}

	user2, _ := e.store.GetUser(*cm.UserID)
	cm.Warned = true
	if e.sender != nil {
		e.sender.StopInvoked(user2, true)
	}
	replyTo := msid
	e.pushSystemMessage(R(ErrBlacklisted, "reason", reason, "contact", e.cfg.BlacklistContact), user2, nil, &replyTo)
	if e.sender != nil {
		e.sender.Delete([]int64{msid})
	}
	slog.Info("user blacklisted", "actor", user.ID, "target", user2.ID, "reason", reason)
	return replyPtr(R(Success))
}

func (e *Engine) GiveKarma(c UserContainer, msid int64) *Reply {
	user, errReply := e.requireUser(c)
	if errReply != nil {
		return errReply
	}
	cm := e.cache.GetMessage(msid)
	if cm == nil || cm.UserID == nil {
		return replyPtr(R(ErrNotInCache))
	}
	if cm.HasUpvoted(user.ID) {
		return replyPtr(R(ErrAlreadyUpvoted))
	}
	if user.ID == *cm.UserID {
		return replyPtr(R(ErrUpvoteOwnMessage))
	}
	cm.AddUpvote(user.ID)

	if err := e.store.ModifyUser(*cm.UserID, func(u2 *store.User) error {
		u2.Karma += KarmaPlusOne
		return nil
	}); err != nil {
		slog.Error("give karma", "user", *cm.UserID, "error", err)
		return replyPtr(R(ErrNotInCache))
	}
	user2, _ := e.store.GetUser(*cm.UserID)
	e.karmaGiven.Add(1)
	if !user2.HideKarma {
		replyTo := msid
		e.pushSystemMessage(R(KarmaNotification), user2, nil, &replyTo)
	}
	return replyPtr(R(KarmaThankYou))
}

// PrepareUserMessage runs the full send-gate for a user-authored message
// and, on success, allocates and returns its msid.
func (e *Engine) PrepareUserMessage(c UserContainer, score float64, opts MessageOptions) (int64, *Reply) {
	user, errReply := e.requireUser(c)
	if errReply != nil {
		return 0, errReply
	}

	if user.IsInCooldown() {
		return 0, replyPtr(R(ErrCooldown, "until", *user.CooldownUntil))
	}
	if (opts.Signed || opts.Tripcode) && !e.cfg.EnableSigning {
		return 0, replyPtr(R(ErrCommandDisabled))
	}
	if opts.Tripcode && user.Tripcode == nil {
		return 0, replyPtr(R(ErrNoTripcode))
	}
	if opts.IsMedia && user.Rank < store.RankMod && e.cfg.MediaLimitPeriod > 0 &&
		time.Since(user.Joined) < e.cfg.MediaLimitPeriod {
		return 0, replyPtr(R(ErrMediaLimit))
	}

	if !e.scores.IncreaseSpamScore(user.ID, score) {
		return 0, replyPtr(R(ErrSpammy))
	}

	if opts.Signed && e.cfg.SignInterval > 0 {
		e.mu.Lock()
		last, had := e.signLastUsed[user.ID]
		if had && time.Since(last) < e.cfg.SignInterval {
			e.mu.Unlock()
			return 0, replyPtr(R(ErrSpammySign))
		}
		e.signLastUsed[user.ID] = time.Now()
		e.mu.Unlock()
	}

	id := user.ID
	msid := e.cache.AssignMessageID(cache.NewCachedMessage(&id))
	return msid, nil
}
