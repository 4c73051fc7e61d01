// Package relay implements the delivery pipeline: it turns a Core command
// outcome or a relayed user message into per-recipient delivery work,
// queued by priority and drained by a small worker pool against a Transport.
package relay

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomasmach/secretlounge/cache"
	"github.com/tomasmach/secretlounge/core"
	"github.com/tomasmach/secretlounge/pqueue"
	"github.com/tomasmach/secretlounge/store"
)

// MediaKind enumerates the message content kinds the chat platform
// transport supports, beyond plain text.
type MediaKind int

const (
	MediaNone MediaKind = iota
	MediaPhoto
	MediaAudio
	MediaAnimation
	MediaDocument
	MediaVideo
	MediaVoice
	MediaVideoNote
	MediaLocation
	MediaVenue
	MediaContact
	MediaSticker
)

// OutgoingMessage is what gets handed to the Transport for one delivery
// attempt. FileID carries the platform's opaque reference for a media
// message; ReplyToExternal, when set, asks the platform to thread this
// message as a reply to that external message id.
type OutgoingMessage struct {
	Text            string
	Media           MediaKind
	FileID          string
	ReplyToExternal *int64

	// Set only for MediaLocation/MediaVenue.
	Latitude, Longitude float64
	// Set only for MediaVenue.
	VenueTitle, VenueAddress string
	// Set only for MediaContact.
	ContactPhoneNumber, ContactFirstName string
}

// RateLimitError signals the platform asked the caller to back off for
// RetryAfter before retrying.
type RateLimitError struct{ RetryAfter time.Duration }

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// BlockedError signals the recipient is unreachable (blocked the bot,
// deactivated their account, or otherwise can't be messaged), distinct
// from a transient delivery failure: the caller should stop retrying and
// force the recipient to leave.
type BlockedError struct{ Reason string }

func (e *BlockedError) Error() string { return "recipient unreachable: " + e.Reason }

// Transport is the platform-specific collaborator the relay sends
// through. The transport package provides the concrete implementation.
type Transport interface {
	Send(chatID int64, msg OutgoingMessage) (externalID int64, err error)
	Delete(chatID int64, externalID int64) error
	IsPrivacyRestricted(chatID int64) (bool, error)
}

// leaver is the narrow slice of *core.Engine the relay needs to force a
// user out when delivery discovers they're unreachable.
type leaver interface {
	ForceUserLeave(userID int64, blocked bool)
}

// preparer is the narrow slice of *core.Engine the relay needs to run the
// send-gate before fanning a user message out.
type preparer interface {
	PrepareUserMessage(c core.UserContainer, score float64, opts core.MessageOptions) (int64, *core.Reply)
}

// QueueItem is one unit of delivery work: who it's for, which msid it
// belongs to (nil for work with no cache identity), and the thunk that
// performs the send when a worker dequeues it.
type QueueItem struct {
	UserID int64
	Msid   *int64
	Thunk  func()
}

// Relay is the fan-out engine and core.Sender implementation: it accepts
// command replies and user messages from the Core and turns them into
// queued, prioritized delivery work against a Transport.
type Relay struct {
	store         store.Store
	cache         *cache.Cache
	transport     Transport
	engine        leaver
	prepare       preparer
	queue         *pqueue.Queue[QueueItem]
	limiter       *rate.Limiter
	linkedNetwork map[string]string
	secretSalt    []byte
	workers       int
}

// Engine is the subset of *core.Engine New requires: it must satisfy both
// leaver (force-leave on unreachable recipients) and preparer (the
// send-gate). *core.Engine implements both.
type Engine interface {
	leaver
	preparer
}

// New constructs a Relay. rps<=0 disables the proactive rate limit
// (burst is ignored in that case).
func New(st store.Store, ch *cache.Cache, t Transport, engine Engine,
	linkedNetwork map[string]string, secretSalt []byte, workers int, rps float64, burst int) *Relay {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	if workers < 1 {
		workers = 1
	}
	return &Relay{
		store:         st,
		cache:         ch,
		transport:     t,
		engine:        engine,
		prepare:       engine,
		queue:         pqueue.New[QueueItem](),
		limiter:       limiter,
		linkedNetwork: linkedNetwork,
		secretSalt:    secretSalt,
		workers:       workers,
	}
}

// SetTransport wires the concrete platform collaborator in after
// construction, mirroring core.Engine.RegisterSender: the transport and the
// relay depend on each other (the transport calls RelayUserMessage, the
// relay calls Send/Delete), so one side has to be filled in post-construction
// to break the cycle.
func (r *Relay) SetTransport(t Transport) { r.transport = t }

// Start launches the worker pool; each worker runs until Stop closes the queue.
func (r *Relay) Start() {
	for i := 0; i < r.workers; i++ {
		go r.runWorker()
	}
}

// Stop drains and unblocks all workers.
func (r *Relay) Stop() { r.queue.Close() }

func (r *Relay) runWorker() {
	for {
		item, ok := r.queue.Get()
		if !ok {
			return
		}
		item.Thunk()
	}
}

func (r *Relay) enqueue(u *store.User, msid *int64, thunk func()) {
	r.queue.Put(u.GetMessagePriority(), QueueItem{UserID: u.ID, Msid: msid, Thunk: thunk})
}

// Reply implements core.Sender: renders m and delivers it either to a
// single user (who != nil) or as a broadcast to every joined user except
// exceptWho.
func (r *Relay) Reply(m core.Reply, msid *int64, who *store.User, exceptWho *store.User, replyTo *int64) {
	text := core.Format(m)
	if text == "" {
		return
	}
	if who != nil {
		r.sendSystemText(who, text, msid, replyTo)
		return
	}
	for u := range r.store.IterateUsers() {
		if !u.IsJoined() {
			continue
		}
		if exceptWho != nil && u.ID == exceptWho.ID {
			continue
		}
		r.sendSystemText(u, text, msid, replyTo)
	}
}

func (r *Relay) sendSystemText(u *store.User, text string, msid *int64, replyTo *int64) {
	replyExternal := r.resolveReplyExternal(u.ID, replyTo)
	chatID := u.ID
	r.enqueue(u, msid, func() {
		r.deliver(chatID, OutgoingMessage{Text: text, ReplyToExternal: replyExternal}, msid, u.ID)
	})
}

func (r *Relay) resolveReplyExternal(recipientID int64, msid *int64) *int64 {
	if msid == nil {
		return nil
	}
	v, ok := r.cache.LookupByMsid(recipientID, *msid)
	if !ok {
		return nil
	}
	ext, ok := v.(int64)
	if !ok {
		return nil
	}
	return &ext
}

// RelayUserMessage runs the send-gate via engine.PrepareUserMessage, then
// rewrites and fans the message out to every joined user, per §4.7.
// authorExternalID is the id the author's own chat received this message
// as (needed to record their self-mapping even though they get no copy).
// replyToExternal, if set, is the external id of a message the author
// replied to, used to thread the relayed copies for every recipient that
// also received that original message.
func (r *Relay) RelayUserMessage(c core.UserContainer, authorExternalID int64, msg OutgoingMessage,
	score float64, opts core.MessageOptions, replyToExternal *int64) (int64, *core.Reply) {

	msid, errReply := r.prepare.PrepareUserMessage(c, score, opts)
	if errReply != nil {
		return 0, errReply
	}

	author, err := r.store.GetUser(c.ID)
	if err != nil {
		slog.Error("relay: author vanished after prepare", "user", c.ID, "error", err)
		return msid, nil
	}

	if opts.Signed || opts.Tripcode {
		restricted, err := r.transport.IsPrivacyRestricted(c.ID)
		if err != nil {
			slog.Error("relay: privacy check failed", "user", c.ID, "error", err)
		} else if restricted {
			reply := core.R(core.ErrSignPrivacy)
			return msid, &reply
		}
	}

	outMsg := msg
	outMsg.Text = r.rewriteText(author, msg.Text, opts)

	var origMsid *int64
	if replyToExternal != nil {
		if v, ok := r.cache.LookupByData(author.ID, *replyToExternal); ok {
			origMsid = &v
		}
	}

	for u := range r.store.IterateUsers() {
		if !u.IsJoined() {
			continue
		}
		if u.ID == author.ID {
			if !author.DebugEnabled {
				r.cache.SaveMapping(author.ID, msid, authorExternalID)
				continue
			}
		}

		replyExternal := r.resolveReplyExternalFromMsid(u.ID, origMsid)
		chatID := u.ID
		recipientID := u.ID
		r.enqueue(u, &msid, func() {
			m := outMsg
			m.ReplyToExternal = replyExternal
			r.deliver(chatID, m, &msid, recipientID)
		})
	}
	return msid, nil
}

func (r *Relay) resolveReplyExternalFromMsid(recipientID int64, origMsid *int64) *int64 {
	if origMsid == nil {
		return nil
	}
	v, ok := r.cache.LookupByMsid(recipientID, *origMsid)
	if !ok {
		return nil
	}
	ext, ok := v.(int64)
	if !ok {
		return nil
	}
	return &ext
}

var linkedNetworkPattern = regexp.MustCompile(`>>>/([A-Za-z0-9_]+)/`)

func (r *Relay) rewriteText(author *store.User, text string, opts core.MessageOptions) string {
	if len(r.linkedNetwork) > 0 {
		text = linkedNetworkPattern.ReplaceAllStringFunc(text, func(m string) string {
			sub := linkedNetworkPattern.FindStringSubmatch(m)
			if handle, ok := r.linkedNetwork[sub[1]]; ok {
				return "@" + handle
			}
			return m
		})
	}
	switch {
	case opts.Tripcode && author.Tripcode != nil:
		name, code := core.GenTripcode(*author.Tripcode, r.secretSalt)
		return fmt.Sprintf("<b>%s</b> <code>%s</code>:\n%s", html.EscapeString(name), html.EscapeString(code), text)
	case opts.Signed:
		return fmt.Sprintf("%s\n— %s", text, html.EscapeString(author.GetFormattedName()))
	default:
		return text
	}
}

const maxRateLimitSleep = 30 * time.Second

func (r *Relay) deliver(chatID int64, msg OutgoingMessage, recordMsid *int64, recipientUID int64) {
	for {
		if err := r.limiter.Wait(context.Background()); err != nil {
			return
		}
		extID, err := r.transport.Send(chatID, msg)
		if err == nil {
			if recordMsid != nil {
				r.cache.SaveMapping(recipientUID, *recordMsid, extID)
			}
			return
		}

		var rl *RateLimitError
		if errors.As(err, &rl) {
			d := rl.RetryAfter
			if d > maxRateLimitSleep {
				d = maxRateLimitSleep
			}
			time.Sleep(d)
			continue
		}

		var be *BlockedError
		if errors.As(err, &be) {
			if r.engine != nil {
				r.engine.ForceUserLeave(recipientUID, true)
			}
			return
		}

		slog.Error("relay: delivery failed", "chat_id", chatID, "error", err)
		return
	}
}

// Delete implements core.Sender: tombstones not-yet-sent queue items for
// msids, queues transport deletions for every recipient with a recorded
// mapping, then drops the cache mappings.
func (r *Relay) Delete(msids []int64) {
	want := make(map[int64]bool, len(msids))
	for _, m := range msids {
		want[m] = true
	}
	r.queue.Delete(func(item QueueItem) bool {
		return item.Msid != nil && want[*item.Msid]
	})

	for _, msid := range msids {
		for u := range r.store.IterateUsers() {
			if !u.IsJoined() {
				continue
			}
			v, ok := r.cache.LookupByMsid(u.ID, msid)
			if !ok {
				continue
			}
			ext, ok := v.(int64)
			if !ok {
				continue
			}
			chatID := u.ID
			r.enqueue(u, &msid, func() {
				if err := r.transport.Delete(chatID, ext); err != nil {
					slog.Error("relay: remote delete failed", "chat_id", chatID, "error", err)
				}
			})
		}
		r.cache.DeleteMappings(msid)
	}
}

// StopInvoked implements core.Sender: drops all queued work addressed to
// user, and — if deleteOut — also all queued work carrying a msid user
// authored, since it can never be delivered now.
func (r *Relay) StopInvoked(user *store.User, deleteOut bool) {
	r.queue.Delete(func(item QueueItem) bool { return item.UserID == user.ID })
	if !deleteOut {
		return
	}
	r.queue.Delete(func(item QueueItem) bool {
		if item.Msid == nil {
			return false
		}
		cm := r.cache.GetMessage(*item.Msid)
		return cm != nil && cm.UserID != nil && *cm.UserID == user.ID
	})
}
