// Package transport wires the relay and core engine to a live Telegram bot
// via go-telegram-bot-api. It is the only package in this module that knows
// about Telegram's wire shapes: everything upstream of it speaks in
// core.UserContainer and relay.OutgoingMessage.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tomasmach/secretlounge/cache"
	"github.com/tomasmach/secretlounge/core"
	"github.com/tomasmach/secretlounge/relay"
	"github.com/tomasmach/secretlounge/spam"
	"github.com/tomasmach/secretlounge/store"
)

// Engine is the subset of *core.Engine the transport dispatches commands to.
type Engine interface {
	UserJoin(c core.UserContainer) []core.Reply
	UserLeave(c core.UserContainer) *core.Reply
	GetInfo(c core.UserContainer) *core.Reply
	GetInfoMod(c core.UserContainer, msid int64) *core.Reply
	GetUsers(c core.UserContainer) *core.Reply
	GetSystemText(c core.UserContainer, key string) *core.Reply
	SetSystemText(c core.UserContainer, key, arg string) *core.Reply
	ToggleDebug(c core.UserContainer) *core.Reply
	ToggleKarma(c core.UserContainer) *core.Reply
	GetTripcode(c core.UserContainer) *core.Reply
	SetTripcode(c core.UserContainer, text string) *core.Reply
	PromoteUser(c core.UserContainer, username2 string, rank store.Rank) *core.Reply
	SendModMessage(c core.UserContainer, arg string) *core.Reply
	SendAdminMessage(c core.UserContainer, arg string) *core.Reply
	WarnUser(c core.UserContainer, msid int64, deleteMsg bool) *core.Reply
	DeleteMessage(c core.UserContainer, msid int64) *core.Reply
	CleanupMessages(c core.UserContainer) *core.Reply
	UncooldownUser(c core.UserContainer, oid2, username2 *string) *core.Reply
	BlacklistUser(c core.UserContainer, msid int64, reason string) *core.Reply
	GiveKarma(c core.UserContainer, msid int64) *core.Reply
}

// Relay is the subset of *relay.Relay the transport needs to fan out
// incoming user messages.
type Relay interface {
	RelayUserMessage(c core.UserContainer, externalID int64, msg relay.OutgoingMessage, score float64, opts core.MessageOptions, replyToExternal *int64) (int64, *core.Reply)
}

// Bot is the Telegram collaborator: it owns the long-polling loop, turns
// updates into engine/relay calls, and implements relay.Transport so the
// relay's worker pool can deliver back out through it.
type Bot struct {
	api     *tgbotapi.BotAPI
	engine  Engine
	rel     Relay
	cache   *cache.Cache
	version string

	allowContacts  bool
	allowDocuments bool
	pollTimeout    time.Duration
}

// New constructs a Bot and verifies the token against Telegram's getMe,
// mirroring the teacher's bot.New(token) which likewise fails fast on a bad
// token rather than discovering it on first send.
func New(token string, engine Engine, rel Relay, ch *cache.Cache, version string, allowContacts, allowDocuments bool) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("transport: create bot: %w", err)
	}
	return &Bot{
		api:            api,
		engine:         engine,
		rel:            rel,
		cache:          ch,
		version:        version,
		allowContacts:  allowContacts,
		allowDocuments: allowDocuments,
		pollTimeout:    20 * time.Second,
	}, nil
}

// Run starts long polling and dispatches updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(b.pollTimeout.Seconds())
	updates := b.api.GetUpdatesChan(u)
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update := <-updates:
			b.handleUpdate(update)
		}
	}
}

func (b *Bot) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	c := core.UserContainer{ID: msg.From.ID, Username: msg.From.UserName, Realname: displayName(msg.From)}

	switch {
	case msg.IsCommand():
		b.handleCommand(c, msg)
	case msg.ReplyToMessage != nil && isKarmaText(msg.Text):
		b.handleKarma(c, msg)
	default:
		b.handleRelay(c, msg)
	}
}

func displayName(u *tgbotapi.User) string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

func isKarmaText(s string) bool {
	s = strings.TrimSpace(s)
	return s == "+1" || s == "👍"
}

func (b *Bot) handleKarma(c core.UserContainer, msg *tgbotapi.Message) {
	origMsid, ok := b.cache.LookupByData(c.ID, int64(msg.ReplyToMessage.MessageID))
	if !ok {
		b.sendDirect(c.ID, core.Format(core.R(core.ErrNotInCache)))
		return
	}
	if r := b.engine.GiveKarma(c, origMsid); r != nil {
		b.sendDirect(c.ID, core.Format(*r))
	}
}

func (b *Bot) handleCommand(c core.UserContainer, msg *tgbotapi.Message) {
	arg := strings.TrimSpace(msg.CommandArguments())
	switch msg.Command() {
	case "start":
		for _, r := range b.engine.UserJoin(c) {
			b.sendDirect(c.ID, core.Format(r))
		}
	case "stop":
		if r := b.engine.UserLeave(c); r != nil {
			b.sendDirect(c.ID, core.Format(*r))
		}
	case "info":
		if msg.ReplyToMessage != nil {
			origMsid, ok := b.cache.LookupByData(c.ID, int64(msg.ReplyToMessage.MessageID))
			if !ok {
				b.sendDirect(c.ID, core.Format(core.R(core.ErrNotInCache)))
				return
			}
			if r := b.engine.GetInfoMod(c, origMsid); r != nil {
				b.sendDirect(c.ID, core.Format(*r))
			}
			return
		}
		if r := b.engine.GetInfo(c); r != nil {
			b.sendDirect(c.ID, core.Format(*r))
		}
	case "users":
		if r := b.engine.GetUsers(c); r != nil {
			b.sendDirect(c.ID, core.Format(*r))
		}
	case "motd":
		var r *core.Reply
		if arg == "" {
			r = b.engine.GetSystemText(c, "motd")
		} else {
			r = b.engine.SetSystemText(c, "motd", arg)
		}
		if r != nil {
			b.sendDirect(c.ID, core.Format(*r))
		}
	case "toggledebug":
		if r := b.engine.ToggleDebug(c); r != nil {
			b.sendDirect(c.ID, core.Format(*r))
		}
	case "togglekarma":
		if r := b.engine.ToggleKarma(c); r != nil {
			b.sendDirect(c.ID, core.Format(*r))
		}
	case "settripcode":
		var r *core.Reply
		if arg == "" {
			r = b.engine.GetTripcode(c)
		} else {
			r = b.engine.SetTripcode(c, arg)
		}
		if r != nil {
			b.sendDirect(c.ID, core.Format(*r))
		}
	case "sign", "s":
		if arg == "" {
			return
		}
		b.relayOutgoing(c, msg, relay.OutgoingMessage{Text: arg}, core.MessageOptions{Signed: true})
	case "tsign", "t":
		if arg == "" {
			return
		}
		b.relayOutgoing(c, msg, relay.OutgoingMessage{Text: arg}, core.MessageOptions{Tripcode: true})
	case "mod":
		if r := b.engine.PromoteUser(c, arg, store.RankMod); r != nil {
			b.sendDirect(c.ID, core.Format(*r))
		}
	case "admin":
		if r := b.engine.PromoteUser(c, arg, store.RankAdmin); r != nil {
			b.sendDirect(c.ID, core.Format(*r))
		}
	case "modsay":
		if r := b.engine.SendModMessage(c, arg); r != nil {
			b.sendDirect(c.ID, core.Format(*r))
		}
	case "adminsay":
		if r := b.engine.SendAdminMessage(c, arg); r != nil {
			b.sendDirect(c.ID, core.Format(*r))
		}
	case "warn":
		b.withReply(c, msg, func(msid int64) *core.Reply { return b.engine.WarnUser(c, msid, false) })
	case "delete":
		b.withReply(c, msg, func(msid int64) *core.Reply { return b.engine.WarnUser(c, msid, true) })
	case "remove":
		b.withReply(c, msg, func(msid int64) *core.Reply { return b.engine.DeleteMessage(c, msid) })
	case "cleanup":
		if r := b.engine.CleanupMessages(c); r != nil {
			b.sendDirect(c.ID, core.Format(*r))
		}
	case "uncooldown":
		switch {
		case strings.HasPrefix(arg, "@"):
			name := arg
			if r := b.engine.UncooldownUser(c, nil, &name); r != nil {
				b.sendDirect(c.ID, core.Format(*r))
			}
		case arg != "":
			oid := arg
			if r := b.engine.UncooldownUser(c, &oid, nil); r != nil {
				b.sendDirect(c.ID, core.Format(*r))
			}
		}
	case "blacklist":
		b.withReply(c, msg, func(msid int64) *core.Reply { return b.engine.BlacklistUser(c, msid, arg) })
	case "modhelp":
		b.sendDirect(c.ID, core.Format(core.R(core.HelpModerator)))
	case "adminhelp":
		b.sendDirect(c.ID, core.Format(core.R(core.HelpAdmin)))
	case "version":
		b.sendDirect(c.ID, core.Format(core.R(core.ProgramVersion, "version", b.version)))
	}
}

// withReply resolves the message being replied to into its internal msid
// before calling fn, matching every mod command that targets "whatever
// message you replied to" rather than taking an id argument.
func (b *Bot) withReply(c core.UserContainer, msg *tgbotapi.Message, fn func(msid int64) *core.Reply) {
	if msg.ReplyToMessage == nil {
		b.sendDirect(c.ID, core.Format(core.R(core.ErrNoReply)))
		return
	}
	origMsid, ok := b.cache.LookupByData(c.ID, int64(msg.ReplyToMessage.MessageID))
	if !ok {
		b.sendDirect(c.ID, core.Format(core.R(core.ErrNotInCache)))
		return
	}
	if r := fn(origMsid); r != nil {
		b.sendDirect(c.ID, core.Format(*r))
	}
}

func (b *Bot) handleRelay(c core.UserContainer, msg *tgbotapi.Message) {
	out, ok := b.buildOutgoing(msg)
	if !ok {
		return
	}
	opts := core.MessageOptions{IsMedia: out.Media != relay.MediaNone}
	b.relayOutgoing(c, msg, out, opts)
}

// relayOutgoing runs the send-gate/fan-out shared by plain relaying and the
// /sign and /tsign commands, which differ only in which opts and text reach
// RelayUserMessage.
func (b *Bot) relayOutgoing(c core.UserContainer, msg *tgbotapi.Message, out relay.OutgoingMessage, opts core.MessageOptions) {
	score := scoreForMessage(msg)

	var replyToExternal *int64
	if msg.ReplyToMessage != nil {
		id := int64(msg.ReplyToMessage.MessageID)
		replyToExternal = &id
	}

	_, errReply := b.rel.RelayUserMessage(c, int64(msg.MessageID), out, score, opts, replyToExternal)
	if errReply != nil {
		b.sendDirect(c.ID, core.Format(*errReply))
	}
}

func scoreForMessage(msg *tgbotapi.Message) float64 {
	switch {
	case msg.ForwardFrom != nil || msg.ForwardFromChat != nil:
		return spam.ForwardedScore()
	case msg.Sticker != nil:
		return spam.StickerScore()
	case msg.Photo != nil, msg.Video != nil, msg.Animation != nil, msg.Audio != nil,
		msg.Voice != nil, msg.VideoNote != nil, msg.Document != nil:
		return spam.MediaScore()
	default:
		return spam.TextScore(msg.Text)
	}
}

// appendInlineLinks appends the URL of every text_link entity to text, so a
// link a client rendered as anchor text (losing the href once relayed as
// plain text) still reaches recipients. Matches the original's handling of
// entities on relayed messages.
func appendInlineLinks(text string, entities []tgbotapi.MessageEntity) string {
	var links []string
	for _, e := range entities {
		if e.Type == "text_link" && e.URL != "" {
			links = append(links, e.URL)
		}
	}
	if len(links) == 0 {
		return text
	}
	return text + "\n" + strings.Join(links, "\n")
}

func (b *Bot) buildOutgoing(msg *tgbotapi.Message) (relay.OutgoingMessage, bool) {
	switch {
	case msg.Photo != nil:
		largest := msg.Photo[len(msg.Photo)-1]
		return relay.OutgoingMessage{Media: relay.MediaPhoto, FileID: largest.FileID, Text: appendInlineLinks(msg.Caption, msg.CaptionEntities)}, true
	case msg.Sticker != nil:
		return relay.OutgoingMessage{Media: relay.MediaSticker, FileID: msg.Sticker.FileID}, true
	case msg.Document != nil:
		if !b.allowDocuments {
			return relay.OutgoingMessage{}, false
		}
		return relay.OutgoingMessage{Media: relay.MediaDocument, FileID: msg.Document.FileID, Text: appendInlineLinks(msg.Caption, msg.CaptionEntities)}, true
	case msg.Video != nil:
		return relay.OutgoingMessage{Media: relay.MediaVideo, FileID: msg.Video.FileID, Text: appendInlineLinks(msg.Caption, msg.CaptionEntities)}, true
	case msg.Voice != nil:
		return relay.OutgoingMessage{Media: relay.MediaVoice, FileID: msg.Voice.FileID, Text: appendInlineLinks(msg.Caption, msg.CaptionEntities)}, true
	case msg.VideoNote != nil:
		return relay.OutgoingMessage{Media: relay.MediaVideoNote, FileID: msg.VideoNote.FileID}, true
	case msg.Audio != nil:
		return relay.OutgoingMessage{Media: relay.MediaAudio, FileID: msg.Audio.FileID, Text: appendInlineLinks(msg.Caption, msg.CaptionEntities)}, true
	case msg.Animation != nil:
		return relay.OutgoingMessage{Media: relay.MediaAnimation, FileID: msg.Animation.FileID, Text: appendInlineLinks(msg.Caption, msg.CaptionEntities)}, true
	case msg.Location != nil:
		return relay.OutgoingMessage{Media: relay.MediaLocation, Latitude: msg.Location.Latitude, Longitude: msg.Location.Longitude}, true
	case msg.Venue != nil:
		return relay.OutgoingMessage{
			Media:        relay.MediaVenue,
			VenueTitle:   msg.Venue.Title,
			VenueAddress: msg.Venue.Address,
			Latitude:     msg.Venue.Location.Latitude,
			Longitude:    msg.Venue.Location.Longitude,
		}, true
	case msg.Contact != nil:
		if !b.allowContacts {
			return relay.OutgoingMessage{}, false
		}
		return relay.OutgoingMessage{
			Media:              relay.MediaContact,
			ContactPhoneNumber: msg.Contact.PhoneNumber,
			ContactFirstName:   msg.Contact.FirstName,
		}, true
	case msg.Text != "":
		return relay.OutgoingMessage{Text: appendInlineLinks(msg.Text, msg.Entities)}, true
	default:
		return relay.OutgoingMessage{}, false
	}
}

func (b *Bot) sendDirect(chatID int64, text string) {
	if text == "" {
		return
	}
	m := tgbotapi.NewMessage(chatID, text)
	m.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(m); err != nil {
		slog.Error("transport: direct send failed", "chat_id", chatID, "error", err)
	}
}

// Send implements relay.Transport, fanning a prepared OutgoingMessage out to
// a single recipient chat.
func (b *Bot) Send(chatID int64, msg relay.OutgoingMessage) (int64, error) {
	var c tgbotapi.Chattable
	switch msg.Media {
	case relay.MediaNone:
		m := tgbotapi.NewMessage(chatID, msg.Text)
		m.ParseMode = tgbotapi.ModeHTML
		setReplyTo(&m.BaseChat, msg.ReplyToExternal)
		c = m
	case relay.MediaPhoto:
		m := tgbotapi.NewPhoto(chatID, tgbotapi.FileID(msg.FileID))
		m.Caption, m.ParseMode = msg.Text, tgbotapi.ModeHTML
		setReplyTo(&m.BaseChat, msg.ReplyToExternal)
		c = m
	case relay.MediaDocument:
		m := tgbotapi.NewDocument(chatID, tgbotapi.FileID(msg.FileID))
		m.Caption, m.ParseMode = msg.Text, tgbotapi.ModeHTML
		setReplyTo(&m.BaseChat, msg.ReplyToExternal)
		c = m
	case relay.MediaVideo:
		m := tgbotapi.NewVideo(chatID, tgbotapi.FileID(msg.FileID))
		m.Caption, m.ParseMode = msg.Text, tgbotapi.ModeHTML
		setReplyTo(&m.BaseChat, msg.ReplyToExternal)
		c = m
	case relay.MediaVoice:
		m := tgbotapi.NewVoice(chatID, tgbotapi.FileID(msg.FileID))
		m.Caption, m.ParseMode = msg.Text, tgbotapi.ModeHTML
		setReplyTo(&m.BaseChat, msg.ReplyToExternal)
		c = m
	case relay.MediaVideoNote:
		m := tgbotapi.NewVideoNote(chatID, 0, tgbotapi.FileID(msg.FileID))
		setReplyTo(&m.BaseChat, msg.ReplyToExternal)
		c = m
	case relay.MediaAudio:
		m := tgbotapi.NewAudio(chatID, tgbotapi.FileID(msg.FileID))
		m.Caption, m.ParseMode = msg.Text, tgbotapi.ModeHTML
		setReplyTo(&m.BaseChat, msg.ReplyToExternal)
		c = m
	case relay.MediaAnimation:
		m := tgbotapi.NewAnimation(chatID, tgbotapi.FileID(msg.FileID))
		m.Caption, m.ParseMode = msg.Text, tgbotapi.ModeHTML
		setReplyTo(&m.BaseChat, msg.ReplyToExternal)
		c = m
	case relay.MediaSticker:
		m := tgbotapi.NewSticker(chatID, tgbotapi.FileID(msg.FileID))
		setReplyTo(&m.BaseChat, msg.ReplyToExternal)
		c = m
	case relay.MediaLocation:
		m := tgbotapi.NewLocation(chatID, msg.Latitude, msg.Longitude)
		setReplyTo(&m.BaseChat, msg.ReplyToExternal)
		c = m
	case relay.MediaVenue:
		m := tgbotapi.NewVenue(chatID, msg.VenueTitle, msg.VenueAddress, msg.Latitude, msg.Longitude)
		setReplyTo(&m.BaseChat, msg.ReplyToExternal)
		c = m
	case relay.MediaContact:
		m := tgbotapi.NewContact(chatID, msg.ContactPhoneNumber, msg.ContactFirstName)
		setReplyTo(&m.BaseChat, msg.ReplyToExternal)
		c = m
	default:
		return 0, fmt.Errorf("transport: unsupported media kind %v", msg.Media)
	}

	sent, err := b.api.Send(c)
	if err != nil {
		return 0, classifyError(err)
	}
	return int64(sent.MessageID), nil
}

func setReplyTo(bc *tgbotapi.BaseChat, replyToExternal *int64) {
	if replyToExternal != nil {
		bc.ReplyToMessageID = int(*replyToExternal)
	}
}

// Delete implements relay.Transport.
func (b *Bot) Delete(chatID int64, externalID int64) error {
	cfg := tgbotapi.NewDeleteMessage(chatID, int(externalID))
	if _, err := b.api.Request(cfg); err != nil {
		return classifyError(err)
	}
	return nil
}

// IsPrivacyRestricted implements relay.Transport by checking whether the
// recipient has enabled private forwards, which hides their identity from a
// forwarded/signed message the same way it would from any other bot.
func (b *Bot) IsPrivacyRestricted(chatID int64) (bool, error) {
	chat, err := b.api.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: chatID}})
	if err != nil {
		return false, fmt.Errorf("transport: get chat: %w", err)
	}
	return chat.HasPrivateForwards, nil
}

// classifyError maps a tgbotapi error onto the relay's rate-limit/blocked
// distinction so Relay.deliver can retry or give up without this package
// leaking Telegram-specific types upward.
func classifyError(err error) error {
	var tgErr *tgbotapi.Error
	if !errors.As(err, &tgErr) {
		return err
	}
	if tgErr.RetryAfter > 0 {
		return &relay.RateLimitError{RetryAfter: time.Duration(tgErr.RetryAfter) * time.Second}
	}
	msg := strings.ToLower(tgErr.Message)
	for _, needle := range []string{
		"bot was blocked by the user",
		"user is deactivated",
		"peer_id_invalid",
		"bot can't initiate conversation",
	} {
		if strings.Contains(msg, needle) {
			return &relay.BlockedError{Reason: tgErr.Message}
		}
	}
	return err
}
