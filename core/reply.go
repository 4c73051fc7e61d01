// Package core implements the moderation and message-preparation state
// machine: commands, permissions, karma, joining/leaving, and the
// send-gate every user message passes through before being hashed off to
// the relay for delivery.
package core

import (
	"fmt"
	"html"
	"strings"
	"time"
)

// Kind identifies what a Reply says. Error kinds (the ERR_* values) are
// not Go errors — a command's entire observable outcome, success or
// failure, is a Reply value, so callers never need to type-switch on error
// vs. non-error paths.
type Kind int

const (
	Custom Kind = iota
	Success
	BooleanConfig

	ChatJoin
	ChatLeave
	UserInChat
	UserNotInChat
	GivenCooldown
	PromotedMod
	PromotedAdmin
	KarmaThankYou
	KarmaNotification
	DeletionQueued
	MessageDeleted
	TripcodeInfo
	TripcodeSet

	ErrNoReply
	ErrNotInCache
	ErrNoUser
	ErrNoUserByID
	ErrAlreadyWarned
	ErrNotInCooldown
	ErrCooldown
	ErrBlacklisted
	ErrAlreadyUpvoted
	ErrUpvoteOwnMessage
	ErrSpammy
	ErrSpammySign
	ErrSignPrivacy
	ErrInvalidTripFormat
	ErrNoTripcode
	ErrMediaLimit
	ErrCommandDisabled

	UserInfo
	UserInfoMod
	UsersInfo
	UsersInfoExtended

	ProgramVersion
	HelpModerator
	HelpAdmin
)

// Reply is a fully self-describing command outcome: what kind of thing
// happened, plus whatever parameters its formatted text needs.
type Reply struct {
	Kind   Kind
	Params map[string]any
}

// R builds a Reply from a kind and an inline key/value parameter list.
// An odd-length kvs panics: it can only be a bug at the call site.
func R(kind Kind, kvs ...any) Reply {
	if len(kvs)%2 != 0 {
		panic("core: R called with an odd number of key/value arguments")
	}
	params := make(map[string]any, len(kvs)/2)
	for i := 0; i < len(kvs); i += 2 {
		key, ok := kvs[i].(string)
		if !ok {
			panic("core: R key must be a string")
		}
		params[key] = kvs[i+1]
	}
	return Reply{Kind: kind, Params: params}
}

func (r Reply) str(key string) string {
	v, _ := r.Params[key].(string)
	return v
}

func (r Reply) integer(key string) int {
	v, _ := r.Params[key].(int)
	return v
}

func (r Reply) boolean(key string) bool {
	v, _ := r.Params[key].(bool)
	return v
}

func (r Reply) instant(key string) (time.Time, bool) {
	v, ok := r.Params[key].(time.Time)
	return v, ok
}

func (r Reply) duration(key string) time.Duration {
	v, _ := r.Params[key].(time.Duration)
	return v
}

func em(s string) string { return "<em>" + s + "</em>" }

func smiley(warnings int) string {
	switch {
	case warnings <= 0:
		return ":)"
	case warnings == 1:
		return ":|"
	case warnings <= 3:
		return ":/"
	default:
		return ":("
	}
}

func formatDuration(d time.Duration) string {
	switch {
	case d >= 7*24*time.Hour:
		return fmt.Sprintf("%dw", int(d/(7*24*time.Hour)))
	case d >= 24*time.Hour:
		return fmt.Sprintf("%dd", int(d/(24*time.Hour)))
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	case d >= time.Minute:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	default:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
}

func formatInstant(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04 UTC")
}

// Format renders r as the HTML text a chat platform message body should
// carry. It is the one place command outcomes turn into user-facing
// strings, mirroring the source's per-kind format table.
func Format(r Reply) string {
	switch r.Kind {
	case Custom:
		return r.str("text")
	case Success:
		return "☑"
	case BooleanConfig:
		state := "disabled"
		if r.boolean("enabled") {
			state = "enabled"
		}
		return fmt.Sprintf("<b>%s</b>: %s", html.EscapeString(r.str("description")), state)

	case ChatJoin:
		return em("You joined the chat!")
	case ChatLeave:
		return em("You left the chat!")
	case UserInChat:
		return em("You're already in the chat!")
	case UserNotInChat:
		return em("You're not in the chat yet! Use /start to join.")
	case GivenCooldown:
		suffix := ""
		if r.boolean("deleted") {
			suffix = " (message also deleted)"
		}
		return em(fmt.Sprintf("You've been handed a cooldown of %s for this message%s",
			formatDuration(r.duration("duration")), suffix))
	case PromotedMod:
		return em("You've been promoted to moderator, run /modhelp for a list of commands.")
	case PromotedAdmin:
		return em("You've been promoted to admin, run /adminhelp for a list of commands.")
	case KarmaThankYou:
		return em("You just gave this user some sweet karma, awesome!")
	case KarmaNotification:
		return em("You've just been given sweet karma! (check /info to see your karma" +
			" or /togglekarma to turn these notifications off)")
	case DeletionQueued:
		return fmt.Sprintf("Queued %d messages for deletion.", r.integer("count"))
	case MessageDeleted:
		return em("Your message was deleted by a moderator.")
	case TripcodeInfo:
		trip := r.str("tripcode")
		if trip == "" {
			return em("You don't have a tripcode set.")
		}
		return fmt.Sprintf("Your tripcode: <code>%s</code>", html.EscapeString(trip))
	case TripcodeSet:
		return fmt.Sprintf("Tripcode set. It will appear as: <b>%s</b> <code>%s</code>",
			html.EscapeString(r.str("tripname")), html.EscapeString(r.str("tripcode")))

	case ErrNoReply:
		return em("You need to reply to a message to use this command.")
	case ErrNotInCache:
		return em("Message not found in cache... (24h passed or bot was restarted)")
	case ErrNoUser:
		return em("No user found by that name!")
	case ErrNoUserByID:
		return em("No user found by that id!")
	case ErrAlreadyWarned:
		return em("A warning has already been issued for this message.")
	case ErrNotInCooldown:
		return em("This user isn't on cooldown.")
	case ErrCooldown:
		until, _ := r.instant("until")
		return em(fmt.Sprintf("Your cooldown expires at %s", formatInstant(until)))
	case ErrBlacklisted:
		s := em("You've been blacklisted" + reasonSuffix(r.str("reason")))
		if contact := r.str("contact"); contact != "" {
			s += em("\ncontact:") + " " + contact
		}
		return s
	case ErrAlreadyUpvoted:
		return em("You already upvoted this message.")
	case ErrUpvoteOwnMessage:
		return em("You can't upvote your own message.")
	case ErrSpammy:
		return em("Your message has not been sent. Avoid sending messages too fast, try again later.")
	case ErrSpammySign:
		return em("You can't sign messages that fast, try again later.")
	case ErrSignPrivacy:
		return em("Your settings don't allow signed messages to reveal who you are; adjust them and try again.")
	case ErrInvalidTripFormat:
		return em("Invalid format for tripcode (expected \"name#pass\").")
	case ErrNoTripcode:
		return em("You don't have a tripcode set, use /settripcode &lt;name#pass&gt; first.")
	case ErrMediaLimit:
		return em("You can't send media yet, try again later.")
	case ErrCommandDisabled:
		return em("This command is disabled.")

	case UserInfo:
		warnings := r.integer("warnings")
		s := fmt.Sprintf("<b>id</b>: %s, <b>username</b>: %s, <b>rank</b>: %d (%s), <b>karma</b>: %d\n",
			r.str("id"), html.EscapeString(r.str("username")), r.integer("rank_i"), r.str("rank"), r.integer("karma"))
		s += fmt.Sprintf("<b>warnings</b>: %d %s", warnings, smiley(warnings))
		if warnings > 0 {
			if expiry, ok := r.instant("warnExpiry"); ok {
				s += fmt.Sprintf(" (one warning will be removed on %s)", formatInstant(expiry))
			}
		}
		s += ", <b>cooldown</b>: "
		if cooldown, ok := r.instant("cooldown"); ok {
			s += fmt.Sprintf("yes, until %s", formatInstant(cooldown))
		} else {
			s += "no"
		}
		return s
	case UserInfoMod:
		s := fmt.Sprintf("<b>id</b>: %s, <b>username</b>: anonymous, <b>rank</b>: n/a, <b>karma</b>: %d\n",
			r.str("id"), r.integer("karma"))
		s += "<b>cooldown</b>: "
		if cooldown, ok := r.instant("cooldown"); ok {
			s += fmt.Sprintf("yes, until %s", formatInstant(cooldown))
		} else {
			s += "no"
		}
		return s
	case UsersInfo:
		return fmt.Sprintf("<b>%d</b> <i>users</i>", r.integer("count"))
	case UsersInfoExtended:
		return fmt.Sprintf("<b>%d</b> <i>active</i>, %d <i>inactive and</i> %d <i>blacklisted users</i> (<i>total</i>: %d)",
			r.integer("active"), r.integer("inactive"), r.integer("blacklisted"), r.integer("total"))

	case ProgramVersion:
		return fmt.Sprintf("secretlounge v%s", r.str("version"))
	case HelpModerator:
		return strings.Join([]string{
			"<i>Moderators can use the following commands</i>:",
			"  /modhelp - show this text",
			"  /modsay &lt;message&gt; - send an official moderator message",
			"",
			"<i>Or reply to a message and use</i>:",
			"  /info - get info about the user that sent this message",
			"  /warn - warn the user that sent this message (cooldown)",
			"  /delete - delete a message and warn the user",
		}, "\n")
	case HelpAdmin:
		return strings.Join([]string{
			"<i>Admins can use the following commands</i>:",
			"  /adminhelp - show this text",
			"  /adminsay &lt;message&gt; - send an official admin message",
			"  /motd &lt;message&gt; - set the welcome message",
			"  /mod &lt;username&gt; - promote a user to the moderator rank",
			"  /admin &lt;username&gt; - promote a user to the admin rank",
			"",
			"<i>Or reply to a message and use</i>:",
			"  /blacklist [reason] - blacklist the user who sent this message",
		}, "\n")
	}
	return ""
}

func reasonSuffix(reason string) string {
	if reason == "" {
		return ""
	}
	return " for " + html.EscapeString(reason)
}
