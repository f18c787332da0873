package predicates

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog/log"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type EventPredicate func(source mautrix.EventSource, evt *event.Event) bool

func All(predicates ...EventPredicate) EventPredicate {
	return func(source mautrix.EventSource, evt *event.Event) bool {
		for _, p := range predicates {
			if !p(source, evt) {
				return false
			}
		}

		return true
	}
}

func Not(p EventPredicate) EventPredicate {
	return func(source mautrix.EventSource, evt *event.Event) bool {
		return !p(source, evt)
	}
}

func OfType(t event.Type) EventPredicate {
	return func(source mautrix.EventSource, evt *event.Event) bool {
		return evt.Type == t
	}
}

func MessageMatching(r *regexp.Regexp) EventPredicate {
	return func(source mautrix.EventSource, evt *event.Event) bool {
		if evt.Type != event.EventMessage {
			return false
		}

		msg := evt.Content.AsMessage()

		return r.MatchString(msg.Body)
	}
}

// MessageWithPrefix matches messages whose first word is prefix, ignoring case and leading whitespace.
func MessageWithPrefix(prefix string) EventPredicate {
	return func(source mautrix.EventSource, evt *event.Event) bool {
		if evt.Type != event.EventMessage {
			return false
		}

		msg := evt.Content.AsMessage()

		return HasWordPrefix(msg.Body, prefix)
	}
}

// HasWordPrefix reports whether body, without leading whitespace, starts with prefix followed by whitespace or
// nothing. Case is ignored.
func HasWordPrefix(body, prefix string) bool {
	body = strings.TrimLeftFunc(body, unicode.IsSpace)
	if len(body) < len(prefix) || !strings.EqualFold(body[:len(prefix)], prefix) {
		return false
	}
	rest := body[len(prefix):]
	return rest == "" || unicode.IsSpace([]rune(rest)[0])
}

func NotFromUser(userID func() id.UserID) EventPredicate {
	return func(source mautrix.EventSource, evt *event.Event) bool {
		log.Debug().Str("evt.Sender", evt.Sender.String()).Str("userID", userID().String()).Msg("comparing")
		return evt.Sender != userID()
	}
}

// SentAfter drops events older than t, such as the backlog of the first sync.
func SentAfter(t time.Time) EventPredicate {
	ms := t.UnixNano() / int64(time.Millisecond)
	return func(source mautrix.EventSource, evt *event.Event) bool {
		return evt.Timestamp >= ms
	}
}

func InvitedToRoom() EventPredicate {
	return func(source mautrix.EventSource, evt *event.Event) bool {
		return evt.Type == event.StateMember && evt.Content.AsMember().Membership == event.MembershipInvite
	}
}
