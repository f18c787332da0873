package yarb

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/ilikeorangutans/yarb/pkg/bot"
	"github.com/ilikeorangutans/yarb/pkg/predicates"
	"github.com/ilikeorangutans/yarb/pkg/timers"
	"github.com/ilikeorangutans/yarb/pkg/version"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Messenger is what reminders need from the chat client.
type Messenger interface {
	timers.Delivery
	SendReaction(ctx context.Context, roomID id.RoomID, eventID id.EventID, key string) (id.EventID, error)
}

type Option func(*Reminders)

func WithClock(c clock.Clock) Option {
	return func(r *Reminders) { r.clock = c }
}

func WithLocation(loc *time.Location) Option {
	return func(r *Reminders) { r.location = loc }
}

func NewReminders(messenger Messenger, store *timers.Store, prefix string, opts ...Option) *Reminders {
	r := &Reminders{
		messenger: messenger,
		store:     store,
		prefix:    prefix,
		clock:     clock.New(),
		location:  time.Local,
		logger:    log.With().Str("component", "reminders").Logger(),
		status:    regexp.MustCompile(`(?i)\A\s*` + regexp.QuoteMeta(prefix) + `\s+status\s*\z`),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.started = r.clock.Now()
	return r
}

// Reminders creates, edits and cancels reminder polls.
type Reminders struct {
	messenger Messenger
	store     *timers.Store
	prefix    string
	clock     clock.Clock
	location  *time.Location
	started   time.Time
	logger    zerolog.Logger
	status    *regexp.Regexp
}

// Create posts the poll for request, seeds one reaction per option and stores the timer.
func (r *Reminders) Create(ctx context.Context, roomID id.RoomID, original, current id.EventID, request Request) (timers.Timer, error) {
	pollID, err := r.messenger.SendMessage(ctx, roomID, original, nil, r.pollText(request))
	if err != nil {
		return timers.Timer{}, fmt.Errorf("could not post poll: %w", err)
	}

	timer := timers.Timer{
		RoomID:                 roomID,
		OriginalRequestMessage: original,
		CurrentRequestMessage:  current,
		TimeToRemind:           request.Time,
		BotMessageID:           pollID,
		BotReactionMessageIDs:  []id.EventID{},
		EmojiToMessage:         request.Options,
	}

	for _, emoji := range request.Options.Emojis() {
		reactionID, err := r.messenger.SendReaction(ctx, roomID, pollID, emoji)
		if err != nil {
			r.cleanup(ctx, timer)
			return timers.Timer{}, fmt.Errorf("could not seed reaction %s: %w", emoji, err)
		}
		timer.BotReactionMessageIDs = append(timer.BotReactionMessageIDs, reactionID)
	}

	if err := r.store.Add(timer); err != nil {
		r.cleanup(ctx, timer)
		return timers.Timer{}, fmt.Errorf("could not store reminder: %w", err)
	}

	r.logger.Info().Str("timer", timer.String()).Msg("reminder created")
	return timer, nil
}

// Cancel removes the timer belonging to the request message and retracts its poll. It reports whether there was one.
func (r *Reminders) Cancel(ctx context.Context, request id.EventID) (bool, error) {
	found, ok := r.store.FindByRequestMessage(request)
	if !ok {
		return false, nil
	}
	timer, ok, err := r.store.RemoveByOriginalRequestMessage(found.OriginalRequestMessage)
	if err != nil || !ok {
		return false, err
	}

	r.cleanup(ctx, timer)
	r.logger.Info().Str("timer", timer.String()).Msg("reminder cancelled")
	return true, nil
}

// Edit replaces the poll of an edited request. An edit that no longer parses only cancels the reminder.
func (r *Reminders) Edit(ctx context.Context, roomID id.RoomID, target, edit id.EventID, body string) (bool, error) {
	found, ok := r.store.FindByRequestMessage(target)
	if !ok {
		return false, nil
	}
	cancelled, err := r.Cancel(ctx, found.OriginalRequestMessage)
	if err != nil || !cancelled {
		return false, err
	}

	request, err := ParseRequest(r.prefix, body)
	if err != nil {
		return true, fmt.Errorf("edited request is no longer valid: %w", err)
	}
	_, err = r.Create(ctx, roomID, found.OriginalRequestMessage, edit, request)
	return true, err
}

// Status describes the bot and its pending reminders.
func (r *Reminders) Status() string {
	return fmt.Sprintf(
		"running since %s, sha %s, build time %s, %d pending reminders",
		humanize.Time(r.started), version.SHA, version.BuildTime, r.store.Len(),
	)
}

// Usage explains the command.
func (r *Reminders) Usage() string {
	return fmt.Sprintf(
		"I can remind everyone who reacts. Write `%[1]s 14:30 lunch` for a reminder, or `%[1]s 14:30 pizza | sushi` for a poll. Edit or delete your message to change or cancel it.",
		r.prefix,
	)
}

func (r *Reminders) isStatus(body string) bool {
	return r.status.MatchString(body)
}

func (r *Reminders) cleanup(ctx context.Context, timer timers.Timer) {
	if err := timers.RedactAll(ctx, r.messenger, timer); err != nil {
		r.logger.Warn().Err(err).Str("timer", timer.String()).Msg("could not retract poll")
	}
}

func (r *Reminders) pollText(request Request) string {
	now := r.clock.Now().In(r.location)
	when := request.Time.On(now)
	distance := "right away"
	if when.After(now) {
		distance = humanize.RelTime(when, now, "ago", "from now")
	}

	if !request.IsPoll() {
		return fmt.Sprintf("⏰ I'll remind everyone who reacts with %s at %s (%s): %s",
			DefaultReaction, request.Time, distance, request.Options[0].Message)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "⏰ Vote until %s (%s), I'll remind everyone who voted of the winner:\n\n", request.Time, distance)
	for _, opt := range request.Options {
		fmt.Fprintf(&sb, "%s %s  \n", opt.Emoji, opt.Message)
	}
	return strings.TrimSpace(sb.String())
}

// AddReminderHandlers wires reminders to message, edit and redaction events.
func AddReminderHandlers(b *bot.Bot, reminders *Reminders) {
	fromOthers := predicates.NotFromUser(b.Self)
	isEdit := func(source mautrix.EventSource, evt *event.Event) bool { return bot.IsEdit(evt) }

	b.On(
		func(ctx context.Context, client bot.MatrixClient, source mautrix.EventSource, evt *event.Event) error {
			client.SendNotice(evt.RoomID, reminders.Status())
			return nil
		},
		predicates.MessageMatching(reminders.status),
		predicates.SentAfter(reminders.started),
		fromOthers,
	)
	b.On(
		func(ctx context.Context, client bot.MatrixClient, source mautrix.EventSource, evt *event.Event) error {
			msg := evt.Content.AsMessage()
			if reminders.isStatus(msg.Body) {
				return nil
			}

			request, err := ParseRequest(reminders.prefix, msg.Body)
			if err != nil {
				client.SendMarkdown(evt.RoomID, fmt.Sprintf("Sorry, I did not understand that (%s). %s", err, reminders.Usage()))
				return nil
			}

			if _, err := reminders.Create(ctx, evt.RoomID, evt.ID, evt.ID, request); err != nil {
				client.SendText(evt.RoomID, fmt.Sprintf("Terribly sorry, but I couldn't create your reminder: %s", err))
				return err
			}
			return nil
		},
		predicates.MessageWithPrefix(reminders.prefix),
		predicates.Not(isEdit),
		predicates.SentAfter(reminders.started),
		fromOthers,
	)
	b.On(
		func(ctx context.Context, client bot.MatrixClient, source mautrix.EventSource, evt *event.Event) error {
			target, body, _ := bot.ParseEdit(evt)
			replaced, err := reminders.Edit(ctx, evt.RoomID, target, evt.ID, body)
			if replaced && err != nil {
				client.SendText(evt.RoomID, fmt.Sprintf("I've cancelled your reminder: %s", err))
			}
			return err
		},
		isEdit,
		fromOthers,
	)
	b.On(
		func(ctx context.Context, client bot.MatrixClient, source mautrix.EventSource, evt *event.Event) error {
			_, err := reminders.Cancel(ctx, evt.Redacts)
			return err
		},
		predicates.OfType(event.EventRedaction),
		fromOthers,
	)
}
