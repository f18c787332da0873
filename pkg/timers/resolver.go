package timers

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"maunium.net/go/mautrix/id"
)

// Delivery is the part of the chat client the resolver needs.
type Delivery interface {
	// SendMessage sends markdown as a reply to replyTo, notifying mentions.
	SendMessage(ctx context.Context, roomID id.RoomID, replyTo id.EventID, mentions []id.UserID, markdown string) (id.EventID, error)
	RedactMessage(ctx context.Context, roomID id.RoomID, eventID id.EventID) error
	// ReactionAggregate returns the senders of each reaction key on eventID, oldest first.
	ReactionAggregate(ctx context.Context, roomID id.RoomID, eventID id.EventID) (map[string][]id.UserID, error)
	Self() id.UserID
}

// Outcome of resolving a timer.
type Outcome int

const (
	// Dropped means nobody reacted and nothing was sent.
	Dropped Outcome = iota
	Delivered
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	default:
		return "dropped"
	}
}

func NewResolver(delivery Delivery) *Resolver {
	return &Resolver{
		delivery: delivery,
		logger:   log.With().Str("component", "timers.Resolver").Logger(),
	}
}

// Resolver turns a due timer into the reminder message.
type Resolver struct {
	delivery Delivery
	logger   zerolog.Logger
}

// Resolve retracts the seed reactions, tallies the remaining ones and sends the result. It sends nothing when no one
// but the bot reacted.
func (r *Resolver) Resolve(ctx context.Context, timer Timer) (Outcome, error) {
	logger := r.logger.With().Str("room-id", timer.RoomID.String()).Str("request", timer.OriginalRequestMessage.String()).Logger()

	if err := RedactSeeds(ctx, r.delivery, timer); err != nil {
		return Dropped, err
	}

	reactions, err := r.delivery.ReactionAggregate(ctx, timer.RoomID, timer.BotMessageID)
	if err != nil {
		return Dropped, fmt.Errorf("could not read reactions of %s: %w", timer.BotMessageID, err)
	}

	tally := NewTally(timer.EmojiToMessage, reactions, r.delivery.Self())
	if len(tally.Respondents) == 0 {
		logger.Info().Msg("nobody reacted, dropping reminder")
		return Dropped, nil
	}

	message := ComposeMessage(tally)
	if _, err := r.delivery.SendMessage(ctx, timer.RoomID, timer.BotMessageID, tally.Respondents, message); err != nil {
		return Dropped, fmt.Errorf("could not send reminder: %w", err)
	}

	logger.Info().Int("respondents", len(tally.Respondents)).Strs("winners", tally.Winners).Msg("reminder sent")
	return Delivered, nil
}

// RedactSeeds retracts the bot's own option reactions.
func RedactSeeds(ctx context.Context, delivery Delivery, timer Timer) error {
	for _, reactionID := range timer.BotReactionMessageIDs {
		if err := delivery.RedactMessage(ctx, timer.RoomID, reactionID); err != nil {
			return fmt.Errorf("could not redact reaction %s: %w", reactionID, err)
		}
	}
	return nil
}

// RedactAll retracts the seed reactions and the poll message itself.
func RedactAll(ctx context.Context, delivery Delivery, timer Timer) error {
	if err := RedactSeeds(ctx, delivery, timer); err != nil {
		return err
	}
	if err := delivery.RedactMessage(ctx, timer.RoomID, timer.BotMessageID); err != nil {
		return fmt.Errorf("could not redact poll %s: %w", timer.BotMessageID, err)
	}
	return nil
}

// Tally is the result of counting a poll's reactions.
type Tally struct {
	// Respondents in order of first appearance, walking options in order.
	Respondents []id.UserID
	Counts      map[string]int
	// Winners holds the texts of all options with the highest count, in option order.
	Winners []string
}

// NewTally counts the distinct reactions per option, ignoring self and reaction keys that are not options.
func NewTally(options Options, reactions map[string][]id.UserID, self id.UserID) Tally {
	tally := Tally{Counts: make(map[string]int, options.Len())}
	seen := map[id.UserID]struct{}{}

	for _, opt := range options {
		voters := map[id.UserID]struct{}{}
		for _, user := range reactions[opt.Emoji] {
			if user == self {
				continue
			}
			voters[user] = struct{}{}
			if _, ok := seen[user]; !ok {
				seen[user] = struct{}{}
				tally.Respondents = append(tally.Respondents, user)
			}
		}
		tally.Counts[opt.Emoji] = len(voters)
	}

	if len(tally.Respondents) == 0 {
		return tally
	}

	highest := 0
	for _, count := range tally.Counts {
		if count > highest {
			highest = count
		}
	}
	for _, opt := range options {
		if tally.Counts[opt.Emoji] == highest {
			tally.Winners = append(tally.Winners, opt.Message)
		}
	}

	return tally
}

// ComposeMessage renders the reminder as markdown.
func ComposeMessage(tally Tally) string {
	mentions := make([]string, 0, len(tally.Respondents))
	for _, user := range tally.Respondents {
		mentions = append(mentions, Mention(user))
	}
	joined := strings.Join(mentions, ", ")

	if len(tally.Winners) == 1 {
		return fmt.Sprintf("%s : '%s'", joined, tally.Winners[0])
	}

	var sb strings.Builder
	for _, winner := range tally.Winners {
		sb.WriteString("* ")
		sb.WriteString(winner)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(joined)
	return sb.String()
}

// Mention renders a matrix.to link for user, which clients display as a pill.
func Mention(user id.UserID) string {
	return fmt.Sprintf("[%s](https://matrix.to/#/%s)", user, user)
}
