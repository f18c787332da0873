package timers

import (
	"context"
	"errors"
	"sync"
	"testing"

	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"
	"maunium.net/go/mautrix/id"
)

const botUser = id.UserID("@yarb:example.org")

type sentMessage struct {
	roomID   id.RoomID
	replyTo  id.EventID
	mentions []id.UserID
	body     string
}

// fakeDelivery keeps reactions per message and drops the bot's reactions when they are redacted.
type fakeDelivery struct {
	mu        sync.Mutex
	calls     []string
	reactions map[id.EventID]map[string][]id.UserID
	seeds     map[id.EventID]struct{}
	sent      []sentMessage
	redacted  []id.EventID

	failRedact    error
	failAggregate error
	failSend      error
	panicOn       id.EventID
}

func newFakeDelivery() *fakeDelivery {
	return &fakeDelivery{
		reactions: map[id.EventID]map[string][]id.UserID{},
		seeds:     map[id.EventID]struct{}{},
	}
}

func (f *fakeDelivery) react(message id.EventID, emoji string, users ...id.UserID) {
	if f.reactions[message] == nil {
		f.reactions[message] = map[string][]id.UserID{}
	}
	f.reactions[message][emoji] = append(f.reactions[message][emoji], users...)
}

// seed adds the bot's own reaction to every option of timer.
func (f *fakeDelivery) seed(timer Timer) {
	for i, emoji := range timer.EmojiToMessage.Emojis() {
		f.react(timer.BotMessageID, emoji, botUser)
		f.seeds[timer.BotReactionMessageIDs[i]] = struct{}{}
	}
}

func (f *fakeDelivery) SendMessage(ctx context.Context, roomID id.RoomID, replyTo id.EventID, mentions []id.UserID, markdown string) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "send")
	if f.failSend != nil {
		return "", f.failSend
	}
	f.sent = append(f.sent, sentMessage{roomID: roomID, replyTo: replyTo, mentions: mentions, body: markdown})
	return "$reply", nil
}

func (f *fakeDelivery) RedactMessage(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "redact")
	if f.failRedact != nil {
		return f.failRedact
	}
	f.redacted = append(f.redacted, eventID)
	if _, ok := f.seeds[eventID]; ok {
		delete(f.seeds, eventID)
		for _, byEmoji := range f.reactions {
			for emoji, users := range byEmoji {
				for i, u := range users {
					if u == botUser {
						byEmoji[emoji] = append(users[:i:i], users[i+1:]...)
						break
					}
				}
			}
		}
	}
	return nil
}

func (f *fakeDelivery) ReactionAggregate(ctx context.Context, roomID id.RoomID, eventID id.EventID) (map[string][]id.UserID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "aggregate")
	if eventID == f.panicOn {
		panic("boom")
	}
	if f.failAggregate != nil {
		return nil, f.failAggregate
	}
	return f.reactions[eventID], nil
}

func (f *fakeDelivery) Self() id.UserID {
	return botUser
}

func pollTimer(original string, options Options) Timer {
	timer := newTimer(original, 9, 0)
	timer.EmojiToMessage = options
	timer.BotReactionMessageIDs = nil
	for _, emoji := range options.Emojis() {
		timer.BotReactionMessageIDs = append(timer.BotReactionMessageIDs, id.EventID(original+"-seed-"+emoji))
	}
	return timer
}

func TestResolveTie(t *testing.T) {
	delivery := newFakeDelivery()
	timer := pollTimer("$a", Options{{":a:", "Opt A"}, {":b:", "Opt B"}})
	delivery.seed(timer)
	delivery.react(timer.BotMessageID, ":a:", "@alice:example.org")
	delivery.react(timer.BotMessageID, ":b:", "@bob:example.org")

	outcome, err := NewResolver(delivery).Resolve(context.Background(), timer)
	assert.NilError(t, err)
	assert.Equal(t, outcome, Delivered)

	assert.Equal(t, len(delivery.sent), 1)
	sent := delivery.sent[0]
	assert.Equal(t, sent.replyTo, timer.BotMessageID)
	assert.DeepEqual(t, sent.mentions, []id.UserID{"@alice:example.org", "@bob:example.org"})
	assert.Equal(t, sent.body, "* Opt A\n* Opt B\n\n"+
		"[@alice:example.org](https://matrix.to/#/@alice:example.org), [@bob:example.org](https://matrix.to/#/@bob:example.org)")
}

func TestResolveSingleWinner(t *testing.T) {
	delivery := newFakeDelivery()
	timer := pollTimer("$a", Options{{"1️⃣", "Pizza"}, {"2️⃣", "Sushi"}})
	delivery.seed(timer)
	delivery.react(timer.BotMessageID, "1️⃣", "@alice:example.org", "@bob:example.org")
	delivery.react(timer.BotMessageID, "2️⃣", "@carol:example.org")

	outcome, err := NewResolver(delivery).Resolve(context.Background(), timer)
	assert.NilError(t, err)
	assert.Equal(t, outcome, Delivered)

	sent := delivery.sent[0]
	assert.DeepEqual(t, sent.mentions, []id.UserID{"@alice:example.org", "@bob:example.org", "@carol:example.org"})
	assert.Equal(t, sent.body, "[@alice:example.org](https://matrix.to/#/@alice:example.org), "+
		"[@bob:example.org](https://matrix.to/#/@bob:example.org), "+
		"[@carol:example.org](https://matrix.to/#/@carol:example.org) : 'Pizza'")
}

func TestResolveNobodyReacted(t *testing.T) {
	delivery := newFakeDelivery()
	timer := pollTimer("$a", Options{{"👍", "Lunch"}})
	delivery.seed(timer)

	outcome, err := NewResolver(delivery).Resolve(context.Background(), timer)
	assert.NilError(t, err)
	assert.Equal(t, outcome, Dropped)
	assert.Equal(t, len(delivery.sent), 0)
	assert.DeepEqual(t, delivery.redacted, timer.BotReactionMessageIDs)
}

func TestResolveRedactsBeforeReading(t *testing.T) {
	delivery := newFakeDelivery()
	timer := pollTimer("$a", Options{{"👍", "Lunch"}, {"👎", "No lunch"}})
	delivery.seed(timer)
	delivery.react(timer.BotMessageID, "👍", "@alice:example.org")

	_, err := NewResolver(delivery).Resolve(context.Background(), timer)
	assert.NilError(t, err)
	assert.DeepEqual(t, delivery.calls, []string{"redact", "redact", "aggregate", "send"})
}

func TestResolveIgnoresRemainingBotReactionsAndUnknownKeys(t *testing.T) {
	delivery := newFakeDelivery()
	timer := pollTimer("$a", Options{{"👍", "Lunch"}})
	delivery.react(timer.BotMessageID, "👍", botUser, "@alice:example.org", "@alice:example.org")
	delivery.react(timer.BotMessageID, "🎉", "@bob:example.org")

	_, err := NewResolver(delivery).Resolve(context.Background(), timer)
	assert.NilError(t, err)
	assert.DeepEqual(t, delivery.sent[0].mentions, []id.UserID{"@alice:example.org"})
}

func TestResolveDeliveryFailures(t *testing.T) {
	boom := errors.New("boom")
	data := []struct {
		name     string
		prepare  func(*fakeDelivery)
		expected string
	}{
		{"redact", func(f *fakeDelivery) { f.failRedact = boom }, "could not redact reaction"},
		{"aggregate", func(f *fakeDelivery) { f.failAggregate = boom }, "could not read reactions"},
		{"send", func(f *fakeDelivery) { f.failSend = boom }, "could not send reminder"},
	}

	for _, d := range data {
		t.Run(d.name, func(t *testing.T) {
			delivery := newFakeDelivery()
			timer := pollTimer("$a", Options{{"👍", "Lunch"}})
			delivery.seed(timer)
			delivery.react(timer.BotMessageID, "👍", "@alice:example.org")
			d.prepare(delivery)

			outcome, err := NewResolver(delivery).Resolve(context.Background(), timer)
			assert.Check(t, is.ErrorContains(err, d.expected))
			assert.Assert(t, errors.Is(err, boom))
			assert.Equal(t, outcome, Dropped)
		})
	}
}

func TestTallyCounts(t *testing.T) {
	options := Options{{"a", "A"}, {"b", "B"}, {"c", "C"}}
	reactions := map[string][]id.UserID{
		"a": {"@x:s", "@y:s"},
		"b": {"@y:s", "@z:s", botUser},
		"c": {"@x:s"},
	}

	tally := NewTally(options, reactions, botUser)
	assert.DeepEqual(t, tally.Respondents, []id.UserID{"@x:s", "@y:s", "@z:s"})
	assert.DeepEqual(t, tally.Counts, map[string]int{"a": 2, "b": 2, "c": 1})
	assert.DeepEqual(t, tally.Winners, []string{"A", "B"})
}

func TestRedactAll(t *testing.T) {
	delivery := newFakeDelivery()
	timer := pollTimer("$a", Options{{"👍", "Lunch"}})

	assert.NilError(t, RedactAll(context.Background(), delivery, timer))
	assert.DeepEqual(t, delivery.redacted, []id.EventID{"$a-seed-👍", "$a-poll"})
}
