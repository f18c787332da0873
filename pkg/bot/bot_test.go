package bot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ilikeorangutans/yarb/pkg/db"
	"gotest.tools/assert"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func openTestDB(t *testing.T) *ReactionLedger {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "yarb.db"))
	assert.NilError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewReactionLedger(database)
}

func TestReactionLedger(t *testing.T) {
	ctx := context.Background()
	ledger := openTestDB(t)
	base := time.Date(2021, time.January, 8, 14, 0, 0, 0, time.UTC)

	reactions := []Reaction{
		{EventID: "$r1", RoomID: "!room:s", TargetID: "$poll", Key: "👍", Sender: "@bot:s", CreatedAt: base},
		{EventID: "$r2", RoomID: "!room:s", TargetID: "$poll", Key: "👍", Sender: "@alice:s", CreatedAt: base.Add(time.Second)},
		{EventID: "$r3", RoomID: "!room:s", TargetID: "$poll", Key: "👎", Sender: "@bob:s", CreatedAt: base.Add(2 * time.Second)},
		{EventID: "$r4", RoomID: "!room:s", TargetID: "$other", Key: "👍", Sender: "@carol:s", CreatedAt: base},
	}
	for _, r := range reactions {
		assert.NilError(t, ledger.Record(ctx, r))
	}
	// sync may deliver the same event again
	assert.NilError(t, ledger.Record(ctx, reactions[1]))

	aggregate, err := ledger.Aggregate(ctx, "!room:s", "$poll")
	assert.NilError(t, err)
	assert.DeepEqual(t, aggregate, map[string][]id.UserID{
		"👍": {"@bot:s", "@alice:s"},
		"👎": {"@bob:s"},
	})

	assert.NilError(t, ledger.Redact(ctx, "$r1"))
	assert.NilError(t, ledger.Redact(ctx, "$not-a-reaction"))

	aggregate, err = ledger.Aggregate(ctx, "!room:s", "$poll")
	assert.NilError(t, err)
	assert.DeepEqual(t, aggregate["👍"], []id.UserID{"@alice:s"})

	pruned, err := ledger.Prune(ctx, base.Add(time.Second))
	assert.NilError(t, err)
	assert.Equal(t, pruned, int64(1))

	aggregate, err = ledger.Aggregate(ctx, "!room:s", "$other")
	assert.NilError(t, err)
	assert.Equal(t, len(aggregate), 0)
}

func TestSQLBotStorage(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "yarb.db"))
	assert.NilError(t, err)
	defer database.Close()

	storage := NewSQLBotStorage("yarb", database)
	deviceID, err := storage.LoadDeviceID()
	assert.NilError(t, err)
	assert.Equal(t, deviceID, id.DeviceID(""))

	assert.NilError(t, storage.StoreDeviceID("DEVICE"))
	assert.NilError(t, storage.StoreDeviceID("DEVICE2"))
	deviceID, err = storage.LoadDeviceID()
	assert.NilError(t, err)
	assert.Equal(t, deviceID, id.DeviceID("DEVICE2"))

	storage.SaveNextBatch("@bot:s", "s123")
	storage.SaveFilterID("@bot:s", "f1")
	assert.Equal(t, storage.LoadNextBatch("@bot:s"), "s123")
	assert.Equal(t, storage.LoadFilterID("@bot:s"), "f1")

	other := NewSQLBotStorage("other", database)
	assert.Equal(t, other.LoadNextBatch("@bot:s"), "")
	assert.Assert(t, other.LoadRoom("!room:s") == nil)
}

func rawEvent(t event.Type, raw string) *event.Event {
	return &event.Event{Type: t, Content: event.Content{VeryRaw: []byte(raw)}}
}

func TestParseReaction(t *testing.T) {
	target, key, ok := ParseReaction(rawEvent(event.EventReaction, `{"m.relates_to":{"rel_type":"m.annotation","event_id":"$poll","key":"👍"}}`))
	assert.Assert(t, ok)
	assert.Equal(t, target, id.EventID("$poll"))
	assert.Equal(t, key, "👍")

	_, _, ok = ParseReaction(rawEvent(event.EventReaction, `{}`))
	assert.Assert(t, !ok)
	_, _, ok = ParseReaction(rawEvent(event.EventMessage, `{"m.relates_to":{"rel_type":"m.annotation","event_id":"$poll","key":"👍"}}`))
	assert.Assert(t, !ok)
}

func TestParseEdit(t *testing.T) {
	target, body, ok := ParseEdit(rawEvent(event.EventMessage, `{"msgtype":"m.text","body":" * !remind 15:00 tea","m.new_content":{"msgtype":"m.text","body":"!remind 15:00 tea"},"m.relates_to":{"rel_type":"m.replace","event_id":"$req"}}`))
	assert.Assert(t, ok)
	assert.Equal(t, target, id.EventID("$req"))
	assert.Equal(t, body, "!remind 15:00 tea")

	assert.Assert(t, !IsEdit(rawEvent(event.EventMessage, `{"msgtype":"m.text","body":"!remind 15:00 tea"}`)))
	assert.Assert(t, !IsEdit(rawEvent(event.EventMessage, `{"msgtype":"m.text","body":"hi","m.relates_to":{"m.in_reply_to":{"event_id":"$x"}}}`)))
}

func TestRenderMarkdown(t *testing.T) {
	html, err := RenderMarkdown("* Pizza\n* Sushi\n\n[@a:s](https://matrix.to/#/@a:s)")
	assert.NilError(t, err)
	assert.Equal(t, html, "<ul>\n<li>Pizza</li>\n<li>Sushi</li>\n</ul>\n<p><a href=\"https://matrix.to/#/@a:s\">@a:s</a></p>")
}

func TestNewMessageContentMentions(t *testing.T) {
	content := newMessageContent("hello")
	assert.Equal(t, content.Body, "hello")
	assert.Equal(t, content.FormattedBody, "<p>hello</p>")
	assert.Equal(t, content.Format, "org.matrix.custom.html")
}
