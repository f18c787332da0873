package timers

import (
	"encoding/json"
	"testing"
	"time"

	"gotest.tools/assert"
	is "gotest.tools/assert/cmp"
	"maunium.net/go/mautrix/id"
)

func TestParseTimeOfDay(t *testing.T) {
	data := []struct {
		input    string
		expected string
		fails    bool
	}{
		{"14:00", "14:00:00", false},
		{"08:05:09", "08:05:09", false},
		{"23:59:59", "23:59:59", false},
		{"24:00", "", true},
		{"noon", "", true},
	}

	for _, d := range data {
		tod, err := ParseTimeOfDay(d.input)
		if d.fails {
			assert.Assert(t, err != nil, "for %q", d.input)
			continue
		}
		assert.NilError(t, err, "for %q", d.input)
		assert.Equal(t, tod.String(), d.expected)
	}
}

func TestTimeOfDayOrdering(t *testing.T) {
	now := TimeOfDayOf(time.Date(2021, time.January, 8, 14, 30, 0, 999, time.UTC))
	assert.Equal(t, now.String(), "14:30:00")

	same, _ := NewTimeOfDay(14, 30, 0)
	later, _ := NewTimeOfDay(14, 30, 1)
	earlier, _ := NewTimeOfDay(14, 0, 0)

	assert.Assert(t, !same.After(now))
	assert.Assert(t, later.After(now))
	assert.Assert(t, !earlier.After(now))
}

func TestTimeOfDayOn(t *testing.T) {
	tod, _ := NewTimeOfDay(9, 15, 0)
	loc := time.FixedZone("test", 3600)
	got := tod.On(time.Date(2021, time.March, 2, 23, 0, 0, 0, loc))
	assert.Assert(t, got.Equal(time.Date(2021, time.March, 2, 9, 15, 0, 0, loc)))
}

func TestOptionsKeepOrder(t *testing.T) {
	options := Options{{"🍕", "Pizza"}, {"🍣", "Sushi"}, {"🥗", "Salad"}}

	data, err := json.Marshal(options)
	assert.NilError(t, err)
	assert.Equal(t, string(data), `{"🍕":"Pizza","🍣":"Sushi","🥗":"Salad"}`)

	var decoded Options
	assert.NilError(t, json.Unmarshal(data, &decoded))
	assert.DeepEqual(t, decoded, options)
	assert.DeepEqual(t, decoded.Emojis(), []string{"🍕", "🍣", "🥗"})
}

func TestOptionsRejectDuplicates(t *testing.T) {
	var decoded Options
	err := json.Unmarshal([]byte(`{"👍":"a","👍":"b"}`), &decoded)
	assert.Check(t, is.ErrorContains(err, "duplicate option emoji"))
}

func TestTimerJSONFields(t *testing.T) {
	tod, _ := NewTimeOfDay(14, 0, 0)
	timer := Timer{
		RoomID:                 "!room:example.org",
		OriginalRequestMessage: "$original",
		CurrentRequestMessage:  "$current",
		TimeToRemind:           tod,
		BotMessageID:           "$poll",
		BotReactionMessageIDs:  []id.EventID{"$seed"},
		EmojiToMessage:         Options{{"👍", "Lunch"}},
	}

	data, err := json.Marshal(timer)
	assert.NilError(t, err)
	assert.Equal(t, string(data), `{"roomId":"!room:example.org","originalRequestMessage":"$original","currentRequestMessage":"$current","timeToRemind":"14:00:00","botMessageId":"$poll","botReactionMessageIds":["$seed"],"emojiToMessage":{"👍":"Lunch"}}`)

	var decoded Timer
	assert.NilError(t, json.Unmarshal(data, &decoded))
	assert.DeepEqual(t, decoded, timer)
}
