package timers

import (
	"bytes"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// Timer is a pending reminder poll.
type Timer struct {
	RoomID id.RoomID `json:"roomId"`
	// OriginalRequestMessage is the message that created the timer. It never changes and identifies the timer.
	OriginalRequestMessage id.EventID `json:"originalRequestMessage"`
	// CurrentRequestMessage is the latest edit of the request.
	CurrentRequestMessage id.EventID   `json:"currentRequestMessage"`
	TimeToRemind          TimeOfDay    `json:"timeToRemind"`
	BotMessageID          id.EventID   `json:"botMessageId"`
	BotReactionMessageIDs []id.EventID `json:"botReactionMessageIds"`
	EmojiToMessage        Options      `json:"emojiToMessage"`
}

// Clone returns a deep copy of the timer.
func (t Timer) Clone() Timer {
	c := t
	if t.BotReactionMessageIDs != nil {
		c.BotReactionMessageIDs = append([]id.EventID(nil), t.BotReactionMessageIDs...)
	}
	c.EmojiToMessage = t.EmojiToMessage.Clone()
	return c
}

func (t Timer) String() string {
	return fmt.Sprintf("timer %s in %s at %s (%d options)", t.OriginalRequestMessage, t.RoomID, t.TimeToRemind, t.EmojiToMessage.Len())
}

// Option is one poll choice.
type Option struct {
	Emoji   string
	Message string
}

// Options maps emojis to option texts and keeps insertion order. It encodes as a JSON object.
type Options []Option

// Get returns the option text for emoji.
func (o Options) Get(emoji string) (string, bool) {
	for _, opt := range o {
		if opt.Emoji == emoji {
			return opt.Message, true
		}
	}
	return "", false
}

func (o Options) Len() int { return len(o) }

// Emojis returns the keys in order.
func (o Options) Emojis() []string {
	emojis := make([]string, 0, len(o))
	for _, opt := range o {
		emojis = append(emojis, opt.Emoji)
	}
	return emojis
}

func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	return append(Options(nil), o...)
}

// Validate rejects duplicate emojis.
func (o Options) Validate() error {
	seen := make(map[string]struct{}, len(o))
	for _, opt := range o {
		if _, ok := seen[opt.Emoji]; ok {
			return fmt.Errorf("duplicate option emoji %q", opt.Emoji)
		}
		seen[opt.Emoji] = struct{}{}
	}
	return nil
}

func (o Options) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, opt := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(opt.Emoji)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(opt.Message)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (o *Options) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("options must be a JSON object")
	}

	result := Options{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key := tok.(string)
		var message string
		if err := dec.Decode(&message); err != nil {
			return fmt.Errorf("option %q: %w", key, err)
		}
		result = append(result, Option{Emoji: key, Message: message})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	if err := result.Validate(); err != nil {
		return err
	}

	*o = result
	return nil
}
