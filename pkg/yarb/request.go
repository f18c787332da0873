package yarb

import (
	"fmt"
	"strings"

	"github.com/ilikeorangutans/yarb/pkg/predicates"
	"github.com/ilikeorangutans/yarb/pkg/timers"
)

// DefaultReaction is the single option of a plain reminder.
const DefaultReaction = "👍"

var numberEmojis = []string{"1️⃣", "2️⃣", "3️⃣", "4️⃣", "5️⃣", "6️⃣", "7️⃣", "8️⃣", "9️⃣", "🔟"}

// Request is a parsed "remind" command.
type Request struct {
	Time    timers.TimeOfDay
	Text    string
	Options timers.Options
}

// IsPoll reports whether the request offers more than one option.
func (r Request) IsPoll() bool {
	return r.Options.Len() > 1
}

// ParseRequest parses "<prefix> HH:MM[:SS] text" where text may hold several options separated by "|".
func ParseRequest(prefix, body string) (Request, error) {
	body = strings.TrimSpace(body)
	if !predicates.HasWordPrefix(body, prefix) {
		return Request{}, fmt.Errorf("message does not start with %s", prefix)
	}

	fields := strings.Fields(body[len(prefix):])
	if len(fields) < 2 {
		return Request{}, fmt.Errorf("need a time and a message")
	}

	tod, err := timers.ParseTimeOfDay(fields[0])
	if err != nil {
		return Request{}, err
	}

	text := strings.Join(fields[1:], " ")
	var choices []string
	for _, part := range strings.Split(text, "|") {
		if part = strings.TrimSpace(part); part != "" {
			choices = append(choices, part)
		}
	}
	if len(choices) == 0 {
		return Request{}, fmt.Errorf("need a message")
	}
	if len(choices) > len(numberEmojis) {
		return Request{}, fmt.Errorf("at most %d options are supported", len(numberEmojis))
	}

	request := Request{Time: tod, Text: strings.Join(choices, " | ")}
	if len(choices) == 1 {
		request.Options = timers.Options{{Emoji: DefaultReaction, Message: choices[0]}}
		return request, nil
	}
	for i, choice := range choices {
		request.Options = append(request.Options, timers.Option{Emoji: numberEmojis[i], Message: choice})
	}
	return request, nil
}
