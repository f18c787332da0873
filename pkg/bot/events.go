package bot

import (
	"encoding/json"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	relAnnotation = "m.annotation"
	relReplace    = "m.replace"
)

type incomingContent struct {
	Body       string     `json:"body"`
	RelatesTo  *relatesTo `json:"m.relates_to"`
	NewContent *struct {
		Body string `json:"body"`
	} `json:"m.new_content"`
}

func parseContent(evt *event.Event) (incomingContent, bool) {
	var content incomingContent
	if len(evt.Content.VeryRaw) == 0 {
		return content, false
	}
	if err := json.Unmarshal(evt.Content.VeryRaw, &content); err != nil {
		return content, false
	}
	return content, true
}

// ParseReaction extracts the annotated event and key of an m.reaction event.
func ParseReaction(evt *event.Event) (target id.EventID, key string, ok bool) {
	if evt.Type != event.EventReaction {
		return "", "", false
	}
	content, ok := parseContent(evt)
	if !ok || content.RelatesTo == nil || content.RelatesTo.RelType != relAnnotation {
		return "", "", false
	}
	return content.RelatesTo.EventID, content.RelatesTo.Key, content.RelatesTo.EventID != ""
}

// ParseEdit extracts the replaced event and the new body of an edit.
func ParseEdit(evt *event.Event) (target id.EventID, body string, ok bool) {
	if evt.Type != event.EventMessage {
		return "", "", false
	}
	content, ok := parseContent(evt)
	if !ok || content.RelatesTo == nil || content.RelatesTo.RelType != relReplace || content.RelatesTo.EventID == "" {
		return "", "", false
	}
	if content.NewContent != nil {
		return content.RelatesTo.EventID, content.NewContent.Body, true
	}
	return content.RelatesTo.EventID, content.Body, true
}

// IsEdit reports whether evt replaces an earlier message.
func IsEdit(evt *event.Event) bool {
	_, _, ok := ParseEdit(evt)
	return ok
}
