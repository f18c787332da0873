package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/renderer/html"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const (
	maxAttempts    = 3
	limitedBackoff = 2 * time.Second
)

// MatrixClient is what event handlers use to answer. Sends are queued and never block the handler.
type MatrixClient interface {
	SendText(id.RoomID, string)
	SendNotice(id.RoomID, string)
	SendMarkdown(id.RoomID, string)
}

// requester throttles homeserver calls and retries the ones rejected with M_LIMIT_EXCEEDED.
type requester struct {
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func newRequester(requestsPerSecond float64) *requester {
	return &requester{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		logger:  log.With().Str("component", "requester").Logger(),
	}
}

func (r *requester) do(ctx context.Context, name string, f func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		err = f()
		if !errors.Is(err, mautrix.MLimitExceeded) || attempt == maxAttempts {
			break
		}

		r.logger.Warn().Str("request", name).Int("attempt", attempt).Msg("limit exceeded, backing off")
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", name, ctx.Err())
		case <-time.After(limitedBackoff * time.Duration(attempt)):
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func NewAsyncMatrixClient(client *mautrix.Client, requester *requester) *AsyncMatrixClient {
	return &AsyncMatrixClient{
		client:    client,
		requester: requester,
		queue:     make(chan func(context.Context) error, 100),
		logger:    log.With().Str("component", "AsyncMatrixClient").Logger(),
	}
}

// AsyncMatrixClient sends handler replies from a queue.
type AsyncMatrixClient struct {
	client    *mautrix.Client
	requester *requester
	queue     chan func(context.Context) error
	logger    zerolog.Logger
}

func (a *AsyncMatrixClient) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				a.logger.Info().Int("dropped", len(a.queue)).Msg("stopping queue")
				return

			case f := <-a.queue:
				a.logger.Debug().Msg("handling event")
				a.run(ctx, f)
				a.logger.Debug().Msg("event handled")
			}
		}
	}()
}

func (a *AsyncMatrixClient) run(ctx context.Context, f func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := f(ctx); err != nil {
		a.logger.Error().Err(err).Msg("handling queue")
	}
}

func (a *AsyncMatrixClient) SendText(roomID id.RoomID, message string) {
	a.logger.Info().Str("message", message).Msg("SendText")
	a.queue <- func(ctx context.Context) error {
		return a.requester.do(ctx, "SendText", func() error {
			_, err := a.client.SendText(roomID, message)
			return err
		})
	}
}

func (a *AsyncMatrixClient) SendNotice(roomID id.RoomID, message string) {
	a.logger.Info().Str("message", message).Msg("SendNotice")
	a.queue <- func(ctx context.Context) error {
		return a.requester.do(ctx, "SendNotice", func() error {
			_, err := a.client.SendNotice(roomID, message)
			return err
		})
	}
}

func (a *AsyncMatrixClient) SendMarkdown(roomID id.RoomID, markdown string) {
	a.logger.Info().Str("message", markdown).Msg("SendMarkdown")
	content := newMessageContent(markdown)
	a.queue <- func(ctx context.Context) error {
		return a.requester.do(ctx, "SendMarkdown", func() error {
			_, err := a.client.SendMessageEvent(roomID, event.EventMessage, content)
			return err
		})
	}
}

var markdownRenderer = goldmark.New(goldmark.WithRendererOptions(html.WithHardWraps()))

// RenderMarkdown converts markdown into the HTML used for formatted_body.
func RenderMarkdown(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := markdownRenderer.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(buf.Bytes())), nil
}

// messageContent is an m.room.message with the reply and m.mentions fields the pinned mautrix version lacks.
type messageContent struct {
	MsgType       string     `json:"msgtype"`
	Body          string     `json:"body"`
	Format        string     `json:"format,omitempty"`
	FormattedBody string     `json:"formatted_body,omitempty"`
	RelatesTo     *relatesTo `json:"m.relates_to,omitempty"`
	Mentions      *mentions  `json:"m.mentions,omitempty"`
}

type relatesTo struct {
	RelType   string     `json:"rel_type,omitempty"`
	EventID   id.EventID `json:"event_id,omitempty"`
	Key       string     `json:"key,omitempty"`
	InReplyTo *inReplyTo `json:"m.in_reply_to,omitempty"`
}

type inReplyTo struct {
	EventID id.EventID `json:"event_id"`
}

type mentions struct {
	UserIDs []id.UserID `json:"user_ids,omitempty"`
}

type reactionContent struct {
	RelatesTo relatesTo `json:"m.relates_to"`
}

func newMessageContent(markdown string) *messageContent {
	content := &messageContent{
		MsgType: "m.text",
		Body:    markdown,
	}
	formatted, err := RenderMarkdown(markdown)
	if err != nil {
		log.Warn().Err(err).Msg("could not render markdown, sending plain text")
		return content
	}
	content.Format = "org.matrix.custom.html"
	content.FormattedBody = formatted
	return content
}
