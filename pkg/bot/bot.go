package bot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ilikeorangutans/yarb/pkg/predicates"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type EventHandler func(context.Context, MatrixClient, mautrix.EventSource, *event.Event) error

type BotConfiguration struct {
	Username          string
	Password          string
	HomeserverURL     *url.URL
	RequestsPerSecond float64
}

func NewBot(config BotConfiguration, storage BotStorage, ledger *ReactionLedger) (*Bot, error) {
	logger := log.With().Str("component", "bot").Logger()
	client, err := mautrix.NewClient(config.HomeserverURL.String(), "", "")
	if err != nil {
		return nil, fmt.Errorf("could not create client: %w", err)
	}
	client.Store = storage

	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 5
	}
	requester := newRequester(config.RequestsPerSecond)

	return &Bot{
		client:    client,
		config:    config,
		logger:    logger,
		storage:   storage,
		ledger:    ledger,
		requester: requester,
		matrix:    NewAsyncMatrixClient(client, requester),
		userID:    id.UserID(config.Username),
	}, nil
}

type Handler struct {
	Func       EventHandler
	Predicates []predicates.EventPredicate
}

// Bot connects to the homeserver, dispatches events to handlers and delivers reminders.
type Bot struct {
	client    *mautrix.Client
	config    BotConfiguration
	logger    zerolog.Logger
	storage   BotStorage
	ledger    *ReactionLedger
	requester *requester
	handlers  []Handler
	matrix    *AsyncMatrixClient
	userID    id.UserID
}

// Authenticate logs in, reusing the stored device ID.
func (b *Bot) Authenticate(ctx context.Context) error {
	deviceID, err := b.storage.LoadDeviceID()
	if err != nil {
		return fmt.Errorf("could not load device id: %w", err)
	}

	var loginResp *mautrix.RespLogin
	err = b.requester.do(ctx, "Login", func() error {
		var err error
		loginResp, err = b.client.Login(&mautrix.ReqLogin{
			Type:             mautrix.AuthTypePassword,
			Identifier:       mautrix.UserIdentifier{Type: mautrix.IdentifierTypeUser, User: b.config.Username},
			Password:         b.config.Password,
			StoreCredentials: true,
			DeviceID:         deviceID,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	if loginResp.DeviceID != deviceID {
		if err := b.storage.StoreDeviceID(loginResp.DeviceID); err != nil {
			return fmt.Errorf("error storing device id: %w", err)
		}
	}
	b.userID = loginResp.UserID

	b.logger.Info().Str("device-id", loginResp.DeviceID.String()).Str("user-id", loginResp.UserID.String()).Msg("login successful")
	return nil
}

// Run syncs until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	if err := b.respectLimits(b.client.SetPresence(event.PresenceOnline)); err != nil {
		return fmt.Errorf("setting presence failed: %w", err)
	}

	syncer := b.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventReaction, func(source mautrix.EventSource, evt *event.Event) {
		b.recordReaction(ctx, evt)
	})
	syncer.OnEventType(event.EventRedaction, func(source mautrix.EventSource, evt *event.Event) {
		if err := b.ledger.Redact(ctx, evt.Redacts); err != nil {
			b.logger.Error().Err(err).Msg("could not apply redaction")
		}
	})
	syncer.OnEvent(func(source mautrix.EventSource, evt *event.Event) {
		b.dispatch(ctx, source, evt)
	})

	b.matrix.Start(ctx)
	go func() {
		b.logger.Info().Msg("beginning sync")
		for {
			err := b.client.Sync()
			if err == nil || ctx.Err() != nil {
				return
			}
			if errors.Is(err, mautrix.MLimitExceeded) {
				b.logger.Warn().Err(err).Msg("limit exceeded, backing off")
				time.Sleep(10 * time.Second)
				continue
			}
			b.logger.Error().Err(err).Msg("sync failed, retrying")
			time.Sleep(5 * time.Second)
		}
	}()

	<-ctx.Done()
	b.logger.Info().Msg("shutting down")
	b.client.StopSync()
	if err := b.respectLimits(b.client.SetPresence(event.PresenceOffline)); err != nil {
		return fmt.Errorf("setting presence failed: %w", err)
	}
	return nil
}

func (b *Bot) dispatch(ctx context.Context, source mautrix.EventSource, evt *event.Event) {
	if evt.Type == event.EphemeralEventReceipt {
		return
	}

	b.logger.Debug().Str("source", source.String()).Str("sender", evt.Sender.String()).Str("type", evt.Type.Type).Msg("event")

	for _, handler := range b.handlers {
		if !predicates.All(handler.Predicates...)(source, evt) {
			continue
		}

		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := handler.Func(ctx, b.matrix, source, evt); err != nil {
			b.logger.Error().Err(err).Str("event-id", evt.ID.String()).Msg("handler failed")
		}
		cancel()
	}

	if evt.ID != "" && evt.Sender != b.userID {
		b.client.MarkRead(evt.RoomID, evt.ID)
	}
}

func (b *Bot) recordReaction(ctx context.Context, evt *event.Event) {
	target, key, ok := ParseReaction(evt)
	if !ok {
		return
	}
	err := b.ledger.Record(ctx, Reaction{
		EventID:   evt.ID,
		RoomID:    evt.RoomID,
		TargetID:  target,
		Key:       key,
		Sender:    evt.Sender,
		CreatedAt: time.Unix(0, evt.Timestamp*int64(time.Millisecond)),
	})
	if err != nil {
		b.logger.Error().Err(err).Msg("could not record reaction")
	}
}

func (b *Bot) On(handler EventHandler, predicates ...predicates.EventPredicate) {
	b.handlers = append(b.handlers, Handler{
		Func:       handler,
		Predicates: predicates,
	})
}

func (b *Bot) Self() id.UserID {
	return b.userID
}

// SendMessage sends markdown as a reply that mentions the given users.
func (b *Bot) SendMessage(ctx context.Context, roomID id.RoomID, replyTo id.EventID, mentioned []id.UserID, markdown string) (id.EventID, error) {
	content := newMessageContent(markdown)
	if replyTo != "" {
		content.RelatesTo = &relatesTo{InReplyTo: &inReplyTo{EventID: replyTo}}
	}
	if len(mentioned) > 0 {
		content.Mentions = &mentions{UserIDs: mentioned}
	}

	var resp *mautrix.RespSendEvent
	err := b.requester.do(ctx, "SendMessage", func() error {
		var err error
		resp, err = b.client.SendMessageEvent(roomID, event.EventMessage, content)
		return err
	})
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// SendReaction annotates eventID with key and returns the reaction's event ID.
func (b *Bot) SendReaction(ctx context.Context, roomID id.RoomID, eventID id.EventID, key string) (id.EventID, error) {
	content := reactionContent{RelatesTo: relatesTo{RelType: relAnnotation, EventID: eventID, Key: key}}

	var resp *mautrix.RespSendEvent
	err := b.requester.do(ctx, "SendReaction", func() error {
		var err error
		resp, err = b.client.SendMessageEvent(roomID, event.EventReaction, content)
		return err
	})
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// RedactMessage redacts eventID and forgets it if it was a reaction.
func (b *Bot) RedactMessage(ctx context.Context, roomID id.RoomID, eventID id.EventID) error {
	err := b.requester.do(ctx, "RedactEvent", func() error {
		_, err := b.client.RedactEvent(roomID, eventID)
		return err
	})
	if err != nil {
		return err
	}
	return b.ledger.Redact(ctx, eventID)
}

func (b *Bot) JoinRoom(ctx context.Context, roomID id.RoomID) error {
	return b.requester.do(ctx, "JoinRoom", func() error {
		_, err := b.client.JoinRoomByID(roomID)
		return err
	})
}

// ReactionAggregate reads the reactions on eventID seen so far.
func (b *Bot) ReactionAggregate(ctx context.Context, roomID id.RoomID, eventID id.EventID) (map[string][]id.UserID, error) {
	return b.ledger.Aggregate(ctx, roomID, eventID)
}

func (b *Bot) respectLimits(err error) error {
	if errors.Is(err, mautrix.MLimitExceeded) {
		b.logger.Warn().Err(err).Msg("request exceeded limit")
		return nil
	}

	return err
}
