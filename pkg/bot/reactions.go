package bot

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"maunium.net/go/mautrix/id"
)

// Reaction is a single m.reaction event.
type Reaction struct {
	EventID   id.EventID `db:"event_id"`
	RoomID    id.RoomID  `db:"room_id"`
	TargetID  id.EventID `db:"target_id"`
	Key       string     `db:"key"`
	Sender    id.UserID  `db:"sender"`
	CreatedAt time.Time  `db:"created_at"`
}

func NewReactionLedger(db *sqlx.DB) *ReactionLedger {
	return &ReactionLedger{db: db}
}

// ReactionLedger remembers the reactions seen during sync, so aggregates can be read without asking the homeserver.
type ReactionLedger struct {
	db *sqlx.DB
}

// Record stores a reaction. Recording the same event twice is a no-op.
func (r *ReactionLedger) Record(ctx context.Context, reaction Reaction) error {
	_, err := sq.Insert("reactions").
		Options("OR IGNORE").
		Columns("event_id", "room_id", "target_id", "key", "sender", "created_at").
		Values(reaction.EventID, reaction.RoomID, reaction.TargetID, reaction.Key, reaction.Sender, reaction.CreatedAt.UTC()).
		RunWith(r.db).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("could not record reaction %s: %w", reaction.EventID, err)
	}
	return nil
}

// Redact forgets the reaction with the given event ID, if it is one.
func (r *ReactionLedger) Redact(ctx context.Context, eventID id.EventID) error {
	_, err := sq.Delete("reactions").
		Where(sq.Eq{"event_id": eventID}).
		RunWith(r.db).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("could not redact reaction %s: %w", eventID, err)
	}
	return nil
}

// Aggregate returns the senders per reaction key on target, oldest first.
func (r *ReactionLedger) Aggregate(ctx context.Context, roomID id.RoomID, target id.EventID) (map[string][]id.UserID, error) {
	query, args, err := sq.Select("*").
		From("reactions").
		Where(sq.Eq{"room_id": roomID, "target_id": target}).
		OrderBy("created_at", "rowid").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("could not build query: %w", err)
	}

	var reactions []Reaction
	if err := sqlx.SelectContext(ctx, r.db, &reactions, query, args...); err != nil {
		return nil, fmt.Errorf("could not load reactions: %w", err)
	}

	result := map[string][]id.UserID{}
	for _, reaction := range reactions {
		result[reaction.Key] = append(result[reaction.Key], reaction.Sender)
	}
	return result, nil
}

// Prune drops reactions older than the given time and returns how many were removed.
func (r *ReactionLedger) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := sq.Delete("reactions").
		Where(sq.Lt{"created_at": before.UTC()}).
		RunWith(r.db).
		ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("could not prune reactions: %w", err)
	}
	return res.RowsAffected()
}
