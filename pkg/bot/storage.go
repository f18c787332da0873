package bot

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

type BotStorage interface {
	mautrix.Storer
	LoadDeviceID() (id.DeviceID, error)
	StoreDeviceID(id.DeviceID) error
}

const (
	keyDeviceID  = "device-id"
	keyFilterID  = "filter"
	keyNextBatch = "batch"
)

// NewSQLBotStorage returns a BotStorage keeping its values in the sync_state table under name.
func NewSQLBotStorage(name string, db *sqlx.DB) *SQLBotStorage {
	return &SQLBotStorage{
		name:   name,
		db:     db,
		rooms:  map[id.RoomID]*mautrix.Room{},
		logger: log.With().Str("component", "SQLBotStorage").Logger(),
	}
}

// SQLBotStorage persists the device ID and the sync position. Rooms are only kept in memory.
type SQLBotStorage struct {
	name   string
	db     *sqlx.DB
	logger zerolog.Logger

	mu    sync.Mutex
	rooms map[id.RoomID]*mautrix.Room
}

func (b *SQLBotStorage) SaveFilterID(userID id.UserID, filterID string) {
	b.logger.Debug().Str("filter-id", filterID).Msg("SaveFilterID")
	if err := b.put(keyFilterID, filterID); err != nil {
		b.logger.Error().Err(err).Msg("SaveFilterID")
	}
}

func (b *SQLBotStorage) LoadFilterID(userID id.UserID) string {
	b.logger.Debug().Msg("LoadFilterID")
	filterID, err := b.get(keyFilterID)
	if err != nil {
		b.logger.Error().Err(err).Msg("LoadFilterID")
	}
	return filterID
}

func (b *SQLBotStorage) SaveNextBatch(userID id.UserID, nextBatchToken string) {
	b.logger.Debug().Str("next-batch-token", nextBatchToken).Msg("SaveNextBatch")
	if err := b.put(keyNextBatch, nextBatchToken); err != nil {
		b.logger.Error().Err(err).Msg("SaveNextBatch")
	}
}

func (b *SQLBotStorage) LoadNextBatch(userID id.UserID) string {
	b.logger.Debug().Msg("LoadNextBatch")
	result, err := b.get(keyNextBatch)
	if err != nil {
		b.logger.Error().Err(err).Msg("LoadNextBatch")
	}
	return result
}

func (b *SQLBotStorage) SaveRoom(room *mautrix.Room) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rooms[room.ID] = room
}

func (b *SQLBotStorage) LoadRoom(roomID id.RoomID) *mautrix.Room {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rooms[roomID]
}

func (b *SQLBotStorage) LoadDeviceID() (id.DeviceID, error) {
	deviceID, err := b.get(keyDeviceID)
	if err != nil {
		return "", err
	}
	return id.DeviceID(deviceID), nil
}

func (b *SQLBotStorage) StoreDeviceID(deviceID id.DeviceID) error {
	return b.put(keyDeviceID, deviceID.String())
}

func (b *SQLBotStorage) get(key string) (string, error) {
	query, args, err := sq.Select("value").
		From("sync_state").
		Where(sq.Eq{"name": b.name, "key": key}).
		ToSql()
	if err != nil {
		return "", fmt.Errorf("could not build query: %w", err)
	}

	var value string
	err = b.db.Get(&value, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

func (b *SQLBotStorage) put(key, value string) error {
	_, err := sq.Replace("sync_state").
		Columns("name", "key", "value").
		Values(b.name, key, value).
		RunWith(b.db).
		Exec()
	if err != nil {
		return fmt.Errorf("could not store %s: %w", key, err)
	}
	return nil
}
