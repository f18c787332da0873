package timers

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"maunium.net/go/mautrix/id"
)

var (
	ErrDuplicateTimer = errors.New("timer for this request already exists")
	ErrNoOptions      = errors.New("timer has no options")
)

// Store holds the pending timers and mirrors them to a JSON file. Every mutation rewrites the whole file through a
// temporary file and a rename, so the file on disk is always a complete state.
type Store struct {
	path   string
	logger zerolog.Logger

	mu     sync.Mutex
	timers []Timer
}

// Open loads the timers stored at path. A missing file yields an empty store, a malformed one an error.
func Open(path string) (*Store, error) {
	s := &Store{
		path:   path,
		logger: log.With().Str("component", "timers.Store").Str("path", path).Logger(),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info().Msg("no timer file, starting empty")
		pendingTimers.Set(0)
		return s, nil
	} else if err != nil {
		return nil, fmt.Errorf("could not read timers: %w", err)
	}

	var timers []Timer
	if err := json.Unmarshal(data, &timers); err != nil {
		return nil, fmt.Errorf("could not parse timers in %s: %w", path, err)
	}
	seen := make(map[id.EventID]struct{}, len(timers))
	for i, timer := range timers {
		if err := validate(timer); err != nil {
			return nil, fmt.Errorf("invalid timer %d in %s: %w", i, path, err)
		}
		if _, ok := seen[timer.OriginalRequestMessage]; ok {
			return nil, fmt.Errorf("invalid timer %d in %s: %w: %s", i, path, ErrDuplicateTimer, timer.OriginalRequestMessage)
		}
		seen[timer.OriginalRequestMessage] = struct{}{}
	}
	s.timers = timers
	s.logger.Info().Int("count", len(timers)).Msg("loaded timers")
	pendingTimers.Set(float64(len(timers)))

	return s, nil
}

// Add stores a new timer and persists it.
func (s *Store) Add(timer Timer) error {
	if err := validate(timer); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexLocked(timer.OriginalRequestMessage) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateTimer, timer.OriginalRequestMessage)
	}

	next := make([]Timer, 0, len(s.timers)+1)
	next = append(next, s.timers...)
	next = append(next, timer.Clone())
	if err := s.commitLocked(next); err != nil {
		return err
	}

	s.logger.Debug().Str("timer", timer.String()).Msg("added timer")
	return nil
}

// RemoveByOriginalRequestMessage removes the timer created by the given request. The bool is false when no timer
// matched.
func (s *Store) RemoveByOriginalRequestMessage(eventID id.EventID) (Timer, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(eventID)
	if i < 0 {
		return Timer{}, false, nil
	}
	removed := s.timers[i]
	if err := s.commitLocked(without(s.timers, i)); err != nil {
		return Timer{}, false, err
	}

	s.logger.Debug().Str("timer", removed.String()).Msg("removed timer")
	return removed.Clone(), true, nil
}

// Remove removes the given timer. It reports whether the timer was still present.
func (s *Store) Remove(timer Timer) (bool, error) {
	_, ok, err := s.RemoveByOriginalRequestMessage(timer.OriginalRequestMessage)
	return ok, err
}

// FindByRequestMessage returns the timer whose original or current request message is eventID.
func (s *Store) FindByRequestMessage(eventID id.EventID) (Timer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.timers {
		if t.OriginalRequestMessage == eventID || t.CurrentRequestMessage == eventID {
			return t.Clone(), true
		}
	}
	return Timer{}, false
}

// Snapshot returns a copy of all timers.
func (s *Store) Snapshot() []Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Timer, 0, len(s.timers))
	for _, t := range s.timers {
		result = append(result, t.Clone())
	}
	return result
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Store) indexLocked(eventID id.EventID) int {
	for i, t := range s.timers {
		if t.OriginalRequestMessage == eventID {
			return i
		}
	}
	return -1
}

// commitLocked writes next to disk and only then makes it the in-memory state.
func (s *Store) commitLocked(next []Timer) error {
	if err := s.write(next); err != nil {
		s.logger.Error().Err(err).Msg("persisting timers failed")
		return err
	}
	s.timers = next
	pendingTimers.Set(float64(len(next)))
	return nil
}

func (s *Store) write(timers []Timer) error {
	if timers == nil {
		timers = []Timer{}
	}
	data, err := json.MarshalIndent(timers, "", "  ")
	if err != nil {
		return fmt.Errorf("could not encode timers: %w", err)
	}

	dir, base := filepath.Split(s.path)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, base+".*.tmp")
	if err != nil {
		return fmt.Errorf("could not create temporary timer file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("could not write timers: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("could not sync timers: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("could not close timer file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("could not replace timer file: %w", err)
	}

	return nil
}

func validate(timer Timer) error {
	if timer.EmojiToMessage.Len() == 0 {
		return ErrNoOptions
	}
	return timer.EmojiToMessage.Validate()
}

func without(timers []Timer, i int) []Timer {
	next := make([]Timer, 0, len(timers)-1)
	next = append(next, timers[:i]...)
	return append(next, timers[i+1:]...)
}
