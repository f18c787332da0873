package timers

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SweepInterval is the period between two sweeps.
const SweepInterval = 30 * time.Second

// TimerResolver fires a single due timer.
type TimerResolver interface {
	Resolve(ctx context.Context, timer Timer) (Outcome, error)
}

// Result describes what happened to one due timer during a sweep.
type Result struct {
	Timer   Timer
	Outcome Outcome
	Err     error
}

type SchedulerOption func(*Scheduler)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// WithSchedule replaces the default sweep schedule.
func WithSchedule(schedule cron.Schedule) SchedulerOption {
	return func(s *Scheduler) { s.schedule = schedule }
}

// WithLocation sets the time zone in which times of day are interpreted. Defaults to time.Local.
func WithLocation(loc *time.Location) SchedulerOption {
	return func(s *Scheduler) { s.location = loc }
}

func NewScheduler(store *Store, resolver TimerResolver, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		resolver: resolver,
		clock:    clock.New(),
		location: time.Local,
		logger:   log.With().Str("component", "timers.Scheduler").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scheduler periodically fires the store's due timers.
type Scheduler struct {
	store    *Store
	resolver TimerResolver
	clock    clock.Clock
	location *time.Location
	schedule cron.Schedule
	logger   zerolog.Logger
}

// Start sweeps at the next full minute and every SweepInterval after that, until ctx is done. The returned channel is
// closed once the last running sweep has finished.
func (s *Scheduler) Start(ctx context.Context) <-chan struct{} {
	cronLogger := CronLogger(s.logger)
	c := cron.New(
		cron.WithLocation(s.location),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger)),
	)
	schedule := s.schedule
	if schedule == nil {
		schedule = NewAlignedSchedule(s.clock.Now().In(s.location), SweepInterval)
	}
	c.Schedule(schedule, cron.FuncJob(func() {
		s.Sweep(ctx)
	}))

	s.logger.Info().Time("first-sweep", schedule.Next(time.Now().In(s.location))).Int("pending", s.store.Len()).Msg("starting scheduler")
	c.Start()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		s.logger.Info().Msg("shutting down scheduler")
		<-c.Stop().Done()
	}()

	return stopped
}

// Sweep fires every timer that is due now. Timers are removed from the store before they are resolved, so each is
// fired at most once.
func (s *Scheduler) Sweep(ctx context.Context) []Result {
	now := TimeOfDayOf(s.clock.Now().In(s.location))
	snapshot := s.store.Snapshot()
	s.logger.Debug().Str("now", now.String()).Int("timers", len(snapshot)).Msg("sweeping")

	var results []Result
	for _, timer := range snapshot {
		if ctx.Err() != nil {
			s.logger.Info().Int("fired", len(results)).Msg("sweep interrupted, remaining timers stay pending")
			return results
		}
		if timer.TimeToRemind.After(now) {
			continue
		}

		removed, err := s.store.Remove(timer)
		if err != nil {
			s.logger.Error().Err(err).Str("timer", timer.String()).Msg("could not remove due timer, retrying next sweep")
			continue
		}
		if !removed {
			s.logger.Debug().Str("timer", timer.String()).Msg("timer was cancelled before firing")
			continue
		}

		result := s.fire(ctx, timer)
		if result.Err != nil {
			firedTimers.WithLabelValues("failed").Inc()
			s.logger.Error().Err(result.Err).Str("timer", timer.String()).Msg("firing timer failed")
		} else {
			firedTimers.WithLabelValues(result.Outcome.String()).Inc()
		}
		results = append(results, result)
	}

	return results
}

func (s *Scheduler) fire(ctx context.Context, timer Timer) (result Result) {
	result.Timer = timer
	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("panic while resolving: %v", r)
		}
	}()

	result.Outcome, result.Err = s.resolver.Resolve(ctx, timer)
	return result
}

// NewAlignedSchedule returns a schedule that first fires at the minute boundary following start and then every
// interval.
func NewAlignedSchedule(start time.Time, interval time.Duration) *AlignedSchedule {
	return &AlignedSchedule{
		First:    start.Truncate(time.Minute).Add(time.Minute),
		Interval: interval,
	}
}

// AlignedSchedule is a cron.Schedule anchored at First.
type AlignedSchedule struct {
	First    time.Time
	Interval time.Duration
}

func (a *AlignedSchedule) Next(t time.Time) time.Time {
	if t.Before(a.First) {
		return a.First
	}
	steps := t.Sub(a.First)/a.Interval + 1
	return a.First.Add(steps * a.Interval)
}

// CronLogger adapts a zerolog logger to cron.Logger.
func CronLogger(logger zerolog.Logger) cron.Logger {
	return cronLogger{logger: logger}
}

type cronLogger struct {
	logger zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug().Fields(fields(keysAndValues)).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error().Err(err).Fields(fields(keysAndValues)).Msg(msg)
}

func fields(keysAndValues []interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		result[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return result
}
