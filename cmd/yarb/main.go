package main

import (
	"context"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ilikeorangutans/yarb/pkg/bot"
	"github.com/ilikeorangutans/yarb/pkg/db"
	"github.com/ilikeorangutans/yarb/pkg/observability"
	"github.com/ilikeorangutans/yarb/pkg/predicates"
	"github.com/ilikeorangutans/yarb/pkg/timers"
	"github.com/ilikeorangutans/yarb/pkg/version"
	"github.com/ilikeorangutans/yarb/pkg/yarb"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
)

// reactions older than this belong to polls that have long been resolved
const reactionRetention = 48 * time.Hour

type Config struct {
	FancyLogs         bool `split_words:"true"`
	Debug             bool
	HomeserverURL     *url.URL `split_words:"true" required:"true"`
	UserID            string   `split_words:"true" required:"true"`
	Password          string   `split_words:"true" required:"true"`
	DataPath          string   `split_words:"true" required:"true"`
	MetricsAddr       string   `split_words:"true" default:":8080"`
	Timezone          string   `default:"Local"`
	CommandPrefix     string   `split_words:"true" default:"!remind"`
	RequestsPerSecond float64  `split_words:"true" default:"5"`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatal().Err(err).Msg("could not load .env")
	}

	var config Config
	if err := envconfig.Process("yarb", &config); err != nil {
		log.Fatal().Err(err).Send()
	}

	if config.FancyLogs {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if config.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	location, err := time.LoadLocation(config.Timezone)
	if err != nil {
		log.Fatal().Err(err).Str("timezone", config.Timezone).Msg("unknown timezone")
	}

	log.Info().
		Str("log-level", zerolog.GlobalLevel().String()).
		Str("sha", version.SHA).
		Str("build-time", version.BuildTime).
		Str("data-path", config.DataPath).
		Str("homeserverURL", config.HomeserverURL.String()).
		Str("userID", config.UserID).
		Str("timezone", location.String()).
		Msg("yarb starting up")

	database, err := db.Open(filepath.Join(config.DataPath, "yarb.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("opening database failed")
	}
	defer database.Close()

	store, err := timers.Open(filepath.Join(config.DataPath, "timers.json"))
	if err != nil {
		log.Fatal().Err(err).Msg("loading timers failed")
	}

	ledger := bot.NewReactionLedger(database)
	b, err := bot.NewBot(bot.BotConfiguration{
		Username:          config.UserID,
		Password:          config.Password,
		HomeserverURL:     config.HomeserverURL,
		RequestsPerSecond: config.RequestsPerSecond,
	}, bot.NewSQLBotStorage("yarb", database), ledger)
	if err != nil {
		log.Fatal().Err(err).Msg("creating bot failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Authenticate(ctx); err != nil {
		log.Fatal().Err(err).Msg("authentication failed")
	}

	scheduler := timers.NewScheduler(store, timers.NewResolver(b), timers.WithLocation(location))
	schedulerStopped := scheduler.Start(ctx)

	reminders := yarb.NewReminders(b, store, config.CommandPrefix, yarb.WithLocation(location))
	yarb.AddReminderHandlers(b, reminders)
	b.On(
		func(ctx context.Context, client bot.MatrixClient, source mautrix.EventSource, evt *event.Event) error {
			if evt.StateKey == nil || *evt.StateKey != b.Self().String() {
				return nil
			}
			log.Info().Str("room-id", evt.RoomID.String()).Str("sender", evt.Sender.String()).Msg("invite to room")
			return b.JoinRoom(ctx, evt.RoomID)
		},
		predicates.InvitedToRoom(),
	)

	housekeeping := cron.New(cron.WithLocation(location), cron.WithLogger(timers.CronLogger(log.Logger)))
	housekeeping.AddFunc("@daily", func() {
		pruned, err := ledger.Prune(ctx, time.Now().Add(-reactionRetention))
		if err != nil {
			log.Error().Err(err).Msg("pruning reactions failed")
			return
		}
		log.Info().Int64("pruned", pruned).Msg("pruned reactions")
	})
	housekeeping.Start()
	defer housekeeping.Stop()

	go observability.MakeObservable(ctx, config.MetricsAddr)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		log.Info().Msg("received interrupt signal")
		cancel()
	}()

	if err := b.Run(ctx); err != nil {
		log.Fatal().Err(err).Send()
	}
	<-schedulerStopped
}
