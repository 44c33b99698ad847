package app

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dkwang/voicebridge/internal/eventlog"
	"github.com/dkwang/voicebridge/internal/httpapi"
	"github.com/dkwang/voicebridge/internal/jobs"
	"github.com/dkwang/voicebridge/internal/store"
)

type App struct {
	cfg       Config
	logger    *log.Logger
	db        *pgxpool.Pool
	store     *store.Store
	eventLog  *eventlog.Logger
	dialer    httpapi.CallCreator
	retention *jobs.RetentionJob
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	// The call log is optional. Without DATABASE_URL the server still
	// answers webhooks and bridges media; it just persists nothing.
	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		db = pool

		// Migrations are applied externally; no automatic runner at startup.
	} else {
		logger.Println("DATABASE_URL not set, running without call log")
	}

	s := store.New(db)
	el := eventlog.New(db)

	var dialer httpapi.CallCreator
	if cfg.TwilioAccountSID != "" && cfg.TwilioAuthToken != "" {
		dialer = httpapi.NewTwilioDialer(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
	} else {
		logger.Println("Twilio credentials not set, outbound calls disabled")
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    s,
		eventLog: el,
		dialer:   dialer,
	}

	if s.Enabled() {
		a.retention = jobs.NewRetentionJob(s, logger, cfg.CallRetentionDays, 0)
		a.retention.Start()
	}

	return a, nil
}

func (a *App) Router(streams *httpapi.StreamRegistry) http.Handler {
	routerCfg := httpapi.RouterConfig{
		PublicBaseURL:     a.cfg.PublicBaseURL,
		TwilioAccountSID:  a.cfg.TwilioAccountSID,
		TwilioAuthToken:   a.cfg.TwilioAuthToken,
		TwilioFromNumber:  a.cfg.TwilioFromNumber,
		OpenAIAPIKey:      a.cfg.OpenAIAPIKey,
		RealtimeModel:     a.cfg.RealtimeModel,
		RealtimeVoice:     a.cfg.RealtimeVoice,
		Instructions:      a.cfg.Instructions,
		OpeningPrompt:     a.cfg.OpeningPrompt,
		Temperature:       a.cfg.Temperature,
		GreetingText:      a.cfg.GreetingText,
		FollowUpText:      a.cfg.FollowUpText,
		PauseSeconds:      a.cfg.PauseSeconds,
		StreamPath:        a.cfg.StreamPath,
		SayVoice:          a.cfg.SayVoice,
		StreamTokenSecret: a.cfg.StreamTokenSecret,
		StreamTokenTTL:    a.cfg.StreamTokenTTL,
		DiscordWebhookURL: a.cfg.DiscordWebhookURL,
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.store, a.eventLog, streams, a.dialer)
}

func (a *App) Close() error {
	if a.retention != nil {
		a.retention.Stop()
	}
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
