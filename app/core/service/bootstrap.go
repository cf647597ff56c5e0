package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	config "callup/app/configs"
	"callup/app/core/classify"
	"callup/app/core/interaction/telegram"
	"callup/app/core/interaction/twilio"
	"callup/app/core/ledger"
	"callup/app/core/orchestrator/cycle"
	"callup/app/core/orchestrator/db"
	"callup/app/core/orchestrator/reconcile"
	"callup/app/core/route"
	"callup/app/core/tracker"
	"callup/app/core/workhours"
	"callup/app/pkg/logger"
)

type Options struct {
	ConfigPath string
	DataDir    string
	AuditDir   string
}

// Runtime holds the assembled components shared by the daemon and the
// one-shot commands. Construction order matters only for the database,
// everything else is wiring.
type Runtime struct {
	CfgManager *config.Manager
	Cfg        config.Config

	DB    *db.DB
	Store *ledger.Store

	Tracker     *tracker.Client
	Router      *route.Router
	Hours       *workhours.Window
	Classifier  classify.Classifier
	Transcriber cycle.Transcriber
	Audit       *classify.AuditLog

	Bot   *telegram.Bot
	Phone *twilio.Client
}

func Bootstrap(opts Options) (*Runtime, error) {
	if opts.ConfigPath == "" {
		opts.ConfigPath = config.DefaultPath()
	}
	if opts.DataDir == "" {
		opts.DataDir = "output/db"
	}
	if opts.AuditDir == "" {
		opts.AuditDir = "output/oracle"
	}

	cfgManager, err := config.NewManager(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg := cfgManager.Get()

	database, err := db.NewSQLiteDB(opts.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	hours, err := workhours.NewWindow(cfg.WorkingHours, cfg.Reminder)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("working hours: %w", err)
	}

	rt := &Runtime{
		CfgManager: cfgManager,
		Cfg:        cfg,
		DB:         database,
		Store:      ledger.NewStore(database),
		Tracker:    tracker.NewClient(cfg.Tracker, hours.Location()),
		Router:     route.NewRouter(cfg.Routing),
		Hours:      hours,
		Audit:      classify.NewAuditLog(opts.AuditDir),
	}

	timeout := time.Duration(cfg.OpenAI.RequestTimeoutSec) * time.Second
	if apiKey := os.Getenv(cfg.OpenAI.APIKeyEnv); apiKey != "" {
		rt.Classifier = classify.NewOracle(apiKey, cfg.OpenAI.BaseURL, cfg.Reminder.ClassifierModel, timeout, classify.WithAudit(rt.Audit))
		rt.Transcriber = classify.NewTranscriber(apiKey, cfg.OpenAI.BaseURL, cfg.Reminder.TranscriptionModel, cfg.Reminder.TranscriptionLanguage, timeout, rt.Audit)
	} else {
		logger.Info("service: no oracle api key, using heuristic classifier")
		rt.Classifier = classify.Heuristic{}
		rt.Transcriber = unavailableTranscriber{}
	}

	rt.Bot = telegram.NewBot(telegram.Config{
		BotToken:      os.Getenv(cfg.Telegram.TokenEnv),
		DefaultChatID: cfg.Telegram.DefaultChatID,
		StatusButtons: cfg.Telegram.StatusButtons,
		ButtonsPerRow: cfg.Telegram.ButtonsPerRow,
	})
	rt.Phone = twilio.NewClient(twilio.Config{
		AccountSID: os.Getenv(cfg.Twilio.AccountSIDEnv),
		AuthToken:  os.Getenv(cfg.Twilio.AuthTokenEnv),
		FromNumber: cfg.Twilio.FromNumber,
		APIRoot:    cfg.Twilio.APIRoot,
	})

	return rt, nil
}

func (r *Runtime) Close() error {
	return r.DB.Close()
}

// NewOrchestrator assembles the reminder cycle over the runtime components.
func (r *Runtime) NewOrchestrator(dryRunVoice bool) *cycle.Orchestrator {
	return cycle.New(cycle.Config{
		SettleDelay:          time.Duration(r.Cfg.Reminder.VoiceSettleSeconds) * time.Second,
		RecordingPollTimeout: time.Duration(r.Cfg.Reminder.RecordingPollSeconds) * time.Second,
		SummaryChatID:        r.Cfg.Telegram.SummaryChatID,
		VoiceStatusCallback:  r.Cfg.Twilio.StatusCallbackURL,
		DryRunVoice:          dryRunVoice,
	}, r.Tracker, r.Store, r.Router, r.Bot, r.Phone, r.Classifier, r.Transcriber, r.Hours, twilio.BuildCallScript)
}

// NewReconciler assembles the callback reconciler over the runtime components.
func (r *Runtime) NewReconciler() *reconcile.Reconciler {
	return reconcile.New(
		reconcile.Config{SummaryChatID: r.Cfg.Telegram.SummaryChatID},
		r.Tracker, r.Store, r.Classifier, r.Hours, r.Bot, r.Phone,
		r.Cfg.Telegram.StatusButtons,
	)
}

// unavailableTranscriber stands in when no speech-to-text backend is
// configured; voice replies then degrade to UNCLEAR downstream.
type unavailableTranscriber struct{}

func (unavailableTranscriber) Transcribe(context.Context, []byte) (string, error) {
	return "", errors.New("transcription backend not configured")
}
