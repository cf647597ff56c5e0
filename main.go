package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "callup/app/configs"
	"callup/app/core/interaction/webhook"
	"callup/app/core/orchestrator/cycle"
	"callup/app/core/orchestrator/reconcile"
	"callup/app/core/queue"
	"callup/app/core/scheduler"
	"callup/app/core/service"
	"callup/app/pkg/logger"
	"callup/app/pkg/types"
)

const smsPollCursor = "sms_poll"

func main() {
	if err := logger.Init("output/logs"); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger.Info("Callup starting...")

	rt, err := service.Bootstrap(service.Options{ConfigPath: config.DefaultPath()})
	if err != nil {
		logger.Error("Failed to bootstrap: %v", err)
		os.Exit(1)
	}
	defer rt.Close()
	logger.Info("Database and components initialized")

	reconciler := rt.NewReconciler()
	orchestrator := rt.NewOrchestrator(false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventQueue := queue.New(128)
	if err := eventQueue.Start(ctx, 1); err != nil {
		logger.Error("Failed to start event queue: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := eventQueue.Stop(5 * time.Second); err != nil {
			logger.Error("Event queue shutdown: %v", err)
		}
	}()

	submit := func(event types.CallbackEvent) error {
		_, err := eventQueue.Enqueue(queue.Job{
			ID:             event.EventID,
			AttemptTimeout: 60 * time.Second,
			Run: func(runCtx context.Context) error {
				return reconciler.HandleEvent(runCtx, event)
			},
		})
		return err
	}

	rt.Bot.OnCallback(func(event types.CallbackEvent) {
		if err := submit(event); err != nil {
			logger.Error("Enqueue chat event %s: %v", event.EventID, err)
		}
	})
	rt.Bot.OnMessage(func(chatID string, from string, text string) {
		// remember the chat so operators can register delivery targets by
		// messaging the bot once
		if err := rt.Store.SetCursor(ctx, "chat:"+from, chatID); err != nil {
			logger.Error("Record chat id for %s: %v", from, err)
		}
	})

	go func() {
		if err := rt.Bot.Start(ctx); err != nil {
			logger.Error("Telegram bot stopped: %v", err)
		}
	}()

	webhookServer := webhook.NewServer(rt.Cfg.Twilio.WebhookPort, submitFunc(submit))
	go func() {
		if err := webhookServer.Start(ctx); err != nil {
			logger.Error("Webhook server stopped: %v", err)
		}
	}()

	jobScheduler := scheduler.New()
	registerJobs(jobScheduler, rt, orchestrator, reconciler, submit)
	if err := jobScheduler.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := jobScheduler.Stop(5 * time.Second); err != nil {
			logger.Error("Scheduler shutdown: %v", err)
		}
	}()

	logger.Info("Callup is ready.")
	fmt.Printf("- Webhooks: http://localhost:%d/webhook/{sms,voice}\n", rt.Cfg.Twilio.WebhookPort)
	fmt.Printf("- Reminder cycle: every %d minutes\n", rt.Cfg.Reminder.IntervalMinutes)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal: %v. Shutting down...", sig)
	cancel()
}

// submitFunc adapts a closure to the webhook server's Events interface.
type submitFunc func(types.CallbackEvent) error

func (f submitFunc) Submit(event types.CallbackEvent) error { return f(event) }

func registerJobs(s *scheduler.Scheduler, rt *service.Runtime, orchestrator *cycle.Orchestrator, reconciler *reconcile.Reconciler, submit func(types.CallbackEvent) error) {
	mustRegister(s, scheduler.JobSpec{
		Name:     "reminder-cycle",
		Interval: time.Duration(rt.Cfg.Reminder.IntervalMinutes) * time.Minute,
		Timeout:  20 * time.Minute,
		Run: func(ctx context.Context) error {
			_, err := orchestrator.Run(ctx, false)
			return err
		},
	})

	mustRegister(s, scheduler.JobSpec{
		Name:       "sms-poll",
		Interval:   time.Minute,
		Timeout:    time.Minute,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			return pollInboundSMS(ctx, rt, submit)
		},
	})

	mustRegister(s, scheduler.JobSpec{
		Name:     "decision-log-prune",
		Interval: 6 * time.Hour,
		Timeout:  time.Minute,
		Run: func(ctx context.Context) error {
			return rt.Store.PruneDecisions(ctx, rt.Cfg.Reminder.DecisionLogMaxEntries)
		},
	})

	mustRegister(s, scheduler.JobSpec{
		Name:     "comment-verify",
		Interval: 6 * time.Hour,
		Timeout:  5 * time.Minute,
		Run: func(ctx context.Context) error {
			if err := reconciler.EnsureCallbackComments(ctx, 50); err != nil {
				logger.Error("Comment verification: %v", err)
			}
			return nil
		},
	})
}

func mustRegister(s *scheduler.Scheduler, job scheduler.JobSpec) {
	if err := s.Register(job); err != nil {
		logger.Error("Failed to register job %s: %v", job.Name, err)
		os.Exit(1)
	}
}

// pollInboundSMS is the fallback ingest path when no public webhook URL is
// reachable: list messages newer than the stored cursor and feed them through
// the same event pipeline.
func pollInboundSMS(ctx context.Context, rt *service.Runtime, submit func(types.CallbackEvent) error) error {
	since := time.Now().Add(-24 * time.Hour)
	if raw, err := rt.Store.GetCursor(ctx, smsPollCursor); err == nil && raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			since = parsed
		}
	}

	messages, err := rt.Phone.ListInboundSMS(ctx, since)
	if err != nil {
		return err
	}

	latest := since
	for _, msg := range messages {
		event := types.CallbackEvent{
			EventID:    "sms-" + msg.SID,
			Source:     types.SourceSMS,
			Payload:    msg.Body,
			From:       msg.From,
			ReceivedAt: msg.SentAt,
		}
		if err := submit(event); err != nil {
			logger.Error("Enqueue sms event %s: %v", event.EventID, err)
			continue
		}
		if msg.SentAt.After(latest) {
			latest = msg.SentAt
		}
	}

	if latest.After(since) {
		if err := rt.Store.SetCursor(ctx, smsPollCursor, latest.Format(time.RFC3339)); err != nil {
			logger.Error("Persist sms cursor: %v", err)
		}
	}
	return nil
}
