package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	config "callup/app/configs"
	"callup/app/core/service"
	"callup/app/pkg/logger"
)

// send-reminders is the chat-only dispatch: it fetches the due tasks and
// posts them with status buttons, without voice calls, SMS or outcome
// application. Useful for a manual nudge or for testing routing.
func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to runtime config json")
	dataDir := flag.String("data", "output/db", "database directory")
	chatID := flag.String("chat-id", "", "override chat id for all tasks")
	flag.Parse()

	if err := logger.Init("output/logs"); err != nil {
		fmt.Fprintf(os.Stderr, "send reminders failed: init logger: %v\n", err)
		os.Exit(2)
	}

	rt, err := service.Bootstrap(service.Options{ConfigPath: *configPath, DataDir: *dataDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "send reminders failed: %v\n", err)
		os.Exit(2)
	}
	defer rt.Close()

	ctx := context.Background()
	tasks, err := rt.Tracker.FetchDueTasks(ctx, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "send reminders failed: fetch due tasks: %v\n", err)
		os.Exit(1)
	}

	sent, skipped := 0, 0
	for _, task := range tasks {
		done, err := rt.Store.IsCompleted(ctx, task.TaskID)
		if err != nil {
			fmt.Fprintf(os.Stderr, " - %s: ledger check: %v\n", task.TaskID, err)
			continue
		}
		if done {
			skipped++
			continue
		}

		targets := []string{*chatID}
		if *chatID == "" {
			targets = rt.Router.PlanFor(task).ChatIDs
		}
		if len(targets) == 0 {
			fmt.Fprintf(os.Stderr, " - %s: no chat route for %s\n", task.TaskID, task.AssigneeName)
			continue
		}
		for _, target := range targets {
			if _, err := rt.Bot.SendTaskMessage(ctx, target, task); err != nil {
				fmt.Fprintf(os.Stderr, " - %s -> %s: %v\n", task.TaskID, target, err)
				continue
			}
			sent++
		}
	}

	fmt.Printf("sent %d reminder messages (%d tasks already completed)\n", sent, skipped)
}
