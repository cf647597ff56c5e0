package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	config "callup/app/configs"
	"callup/app/core/service"
	"callup/app/pkg/logger"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to runtime config json")
	dataDir := flag.String("data", "output/db", "database directory")
	force := flag.Bool("force", false, "run even outside working hours")
	dryRunVoice := flag.Bool("dry-run-voice", false, "log voice calls instead of placing them")
	flag.Parse()

	if err := logger.Init("output/logs"); err != nil {
		fmt.Fprintf(os.Stderr, "reminder cycle failed: init logger: %v\n", err)
		os.Exit(2)
	}

	rt, err := service.Bootstrap(service.Options{ConfigPath: *configPath, DataDir: *dataDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "reminder cycle failed: %v\n", err)
		os.Exit(2)
	}
	defer rt.Close()

	orchestrator := rt.NewOrchestrator(*dryRunVoice)
	stats, err := orchestrator.Run(context.Background(), *force)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reminder cycle failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("reminder cycle finished: due=%d delivered=%d unroutable=%d calls=%d sms=%d\n",
		stats.TotalTasks, stats.DeliveredTasks, stats.MissingTasks, stats.VoiceCalls, stats.SMSSent)
	for _, action := range stats.UserActions {
		fmt.Printf(" - %s\n", action)
	}
	if len(stats.FailedActions) > 0 {
		fmt.Fprintln(os.Stderr, "failures:")
		for _, failure := range stats.FailedActions {
			fmt.Fprintf(os.Stderr, " - %s\n", failure)
		}
		os.Exit(1)
	}
}
