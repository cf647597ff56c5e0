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
	recent := flag.Int("recent", 50, "how many recent decisions to check")
	flag.Parse()

	if err := logger.Init("output/logs"); err != nil {
		fmt.Fprintf(os.Stderr, "comment verification failed: init logger: %v\n", err)
		os.Exit(2)
	}

	rt, err := service.Bootstrap(service.Options{ConfigPath: *configPath, DataDir: *dataDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "comment verification failed: %v\n", err)
		os.Exit(2)
	}
	defer rt.Close()

	reconciler := rt.NewReconciler()
	if err := reconciler.EnsureCallbackComments(context.Background(), *recent); err != nil {
		fmt.Fprintf(os.Stderr, "comment verification failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("comment verification passed for the %d most recent decisions\n", *recent)
}
