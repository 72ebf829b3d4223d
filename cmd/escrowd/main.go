package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"escrowd/config"
	"escrowd/core"
	"escrowd/observability/logging"
	"escrowd/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ESCROWD_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	if env == "" {
		env = cfg.Env
	}
	logger := logging.Setup(cfg.ServiceName, env)

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}

	node, err := core.NewNode(db, cfg, logger, nil)
	if err != nil {
		db.Close()
		logger.Error("Failed to start ledger", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("escrow ledger ready", "dataDir", cfg.DataDir)

	// The ledger is driven by an external caller; this process only owns the
	// store and keeps state consistent until it is told to stop.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	node.Close()
}
