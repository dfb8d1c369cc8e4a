package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"cryptometrics/config"
	"cryptometrics/logger"
	"cryptometrics/processor"
)

const usage = `usage: cryptometrics [flags] <command>

commands:
  run      process the oldest staged snapshot
  drain    process staged snapshots until none are left
  trim     drop metric rows older than pipeline.retention_horizon
  collect  fetch market summaries into the holding area
  serve    run collect (with -collect) and drain on pipeline.schedule

flags:
`

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	collect := flag.Bool("collect", false, "serve: fetch a snapshot before each scheduled drain")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Cryptometrics.Name,
		"version": cfg.Cryptometrics.Version,
		"env":     config.AppEnvironment(),
		"command": command,
	}).Info("starting cryptometrics")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg)
	if err != nil {
		log.WithError(err).Error("failed to initialize")
		os.Exit(1)
	}
	defer app.Close()

	err = app.execute(ctx, command, *collect)
	app.flushMetrics(context.WithoutCancel(ctx))
	if err != nil {
		if processor.IsRecoverable(err) {
			log.WithError(err).Warn("snapshot left staged for a later run")
			return
		}
		if errors.Is(err, errUnknownCommand) {
			flag.Usage()
			os.Exit(2)
		}
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
	log.Info("cryptometrics stopped")
}
