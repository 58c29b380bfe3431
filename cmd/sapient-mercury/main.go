// Command sapient-mercury is the process entrypoint: it parses the CLI,
// constructs the mode arbiter, and starts the downstream controller and
// upstream session concurrently, each cycling through its own reconnect
// loop for the lifetime of the process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"sapient-bridge/internal/arbiter"
	"sapient-bridge/internal/config"
	"sapient-bridge/internal/mercury"
	"sapient-bridge/internal/sapient"
	"sapient-bridge/internal/serialio"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if logFile, err := os.OpenFile("sapient-mercury.log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err != nil {
		log.Warnf("could not open log file, logging to stderr only: %v", err)
	} else {
		log.SetOutput(logFile)
	}

	mode := arbiter.New()
	arbiter.CheckMissionFiles()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("shutting down on signal")
		cancel()
	}()

	controller := mercury.NewController(cfg.SerialDevice, serialio.DefaultBaud, mode)
	session := sapient.NewSession(cfg.ServerIP, cfg.ServerPort, cfg.Debug, mode)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(done)
	}()

	go controller.Run(ctx)
	session.Run(done)
}
