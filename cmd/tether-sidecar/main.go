package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"tether/cmd/internal/app"
	"tether/cmd/internal/sidecar"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	deviceID := app.EnvString("TETHER_DEVICE_ID", "")
	userID := app.EnvString("TETHER_USER_ID", "")
	if deviceID == "" || userID == "" {
		return errors.New("TETHER_DEVICE_ID and TETHER_USER_ID are required")
	}

	logger := app.NewLogger(
		app.EnvString("TETHER_LOG_LEVEL", "info"),
		app.EnvString("TETHER_LOG_FORMAT", "json"),
	)

	cfg, err := sidecar.NewConfig(deviceID, userID)
	if err != nil {
		return err
	}

	runtime, err := sidecar.NewRuntime(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runtime.Start(ctx); err != nil {
		return err
	}
	logger.Info("sidecar.running", "device_id", deviceID)

	<-ctx.Done()
	logger.Info("sidecar.stopping")
	return runtime.Close()
}
