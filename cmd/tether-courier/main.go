package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tether/cmd/internal/app"
	"tether/cmd/internal/backbone"
	"tether/cmd/internal/courier"
)

const audienceCourier = "courier_consumer"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	deviceID := app.EnvString("TETHER_DEVICE_ID", "")
	if deviceID == "" {
		return errors.New("TETHER_DEVICE_ID is required")
	}

	logger := app.NewLogger(
		app.EnvString("TETHER_LOG_LEVEL", "info"),
		app.EnvString("TETHER_LOG_FORMAT", "json"),
	)

	brokerSocket := app.EnvString("TETHER_BROKER_SOCKET", "")
	brokerToken := app.EnvString("TETHER_BROKER_TOKEN_COURIER", "")
	if brokerSocket == "" || brokerToken == "" {
		return errors.New("TETHER_BROKER_SOCKET and TETHER_BROKER_TOKEN_COURIER are required")
	}

	handlerSocket := app.EnvString("TETHER_HANDLER_SOCKET", "")
	if handlerSocket == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home dir: %w", err)
		}
		handlerSocket = filepath.Join(home, ".tether", "handler.sock")
	}

	handler, err := courier.NewSocketHandler(handlerSocket, 0)
	if err != nil {
		return err
	}

	conn, err := backbone.NewAblyConn(backbone.Options{
		BrokerSocketPath: brokerSocket,
		BrokerToken:      brokerToken,
		Audience:         audienceCourier,
		DeviceID:         deviceID,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	channel := app.EnvString("TETHER_COMMAND_CHANNEL", "remote:"+deviceID+":commands")

	c, err := courier.New(conn, handler, courier.Options{
		Channel:        channel,
		Event:          app.EnvString("TETHER_COMMAND_EVENT", courier.DefaultCommandEvent),
		HandlerTimeout: app.EnvDuration("TETHER_HANDLER_TIMEOUT", 15*time.Second),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("courier.running", "device_id", deviceID, "channel", channel)
	return c.Run(ctx)
}
