package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tether/cmd/internal/app"
	"tether/cmd/internal/broker"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	logger := app.NewLogger(
		app.EnvString("TETHER_LOG_LEVEL", "info"),
		app.EnvString("TETHER_LOG_FORMAT", "json"),
	)

	socketPath := app.EnvString("TETHER_BROKER_SOCKET", "")
	if socketPath == "" {
		return errors.New("TETHER_BROKER_SOCKET is required")
	}

	audienceTokens, err := parsePairs(app.EnvString("TETHER_BROKER_AUDIENCE_TOKENS", ""))
	if err != nil {
		return fmt.Errorf("TETHER_BROKER_AUDIENCE_TOKENS: %w", err)
	}
	if len(audienceTokens) == 0 {
		return errors.New("TETHER_BROKER_AUDIENCE_TOKENS is required")
	}

	capabilities, err := parsePairs(app.EnvString("TETHER_BROKER_CAPABILITIES", ""))
	if err != nil {
		return fmt.Errorf("TETHER_BROKER_CAPABILITIES: %w", err)
	}

	issuer, err := broker.NewAblyIssuer(
		app.EnvString("TETHER_BACKBONE_API_KEY", ""),
		app.EnvDuration("TETHER_BROKER_TOKEN_TTL", time.Hour),
		capabilities,
	)
	if err != nil {
		return err
	}

	srv, err := broker.NewServer(issuer, broker.ServerOptions{
		SocketPath:     socketPath,
		AudienceTokens: audienceTokens,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("broker.stopping")
	return srv.Close()
}

// parsePairs parses "key=value,key=value" into a map. Values may contain '='
// (capability JSON does not, but tokens might).
func parsePairs(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("invalid entry %q", part)
		}
		out[key] = value
	}
	return out, nil
}
