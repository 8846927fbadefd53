// Command tether-link runs the browser-session handshake from a terminal:
// it registers an ephemeral key with the session API, prints the bootstrap
// payload for the authorizing device, and waits for approval. The resulting
// session survives restarts via file storage.
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

	"tether/cmd/internal/app"
	"tether/cmd/internal/websession"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	apiURL := app.EnvString("TETHER_SESSION_API_URL", "")
	if apiURL == "" {
		return errors.New("TETHER_SESSION_API_URL is required")
	}

	logger := app.NewLogger(
		app.EnvString("TETHER_LOG_LEVEL", "info"),
		app.EnvString("TETHER_LOG_FORMAT", "json"),
	)

	baseDir := app.EnvString("TETHER_BASE_DIR", "")
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home dir: %w", err)
		}
		baseDir = filepath.Join(home, ".tether")
	}

	store, err := websession.NewFileStorage(filepath.Join(baseDir, "websession.json"))
	if err != nil {
		return err
	}

	api, err := websession.NewHTTPSessionAPI(apiURL, nil)
	if err != nil {
		return err
	}

	sess := websession.New(logger, api, store, websession.Config{})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch err := sess.RestoreFromStorage(); {
	case err == nil && sess.State() == websession.StateAuthorized:
		logger.Info("link.restored", "session_id", sess.ID())
		fmt.Printf("session %s already authorized\n", sess.ID())
		return nil

	case err == nil && sess.State() == websession.StateWaitingForAuth:
		logger.Info("link.resume", "session_id", sess.ID())

	default:
		if err != nil && !errors.Is(err, websession.ErrNoStoredSession) {
			logger.Info("link.restore.skip", "err", err)
		}

		res, err := sess.Init(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("approve this session from another device:\n%s\n", res.BootstrapPayload)
		logger.Info("link.init", "session_id", res.SessionID, "expires_at", res.ExpiresAt)
	}

	if err := sess.WaitForAuthorization(ctx); err != nil {
		return err
	}

	logger.Info("link.authorized", "session_id", sess.ID())
	fmt.Printf("session %s authorized\n", sess.ID())
	return nil
}
