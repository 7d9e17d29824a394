package recall

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/joho/godotenv"

	"github.com/strandhq/recall/internal/config"
	"github.com/strandhq/recall/internal/storage"
)

// EventListener consumes research completion events over Postgres
// LISTEN/NOTIFY. It holds a dedicated direct connection (NOTIFY_URL, falling
// back to DATABASE_URL), so it must not be pointed at a transaction-pooled
// endpoint.
type EventListener struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewEventListener connects and subscribes to the research completion channel.
func NewEventListener(ctx context.Context, logger *slog.Logger) (*EventListener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	notifyURL := cfg.NotifyURL
	if notifyURL == "" {
		notifyURL = cfg.DatabaseURL
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, notifyURL, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.Listen(ctx, storage.ChannelResearch); err != nil {
		db.Close(context.Background())
		return nil, err
	}

	return &EventListener{db: db, logger: logger}, nil
}

// Next blocks until the next research completion event arrives and returns
// its JSON payload.
func (l *EventListener) Next(ctx context.Context) (string, error) {
	_, payload, err := l.db.WaitForNotification(ctx)
	return payload, err
}

// Close releases the listener's connections.
func (l *EventListener) Close(ctx context.Context) error {
	l.db.Close(ctx)
	return nil
}
