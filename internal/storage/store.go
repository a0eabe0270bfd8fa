package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"botcast/internal/model"
	logx "botcast/pkg/logx"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage. If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string // memory snapshot file or sqlite database
	DSN         string // postgres
	BusyTimeout time.Duration
	MaxOpenConn int
}

type BotStore interface {
	// CreateBot fails with model.ErrConflict when the token hash already exists.
	CreateBot(ctx context.Context, b model.BotIdentity) error
	GetBot(ctx context.Context, id string) (model.BotIdentity, error)
	ListBots(ctx context.Context) ([]model.BotIdentity, error)
	SetBotActive(ctx context.Context, id string, active bool) error
	UpdateBotProfile(ctx context.Context, id, name, description, shortDescription string) error
}

type RecipientStore interface {
	// UpsertRecipient creates the row or merges non-empty profile fields, and
	// sets last_seen_at to seenAt.
	UpsertRecipient(ctx context.Context, botID string, userID int64, p model.Profile, seenAt time.Time) (model.Recipient, error)
	// EnsureRecipient creates the row if absent and leaves an existing one untouched.
	EnsureRecipient(ctx context.Context, botID string, userID int64, at time.Time) (model.Recipient, error)
	GetRecipient(ctx context.Context, botID string, userID int64) (model.Recipient, error)
	// MarkEngaged sets engaged_at only when it is still unset.
	MarkEngaged(ctx context.Context, botID string, userID int64, at time.Time) error
	// SetBlocked writes the reachability flag. A zero seenAt keeps last_seen_at.
	SetBlocked(ctx context.Context, botID string, userID int64, blocked bool, seenAt time.Time) error
	ListEligible(ctx context.Context, botID string) ([]model.Recipient, error)
	BotStats(ctx context.Context, botID string) (model.BotStats, error)
}

type DeliveryFilter struct {
	BotID      string
	DispatchID string
	Limit      int
}

type DeliveryStore interface {
	AppendDelivery(ctx context.Context, rec model.DeliveryRecord) error
	ListDeliveries(ctx context.Context, f DeliveryFilter) ([]model.DeliveryRecord, error)
}

type EventStore interface {
	AppendInbound(ctx context.Context, e model.InboundEvent) error
	PruneInbound(ctx context.Context, before time.Time) (int64, error)
}

// Store is the persistence API used by the services.
type Store interface {
	BotStore
	RecipientStore
	DeliveryStore
	EventStore
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

const defaultDeliveryLimit = 500

func deliveryLimit(n int) int {
	if n <= 0 || n > 10000 {
		return defaultDeliveryLimit
	}
	return n
}
