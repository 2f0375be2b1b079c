package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "dailytrack/pkg/logx"
)

// Store is the persistence API used by the pipeline and the CLI.
// All calls are short and bounded by ctx.
type Store interface {
	GetProfile(ctx context.Context, userID int64) (Profile, error)
	PutProfile(ctx context.Context, p Profile) error
	ListProfiles(ctx context.Context) ([]Profile, error)
	// DisableUser clears Active and AutoSend. Missing users return ErrNotFound.
	DisableUser(ctx context.Context, userID int64) error
	MarkFired(ctx context.Context, userID int64, at time.Time) error

	AppendDelivery(ctx context.Context, r DeliveryRecord) error
	// RecentTrackIDs returns up to n track ids, newest first.
	RecentTrackIDs(ctx context.Context, userID int64, n int) ([]string, error)
	// PruneDeliveries keeps the newest keepPerUser records per user and returns how many were removed.
	PruneDeliveries(ctx context.Context, keepPerUser int) (int, error)

	GetAsset(ctx context.Context, fingerprint string) (Asset, error)
	PutAsset(ctx context.Context, a Asset) error
	DeleteAsset(ctx context.Context, fingerprint string) error
	ListAssets(ctx context.Context) ([]Asset, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "":
		return nil, errors.New("storage driver is required")
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
