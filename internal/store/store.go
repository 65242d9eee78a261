// Package store persists order summaries, product lines, letter history and
// CRM users. Three backends share one contract: an in-memory store for tests
// and local runs, SQLite for single-node deployments and PostgreSQL.
package store

import (
	"context"
	"fmt"
	"os"

	"github.com/pitabwire/detention-letters/internal/config"
	"github.com/pitabwire/detention-letters/model"
)

// Store is the full persistence contract used by the processing workflow.
type Store interface {
	model.OrderStore
	model.HistoryStore
	model.UserDirectory
	Seeder

	HealthCheck(ctx context.Context) error
	Close() error
}

// Seeder loads orders and users. The CRM owns these rows in production;
// seeding exists for local runs and tests.
type Seeder interface {
	// AddOrder inserts a summary with its product lines and returns the
	// summary ID, generating one when empty.
	AddOrder(ctx context.Context, summary model.OrderSummary, lines []model.OrderProductLine) (string, error)
	AddUser(ctx context.Context, user model.User) error
	AssignSalesEngineer(ctx context.Context, orderNumber, userID string) error
}

// Open builds the store selected by cfg.Driver. Postgres reads its DSN from
// the environment variable named by cfg.DSNEnv.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sqlite":
		return OpenSQLite(cfg)
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}
		return OpenPostgres(ctx, dsn, cfg)
	default:
		return nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

func historyNotFound(historyID string) error {
	return model.NewNotFoundError(fmt.Sprintf("history record %q not found", historyID))
}

func summaryNotFound(summaryID string) error {
	return model.NewNotFoundError(fmt.Sprintf("order summary %q not found", summaryID))
}

func userNotFound(userID string) error {
	return model.NewNotFoundError(fmt.Sprintf("user %q not found", userID))
}

func salesEngineerNotFound(orderNumber string) error {
	return model.NewNotFoundError(fmt.Sprintf("no sales engineer assigned to order %q", orderNumber))
}
