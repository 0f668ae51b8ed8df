package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/lyfted-engineering/ZephyrPay/internal/config"
	"github.com/lyfted-engineering/ZephyrPay/internal/types"
)

// ClickHouseDB wraps the ClickHouse connection used by the analytics
// sink. Entitlement events are append-only; ClickHouse is never the
// source of truth for entitlement state.
type ClickHouseDB struct {
	conn driver.Conn
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(cfg *config.ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Ping checks if the database is reachable
func (db *ClickHouseDB) Ping(ctx context.Context) error {
	return db.conn.Ping(ctx)
}

// EnsureSchema creates the entitlement events table if it does not exist
func (db *ClickHouseDB) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS entitlement_events (
			trigger_event_id String,
			payment_id       String,
			user_id          String,
			rail             String,
			action           String,
			amount           String,
			occurred_at      DateTime
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, user_id)
	`
	return db.conn.Exec(ctx, query)
}

// InsertEntitlementEvent appends one entitlement event
func (db *ClickHouseDB) InsertEntitlementEvent(ctx context.Context, ev *types.EntitlementEvent) error {
	query := `
		INSERT INTO entitlement_events
			(trigger_event_id, payment_id, user_id, rail, action, amount, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	err := db.conn.Exec(ctx, query,
		ev.TriggerEventID,
		ev.PaymentID,
		ev.UserID,
		string(ev.Rail),
		string(ev.Action),
		ev.Amount,
		ev.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert entitlement event: %w", err)
	}
	return nil
}
