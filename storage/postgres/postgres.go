// Package postgres provides a PostgreSQL implementation of the entitlement.Storage interface.
// Accounts and ledger rows are stored as JSONB documents next to the columns they are looked up by.
// Ledger claims use a conditional upsert so only one delivery owns an event at a time.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/entitlements/pkg/entitlement"
)

// Schema creates the tables used by Storage
const Schema = `
CREATE TABLE IF NOT EXISTS billing_accounts (
	id                  TEXT PRIMARY KEY,
	email               TEXT NOT NULL DEFAULT '',
	billing_customer_id TEXT NOT NULL DEFAULT '',
	data                JSONB NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS billing_accounts_customer_idx ON billing_accounts (billing_customer_id);
CREATE INDEX IF NOT EXISTS billing_accounts_email_idx ON billing_accounts (LOWER(email));

CREATE TABLE IF NOT EXISTS billing_events (
	event_id   TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	claimed_at TIMESTAMPTZ,
	data       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// Storage implements entitlement.Storage and entitlement.EventClaimer using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Migrate runs Schema when the storage is created
	Migrate bool
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{pool: pool, config: config}

	if config.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return s, nil
}

// Migrate creates the tables if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool
func (s *Storage) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InsertAccount creates or replaces an account
func (s *Storage) InsertAccount(ctx context.Context, acct *entitlement.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("%w: missing id", entitlement.ErrInvalidAccount)
	}

	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO billing_accounts (id, email, billing_customer_id, data, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				email = EXCLUDED.email,
				billing_customer_id = EXCLUDED.billing_customer_id,
				data = EXCLUDED.data,
				updated_at = EXCLUDED.updated_at`,
		acct.ID, acct.Email, acct.BillingCustomerID, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// GetAccount implements entitlement.AccountStore
func (s *Storage) GetAccount(ctx context.Context, id string) (*entitlement.Account, error) {
	return s.queryAccount(ctx, `SELECT data FROM billing_accounts WHERE id = $1`, id)
}

// FindByCustomerID implements entitlement.AccountStore
func (s *Storage) FindByCustomerID(ctx context.Context, customerID string) (*entitlement.Account, error) {
	return s.queryAccount(ctx,
		`SELECT data FROM billing_accounts WHERE billing_customer_id = $1 ORDER BY id LIMIT 1`,
		customerID)
}

func (s *Storage) queryAccount(ctx context.Context, query string, arg string) (*entitlement.Account, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, query, arg).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	var acct entitlement.Account
	if err := json.Unmarshal(data, &acct); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account: %w", err)
	}
	return &acct, nil
}

// FindByEmail implements entitlement.AccountStore
func (s *Storage) FindByEmail(ctx context.Context, email string) ([]*entitlement.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM billing_accounts WHERE email <> '' AND LOWER(email) = LOWER($1) ORDER BY id`,
		email)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts by email: %w", err)
	}
	defer rows.Close()

	out := []*entitlement.Account{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		var acct entitlement.Account
		if err := json.Unmarshal(data, &acct); err != nil {
			return nil, fmt.Errorf("failed to unmarshal account: %w", err)
		}
		out = append(out, &acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read accounts: %w", err)
	}
	return out, nil
}

// UpdateAccount implements entitlement.AccountStore
func (s *Storage) UpdateAccount(ctx context.Context, acct *entitlement.Account) error {
	if acct == nil || acct.ID == "" {
		return fmt.Errorf("%w: missing id", entitlement.ErrInvalidAccount)
	}

	next := *acct
	next.Version = acct.Version + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE billing_accounts
			SET billing_customer_id = $2, data = $3, updated_at = $4
			WHERE id = $1 AND COALESCE((data->>'version')::BIGINT, 0) = $5`,
		acct.ID, acct.BillingCustomerID, data, time.Now().UTC(), acct.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM billing_accounts WHERE id = $1)`, acct.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("failed to update account: %w", err)
		}
		if exists {
			return entitlement.ErrAccountConflict
		}
		return entitlement.ErrAccountNotFound
	}
	acct.Version = next.Version
	return nil
}

// GetEvent implements entitlement.LedgerStore
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*entitlement.BillingEvent, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM billing_events WHERE event_id = $1`, eventID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entitlement.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing event: %w", err)
	}

	var ev entitlement.BillingEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal billing event: %w", err)
	}
	return &ev, nil
}

// PutEvent implements entitlement.LedgerStore
func (s *Storage) PutEvent(ctx context.Context, ev *entitlement.BillingEvent) error {
	if ev == nil || ev.EventID == "" {
		return fmt.Errorf("invalid billing event")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal billing event: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO billing_events (event_id, status, claimed_at, data, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (event_id) DO UPDATE SET
				status = EXCLUDED.status,
				claimed_at = EXCLUDED.claimed_at,
				data = EXCLUDED.data,
				updated_at = EXCLUDED.updated_at`,
		ev.EventID, string(ev.Status), ev.ClaimedAt, data, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to put billing event: %w", err)
	}
	return nil
}

// ClaimEvent implements entitlement.EventClaimer.
// The upsert only overwrites rows that are neither done nor held by a fresh claim.
func (s *Storage) ClaimEvent(
	ctx context.Context, ev *entitlement.BillingEvent, staleBefore time.Time,
) (entitlement.ClaimResult, error) {
	if ev == nil || ev.EventID == "" {
		return "", fmt.Errorf("invalid billing event")
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal billing event: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	tag, err := tx.Exec(ctx,
		`INSERT INTO billing_events (event_id, status, claimed_at, data, updated_at)
			VALUES ($1, 'processing', $2, $3, $4)
			ON CONFLICT (event_id) DO UPDATE SET
				status = EXCLUDED.status,
				claimed_at = EXCLUDED.claimed_at,
				data = EXCLUDED.data,
				updated_at = EXCLUDED.updated_at
			WHERE billing_events.status <> 'done'
				AND NOT (billing_events.status = 'processing' AND billing_events.claimed_at > $5)`,
		ev.EventID, ev.ClaimedAt, data, time.Now().UTC(), staleBefore,
	)
	if err != nil {
		return "", fmt.Errorf("failed to claim billing event: %w", err)
	}

	result := entitlement.ClaimAcquired
	if tag.RowsAffected() == 0 {
		var status string
		err := tx.QueryRow(ctx,
			`SELECT status FROM billing_events WHERE event_id = $1`, ev.EventID).Scan(&status)
		if err != nil {
			return "", fmt.Errorf("failed to read billing event: %w", err)
		}
		result = entitlement.ClaimInFlight
		if entitlement.EventStatus(status) == entitlement.StatusDone {
			result = entitlement.ClaimDone
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit claim: %w", err)
	}
	return result, nil
}
