// Package postgres provides a PostgreSQL implementation of the slotsync storage interfaces.
// Transactions run at SERIALIZABLE isolation and lock the rows they read with SELECT FOR UPDATE.
// Records are stored as JSONB next to the columns the resolver queries on.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reviewseverywhere/slotsync/pkg/slotsync"
)

//go:embed schema.sql
var schema string

// Store implements slotsync.Store using PostgreSQL
type Store struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
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

	// MaxTxAttempts bounds retries of a transaction that fails with a serialization error.
	MaxTxAttempts int

	// Migrate applies the embedded schema on startup.
	Migrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	ThrottleTTL     time.Duration // Age after which throttle rows are deleted
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		MaxTxAttempts:   5,
		Migrate:         true,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		ThrottleTTL:     24 * time.Hour,
	}
}

// New creates a new PostgreSQL store
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.MaxTxAttempts <= 0 {
		config.MaxTxAttempts = 5
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

	s := &Store{pool: pool, config: config}

	if config.Migrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s.stopCleanup = cancel
	if config.CleanupEnabled && config.CleanupInterval > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Store) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunTransaction implements slotsync.Store. Serialization failures are retried
// up to MaxTxAttempts times, so fn may run more than once.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx slotsync.Tx) error) error {
	var err error
	for attempt := 0; attempt < s.config.MaxTxAttempts; attempt++ {
		err = s.runOnce(ctx, fn)
		if !isRetryable(err) {
			return err
		}
	}
	return fmt.Errorf("transaction retries exhausted: %w", err)
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx slotsync.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, &pgTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// serialization_failure, deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getJSON(ctx context.Context, q querier, sql, key string, dst any) (bool, error) {
	var raw []byte
	err := q.QueryRow(ctx, sql, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("failed to decode row %s: %w", key, err)
	}
	return true, nil
}

const (
	selectAccount = `SELECT data FROM accounts WHERE id = $1`
	selectEvent   = `SELECT data FROM webhook_events WHERE key = $1`
	selectOrder   = `SELECT data FROM shopify_orders WHERE order_id = $1`
	selectRefund  = `SELECT data FROM shopify_refunds WHERE refund_id = $1`
	selectIndex   = `SELECT email_lower, account_id, created_at, updated_at FROM email_index WHERE email_lower = $1`
)

func getAccount(ctx context.Context, q querier, sql, id string) (*slotsync.Account, error) {
	var a slotsync.Account
	ok, err := getJSON(ctx, q, sql, id, &a)
	if err != nil || !ok {
		return nil, err
	}
	return &a, nil
}

func getEvent(ctx context.Context, q querier, sql, key string) (*slotsync.WebhookEvent, error) {
	var e slotsync.WebhookEvent
	ok, err := getJSON(ctx, q, sql, key, &e)
	if err != nil || !ok {
		return nil, err
	}
	return &e, nil
}

func getOrder(ctx context.Context, q querier, sql, id string) (*slotsync.OrderRecord, error) {
	var o slotsync.OrderRecord
	ok, err := getJSON(ctx, q, sql, id, &o)
	if err != nil || !ok {
		return nil, err
	}
	return &o, nil
}

func getRefund(ctx context.Context, q querier, sql, id string) (*slotsync.RefundRecord, error) {
	var r slotsync.RefundRecord
	ok, err := getJSON(ctx, q, sql, id, &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

func getIndex(ctx context.Context, q querier, sql, email string) (*slotsync.EmailIndexEntry, error) {
	var e slotsync.EmailIndexEntry
	err := q.QueryRow(ctx, sql, email).Scan(&e.EmailLower, &e.AccountID, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetAccount implements slotsync.Store
func (s *Store) GetAccount(ctx context.Context, id string) (*slotsync.Account, error) {
	a, err := getAccount(ctx, s.pool, selectAccount, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// GetEmailIndex implements slotsync.Store
func (s *Store) GetEmailIndex(ctx context.Context, emailLower string) (*slotsync.EmailIndexEntry, error) {
	e, err := getIndex(ctx, s.pool, selectIndex, emailLower)
	if err != nil {
		return nil, fmt.Errorf("failed to get email index: %w", err)
	}
	return e, nil
}

var fieldColumns = map[slotsync.AccountField]string{
	slotsync.FieldShopifyEmailLower: "shopify_email_lower",
	slotsync.FieldShopifyEmail:      "shopify_email",
	slotsync.FieldEmailLower:        "email_lower",
	slotsync.FieldEmail:             "email",
}

// FindAccounts implements slotsync.Store. Results are ordered by account id.
func (s *Store) FindAccounts(ctx context.Context, field slotsync.AccountField, value string,
	limit int) ([]*slotsync.Account, error) {
	col, ok := fieldColumns[field]
	if !ok {
		return nil, fmt.Errorf("%w: unknown account field %q", slotsync.ErrInvalidArgument, field)
	}
	if limit <= 0 {
		limit = 100
	}

	// col comes from a fixed whitelist
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM accounts WHERE `+col+` = $1 ORDER BY id LIMIT $2`, value, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts by %s: %w", field, err)
	}
	defer rows.Close()

	var out []*slotsync.Account
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		var a slotsync.Account
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("failed to decode account: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// GetWebhookEvent implements slotsync.Store
func (s *Store) GetWebhookEvent(ctx context.Context, key string) (*slotsync.WebhookEvent, error) {
	e, err := getEvent(ctx, s.pool, selectEvent, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return e, nil
}

// GetOrder implements slotsync.Store
func (s *Store) GetOrder(ctx context.Context, orderID string) (*slotsync.OrderRecord, error) {
	o, err := getOrder(ctx, s.pool, selectOrder, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// GetRefund implements slotsync.Store
func (s *Store) GetRefund(ctx context.Context, refundID string) (*slotsync.RefundRecord, error) {
	r, err := getRefund(ctx, s.pool, selectRefund, refundID)
	if err != nil {
		return nil, fmt.Errorf("failed to get refund: %w", err)
	}
	return r, nil
}

// ListIdentityConflicts implements slotsync.Store
func (s *Store) ListIdentityConflicts(ctx context.Context, limit int) ([]*slotsync.IdentityConflict, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT email_lower, attempted_account_id, existing_account_id, source, created_at
			FROM identity_conflicts
			ORDER BY created_at DESC, email_lower, attempted_account_id
			LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list identity conflicts: %w", err)
	}
	defer rows.Close()

	var out []*slotsync.IdentityConflict
	for rows.Next() {
		var c slotsync.IdentityConflict
		if err := rows.Scan(&c.EmailLower, &c.AttemptedAccountID, &c.ExistingAccountID,
			&c.Source, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan identity conflict: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// pgTx adapts a pgx transaction. Reads lock their rows; once a write has been
// issued further reads are rejected so both backends share one contract.
type pgTx struct {
	ctx   context.Context
	tx    pgx.Tx
	wrote bool
}

func (t *pgTx) read() error {
	if t.wrote {
		return slotsync.ErrReadAfterWrite
	}
	return nil
}

func (t *pgTx) GetAccount(id string) (*slotsync.Account, error) {
	if err := t.read(); err != nil {
		return nil, err
	}
	return getAccount(t.ctx, t.tx, selectAccount+` FOR UPDATE`, id)
}

func (t *pgTx) GetEmailIndex(emailLower string) (*slotsync.EmailIndexEntry, error) {
	if err := t.read(); err != nil {
		return nil, err
	}
	return getIndex(t.ctx, t.tx, selectIndex+` FOR UPDATE`, emailLower)
}

func (t *pgTx) GetWebhookEvent(key string) (*slotsync.WebhookEvent, error) {
	if err := t.read(); err != nil {
		return nil, err
	}
	return getEvent(t.ctx, t.tx, selectEvent+` FOR UPDATE`, key)
}

func (t *pgTx) GetOrder(orderID string) (*slotsync.OrderRecord, error) {
	if err := t.read(); err != nil {
		return nil, err
	}
	return getOrder(t.ctx, t.tx, selectOrder+` FOR UPDATE`, orderID)
}

func (t *pgTx) GetRefund(refundID string) (*slotsync.RefundRecord, error) {
	if err := t.read(); err != nil {
		return nil, err
	}
	return getRefund(t.ctx, t.tx, selectRefund+` FOR UPDATE`, refundID)
}

func (t *pgTx) exec(sql string, args ...any) error {
	t.wrote = true
	_, err := t.tx.Exec(t.ctx, sql, args...)
	return err
}

func (t *pgTx) PutAccount(a *slotsync.Account) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode account: %w", err)
	}
	return t.exec(
		`INSERT INTO accounts (id, shopify_email, shopify_email_lower, email, email_lower, data, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				shopify_email = EXCLUDED.shopify_email,
				shopify_email_lower = EXCLUDED.shopify_email_lower,
				email = EXCLUDED.email,
				email_lower = EXCLUDED.email_lower,
				data = EXCLUDED.data,
				updated_at = EXCLUDED.updated_at`,
		a.ID, a.ShopifyEmail, a.ShopifyEmailLower, a.Email, a.EmailLower, raw, time.Now().UTC())
}

func (t *pgTx) PutEmailIndex(e *slotsync.EmailIndexEntry) error {
	return t.exec(
		`INSERT INTO email_index (email_lower, account_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (email_lower) DO UPDATE SET
				account_id = EXCLUDED.account_id,
				updated_at = EXCLUDED.updated_at`,
		e.EmailLower, e.AccountID, e.CreatedAt, e.UpdatedAt)
}

func (t *pgTx) DeleteEmailIndex(emailLower string) error {
	return t.exec(`DELETE FROM email_index WHERE email_lower = $1`, emailLower)
}

func (t *pgTx) PutIdentityConflict(c *slotsync.IdentityConflict) error {
	return t.exec(
		`INSERT INTO identity_conflicts (email_lower, attempted_account_id, existing_account_id, source, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (email_lower, attempted_account_id) DO UPDATE SET
				existing_account_id = EXCLUDED.existing_account_id,
				source = EXCLUDED.source`,
		c.EmailLower, c.AttemptedAccountID, c.ExistingAccountID, c.Source, c.CreatedAt)
}

func (t *pgTx) PutWebhookEvent(e *slotsync.WebhookEvent) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode webhook event: %w", err)
	}
	return t.exec(
		`INSERT INTO webhook_events (key, status, data, updated_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO UPDATE SET
				status = EXCLUDED.status, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		e.Key, string(e.Status), raw, time.Now().UTC())
}

func (t *pgTx) PutOrder(o *slotsync.OrderRecord) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to encode order: %w", err)
	}
	return t.exec(
		`INSERT INTO shopify_orders (order_id, data, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (order_id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		o.OrderID, raw, time.Now().UTC())
}

func (t *pgTx) PutRefund(r *slotsync.RefundRecord) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode refund: %w", err)
	}
	return t.exec(
		`INSERT INTO shopify_refunds (refund_id, data, updated_at) VALUES ($1, $2, $3)
			ON CONFLICT (refund_id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		r.RefundID, raw, time.Now().UTC())
}

// startCleanup runs periodic cleanup of stale throttle rows
func (s *Store) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // next tick retries
			_ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes throttle rows older than ThrottleTTL
func (s *Store) Cleanup(ctx context.Context) error {
	ttl := s.config.ThrottleTTL
	if ttl <= 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM recover_throttle WHERE last_at < $1`, time.Now().UTC().Add(-ttl))
	if err != nil {
		return fmt.Errorf("failed to cleanup throttle rows: %w", err)
	}
	return nil
}
