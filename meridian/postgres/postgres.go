// Package postgres owns the database client shared by the delivery and audit
// stores: a primary/replica resolver over pgx, the embedded migration runner,
// and the WithTransaction write boundary that domain collaborators use to
// make their row and the outbox row commit as one unit.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bxcodec/dbresolver/v2"
	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"

	// File system migration source used by migrate.NewWithDatabaseInstance.
	_ "github.com/golang-migrate/migrate/v4/source/file"
	// Postgres driver registered under database/sql as "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/SandboxServers/MeridianConsole-sub018/meridian/log"
)

const (
	defaultMaxOpenConns       = 25
	defaultMaxIdleConns       = 10
	defaultConnMaxLifetime    = 30 * time.Minute
	defaultConnMaxIdleTime    = 5 * time.Minute
	defaultTransactionTimeout = 30 * time.Second
)

var (
	// ErrNotConnected is returned when a query runs before Connect succeeded.
	ErrNotConnected = errors.New("postgres client is not connected")
	// ErrNilTransactionFn is returned when WithTransaction receives a nil closure.
	ErrNilTransactionFn = errors.New("transaction function is nil")

	credentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	passwordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Client is a hub that deals with postgres connections: a round-robin
// primary/replica resolver for reads and a dedicated primary handle for
// transactional writes. Migrations run once during Connect.
type Client struct {
	ConnectionStringPrimary string
	ConnectionStringReplica string
	PrimaryDBName           string
	Component               string
	MigrationsPath          string
	Logger                  log.Logger
	MaxOpenConnections      int
	MaxIdleConnections      int
	TransactionTimeout      time.Duration

	resolver  dbresolver.DB
	primary   *sql.DB
	connected bool
	mu        sync.RWMutex
}

func (c *Client) initDefaults() {
	if c.Logger == nil {
		c.Logger = log.NewNop()
	}

	if c.MaxOpenConnections <= 0 {
		c.MaxOpenConnections = defaultMaxOpenConns
	}

	if c.MaxIdleConnections <= 0 {
		c.MaxIdleConnections = defaultMaxIdleConns
	}

	if c.TransactionTimeout <= 0 {
		c.TransactionTimeout = defaultTransactionTimeout
	}
}

// Connect opens the primary and replica pools, runs pending migrations on
// the primary, and keeps the resolver as a singleton until Close.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	c.initDefaults()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	if c.resolver != nil {
		if err := c.closeLocked(); err != nil {
			c.Logger.Log(ctx, log.LevelWarn, "failed to close previous connection before reconnect", log.Err(err))
		}
	}

	c.Logger.Log(ctx, log.LevelInfo, "connecting to primary and replica databases")

	primary, err := sql.Open("pgx", c.ConnectionStringPrimary)
	if err != nil {
		sanitized := sanitizeConnError(err)
		c.Logger.Log(ctx, log.LevelError, "failed to connect to primary database", log.String("error", sanitized))

		return fmt.Errorf("failed to connect to primary database: %s", sanitized)
	}

	var success bool

	defer func() {
		if !success {
			primary.Close()
		}
	}()

	tunePool(primary, c.MaxOpenConnections, c.MaxIdleConnections)

	replica, err := sql.Open("pgx", c.ConnectionStringReplica)
	if err != nil {
		sanitized := sanitizeConnError(err)
		c.Logger.Log(ctx, log.LevelError, "failed to connect to replica database", log.String("error", sanitized))

		return fmt.Errorf("failed to connect to replica database: %s", sanitized)
	}

	defer func() {
		if !success {
			replica.Close()
		}
	}()

	tunePool(replica, c.MaxOpenConnections, c.MaxIdleConnections)

	resolver := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)
	if resolver == nil {
		return errors.New("resolver returned nil connection")
	}

	migrationsPath, err := c.migrationsPath()
	if err != nil {
		c.Logger.Log(ctx, log.LevelError, "failed to resolve migrations path", log.Err(err))

		return err
	}

	if err := c.runMigrations(ctx, primary, migrationsPath); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before ping: %w", err)
	}

	if err := resolver.PingContext(ctx); err != nil {
		c.Logger.Log(ctx, log.LevelError, "failed to ping database", log.String("error", sanitizeConnError(err)))

		return fmt.Errorf("failed to ping database: %w", err)
	}

	c.resolver = resolver
	c.primary = primary
	c.connected = true

	c.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	success = true

	return nil
}

func tunePool(db *sql.DB, maxOpen, maxIdle int) {
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)
}

// Resolver returns the primary/replica resolver, connecting lazily if needed.
func (c *Client) Resolver(ctx context.Context) (dbresolver.DB, error) {
	c.mu.RLock()

	if c.resolver != nil {
		resolver := c.resolver
		c.mu.RUnlock()

		return resolver, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring the write lock.
	if c.resolver != nil {
		return c.resolver, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.resolver, nil
}

// Primary returns the primary database handle for transactional writes.
func (c *Client) Primary(ctx context.Context) (*sql.DB, error) {
	c.mu.RLock()

	if c.primary != nil {
		primary := c.primary
		c.mu.RUnlock()

		return primary, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.primary != nil {
		return c.primary, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	if c.primary == nil {
		return nil, ErrNotConnected
	}

	return c.primary, nil
}

// TxFn is a closure executed inside one primary transaction. Domain
// collaborators append their rows and enqueue outbox messages here; either
// everything inside one invocation commits or none of it does.
type TxFn func(ctx context.Context, tx *sql.Tx) error

// WithTransaction runs fn inside a single primary transaction. The
// transaction commits when fn returns nil and rolls back when fn returns an
// error or panics; panics are re-thrown after rollback. A default timeout is
// applied when the caller's context carries no deadline.
func (c *Client) WithTransaction(ctx context.Context, fn TxFn) error {
	if fn == nil {
		return ErrNilTransactionFn
	}

	if ctx == nil {
		ctx = context.Background()
	}

	primary, err := c.Primary(ctx)
	if err != nil {
		return err
	}

	txCtx := ctx

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc

		timeout := c.TransactionTimeout
		if timeout <= 0 {
			timeout = defaultTransactionTimeout
		}

		txCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := primary.BeginTx(txCtx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false

	defer func() {
		if committed {
			return
		}

		// Rollback on both the error path and the panic path; the panic
		// continues unwinding after the transaction is released.
		_ = tx.Rollback()
	}()

	if err := fn(txCtx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	committed = true

	return nil
}

// Close releases database connection resources.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.resolver == nil {
		return nil
	}

	err := c.resolver.Close()
	c.resolver = nil
	c.primary = nil
	c.connected = false

	return err
}

// IsConnected reports whether the resolver is initialized.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

// migrationsPath returns the path to migration files, deriving it from the
// component name when not explicitly provided.
func (c *Client) migrationsPath() (string, error) {
	if c.MigrationsPath != "" {
		return sanitizePath(c.MigrationsPath)
	}

	// filepath.Base strips directory components, preventing path traversal
	// through the component name (CWE-22).
	sanitized := filepath.Base(c.Component)
	if sanitized == "." || sanitized == string(filepath.Separator) {
		return "", fmt.Errorf("invalid component name: %q", c.Component)
	}

	calculatedPath, err := filepath.Abs(filepath.Join("components", sanitized, "migrations"))
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return calculatedPath, nil
}

func (c *Client) runMigrations(ctx context.Context, primary *sql.DB, migrationsPath string) error {
	if !dbNamePattern.MatchString(c.PrimaryDBName) {
		return fmt.Errorf("invalid database name: %q", c.PrimaryDBName)
	}

	sourceURL, err := url.Parse(filepath.ToSlash(migrationsPath))
	if err != nil {
		return fmt.Errorf("failed to parse migrations url: %w", err)
	}

	sourceURL.Scheme = "file"

	driver, err := migratepostgres.WithInstance(primary, &migratepostgres.Config{
		DatabaseName: c.PrimaryDBName,
		SchemaName:   "public",
	})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver instance: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL.String(), c.PrimaryDBName, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			c.Logger.Log(ctx, log.LevelInfo, "no new migrations found, skipping")

			return nil
		}

		if errors.Is(err, os.ErrNotExist) {
			c.Logger.Log(ctx, log.LevelWarn, "no migration files found, skipping migration step")

			return nil
		}

		var dirtyErr migrate.ErrDirty
		if errors.As(err, &dirtyErr) {
			return fmt.Errorf("migration failed: dirty database version %d", dirtyErr.Version)
		}

		return fmt.Errorf("migration failed: %w", err)
	}

	return nil
}

func sanitizeConnError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := credentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = passwordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func sanitizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)

	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid migrations path: %q", path)
		}
	}

	absPath, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	return absPath, nil
}
