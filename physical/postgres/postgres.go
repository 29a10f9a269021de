package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stephnangue/wearlink/config"
	log "github.com/stephnangue/wearlink/logger"
	"github.com/stephnangue/wearlink/physical"
)

var _ physical.Backend = (*PostgreSQLBackend)(nil)

const defaultTable = "wearlink_kv"

// PostgreSQLBackend stores entries in a single table. Conditional writes are
// an INSERT ... ON CONFLICT DO NOTHING for creation and an UPDATE guarded by
// the version column otherwise.
type PostgreSQLBackend struct {
	table  string
	client *sql.DB

	getQuery    string
	insertQuery string
	updateQuery string
	deleteQuery string
	listQuery   string

	permitPool *physical.PermitPool
	logger     log.Logger
}

// NewPostgreSQLBackend connects to PostgreSQL through the pgx driver.
// Options: connection_url (required), table, max_parallel,
// max_idle_connections, skip_create_table, max_connect_retries.
func NewPostgreSQLBackend(conf map[string]string, logger log.Logger) (physical.Backend, error) {
	connURL, err := config.GetStringRequired(conf, "connection_url")
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNop()
	}

	db, err := sql.Open("pgx", connURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	maxParallel := config.GetInt(conf, "max_parallel", physical.DefaultParallelOperations)
	db.SetMaxOpenConns(maxParallel)
	db.SetMaxIdleConns(config.GetInt(conf, "max_idle_connections", 4))
	db.SetConnMaxIdleTime(5 * time.Minute)

	// Wait for the database the same way on every start, so compose stacks
	// that bring postgres up late still work.
	retries := config.GetInt(conf, "max_connect_retries", 5)
	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("postgres not ready, retrying", log.Err(err), log.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(ping, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(retries)), notify); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	b := newBackend(db, config.GetString(conf, "table", defaultTable), maxParallel, logger)

	if !config.GetBool(conf, "skip_create_table", false) {
		if err := b.createTable(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
	}

	logger.Debug("postgres backend ready", log.String("table", b.table))
	return b, nil
}

func newBackend(db *sql.DB, table string, maxParallel int, logger log.Logger) *PostgreSQLBackend {
	quoted := physical.QuoteIdentifier(table)
	return &PostgreSQLBackend{
		table:       quoted,
		client:      db,
		getQuery:    "SELECT value, version FROM " + quoted + " WHERE key = $1",
		insertQuery: "INSERT INTO " + quoted + " (key, value, version) VALUES ($1, $2, 1) ON CONFLICT (key) DO NOTHING",
		updateQuery: "UPDATE " + quoted + " SET value = $2, version = version + 1, updated_at = NOW() WHERE key = $1 AND version = $3",
		deleteQuery: "DELETE FROM " + quoted + " WHERE key = $1",
		listQuery:   "SELECT key FROM " + quoted + " WHERE key LIKE $1 AND key > $2 ORDER BY key LIMIT $3",
		permitPool:  physical.NewPermitPool(maxParallel),
		logger:      logger,
	}
}

func (p *PostgreSQLBackend) createTable(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS ` + p.table + ` (
  key        TEXT PRIMARY KEY,
  value      BYTEA NOT NULL,
  version    BIGINT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := p.client.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create table %s: %w", p.table, err)
	}
	return nil
}

func (p *PostgreSQLBackend) Get(ctx context.Context, key string) (*physical.Entry, error) {
	p.permitPool.Acquire()
	defer p.permitPool.Release()

	var value []byte
	var version int64
	err := p.client.QueryRowContext(ctx, p.getQuery, key).Scan(&value, &version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, wrap("get", err)
	}
	return &physical.Entry{Key: key, Value: value, Version: uint64(version)}, nil
}

func (p *PostgreSQLBackend) Put(ctx context.Context, key string, value []byte, expectedVersion uint64) (uint64, error) {
	p.permitPool.Acquire()
	defer p.permitPool.Release()

	var res sql.Result
	var err error
	if expectedVersion == 0 {
		res, err = p.client.ExecContext(ctx, p.insertQuery, key, value)
	} else {
		res, err = p.client.ExecContext(ctx, p.updateQuery, key, value, int64(expectedVersion))
	}
	if err != nil {
		return 0, wrap("put", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("put", err)
	}
	if n == 0 {
		return 0, physical.ErrVersionConflict
	}
	return expectedVersion + 1, nil
}

func (p *PostgreSQLBackend) Delete(ctx context.Context, key string) error {
	p.permitPool.Acquire()
	defer p.permitPool.Release()

	if _, err := p.client.ExecContext(ctx, p.deleteQuery, key); err != nil {
		return wrap("delete", err)
	}
	return nil
}

func (p *PostgreSQLBackend) List(ctx context.Context, prefix, after string, limit int) ([]string, error) {
	p.permitPool.Acquire()
	defer p.permitPool.Release()

	var lim interface{}
	if limit > 0 {
		lim = limit
	}
	rows, err := p.client.QueryContext(ctx, p.listQuery, likePrefix(prefix), after, lim)
	if err != nil {
		return nil, wrap("list", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, wrap("list", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list", err)
	}
	return keys, nil
}

func (p *PostgreSQLBackend) Close() error {
	return p.client.Close()
}

// likePrefix escapes LIKE metacharacters in prefix and appends a wildcard.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}

func wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return physical.Unavailable(op, err)
}
