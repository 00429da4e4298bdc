// Package store is the coordinator's transactional repository: users,
// workers, jobs, assignments, results, accounts, ledger entries and pool
// settings, all behind a Postgres connection pool. Every dispatcher and
// verifier operation runs inside a single transaction per logical step;
// the unique constraint on assignments.nonce is the cross-process
// deduplication primitive and the SQL layer never tries to reimplement it
// in application code.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openmesh-labs/pool-coordinator/internal/apperr"
	"github.com/openmesh-labs/pool-coordinator/internal/gethlog"
)

// ErrAlreadySubmitted signals a result already exists for an assignment -
// the database's unique constraint on results.assignment_id caught a
// concurrent writer. Callers translate this to HTTP 409.
var ErrAlreadySubmitted = errors.New("store: assignment already submitted")

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting every
// query function in this package run either standalone or inside a caller's
// transaction without duplicating SQL.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store owns the connection pool and is the entry point every component
// (Dispatcher, Verifier, Accounting, Emission, ProtocolSurface) is
// constructed with.
type Store struct {
	Pool *pgxpool.Pool
	log  gethlog.Logger
}

// Open connects to dsn and pings it once so construction fails fast.
func Open(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{Pool: pool, log: gethlog.Root().With("component", "store")}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.Pool.Close() }

// WithTx runs fn inside a single transaction, committing on success and
// rolling back on any error or panic. This is the one-transaction-per-step
// primitive every dispatcher tick, submission and emission run is built on.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) (err error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return apperr.Store(err, "begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
				s.log.Warn("rollback failed", "err", rbErr)
			}
		}
	}()

	if err = fn(ctx, tx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return apperr.Store(err, "commit transaction")
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the signal used both for nonce collisions (retried) and
// duplicate results for one assignment (ErrAlreadySubmitted).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if ok := asPgError(err, &pgErr); ok {
		return pgErr.Code == "23505"
	}
	return false
}

func asPgError(err error, target **pgconn.PgError) bool {
	for err != nil {
		if e, ok := err.(*pgconn.PgError); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
