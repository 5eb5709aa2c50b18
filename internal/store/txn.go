package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the subset of *pgxpool.Pool and pgx.Tx that every CRUD method
// in this package needs. Store.pool holds one of these, so the same methods
// run unmodified whether called against the tenant's pool directly or
// against a transaction opened by WithTx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx runs fn against a Store scoped to a single transaction on this
// tenant's pool, committing on success and rolling back on error or panic.
// This is the transactional core spec.md §4.E stage 4 requires: one triplet
// materialized per transaction. Calling WithTx on a Store that already
// wraps a transaction (nested call) just reuses it — transactions do not
// nest in pgx.
func (s *Store) WithTx(ctx context.Context, fn func(txStore *Store) error) (err error) {
	if s.rawPool == nil {
		return fn(s)
	}

	tx, err := s.rawPool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}

	txStore := &Store{pool: tx, embeddingDimensions: s.embeddingDimensions}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("store: tx failed: %w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}
