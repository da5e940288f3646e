package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/deadline-sync/internal/repository"
	"github.com/jwalitptl/deadline-sync/pkg/metrics"
)

// BaseRepository provides common functionality for all repositories
type BaseRepository struct {
	db      *sqlx.DB
	metrics *metrics.Metrics
}

// NewBaseRepository creates a new base repository. m may be nil.
func NewBaseRepository(db *sqlx.DB, m *metrics.Metrics) BaseRepository {
	return BaseRepository{db: db, metrics: m}
}

// GetDB returns the database instance
func (r *BaseRepository) GetDB() *sqlx.DB {
	return r.db
}

// WithTx executes a function within a transaction
func (r *BaseRepository) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// Queries are written with ? placeholders and rebound per driver.
func (r *BaseRepository) q(query string) string {
	return r.db.Rebind(query)
}

func (r *BaseRepository) observe(op string, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	status := "success"
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		status = "error"
	}
	r.metrics.DatabaseOperations.WithLabelValues(op, status).Inc()
	r.metrics.DatabaseLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (r *BaseRepository) exec(ctx context.Context, op, query string, args ...interface{}) (int64, error) {
	start := time.Now()
	res, err := r.db.ExecContext(ctx, r.q(query), args...)
	if err == nil {
		var n int64
		n, err = res.RowsAffected()
		r.observe(op, start, err)
		return n, err
	}
	r.observe(op, start, err)
	return 0, err
}

func (r *BaseRepository) get(ctx context.Context, op string, dest interface{}, query string, args ...interface{}) error {
	start := time.Now()
	err := r.db.GetContext(ctx, dest, r.q(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		err = repository.ErrNotFound
	}
	r.observe(op, start, err)
	return err
}

func (r *BaseRepository) selectAll(ctx context.Context, op string, dest interface{}, query string, args ...interface{}) error {
	start := time.Now()
	err := r.db.SelectContext(ctx, dest, r.q(query), args...)
	r.observe(op, start, err)
	return err
}

// ts normalizes a timestamp to what every supported driver round-trips.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func tsPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := ts(*t)
	return &v
}

func requireOne(n int64, what string) error {
	if n == 0 {
		return fmt.Errorf("%s: %w", what, repository.ErrNotFound)
	}
	return nil
}
