// Package outbox implements delayed message delivery over a Postgres
// table, since Kafka has no native scheduled-delivery primitive. The
// run coordinator's force-consolidate path is the only caller today.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nivoda/diamond-ingest/pkg/log"
)

const (
	insertSQL = `
		INSERT INTO scheduled_messages (topic, key, value, deliver_at, attempt_count)
		VALUES ($1, $2, $3, $4, 0)`

	selectReadySQL = `
		SELECT id, topic, key, value
		FROM scheduled_messages
		WHERE deliver_at <= now() AND dispatched_at IS NULL
		ORDER BY deliver_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`

	markDispatchedSQL = `
		UPDATE scheduled_messages SET dispatched_at = now() WHERE id = $1`

	markFailedSQL = `
		UPDATE scheduled_messages
		SET attempt_count = attempt_count + 1,
		    deliver_at = now() + make_interval(secs => LEAST(POWER(2, attempt_count + 1), 300))
		WHERE id = $1`
)

// Store is the Postgres-backed outbox table accessor.
type Store struct {
	db *sql.DB
}

// Open opens a Store against dsn.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("outbox: opening db: %w", err)
	}
	return &Store{db: db}, nil
}

// Schedule inserts one delayed message, ready for pickup at or after
// deliverAt.
func (s *Store) Schedule(ctx context.Context, topic, key string, value []byte, deliverAt time.Time) error {
	_, err := s.db.ExecContext(ctx, insertSQL, topic, key, value, deliverAt)
	if err != nil {
		return fmt.Errorf("outbox: scheduling message: %w", err)
	}
	return nil
}

// Row is one ready-to-dispatch outbox entry.
type Row struct {
	ID    int64
	Topic string
	Key   string
	Value []byte
}

// Sender is the narrow bus.Gateway slice the Dispatcher needs.
type Sender interface {
	Send(ctx context.Context, topic string, key string, value []byte) error
}

// Dispatcher polls the outbox table and re-publishes ready rows onto
// the live bus, backing off failed rows with exponential delay.
type Dispatcher struct {
	store    *Store
	send     func(ctx context.Context, topic, key string, value []byte) error
	interval time.Duration
	batch    int
}

// NewDispatcher builds a Dispatcher that calls send to re-publish each
// ready row.
func NewDispatcher(store *Store, send func(ctx context.Context, topic, key string, value []byte) error, interval time.Duration, batch int) *Dispatcher {
	return &Dispatcher{store: store, send: send, interval: interval, batch: batch}
}

// Run polls on a ticker until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	logger := log.WithComponent("outbox")
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.dispatchOnce(ctx); err != nil {
				logger.Error().Err(err).Msg("outbox dispatch pass failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *Dispatcher) dispatchOnce(ctx context.Context) error {
	tx, err := d.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, selectReadySQL, d.batch)
	if err != nil {
		return fmt.Errorf("outbox: selecting ready rows: %w", err)
	}

	var ready []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.Topic, &r.Key, &r.Value); err != nil {
			rows.Close()
			return fmt.Errorf("outbox: scanning row: %w", err)
		}
		ready = append(ready, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range ready {
		if err := d.send(ctx, r.Topic, r.Key, r.Value); err != nil {
			if _, ferr := tx.ExecContext(ctx, markFailedSQL, r.ID); ferr != nil {
				return fmt.Errorf("outbox: marking row %d failed: %w", r.ID, ferr)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, markDispatchedSQL, r.ID); err != nil {
			return fmt.Errorf("outbox: marking row %d dispatched: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
