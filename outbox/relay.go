package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Notifier delivers one event to an external channel. Delivery is
// fire-and-forget from the domain's point of view: a failure bumps the
// attempt counter and the row is retried on the next sweep.
type Notifier interface {
	Notify(ctx context.Context, topic string, payload []byte) error
}

// LogNotifier writes events to the structured log. It stands in for the
// hosted notification channel in development and tests.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(ctx context.Context, topic string, payload []byte) error {
	n.Logger.Info("notification", slog.String("topic", topic), slog.String("payload", string(payload)))
	return nil
}

// Relay polls the outbox table and pushes pending messages through the
// notifier.
type Relay struct {
	pool     *pgxpool.Pool
	notifier Notifier
	logger   *slog.Logger
	interval time.Duration
	batch    int
}

func NewRelay(pool *pgxpool.Pool, notifier Notifier, logger *slog.Logger) *Relay {
	return &Relay{
		pool:     pool,
		notifier: notifier,
		logger:   logger,
		interval: 2 * time.Second,
		batch:    50,
	}
}

// Run sweeps until the context is cancelled. Sweep errors are logged, not
// returned, so a transient database failure does not stop delivery.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("outbox sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep delivers up to one batch of pending messages and returns how many
// were sent. Rows are locked with SKIP LOCKED so concurrent relays do not
// double-deliver.
func (r *Relay) Sweep(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin sweep: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, r.batch)
	if err != nil {
		return 0, fmt.Errorf("outbox: select pending: %w", err)
	}

	var pending []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("outbox: scan: %w", err)
		}
		pending = append(pending, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("outbox: iterate: %w", err)
	}

	sent := 0
	for _, m := range pending {
		if err := r.notifier.Notify(ctx, m.Topic, m.Payload); err != nil {
			r.logger.Warn("notification delivery failed",
				slog.String("topic", m.Topic),
				slog.Int("attempts", m.Attempts+1),
				slog.String("error", err.Error()))
			if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, m.ID); err != nil {
				return sent, fmt.Errorf("outbox: record attempt: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'sent', attempts = attempts + 1 WHERE id = $1`, m.ID); err != nil {
			return sent, fmt.Errorf("outbox: mark sent: %w", err)
		}
		sent++
	}

	if err := tx.Commit(ctx); err != nil {
		return sent, fmt.Errorf("outbox: commit sweep: %w", err)
	}

	return sent, nil
}
