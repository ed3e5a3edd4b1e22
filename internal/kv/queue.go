package kv

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// redeliveryBackoff spaces out redelivery of a message whose handler failed.
func redeliveryBackoff(attempts int) time.Duration {
	backoff := time.Duration(attempts) * 200 * time.Millisecond
	if backoff > 5*time.Second {
		backoff = 5 * time.Second
	}

	return backoff
}

// Enqueue schedules payload for delivery no earlier than delay from now.
// Delivery is at-least-once: a message is removed only after its handler
// returns without error, so handlers must tolerate duplicates.
func (s *Store) Enqueue(ctx context.Context, payload []byte, delay time.Duration) error {
	if err := s.guardOpen(); err != nil {
		return err
	}

	deliverAt := time.Now().Add(delay).UnixMilli()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue (payload, deliver_at) VALUES (?, ?)`, payload, deliverAt)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	return nil
}

// Listen delivers due messages to handler, in enqueue order, until ctx is
// cancelled. Cancellation takes effect between messages: an in-flight handler
// always completes, and its writes and acknowledgement run on a context the
// cancellation cannot reach. A handler error leaves the message in place with
// a grown attempt count and a backoff before redelivery.
func (s *Store) Listen(ctx context.Context, handler func(ctx context.Context, payload []byte) error) error {
	ticker := time.NewTicker(s.queuePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := s.deliverDue(ctx, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return err
		}
	}
}

func (s *Store) deliverDue(ctx context.Context, handler func(ctx context.Context, payload []byte) error) error {
	for {
		// Cooperative stop point, consulted before each message: once the
		// context is cancelled no further message is picked up.
		if err := ctx.Err(); err != nil {
			return err
		}

		var (
			id       int64
			payload  []byte
			attempts int
		)

		row := s.db.QueryRowContext(ctx,
			`SELECT id, payload, attempts FROM queue WHERE deliver_at <= ? ORDER BY id ASC LIMIT 1`,
			time.Now().UnixMilli())

		err := row.Scan(&id, &payload, &attempts)
		if err == sql.ErrNoRows {
			return nil
		}

		if err != nil {
			return fmt.Errorf("poll queue: %w", err)
		}

		// Once a message is picked up it must run to completion: the handler,
		// its reschedule, and its acknowledgement are detached from ctx so a
		// cancel arriving mid-message cannot abort the finalize writes.
		msgCtx := context.WithoutCancel(ctx)

		if err := handler(msgCtx, payload); err != nil {
			attempts++
			retryAt := time.Now().Add(redeliveryBackoff(attempts)).UnixMilli()

			s.log.Warn("queue handler failed, scheduling redelivery",
				"message_id", id, "attempts", attempts, "error", err)

			if _, uerr := s.db.ExecContext(msgCtx,
				`UPDATE queue SET attempts = ?, deliver_at = ? WHERE id = ?`,
				attempts, retryAt, id); uerr != nil {
				return fmt.Errorf("reschedule message %d: %w", id, uerr)
			}

			continue
		}

		if _, err := s.db.ExecContext(msgCtx, `DELETE FROM queue WHERE id = ?`, id); err != nil {
			return fmt.Errorf("ack message %d: %w", id, err)
		}
	}
}
