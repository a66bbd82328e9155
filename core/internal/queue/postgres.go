package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telhawk-systems/taskhub-stack/common/database"
	"github.com/telhawk-systems/taskhub-stack/common/logging"
	"github.com/telhawk-systems/taskhub-stack/core/internal/metrics"
)

// PostgresQueue keeps messages and leases in the queue_messages table. The
// lease columns are the single record of who owns a key; every state change
// is a conditional UPDATE or DELETE against them.
type PostgresQueue struct {
	pool   *pgxpool.Pool
	opts   Options
	logger *slog.Logger
}

func NewPostgresQueue(pool *pgxpool.Pool, opts Options) *PostgresQueue {
	return &PostgresQueue{pool: pool, opts: opts.withDefaults(), logger: slog.Default()}
}

// WithLogger sets the logger used for lease expiry warnings.
func (q *PostgresQueue) WithLogger(logger *slog.Logger) *PostgresQueue {
	q.logger = logger
	return q
}

const headsPredicate = `seq IN (SELECT min(seq) FROM queue_messages GROUP BY ordering_key)`

func (q *PostgresQueue) Enqueue(ctx context.Context, orderingKey string, payload []byte, opts ...EnqueueOption) (string, error) {
	msg, err := newMessage(orderingKey, payload, opts)
	if err != nil {
		return "", err
	}

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	// Two rounds cover a duplicate that gets acked between INSERT and SELECT.
	for round := 0; round < 2; round++ {
		id, err := uuid.NewV7()
		if err != nil {
			return "", err
		}

		var inserted string
		err = q.pool.QueryRow(ctx, `
			INSERT INTO queue_messages (id, ordering_key, tenant_id, kind, payload, dedup_id)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
			ON CONFLICT (dedup_id) DO NOTHING
			RETURNING id::text
		`, id.String(), msg.OrderingKey, msg.TenantID, msg.Kind, msg.Payload, msg.DedupID).Scan(&inserted)
		if err == nil {
			metrics.QueueEnqueued.Inc()
			return inserted, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("failed to enqueue message: %w", err)
		}

		var existing string
		err = q.pool.QueryRow(ctx,
			`SELECT id::text FROM queue_messages WHERE dedup_id = $1`, msg.DedupID,
		).Scan(&existing)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("failed to look up duplicate message: %w", err)
		}
	}
	return "", fmt.Errorf("failed to enqueue message: dedup id %s kept changing", msg.DedupID)
}

func (q *PostgresQueue) Receive(ctx context.Context, consumerID string) (*Delivery, error) {
	if _, err := q.ReapExpired(ctx); err != nil {
		q.logger.WarnContext(ctx, "dead-lettering expired messages failed", logging.Error(err))
	}

	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	token := uuid.NewString()
	var (
		msg       Message
		expires   time.Time
		wasLeased bool
	)
	err := q.pool.QueryRow(ctx, `
		WITH candidate AS (
			SELECT seq, lease_token IS NOT NULL AS was_leased
			FROM queue_messages
			WHERE `+headsPredicate+`
			  AND (lease_expires_at IS NULL OR lease_expires_at <= now())
			  AND (visible_at IS NULL OR visible_at <= now())
			  AND attempts < $4
			ORDER BY seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_messages m
		SET attempts = m.attempts + 1,
		    lease_token = $1,
		    lease_consumer = $2,
		    lease_expires_at = now() + $3::bigint * interval '1 millisecond',
		    visible_at = NULL
		FROM candidate c
		WHERE m.seq = c.seq
		RETURNING m.id::text, m.ordering_key, m.tenant_id, m.kind, m.payload,
		          COALESCE(m.dedup_id, ''), m.attempts, m.enqueued_at, m.lease_expires_at, c.was_leased
	`, token, consumerID, q.opts.LeaseDuration.Milliseconds(), q.opts.MaxAttempts).Scan(
		&msg.ID, &msg.OrderingKey, &msg.TenantID, &msg.Kind, &msg.Payload,
		&msg.DedupID, &msg.Attempts, &msg.EnqueuedAt, &expires, &wasLeased,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("failed to receive message: %w", err)
	}
	msg.LeaseExpiresAt = expires

	if wasLeased {
		metrics.QueueLeaseExpirations.Inc()
		q.logger.WarnContext(ctx, "queue lease expired",
			logging.MessageID(msg.ID),
			logging.OrderingKey(msg.OrderingKey),
			logging.Attempt(msg.Attempts-1),
		)
	}
	if msg.Attempts > 1 {
		metrics.QueueRedeliveries.Inc()
	}

	return &Delivery{Message: msg, LeaseToken: token, ConsumerID: consumerID}, nil
}

// leaseError tells a stale lease apart from an unknown message.
func (q *PostgresQueue) leaseError(ctx context.Context, messageID string) error {
	var exists bool
	err := q.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM queue_messages WHERE id::text = $1)`, messageID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check message: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrLeaseExpired
}

func (q *PostgresQueue) Ack(ctx context.Context, messageID, leaseToken string) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := q.pool.Exec(ctx, `
		DELETE FROM queue_messages
		WHERE id::text = $1 AND lease_token = $2 AND lease_expires_at > now()
	`, messageID, leaseToken)
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		err := q.leaseError(ctx, messageID)
		if errors.Is(err, ErrLeaseExpired) {
			metrics.QueueStaleAcks.Inc()
		}
		return err
	}
	metrics.QueueAcked.Inc()
	return nil
}

func (q *PostgresQueue) ExtendLease(ctx context.Context, messageID, leaseToken string, d time.Duration) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tag, err := q.pool.Exec(ctx, `
		UPDATE queue_messages
		SET lease_expires_at = now() + $3::bigint * interval '1 millisecond'
		WHERE id::text = $1 AND lease_token = $2 AND lease_expires_at > now()
	`, messageID, leaseToken, d.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return q.leaseError(ctx, messageID)
	}
	return nil
}

// lockLeased locks the message row when leaseToken is its live lease.
func (q *PostgresQueue) lockLeased(ctx context.Context, tx pgx.Tx, messageID, leaseToken string) (Message, error) {
	var msg Message
	err := tx.QueryRow(ctx, `
		SELECT id::text, ordering_key, tenant_id, kind, payload, COALESCE(dedup_id, ''), attempts, enqueued_at
		FROM queue_messages
		WHERE id::text = $1 AND lease_token = $2 AND lease_expires_at > now()
		FOR UPDATE
	`, messageID, leaseToken).Scan(
		&msg.ID, &msg.OrderingKey, &msg.TenantID, &msg.Kind, &msg.Payload,
		&msg.DedupID, &msg.Attempts, &msg.EnqueuedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, q.leaseError(ctx, messageID)
		}
		return Message{}, fmt.Errorf("failed to lock message: %w", err)
	}
	return msg, nil
}

func (q *PostgresQueue) Release(ctx context.Context, messageID, leaseToken string) error {
	return q.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		msg, err := q.lockLeased(ctx, tx, messageID, leaseToken)
		if err != nil {
			return err
		}
		if msg.Attempts >= q.opts.MaxAttempts {
			return q.deadLetterTx(ctx, tx, msg, ReasonMaxAttempts, errAttemptsExhausted)
		}
		_, err = tx.Exec(ctx, `
			UPDATE queue_messages
			SET lease_token = NULL, lease_consumer = NULL, lease_expires_at = NULL
			WHERE id::text = $1
		`, messageID)
		return err
	})
}

func (q *PostgresQueue) Nack(ctx context.Context, messageID, leaseToken string, delay time.Duration) error {
	return q.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		msg, err := q.lockLeased(ctx, tx, messageID, leaseToken)
		if err != nil {
			return err
		}
		if msg.Attempts >= q.opts.MaxAttempts {
			return q.deadLetterTx(ctx, tx, msg, ReasonMaxAttempts, errAttemptsExhausted)
		}
		_, err = tx.Exec(ctx, `
			UPDATE queue_messages
			SET lease_token = NULL, lease_consumer = NULL, lease_expires_at = NULL,
			    visible_at = now() + $2::bigint * interval '1 millisecond'
			WHERE id::text = $1
		`, messageID, delay.Milliseconds())
		return err
	})
}

func (q *PostgresQueue) Reject(ctx context.Context, messageID, leaseToken string, cause error) error {
	return q.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		msg, err := q.lockLeased(ctx, tx, messageID, leaseToken)
		if err != nil {
			return err
		}
		return q.deadLetterTx(ctx, tx, msg, ReasonRejected, cause)
	})
}

func (q *PostgresQueue) ReapExpired(ctx context.Context) (int, error) {
	reaped := 0
	err := q.withTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id::text, ordering_key, tenant_id, kind, payload, COALESCE(dedup_id, ''),
			       attempts, enqueued_at, lease_token IS NOT NULL
			FROM queue_messages
			WHERE `+headsPredicate+`
			  AND (lease_expires_at IS NULL OR lease_expires_at <= now())
			  AND attempts >= $1
			FOR UPDATE SKIP LOCKED
		`, q.opts.MaxAttempts)
		if err != nil {
			return fmt.Errorf("failed to select exhausted messages: %w", err)
		}

		var exhausted []Message
		for rows.Next() {
			var (
				msg       Message
				wasLeased bool
			)
			if err := rows.Scan(&msg.ID, &msg.OrderingKey, &msg.TenantID, &msg.Kind, &msg.Payload,
				&msg.DedupID, &msg.Attempts, &msg.EnqueuedAt, &wasLeased); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan message: %w", err)
			}
			if wasLeased {
				metrics.QueueLeaseExpirations.Inc()
			}
			exhausted = append(exhausted, msg)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		var firstErr error
		for _, msg := range exhausted {
			if err := q.deadLetterTx(ctx, tx, msg, ReasonMaxAttempts, errAttemptsExhausted); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			reaped++
		}
		if firstErr != nil && reaped == 0 {
			return firstErr
		}
		return nil
	})
	return reaped, err
}

// deadLetterTx calls the dead-letter callback and deletes the row inside tx.
func (q *PostgresQueue) deadLetterTx(ctx context.Context, tx pgx.Tx, msg Message, reason string, cause error) error {
	if q.opts.OnDeadLetter == nil {
		return errNoDeadLetterSink
	}
	if err := q.opts.OnDeadLetter(ctx, msg, reason, cause); err != nil {
		return fmt.Errorf("dead-letter message %s: %w", msg.ID, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM queue_messages WHERE id::text = $1`, msg.ID); err != nil {
		return fmt.Errorf("failed to delete dead-lettered message: %w", err)
	}
	return nil
}

func (q *PostgresQueue) withTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	ctx, cancel := database.WriteContext(ctx)
	defer cancel()

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (q *PostgresQueue) Stats(ctx context.Context) (Stats, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var st Stats
	err := q.pool.QueryRow(ctx, `
		SELECT count(*) FILTER (WHERE lease_expires_at IS NULL OR lease_expires_at <= now()),
		       count(*) FILTER (WHERE lease_expires_at > now()),
		       count(DISTINCT ordering_key)
		FROM queue_messages
	`).Scan(&st.Pending, &st.InFlight, &st.Keys)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return st, nil
}

func (q *PostgresQueue) PendingForKey(ctx context.Context, orderingKey string) (int, error) {
	ctx, cancel := database.QueryContext(ctx)
	defer cancel()

	var n int
	err := q.pool.QueryRow(ctx,
		`SELECT count(*) FROM queue_messages WHERE ordering_key = $1`, orderingKey,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

var _ Queue = (*PostgresQueue)(nil)
