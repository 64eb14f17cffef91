package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrStatusNotFound is returned when no delivery record exists for a tuple.
var ErrStatusNotFound = errors.New("delivery status not found")

// attemptLease bounds how long one claimed send attempt may stay in flight
// before another worker may reclaim the tuple.
const attemptLease = 30 * time.Second

// DeliveryStatusStore is the invariant-bearing state shared by the scheduler,
// dispatcher and escalation manager. Implementations must provide per-tuple
// read-modify-write atomicity: Acquire acts as a check-and-set that serializes
// send attempts for one (notification, team, channel) tuple.
type DeliveryStatusStore interface {
	// Get returns the record for one tuple, or ErrStatusNotFound.
	Get(ctx context.Context, key DeliveryKey) (*DeliveryStatus, error)

	// ListByNotification returns all tuple records of one notification.
	ListByNotification(ctx context.Context, notificationID string) ([]DeliveryStatus, error)

	// Acquire creates the record in pending state when absent and claims the
	// tuple for a send attempt. acquired is false when the tuple is already
	// delivered, terminally failed, not yet due for retry, or claimed by a
	// concurrent attempt. The claim is released by the next Mark* call or by
	// lease expiry.
	Acquire(ctx context.Context, key DeliveryKey, now time.Time) (rec *DeliveryStatus, acquired bool, err error)

	// MarkSent records asynchronous adapter acceptance without confirming
	// delivery yet.
	MarkSent(ctx context.Context, key DeliveryKey, externalID string, at time.Time) error

	// MarkDelivered performs the single terminal transition to delivered.
	// Subsequent calls for the same tuple are no-ops.
	MarkDelivered(ctx context.Context, key DeliveryKey, externalID string, at time.Time) error

	// MarkRetrying schedules the next attempt after a transient failure.
	MarkRetrying(ctx context.Context, key DeliveryKey, attempts int, nextRetryAt time.Time, errMsg string) error

	// MarkFailed performs the terminal failure transition once the retry
	// budget is exhausted or the error is permanent.
	MarkFailed(ctx context.Context, key DeliveryKey, attempts int, errMsg string) error
}

// PostgresStatusStore persists delivery status rows in Postgres. The
// check-and-set in Acquire relies on a conditional UPDATE so concurrent
// workers never hold the same tuple in flight.
type PostgresStatusStore struct {
	PG *sql.DB
}

func NewPostgresStatusStore(pg *sql.DB) *PostgresStatusStore {
	return &PostgresStatusStore{PG: pg}
}

const statusColumns = `notification_id, team_id, channel, status, attempts,
	last_attempt_at, next_retry_at, COALESCE(error_message, '') as error_message,
	delivered_at, COALESCE(external_message_id, '') as external_message_id`

func (s *PostgresStatusStore) Get(ctx context.Context, key DeliveryKey) (*DeliveryStatus, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM delivery_status
		WHERE notification_id = $1 AND team_id = $2 AND channel = $3`, statusColumns)

	row := s.PG.QueryRowContext(ctx, query, key.NotificationID, key.TeamID, key.Channel)
	rec, err := scanStatus(row)
	if err == sql.ErrNoRows {
		return nil, ErrStatusNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery status: %w", err)
	}
	return rec, nil
}

func (s *PostgresStatusStore) ListByNotification(ctx context.Context, notificationID string) ([]DeliveryStatus, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM delivery_status
		WHERE notification_id = $1
		ORDER BY team_id ASC, channel ASC`, statusColumns)

	rows, err := s.PG.QueryContext(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery statuses: %w", err)
	}
	defer rows.Close()

	var records []DeliveryStatus
	for rows.Next() {
		rec, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery status: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (s *PostgresStatusStore) Acquire(ctx context.Context, key DeliveryKey, now time.Time) (*DeliveryStatus, bool, error) {
	_, err := s.PG.ExecContext(ctx, `
		INSERT INTO delivery_status (notification_id, team_id, channel, status, attempts)
		VALUES ($1, $2, $3, 'pending', 0)
		ON CONFLICT (notification_id, team_id, channel) DO NOTHING
	`, key.NotificationID, key.TeamID, key.Channel)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create delivery status: %w", err)
	}

	// Claim the tuple: only one worker may move last_attempt_at forward while
	// the row is pending/retrying and due.
	query := fmt.Sprintf(`
		UPDATE delivery_status SET last_attempt_at = $4
		WHERE notification_id = $1 AND team_id = $2 AND channel = $3
		  AND status IN ('pending', 'retrying')
		  AND (next_retry_at IS NULL OR next_retry_at <= $4)
		  AND (last_attempt_at IS NULL OR last_attempt_at < $5)
		RETURNING %s`, statusColumns)

	row := s.PG.QueryRowContext(ctx, query,
		key.NotificationID, key.TeamID, key.Channel, now, now.Add(-attemptLease))
	rec, err := scanStatus(row)
	if err == sql.ErrNoRows {
		current, getErr := s.Get(ctx, key)
		if getErr != nil {
			return nil, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire delivery status: %w", err)
	}
	return rec, true, nil
}

func (s *PostgresStatusStore) MarkSent(ctx context.Context, key DeliveryKey, externalID string, at time.Time) error {
	_, err := s.PG.ExecContext(ctx, `
		UPDATE delivery_status
		SET status = 'sent', external_message_id = $4, last_attempt_at = $5
		WHERE notification_id = $1 AND team_id = $2 AND channel = $3
		  AND status NOT IN ('delivered', 'failed')
	`, key.NotificationID, key.TeamID, key.Channel, externalID, at)
	if err != nil {
		return fmt.Errorf("failed to mark sent: %w", err)
	}
	return nil
}

func (s *PostgresStatusStore) MarkDelivered(ctx context.Context, key DeliveryKey, externalID string, at time.Time) error {
	_, err := s.PG.ExecContext(ctx, `
		UPDATE delivery_status
		SET status = 'delivered', delivered_at = $4, external_message_id = $5,
		    next_retry_at = NULL, error_message = NULL
		WHERE notification_id = $1 AND team_id = $2 AND channel = $3
		  AND status <> 'delivered'
	`, key.NotificationID, key.TeamID, key.Channel, at, externalID)
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	return nil
}

func (s *PostgresStatusStore) MarkRetrying(ctx context.Context, key DeliveryKey, attempts int, nextRetryAt time.Time, errMsg string) error {
	_, err := s.PG.ExecContext(ctx, `
		UPDATE delivery_status
		SET status = 'retrying', attempts = $4, next_retry_at = $5, error_message = $6,
		    last_attempt_at = NULL
		WHERE notification_id = $1 AND team_id = $2 AND channel = $3
		  AND status <> 'delivered'
	`, key.NotificationID, key.TeamID, key.Channel, attempts, nextRetryAt, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark retrying: %w", err)
	}
	return nil
}

func (s *PostgresStatusStore) MarkFailed(ctx context.Context, key DeliveryKey, attempts int, errMsg string) error {
	_, err := s.PG.ExecContext(ctx, `
		UPDATE delivery_status
		SET status = 'failed', attempts = $4, error_message = $5, next_retry_at = NULL
		WHERE notification_id = $1 AND team_id = $2 AND channel = $3
		  AND status <> 'delivered'
	`, key.NotificationID, key.TeamID, key.Channel, attempts, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark failed: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStatus(row rowScanner) (*DeliveryStatus, error) {
	var rec DeliveryStatus
	var lastAttemptAt, nextRetryAt, deliveredAt sql.NullTime

	err := row.Scan(
		&rec.NotificationID, &rec.TeamID, &rec.Channel, &rec.Status, &rec.Attempts,
		&lastAttemptAt, &nextRetryAt, &rec.ErrorMessage,
		&deliveredAt, &rec.ExternalMessageID,
	)
	if err != nil {
		return nil, err
	}

	if lastAttemptAt.Valid {
		rec.LastAttemptAt = &lastAttemptAt.Time
	}
	if nextRetryAt.Valid {
		rec.NextRetryAt = &nextRetryAt.Time
	}
	if deliveredAt.Valid {
		rec.DeliveredAt = &deliveredAt.Time
	}

	return &rec, nil
}
