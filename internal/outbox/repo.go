package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	StatusPending = 0
	StatusSent    = 1

	maxLastErr = 255
)

// Row is a pending event as the relay sees it.
type Row struct {
	ID       int64
	Event    string
	MsgID    string
	ConvID   string
	Seq      int64
	Topic    string
	Tag      string
	Payload  []byte
	Attempts int
}

// Entry is one row to enqueue. Delay postpones the first relay attempt.
type Entry struct {
	Event   string
	MsgID   string
	ConvID  string
	Seq     int64
	Topic   string
	Tag     string
	Payload []byte
	Delay   time.Duration
}

// Repo stores events in im_outbox, one row per (event, msg_id).
type Repo struct {
	db *sql.DB
}

func NewRepo(db *sql.DB) *Repo { return &Repo{db: db} }

// EnqueueTx writes e inside the caller's transaction and returns the row id. Enqueueing the
// same (event, msg_id) again keeps the first row.
func (r *Repo) EnqueueTx(ctx context.Context, tx *sql.Tx, e Entry) (int64, error) {
	if e.Tag == "" {
		e.Tag = "*"
	}
	delay := max(e.Delay.Microseconds(), 0)

	res, err := tx.ExecContext(ctx, `
INSERT INTO im_outbox (event, msg_id, conv_id, seq, topic, tag, payload_json, status, retry_count, next_retry_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NOW(3) + INTERVAL ? MICROSECOND)
ON DUPLICATE KEY UPDATE id = LAST_INSERT_ID(id)
`, e.Event, e.MsgID, e.ConvID, e.Seq, e.Topic, e.Tag, string(e.Payload), StatusPending, delay)
	if err != nil {
		return 0, fmt.Errorf("outbox enqueue %s/%s: %w", e.Event, e.MsgID, err)
	}
	return res.LastInsertId()
}

// FetchDue returns up to limit pending rows whose retry time has come, oldest first.
func (r *Repo) FetchDue(ctx context.Context, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, event, msg_id, conv_id, seq, topic, tag, payload_json, retry_count
FROM im_outbox
WHERE status = ? AND next_retry_at <= NOW(3)
ORDER BY id
LIMIT ?
`, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox fetch: %w", err)
	}
	defer rows.Close()

	var due []Row
	for rows.Next() {
		var (
			row     Row
			payload string
		)
		if err := rows.Scan(&row.ID, &row.Event, &row.MsgID, &row.ConvID, &row.Seq,
			&row.Topic, &row.Tag, &payload, &row.Attempts); err != nil {
			return nil, err
		}
		row.Payload = []byte(payload)
		due = append(due, row)
	}
	return due, rows.Err()
}

func (r *Repo) MarkSent(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE im_outbox SET status = ?, last_error = '' WHERE id = ?`, StatusSent, id)
	return err
}

// MarkSentByMsg closes the row after a successful direct publish.
func (r *Repo) MarkSentByMsg(ctx context.Context, event, msgID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE im_outbox SET status = ?, last_error = '' WHERE event = ? AND msg_id = ? AND status = ?`,
		StatusSent, event, msgID, StatusPending)
	return err
}

// MarkFailed records a failed relay and pushes the row retryIn into the future.
func (r *Repo) MarkFailed(ctx context.Context, id int64, attempts int, lastErr string, retryIn time.Duration) error {
	secs := max(int64(retryIn/time.Second), 1)
	if len(lastErr) > maxLastErr {
		lastErr = lastErr[:maxLastErr]
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE im_outbox
SET retry_count = ?, last_error = ?, next_retry_at = NOW(3) + INTERVAL ? SECOND
WHERE id = ? AND status = ?
`, attempts, lastErr, secs, id, StatusPending)
	return err
}

// Pending counts rows not yet sent.
func (r *Repo) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM im_outbox WHERE status = ?`, StatusPending).Scan(&n)
	return n, err
}
