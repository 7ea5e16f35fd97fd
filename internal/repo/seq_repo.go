package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SeqRepo generates per-conversation sequence atomically using the MySQL LAST_INSERT_ID trick.
type SeqRepo struct {
	db *sql.DB
}

func NewSeqRepo(db *sql.DB) *SeqRepo { return &SeqRepo{db: db} }

// execQuerier is satisfied by *sql.Tx and *sql.Conn; LAST_INSERT_ID is per connection,
// so the increment and the read must share one.
type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// The VALUES expression seeds LAST_INSERT_ID(1) for a new conversation; on an existing row the
// UPDATE clause overwrites it with seq+1. One statement, one row lock.
const nextSeqSQL = `
INSERT INTO im_conv_seq (conv_id, seq)
VALUES (?, LAST_INSERT_ID(1))
ON DUPLICATE KEY UPDATE seq = LAST_INSERT_ID(seq + 1)
`

// Next allocates the next sequence for convID outside any caller transaction. The value is
// committed when Next returns, so a caller that then fails to store its message leaves a gap.
func (r *SeqRepo) Next(ctx context.Context, convID string) (int64, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return nextSeq(ctx, conn, convID)
}

// NextTx allocates within tx. The counter row stays locked until tx ends, and a rollback
// returns the allocation.
func (r *SeqRepo) NextTx(ctx context.Context, tx *sql.Tx, convID string) (int64, error) {
	return nextSeq(ctx, tx, convID)
}

func nextSeq(ctx context.Context, q execQuerier, convID string) (int64, error) {
	if convID == "" {
		return 0, errors.New("seq: empty conv_id")
	}
	if _, err := q.ExecContext(ctx, nextSeqSQL, convID); err != nil {
		return 0, fmt.Errorf("seq incr %s: %w", convID, err)
	}
	var seq int64
	if err := q.QueryRowContext(ctx, `SELECT LAST_INSERT_ID()`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("seq read %s: %w", convID, err)
	}
	if seq <= 0 {
		return 0, fmt.Errorf("seq %s: counter returned %d", convID, seq)
	}
	return seq, nil
}

// AdvanceTx raises the counter to at least seq, for events that arrive with a sequence already
// assigned. Later allocations continue after it.
func (r *SeqRepo) AdvanceTx(ctx context.Context, tx *sql.Tx, convID string, seq int64) error {
	if convID == "" {
		return errors.New("seq: empty conv_id")
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO im_conv_seq (conv_id, seq) VALUES (?, ?)
ON DUPLICATE KEY UPDATE seq = GREATEST(seq, VALUES(seq))
`, convID, seq)
	if err != nil {
		return fmt.Errorf("seq advance %s: %w", convID, err)
	}
	return nil
}

// Current returns the last issued sequence for convID (0 if none).
func (r *SeqRepo) Current(ctx context.Context, convID string) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx, `SELECT seq FROM im_conv_seq WHERE conv_id = ?`, convID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}
