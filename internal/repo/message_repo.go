package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"yuim/im-msg/pkg/event"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo { return &MessageRepo{db: db} }

const messageCols = `id, msg_id, conv_id, sender_id, seq, msg_type, content, attachments, metadata,
reply_to, forward_of, status, reactions_count, create_time, expire_at, deleted_at, update_time`

// InsertTx inserts m. A repeated msg_id (or conv_id+seq) fails with a 1062, see IsDuplicate.
func (r *MessageRepo) InsertTx(ctx context.Context, tx *sql.Tx, m *Message) error {
	att, meta, err := encodeJSONCols(m)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO im_message
(id, msg_id, conv_id, sender_id, seq, msg_type, content, attachments, metadata, reply_to, forward_of, status, reactions_count, create_time, expire_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
`, m.ID, m.MsgID, m.ConvID, m.SenderID, m.Seq, m.MsgType, m.Content, att, meta, m.ReplyTo, m.ForwardOf, m.Status,
		m.CreateTime, m.ExpireAt)
	return err
}

func (r *MessageRepo) FindByMsgID(ctx context.Context, msgID string) (*Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM im_message WHERE msg_id = ?`, msgID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListByConvAfterSeq pages a conversation in seq order. Soft-deleted rows are included;
// callers decide how to render tombstones. limit is used as given.
func (r *MessageRepo) ListByConvAfterSeq(ctx context.Context, convID string, afterSeq int64, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+messageCols+`
FROM im_message
WHERE conv_id = ? AND seq > ?
ORDER BY seq ASC
LIMIT ?
`, convID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ListExpired returns active messages whose expiry is at or before now, oldest first.
func (r *MessageRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+messageCols+`
FROM im_message
WHERE deleted_at IS NULL AND expire_at IS NOT NULL AND expire_at <= ?
ORDER BY expire_at ASC
LIMIT ?
`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// SoftDeleteTx marks msgID deleted if it is still active. It reports whether this call
// performed the transition; deleted_at is never overwritten.
func (r *MessageRepo) SoftDeleteTx(ctx context.Context, tx *sql.Tx, msgID string, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
UPDATE im_message SET deleted_at = ?
WHERE msg_id = ? AND deleted_at IS NULL
`, at.UTC(), msgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// EditTx appends a history entry and replaces the content. The row is locked for the
// duration of tx so concurrent edits chain old/new content correctly.
func (r *MessageRepo) EditTx(ctx context.Context, tx *sql.Tx, msgID, editorID, newContent string, at time.Time) (*Edit, error) {
	var old string
	var deletedAt sql.NullTime
	err := tx.QueryRowContext(ctx, `SELECT content, deleted_at FROM im_message WHERE msg_id = ? FOR UPDATE`, msgID).
		Scan(&old, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		return nil, ErrNotFound
	}
	e := &Edit{MsgID: msgID, EditorID: editorID, OldContent: old, NewContent: newContent, EditTime: at.UTC()}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO im_message_edit (msg_id, editor_id, old_content, new_content, edit_time)
VALUES (?, ?, ?, ?, ?)
`, e.MsgID, e.EditorID, e.OldContent, e.NewContent, e.EditTime); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE im_message SET content = ? WHERE msg_id = ?`, newContent, msgID); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *MessageRepo) ListEdits(ctx context.Context, msgID string) ([]Edit, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT msg_id, editor_id, old_content, new_content, edit_time
FROM im_message_edit WHERE msg_id = ? ORDER BY id ASC
`, msgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Edit
	for rows.Next() {
		var e Edit
		if err := rows.Scan(&e.MsgID, &e.EditorID, &e.OldContent, &e.NewContent, &e.EditTime); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddLocalDelete hides msgID for one user. Repeats are no-ops.
func (r *MessageRepo) AddLocalDelete(ctx context.Context, msgID, userID string) error {
	_, err := r.db.ExecContext(ctx, `INSERT IGNORE INTO im_message_local_delete (msg_id, user_id) VALUES (?, ?)`, msgID, userID)
	return err
}

func (r *MessageRepo) LocalDeletedFor(ctx context.Context, msgID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT user_id FROM im_message_local_delete WHERE msg_id = ? ORDER BY user_id`, msgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out = append(out, uid)
	}
	return out, rows.Err()
}

// AddReactions moves reactions_count by delta, never below zero.
func (r *MessageRepo) AddReactions(ctx context.Context, msgID string, delta int) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE im_message SET reactions_count = GREATEST(reactions_count + ?, 0)
WHERE msg_id = ?
`, delta, msgID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(s rowScanner) (*Message, error) {
	var m Message
	var att, meta []byte
	if err := s.Scan(&m.ID, &m.MsgID, &m.ConvID, &m.SenderID, &m.Seq, &m.MsgType, &m.Content, &att, &meta,
		&m.ReplyTo, &m.ForwardOf, &m.Status, &m.ReactionsCount, &m.CreateTime, &m.ExpireAt, &m.DeletedAt, &m.UpdateTime); err != nil {
		return nil, err
	}
	if len(att) > 0 {
		if err := json.Unmarshal(att, &m.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments of %s: %w", m.MsgID, err)
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of %s: %w", m.MsgID, err)
		}
	}
	if m.Attachments == nil {
		m.Attachments = []event.Attachment{}
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	return &m, nil
}

func encodeJSONCols(m *Message) (string, string, error) {
	att := m.Attachments
	if att == nil {
		att = []event.Attachment{}
	}
	meta := m.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	ab, err := json.Marshal(att)
	if err != nil {
		return "", "", fmt.Errorf("encode attachments: %w", err)
	}
	mb, err := json.Marshal(meta)
	if err != nil {
		return "", "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(ab), string(mb), nil
}
