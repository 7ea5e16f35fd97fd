package repo

import (
	"database/sql"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"

	"yuim/im-msg/pkg/event"
)

var ErrNotFound = errors.New("repo: not found")

// Message is the DB model for im_message.
// Nullable fields use sql.Null* to avoid ambiguity.
type Message struct {
	ID             int64 // sonyflake row id
	MsgID          string
	ConvID         string
	SenderID       string
	Seq            int64
	MsgType        string
	Content        string
	Attachments    []event.Attachment
	Metadata       map[string]any
	ReplyTo        sql.NullString
	ForwardOf      sql.NullString
	Status         string
	ReactionsCount int
	CreateTime     time.Time
	ExpireAt       sql.NullTime
	DeletedAt      sql.NullTime
	UpdateTime     time.Time
}

func (m *Message) Deleted() bool { return m.DeletedAt.Valid }

// Edit is one append-only history entry in im_message_edit.
type Edit struct {
	MsgID      string
	EditorID   string
	OldContent string
	NewContent string
	EditTime   time.Time
}

const mysqlErrDupEntry = 1062

// IsDuplicate reports whether err is a MySQL unique-key violation.
func IsDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlErrDupEntry
}

func NullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func NullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
