package outbox

import (
	"encoding/json"
	"fmt"

	"yuim/im-msg/internal/repo"
	"yuim/im-msg/pkg/event"
)

// Topics names the outbound topics rows are enqueued for.
type Topics struct {
	Persisted string
	Deleted   string
	Tag       string
}

func PersistedEvent(m *repo.Message) event.Persisted {
	return event.Persisted{
		MsgID:     m.MsgID,
		ChatID:    m.ConvID,
		SenderID:  m.SenderID,
		Seq:       m.Seq,
		CreatedAt: m.CreateTime.UTC(),
		Status:    m.Status,
	}
}

func PersistedEntry(m *repo.Message, t Topics) (Entry, error) {
	b, err := json.Marshal(PersistedEvent(m))
	if err != nil {
		return Entry{}, fmt.Errorf("encode persisted %s: %w", m.MsgID, err)
	}
	return Entry{
		Event:   event.EventPersisted,
		MsgID:   m.MsgID,
		ConvID:  m.ConvID,
		Seq:     m.Seq,
		Topic:   t.Persisted,
		Tag:     t.Tag,
		Payload: b,
	}, nil
}

func DeletedEntry(d event.Deleted, seq int64, t Topics) (Entry, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return Entry{}, fmt.Errorf("encode deleted %s: %w", d.MsgID, err)
	}
	return Entry{
		Event:   event.EventDeleted,
		MsgID:   d.MsgID,
		ConvID:  d.ChatID,
		Seq:     seq,
		Topic:   t.Deleted,
		Tag:     t.Tag,
		Payload: b,
	}, nil
}

// DeletedEvent describes m's soft deletion. m.DeletedAt must be set.
func DeletedEvent(m *repo.Message, scope string) event.Deleted {
	return event.Deleted{
		MsgID:     m.MsgID,
		ChatID:    m.ConvID,
		Scope:     scope,
		DeletedAt: m.DeletedAt.Time.UTC(),
	}
}
