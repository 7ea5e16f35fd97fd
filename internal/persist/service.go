package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"yuim/im-msg/internal/outbox"
	"yuim/im-msg/internal/repo"
	"yuim/im-msg/pkg/event"
)

// ErrSeqConflict means the event carried a sequence that another message already holds.
// Redelivery cannot fix it.
var ErrSeqConflict = errors.New("persist: sequence already taken")

// IDGen issues internal row ids (*sonyflake.Sonyflake).
type IDGen interface {
	NextID() (uint64, error)
}

type Options struct {
	Topics       outbox.Topics
	OutboxGrace  time.Duration
	DefaultLimit int
	MaxLimit     int
	Now          func() time.Time
}

// Service stores messages exactly once per msg_id and serves the collaborator queries.
type Service struct {
	db     *sql.DB
	seq    *repo.SeqRepo
	msgs   *repo.MessageRepo
	outbox *outbox.Repo
	ids    IDGen
	log    *zap.Logger
	opt    Options
}

func New(db *sql.DB, ids IDGen, log *zap.Logger, opt Options) *Service {
	if opt.DefaultLimit <= 0 {
		opt.DefaultLimit = 50
	}
	if opt.MaxLimit <= 0 {
		opt.MaxLimit = 500
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Service{
		db:     db,
		seq:    repo.NewSeqRepo(db),
		msgs:   repo.NewMessageRepo(db),
		outbox: outbox.NewRepo(db),
		ids:    ids,
		log:    log,
		opt:    opt,
	}
}

// Persist stores in unless its msg_id is already stored. created is false when the returned
// record was there before; it is then returned unchanged.
func (s *Service) Persist(ctx context.Context, in *event.Inbound) (rec *repo.Message, created bool, err error) {
	existing, err := s.msgs.FindByMsgID(ctx, in.MsgID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, false, fmt.Errorf("lookup %s: %w", in.MsgID, err)
	}

	m, err := s.newRecord(in)
	if err != nil {
		return nil, false, err
	}
	err = s.insert(ctx, m, in.Seq == nil)
	if err == nil {
		return m, true, nil
	}
	if !repo.IsDuplicate(err) {
		return nil, false, err
	}

	// Lost the race, or the sequence is taken. The rollback returned any allocation.
	existing, ferr := s.msgs.FindByMsgID(ctx, in.MsgID)
	switch {
	case ferr == nil:
		s.log.Debug("duplicate resolved to stored message", zap.String("msg_id", in.MsgID), zap.Int64("seq", existing.Seq))
		return existing, false, nil
	case errors.Is(ferr, repo.ErrNotFound):
		return nil, false, fmt.Errorf("%w: conv %s seq %d", ErrSeqConflict, m.ConvID, m.Seq)
	default:
		return nil, false, fmt.Errorf("lookup %s after duplicate: %w", in.MsgID, ferr)
	}
}

func (s *Service) newRecord(in *event.Inbound) (*repo.Message, error) {
	id, err := s.ids.NextID()
	if err != nil {
		return nil, fmt.Errorf("row id: %w", err)
	}
	created := s.opt.Now()
	if in.CreatedAt != nil && !in.CreatedAt.IsZero() {
		created = in.CreatedAt.Time
	}
	// DATETIME(3) keeps milliseconds; truncate so the returned record equals a re-read.
	created = created.UTC().Truncate(time.Millisecond)

	var expire *time.Time
	if t := in.Expiry(created); t != nil {
		v := t.UTC().Truncate(time.Millisecond)
		expire = &v
	}

	msgType := in.MessageType
	if msgType == "" {
		msgType = "text"
	}
	att := in.Attachments
	if att == nil {
		att = []event.Attachment{}
	}
	meta := in.Metadata
	if meta == nil {
		meta = map[string]any{}
	}

	m := &repo.Message{
		ID:          int64(id),
		MsgID:       in.MsgID,
		ConvID:      in.ChatID,
		SenderID:    in.SenderID,
		MsgType:     msgType,
		Content:     in.Body(),
		Attachments: att,
		Metadata:    meta,
		ReplyTo:     repo.NullString(in.ReplyTo),
		ForwardOf:   repo.NullString(in.ForwardOf),
		Status:      event.StatusSent,
		CreateTime:  created,
		ExpireAt:    repo.NullTime(expire),
		UpdateTime:  created,
	}
	if in.Seq != nil {
		m.Seq = *in.Seq
	}
	return m, nil
}

// insert allocates (when asked), writes the row and its persisted-event outbox row in one
// transaction.
func (s *Service) insert(ctx context.Context, m *repo.Message, allocate bool) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}

	if allocate {
		seq, err := s.seq.NextTx(ctx, tx, m.ConvID)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		m.Seq = seq
	} else if err := s.seq.AdvanceTx(ctx, tx, m.ConvID, m.Seq); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := s.msgs.InsertTx(ctx, tx, m); err != nil {
		_ = tx.Rollback()
		return err
	}

	e, err := outbox.PersistedEntry(m, s.opt.Topics)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	e.Delay = s.opt.OutboxGrace
	if _, err := s.outbox.EnqueueTx(ctx, tx, e); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (s *Service) Find(ctx context.Context, msgID string) (*repo.Message, error) {
	return s.msgs.FindByMsgID(ctx, msgID)
}

// ListByConv pages a conversation in ascending seq order.
func (s *Service) ListByConv(ctx context.Context, convID string, afterSeq int64, limit int) ([]repo.Message, error) {
	if limit <= 0 {
		limit = s.opt.DefaultLimit
	}
	if limit > s.opt.MaxLimit {
		limit = s.opt.MaxLimit
	}
	return s.msgs.ListByConvAfterSeq(ctx, convID, afterSeq, limit)
}

func (s *Service) ListExpired(ctx context.Context, now time.Time, limit int) ([]repo.Message, error) {
	return s.msgs.ListExpired(ctx, now, limit)
}

// SoftDelete marks msgID deleted and enqueues the deleted event in the same transaction.
// deleted is false when the message was already deleted (by anyone); rec is nil only on
// error or when msgID is unknown (ErrNotFound).
func (s *Service) SoftDelete(ctx context.Context, msgID, scope string) (rec *repo.Message, deleted bool, err error) {
	m, err := s.msgs.FindByMsgID(ctx, msgID)
	if err != nil {
		return nil, false, err
	}
	if m.Deleted() {
		return m, false, nil
	}

	at := s.opt.Now().UTC().Truncate(time.Millisecond)
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, false, err
	}
	ok, err := s.msgs.SoftDeleteTx(ctx, tx, msgID, at)
	if err != nil {
		_ = tx.Rollback()
		return nil, false, err
	}
	if !ok {
		_ = tx.Rollback()
		return m, false, nil
	}

	m.DeletedAt = sql.NullTime{Time: at, Valid: true}
	e, err := outbox.DeletedEntry(outbox.DeletedEvent(m, scope), m.Seq, s.opt.Topics)
	if err != nil {
		_ = tx.Rollback()
		return nil, false, err
	}
	e.Delay = s.opt.OutboxGrace
	if _, err := s.outbox.EnqueueTx(ctx, tx, e); err != nil {
		_ = tx.Rollback()
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// Edit replaces the content of an active message and appends the history entry.
func (s *Service) Edit(ctx context.Context, msgID, editorID, newContent string) (*repo.Edit, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	e, err := s.msgs.EditTx(ctx, tx, msgID, editorID, newContent, s.opt.Now())
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) History(ctx context.Context, msgID string) ([]repo.Edit, error) {
	return s.msgs.ListEdits(ctx, msgID)
}

// DeleteLocal hides msgID for userID only.
func (s *Service) DeleteLocal(ctx context.Context, msgID, userID string) error {
	if _, err := s.msgs.FindByMsgID(ctx, msgID); err != nil {
		return err
	}
	return s.msgs.AddLocalDelete(ctx, msgID, userID)
}

func (s *Service) AddReaction(ctx context.Context, msgID string, delta int) error {
	return s.msgs.AddReactions(ctx, msgID, delta)
}

// NextSeq reserves the next sequence of convID for a caller that stores the message itself.
func (s *Service) NextSeq(ctx context.Context, convID string) (int64, error) {
	return s.seq.Next(ctx, convID)
}

// Current returns the last sequence issued for convID.
func (s *Service) Current(ctx context.Context, convID string) (int64, error) {
	return s.seq.Current(ctx, convID)
}

// LocalDeletedFor lists the users that hid msgID for themselves.
func (s *Service) LocalDeletedFor(ctx context.Context, msgID string) ([]string, error) {
	return s.msgs.LocalDeletedFor(ctx, msgID)
}
