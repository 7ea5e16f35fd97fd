package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"yuim/im-msg/internal/breaker"
	"yuim/im-msg/internal/repo"
	"yuim/im-msg/pkg/event"
)

type sent struct {
	topic, tag, key string
	body            []byte
}

type fakeProducer struct {
	mu   sync.Mutex
	err  error
	sent []sent
}

func (p *fakeProducer) Send(_ context.Context, topic, tag, key string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, sent{topic, tag, key, body})
	return nil
}

type fakeRows struct {
	due     []Row
	sentIDs []int64
	sentMsg []string
	failed  map[int64]int
	backoff map[int64]time.Duration
	markErr error // returned by MarkFailed
}

func newFakeRows(due ...Row) *fakeRows {
	return &fakeRows{due: due, failed: map[int64]int{}, backoff: map[int64]time.Duration{}}
}

func (f *fakeRows) FetchDue(context.Context, int) ([]Row, error) { return f.due, nil }
func (f *fakeRows) MarkSent(_ context.Context, id int64) error {
	f.sentIDs = append(f.sentIDs, id)
	return nil
}
func (f *fakeRows) MarkSentByMsg(_ context.Context, ev, msgID string) error {
	f.sentMsg = append(f.sentMsg, ev+"/"+msgID)
	return nil
}
func (f *fakeRows) MarkFailed(_ context.Context, id int64, rc int, _ string, b time.Duration) error {
	f.failed[id] = rc
	f.backoff[id] = b
	return f.markErr
}

var topics = Topics{Persisted: "chat_message_persisted", Deleted: "chat_message_deleted"}

func sampleMessage() *repo.Message {
	return &repo.Message{
		MsgID: "m1", ConvID: "c1", SenderID: "u1", Seq: 1, Status: event.StatusSent,
		CreateTime: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestPublishPersistedKeysByConversation(t *testing.T) {
	prod := &fakeProducer{}
	rows := newFakeRows()
	p := NewPublisher(prod, rows, zap.NewNop(), PublisherOptions{Topics: topics})

	require.NoError(t, p.PublishPersisted(context.Background(), sampleMessage()))
	require.Len(t, prod.sent, 1)
	assert.Equal(t, "chat_message_persisted", prod.sent[0].topic)
	assert.Equal(t, "c1", prod.sent[0].key)

	var ev event.Persisted
	require.NoError(t, json.Unmarshal(prod.sent[0].body, &ev))
	assert.Equal(t, event.Persisted{MsgID: "m1", ChatID: "c1", SenderID: "u1", Seq: 1,
		CreatedAt: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), Status: "sent"}, ev)
	assert.Equal(t, []string{"msg_persisted/m1"}, rows.sentMsg)
}

func TestPublishFailureLeavesRowPending(t *testing.T) {
	prod := &fakeProducer{err: errors.New("broker down")}
	rows := newFakeRows()
	p := NewPublisher(prod, rows, zap.NewNop(), PublisherOptions{Topics: topics})

	err := p.PublishPersisted(context.Background(), sampleMessage())
	require.Error(t, err)
	assert.Empty(t, rows.sentMsg)
}

func TestPublisherBreakerSkipsDirectSend(t *testing.T) {
	prod := &fakeProducer{err: errors.New("broker down")}
	brk := breaker.New(breaker.Options{Threshold: 2, Window: time.Minute, OpenFor: time.Minute})
	p := NewPublisher(prod, newFakeRows(), zap.NewNop(), PublisherOptions{Topics: topics, Breaker: brk})

	_ = p.PublishPersisted(context.Background(), sampleMessage())
	_ = p.PublishPersisted(context.Background(), sampleMessage())
	prod.err = nil
	err := p.PublishPersisted(context.Background(), sampleMessage())
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.Empty(t, prod.sent)
}

func TestPublishDeleted(t *testing.T) {
	prod := &fakeProducer{}
	p := NewPublisher(prod, newFakeRows(), zap.NewNop(), PublisherOptions{Topics: topics})
	at := time.Now().UTC()

	require.NoError(t, p.PublishDeleted(context.Background(), event.Deleted{MsgID: "m1", ChatID: "c1", Scope: event.ScopeTTL, DeletedAt: at}, 1))
	require.Len(t, prod.sent, 1)
	assert.Equal(t, "chat_message_deleted", prod.sent[0].topic)
	assert.Contains(t, string(prod.sent[0].body), `"scope":"ttl"`)
}

func TestWorkerRelaysDueRows(t *testing.T) {
	prod := &fakeProducer{}
	rows := newFakeRows(
		Row{ID: 1, MsgID: "m1", ConvID: "c1", Topic: "chat_message_persisted", Payload: []byte(`{"msgId":"m1"}`)},
		Row{ID: 2, MsgID: "m2", ConvID: "c2", Topic: "chat_message_persisted", Payload: []byte(`{"msgId":"m2"}`)},
	)
	w := NewWorker(rows, prod, zap.NewNop(), Options{})

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2}, rows.sentIDs)
	assert.Equal(t, "c2", prod.sent[1].key)
	assert.JSONEq(t, `{"msgId":"m2"}`, string(prod.sent[1].body))
}

func TestWorkerBacksOffOnFailure(t *testing.T) {
	prod := &fakeProducer{err: errors.New("timeout")}
	rows := newFakeRows(Row{ID: 7, MsgID: "m1", ConvID: "c1", Topic: "t", Payload: []byte("{}"), Attempts: 2})
	w := NewWorker(rows, prod, zap.NewNop(), Options{})

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 3, rows.failed[7])
	assert.Equal(t, 8*time.Second, rows.backoff[7])
}

func TestWorkerLogsMarkFailedError(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	prod := &fakeProducer{err: errors.New("timeout")}
	rows := newFakeRows(Row{ID: 9, MsgID: "m1", ConvID: "c1", Topic: "t", Payload: []byte("{}"), Attempts: 4})
	rows.markErr = errors.New("connection refused")
	w := NewWorker(rows, prod, zap.New(core), Options{})

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	entries := logs.FilterMessage("outbox mark failed failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(9), entries[0].ContextMap()["id"])
	assert.Equal(t, "connection refused", entries[0].ContextMap()["error"])
}

func TestCalcBackoff(t *testing.T) {
	assert.Equal(t, 1*time.Second, calcBackoff(0))
	assert.Equal(t, 2*time.Second, calcBackoff(1))
	assert.Equal(t, 32*time.Second, calcBackoff(5))
	assert.Equal(t, 60*time.Second, calcBackoff(6))
	assert.Equal(t, 60*time.Second, calcBackoff(50))
}

func TestEnqueueTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := NewRepo(db)

	e, err := PersistedEntry(sampleMessage(), topics)
	require.NoError(t, err)
	e.Delay = 5 * time.Second

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO im_outbox")).
		WithArgs("msg_persisted", "m1", "c1", int64(1), "chat_message_persisted", "*", string(e.Payload), StatusPending, int64(5_000_000)).
		WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)
	id, err := r.EnqueueTx(context.Background(), tx, e)
	require.NoError(t, err)
	assert.EqualValues(t, 11, id)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailedTruncatesError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := NewRepo(db)

	long := make([]byte, 400)
	for i := range long {
		long[i] = 'x'
	}
	mock.ExpectExec(regexp.QuoteMeta("UPDATE im_outbox")).
		WithArgs(3, string(long[:255]), int64(8), int64(7), StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, r.MarkFailed(context.Background(), 7, 3, string(long), 8*time.Second))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueTxKeepsSubSecondGrace(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	r := NewRepo(db)

	e, err := PersistedEntry(sampleMessage(), topics)
	require.NoError(t, err)
	e.Delay = 500 * time.Millisecond

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("NOW(3) + INTERVAL ? MICROSECOND")).
		WithArgs("msg_persisted", "m1", "c1", int64(1), "chat_message_persisted", "*", string(e.Payload), StatusPending, int64(500_000)).
		WillReturnResult(sqlmock.NewResult(12, 1))
	mock.ExpectRollback()

	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = r.EnqueueTx(context.Background(), tx, e)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	require.NoError(t, mock.ExpectationsWereMet())
}
