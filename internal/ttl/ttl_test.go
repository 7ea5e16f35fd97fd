package ttl

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yuim/im-msg/internal/repo"
	"yuim/im-msg/pkg/event"
)

type memStore struct {
	mu       sync.Mutex
	msgs     map[string]*repo.Message
	now      func() time.Time
	brokenID string // SoftDelete of this id always fails
}

func newMemStore(now func() time.Time) *memStore {
	return &memStore{msgs: map[string]*repo.Message{}, now: now}
}

func (s *memStore) add(id string, seq int64, expireAt time.Time) *repo.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &repo.Message{MsgID: id, ConvID: "c1", Seq: seq, ExpireAt: sql.NullTime{Time: expireAt, Valid: !expireAt.IsZero()}}
	s.msgs[id] = m
	cp := *m
	return &cp
}

func (s *memStore) Find(_ context.Context, id string) (*repo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) SoftDelete(_ context.Context, id, _ string) (*repo.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == s.brokenID {
		return nil, false, errors.New("lock wait timeout exceeded")
	}
	m, ok := s.msgs[id]
	if !ok {
		return nil, false, repo.ErrNotFound
	}
	if m.Deleted() {
		cp := *m
		return &cp, false, nil
	}
	m.DeletedAt = sql.NullTime{Time: s.now(), Valid: true}
	cp := *m
	return &cp, true, nil
}

func (s *memStore) ListExpired(_ context.Context, now time.Time, limit int) ([]repo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []repo.Message
	for _, m := range s.msgs {
		if !m.Deleted() && m.ExpireAt.Valid && !m.ExpireAt.Time.After(now) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpireAt.Time.Before(out[j].ExpireAt.Time) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) deletedAt(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.msgs[id]
	return m.DeletedAt.Time, m.DeletedAt.Valid
}

type pubRecorder struct {
	mu     sync.Mutex
	events []event.Deleted
}

func (p *pubRecorder) PublishDeleted(_ context.Context, d event.Deleted, _ int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, d)
	return nil
}

func (p *pubRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type schedRecorder struct {
	mu  sync.Mutex
	ids []string
}

func (s *schedRecorder) Schedule(_ context.Context, id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return nil
}

func (s *schedRecorder) Run(ctx context.Context, _ func(string)) error {
	<-ctx.Done()
	return nil
}

func TestExpireNotBeforeDeadline(t *testing.T) {
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store, pub, sched := newMemStore(clock), &pubRecorder{}, &schedRecorder{}
	w := NewWatcher(store, sched, pub, zap.NewNop(), Options{Now: clock})
	store.add("m1", 1, now.Add(2*time.Second))

	ok, err := w.Expire(context.Background(), "m1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"m1"}, sched.ids, "early trigger re-arms")
	_, deleted := store.deletedAt("m1")
	assert.False(t, deleted)

	now = now.Add(2 * time.Second)
	ok, err = w.Expire(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, pub.events, 1)
	assert.Equal(t, event.Deleted{MsgID: "m1", ChatID: "c1", Scope: event.ScopeTTL, DeletedAt: now}, pub.events[0])
}

func TestExpireIsIdempotent(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	store, pub := newMemStore(clock), &pubRecorder{}
	w := NewWatcher(store, &schedRecorder{}, pub, zap.NewNop(), Options{Now: clock})
	store.add("m1", 1, now.Add(-time.Second))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.Expire(context.Background(), "m1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, pub.count(), "exactly one watcher emits")

	ok, err := w.Expire(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScheduleSkipsDeletedAndPermanent(t *testing.T) {
	sched := &schedRecorder{}
	w := NewWatcher(newMemStore(time.Now), sched, &pubRecorder{}, zap.NewNop(), Options{})

	require.NoError(t, w.Schedule(context.Background(), &repo.Message{MsgID: "plain"}))
	require.NoError(t, w.Schedule(context.Background(), &repo.Message{MsgID: "gone",
		ExpireAt: sql.NullTime{Time: time.Now(), Valid: true}, DeletedAt: sql.NullTime{Time: time.Now(), Valid: true}}))
	require.NoError(t, w.Schedule(context.Background(), &repo.Message{MsgID: "m1",
		ExpireAt: sql.NullTime{Time: time.Now(), Valid: true}}))
	assert.Equal(t, []string{"m1"}, sched.ids)
}

func TestRecoverPagesThroughOverdue(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	store, pub := newMemStore(clock), &pubRecorder{}
	w := NewWatcher(store, &schedRecorder{}, pub, zap.NewNop(), Options{Now: clock, SweepBatch: 2})
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		store.add(id, int64(i+1), now.Add(-time.Duration(10-i)*time.Second))
	}
	store.add("future", 6, now.Add(time.Hour))
	store.add("forever", 7, time.Time{})

	n, err := w.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, pub.count())
	_, deleted := store.deletedAt("future")
	assert.False(t, deleted)
}

func TestRecoverSkipsFailingMessage(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	store, pub := newMemStore(clock), &pubRecorder{}
	w := NewWatcher(store, &schedRecorder{}, pub, zap.NewNop(), Options{Now: clock, SweepBatch: 2})
	for i, id := range []string{"a", "b", "c", "d"} {
		store.add(id, int64(i+1), now.Add(-time.Duration(10-i)*time.Second))
	}
	store.brokenID = "a"

	n, err := w.Recover(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock wait timeout")
	assert.Equal(t, 3, n, "rows after the failing one are still expired")
	for _, id := range []string{"b", "c", "d"} {
		_, deleted := store.deletedAt(id)
		assert.True(t, deleted, id)
	}
	_, deleted := store.deletedAt("a")
	assert.False(t, deleted)
}

func TestRunWithTimerScheduler(t *testing.T) {
	store, pub := newMemStore(time.Now), &pubRecorder{}
	sched := NewTimerScheduler()
	w := NewWatcher(store, sched, pub, zap.NewNop(), Options{SweepEvery: time.Hour})

	// overdue before start: picked up by the startup recovery
	store.add("old", 1, time.Now().Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	expireAt := time.Now().Add(150 * time.Millisecond)
	m := store.add("m1", 2, expireAt)
	require.NoError(t, w.Schedule(context.Background(), m))

	require.Eventually(t, func() bool {
		_, ok := store.deletedAt("m1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	at, _ := store.deletedAt("m1")
	assert.False(t, at.Before(expireAt), "never deleted before expiry")
	assert.Less(t, at.Sub(expireAt), time.Second)

	_, ok := store.deletedAt("old")
	assert.True(t, ok)

	cancel()
	require.NoError(t, <-done)
}

func TestTimerSchedulerBuffersUntilRun(t *testing.T) {
	s := NewTimerScheduler()
	require.NoError(t, s.Schedule(context.Background(), "m1", time.Now()))
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)

	fired := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx, func(id string) { fired <- id }) }()
	assert.Equal(t, "m1", <-fired)
	cancel()
}

func TestMergeNotifyFlags(t *testing.T) {
	next, changed := mergeNotifyFlags("")
	assert.True(t, changed)
	assert.Equal(t, "Ex", next)

	next, changed = mergeNotifyFlags("Kg")
	assert.True(t, changed)
	assert.Equal(t, "KgEx", next)

	_, changed = mergeNotifyFlags("AE")
	assert.False(t, changed)
}

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisSchedulerSetsVolatileKey(t *testing.T) {
	mr, rdb := newMiniRedis(t)
	s := NewRedisScheduler(rdb, "im:ttl:", zap.NewNop())

	require.NoError(t, s.Schedule(context.Background(), "m1", time.Now().Add(2*time.Second)))
	assert.True(t, mr.Exists("im:ttl:m1"))
	ttl := mr.TTL("im:ttl:m1")
	assert.Greater(t, ttl, time.Second)
	assert.LessOrEqual(t, ttl, 2*time.Second)

	require.NoError(t, s.Schedule(context.Background(), "late", time.Now().Add(-time.Hour)))
	assert.Greater(t, mr.TTL("im:ttl:late"), time.Duration(0))
}

func TestRedisSchedulerDispatchesExpiredEvents(t *testing.T) {
	mr, rdb := newMiniRedis(t)
	s := NewRedisScheduler(rdb, "im:ttl:", zap.NewNop())

	fired := make(chan string, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx, func(id string) { fired <- id }) }()

	// miniredis has no keyspace notifications; publish the event the server would emit.
	require.Eventually(t, func() bool {
		mr.Publish("__keyevent@0__:expired", "other:key")
		return mr.Publish("__keyevent@0__:expired", "im:ttl:m1") > 0
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case id := <-fired:
		assert.Equal(t, "m1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("expired event not dispatched")
	}
}
