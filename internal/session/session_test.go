package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"naskahsync/internal/autosave"
	"naskahsync/internal/connection"
	"naskahsync/internal/content"
	"naskahsync/internal/lock"
	"naskahsync/internal/savequeue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChannel struct{}

func (stubChannel) Subscribe(context.Context, connection.Topic, func(connection.Incoming)) error {
	return nil
}
func (stubChannel) Send(context.Context, connection.Topic, string, interface{}) error { return nil }
func (stubChannel) OnStatus(func(connection.ChannelStatus, error))                  {}
func (stubChannel) Close() error                                                     { return nil }

type flakyDialer struct {
	mu       sync.Mutex
	failures int
}

func (d *flakyDialer) Dial(context.Context, string, string) (connection.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial refused")
	}
	return stubChannel{}, nil
}

type manualScheduler struct {
	mu  sync.Mutex
	fns []func()
}

func (s *manualScheduler) after(_ time.Duration, fn func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
	return func() bool { return true }
}

func (s *manualScheduler) fireAll() {
	s.mu.Lock()
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type recordingSave struct {
	mu    sync.Mutex
	saved []string
}

func (r *recordingSave) save(_ context.Context, c content.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, content.PlainText(c))
	return nil
}

func (r *recordingSave) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.saved...)
}

func testConfig() Config {
	return Config{
		Autosave: autosave.Config{Debounce: 20 * time.Millisecond, RetryDelays: []time.Duration{time.Millisecond}, MaxRetries: 1},
		Lock:     lock.Config{TTL: 90 * time.Millisecond, HeartbeatInterval: 30 * time.Millisecond},
	}
}

func TestOfflineEditsFlushOnConnect(t *testing.T) {
	dialer := &flakyDialer{failures: 1}
	sched := &manualScheduler{}
	rec := &recordingSave{}
	queue := savequeue.NewMemoryQueue()

	s, err := New("doc-1", "alice", Deps{
		Dialer: dialer,
		Save:   rec.save,
		Queue:  queue,
		Leases: lock.NewMemoryLeaseStore(),
	}, testConfig(), WithConnectionOptions(connection.WithAfterFunc(sched.after)))
	require.NoError(t, err)
	defer s.Close(context.Background())

	require.Error(t, s.Start(context.Background()))
	assert.Equal(t, connection.StatusReconnecting, s.Connection().Status())

	err = s.Flush(context.Background(), content.FromText("written offline"))
	assert.ErrorIs(t, err, autosave.ErrQueued)
	assert.Equal(t, autosave.StatusOffline, s.Saver().Status())
	assert.Equal(t, 1, queue.Len())
	assert.Empty(t, rec.calls())

	sched.fireAll()
	assert.Equal(t, connection.StatusConnected, s.Connection().Status())

	require.Eventually(t, func() bool { return queue.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"written offline"}, rec.calls())
	assert.Equal(t, autosave.StatusSaved, s.Saver().Status())
}

func TestLostLockStopsEditing(t *testing.T) {
	leases := lock.NewMemoryLeaseStore()
	s, err := New("doc-1", "alice", Deps{
		Dialer: &flakyDialer{},
		Save:   (&recordingSave{}).save,
		Queue:  savequeue.NewMemoryQueue(),
		Leases: leases,
	}, testConfig())
	require.NoError(t, err)
	defer s.Close(context.Background())
	require.NoError(t, s.Start(context.Background()))

	lost := make(chan string, 1)
	s.OnLockLost(func(sectionID string) { lost <- sectionID })

	res, err := s.Edit(context.Background(), "sec-1")
	require.NoError(t, err)
	require.True(t, res.Granted)
	assert.True(t, s.Editing("sec-1"))

	// Someone else's cleanup removes the lease; the next heartbeat fails.
	require.NoError(t, leases.Release(context.Background(), res.Lock.ID))

	select {
	case id := <-lost:
		assert.Equal(t, "sec-1", id)
	case <-time.After(time.Second):
		t.Fatal("lock loss was not reported")
	}
	assert.False(t, s.Editing("sec-1"))
}

func TestEditContendedSection(t *testing.T) {
	leases := lock.NewMemoryLeaseStore()
	_, err := leases.TryAcquire(context.Background(), "sec-1", "bob", time.Minute)
	require.NoError(t, err)

	s, err := New("doc-1", "alice", Deps{
		Dialer: &flakyDialer{},
		Save:   (&recordingSave{}).save,
		Queue:  savequeue.NewMemoryQueue(),
		Leases: leases,
	}, testConfig())
	require.NoError(t, err)
	defer s.Close(context.Background())

	res, err := s.Edit(context.Background(), "sec-1")
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, "bob", res.HeldBy)
	assert.False(t, s.Editing("sec-1"))
}

func TestCloseReleasesLocks(t *testing.T) {
	leases := lock.NewMemoryLeaseStore()
	s, err := New("doc-1", "alice", Deps{
		Dialer: &flakyDialer{},
		Save:   (&recordingSave{}).save,
		Queue:  savequeue.NewMemoryQueue(),
		Leases: leases,
	}, testConfig())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	_, err = s.Edit(context.Background(), "sec-1")
	require.NoError(t, err)
	_, err = s.Edit(context.Background(), "sec-2")
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))

	for _, id := range []string{"sec-1", "sec-2"} {
		l, err := leases.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Nil(t, l, id)
	}
	assert.Equal(t, connection.StatusDisconnected, s.Connection().Status())

	_, err = s.Edit(context.Background(), "sec-3")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestInvalidLockConfigIsRejected(t *testing.T) {
	cfg := testConfig()
	cfg.Lock = lock.Config{TTL: 30 * time.Second, HeartbeatInterval: 20 * time.Second}
	_, err := New("doc-1", "alice", Deps{Queue: savequeue.NewMemoryQueue(), Leases: lock.NewMemoryLeaseStore()}, cfg)
	assert.ErrorIs(t, err, lock.ErrInvalidConfig)
}
