package autosave

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"naskahsync/internal/content"
	"naskahsync/internal/savequeue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNetwork = errors.New("network unreachable")

type recorder struct {
	mu    sync.Mutex
	calls []content.Snapshot
	times []time.Time
	fail  func(text string) error
}

func (r *recorder) save(_ context.Context, c content.Snapshot) error {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	r.times = append(r.times, time.Now())
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		return fail(content.PlainText(c))
	}
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, content.PlainText(c))
	}
	return out
}

type statusLog struct {
	mu       sync.Mutex
	statuses []Status
}

func (l *statusLog) add(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, s)
}

func (l *statusLog) all() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.statuses...)
}

func newEngine(t *testing.T, rec *recorder, q savequeue.Queue, cfg Config, opts ...Option) *Engine {
	t.Helper()
	e := New("doc-1", rec.save, q, cfg, opts...)
	require.NoError(t, e.Init(context.Background()))
	t.Cleanup(e.Stop)
	return e
}

func TestDebounceCoalescesBurst(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, rec, savequeue.NewMemoryQueue(), Config{Debounce: 200 * time.Millisecond})
	log := &statusLog{}
	e.OnStatusChange(log.add)

	start := time.Now()
	require.NoError(t, e.Save(content.FromText("a")))
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, e.Save(content.FromText("ab")))
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, e.Save(content.FromText("abc")))

	require.Eventually(t, func() bool { return rec.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, []string{"abc"}, rec.texts())
	assert.GreaterOrEqual(t, rec.times[0].Sub(start), 280*time.Millisecond)

	assert.Eventually(t, func() bool { return e.Status() == StatusSaved }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Status{StatusPending, StatusSaving, StatusSaved}, log.all())
}

func TestIdenticalContentIsNotSavedTwice(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, rec, savequeue.NewMemoryQueue(), Config{Debounce: 20 * time.Millisecond})

	c := content.FromText("same")
	require.NoError(t, e.Save(c))
	require.Eventually(t, func() bool { return rec.count() == 1 && e.Status() == StatusSaved }, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Save(content.Snapshot(`{ "ops" : [ { "insert" : "same" } ] }`)))
	assert.Equal(t, StatusSaved, e.Status())
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
}

func TestBaselineSkipsSave(t *testing.T) {
	rec := &recorder{}
	c := content.FromText("loaded")
	e := newEngine(t, rec, savequeue.NewMemoryQueue(), Config{Debounce: 10 * time.Millisecond}, WithBaseline(c))

	require.NoError(t, e.ForceSave(context.Background(), c))
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, StatusSaved, e.Status())
}

func TestRetriesExhaustedQueuesExactlyOnce(t *testing.T) {
	rec := &recorder{fail: func(string) error { return errNetwork }}
	q := savequeue.NewMemoryQueue()
	e := newEngine(t, rec, q, Config{
		Debounce:    time.Hour,
		RetryDelays: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
		MaxRetries:  3,
	})

	err := e.ForceSave(context.Background(), content.FromText("draft"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQueued)
	assert.ErrorIs(t, err, errNetwork)

	assert.Equal(t, 3, rec.count())
	assert.GreaterOrEqual(t, rec.times[1].Sub(rec.times[0]), 10*time.Millisecond)
	assert.GreaterOrEqual(t, rec.times[2].Sub(rec.times[1]), 20*time.Millisecond)

	entries, err := q.GetAllByDocument("doc-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "draft", content.PlainText(entries[0].Content))
	assert.Equal(t, StatusError, e.Status())
}

func TestRetryDelayClampsToLastValue(t *testing.T) {
	e := New("doc-1", nil, savequeue.NewMemoryQueue(), Config{RetryDelays: []time.Duration{time.Second, 2 * time.Second}})
	assert.Equal(t, time.Second, e.retryDelay(0))
	assert.Equal(t, 2*time.Second, e.retryDelay(1))
	assert.Equal(t, 2*time.Second, e.retryDelay(5))
}

func TestOfflineQueuesImmediately(t *testing.T) {
	rec := &recorder{}
	q := savequeue.NewMemoryQueue()
	e := newEngine(t, rec, q, Config{Debounce: time.Hour}, WithOnline(false))

	err := e.ForceSave(context.Background(), content.FromText("offline edit"))
	assert.ErrorIs(t, err, ErrQueued)
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, StatusOffline, e.Status())
	assert.Equal(t, 1, q.Len())
}

func TestComingOnlineFlushesQueue(t *testing.T) {
	rec := &recorder{}
	q := savequeue.NewMemoryQueue()
	e := newEngine(t, rec, q, Config{Debounce: time.Hour}, WithOnline(false))

	require.ErrorIs(t, e.ForceSave(context.Background(), content.FromText("later")), ErrQueued)
	e.SetOnline(true)

	require.Eventually(t, func() bool { return rec.count() == 1 && q.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"later"}, rec.texts())
	assert.Eventually(t, func() bool { return e.Status() == StatusSaved }, time.Second, 5*time.Millisecond)
}

func seed(t *testing.T, q savequeue.Queue, texts ...string) []savequeue.Entry {
	t.Helper()
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	entries := make([]savequeue.Entry, len(texts))
	for i, text := range texts {
		entries[i] = savequeue.NewEntry("doc-1", content.FromText(text), base.Add(time.Duration(i)*time.Second))
	}
	// Insert out of order so the replay has to sort.
	for i := len(entries) - 1; i >= 0; i-- {
		require.NoError(t, q.Add(entries[i]))
	}
	return entries
}

func TestFlushReplaysOldestFirst(t *testing.T) {
	rec := &recorder{}
	q := savequeue.NewMemoryQueue()
	seed(t, q, "one", "two", "three")
	e := newEngine(t, rec, q, Config{Debounce: time.Hour})

	require.NoError(t, e.FlushQueue(context.Background()))
	assert.Equal(t, []string{"one", "two", "three"}, rec.texts())
	assert.Equal(t, 0, q.Len())
	assert.False(t, e.LastSavedAt().IsZero())

	// The last replayed content is now the baseline.
	require.NoError(t, e.Save(content.FromText("three")))
	assert.Equal(t, StatusSaved, e.Status())
}

func TestFlushStopsAtFirstRequeue(t *testing.T) {
	rec := &recorder{fail: func(text string) error {
		if text == "two" {
			return errNetwork
		}
		return nil
	}}
	q := savequeue.NewMemoryQueue()
	seeded := seed(t, q, "one", "two", "three")
	e := newEngine(t, rec, q, Config{Debounce: time.Hour})

	err := e.FlushQueue(context.Background())
	assert.ErrorIs(t, err, errNetwork)
	assert.Equal(t, []string{"one", "two"}, rec.texts())

	left, err := q.GetAllByDocument("doc-1")
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.Equal(t, seeded[1].ID, left[0].ID)
	assert.Equal(t, 1, left[0].Attempts)
	assert.NotNil(t, left[0].LastAttemptAt)
	assert.Equal(t, seeded[2].ID, left[1].ID)
	assert.Equal(t, 0, left[1].Attempts)
	assert.Equal(t, StatusError, e.Status())
}

func TestFlushDropsEntryPastReplayCeiling(t *testing.T) {
	rec := &recorder{fail: func(text string) error {
		if text == "one" {
			return errNetwork
		}
		return nil
	}}
	q := savequeue.NewMemoryQueue()
	seeded := seed(t, q, "one", "two")
	stale := seeded[0]
	stale.Attempts = 1
	require.NoError(t, q.Put(stale))

	e := newEngine(t, rec, q, Config{Debounce: time.Hour, MaxReplayAttempts: 2})
	require.NoError(t, e.FlushQueue(context.Background()))

	assert.Equal(t, []string{"one", "two"}, rec.texts())
	assert.Equal(t, 0, q.Len())
}

func TestForceSaveCancelsDebounce(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, rec, savequeue.NewMemoryQueue(), Config{Debounce: 50 * time.Millisecond})

	c := content.FromText("now")
	require.NoError(t, e.Save(c))
	require.NoError(t, e.ForceSave(context.Background(), c))
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, 1, rec.count())
	assert.Equal(t, StatusSaved, e.Status())
}

func TestSuccessfulSaveDiscardsOlderQueuedEntries(t *testing.T) {
	rec := &recorder{}
	q := savequeue.NewMemoryQueue()
	seed(t, q, "stale")
	e := newEngine(t, rec, q, Config{Debounce: time.Hour})

	require.NoError(t, e.ForceSave(context.Background(), content.FromText("fresh")))
	assert.Equal(t, []string{"fresh"}, rec.texts())
	assert.Equal(t, 0, q.Len())
}

func TestStopCancelsPendingSave(t *testing.T) {
	rec := &recorder{}
	e := newEngine(t, rec, savequeue.NewMemoryQueue(), Config{Debounce: 30 * time.Millisecond})
	log := &statusLog{}
	e.OnStatusChange(log.add)

	require.NoError(t, e.Save(content.FromText("never")))
	e.Stop()
	before := len(log.all())
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 0, rec.count())
	assert.Len(t, log.all(), before)
	assert.ErrorIs(t, e.Save(content.FromText("again")), ErrStopped)
	assert.ErrorIs(t, e.FlushQueue(context.Background()), ErrStopped)
}

func TestStopDuringRetryQueuesContent(t *testing.T) {
	first := make(chan struct{})
	var once sync.Once
	rec := &recorder{fail: func(string) error {
		once.Do(func() { close(first) })
		return errNetwork
	}}
	q := savequeue.NewMemoryQueue()
	e := newEngine(t, rec, q, Config{Debounce: time.Hour, RetryDelays: []time.Duration{time.Hour}, MaxRetries: 3})

	done := make(chan error, 1)
	go func() { done <- e.ForceSave(context.Background(), content.FromText("interrupted")) }()

	<-first
	e.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueued)
	case <-time.After(time.Second):
		t.Fatal("ForceSave did not return after Stop")
	}
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 1, q.Len())
	assert.Equal(t, StatusSaving, e.Status())
}

func TestDestroyClosesQueue(t *testing.T) {
	q := savequeue.NewMemoryQueue()
	e := newEngine(t, &recorder{}, q, Config{})
	require.NoError(t, e.Destroy())
	assert.ErrorIs(t, q.Add(savequeue.NewEntry("doc-1", content.Empty, time.Now())), savequeue.ErrClosed)
}

func TestOperationsRequireInit(t *testing.T) {
	e := New("doc-1", (&recorder{}).save, savequeue.NewMemoryQueue(), Config{})
	assert.ErrorIs(t, e.Save(content.Empty), ErrNotInitialized)
	assert.ErrorIs(t, e.ForceSave(context.Background(), content.Empty), ErrNotInitialized)
	assert.ErrorIs(t, e.FlushQueue(context.Background()), ErrNotInitialized)
}

func TestAtMostOneSaveInFlight(t *testing.T) {
	var inflight, peak atomic.Int32
	save := func(ctx context.Context, c content.Snapshot) error {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		inflight.Add(-1)
		return nil
	}
	q := savequeue.NewMemoryQueue()
	seed(t, q, "q1", "q2")
	e := New("doc-1", save, q, Config{Debounce: 5 * time.Millisecond})
	require.NoError(t, e.Init(context.Background()))
	defer e.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = e.ForceSave(context.Background(), content.FromText(string(rune('a'+i))))
		}(i)
		go func() {
			defer wg.Done()
			_ = e.FlushQueue(context.Background())
		}()
	}
	require.NoError(t, e.Save(content.FromText("debounced")))
	wg.Wait()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), peak.Load())
}

func TestRevertDuringSaveIsSavedAfterIt(t *testing.T) {
	release := make(chan struct{})
	rec := &recorder{fail: func(text string) error {
		if text == "B" {
			<-release
		}
		return nil
	}}
	e := newEngine(t, rec, savequeue.NewMemoryQueue(), Config{Debounce: 20 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, e.ForceSave(ctx, content.FromText("A")))

	done := make(chan error, 1)
	go func() { done <- e.ForceSave(ctx, content.FromText("B")) }()
	require.Eventually(t, func() bool { return rec.count() == 2 }, time.Second, 5*time.Millisecond)

	// Back to the last confirmed content while B is still being written.
	require.NoError(t, e.Save(content.FromText("A")))
	assert.Equal(t, StatusPending, e.Status())

	close(release)
	require.NoError(t, <-done)

	require.Eventually(t, func() bool { return rec.count() == 3 && e.Status() == StatusSaved }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "B", "A"}, rec.texts())
}

func TestRevertAfterFailedSaveIsNotOverwrittenByReplay(t *testing.T) {
	var failB atomic.Bool
	failB.Store(true)
	rec := &recorder{fail: func(text string) error {
		if text == "B" && failB.Swap(false) {
			return errNetwork
		}
		return nil
	}}
	q := savequeue.NewMemoryQueue()
	e := newEngine(t, rec, q, Config{Debounce: 50 * time.Millisecond, MaxRetries: 1})
	ctx := context.Background()

	require.NoError(t, e.ForceSave(ctx, content.FromText("A")))
	require.ErrorIs(t, e.ForceSave(ctx, content.FromText("B")), ErrQueued)
	require.Equal(t, 1, q.Len())

	require.NoError(t, e.Save(content.FromText("A")))
	assert.Equal(t, StatusPending, e.Status(), "queued B would land on top of A")

	require.NoError(t, e.FlushQueue(ctx))

	require.Eventually(t, func() bool { return e.Status() == StatusSaved && rec.count() == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"A", "B", "B", "A"}, rec.texts())
	assert.Equal(t, 0, q.Len())
}

func TestSameContentWhileSavingIsNotResent(t *testing.T) {
	release := make(chan struct{})
	rec := &recorder{fail: func(string) error {
		<-release
		return nil
	}}
	e := newEngine(t, rec, savequeue.NewMemoryQueue(), Config{Debounce: 20 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- e.ForceSave(context.Background(), content.FromText("B")) }()
	require.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, e.Save(content.FromText("B")))
	assert.Equal(t, StatusSaving, e.Status())

	close(release)
	require.NoError(t, <-done)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, StatusSaved, e.Status())
}
