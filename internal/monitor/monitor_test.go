package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"queuewatch/internal/queue"
	"queuewatch/internal/store"
)

var testBase = time.Date(2024, time.March, 1, 19, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu          sync.Mutex
	pages       map[string]queue.Snapshot
	failing     map[string]error
	ensureErr   error
	fetches     map[string]int
	ensures     int
	invalidated int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		pages:   make(map[string]queue.Snapshot),
		failing: make(map[string]error),
		fetches: make(map[string]int),
	}
}

func (f *fakeFetcher) EnsureSession(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensures++
	return f.ensureErr
}

func (f *fakeFetcher) FetchQueue(_ context.Context, queueID string) (queue.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[queueID]++
	if err := f.failing[queueID]; err != nil {
		return queue.Snapshot{}, err
	}
	snap, ok := f.pages[queueID]
	if !ok {
		return queue.Snapshot{}, fmt.Errorf("no page seeded for queue %s", queueID)
	}
	snap.QueueID = queueID
	return snap, nil
}

func (f *fakeFetcher) Invalidate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
}

func (f *fakeFetcher) setPage(queueID string, snap queue.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[queueID] = snap
	delete(f.failing, queueID)
}

func (f *fakeFetcher) setError(queueID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing[queueID] = err
}

func (f *fakeFetcher) fetchCount(queueID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[queueID]
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newTestMonitor(t *testing.T, f *fakeFetcher, st store.Store, clk Clock, ids ...string) *Monitor {
	t.Helper()
	m := New(f, st, clk, zaptest.NewLogger(t), Config{QueueIDs: ids, Interval: time.Minute})
	seq := 0
	m.newScrapeID = func() string {
		seq++
		return fmt.Sprintf("scrape-%04d", seq)
	}
	return m
}

func page(state queue.State, entries ...queue.Entry) queue.Snapshot {
	return queue.Snapshot{State: state, Entries: entries}
}

func waiting(name string, minute int) queue.Entry {
	return queue.Entry{
		Name:      name,
		TimeIn:    time.Date(2024, time.March, 1, 18, minute, 0, 0, time.UTC),
		Status:    queue.StatusWaiting,
		Questions: []queue.QA{{Question: "Where are you sitting?", Answer: "table 3"}},
	}
}

func inProgress(e queue.Entry, server string) queue.Entry {
	e.Status = queue.StatusInProgress
	e.Server = server
	return e
}

func served(e queue.Entry, server string, out time.Time) queue.Entry {
	e.Status = queue.StatusServed
	e.Server = server
	e.TimeOut = &out
	return e
}

func TestFirstScrapeOnlySeedsBaseline(t *testing.T) {
	f, st, clk := newFakeFetcher(), store.NewMemoryStore(), &manualClock{now: testBase}
	m := newTestMonitor(t, f, st, clk, "1570")
	f.setPage("1570", page(queue.StateOpen, waiting("Ada Lovelace", 5)))

	m.runPass(context.Background())

	assert.Zero(t, st.HistoryCount("1570"), "baseline snapshot must not be persisted")
	assert.Empty(t, st.Entries("1570"))
	assert.Empty(t, st.Events("1570"))

	clk.set(testBase.Add(time.Minute))
	m.runPass(context.Background())

	assert.Equal(t, 1, st.HistoryCount("1570"))
	entries := st.Entries("1570")
	require.Len(t, entries, 1)
	assert.Equal(t, "Ada Lovelace", entries[0].Name)
	assert.Equal(t, queue.StatusWaiting, entries[0].Status)
	assert.Nil(t, entries[0].TimeStarted)
	assert.Equal(t, 2, f.fetchCount("1570"))
}

func TestIdenticalSnapshotsAreStoredOnce(t *testing.T) {
	f, st, clk := newFakeFetcher(), store.NewMemoryStore(), &manualClock{now: testBase}
	m := newTestMonitor(t, f, st, clk, "1570")
	f.setPage("1570", page(queue.StateOpen, waiting("Ada Lovelace", 5)))

	for i := 0; i < 4; i++ {
		clk.set(testBase.Add(time.Duration(i) * time.Minute))
		m.runPass(context.Background())
	}
	assert.Equal(t, 1, st.HistoryCount("1570"))

	clk.set(testBase.Add(5 * time.Minute))
	f.setPage("1570", page(queue.StateOpen, waiting("Ada Lovelace", 5), waiting("Grace Hopper", 7)))
	m.runPass(context.Background())
	assert.Equal(t, 2, st.HistoryCount("1570"))
}

func TestEntryLifecycleAcrossScrapes(t *testing.T) {
	f, st, clk := newFakeFetcher(), store.NewMemoryStore(), &manualClock{now: testBase}
	m := newTestMonitor(t, f, st, clk, "1570")
	ctx := context.Background()

	ada := waiting("Ada Lovelace", 5)
	hash := ada.ContentHash()

	f.setPage("1570", page(queue.StateOpen, ada))
	m.runPass(ctx) // baseline
	clk.set(testBase.Add(time.Minute))
	m.runPass(ctx) // first persisted observation

	rec, ok := st.Entry("1570", hash)
	require.True(t, ok)
	assert.Equal(t, queue.StatusWaiting, rec.Status)
	assert.Nil(t, rec.TimeStarted)
	assert.Nil(t, rec.TimeOut)

	startedAt := testBase.Add(2 * time.Minute)
	clk.set(startedAt)
	f.setPage("1570", page(queue.StateOpen, inProgress(ada, "Mia Chen")))
	m.runPass(ctx)

	rec, ok = st.Entry("1570", hash)
	require.True(t, ok)
	assert.Equal(t, queue.StatusInProgress, rec.Status)
	assert.Equal(t, "Mia Chen", rec.Server)
	require.NotNil(t, rec.TimeStarted)
	assert.True(t, rec.TimeStarted.Equal(startedAt))
	assert.Nil(t, rec.TimeOut)

	// Started time never moves once set.
	clk.set(testBase.Add(3 * time.Minute))
	m.runPass(ctx)
	rec, _ = st.Entry("1570", hash)
	assert.True(t, rec.TimeStarted.Equal(startedAt))

	vanishedAt := testBase.Add(4 * time.Minute)
	clk.set(vanishedAt)
	f.setPage("1570", page(queue.StateOpen))
	m.runPass(ctx)

	rec, ok = st.Entry("1570", hash)
	require.True(t, ok)
	assert.Equal(t, queue.StatusServed, rec.Status)
	assert.True(t, rec.Implicitly, "a vanished in-progress entry concludes by inference")
	require.NotNil(t, rec.TimeOut)
	assert.True(t, rec.TimeOut.Equal(vanishedAt))
}

func TestObservedServeKeepsPageTimeOut(t *testing.T) {
	f, st, clk := newFakeFetcher(), store.NewMemoryStore(), &manualClock{now: testBase}
	m := newTestMonitor(t, f, st, clk, "1570")
	ctx := context.Background()

	ada := waiting("Ada Lovelace", 5)
	hash := ada.ContentHash()
	pageOut := time.Date(2024, time.March, 1, 18, 20, 0, 0, time.UTC)

	f.setPage("1570", page(queue.StateOpen, ada))
	m.runPass(ctx) // baseline
	clk.set(testBase.Add(time.Minute))
	m.runPass(ctx)

	clk.set(testBase.Add(2 * time.Minute))
	f.setPage("1570", page(queue.StateOpen, served(ada, "Mia Chen", pageOut)))
	m.runPass(ctx)

	rec, ok := st.Entry("1570", hash)
	require.True(t, ok)
	assert.Equal(t, queue.StatusServed, rec.Status)
	assert.False(t, rec.Implicitly)
	require.NotNil(t, rec.TimeOut)
	assert.True(t, rec.TimeOut.Equal(pageOut), "time_out comes from the page, not the scrape clock")

	// Vanishing after an observed serve changes nothing.
	clk.set(testBase.Add(3 * time.Minute))
	f.setPage("1570", page(queue.StateOpen))
	m.runPass(ctx)

	rec, _ = st.Entry("1570", hash)
	assert.Equal(t, queue.StatusServed, rec.Status)
	assert.False(t, rec.Implicitly)
	assert.True(t, rec.TimeOut.Equal(pageOut))
}

func TestRemovedEntryReappearing(t *testing.T) {
	f, st, clk := newFakeFetcher(), store.NewMemoryStore(), &manualClock{now: testBase}
	m := newTestMonitor(t, f, st, clk, "1570")
	ctx := context.Background()

	ada := waiting("Ada Lovelace", 5)
	hash := ada.ContentHash()

	f.setPage("1570", page(queue.StateOpen, ada))
	m.runPass(ctx) // baseline
	clk.set(testBase.Add(time.Minute))
	m.runPass(ctx)

	removedAt := testBase.Add(2 * time.Minute)
	clk.set(removedAt)
	f.setPage("1570", page(queue.StateOpen))
	m.runPass(ctx)

	rec, _ := st.Entry("1570", hash)
	assert.Equal(t, queue.StatusRemoved, rec.Status)
	require.NotNil(t, rec.TimeOut)

	// The same signup showing up again flips the status back, but the
	// recorded time_out stays locked.
	clk.set(testBase.Add(3 * time.Minute))
	f.setPage("1570", page(queue.StateOpen, ada))
	m.runPass(ctx)

	rec, _ = st.Entry("1570", hash)
	assert.Equal(t, queue.StatusWaiting, rec.Status)
	assert.True(t, rec.TimeOut.Equal(removedAt))
	// The reappeared page matches an earlier snapshot, so history does not grow.
	assert.Equal(t, 2, st.HistoryCount("1570"))
}

func TestQueueStateFlipsRecordEvents(t *testing.T) {
	f, st, clk := newFakeFetcher(), store.NewMemoryStore(), &manualClock{now: testBase}
	m := newTestMonitor(t, f, st, clk, "1570")
	ctx := context.Background()

	f.setPage("1570", page(queue.StateClosed))
	m.runPass(ctx) // baseline
	clk.set(testBase.Add(time.Minute))
	m.runPass(ctx)
	assert.Empty(t, st.Events("1570"))

	openedAt := testBase.Add(2 * time.Minute)
	clk.set(openedAt)
	f.setPage("1570", page(queue.StateOpen))
	m.runPass(ctx)

	clk.set(testBase.Add(3 * time.Minute))
	m.runPass(ctx) // still open, no extra event

	closedAt := testBase.Add(4 * time.Minute)
	clk.set(closedAt)
	f.setPage("1570", page(queue.StateClosed))
	m.runPass(ctx)

	events := st.Events("1570")
	require.Len(t, events, 2)
	assert.Equal(t, queue.EventQueueOpen, events[0].Event)
	assert.True(t, events[0].Timestamp.Equal(openedAt))
	assert.Equal(t, queue.EventQueueClose, events[1].Event)
	assert.True(t, events[1].Timestamp.Equal(closedAt))
}

func TestScrapeFailureSkipsOnlyThatQueue(t *testing.T) {
	f, st, clk := newFakeFetcher(), store.NewMemoryStore(), &manualClock{now: testBase}
	// The failing queue comes first so a failure has the chance to derail
	// the rest of the pass.
	m := newTestMonitor(t, f, st, clk, "202", "101")
	ctx := context.Background()

	f.setError("202", errors.New("boom"))
	f.setPage("101", page(queue.StateOpen, waiting("Ada Lovelace", 5)))

	m.runPass(ctx)
	clk.set(testBase.Add(time.Minute))
	m.runPass(ctx)

	assert.Equal(t, 2, f.fetchCount("202"))
	assert.Equal(t, 2, f.fetchCount("101"))
	assert.Zero(t, st.HistoryCount("202"))
	assert.Equal(t, 1, st.HistoryCount("101"))
	assert.Equal(t, 2, f.invalidated, "each failure invalidates the session")

	// Once the queue heals it starts from a fresh baseline.
	f.setPage("202", page(queue.StateOpen, waiting("Grace Hopper", 7)))
	clk.set(testBase.Add(2 * time.Minute))
	m.runPass(ctx)
	assert.Zero(t, st.HistoryCount("202"))

	clk.set(testBase.Add(3 * time.Minute))
	m.runPass(ctx)
	assert.Equal(t, 1, st.HistoryCount("202"))
}

func TestSessionFailureStillFetches(t *testing.T) {
	f, st, clk := newFakeFetcher(), store.NewMemoryStore(), &manualClock{now: testBase}
	m := newTestMonitor(t, f, st, clk, "1570")
	ctx := context.Background()

	f.ensureErr = errors.New("login rejected")
	f.setPage("1570", page(queue.StateOpen, waiting("Ada Lovelace", 5)))

	m.runPass(ctx)
	clk.set(testBase.Add(time.Minute))
	m.runPass(ctx)

	assert.Equal(t, 2, f.ensures)
	assert.Equal(t, 2, f.fetchCount("1570"))
	assert.Equal(t, 2, f.invalidated)
	assert.Equal(t, 1, st.HistoryCount("1570"), "scraping carries on with the public view")
}

func TestRunLoopStopsOnCancel(t *testing.T) {
	f, st := newFakeFetcher(), store.NewMemoryStore()
	m := New(f, st, &manualClock{now: testBase}, zaptest.NewLogger(t), Config{
		QueueIDs: []string{"1570"},
		Interval: 20 * time.Millisecond,
	})
	f.setPage("1570", page(queue.StateOpen, waiting("Ada Lovelace", 5)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return f.fetchCount("1570") >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
	assert.Equal(t, 1, st.HistoryCount("1570"))
}

func TestRunRejectsBadSetup(t *testing.T) {
	st := store.NewMemoryStore()
	clk := &manualClock{now: testBase}

	m := New(nil, st, clk, zaptest.NewLogger(t), Config{QueueIDs: []string{"1"}, Interval: time.Minute})
	assert.Error(t, m.Run(context.Background()), "a fetcher is required for the live loop")

	m = New(newFakeFetcher(), st, clk, zaptest.NewLogger(t), Config{QueueIDs: []string{"1"}})
	assert.Error(t, m.Run(context.Background()), "a positive interval is required")
}

func TestReplayRebuildsDerivedCollections(t *testing.T) {
	f, st, clk := newFakeFetcher(), store.NewMemoryStore(), &manualClock{now: testBase}
	m := newTestMonitor(t, f, st, clk, "1570")
	ctx := context.Background()

	ada := waiting("Ada Lovelace", 5)
	grace := waiting("Grace Hopper", 7)

	f.setPage("1570", page(queue.StateOpen, ada))
	m.runPass(ctx) // baseline
	clk.set(testBase.Add(time.Minute))
	f.setPage("1570", page(queue.StateOpen, ada, grace))
	m.runPass(ctx)
	clk.set(testBase.Add(2 * time.Minute))
	f.setPage("1570", page(queue.StateOpen, inProgress(ada, "Mia Chen"), grace))
	m.runPass(ctx)
	clk.set(testBase.Add(3 * time.Minute))
	f.setPage("1570", page(queue.StateClosed, grace))
	m.runPass(ctx)

	require.Equal(t, 3, st.HistoryCount("1570"))
	liveEntries := st.Entries("1570")
	liveEvents := st.Events("1570")
	require.Len(t, liveEntries, 2)
	require.Len(t, liveEvents, 1)

	require.NoError(t, m.Replay(ctx, "1570"))

	assert.Equal(t, liveEntries, st.Entries("1570"), "replay must reproduce the live derivation")
	assert.Equal(t, liveEvents, st.Events("1570"))
	assert.Equal(t, 3, st.HistoryCount("1570"), "replay never rewrites history")
}

func TestReplayEmptyHistory(t *testing.T) {
	st := store.NewMemoryStore()
	m := New(nil, st, &manualClock{now: testBase}, zaptest.NewLogger(t), Config{})

	require.NoError(t, m.Replay(context.Background(), "404"))
	assert.Empty(t, st.Entries("404"))
	assert.Empty(t, st.Events("404"))
}
