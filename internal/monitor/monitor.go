// Package monitor drives the scrape loop. Every interval it fetches each
// configured queue, records the snapshot, and derives entry lifecycle
// changes and open/close events by comparing against the previous
// observation of the same queue.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"queuewatch/internal/id/uuid"
	"queuewatch/internal/metrics"
	"queuewatch/internal/queue"
	"queuewatch/internal/store"
)

// Fetcher produces queue snapshots over a browsing session.
type Fetcher interface {
	// EnsureSession prepares the session for the next fetches. It is called
	// once per pass.
	EnsureSession(ctx context.Context) error

	// FetchQueue downloads and parses one queue page.
	FetchQueue(ctx context.Context, queueID string) (queue.Snapshot, error)

	// Invalidate flags the session for a fresh login. The monitor calls it
	// after any failure, since a silent logout looks like a page change.
	Invalidate()
}

// Clock abstracts time.Now so the loop can be tested deterministically.
type Clock interface {
	Now() time.Time
}

// Config holds the loop parameters.
type Config struct {
	QueueIDs []string
	Interval time.Duration
}

// Monitor owns the scrape loop and the delta processing. It runs on a single
// goroutine; queues are visited sequentially within a pass so one slow queue
// cannot pile up concurrent sessions against the site.
type Monitor struct {
	fetcher Fetcher
	store   store.Store
	clock   Clock
	logger  *zap.Logger
	cfg     Config

	// baseline holds the previous snapshot per queue. The very first
	// snapshot of a queue only seeds this map and is never persisted:
	// with no predecessor there is no delta to derive.
	baseline map[string]*queue.Snapshot

	newScrapeID func() string
}

// New builds a monitor. fetcher may be nil when only Replay will be used.
func New(fetcher Fetcher, st store.Store, clock Clock, logger *zap.Logger, cfg Config) *Monitor {
	return &Monitor{
		fetcher:     fetcher,
		store:       st,
		clock:       clock,
		logger:      logger,
		cfg:         cfg,
		baseline:    make(map[string]*queue.Snapshot, len(cfg.QueueIDs)),
		newScrapeID: newScrapeID,
	}
}

var scrapeIDs = uuid.New()

func newScrapeID() string {
	id, err := scrapeIDs.NewID()
	if err != nil {
		// crypto/rand failure; a timestamp id keeps snapshots distinguishable.
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return id
}

// Run executes the scrape loop until ctx is done. The first pass starts
// immediately; later passes follow the ticker, and ticks that arrive while a
// pass is still running coalesce. Scrape failures are logged and skipped;
// only startup index creation is allowed to end the loop.
func (m *Monitor) Run(ctx context.Context) error {
	if m.fetcher == nil {
		return errors.New("monitor: no fetcher configured")
	}
	if m.cfg.Interval <= 0 {
		return fmt.Errorf("monitor: invalid interval %v", m.cfg.Interval)
	}
	for _, queueID := range m.cfg.QueueIDs {
		if err := m.store.EnsureIndexes(ctx, queueID); err != nil {
			return fmt.Errorf("ensure indexes for queue %s: %w", queueID, err)
		}
	}

	m.logger.Info("monitor starting",
		zap.Strings("queue_ids", m.cfg.QueueIDs),
		zap.Duration("interval", m.cfg.Interval))

	m.runPass(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopping")
			return ctx.Err()
		case <-ticker.C:
			m.runPass(ctx)
		}
	}
}

// runPass scrapes every configured queue once. A failure on one queue never
// blocks the others.
func (m *Monitor) runPass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := m.fetcher.EnsureSession(ctx); err != nil {
		// Not fatal to the pass: the public view may still serve, and the
		// next pass retries the login.
		m.logger.Warn("session refresh failed", zap.Error(err))
		m.fetcher.Invalidate()
	}
	for _, queueID := range m.cfg.QueueIDs {
		if ctx.Err() != nil {
			return
		}
		if err := m.scrapeQueue(ctx, queueID); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			metrics.ObserveScrapeFailure(queueID)
			m.fetcher.Invalidate()
			m.logger.Error("scrape failed", zap.String("queue_id", queueID), zap.Error(err))
		}
	}
}

func (m *Monitor) scrapeQueue(ctx context.Context, queueID string) error {
	start := time.Now()
	snap, err := m.fetcher.FetchQueue(ctx, queueID)
	if err != nil {
		return err
	}

	prev, ok := m.baseline[queueID]
	if !ok {
		m.baseline[queueID] = &snap
		metrics.ObserveScrape(queueID, time.Since(start))
		m.logger.Info("baseline established",
			zap.String("queue_id", queueID),
			zap.String("state", string(snap.State)),
			zap.Int("entries", len(snap.Entries)))
		return nil
	}

	snap.ScrapedAt = m.clock.Now().UTC()
	snap.ScrapeID = m.newScrapeID()

	if err := m.applyUpdate(ctx, *prev, snap, true); err != nil {
		// Baseline stays put, so the next pass re-derives this delta. All
		// writes are idempotent, so the retry is safe.
		return err
	}
	m.baseline[queueID] = &snap

	metrics.ObserveScrape(queueID, time.Since(start))
	m.logger.Debug("scrape complete",
		zap.String("queue_id", queueID),
		zap.String("scrape_id", snap.ScrapeID),
		zap.Int("entries", len(snap.Entries)))
	return nil
}

// applyUpdate persists one observation: the snapshot itself when
// recordHistory is set, per-entry lifecycle writes, conclusions for entries
// that vanished, and open/close events. prev is the previous observation of
// the same queue.
func (m *Monitor) applyUpdate(ctx context.Context, prev, next queue.Snapshot, recordHistory bool) error {
	queueID := next.QueueID
	at := next.ScrapedAt

	if recordHistory {
		inserted, err := m.store.AppendHistory(ctx, next)
		if err != nil {
			return err
		}
		if inserted {
			metrics.ObserveSnapshotRecorded(queueID)
		}
	}

	hashes := make([]string, 0, len(next.Entries))
	for _, entry := range next.Entries {
		hash := entry.ContentHash()
		hashes = append(hashes, hash)

		before, err := m.store.UpsertEntry(ctx, queueID, entry)
		if err != nil {
			return err
		}
		switch {
		case before == nil:
			metrics.ObserveEntryTransition(queueID, string(entry.Status))
			m.logger.Info("new entry",
				zap.String("queue_id", queueID),
				zap.String("name", entry.Name),
				zap.String("status", string(entry.Status)),
				zap.String("content_hash", hash))
		case before.Status != entry.Status:
			metrics.ObserveEntryTransition(queueID, string(entry.Status))
			m.logger.Info("entry status changed",
				zap.String("queue_id", queueID),
				zap.String("name", entry.Name),
				zap.String("from", string(before.Status)),
				zap.String("to", string(entry.Status)),
				zap.String("content_hash", hash))
			if entry.Status == queue.StatusInProgress {
				if err := m.store.MarkEntryStarted(ctx, queueID, hash, at); err != nil {
					return err
				}
			}
		}
		if entry.TimeOut != nil {
			if err := m.store.LockEntryTimeOut(ctx, queueID, hash, *entry.TimeOut); err != nil {
				return err
			}
		}
	}

	if err := m.store.ResolveMissing(ctx, queueID, hashes, at); err != nil {
		return err
	}

	if prev.State != next.State {
		event := queue.EventQueueClose
		if next.State == queue.StateOpen {
			event = queue.EventQueueOpen
		}
		if err := m.store.RecordEvent(ctx, queueID, event, at); err != nil {
			return err
		}
		metrics.ObserveQueueEvent(queueID, string(event))
		m.logger.Info("queue state changed",
			zap.String("queue_id", queueID),
			zap.String("event", string(event)))
	}
	return nil
}

// Replay rebuilds the entries and events collections from stored history.
// It walks snapshots oldest first and re-runs the same delta processing the
// live loop uses, without contacting the site and without rewriting history.
// The first stored snapshot is processed against itself, so a state flip
// that happened exactly at the first scrape produces no event, exactly as
// the live loop behaves against its unpersisted baseline.
func (m *Monitor) Replay(ctx context.Context, queueID string) error {
	if err := m.store.ClearDerived(ctx, queueID); err != nil {
		return fmt.Errorf("clear derived collections for queue %s: %w", queueID, err)
	}

	var prev *queue.Snapshot
	count := 0
	err := m.store.WalkHistory(ctx, queueID, func(rec store.HistoryRecord) error {
		next := rec.Snapshot(queueID)
		base := next
		if prev != nil {
			base = *prev
		}
		if err := m.applyUpdate(ctx, base, next, false); err != nil {
			return err
		}
		prev = &next
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay queue %s: %w", queueID, err)
	}
	m.logger.Info("replay complete", zap.String("queue_id", queueID), zap.Int("snapshots", count))
	return nil
}
