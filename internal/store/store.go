// Package store persists queue snapshots and the records derived from them.
//
// Each queue owns three collections: full history (every distinct snapshot),
// entries (one document per tracked signup, keyed by content hash), and
// events (queue open/close transitions). The monitor decides what changed;
// the store only executes the writes.
package store

import (
	"context"
	"time"

	"queuewatch/internal/queue"
)

// EntryRecord is the stored form of a tracked entry, as read back from the
// entries collection. Implicitly marks entries that were concluded by
// inference when they vanished from the page rather than by observation.
type EntryRecord struct {
	ContentHash string            `bson:"content_hash"`
	ID          string            `bson:"id"`
	Name        string            `bson:"name"`
	ImageURL    string            `bson:"image_url"`
	TimeIn      time.Time         `bson:"time_in"`
	TimeOut     *time.Time        `bson:"time_out"`
	TimeStarted *time.Time        `bson:"time_started"`
	Server      string            `bson:"server"`
	Status      queue.EntryStatus `bson:"status"`
	Questions   []queue.QA        `bson:"questions"`
	Implicitly  bool              `bson:"implicitly"`
}

// EventRecord is one queue open/close transition.
type EventRecord struct {
	Event     queue.EventType `bson:"event"`
	Timestamp time.Time       `bson:"timestamp"`
}

// HistoryRecord is one stored snapshot, as read back from the full history
// collection.
type HistoryRecord struct {
	Timestamp time.Time           `bson:"timestamp"`
	ScrapeID  string              `bson:"scrape_id"`
	State     queue.State         `bson:"state"`
	Entries   []queue.Entry       `bson:"entries"`
	Chat      []queue.ChatMessage `bson:"chat"`
	Servers   []queue.Server      `bson:"servers"`
}

// Snapshot rebuilds the domain snapshot this record was written from.
func (r HistoryRecord) Snapshot(queueID string) queue.Snapshot {
	return queue.Snapshot{
		QueueID:   queueID,
		ScrapedAt: r.Timestamp,
		ScrapeID:  r.ScrapeID,
		State:     r.State,
		Entries:   r.Entries,
		Chat:      r.Chat,
		Servers:   r.Servers,
	}
}

// Store is the persistence surface the monitor drives. Implementations must
// keep the write primitives idempotent where the method name promises it:
// AppendHistory deduplicates identical content, MarkEntryStarted and
// LockEntryTimeOut are first-write-wins.
type Store interface {
	// EnsureIndexes creates the per-queue indexes. Called once at startup for
	// every configured queue.
	EnsureIndexes(ctx context.Context, queueID string) error

	// AppendHistory records the snapshot in full history unless a snapshot
	// with identical content is already stored. It reports whether a new
	// document was inserted.
	AppendHistory(ctx context.Context, snap queue.Snapshot) (bool, error)

	// UpsertEntry inserts the entry if its content hash is new, otherwise
	// updates the mutable fields (status and server). It returns the stored
	// record as it was before the write, or nil on first insert.
	UpsertEntry(ctx context.Context, queueID string, entry queue.Entry) (*EntryRecord, error)

	// MarkEntryStarted stamps time_started on the entry if it has none yet.
	MarkEntryStarted(ctx context.Context, queueID, contentHash string, at time.Time) error

	// LockEntryTimeOut stamps time_out on the entry if it has none yet.
	LockEntryTimeOut(ctx context.Context, queueID, contentHash string, timeOut time.Time) error

	// ResolveMissing concludes tracked entries that are absent from the
	// current page: in-progress entries become served (implicitly) and
	// waiting entries become removed, both stamped with at.
	ResolveMissing(ctx context.Context, queueID string, presentHashes []string, at time.Time) error

	// RecordEvent appends a queue open/close event.
	RecordEvent(ctx context.Context, queueID string, event queue.EventType, at time.Time) error

	// ClearDerived deletes all entry and event documents for the queue,
	// leaving full history untouched. Used before a replay.
	ClearDerived(ctx context.Context, queueID string) error

	// WalkHistory streams stored snapshots oldest first.
	WalkHistory(ctx context.Context, queueID string, fn func(HistoryRecord) error) error

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close(ctx context.Context) error
}
