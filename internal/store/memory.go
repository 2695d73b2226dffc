package store

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"queuewatch/internal/queue"
)

// MemoryStore is an in-memory Store with the same write semantics as
// MongoStore. It backs the monitor tests and makes dry runs possible
// without a database.
type MemoryStore struct {
	mu        sync.RWMutex
	histories map[string][]HistoryRecord
	entries   map[string]map[string]*EntryRecord
	events    map[string][]EventRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		histories: make(map[string][]HistoryRecord),
		entries:   make(map[string]map[string]*EntryRecord),
		events:    make(map[string][]EventRecord),
	}
}

// EnsureIndexes is a no-op for the in-memory store.
func (s *MemoryStore) EnsureIndexes(_ context.Context, _ string) error { return nil }

// AppendHistory records the snapshot unless one with identical content is
// already stored.
func (s *MemoryStore) AppendHistory(_ context.Context, snap queue.Snapshot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := HistoryRecord{
		Timestamp: snap.ScrapedAt,
		ScrapeID:  snap.ScrapeID,
		State:     snap.State,
		Entries:   append([]queue.Entry(nil), snap.Entries...),
		Chat:      append([]queue.ChatMessage(nil), snap.Chat...),
		Servers:   append([]queue.Server(nil), snap.Servers...),
	}
	for _, rec := range s.histories[snap.QueueID] {
		if sameContent(rec, next) {
			return false, nil
		}
	}
	s.histories[snap.QueueID] = append(s.histories[snap.QueueID], next)
	return true, nil
}

func sameContent(a, b HistoryRecord) bool {
	return a.State == b.State &&
		reflect.DeepEqual(a.Entries, b.Entries) &&
		reflect.DeepEqual(a.Chat, b.Chat) &&
		reflect.DeepEqual(a.Servers, b.Servers)
}

// UpsertEntry inserts or updates the entry keyed by content hash and returns
// the pre-image, nil on first insert.
func (s *MemoryStore) UpsertEntry(_ context.Context, queueID string, entry queue.Entry) (*EntryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byHash := s.entries[queueID]
	if byHash == nil {
		byHash = make(map[string]*EntryRecord)
		s.entries[queueID] = byHash
	}

	hash := entry.ContentHash()
	existing, ok := byHash[hash]
	if !ok {
		byHash[hash] = &EntryRecord{
			ContentHash: hash,
			ID:          entry.ID,
			Name:        entry.Name,
			ImageURL:    entry.ImageURL,
			TimeIn:      entry.TimeIn,
			TimeOut:     copyTime(entry.TimeOut),
			Server:      entry.Server,
			Status:      entry.Status,
			Questions:   append([]queue.QA(nil), entry.Questions...),
		}
		return nil, nil
	}

	before := *existing
	existing.Status = entry.Status
	existing.Server = entry.Server
	return &before, nil
}

// MarkEntryStarted stamps time_started, first write wins.
func (s *MemoryStore) MarkEntryStarted(_ context.Context, queueID, contentHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.entries[queueID][contentHash]; ok && rec.TimeStarted == nil {
		rec.TimeStarted = &at
	}
	return nil
}

// LockEntryTimeOut stamps time_out, first write wins.
func (s *MemoryStore) LockEntryTimeOut(_ context.Context, queueID, contentHash string, timeOut time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.entries[queueID][contentHash]; ok && rec.TimeOut == nil {
		rec.TimeOut = &timeOut
	}
	return nil
}

// ResolveMissing concludes tracked entries absent from the current page.
func (s *MemoryStore) ResolveMissing(_ context.Context, queueID string, presentHashes []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	present := make(map[string]struct{}, len(presentHashes))
	for _, h := range presentHashes {
		present[h] = struct{}{}
	}

	for hash, rec := range s.entries[queueID] {
		if _, ok := present[hash]; ok {
			continue
		}
		switch rec.Status {
		case queue.StatusInProgress:
			rec.Status = queue.StatusServed
			rec.Implicitly = true
			rec.TimeOut = &at
		case queue.StatusWaiting:
			rec.Status = queue.StatusRemoved
			rec.TimeOut = &at
		}
	}
	return nil
}

// RecordEvent appends one open/close event.
func (s *MemoryStore) RecordEvent(_ context.Context, queueID string, event queue.EventType, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events[queueID] = append(s.events[queueID], EventRecord{Event: event, Timestamp: at})
	return nil
}

// ClearDerived wipes entries and events, keeping history.
func (s *MemoryStore) ClearDerived(_ context.Context, queueID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, queueID)
	delete(s.events, queueID)
	return nil
}

// WalkHistory streams stored snapshots oldest first.
func (s *MemoryStore) WalkHistory(_ context.Context, queueID string, fn func(HistoryRecord) error) error {
	s.mu.RLock()
	records := append([]HistoryRecord(nil), s.histories[queueID]...)
	s.mu.RUnlock()

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
	for _, rec := range records {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close(_ context.Context) error { return nil }

// HistoryCount reports how many snapshots are stored for the queue.
func (s *MemoryStore) HistoryCount(queueID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.histories[queueID])
}

// Entry returns a copy of the stored entry record.
func (s *MemoryStore) Entry(queueID, contentHash string) (EntryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.entries[queueID][contentHash]
	if !ok {
		return EntryRecord{}, false
	}
	out := *rec
	out.TimeOut = copyTime(rec.TimeOut)
	out.TimeStarted = copyTime(rec.TimeStarted)
	return out, true
}

// Entries returns copies of all stored entry records, ordered by signup time.
func (s *MemoryStore) Entries(queueID string) []EntryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]EntryRecord, 0, len(s.entries[queueID]))
	for _, rec := range s.entries[queueID] {
		cp := *rec
		cp.TimeOut = copyTime(rec.TimeOut)
		cp.TimeStarted = copyTime(rec.TimeStarted)
		out = append(out, cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].TimeIn.Before(out[j].TimeIn)
	})
	return out
}

// Events returns a copy of the recorded events, oldest first.
func (s *MemoryStore) Events(queueID string) []EventRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]EventRecord(nil), s.events[queueID]...)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
