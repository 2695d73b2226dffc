package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"queuewatch/internal/queue"
)

// MongoStore is the MongoDB-backed Store. One collection triplet per queue,
// named queue_{id}_entries, queue_{id}_events, and queue_{id}_full_history.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger
}

var _ Store = (*MongoStore)(nil)

// Connect dials MongoDB, verifies the connection, and returns the store.
func Connect(ctx context.Context, uri, database string, logger *zap.Logger) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		if derr := client.Disconnect(ctx); derr != nil {
			logger.Warn("disconnect after failed ping", zap.Error(derr))
		}
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}
	logger.Info("connected to mongodb", zap.String("database", database))
	return &MongoStore{client: client, db: client.Database(database), logger: logger}, nil
}

func (s *MongoStore) entries(queueID string) *mongo.Collection {
	return s.db.Collection(entriesCollection(queueID))
}

func (s *MongoStore) events(queueID string) *mongo.Collection {
	return s.db.Collection(eventsCollection(queueID))
}

func (s *MongoStore) history(queueID string) *mongo.Collection {
	return s.db.Collection(historyCollection(queueID))
}

func entriesCollection(queueID string) string {
	return fmt.Sprintf("queue_%s_entries", queueID)
}

func eventsCollection(queueID string) string {
	return fmt.Sprintf("queue_%s_events", queueID)
}

func historyCollection(queueID string) string {
	return fmt.Sprintf("queue_%s_full_history", queueID)
}

// EnsureIndexes creates the content_hash index every entry write filters on.
func (s *MongoStore) EnsureIndexes(ctx context.Context, queueID string) error {
	model := mongo.IndexModel{Keys: bson.D{{Key: "content_hash", Value: 1}}}
	if _, err := s.entries(queueID).Indexes().CreateOne(ctx, model); err != nil {
		return fmt.Errorf("create content_hash index for queue %s: %w", queueID, err)
	}
	return nil
}

// AppendHistory upserts the snapshot keyed by its own content, so repeated
// identical pages collapse into one stored document. The timestamp and
// scrape id ride along via $setOnInsert and never participate in matching.
func (s *MongoStore) AppendHistory(ctx context.Context, snap queue.Snapshot) (bool, error) {
	filter := historyContentFilter(snap)
	update := bson.D{{Key: "$setOnInsert", Value: historyDocument(snap)}}
	res, err := s.history(snap.QueueID).UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return false, fmt.Errorf("append history for queue %s: %w", snap.QueueID, err)
	}
	return res.UpsertedCount > 0, nil
}

// UpsertEntry writes the entry keyed by content hash. Only status and server
// are updated on an existing document; everything else is insert-only.
func (s *MongoStore) UpsertEntry(ctx context.Context, queueID string, entry queue.Entry) (*EntryRecord, error) {
	hash := entry.ContentHash()
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(entry.Status)},
			{Key: "server", Value: nullable(entry.Server)},
		}},
		{Key: "$setOnInsert", Value: entryInsertDocument(entry, hash)},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before)

	var before EntryRecord
	err := s.entries(queueID).
		FindOneAndUpdate(ctx, bson.D{{Key: "content_hash", Value: hash}}, update, opts).
		Decode(&before)
	if err != nil {
		// No pre-image means the upsert inserted.
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("upsert entry %s for queue %s: %w", hash, queueID, err)
	}
	return &before, nil
}

// MarkEntryStarted stamps time_started, first write wins.
func (s *MongoStore) MarkEntryStarted(ctx context.Context, queueID, contentHash string, at time.Time) error {
	filter := bson.D{
		{Key: "content_hash", Value: contentHash},
		{Key: "time_started", Value: nil},
	}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "time_started", Value: at}}}}
	if _, err := s.entries(queueID).UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("mark entry %s started for queue %s: %w", contentHash, queueID, err)
	}
	return nil
}

// LockEntryTimeOut stamps time_out, first write wins. Later scrapes of a
// served entry keep showing it with a served time; only the first one counts.
func (s *MongoStore) LockEntryTimeOut(ctx context.Context, queueID, contentHash string, timeOut time.Time) error {
	filter := bson.D{
		{Key: "content_hash", Value: contentHash},
		{Key: "time_out", Value: nil},
	}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "time_out", Value: timeOut}}}}
	if _, err := s.entries(queueID).UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("lock entry %s time_out for queue %s: %w", contentHash, queueID, err)
	}
	return nil
}

// ResolveMissing concludes tracked entries that are no longer on the page.
func (s *MongoStore) ResolveMissing(ctx context.Context, queueID string, presentHashes []string, at time.Time) error {
	absent := bson.D{{Key: "$nin", Value: hashArray(presentHashes)}}

	served := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: string(queue.StatusServed)},
		{Key: "implicitly", Value: true},
		{Key: "time_out", Value: at},
	}}}
	filter := bson.D{
		{Key: "status", Value: string(queue.StatusInProgress)},
		{Key: "content_hash", Value: absent},
	}
	if _, err := s.entries(queueID).UpdateMany(ctx, filter, served); err != nil {
		return fmt.Errorf("resolve vanished in-progress entries for queue %s: %w", queueID, err)
	}

	removed := bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: string(queue.StatusRemoved)},
		{Key: "time_out", Value: at},
	}}}
	filter = bson.D{
		{Key: "status", Value: string(queue.StatusWaiting)},
		{Key: "content_hash", Value: absent},
	}
	if _, err := s.entries(queueID).UpdateMany(ctx, filter, removed); err != nil {
		return fmt.Errorf("resolve vanished waiting entries for queue %s: %w", queueID, err)
	}
	return nil
}

// RecordEvent appends one open/close event.
func (s *MongoStore) RecordEvent(ctx context.Context, queueID string, event queue.EventType, at time.Time) error {
	doc := bson.D{
		{Key: "event", Value: string(event)},
		{Key: "timestamp", Value: at},
	}
	if _, err := s.events(queueID).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("record %s event for queue %s: %w", event, queueID, err)
	}
	return nil
}

// ClearDerived wipes the entries and events collections. Full history is the
// source of truth and is never touched.
func (s *MongoStore) ClearDerived(ctx context.Context, queueID string) error {
	if _, err := s.entries(queueID).DeleteMany(ctx, bson.D{}); err != nil {
		return fmt.Errorf("clear entries for queue %s: %w", queueID, err)
	}
	if _, err := s.events(queueID).DeleteMany(ctx, bson.D{}); err != nil {
		return fmt.Errorf("clear events for queue %s: %w", queueID, err)
	}
	return nil
}

// WalkHistory streams snapshots oldest first.
func (s *MongoStore) WalkHistory(ctx context.Context, queueID string, fn func(HistoryRecord) error) error {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cur, err := s.history(queueID).Find(ctx, bson.D{}, opts)
	if err != nil {
		return fmt.Errorf("walk history for queue %s: %w", queueID, err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var rec HistoryRecord
		if err := cur.Decode(&rec); err != nil {
			return fmt.Errorf("decode history record for queue %s: %w", queueID, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("history cursor for queue %s: %w", queueID, err)
	}
	return nil
}

// Ping verifies the server is still reachable.
func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongodb: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongodb: %w", err)
	}
	return nil
}

// Document builders. Field order is part of the storage contract: history
// dedup compares embedded documents field by field in order, so every writer
// must produce the same order the original documents used.

// historyDocument is the full stored snapshot.
func historyDocument(snap queue.Snapshot) bson.D {
	return bson.D{
		{Key: "state", Value: string(snap.State)},
		{Key: "entries", Value: entryArray(snap.Entries)},
		{Key: "chat", Value: chatArray(snap.Chat)},
		{Key: "servers", Value: serverArray(snap.Servers)},
		{Key: "timestamp", Value: snap.ScrapedAt},
		{Key: "scrape_id", Value: snap.ScrapeID},
	}
}

// historyContentFilter matches a stored snapshot with identical content,
// ignoring when and by which scrape it was recorded.
func historyContentFilter(snap queue.Snapshot) bson.D {
	return bson.D{
		{Key: "chat", Value: chatArray(snap.Chat)},
		{Key: "entries", Value: entryArray(snap.Entries)},
		{Key: "state", Value: string(snap.State)},
		{Key: "servers", Value: serverArray(snap.Servers)},
	}
}

// historyEntryDocument is an entry as embedded in full history. Unknown
// fields are stored as null rather than omitted.
func historyEntryDocument(e queue.Entry) bson.D {
	return bson.D{
		{Key: "id", Value: nullable(e.ID)},
		{Key: "name", Value: e.Name},
		{Key: "image_url", Value: e.ImageURL},
		{Key: "time_in", Value: e.TimeIn},
		{Key: "time_out", Value: e.TimeOut},
		{Key: "time_started", Value: e.TimeStarted},
		{Key: "server", Value: nullable(e.Server)},
		{Key: "status", Value: string(e.Status)},
		{Key: "questions", Value: questionArray(e.Questions)},
		{Key: "content_hash", Value: e.ContentHash()},
	}
}

// entryInsertDocument carries the insert-only fields of an entry document.
// Status and server are excluded: they belong to the $set half of the
// upsert. A null id is omitted entirely.
func entryInsertDocument(e queue.Entry, hash string) bson.D {
	doc := bson.D{}
	if e.ID != "" {
		doc = append(doc, bson.E{Key: "id", Value: e.ID})
	}
	return append(doc,
		bson.E{Key: "name", Value: e.Name},
		bson.E{Key: "image_url", Value: e.ImageURL},
		bson.E{Key: "time_in", Value: e.TimeIn},
		bson.E{Key: "time_out", Value: e.TimeOut},
		bson.E{Key: "time_started", Value: e.TimeStarted},
		bson.E{Key: "questions", Value: questionArray(e.Questions)},
		bson.E{Key: "content_hash", Value: hash},
	)
}

func entryArray(entries []queue.Entry) bson.A {
	arr := bson.A{}
	for _, e := range entries {
		arr = append(arr, historyEntryDocument(e))
	}
	return arr
}

func chatArray(msgs []queue.ChatMessage) bson.A {
	arr := bson.A{}
	for _, m := range msgs {
		arr = append(arr, bson.D{
			{Key: "name", Value: m.Name},
			{Key: "message", Value: m.Message},
			{Key: "timestamp", Value: m.Timestamp},
		})
	}
	return arr
}

func serverArray(servers []queue.Server) bson.A {
	arr := bson.A{}
	for _, sv := range servers {
		arr = append(arr, bson.D{
			{Key: "name", Value: sv.Name},
			{Key: "image_url", Value: sv.ImageURL},
		})
	}
	return arr
}

func questionArray(questions []queue.QA) bson.A {
	arr := bson.A{}
	for _, qa := range questions {
		arr = append(arr, bson.D{
			{Key: "question", Value: qa.Question},
			{Key: "answer", Value: qa.Answer},
		})
	}
	return arr
}

func hashArray(hashes []string) bson.A {
	arr := bson.A{}
	for _, h := range hashes {
		arr = append(arr, h)
	}
	return arr
}

// nullable maps the empty string to BSON null, matching how absent page
// fields have always been stored.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
