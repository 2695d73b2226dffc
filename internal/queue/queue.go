// Package queue defines the domain model for a scraped QueueStatus queue:
// the point-in-time snapshot, its entries, chat messages, and on-duty servers.
//
// Field names in the bson tags are frozen. They match the documents earlier
// deployments wrote, and downstream dashboards read them directly.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// State reports whether a queue is accepting signups.
type State string

// Queue states as persisted in snapshot documents.
const (
	StateOpen   State = "open"
	StateClosed State = "closed"
)

// EntryStatus is the lifecycle state of a queue entry. Waiting, InProgress,
// and Served are observed on the page; Removed is derived when a waiting
// entry disappears between scrapes.
type EntryStatus string

// Entry lifecycle states. The only legal forward order is
// waiting -> in_progress -> served.
const (
	StatusWaiting    EntryStatus = "waiting"
	StatusInProgress EntryStatus = "in_progress"
	StatusServed     EntryStatus = "served"
	StatusRemoved    EntryStatus = "removed"
)

// EventType labels a recorded queue state transition.
type EventType string

// Queue transition events.
const (
	EventQueueOpen  EventType = "queue_open"
	EventQueueClose EventType = "queue_close"
)

// QA is one signup-form question and the answer the visitor typed.
type QA struct {
	Question string `bson:"question" json:"question"`
	Answer   string `bson:"answer" json:"answer"`
}

// Server is a staff member currently serving the queue.
type Server struct {
	Name     string `bson:"name" json:"name"`
	ImageURL string `bson:"image_url" json:"image_url"`
}

// ChatMessage is one message from the chat panel on the queue page.
type ChatMessage struct {
	Name      string    `bson:"name" json:"name"`
	Message   string    `bson:"message" json:"message"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// Entry is a single signup in the queue.
//
// The site exposes no stable identifier: ID appears only on the authenticated
// view and only until the entry completes. ContentHash is therefore the
// identity used to track an entry across scrapes.
type Entry struct {
	ID          string      `bson:"id,omitempty" json:"id,omitempty"`
	Name        string      `bson:"name" json:"name"`
	ImageURL    string      `bson:"image_url" json:"image_url"`
	TimeIn      time.Time   `bson:"time_in" json:"time_in"`
	TimeOut     *time.Time  `bson:"time_out" json:"time_out"`
	TimeStarted *time.Time  `bson:"time_started" json:"time_started"`
	Server      string      `bson:"server" json:"server"`
	Status      EntryStatus `bson:"status" json:"status"`
	Questions   []QA        `bson:"questions" json:"questions"`
}

// hashClockLayout renders the signup instant the way it is hashed: UTC wall
// clock only, zero-padded 12-hour. Changing it would re-key every entry ever
// persisted.
const hashClockLayout = "03:04 PM"

// ContentHash returns the hex SHA-256 of the entry name, each answer, and the
// UTC signup clock time. The signup page shows time at minute precision and
// no date, so the clock reading is all the identity the site gives us.
func (e Entry) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(e.Name))
	for _, qa := range e.Questions {
		h.Write([]byte(qa.Answer))
	}
	h.Write([]byte(e.TimeIn.UTC().Format(hashClockLayout)))
	return hex.EncodeToString(h.Sum(nil))
}

// Snapshot is one point-in-time observation of a queue. ScrapedAt and
// ScrapeID are stamped by the monitor just before the snapshot is persisted.
type Snapshot struct {
	QueueID   string        `json:"queue_id"`
	ScrapedAt time.Time     `json:"timestamp"`
	ScrapeID  string        `json:"scrape_id,omitempty"`
	State     State         `json:"state"`
	Entries   []Entry       `json:"entries"`
	Chat      []ChatMessage `json:"chat"`
	Servers   []Server      `json:"servers"`
}

// ContentHashes returns the hash of every entry, in page order.
func (s Snapshot) ContentHashes() []string {
	hashes := make([]string, 0, len(s.Entries))
	for _, e := range s.Entries {
		hashes = append(hashes, e.ContentHash())
	}
	return hashes
}
