package scraper

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"queuewatch/internal/queue"
)

// Selectors for the queue page. The site is server-rendered Rails; these
// mirror the deployed markup and are the first thing to check when scrapes
// start failing with parse errors.
const (
	selServers    = "div.active-server-container div.server-headshot-container"
	selChat       = "#chat-messages div"
	selSignup     = `a[data-target="#queue_signup"]`
	selEntry      = "div.queue-block"
	selSignupTime = `div[title="Signup time"]`
	selServedTime = `div[title="Served time"]`
	selQuestions  = "div.menu-selections"
	selEntryID    = "[data-queue_entry_id]"
)

// Clock layouts the site renders. Go's reference-time matching is case
// sensitive for the meridiem and the site mixes "PM" with "pm".
var (
	clockLayouts = []string{"3:04 PM", "3:04 pm"}
	chatLayouts  = []string{"Jan 2, 3:04 PM", "Jan 2, 3:04 pm"}
)

// ParseQueuePage turns one queue page into a snapshot. ref anchors the
// dateless clock times the page shows; loc is the zone the site renders
// them in. An empty page is a valid closed, empty queue; a page whose time
// fields cannot be read is an error.
func ParseQueuePage(r io.Reader, queueID string, ref time.Time, loc *time.Location) (queue.Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return queue.Snapshot{}, fmt.Errorf("parse html: %w", err)
	}

	snap := queue.Snapshot{
		QueueID: queueID,
		State:   queue.StateClosed,
		Entries: []queue.Entry{},
		Chat:    []queue.ChatMessage{},
		Servers: []queue.Server{},
	}

	doc.Find(selServers).Each(func(_ int, sel *goquery.Selection) {
		snap.Servers = append(snap.Servers, queue.Server{
			Name:     strings.TrimSpace(sel.Find("span").First().Text()),
			ImageURL: strings.TrimSpace(sel.Find("img").First().AttrOr("src", "")),
		})
	})

	chat, err := parseChat(doc, ref, loc)
	if err != nil {
		return queue.Snapshot{}, err
	}
	snap.Chat = chat

	// The signup link only renders while the queue accepts signups.
	if doc.Find(selSignup).Length() > 0 {
		snap.State = queue.StateOpen
	}

	var entryErr error
	doc.Find(selEntry).EachWithBreak(func(i int, block *goquery.Selection) bool {
		entry, err := parseEntry(block, ref, loc)
		if err != nil {
			entryErr = fmt.Errorf("queue block %d: %w", i, err)
			return false
		}
		snap.Entries = append(snap.Entries, entry)
		return true
	})
	if entryErr != nil {
		return queue.Snapshot{}, entryErr
	}
	return snap, nil
}

// parseChat reads the chat panel. Messages render as flat div triples:
// sender, timestamp, text. A trailing partial triple is ignored.
func parseChat(doc *goquery.Document, ref time.Time, loc *time.Location) ([]queue.ChatMessage, error) {
	divs := doc.Find(selChat)
	msgs := make([]queue.ChatMessage, 0, divs.Length()/3)
	for i := 0; i+2 < divs.Length(); i += 3 {
		ts, err := chatTimestamp(divs.Eq(i+1).Text(), ref, loc)
		if err != nil {
			return nil, fmt.Errorf("chat message %d: %w", i/3, err)
		}
		msgs = append(msgs, queue.ChatMessage{
			Name:      strings.TrimSpace(divs.Eq(i).Text()),
			Timestamp: ts,
			Message:   strings.TrimSpace(divs.Eq(i+2).Text()),
		})
	}
	return msgs, nil
}

func parseEntry(block *goquery.Selection, ref time.Time, loc *time.Location) (queue.Entry, error) {
	name := strings.TrimSpace(block.Find("div.name").First().Text())
	if name == "" {
		return queue.Entry{}, fmt.Errorf("missing name")
	}

	clock, err := parseClock(block.Find(selSignupTime).First().Text(), clockLayouts)
	if err != nil {
		return queue.Entry{}, fmt.Errorf("signup time: %w", err)
	}

	entry := queue.Entry{
		ID:        strings.TrimSpace(block.Find(selEntryID).First().AttrOr("data-queue_entry_id", "")),
		Name:      name,
		ImageURL:  strings.TrimSpace(block.Find("img").First().AttrOr("src", "")),
		TimeIn:    onDate(clock, ref, loc).UTC(),
		Status:    queue.StatusWaiting,
		Questions: parseQuestions(block),
	}

	switch {
	case block.Find(".in-process-block").Length() > 0:
		entry.Status = queue.StatusInProgress
	case block.Find(".served-block").Length() > 0:
		entry.Status = queue.StatusServed
		servedClock, err := parseClock(block.Find(selServedTime).First().Text(), clockLayouts)
		if err != nil {
			return queue.Entry{}, fmt.Errorf("served time: %w", err)
		}
		out := onDate(servedClock, ref, loc).UTC()
		entry.TimeOut = &out
	}
	if entry.Status != queue.StatusWaiting {
		entry.Server = serverName(block)
	}
	return entry, nil
}

// parseQuestions reads the signup answers. Each child renders as
// "<b>Question:</b> answer".
func parseQuestions(block *goquery.Selection) []queue.QA {
	questions := []queue.QA{}
	block.Find(selQuestions).First().Children().Each(func(_ int, qa *goquery.Selection) {
		label := qa.Find("b").First().Text()
		if label == "" {
			return
		}
		questions = append(questions, queue.QA{
			Question: strings.TrimSpace(strings.TrimSuffix(label, ":")),
			Answer:   strings.TrimSpace(strings.TrimPrefix(qa.Text(), label)),
		})
	})
	return questions
}

// serverName reads the text after the "Server:" label. The name is a bare
// text node, not wrapped in an element, so this drops to the node level.
func serverName(block *goquery.Selection) string {
	var name string
	block.Find("b").EachWithBreak(func(_ int, b *goquery.Selection) bool {
		if strings.TrimSpace(b.Text()) != "Server:" {
			return true
		}
		for node := b.Get(0).NextSibling; node != nil; node = node.NextSibling {
			if node.Type == html.TextNode {
				if text := strings.TrimSpace(node.Data); text != "" {
					name = text
					break
				}
				continue
			}
			break
		}
		return false
	})
	return name
}

func parseClock(raw string, layouts []string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized clock time %q", raw)
}

// onDate pins a bare clock reading to ref's date in loc. A reading later
// than ref's own wall clock must have happened yesterday: the page never
// shows future times.
func onDate(clock time.Time, ref time.Time, loc *time.Location) time.Time {
	local := ref.In(loc)
	t := time.Date(local.Year(), local.Month(), local.Day(), clock.Hour(), clock.Minute(), 0, 0, loc)
	if clock.Hour() > local.Hour() || (clock.Hour() == local.Hour() && clock.Minute() > local.Minute()) {
		t = t.AddDate(0, 0, -1)
	}
	return t
}

// chatTimestamp parses "Mar 1, 2:41 PM". The page omits the year; use ref's,
// stepping back one year when that lands in the future, as with a December
// message read in January.
func chatTimestamp(raw string, ref time.Time, loc *time.Location) (time.Time, error) {
	t, err := parseClock(raw, chatLayouts)
	if err != nil {
		return time.Time{}, err
	}
	local := ref.In(loc)
	ts := time.Date(local.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc)
	if ts.After(local) {
		ts = ts.AddDate(-1, 0, 0)
	}
	return ts.UTC(), nil
}
