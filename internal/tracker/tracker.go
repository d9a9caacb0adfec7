// Package tracker keeps the client-side view of the server: one record per
// stored or in-flight file plus the connection state, with change events
// fanned out to subscribers.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloudbox/internal/client"
)

type Status string

const (
	StatusStored      Status = "stored"
	StatusUploading   Status = "uploading"
	StatusDownloading Status = "downloading"
	StatusDone        Status = "done"
	StatusFailed      Status = "failed"
)

// Record is what a front end shows for one file.
type Record struct {
	Path     string
	Name     string
	SizeText string
	Icon     string
	Size     int64
	Status   Status
	Progress int // 0-100
}

func newRecord(p string, size int64, status Status, progress int) Record {
	name := DisplayName(p)
	return Record{
		Path:     p,
		Name:     name,
		SizeText: FormatSize(size),
		Icon:     IconFor(name),
		Size:     size,
		Status:   status,
		Progress: progress,
	}
}

type State struct {
	Connected bool
	Reason    string // why the last disconnect happened
}

type EventKind int

const (
	EventRecords EventKind = iota // full listing replaced
	EventRecord                   // one record changed
	EventState                    // connection state changed
)

type Event struct {
	Kind    EventKind
	Record  Record
	Records []Record
	State   State
}

const subscriberBuffer = 64

type Tracker struct {
	mu      sync.RWMutex
	records []Record
	state   State
	subs    map[chan Event]struct{}
}

func New() *Tracker {
	return &Tracker{subs: make(map[chan Event]struct{})}
}

// Subscribe returns a channel of future changes. Events are dropped for a
// subscriber whose buffer is full.
func (t *Tracker) Subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	t.mu.Lock()
	t.subs[ch] = struct{}{}
	t.mu.Unlock()
	return ch
}

func (t *Tracker) Unsubscribe(ch chan Event) {
	t.mu.Lock()
	if _, ok := t.subs[ch]; ok {
		delete(t.subs, ch)
		close(ch)
	}
	t.mu.Unlock()
}

// publish must be called with t.mu held.
func (t *Tracker) publish(ev Event) {
	for ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (t *Tracker) Records() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, len(t.records))
	copy(out, t.records)
	return out
}

func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Replace swaps in a fresh listing.
func (t *Tracker) Replace(files []client.File) {
	recs := make([]Record, 0, len(files))
	for _, f := range files {
		recs = append(recs, newRecord(f.Path, f.Size, StatusStored, 100))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = recs
	snapshot := make([]Record, len(recs))
	copy(snapshot, recs)
	t.publish(Event{Kind: EventRecords, Records: snapshot})
}

// Clear drops every record, e.g. after a disconnect.
func (t *Tracker) Clear() {
	t.Replace(nil)
}

// Begin adds or resets the record for a transfer that is starting.
func (t *Tracker) Begin(p string, size int64, status Status) {
	t.update(p, func(r *Record) {
		*r = newRecord(p, size, status, 0)
	})
}

// Progress records done of total bytes. Events are only sent when the
// whole percentage moves.
func (t *Tracker) Progress(p string, done, total int64) {
	pct := client.Percent(done, total)
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.index(p)
	if i < 0 || t.records[i].Progress == pct {
		return
	}
	t.records[i].Progress = pct
	t.publish(Event{Kind: EventRecord, Record: t.records[i]})
}

// Finish marks the transfer for p as done or failed.
func (t *Tracker) Finish(p string, err error) {
	t.update(p, func(r *Record) {
		if err != nil {
			r.Status = StatusFailed
			return
		}
		r.Status = StatusDone
		r.Progress = 100
	})
}

func (t *Tracker) update(p string, fn func(*Record)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.index(p)
	if i < 0 {
		t.records = append(t.records, newRecord(p, 0, StatusStored, 0))
		i = len(t.records) - 1
	}
	fn(&t.records[i])
	t.publish(Event{Kind: EventRecord, Record: t.records[i]})
}

func (t *Tracker) index(p string) int {
	for i := range t.records {
		if t.records[i].Path == p {
			return i
		}
	}
	return -1
}

// SetConnected moves the connection state, notifying only on change.
func (t *Tracker) SetConnected(connected bool, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if connected {
		reason = ""
	}
	next := State{Connected: connected, Reason: reason}
	if t.state == next {
		return
	}
	t.state = next
	t.publish(Event{Kind: EventState, State: next})
}

// Observe feeds the outcome of a client operation into the connection
// state. Losing the server in any operation is a single disconnect; a
// caller cancelling its own operation is not.
func (t *Tracker) Observe(op string, err error) {
	if err == nil || !errors.Is(err, client.ErrConnectionLost) || errors.Is(err, context.Canceled) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Connected {
		return
	}
	t.state = State{Reason: fmt.Sprintf("server lost during %s", op)}
	t.publish(Event{Kind: EventState, State: t.state})
}
