// Package progress fans out per-job progress, complete and error events to
// any number of subscribers without letting a slow one stall the publisher.
package progress

import (
	"sync"
)

type EventKind string

const (
	KindProgress EventKind = "progress"
	KindComplete EventKind = "complete"
	KindError    EventKind = "error"
)

type Event struct {
	Kind          EventKind `json:"type"`
	JobID         string    `json:"jobId"`
	Percent       float64   `json:"percent"`
	Phase         string    `json:"phase,omitempty"`
	Operation     string    `json:"currentOperation,omitempty"`
	TimeRemaining *float64  `json:"timeRemaining,omitempty"`
	OutputURL     string    `json:"outputUrl,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Terminal reports whether the event ends the job's stream.
func (e Event) Terminal() bool {
	return e.Kind == KindComplete || e.Kind == KindError
}

const DefaultBuffer = 32

// Subscription receives events for one job. C is closed once the job's
// stream ends or Close is called.
type Subscription struct {
	C     <-chan Event
	ch    chan Event
	hub   *Hub
	jobID string
	once  sync.Once
}

// Close unsubscribes. It is safe to call more than once and after the hub
// has already ended the stream.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s)
}

type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

func (h *Hub) Subscribe(jobID string) *Subscription {
	ch := make(chan Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, hub: h, jobID: jobID}

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*Subscription]struct{})
	}
	h.subs[jobID][sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Publish delivers ev to every subscriber of ev.JobID without blocking.
// A full buffer drops its oldest queued event to make room. Terminal events
// end the stream and release every subscription of that job.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[ev.JobID] {
		offer(sub.ch, ev)
	}
	if ev.Terminal() {
		h.closeJobLocked(ev.JobID)
	}
}

// CloseJob ends the stream of jobID without an event.
func (h *Hub) CloseJob(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeJobLocked(jobID)
}

// Subscribers counts the live subscriptions of jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

func (h *Hub) closeJobLocked(jobID string) {
	for sub := range h.subs[jobID] {
		sub.once.Do(func() { close(sub.ch) })
	}
	delete(h.subs, jobID)
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m := h.subs[sub.jobID]; m != nil {
		delete(m, sub)
		if len(m) == 0 {
			delete(h.subs, sub.jobID)
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}

func offer(ch chan Event, ev Event) {
	for {
		select {
		case ch <- ev:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
