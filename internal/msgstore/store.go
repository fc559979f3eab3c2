// Package msgstore provides the in-memory output log for one supervised
// agent process: a single producer appends messages, any number of consumers
// subscribe for live delivery or replay bounded history. The history buffer
// is capped by an approximate byte budget; the oldest entries are evicted
// first when a push would exceed it.
package msgstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Kind classifies a stored message.
type Kind string

const (
	KindStdout    Kind = "stdout"
	KindStderr    Kind = "stderr"
	KindPatch     Kind = "patch" // structured incremental update (parsed agent event)
	KindSessionID Kind = "session_id"
	KindReady     Kind = "ready"
	KindFinished  Kind = "finished"
)

// DefaultBudget is the history byte budget used when none is configured.
const DefaultBudget = 100 << 20 // 100 MB

// markerCost is the fixed approximate size charged for control markers
// (ready, finished, session_id) that carry little or no payload.
const markerCost = 16

// Message is one unit stored in the log. Consumers receive copies; the
// store never hands out its internal buffer.
type Message struct {
	Kind      Kind            `json:"kind"`
	Text      string          `json:"text,omitempty"`
	Patch     json.RawMessage `json:"patch,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Time      time.Time       `json:"time"`
}

// cost estimates the in-memory size of a message. Text is charged at two
// bytes per character, patches at their serialized size, markers at a small
// fixed cost. The estimate only needs to be stable and conservative.
func cost(m Message) int {
	switch m.Kind {
	case KindStdout, KindStderr:
		return 2*len(m.Text) + markerCost
	case KindPatch:
		return len(m.Patch) + markerCost
	default:
		return markerCost + 2*len(m.SessionID)
	}
}

type entry struct {
	msg  Message
	cost int
}

// Store is a single-producer, multi-consumer bounded message log.
type Store struct {
	mu        sync.Mutex
	budget    int
	entries   []entry
	bytes     int
	finished  bool
	finishCh  chan struct{}
	subs      map[int]func(Message)
	nextSubID int
}

// New creates a store with the given history byte budget. A non-positive
// budget selects DefaultBudget.
func New(budget int) *Store {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Store{
		budget:   budget,
		finishCh: make(chan struct{}),
		subs:     make(map[int]func(Message)),
	}
}

// Push appends a message to the history and delivers it to every current
// subscriber in subscription order. It returns false without side effects if
// the store has already seen a finished message.
func (s *Store) Push(msg Message) bool {
	if msg.Time.IsZero() {
		msg.Time = time.Now().UTC()
	}

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return false
	}

	c := cost(msg)
	for s.bytes+c > s.budget && len(s.entries) > 0 {
		s.bytes -= s.entries[0].cost
		s.entries = s.entries[1:]
	}
	s.entries = append(s.entries, entry{msg: msg, cost: c})
	s.bytes += c

	if msg.Kind == KindFinished {
		s.finished = true
		close(s.finishCh)
	}

	subs := s.orderedSubsLocked()
	s.mu.Unlock()

	// Deliver outside the lock so callbacks may call back into the store.
	// There is a single producer, so per-subscriber ordering is preserved.
	for _, fn := range subs {
		fn(msg)
	}
	return true
}

// PushStdout appends a raw stdout fragment.
func (s *Store) PushStdout(text string) bool {
	return s.Push(Message{Kind: KindStdout, Text: text})
}

// PushStderr appends a raw stderr fragment.
func (s *Store) PushStderr(text string) bool {
	return s.Push(Message{Kind: KindStderr, Text: text})
}

// PushPatch appends a structured agent event in its serialized form.
func (s *Store) PushPatch(raw json.RawMessage) bool {
	cp := make(json.RawMessage, len(raw))
	copy(cp, raw)
	return s.Push(Message{Kind: KindPatch, Patch: cp})
}

// PushSessionID records the agent-assigned session identifier.
func (s *Store) PushSessionID(id string) bool {
	return s.Push(Message{Kind: KindSessionID, SessionID: id})
}

// PushReady records that the agent reported readiness.
func (s *Store) PushReady() bool {
	return s.Push(Message{Kind: KindReady})
}

// PushFinished marks the log as terminated. No message is accepted after it.
func (s *Store) PushFinished() bool {
	return s.Push(Message{Kind: KindFinished})
}

// Subscribe registers fn for live delivery of every subsequent push and
// returns an unsubscribe function. Subscribers that also need history should
// use Attach or Stream instead.
func (s *Store) Subscribe(fn func(Message)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeLocked(fn)
}

// Attach atomically snapshots the current history and registers fn for every
// later push, so the caller observes each message exactly once: either in
// the returned history or through fn. The second return value unsubscribes.
func (s *Store) Attach(fn func(Message)) ([]Message, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := make([]Message, len(s.entries))
	for i, e := range s.entries {
		hist[i] = e.msg
	}
	return hist, s.subscribeLocked(fn)
}

func (s *Store) subscribeLocked(fn func(Message)) func() {
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// orderedSubsLocked returns subscriber callbacks in registration order.
func (s *Store) orderedSubsLocked() []func(Message) {
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	// Insertion sort: the subscriber count is small.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	fns := make([]func(Message), len(ids))
	for i, id := range ids {
		fns[i] = s.subs[id]
	}
	return fns
}

// History returns a copy of the retained messages, oldest first.
func (s *Store) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := make([]Message, len(s.entries))
	for i, e := range s.entries {
		hist[i] = e.msg
	}
	return hist
}

// HistoryBytes returns the approximate byte size of the retained history.
func (s *Store) HistoryBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Finished reports whether a finished message has been pushed.
func (s *Store) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// WaitForFinish blocks until the store is finished or ctx is done.
func (s *Store) WaitForFinish(ctx context.Context) error {
	s.mu.Lock()
	ch := s.finishCh
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clear resets history and the finished flag but keeps subscriptions.
// Used when a session is reused for a new turn.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.bytes = 0
	if s.finished {
		s.finished = false
		s.finishCh = make(chan struct{})
	}
}

// Dispose clears the store and drops all subscriptions.
func (s *Store) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.bytes = 0
	s.subs = make(map[int]func(Message))
	if !s.finished {
		s.finished = true
		close(s.finishCh)
	}
}
