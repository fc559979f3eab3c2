// Package recording persists a session's message log as JSONL so a finished
// run can be reviewed after its process and store are gone.
package recording

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/agentfold/warden/internal/msgstore"
)

// Recorder appends every store message to a JSONL file. Write errors are
// non-fatal: the recording is best effort and must never interrupt the
// running agent.
type Recorder struct {
	mu   sync.Mutex
	file *os.File
}

// Open creates (or truncates) the recording file at path.
func Open(path string) (*Recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	return &Recorder{file: f}, nil
}

// Attach subscribes the recorder to the store, replaying history already in
// it. Messages pushed while the replay is still running are held back so the
// file keeps the store's order. The returned function detaches.
func (r *Recorder) Attach(store *msgstore.Store) func() {
	var (
		mu        sync.Mutex
		replaying = true
		backlog   []msgstore.Message
	)
	hist, unsub := store.Attach(func(m msgstore.Message) {
		mu.Lock()
		if replaying {
			backlog = append(backlog, m)
			mu.Unlock()
			return
		}
		mu.Unlock()
		r.Record(m)
	})

	for _, m := range hist {
		r.Record(m)
	}
	for {
		mu.Lock()
		if len(backlog) == 0 {
			replaying = false
			mu.Unlock()
			return unsub
		}
		queued := backlog
		backlog = nil
		mu.Unlock()
		for _, m := range queued {
			r.Record(m)
		}
	}
}

// Record appends one message.
func (r *Recorder) Record(m msgstore.Message) {
	line, err := json.Marshal(m)
	if err != nil {
		return
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}
	_, _ = r.file.Write(line)
}

// Close flushes and closes the recording file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
}

// Load reads a recording back as messages, skipping unparseable lines.
func Load(path string) ([]msgstore.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var msgs []msgstore.Message
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == '\n' {
			line := data[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var m msgstore.Message
			if err := json.Unmarshal(line, &m); err != nil {
				continue
			}
			msgs = append(msgs, m)
		}
	}
	return msgs, nil
}
