// Package session is the on-disk catalog of supervised agent runs. Each run
// gets a directory under ~/.warden/sessions/<id>/ holding its metadata, its
// relay socket, and its recording.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"
)

const (
	// Session lifecycle statuses stored in Meta.Status.
	StatusStarting  = "starting"
	StatusRunning   = "running"
	StatusDone      = "done"
	StatusCancelled = "cancelled"
	StatusError     = "error"
	StatusDead      = "dead"
)

// Meta describes a running or completed supervised run.
type Meta struct {
	ID             int       `json:"id"`
	Agent          string    `json:"agent"`
	Command        string    `json:"command"`
	Args           []string  `json:"args,omitempty"`
	WorkDir        string    `json:"work_dir"`
	PID            int       `json:"pid"`
	Status         string    `json:"status"` // one of the Status* constants
	StartedAt      time.Time `json:"started_at"`
	EndedAt        time.Time `json:"ended_at,omitempty"`
	Error          string    `json:"error,omitempty"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
}

// IsActiveStatus returns whether a status represents a live run.
func IsActiveStatus(status string) bool {
	return status == StatusStarting || status == StatusRunning
}

// Dir returns the global sessions directory (~/.warden/sessions/), creating
// it if needed.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dir := filepath.Join(home, ".warden", "sessions")
	os.MkdirAll(dir, 0755)
	return dir
}

// SessionDir returns the directory for a specific session.
func SessionDir(id int) string {
	return filepath.Join(Dir(), fmt.Sprintf("%d", id))
}

// SocketPath returns the Unix socket path for a session's relay.
func SocketPath(id int) string {
	return filepath.Join(SessionDir(id), "sock")
}

// MetaPath returns the metadata JSON path for a session.
func MetaPath(id int) string {
	return filepath.Join(SessionDir(id), "meta.json")
}

// RecordingPath returns the message recording JSONL path for a session.
func RecordingPath(id int) string {
	return filepath.Join(SessionDir(id), "messages.jsonl")
}

// nextID returns the next available session ID.
func nextID() int {
	dir := Dir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 1
	}
	maxID := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id, err := strconv.Atoi(e.Name()); err == nil && id > maxID {
			maxID = id
		}
	}
	return maxID + 1
}

// Create allocates a new session ID, writes the initial metadata to disk,
// and returns the ID.
func Create(meta Meta) (int, error) {
	const maxAttempts = 256

	var (
		id      int
		created bool
	)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		id = nextID()
		if err := os.Mkdir(SessionDir(id), 0755); err != nil {
			if os.IsExist(err) {
				continue
			}
			return 0, fmt.Errorf("creating session dir: %w", err)
		}
		created = true
		break
	}
	if !created {
		return 0, fmt.Errorf("allocating session id: too much contention")
	}

	meta.ID = id
	if meta.Status == "" {
		meta.Status = StatusStarting
	}
	if meta.StartedAt.IsZero() {
		meta.StartedAt = time.Now().UTC()
	}
	return id, SaveMeta(id, &meta)
}

// SaveMeta writes session metadata to disk.
func SaveMeta(id int, meta *Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(MetaPath(id), data, 0644)
}

// LoadMeta reads session metadata from disk.
func LoadMeta(id int) (*Meta, error) {
	data, err := os.ReadFile(MetaPath(id))
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// List returns all sessions, sorted by ID descending (newest first). Active
// sessions whose PID is gone are marked as StatusDead and saved back.
func List() ([]Meta, error) {
	dir := Dir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var sessions []Meta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sessionID, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}

		meta, err := LoadMeta(sessionID)
		if err != nil {
			continue
		}
		if meta.ID == 0 {
			meta.ID = sessionID
		}

		if IsActiveStatus(meta.Status) && !isProcessAlive(meta.PID) {
			meta.Status = StatusDead
			meta.EndedAt = time.Now().UTC()
			meta.Error = "supervisor process died unexpectedly"
			_ = SaveMeta(meta.ID, meta)
		}

		sessions = append(sessions, *meta)
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID > sessions[j].ID })
	return sessions, nil
}

// MarkEnded records a terminal status and end time for a session.
func MarkEnded(id int, status, errMsg string) error {
	meta, err := LoadMeta(id)
	if err != nil {
		return err
	}
	meta.Status = status
	meta.EndedAt = time.Now().UTC()
	meta.Error = errMsg
	return SaveMeta(id, meta)
}

// Remove deletes a session directory. Active sessions are refused.
func Remove(id int) error {
	meta, err := LoadMeta(id)
	if err == nil && IsActiveStatus(meta.Status) && isProcessAlive(meta.PID) {
		return fmt.Errorf("session %d is still running", id)
	}
	return os.RemoveAll(SessionDir(id))
}

// CleanupOld removes finished session directories older than maxAge.
func CleanupOld(maxAge time.Duration) int {
	sessions, err := List()
	if err != nil {
		return 0
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	for _, meta := range sessions {
		if IsActiveStatus(meta.Status) {
			continue
		}
		ref := meta.EndedAt
		if ref.IsZero() {
			ref = meta.StartedAt
		}
		if ref.Before(cutoff) {
			if os.RemoveAll(SessionDir(meta.ID)) == nil {
				removed++
			}
		}
	}
	return removed
}

// isProcessAlive probes a PID with signal 0.
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
