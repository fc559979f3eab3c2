// Package debug writes the runtime's diagnostic trace when --debug is set.
//
// Lines are logfmt: a timestamp, the process identity, the emitting
// component, and the event with its context ids (handle_id, request_id,
// session ids) as key=value pairs. Every warden process in a session tree
// appends to the same file: the CLI opens it and child processes inherit its
// path through the environment, so one file holds the interleaved trace of
// the supervisor, the relay, and the agent wrappers.
//
// When debug is off every call is a no-op.
package debug

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// EnvEnabled toggles debug logging in child warden processes.
	EnvEnabled = "WARDEN_DEBUG_ENABLED"
	// EnvLogPath points child processes at the session's shared trace file.
	EnvLogPath = "WARDEN_DEBUG_LOG_PATH"
	// EnvProcess labels every line this process emits.
	EnvProcess = "WARDEN_DEBUG_PROCESS"
)

// sink is the open trace file plus the identity stamped on every line.
type sink struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	opened  time.Time
	pidProc string
}

var (
	activeMu sync.RWMutex
	active   *sink
)

// Init opens the trace file and installs the global sink. A fresh process
// creates a new file under ~/.warden/debug; a child process with EnvLogPath
// set appends to its parent's file instead. Returns the file path.
// Idempotent.
func Init() (string, error) {
	activeMu.RLock()
	if active != nil {
		p := active.path
		activeMu.RUnlock()
		return p, nil
	}
	activeMu.RUnlock()

	inherited := strings.TrimSpace(os.Getenv(EnvLogPath))
	path := inherited
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("debug: user home dir: %w", err)
		}
		path = filepath.Join(home, ".warden", "debug",
			fmt.Sprintf("trace_%s_%s.log", time.Now().Format("20060102T150405"), uuid.NewString()[:8]))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("debug: create dir %s: %w", filepath.Dir(path), err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("debug: open trace %s: %w", path, err)
	}

	s := &sink{
		file:    f,
		path:    path,
		opened:  time.Now(),
		pidProc: fmt.Sprintf("pid=%d proc=%s", os.Getpid(), quote(processLabel())),
	}
	marker := "trace opened"
	if inherited != "" {
		marker = "process attached"
	}
	fmt.Fprintf(f, "# %s t=%s %s\n", marker, s.opened.Format(time.RFC3339Nano), s.pidProc)

	activeMu.Lock()
	defer activeMu.Unlock()
	if active != nil {
		_ = f.Close()
		return active.path, nil
	}
	active = s
	return path, nil
}

// Close writes the closing marker and releases the sink. Safe to call when
// debug was never initialized.
func Close() {
	activeMu.Lock()
	s := active
	active = nil
	activeMu.Unlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.file, "# trace closed %s uptime=%s\n", s.pidProc, time.Since(s.opened).Truncate(time.Millisecond))
	_ = s.file.Close()
}

// Path returns the trace file path, or "" when debug is off.
func Path() string {
	activeMu.RLock()
	defer activeMu.RUnlock()
	if active == nil {
		return ""
	}
	return active.path
}

// ShouldEnableFromEnv reports whether an inherited environment asks this
// process to trace. An explicit EnvEnabled toggle wins; otherwise the
// presence of a trace path decides.
func ShouldEnableFromEnv() bool {
	path := strings.TrimSpace(os.Getenv(EnvLogPath))
	switch strings.TrimSpace(strings.ToLower(os.Getenv(EnvEnabled))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return path != ""
	}
}

// PropagatedEnv overlays the debug variables on baseEnv so a child process
// joins this process's trace. When debug is off baseEnv is returned
// unchanged.
func PropagatedEnv(baseEnv []string, process string) []string {
	path := Path()
	if path == "" {
		return baseEnv
	}
	env := append([]string(nil), baseEnv...)
	env = setEnv(env, EnvEnabled, "1")
	env = setEnv(env, EnvLogPath, path)
	if strings.TrimSpace(process) != "" {
		env = setEnv(env, EnvProcess, process)
	}
	return env
}

// Log emits one trace line with no extra context.
func Log(component, event string) {
	LogKV(component, event)
}

// LogKV emits one trace line with key=value context pairs.
// Usage: debug.LogKV("harness", "spawned agent", "handle_id", h.ID, "pid", pid)
func LogKV(component, event string, kvs ...any) {
	activeMu.RLock()
	s := active
	activeMu.RUnlock()
	if s == nil {
		return
	}

	var b strings.Builder
	b.WriteString("t=")
	b.WriteString(time.Now().Format("15:04:05.000000"))
	b.WriteByte(' ')
	b.WriteString(s.pidProc)
	b.WriteString(" comp=")
	b.WriteString(component)
	b.WriteString(" evt=")
	b.WriteString(quote(event))
	for i := 0; i+1 < len(kvs); i += 2 {
		b.WriteByte(' ')
		b.WriteString(fmt.Sprint(kvs[i]))
		b.WriteByte('=')
		b.WriteString(quote(fmt.Sprint(kvs[i+1])))
	}
	b.WriteByte('\n')

	s.mu.Lock()
	s.file.WriteString(b.String())
	s.mu.Unlock()
}

// quote wraps a value in quotes when it would break logfmt tokenization.
func quote(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\"=\n") {
		return strconv.Quote(v)
	}
	return v
}

// processLabel identifies this process in the shared trace: the binary name
// plus its subcommand, or an explicit label inherited from the parent.
func processLabel() string {
	if p := strings.TrimSpace(os.Getenv(EnvProcess)); p != "" {
		return p
	}
	label := filepath.Base(os.Args[0])
	for _, arg := range os.Args[1:] {
		arg = strings.TrimSpace(arg)
		if arg != "" && !strings.HasPrefix(arg, "-") {
			return label + ":" + arg
		}
	}
	return label
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i := range env {
		if strings.HasPrefix(env[i], prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
