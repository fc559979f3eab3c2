package msgstore

import (
	"context"
	"strings"
	"sync"
)

// Stream returns a channel that replays the retained history and then
// follows live pushes. The channel is closed after the finished message has
// been delivered, or when ctx is done. The sequence is not restartable;
// call Stream again for a fresh replay.
func (s *Store) Stream(ctx context.Context) <-chan Message {
	out := make(chan Message, 64)

	var (
		mu      sync.Mutex
		pending []Message
	)
	wake := make(chan struct{}, 1)

	hist, unsub := s.Attach(func(m Message) {
		mu.Lock()
		pending = append(pending, m)
		mu.Unlock()
		select {
		case wake <- struct{}{}:
		default:
		}
	})

	go func() {
		defer close(out)
		defer unsub()

		send := func(m Message) bool {
			select {
			case out <- m:
			case <-ctx.Done():
				return false
			}
			return m.Kind != KindFinished
		}

		for _, m := range hist {
			if !send(m) {
				return
			}
		}
		for {
			mu.Lock()
			batch := pending
			pending = nil
			mu.Unlock()

			for _, m := range batch {
				if !send(m) {
					return
				}
			}

			select {
			case <-wake:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// FilterKind returns a history-plus-live channel restricted to one message
// kind. It terminates when the underlying stream does.
func (s *Store) FilterKind(ctx context.Context, kind Kind) <-chan Message {
	out := make(chan Message, 64)
	go func() {
		defer close(out)
		for m := range s.Stream(ctx) {
			if m.Kind != kind {
				continue
			}
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Patches returns the structured-update projection of the log.
func (s *Store) Patches(ctx context.Context) <-chan Message {
	return s.FilterKind(ctx, KindPatch)
}

// StdoutLines returns the stdout projection assembled into whole lines.
// Fragments are buffered until a newline arrives; any trailing partial line
// is flushed when the stream ends.
func (s *Store) StdoutLines(ctx context.Context) <-chan string {
	return s.lines(ctx, KindStdout)
}

// StderrLines returns the stderr projection assembled into whole lines.
func (s *Store) StderrLines(ctx context.Context) <-chan string {
	return s.lines(ctx, KindStderr)
}

func (s *Store) lines(ctx context.Context, kind Kind) <-chan string {
	out := make(chan string, 64)
	go func() {
		defer close(out)

		var partial strings.Builder
		emit := func(line string) bool {
			select {
			case out <- line:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for m := range s.Stream(ctx) {
			if m.Kind != kind {
				continue
			}
			rest := m.Text
			for {
				idx := strings.IndexByte(rest, '\n')
				if idx < 0 {
					partial.WriteString(rest)
					break
				}
				partial.WriteString(rest[:idx])
				if !emit(partial.String()) {
					return
				}
				partial.Reset()
				rest = rest[idx+1:]
			}
		}

		if partial.Len() > 0 {
			emit(partial.String())
		}
	}()
	return out
}
