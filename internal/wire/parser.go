package wire

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// maxLineSize caps a single agent event. Assistant deltas arrive in small
// pieces, but a result event can embed full tool output.
const maxLineSize = 1024 * 1024

// Parse reads the agent's NDJSON stream and sends one RawEvent per line on
// the returned channel. Lines that are not valid JSON are still forwarded
// with Err set and the raw bytes intact, so unstructured diagnostics are
// never dropped; a scanner failure is forwarded as a final event with Err
// set and no raw bytes. The channel closes at EOF or when ctx is done.
func Parse(ctx context.Context, r io.Reader) <-chan RawEvent {
	out := make(chan RawEvent, 64)
	go func() {
		defer close(out)

		emit := func(ev RawEvent) bool {
			if ctx.Err() != nil {
				return false
			}
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		lineNo := 0
		for sc.Scan() {
			lineNo++
			line := bytes.TrimRight(sc.Bytes(), "\r")
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			// The scanner reuses its buffer; events outlive the next Scan.
			ev := RawEvent{Raw: append([]byte(nil), line...)}
			if err := json.Unmarshal(ev.Raw, &ev.Parsed); err != nil {
				ev.Parsed = Event{}
				ev.Err = fmt.Errorf("agent stream line %d: %w", lineNo, err)
			}
			if !emit(ev) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			emit(RawEvent{Err: fmt.Errorf("reading agent stream after line %d: %w", lineNo, err)})
		}
	}()
	return out
}
