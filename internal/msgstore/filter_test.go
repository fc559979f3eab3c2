package msgstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan Message) []Message {
	t.Helper()
	var out []Message
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, m)
		case <-timeout:
			t.Fatal("timed out collecting stream")
		}
	}
}

func TestStreamReplaysHistoryThenLive(t *testing.T) {
	s := New(0)
	s.PushStdout("h1")
	s.PushStdout("h2")

	ch := s.Stream(context.Background())

	// Live pushes interleave with replay; ordering must hold regardless.
	go func() {
		s.PushStdout("l1")
		s.PushFinished()
	}()

	msgs := collect(t, ch)
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	want := []string{"h1", "h2", "l1"}
	for i, text := range want {
		if msgs[i].Text != text {
			t.Errorf("message %d = %q, want %q", i, msgs[i].Text, text)
		}
	}
	if msgs[3].Kind != KindFinished {
		t.Error("stream did not end with the finished marker")
	}
}

func TestStreamClosesAfterFinished(t *testing.T) {
	s := New(0)
	s.PushFinished()

	ch := s.Stream(context.Background())
	msgs := collect(t, ch)
	if len(msgs) != 1 || msgs[0].Kind != KindFinished {
		t.Fatalf("got %+v, want just the finished marker", msgs)
	}
}

func TestStreamContextCancel(t *testing.T) {
	s := New(0)
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Stream(ctx)
	cancel()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("stream did not close on context cancel")
		}
	}
}

func TestFilterKind(t *testing.T) {
	s := New(0)
	s.PushStdout("noise")
	s.PushPatch(json.RawMessage(`{"type":"a"}`))
	s.PushStderr("more noise")
	s.PushPatch(json.RawMessage(`{"type":"b"}`))
	s.PushFinished()

	msgs := collect(t, s.Patches(context.Background()))
	if len(msgs) != 2 {
		t.Fatalf("got %d patches, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.Kind != KindPatch {
			t.Errorf("kind = %q, want patch", m.Kind)
		}
	}
}

func TestStdoutLinesAssemblesFragments(t *testing.T) {
	s := New(0)
	s.PushStdout("par")
	s.PushStdout("tial line\nsecond")
	s.PushStdout(" line\ntrailing")
	s.PushFinished()

	ch := s.StdoutLines(context.Background())
	var lines []string
	timeout := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				want := []string{"partial line", "second line", "trailing"}
				if len(lines) != len(want) {
					t.Fatalf("got %d lines %v, want %v", len(lines), lines, want)
				}
				for i := range want {
					if lines[i] != want[i] {
						t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
					}
				}
				return
			}
			lines = append(lines, line)
		case <-timeout:
			t.Fatal("timed out reading lines")
		}
	}
}

func TestStderrLinesIgnoresStdout(t *testing.T) {
	s := New(0)
	s.PushStdout("out\n")
	s.PushStderr("err\n")
	s.PushFinished()

	ch := s.StderrLines(context.Background())
	var lines []string
	for line := range ch {
		lines = append(lines, line)
	}
	if len(lines) != 1 || lines[0] != "err" {
		t.Fatalf("got %v, want [err]", lines)
	}
}
