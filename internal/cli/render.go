package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/agentfold/warden/internal/msgstore"
	"github.com/agentfold/warden/internal/wire"
)

// renderer formats store messages for terminal output. Structured agent
// events are rendered per block; raw stdout/stderr passes through dimmed.
type renderer struct {
	w  io.Writer
	mu sync.Mutex

	needNewline bool
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w}
}

// Handle formats and writes a single store message.
func (r *renderer) Handle(m msgstore.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch m.Kind {
	case msgstore.KindStdout:
		r.finishLine()
		fmt.Fprint(r.w, m.Text)
	case msgstore.KindStderr:
		r.finishLine()
		fmt.Fprintf(r.w, "%s%s%s", colorDim, m.Text, colorReset)
	case msgstore.KindPatch:
		var ev wire.Event
		if err := json.Unmarshal(m.Patch, &ev); err == nil && ev.Type != "" {
			r.handleEvent(ev)
		}
	case msgstore.KindSessionID:
		r.finishLine()
		fmt.Fprintf(r.w, "%s[session]%s %s\n", colorDim, colorReset, m.SessionID)
	case msgstore.KindFinished:
		r.finishLine()
	}
}

func (r *renderer) handleEvent(ev wire.Event) {
	switch ev.Type {
	case "assistant":
		r.finishLine()
		if ev.Message == nil {
			return
		}
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "text":
				fmt.Fprintf(r.w, "%s[text]%s %s\n", styleBoldCyan, colorReset, truncate(block.Text, 500))
			case "tool_use":
				fmt.Fprintf(r.w, "%s[tool:%s]%s %s\n", styleBoldYellow, block.Name, colorReset, truncate(string(block.Input), 100))
			case "thinking":
				fmt.Fprintf(r.w, "%s[thinking]%s %s\n", colorDim, colorReset, truncate(compactWhitespace(block.Text), 200))
			}
		}

	case "content_block_start":
		r.finishLine()
		if ev.ContentBlock == nil {
			return
		}
		switch ev.ContentBlock.Type {
		case "text":
			fmt.Fprintf(r.w, "%s[text]%s ", styleBoldCyan, colorReset)
			r.needNewline = true
		case "tool_use":
			fmt.Fprintf(r.w, "%s[tool:%s]%s ", styleBoldYellow, ev.ContentBlock.Name, colorReset)
			r.needNewline = true
		case "thinking":
			fmt.Fprintf(r.w, "%s[thinking]%s ", colorDim, colorReset)
			r.needNewline = true
		}

	case "content_block_delta":
		if ev.Delta == nil {
			return
		}
		text := ev.Delta.Text
		if ev.Delta.PartialJSON != "" {
			text = ev.Delta.PartialJSON
		}
		if text != "" {
			fmt.Fprint(r.w, text)
			r.needNewline = true
		}

	case "content_block_stop":
		r.finishLine()

	case "result":
		r.finishLine()
		var parts []string
		if ev.IsError {
			parts = append(parts, "ERROR")
		}
		if ev.TotalCostUSD > 0 {
			parts = append(parts, fmt.Sprintf("cost=$%.4f", ev.TotalCostUSD))
		}
		if ev.DurationMS > 0 {
			parts = append(parts, fmt.Sprintf("duration=%.1fs", ev.DurationMS/1000))
		}
		if ev.NumTurns > 0 {
			parts = append(parts, fmt.Sprintf("turns=%d", ev.NumTurns))
		}
		color := styleBoldGreen
		if ev.IsError {
			color = styleBoldRed
		}
		if len(parts) > 0 {
			fmt.Fprintf(r.w, "%s[result]%s %s\n", color, colorReset, strings.Join(parts, " "))
		} else {
			fmt.Fprintf(r.w, "%s[result]%s done\n", color, colorReset)
		}

	case "system", "user":
		// Init is surfaced through the session_id message; tool results are
		// embedded in subsequent assistant messages.

	case "error":
		r.finishLine()
		msg := ev.ResultText
		if msg == "" {
			msg = "unknown error"
		}
		fmt.Fprintf(r.w, "%s[error]%s %s\n", styleBoldRed, colorReset, msg)
	}
}

// finishLine writes a newline if the previous output didn't end with one.
func (r *renderer) finishLine() {
	if r.needNewline {
		fmt.Fprintln(r.w)
		r.needNewline = false
	}
}

func compactWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
