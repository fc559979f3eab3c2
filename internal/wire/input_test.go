package wire

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeUserMessagePlainText(t *testing.T) {
	line, err := EncodeUserMessage("hello there", nil)
	if err != nil {
		t.Fatalf("EncodeUserMessage() error = %v", err)
	}
	if !strings.HasSuffix(string(line), "\n") {
		t.Error("encoded line is not newline-terminated")
	}

	var msg struct {
		Type    string `json:"type"`
		Message struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if msg.Type != TypeUser {
		t.Errorf("Type = %q, want user", msg.Type)
	}
	if msg.Message.Role != "user" {
		t.Errorf("Role = %q, want user", msg.Message.Role)
	}

	// Plain text goes out as a bare string, not a block list.
	var s string
	if err := json.Unmarshal(msg.Message.Content, &s); err != nil {
		t.Fatalf("content is not a bare string: %s", msg.Message.Content)
	}
	if s != "hello there" {
		t.Errorf("content = %q, want hello there", s)
	}
}

func TestEncodeUserMessageWithAttachments(t *testing.T) {
	line, err := EncodeUserMessage("look at this", []Attachment{
		{MediaType: "image/png", Data: "aGVsbG8="},
		{MediaType: "image/jpeg", Data: "d29ybGQ="},
	})
	if err != nil {
		t.Fatalf("EncodeUserMessage() error = %v", err)
	}

	var msg struct {
		Message struct {
			Content []struct {
				Type   string `json:"type"`
				Text   string `json:"text"`
				Source *struct {
					Type      string `json:"type"`
					MediaType string `json:"media_type"`
					Data      string `json:"data"`
				} `json:"source"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	blocks := msg.Message.Content
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3", len(blocks))
	}
	// Image blocks precede the text block.
	if blocks[0].Type != "image" || blocks[1].Type != "image" {
		t.Errorf("first blocks = %q,%q, want image,image", blocks[0].Type, blocks[1].Type)
	}
	if blocks[0].Source == nil || blocks[0].Source.MediaType != "image/png" {
		t.Error("first image lost its source")
	}
	if blocks[0].Source.Type != "base64" {
		t.Errorf("source type = %q, want base64", blocks[0].Source.Type)
	}
	if blocks[2].Type != "text" || blocks[2].Text != "look at this" {
		t.Errorf("last block = %q/%q, want text block", blocks[2].Type, blocks[2].Text)
	}
}

func TestEncodeUserMessageAttachmentsOnly(t *testing.T) {
	line, err := EncodeUserMessage("", []Attachment{{MediaType: "image/png", Data: "aGVsbG8="}})
	if err != nil {
		t.Fatalf("EncodeUserMessage() error = %v", err)
	}
	var msg struct {
		Message struct {
			Content []struct {
				Type string `json:"type"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(line, &msg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(msg.Message.Content) != 1 {
		t.Fatalf("got %d blocks, want 1 (no empty text block)", len(msg.Message.Content))
	}
}
