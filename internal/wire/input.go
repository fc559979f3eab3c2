package wire

import "encoding/json"

// Attachment is a base64-encoded image included with a user turn.
type Attachment struct {
	MediaType string // e.g. "image/png"
	Data      string // base64 payload
}

// imageSource is the wire form of an attachment.
type imageSource struct {
	Type      string `json:"type"` // always "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// inputBlock is one content block in an outbound user message.
type inputBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

// userMessage is the envelope for a user turn written to the agent's stdin.
type userMessage struct {
	Type    string      `json:"type"`
	Message userPayload `json:"message"`
}

type userPayload struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string, or []inputBlock when attachments are present
}

// EncodeUserMessage serializes a user turn as a newline-terminated wire line.
// Plain text is sent as a bare string; when attachments are present the
// content becomes a block list with image blocks preceding the text block.
func EncodeUserMessage(text string, atts []Attachment) ([]byte, error) {
	msg := userMessage{Type: TypeUser}
	msg.Message.Role = "user"

	if len(atts) == 0 {
		msg.Message.Content = text
	} else {
		blocks := make([]inputBlock, 0, len(atts)+1)
		for _, att := range atts {
			blocks = append(blocks, inputBlock{
				Type: "image",
				Source: &imageSource{
					Type:      "base64",
					MediaType: att.MediaType,
					Data:      att.Data,
				},
			})
		}
		if text != "" {
			blocks = append(blocks, inputBlock{Type: "text", Text: text})
		}
		msg.Message.Content = blocks
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
