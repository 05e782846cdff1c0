// Package wire holds the client-facing message format. Requests are decoded
// once at the HTTP boundary into these types; everything downstream works
// over the closed set of content block variants instead of raw JSON.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"

	StopReasonEndTurn   = "end_turn"
	StopReasonMaxTokens = "max_tokens"
	StopReasonToolUse   = "tool_use"
	StopReasonStopSeq   = "stop_sequence"
)

// MessagesRequest is the inbound payload. Field order and message order are
// significant and must survive a decode/encode round trip unchanged.
type MessagesRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	System      json.RawMessage `json:"system,omitempty"`
	Messages    []Message       `json:"messages"`
	Tools       []Tool          `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// Tool is a callable tool schema as declared by the client.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// MessageContent is the content of one message: either the shorthand string
// form or a sequence of typed blocks. The shorthand is remembered so that
// re-encoding emits exactly what the client sent.
type MessageContent struct {
	Blocks []ContentBlock

	fromString bool
}

// ContentBlock is the tagged union over text, tool_use and tool_result.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Text builds string-form message content.
func Text(s string) MessageContent {
	return MessageContent{
		Blocks:     []ContentBlock{{Type: BlockText, Text: s}},
		fromString: true,
	}
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		c.Blocks = []ContentBlock{{Type: BlockText, Text: s}}
		c.fromString = true
		return nil
	}
	c.fromString = false
	return json.Unmarshal(data, &c.Blocks)
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.fromString && len(c.Blocks) == 1 && c.Blocks[0].Type == BlockText {
		return json.Marshal(c.Blocks[0].Text)
	}
	if c.Blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Blocks)
}

// HasToolBlocks reports whether any message carries a tool_use or tool_result
// block.
func (r *MessagesRequest) HasToolBlocks() bool {
	for _, m := range r.Messages {
		for _, b := range m.Content.Blocks {
			if b.Type == BlockToolUse || b.Type == BlockToolResult {
				return true
			}
		}
	}
	return false
}

// LastUserText returns the concatenated text blocks of the most recent user
// message, or "" when there is none.
func (r *MessagesRequest) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		m := r.Messages[i]
		if m.Role != RoleUser {
			continue
		}
		var sb strings.Builder
		for _, b := range m.Content.Blocks {
			if b.Type == BlockText {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return ""
}

// SystemText flattens the system field, which the client may send as a plain
// string or as an array of text blocks.
func (r *MessagesRequest) SystemText() string {
	if len(r.System) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.System, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(r.System, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == BlockText {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return ""
}

// Usage carries token counts. Estimator is set only when the serving provider
// did not report usage and the counts were derived locally; its value names
// the heuristic so downstream cost figures are auditable as estimated.
type Usage struct {
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Estimator    string `json:"estimator,omitempty"`
}

// MessagesResponse is the single response shape returned to the client no
// matter which provider served the request.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// NewMessageID returns a fresh client-visible message identifier.
func NewMessageID() string {
	return fmt.Sprintf("msg_%s", strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// ErrorResponse builds an error carried in the canonical response shape, so
// the client's normal parsing path handles it like any assistant message.
func ErrorResponse(modelLabel, text string) *MessagesResponse {
	return &MessagesResponse{
		ID:         NewMessageID(),
		Type:       "message",
		Role:       RoleAssistant,
		Content:    []ContentBlock{{Type: BlockText, Text: text}},
		Model:      modelLabel,
		StopReason: StopReasonEndTurn,
	}
}

// OutputText concatenates the text blocks of a response, used for local token
// estimation.
func (r *MessagesResponse) OutputText() string {
	var sb strings.Builder
	for _, b := range r.Content {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}
