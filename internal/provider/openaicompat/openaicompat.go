// Package openaicompat adapts every alternate backend that speaks the
// OpenAI chat-completions format (Groq, DeepSeek, Qwen/DashScope, Infini-AI,
// Together, local Ollama). The adapter flattens the client's content blocks
// into chat messages on the way out and rebuilds canonical blocks from the
// reply on the way back.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/thriftgate/thriftgate/internal/provider"
	"github.com/thriftgate/thriftgate/internal/wire"
)

type OpenAICompat struct {
	settings provider.Settings
	client   *http.Client
}

func New(settings provider.Settings) *OpenAICompat {
	return &OpenAICompat{
		settings: settings,
		client:   http.DefaultClient,
	}
}

// NewWithClient is used by tests to point the adapter at a stub server.
func NewWithClient(settings provider.Settings, client *http.Client) *OpenAICompat {
	return &OpenAICompat{settings: settings, client: client}
}

func (p *OpenAICompat) Name() string            { return p.settings.Name }
func (p *OpenAICompat) ModelID() string         { return p.settings.Model }
func (p *OpenAICompat) SupportsTools() bool     { return p.settings.SupportsTools }
func (p *OpenAICompat) Timeout() time.Duration  { return p.settings.Timeout }
func (p *OpenAICompat) CostPerMTokIn() float64  { return p.settings.CostIn }
func (p *OpenAICompat) CostPerMTokOut() float64 { return p.settings.CostOut }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Tools       []chatTool    `json:"tools,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage"`
	Error   *chatError   `json:"error"`
}

type chatChoice struct {
	Message      *respMessage `json:"message"`
	FinishReason *string      `json:"finish_reason"`
}

type respMessage struct {
	Role      string     `json:"role"`
	Content   *string    `json:"content"`
	ToolCalls []toolCall `json:"tool_calls"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

var stopReasonByFinish = map[string]string{
	"stop":           wire.StopReasonEndTurn,
	"length":         wire.StopReasonMaxTokens,
	"tool_calls":     wire.StopReasonToolUse,
	"function_call":  wire.StopReasonToolUse,
	"content_filter": wire.StopReasonStopSeq,
}

func stopReason(finish *string) string {
	if finish == nil {
		return wire.StopReasonEndTurn
	}
	if mapped, ok := stopReasonByFinish[*finish]; ok {
		return mapped
	}
	return wire.StopReasonEndTurn
}

func (p *OpenAICompat) Complete(ctx context.Context, req *wire.MessagesRequest) (*wire.MessagesResponse, error) {
	outbound := p.mapRequest(req)

	body, err := json.Marshal(outbound)
	if err != nil {
		return nil, provider.Transport(p.Name(), err)
	}

	url := fmt.Sprintf("%s/chat/completions", strings.TrimSuffix(p.settings.Endpoint, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, provider.Transport(p.Name(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.settings.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, provider.Transport(p.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, provider.ClassifyHTTPFailure(p.Name(), resp.StatusCode, respBody)
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return nil, provider.Malformed(p.Name(), err)
	}
	return p.mapResponse(req, &chat)
}

// mapRequest flattens canonical messages into chat-completions form.
func (p *OpenAICompat) mapRequest(req *wire.MessagesRequest) *chatRequest {
	out := &chatRequest{
		Model:       p.settings.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 4096
	}

	if system := req.SystemText(); system != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: system})
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, flattenMessage(m)...)
	}
	if len(out.Messages) == 0 {
		out.Messages = []chatMessage{{Role: "user", Content: ""}}
	}

	if p.settings.SupportsTools {
		for _, t := range req.Tools {
			out.Tools = append(out.Tools, chatTool{
				Type: "function",
				Function: toolFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.InputSchema,
				},
			})
		}
	}

	return out
}

// flattenMessage turns one canonical message into chat messages: text blocks
// merge into the content string, tool_use becomes tool_calls, tool_result
// becomes a tool-role message.
func flattenMessage(m wire.Message) []chatMessage {
	var (
		text    strings.Builder
		calls   []toolCall
		results []chatMessage
	)

	for _, b := range m.Content.Blocks {
		switch b.Type {
		case wire.BlockText:
			text.WriteString(b.Text)
		case wire.BlockToolUse:
			tc := toolCall{
				ID:   strings.Replace(b.ID, "toolu_", "call_", 1),
				Type: "function",
			}
			tc.Function.Name = b.Name
			tc.Function.Arguments = string(b.Input)
			calls = append(calls, tc)
		case wire.BlockToolResult:
			results = append(results, chatMessage{
				Role:       "tool",
				Content:    flattenToolResult(b.Content),
				ToolCallID: strings.Replace(b.ToolUseID, "toolu_", "call_", 1),
			})
		}
	}

	var out []chatMessage
	if text.Len() > 0 || len(calls) > 0 || len(results) == 0 {
		out = append(out, chatMessage{
			Role:      m.Role,
			Content:   text.String(),
			ToolCalls: calls,
		})
	}
	return append(out, results...)
}

func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []wire.ContentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == wire.BlockText {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return string(raw)
}

// mapResponse rebuilds the canonical shape from the first choice.
func (p *OpenAICompat) mapResponse(req *wire.MessagesRequest, chat *chatResponse) (*wire.MessagesResponse, error) {
	if chat.Error != nil {
		return nil, provider.Transport(p.Name(), fmt.Errorf("upstream error: %s: %s", chat.Error.Type, chat.Error.Message))
	}
	if len(chat.Choices) == 0 || chat.Choices[0].Message == nil {
		return nil, provider.Malformed(p.Name(), fmt.Errorf("reply has no choices"))
	}
	choice := chat.Choices[0]
	msg := choice.Message

	var blocks []wire.ContentBlock
	if msg.Content != nil && *msg.Content != "" {
		blocks = append(blocks, wire.ContentBlock{Type: wire.BlockText, Text: *msg.Content})
	}
	for _, tc := range msg.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		} else if !json.Valid(input) {
			return nil, provider.Malformed(p.Name(), fmt.Errorf("tool call %s has undecodable arguments", tc.ID))
		}
		blocks = append(blocks, wire.ContentBlock{
			Type:  wire.BlockToolUse,
			ID:    strings.Replace(tc.ID, "call_", "toolu_", 1),
			Name:  tc.Function.Name,
			Input: input,
		})
	}
	if len(blocks) == 0 {
		return nil, provider.Malformed(p.Name(), fmt.Errorf("reply has no content"))
	}

	id := chat.ID
	if id == "" {
		id = wire.NewMessageID()
	} else if !strings.HasPrefix(id, "msg_") {
		id = "msg_" + id
	}

	model := chat.Model
	if model == "" {
		model = p.settings.Model
	}

	out := &wire.MessagesResponse{
		ID:         id,
		Type:       "message",
		Role:       wire.RoleAssistant,
		Content:    blocks,
		Model:      model,
		StopReason: stopReason(choice.FinishReason),
	}

	if chat.Usage != nil && (chat.Usage.PromptTokens > 0 || chat.Usage.CompletionTokens > 0) {
		out.Usage = wire.Usage{
			InputTokens:  chat.Usage.PromptTokens,
			OutputTokens: chat.Usage.CompletionTokens,
		}
	} else if p.settings.Estimator != nil {
		est := p.settings.Estimator
		out.Usage = wire.Usage{
			InputTokens:  est.Count(provider.RequestText(req.SystemText(), req.LastUserText())),
			OutputTokens: est.Count(out.OutputText()),
			Estimator:    est.Name(),
		}
	}

	return out, nil
}
