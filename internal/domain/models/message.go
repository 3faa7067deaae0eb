package models

import "time"

// MessageKind tags the sum type of conversation messages.
type MessageKind string

const (
	KindHuman  MessageKind = "human"
	KindAI     MessageKind = "ai"
	KindSystem MessageKind = "system"
	KindTool   MessageKind = "tool"
)

// ToolCall is a tool invocation requested by an AI message.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message is one entry in a chat history. Messages are append-only within a
// turn; a message is never mutated after it has been emitted.
type Message struct {
	Kind       MessageKind    `json:"kind"`
	Content    string         `json:"content"`
	Attributes map[string]any `json:"attributes,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

func NewHumanMessage(content string) Message {
	return Message{Kind: KindHuman, Content: content}
}

func NewAIMessage(content string) Message {
	return Message{Kind: KindAI, Content: content}
}

func NewSystemMessage(content string) Message {
	return Message{Kind: KindSystem, Content: content}
}

func NewToolMessage(content, toolCallID string) Message {
	return Message{Kind: KindTool, Content: content, ToolCallID: toolCallID}
}

// WithAttribute returns a copy of the message carrying an extra attribute.
func (m Message) WithAttribute(key string, value any) Message {
	attrs := make(map[string]any, len(m.Attributes)+1)
	for k, v := range m.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	m.Attributes = attrs
	return m
}

// Annotate stamps the message with the turn mode and timestamp.
func (m Message) Annotate(mode string, ts time.Time) Message {
	return m.WithAttribute("mode", mode).WithAttribute("timestamp", ts.UTC().Format(time.RFC3339))
}

// Attachment is user-supplied file content accompanying a turn.
type Attachment struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// TokenLogprob pairs a generated token with its log-probability.
type TokenLogprob struct {
	Token   string  `json:"token"`
	Logprob float64 `json:"logprob"`
}
