package graph

// EventType tags the streaming events a graph run emits.
type EventType string

const (
	EventChatStream EventType = "on_chat_model_stream"
	EventGraphEnd   EventType = "on_graph_end"
	EventNodeStart  EventType = "on_node_start"
	EventToolStart  EventType = "on_tool_start"
	EventToolEnd    EventType = "on_tool_end"
)

// Event is one unit of the streaming output of a graph run. Content carries
// generated text for chat-stream events; Data carries the final state snapshot
// for graph-end events.
type Event struct {
	Type    EventType
	Node    string
	Content string
	Tool    string
	Data    map[string]any
}
