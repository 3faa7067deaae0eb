package tools

import "encoding/json"

// Error codes carried inside tool error envelopes. The model sees these as
// part of the observation, so they are stable slugs, not Go error text.
const (
	CodeUnknownTool      = "unknown_tool"
	CodeInvalidArguments = "invalid_arguments"
	CodeTimeout          = "timeout"
	CodeCancelled        = "cancelled"
	CodeExecutionFailed  = "execution_failed"
	CodeNotPermitted     = "not_permitted"
)

// ErrorEnvelope is the uniform failure shape returned to the model. Tool
// failures never surface as Go errors to the graph; they are observations.
type ErrorEnvelope struct {
	Error     bool           `json:"error"`
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"message"`
	ToolName  string         `json:"tool_name"`
	Details   map[string]any `json:"details"`
}

func errorResult(tool, code, message string, details map[string]any) string {
	if details == nil {
		details = map[string]any{}
	}
	data, err := json.Marshal(ErrorEnvelope{
		Error:     true,
		ErrorCode: code,
		Message:   message,
		ToolName:  tool,
		Details:   details,
	})
	if err != nil {
		return `{"error":true,"error_code":"execution_failed","message":"failed to encode error","tool_name":"","details":{}}`
	}
	return string(data)
}

// ParseErrorEnvelope reports whether a tool result is an error envelope.
func ParseErrorEnvelope(result string) (*ErrorEnvelope, bool) {
	var env ErrorEnvelope
	if err := json.Unmarshal([]byte(result), &env); err != nil {
		return nil, false
	}
	if !env.Error {
		return nil, false
	}
	return &env, true
}
