package graph

import (
	"encoding/json"
	"strings"

	"github.com/openlocus/locus/internal/domain/models"
)

// FormatScratchpad renders the reasoning trace for the next prompt: one JSON
// block per AI message carrying tool calls, one {"observation": ...} line per
// tool message, in scratchpad order. Other messages pass through as text.
func FormatScratchpad(scratchpad []models.Message) string {
	var b strings.Builder
	for _, msg := range scratchpad {
		switch {
		case msg.Kind == models.KindAI && len(msg.ToolCalls) > 0:
			for _, call := range msg.ToolCalls {
				block, err := json.Marshal(map[string]any{
					"action":       call.Name,
					"action_input": call.Arguments,
				})
				if err != nil {
					continue
				}
				b.WriteString(string(block))
				b.WriteString("\n")
			}
		case msg.Kind == models.KindTool:
			block, err := json.Marshal(map[string]any{"observation": msg.Content})
			if err != nil {
				continue
			}
			b.WriteString(string(block))
			b.WriteString("\n")
		default:
			if msg.Content != "" {
				b.WriteString(msg.Content)
				b.WriteString("\n")
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// summarizeScratchpad collapses the trace into a best-effort outcome used
// when the reasoning loop hits its recursion limit.
func summarizeScratchpad(scratchpad []models.Message) string {
	var observations []string
	for _, msg := range scratchpad {
		if msg.Kind == models.KindTool && msg.Content != "" {
			content := msg.Content
			if len(content) > 200 {
				content = content[:200] + "..."
			}
			observations = append(observations, "- "+content)
		}
	}
	if len(observations) == 0 {
		return "I could not complete the request within the reasoning step limit."
	}
	return "I hit the reasoning step limit. Findings so far:\n" + strings.Join(observations, "\n")
}
