package graph

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openlocus/locus/internal/domain/models"
)

func TestFormatScratchpadBlocks(t *testing.T) {
	call := models.ToolCall{ID: "c1", Name: "calculator", Arguments: map[string]any{"expression": "2+2"}}
	ai := models.NewAIMessage("")
	ai.ToolCalls = []models.ToolCall{call}

	scratchpad := []models.Message{
		ai,
		models.NewToolMessage("4", "c1"),
		ai,
		models.NewToolMessage("8", "c1"),
	}

	out := FormatScratchpad(scratchpad)
	assert.Equal(t, 2, strings.Count(out, `"action":"calculator"`))
	assert.Equal(t, 2, strings.Count(out, `"observation"`))

	// Order is preserved: action, observation, action, observation.
	lines := strings.Split(out, "\n")
	assert.Len(t, lines, 4)
	assert.Contains(t, lines[0], "action")
	assert.Contains(t, lines[1], "observation")
	assert.Contains(t, lines[2], "action")
	assert.Contains(t, lines[3], "observation")
}

func TestFormatScratchpadPlainMessages(t *testing.T) {
	out := FormatScratchpad([]models.Message{
		models.NewAIMessage("thinking out loud"),
		models.NewSystemMessage("correction note"),
	})
	assert.Contains(t, out, "thinking out loud")
	assert.Contains(t, out, "correction note")
	assert.NotContains(t, out, "observation")
}

func TestFormatScratchpadEmpty(t *testing.T) {
	assert.Equal(t, "", FormatScratchpad(nil))
}

func TestSummarizeScratchpadCollectsObservations(t *testing.T) {
	out := summarizeScratchpad([]models.Message{
		models.NewToolMessage("found the answer", "c1"),
	})
	assert.Contains(t, out, "found the answer")
}

func TestSummarizeScratchpadEmpty(t *testing.T) {
	out := summarizeScratchpad(nil)
	assert.NotEmpty(t, out)
}
