// Package graph implements the typed-state, node-indexed, condition-branched
// executor that drives one conversation turn.
package graph

import (
	"github.com/openlocus/locus/internal/domain/models"
)

// State is the per-turn agent state. Input fields are set once by the facade;
// accumulating fields are mutated only through node return-merges.
type State struct {
	Input         string
	Mode          string
	AgentMode     string
	SessionID     string
	SkipWebSearch bool
	Attachments   []models.Attachment
	ChatHistory   []models.Message

	Scratchpad         []models.Message
	Messages           []models.Message
	AgentOutcome       string
	SearchQueries      []string
	SearchResults      []models.SearchGroup
	SynthesizedMemory  string
	RecalledEpisodes   []models.RecalledEpisode
	GenerationLogprobs []models.TokenLogprob
	FinalContent       string
	UpdatedHistory     []models.Message
}

// Delta is the partial state a node returns. Keys name state fields; the
// runtime merges by field-wise overwrite. Unknown keys are ignored.
type Delta map[string]any

const (
	keyScratchpad         = "scratchpad"
	keyMessages           = "messages"
	keyAgentOutcome       = "agent_outcome"
	keySearchQueries      = "search_queries"
	keySearchResults      = "search_results"
	keySynthesizedMemory  = "synthesized_memory"
	keyRecalledEpisodes   = "recalled_episodes"
	keyGenerationLogprobs = "generation_logprobs"
	keyFinalContent       = "final_content"
	keyUpdatedHistory     = "updated_history"
)

func (s *State) apply(d Delta) {
	for key, value := range d {
		switch key {
		case keyScratchpad:
			if v, ok := value.([]models.Message); ok {
				s.Scratchpad = v
			}
		case keyMessages:
			if v, ok := value.([]models.Message); ok {
				s.Messages = v
			}
		case keyAgentOutcome:
			if v, ok := value.(string); ok {
				s.AgentOutcome = v
			}
		case keySearchQueries:
			if v, ok := value.([]string); ok {
				s.SearchQueries = v
			}
		case keySearchResults:
			if v, ok := value.([]models.SearchGroup); ok {
				s.SearchResults = v
			}
		case keySynthesizedMemory:
			if v, ok := value.(string); ok {
				s.SynthesizedMemory = v
			}
		case keyRecalledEpisodes:
			if v, ok := value.([]models.RecalledEpisode); ok {
				s.RecalledEpisodes = v
			}
		case keyGenerationLogprobs:
			if v, ok := value.([]models.TokenLogprob); ok {
				s.GenerationLogprobs = v
			}
		case keyFinalContent:
			if v, ok := value.(string); ok {
				s.FinalContent = v
			}
		case keyUpdatedHistory:
			if v, ok := value.([]models.Message); ok {
				s.UpdatedHistory = v
			}
		}
	}
}
