package models

// EpisodicEvent is a contiguous token span identified as a coherent episodic
// unit. Invariants: StartPos < EndPos, len(SurpriseScores) == len(Tokens),
// minEventSize <= len(Tokens) <= maxEventSize.
type EpisodicEvent struct {
	Tokens                    []string    `json:"tokens"`
	StartPos                  int         `json:"start_pos"`
	EndPos                    int         `json:"end_pos"`
	SurpriseScores            []float64   `json:"surprise_scores"`
	RepresentativeTokenIdx    []int       `json:"representative_token_indices,omitempty"`
	RepresentativeEmbeddings  [][]float32 `json:"representative_embeddings,omitempty"`
	Summary                   string      `json:"summary,omitempty"`
}

// AvgSurprise returns the mean surprise across the event's tokens.
func (e *EpisodicEvent) AvgSurprise() float64 {
	if len(e.SurpriseScores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range e.SurpriseScores {
		sum += s
	}
	return sum / float64(len(e.SurpriseScores))
}

// MaxSurprise returns the maximum surprise across the event's tokens.
func (e *EpisodicEvent) MaxSurprise() float64 {
	var max float64
	for _, s := range e.SurpriseScores {
		if s > max {
			max = s
		}
	}
	return max
}

// RefinementMetric selects the partition score used during boundary refinement.
type RefinementMetric string

const (
	MetricModularity  RefinementMetric = "modularity"
	MetricConductance RefinementMetric = "conductance"
)

// EMConfig carries the episodic memory parameters. Immutable after load.
type EMConfig struct {
	SurpriseWindow        int              `json:"surprise_window"`
	SurpriseGamma         float64          `json:"surprise_gamma"`
	MinEventSize          int              `json:"min_event_size"`
	MaxEventSize          int              `json:"max_event_size"`
	SimilarityBufferRatio float64          `json:"similarity_buffer_ratio"`
	TotalRetrievedEvents  int              `json:"total_retrieved_events"`
	ReprTopK              int              `json:"repr_top_k"`
	RecencyWeight         float64          `json:"recency_weight"`
	UseBoundaryRefinement bool             `json:"use_boundary_refinement"`
	RefinementMetric      RefinementMetric `json:"refinement_metric"`
	RefinementSearchRange int              `json:"refinement_search_range"`
}

// DefaultEMConfig mirrors the tuned defaults of the memory pipeline.
func DefaultEMConfig() EMConfig {
	return EMConfig{
		SurpriseWindow:        10,
		SurpriseGamma:         1.0,
		MinEventSize:          4,
		MaxEventSize:          128,
		SimilarityBufferRatio: 0.6,
		TotalRetrievedEvents:  10,
		ReprTopK:              8,
		RecencyWeight:         0.1,
		UseBoundaryRefinement: true,
		RefinementMetric:      MetricModularity,
		RefinementSearchRange: 8,
	}
}

// RecalledEpisode is the caller-facing shape of a retrieved event.
type RecalledEpisode struct {
	ID                   string         `json:"id"`
	Content              string         `json:"content"`
	Summary              string         `json:"summary,omitempty"`
	SurpriseStats        SurpriseStats  `json:"surprise_stats"`
	RepresentativeTokens []string       `json:"representative_tokens,omitempty"`
	RetrievalRank        int            `json:"retrieval_rank"`
	StartPos             int            `json:"start_pos"`
	EndPos               int            `json:"end_pos"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

// SurpriseStats summarizes the surprise distribution of an event.
type SurpriseStats struct {
	Mean float64 `json:"mean"`
	Max  float64 `json:"max"`
	Size int     `json:"size"`
}
