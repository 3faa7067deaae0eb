package memory

import (
	"math"
	"sort"

	"github.com/openlocus/locus/internal/domain/models"
)

// Sentinel scores returned on numerical failure so the incumbent boundary
// wins the local search.
const (
	modularityFailure  = 0.0
	conductanceFailure = 1.0
)

// similarityMatrix computes pairwise cosine similarity over signal vectors,
// clamped at zero so the matrix is a valid weighted adjacency.
func similarityMatrix(signal [][]float32) [][]float64 {
	n := len(signal)
	s := make([][]float64, n)
	for i := range s {
		s[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sim := 1 - cosineDistance(signal[i], signal[j])
			if sim < 0 {
				sim = 0
			}
			s[i][j] = sim
			s[j][i] = sim
		}
	}
	return s
}

// partitionModularity scores a boundary partition over adjacency s. Higher
// is better.
func partitionModularity(s [][]float64, boundaries []int) float64 {
	n := len(s)
	if n == 0 || len(boundaries) < 2 {
		return modularityFailure
	}

	degree := make([]float64, n)
	var total float64
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			degree[i] += s[i][j]
		}
		total += degree[i]
	}
	m := total / 2
	if m == 0 {
		return modularityFailure
	}

	var q float64
	for b := 0; b+1 < len(boundaries); b++ {
		start, end := boundaries[b], boundaries[b+1]
		if start >= end {
			return modularityFailure
		}
		var within, degreeSum float64
		for i := start; i < end && i < n; i++ {
			degreeSum += degree[i]
			for j := i + 1; j < end && j < n; j++ {
				within += s[i][j]
			}
		}
		q += within/m - (degreeSum/(2*m))*(degreeSum/(2*m))
	}
	return q
}

// partitionConductance scores a partition as the mean conductance across
// communities: external / (internal + external). Lower is better.
func partitionConductance(s [][]float64, boundaries []int) float64 {
	n := len(s)
	if n == 0 || len(boundaries) < 2 {
		return conductanceFailure
	}

	var sum float64
	communities := 0
	for b := 0; b+1 < len(boundaries); b++ {
		start, end := boundaries[b], boundaries[b+1]
		if start >= end {
			return conductanceFailure
		}
		var internal, external float64
		for i := start; i < end && i < n; i++ {
			for j := 0; j < n; j++ {
				if j == i {
					continue
				}
				if j >= start && j < end {
					internal += s[i][j]
				} else {
					external += s[i][j]
				}
			}
		}
		denom := internal + external
		if denom == 0 {
			sum += conductanceFailure
		} else {
			sum += external / denom
		}
		communities++
	}
	if communities == 0 {
		return conductanceFailure
	}
	return sum / float64(communities)
}

func scorePartition(s [][]float64, boundaries []int, metric models.RefinementMetric) float64 {
	if metric == models.MetricConductance {
		return partitionConductance(s, boundaries)
	}
	return partitionModularity(s, boundaries)
}

func better(candidate, incumbent float64, metric models.RefinementMetric) bool {
	if metric == models.MetricConductance {
		return candidate < incumbent
	}
	return candidate > incumbent
}

// RefineBoundaries locally optimizes each interior boundary against the
// similarity signal. The first and last boundaries are pinned; each interior
// boundary searches within min(refinementSearchRange, span/4) of its current
// position without crossing its neighbors.
func RefineBoundaries(boundaries []int, signal [][]float32, cfg models.EMConfig) []int {
	if len(boundaries) <= 2 || len(signal) == 0 {
		return boundaries
	}

	s := similarityMatrix(signal)
	refined := append([]int(nil), boundaries...)
	sort.Ints(refined)

	for idx := 1; idx < len(refined)-1; idx++ {
		prev, next := refined[idx-1], refined[idx+1]
		r := cfg.RefinementSearchRange
		if span := (next - prev) / 4; span < r {
			r = span
		}
		if r <= 0 {
			continue
		}

		current := refined[idx]
		bestPos := current
		bestScore := scorePartition(s, refined, cfg.RefinementMetric)

		lo := int(math.Max(float64(current-r), float64(prev+1)))
		hi := int(math.Min(float64(current+r), float64(next-1)))
		for candidate := lo; candidate <= hi; candidate++ {
			if candidate == current {
				continue
			}
			refined[idx] = candidate
			score := scorePartition(s, refined, cfg.RefinementMetric)
			if better(score, bestScore, cfg.RefinementMetric) {
				bestScore = score
				bestPos = candidate
			}
		}
		refined[idx] = bestPos
	}
	return refined
}

// RefineEvents rebuilds an event list with refined boundaries. The token and
// score streams are reconstructed from the events, which must be contiguous.
func RefineEvents(events []*models.EpisodicEvent, signal [][]float32, cfg models.EMConfig) []*models.EpisodicEvent {
	if len(events) <= 1 || len(signal) == 0 {
		return events
	}

	var tokens []string
	var scores []float64
	boundaries := []int{events[0].StartPos}
	for _, e := range events {
		tokens = append(tokens, e.Tokens...)
		scores = append(scores, e.SurpriseScores...)
		boundaries = append(boundaries, e.EndPos)
	}

	offset := events[0].StartPos
	local := make([]int, len(boundaries))
	for i, b := range boundaries {
		local[i] = b - offset
	}

	refined := RefineBoundaries(local, signal, cfg)

	rebuilt := buildEvents(tokens, scores, refined, cfg)
	for _, e := range rebuilt {
		e.StartPos += offset
		e.EndPos += offset
	}
	return rebuilt
}
