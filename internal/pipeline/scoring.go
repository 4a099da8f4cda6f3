// internal/pipeline/scoring.go - heuristic ranking of verified endpoints
package pipeline

import (
	"math"
	"sort"

	"darn/internal/store"
)

const (
	maxScore          = 100.0
	baseOKScore       = 60.0 // floor for any healthy endpoint
	modelBonusWeight  = 12.0
	modelBonusCap     = 20.0
	latencyTargetMS   = 500.0
	latencyPenaltyMax = 40.0
)

type RankedEndpoint struct {
	store.Endpoint
	Score float64 `json:"score"`
}

// Score returns a 0-100 quality score for one endpoint.
func Score(ep *store.Endpoint) float64 {
	if !ep.OK {
		return 0.0
	}

	score := baseOKScore + modelBonus(ep.Models) - latencyPenalty(ep.LatencyMS)

	return math.Max(0.0, math.Min(score, maxScore))
}

// Rank attaches scores and returns endpoints best first.
func Rank(endpoints []store.Endpoint) []RankedEndpoint {
	ranked := make([]RankedEndpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		ranked = append(ranked, RankedEndpoint{Endpoint: ep, Score: Score(&ep)})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

func modelBonus(models []string) float64 {
	count := 0
	for _, m := range models {
		if m != "" {
			count++
		}
	}
	if count == 0 {
		return 0.0
	}
	// Diminishing returns: a couple of models help, many do not dominate.
	return math.Min(modelBonusWeight*math.Log10(1+float64(count)), modelBonusCap)
}

func latencyPenalty(latencyMS *int64) float64 {
	if latencyMS == nil || *latencyMS <= 0 {
		return 0.0
	}
	ratio := float64(*latencyMS) / latencyTargetMS
	penalty := (ratio - 1.0) * (latencyPenaltyMax / 2)
	return math.Min(math.Max(penalty, 0.0), latencyPenaltyMax)
}
