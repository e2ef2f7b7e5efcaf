package fleet

import "sort"

const (
	skillMatchWeight   = 10.0
	successRateWeight  = 5.0
	responseTimeWeight = 0.1
)

// Score rates how well agent fits reqs; higher is better.
//
// Each matched requirement adds (level - minimum + 1) * 10. A requirement
// naming a skill the agent lacks adds nothing. The performance term adds
// success_rate * 5 and subtracts average_response_time * 0.1, so the result
// can be negative.
func Score(agent *Agent, reqs []SkillRequirement) float64 {
	var score float64
	for _, r := range reqs {
		level, ok := agent.SkillLevel(r.SkillName)
		if !ok {
			continue
		}
		score += float64(level-r.MinimumLevel+1) * skillMatchWeight
	}
	score += agent.Metrics.SuccessRate * successRateWeight
	score -= agent.Metrics.AverageResponseTime * responseTimeWeight
	return score
}

// rank orders candidates best first. Equal scores keep input order.
func rank(candidates []*Agent, reqs []SkillRequirement) []*Agent {
	scores := make(map[string]float64, len(candidates))
	for _, a := range candidates {
		scores[a.ID] = Score(a, reqs)
	}
	out := append([]*Agent(nil), candidates...)
	sort.SliceStable(out, func(i, j int) bool {
		return scores[out[i].ID] > scores[out[j].ID]
	})
	return out
}
