package solver

import (
	"sort"
	"time"

	"github.com/medforge/rosterd/pkg/types"
)

// scoreCandidate computes the weighted soft objective for a complete
// assignment. Lower is better.
func (s *search) scoreCandidate(c *candidate) (float64, []SoftViolation) {
	p := s.problem
	var violations []SoftViolation

	uncoveredCost := 0.0
	for i, personID := range c.chosen {
		if personID != "" {
			continue
		}
		cost := s.uncoveredCost(p.slots[i])
		uncoveredCost += cost
		violations = append(violations, SoftViolation{
			Kind:    KindUncoveredBlock,
			BlockID: p.slots[i].block.ID,
			Cost:    cost,
		})
	}

	counts := make(map[string]int)
	weekendCounts := make(map[string]int)
	covered := 0
	templateByDay := make(map[string]map[time.Time]string)
	halvesByDay := make(map[string]map[time.Time]int)

	for i, personID := range c.chosen {
		if personID == "" {
			continue
		}
		covered++
		sl := p.slots[i]
		counts[personID]++
		if sl.block.IsWeekend {
			weekendCounts[personID]++
		}
		if halvesByDay[personID] == nil {
			halvesByDay[personID] = make(map[time.Time]int)
			templateByDay[personID] = make(map[time.Time]string)
		}
		halvesByDay[personID][sl.block.Date]++
		if sl.template != nil {
			templateByDay[personID][sl.block.Date] = sl.template.ID
		}
	}

	backToBack := 0
	for _, halves := range halvesByDay {
		for _, n := range halves {
			if n > 1 {
				backToBack += n - 1
			}
		}
	}
	backToBackDensity := 0.0
	if covered > 0 {
		backToBackDensity = float64(backToBack) / float64(covered)
	}

	score := uncoveredCost +
		s.weights.WorkloadImbalance*gini(p.residents, counts) +
		s.weights.BackToBack*backToBackDensity +
		s.weights.CallVariance*normalizedVariance(p.residents, weekendCounts) +
		s.weights.RotationSequencing*sequencingPenalty(templateByDay)

	return score, violations
}

// gini measures workload inequality across residents in [0, 1].
// Zero means perfectly even assignment counts.
func gini(residents []*types.Person, counts map[string]int) float64 {
	if len(residents) == 0 {
		return 0
	}
	values := make([]float64, len(residents))
	total := 0.0
	for i, resident := range residents {
		values[i] = float64(counts[resident.ID])
		total += values[i]
	}
	if total == 0 {
		return 0
	}
	sort.Float64s(values)

	n := float64(len(values))
	weighted := 0.0
	for i, value := range values {
		weighted += float64(i+1) * value
	}
	return (2*weighted)/(n*total) - (n+1)/n
}

// normalizedVariance measures call-distribution spread in [0, 1]
func normalizedVariance(residents []*types.Person, counts map[string]int) float64 {
	if len(residents) == 0 {
		return 0
	}
	mean := 0.0
	for _, resident := range residents {
		mean += float64(counts[resident.ID])
	}
	mean /= float64(len(residents))
	if mean == 0 {
		return 0
	}

	variance := 0.0
	for _, resident := range residents {
		diff := float64(counts[resident.ID]) - mean
		variance += diff * diff
	}
	variance /= float64(len(residents))

	// Coefficient-of-variation style normalization, clamped
	normalized := variance / (mean * mean)
	if normalized > 1 {
		normalized = 1
	}
	return normalized
}

// sequencingPenalty counts template switches between consecutive duty
// days, normalized per transition
func sequencingPenalty(templateByDay map[string]map[time.Time]string) float64 {
	switches, transitions := 0, 0
	for _, byDay := range templateByDay {
		dates := make([]time.Time, 0, len(byDay))
		for date := range byDay {
			dates = append(dates, date)
		}
		sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
		for i := 1; i < len(dates); i++ {
			if dates[i].Sub(dates[i-1]) != 24*time.Hour {
				continue
			}
			transitions++
			if byDay[dates[i]] != byDay[dates[i-1]] {
				switches++
			}
		}
	}
	if transitions == 0 {
		return 0
	}
	return float64(switches) / float64(transitions)
}
