package conflict

import (
	"sort"
	"time"

	"github.com/samber/lo"
)

// TimelinePoint is one date's conflict pressure
type TimelinePoint struct {
	Date     time.Time
	Score    float64 // Max display score over conflicts covering the date
	Severity Severity
	Count    int
}

// Timeline maps each date in [start, end] to the worst overlapping
// conflict and the number of conflicts covering it
func Timeline(conflicts []*Conflict, start, end time.Time) []TimelinePoint {
	var points []TimelinePoint
	for date := start; !date.After(end); date = date.AddDate(0, 0, 1) {
		point := TimelinePoint{Date: date}
		for _, c := range conflicts {
			if date.Before(c.StartDate) || date.After(c.EndDate) {
				continue
			}
			point.Count++
			if score := c.DisplayScore(); score > point.Score {
				point.Score = score
			}
			if c.Severity.Ordinal() > point.Severity.Ordinal() {
				point.Severity = c.Severity
			}
		}
		points = append(points, point)
	}
	return points
}

// HeatLevel quantizes conflict pressure into five buckets
type HeatLevel string

const (
	HeatNone     HeatLevel = "none"
	HeatLow      HeatLevel = "low"
	HeatMedium   HeatLevel = "medium"
	HeatHigh     HeatLevel = "high"
	HeatCritical HeatLevel = "critical"
)

// HeatmapCell is one date's quantized pressure
type HeatmapCell struct {
	Date  time.Time
	Level HeatLevel
	Count int
}

// Heatmap quantizes the timeline into five levels. A date carrying any
// critical conflict is critical regardless of score.
func Heatmap(conflicts []*Conflict, start, end time.Time) []HeatmapCell {
	points := Timeline(conflicts, start, end)
	cells := make([]HeatmapCell, len(points))
	for i, point := range points {
		level := HeatNone
		switch {
		case point.Count == 0:
			level = HeatNone
		case point.Severity == SeverityCritical:
			level = HeatCritical
		case point.Score >= 0.6:
			level = HeatHigh
		case point.Score >= 0.3:
			level = HeatMedium
		default:
			level = HeatLow
		}
		cells[i] = HeatmapCell{Date: point.Date, Level: level, Count: point.Count}
	}
	return cells
}

// Distribution groups conflicts by category, type, and severity
type Distribution struct {
	ByCategory map[Category]int
	ByType     map[Type]int
	BySeverity map[Severity]int
}

// Distribute builds grouped counts over a conflict list
func Distribute(conflicts []*Conflict) Distribution {
	return Distribution{
		ByCategory: lo.CountValuesBy(conflicts, func(c *Conflict) Category { return c.Category }),
		ByType:     lo.CountValuesBy(conflicts, func(c *Conflict) Type { return c.Type }),
		BySeverity: lo.CountValuesBy(conflicts, func(c *Conflict) Severity { return c.Severity }),
	}
}

// PersonImpact ranks one person's conflict exposure
type PersonImpact struct {
	PersonID    string
	Count       int
	AvgSeverity float64 // Mean severity ordinal
	MaxSeverity Severity
}

// RankPeople orders people by conflict count, then by average severity
func RankPeople(conflicts []*Conflict) []PersonImpact {
	counts := make(map[string]int)
	severitySums := make(map[string]int)
	maxSeverity := make(map[string]Severity)

	for _, c := range conflicts {
		for _, personID := range c.AffectedPeople {
			counts[personID]++
			severitySums[personID] += c.Severity.Ordinal()
			if c.Severity.Ordinal() > maxSeverity[personID].Ordinal() {
				maxSeverity[personID] = c.Severity
			}
		}
	}

	impacts := make([]PersonImpact, 0, len(counts))
	for personID, count := range counts {
		impacts = append(impacts, PersonImpact{
			PersonID:    personID,
			Count:       count,
			AvgSeverity: float64(severitySums[personID]) / float64(count),
			MaxSeverity: maxSeverity[personID],
		})
	}
	sort.Slice(impacts, func(i, j int) bool {
		if impacts[i].Count != impacts[j].Count {
			return impacts[i].Count > impacts[j].Count
		}
		if impacts[i].AvgSeverity != impacts[j].AvgSeverity {
			return impacts[i].AvgSeverity > impacts[j].AvgSeverity
		}
		return impacts[i].PersonID < impacts[j].PersonID
	})
	return impacts
}
