package conflict

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/samber/lo"

	"github.com/medforge/rosterd/pkg/types"
	"github.com/medforge/rosterd/pkg/validator"
)

// Data is the shared snapshot all detectors analyze. It is loaded once
// per Analyze call and treated as read-only.
type Data struct {
	Start, End time.Time
	Now        time.Time

	People      map[string]*types.Person
	Blocks      map[string]*types.Block
	Assignments []*types.Assignment
	Absences    []*types.Absence

	ByPerson map[string][]*types.Assignment
	ByBlock  map[string][]*types.Assignment
}

// Residents returns the residents present in the snapshot
func (d *Data) Residents() []*types.Person {
	var residents []*types.Person
	for _, person := range d.People {
		if person.IsResident() {
			residents = append(residents, person)
		}
	}
	sort.Slice(residents, func(i, j int) bool { return residents[i].ID < residents[j].ID })
	return residents
}

// Detector finds one category of conflicts in a snapshot
type Detector interface {
	// Name identifies the detector
	Name() string

	// Detect returns the conflicts found in the snapshot
	Detect(ctx context.Context, data *Data) ([]*Conflict, error)
}

// DefaultDetectors returns the full detector set, one per category
func DefaultDetectors() []Detector {
	return []Detector{
		timeOverlapDetector{},
		coverageDetector{},
		acgmeDetector{},
		supervisionDetector{},
		availabilityDetector{},
		workloadDetector{},
		patternDetector{},
	}
}

// impactScore normalizes blast radius into [0, 1]
func impactScore(people, blocks int) float64 {
	score := float64(people)*0.2 + float64(blocks)*0.05
	if score > 1 {
		return 1
	}
	return score
}

// urgencyScore rises as the earliest conflict date approaches
func urgencyScore(now, earliest time.Time) float64 {
	days := earliest.Sub(now).Hours() / 24
	if days <= 0 {
		return 1
	}
	if days >= 30 {
		return 0
	}
	return 1 - days/30
}

// timeOverlapDetector finds people assigned more than once in the same
// half-day
type timeOverlapDetector struct{}

func (timeOverlapDetector) Name() string { return "time_overlap" }

func (timeOverlapDetector) Detect(ctx context.Context, data *Data) ([]*Conflict, error) {
	var conflicts []*Conflict
	for personID, assignments := range data.ByPerson {
		bySlot := make(map[string][]*types.Assignment)
		for _, a := range assignments {
			block, ok := data.Blocks[a.BlockID]
			if !ok {
				continue
			}
			bySlot[block.Key()] = append(bySlot[block.Key()], a)
		}
		for _, overlapping := range bySlot {
			if len(overlapping) < 2 {
				continue
			}
			block := data.Blocks[overlapping[0].BlockID]
			person := data.People[personID]
			name := personID
			if person != nil {
				name = person.Name
			}
			c := &Conflict{
				Category:       CategoryTimeOverlap,
				Type:           TypeDoubleBooking,
				Severity:       SeverityHigh,
				Title:          "Double booking detected",
				Description:    fmt.Sprintf("%s is assigned %d times on %s", name, len(overlapping), block.DisplayName()),
				StartDate:      block.Date,
				EndDate:        block.Date,
				DetectedAt:     data.Now,
				AffectedPeople: []string{personID},
				AffectedBlocks: lo.Uniq(lo.Map(overlapping, func(a *types.Assignment, _ int) string {
					return a.BlockID
				})),
				Impact:     impactScore(1, len(overlapping)),
				Urgency:    urgencyScore(data.Now, block.Date),
				Complexity: 0.3,
			}
			conflicts = append(conflicts, c)
		}
	}
	return conflicts, nil
}

// coverageDetector finds non-weekend blocks with no assignments at all
type coverageDetector struct{}

func (coverageDetector) Name() string { return "resource_contention" }

func (coverageDetector) Detect(ctx context.Context, data *Data) ([]*Conflict, error) {
	var conflicts []*Conflict
	for blockID, block := range data.Blocks {
		if block.IsWeekend || len(data.ByBlock[blockID]) > 0 {
			continue
		}
		conflicts = append(conflicts, &Conflict{
			Category:       CategoryResource,
			Type:           TypeInsufficientCoverage,
			Severity:       SeverityMedium,
			Title:          "Uncovered block",
			Description:    fmt.Sprintf("No one is assigned to %s", block.DisplayName()),
			StartDate:      block.Date,
			EndDate:        block.Date,
			DetectedAt:     data.Now,
			AffectedBlocks: []string{blockID},
			Impact:         impactScore(0, 1),
			Urgency:        urgencyScore(data.Now, block.Date),
			Complexity:     0.2,
		})
	}
	return conflicts, nil
}

// acgmeDetector surfaces duty-hour violations as conflicts
type acgmeDetector struct{}

func (acgmeDetector) Name() string { return "acgme_violation" }

func (acgmeDetector) Detect(ctx context.Context, data *Data) ([]*Conflict, error) {
	var conflicts []*Conflict
	for _, resident := range data.Residents() {
		assignments := data.ByPerson[resident.ID]
		if len(assignments) == 0 {
			continue
		}

		hoursByDate := make(map[time.Time]int)
		for _, a := range assignments {
			if block, ok := data.Blocks[a.BlockID]; ok {
				hoursByDate[block.Date] += validator.HoursPerHalfDay
			}
		}
		dates := lo.Keys(hoursByDate)
		sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
		if len(dates) == 0 {
			continue
		}

		// Rolling 80-hour average
		windowDays := validator.RollingWindowWeeks * 7
		for _, windowStart := range dates {
			windowEnd := windowStart.AddDate(0, 0, windowDays-1)
			total := 0
			for date, hours := range hoursByDate {
				if !date.Before(windowStart) && !date.After(windowEnd) {
					total += hours
				}
			}
			avg := float64(total) / validator.RollingWindowWeeks
			if avg > validator.MaxWeeklyHours {
				conflicts = append(conflicts, &Conflict{
					Category:       CategoryACGME,
					Type:           TypeEightyHour,
					Severity:       SeverityCritical,
					Title:          "80-hour work week violation",
					Description:    fmt.Sprintf("%s averages %.1f hours/week over the window starting %s", resident.Name, avg, windowStart.Format("2006-01-02")),
					StartDate:      windowStart,
					EndDate:        windowEnd,
					DetectedAt:     data.Now,
					AffectedPeople: []string{resident.ID},
					Impact:         impactScore(1, total/validator.HoursPerHalfDay),
					Urgency:        urgencyScore(data.Now, windowStart),
					Complexity:     0.7,
					Context:        map[string]any{"average_weekly_hours": avg},
				})
				break
			}
		}

		// Consecutive duty days
		consecutive, runStart := 1, dates[0]
		maxRun, maxStart := 1, dates[0]
		for i := 1; i < len(dates); i++ {
			if dates[i].Sub(dates[i-1]) == 24*time.Hour {
				consecutive++
			} else {
				consecutive = 1
				runStart = dates[i]
			}
			if consecutive > maxRun {
				maxRun = consecutive
				maxStart = runStart
			}
		}
		if maxRun > validator.MaxConsecutiveDays {
			conflicts = append(conflicts, &Conflict{
				Category:       CategoryACGME,
				Type:           TypeOneInSeven,
				Severity:       SeverityCritical,
				Title:          "1-in-7 violation",
				Description:    fmt.Sprintf("%s works %d consecutive days starting %s", resident.Name, maxRun, maxStart.Format("2006-01-02")),
				StartDate:      maxStart,
				EndDate:        maxStart.AddDate(0, 0, maxRun-1),
				DetectedAt:     data.Now,
				AffectedPeople: []string{resident.ID},
				Impact:         impactScore(1, maxRun),
				Urgency:        urgencyScore(data.Now, maxStart),
				Complexity:     0.5,
				Context:        map[string]any{"consecutive_days": maxRun},
			})
		}
	}
	return conflicts, nil
}

// supervisionDetector compares faculty presence to the PGY-scaled
// requirement per block
type supervisionDetector struct{}

func (supervisionDetector) Name() string { return "supervision" }

func (supervisionDetector) Detect(ctx context.Context, data *Data) ([]*Conflict, error) {
	var conflicts []*Conflict
	for blockID, assignments := range data.ByBlock {
		block, ok := data.Blocks[blockID]
		if !ok {
			continue
		}
		pgy1, other, faculty := 0, 0, 0
		var residentIDs []string
		for _, a := range assignments {
			person, ok := data.People[a.PersonID]
			if !ok {
				continue
			}
			switch {
			case person.IsResident() && person.PGYLevel == 1:
				pgy1++
				residentIDs = append(residentIDs, person.ID)
			case person.IsResident():
				other++
				residentIDs = append(residentIDs, person.ID)
			case person.Type == types.PersonTypeFaculty:
				faculty++
			}
		}
		if pgy1+other == 0 {
			continue
		}
		required := validator.RequiredFaculty(pgy1, other)
		if faculty >= required {
			continue
		}
		conflicts = append(conflicts, &Conflict{
			Category:       CategorySupervision,
			Type:           TypeSupervisionRatio,
			Severity:       SeverityCritical,
			Title:          "Insufficient faculty coverage",
			Description:    fmt.Sprintf("%s has %d faculty for %d residents (need %d)", block.DisplayName(), faculty, pgy1+other, required),
			StartDate:      block.Date,
			EndDate:        block.Date,
			DetectedAt:     data.Now,
			AffectedPeople: residentIDs,
			AffectedBlocks: []string{blockID},
			Impact:         impactScore(pgy1+other, 1),
			Urgency:        urgencyScore(data.Now, block.Date),
			Complexity:     0.4,
			Context: map[string]any{
				"required_faculty":  required,
				"available_faculty": faculty,
				"deficit":           required - faculty,
			},
		})
	}
	return conflicts, nil
}

// availabilityDetector finds assignments that fall inside an absence
type availabilityDetector struct{}

func (availabilityDetector) Name() string { return "availability" }

func (availabilityDetector) Detect(ctx context.Context, data *Data) ([]*Conflict, error) {
	var conflicts []*Conflict
	for _, absence := range data.Absences {
		var blocks []string
		var earliest time.Time
		for _, a := range data.ByPerson[absence.PersonID] {
			block, ok := data.Blocks[a.BlockID]
			if !ok || !absence.Covers(block.Date) {
				continue
			}
			blocks = append(blocks, a.BlockID)
			if earliest.IsZero() || block.Date.Before(earliest) {
				earliest = block.Date
			}
		}
		if len(blocks) == 0 {
			continue
		}
		person := data.People[absence.PersonID]
		name := absence.PersonID
		if person != nil {
			name = person.Name
		}
		conflicts = append(conflicts, &Conflict{
			Category:       CategoryAvailability,
			Type:           TypeAssignedDuringAbsence,
			Severity:       SeverityHigh,
			Title:          "Assigned during absence",
			Description:    fmt.Sprintf("%s is scheduled %d times during an absence (%s)", name, len(blocks), absence.Reason),
			StartDate:      absence.Start,
			EndDate:        absence.End,
			DetectedAt:     data.Now,
			AffectedPeople: []string{absence.PersonID},
			AffectedBlocks: blocks,
			Impact:         impactScore(1, len(blocks)),
			Urgency:        urgencyScore(data.Now, earliest),
			Complexity:     0.3,
		})
	}
	return conflicts, nil
}

// workloadDetector flags residents far above or below the mean
// assignment count
type workloadDetector struct{}

func (workloadDetector) Name() string { return "workload" }

func (workloadDetector) Detect(ctx context.Context, data *Data) ([]*Conflict, error) {
	residents := data.Residents()
	if len(residents) < 2 {
		return nil, nil
	}

	counts := make(map[string]int, len(residents))
	total := 0
	for _, resident := range residents {
		counts[resident.ID] = len(data.ByPerson[resident.ID])
		total += counts[resident.ID]
	}
	if total == 0 {
		return nil, nil
	}
	mean := float64(total) / float64(len(residents))

	var conflicts []*Conflict
	for _, resident := range residents {
		count := float64(counts[resident.ID])
		var conflictType Type
		var title string
		switch {
		case count > mean*1.5 && count-mean >= 2:
			conflictType = TypeExcessiveWorkload
			title = "Workload well above average"
		case count < mean*0.5 && mean-count >= 2:
			conflictType = TypeInsufficientWorkload
			title = "Workload well below average"
		default:
			continue
		}
		conflicts = append(conflicts, &Conflict{
			Category:       CategoryWorkload,
			Type:           conflictType,
			Severity:       SeverityLow,
			Title:          title,
			Description:    fmt.Sprintf("%s has %.0f assignments against a mean of %.1f", resident.Name, count, mean),
			StartDate:      data.Start,
			EndDate:        data.End,
			DetectedAt:     data.Now,
			AffectedPeople: []string{resident.ID},
			Impact:         impactScore(1, int(count)),
			Urgency:        urgencyScore(data.Now, data.Start),
			Complexity:     0.6,
			Context:        map[string]any{"count": counts[resident.ID], "mean": mean},
		})
	}
	return conflicts, nil
}

// patternDetector flags fatigue-inducing patterns short of an ACGME
// violation
type patternDetector struct{}

func (patternDetector) Name() string { return "pattern" }

const (
	backToBackDayThreshold  = 5 // Full AM+PM days in range
	consecutiveDayThreshold = 5 // Consecutive duty days
)

func (patternDetector) Detect(ctx context.Context, data *Data) ([]*Conflict, error) {
	var conflicts []*Conflict
	for _, resident := range data.Residents() {
		halves := make(map[time.Time]int)
		for _, a := range data.ByPerson[resident.ID] {
			if block, ok := data.Blocks[a.BlockID]; ok {
				halves[block.Date]++
			}
		}
		if len(halves) == 0 {
			continue
		}

		fullDays := 0
		for _, n := range halves {
			if n >= 2 {
				fullDays++
			}
		}
		if fullDays >= backToBackDayThreshold {
			conflicts = append(conflicts, &Conflict{
				Category:       CategoryPattern,
				Type:           TypeExcessiveBackToBack,
				Severity:       SeverityLow,
				Title:          "Dense back-to-back scheduling",
				Description:    fmt.Sprintf("%s works both halves on %d days in range", resident.Name, fullDays),
				StartDate:      data.Start,
				EndDate:        data.End,
				DetectedAt:     data.Now,
				AffectedPeople: []string{resident.ID},
				Impact:         impactScore(1, fullDays),
				Urgency:        urgencyScore(data.Now, data.Start),
				Complexity:     0.4,
			})
		}

		dates := lo.Keys(halves)
		sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
		run, maxRun := 1, 1
		for i := 1; i < len(dates); i++ {
			if dates[i].Sub(dates[i-1]) == 24*time.Hour {
				run++
			} else {
				run = 1
			}
			if run > maxRun {
				maxRun = run
			}
		}
		if maxRun >= consecutiveDayThreshold && maxRun <= validator.MaxConsecutiveDays {
			conflicts = append(conflicts, &Conflict{
				Category:       CategoryPattern,
				Type:           TypeConsecutiveDays,
				Severity:       SeverityMedium,
				Title:          "Long consecutive stretch",
				Description:    fmt.Sprintf("%s works %d consecutive days", resident.Name, maxRun),
				StartDate:      data.Start,
				EndDate:        data.End,
				DetectedAt:     data.Now,
				AffectedPeople: []string{resident.ID},
				Impact:         impactScore(1, maxRun),
				Urgency:        urgencyScore(data.Now, data.Start),
				Complexity:     0.3,
			})
		}
	}
	return conflicts, nil
}
