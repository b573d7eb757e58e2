package validator

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/medforge/rosterd/pkg/log"
	"github.com/medforge/rosterd/pkg/storage"
	"github.com/medforge/rosterd/pkg/types"
)

// ACGME duty-hour constants
const (
	// MaxWeeklyHours is the duty-hour ceiling averaged over the rolling window
	MaxWeeklyHours = 80

	// HoursPerHalfDay is the duty credit for one AM or PM block
	HoursPerHalfDay = 6

	// RollingWindowWeeks is the averaging window for the 80-hour rule
	RollingWindowWeeks = 4

	// MaxConsecutiveDays is the longest permitted run of duty days (1-in-7)
	MaxConsecutiveDays = 6
)

// Violation kinds
const (
	KindEightyHour       = "80_HOUR_VIOLATION"
	KindOneInSeven       = "1_IN_7_VIOLATION"
	KindSupervisionRatio = "SUPERVISION_RATIO_VIOLATION"
)

// Severity levels for violations
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
)

// Violation describes one ACGME rule breach
type Violation struct {
	Kind       string
	Severity   string
	PersonID   string
	PersonName string
	BlockID    string
	Message    string
	Details    map[string]any
}

// Result aggregates a validation pass
type Result struct {
	Valid           bool
	TotalViolations int
	Violations      []Violation
	CoverageRate    float64 // Percent of non-weekend blocks with at least one assignment
	Statistics      map[string]int
}

// Validator checks schedules against ACGME duty-hour and supervision
// requirements. All three enforced rules block scheduling actions, so
// every violation carries CRITICAL severity.
type Validator struct {
	repo   storage.Repository
	logger zerolog.Logger
}

// New creates a validator over the repository
func New(repo storage.Repository) *Validator {
	return &Validator{
		repo:   repo,
		logger: log.WithComponent("validator"),
	}
}

// Validate runs all ACGME checks for the date range. When candidate is
// nil, persisted assignments in range are validated; otherwise the
// candidate set is validated in place of the stored schedule.
func (v *Validator) Validate(start, end time.Time, candidate []*types.Assignment) (*Result, error) {
	residents, err := v.repo.PeopleByType(types.PersonTypeResident)
	if err != nil {
		return nil, fmt.Errorf("failed to load residents: %w", err)
	}

	blocks, err := v.repo.BlocksInRange(start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load blocks: %w", err)
	}
	blocksByID := make(map[string]*types.Block, len(blocks))
	for _, block := range blocks {
		blocksByID[block.ID] = block
	}

	assignments := candidate
	if assignments == nil {
		assignments, err = v.repo.AssignmentsInRange(start, end, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load assignments: %w", err)
		}
	} else {
		// Candidate sets may span more than the requested window
		inRange := make([]*types.Assignment, 0, len(assignments))
		for _, a := range assignments {
			if block, ok := blocksByID[a.BlockID]; ok && !block.Date.Before(start) && !block.Date.After(end) {
				inRange = append(inRange, a)
			}
		}
		assignments = inRange
	}

	people, err := v.repo.ListPeople()
	if err != nil {
		return nil, fmt.Errorf("failed to load people: %w", err)
	}
	peopleByID := make(map[string]*types.Person, len(people))
	for _, person := range people {
		peopleByID[person.ID] = person
	}

	var violations []Violation

	byPerson := make(map[string][]*types.Assignment)
	for _, a := range assignments {
		byPerson[a.PersonID] = append(byPerson[a.PersonID], a)
	}

	for _, resident := range residents {
		own := byPerson[resident.ID]
		violations = append(violations, v.checkEightyHourRule(resident, own, blocksByID)...)
		violations = append(violations, v.checkOneInSevenRule(resident, own, blocksByID)...)
	}

	violations = append(violations, v.checkSupervisionRatios(assignments, peopleByID, blocksByID)...)

	// Coverage over non-weekend blocks
	totalWorkBlocks := 0
	for _, block := range blocks {
		if !block.IsWeekend {
			totalWorkBlocks++
		}
	}
	assignedWorkBlocks := make(map[string]struct{})
	for _, a := range assignments {
		if block, ok := blocksByID[a.BlockID]; ok && !block.IsWeekend {
			assignedWorkBlocks[a.BlockID] = struct{}{}
		}
	}
	coverage := 0.0
	if totalWorkBlocks > 0 {
		coverage = float64(len(assignedWorkBlocks)) / float64(totalWorkBlocks) * 100
	}

	residentsScheduled := 0
	for personID := range byPerson {
		if person, ok := peopleByID[personID]; ok && person.IsResident() {
			residentsScheduled++
		}
	}

	return &Result{
		Valid:           len(violations) == 0,
		TotalViolations: len(violations),
		Violations:      violations,
		CoverageRate:    coverage,
		Statistics: map[string]int{
			"total_assignments":   len(assignments),
			"total_blocks":        len(blocks),
			"residents_scheduled": residentsScheduled,
		},
	}, nil
}

// checkEightyHourRule scans every 28-day window of a resident's duty
// hours. The first offending window is reported once per resident.
func (v *Validator) checkEightyHourRule(resident *types.Person, assignments []*types.Assignment, blocksByID map[string]*types.Block) []Violation {
	if len(assignments) == 0 {
		return nil
	}

	hoursByDate := make(map[time.Time]int)
	for _, a := range assignments {
		if block, ok := blocksByID[a.BlockID]; ok {
			hoursByDate[block.Date] += HoursPerHalfDay
		}
	}
	if len(hoursByDate) == 0 {
		return nil
	}

	dates := make([]time.Time, 0, len(hoursByDate))
	for date := range hoursByDate {
		dates = append(dates, date)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	windowDays := RollingWindowWeeks * 7
	for _, windowStart := range dates {
		windowEnd := windowStart.AddDate(0, 0, windowDays-1)

		total := 0
		for date, hours := range hoursByDate {
			if !date.Before(windowStart) && !date.After(windowEnd) {
				total += hours
			}
		}

		avgWeekly := float64(total) / RollingWindowWeeks
		if avgWeekly > MaxWeeklyHours {
			return []Violation{{
				Kind:       KindEightyHour,
				Severity:   SeverityCritical,
				PersonID:   resident.ID,
				PersonName: resident.Name,
				Message: fmt.Sprintf("%s: %.1f hours/week (limit: %d)",
					resident.Name, avgWeekly, MaxWeeklyHours),
				Details: map[string]any{
					"window_start":         windowStart.Format("2006-01-02"),
					"window_end":           windowEnd.Format("2006-01-02"),
					"average_weekly_hours": avgWeekly,
				},
			}}
		}
	}
	return nil
}

// checkOneInSevenRule finds the longest run of consecutive duty days
func (v *Validator) checkOneInSevenRule(resident *types.Person, assignments []*types.Assignment, blocksByID map[string]*types.Block) []Violation {
	if len(assignments) == 0 {
		return nil
	}

	dutyDates := make(map[time.Time]struct{})
	for _, a := range assignments {
		if block, ok := blocksByID[a.BlockID]; ok {
			dutyDates[block.Date] = struct{}{}
		}
	}
	if len(dutyDates) == 0 {
		return nil
	}

	dates := make([]time.Time, 0, len(dutyDates))
	for date := range dutyDates {
		dates = append(dates, date)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	consecutive := 1
	maxConsecutive := 1
	for i := 1; i < len(dates); i++ {
		if dates[i].Sub(dates[i-1]) == 24*time.Hour {
			consecutive++
			if consecutive > maxConsecutive {
				maxConsecutive = consecutive
			}
		} else {
			consecutive = 1
		}
	}

	if maxConsecutive > MaxConsecutiveDays {
		return []Violation{{
			Kind:       KindOneInSeven,
			Severity:   SeverityCritical,
			PersonID:   resident.ID,
			PersonName: resident.Name,
			Message: fmt.Sprintf("%s: %d consecutive duty days (limit: %d)",
				resident.Name, maxConsecutive, MaxConsecutiveDays),
			Details: map[string]any{
				"consecutive_days": maxConsecutive,
			},
		}}
	}
	return nil
}

// RequiredFaculty returns the supervision requirement for a block's
// resident mix: one faculty per two PGY-1s plus one per four seniors,
// never less than one
func RequiredFaculty(pgy1Count, otherCount int) int {
	required := (pgy1Count+1)/2 + (otherCount+3)/4
	if required < 1 {
		required = 1
	}
	return required
}

// checkSupervisionRatios compares faculty presence to the requirement
// on every block that has residents
func (v *Validator) checkSupervisionRatios(assignments []*types.Assignment, peopleByID map[string]*types.Person, blocksByID map[string]*types.Block) []Violation {
	byBlock := make(map[string][]*types.Assignment)
	for _, a := range assignments {
		byBlock[a.BlockID] = append(byBlock[a.BlockID], a)
	}

	blockIDs := make([]string, 0, len(byBlock))
	for blockID := range byBlock {
		blockIDs = append(blockIDs, blockID)
	}
	sort.Strings(blockIDs)

	var violations []Violation
	for _, blockID := range blockIDs {
		pgy1 := 0
		otherResidents := 0
		faculty := 0
		for _, a := range byBlock[blockID] {
			person, ok := peopleByID[a.PersonID]
			if !ok {
				continue
			}
			switch {
			case person.IsResident() && person.PGYLevel == 1:
				pgy1++
			case person.IsResident():
				otherResidents++
			case person.Type == types.PersonTypeFaculty:
				faculty++
			}
		}

		residents := pgy1 + otherResidents
		if residents == 0 {
			continue
		}

		required := RequiredFaculty(pgy1, otherResidents)
		if faculty < required {
			label := blockID
			if block, ok := blocksByID[blockID]; ok {
				label = block.DisplayName()
			}
			violations = append(violations, Violation{
				Kind:     KindSupervisionRatio,
				Severity: SeverityCritical,
				BlockID:  blockID,
				Message: fmt.Sprintf("Block %s: %d faculty for %d residents (need %d)",
					label, faculty, residents, required),
				Details: map[string]any{
					"residents":        residents,
					"pgy1_count":       pgy1,
					"faculty":          faculty,
					"required_faculty": required,
				},
			})
		}
	}
	return violations
}
