package conflict

import (
	"fmt"
	"sort"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// Category is the high-level family of a schedule conflict
type Category string

const (
	CategoryTimeOverlap  Category = "time_overlap"
	CategoryResource     Category = "resource_contention"
	CategoryACGME        Category = "acgme_violation"
	CategorySupervision  Category = "supervision_issue"
	CategoryAvailability Category = "availability_conflict"
	CategoryWorkload     Category = "workload_imbalance"
	CategoryPattern      Category = "pattern_violation"
)

// Severity orders conflicts by how urgently they block the schedule
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Ordinal maps severity to a sortable rank; higher is worse
func (s Severity) Ordinal() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Type is the specific kind of conflict detected
type Type string

const (
	TypeDoubleBooking         Type = "double_booking"
	TypeInsufficientCoverage  Type = "insufficient_coverage"
	TypeSupervisionRatio      Type = "supervision_ratio_violation"
	TypeEightyHour            Type = "eighty_hour_violation"
	TypeOneInSeven            Type = "one_in_seven_violation"
	TypeAssignedDuringAbsence Type = "assigned_during_absence"
	TypeExcessiveWorkload     Type = "excessive_workload"
	TypeInsufficientWorkload  Type = "insufficient_workload"
	TypeExcessiveBackToBack   Type = "excessive_back_to_back"
	TypeConsecutiveDays       Type = "excessive_consecutive_days"
)

// Conflict describes one detected rule violation over a date range.
// The three scores are independent signals in [0, 1].
type Conflict struct {
	ID       string
	Category Category
	Type     Type
	Severity Severity

	Title       string
	Description string

	StartDate  time.Time
	EndDate    time.Time
	DetectedAt time.Time

	AffectedPeople []string
	AffectedBlocks []string

	Impact     float64 // Breadth of the blast radius
	Urgency    float64 // How soon the earliest conflict date arrives
	Complexity float64 // Resolution difficulty

	Context map[string]any
}

// identity is the hashed subset determining conflict identity
type identity struct {
	Type   Type
	People []string
	Blocks []string
	Start  string
	End    string
}

// Fingerprint derives the deduplication id from the conflict's kind,
// affected entities, and date range
func (c *Conflict) Fingerprint() string {
	people := append([]string(nil), c.AffectedPeople...)
	blocks := append([]string(nil), c.AffectedBlocks...)
	sort.Strings(people)
	sort.Strings(blocks)

	hash, err := hashstructure.Hash(identity{
		Type:   c.Type,
		People: people,
		Blocks: blocks,
		Start:  c.StartDate.Format("2006-01-02"),
		End:    c.EndDate.Format("2006-01-02"),
	}, hashstructure.FormatV2, nil)
	if err != nil {
		// Hashing a plain struct cannot fail; keep a usable fallback
		return fmt.Sprintf("%s/%s/%s", c.Type, c.StartDate.Format("2006-01-02"), c.EndDate.Format("2006-01-02"))
	}
	return fmt.Sprintf("conf_%016x", hash)
}

// DisplayScore is the unified sorting score behind severity ordering
func (c *Conflict) DisplayScore() float64 {
	return c.Impact*0.5 + c.Urgency*0.3 + c.Complexity*0.2
}

// Summary aggregates a conflict list for reporting
type Summary struct {
	Total      int
	BySeverity map[Severity]int
	ByCategory map[Category]int
	ByType     map[Type]int
	Critical   []*Conflict
}
