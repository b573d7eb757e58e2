package conflict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medforge/rosterd/pkg/log"
	"github.com/medforge/rosterd/pkg/storage"
	"github.com/medforge/rosterd/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// schedule builds a store with one unsupervised resident working eight
// consecutive days and one uncovered weekday block
func schedule(t *testing.T) (*storage.BoltStore, *types.Person, time.Time, time.Time) {
	t.Helper()
	repo, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	resident := &types.Person{Name: "R1", Type: types.PersonTypeResident, PGYLevel: 1}
	require.NoError(t, repo.CreatePerson(resident))

	start := date(2026, 1, 5)
	var assignments []*types.Assignment
	for day := 0; day < 8; day++ {
		block := &types.Block{Date: start.AddDate(0, 0, day), HalfDay: types.HalfDayAM}
		require.NoError(t, repo.CreateBlock(block))
		assignments = append(assignments, &types.Assignment{PersonID: resident.ID, BlockID: block.ID})
	}
	// One weekday block nobody covers
	uncovered := &types.Block{Date: start.AddDate(0, 0, 8), HalfDay: types.HalfDayAM}
	require.NoError(t, repo.CreateBlock(uncovered))

	require.NoError(t, repo.SaveAssignments(assignments))
	return repo, resident, start, start.AddDate(0, 0, 8)
}

func TestAnalyze_FindsExpectedCategories(t *testing.T) {
	repo, resident, start, end := schedule(t)

	engine := NewEngine(repo)
	engine.SetClock(func() time.Time { return start.AddDate(0, 0, -1) })

	conflicts, err := engine.Analyze(context.Background(), start, end, "")
	require.NoError(t, err)
	require.NotEmpty(t, conflicts)

	byType := make(map[Type][]*Conflict)
	for _, c := range conflicts {
		byType[c.Type] = append(byType[c.Type], c)
	}

	require.Len(t, byType[TypeOneInSeven], 1, "eight consecutive days is a 1-in-7 conflict")
	assert.Equal(t, SeverityCritical, byType[TypeOneInSeven][0].Severity)
	assert.Contains(t, byType[TypeOneInSeven][0].AffectedPeople, resident.ID)

	require.Len(t, byType[TypeSupervisionRatio], 8, "every resident block lacks faculty")
	require.Len(t, byType[TypeInsufficientCoverage], 1)

	// Sorted worst-first: critical conflicts lead
	assert.Equal(t, SeverityCritical, conflicts[0].Severity)

	// Scores stay in range
	for _, c := range conflicts {
		assert.GreaterOrEqual(t, c.Impact, 0.0)
		assert.LessOrEqual(t, c.Impact, 1.0)
		assert.GreaterOrEqual(t, c.Urgency, 0.0)
		assert.LessOrEqual(t, c.Urgency, 1.0)
		assert.GreaterOrEqual(t, c.Complexity, 0.0)
		assert.LessOrEqual(t, c.Complexity, 1.0)
		assert.NotEmpty(t, c.ID)
	}
}

func TestAnalyze_DeduplicatesByFingerprint(t *testing.T) {
	repo, _, start, end := schedule(t)

	engine := NewEngine(repo)
	conflicts, err := engine.Analyze(context.Background(), start, end, "")
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, c := range conflicts {
		assert.False(t, seen[c.ID], "duplicate conflict id %s", c.ID)
		seen[c.ID] = true
	}
}

func TestFingerprint_StableAcrossEntityOrder(t *testing.T) {
	base := &Conflict{
		Type:           TypeSupervisionRatio,
		AffectedPeople: []string{"p1", "p2"},
		AffectedBlocks: []string{"b1"},
		StartDate:      date(2026, 1, 5),
		EndDate:        date(2026, 1, 5),
	}
	swapped := &Conflict{
		Type:           TypeSupervisionRatio,
		AffectedPeople: []string{"p2", "p1"},
		AffectedBlocks: []string{"b1"},
		StartDate:      date(2026, 1, 5),
		EndDate:        date(2026, 1, 5),
	}
	other := &Conflict{
		Type:           TypeSupervisionRatio,
		AffectedPeople: []string{"p1", "p2"},
		AffectedBlocks: []string{"b1"},
		StartDate:      date(2026, 1, 6),
		EndDate:        date(2026, 1, 6),
	}

	assert.Equal(t, base.Fingerprint(), swapped.Fingerprint())
	assert.NotEqual(t, base.Fingerprint(), other.Fingerprint())
}

func TestSummarize(t *testing.T) {
	conflicts := []*Conflict{
		{Severity: SeverityCritical, Category: CategoryACGME, Type: TypeEightyHour},
		{Severity: SeverityCritical, Category: CategorySupervision, Type: TypeSupervisionRatio},
		{Severity: SeverityLow, Category: CategoryWorkload, Type: TypeExcessiveWorkload},
	}

	summary := Summarize(conflicts)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.BySeverity[SeverityCritical])
	assert.Len(t, summary.Critical, 2)
	assert.Equal(t, 1, summary.ByCategory[CategoryWorkload])
}

func TestTimelineAndHeatmap(t *testing.T) {
	start := date(2026, 1, 5)
	conflicts := []*Conflict{
		{
			Severity:  SeverityCritical,
			StartDate: start,
			EndDate:   start.AddDate(0, 0, 1),
			Impact:    0.9, Urgency: 0.9, Complexity: 0.5,
		},
		{
			Severity:  SeverityLow,
			StartDate: start,
			EndDate:   start,
			Impact:    0.1, Urgency: 0.1, Complexity: 0.1,
		},
	}

	points := Timeline(conflicts, start, start.AddDate(0, 0, 2))
	require.Len(t, points, 3)
	assert.Equal(t, 2, points[0].Count)
	assert.Equal(t, SeverityCritical, points[0].Severity)
	assert.Equal(t, 1, points[1].Count)
	assert.Zero(t, points[2].Count)

	cells := Heatmap(conflicts, start, start.AddDate(0, 0, 2))
	require.Len(t, cells, 3)
	assert.Equal(t, HeatCritical, cells[0].Level)
	assert.Equal(t, HeatCritical, cells[1].Level)
	assert.Equal(t, HeatNone, cells[2].Level)
}

func TestRankPeople(t *testing.T) {
	conflicts := []*Conflict{
		{Severity: SeverityCritical, AffectedPeople: []string{"p1"}},
		{Severity: SeverityLow, AffectedPeople: []string{"p1", "p2"}},
		{Severity: SeverityMedium, AffectedPeople: []string{"p2"}},
	}

	impacts := RankPeople(conflicts)
	require.Len(t, impacts, 2)
	assert.Equal(t, "p1", impacts[0].PersonID)
	assert.Equal(t, 2, impacts[0].Count)
	assert.Equal(t, SeverityCritical, impacts[0].MaxSeverity)
}

func TestDistribute(t *testing.T) {
	conflicts := []*Conflict{
		{Category: CategoryACGME, Type: TypeEightyHour, Severity: SeverityCritical},
		{Category: CategoryACGME, Type: TypeOneInSeven, Severity: SeverityCritical},
		{Category: CategoryPattern, Type: TypeConsecutiveDays, Severity: SeverityMedium},
	}
	distribution := Distribute(conflicts)
	assert.Equal(t, 2, distribution.ByCategory[CategoryACGME])
	assert.Equal(t, 2, distribution.BySeverity[SeverityCritical])
	assert.Equal(t, 1, distribution.ByType[TypeConsecutiveDays])
}
