package solver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medforge/rosterd/pkg/config"
	"github.com/medforge/rosterd/pkg/kv"
	"github.com/medforge/rosterd/pkg/log"
	"github.com/medforge/rosterd/pkg/snapshot"
	"github.com/medforge/rosterd/pkg/storage"
	"github.com/medforge/rosterd/pkg/types"
	"github.com/medforge/rosterd/pkg/validator"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type clinicWeek struct {
	repo   *storage.BoltStore
	r1, r2 *types.Person // r1 is PGY-1, r2 is PGY-2
	f1     *types.Person
	blocks []*types.Block
	start  time.Time
	end    time.Time
}

// newClinicWeek builds the canonical small instance: two residents, one
// faculty, seven days of AM+PM clinic blocks
func newClinicWeek(t *testing.T) *clinicWeek {
	t.Helper()
	repo, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	w := &clinicWeek{repo: repo, start: date(2026, 1, 5)}
	w.end = w.start.AddDate(0, 0, 6)

	w.r1 = &types.Person{Name: "R1", Type: types.PersonTypeResident, PGYLevel: 1}
	w.r2 = &types.Person{Name: "R2", Type: types.PersonTypeResident, PGYLevel: 2}
	w.f1 = &types.Person{Name: "F1", Type: types.PersonTypeFaculty}
	for _, person := range []*types.Person{w.r1, w.r2, w.f1} {
		require.NoError(t, repo.CreatePerson(person))
	}

	for day := 0; day < 7; day++ {
		for _, half := range []types.HalfDay{types.HalfDayAM, types.HalfDayPM} {
			block := &types.Block{Date: w.start.AddDate(0, 0, day), HalfDay: half}
			require.NoError(t, repo.CreateBlock(block))
			w.blocks = append(w.blocks, block)
		}
	}
	return w
}

func newSolver(repo storage.Repository, checkpoints *snapshot.Store) *Solver {
	cfg := config.Default().Solver
	cfg.Timeout = 30 * time.Second
	cfg.CheckpointInterval = 100
	return New(repo, checkpoints, cfg)
}

func TestGenerate_BasicWeek(t *testing.T) {
	w := newClinicWeek(t)
	s := newSolver(w.repo, nil)

	result, err := s.Generate(context.Background(), w.start, w.end, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusOK, result.Status)
	assert.Empty(t, result.Violations)
	assert.InDelta(t, 100.0, result.Coverage, 0.001)

	// Exactly one primary resident per block, at least one faculty on
	// every block carrying a resident
	primaries := make(map[string]int)
	supervision := make(map[string]int)
	for _, a := range result.Assignments {
		switch a.Role {
		case types.AssignmentRolePrimary:
			primaries[a.BlockID]++
		case types.AssignmentRoleSupervising:
			supervision[a.BlockID]++
		}
	}
	for _, block := range w.blocks {
		assert.Equal(t, 1, primaries[block.ID], "block %s should have one primary", block.DisplayName())
		assert.GreaterOrEqual(t, supervision[block.ID], 1, "block %s needs supervision", block.DisplayName())
	}

	// No resident works seven consecutive days
	for _, resident := range []*types.Person{w.r1, w.r2} {
		days := make(map[time.Time]bool)
		blockDates := make(map[string]time.Time)
		for _, block := range w.blocks {
			blockDates[block.ID] = block.Date
		}
		for _, a := range result.Assignments {
			if a.PersonID == resident.ID {
				days[blockDates[a.BlockID]] = true
			}
		}
		assert.Less(t, len(days), 7, "resident %s must have a day off", resident.Name)
	}

	// The candidate passes ACGME validation
	check, err := validator.New(w.repo).Validate(w.start, w.end, result.Assignments)
	require.NoError(t, err)
	for _, violation := range check.Violations {
		assert.NotEqual(t, validator.SeverityCritical, violation.Severity,
			"unexpected critical violation: %s", violation.Message)
	}
}

func TestGenerate_CommitPersistsAssignments(t *testing.T) {
	w := newClinicWeek(t)
	s := newSolver(w.repo, nil)

	result, err := s.Generate(context.Background(), w.start, w.end, Options{Commit: true})
	require.NoError(t, err)
	require.Equal(t, StatusOK, result.Status)

	stored, err := w.repo.AssignmentsInRange(w.start, w.end, "")
	require.NoError(t, err)
	assert.Len(t, stored, len(result.Assignments))
}

func TestGenerate_AbsentResidentNeverScheduled(t *testing.T) {
	w := newClinicWeek(t)
	require.NoError(t, w.repo.CreateAbsence(&types.Absence{
		PersonID: w.r1.ID,
		Start:    w.start,
		End:      w.start.AddDate(0, 0, 2),
		Reason:   "leave",
	}))

	s := newSolver(w.repo, nil)
	result, err := s.Generate(context.Background(), w.start, w.end, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusOK, result.Status)

	blockDates := make(map[string]time.Time)
	for _, block := range w.blocks {
		blockDates[block.ID] = block.Date
	}
	for _, a := range result.Assignments {
		if a.PersonID == w.r1.ID {
			assert.True(t, blockDates[a.BlockID].After(w.start.AddDate(0, 0, 2)),
				"r1 scheduled during absence")
		}
	}
}

func TestGenerate_NoEligiblePeopleYieldsUncoveredBlocks(t *testing.T) {
	repo, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	resident := &types.Person{Name: "R1", Type: types.PersonTypeResident, PGYLevel: 1}
	require.NoError(t, repo.CreatePerson(resident))
	start := date(2026, 1, 5)
	block := &types.Block{Date: start, HalfDay: types.HalfDayAM}
	require.NoError(t, repo.CreateBlock(block))

	// The only resident is absent: the block is uncovered, not an error
	require.NoError(t, repo.CreateAbsence(&types.Absence{
		PersonID: resident.ID, Start: start, End: start,
	}))

	s := newSolver(repo, nil)
	result, err := s.Generate(context.Background(), start, start, Options{})
	require.NoError(t, err)
	require.Equal(t, StatusOK, result.Status)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, KindUncoveredBlock, result.Violations[0].Kind)
	assert.Equal(t, block.ID, result.Violations[0].BlockID)
	assert.Positive(t, result.Violations[0].Cost)
}

func TestGenerate_InfeasibleSupervisionReturnsUnsatCore(t *testing.T) {
	repo, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	resident := &types.Person{Name: "R1", Type: types.PersonTypeResident, PGYLevel: 1}
	require.NoError(t, repo.CreatePerson(resident))
	start := date(2026, 1, 5)
	block := &types.Block{Date: start, HalfDay: types.HalfDayAM}
	require.NoError(t, repo.CreateBlock(block))

	// A preserved assignment pins the resident to the block, and there
	// is no faculty anywhere to satisfy supervision
	require.NoError(t, repo.SaveAssignments([]*types.Assignment{
		{PersonID: resident.ID, BlockID: block.ID, Role: types.AssignmentRolePrimary},
	}))

	s := newSolver(repo, nil)
	result, err := s.Generate(context.Background(), start, start, Options{PreserveExisting: true})
	require.NoError(t, err)
	require.Equal(t, StatusInfeasible, result.Status)
	require.Len(t, result.UnsatCore, 1)
	assert.Equal(t, "supervision_ratio", result.UnsatCore[0].Kind)
	assert.Equal(t, block.ID, result.UnsatCore[0].BlockID)
	assert.Empty(t, result.Assignments, "infeasible runs commit nothing")
}

func TestGenerate_CanceledRunSavesCheckpoint(t *testing.T) {
	w := newClinicWeek(t)
	checkpoints := snapshot.NewStore(kv.NewMemory())
	s := newSolver(w.repo, checkpoints)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(2 * time.Millisecond)
		cancel()
	}()

	result, err := s.Generate(ctx, w.start, w.end, Options{RunID: "run-cancel"})
	require.NoError(t, err)

	if result.Status == StatusOK {
		// The search finished before the cancel landed; nothing to verify
		t.Skip("search completed before cancellation")
	}
	require.Equal(t, StatusCanceled, result.Status)

	if len(result.Assignments) > 0 {
		checkpoint, err := checkpoints.Load(context.Background(), "run-cancel")
		require.NoError(t, err)
		require.NotNil(t, checkpoint)
		assert.Equal(t, result.Score, checkpoint.Score)
	}
}

func TestGenerate_ResumeFromCheckpoint(t *testing.T) {
	w := newClinicWeek(t)
	checkpoints := snapshot.NewStore(kv.NewMemory())

	// First run is cut off mid-search, leaving a checkpoint behind
	cfg := config.Default().Solver
	cfg.Timeout = 5 * time.Millisecond
	cfg.CheckpointInterval = 50
	first := New(w.repo, checkpoints, cfg)

	firstResult, err := first.Generate(context.Background(), w.start, w.end, Options{RunID: "run-resume"})
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, firstResult.Status)
	require.NotEmpty(t, firstResult.Assignments, "timeout returns the best-so-far")

	checkpoint, err := checkpoints.Load(context.Background(), "run-resume")
	require.NoError(t, err)
	require.NotNil(t, checkpoint)

	// A fresh process resumes the run and completes
	second := newSolver(w.repo, checkpoints)
	resumed, err := second.Generate(context.Background(), w.start, w.end, Options{RunID: "run-resume"})
	require.NoError(t, err)
	require.Equal(t, StatusOK, resumed.Status)

	// Non-regression: the finished score is no worse than the checkpoint
	assert.LessOrEqual(t, resumed.Score, checkpoint.Score)

	// No duplicate (person, block) pairs
	seen := make(map[string]bool)
	for _, a := range resumed.Assignments {
		key := a.PersonID + "/" + a.BlockID
		assert.False(t, seen[key], "duplicate assignment %s", key)
		seen[key] = true
	}
}

func TestGini(t *testing.T) {
	residents := []*types.Person{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	even := gini(residents, map[string]int{"a": 5, "b": 5, "c": 5})
	assert.InDelta(t, 0.0, even, 0.001)

	skewed := gini(residents, map[string]int{"a": 15, "b": 0, "c": 0})
	assert.Greater(t, skewed, 0.5)

	assert.Zero(t, gini(nil, nil))
}

func TestSequencingPenalty(t *testing.T) {
	monday := date(2026, 1, 5)
	byDay := map[string]map[time.Time]string{
		"r1": {
			monday:                  "clinic",
			monday.AddDate(0, 0, 1): "clinic",
			monday.AddDate(0, 0, 2): "call",
		},
	}
	// One switch over two day-to-day transitions
	assert.InDelta(t, 0.5, sequencingPenalty(byDay), 0.001)
}
