package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medforge/rosterd/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestBlockUniqueness(t *testing.T) {
	store := newTestStore(t)

	block := &types.Block{Date: date(2026, 1, 5), HalfDay: types.HalfDayAM}
	require.NoError(t, store.CreateBlock(block))

	dup := &types.Block{Date: date(2026, 1, 5), HalfDay: types.HalfDayAM}
	err := store.CreateBlock(dup)
	assert.ErrorIs(t, err, ErrDuplicateBlock)

	// Same date, other half-day is fine
	pm := &types.Block{Date: date(2026, 1, 5), HalfDay: types.HalfDayPM}
	assert.NoError(t, store.CreateBlock(pm))
}

func TestSaveAssignments_UpsertPerPersonBlock(t *testing.T) {
	store := newTestStore(t)

	person := &types.Person{Name: "R1", Type: types.PersonTypeResident, PGYLevel: 1}
	require.NoError(t, store.CreatePerson(person))
	block := &types.Block{Date: date(2026, 1, 5), HalfDay: types.HalfDayAM}
	require.NoError(t, store.CreateBlock(block))

	first := &types.Assignment{PersonID: person.ID, BlockID: block.ID, Role: types.AssignmentRolePrimary}
	require.NoError(t, store.SaveAssignments([]*types.Assignment{first}))

	// Saving again for the same (person, block) replaces, not duplicates
	second := &types.Assignment{PersonID: person.ID, BlockID: block.ID, Role: types.AssignmentRoleBackup}
	require.NoError(t, store.SaveAssignments([]*types.Assignment{second}))

	assignments, err := store.AssignmentsInRange(date(2026, 1, 1), date(2026, 1, 31), "")
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, types.AssignmentRoleBackup, assignments[0].Role)
}

func TestSaveAssignments_UnknownReferencesRefused(t *testing.T) {
	store := newTestStore(t)

	person := &types.Person{Name: "R1", Type: types.PersonTypeResident}
	require.NoError(t, store.CreatePerson(person))

	a := &types.Assignment{PersonID: person.ID, BlockID: "no-such-block"}
	err := store.SaveAssignments([]*types.Assignment{a})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeletePerson_RefusedWhileAssigned(t *testing.T) {
	store := newTestStore(t)

	person := &types.Person{Name: "R1", Type: types.PersonTypeResident}
	require.NoError(t, store.CreatePerson(person))
	block := &types.Block{Date: date(2026, 1, 5), HalfDay: types.HalfDayAM}
	require.NoError(t, store.CreateBlock(block))
	require.NoError(t, store.SaveAssignments([]*types.Assignment{
		{PersonID: person.ID, BlockID: block.ID},
	}))

	err := store.DeletePerson(person.ID)
	assert.ErrorIs(t, err, ErrHasAssignments)

	_, err = store.DeleteAssignmentsInRange(date(2026, 1, 1), date(2026, 1, 31))
	require.NoError(t, err)

	assert.NoError(t, store.DeletePerson(person.ID))
}

func TestAssignmentsInRange_FiltersByPersonAndDate(t *testing.T) {
	store := newTestStore(t)

	r1 := &types.Person{Name: "R1", Type: types.PersonTypeResident}
	r2 := &types.Person{Name: "R2", Type: types.PersonTypeResident}
	require.NoError(t, store.CreatePerson(r1))
	require.NoError(t, store.CreatePerson(r2))

	inRange := &types.Block{Date: date(2026, 1, 10), HalfDay: types.HalfDayAM}
	outOfRange := &types.Block{Date: date(2026, 2, 10), HalfDay: types.HalfDayAM}
	require.NoError(t, store.CreateBlock(inRange))
	require.NoError(t, store.CreateBlock(outOfRange))

	require.NoError(t, store.SaveAssignments([]*types.Assignment{
		{PersonID: r1.ID, BlockID: inRange.ID},
		{PersonID: r2.ID, BlockID: inRange.ID},
		{PersonID: r1.ID, BlockID: outOfRange.ID},
	}))

	assignments, err := store.AssignmentsInRange(date(2026, 1, 1), date(2026, 1, 31), r1.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, inRange.ID, assignments[0].BlockID)

	all, err := store.AssignmentsInRange(date(2026, 1, 1), date(2026, 1, 31), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestAbsencesInRange_OverlapSemantics(t *testing.T) {
	store := newTestStore(t)

	person := &types.Person{Name: "R1", Type: types.PersonTypeResident}
	require.NoError(t, store.CreatePerson(person))

	require.NoError(t, store.CreateAbsence(&types.Absence{
		PersonID: person.ID,
		Start:    date(2026, 1, 10),
		End:      date(2026, 1, 20),
		Reason:   "leave",
	}))

	// Window overlapping the tail of the absence
	absences, err := store.AbsencesInRange(date(2026, 1, 18), date(2026, 1, 25), person.ID)
	require.NoError(t, err)
	assert.Len(t, absences, 1)

	// Disjoint window
	absences, err = store.AbsencesInRange(date(2026, 2, 1), date(2026, 2, 10), person.ID)
	require.NoError(t, err)
	assert.Empty(t, absences)
}

func TestJobRoundTrip(t *testing.T) {
	store := newTestStore(t)

	job := &types.ScheduledJob{
		Name:    "nightly-validation",
		FuncRef: "validate_schedule",
		Trigger: types.TriggerSpec{Kind: types.TriggerCron, Cron: "0 2 * * *", Timezone: "UTC"},
		Enabled: true,
	}
	require.NoError(t, store.CreateJob(job))

	jobs, err := store.ListJobs(true)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "0 2 * * *", jobs[0].Trigger.Cron)

	job.Enabled = false
	require.NoError(t, store.UpdateJob(job))

	jobs, err = store.ListJobs(true)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.NoError(t, store.DeleteJob(job.ID))
	jobs, err = store.ListJobs(false)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestListExecutions_NewestFirstWithLimit(t *testing.T) {
	store := newTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.RecordExecution(&types.JobExecution{
			JobID:         "job-1",
			ScheduledTime: base.Add(time.Duration(i) * time.Hour),
			StartedAt:     base.Add(time.Duration(i) * time.Hour),
			Result:        "ok",
		}))
	}

	executions, err := store.ListExecutions("job-1", 3)
	require.NoError(t, err)
	require.Len(t, executions, 3)
	assert.True(t, executions[0].StartedAt.After(executions[1].StartedAt))
	assert.True(t, executions[1].StartedAt.After(executions[2].StartedAt))
}

func TestCredentialsFor(t *testing.T) {
	store := newTestStore(t)

	expiry := date(2027, 6, 30)
	require.NoError(t, store.AddCredential(&types.Credential{
		PersonID: "p1", Kind: "ACLS", IssuedAt: date(2025, 6, 30), ExpiresAt: &expiry,
	}))
	require.NoError(t, store.AddCredential(&types.Credential{
		PersonID: "p1", Kind: "BLS", IssuedAt: date(2024, 1, 1),
	}))
	require.NoError(t, store.AddCredential(&types.Credential{
		PersonID: "p2", Kind: "ACLS", IssuedAt: date(2025, 1, 1),
	}))

	credentials, err := store.CredentialsFor("p1")
	require.NoError(t, err)
	assert.Len(t, credentials, 2)
}
