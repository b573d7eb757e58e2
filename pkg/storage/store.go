package storage

import (
	"errors"
	"time"

	"github.com/medforge/rosterd/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = errors.New("storage: entity not found")

	// ErrHasAssignments is returned when deleting an entity that
	// existing assignments still reference
	ErrHasAssignments = errors.New("storage: entity is referenced by assignments")

	// ErrDuplicateBlock is returned when a block with the same
	// (date, half-day) already exists
	ErrDuplicateBlock = errors.New("storage: block already exists for date and half-day")
)

// Repository is the persistence facade consumed by the solver,
// validator, conflict engine, and job scheduler
type Repository interface {
	// People
	CreatePerson(person *types.Person) error
	GetPerson(id string) (*types.Person, error)
	PeopleByType(personType types.PersonType) ([]*types.Person, error)
	ListPeople() ([]*types.Person, error)
	UpdatePerson(person *types.Person) error
	DeletePerson(id string) error

	// Blocks
	CreateBlock(block *types.Block) error
	GetBlock(id string) (*types.Block, error)
	BlocksInRange(start, end time.Time) ([]*types.Block, error)
	DeleteBlock(id string) error

	// Assignments
	SaveAssignments(assignments []*types.Assignment) error
	AssignmentsInRange(start, end time.Time, personID string) ([]*types.Assignment, error)
	DeleteAssignmentsInRange(start, end time.Time) (int, error)

	// Rotation templates
	CreateTemplate(template *types.RotationTemplate) error
	GetTemplate(id string) (*types.RotationTemplate, error)
	ListTemplates() ([]*types.RotationTemplate, error)

	// Absences
	CreateAbsence(absence *types.Absence) error
	AbsencesInRange(start, end time.Time, personID string) ([]*types.Absence, error)

	// Credentials
	AddCredential(credential *types.Credential) error
	CredentialsFor(personID string) ([]*types.Credential, error)

	// Scheduled jobs
	CreateJob(job *types.ScheduledJob) error
	GetJob(id string) (*types.ScheduledJob, error)
	ListJobs(enabledOnly bool) ([]*types.ScheduledJob, error)
	UpdateJob(job *types.ScheduledJob) error
	DeleteJob(id string) error

	// Job executions
	RecordExecution(execution *types.JobExecution) error
	UpdateExecution(execution *types.JobExecution) error
	ListExecutions(jobID string, limit int) ([]*types.JobExecution, error)

	// Utility
	Close() error
}
