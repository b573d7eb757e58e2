package types

import (
	"fmt"
	"time"
)

// PersonType defines the clinical role of a person
type PersonType string

const (
	PersonTypeResident      PersonType = "resident"
	PersonTypeFaculty       PersonType = "faculty"
	PersonTypeClinicalStaff PersonType = "clinical_staff"
)

// Person represents a schedulable member of the program
type Person struct {
	ID          string
	Name        string
	Type        PersonType
	PGYLevel    int // Post-graduate year, residents only (0 otherwise)
	Credentials []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsResident reports whether the person is a resident
func (p *Person) IsResident() bool {
	return p.Type == PersonTypeResident
}

// HalfDay identifies the AM or PM half of a calendar date
type HalfDay string

const (
	HalfDayAM HalfDay = "AM"
	HalfDayPM HalfDay = "PM"
)

// Block represents one half-day scheduling slot.
// A block is unique by (Date, HalfDay).
type Block struct {
	ID         string
	Date       time.Time // Calendar date, time component zero, UTC
	HalfDay    HalfDay
	IsWeekend  bool
	IsHoliday  bool
	TemplateID string
}

// Key returns the (date, half-day) uniqueness key
func (b *Block) Key() string {
	return fmt.Sprintf("%s/%s", b.Date.Format("2006-01-02"), b.HalfDay)
}

// DisplayName returns a human-readable block label
func (b *Block) DisplayName() string {
	return fmt.Sprintf("%s %s", b.Date.Format("Mon Jan 2 2006"), b.HalfDay)
}

// AssignmentRole defines the role a person fills within a block
type AssignmentRole string

const (
	AssignmentRolePrimary     AssignmentRole = "primary"
	AssignmentRoleBackup      AssignmentRole = "backup"
	AssignmentRoleSupervising AssignmentRole = "supervising"
)

// Assignment places one person into one block under a rotation template.
// At most one assignment exists per (person, block).
type Assignment struct {
	ID         string
	PersonID   string
	BlockID    string
	TemplateID string
	Role       AssignmentRole
	CreatedAt  time.Time
}

// RotationTemplate describes the work filling a block and its
// supervision requirements
type RotationTemplate struct {
	ID           string
	Name         string
	Abbreviation string // e.g. "CL" for clinic, "IP" for inpatient
	SlotCapacity int    // Maximum assignments per block
	SlotPriority int    // Higher means coverage matters more
	Requirements []SlotRequirement
}

// SlotRequirement is a credential requirement attached to a template
type SlotRequirement struct {
	Credential string
	Hard       bool // Hard requirements prune eligibility; soft ones cost score
}

// Absence marks a period during which a person cannot be scheduled
type Absence struct {
	ID       string
	PersonID string
	Start    time.Time
	End      time.Time // Inclusive
	Reason   string
}

// Covers reports whether the absence covers the given date
func (a *Absence) Covers(date time.Time) bool {
	return !date.Before(a.Start) && !date.After(a.End)
}

// Credential is a certification held by a person
type Credential struct {
	PersonID  string
	Kind      string
	IssuedAt  time.Time
	ExpiresAt *time.Time // nil for lifetime credentials
}

// ValidOn reports whether the credential is valid on the given date
func (c *Credential) ValidOn(date time.Time) bool {
	if date.Before(c.IssuedAt) {
		return false
	}
	return c.ExpiresAt == nil || !date.After(*c.ExpiresAt)
}

// ServiceInstance represents a registered backend of a named service
type ServiceInstance struct {
	ID                  string
	ServiceName         string
	Host                string
	Port                int
	Weight              int
	Metadata            map[string]string
	Healthy             bool
	RegisteredAt        time.Time
	LastHealthCheck     time.Time
	ConsecutiveFailures int
}

// Endpoint returns the instance's HTTP endpoint URL
func (si *ServiceInstance) Endpoint() string {
	return fmt.Sprintf("http://%s:%d", si.Host, si.Port)
}

// Address returns the instance's host:port address
func (si *ServiceInstance) Address() string {
	return fmt.Sprintf("%s:%d", si.Host, si.Port)
}

// TriggerKind identifies how a scheduled job fires
type TriggerKind string

const (
	TriggerCron     TriggerKind = "cron"
	TriggerInterval TriggerKind = "interval"
	TriggerDate     TriggerKind = "date"
)

// TriggerSpec is the serialized trigger configuration of a scheduled job
type TriggerSpec struct {
	Kind TriggerKind `json:"kind"`

	// Cron fields
	Cron     string `json:"cron,omitempty"` // 5-field cron expression
	Timezone string `json:"tz,omitempty"`

	// Interval fields
	Seconds int        `json:"seconds,omitempty"`
	StartAt *time.Time `json:"start_at,omitempty"`

	// Date fields
	RunAt *time.Time `json:"run_at,omitempty"`
}

// ScheduledJob is a persisted background job definition
type ScheduledJob struct {
	ID        string
	Name      string
	FuncRef   string // Registered job function name
	Trigger   TriggerSpec
	Args      map[string]string
	Enabled   bool
	RunCount  int
	LastRun   *time.Time
	NextRun   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobExecution records a single run of a scheduled job
type JobExecution struct {
	ID            string
	JobID         string
	ScheduledTime time.Time
	StartedAt     time.Time
	FinishedAt    *time.Time
	Result        string
	Error         string
	RetryCount    int
}

// Succeeded reports whether the execution finished without error
func (e *JobExecution) Succeeded() bool {
	return e.FinishedAt != nil && e.Error == ""
}
