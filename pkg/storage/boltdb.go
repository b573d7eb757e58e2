package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/medforge/rosterd/pkg/types"
)

var (
	// Bucket names
	bucketPeople      = []byte("people")
	bucketBlocks      = []byte("blocks")
	bucketBlockKeys   = []byte("block_keys") // (date, half-day) -> block id
	bucketAssignments = []byte("assignments")
	bucketTemplates   = []byte("templates")
	bucketAbsences    = []byte("absences")
	bucketCredentials = []byte("credentials")
	bucketJobs        = []byte("jobs")
	bucketExecutions  = []byte("executions")
)

// BoltStore implements Repository using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed repository
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "rosterd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketPeople,
			bucketBlocks,
			bucketBlockKeys,
			bucketAssignments,
			bucketTemplates,
			bucketAbsences,
			bucketCredentials,
			bucketJobs,
			bucketExecutions,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// update wraps a write transaction with a single retry. Write conflicts
// do not happen inside a single process, but the write path keeps the
// same shape as a networked repository.
func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	return retry.Do(
		func() error { return s.db.Update(fn) },
		retry.Attempts(2),
		retry.Delay(10*time.Millisecond),
		retry.LastErrorOnly(true),
	)
}

// People operations

func (s *BoltStore) CreatePerson(person *types.Person) error {
	if person.ID == "" {
		person.ID = uuid.New().String()
	}
	person.CreatedAt = time.Now().UTC()
	person.UpdatedAt = person.CreatedAt
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketPeople, person.ID, person)
	})
}

func (s *BoltStore) GetPerson(id string) (*types.Person, error) {
	var person types.Person
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketPeople, id, &person)
	})
	if err != nil {
		return nil, err
	}
	return &person, nil
}

func (s *BoltStore) PeopleByType(personType types.PersonType) ([]*types.Person, error) {
	var people []*types.Person
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeople).ForEach(func(k, v []byte) error {
			var person types.Person
			if err := json.Unmarshal(v, &person); err != nil {
				return err
			}
			if person.Type == personType {
				people = append(people, &person)
			}
			return nil
		})
	})
	return people, err
}

func (s *BoltStore) ListPeople() ([]*types.Person, error) {
	var people []*types.Person
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeople).ForEach(func(k, v []byte) error {
			var person types.Person
			if err := json.Unmarshal(v, &person); err != nil {
				return err
			}
			people = append(people, &person)
			return nil
		})
	})
	return people, err
}

func (s *BoltStore) UpdatePerson(person *types.Person) error {
	person.UpdatedAt = time.Now().UTC()
	return s.update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketPeople).Get([]byte(person.ID)) == nil {
			return ErrNotFound
		}
		return putJSON(tx, bucketPeople, person.ID, person)
	})
}

// DeletePerson refuses deletion while assignments reference the person
func (s *BoltStore) DeletePerson(id string) error {
	return s.update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketPeople).Get([]byte(id)) == nil {
			return ErrNotFound
		}
		referenced := false
		err := tx.Bucket(bucketAssignments).ForEach(func(k, v []byte) error {
			var a types.Assignment
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.PersonID == id {
				referenced = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if referenced {
			return ErrHasAssignments
		}
		return tx.Bucket(bucketPeople).Delete([]byte(id))
	})
}

// Block operations

func (s *BoltStore) CreateBlock(block *types.Block) error {
	if block.ID == "" {
		block.ID = uuid.New().String()
	}
	return s.update(func(tx *bolt.Tx) error {
		keys := tx.Bucket(bucketBlockKeys)
		key := []byte(block.Key())
		if keys.Get(key) != nil {
			return ErrDuplicateBlock
		}
		if err := keys.Put(key, []byte(block.ID)); err != nil {
			return err
		}
		return putJSON(tx, bucketBlocks, block.ID, block)
	})
}

func (s *BoltStore) GetBlock(id string) (*types.Block, error) {
	var block types.Block
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketBlocks, id, &block)
	})
	if err != nil {
		return nil, err
	}
	return &block, nil
}

func (s *BoltStore) BlocksInRange(start, end time.Time) ([]*types.Block, error) {
	var blocks []*types.Block
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).ForEach(func(k, v []byte) error {
			var block types.Block
			if err := json.Unmarshal(v, &block); err != nil {
				return err
			}
			if !block.Date.Before(start) && !block.Date.After(end) {
				blocks = append(blocks, &block)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(blocks, func(i, j int) bool {
		if !blocks[i].Date.Equal(blocks[j].Date) {
			return blocks[i].Date.Before(blocks[j].Date)
		}
		return blocks[i].HalfDay < blocks[j].HalfDay
	})
	return blocks, nil
}

func (s *BoltStore) DeleteBlock(id string) error {
	return s.update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBlocks).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var block types.Block
		if err := json.Unmarshal(data, &block); err != nil {
			return err
		}
		referenced := false
		err := tx.Bucket(bucketAssignments).ForEach(func(k, v []byte) error {
			var a types.Assignment
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.BlockID == id {
				referenced = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if referenced {
			return ErrHasAssignments
		}
		if err := tx.Bucket(bucketBlockKeys).Delete([]byte(block.Key())); err != nil {
			return err
		}
		return tx.Bucket(bucketBlocks).Delete([]byte(id))
	})
}

// Assignment operations

// assignmentKey enforces the one-assignment-per-(person, block) invariant
func assignmentKey(personID, blockID string) []byte {
	return []byte(personID + "/" + blockID)
}

// SaveAssignments upserts the given assignments in one transaction
func (s *BoltStore) SaveAssignments(assignments []*types.Assignment) error {
	return s.update(func(tx *bolt.Tx) error {
		people := tx.Bucket(bucketPeople)
		blocks := tx.Bucket(bucketBlocks)
		b := tx.Bucket(bucketAssignments)
		for _, a := range assignments {
			if people.Get([]byte(a.PersonID)) == nil {
				return fmt.Errorf("assignment references unknown person %s: %w", a.PersonID, ErrNotFound)
			}
			if blocks.Get([]byte(a.BlockID)) == nil {
				return fmt.Errorf("assignment references unknown block %s: %w", a.BlockID, ErrNotFound)
			}
			if a.ID == "" {
				a.ID = uuid.New().String()
			}
			if a.CreatedAt.IsZero() {
				a.CreatedAt = time.Now().UTC()
			}
			data, err := json.Marshal(a)
			if err != nil {
				return err
			}
			if err := b.Put(assignmentKey(a.PersonID, a.BlockID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) AssignmentsInRange(start, end time.Time, personID string) ([]*types.Assignment, error) {
	blockDates, err := s.blockDates()
	if err != nil {
		return nil, err
	}

	var assignments []*types.Assignment
	err = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssignments).ForEach(func(k, v []byte) error {
			var a types.Assignment
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if personID != "" && a.PersonID != personID {
				return nil
			}
			date, ok := blockDates[a.BlockID]
			if !ok || date.Before(start) || date.After(end) {
				return nil
			}
			assignments = append(assignments, &a)
			return nil
		})
	})
	return assignments, err
}

func (s *BoltStore) DeleteAssignmentsInRange(start, end time.Time) (int, error) {
	blockDates, err := s.blockDates()
	if err != nil {
		return 0, err
	}

	removed := 0
	err = s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAssignments)
		var doomed [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var a types.Assignment
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			date, ok := blockDates[a.BlockID]
			if ok && !date.Before(start) && !date.After(end) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(doomed)
		return nil
	})
	return removed, err
}

func (s *BoltStore) blockDates() (map[string]time.Time, error) {
	dates := make(map[string]time.Time)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlocks).ForEach(func(k, v []byte) error {
			var block types.Block
			if err := json.Unmarshal(v, &block); err != nil {
				return err
			}
			dates[block.ID] = block.Date
			return nil
		})
	})
	return dates, err
}

// Template operations

func (s *BoltStore) CreateTemplate(template *types.RotationTemplate) error {
	if template.ID == "" {
		template.ID = uuid.New().String()
	}
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketTemplates, template.ID, template)
	})
}

func (s *BoltStore) GetTemplate(id string) (*types.RotationTemplate, error) {
	var template types.RotationTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketTemplates, id, &template)
	})
	if err != nil {
		return nil, err
	}
	return &template, nil
}

func (s *BoltStore) ListTemplates() ([]*types.RotationTemplate, error) {
	var templates []*types.RotationTemplate
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTemplates).ForEach(func(k, v []byte) error {
			var template types.RotationTemplate
			if err := json.Unmarshal(v, &template); err != nil {
				return err
			}
			templates = append(templates, &template)
			return nil
		})
	})
	return templates, err
}

// Absence operations

func (s *BoltStore) CreateAbsence(absence *types.Absence) error {
	if absence.ID == "" {
		absence.ID = uuid.New().String()
	}
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketAbsences, absence.ID, absence)
	})
}

func (s *BoltStore) AbsencesInRange(start, end time.Time, personID string) ([]*types.Absence, error) {
	var absences []*types.Absence
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAbsences).ForEach(func(k, v []byte) error {
			var absence types.Absence
			if err := json.Unmarshal(v, &absence); err != nil {
				return err
			}
			if personID != "" && absence.PersonID != personID {
				return nil
			}
			// Overlap test: absence intersects [start, end]
			if !absence.End.Before(start) && !absence.Start.After(end) {
				absences = append(absences, &absence)
			}
			return nil
		})
	})
	return absences, err
}

// Credential operations

func (s *BoltStore) AddCredential(credential *types.Credential) error {
	return s.update(func(tx *bolt.Tx) error {
		key := credential.PersonID + "/" + credential.Kind
		return putJSON(tx, bucketCredentials, key, credential)
	})
}

func (s *BoltStore) CredentialsFor(personID string) ([]*types.Credential, error) {
	var credentials []*types.Credential
	prefix := []byte(personID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCredentials).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var credential types.Credential
			if err := json.Unmarshal(v, &credential); err != nil {
				return err
			}
			credentials = append(credentials, &credential)
		}
		return nil
	})
	return credentials, err
}

// Scheduled job operations

func (s *BoltStore) CreateJob(job *types.ScheduledJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.CreatedAt = time.Now().UTC()
	job.UpdatedAt = job.CreatedAt
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx, bucketJobs, job.ID, job)
	})
}

func (s *BoltStore) GetJob(id string) (*types.ScheduledJob, error) {
	var job types.ScheduledJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx, bucketJobs, id, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) ListJobs(enabledOnly bool) ([]*types.ScheduledJob, error) {
	var jobs []*types.ScheduledJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.ScheduledJob
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if enabledOnly && !job.Enabled {
				return nil
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) UpdateJob(job *types.ScheduledJob) error {
	job.UpdatedAt = time.Now().UTC()
	return s.update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketJobs).Get([]byte(job.ID)) == nil {
			return ErrNotFound
		}
		return putJSON(tx, bucketJobs, job.ID, job)
	})
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketJobs).Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

// Job execution operations

// executionKey orders executions by start time within a job
func executionKey(e *types.JobExecution) []byte {
	return []byte(fmt.Sprintf("%s/%020d/%s", e.JobID, e.StartedAt.UnixNano(), e.ID))
}

func (s *BoltStore) RecordExecution(execution *types.JobExecution) error {
	if execution.ID == "" {
		execution.ID = uuid.New().String()
	}
	return s.update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(execution)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketExecutions).Put(executionKey(execution), data)
	})
}

func (s *BoltStore) UpdateExecution(execution *types.JobExecution) error {
	return s.RecordExecution(execution)
}

// ListExecutions returns the most recent executions of a job, newest first
func (s *BoltStore) ListExecutions(jobID string, limit int) ([]*types.JobExecution, error) {
	var executions []*types.JobExecution
	prefix := []byte(jobID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketExecutions).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var execution types.JobExecution
			if err := json.Unmarshal(v, &execution); err != nil {
				return err
			}
			executions = append(executions, &execution)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Cursor order is oldest first
	for i, j := 0, len(executions)-1; i < j; i, j = i+1, j-1 {
		executions[i], executions[j] = executions[j], executions[i]
	}
	if limit > 0 && len(executions) > limit {
		executions = executions[:limit]
	}
	return executions, nil
}

// putJSON marshals value into bucket under key
func putJSON(tx *bolt.Tx, bucket []byte, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

// getJSON unmarshals the value stored under key, or ErrNotFound
func getJSON(tx *bolt.Tx, bucket []byte, key string, out any) error {
	data := tx.Bucket(bucket).Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, out)
}
