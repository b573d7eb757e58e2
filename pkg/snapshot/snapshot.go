package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/medforge/rosterd/pkg/kv"
	"github.com/medforge/rosterd/pkg/log"
)

const (
	checkpointKeyPrefix = "solver:checkpoint:"
	historyKeyPrefix    = "solver:checkpoint:history:"

	// CheckpointTTL is refreshed on every save
	CheckpointTTL = 24 * time.Hour

	// MaxHistoryLength bounds the per-run hash history kept for debugging
	MaxHistoryLength = 10
)

// AssignmentTuple is the flat solver-state form of an assignment
type AssignmentTuple struct {
	PersonID   string `json:"person_id"`
	BlockID    string `json:"block_id"`
	TemplateID string `json:"template_id,omitempty"`
}

// Checkpoint is an immutable snapshot of solver state at a point in time
type Checkpoint struct {
	RunID           string            `json:"run_id"`
	Iteration       int               `json:"iteration"`
	Assignments     []AssignmentTuple `json:"assignments"`
	Score           float64           `json:"score"`
	ViolationsCount int               `json:"violations_count"`
	Timestamp       time.Time         `json:"timestamp"`
	Hash            string            `json:"hash"`
}

// canonicalPayload is the hashed subset of checkpoint state, with
// assignments in sorted order
type canonicalPayload struct {
	RunID       string            `json:"run_id"`
	Iteration   int               `json:"iteration"`
	Assignments []AssignmentTuple `json:"assignments"`
	Score       float64           `json:"score"`
}

// ComputeHash returns the truncated SHA-256 of the checkpoint's
// canonical serialization
func (c *Checkpoint) ComputeHash() string {
	sorted := make([]AssignmentTuple, len(c.Assignments))
	copy(sorted, c.Assignments)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].PersonID != sorted[j].PersonID {
			return sorted[i].PersonID < sorted[j].PersonID
		}
		if sorted[i].BlockID != sorted[j].BlockID {
			return sorted[i].BlockID < sorted[j].BlockID
		}
		return sorted[i].TemplateID < sorted[j].TemplateID
	})

	payload, _ := json.Marshal(canonicalPayload{
		RunID:       c.RunID,
		Iteration:   c.Iteration,
		Assignments: sorted,
		Score:       c.Score,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:16]
}

// Verify reports whether the stored hash matches the recomputed one
func (c *Checkpoint) Verify() bool {
	return c.Hash == c.ComputeHash()
}

// Store persists solver checkpoints in the key-value store
type Store struct {
	kv     kv.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewStore creates a checkpoint store
func NewStore(store kv.Store) *Store {
	return &Store{
		kv:     store,
		logger: log.WithComponent("snapshot"),
		now:    time.Now,
	}
}

// SetClock replaces the store's time source
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// appendHistory prepends a hash to the run's history list and trims it,
// refreshing both TTLs in one atomic step
var appendHistory = kv.NewScript("snapshot_append_history", func(tx kv.Tx, keys []string, args []string) (any, error) {
	checkpointKey, historyKey := keys[0], keys[1]
	payload, hash := args[0], args[1]

	var history []string
	if raw, ok := tx.Get(historyKey); ok {
		if err := json.Unmarshal([]byte(raw), &history); err != nil {
			history = nil
		}
	}
	history = append([]string{hash}, history...)
	if len(history) > MaxHistoryLength {
		history = history[:MaxHistoryLength]
	}
	encoded, err := json.Marshal(history)
	if err != nil {
		return nil, err
	}

	tx.SetEx(checkpointKey, CheckpointTTL, payload)
	tx.SetEx(historyKey, CheckpointTTL, string(encoded))
	return nil, nil
})

// Save stores a checkpoint of current solver state
func (s *Store) Save(ctx context.Context, runID string, assignments []AssignmentTuple, iteration int, score float64, violations int) (*Checkpoint, error) {
	checkpoint := &Checkpoint{
		RunID:           runID,
		Iteration:       iteration,
		Assignments:     assignments,
		Score:           score,
		ViolationsCount: violations,
		Timestamp:       s.now().UTC(),
	}
	checkpoint.Hash = checkpoint.ComputeHash()

	payload, err := json.Marshal(checkpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	_, err = s.kv.Eval(ctx, appendHistory,
		[]string{checkpointKeyPrefix + runID, historyKeyPrefix + runID},
		[]string{string(payload), checkpoint.Hash},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	s.logger.Debug().
		Str("run_id", runID).
		Int("iteration", iteration).
		Float64("score", score).
		Int("assignments", len(assignments)).
		Msg("Checkpoint saved")

	return checkpoint, nil
}

// Load returns the latest checkpoint for a run, or nil when none exists
// or the stored data fails hash verification
func (s *Store) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	raw, ok, err := s.kv.Get(ctx, checkpointKeyPrefix+runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal([]byte(raw), &checkpoint); err != nil {
		s.logger.Warn().
			Str("run_id", runID).
			Err(err).
			Msg("Discarding unreadable checkpoint")
		return nil, nil
	}

	if !checkpoint.Verify() {
		s.logger.Warn().
			Str("run_id", runID).
			Str("stored_hash", checkpoint.Hash).
			Str("computed_hash", checkpoint.ComputeHash()).
			Msg("Discarding checkpoint with hash mismatch")
		return nil, nil
	}

	return &checkpoint, nil
}

// Delete removes a run's checkpoint and history
func (s *Store) Delete(ctx context.Context, runID string) error {
	_, err := s.kv.Delete(ctx, checkpointKeyPrefix+runID, historyKeyPrefix+runID)
	return err
}

// History returns the most recent checkpoint hashes for a run, newest first
func (s *Store) History(ctx context.Context, runID string) ([]string, error) {
	raw, ok, err := s.kv.Get(ctx, historyKeyPrefix+runID)
	if err != nil || !ok {
		return nil, err
	}
	var history []string
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		return nil, nil
	}
	return history, nil
}
