package solver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medforge/rosterd/pkg/config"
	"github.com/medforge/rosterd/pkg/log"
	"github.com/medforge/rosterd/pkg/metrics"
	"github.com/medforge/rosterd/pkg/snapshot"
	"github.com/medforge/rosterd/pkg/storage"
	"github.com/medforge/rosterd/pkg/types"
)

// Status is the terminal state of a solver run
type Status string

const (
	StatusOK         Status = "ok"
	StatusInfeasible Status = "infeasible"
	StatusTimeout    Status = "timeout"
	StatusCanceled   Status = "canceled"
)

// Options controls one solver run
type Options struct {
	// RunID identifies the run for checkpointing; generated when empty
	RunID string

	// Timeout bounds the search; zero uses the configured default
	Timeout time.Duration

	// PreserveExisting keeps persisted assignments in range fixed
	PreserveExisting bool

	// Commit persists the result when the run completes cleanly;
	// otherwise the result is a draft
	Commit bool
}

// SoftViolation is a non-blocking defect in the produced schedule
type SoftViolation struct {
	Kind    string
	BlockID string
	Cost    float64
}

// KindUncoveredBlock marks a block no eligible person could fill
const KindUncoveredBlock = "UNCOVERED_BLOCK"

// UnsatConstraint names one member of the minimal unsatisfiable core
type UnsatConstraint struct {
	Kind    string // e.g. "supervision_ratio"
	BlockID string
	Detail  string
}

// Result is the outcome of a solver run. A timed-out or canceled run
// carries the best feasible intermediate; infeasibility carries the
// UNSAT core. Partial progress is never an error.
type Result struct {
	Status      Status
	RunID       string
	Assignments []*types.Assignment
	Score       float64
	Iterations  int
	Coverage    float64
	Violations  []SoftViolation
	UnsatCore   []UnsatConstraint
}

// Solver produces assignments for a date range satisfying hard rules
// and minimizing soft penalties
type Solver struct {
	repo        storage.Repository
	checkpoints *snapshot.Store
	cfg         config.SolverConfig
	logger      zerolog.Logger
}

// New creates a solver. The checkpoint store may be nil to disable
// checkpointing.
func New(repo storage.Repository, checkpoints *snapshot.Store, cfg config.SolverConfig) *Solver {
	return &Solver{
		repo:        repo,
		checkpoints: checkpoints,
		cfg:         cfg,
		logger:      log.WithComponent("solver"),
	}
}

// Generate builds a schedule for [start, end]. On timeout the best
// feasible intermediate is returned with StatusTimeout; cancellation
// saves a final checkpoint and returns StatusCanceled.
func (s *Solver) Generate(ctx context.Context, start, end time.Time, opts Options) (*Result, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = s.cfg.Timeout
	}
	logger := s.logger.With().Str("run_id", opts.RunID).Logger()

	problem, err := s.buildProblem(start, end, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to build solver model: %w", err)
	}

	// Warm start from a verified checkpoint when one exists for the run
	if s.checkpoints != nil {
		if checkpoint, err := s.checkpoints.Load(ctx, opts.RunID); err == nil && checkpoint != nil {
			applied := problem.applyWarmStart(checkpoint.Assignments)
			logger.Info().
				Int("iteration", checkpoint.Iteration).
				Int("applied", applied).
				Float64("score", checkpoint.Score).
				Msg("Warm-starting from checkpoint")
		}
	}

	searcher := &search{
		problem:            problem,
		weights:            s.cfg.Weights,
		deadline:           time.Now().Add(timeout),
		checkpointInterval: s.cfg.CheckpointInterval,
		checkpoint: func(best *candidate, iteration int) {
			if s.checkpoints == nil || best == nil {
				return
			}
			_, err := s.checkpoints.Save(context.WithoutCancel(ctx), opts.RunID,
				best.tuples(problem), iteration, best.score, len(best.violations))
			if err != nil {
				logger.Warn().Err(err).Msg("Checkpoint save failed")
			}
		},
	}

	outcome := searcher.run(ctx)
	metrics.SolverRunsTotal.WithLabelValues(string(outcome.status)).Inc()

	result := &Result{
		Status:     outcome.status,
		RunID:      opts.RunID,
		Iterations: outcome.iterations,
		UnsatCore:  outcome.unsatCore,
	}

	if outcome.status == StatusInfeasible {
		logger.Warn().
			Int("unsat_constraints", len(outcome.unsatCore)).
			Msg("No feasible schedule exists")
		return result, nil
	}

	if outcome.best != nil {
		result.Assignments = outcome.best.materialize(problem)
		result.Score = outcome.best.score
		result.Violations = outcome.best.violations
		result.Coverage = outcome.best.coverage(problem)
	}

	logger.Info().
		Str("status", string(outcome.status)).
		Int("iterations", outcome.iterations).
		Float64("score", result.Score).
		Int("assignments", len(result.Assignments)).
		Msg("Solver run finished")

	if opts.Commit && outcome.status == StatusOK && len(result.Assignments) > 0 {
		if err := s.repo.SaveAssignments(result.Assignments); err != nil {
			return nil, fmt.Errorf("failed to commit schedule: %w", err)
		}
		if s.checkpoints != nil {
			_ = s.checkpoints.Delete(context.WithoutCancel(ctx), opts.RunID)
		}
	}

	return result, nil
}
