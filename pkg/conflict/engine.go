package conflict

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/medforge/rosterd/pkg/log"
	"github.com/medforge/rosterd/pkg/storage"
	"github.com/medforge/rosterd/pkg/types"
)

// Engine runs all conflict detectors over a schedule range, merging and
// deduplicating their findings
type Engine struct {
	repo      storage.Repository
	detectors []Detector
	logger    zerolog.Logger
	now       func() time.Time
}

// NewEngine creates a conflict engine with the default detector set
func NewEngine(repo storage.Repository) *Engine {
	return &Engine{
		repo:      repo,
		detectors: DefaultDetectors(),
		logger:    log.WithComponent("conflicts"),
		now:       time.Now,
	}
}

// SetClock replaces the engine's time source
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// load builds the shared snapshot all detectors read
func (e *Engine) load(start, end time.Time, personFilter string) (*Data, error) {
	people, err := e.repo.ListPeople()
	if err != nil {
		return nil, fmt.Errorf("failed to load people: %w", err)
	}
	blocks, err := e.repo.BlocksInRange(start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load blocks: %w", err)
	}
	assignments, err := e.repo.AssignmentsInRange(start, end, personFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to load assignments: %w", err)
	}
	absences, err := e.repo.AbsencesInRange(start, end, personFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to load absences: %w", err)
	}

	data := &Data{
		Start:       start,
		End:         end,
		Now:         e.now(),
		People:      make(map[string]*types.Person, len(people)),
		Blocks:      make(map[string]*types.Block, len(blocks)),
		Assignments: assignments,
		Absences:    absences,
		ByPerson:    make(map[string][]*types.Assignment),
		ByBlock:     make(map[string][]*types.Assignment),
	}
	for _, person := range people {
		data.People[person.ID] = person
	}
	for _, block := range blocks {
		data.Blocks[block.ID] = block
	}
	for _, a := range assignments {
		data.ByPerson[a.PersonID] = append(data.ByPerson[a.PersonID], a)
		data.ByBlock[a.BlockID] = append(data.ByBlock[a.BlockID], a)
	}
	return data, nil
}

// Analyze detects conflicts in [start, end]. All detectors run in
// parallel over one snapshot; results are merged, deduplicated by
// fingerprint, and sorted worst-first.
func (e *Engine) Analyze(ctx context.Context, start, end time.Time, personFilter string) ([]*Conflict, error) {
	data, err := e.load(start, end, personFilter)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var merged []*Conflict
	var detectorErrs *multierror.Error

	g, ctx := errgroup.WithContext(ctx)
	for _, detector := range e.detectors {
		detector := detector
		g.Go(func() error {
			found, err := detector.Detect(ctx, data)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				detectorErrs = multierror.Append(detectorErrs,
					fmt.Errorf("detector %s: %w", detector.Name(), err))
				return nil
			}
			merged = append(merged, found...)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := detectorErrs.ErrorOrNil(); err != nil {
		return nil, err
	}

	// Assign ids and deduplicate by fingerprint
	unique := make(map[string]*Conflict, len(merged))
	for _, c := range merged {
		c.ID = c.Fingerprint()
		if _, seen := unique[c.ID]; !seen {
			unique[c.ID] = c
		}
	}
	conflicts := lo.Values(unique)

	sort.Slice(conflicts, func(i, j int) bool {
		if conflicts[i].Severity.Ordinal() != conflicts[j].Severity.Ordinal() {
			return conflicts[i].Severity.Ordinal() > conflicts[j].Severity.Ordinal()
		}
		if conflicts[i].DisplayScore() != conflicts[j].DisplayScore() {
			return conflicts[i].DisplayScore() > conflicts[j].DisplayScore()
		}
		return conflicts[i].ID < conflicts[j].ID
	})

	e.logger.Info().
		Int("conflicts", len(conflicts)).
		Str("range", fmt.Sprintf("%s..%s", start.Format("2006-01-02"), end.Format("2006-01-02"))).
		Msg("Conflict analysis finished")

	return conflicts, nil
}

// Summarize aggregates a conflict list
func Summarize(conflicts []*Conflict) Summary {
	summary := Summary{
		Total:      len(conflicts),
		BySeverity: make(map[Severity]int),
		ByCategory: make(map[Category]int),
		ByType:     make(map[Type]int),
	}
	for _, c := range conflicts {
		summary.BySeverity[c.Severity]++
		summary.ByCategory[c.Category]++
		summary.ByType[c.Type]++
		if c.Severity == SeverityCritical {
			summary.Critical = append(summary.Critical, c)
		}
	}
	return summary
}
