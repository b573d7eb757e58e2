package solver

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/medforge/rosterd/pkg/config"
	"github.com/medforge/rosterd/pkg/metrics"
	"github.com/medforge/rosterd/pkg/snapshot"
	"github.com/medforge/rosterd/pkg/types"
	"github.com/medforge/rosterd/pkg/validator"
)

// slot is one person-variable: a resident position on a block
type slot struct {
	block    *types.Block
	template *types.RotationTemplate
	domain   []*types.Person
	fixed    string // Person id when a preserved assignment pins this slot
}

// problem is the immutable model one run searches over
type problem struct {
	start, end time.Time
	slots      []*slot
	residents  []*types.Person
	faculty    []*types.Person
	peopleByID map[string]*types.Person

	// absentOn[personID][date] marks days the person cannot work
	absentOn map[string]map[time.Time]bool

	// warm[slotIndex] is the checkpoint's person hint for the slot
	warm map[int]string
}

// buildProblem loads the range and prunes each slot's domain:
// absences, missing hard credentials, and preserved assignments
func (s *Solver) buildProblem(start, end time.Time, opts Options) (*problem, error) {
	blocks, err := s.repo.BlocksInRange(start, end)
	if err != nil {
		return nil, err
	}
	residents, err := s.repo.PeopleByType(types.PersonTypeResident)
	if err != nil {
		return nil, err
	}
	faculty, err := s.repo.PeopleByType(types.PersonTypeFaculty)
	if err != nil {
		return nil, err
	}
	absences, err := s.repo.AbsencesInRange(start, end, "")
	if err != nil {
		return nil, err
	}
	templates, err := s.repo.ListTemplates()
	if err != nil {
		return nil, err
	}
	templatesByID := make(map[string]*types.RotationTemplate, len(templates))
	for _, template := range templates {
		templatesByID[template.ID] = template
	}

	p := &problem{
		start:      start,
		end:        end,
		residents:  residents,
		faculty:    faculty,
		peopleByID: make(map[string]*types.Person, len(residents)+len(faculty)),
		absentOn:   make(map[string]map[time.Time]bool),
		warm:       make(map[int]string),
	}
	for _, person := range residents {
		p.peopleByID[person.ID] = person
	}
	for _, person := range faculty {
		p.peopleByID[person.ID] = person
	}

	for _, absence := range absences {
		for date := absence.Start; !date.After(absence.End); date = date.AddDate(0, 0, 1) {
			if p.absentOn[absence.PersonID] == nil {
				p.absentOn[absence.PersonID] = make(map[time.Time]bool)
			}
			p.absentOn[absence.PersonID][date] = true
		}
	}

	credentialsByPerson := make(map[string][]*types.Credential)
	for _, person := range residents {
		credentials, err := s.repo.CredentialsFor(person.ID)
		if err != nil {
			return nil, err
		}
		credentialsByPerson[person.ID] = credentials
	}

	var fixed map[string]string // block id -> person id
	if opts.PreserveExisting {
		existing, err := s.repo.AssignmentsInRange(start, end, "")
		if err != nil {
			return nil, err
		}
		fixed = make(map[string]string)
		for _, a := range existing {
			if person, ok := p.peopleByID[a.PersonID]; ok && person.IsResident() {
				fixed[a.BlockID] = a.PersonID
			}
		}
	}

	for _, block := range blocks {
		template := templatesByID[block.TemplateID]
		sl := &slot{block: block, template: template}
		if fixed != nil {
			sl.fixed = fixed[block.ID]
		}
		for _, resident := range residents {
			if p.absentOn[resident.ID][block.Date] {
				continue
			}
			if template != nil && !meetsHardRequirements(template, credentialsByPerson[resident.ID], block.Date) {
				continue
			}
			sl.domain = append(sl.domain, resident)
		}
		p.slots = append(p.slots, sl)
	}

	// Smallest-domain-first; ties broken by a deterministic hash of the
	// block id so runs are reproducible
	sort.SliceStable(p.slots, func(i, j int) bool {
		di, dj := len(p.slots[i].domain), len(p.slots[j].domain)
		if di != dj {
			return di < dj
		}
		return blockHash(p.slots[i].block.ID) < blockHash(p.slots[j].block.ID)
	})

	return p, nil
}

func blockHash(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}

// meetsHardRequirements checks the template's hard credential
// requirements against a person's valid credentials on the block date
func meetsHardRequirements(template *types.RotationTemplate, credentials []*types.Credential, date time.Time) bool {
	for _, requirement := range template.Requirements {
		if !requirement.Hard {
			continue
		}
		held := false
		for _, credential := range credentials {
			if credential.Kind == requirement.Credential && credential.ValidOn(date) {
				held = true
				break
			}
		}
		if !held {
			return false
		}
	}
	return true
}

// applyWarmStart records checkpoint assignments as value hints and
// returns how many slots received one
func (p *problem) applyWarmStart(tuples []snapshot.AssignmentTuple) int {
	slotByBlock := make(map[string]int, len(p.slots))
	for i, sl := range p.slots {
		slotByBlock[sl.block.ID] = i
	}
	applied := 0
	for _, tuple := range tuples {
		person, ok := p.peopleByID[tuple.PersonID]
		if !ok || !person.IsResident() {
			continue
		}
		if idx, ok := slotByBlock[tuple.BlockID]; ok {
			p.warm[idx] = tuple.PersonID
			applied++
		}
	}
	return applied
}

// candidate is a complete assignment of all slots
type candidate struct {
	chosen        []string         // Per slot: person id, or "" for uncovered
	facultyBySlot map[int][]string // Supervising faculty per covered slot
	score         float64
	violations    []SoftViolation
}

// tuples flattens the candidate for checkpointing
func (c *candidate) tuples(p *problem) []snapshot.AssignmentTuple {
	var result []snapshot.AssignmentTuple
	for i, personID := range c.chosen {
		if personID == "" {
			continue
		}
		templateID := ""
		if p.slots[i].template != nil {
			templateID = p.slots[i].template.ID
		}
		result = append(result, snapshot.AssignmentTuple{
			PersonID:   personID,
			BlockID:    p.slots[i].block.ID,
			TemplateID: templateID,
		})
		for _, facultyID := range c.facultyBySlot[i] {
			result = append(result, snapshot.AssignmentTuple{
				PersonID:   facultyID,
				BlockID:    p.slots[i].block.ID,
				TemplateID: templateID,
			})
		}
	}
	return result
}

// materialize converts the candidate into assignment proposals
func (c *candidate) materialize(p *problem) []*types.Assignment {
	var result []*types.Assignment
	for i, personID := range c.chosen {
		sl := p.slots[i]
		templateID := ""
		if sl.template != nil {
			templateID = sl.template.ID
		}
		if personID != "" {
			result = append(result, &types.Assignment{
				PersonID:   personID,
				BlockID:    sl.block.ID,
				TemplateID: templateID,
				Role:       types.AssignmentRolePrimary,
			})
		}
		for _, facultyID := range c.facultyBySlot[i] {
			result = append(result, &types.Assignment{
				PersonID:   facultyID,
				BlockID:    sl.block.ID,
				TemplateID: templateID,
				Role:       types.AssignmentRoleSupervising,
			})
		}
	}
	return result
}

// coverage is the fraction of non-weekend slots that received a person
func (c *candidate) coverage(p *problem) float64 {
	total, covered := 0, 0
	for i, sl := range p.slots {
		if sl.block.IsWeekend {
			continue
		}
		total++
		if c.chosen[i] != "" {
			covered++
		}
	}
	if total == 0 {
		return 100
	}
	return float64(covered) / float64(total) * 100
}

// searchOutcome is the terminal state of one search
type searchOutcome struct {
	status     Status
	best       *candidate
	iterations int
	unsatCore  []UnsatConstraint
}

// search runs depth-first branch and bound over the problem
type search struct {
	problem            *problem
	weights            config.SolverWeights
	deadline           time.Time
	checkpointInterval int
	checkpoint         func(best *candidate, iteration int)

	iterations int
	best       *candidate
	unsatSeen  []UnsatConstraint
	halted     Status // Set when deadline or cancellation stops the search

	// Mutable search state
	chosen      []string
	hoursByDate map[string]map[time.Time]int
	dutyDates   map[string]map[time.Time]bool
}

func (s *search) run(ctx context.Context) searchOutcome {
	p := s.problem
	s.chosen = make([]string, len(p.slots))
	s.hoursByDate = make(map[string]map[time.Time]int)
	s.dutyDates = make(map[string]map[time.Time]bool)

	s.descend(ctx, 0)

	status := StatusOK
	switch {
	case s.halted != "":
		status = s.halted
	case s.best == nil && len(s.unsatSeen) > 0:
		status = StatusInfeasible
	}

	// A final checkpoint preserves progress across restarts
	if s.best != nil && (status == StatusCanceled || status == StatusTimeout) {
		s.checkpoint(s.best, s.iterations)
	}

	outcome := searchOutcome{status: status, best: s.best, iterations: s.iterations}
	if status == StatusInfeasible {
		outcome.unsatCore = minimalCore(s.unsatSeen)
	}
	return outcome
}

// descend assigns slots[index:]; returns false when the search must stop
func (s *search) descend(ctx context.Context, index int) bool {
	if index == len(s.problem.slots) {
		s.evaluateLeaf()
		return true
	}

	sl := s.problem.slots[index]
	for _, personID := range s.valueOrder(index, sl) {
		timer := metrics.NewTimer()
		s.iterations++

		// Cancellation and deadline are observed at every iteration start
		if err := ctx.Err(); err != nil {
			s.halted = StatusCanceled
			return false
		}
		if time.Now().After(s.deadline) {
			s.halted = StatusTimeout
			return false
		}
		if s.checkpointInterval > 0 && s.iterations%s.checkpointInterval == 0 {
			s.checkpoint(s.best, s.iterations)
		}

		if personID != "" && !s.admissible(personID, sl.block) {
			timer.ObserveDuration(metrics.SolverIterationDuration)
			continue
		}
		if !s.worthExpanding(index, personID) {
			timer.ObserveDuration(metrics.SolverIterationDuration)
			continue
		}

		s.place(index, personID, sl.block)
		timer.ObserveDuration(metrics.SolverIterationDuration)
		ok := s.descend(ctx, index+1)
		s.unplace(index, personID, sl.block)
		if !ok {
			return false
		}
	}
	return true
}

// valueOrder returns candidate person ids for a slot: the warm-start
// hint first, then eligible people by lowest cumulative hours, and the
// uncovered option last. Fixed slots admit only their pinned person.
func (s *search) valueOrder(index int, sl *slot) []string {
	if sl.fixed != "" {
		return []string{sl.fixed}
	}

	people := make([]*types.Person, len(sl.domain))
	copy(people, sl.domain)
	sort.SliceStable(people, func(i, j int) bool {
		hi, hj := s.totalHours(people[i].ID), s.totalHours(people[j].ID)
		if hi != hj {
			return hi < hj
		}
		return people[i].ID < people[j].ID
	})

	order := make([]string, 0, len(people)+1)
	if hint, ok := s.problem.warm[index]; ok {
		for _, person := range sl.domain {
			if person.ID == hint {
				order = append(order, hint)
				break
			}
		}
	}
	for _, person := range people {
		if len(order) > 0 && order[0] == person.ID {
			continue
		}
		order = append(order, person.ID)
	}
	order = append(order, "") // Uncovered, as a last resort
	return order
}

func (s *search) totalHours(personID string) int {
	total := 0
	for _, hours := range s.hoursByDate[personID] {
		total += hours
	}
	return total
}

// admissible checks the hard duty-hour constraints for adding one block
func (s *search) admissible(personID string, block *types.Block) bool {
	person, ok := s.problem.peopleByID[personID]
	if !ok {
		return false
	}

	// PGY shift-length cap on a single day
	dayHours := s.hoursByDate[personID][block.Date] + validatorHalfDayHours
	if dayHours > maxDailyHours(person.PGYLevel) {
		return false
	}

	// 1-in-7: the run of consecutive duty days through this date must
	// stay within six
	duty := s.dutyDates[personID]
	run := 1
	for d := block.Date.AddDate(0, 0, -1); duty[d]; d = d.AddDate(0, 0, -1) {
		run++
	}
	for d := block.Date.AddDate(0, 0, 1); duty[d]; d = d.AddDate(0, 0, 1) {
		run++
	}
	if run > maxConsecutiveDutyDays {
		return false
	}

	// Rolling 80-hour average over every 28-day window containing the date
	hours := s.hoursByDate[personID]
	for offset := 0; offset < rollingWindowDays; offset++ {
		windowStart := block.Date.AddDate(0, 0, -offset)
		windowEnd := windowStart.AddDate(0, 0, rollingWindowDays-1)
		total := validatorHalfDayHours
		for date, h := range hours {
			if !date.Before(windowStart) && !date.After(windowEnd) {
				total += h
			}
		}
		if total > maxWindowHours {
			return false
		}
	}

	return true
}

// worthExpanding prunes branches whose partial cost already matches or
// exceeds the best complete score
func (s *search) worthExpanding(index int, personID string) bool {
	if s.best == nil {
		return true
	}
	lowerBound := 0.0
	for i := 0; i < index; i++ {
		if s.chosen[i] == "" {
			lowerBound += s.uncoveredCost(s.problem.slots[i])
		}
	}
	if personID == "" {
		lowerBound += s.uncoveredCost(s.problem.slots[index])
	}
	return lowerBound < s.best.score
}

func (s *search) uncoveredCost(sl *slot) float64 {
	priority := 1
	if sl.template != nil && sl.template.SlotPriority > 0 {
		priority = sl.template.SlotPriority
	}
	return s.weights.UncoveredBlock * float64(priority)
}

func (s *search) place(index int, personID string, block *types.Block) {
	s.chosen[index] = personID
	if personID == "" {
		return
	}
	if s.hoursByDate[personID] == nil {
		s.hoursByDate[personID] = make(map[time.Time]int)
	}
	if s.dutyDates[personID] == nil {
		s.dutyDates[personID] = make(map[time.Time]bool)
	}
	s.hoursByDate[personID][block.Date] += validatorHalfDayHours
	s.dutyDates[personID][block.Date] = true
}

func (s *search) unplace(index int, personID string, block *types.Block) {
	s.chosen[index] = ""
	if personID == "" {
		return
	}
	s.hoursByDate[personID][block.Date] -= validatorHalfDayHours
	if s.hoursByDate[personID][block.Date] <= 0 {
		delete(s.hoursByDate[personID], block.Date)
		delete(s.dutyDates[personID], block.Date)
	}
}

// evaluateLeaf scores a complete resident assignment, attaches faculty
// supervision, and promotes the candidate when it beats the best
func (s *search) evaluateLeaf() {
	facultyBySlot, unsat := s.assignFaculty()
	if len(unsat) > 0 {
		s.unsatSeen = append(s.unsatSeen, unsat...)
		return
	}

	c := &candidate{
		chosen:        append([]string(nil), s.chosen...),
		facultyBySlot: facultyBySlot,
	}
	c.score, c.violations = s.scoreCandidate(c)

	if s.best == nil || c.score < s.best.score {
		s.best = c
	}
}

// assignFaculty greedily covers each slot's supervision requirement,
// preferring the least-loaded faculty member. An uncoverable
// requirement yields the run's UNSAT core.
func (s *search) assignFaculty() (map[int][]string, []UnsatConstraint) {
	load := make(map[string]int)
	result := make(map[int][]string)
	var unsat []UnsatConstraint

	for i, sl := range s.problem.slots {
		if s.chosen[i] == "" {
			continue
		}
		person := s.problem.peopleByID[s.chosen[i]]
		pgy1, other := 0, 0
		if person.PGYLevel == 1 {
			pgy1 = 1
		} else {
			other = 1
		}
		required := requiredFaculty(pgy1, other)

		available := make([]*types.Person, 0, len(s.problem.faculty))
		for _, f := range s.problem.faculty {
			if s.problem.absentOn[f.ID][sl.block.Date] {
				continue
			}
			available = append(available, f)
		}
		sort.SliceStable(available, func(a, b int) bool {
			if load[available[a].ID] != load[available[b].ID] {
				return load[available[a].ID] < load[available[b].ID]
			}
			return available[a].ID < available[b].ID
		})

		if len(available) < required {
			unsat = append(unsat, UnsatConstraint{
				Kind:    "supervision_ratio",
				BlockID: sl.block.ID,
				Detail: fmt.Sprintf("block %s needs %d faculty, %d available",
					sl.block.DisplayName(), required, len(available)),
			})
			continue
		}
		for _, f := range available[:required] {
			result[i] = append(result[i], f.ID)
			load[f.ID]++
		}
	}
	return result, unsat
}

// minimalCore deduplicates the observed unsatisfiable constraints
func minimalCore(seen []UnsatConstraint) []UnsatConstraint {
	unique := make(map[string]UnsatConstraint)
	for _, constraint := range seen {
		unique[constraint.Kind+"/"+constraint.BlockID] = constraint
	}
	keys := make([]string, 0, len(unique))
	for key := range unique {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	core := make([]UnsatConstraint, 0, len(keys))
	for _, key := range keys {
		core = append(core, unique[key])
	}
	return core
}

// Duty-hour constants shared with the validator
const (
	validatorHalfDayHours  = validator.HoursPerHalfDay
	maxConsecutiveDutyDays = validator.MaxConsecutiveDays
	rollingWindowDays      = validator.RollingWindowWeeks * 7
	maxWindowHours         = validator.MaxWeeklyHours * validator.RollingWindowWeeks
)

// maxDailyHours is the PGY-scaled continuous duty cap
func maxDailyHours(pgyLevel int) int {
	if pgyLevel == 1 {
		return 16
	}
	return 24
}

// requiredFaculty mirrors the validator's supervision formula
func requiredFaculty(pgy1, other int) int {
	return validator.RequiredFaculty(pgy1, other)
}
