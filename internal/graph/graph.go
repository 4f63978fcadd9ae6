package graph

// ─── DAG View ───

// DAG is an adjacency view over a step slice for one revision of a workflow.
// It is rebuilt whenever the step list changes; it never owns the steps.
type DAG struct {
	Order      []string            // step ids in slice order
	Index      map[string]int      // step id → position in the slice
	Deps       map[string][]string // step id → upstream dependencies
	Successors map[string][]string // step id → downstream dependents
}

// Build indexes steps into a DAG view. Dependencies on ids that are not part
// of the slice are kept in Deps but have no successor edge.
func Build(steps []Step) *DAG {
	d := &DAG{
		Order:      make([]string, 0, len(steps)),
		Index:      make(map[string]int, len(steps)),
		Deps:       make(map[string][]string, len(steps)),
		Successors: make(map[string][]string),
	}
	for i := range steps {
		id := steps[i].ID
		d.Order = append(d.Order, id)
		d.Index[id] = i
		d.Deps[id] = steps[i].Dependencies
	}
	for _, id := range d.Order {
		for _, dep := range d.Deps[id] {
			if _, ok := d.Index[dep]; ok {
				d.Successors[dep] = append(d.Successors[dep], id)
			}
		}
	}
	return d
}

// GetEntryNodes returns the ids of steps with no dependencies.
func (d *DAG) GetEntryNodes() []string {
	var entries []string
	for _, id := range d.Order {
		if len(d.Deps[id]) == 0 {
			entries = append(entries, id)
		}
	}
	return entries
}

// GetDependencies returns the upstream step ids for a given step.
func (d *DAG) GetDependencies(id string) []string {
	return d.Deps[id]
}

// GetSuccessors returns the downstream step ids for a given step.
func (d *DAG) GetSuccessors(id string) []string {
	return d.Successors[id]
}

// ─── Ranks ───

// Ranks computes the topological depth of every step: 0 for steps without
// dependencies, otherwise 1 + the highest rank among its dependencies.
//
// Results are memoised per id. A node met again while its own rank is still
// being resolved is part of a cycle and counts as rank 0 instead of recursing.
// Unknown dependency ids are ignored.
func Ranks(steps []Step) map[string]int {
	d := Build(steps)
	ranks := make(map[string]int, len(steps))
	for _, id := range d.Order {
		rankOf(d, id, ranks, make(map[string]bool))
	}
	return ranks
}

func rankOf(d *DAG, id string, memo map[string]int, visiting map[string]bool) int {
	if r, ok := memo[id]; ok {
		return r
	}
	if visiting[id] {
		return 0
	}
	visiting[id] = true

	rank := 0
	for _, dep := range d.Deps[id] {
		if _, ok := d.Index[dep]; !ok {
			continue
		}
		if r := rankOf(d, dep, memo, visiting) + 1; r > rank {
			rank = r
		}
	}
	memo[id] = rank
	return rank
}

// Layers groups step ids by rank, each layer in slice order.
func Layers(steps []Step) [][]string {
	ranks := Ranks(steps)
	maxRank := -1
	for _, r := range ranks {
		if r > maxRank {
			maxRank = r
		}
	}
	layers := make([][]string, maxRank+1)
	for i := range steps {
		r := ranks[steps[i].ID]
		layers[r] = append(layers[r], steps[i].ID)
	}
	return layers
}

// ─── Eligibility ───

// ExecutableSteps returns the PENDING steps whose dependencies have all
// COMPLETED, in slice order. A FAILED dependency never unblocks a dependent.
// The returned pointers alias the input slice.
func ExecutableSteps(steps []Step) []*Step {
	status := make(map[string]Status, len(steps))
	for i := range steps {
		status[steps[i].ID] = steps[i].Status
	}

	var ready []*Step
	for i := range steps {
		s := &steps[i]
		if s.Status != StatusPending {
			continue
		}
		eligible := true
		for _, dep := range s.Dependencies {
			if status[dep] != StatusCompleted {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, s)
		}
	}
	return ready
}

// TransitiveDependents returns every step that depends on id directly or
// through a chain of dependencies, in breadth-first discovery order.
func TransitiveDependents(steps []Step, id string) []string {
	d := Build(steps)
	seen := map[string]bool{id: true}
	queue := []string{id}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, succ := range d.Successors[cur] {
			if seen[succ] {
				continue
			}
			seen[succ] = true
			out = append(out, succ)
			queue = append(queue, succ)
		}
	}
	return out
}

// CountByStatus tallies steps per status.
func CountByStatus(steps []Step) map[Status]int {
	counts := make(map[Status]int)
	for i := range steps {
		counts[steps[i].Status]++
	}
	return counts
}

// ─── Sanitising oracle output ───

// Sanitize normalises a batch of oracle-produced steps. Self-dependencies and
// duplicate dependency entries are dropped, as are references to ids that are
// neither in the batch nor reported by known. Steps with an empty id are
// removed. The input is not modified.
func Sanitize(steps []Step, known func(id string) bool) []Step {
	local := make(map[string]bool, len(steps))
	for i := range steps {
		if steps[i].ID != "" {
			local[steps[i].ID] = true
		}
	}

	out := make([]Step, 0, len(steps))
	for i := range steps {
		if steps[i].ID == "" {
			continue
		}
		s := steps[i].Clone()
		seen := make(map[string]bool, len(s.Dependencies))
		deps := s.Dependencies[:0:0]
		for _, dep := range s.Dependencies {
			if dep == s.ID || seen[dep] {
				continue
			}
			if !local[dep] && (known == nil || !known(dep)) {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
		}
		s.Dependencies = deps
		out = append(out, s)
	}
	return out
}
