// Package scheduler turns the declared platform dependency graph into
// ordered execution groups. Every member of a group has all of its
// dependencies in earlier groups, so the orchestrator may run a group's
// members in parallel.
package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/adlift/adferry/internal/debug"
	"github.com/adlift/adferry/internal/etlerr"
)

// PlatformNode is one platform as the scheduler sees it.
type PlatformNode struct {
	Name      string
	Enabled   bool
	Priority  int
	DependsOn []string
}

// CircularDependencyError reports the members of one dependency cycle.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return "circular dependency: " + strings.Join(e.Cycle, " -> ")
}

// Schedule is an ordered partition of the enabled platforms.
type Schedule struct {
	Groups [][]string

	priority map[string]int
	deps     map[string][]string
	rdeps    map[string][]string
}

// Plan builds execution groups for the enabled platforms. With no manual
// partition the groups are Kahn frontiers; a manual partition is
// validated as a refinement of the dependency order and used as-is.
// Disabled platforms are dropped along with every edge touching them.
func Plan(nodes []PlatformNode, manual [][]string) (*Schedule, error) {
	enabled := map[string]PlatformNode{}
	for _, n := range nodes {
		if !n.Enabled {
			debug.Logf("scheduler: platform %s disabled, excluded from plan\n", n.Name)
			continue
		}
		if _, dup := enabled[n.Name]; dup {
			return nil, etlerr.Configf("scheduler.plan", "platform %q declared twice", n.Name)
		}
		enabled[n.Name] = n
	}

	known := map[string]bool{}
	for _, n := range nodes {
		known[n.Name] = true
	}

	s := &Schedule{
		priority: map[string]int{},
		deps:     map[string][]string{},
		rdeps:    map[string][]string{},
	}
	for name, n := range enabled {
		s.priority[name] = n.Priority
		for _, dep := range n.DependsOn {
			if !known[dep] {
				return nil, etlerr.Configf("scheduler.plan",
					"platform %q depends on unknown platform %q", name, dep)
			}
			if _, ok := enabled[dep]; !ok {
				debug.Logf("scheduler: dropping %s -> %s edge (dependency disabled)\n", name, dep)
				continue
			}
			if dep == name {
				return nil, etlerr.Config("scheduler.plan",
					&CircularDependencyError{Cycle: []string{name, name}})
			}
			s.deps[name] = append(s.deps[name], dep)
			s.rdeps[dep] = append(s.rdeps[dep], name)
		}
	}

	groups, err := s.kahnGroups(enabled)
	if err != nil {
		return nil, err
	}

	if len(manual) > 0 {
		groups, err = s.validateManual(manual, enabled, known)
		if err != nil {
			return nil, err
		}
	}
	s.Groups = groups
	return s, nil
}

// kahnGroups peels zero-in-degree frontiers off the graph. Each frontier
// is one group, ordered by priority descending then name ascending.
func (s *Schedule) kahnGroups(enabled map[string]PlatformNode) ([][]string, error) {
	indeg := map[string]int{}
	for name := range enabled {
		indeg[name] = len(s.deps[name])
	}

	var groups [][]string
	remaining := len(indeg)
	for remaining > 0 {
		var frontier []string
		for name, d := range indeg {
			if d == 0 {
				frontier = append(frontier, name)
			}
		}
		if len(frontier) == 0 {
			return nil, etlerr.Config("scheduler.plan",
				&CircularDependencyError{Cycle: s.findCycle(indeg)})
		}
		s.sortGroup(frontier)
		for _, name := range frontier {
			delete(indeg, name)
			for _, child := range s.rdeps[name] {
				if _, ok := indeg[child]; ok {
					indeg[child]--
				}
			}
		}
		remaining -= len(frontier)
		groups = append(groups, frontier)
	}
	return groups, nil
}

func (s *Schedule) sortGroup(names []string) {
	sort.Slice(names, func(i, j int) bool {
		pi, pj := s.priority[names[i]], s.priority[names[j]]
		if pi != pj {
			return pi > pj
		}
		return names[i] < names[j]
	})
}

// findCycle walks the stuck subgraph and returns one concrete cycle so
// the error names the offenders, not just "a cycle exists".
func (s *Schedule) findCycle(stuck map[string]int) []string {
	names := make([]string, 0, len(stuck))
	for name := range stuck {
		names = append(names, name)
	}
	sort.Strings(names)

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := map[string]int{}
	var stack []string
	var cycle []string

	var visit func(string) bool
	visit = func(n string) bool {
		color[n] = grey
		stack = append(stack, n)
		for _, dep := range s.deps[n] {
			if _, inStuck := stuck[dep]; !inStuck {
				continue
			}
			switch color[dep] {
			case white:
				if visit(dep) {
					return true
				}
			case grey:
				for i, on := range stack {
					if on == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return false
	}
	for _, name := range names {
		if color[name] == white && visit(name) {
			return cycle
		}
	}
	return names
}

// validateManual checks a configured parallel_groups partition: every
// enabled platform exactly once, no unknown names, and every member's
// dependencies in strictly earlier groups. Disabled platforms drop out
// of their group the same way they drop out of the graph.
func (s *Schedule) validateManual(manual [][]string, enabled map[string]PlatformNode, known map[string]bool) ([][]string, error) {
	groupOf := map[string]int{}
	var groups [][]string
	for gi, group := range manual {
		var kept []string
		for _, name := range group {
			if !known[name] {
				return nil, etlerr.Configf("scheduler.plan",
					"parallel_groups references unknown platform %q", name)
			}
			if _, ok := enabled[name]; !ok {
				debug.Logf("scheduler: dropping disabled platform %s from parallel_groups\n", name)
				continue
			}
			if prev, dup := groupOf[name]; dup {
				return nil, etlerr.Configf("scheduler.plan",
					"parallel_groups lists %q in groups %d and %d", name, prev+1, gi+1)
			}
			groupOf[name] = len(groups)
			kept = append(kept, name)
		}
		if len(kept) == 0 {
			continue
		}
		s.sortGroup(kept)
		groups = append(groups, kept)
	}

	for name := range enabled {
		if _, ok := groupOf[name]; !ok {
			return nil, etlerr.Configf("scheduler.plan",
				"parallel_groups omits enabled platform %q", name)
		}
	}
	for name, gi := range groupOf {
		for _, dep := range s.deps[name] {
			if groupOf[dep] >= gi {
				return nil, etlerr.Configf("scheduler.plan",
					"parallel_groups places %q in group %d but its dependency %q is not in an earlier group",
					name, gi+1, dep)
			}
		}
	}
	return groups, nil
}

// CanExecute reports whether every dependency of the platform is in the
// completed set. Unknown platforms cannot execute.
func (s *Schedule) CanExecute(platform string, completed map[string]bool) bool {
	if _, ok := s.priority[platform]; !ok {
		return false
	}
	for _, dep := range s.deps[platform] {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// Dependencies returns the platform's direct (enabled) dependencies.
func (s *Schedule) Dependencies(platform string) []string {
	return append([]string(nil), s.deps[platform]...)
}

// TransitiveDependents returns every platform downstream of the named
// one, sorted. The orchestrator skips these when the platform fails.
func (s *Schedule) TransitiveDependents(platform string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(n string) {
		for _, child := range s.rdeps[n] {
			if !seen[child] {
				seen[child] = true
				walk(child)
			}
		}
	}
	walk(platform)
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Platforms returns every scheduled platform in group order.
func (s *Schedule) Platforms() []string {
	var out []string
	for _, g := range s.Groups {
		out = append(out, g...)
	}
	return out
}

// String renders the plan the way `adferry validate` prints it.
func (s *Schedule) String() string {
	var b strings.Builder
	for i, g := range s.Groups {
		fmt.Fprintf(&b, "group %d: %s\n", i+1, strings.Join(g, ", "))
	}
	return b.String()
}
