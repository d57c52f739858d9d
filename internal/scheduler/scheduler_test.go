package scheduler

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/adlift/adferry/internal/etlerr"
)

func node(name string, priority int, deps ...string) PlatformNode {
	return PlatformNode{Name: name, Enabled: true, Priority: priority, DependsOn: deps}
}

func TestPlanIndependentPlatformsOneGroup(t *testing.T) {
	s, err := Plan([]PlatformNode{
		node("linkedin", 1),
		node("facebook", 3),
		node("googleads", 3),
		node("msads", 2),
	}, nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	want := [][]string{{"facebook", "googleads", "msads", "linkedin"}}
	if !reflect.DeepEqual(s.Groups, want) {
		t.Errorf("Groups = %v, want %v (priority desc, then name asc)", s.Groups, want)
	}
}

func TestPlanChain(t *testing.T) {
	s, err := Plan([]PlatformNode{
		node("a", 1),
		node("b", 1, "a"),
		node("c", 1, "b"),
	}, nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	want := [][]string{{"a"}, {"b"}, {"c"}}
	if !reflect.DeepEqual(s.Groups, want) {
		t.Errorf("Groups = %v, want %v", s.Groups, want)
	}
}

func TestPlanDiamond(t *testing.T) {
	s, err := Plan([]PlatformNode{
		node("base", 1),
		node("left", 2, "base"),
		node("right", 1, "base"),
		node("top", 1, "left", "right"),
	}, nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	want := [][]string{{"base"}, {"left", "right"}, {"top"}}
	if !reflect.DeepEqual(s.Groups, want) {
		t.Errorf("Groups = %v, want %v", s.Groups, want)
	}
}

func TestPlanCycle(t *testing.T) {
	_, err := Plan([]PlatformNode{
		node("a", 1, "c"),
		node("b", 1, "a"),
		node("c", 1, "b"),
	}, nil)
	if err == nil {
		t.Fatal("Plan() succeeded on a cycle")
	}
	var cyc *CircularDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("error %v is not a CircularDependencyError", err)
	}
	if len(cyc.Cycle) < 3 {
		t.Errorf("cycle %v too short to name the members", cyc.Cycle)
	}
	if k, ok := etlerr.KindOf(err); !ok || k != etlerr.KindConfig {
		t.Errorf("cycle error kind = %v, want config", k)
	}
}

func TestPlanSelfDependency(t *testing.T) {
	_, err := Plan([]PlatformNode{node("a", 1, "a")}, nil)
	var cyc *CircularDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("self dependency: error = %v, want CircularDependencyError", err)
	}
}

func TestPlanUnknownDependency(t *testing.T) {
	_, err := Plan([]PlatformNode{node("a", 1, "ghost")}, nil)
	if err == nil {
		t.Fatal("Plan() accepted an unknown dependency")
	}
	if k, _ := etlerr.KindOf(err); k != etlerr.KindConfig {
		t.Errorf("kind = %v, want config", k)
	}
}

func TestPlanDuplicatePlatform(t *testing.T) {
	_, err := Plan([]PlatformNode{node("a", 1), node("a", 2)}, nil)
	if err == nil {
		t.Fatal("Plan() accepted a duplicate platform")
	}
}

func TestPlanDisabledExcluded(t *testing.T) {
	s, err := Plan([]PlatformNode{
		{Name: "facebook", Enabled: false, Priority: 9},
		node("linkedin", 1, "facebook"),
	}, nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	want := [][]string{{"linkedin"}}
	if !reflect.DeepEqual(s.Groups, want) {
		t.Errorf("Groups = %v, want %v (edge through disabled platform dropped)", s.Groups, want)
	}
}

func TestPlanEmpty(t *testing.T) {
	s, err := Plan(nil, nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(s.Groups) != 0 {
		t.Errorf("Groups = %v, want none", s.Groups)
	}
}

func TestManualGroupsUsedWhenValid(t *testing.T) {
	nodes := []PlatformNode{
		node("a", 1),
		node("b", 1),
		node("c", 1, "a"),
	}
	// Coarser than the natural frontier: b deliberately held back.
	s, err := Plan(nodes, [][]string{{"a"}, {"c", "b"}})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	want := [][]string{{"a"}, {"b", "c"}}
	if !reflect.DeepEqual(s.Groups, want) {
		t.Errorf("Groups = %v, want %v (members sorted within group)", s.Groups, want)
	}
}

func TestManualGroupsValidation(t *testing.T) {
	nodes := []PlatformNode{
		node("a", 1),
		node("b", 1, "a"),
	}
	tests := []struct {
		name    string
		manual  [][]string
		wantErr string
	}{
		{"dependency in same group", [][]string{{"a", "b"}}, "earlier group"},
		{"dependency in later group", [][]string{{"b"}, {"a"}}, "earlier group"},
		{"platform omitted", [][]string{{"a"}}, "omits"},
		{"platform duplicated", [][]string{{"a"}, {"b", "a"}}, "groups 1 and 2"},
		{"unknown platform", [][]string{{"a"}, {"b", "ghost"}}, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Plan(nodes, tt.manual)
			if err == nil {
				t.Fatalf("Plan(%v) succeeded, want error", tt.manual)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestManualGroupsDropDisabled(t *testing.T) {
	nodes := []PlatformNode{
		node("a", 1),
		{Name: "b", Enabled: false, Priority: 1},
	}
	s, err := Plan(nodes, [][]string{{"a", "b"}})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	want := [][]string{{"a"}}
	if !reflect.DeepEqual(s.Groups, want) {
		t.Errorf("Groups = %v, want %v", s.Groups, want)
	}
}

func TestCanExecute(t *testing.T) {
	s, err := Plan([]PlatformNode{
		node("a", 1),
		node("b", 1, "a"),
	}, nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if !s.CanExecute("a", nil) {
		t.Error("a has no deps, must be executable")
	}
	if s.CanExecute("b", map[string]bool{}) {
		t.Error("b requires a")
	}
	if !s.CanExecute("b", map[string]bool{"a": true}) {
		t.Error("b executable once a completed")
	}
	if s.CanExecute("ghost", map[string]bool{"a": true}) {
		t.Error("unknown platform must not be executable")
	}
}

func TestTransitiveDependents(t *testing.T) {
	s, err := Plan([]PlatformNode{
		node("base", 1),
		node("left", 1, "base"),
		node("right", 1, "base"),
		node("top", 1, "left", "right"),
		node("loner", 1),
	}, nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	got := s.TransitiveDependents("base")
	want := []string{"left", "right", "top"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("TransitiveDependents(base) = %v, want %v", got, want)
	}
	if deps := s.TransitiveDependents("top"); len(deps) != 0 {
		t.Errorf("TransitiveDependents(top) = %v, want none", deps)
	}
}

func TestScheduleString(t *testing.T) {
	s, err := Plan([]PlatformNode{node("a", 1), node("b", 1, "a")}, nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	out := s.String()
	if !strings.Contains(out, "group 1: a") || !strings.Contains(out, "group 2: b") {
		t.Errorf("String() = %q", out)
	}
}
