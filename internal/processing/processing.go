// Package processing applies a configured chain of named column
// transformations to a frame. Steps are looked up in an open registry so
// deployments can add platform-specific transforms without touching the
// built-ins.
package processing

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/adlift/adferry/internal/etlerr"
	"github.com/adlift/adferry/internal/frame"
)

// ErrUnknownStep is wrapped into the config error returned when a chain
// references a step name that was never registered.
var ErrUnknownStep = errors.New("unknown processing step")

// Params carries a step's configuration as decoded from YAML.
type Params map[string]any

// StepFunc transforms a frame. Implementations return a new frame and
// must not mutate the input.
type StepFunc func(*frame.Frame, Params) (*frame.Frame, error)

// StepConfig names one step of a chain with its parameters.
type StepConfig struct {
	Name   string
	Params Params
}

var (
	regMu    sync.RWMutex
	registry = map[string]StepFunc{}
)

// Register adds a step to the registry. Registering a name twice
// replaces the earlier function; platform packages rely on this to
// override a built-in in tests.
func Register(name string, fn StepFunc) {
	regMu.Lock()
	defer regMu.Unlock()
	registry[name] = fn
}

// Lookup returns the registered step function.
func Lookup(name string) (StepFunc, bool) {
	regMu.RLock()
	defer regMu.RUnlock()
	fn, ok := registry[name]
	return fn, ok
}

// Names returns the registered step names, sorted.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pipeline is a resolved chain of steps. Construction fails on the first
// unknown name so configuration errors surface before any extraction.
type Pipeline struct {
	steps []resolvedStep
}

type resolvedStep struct {
	name   string
	params Params
	fn     StepFunc
}

// New resolves a step chain against the registry.
func New(cfgs []StepConfig) (*Pipeline, error) {
	p := &Pipeline{steps: make([]resolvedStep, 0, len(cfgs))}
	for _, cfg := range cfgs {
		fn, ok := Lookup(cfg.Name)
		if !ok {
			return nil, etlerr.Config("processing.new",
				fmt.Errorf("%w: %q (registered: %v)", ErrUnknownStep, cfg.Name, Names()))
		}
		p.steps = append(p.steps, resolvedStep{name: cfg.Name, params: cfg.Params, fn: fn})
	}
	return p, nil
}

// Len returns the number of steps in the chain.
func (p *Pipeline) Len() int { return len(p.steps) }

// Process runs the chain. The input frame is never mutated; the frame
// returned by the last step is handed back. A step failure identifies
// the step by name and aborts the chain.
func (p *Pipeline) Process(f *frame.Frame) (*frame.Frame, error) {
	cur := f
	for _, s := range p.steps {
		next, err := s.fn(cur, s.params)
		if err != nil {
			return nil, etlerr.Data("processing."+s.name, fmt.Errorf("step failed: %w", err))
		}
		cur = next
	}
	return cur, nil
}

// Param accessors. YAML hands us any-typed scalars and slices; these
// normalize the shapes steps care about.

func (p Params) str(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (p Params) strOr(key, def string) string {
	if s, ok := p.str(key); ok && s != "" {
		return s
	}
	return def
}

func (p Params) strings(key string) []string {
	v, ok := p[key]
	if !ok {
		return nil
	}
	switch x := v.(type) {
	case string:
		return []string{x}
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func (p Params) stringMap(key string) map[string]string {
	v, ok := p[key]
	if !ok {
		return nil
	}
	out := map[string]string{}
	switch x := v.(type) {
	case map[string]string:
		return x
	case map[string]any:
		for k, e := range x {
			out[k] = frame.Stringify(e)
		}
	case map[any]any:
		for k, e := range x {
			out[frame.Stringify(k)] = frame.Stringify(e)
		}
	}
	return out
}

func (p Params) intOr(key string, def int64) int64 {
	v, ok := p[key]
	if !ok {
		return def
	}
	if n, ok := frame.ToInt(v); ok {
		return n
	}
	return def
}
