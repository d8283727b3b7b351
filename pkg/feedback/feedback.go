// Package feedback turns values observed in earlier responses into inputs
// for later calls. Extraction rules say which response fields are worth
// harvesting; the dependency graph accumulates observed values; Bind decides
// whether a field can be wired to an earlier call in the same testcase.
package feedback

import (
	"math/rand"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/specfuzz/specfuzz/pkg/input"
	"github.com/specfuzz/specfuzz/pkg/spec"
)

// defaultMaxValuesPerKey bounds the number of observations retained per
// producer key. Old values are dropped FIFO; entries themselves are never
// removed, so readers always see complete entries.
const defaultMaxValuesPerKey = 64

// Key identifies a producer: an operation plus a response field path.
type Key struct {
	OpID string
	Path string
}

// Graph is the shared, append-only dependency graph. Appends are atomic per
// entry; readers take the read lock and never observe partial state.
type Graph struct {
	mu        sync.RWMutex
	values    map[Key][]*structpb.Value
	kinds     map[Key]spec.Kind
	maxPerKey int
}

func NewGraph(maxPerKey int) *Graph {
	if maxPerKey <= 0 {
		maxPerKey = defaultMaxValuesPerKey
	}
	return &Graph{
		values:    map[Key][]*structpb.Value{},
		kinds:     map[Key]spec.Kind{},
		maxPerKey: maxPerKey,
	}
}

// Append records one observed value for a producer key.
func (g *Graph) Append(key Key, kind spec.Kind, v *structpb.Value) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.kinds[key] = kind
	vs := append(g.values[key], v)
	if len(vs) > g.maxPerKey {
		vs = vs[len(vs)-g.maxPerKey:]
	}
	g.values[key] = vs
}

// Known reports whether the key has at least one observed value.
func (g *Graph) Known(key Key) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.values[key]) > 0
}

// Sample returns a copy of one observed value for key, or nil.
func (g *Graph) Sample(key Key, rng *rand.Rand) *structpb.Value {
	g.mu.RLock()
	defer g.mu.RUnlock()
	vs := g.values[key]
	if len(vs) == 0 {
		return nil
	}
	return proto.Clone(vs[rng.Intn(len(vs))]).(*structpb.Value)
}

// Size returns the number of producer keys with observations.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.values)
}

// Feedback binds response-observed values into later calls.
type Feedback struct {
	rules *Rules
	graph *Graph
	log   *zap.Logger
}

func New(rules *Rules, graph *Graph, log *zap.Logger) *Feedback {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feedback{rules: rules, graph: graph, log: log}
}

func (f *Feedback) Graph() *Graph { return f.graph }

// Bind proposes a placeholder for a field of the given kind on call
// consumer. Candidates are earlier calls whose operation has an extraction
// rule of a compatible kind with at least one observed value; one is picked
// uniformly. Returns nil when no earlier call qualifies, in which case the
// caller falls back to plain generation.
func (f *Feedback) Bind(t *input.Testcase, consumer int, schema *spec.Schema, rng *rand.Rand) *input.Placeholder {
	type candidate struct {
		producer int
		rule     Rule
	}
	var candidates []candidate
	for i := 0; i < consumer && i < t.Len(); i++ {
		for _, rule := range f.rules.For(t.Calls[i].OpID) {
			if !schema.Compatible(rule.Kind) {
				continue
			}
			if !f.graph.Known(Key{OpID: t.Calls[i].OpID, Path: rule.Path}) {
				continue
			}
			candidates = append(candidates, candidate{producer: i, rule: rule})
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	chosen := candidates[rng.Intn(len(candidates))]
	fallback := f.graph.Sample(Key{OpID: t.Calls[chosen.producer].OpID, Path: chosen.rule.Path}, rng)
	if fallback == nil {
		return nil
	}
	return &input.Placeholder{
		Producer: chosen.producer,
		Path:     chosen.rule.Path,
		Fallback: fallback,
	}
}
