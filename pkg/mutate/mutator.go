// Package mutate implements schema-aware generation and mutation of
// testcases. Operators are selected by weighted random choice and always
// return a testcase satisfying the placeholder index invariant, or fail
// with ErrMutationFailed, which the engine treats as recoverable.
package mutate

import (
	"errors"
	"math/rand"

	"go.uber.org/zap"

	"github.com/specfuzz/specfuzz/pkg/feedback"
	"github.com/specfuzz/specfuzz/pkg/input"
	"github.com/specfuzz/specfuzz/pkg/spec"
)

// ErrMutationFailed means no operator could produce a valid testcase; the
// engine falls back to fresh generation for that iteration.
var ErrMutationFailed = errors.New("mutate: mutation failed")

// Options are the tuning knobs; all weights are relative.
type Options struct {
	ValueWeight      int
	GenerateWeight   int
	StructuralWeight int
	SpliceWeight     int
	// BindProbability is the chance a scalar field is bound to a known
	// producer instead of receiving a literal value.
	BindProbability float64
	// OptionalChance is the chance an optional parameter is included.
	OptionalChance float64
	// Dictionary tokens are spliced into generated and mutated strings.
	Dictionary []string
	// MaxCalls caps sequence growth under insertion and splicing.
	MaxCalls int
}

func DefaultOptions() Options {
	return Options{
		ValueWeight:      5,
		GenerateWeight:   2,
		StructuralWeight: 2,
		SpliceWeight:     1,
		BindProbability:  0.5,
		OptionalChance:   0.5,
		Dictionary:       []string{"admin", "null", "'--", "<script>", "%00", "../../etc/passwd"},
		MaxCalls:         8,
	}
}

// Mutator is deterministic under a fixed seed: all randomness flows through
// the single rng, so one mutator must not be shared between workers.
type Mutator struct {
	catalog *spec.Catalog
	fb      *feedback.Feedback
	opts    Options
	rng     *rand.Rand
	log     *zap.Logger
	ops     []*spec.Operation
}

func New(catalog *spec.Catalog, fb *feedback.Feedback, opts Options, seed int64, log *zap.Logger) *Mutator {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.MaxCalls <= 0 {
		opts.MaxCalls = DefaultOptions().MaxCalls
	}
	return &Mutator{
		catalog: catalog,
		fb:      fb,
		opts:    opts,
		rng:     rand.New(rand.NewSource(seed)),
		log:     log,
		ops:     catalog.Operations(),
	}
}

// Rng exposes the mutator's random source so selection and mutation for one
// worker draw from the same deterministic stream.
func (m *Mutator) Rng() *rand.Rand { return m.rng }

// Generate produces a fresh testcase of one to three calls with generated
// (or feedback-bound) values.
func (m *Mutator) Generate() (*input.Testcase, error) {
	if len(m.ops) == 0 {
		return nil, ErrMutationFailed
	}
	t := input.New()
	n := 1 + m.rng.Intn(3)
	for i := 0; i < n; i++ {
		op := m.ops[m.rng.Intn(len(m.ops))]
		t.Calls = append(t.Calls, m.newCall(op, t, i))
	}
	return m.finish(t)
}

// SeedFor builds the single-call seed testcase for one operation, used to
// bootstrap an empty corpus.
func (m *Mutator) SeedFor(op *spec.Operation) *input.Testcase {
	t := input.New()
	t.Calls = append(t.Calls, m.newCall(op, t, 0))
	return t
}

// Mutate clones seed and applies one weighted-random operator. donor, when
// non-nil, enables splicing. The result always passes Validate.
func (m *Mutator) Mutate(seed, donor *input.Testcase) (*input.Testcase, error) {
	if len(m.ops) == 0 || seed == nil || seed.Len() == 0 {
		return nil, ErrMutationFailed
	}
	t := seed.Clone()

	spliceWeight := m.opts.SpliceWeight
	if donor == nil || donor.Len() == 0 {
		spliceWeight = 0
	}
	total := m.opts.ValueWeight + m.opts.GenerateWeight + m.opts.StructuralWeight + spliceWeight
	if total <= 0 {
		return nil, ErrMutationFailed
	}

	pick := m.rng.Intn(total)
	switch {
	case pick < m.opts.ValueWeight:
		m.mutateValues(t)
	case pick < m.opts.ValueWeight+m.opts.GenerateWeight:
		m.regenerateField(t)
	case pick < m.opts.ValueWeight+m.opts.GenerateWeight+m.opts.StructuralWeight:
		m.mutateStructure(t)
	default:
		t = m.splice(t, donor)
	}
	return m.finish(t)
}

func (m *Mutator) finish(t *input.Testcase) (*input.Testcase, error) {
	if err := t.Validate(); err != nil {
		t.Repair()
	}
	if err := t.Validate(); err != nil || t.Len() == 0 {
		return nil, ErrMutationFailed
	}
	return t, nil
}

// newCall constructs a call for op at index idx, binding scalar fields to
// known producers among t.Calls[:idx] with the configured probability.
func (m *Mutator) newCall(op *spec.Operation, t *input.Testcase, idx int) *input.Call {
	c := input.NewCall(op.ID())
	for _, p := range op.Params {
		if !p.Required && m.rng.Float64() >= m.opts.OptionalChance {
			continue
		}
		fv := m.fieldValue(p.Schema, t, idx)
		switch p.In {
		case "path":
			c.PathParams[p.Name] = fv
		case "query":
			c.Query[p.Name] = fv
		case "header":
			c.Header[p.Name] = fv
		}
	}
	if op.Body != nil && (op.BodyRequired || m.rng.Float64() < m.opts.OptionalChance) {
		c.Body = input.Lit(m.generate(op.Body, 0))
	}
	return c
}

// fieldValue decides between a feedback binding and a generated literal.
func (m *Mutator) fieldValue(schema *spec.Schema, t *input.Testcase, idx int) *input.FieldValue {
	if schema.Scalar() && idx > 0 && m.rng.Float64() < m.opts.BindProbability {
		if ph := m.fb.Bind(t, idx, schema, m.rng); ph != nil {
			return input.Bound(ph)
		}
	}
	return input.Lit(m.generate(schema, 0))
}

// regenerateField replaces one existing field with a freshly generated or
// rebound value.
func (m *Mutator) regenerateField(t *input.Testcase) {
	targets := m.fieldTargets(t)
	if len(targets) == 0 {
		return
	}
	tg := targets[m.rng.Intn(len(targets))]
	*tg.fv = *m.fieldValue(tg.schema, t, tg.call)
}

// mutateStructure inserts, deletes or duplicates one call.
func (m *Mutator) mutateStructure(t *input.Testcase) {
	switch choice := m.rng.Intn(3); {
	case choice == 0 && t.Len() < m.opts.MaxCalls:
		pos := m.rng.Intn(t.Len() + 1)
		op := m.ops[m.rng.Intn(len(m.ops))]
		t.Insert(pos, m.newCall(op, t, pos))
	case choice == 1 && t.Len() > 1:
		t.Delete(m.rng.Intn(t.Len()))
	default:
		if t.Len() >= m.opts.MaxCalls {
			return
		}
		pos := m.rng.Intn(t.Len())
		t.Insert(pos+1, t.Calls[pos].Clone())
	}
}

// splice crosses a prefix of t with a suffix of donor.
func (m *Mutator) splice(t, donor *input.Testcase) *input.Testcase {
	prefixLen := 1 + m.rng.Intn(t.Len())
	otherFrom := m.rng.Intn(donor.Len())
	out := t.Splice(prefixLen, donor, otherFrom)
	if out.Len() > m.opts.MaxCalls {
		out = out.Slice(0, m.opts.MaxCalls)
	}
	return out
}

// fieldTarget is one mutable field plus the schema constraining it.
type fieldTarget struct {
	call   int
	fv     *input.FieldValue
	schema *spec.Schema
}

func (m *Mutator) fieldTargets(t *input.Testcase) []fieldTarget {
	var targets []fieldTarget
	for i, c := range t.Calls {
		op, ok := m.catalog.Get(c.OpID)
		if !ok {
			continue
		}
		for _, p := range op.Params {
			var fv *input.FieldValue
			switch p.In {
			case "path":
				fv = c.PathParams[p.Name]
			case "query":
				fv = c.Query[p.Name]
			case "header":
				fv = c.Header[p.Name]
			}
			if fv != nil {
				targets = append(targets, fieldTarget{call: i, fv: fv, schema: p.Schema})
			}
		}
		if c.Body != nil && op.Body != nil {
			targets = append(targets, fieldTarget{call: i, fv: c.Body, schema: op.Body})
		}
	}
	return targets
}
