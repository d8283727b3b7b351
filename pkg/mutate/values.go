package mutate

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/specfuzz/specfuzz/pkg/input"
	"github.com/specfuzz/specfuzz/pkg/spec"
)

const (
	maxGenDepth    = 6
	maxArrayItems  = 3
	longStringSize = 1024
)

// Numeric boundary pool; schema min/max get appended when declared.
var numberBoundaries = []float64{
	0, 1, -1, 255, 256, 65535, 65536,
	math.MaxInt32, math.MinInt32,
	math.MaxInt32 + 1, math.MinInt32 - 1,
	9007199254740993, // 2^53+1, first integer JSON float64 cannot hold
}

// generate produces a fresh value for a schema ex nihilo, biased toward
// boundary and typical values over uniform random ones.
func (m *Mutator) generate(s *spec.Schema, depth int) *structpb.Value {
	if s == nil {
		return structpb.NewNullValue()
	}
	switch s.Kind {
	case spec.KindEnum:
		return clone(s.Enum[m.rng.Intn(len(s.Enum))])
	case spec.KindBoolean:
		return structpb.NewBoolValue(m.rng.Intn(2) == 0)
	case spec.KindInteger:
		return structpb.NewNumberValue(math.Trunc(m.genNumber(s)))
	case spec.KindNumber:
		return structpb.NewNumberValue(m.genNumber(s))
	case spec.KindString:
		return structpb.NewStringValue(m.genString(s))
	case spec.KindArray:
		if depth >= maxGenDepth {
			return structpb.NewListValue(&structpb.ListValue{})
		}
		list := &structpb.ListValue{}
		for i, n := 0, m.rng.Intn(maxArrayItems+1); i < n; i++ {
			list.Values = append(list.Values, m.generate(s.Items, depth+1))
		}
		return structpb.NewListValue(list)
	case spec.KindObject:
		obj := &structpb.Struct{Fields: map[string]*structpb.Value{}}
		if depth >= maxGenDepth {
			return structpb.NewStructValue(obj)
		}
		required := map[string]bool{}
		for _, name := range s.Required {
			required[name] = true
		}
		names := make([]string, 0, len(s.Properties))
		for name := range s.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if !required[name] && m.rng.Float64() >= m.opts.OptionalChance {
				continue
			}
			obj.Fields[name] = m.generate(s.Properties[name], depth+1)
		}
		return structpb.NewStructValue(obj)
	}
	return structpb.NewNullValue()
}

func (m *Mutator) genNumber(s *spec.Schema) float64 {
	pool := numberBoundaries
	if s != nil && s.Min != nil {
		pool = append(append([]float64{}, pool...), *s.Min, *s.Min-1)
	}
	if s != nil && s.Max != nil {
		pool = append(append([]float64{}, pool...), *s.Max, *s.Max+1)
	}
	// Mostly boundaries, occasionally plain random.
	if m.rng.Intn(4) == 0 {
		return float64(m.rng.Int63n(1 << 20))
	}
	return pool[m.rng.Intn(len(pool))]
}

func (m *Mutator) genString(s *spec.Schema) string {
	switch s.Format {
	case "uuid":
		return m.genUUID()
	case "date":
		return "2020-02-29"
	case "date-time":
		return "2020-02-29T23:59:59Z"
	case "email":
		return m.randToken(6) + "@example.com"
	case "uri", "url":
		return "https://example.com/" + m.randToken(5)
	}
	switch m.rng.Intn(6) {
	case 0:
		return ""
	case 1:
		return strings.Repeat("A", longStringSize)
	case 2:
		if len(m.opts.Dictionary) > 0 {
			return m.opts.Dictionary[m.rng.Intn(len(m.opts.Dictionary))]
		}
		fallthrough
	default:
		return m.randToken(1 + m.rng.Intn(12))
	}
}

// genUUID draws a v4 UUID from the mutator rng so replay stays deterministic.
func (m *Mutator) genUUID() string {
	id, err := uuid.NewRandomFromReader(m.rng)
	if err != nil {
		return "00000000-0000-4000-8000-000000000000"
	}
	return id.String()
}

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-"

func (m *Mutator) randToken(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = tokenAlphabet[m.rng.Intn(len(tokenAlphabet))]
	}
	return string(b)
}

// mutateValues perturbs up to two existing leaf values per round.
// Placeholder fields are either rebound through feedback or demoted and
// perturbed as literals.
func (m *Mutator) mutateValues(t *input.Testcase) {
	targets := m.fieldTargets(t)
	if len(targets) == 0 {
		return
	}
	rounds := 1
	if len(targets) >= 2 {
		rounds = 2
	}
	for i := 0; i < rounds; i++ {
		tg := targets[m.rng.Intn(len(targets))]
		m.mutateField(t, tg)
	}
}

func (m *Mutator) mutateField(t *input.Testcase, tg fieldTarget) {
	if tg.fv.IsPlaceholder() {
		if m.rng.Intn(2) == 0 {
			if ph := m.fb.Bind(t, tg.call, tg.schema, m.rng); ph != nil {
				*tg.fv = *input.Bound(ph)
				return
			}
		}
		*tg.fv = *input.Lit(tg.fv.Concrete())
	}
	m.mutateLiteral(tg.fv.Literal, tg.schema)
}

// mutateLiteral rewrites v in place. Composite values have one of their
// leaves perturbed; the value stays encodable under its declared kind.
func (m *Mutator) mutateLiteral(v *structpb.Value, s *spec.Schema) {
	leaves := collectLeaves("", v, s)
	if len(leaves) == 0 {
		return
	}
	leaf := leaves[m.rng.Intn(len(leaves))]
	m.mutateScalar(leaf.value, leaf.schema)
}

func (m *Mutator) mutateScalar(v *structpb.Value, s *spec.Schema) {
	if s != nil && s.Kind == spec.KindEnum && len(s.Enum) > 0 {
		// Enum cycling: move to the next declared member.
		cur := -1
		for i, member := range s.Enum {
			if member.String() == v.String() {
				cur = i
				break
			}
		}
		*v = *clone(s.Enum[(cur+1)%len(s.Enum)])
		return
	}
	switch v.GetKind().(type) {
	case *structpb.Value_BoolValue:
		*v = *structpb.NewBoolValue(!v.GetBoolValue())
	case *structpb.Value_NumberValue:
		*v = *structpb.NewNumberValue(m.mutateNumber(v.GetNumberValue(), s))
	case *structpb.Value_StringValue:
		*v = *structpb.NewStringValue(m.mutateString(v.GetStringValue()))
	case *structpb.Value_NullValue:
		if s != nil {
			*v = *m.generate(s, maxGenDepth)
		}
	}
}

func (m *Mutator) mutateNumber(n float64, s *spec.Schema) float64 {
	out := n
	switch m.rng.Intn(6) {
	case 0:
		out = n + 1
	case 1:
		out = n - 1
	case 2:
		out = -n
	case 3:
		out = n * 2
	default:
		out = m.genNumber(s)
	}
	if s != nil && s.Kind == spec.KindInteger {
		out = math.Trunc(out)
	}
	return out
}

func (m *Mutator) mutateString(in string) string {
	switch m.rng.Intn(5) {
	case 0: // bit flip
		if len(in) == 0 {
			return string(rune('!' + m.rng.Intn(64)))
		}
		b := []byte(in)
		b[m.rng.Intn(len(b))] ^= 1 << uint(m.rng.Intn(7))
		return string(b)
	case 1: // truncate
		if len(in) == 0 {
			return in
		}
		return in[:m.rng.Intn(len(in))]
	case 2: // duplicate
		return in + in
	case 3: // dictionary token insertion
		if len(m.opts.Dictionary) == 0 {
			return in + m.randToken(4)
		}
		tok := m.opts.Dictionary[m.rng.Intn(len(m.opts.Dictionary))]
		if len(in) == 0 {
			return tok
		}
		cut := m.rng.Intn(len(in))
		return in[:cut] + tok + in[cut:]
	default:
		return m.randToken(1 + m.rng.Intn(16))
	}
}

type leaf struct {
	path   string
	value  *structpb.Value
	schema *spec.Schema // nil when the value drifted away from its schema
}

// collectLeaves walks a value and its schema side by side, returning every
// scalar leaf in deterministic (sorted-key) order.
func collectLeaves(path string, v *structpb.Value, s *spec.Schema) []leaf {
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StructValue:
		var out []leaf
		fields := kind.StructValue.GetFields()
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			var child *spec.Schema
			if s != nil && s.Kind == spec.KindObject {
				child = s.Properties[name]
			}
			out = append(out, collectLeaves(path+"."+name, fields[name], child)...)
		}
		return out
	case *structpb.Value_ListValue:
		var out []leaf
		var child *spec.Schema
		if s != nil && s.Kind == spec.KindArray {
			child = s.Items
		}
		for i, item := range kind.ListValue.GetValues() {
			out = append(out, collectLeaves(fmt.Sprintf("%s.%d", path, i), item, child)...)
		}
		return out
	default:
		return []leaf{{path: path, value: v, schema: s}}
	}
}

func clone(v *structpb.Value) *structpb.Value {
	nv, err := structpb.NewValue(v.AsInterface())
	if err != nil {
		return structpb.NewNullValue()
	}
	return nv
}
