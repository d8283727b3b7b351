package spec

import (
	"github.com/getkin/kin-openapi/openapi3"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxSchemaDepth bounds recursive $ref expansion. A cycle that survives
// past this depth is truncated to a string leaf so the resolved tree is
// always finite.
const maxSchemaDepth = 8

// Kind is the closed set of schema variants the fuzzer understands.
type Kind int

const (
	KindString Kind = iota
	KindInteger
	KindNumber
	KindBoolean
	KindArray
	KindObject
	KindEnum
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInteger:
		return "integer"
	case KindNumber:
		return "number"
	case KindBoolean:
		return "boolean"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindEnum:
		return "enum"
	}
	return "unknown"
}

// Schema is a resolved, finite view of an OpenAPI schema. It is immutable
// after Load and shared freely between workers.
type Schema struct {
	Kind       Kind
	Format     string
	Pattern    string
	Min        *float64
	Max        *float64
	MinLength  uint64
	MaxLength  *uint64
	Enum       []*structpb.Value
	Items      *Schema
	Properties map[string]*Schema
	Required   []string
}

// Scalar reports whether the schema describes a single JSON scalar.
func (s *Schema) Scalar() bool {
	switch s.Kind {
	case KindString, KindInteger, KindNumber, KindBoolean, KindEnum:
		return true
	}
	return false
}

// Compatible reports whether a value of kind k can stand in for this
// schema. Integers satisfy number fields; enums match on their member kind.
func (s *Schema) Compatible(k Kind) bool {
	if s.Kind == k {
		return true
	}
	if s.Kind == KindNumber && k == KindInteger {
		return true
	}
	return false
}

type resolver struct {
	memo map[*openapi3.Schema]*Schema
}

func newResolver() *resolver {
	return &resolver{memo: make(map[*openapi3.Schema]*Schema)}
}

// stringLeaf is the truncation point for cycles, depth overruns and
// constructs the mutator cannot do better with.
func stringLeaf() *Schema {
	return &Schema{Kind: KindString}
}

func (r *resolver) resolve(ref *openapi3.SchemaRef, depth int) *Schema {
	if ref == nil || ref.Value == nil {
		return stringLeaf()
	}
	if depth > maxSchemaDepth {
		return stringLeaf()
	}
	src := ref.Value
	if cached, ok := r.memo[src]; ok && cached != nil {
		return cached
	}
	// Mark in progress so a self reference truncates instead of recursing.
	r.memo[src] = stringLeaf()

	out := r.resolveValue(src, depth)
	r.memo[src] = out
	return out
}

func (r *resolver) resolveValue(src *openapi3.Schema, depth int) *Schema {
	// Composition keywords: allOf merges object members, oneOf/anyOf take
	// the first alternative. Good enough for encodable input generation.
	if len(src.AllOf) > 0 {
		merged := &Schema{Kind: KindObject, Properties: map[string]*Schema{}}
		for _, part := range src.AllOf {
			ps := r.resolve(part, depth+1)
			for name, prop := range ps.Properties {
				merged.Properties[name] = prop
			}
			merged.Required = append(merged.Required, ps.Required...)
		}
		return merged
	}
	if len(src.OneOf) > 0 {
		return r.resolve(src.OneOf[0], depth+1)
	}
	if len(src.AnyOf) > 0 {
		return r.resolve(src.AnyOf[0], depth+1)
	}

	if len(src.Enum) > 0 {
		out := &Schema{Kind: KindEnum, Format: src.Format}
		for _, raw := range src.Enum {
			v, err := structpb.NewValue(raw)
			if err != nil {
				continue
			}
			out.Enum = append(out.Enum, v)
		}
		if len(out.Enum) == 0 {
			return stringLeaf()
		}
		return out
	}

	switch src.Type {
	case "integer":
		return &Schema{Kind: KindInteger, Format: src.Format, Min: src.Min, Max: src.Max}
	case "number":
		return &Schema{Kind: KindNumber, Format: src.Format, Min: src.Min, Max: src.Max}
	case "boolean":
		return &Schema{Kind: KindBoolean}
	case "string":
		return &Schema{
			Kind:      KindString,
			Format:    src.Format,
			Pattern:   src.Pattern,
			MinLength: src.MinLength,
			MaxLength: src.MaxLength,
		}
	case "array":
		return &Schema{Kind: KindArray, Items: r.resolve(src.Items, depth+1)}
	case "object", "":
		if src.Type == "" && len(src.Properties) == 0 {
			// Untyped and shapeless: treat as a free-form string.
			return stringLeaf()
		}
		out := &Schema{Kind: KindObject, Properties: map[string]*Schema{}, Required: src.Required}
		for name, prop := range src.Properties {
			out.Properties[name] = r.resolve(prop, depth+1)
		}
		return out
	}
	return stringLeaf()
}
