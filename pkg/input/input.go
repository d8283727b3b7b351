// Package input models one fuzz testcase: an ordered sequence of calls whose
// field values are either literals or placeholders bound to the response of
// an earlier call in the same sequence.
package input

import (
	"crypto/sha1"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Placeholder defers a field to a value observed in an earlier call's
// response. Producer is the index of that call within the testcase; Path is
// the dotted response field path ("id", "user.id", "items.0.id"). Fallback
// is a concrete literal used whenever the reference cannot be resolved,
// which also keeps repair after structural edits trivial.
type Placeholder struct {
	Producer int
	Path     string
	Fallback *structpb.Value
}

// FieldValue is a tagged union: exactly one of Literal or Ref is set.
type FieldValue struct {
	Literal *structpb.Value
	Ref     *Placeholder
}

// Lit wraps a literal value.
func Lit(v *structpb.Value) *FieldValue { return &FieldValue{Literal: v} }

// Bound wraps a placeholder.
func Bound(p *Placeholder) *FieldValue { return &FieldValue{Ref: p} }

func (f *FieldValue) IsPlaceholder() bool { return f != nil && f.Ref != nil }

// Concrete returns the literal, or the placeholder fallback for bound
// fields. Never nil for a well-formed field.
func (f *FieldValue) Concrete() *structpb.Value {
	if f.Ref != nil {
		return f.Ref.Fallback
	}
	return f.Literal
}

func (f *FieldValue) clone() *FieldValue {
	if f == nil {
		return nil
	}
	out := &FieldValue{}
	if f.Literal != nil {
		out.Literal = proto.Clone(f.Literal).(*structpb.Value)
	}
	if f.Ref != nil {
		out.Ref = &Placeholder{Producer: f.Ref.Producer, Path: f.Ref.Path}
		if f.Ref.Fallback != nil {
			out.Ref.Fallback = proto.Clone(f.Ref.Fallback).(*structpb.Value)
		}
	}
	return out
}

// demote turns a bound field into its fallback literal.
func (f *FieldValue) demote() {
	if f.Ref == nil {
		return
	}
	f.Literal = f.Ref.Fallback
	if f.Literal == nil {
		f.Literal = structpb.NewNullValue()
	}
	f.Ref = nil
}

// Call is one invocation of an operation. Parameter maps are keyed by
// declared parameter name; Body holds the JSON request body when present.
type Call struct {
	OpID       string
	PathParams map[string]*FieldValue
	Query      map[string]*FieldValue
	Header     map[string]*FieldValue
	Body       *FieldValue
}

// NewCall returns an empty call for the given operation identity.
func NewCall(opID string) *Call {
	return &Call{
		OpID:       opID,
		PathParams: map[string]*FieldValue{},
		Query:      map[string]*FieldValue{},
		Header:     map[string]*FieldValue{},
	}
}

// Fields visits every field value of the call. The visitor may replace the
// pointee, not the pointer.
func (c *Call) Fields(fn func(fv *FieldValue)) {
	for _, m := range []map[string]*FieldValue{c.PathParams, c.Query, c.Header} {
		for _, fv := range m {
			fn(fv)
		}
	}
	if c.Body != nil {
		fn(c.Body)
	}
}

func (c *Call) Clone() *Call {
	out := NewCall(c.OpID)
	for k, v := range c.PathParams {
		out.PathParams[k] = v.clone()
	}
	for k, v := range c.Query {
		out.Query[k] = v.clone()
	}
	for k, v := range c.Header {
		out.Header[k] = v.clone()
	}
	out.Body = c.Body.clone()
	return out
}

// Testcase is an ordered call sequence. Invariant: every placeholder in call
// i references a producer index strictly less than i.
type Testcase struct {
	Calls []*Call
}

func New(calls ...*Call) *Testcase { return &Testcase{Calls: calls} }

func (t *Testcase) Len() int { return len(t.Calls) }

func (t *Testcase) Clone() *Testcase {
	out := &Testcase{Calls: make([]*Call, 0, len(t.Calls))}
	for _, c := range t.Calls {
		out.Calls = append(out.Calls, c.Clone())
	}
	return out
}

// Validate checks the placeholder index invariant.
func (t *Testcase) Validate() error {
	var err error
	for i, c := range t.Calls {
		i := i
		c.Fields(func(fv *FieldValue) {
			if err != nil || !fv.IsPlaceholder() {
				return
			}
			if fv.Ref.Producer < 0 || fv.Ref.Producer >= i {
				err = fmt.Errorf("input: call %d placeholder references producer %d", i, fv.Ref.Producer)
			}
		})
	}
	return err
}

// Repair demotes every placeholder violating the index invariant to its
// fallback literal. The result always passes Validate.
func (t *Testcase) Repair() {
	for i, c := range t.Calls {
		i := i
		c.Fields(func(fv *FieldValue) {
			if fv.IsPlaceholder() && (fv.Ref.Producer < 0 || fv.Ref.Producer >= i) {
				fv.demote()
			}
		})
	}
}

// shift adjusts producer indices after an insertion at pos (delta=+1) or a
// deletion of pos (delta=-1). References to a deleted producer demote.
func (t *Testcase) shift(pos, delta int) {
	for _, c := range t.Calls {
		c.Fields(func(fv *FieldValue) {
			if !fv.IsPlaceholder() {
				return
			}
			switch {
			case delta < 0 && fv.Ref.Producer == pos:
				fv.demote()
			case delta < 0 && fv.Ref.Producer > pos:
				fv.Ref.Producer--
			case delta > 0 && fv.Ref.Producer >= pos:
				fv.Ref.Producer++
			}
		})
	}
}

// Insert places call c at index pos, rebinding downstream placeholders.
func (t *Testcase) Insert(pos int, c *Call) {
	if pos < 0 {
		pos = 0
	}
	if pos > len(t.Calls) {
		pos = len(t.Calls)
	}
	t.shift(pos, +1)
	t.Calls = append(t.Calls[:pos], append([]*Call{c}, t.Calls[pos:]...)...)
	t.Repair()
}

// Delete removes the call at pos. Placeholders referencing it demote to
// their fallback literal rather than dangle.
func (t *Testcase) Delete(pos int) {
	if pos < 0 || pos >= len(t.Calls) {
		return
	}
	t.Calls = append(t.Calls[:pos], t.Calls[pos+1:]...)
	t.shift(pos, -1)
	t.Repair()
}

// Slice extracts a clone of calls [from, to). Placeholders whose producer
// falls outside the slice demote.
func (t *Testcase) Slice(from, to int) *Testcase {
	if from < 0 {
		from = 0
	}
	if to > len(t.Calls) {
		to = len(t.Calls)
	}
	out := &Testcase{}
	for i := from; i < to; i++ {
		c := t.Calls[i].Clone()
		c.Fields(func(fv *FieldValue) {
			if !fv.IsPlaceholder() {
				return
			}
			if fv.Ref.Producer < from || fv.Ref.Producer >= i {
				fv.demote()
			} else {
				fv.Ref.Producer -= from
			}
		})
		out.Calls = append(out.Calls, c)
	}
	out.Repair()
	return out
}

// Splice combines the first prefixLen calls of t with other's calls from
// otherFrom on. Suffix-internal placeholders are re-indexed; references
// crossing the splice boundary demote.
func (t *Testcase) Splice(prefixLen int, other *Testcase, otherFrom int) *Testcase {
	out := t.Slice(0, prefixLen)
	suffix := other.Slice(otherFrom, other.Len())
	base := out.Len()
	for _, c := range suffix.Calls {
		c.Fields(func(fv *FieldValue) {
			if fv.IsPlaceholder() {
				fv.Ref.Producer += base
			}
		})
		out.Calls = append(out.Calls, c)
	}
	out.Repair()
	return out
}

// Sig is a stable identity for a testcase, the corpus dedup key on disk.
type Sig [sha1.Size]byte

func (s Sig) String() string { return fmt.Sprintf("%x", s[:]) }

// Hash returns the SHA-1 of the canonical encoding. Two structurally equal
// testcases always hash identically.
func (t *Testcase) Hash() (Sig, error) {
	b, err := Marshal(t)
	if err != nil {
		return Sig{}, err
	}
	return sha1.Sum(b), nil
}

// Equal is structural equality via the canonical encoding.
func (t *Testcase) Equal(o *Testcase) bool {
	a, err := Marshal(t)
	if err != nil {
		return false
	}
	b, err := Marshal(o)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}
