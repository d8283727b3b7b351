package input

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"google.golang.org/protobuf/types/known/structpb"
)

// canonical sorts map keys so the encoding doubles as a hash input. Lossless
// round-trips rely on structpb values being float64/string/bool/nil/map/slice
// shaped, which JSON preserves exactly.
var canonical = jsoniter.Config{SortMapKeys: true, EscapeHTML: false}.Froze()

type wireRef struct {
	Producer int         `json:"producer"`
	Path     string      `json:"path"`
	Fallback interface{} `json:"fallback"`
}

type wireField struct {
	Lit interface{} `json:"lit"`
	Ref *wireRef    `json:"ref,omitempty"`
}

type wireCall struct {
	Op     string                `json:"op"`
	Path   map[string]*wireField `json:"path,omitempty"`
	Query  map[string]*wireField `json:"query,omitempty"`
	Header map[string]*wireField `json:"header,omitempty"`
	Body   *wireField            `json:"body,omitempty"`
}

type wireTestcase struct {
	Calls []*wireCall `json:"calls"`
}

func toWireField(fv *FieldValue) *wireField {
	if fv == nil {
		return nil
	}
	out := &wireField{}
	if fv.Ref != nil {
		out.Ref = &wireRef{Producer: fv.Ref.Producer, Path: fv.Ref.Path}
		if fv.Ref.Fallback != nil {
			out.Ref.Fallback = fv.Ref.Fallback.AsInterface()
		}
		return out
	}
	if fv.Literal != nil {
		out.Lit = fv.Literal.AsInterface()
	}
	return out
}

func toWireMap(m map[string]*FieldValue) map[string]*wireField {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]*wireField, len(m))
	for k, v := range m {
		out[k] = toWireField(v)
	}
	return out
}

func fromWireField(w *wireField) (*FieldValue, error) {
	if w == nil {
		return nil, nil
	}
	if w.Ref != nil {
		fb, err := structpb.NewValue(w.Ref.Fallback)
		if err != nil {
			return nil, fmt.Errorf("input: decode fallback: %w", err)
		}
		return Bound(&Placeholder{Producer: w.Ref.Producer, Path: w.Ref.Path, Fallback: fb}), nil
	}
	lit, err := structpb.NewValue(w.Lit)
	if err != nil {
		return nil, fmt.Errorf("input: decode literal: %w", err)
	}
	return Lit(lit), nil
}

func fromWireMap(m map[string]*wireField) (map[string]*FieldValue, error) {
	out := make(map[string]*FieldValue, len(m))
	for k, v := range m {
		fv, err := fromWireField(v)
		if err != nil {
			return nil, err
		}
		out[k] = fv
	}
	return out, nil
}

// Marshal encodes a testcase into its canonical JSON form.
func Marshal(t *Testcase) ([]byte, error) {
	w := &wireTestcase{}
	for _, c := range t.Calls {
		w.Calls = append(w.Calls, &wireCall{
			Op:     c.OpID,
			Path:   toWireMap(c.PathParams),
			Query:  toWireMap(c.Query),
			Header: toWireMap(c.Header),
			Body:   toWireField(c.Body),
		})
	}
	return canonical.Marshal(w)
}

// Unmarshal decodes a canonical encoding and re-validates the placeholder
// invariant; corrupt producers are repaired rather than rejected.
func Unmarshal(data []byte) (*Testcase, error) {
	w := &wireTestcase{}
	if err := canonical.Unmarshal(data, w); err != nil {
		return nil, fmt.Errorf("input: decode testcase: %w", err)
	}
	t := &Testcase{}
	for _, wc := range w.Calls {
		c := NewCall(wc.Op)
		var err error
		if c.PathParams, err = fromWireMap(wc.Path); err != nil {
			return nil, err
		}
		if c.Query, err = fromWireMap(wc.Query); err != nil {
			return nil, err
		}
		if c.Header, err = fromWireMap(wc.Header); err != nil {
			return nil, err
		}
		if c.Body, err = fromWireField(wc.Body); err != nil {
			return nil, err
		}
		t.Calls = append(t.Calls, c)
	}
	t.Repair()
	return t, nil
}

// MarshalValue renders a single structpb value as canonical JSON, used when
// serializing request bodies.
func MarshalValue(v *structpb.Value) ([]byte, error) {
	return canonical.Marshal(v.AsInterface())
}
