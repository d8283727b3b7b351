package feedback

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v2"

	"github.com/specfuzz/specfuzz/pkg/spec"
)

// maxRuleDepth limits how deep into a response schema rules are derived.
const maxRuleDepth = 3

// Rule names one extractable response field of an operation.
type Rule struct {
	Path string // dotted field path; array hops use an index, e.g. "items.0.id"
	Kind spec.Kind
}

// Rules maps operation IDs to their extraction rules.
type Rules struct {
	byOp map[string][]Rule
}

// For returns the rules for an operation, nil when none.
func (r *Rules) For(opID string) []Rule { return r.byOp[opID] }

// DeriveRules walks every declared 2xx response schema and produces one rule
// per scalar field down to maxRuleDepth. This is what lets create→read flows
// emerge without hand-authored dependency files.
func DeriveRules(catalog *spec.Catalog) *Rules {
	rules := &Rules{byOp: map[string][]Rule{}}
	for _, op := range catalog.Operations() {
		seen := map[string]bool{}
		for code, schema := range op.Responses {
			if schema == nil || !successCode(code) {
				continue
			}
			walkSchema("", schema, 0, func(path string, s *spec.Schema) {
				if seen[path] {
					return
				}
				seen[path] = true
				rules.byOp[op.ID()] = append(rules.byOp[op.ID()], Rule{Path: path, Kind: s.Kind})
			})
		}
		sort.Slice(rules.byOp[op.ID()], func(i, j int) bool {
			return rules.byOp[op.ID()][i].Path < rules.byOp[op.ID()][j].Path
		})
	}
	return rules
}

func successCode(code string) bool {
	n, err := strconv.Atoi(code)
	return err == nil && n/100 == 2
}

func walkSchema(prefix string, s *spec.Schema, depth int, fn func(path string, s *spec.Schema)) {
	if depth > maxRuleDepth {
		return
	}
	if s.Scalar() {
		if prefix != "" {
			fn(prefix, s)
		}
		return
	}
	switch s.Kind {
	case spec.KindObject:
		names := make([]string, 0, len(s.Properties))
		for name := range s.Properties {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			walkSchema(joinPath(prefix, name), s.Properties[name], depth+1, fn)
		}
	case spec.KindArray:
		if s.Items != nil {
			walkSchema(joinPath(prefix, "0"), s.Items, depth+1, fn)
		}
	}
}

func joinPath(prefix, elem string) string {
	if prefix == "" {
		return elem
	}
	return prefix + "." + elem
}

// ruleOverrides is the YAML override file shape:
//
//	rules:
//	  "POST /items":
//	    - path: id
//	      type: integer
type ruleOverrides struct {
	Rules map[string][]struct {
		Path string `yaml:"path"`
		Type string `yaml:"type"`
	} `yaml:"rules"`
}

// LoadRuleOverrides merges hand-written rules from a YAML file on top of the
// derived set. Unknown type names fail loudly; a missing file is an error at
// the caller's discretion.
func LoadRuleOverrides(path string, base *Rules) (*Rules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("feedback: read rules file: %w", err)
	}
	var overrides ruleOverrides
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("feedback: parse rules file: %w", err)
	}
	for opID, entries := range overrides.Rules {
		for _, e := range entries {
			kind, err := kindFromName(e.Type)
			if err != nil {
				return nil, fmt.Errorf("feedback: rule %q for %q: %w", e.Path, opID, err)
			}
			base.byOp[opID] = append(base.byOp[opID], Rule{Path: e.Path, Kind: kind})
		}
	}
	return base, nil
}

func kindFromName(name string) (spec.Kind, error) {
	switch strings.ToLower(name) {
	case "string":
		return spec.KindString, nil
	case "integer":
		return spec.KindInteger, nil
	case "number":
		return spec.KindNumber, nil
	case "boolean":
		return spec.KindBoolean, nil
	}
	return 0, fmt.Errorf("unknown type %q", name)
}

// Observe extracts every rule-named field from a response body and appends
// the observations to the graph. Bodies that fail to parse are skipped; the
// response already served its purpose as a status signal.
func (f *Feedback) Observe(opID string, body []byte) {
	rules := f.rules.For(opID)
	if len(rules) == 0 || len(body) == 0 {
		return
	}
	parsed, err := fastjson.ParseBytes(body)
	if err != nil {
		f.log.Debug("unparseable response body", zap.String("op", opID), zap.Error(err))
		return
	}
	for _, rule := range rules {
		v := parsed.Get(strings.Split(rule.Path, ".")...)
		if v == nil {
			continue
		}
		sv := toStructValue(v)
		if sv == nil {
			continue
		}
		f.graph.Append(Key{OpID: opID, Path: rule.Path}, rule.Kind, sv)
	}
}

// ExtractPath pulls a single dotted path out of a JSON body, used by the
// executor to resolve placeholders at execution time.
func ExtractPath(body []byte, path string) *structpb.Value {
	parsed, err := fastjson.ParseBytes(body)
	if err != nil {
		return nil
	}
	return toStructValue(parsed.Get(strings.Split(path, ".")...))
}

func toStructValue(v *fastjson.Value) *structpb.Value {
	if v == nil {
		return nil
	}
	switch v.Type() {
	case fastjson.TypeString:
		b, _ := v.StringBytes()
		return structpb.NewStringValue(string(b))
	case fastjson.TypeNumber:
		f, _ := v.Float64()
		return structpb.NewNumberValue(f)
	case fastjson.TypeTrue:
		return structpb.NewBoolValue(true)
	case fastjson.TypeFalse:
		return structpb.NewBoolValue(false)
	}
	return nil
}
