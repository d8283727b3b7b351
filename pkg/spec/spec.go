// Package spec loads an OpenAPI v2/v3 document into an immutable catalog of
// operations with fully resolved, finite parameter and body schemas.
package spec

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi2"
	"github.com/getkin/kin-openapi/openapi2conv"
	"github.com/getkin/kin-openapi/openapi3"
	jsoniter "github.com/json-iterator/go"
)

// SpecError reports a document that cannot be turned into a usable catalog.
// It is fatal at startup; nothing recovers from a bad spec.
type SpecError struct {
	Reason string
	Err    error
}

func (e *SpecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spec: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("spec: %s", e.Reason)
}

func (e *SpecError) Unwrap() error { return e.Err }

// Param is one declared path, query or header parameter.
type Param struct {
	Name     string
	In       string // openapi3.ParameterInPath / InQuery / InHeader
	Required bool
	Schema   *Schema
}

// Operation is one method+path entry. Identity is ID(); immutable after Load.
type Operation struct {
	Method        string
	Path          string
	Params        []*Param
	Body          *Schema // JSON request body, nil when none declared
	BodyMediaType string
	BodyRequired  bool
	// Responses maps declared status codes ("200", "default") to the JSON
	// response body schema, nil when the response declares no JSON content.
	Responses map[string]*Schema
}

// ID returns the operation identity used throughout the fuzzer.
func (op *Operation) ID() string { return op.Method + " " + op.Path }

// Catalog is the read-only result of loading a document.
type Catalog struct {
	Title   string
	BaseURL string
	ops     map[string]*Operation
	ids     []string
}

// Operations returns every operation in a stable (sorted) order.
func (c *Catalog) Operations() []*Operation {
	out := make([]*Operation, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.ops[id])
	}
	return out
}

// Get looks an operation up by its ID, e.g. "GET /items/{id}".
func (c *Catalog) Get(id string) (*Operation, bool) {
	op, ok := c.ops[id]
	return op, ok
}

func (c *Catalog) Len() int { return len(c.ids) }

// Load reads an OpenAPI document from disk. Swagger 2.0 JSON documents are
// converted to v3 first; everything else goes through the v3 loader, which
// accepts both JSON and YAML. baseURL overrides the document's server list.
func Load(path string, baseURL string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &SpecError{Reason: "read document", Err: err}
	}
	return LoadFromData(data, baseURL)
}

// LoadFromData is Load for an in-memory document.
func LoadFromData(data []byte, baseURL string) (*Catalog, error) {
	doc, err := loadSwagger(data)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, &SpecError{Reason: "invalid document", Err: err}
	}
	return buildCatalog(doc, baseURL)
}

func loadSwagger(data []byte) (*openapi3.Swagger, *SpecError) {
	var sniff struct {
		Swagger string `json:"swagger"`
	}
	_ = jsoniter.Unmarshal(data, &sniff)
	if strings.HasPrefix(sniff.Swagger, "2") {
		var v2 openapi2.Swagger
		if err := jsoniter.Unmarshal(data, &v2); err != nil {
			return nil, &SpecError{Reason: "parse swagger 2.0 document", Err: err}
		}
		doc, err := openapi2conv.ToV3Swagger(&v2)
		if err != nil {
			return nil, &SpecError{Reason: "convert swagger 2.0 document", Err: err}
		}
		return doc, nil
	}
	doc, err := openapi3.NewSwaggerLoader().LoadSwaggerFromData(data)
	if err != nil {
		return nil, &SpecError{Reason: "parse document", Err: err}
	}
	return doc, nil
}

func buildCatalog(doc *openapi3.Swagger, baseURL string) (*Catalog, error) {
	c := &Catalog{ops: map[string]*Operation{}}
	if doc.Info != nil {
		c.Title = doc.Info.Title
	}

	c.BaseURL = strings.TrimSuffix(baseURL, "/")
	if c.BaseURL == "" {
		c.BaseURL = pickServer(doc)
	}
	if c.BaseURL == "" {
		return nil, &SpecError{Reason: "no usable server URL and no base URL configured"}
	}

	r := newResolver()
	for path, item := range doc.Paths {
		for method, op := range item.Operations() {
			built, err := buildOperation(r, doc, path, item, method, op)
			if err != nil {
				return nil, err
			}
			c.ops[built.ID()] = built
			c.ids = append(c.ids, built.ID())
		}
	}
	if len(c.ids) == 0 {
		return nil, &SpecError{Reason: "document declares no operations"}
	}
	sort.Strings(c.ids)
	return c, nil
}

// pickServer skips unusable entries: relative, ".local" and templated
// server URLs are unusable as fuzzing targets.
func pickServer(doc *openapi3.Swagger) string {
	for _, server := range doc.Servers {
		u := server.URL
		if u == "/" || strings.HasSuffix(u, ".local") || strings.HasSuffix(u, "}") {
			continue
		}
		return strings.TrimSuffix(u, "/")
	}
	return ""
}

func buildOperation(r *resolver, doc *openapi3.Swagger, path string, item *openapi3.PathItem, method string, op *openapi3.Operation) (*Operation, error) {
	out := &Operation{
		Method:    method,
		Path:      path,
		Responses: map[string]*Schema{},
	}

	// Operation-level parameters shadow path-item parameters of the same name.
	byName := map[string]*openapi3.ParameterRef{}
	names := []string{}
	for _, ref := range append(append(openapi3.Parameters{}, item.Parameters...), op.Parameters...) {
		if ref == nil || ref.Value == nil {
			return nil, &SpecError{Reason: fmt.Sprintf("unresolved parameter $ref on %s %s", method, path)}
		}
		if _, seen := byName[ref.Value.Name]; !seen {
			names = append(names, ref.Value.Name)
		}
		byName[ref.Value.Name] = ref
	}
	sort.Strings(names)
	for _, name := range names {
		p := byName[name].Value
		switch p.In {
		case openapi3.ParameterInPath, openapi3.ParameterInQuery, openapi3.ParameterInHeader:
		default:
			continue // cookie parameters are not fuzzed
		}
		out.Params = append(out.Params, &Param{
			Name:     p.Name,
			In:       p.In,
			Required: p.Required || p.In == openapi3.ParameterInPath,
			Schema:   r.resolve(p.Schema, 0),
		})
	}

	if op.RequestBody != nil {
		if op.RequestBody.Value == nil {
			return nil, &SpecError{Reason: fmt.Sprintf("unresolved request body $ref on %s %s", method, path)}
		}
		for mediaType, content := range op.RequestBody.Value.Content {
			if !strings.Contains(strings.ToLower(mediaType), "json") {
				continue
			}
			out.Body = r.resolve(content.Schema, 0)
			out.BodyMediaType = mediaType
			out.BodyRequired = op.RequestBody.Value.Required
			break
		}
	}

	for code, ref := range op.Responses {
		if ref == nil || ref.Value == nil {
			continue
		}
		var schema *Schema
		for mediaType, content := range ref.Value.Content {
			if strings.Contains(strings.ToLower(mediaType), "json") {
				schema = r.resolve(content.Schema, 0)
				break
			}
		}
		out.Responses[code] = schema
	}
	return out, nil
}

// MethodRank orders operations by resource lifecycle, creators before
// readers and destroyers last. Used when seeding.
func MethodRank(method string) int {
	switch method {
	case http.MethodPost:
		return 0
	case http.MethodPut:
		return 1
	case http.MethodPatch:
		return 2
	case http.MethodGet:
		return 3
	case http.MethodHead:
		return 4
	case http.MethodOptions:
		return 5
	case http.MethodDelete:
		return 6
	}
	return 7
}
