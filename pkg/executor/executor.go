// Package executor serializes testcases into real HTTP requests, runs them
// against the target in sequence order and collects per-call outcomes plus
// the coverage signature for the whole execution. Ordinary network failure
// is data here, never an error return.
package executor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/specfuzz/specfuzz/internal/auth"
	"github.com/specfuzz/specfuzz/pkg/coverage"
	"github.com/specfuzz/specfuzz/pkg/feedback"
	"github.com/specfuzz/specfuzz/pkg/input"
	"github.com/specfuzz/specfuzz/pkg/spec"
)

// CallStatus classifies the outcome of one call.
type CallStatus int

const (
	StatusOK CallStatus = iota
	StatusNonSuccess
	StatusTimeout
	StatusConnFailed
	StatusSkipped // never executed because an earlier call aborted the sequence
)

func (s CallStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNonSuccess:
		return "non-success"
	case StatusTimeout:
		return "timeout"
	case StatusConnFailed:
		return "connection-failed"
	case StatusSkipped:
		return "skipped"
	}
	return "unknown"
}

// Classification is the crash taxonomy for findings.
type Classification int

const (
	NoCrash Classification = iota
	CrashServerError
	CrashTimeout
	CrashConnFailed
)

func (c Classification) String() string {
	switch c {
	case CrashServerError:
		return "server-error"
	case CrashTimeout:
		return "timeout"
	case CrashConnFailed:
		return "connection-failed"
	}
	return "none"
}

// Crash pairs a classification with the faulting operation; together they
// form the finding dedup signature.
type Crash struct {
	Class Classification
	OpID  string
	Code  int
}

func (c *Crash) Signature() string { return c.Class.String() + " " + c.OpID }

// CallResult is the recorded outcome of one call.
type CallResult struct {
	OpID    string
	URL     string
	Status  CallStatus
	Code    int
	Latency time.Duration
	Body    []byte
}

// Result is the outcome of executing a whole testcase.
type Result struct {
	Calls     []*CallResult
	Signature *coverage.Signature
	Bitmap    []byte
	Crash     *Crash
	Degraded  bool // coverage client was unavailable
	Cost      time.Duration
}

// Executor drives testcases against a single target.
type Executor struct {
	catalog     *spec.Catalog
	client      *http.Client
	authz       auth.Provider
	cov         coverage.Client
	fb          *feedback.Feedback
	callTimeout time.Duration
	covTimeout  time.Duration
	limiter     *rate.Limiter
	maxBody     int64
	log         *zap.Logger
}

// Options configures an Executor; zero values get sensible defaults.
type Options struct {
	CallTimeout     time.Duration
	CoverageTimeout time.Duration
	RequestsPerSec  float64 // 0 disables rate limiting
	MaxBodyBytes    int64
}

func New(catalog *spec.Catalog, authz auth.Provider, cov coverage.Client, fb *feedback.Feedback, opts Options, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.CoverageTimeout <= 0 {
		opts.CoverageTimeout = 5 * time.Second
	}
	if authz == nil {
		authz = auth.None{}
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1)
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Executor{
		catalog:     catalog,
		client:      &http.Client{},
		authz:       authz,
		cov:         cov,
		fb:          fb,
		callTimeout: opts.CallTimeout,
		covTimeout:  opts.CoverageTimeout,
		limiter:     limiter,
		maxBody:     maxBody,
		log:         log,
	}
}

// Execute runs the sequence. A timed-out or connection-failed call aborts
// the remaining calls, which are marked skipped; the partial result still
// carries every earlier call's real status. Execute itself only fails on
// context cancellation before any work happened.
func (e *Executor) Execute(ctx context.Context, t *input.Testcase) *Result {
	start := time.Now()
	res := &Result{}
	aborted := false

	for _, call := range t.Calls {
		if aborted || ctx.Err() != nil {
			res.Calls = append(res.Calls, &CallResult{OpID: call.OpID, Status: StatusSkipped})
			continue
		}
		cr := e.executeCall(ctx, call, res.Calls)
		res.Calls = append(res.Calls, cr)

		switch cr.Status {
		case StatusTimeout:
			aborted = true
			if res.Crash == nil {
				res.Crash = &Crash{Class: CrashTimeout, OpID: call.OpID}
			}
		case StatusConnFailed:
			aborted = true
			if res.Crash == nil {
				res.Crash = &Crash{Class: CrashConnFailed, OpID: call.OpID}
			}
		case StatusNonSuccess:
			if cr.Code >= 500 && res.Crash == nil {
				res.Crash = &Crash{Class: CrashServerError, OpID: call.OpID, Code: cr.Code}
			}
		case StatusOK:
			if e.fb != nil {
				e.fb.Observe(call.OpID, cr.Body)
			}
		}
	}

	covCtx, cancel := context.WithTimeout(ctx, e.covTimeout)
	vector, err := e.cov.Fetch(covCtx)
	cancel()
	if err != nil {
		if !errors.Is(err, coverage.ErrUnavailable) && ctx.Err() == nil {
			e.log.Warn("coverage fetch failed", zap.Error(err))
		}
		res.Degraded = true
	} else {
		sig := coverage.Sign(vector)
		res.Signature = &sig
		res.Bitmap = coverage.Normalize(vector)
	}
	res.Cost = time.Since(start)
	return res
}

func (e *Executor) executeCall(ctx context.Context, call *input.Call, prior []*CallResult) *CallResult {
	cr := &CallResult{OpID: call.OpID}
	op, ok := e.catalog.Get(call.OpID)
	if !ok {
		// Operation vanished from the catalog (stale seed); treat as skipped.
		cr.Status = StatusSkipped
		return cr
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			cr.Status = StatusSkipped
			return cr
		}
	}

	req, err := e.buildRequest(ctx, op, call, prior)
	if err != nil {
		e.log.Debug("unencodable call", zap.String("op", call.OpID), zap.Error(err))
		cr.Status = StatusConnFailed
		return cr
	}
	cr.URL = req.URL.String()

	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	began := time.Now()
	resp, err := e.client.Do(req.WithContext(callCtx))
	cr.Latency = time.Since(began)
	if err != nil {
		if isTimeout(err) || callCtx.Err() == context.DeadlineExceeded {
			cr.Status = StatusTimeout
		} else {
			cr.Status = StatusConnFailed
		}
		return cr
	}
	defer resp.Body.Close()

	cr.Code = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	cr.Body = body
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		cr.Status = StatusOK
	} else {
		cr.Status = StatusNonSuccess
	}
	return cr
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// buildRequest serializes one call: path template substitution, query and
// header encoding, JSON body, auth headers. Placeholders resolve against
// earlier responses here, at execution time; mutation only ever bound them
// symbolically.
func (e *Executor) buildRequest(ctx context.Context, op *spec.Operation, call *input.Call, prior []*CallResult) (*http.Request, error) {
	path := op.Path
	for name, fv := range call.PathParams {
		v := e.resolve(fv, prior)
		path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(stringify(v)))
	}

	query := url.Values{}
	for name, fv := range call.Query {
		query.Set(name, stringify(e.resolve(fv, prior)))
	}

	var body io.Reader
	contentType := ""
	if call.Body != nil {
		raw, err := input.MarshalValue(e.resolve(call.Body, prior))
		if err != nil {
			return nil, err
		}
		body = strings.NewReader(string(raw))
		contentType = op.BodyMediaType
		if contentType == "" {
			contentType = "application/json"
		}
	}

	target := e.catalog.BaseURL + path
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
	}
	req, err := http.NewRequestWithContext(ctx, op.Method, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for name, fv := range call.Header {
		req.Header.Set(name, stringify(e.resolve(fv, prior)))
	}

	headers, err := e.authz.Headers(ctx, op.ID())
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// resolve turns a field value into a concrete structpb value. Bound fields
// look the producer's recorded response body up by path; a missing or
// failed producer falls back to the placeholder's literal.
func (e *Executor) resolve(fv *input.FieldValue, prior []*CallResult) *structpb.Value {
	if !fv.IsPlaceholder() {
		return fv.Literal
	}
	ref := fv.Ref
	if ref.Producer >= 0 && ref.Producer < len(prior) {
		producer := prior[ref.Producer]
		if producer.Status == StatusOK && len(producer.Body) > 0 {
			if v := feedback.ExtractPath(producer.Body, ref.Path); v != nil {
				return v
			}
		}
	}
	return fv.Concrete()
}

// stringify renders a value for a path, query or header position. Arrays
// join with commas, objects fall back to JSON.
func stringify(v *structpb.Value) string {
	switch v.GetKind().(type) {
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(v.GetBoolValue())
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(v.GetNumberValue(), 'f', -1, 64)
	case *structpb.Value_StringValue:
		return v.GetStringValue()
	case *structpb.Value_ListValue:
		parts := []string{}
		for _, item := range v.GetListValue().GetValues() {
			parts = append(parts, stringify(item))
		}
		return strings.Join(parts, ",")
	case *structpb.Value_StructValue:
		raw, err := input.MarshalValue(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
	return ""
}
