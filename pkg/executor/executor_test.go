package executor_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/specfuzz/specfuzz/pkg/coverage"
	"github.com/specfuzz/specfuzz/pkg/executor"
	"github.com/specfuzz/specfuzz/pkg/feedback"
	"github.com/specfuzz/specfuzz/pkg/input"
	"github.com/specfuzz/specfuzz/pkg/spec"
)

const apiDoc = `{
  "openapi": "3.0.0",
  "info": {"title": "API", "version": "1"},
  "paths": {
    "/items": {
      "post": {
        "requestBody": {
          "required": true,
          "content": {
            "application/json": {
              "schema": {"type": "object", "properties": {"name": {"type": "string"}}}
            }
          }
        },
        "responses": {
          "201": {
            "description": "created",
            "content": {
              "application/json": {
                "schema": {"type": "object", "properties": {"id": {"type": "string"}}}
              }
            }
          }
        }
      }
    },
    "/items/{id}": {
      "get": {
        "parameters": [
          {"name": "id", "in": "path", "required": true, "schema": {"type": "string"}},
          {"name": "verbose", "in": "query", "schema": {"type": "boolean"}}
        ],
        "responses": {"200": {"description": "ok"}}
      }
    },
    "/slow": {
      "get": {"responses": {"200": {"description": "ok"}}}
    },
    "/boom": {
      "get": {"responses": {"200": {"description": "ok"}}}
    }
  }
}`

// staticCoverage hands back a fixed vector, or fails when vector is nil.
type staticCoverage struct {
	vector []byte
}

func (s *staticCoverage) Fetch(context.Context) ([]byte, error) {
	if s.vector == nil {
		return nil, coverage.ErrUnavailable
	}
	return s.vector, nil
}

func newExecutor(t *testing.T, baseURL string, cov coverage.Client, opts executor.Options) (*executor.Executor, *feedback.Feedback) {
	t.Helper()
	catalog, err := spec.LoadFromData([]byte(apiDoc), baseURL)
	require.NoError(t, err)
	fb := feedback.New(feedback.DeriveRules(catalog), feedback.NewGraph(0), zap.NewNop())
	return executor.New(catalog, nil, cov, fb, opts, zap.NewNop()), fb
}

func TestExecuteHappyPath(t *testing.T) {
	var sawBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/items":
			body, _ := io.ReadAll(r.Body)
			sawBody = string(body)
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"item-7"}`))
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/items/"):
			assert.Equal(t, "/items/item-7", r.URL.Path, "placeholder must resolve to the produced id")
			w.Write([]byte(`{}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	exec, fb := newExecutor(t, srv.URL, &staticCoverage{vector: []byte{1, 0, 1}}, executor.Options{})

	post := input.NewCall("POST /items")
	body, err := structpb.NewValue(map[string]interface{}{"name": "widget"})
	require.NoError(t, err)
	post.Body = input.Lit(body)

	get := input.NewCall("GET /items/{id}")
	get.PathParams["id"] = input.Bound(&input.Placeholder{
		Producer: 0,
		Path:     "id",
		Fallback: structpb.NewStringValue("fallback"),
	})

	res := exec.Execute(context.Background(), input.New(post, get))

	require.Len(t, res.Calls, 2)
	assert.Equal(t, executor.StatusOK, res.Calls[0].Status)
	assert.Equal(t, http.StatusCreated, res.Calls[0].Code)
	assert.Equal(t, executor.StatusOK, res.Calls[1].Status)
	assert.JSONEq(t, `{"name":"widget"}`, sawBody)

	assert.Nil(t, res.Crash)
	assert.False(t, res.Degraded)
	require.NotNil(t, res.Signature)
	assert.Equal(t, coverage.Sign([]byte{1, 0, 1}), *res.Signature)
	assert.Positive(t, res.Cost)

	// Success responses feed the dependency graph.
	assert.True(t, fb.Graph().Known(feedback.Key{OpID: "POST /items", Path: "id"}))
}

func TestExecutePlaceholderFallsBackWhenProducerFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "/items/fallback", r.URL.Path)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	exec, _ := newExecutor(t, srv.URL, &staticCoverage{vector: []byte{1}}, executor.Options{})

	post := input.NewCall("POST /items")
	v, err := structpb.NewValue(map[string]interface{}{"name": "x"})
	require.NoError(t, err)
	post.Body = input.Lit(v)

	get := input.NewCall("GET /items/{id}")
	get.PathParams["id"] = input.Bound(&input.Placeholder{
		Producer: 0,
		Path:     "id",
		Fallback: structpb.NewStringValue("fallback"),
	})

	res := exec.Execute(context.Background(), input.New(post, get))
	require.Len(t, res.Calls, 2)
	assert.Equal(t, executor.StatusNonSuccess, res.Calls[0].Status)
	assert.Equal(t, executor.StatusOK, res.Calls[1].Status)
}

func TestExecuteServerErrorIsCrash(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	exec, _ := newExecutor(t, srv.URL, &staticCoverage{vector: []byte{1}}, executor.Options{})
	res := exec.Execute(context.Background(), input.New(input.NewCall("GET /boom")))

	require.Len(t, res.Calls, 1)
	assert.Equal(t, executor.StatusNonSuccess, res.Calls[0].Status)
	require.NotNil(t, res.Crash)
	assert.Equal(t, executor.CrashServerError, res.Crash.Class)
	assert.Equal(t, "GET /boom", res.Crash.OpID)
	assert.Equal(t, http.StatusInternalServerError, res.Crash.Code)
	assert.Equal(t, "server-error GET /boom", res.Crash.Signature())
}

func TestExecuteTimeoutAbortsSequence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			time.Sleep(300 * time.Millisecond)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	exec, _ := newExecutor(t, srv.URL, &staticCoverage{vector: []byte{1}}, executor.Options{
		CallTimeout: 50 * time.Millisecond,
	})

	res := exec.Execute(context.Background(), input.New(
		input.NewCall("GET /boom"),
		input.NewCall("GET /slow"),
		input.NewCall("GET /boom"),
	))

	require.Len(t, res.Calls, 3)
	// The call before the timeout keeps its real outcome.
	assert.Equal(t, executor.StatusOK, res.Calls[0].Status)
	assert.Equal(t, executor.StatusTimeout, res.Calls[1].Status)
	assert.Equal(t, executor.StatusSkipped, res.Calls[2].Status)

	require.NotNil(t, res.Crash)
	assert.Equal(t, executor.CrashTimeout, res.Crash.Class)
	assert.Equal(t, "GET /slow", res.Crash.OpID)
}

func TestExecuteConnectionFailure(t *testing.T) {
	exec, _ := newExecutor(t, "http://127.0.0.1:1", &staticCoverage{}, executor.Options{
		CallTimeout: time.Second,
	})

	res := exec.Execute(context.Background(), input.New(
		input.NewCall("GET /boom"),
		input.NewCall("GET /boom"),
	))

	require.Len(t, res.Calls, 2)
	assert.Equal(t, executor.StatusConnFailed, res.Calls[0].Status)
	assert.Equal(t, executor.StatusSkipped, res.Calls[1].Status)
	require.NotNil(t, res.Crash)
	assert.Equal(t, executor.CrashConnFailed, res.Crash.Class)
}

func TestExecuteDegradedCoverage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	exec, _ := newExecutor(t, srv.URL, &staticCoverage{}, executor.Options{})
	res := exec.Execute(context.Background(), input.New(input.NewCall("GET /boom")))

	assert.Equal(t, executor.StatusOK, res.Calls[0].Status)
	assert.True(t, res.Degraded)
	assert.Nil(t, res.Signature)
	assert.Nil(t, res.Crash)
}

func TestExecuteEncodesQueryAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("verbose"))
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	exec, _ := newExecutor(t, srv.URL, &staticCoverage{vector: []byte{1}}, executor.Options{})

	get := input.NewCall("GET /items/{id}")
	get.PathParams["id"] = input.Lit(structpb.NewStringValue("a b"))
	get.Query["verbose"] = input.Lit(structpb.NewBoolValue(true))

	res := exec.Execute(context.Background(), input.New(get))
	require.Len(t, res.Calls, 1)
	assert.Equal(t, executor.StatusOK, res.Calls[0].Status)
	assert.Contains(t, res.Calls[0].URL, "/items/a%20b")
}

func TestCallStatusStrings(t *testing.T) {
	assert.Equal(t, "ok", executor.StatusOK.String())
	assert.Equal(t, "skipped", executor.StatusSkipped.String())
	assert.Equal(t, "timeout", executor.CrashTimeout.String())
	assert.Equal(t, "none", executor.NoCrash.String())
}
