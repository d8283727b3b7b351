package engine_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/specfuzz/specfuzz/pkg/corpus"
	"github.com/specfuzz/specfuzz/pkg/coverage"
	"github.com/specfuzz/specfuzz/pkg/engine"
	"github.com/specfuzz/specfuzz/pkg/executor"
	"github.com/specfuzz/specfuzz/pkg/feedback"
	"github.com/specfuzz/specfuzz/pkg/input"
	"github.com/specfuzz/specfuzz/pkg/mutate"
	"github.com/specfuzz/specfuzz/pkg/spec"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

const targetDoc = `{
  "openapi": "3.0.0",
  "info": {"title": "Target", "version": "1"},
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
          {"name": "id", "in": "path", "required": true, "schema": {"type": "string"}}
        ],
        "responses": {"200": {"description": "ok"}}
      }
    },
    "/boom": {
      "get": {"responses": {"200": {"description": "ok"}}}
    }
  }
}`

// edgeCoverage simulates instrumented-target coverage: the test server marks
// logical edges as they execute, Fetch drains them into a vector.
type edgeCoverage struct {
	mu    sync.Mutex
	index map[string]int
	hits  map[int]bool
}

func newEdgeCoverage() *edgeCoverage {
	return &edgeCoverage{index: map[string]int{}, hits: map[int]bool{}}
}

func (c *edgeCoverage) mark(edge string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.index[edge]
	if !ok {
		idx = len(c.index)
		c.index[edge] = idx
	}
	c.hits[idx] = true
}

func (c *edgeCoverage) Fetch(context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vector := make([]byte, 64)
	for idx := range c.hits {
		if idx < len(vector) {
			vector[idx] = 1
		}
	}
	c.hits = map[int]bool{}
	return vector, nil
}

type fixture struct {
	server  *httptest.Server
	cov     *edgeCoverage
	catalog *spec.Catalog
	exec    *executor.Executor
	fb      *feedback.Feedback
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cov := newEdgeCoverage()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/items":
			cov.mark("POST /items")
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id":"item-1"}`))
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/items/"):
			if r.URL.Path == "/items/item-1" {
				cov.mark("GET /items/{id} found")
				w.Write([]byte(`{"id":"item-1"}`))
			} else {
				cov.mark("GET /items/{id} missing")
				w.WriteHeader(http.StatusNotFound)
			}
		case r.URL.Path == "/boom":
			cov.mark("GET /boom")
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	catalog, err := spec.LoadFromData([]byte(targetDoc), srv.URL)
	require.NoError(t, err)
	fb := feedback.New(feedback.DeriveRules(catalog), feedback.NewGraph(0), zap.NewNop())
	exec := executor.New(catalog, nil, cov, fb, executor.Options{
		CallTimeout: 2 * time.Second,
	}, zap.NewNop())

	return &fixture{server: srv, cov: cov, catalog: catalog, exec: exec, fb: fb}
}

func newEngine(t *testing.T, fx *fixture, cfg engine.Config) *engine.Engine {
	t.Helper()
	e, err := engine.New(cfg, fx.catalog, fx.exec, fx.fb, mutate.DefaultOptions(), nil, zap.NewNop())
	require.NoError(t, err)
	return e
}

func TestRunBoundedCampaign(t *testing.T) {
	fx := newFixture(t)
	dir := t.TempDir()

	e := newEngine(t, fx, engine.Config{
		Workers:       2,
		MaxIterations: 200,
		Seed:          1,
		CampaignDir:   dir,
	})
	require.NoError(t, e.Run(context.Background()))

	snap := e.Snapshot()
	assert.GreaterOrEqual(t, snap.Iterations, uint64(200))
	assert.Greater(t, snap.SinceLastFind, time.Duration(0))

	// Every operation seed brings novel coverage, so the corpus holds at
	// least one entry per distinct edge set.
	assert.GreaterOrEqual(t, e.Corpus().Len(), 3)
	assert.Greater(t, e.CoverageMap().Count(), 0)

	// The 500 endpoint surfaces exactly one deduplicated finding.
	assert.Equal(t, 1, e.Findings().Len())

	// The final checkpoint always lands.
	_, err := os.Stat(filepath.Join(dir, "coverage.bin"))
	assert.NoError(t, err)

	// Successful creates fed the dependency graph.
	assert.True(t, fx.fb.Graph().Known(feedback.Key{OpID: "POST /items", Path: "id"}))
}

func TestRunRespectsContextCancellation(t *testing.T) {
	fx := newFixture(t)

	e := newEngine(t, fx, engine.Config{
		Workers:     2,
		Seed:        1,
		CampaignDir: t.TempDir(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a clean stop")
	case <-time.After(10 * time.Second):
		t.Fatal("engine did not stop after cancellation")
	}
}

func TestRunTimeBudget(t *testing.T) {
	fx := newFixture(t)

	e := newEngine(t, fx, engine.Config{
		Workers:     1,
		TimeBudget:  300 * time.Millisecond,
		Seed:        1,
		CampaignDir: t.TempDir(),
	})

	start := time.Now()
	require.NoError(t, e.Run(context.Background()))
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Greater(t, e.Snapshot().Iterations, uint64(0))
}

func TestResumeRestoresCampaignState(t *testing.T) {
	fx := newFixture(t)
	dir := t.TempDir()

	first := newEngine(t, fx, engine.Config{
		Workers:       1,
		MaxIterations: 100,
		Seed:          1,
		CampaignDir:   dir,
	})
	require.NoError(t, first.Run(context.Background()))

	corpusBefore := first.Corpus().Len()
	bitsBefore := first.CoverageMap().Count()
	findingsBefore := first.Findings().Len()
	require.Greater(t, corpusBefore, 0)

	second := newEngine(t, fx, engine.Config{
		Workers:       1,
		MaxIterations: 50,
		Seed:          2,
		CampaignDir:   dir,
		Resume:        true,
	})
	require.NoError(t, second.Run(context.Background()))

	// Restored state is monotonic: nothing discovered earlier is lost and
	// old findings are not re-recorded.
	assert.GreaterOrEqual(t, second.Corpus().Len(), corpusBefore)
	assert.GreaterOrEqual(t, second.CoverageMap().Count(), bitsBefore)
	assert.Equal(t, findingsBefore, second.Findings().Len())
}

func TestSeedDirQueuesTestcases(t *testing.T) {
	fx := newFixture(t)
	seedDir := t.TempDir()

	// One hand-written seed: create then read with a bound id.
	post := input.NewCall("POST /items")
	body, err := input.Marshal(func() *input.Testcase {
		get := input.NewCall("GET /items/{id}")
		get.PathParams["id"] = input.Bound(&input.Placeholder{Producer: 0, Path: "id"})
		return input.New(post, get)
	}())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(seedDir, "create-read"), body, 0o660))

	e := newEngine(t, fx, engine.Config{
		Workers:       1,
		MaxIterations: 60,
		Seed:          1,
		CampaignDir:   t.TempDir(),
		SeedDir:       seedDir,
	})
	require.NoError(t, e.Run(context.Background()))

	// The bound seed drives the create-then-read path, which only the
	// resolved id can reach.
	fx.cov.mu.Lock()
	_, hitFound := fx.cov.index["GET /items/{id} found"]
	fx.cov.mu.Unlock()
	assert.True(t, hitFound, "the bound placeholder must resolve to the created id")
}

func TestCrossCallBindingEmerges(t *testing.T) {
	fx := newFixture(t)

	e := newEngine(t, fx, engine.Config{
		Workers:       1,
		MaxIterations: 600,
		Seed:          1,
		CampaignDir:   t.TempDir(),
	})
	require.NoError(t, e.Run(context.Background()))

	// Mutation plus response feedback alone must discover the
	// create-then-read chain: an admitted testcase holding a GET whose id
	// is a placeholder pointing back at an earlier POST.
	var emerged bool
	e.Corpus().Each(func(entry *corpus.Entry) {
		for i, call := range entry.Testcase.Calls {
			if call.OpID != "GET /items/{id}" {
				continue
			}
			fv := call.PathParams["id"]
			if !fv.IsPlaceholder() {
				continue
			}
			if fv.Ref.Path == "id" && fv.Ref.Producer < i &&
				entry.Testcase.Calls[fv.Ref.Producer].OpID == "POST /items" {
				emerged = true
			}
		}
	})
	assert.True(t, emerged, "no admitted testcase chains a created id into the read")
}

// corpusNames lists the persisted entry files, which are named by coverage
// signature.
func corpusNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, "corpus"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if !strings.Contains(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

func TestReplayIsDeterministic(t *testing.T) {
	run := func() (string, *engine.Engine) {
		fx := newFixture(t)
		dir := t.TempDir()
		e := newEngine(t, fx, engine.Config{
			Workers:       1,
			MaxIterations: 300,
			Seed:          42,
			CampaignDir:   dir,
		})
		require.NoError(t, e.Run(context.Background()))
		return dir, e
	}

	dirA, engA := run()
	dirB, engB := run()

	// Same seed, single worker, deterministic target: both campaigns admit
	// the same coverage signatures and record the same findings.
	assert.Equal(t, corpusNames(t, dirA), corpusNames(t, dirB))
	assert.Equal(t, engA.Findings().Len(), engB.Findings().Len())
	assert.Equal(t, engA.CoverageMap().Count(), engB.CoverageMap().Count())
}

func TestConcurrentCheckpointsKeepCoverageReadable(t *testing.T) {
	fx := newFixture(t)
	dir := t.TempDir()

	e := newEngine(t, fx, engine.Config{
		Workers:         4,
		MaxIterations:   120,
		CheckpointEvery: 1,
		Seed:            1,
		CampaignDir:     dir,
	})
	require.NoError(t, e.Run(context.Background()))

	data, err := os.ReadFile(filepath.Join(dir, "coverage.bin"))
	require.NoError(t, err)
	restored := coverage.NewMap()
	require.NoError(t, restored.UnmarshalBinary(data))
	assert.Equal(t, e.CoverageMap().Count(), restored.Count())

	// Racing checkpointers always rename or remove their temp files.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".tmp")
	}
}

func TestEngineRequiresCampaignDir(t *testing.T) {
	fx := newFixture(t)
	_, err := engine.New(engine.Config{Workers: 1}, fx.catalog, fx.exec, fx.fb, mutate.DefaultOptions(), nil, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "campaign directory")
}
