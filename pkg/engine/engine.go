// Package engine runs the coverage-guided fuzzing loop: select a corpus
// entry, mutate it, execute the child against the target, and admit it when
// it exercises previously unseen coverage. Workers share the coverage map,
// corpus and findings under a single admission lock; everything else is
// worker-local.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/specfuzz/specfuzz/pkg/corpus"
	"github.com/specfuzz/specfuzz/pkg/coverage"
	"github.com/specfuzz/specfuzz/pkg/executor"
	"github.com/specfuzz/specfuzz/pkg/feedback"
	"github.com/specfuzz/specfuzz/pkg/input"
	"github.com/specfuzz/specfuzz/pkg/mutate"
	"github.com/specfuzz/specfuzz/pkg/spec"
)

const (
	coverageFile        = "coverage.bin"
	checkpointAttempts  = 5
	checkpointBackoff   = 100 * time.Millisecond
	defaultSnapshotTick = 5 * time.Second
)

// Config is the engine's runtime tuning.
type Config struct {
	Workers         int
	MaxIterations   uint64        // 0 means unbounded
	TimeBudget      time.Duration // 0 means unbounded
	CheckpointEvery uint64
	ReweightEvery   uint64
	SnapshotEvery   time.Duration
	Seed            int64
	CampaignDir     string
	SeedDir         string // optional directory of pre-serialized testcases
	Resume          bool
}

// Engine owns the campaign.
type Engine struct {
	cfg     Config
	catalog *spec.Catalog
	exec    *executor.Executor
	fb      *feedback.Feedback
	mutOpts mutate.Options

	corpus   *corpus.Corpus
	findings *corpus.Findings
	covMap   *coverage.Map

	// admission guards the select/evaluate critical sections so dedup by
	// signature is atomic with the coverage merge.
	admission sync.Mutex

	iterations uint64
	degraded   uint64
	lastFound  atomic.Int64 // unix nanos of the most recent admission or finding
	stopped    atomic.Bool
	start      time.Time

	pendingMu sync.Mutex
	pending   []*input.Testcase

	monitor Monitor
	log     *zap.Logger
}

func New(cfg Config, catalog *spec.Catalog, exec *executor.Executor, fb *feedback.Feedback, mutOpts mutate.Options, monitor Monitor, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.CheckpointEvery == 0 {
		cfg.CheckpointEvery = 100
	}
	if cfg.ReweightEvery == 0 {
		cfg.ReweightEvery = 500
	}
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = defaultSnapshotTick
	}
	if cfg.CampaignDir == "" {
		return nil, errors.New("engine: campaign directory not configured")
	}
	if monitor == nil {
		monitor = LogMonitor{Log: log}
	}

	corpusStore, err := corpus.NewStore(filepath.Join(cfg.CampaignDir, "corpus"))
	if err != nil {
		return nil, err
	}
	findingsStore, err := corpus.NewStore(filepath.Join(cfg.CampaignDir, "findings"))
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:      cfg,
		catalog:  catalog,
		exec:     exec,
		fb:       fb,
		mutOpts:  mutOpts,
		corpus:   corpus.New(corpusStore, log.Named("corpus")),
		findings: corpus.NewFindings(findingsStore, log.Named("findings")),
		covMap:   coverage.NewMap(),
		monitor:  monitor,
		log:      log,
	}, nil
}

// Corpus exposes the corpus for inspection (tests, reporting).
func (e *Engine) Corpus() *corpus.Corpus { return e.corpus }

// Findings exposes the findings set.
func (e *Engine) Findings() *corpus.Findings { return e.findings }

// CoverageMap exposes the global coverage map.
func (e *Engine) CoverageMap() *coverage.Map { return e.covMap }

// Snapshot returns the current progress summary.
func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		Iterations:    atomic.LoadUint64(&e.iterations),
		CorpusSize:    e.corpus.Len(),
		CoverageBits:  e.covMap.Count(),
		FindingsCount: e.findings.Len(),
		Degraded:      atomic.LoadUint64(&e.degraded),
		Elapsed:       time.Since(e.start),
	}
	if ns := e.lastFound.Load(); ns > 0 {
		s.SinceLastFind = time.Since(time.Unix(0, ns))
	}
	return s
}

// Run executes the campaign until the context is cancelled or a budget is
// exhausted. Steady-state network failure never terminates the run; an
// unwritable campaign directory does, after bounded retries.
func (e *Engine) Run(ctx context.Context) error {
	e.start = time.Now()

	if e.cfg.Resume {
		if err := e.restore(); err != nil {
			return err
		}
	}
	if err := e.seed(); err != nil {
		return err
	}

	if e.cfg.TimeBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.TimeBudget)
		defer cancel()
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		w := e.newWorker(i)
		g.Go(func() error { return w.run(ctx, stop) })
	}
	g.Go(func() error {
		ticker := time.NewTicker(e.cfg.SnapshotEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				e.monitor.Report(e.Snapshot())
			}
		}
	})

	err := g.Wait()
	e.monitor.Report(e.Snapshot())
	if cpErr := e.checkpoint(); cpErr != nil && err == nil {
		err = cpErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	return err
}

// restore reloads corpus, findings and the coverage map from the campaign
// directory.
func (e *Engine) restore() error {
	if err := e.corpus.Restore(); err != nil {
		return err
	}
	if err := e.findings.Restore(); err != nil {
		return err
	}
	data, err := os.ReadFile(filepath.Join(e.cfg.CampaignDir, coverageFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("engine: read coverage checkpoint: %w", err)
	}
	e.log.Info("campaign restored",
		zap.Int("corpus", e.corpus.Len()),
		zap.Int("findings", e.findings.Len()))
	return e.covMap.UnmarshalBinary(data)
}

// seed queues initial testcases: pre-serialized seeds from the seed
// directory plus, when the corpus is empty, one single-call testcase per
// operation so every endpoint is exercised at least once.
func (e *Engine) seed() error {
	var pending []*input.Testcase

	if e.cfg.SeedDir != "" {
		store, err := corpus.NewStore(e.cfg.SeedDir)
		if err != nil {
			return err
		}
		err = store.Load(func(name string, data []byte) error {
			t, err := input.Unmarshal(data)
			if err != nil {
				e.log.Warn("skipping undecodable seed", zap.String("file", name), zap.Error(err))
				return nil
			}
			pending = append(pending, t)
			return nil
		})
		if err != nil {
			return err
		}
	}

	if e.corpus.Len() == 0 {
		gen := mutate.New(e.catalog, e.fb, e.mutOpts, e.cfg.Seed, e.log.Named("seeder"))
		for _, op := range e.catalog.Operations() {
			pending = append(pending, gen.SeedFor(op))
		}
	}

	e.pendingMu.Lock()
	e.pending = pending
	e.pendingMu.Unlock()
	e.log.Info("seeding complete", zap.Int("pending", len(pending)))
	return nil
}

func (e *Engine) nextPending() *input.Testcase {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if len(e.pending) == 0 {
		return nil
	}
	t := e.pending[0]
	e.pending = e.pending[1:]
	return t
}

type worker struct {
	id  int
	e   *Engine
	mut *mutate.Mutator
	log *zap.Logger
}

func (e *Engine) newWorker(id int) *worker {
	return &worker{
		id:  id,
		e:   e,
		mut: mutate.New(e.catalog, e.fb, e.mutOpts, e.cfg.Seed+int64(id)+1, e.log.Named(fmt.Sprintf("worker-%d", id))),
		log: e.log.Named(fmt.Sprintf("worker-%d", id)),
	}
}

func (w *worker) run(ctx context.Context, stop context.CancelFunc) error {
	e := w.e
	for {
		if ctx.Err() != nil || e.stopped.Load() {
			return ctx.Err()
		}
		iter := atomic.AddUint64(&e.iterations, 1)
		if e.cfg.MaxIterations > 0 && iter > e.cfg.MaxIterations {
			e.stopped.Store(true)
			stop()
			return nil
		}

		child, parent := w.produce()
		if child == nil {
			continue
		}

		res := e.exec.Execute(ctx, child)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.evaluate(child, res, parent); err != nil {
			return err
		}

		if iter%e.cfg.ReweightEvery == 0 {
			e.corpus.Reweight()
		}
		if iter%e.cfg.CheckpointEvery == 0 {
			if err := e.checkpoint(); err != nil {
				e.stopped.Store(true)
				stop()
				return err
			}
		}
	}
}

// produce picks the next child testcase: a queued seed, a mutation of a
// selected corpus entry, or a fresh generation when mutation fails or the
// corpus is still empty.
func (w *worker) produce() (*input.Testcase, *corpus.Entry) {
	if t := w.e.nextPending(); t != nil {
		return t, nil
	}

	parent := w.e.corpus.Select(w.mut.Rng())
	if parent == nil {
		t, err := w.mut.Generate()
		if err != nil {
			w.log.Warn("generation failed", zap.Error(err))
			return nil, nil
		}
		return t, nil
	}

	var donor *input.Testcase
	if d := w.e.corpus.Random(w.mut.Rng()); d != nil {
		donor = d.Testcase
	}
	child, err := w.mut.Mutate(parent.Testcase, donor)
	if err != nil {
		// MutationError is recoverable: fall back to fresh generation.
		child, err = w.mut.Generate()
		if err != nil {
			w.log.Warn("generation fallback failed", zap.Error(err))
			return nil, nil
		}
	}
	return child, parent
}

// evaluate merges the child's coverage and decides admission. Merge and
// dedup happen under one lock so two workers cannot both admit the same
// novel signature.
func (e *Engine) evaluate(child *input.Testcase, res *executor.Result, parent *corpus.Entry) error {
	if res.Degraded {
		atomic.AddUint64(&e.degraded, 1)
	}

	if res.Signature != nil {
		e.admission.Lock()
		novel := e.covMap.Merge(res.Bitmap)
		if novel {
			gen := 1
			if parent != nil {
				gen = parent.Generation + 1
			}
			added, err := e.corpus.Add(&corpus.Entry{
				Testcase:   child,
				Sig:        *res.Signature,
				Generation: gen,
				Cost:       res.Cost,
			})
			if err != nil {
				e.admission.Unlock()
				return e.persistFailure(err)
			}
			if added && parent != nil {
				e.corpus.Reward(parent.Sig)
			}
			if added {
				e.lastFound.Store(time.Now().UnixNano())
				e.log.Debug("corpus entry admitted",
					zap.String("sig", res.Signature.String()),
					zap.Int("corpus", e.corpus.Len()))
			}
		}
		e.admission.Unlock()
	}

	if res.Crash != nil {
		fresh, err := e.findings.Record(res.Crash, child, res)
		if err != nil {
			return e.persistFailure(err)
		}
		if fresh {
			e.lastFound.Store(time.Now().UnixNano())
		}
	}
	return nil
}

// persistFailure wraps a store error into the campaign-halting form after
// the store's own bounded retries are exhausted. Store writes that fail here
// halt the campaign rather than silently losing state.
func (e *Engine) persistFailure(err error) error {
	return fmt.Errorf("engine: campaign state unwritable: %w", err)
}

// checkpoint persists the coverage map (corpus and findings are mirrored
// incrementally as they are admitted). Bounded retries with backoff; an
// exhausted retry budget halts the campaign.
func (e *Engine) checkpoint() error {
	data, err := e.covMap.MarshalBinary()
	if err != nil {
		return fmt.Errorf("engine: encode coverage map: %w", err)
	}
	path := filepath.Join(e.cfg.CampaignDir, coverageFile)

	backoff := checkpointBackoff
	for attempt := 1; ; attempt++ {
		err = writeFileAtomic(path, data)
		if err == nil {
			return nil
		}
		if attempt >= checkpointAttempts {
			return fmt.Errorf("engine: checkpoint failed after %d attempts: %w", attempt, err)
		}
		e.log.Warn("checkpoint write failed, retrying",
			zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(backoff)
		backoff *= 2
	}
}

// writeFileAtomic writes via a uniquely named temp file so concurrent
// checkpointers never interleave writes and a crash mid-checkpoint never
// leaves a torn coverage map.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
