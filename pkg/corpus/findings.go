package corpus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/specfuzz/specfuzz/pkg/executor"
	"github.com/specfuzz/specfuzz/pkg/input"
)

// Finding is a testcase that produced a crash-classified outcome. Findings
// are kept regardless of coverage novelty and deduplicated by crash
// signature so one flaky endpoint cannot flood the campaign directory.
type Finding struct {
	ID       string
	Crash    *executor.Crash
	Testcase *input.Testcase
	When     time.Time
}

type findingFile struct {
	ID       string              `json:"id"`
	Class    string              `json:"class"`
	OpID     string              `json:"op"`
	Code     int                 `json:"code,omitempty"`
	When     time.Time           `json:"when"`
	Testcase jsoniter.RawMessage `json:"testcase"`
}

// Findings is the crash store.
type Findings struct {
	mu    sync.RWMutex
	seen  map[string]*Finding
	store *Store
	log   *zap.Logger
}

func NewFindings(store *Store, log *zap.Logger) *Findings {
	if log == nil {
		log = zap.NewNop()
	}
	return &Findings{seen: map[string]*Finding{}, store: store, log: log}
}

// Record retains a crashing testcase. Returns false when an identical crash
// signature was already recorded. Sidecar files carry the human-readable
// context for triage.
func (f *Findings) Record(crash *executor.Crash, t *input.Testcase, res *executor.Result) (bool, error) {
	key := crash.Signature()
	f.mu.Lock()
	if _, dup := f.seen[key]; dup {
		f.mu.Unlock()
		return false, nil
	}
	finding := &Finding{
		ID:       uuid.NewString(),
		Crash:    crash,
		Testcase: t,
		When:     time.Now(),
	}
	f.seen[key] = finding
	f.mu.Unlock()

	f.log.Warn("finding recorded",
		zap.String("class", crash.Class.String()),
		zap.String("op", crash.OpID),
		zap.Int("code", crash.Code))

	if f.store == nil {
		return true, nil
	}
	raw, err := input.Marshal(t)
	if err != nil {
		return true, fmt.Errorf("corpus: encode finding: %w", err)
	}
	blob, err := jsoniter.Marshal(&findingFile{
		ID:       finding.ID,
		Class:    crash.Class.String(),
		OpID:     crash.OpID,
		Code:     crash.Code,
		When:     finding.When,
		Testcase: raw,
	})
	if err != nil {
		return true, fmt.Errorf("corpus: encode finding: %w", err)
	}
	if err := f.store.Put(key, blob); err != nil {
		return true, err
	}
	if err := f.store.PutDescription(key, "summary", describeResult(res)); err != nil {
		return true, err
	}
	return true, nil
}

func (f *Findings) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.seen)
}

// Restore reloads recorded crash signatures so a resumed campaign does not
// duplicate old findings.
func (f *Findings) Restore() error {
	if f.store == nil {
		return nil
	}
	return f.store.Load(func(name string, data []byte) error {
		var ff findingFile
		if err := jsoniter.Unmarshal(data, &ff); err != nil {
			f.log.Warn("skipping undecodable finding", zap.String("file", name), zap.Error(err))
			return nil
		}
		t, err := input.Unmarshal(ff.Testcase)
		if err != nil {
			f.log.Warn("skipping undecodable finding testcase", zap.String("file", name), zap.Error(err))
			return nil
		}
		crash := &executor.Crash{OpID: ff.OpID, Code: ff.Code, Class: classFromName(ff.Class)}
		f.mu.Lock()
		f.seen[crash.Signature()] = &Finding{ID: ff.ID, Crash: crash, Testcase: t, When: ff.When}
		f.mu.Unlock()
		return nil
	})
}

func classFromName(name string) executor.Classification {
	switch name {
	case "server-error":
		return executor.CrashServerError
	case "timeout":
		return executor.CrashTimeout
	case "connection-failed":
		return executor.CrashConnFailed
	}
	return executor.NoCrash
}

func describeResult(res *executor.Result) []byte {
	if res == nil {
		return nil
	}
	out := ""
	for i, cr := range res.Calls {
		out += fmt.Sprintf("#%d %s -> %s", i, cr.OpID, cr.Status)
		if cr.Code != 0 {
			out += fmt.Sprintf(" (%d, %s)", cr.Code, cr.Latency)
		}
		out += "\n"
		if len(cr.Body) > 0 && len(cr.Body) <= 4096 {
			out += string(cr.Body) + "\n"
		}
	}
	return []byte(out)
}
