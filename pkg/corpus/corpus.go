// Package corpus holds the evolving set of coverage-proven testcases and
// the findings produced along the way, both mirrored on disk so a campaign
// can resume where it stopped.
package corpus

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/specfuzz/specfuzz/pkg/coverage"
	"github.com/specfuzz/specfuzz/pkg/input"
)

// Energy tuning. New entries start hot, decay toward the floor on periodic
// re-weighting and get boosted again when their children find coverage, so
// recently productive entries dominate selection without starving the rest.
const (
	initialEnergy = 1.0
	energyBoost   = 0.5
	maxEnergy     = 4.0
	energyFloor   = 0.1
	energyDecay   = 0.9
)

// Entry is one retained testcase with its scheduling metadata.
type Entry struct {
	Testcase   *input.Testcase
	Sig        coverage.Signature
	Energy     float64
	Generation int
	Cost       time.Duration
	FoundAt    time.Time
}

// entryFile is the on-disk checkpoint form of an Entry.
type entryFile struct {
	Sig        string              `json:"sig"`
	Generation int                 `json:"generation"`
	CostMillis int64               `json:"cost_ms"`
	Testcase   jsoniter.RawMessage `json:"testcase"`
}

// Corpus is the deduplicated set of coverage-earning testcases. The dedup
// invariant: no two entries ever share a coverage signature. Admission
// atomicity with the global coverage merge is the engine's job; Corpus is
// safe for concurrent use on its own.
type Corpus struct {
	mu      sync.RWMutex
	entries map[coverage.Signature]*Entry
	order   []coverage.Signature
	store   *Store
	log     *zap.Logger
}

func New(store *Store, log *zap.Logger) *Corpus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Corpus{
		entries: map[coverage.Signature]*Entry{},
		store:   store,
		log:     log,
	}
}

// Add admits a testcase under its signature. Returns false without error
// when the signature is already represented; coverage novelty is the sole
// acceptance criterion and the earlier holder wins.
func (c *Corpus) Add(e *Entry) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.entries[e.Sig]; dup {
		return false, nil
	}
	if e.Energy == 0 {
		e.Energy = initialEnergy
	}
	if e.FoundAt.IsZero() {
		e.FoundAt = time.Now()
	}
	c.entries[e.Sig] = e
	c.order = append(c.order, e.Sig)

	if c.store != nil {
		raw, err := input.Marshal(e.Testcase)
		if err != nil {
			return true, fmt.Errorf("corpus: encode entry: %w", err)
		}
		blob, err := jsoniter.Marshal(&entryFile{
			Sig:        e.Sig.String(),
			Generation: e.Generation,
			CostMillis: e.Cost.Milliseconds(),
			Testcase:   raw,
		})
		if err != nil {
			return true, fmt.Errorf("corpus: encode entry: %w", err)
		}
		if err := c.store.Put(e.Sig.String(), blob); err != nil {
			return true, err
		}
	}
	return true, nil
}

// Select picks an entry by energy-weighted roulette. Returns nil when the
// corpus is empty.
func (c *Corpus) Select(rng *rand.Rand) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.order) == 0 {
		return nil
	}
	total := 0.0
	for _, sig := range c.order {
		total += c.entries[sig].Energy
	}
	pick := rng.Float64() * total
	for _, sig := range c.order {
		pick -= c.entries[sig].Energy
		if pick <= 0 {
			return c.entries[sig]
		}
	}
	return c.entries[c.order[len(c.order)-1]]
}

// Random returns a uniformly chosen entry, used as the splice donor.
func (c *Corpus) Random(rng *rand.Rand) *Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.order) == 0 {
		return nil
	}
	return c.entries[c.order[rng.Intn(len(c.order))]]
}

// Reward boosts an entry whose mutation just earned new coverage.
func (c *Corpus) Reward(sig coverage.Signature) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[sig]; ok {
		e.Energy += energyBoost
		if e.Energy > maxEnergy {
			e.Energy = maxEnergy
		}
	}
}

// Reweight decays all energies toward the floor. Run periodically so no
// entry is permanently starved and no entry stays hot forever.
func (c *Corpus) Reweight() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		e.Energy *= energyDecay
		if e.Energy < energyFloor {
			e.Energy = energyFloor
		}
	}
}

// Each visits every entry in admission order.
func (c *Corpus) Each(fn func(*Entry)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, sig := range c.order {
		fn(c.entries[sig])
	}
}

func (c *Corpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Restore reloads persisted entries from the store. Undecodable files are
// logged and skipped; a checkpoint should never brick a campaign.
func (c *Corpus) Restore() error {
	if c.store == nil {
		return nil
	}
	return c.store.Load(func(name string, data []byte) error {
		var ef entryFile
		if err := jsoniter.Unmarshal(data, &ef); err != nil {
			c.log.Warn("skipping undecodable corpus entry", zap.String("file", name), zap.Error(err))
			return nil
		}
		t, err := input.Unmarshal(ef.Testcase)
		if err != nil {
			c.log.Warn("skipping undecodable corpus testcase", zap.String("file", name), zap.Error(err))
			return nil
		}
		var sig coverage.Signature
		raw, err := hex.DecodeString(ef.Sig)
		if err != nil || len(raw) != len(sig) {
			c.log.Warn("skipping corpus entry with bad signature", zap.String("file", name))
			return nil
		}
		copy(sig[:], raw)
		_, err = c.Add(&Entry{
			Testcase:   t,
			Sig:        sig,
			Generation: ef.Generation,
			Cost:       time.Duration(ef.CostMillis) * time.Millisecond,
		})
		return err
	})
}
