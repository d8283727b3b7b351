// Package coverage consumes the coverage vector exposed by an instrumented
// target sidecar and accumulates it into a monotonic global map.
package coverage

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrUnavailable means the coverage sidecar could not be queried. The
// iteration proceeds without a signature and is counted as degraded.
var ErrUnavailable = errors.New("coverage: client unavailable")

// Client fetches the raw coverage vector for the most recent execution.
// The wire shape is instrumentation specific; the fuzzer only requires the
// bytes to be stable for identical executions.
type Client interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// HTTPClient queries an HTTP endpoint on the target sidecar.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	log      *zap.Logger
}

func NewHTTPClient(endpoint string, timeout time.Duration, log *zap.Logger) *HTTPClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

func (c *HTTPClient) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return body, nil
}

// Signature is a comparable summary of one execution's coverage.
type Signature [sha1.Size]byte

func (s Signature) String() string { return fmt.Sprintf("%x", s[:]) }

// Normalize collapses counter-style vectors to a hit bitmap: any nonzero
// byte marks its edge as covered. Two executions hitting the same edges a
// different number of times share a signature on purpose.
func Normalize(vector []byte) []byte {
	out := make([]byte, (len(vector)+7)/8)
	for i, b := range vector {
		if b != 0 {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// Sign hashes a raw coverage vector into its Signature.
func Sign(vector []byte) Signature {
	return sha1.Sum(Normalize(vector))
}

// Map is the run-global accumulation of covered edges. Bits only ever get
// set; merges are commutative so workers can merge in any order.
type Map struct {
	mu   sync.Mutex
	bits []byte
	set  int
}

func NewMap() *Map { return &Map{} }

// Merge ORs a normalized bitmap into the map and reports whether any
// previously unseen bit was set. Callers holding the engine state lock get
// admission atomicity for free; the internal lock keeps the map safe on its
// own as well.
func (m *Map) Merge(bitmap []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(bitmap) > len(m.bits) {
		grown := make([]byte, len(bitmap))
		copy(grown, m.bits)
		m.bits = grown
	}
	novel := false
	for i, b := range bitmap {
		fresh := b &^ m.bits[i]
		if fresh != 0 {
			novel = true
			m.set += popcount(fresh)
			m.bits[i] |= fresh
		}
	}
	return novel
}

// Count returns the number of set bits.
func (m *Map) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.set
}

// MarshalBinary snapshots the bitmap for checkpointing.
func (m *Map) MarshalBinary() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.bits))
	copy(out, m.bits)
	return out, nil
}

// UnmarshalBinary restores a checkpointed bitmap by merging it in, so a
// restore can never clear bits discovered since.
func (m *Map) UnmarshalBinary(data []byte) error {
	m.Merge(data)
	return nil
}

func popcount(b byte) int {
	n := 0
	for ; b != 0; b &= b - 1 {
		n++
	}
	return n
}
