package coverage_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specfuzz/specfuzz/pkg/coverage"
)

func TestNormalizeCollapsesCounters(t *testing.T) {
	// Hit counts differ, hit edges match.
	a := coverage.Normalize([]byte{1, 0, 200, 0, 0, 0, 0, 3, 1})
	b := coverage.Normalize([]byte{9, 0, 1, 0, 0, 0, 0, 255, 7})

	assert.Equal(t, a, b)
	assert.Equal(t, coverage.Sign([]byte{1, 0, 200, 0, 0, 0, 0, 3, 1}), coverage.Sign([]byte{9, 0, 1, 0, 0, 0, 0, 255, 7}))

	// A different edge set yields a different signature.
	assert.NotEqual(t, coverage.Sign([]byte{1, 0}), coverage.Sign([]byte{0, 1}))
}

func TestNormalizePacksBits(t *testing.T) {
	out := coverage.Normalize([]byte{1, 0, 0, 0, 0, 0, 0, 0, 5})
	require.Len(t, out, 2)
	assert.Equal(t, byte(0x01), out[0])
	assert.Equal(t, byte(0x01), out[1])
}

func TestMapMergeReportsNovelty(t *testing.T) {
	m := coverage.NewMap()

	assert.True(t, m.Merge(coverage.Normalize([]byte{1, 0, 0})))
	assert.Equal(t, 1, m.Count())

	// Same bitmap again: nothing new.
	assert.False(t, m.Merge(coverage.Normalize([]byte{1, 0, 0})))

	// A superset is novel; the count grows monotonically.
	assert.True(t, m.Merge(coverage.Normalize([]byte{1, 1, 0})))
	assert.Equal(t, 2, m.Count())
	assert.False(t, m.Merge(coverage.Normalize([]byte{0, 1, 0})))
}

func TestMapMergeGrows(t *testing.T) {
	m := coverage.NewMap()
	m.Merge([]byte{0x01})
	assert.True(t, m.Merge([]byte{0x00, 0x80}))
	assert.Equal(t, 2, m.Count())
}

func TestMapConcurrentMerges(t *testing.T) {
	m := coverage.NewMap()
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			bitmap := make([]byte, 8)
			bitmap[i/8] = 1 << uint(i%8)
			m.Merge(bitmap)
		}()
	}
	wg.Wait()
	assert.Equal(t, 64, m.Count())
}

func TestMapCheckpointRoundTrip(t *testing.T) {
	m := coverage.NewMap()
	m.Merge([]byte{0x0f, 0x00, 0x81})

	snap, err := m.MarshalBinary()
	require.NoError(t, err)

	restored := coverage.NewMap()
	// New bits found before the restore arrives must survive it.
	restored.Merge([]byte{0x10})
	require.NoError(t, restored.UnmarshalBinary(snap))

	assert.Equal(t, m.Count()+1, restored.Count())
}

func TestHTTPClientFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{1, 2, 3})
	}))
	defer srv.Close()

	c := coverage.NewHTTPClient(srv.URL, time.Second, nil)
	body, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, body)
}

func TestHTTPClientFailuresWrapErrUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := coverage.NewHTTPClient(srv.URL, time.Second, nil)
	_, err := c.Fetch(context.Background())
	assert.ErrorIs(t, err, coverage.ErrUnavailable)

	down := coverage.NewHTTPClient("http://127.0.0.1:1", 100*time.Millisecond, nil)
	_, err = down.Fetch(context.Background())
	assert.ErrorIs(t, err, coverage.ErrUnavailable)
}
