// Copyright 2015 go-fuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package corpus

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Transient write failures retry with doubled backoff before surfacing.
const (
	putAttempts = 3
	putBackoff  = 50 * time.Millisecond
)

// Store mirrors a set of named blobs in a directory, one file per blob plus
// optional "<name>.<type>" description sidecars. Derived from the
// go-fuzz persistent set; names here are caller-chosen (signature hex or
// crash signatures) instead of content hashes.
type Store struct {
	dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o770); err != nil {
		return nil, fmt.Errorf("corpus: create store %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// Put writes one blob. An existing file with the same name is left alone;
// entries are immutable once persisted.
func (s *Store) Put(name string, data []byte) error {
	fname := filepath.Join(s.dir, sanitize(name))
	if _, err := os.Stat(fname); err == nil {
		return nil
	}
	return writeRetrying(fname, data)
}

// PutDescription writes a sidecar file complementing a blob, e.g. the
// request and response text next to a finding.
func (s *Store) PutDescription(name, typ string, desc []byte) error {
	fname := filepath.Join(s.dir, sanitize(name)+"."+typ)
	if _, err := os.Stat(fname); err == nil {
		return nil
	}
	return writeRetrying(fname, desc)
}

// writeRetrying absorbs transient filesystem failures with bounded backoff,
// then surfaces the last error for the caller to treat as fatal.
func writeRetrying(fname string, data []byte) error {
	backoff := putBackoff
	var err error
	for attempt := 1; attempt <= putAttempts; attempt++ {
		if err = os.WriteFile(fname, data, 0o660); err == nil {
			return nil
		}
		if attempt < putAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return fmt.Errorf("corpus: write %s: %w", fname, err)
}

// Load visits every blob in the store, skipping description sidecars.
func (s *Store) Load(fn func(name string, data []byte) error) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("corpus: read store %s: %w", s.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || strings.Contains(entry.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("corpus: read %s: %w", entry.Name(), err)
		}
		if err := fn(entry.Name(), data); err != nil {
			return err
		}
	}
	return nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}
