// Package manifest defines the content listing of an artifact version:
// a mapping from logical path to entry, with a deterministic
// whole-manifest digest. Entry insertion order never affects the
// digest; serialization and digesting always walk entries in sorted
// path order.
package manifest

import (
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Version is the manifest document version this package reads and
// writes.
const Version = 1

// digestMarker seeds the whole-manifest digest so manifests can never
// collide with raw file content digests.
const digestMarker = "stowage-manifest:v1\n"

var (
	ErrConflict = errors.New("manifest: conflicting entry for path")
	ErrNotFound = errors.New("manifest: no entry for path")
)

// Manifest is a concurrency-safe mapping of logical path to Entry.
type Manifest struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func New() *Manifest {
	return &Manifest{entries: make(map[string]Entry)}
}

// Add inserts an entry. Re-adding an identical (path, digest) pair is
// a no-op; adding a different digest under an existing path fails with
// ErrConflict unless overwrite is set.
func (m *Manifest) Add(e Entry, overwrite bool) error {
	if e.Path == "" {
		return ErrEmptyPath
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[e.Path]; ok && !overwrite {
		if existing.Digest == e.Digest {
			return nil
		}
		return fmt.Errorf("%w: %q already has digest %s, refusing %s",
			ErrConflict, e.Path, existing.Digest, e.Digest)
	}
	m.entries[e.Path] = e
	return nil
}

// Remove deletes the entry at path, reporting ErrNotFound when absent.
func (m *Manifest) Remove(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[path]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, path)
	}
	delete(m.entries, path)
	return nil
}

// Get returns the entry at path.
func (m *Manifest) Get(path string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[path]
	return e, ok
}

// Len returns the number of entries.
func (m *Manifest) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Entries returns all entries sorted by path.
func (m *Manifest) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// TotalSize sums the known sizes of all entries.
func (m *Manifest) TotalSize() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, e := range m.entries {
		if e.Size != nil {
			total += *e.Size
		}
	}
	return total
}

// Digest computes the deterministic whole-manifest digest: MD5 over a
// fixed marker followed by each "path:digest\n" pair in sorted path
// order. Two manifests with the same (path, digest) pairs always
// produce the same digest.
func (m *Manifest) Digest() string {
	h := md5.New()
	io.WriteString(h, digestMarker)
	for _, e := range m.Entries() {
		fmt.Fprintf(h, "%s:%s\n", e.Path, e.Digest)
	}
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
