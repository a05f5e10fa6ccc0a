package catalog

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"

	"go.uber.org/atomic"

	"github.com/glinharesb/yubihsm-enroll/internal/audit"
	"github.com/glinharesb/yubihsm-enroll/internal/fault"
)

// ErrStale is returned by Refresh when a newer refresh was issued before
// this one completed. The stale result is discarded.
var ErrStale = errors.New("catalog refresh superseded")

// Snapshot is an immutable key list produced by one refresh.
type Snapshot struct {
	id      uint64
	entries []KeyEntry
	index   map[uint16]int
}

func newSnapshot(id uint64, entries []KeyEntry) *Snapshot {
	s := &Snapshot{id: id, entries: entries, index: make(map[uint16]int, len(entries))}
	for i, e := range entries {
		if _, dup := s.index[e.ObjectID]; !dup {
			s.index[e.ObjectID] = i
		}
	}
	return s
}

// ID is the refresh generation that produced the snapshot.
func (s *Snapshot) ID() uint64 { return s.id }

func (s *Snapshot) Len() int { return len(s.entries) }

// Entries returns a copy of the entries in host order.
func (s *Snapshot) Entries() []KeyEntry {
	out := make([]KeyEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Snapshot) Lookup(objectID uint16) (KeyEntry, bool) {
	i, ok := s.index[objectID]
	if !ok {
		return KeyEntry{}, false
	}
	return s.entries[i], true
}

// Catalog applies refresh results in issue order and owns the selection.
// Only the response of the most recently issued refresh is applied.
type Catalog struct {
	lister     Lister
	audit      *audit.Logger
	log        *slog.Logger
	generation atomic.Uint64

	mu        sync.RWMutex
	snapshot  *Snapshot
	selection Selection
	lastErr   error
}

func New(l Lister, a *audit.Logger, log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{lister: l, audit: a, log: log, snapshot: newSnapshot(0, nil)}
}

// Refresh fetches the key list for the given viewing credential. On
// failure the catalog becomes empty and the error is kept in LastError.
// Either way the selection is reset.
func (c *Catalog) Refresh(ctx context.Context, viewAuthKeyID, viewPassword string) (*Snapshot, error) {
	gen := c.generation.Inc()
	entries, err := c.lister.ListKeys(ctx, viewAuthKeyID, viewPassword)

	c.mu.Lock()
	defer c.mu.Unlock()

	if latest := c.generation.Load(); gen != latest {
		c.log.Debug("discarding stale key list", "generation", gen, "latest", latest)
		c.audit.Log("ListKeys", "generation:"+strconv.FormatUint(gen, 10), audit.StatusStale, nil)
		return nil, ErrStale
	}

	c.selection = NewSelection(gen)
	if err != nil {
		c.snapshot = newSnapshot(gen, nil)
		c.lastErr = err
		return nil, err
	}
	c.snapshot = newSnapshot(gen, entries)
	c.lastErr = nil
	return c.snapshot, nil
}

// Snapshot returns the current snapshot. It is never nil.
func (c *Catalog) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

func (c *Catalog) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

func (c *Catalog) Selection() Selection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selection
}

// Toggle flips objectID in the selection. Ids that are not in the
// current snapshot are rejected.
func (c *Catalog) Toggle(objectID uint16) (Selection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.snapshot.Lookup(objectID); !ok {
		return c.selection, fault.New(fault.OpSelect, fault.KindValidation, "object %d is not in the key list", objectID)
	}
	c.selection = c.selection.Toggle(objectID)
	return c.selection, nil
}

// Selected returns the selected entry, if any.
func (c *Catalog) Selected() (KeyEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	id, ok := c.selection.Current()
	if !ok {
		return KeyEntry{}, false
	}
	return c.snapshot.Lookup(id)
}
