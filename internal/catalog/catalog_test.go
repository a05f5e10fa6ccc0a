package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glinharesb/yubihsm-enroll/internal/audit"
	"github.com/glinharesb/yubihsm-enroll/internal/fault"
	"github.com/glinharesb/yubihsm-enroll/internal/hostproto"
	"github.com/glinharesb/yubihsm-enroll/internal/nativemsg"
)

func pk(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

// fakeHost answers every call with resp and records the requests.
type fakeHost struct {
	mu       sync.Mutex
	requests []map[string]any
	resp     *hostproto.Response
	err      error
}

func (h *fakeHost) RoundTrip(_ context.Context, _ string, req []byte) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var m map[string]any
	json.Unmarshal(req, &m)
	h.requests = append(h.requests, m)
	if h.err != nil {
		return nil, h.err
	}
	return json.Marshal(h.resp)
}

func okResponse(t *testing.T, records []hostproto.KeyRecord) *hostproto.Response {
	t.Helper()
	resp, err := hostproto.OK(records)
	require.NoError(t, err)
	return resp
}

func TestListKeysScenario(t *testing.T) {
	host := &fakeHost{resp: okResponse(t, []hostproto.KeyRecord{
		{ObjectID: 1, ObjectType: "ed25519", Sequence: 0, PublicKey: pk(32)},
	})}
	client := nativemsg.NewClient(host)

	entries, err := NewFetcher(client, "", nil, nil).ListKeys(context.Background(), "5", "p1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint16(1), entries[0].ObjectID)
	assert.Equal(t, "ed25519 #0", entries[0].Label)
	assert.Equal(t, pk(32), entries[0].PublicKey)

	require.Len(t, host.requests, 1)
	assert.Equal(t, map[string]any{"method": "listAsymmetricKeys", "auth_key_id": float64(5), "password": "p1"}, host.requests[0])
}

func TestListKeysPreservesHostOrder(t *testing.T) {
	records := []hostproto.KeyRecord{
		{ObjectID: 9, ObjectType: "ecp256k1", PublicKey: pk(64)},
		{ObjectID: 2, ObjectType: "ecp256k1", Sequence: 3, PublicKey: pk(64)},
		{ObjectID: 5, ObjectType: "ed25519", PublicKey: pk(32)},
	}
	client := nativemsg.NewClient(&fakeHost{resp: okResponse(t, records)})

	entries, err := NewFetcher(client, "", nil, nil).ListKeys(context.Background(), "1", "x")
	require.NoError(t, err)
	require.Len(t, entries, len(records))
	for i, r := range records {
		assert.Equal(t, r.ObjectID, entries[i].ObjectID)
		assert.Equal(t, r.ObjectType, entries[i].ObjectType)
		assert.Equal(t, r.Sequence, entries[i].Sequence)
		assert.Equal(t, []byte(r.PublicKey), entries[i].PublicKey)
	}
	assert.Equal(t, "ed25519 #2", entries[2].Label)
}

func TestListKeysRejectsMalformedIDWithoutIPC(t *testing.T) {
	host := &fakeHost{resp: okResponse(t, nil)}
	client := nativemsg.NewClient(host)
	f := NewFetcher(client, "", nil, nil)

	for _, id := range []string{"", "abc", "5.5", "-1", "65536", "0x10"} {
		_, err := f.ListKeys(context.Background(), id, "p1")
		assert.True(t, fault.Is(err, fault.KindValidation), "id %q: %v", id, err)
		assert.Equal(t, fault.OpListKeys, fault.OpOf(err))
	}
	assert.Zero(t, client.Calls())
	assert.Empty(t, host.requests)
}

func TestListKeysApplicationFailure(t *testing.T) {
	logger := audit.NewLogger(8, nil, "")
	client := nativemsg.NewClient(&fakeHost{resp: hostproto.Panic("auth key locked", "", 0)})

	_, err := NewFetcher(client, "", logger, nil).ListKeys(context.Background(), "5", "p1")
	logger.Close()

	require.Error(t, err)
	assert.Equal(t, fault.OpListKeys, fault.OpOf(err))
	assert.True(t, fault.Is(err, fault.KindApplication))
	assert.Equal(t, "auth key locked", fault.Message(err))

	entries := logger.Query(audit.Filter{Operation: "ListKeys", Status: audit.StatusError})
	require.Len(t, entries, 1)
	assert.Equal(t, "auth:5", entries[0].Subject)
}

func TestListKeysTransportFailure(t *testing.T) {
	client := nativemsg.NewClient(&fakeHost{err: errors.New("host disconnected")})

	_, err := NewFetcher(client, "", nil, nil).ListKeys(context.Background(), "5", "p1")
	assert.True(t, fault.Is(err, fault.KindTransport))
	assert.Equal(t, fault.OpListKeys, fault.OpOf(err))
}

func TestSelectionToggle(t *testing.T) {
	s := NewSelection(1)
	_, ok := s.Current()
	assert.False(t, ok)

	s = s.Toggle(3)
	id, ok := s.Current()
	assert.True(t, ok)
	assert.Equal(t, uint16(3), id)

	s = s.Toggle(4)
	id, _ = s.Current()
	assert.Equal(t, uint16(4), id, "a different id replaces")

	_, ok = s.Toggle(4).Current()
	assert.False(t, ok, "toggling twice clears")
	assert.Equal(t, uint64(1), s.SnapshotID())
}

// staticLister returns the same entries for every call.
type staticLister []KeyEntry

func (l staticLister) ListKeys(context.Context, string, string) ([]KeyEntry, error) {
	return l, nil
}

func TestCatalogToggleAgainstSnapshot(t *testing.T) {
	c := New(staticLister{{ObjectID: 1}, {ObjectID: 2}}, nil, nil)
	_, err := c.Toggle(1)
	assert.True(t, fault.Is(err, fault.KindValidation), "empty catalog has no entries")

	snap, err := c.Refresh(context.Background(), "1", "p")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Len())

	sel, err := c.Toggle(2)
	require.NoError(t, err)
	assert.Equal(t, snap.ID(), sel.SnapshotID())

	entry, ok := c.Selected()
	require.True(t, ok)
	assert.Equal(t, uint16(2), entry.ObjectID)

	_, err = c.Toggle(7)
	assert.True(t, fault.Is(err, fault.KindValidation))
	id, _ := c.Selection().Current()
	assert.Equal(t, uint16(2), id, "rejected toggle keeps the selection")

	_, err = c.Refresh(context.Background(), "1", "p")
	require.NoError(t, err)
	_, ok = c.Selection().Current()
	assert.False(t, ok, "replacing the snapshot resets the selection")
}

type failingLister struct{ err error }

func (l failingLister) ListKeys(context.Context, string, string) ([]KeyEntry, error) {
	return nil, l.err
}

func TestCatalogFailureEmptiesList(t *testing.T) {
	boom := fault.New(fault.OpListKeys, fault.KindApplication, "auth key locked")
	lister := &switchLister{next: staticLister{{ObjectID: 1}}}
	c := New(lister, nil, nil)

	_, err := c.Refresh(context.Background(), "1", "p")
	require.NoError(t, err)
	require.Equal(t, 1, c.Snapshot().Len())

	lister.next = failingLister{err: boom}
	_, err = c.Refresh(context.Background(), "1", "p")
	require.ErrorIs(t, err, boom)
	assert.Zero(t, c.Snapshot().Len())
	assert.ErrorIs(t, c.LastError(), boom)

	lister.next = staticLister{{ObjectID: 1}}
	_, err = c.Refresh(context.Background(), "1", "p")
	require.NoError(t, err)
	assert.NoError(t, c.LastError())
}

type switchLister struct{ next Lister }

func (l *switchLister) ListKeys(ctx context.Context, id, pw string) ([]KeyEntry, error) {
	return l.next.ListKeys(ctx, id, pw)
}

// gatedLister blocks each call until released, keyed by the password.
type gatedLister struct {
	started chan string
	release map[string]chan []KeyEntry
}

func (l *gatedLister) ListKeys(_ context.Context, _ string, pw string) ([]KeyEntry, error) {
	l.started <- pw
	return <-l.release[pw], nil
}

func TestCatalogDiscardsStaleResponse(t *testing.T) {
	lister := &gatedLister{
		started: make(chan string, 2),
		release: map[string]chan []KeyEntry{"old": make(chan []KeyEntry), "new": make(chan []KeyEntry)},
	}
	logger := audit.NewLogger(8, nil, "")
	c := New(lister, logger, nil)

	type result struct {
		snap *Snapshot
		err  error
	}
	oldDone := make(chan result, 1)
	go func() {
		s, err := c.Refresh(context.Background(), "1", "old")
		oldDone <- result{s, err}
	}()
	require.Equal(t, "old", <-lister.started)

	newDone := make(chan result, 1)
	go func() {
		s, err := c.Refresh(context.Background(), "1", "new")
		newDone <- result{s, err}
	}()
	require.Equal(t, "new", <-lister.started)

	// The newer request answers first; the older one arrives late.
	lister.release["new"] <- []KeyEntry{{ObjectID: 2}}
	fresh := <-newDone
	require.NoError(t, fresh.err)

	lister.release["old"] <- []KeyEntry{{ObjectID: 1}}
	stale := <-oldDone
	require.ErrorIs(t, stale.err, ErrStale)

	_, ok := c.Snapshot().Lookup(2)
	assert.True(t, ok, "the latest request wins")
	_, ok = c.Snapshot().Lookup(1)
	assert.False(t, ok)

	logger.Close()
	assert.Len(t, logger.Query(audit.Filter{Status: audit.StatusStale}), 1)
}

func TestSnapshotEntriesIsACopy(t *testing.T) {
	snap := newSnapshot(1, []KeyEntry{{ObjectID: 1, Label: "a"}})
	entries := snap.Entries()
	entries[0].Label = "changed"
	e, _ := snap.Lookup(1)
	assert.Equal(t, "a", e.Label)
}
