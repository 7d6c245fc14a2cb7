package app

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbrundritt/offline-data-manager/internal/domain"
	"github.com/rbrundritt/offline-data-manager/pkg/events"
)

// mockStore implements domain.Store on in-memory maps for testing
type mockStore struct {
	mu       sync.Mutex
	registry map[string]*domain.RegistryEntry
	queue    map[string]*domain.QueueEntry
}

func newMockStore() *mockStore {
	return &mockStore{
		registry: make(map[string]*domain.RegistryEntry),
		queue:    make(map[string]*domain.QueueEntry),
	}
}

func (m *mockStore) GetRegistry(id string) (*domain.RegistryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.registry[id]; ok {
		cp := *entry
		return &cp, nil
	}
	return nil, nil
}

func (m *mockStore) GetAllRegistry() ([]*domain.RegistryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]*domain.RegistryEntry, 0, len(m.registry))
	for _, entry := range m.registry {
		cp := *entry
		entries = append(entries, &cp)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority < entries[j].Priority
		}
		if entries[i].RegisteredAt != entries[j].RegisteredAt {
			return entries[i].RegisteredAt < entries[j].RegisteredAt
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

func (m *mockStore) GetRegistryIDs() ([]string, error) {
	entries, _ := m.GetAllRegistry()
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
	}
	return ids, nil
}

func (m *mockStore) PutRegistry(entry *domain.RegistryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.registry[entry.ID] = &cp
	return nil
}

func (m *mockStore) DeleteRegistry(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.registry, id)
	return nil
}

func (m *mockStore) GetQueue(id string) (*domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.queue[id]; ok {
		cp := *entry
		return &cp, nil
	}
	return nil, nil
}

func (m *mockStore) GetAllQueue() ([]*domain.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]*domain.QueueEntry, 0, len(m.queue))
	for _, entry := range m.queue {
		cp := *entry
		entries = append(entries, &cp)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func (m *mockStore) PutQueue(entry *domain.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.queue[entry.ID] = &cp
	return nil
}

func (m *mockStore) DeleteQueue(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queue, id)
	return nil
}

func (m *mockStore) ResetOrphanedInProgress() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, q := range m.queue {
		if q.Status == domain.StatusInProgress {
			q.Status = domain.StatusPending
			q.ByteOffset = 0
			q.BytesDownloaded = 0
			n++
		}
	}
	for _, reg := range m.registry {
		if reg.Status == domain.StatusInProgress {
			reg.Status = domain.StatusPending
			reg.BytesDownloaded = 0
		}
	}
	return n, nil
}

func (m *mockStore) GetStats() (*domain.QueueStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &domain.QueueStats{}
	for _, q := range m.queue {
		stats.Total++
		switch q.Status {
		case domain.StatusPending:
			stats.Pending++
		case domain.StatusInProgress:
			stats.InProgress++
		case domain.StatusPaused:
			stats.Paused++
		case domain.StatusComplete:
			stats.Complete++
		case domain.StatusExpired:
			stats.Expired++
		case domain.StatusFailed:
			stats.Failed++
		case domain.StatusDeferred:
			stats.Deferred++
		}
	}
	return stats, nil
}

func (m *mockStore) Close() error { return nil }

// mockProbe implements domain.StorageProbe with a fixed estimate
type mockProbe struct {
	mu       sync.Mutex
	estimate domain.StorageEstimate
}

func newMockProbe(usage, quota int64) *mockProbe {
	return &mockProbe{
		estimate: domain.StorageEstimate{
			Usage:     usage,
			Quota:     quota,
			Available: quota - usage,
		},
	}
}

func (p *mockProbe) Estimate() (*domain.StorageEstimate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := p.estimate
	return &cp, nil
}

func (p *mockProbe) HasEnoughSpace(n int64) (bool, error) {
	est, _ := p.Estimate()
	holdBack := int64(float64(est.Quota) * 0.1)
	return est.Available-holdBack >= n, nil
}

func (p *mockProbe) RequestPersistence() bool { return true }
func (p *mockProbe) IsPersisted() bool        { return true }

func (p *mockProbe) setUsage(usage int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.estimate.Usage = usage
	p.estimate.Available = p.estimate.Quota - usage
}

// mockHooks records engine hook calls
type mockHooks struct {
	mu       sync.Mutex
	notified int
	aborted  []string
	allAbort int
}

func (h *mockHooks) Notify() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notified++
}

func (h *mockHooks) AbortDownload(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.aborted = append(h.aborted, id)
}

func (h *mockHooks) AbortAllDownloads() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.allAbort++
}

func (h *mockHooks) notifyCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.notified
}

// collector gathers emitted payloads for a topic
func collect(emitter *events.Emitter, topic string) *[]interface{} {
	var got []interface{}
	var mu sync.Mutex
	emitter.On(topic, func(payload interface{}) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, payload)
	})
	return &got
}

func newTestRegistry(t *testing.T) (*RegistryManager, *mockStore, *events.Emitter, *mockHooks) {
	t.Helper()
	store := newMockStore()
	emitter := events.New()
	rm := NewRegistryManager(store, newMockProbe(0, 1<<30), emitter, nil, nil)
	hooks := &mockHooks{}
	rm.SetEngine(hooks)
	return rm, store, emitter, hooks
}

func registration(id string, version uint64) *domain.FileRegistration {
	return &domain.FileRegistration{
		ID:          id,
		DownloadURL: "https://example.com/" + id,
		Version:     version,
	}
}

func TestRegisterFile_New(t *testing.T) {
	rm, store, emitter, hooks := newTestRegistry(t)
	registered := collect(emitter, domain.TopicRegistered)

	require.NoError(t, rm.RegisterFile(registration("a", 1)))

	reg, err := store.GetRegistry("a")
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.Equal(t, domain.StatusPending, reg.Status)
	assert.Equal(t, domain.DefaultPriority, reg.Priority)

	q, err := store.GetQueue("a")
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, domain.StatusPending, q.Status)

	require.Len(t, *registered, 1)
	evt := (*registered)[0].(domain.RegisteredEvent)
	assert.Equal(t, domain.RegisteredReasonNew, evt.Reason)
	assert.Equal(t, 1, hooks.notifyCount(), "registration wakes the drain loop")
}

func TestRegisterFile_ValidationError(t *testing.T) {
	rm, _, _, hooks := newTestRegistry(t)

	err := rm.RegisterFile(&domain.FileRegistration{ID: "", DownloadURL: "https://x"})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Zero(t, hooks.notifyCount())
}

func TestRegisterFile_SameVersionIsNoop(t *testing.T) {
	rm, store, emitter, hooks := newTestRegistry(t)
	registered := collect(emitter, domain.TopicRegistered)

	require.NoError(t, rm.RegisterFile(registration("a", 3)))
	before, _ := store.GetQueue("a")
	notifiedBefore := hooks.notifyCount()

	require.NoError(t, rm.RegisterFile(registration("a", 3)))
	require.NoError(t, rm.RegisterFile(registration("a", 2)))

	after, _ := store.GetQueue("a")
	assert.Equal(t, before, after, "store contents unchanged on non-increasing version")
	assert.Len(t, *registered, 1)
	assert.Equal(t, notifiedBefore, hooks.notifyCount())
}

func TestRegisterFile_VersionBumpRetainsPayload(t *testing.T) {
	rm, store, emitter, _ := newTestRegistry(t)
	registered := collect(emitter, domain.TopicRegistered)

	require.NoError(t, rm.RegisterFile(registration("a", 1)))

	// Simulate a completed download
	q, _ := store.GetQueue("a")
	q.Status = domain.StatusComplete
	q.Data = []byte("payload-v1")
	q.MimeType = domain.StringPtr("application/wasm")
	q.BytesDownloaded = 10
	q.ByteOffset = 10
	q.RetryCount = 2
	q.CompletedAt = domain.Int64Ptr(domain.NowMillis())
	require.NoError(t, store.PutQueue(q))

	reg, _ := store.GetRegistry("a")
	originalRegisteredAt := reg.RegisteredAt

	require.NoError(t, rm.RegisterFile(registration("a", 2)))

	q, _ = store.GetQueue("a")
	assert.Equal(t, domain.StatusPending, q.Status)
	assert.Equal(t, []byte("payload-v1"), q.Data, "payload retained during refresh")
	assert.Equal(t, "application/wasm", *q.MimeType)
	assert.Zero(t, q.RetryCount)
	assert.Zero(t, q.ByteOffset)
	assert.Nil(t, q.CompletedAt)

	reg, _ = store.GetRegistry("a")
	assert.Equal(t, uint64(2), reg.Version)
	assert.Equal(t, originalRegisteredAt, reg.RegisteredAt, "registeredAt preserved across bumps")
	assert.Equal(t, domain.StatusPending, reg.Status, "reset mirrored onto registry")

	require.Len(t, *registered, 2)
	evt := (*registered)[1].(domain.RegisteredEvent)
	assert.Equal(t, domain.RegisteredReasonVersionUpdated, evt.Reason)
}

func TestRegisterFiles_RemovesUnlistedUnprotected(t *testing.T) {
	rm, store, emitter, _ := newTestRegistry(t)
	deleted := collect(emitter, domain.TopicDeleted)

	require.NoError(t, rm.RegisterFile(registration("keep", 1)))
	require.NoError(t, rm.RegisterFile(registration("drop", 1)))
	protected := registration("guard", 1)
	protected.Protected = true
	require.NoError(t, rm.RegisterFile(protected))

	result, err := rm.RegisterFiles([]*domain.FileRegistration{registration("keep", 1), registration("new", 1)})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"keep", "new"}, result.Registered)
	assert.Equal(t, []string{"drop"}, result.Removed)

	dropped, _ := store.GetRegistry("drop")
	assert.Nil(t, dropped)
	guarded, _ := store.GetRegistry("guard")
	assert.NotNil(t, guarded, "protected rows survive reconciliation")

	require.Len(t, *deleted, 1)
	evt := (*deleted)[0].(domain.DeletedEvent)
	assert.Equal(t, "drop", evt.ID)
	assert.True(t, evt.RegistryRemoved)
}

func TestEvaluateExpiry_TransitionsAndIdempotent(t *testing.T) {
	rm, store, emitter, _ := newTestRegistry(t)
	expired := collect(emitter, domain.TopicExpired)

	require.NoError(t, rm.RegisterFile(registration("a", 1)))
	q, _ := store.GetQueue("a")
	q.Status = domain.StatusComplete
	q.Data = []byte("x")
	q.ExpiresAt = domain.Int64Ptr(domain.NowMillis() - 1000)
	require.NoError(t, store.PutQueue(q))

	ids, err := rm.EvaluateExpiry()
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)

	q, _ = store.GetQueue("a")
	assert.Equal(t, domain.StatusExpired, q.Status)
	assert.NotNil(t, q.Data, "payload remains addressable after expiry")

	reg, _ := store.GetRegistry("a")
	assert.Equal(t, domain.StatusExpired, reg.Status)

	// Second call transitions nothing further
	ids, err = rm.EvaluateExpiry()
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Len(t, *expired, 1)
}

func TestEvaluateExpiry_ZeroTTLNeverExpires(t *testing.T) {
	rm, store, _, _ := newTestRegistry(t)

	require.NoError(t, rm.RegisterFile(registration("a", 1)))
	q, _ := store.GetQueue("a")
	q.Status = domain.StatusComplete
	q.Data = []byte("x")
	q.ExpiresAt = nil
	require.NoError(t, store.PutQueue(q))

	ids, err := rm.EvaluateExpiry()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGetStatus_UnknownIsNil(t *testing.T) {
	rm, _, _, _ := newTestRegistry(t)

	status, err := rm.GetStatus("missing")
	require.NoError(t, err)
	assert.Nil(t, status)
}

func TestGetAllStatus_SortedWithStorage(t *testing.T) {
	rm, _, _, _ := newTestRegistry(t)

	low := registration("low", 1)
	low.Priority = domain.IntPtr(20)
	high := registration("high", 1)
	high.Priority = domain.IntPtr(1)
	require.NoError(t, rm.RegisterFile(low))
	require.NoError(t, rm.RegisterFile(high))

	all, err := rm.GetAllStatus()
	require.NoError(t, err)
	require.Len(t, all.Files, 2)
	assert.Equal(t, "high", all.Files[0].ID)
	assert.Equal(t, "low", all.Files[1].ID)
	require.NotNil(t, all.Storage)
	assert.Equal(t, int64(1<<30), all.Storage.Quota)
}

func TestIsReady(t *testing.T) {
	rm, store, _, _ := newTestRegistry(t)

	require.NoError(t, rm.RegisterFile(registration("a", 1)))

	ready, err := rm.IsReady("a")
	require.NoError(t, err)
	assert.False(t, ready)

	q, _ := store.GetQueue("a")
	q.Status = domain.StatusComplete
	require.NoError(t, store.PutQueue(q))

	// Complete but no data: still not ready
	ready, err = rm.IsReady("a")
	require.NoError(t, err)
	assert.False(t, ready)

	q.Data = []byte("x")
	require.NoError(t, store.PutQueue(q))

	ready, err = rm.IsReady("a")
	require.NoError(t, err)
	assert.True(t, ready)

	q.Status = domain.StatusExpired
	require.NoError(t, store.PutQueue(q))

	ready, err = rm.IsReady("a")
	require.NoError(t, err)
	assert.True(t, ready, "expired payloads remain addressable")
}

func TestRetrieveFile(t *testing.T) {
	rm, store, _, _ := newTestRegistry(t)

	_, _, err := rm.RetrieveFile("missing")
	assert.ErrorIs(t, err, domain.ErrNotRegistered)

	require.NoError(t, rm.RegisterFile(registration("a", 1)))

	_, _, err = rm.RetrieveFile("a")
	assert.ErrorIs(t, err, domain.ErrNotReady)

	q, _ := store.GetQueue("a")
	q.Status = domain.StatusComplete
	q.Data = []byte("bytes")
	q.MimeType = domain.StringPtr("font/woff2")
	require.NoError(t, store.PutQueue(q))

	data, mime, err := rm.RetrieveFile("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), data)
	assert.Equal(t, "font/woff2", mime)
}

func TestUpdateRegistryMetadata(t *testing.T) {
	rm, store, _, _ := newTestRegistry(t)

	assert.ErrorIs(t, rm.UpdateRegistryMetadata("missing", map[string]interface{}{"k": "v"}), domain.ErrNotRegistered)

	reg := registration("a", 1)
	reg.Metadata = map[string]interface{}{"keep": "old", "replace": "old"}
	require.NoError(t, rm.RegisterFile(reg))

	require.NoError(t, rm.UpdateRegistryMetadata("a", map[string]interface{}{"replace": "new", "added": true}))

	got, _ := store.GetRegistry("a")
	assert.Equal(t, "old", got.Metadata["keep"])
	assert.Equal(t, "new", got.Metadata["replace"])
	assert.Equal(t, true, got.Metadata["added"])

	// Nil patch is ignored
	require.NoError(t, rm.UpdateRegistryMetadata("a", nil))

	q, _ := store.GetQueue("a")
	assert.Equal(t, domain.StatusPending, q.Status, "metadata merge never touches queue state")
}

func TestDeleteFile_Unprotected(t *testing.T) {
	rm, store, emitter, hooks := newTestRegistry(t)
	deleted := collect(emitter, domain.TopicDeleted)

	require.NoError(t, rm.RegisterFile(registration("a", 1)))
	require.NoError(t, rm.DeleteFile("a", false))

	reg, _ := store.GetRegistry("a")
	assert.Nil(t, reg)
	q, _ := store.GetQueue("a")
	assert.Nil(t, q)

	require.Len(t, *deleted, 1)
	evt := (*deleted)[0].(domain.DeletedEvent)
	assert.True(t, evt.RegistryRemoved)
	assert.Contains(t, hooks.aborted, "a", "active fetch aborted before delete")

	assert.ErrorIs(t, rm.DeleteFile("a", false), domain.ErrNotRegistered)
}

func TestDeleteFile_ProtectedResets(t *testing.T) {
	rm, store, emitter, _ := newTestRegistry(t)
	deleted := collect(emitter, domain.TopicDeleted)

	reg := registration("a", 1)
	reg.Protected = true
	require.NoError(t, rm.RegisterFile(reg))

	q, _ := store.GetQueue("a")
	q.Status = domain.StatusComplete
	q.Data = []byte("payload")
	require.NoError(t, store.PutQueue(q))

	require.NoError(t, rm.DeleteFile("a", false))

	row, _ := store.GetRegistry("a")
	require.NotNil(t, row, "protected registry row survives")

	q, _ = store.GetQueue("a")
	require.NotNil(t, q)
	assert.Equal(t, domain.StatusPending, q.Status)
	assert.Nil(t, q.Data)

	evt := (*deleted)[0].(domain.DeletedEvent)
	assert.False(t, evt.RegistryRemoved)
}

func TestDeleteFile_ProtectedRemovedWhenForced(t *testing.T) {
	rm, store, _, _ := newTestRegistry(t)

	reg := registration("a", 1)
	reg.Protected = true
	require.NoError(t, rm.RegisterFile(reg))
	require.NoError(t, rm.DeleteFile("a", true))

	row, _ := store.GetRegistry("a")
	assert.Nil(t, row)
}

func TestDeleteAllFiles(t *testing.T) {
	rm, store, _, hooks := newTestRegistry(t)

	require.NoError(t, rm.RegisterFile(registration("a", 1)))
	protected := registration("b", 1)
	protected.Protected = true
	require.NoError(t, rm.RegisterFile(protected))

	require.NoError(t, rm.DeleteAllFiles(false))

	a, _ := store.GetRegistry("a")
	assert.Nil(t, a)
	b, _ := store.GetRegistry("b")
	assert.NotNil(t, b)
	assert.Equal(t, 1, hooks.allAbort)
}
