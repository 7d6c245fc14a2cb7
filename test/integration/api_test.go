package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rbrundritt/offline-data-manager/api"
	"github.com/rbrundritt/offline-data-manager/internal/app"
	"github.com/rbrundritt/offline-data-manager/internal/domain"
	"github.com/rbrundritt/offline-data-manager/internal/infrastructure"
	"github.com/rbrundritt/offline-data-manager/pkg/events"
	"github.com/rbrundritt/offline-data-manager/pkg/logger"
)

type apiFixture struct {
	api     *httptest.Server
	assets  *httptest.Server
	engine  *app.DownloadEngine
	emitter *events.Emitter
}

// newAPIFixture wires the full stack: sqlite store, disk probe, HTTP
// fetcher, engine and gin router, plus a backend serving one payload.
func newAPIFixture(t *testing.T, payload []byte) *apiFixture {
	t.Helper()

	assets := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(payload))
	}))
	t.Cleanup(assets.Close)

	dataDir := t.TempDir()
	store, err := infrastructure.NewSQLiteStore(filepath.Join(dataDir, "odm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	probe := infrastructure.NewDiskStorageProbe(dataDir, 0)
	fetcher := infrastructure.NewHTTPFetcher(infrastructure.HTTPFetcherOptions{})
	emitter := events.New()
	log := logger.NewDefault()

	registry := app.NewRegistryManager(store, probe, emitter, log, nil)
	engine := app.NewDownloadEngine(store, registry, fetcher, probe, emitter, &domain.EngineConfig{
		Concurrency: 2,
		BackoffBase: time.Millisecond,
	}, log, nil)
	require.NoError(t, engine.Start())
	t.Cleanup(func() { engine.Stop() })

	router := api.SetupRouter(registry, engine, probe, emitter, log)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &apiFixture{api: srv, assets: assets, engine: engine, emitter: emitter}
}

func (f *apiFixture) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.api.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestAPI_RegisterDownloadRetrieve(t *testing.T) {
	payload := []byte("the quick brown payload")
	f := newAPIFixture(t, payload)

	completed := make(chan struct{})
	f.emitter.Once(domain.TopicComplete, func(interface{}) { close(completed) })

	resp := f.postJSON(t, "/api/v1/files", map[string]interface{}{
		"id":           "asset",
		"download_url": f.assets.URL,
		"version":      1,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	select {
	case <-completed:
	case <-time.After(10 * time.Second):
		t.Fatal("download never completed")
	}

	// Status reflects the completed download
	statusResp, err := http.Get(f.api.URL + "/api/v1/files/asset")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusOK, statusResp.StatusCode)

	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
	assert.Equal(t, "complete", status["status"])
	assert.Equal(t, float64(100), status["percent"])

	// The payload round-trips through the content endpoint
	contentResp, err := http.Get(f.api.URL + "/api/v1/files/asset/content")
	require.NoError(t, err)
	defer contentResp.Body.Close()
	require.Equal(t, http.StatusOK, contentResp.StatusCode)
	assert.Equal(t, "application/octet-stream", contentResp.Header.Get("Content-Type"))

	got, err := io.ReadAll(contentResp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestAPI_ValidationAndMissingIDs(t *testing.T) {
	f := newAPIFixture(t, []byte("x"))

	resp := f.postJSON(t, "/api/v1/files", map[string]interface{}{
		"id":           "",
		"download_url": f.assets.URL,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	statusResp, err := http.Get(f.api.URL + "/api/v1/files/nope")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, statusResp.StatusCode)

	contentResp, err := http.Get(f.api.URL + "/api/v1/files/nope/content")
	require.NoError(t, err)
	defer contentResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, contentResp.StatusCode)
}

func TestAPI_ContentNotReadyConflicts(t *testing.T) {
	f := newAPIFixture(t, []byte("x"))

	// Stop the engine so the registration stays pending
	require.NoError(t, f.engine.Stop())

	resp := f.postJSON(t, "/api/v1/files", map[string]interface{}{
		"id":           "pending-asset",
		"download_url": f.assets.URL,
		"version":      1,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	contentResp, err := http.Get(f.api.URL + "/api/v1/files/pending-asset/content")
	require.NoError(t, err)
	defer contentResp.Body.Close()
	assert.Equal(t, http.StatusConflict, contentResp.StatusCode)
}

func TestAPI_BatchReconcileAndStats(t *testing.T) {
	f := newAPIFixture(t, []byte("x"))

	completed := make(chan struct{}, 4)
	f.emitter.On(domain.TopicComplete, func(interface{}) { completed <- struct{}{} })

	resp := f.postJSON(t, "/api/v1/files", map[string]interface{}{
		"id": "old", "download_url": f.assets.URL, "version": 1,
	})
	resp.Body.Close()

	// Reconcile against a catalog that drops "old"
	data, _ := json.Marshal([]map[string]interface{}{
		{"id": "kept", "download_url": f.assets.URL, "version": 1},
	})
	req, _ := http.NewRequest(http.MethodPut, f.api.URL+"/api/v1/files", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	putResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer putResp.Body.Close()
	require.Equal(t, http.StatusOK, putResp.StatusCode)

	var result domain.RegisterResult
	require.NoError(t, json.NewDecoder(putResp.Body).Decode(&result))
	assert.Equal(t, []string{"kept"}, result.Registered)
	assert.Equal(t, []string{"old"}, result.Removed)

	select {
	case <-completed:
	case <-time.After(10 * time.Second):
		t.Fatal("download never completed")
	}

	statsResp, err := http.Get(f.api.URL + "/api/v1/files/stats")
	require.NoError(t, err)
	defer statsResp.Body.Close()

	var stats domain.QueueStats
	require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&stats))
	assert.Equal(t, int64(1), stats.Total)
}

func TestAPI_StorageEstimate(t *testing.T) {
	f := newAPIFixture(t, []byte("x"))

	resp, err := http.Get(f.api.URL + "/api/v1/storage")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var est domain.StorageEstimate
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&est))
	assert.Greater(t, est.Quota, int64(0))
}

func TestAPI_HealthAndReady(t *testing.T) {
	f := newAPIFixture(t, []byte("x"))

	resp, err := http.Get(f.api.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	readyResp, err := http.Get(f.api.URL + "/ready")
	require.NoError(t, err)
	defer readyResp.Body.Close()
	assert.Equal(t, http.StatusOK, readyResp.StatusCode)

	require.NoError(t, f.engine.Stop())

	readyResp, err = http.Get(f.api.URL + "/ready")
	require.NoError(t, err)
	defer readyResp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, readyResp.StatusCode)
}
