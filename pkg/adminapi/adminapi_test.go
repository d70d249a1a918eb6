package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/swarmnode/pkg/swarm"
)

type fakeDriver struct {
	status           swarm.Status
	replicationCalls int
	cleanupCalls     int
	allowReplication bool
	allowCleanup     bool
}

func (f *fakeDriver) Status() swarm.Status { return f.status }

func (f *fakeDriver) TriggerReplication(ctx context.Context) bool {
	f.replicationCalls++
	return f.allowReplication
}

func (f *fakeDriver) TriggerCleanup(ctx context.Context) bool {
	f.cleanupCalls++
	return f.allowCleanup
}

func newTestServer(driver Driver) (*Server, *http.ServeMux) {
	s := New("127.0.0.1:0", driver)
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/replicate", s.handleReplicate)
	mux.HandleFunc("/cleanup", s.handleCleanup)
	return s, mux
}

func TestHandleStatusReturnsDriverSnapshot(t *testing.T) {
	driver := &fakeDriver{status: swarm.Status{Self: "peer-1", RecordsStored: 4}}
	_, mux := newTestServer(driver)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got swarm.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "peer-1", got.Self)
	assert.Equal(t, 4, got.RecordsStored)
}

func TestHandleStatusRejectsNonGet(t *testing.T) {
	driver := &fakeDriver{}
	_, mux := newTestServer(driver)

	req := httptest.NewRequest(http.MethodPost, "/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleReplicateAcceptsWhenQueued(t *testing.T) {
	driver := &fakeDriver{allowReplication: true}
	_, mux := newTestServer(driver)

	req := httptest.NewRequest(http.MethodPost, "/replicate", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, driver.replicationCalls)
}

func TestHandleReplicateReturnsServiceUnavailableWhenQueueFull(t *testing.T) {
	driver := &fakeDriver{allowReplication: false}
	_, mux := newTestServer(driver)

	req := httptest.NewRequest(http.MethodPost, "/replicate", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleReplicateRejectsNonPost(t *testing.T) {
	driver := &fakeDriver{allowReplication: true}
	_, mux := newTestServer(driver)

	req := httptest.NewRequest(http.MethodGet, "/replicate", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, 0, driver.replicationCalls)
}

func TestHandleCleanupAcceptsWhenQueued(t *testing.T) {
	driver := &fakeDriver{allowCleanup: true}
	_, mux := newTestServer(driver)

	req := httptest.NewRequest(http.MethodPost, "/cleanup", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, driver.cleanupCalls)
}

func TestHandleCleanupReturnsServiceUnavailableWhenQueueFull(t *testing.T) {
	driver := &fakeDriver{allowCleanup: false}
	_, mux := newTestServer(driver)

	req := httptest.NewRequest(http.MethodPost, "/cleanup", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
