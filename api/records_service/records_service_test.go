package recordsservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojotier/core/storage_engine/common"
	migrationledger "github.com/sushant-115/gojotier/core/storage_engine/migration_ledger"
	"github.com/sushant-115/gojotier/core/storage_engine/tiered_storage"
	"go.uber.org/zap"
)

// --- Test Helpers ---

type fakeRecords struct {
	mu      sync.Mutex
	hot     map[string]common.Record
	cold    map[string]common.Record
	failAll error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{hot: map[string]common.Record{}, cold: map[string]common.Record{}}
}

func (f *fakeRecords) Lookup(_ context.Context, key string) (common.Record, tiered_storage.StorageTierType, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := common.ValidateKey(key); err != nil {
		return common.Record{}, tiered_storage.NoTier, false, err
	}
	if f.failAll != nil {
		return common.Record{}, tiered_storage.NoTier, false, f.failAll
	}
	if rec, ok := f.hot[key]; ok {
		return rec, tiered_storage.HotTier, true, nil
	}
	if rec, ok := f.cold[key]; ok {
		return rec, tiered_storage.ColdTier, true, nil
	}
	return common.Record{}, tiered_storage.NoTier, false, nil
}

func (f *fakeRecords) Put(_ context.Context, key string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := common.ValidateKey(key); err != nil {
		return err
	}
	if f.failAll != nil {
		return &common.WriteError{Key: key, Err: f.failAll}
	}
	f.hot[key] = common.NewRecord(key, payload, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return nil
}

func (f *fakeRecords) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hot, key)
	delete(f.cold, key)
	return nil
}

type fakeTiering struct {
	tasks map[string]migrationledger.Task
	runs  int
}

func (f *fakeTiering) Task(_ context.Context, key string) (migrationledger.Task, bool, error) {
	t, ok := f.tasks[key]
	return t, ok, nil
}

func (f *fakeTiering) ResetQuarantined(_ context.Context, key string) error {
	t, ok := f.tasks[key]
	if !ok {
		return fmt.Errorf("%w: %q", migrationledger.ErrTaskNotFound, key)
	}
	if t.State != migrationledger.StateFailed {
		return fmt.Errorf("%w: %q is %s", migrationledger.ErrNotQuarantined, key, t.State)
	}
	t.State, t.Attempts = migrationledger.StatePending, 0
	f.tasks[key] = t
	return nil
}

func (f *fakeTiering) RunOnce(context.Context) (tiered_storage.CycleResult, error) {
	f.runs++
	return tiered_storage.CycleResult{Scanned: 3, Migrated: 2}, nil
}

func (f *fakeTiering) Stats(context.Context) (map[migrationledger.State]int, error) {
	counts := map[migrationledger.State]int{}
	for _, t := range f.tasks {
		counts[t.State]++
	}
	return counts, nil
}

type testServer struct {
	url     string
	records *fakeRecords
	tiering *fakeTiering
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	records := newFakeRecords()
	tiering := &fakeTiering{tasks: map[string]migrationledger.Task{}}
	svc := NewRecordsService(records, tiering, Options{MaxPayloadBytes: 1024}, zap.NewNop())
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return &testServer{url: srv.URL, records: records, tiering: tiering}
}

func (s *testServer) do(t *testing.T, method, path string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, s.url+path, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode(t *testing.T, data []byte) APIResponse {
	t.Helper()
	var r APIResponse
	require.NoError(t, json.Unmarshal(data, &r))
	return r
}

func TestRecordLifecycle(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodPut, "/v1/records/users/42", []byte("payload"))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := s.do(t, http.MethodGet, "/v1/records/users/42", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []byte("payload"), body)
	require.Equal(t, "hot", resp.Header.Get(HeaderTier))
	require.Equal(t, common.Checksum([]byte("payload")), resp.Header.Get(HeaderChecksum))
	require.Equal(t, "2024-01-01T00:00:00Z", resp.Header.Get(HeaderCreatedAt))
	require.NotEmpty(t, resp.Header.Get(HeaderRequestID))

	resp, _ = s.do(t, http.MethodDelete, "/v1/records/users/42", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = s.do(t, http.MethodGet, "/v1/records/users/42", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "NOT_FOUND", decode(t, body).Status)
}

func TestColdRecordReportsTier(t *testing.T) {
	s := newTestServer(t)
	s.records.cold["old"] = common.NewRecord("old", []byte("archived"), time.Now())

	resp, body := s.do(t, http.MethodGet, "/v1/records/old", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "cold", resp.Header.Get(HeaderTier))
	require.Equal(t, []byte("archived"), body)
}

func TestRecordErrors(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodPut, "/v1/records/", []byte("x"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "ERROR", decode(t, body).Status)

	resp, _ = s.do(t, http.MethodPut, "/v1/records/big", make([]byte, 2048))
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	s.records.failAll = fmt.Errorf("%w: redis down", common.ErrTransientIO)
	resp, _ = s.do(t, http.MethodGet, "/v1/records/k", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp, body = s.do(t, http.MethodPut, "/v1/records/k", []byte("v"))
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Contains(t, decode(t, body).Message, "write \"k\" to hot tier")
}

func TestMigrationAdmin(t *testing.T) {
	s := newTestServer(t)
	s.tiering.tasks["stuck/key"] = migrationledger.Task{Key: "stuck/key", State: migrationledger.StateFailed, Attempts: 5}
	s.tiering.tasks["done"] = migrationledger.Task{Key: "done", State: migrationledger.StateHotDeleted}

	resp, body := s.do(t, http.MethodGet, "/v1/migrations/stuck/key", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		Data migrationledger.Task `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, migrationledger.StateFailed, got.Data.State)
	require.Equal(t, 5, got.Data.Attempts)

	resp, _ = s.do(t, http.MethodGet, "/v1/migrations/unknown", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/v1/migrations/stuck/key/reset", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, migrationledger.StatePending, s.tiering.tasks["stuck/key"].State)

	resp, _ = s.do(t, http.MethodPost, "/v1/migrations/done/reset", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = s.do(t, http.MethodPost, "/v1/migrations/unknown/reset", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = s.do(t, http.MethodPost, "/v1/migrations/done/explode", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTieringEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.tiering.tasks["a"] = migrationledger.Task{Key: "a", State: migrationledger.StatePending}
	s.tiering.tasks["b"] = migrationledger.Task{Key: "b", State: migrationledger.StatePending}

	resp, body := s.do(t, http.MethodPost, "/v1/tiering/run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run struct {
		Data tiered_storage.CycleResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &run))
	require.Equal(t, 2, run.Data.Migrated)
	require.Equal(t, 1, s.tiering.runs)

	resp, body = s.do(t, http.MethodGet, "/v1/tiering/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats struct {
		Data map[migrationledger.State]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &stats))
	require.Equal(t, 2, stats.Data[migrationledger.StatePending])

	resp, _ = s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{common.ErrInvalidKey, http.StatusBadRequest},
		{&common.WriteError{Key: "k", Err: common.ErrTransientIO}, http.StatusServiceUnavailable},
		{fmt.Errorf("wrapped: %w", migrationledger.ErrNotQuarantined), http.StatusConflict},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, StatusFor(tc.err), tc.err.Error())
	}
}
