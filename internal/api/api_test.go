package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"newscrawl/internal/model"
	"newscrawl/internal/queue"
)

type fakeCoordinator struct {
	requestWorkResult queue.RequestWorkResult
	reportedWorker    string
	reportedDomain    string
	stats             queue.Stats
}

func (f *fakeCoordinator) RequestWork(context.Context, string, int, int) (queue.RequestWorkResult, error) {
	return f.requestWorkResult, nil
}

func (f *fakeCoordinator) ReportFailure(workerID, domain string) {
	f.reportedWorker = workerID
	f.reportedDomain = domain
}

func (f *fakeCoordinator) Stats() queue.Stats { return f.stats }

func TestHandleRequestWorkReturnsItems(t *testing.T) {
	id := uuid.New()
	coord := &fakeCoordinator{
		requestWorkResult: queue.RequestWorkResult{
			Items:         []model.CandidateLink{{ID: id, URL: "https://example.com/a"}},
			WorkerDomains: []string{"example.com"},
		},
	}
	srv := New(coord, nil, nil, CORSConfig{AllowedOrigins: "*"})

	body, _ := json.Marshal(requestWorkBody{WorkerID: "w1", BatchSize: 5, MaxArticlesPerDomain: 3})
	req := httptest.NewRequest(http.MethodPost, "/work/request", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp requestWorkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 1)
	require.Equal(t, "example.com", resp.Items[0].CanonicalName)
	require.Equal(t, []string{"example.com"}, resp.WorkerDomains)
}

func TestHandleReportFailureForwardsWorkerAndDomain(t *testing.T) {
	coord := &fakeCoordinator{}
	srv := New(coord, nil, nil, CORSConfig{})

	body, _ := json.Marshal(reportFailureBody{WorkerID: "w1", Domain: "example.com"})
	req := httptest.NewRequest(http.MethodPost, "/work/report-failure", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "w1", coord.reportedWorker)
	require.Equal(t, "example.com", coord.reportedDomain)
}

func TestHandleHealthOK(t *testing.T) {
	srv := New(&fakeCoordinator{}, nil, nil, CORSConfig{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return context.DeadlineExceeded }

func TestHandleHealthReportsUnhealthyOnPingFailure(t *testing.T) {
	srv := New(&fakeCoordinator{}, failingPinger{}, nil, CORSConfig{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleStatsReturnsSnapshot(t *testing.T) {
	coord := &fakeCoordinator{stats: queue.Stats{TotalAvailable: 2, DomainsAvailable: []string{"a.com", "b.com"}}}
	srv := New(coord, nil, nil, CORSConfig{})
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.TotalAvailable)
}
