package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsight/shelfscan/internal/engine"
	"github.com/shelfsight/shelfscan/internal/model"
	"github.com/shelfsight/shelfscan/internal/resilience"
	"github.com/shelfsight/shelfscan/internal/store"
)

// apiStore is an in-memory store.Store for router tests.
type apiStore struct {
	mu      sync.Mutex
	runs    []model.Run
	listErr error
}

func (m *apiStore) GetRun(_ context.Context, runID string) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == runID {
			return &m.runs[i], nil
		}
	}
	return nil, eris.Errorf("run %s not found", runID)
}

func (m *apiStore) ListRuns(_ context.Context, filter store.RunFilter) ([]model.Run, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Run
	for _, r := range m.runs {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *apiStore) CreateRun(context.Context, model.Job) (*model.Run, error)       { return nil, nil }
func (m *apiStore) UpdateRunStatus(context.Context, string, model.RunStatus) error { return nil }
func (m *apiStore) SaveRunState(context.Context, string, *model.RunState) error    { return nil }
func (m *apiStore) AppendIteration(context.Context, string, model.IterationRecord) error {
	return nil
}
func (m *apiStore) ListIterations(context.Context, string) ([]model.IterationRecord, error) {
	return nil, nil
}
func (m *apiStore) EnqueueDLQ(context.Context, resilience.DLQEntry) error { return nil }
func (m *apiStore) DequeueDLQ(context.Context, resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	return nil, nil
}
func (m *apiStore) IncrementDLQRetry(context.Context, string, time.Time, string) error { return nil }
func (m *apiStore) RemoveDLQ(context.Context, string) error                            { return nil }
func (m *apiStore) CountDLQ(context.Context) (int, error)                              { return 0, nil }
func (m *apiStore) Migrate(context.Context) error                                      { return nil }
func (m *apiStore) Close() error                                                       { return nil }

func testServer(st store.Store, q engine.Queue) *httptest.Server {
	return httptest.NewServer(newRouter(st, q))
}

func TestServeHealth(t *testing.T) {
	ts := testServer(&apiStore{}, engine.NewMemoryQueue(1))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServeCreateJob(t *testing.T) {
	q := engine.NewMemoryQueue(4)
	ts := testServer(&apiStore{}, q)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/jobs", "application/json",
		strings.NewReader(`{"image_ref":"shelf.png","target_accuracy":96}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body["job_id"])
	assert.Equal(t, "queued", body["status"])

	require.Equal(t, 1, q.Len())
	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, body["job_id"], job.ID)
	assert.Equal(t, "shelf.png", job.ImageRef)
	assert.Equal(t, 96.0, job.TargetAccuracy)
}

func TestServeCreateJobValidation(t *testing.T) {
	ts := testServer(&apiStore{}, engine.NewMemoryQueue(1))
	defer ts.Close()

	cases := []struct {
		name string
		body string
	}{
		{name: "missing image_ref", body: `{"target_accuracy":95}`},
		{name: "garbage body", body: `{{{`},
		{name: "target out of range", body: `{"image_ref":"a.png","target_accuracy":250}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/jobs", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestServeGetJobByRunAndJobID(t *testing.T) {
	st := &apiStore{runs: []model.Run{
		{
			ID:     "run-1",
			Job:    model.Job{ID: "job-1", ImageRef: "shelf.png"},
			Status: model.RunStatusDone,
		},
	}}
	ts := testServer(st, engine.NewMemoryQueue(1))
	defer ts.Close()

	for _, id := range []string{"run-1", "job-1"} {
		resp, err := http.Get(ts.URL + "/jobs/" + id)
		require.NoError(t, err)
		var run model.Run
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "run-1", run.ID)
	}

	resp, err := http.Get(ts.URL + "/jobs/does-not-exist")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeListJobs(t *testing.T) {
	st := &apiStore{runs: []model.Run{
		{ID: "r1", Status: model.RunStatusDone},
		{ID: "r2", Status: model.RunStatusAborted},
		{ID: "r3", Status: model.RunStatusDone},
	}}
	ts := testServer(st, engine.NewMemoryQueue(1))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/jobs?status=done")
	require.NoError(t, err)
	defer resp.Body.Close()

	var runs []model.Run
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	assert.Len(t, runs, 2)

	resp2, err := http.Get(ts.URL + "/jobs?limit=abc")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestServeListJobsEmptyIsArray(t *testing.T) {
	ts := testServer(&apiStore{}, engine.NewMemoryQueue(1))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(string(raw)))
}
