package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/pulse/schedule"
	"github.com/teranos/onair/recording"
)

var start = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []*schedule.Job
	err       error
	outcome   schedule.CancelOutcome
	cancelErr error
	cancelled []string
}

func (f *fakeScheduler) Schedule(_ context.Context, job *schedule.Job) (*schedule.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if job.ID == "" {
		job.ID = "job-new"
	}
	job.State = schedule.StatePending
	job.Enabled = true
	f.scheduled = append(f.scheduled, job)
	return job, nil
}

func (f *fakeScheduler) Cancel(_ context.Context, id string) (schedule.CancelOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return f.outcome, f.cancelErr
}

type fakeJobs struct {
	jobs   map[string]*schedule.Job
	filter schedule.ListFilter
}

func (f *fakeJobs) Get(_ context.Context, id string) (*schedule.Job, error) {
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return nil, errors.NewNotFoundError("job %s", id)
}

func (f *fakeJobs) List(_ context.Context, filter schedule.ListFilter) ([]*schedule.Job, error) {
	f.filter = filter
	var out []*schedule.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, nil
}

type fakeRunning []schedule.Job

func (f fakeRunning) Running() []schedule.Job { return f }

type fakeRecordings struct {
	recs  []*recording.Recording
	limit int
	err   error
}

func (f *fakeRecordings) List(_ context.Context, limit int) ([]*recording.Recording, error) {
	f.limit = limit
	return f.recs, f.err
}

type harness struct {
	srv   *Server
	http  *httptest.Server
	sched *fakeScheduler
	jobs  *fakeJobs
	recs  *fakeRecordings
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		sched: &fakeScheduler{outcome: schedule.CancelMarked},
		jobs: &fakeJobs{jobs: map[string]*schedule.Job{
			"job-1": {ID: "job-1", ServiceKind: "radiko", ProgramID: "p1", StartAt: start, EndAt: start.Add(time.Hour), Mode: schedule.ModeRealtime, State: schedule.StatePending},
		}},
		recs: &fakeRecordings{},
	}
	srv, err := New(context.Background(), cfg, Deps{
		Scheduler:  h.sched,
		Jobs:       h.jobs,
		Running:    fakeRunning{{ID: "job-2", State: schedule.StateRecording}},
		Recordings: h.recs,
		Stats:      func() map[string]interface{} { return map[string]interface{}{"dispatched": 3} },
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	h.srv = srv
	h.http = httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		h.http.Close()
		_ = srv.Stop(context.Background())
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.http.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(context.Background(), Config{}, Deps{}, zap.NewNop().Sugar())
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestCreateJob(t *testing.T) {
	h := newHarness(t, Config{})
	delay := 30
	resp := h.do(t, http.MethodPost, "/api/jobs", JobRequest{
		ServiceKind:     "radiko",
		StationID:       "TBS",
		ProgramID:       "p9",
		Title:           "Night Talk",
		StartAt:         start,
		EndAt:           start.Add(time.Hour),
		Mode:            "timefree",
		EndDelaySeconds: &delay,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var got JobResponse
	decode(t, resp, &got)
	assert.Equal(t, "job-new", got.ID)
	assert.Equal(t, "pending", got.State)
	require.NotNil(t, got.EndDelaySeconds)
	assert.Equal(t, 30.0, *got.EndDelaySeconds)

	require.Len(t, h.sched.scheduled, 1)
	job := h.sched.scheduled[0]
	assert.Equal(t, schedule.Mode("timefree"), job.Mode)
	require.NotNil(t, job.EndDelay)
	assert.Equal(t, 30*time.Second, *job.EndDelay)
	assert.Nil(t, job.StartDelay)
}

func TestCreateJobErrors(t *testing.T) {
	h := newHarness(t, Config{})

	resp := h.do(t, http.MethodPost, "/api/jobs", "not an object")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	h.sched.err = errors.NewInvalidRequestError("program id is required")
	resp = h.do(t, http.MethodPost, "/api/jobs", JobRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]string
	decode(t, resp, &body)
	assert.Contains(t, body["error"], "program id is required")

	h.sched.err = errors.New("database is locked")
	resp = h.do(t, http.MethodPost, "/api/jobs", JobRequest{})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	decode(t, resp, &body)
	assert.Equal(t, "internal error", body["error"])
}

func TestGetJob(t *testing.T) {
	h := newHarness(t, Config{})

	resp := h.do(t, http.MethodGet, "/api/jobs/job-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got JobResponse
	decode(t, resp, &got)
	assert.Equal(t, "p1", got.ProgramID)

	resp = h.do(t, http.MethodGet, "/api/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListJobsFilter(t *testing.T) {
	h := newHarness(t, Config{})

	resp := h.do(t, http.MethodGet, "/api/jobs?state=pending,failed&limit=5000&all=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got []JobResponse
	decode(t, resp, &got)
	assert.Len(t, got, 1)
	assert.Equal(t, []schedule.State{schedule.StatePending, schedule.StateFailed}, h.jobs.filter.States)
	assert.Equal(t, maxListLimit, h.jobs.filter.Limit)
	assert.True(t, h.jobs.filter.IncludeDisabled)

	resp = h.do(t, http.MethodGet, "/api/jobs?state=sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodGet, "/api/jobs?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelJob(t *testing.T) {
	h := newHarness(t, Config{})

	resp := h.do(t, http.MethodDelete, "/api/jobs/job-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got CancelResponse
	decode(t, resp, &got)
	assert.Equal(t, CancelResponse{ID: "job-1", Outcome: "marked"}, got)

	h.sched.outcome = schedule.CancelSignalled
	resp = h.do(t, http.MethodDelete, "/api/jobs/job-2", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	h.sched.cancelErr = errors.WithHint(errors.Wrap(errors.ErrConflict, "job job-3 is already completed"), "nothing to cancel")
	resp = h.do(t, http.MethodDelete, "/api/jobs/job-3", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, "nothing to cancel", body["hint"])

	assert.Equal(t, []string{"job-1", "job-2", "job-3"}, h.sched.cancelled)
}

func TestRunningAndRecordings(t *testing.T) {
	h := newHarness(t, Config{})
	h.recs.recs = []*recording.Recording{{
		ID:            "rec-1",
		ScheduleJobID: "job-1",
		State:         recording.StateCompleted,
		Path:          recording.MediaPath{FinalPath: "/rec/TBS/a.m4a", RelativePath: "TBS/a.m4a"},
	}}

	resp := h.do(t, http.MethodGet, "/api/running", nil)
	var running []JobResponse
	decode(t, resp, &running)
	require.Len(t, running, 1)
	assert.Equal(t, "recording", running[0].State)

	resp = h.do(t, http.MethodGet, "/api/recordings?limit=10", nil)
	var recs []RecordingResponse
	decode(t, resp, &recs)
	require.Len(t, recs, 1)
	assert.Equal(t, "TBS/a.m4a", recs[0].RelativePath)
	assert.Equal(t, "job-1", recs[0].JobID)
	assert.Equal(t, 10, h.recs.limit)
}

func TestRateLimitOnMutations(t *testing.T) {
	h := newHarness(t, Config{RequestsPerMinute: 1})

	first := h.do(t, http.MethodDelete, "/api/jobs/job-1", nil)
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second := h.do(t, http.MethodDelete, "/api/jobs/job-1", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)

	// Reads are not throttled
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/api/jobs/job-1", nil).StatusCode)
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, Config{})

	resp := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got HealthResponse
	decode(t, resp, &got)
	assert.Equal(t, "running", got.State)
	assert.Equal(t, 1, got.Running)
	assert.EqualValues(t, 3, got.Scheduler["dispatched"])
}

func TestDrainingRefusesRequests(t *testing.T) {
	h := newHarness(t, Config{})
	h.srv.setState(ServerStateDraining)

	assert.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodGet, "/api/jobs", nil).StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodGet, "/health", nil).StatusCode)
}

func TestCORS(t *testing.T) {
	h := newHarness(t, Config{AllowedOrigins: []string{"http://localhost"}})

	req, _ := http.NewRequest(http.MethodOptions, h.http.URL+"/api/jobs", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))

	req, _ = http.NewRequest(http.MethodGet, h.http.URL+"/api/jobs", nil)
	req.Header.Set("Origin", "http://localhost.evil.example")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func wsURL(h *harness) string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketReceivesEvents(t *testing.T) {
	h := newHarness(t, Config{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(h), nil)
	require.NoError(t, err)
	defer conn.Close()
	waitForClients(t, h.srv.Hub(), 1)

	hub := h.srv.Hub()
	require.NoError(t, hub.PublishState(context.Background(), recording.StateChangedEvent{RecordingID: "rec-1", State: recording.StateRecording}))
	require.NoError(t, hub.PublishToast(context.Background(), recording.ToastEvent{Message: "done", Success: true}))
	require.NoError(t, hub.NotifyJob(context.Background(), schedule.JobNotice{JobID: "job-1", Level: schedule.NoticeError, Code: schedule.CodeDiskFull}))

	var types []string
	for i := 0; i < 3; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		types = append(types, msg.Type)
		if msg.Type == MessageJobNotice {
			assert.Contains(t, string(msg.Data), `"code":"DiskFull"`)
		}
	}
	assert.Equal(t, []string{MessageRecordingState, MessageToast, MessageJobNotice}, types)
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	h := newHarness(t, Config{AllowedOrigins: []string{"http://localhost"}})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(h), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocketDisconnectUnregisters(t *testing.T) {
	h := newHarness(t, Config{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(h), nil)
	require.NoError(t, err)
	waitForClients(t, h.srv.Hub(), 1)

	conn.Close()
	waitForClients(t, h.srv.Hub(), 0)
}

func TestBroadcastDropsForFullClient(t *testing.T) {
	hub := NewHub(context.Background(), zap.NewNop().Sugar())
	c := &Client{hub: hub, send: make(chan []byte, 1), id: "slow"}
	hub.clients[c] = true

	n, err := hub.Broadcast(MessageToast, recording.ToastEvent{Message: "one"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = hub.Broadcast(MessageToast, recording.ToastEvent{Message: "two"})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.EqualValues(t, 1, hub.Drops())
}

func TestStopClosesClients(t *testing.T) {
	h := newHarness(t, Config{})
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(h), nil)
	require.NoError(t, err)
	defer conn.Close()
	waitForClients(t, h.srv.Hub(), 1)

	require.NoError(t, h.srv.Stop(context.Background()))
	assert.Equal(t, ServerStateStopped, h.srv.State())
	assert.Equal(t, 0, h.srv.Hub().ClientCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
