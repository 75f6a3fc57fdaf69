package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/nexusops/ticketsync/internal/queue"
	"github.com/nexusops/ticketsync/internal/scheduler"
	"github.com/nexusops/ticketsync/internal/upstream"
)

func newCtx() context.Context { return context.Background() }

func newTestServer(t *testing.T) (*httptest.Server, *queue.Queue, *scheduler.Scheduler) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	q := queue.New(queue.Config{Addr: mr.Addr()}, nil, nil)
	sch := scheduler.New(scheduler.Config{RedisAddr: mr.Addr(), Tick: time.Hour}, q, nil, nil)

	r := NewRouter(Deps{Queue: q, Scheduler: sch, Upstream: upstream.NewMock()})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, q, sch
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, Envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func TestCreateAndGetTask(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/tasks", createTaskRequest{
		Type: "data-sync", Payload: map[string]interface{}{"tables": []string{"incident"}}, Priority: "high",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.True(t, env.Success)

	data := env.Data.(map[string]interface{})
	id := data["id"].(string)
	require.NotEmpty(t, id)

	resp2, env2 := doJSON(t, http.MethodGet, srv.URL+"/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.True(t, env2.Success)
}

func TestGetTaskNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, env := doJSON(t, http.MethodGet, srv.URL+"/tasks/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.False(t, env.Success)
}

func TestCancelTask(t *testing.T) {
	srv, q, _ := newTestServer(t)
	id, err := q.Enqueue(newCtx(), queue.JobDataSync, nil, queue.EnqueueOptions{})
	require.NoError(t, err)

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/tasks/"+id+"/cancel", map[string]string{"reason": "operator request"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.Success)

	job, err := q.Get(newCtx(), id)
	require.NoError(t, err)
	require.Equal(t, queue.StatusCancelled, job.Status)
}

func TestScheduleCreateAndTrigger(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/tasks/scheduled", createScheduledRequest{
		Name: "hourly-sync", Cron: "0 * * * *", Type: "data-sync", Enabled: true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.True(t, env.Success)
	id := env.Data.(map[string]interface{})["id"].(string)

	resp2, env2 := doJSON(t, http.MethodPost, srv.URL+"/tasks/scheduled/"+id+"/trigger", nil)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.True(t, env2.Success)
}

func TestScheduleRejectsInvalidCron(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, env := doJSON(t, http.MethodPost, srv.URL+"/tasks/scheduled", createScheduledRequest{
		Name: "bad", Cron: "not a cron", Type: "data-sync",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.False(t, env.Success)
}

func TestExportParquetShortcutEnqueues(t *testing.T) {
	srv, q, _ := newTestServer(t)
	resp, env := doJSON(t, http.MethodPost, srv.URL+"/tasks/export/parquet", exportParquetRequest{
		Table: "incident", Compression: "snappy",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.True(t, env.Success)

	stats, err := q.Stats(newCtx())
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Pending)
}

func TestModalDataFallsBackToUpstream(t *testing.T) {
	srv, _, _ := newTestServer(t)
	sysID := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	resp, env := doJSON(t, http.MethodGet, srv.URL+"/modal/data/incident/"+sysID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.Success)
}

func TestTicketHTMLNotImplemented(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, env := doJSON(t, http.MethodGet, srv.URL+"/modal/ticket/incident/someid", nil)
	require.Equal(t, http.StatusNotImplemented, resp.StatusCode)
	require.False(t, env.Success)
}

func TestTaskStatsAndHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, env := doJSON(t, http.MethodGet, srv.URL+"/tasks/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.Success)

	resp2, env2 := doJSON(t, http.MethodGet, srv.URL+"/tasks/health", nil)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	require.True(t, env2.Success)
}

func TestListConflictsEmptyWithoutSyncEngine(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, env := doJSON(t, http.MethodGet, srv.URL+"/tasks/conflicts", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, env.Success)
	require.Empty(t, env.Data)
}
