package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basekick-labs/elf/internal/config"
	"github.com/basekick-labs/elf/internal/history"
	"github.com/basekick-labs/elf/internal/pipeline"
	"github.com/basekick-labs/elf/internal/scheduler"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConvertRunner struct {
	results []pipeline.Result
	err     error
}

func (f *fakeConvertRunner) RunNow(context.Context) ([]pipeline.Result, error) {
	return f.results, f.err
}

func (f *fakeConvertRunner) Status() map[string]interface{} {
	return map[string]interface{}{"running": true, "schedule": "*/5 * * * *"}
}

func newConvertTestServer(t *testing.T, runner ConvertRunner) *Server {
	t.Helper()
	s := newTestServer(t, nil, config.ParserConfig{})
	NewConvertHandler(runner, nil, zerolog.Nop()).RegisterRoutes(s.GetApp())
	return s
}

func TestConvertStatus(t *testing.T) {
	s := newConvertTestServer(t, &fakeConvertRunner{})

	resp, body := do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/convert/status", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"running": true, "schedule": "*/5 * * * *"}`, string(body))
}

func TestConvertRun(t *testing.T) {
	runner := &fakeConvertRunner{results: []pipeline.Result{
		{JobID: "a", Path: "logs/a.log", Output: "converted/a.ndjson", Records: 2, Lines: 6, Bytes: 120, Duration: 15 * time.Millisecond},
		{JobID: "b", Path: "logs/b.log", Output: "converted/b.ndjson", Err: errors.New("line 4: expected at most 3 fields")},
	}}
	s := newConvertTestServer(t, runner)

	resp, out := post(t, s, "/api/v1/convert/run", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, out["files"])
	assert.EqualValues(t, 1, out["failed"])

	results := out["results"].([]any)
	first := results[0].(map[string]any)
	assert.Equal(t, "converted/a.ndjson", first["output"])
	assert.EqualValues(t, 2, first["records"])
	assert.EqualValues(t, 15, first["duration_ms"])
	assert.NotContains(t, first, "error")

	second := results[1].(map[string]any)
	assert.Contains(t, second["error"], "expected at most 3 fields")
}

func TestConvertRun_InProgress(t *testing.T) {
	s := newConvertTestServer(t, &fakeConvertRunner{err: scheduler.ErrRunInProgress})

	resp, out := post(t, s, "/api/v1/convert/run", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, scheduler.ErrRunInProgress.Error(), out["error"])
}

func TestConvertRun_Cancelled(t *testing.T) {
	runner := &fakeConvertRunner{
		results: []pipeline.Result{{Path: "logs/a.log", Err: context.Canceled}},
		err:     context.Canceled,
	}
	s := newConvertTestServer(t, runner)

	resp, out := post(t, s, "/api/v1/convert/run", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, context.Canceled.Error(), out["error"])
	assert.Len(t, out["results"], 1)
}

func TestConvertHistory(t *testing.T) {
	store, err := history.Open(":memory:", "ndjson", zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Record(context.Background(), []pipeline.Result{
		{JobID: "a", Path: "logs/a.log", Output: "converted/a.ndjson", Records: 2},
		{JobID: "b", Path: "logs/b.log", Err: errors.New("line 3: expected at most 4 fields")},
	}))

	s := newTestServer(t, nil, config.ParserConfig{})
	NewConvertHandler(&fakeConvertRunner{}, store, zerolog.Nop()).RegisterRoutes(s.GetApp())

	resp, body := do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/convert/history?status=failed", nil))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var out struct {
		Count int              `json:"count"`
		Stats map[string]int64 `json:"stats"`
		Jobs  []history.Job    `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, 1, out.Count)
	assert.Equal(t, "logs/b.log", out.Jobs[0].Path)
	assert.Equal(t, int64(1), out.Stats["success"])

	resp, _ = do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/convert/history?status=pending", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/convert/history?since=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConvertHistory_NotRegisteredWithoutStore(t *testing.T) {
	s := newConvertTestServer(t, &fakeConvertRunner{})

	resp, _ := do(t, s, httptest.NewRequest(http.MethodGet, "/api/v1/convert/history", nil))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
