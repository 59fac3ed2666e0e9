package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ffedit/config"
	"ffedit/export"
	"ffedit/ffmpeg"
	"ffedit/progress"
	"ffedit/task"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockProber struct{}

func (mockProber) Probe(ctx context.Context, path string) (ffmpeg.MediaInfo, error) {
	return ffmpeg.MediaInfo{Duration: 100, HasVideo: true, HasAudio: true}, nil
}

// mockTranscoder writes the output and reports done once gate is closed.
type mockTranscoder struct {
	gate chan struct{}
}

type session struct {
	ticks chan ffmpeg.Tick
	done  chan struct{}
	err   error
}

func (s *session) Ticks() <-chan ffmpeg.Tick { return s.ticks }

func (s *session) Wait() error {
	<-s.done
	return s.err
}

func (m *mockTranscoder) Transcode(ctx context.Context, req ffmpeg.Request) ffmpeg.Session {
	s := &session{ticks: make(chan ffmpeg.Tick), done: make(chan struct{})}
	go func() {
		defer close(s.done)
		defer close(s.ticks)
		_ = os.WriteFile(req.OutputPath, []byte("encoded"), 0o644)
		select {
		case <-m.gate:
		case <-ctx.Done():
			s.err = ctx.Err()
			return
		}
		select {
		case s.ticks <- ffmpeg.Tick{Percent: 100}:
		case <-ctx.Done():
			s.err = ctx.Err()
		}
	}()
	return s
}

type testEnv struct {
	router *gin.Engine
	cfg    *config.Config
	store  *task.Store
	hub    *progress.Hub
	exp    *export.Exporter
	gate   chan struct{}
	src    string
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger, _ := test.NewNullLogger()

	dir := t.TempDir()
	src := filepath.Join(dir, "source.mp4")
	require.NoError(t, os.WriteFile(src, []byte("media"), 0o644))
	cfg := &config.Config{
		OutputDir:           dir,
		OutputLocalLifetime: time.Hour,
		MaxRetries:          3,
		AuthEnable:          false,
	}

	store := task.NewStore(task.Options{Logger: logger})
	hub := progress.NewHub(16)
	gate := make(chan struct{})
	exp := export.New(cfg, store, hub, mockProber{}, &mockTranscoder{gate: gate}, logger)
	t.Cleanup(func() { _ = exp.Shutdown(context.Background()) })

	h := NewHandler(exp, store, hub, cfg, logger)
	return &testEnv{router: SetupRouter(h), cfg: cfg, store: store, hub: hub, exp: exp, gate: gate, src: src}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) waitStatus(t *testing.T, id string, want task.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, _ := e.store.Status(id)
		return st == want
	}, 2*time.Second, 5*time.Millisecond)
}

func (e *testEnv) startExport(t *testing.T) string {
	t.Helper()
	w := e.do("POST", "/api/v1/exports", `{"sourceFile": "`+e.src+`", "cutRegions": [{"start": 10, "end": 20}]}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["jobId"])
	return resp["jobId"]
}

func TestHealth(t *testing.T) {
	env := setupTestRouter(t)
	w := env.do("GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestHandleStartExport_AndStatus(t *testing.T) {
	env := setupTestRouter(t)
	id := env.startExport(t)
	close(env.gate)
	env.waitStatus(t, id, task.StatusCompleted)

	w := env.do("GET", "/api/v1/exports/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		ID       string  `json:"id"`
		Status   string  `json:"status"`
		Progress float64 `json:"progress"`
		Result   struct {
			OutputURL string `json:"outputUrl"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, 100.0, got.Progress)
	assert.Equal(t, "http://example.com/api/v1/files/"+id+".mp4", got.Result.OutputURL)

	w = env.do("GET", "/api/v1/files/"+id+".mp4", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "encoded", w.Body.String())
}

func TestHandleStartExport_Errors(t *testing.T) {
	env := setupTestRouter(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", `{`, http.StatusBadRequest},
		{"missing source", `{"cutRegions": []}`, http.StatusBadRequest},
		{"no such file", `{"sourceFile": "/nope/missing.mp4"}`, http.StatusBadRequest},
		{"bad preset", `{"sourceFile": "` + env.src + `", "format": "avi"}`, http.StatusBadRequest},
		{"bad cut", `{"sourceFile": "` + env.src + `", "cutRegions": [{"start": 5, "end": 2}]}`, http.StatusBadRequest},
		{"cuts consume source", `{"sourceFile": "` + env.src + `", "duration": 100, "cutRegions": [{"start": 0, "end": 100}]}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do("POST", "/api/v1/exports", tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), "error")
		})
	}
}

func TestHandleCancelAndRetry(t *testing.T) {
	env := setupTestRouter(t)
	id := env.startExport(t)
	env.waitStatus(t, id, task.StatusProcessing)

	w := env.do("PATCH", "/api/v1/exports/"+id+"/cancel", "")
	assert.Equal(t, http.StatusOK, w.Code)
	st, _ := env.store.Status(id)
	assert.Equal(t, task.StatusCancelled, st)

	w = env.do("PATCH", "/api/v1/exports/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do("POST", "/api/v1/jobs/"+id+"/retry", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do("PATCH", "/api/v1/jobs/unknown/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do("GET", "/api/v1/exports/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleJobsGenericStore(t *testing.T) {
	env := setupTestRouter(t)
	tr := env.store.Create(task.TypeTranscription, nil, 1)
	_, err := env.store.Update(tr.ID, task.Update{Status: task.StatusPtr(task.StatusFailed), Error: task.String("provider timeout")})
	require.NoError(t, err)
	env.store.Create(task.TypeThumbnail, nil, 0)

	w := env.do("GET", "/api/v1/jobs?type=transcription", "")
	require.Equal(t, http.StatusOK, w.Code)
	var jobs []task.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "provider timeout", jobs[0].Error)

	w = env.do("POST", "/api/v1/jobs/"+tr.ID+"/retry", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	w = env.do("POST", "/api/v1/jobs/"+tr.ID+"/retry", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do("GET", "/api/v1/jobs?status=pending", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jobs))
	assert.Len(t, jobs, 2)

	w = env.do("PATCH", "/api/v1/jobs/"+tr.ID+"/cancel", "")
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do("GET", "/api/v1/jobs/"+tr.ID, "")
	assert.Contains(t, w.Body.String(), `"status":"cancelled"`)
}

func TestHandlePlan(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do("POST", "/api/v1/plan", `{"duration": 100, "cuts": [{"start": 10, "end": 20}, {"start": 18, "end": 25}]}`)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Merged []map[string]float64 `json:"merged"`
		Keep   []map[string]float64 `json:"keep"`
		Plan   struct {
			Concat         bool    `json:"concat"`
			OutputDuration float64 `json:"outputDuration"`
		} `json:"plan"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, []map[string]float64{{"start": 10, "end": 25}}, got.Merged)
	assert.Equal(t, []map[string]float64{{"start": 0, "end": 10}, {"start": 25, "end": 100}}, got.Keep)
	assert.True(t, got.Plan.Concat)
	assert.Equal(t, 85.0, got.Plan.OutputDuration)

	w = env.do("POST", "/api/v1/plan", `{"duration": 100, "cuts": [{"start": 0, "end": 100}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	w = env.do("POST", "/api/v1/plan", `{"cuts": []}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleApplyCuts(t *testing.T) {
	env := setupTestRouter(t)
	body := `{
		"tracks": [{"id": "v1", "kind": "video", "clips": [
			{"id": "c1", "mediaId": "m1", "startTime": 0, "duration": 100, "sourceStart": 0, "sourceEnd": 100}
		]}],
		"cuts": [{"start": 40, "end": 50}],
		"words": [{"text": "um", "start": 90, "end": 95, "deleted": true}, {"text": "ok", "start": 95, "end": 96}]
	}`
	w := env.do("POST", "/api/v1/timeline/cuts", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got struct {
		Duration float64 `json:"duration"`
		Tracks   []struct {
			Clips []struct {
				StartTime float64 `json:"startTime"`
				Duration  float64 `json:"duration"`
			} `json:"clips"`
		} `json:"tracks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.InDelta(t, 85, got.Duration, 1e-9)
	require.Len(t, got.Tracks, 1)
	require.Len(t, got.Tracks[0].Clips, 3)
	assert.InDelta(t, 40, got.Tracks[0].Clips[0].Duration, 1e-9)
	assert.InDelta(t, 40, got.Tracks[0].Clips[1].StartTime, 1e-9)

	w = env.do("POST", "/api/v1/timeline/cuts", `{"tracks": [], "cuts": [{"start": 9, "end": 3}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetFile_RejectsTraversal(t *testing.T) {
	env := setupTestRouter(t)
	w := env.do("GET", "/api/v1/files/..%2Fsecret", "")
	assert.NotEqual(t, http.StatusOK, w.Code)
	w = env.do("GET", "/api/v1/files/missing.mp4", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func readEvents(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var kinds []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		if kind, ok := strings.CutPrefix(sc.Text(), "event:"); ok {
			kinds = append(kinds, strings.TrimSpace(kind))
		}
	}
	return kinds
}

func TestHandleExportEvents_StreamsUntilComplete(t *testing.T) {
	env := setupTestRouter(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	id := env.startExport(t)
	env.waitStatus(t, id, task.StatusProcessing)

	resp, err := http.Get(srv.URL + "/api/v1/exports/" + id + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.hub.Subscribers(id) == 1 }, 2*time.Second, 5*time.Millisecond)
	close(env.gate)

	kinds := readEvents(t, resp)
	require.NotEmpty(t, kinds)
	assert.Equal(t, "progress", kinds[0])
	assert.Equal(t, "complete", kinds[len(kinds)-1])
	assert.Equal(t, 0, env.hub.Subscribers(id))
}

func TestHandleExportEvents_FinishedAndCancelled(t *testing.T) {
	env := setupTestRouter(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	t.Run("already finished job sends one terminal event", func(t *testing.T) {
		j := env.store.Create(task.TypeTranscription, nil, 1)
		_, err := env.store.Update(j.ID, task.Update{Status: task.StatusPtr(task.StatusFailed), Error: task.String("boom")})
		require.NoError(t, err)

		resp, err := http.Get(srv.URL + "/api/v1/exports/" + j.ID + "/events")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, []string{"error"}, readEvents(t, resp))
	})

	t.Run("cancel ends the stream", func(t *testing.T) {
		id := env.startExport(t)
		env.waitStatus(t, id, task.StatusProcessing)

		resp, err := http.Get(srv.URL + "/api/v1/exports/" + id + "/events")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Eventually(t, func() bool { return env.hub.Subscribers(id) == 1 }, 2*time.Second, 5*time.Millisecond)

		_, err = env.exp.CancelExport(id)
		require.NoError(t, err)
		kinds := readEvents(t, resp)
		require.NotEmpty(t, kinds)
		assert.Equal(t, "progress", kinds[0])
		assert.Equal(t, "error", kinds[len(kinds)-1])
		assert.NotContains(t, kinds, "complete")
	})

	t.Run("unknown job", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/api/v1/exports/unknown/events")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestAuthMiddleware(t *testing.T) {
	env := setupTestRouter(t)
	env.cfg.AuthEnable = true
	env.cfg.AuthKey = "secret"

	w := env.do("GET", "/api/v1/jobs", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req, _ := http.NewRequest("GET", "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req.Header.Set("Authorization", "Bearer secret")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do("GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
