package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/syncq/internal/orchestrator"
	"github.com/loykin/syncq/internal/progress"
	"github.com/loykin/syncq/internal/protocol"
	"github.com/loykin/syncq/internal/store"
	"github.com/loykin/syncq/internal/store/sqlite"
)

type fakeSyncer struct {
	mu         sync.Mutex
	startErr   error
	cancelErr  error
	run        orchestrator.Run
	state      orchestrator.State
	credential string
	background bool
	pending    int
}

func (f *fakeSyncer) StartSync(_ context.Context, credential string, _ ...orchestrator.StartOption) (orchestrator.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credential = credential
	return f.run, f.startErr
}

func (f *fakeSyncer) CancelSync(context.Context) (orchestrator.Run, error) {
	return f.run, f.cancelErr
}

func (f *fakeSyncer) ContinueInBackground(context.Context) (orchestrator.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return orchestrator.Run{}, f.cancelErr
	}
	f.background = true
	f.run.Background = true
	return f.run, nil
}

func (f *fakeSyncer) Snapshot() orchestrator.Run           { return f.run }
func (f *fakeSyncer) State() orchestrator.State            { return f.state }
func (f *fakeSyncer) Pending(context.Context) (int, error) { return f.pending, nil }

func setupRouter(t *testing.T, base string, syncer *fakeSyncer) (http.Handler, *sqlite.DB, *Broadcaster) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	events := NewBroadcaster(4)
	r := NewRouter(Options{
		Records: db,
		Syncer:  syncer,
		Events:  events,
		Token:   func() (string, error) { return "tok", nil },
		Owner:   "default-owner",
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "metrics") }),
	}, base)
	return r.Handler(), db, events
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRecordsCRUD(t *testing.T) {
	h, _, _ := setupRouter(t, "/api", &fakeSyncer{})

	rec := doReq(t, h, http.MethodPost, "/api/records", map[string]any{
		"owner":   "scout-7",
		"payload": map[string]any{"team": 254},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Positive(t, created.ID)

	rec = doReq(t, h, http.MethodPost, "/api/records", map[string]any{"payload": "plain"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/api/records", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []recordView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "scout-7", list[0].Owner)
	assert.JSONEq(t, `{"team":254}`, string(list[0].Payload))
	assert.False(t, list[0].Uploaded)
	assert.Equal(t, "default-owner", list[1].Owner)

	rec = doReq(t, h, http.MethodGet, "/api/records/"+itoa(created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodDelete, "/api/records/"+itoa(created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/api/records/"+itoa(created.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/api/records/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

func TestListPendingOnly(t *testing.T) {
	h, db, _ := setupRouter(t, "", &fakeSyncer{})
	ctx := context.Background()
	done, err := db.Add(ctx, store.Draft{Owner: "o", Payload: []byte("1")})
	require.NoError(t, err)
	_, err = db.Add(ctx, store.Draft{Owner: "o", Payload: []byte("2")})
	require.NoError(t, err)
	require.NoError(t, db.MarkUploaded(ctx, done))

	rec := doReq(t, h, http.MethodGet, "/records?pending=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []recordView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.JSONEq(t, "2", string(list[0].Payload))
}

func TestAddRecordRejectsBadJSON(t *testing.T) {
	h, _, _ := setupRouter(t, "", &fakeSyncer{})
	req := httptest.NewRequest(http.MethodPost, "/records", strings.NewReader("{nope"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartSyncResponses(t *testing.T) {
	run := orchestrator.Run{RunID: "r1", State: orchestrator.StateRunning, Total: 2}
	cases := []struct {
		name string
		err  error
		code int
		body string
	}{
		{"started", nil, http.StatusAccepted, `"run_id":"r1"`},
		{"empty", orchestrator.ErrNothingToSync, http.StatusOK, `"nothing_to_sync":true`},
		{"busy", orchestrator.ErrRunInProgress, http.StatusConflict, `"state":"running"`},
		{"timeout", orchestrator.ErrStartTimeout, http.StatusGatewayTimeout, `start_timeout`},
		{"other", errors.New("boom"), http.StatusInternalServerError, `sync_failed`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			syncer := &fakeSyncer{run: run, startErr: tc.err}
			h, _, _ := setupRouter(t, "/api", syncer)
			rec := doReq(t, h, http.MethodPost, "/api/sync/start", nil)
			assert.Equal(t, tc.code, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.body)
			assert.Equal(t, "tok", syncer.credential)
		})
	}
}

func TestCancelAndBackground(t *testing.T) {
	syncer := &fakeSyncer{run: orchestrator.Run{RunID: "r1", State: orchestrator.StateRunning}}
	h, _, _ := setupRouter(t, "", syncer)

	rec := doReq(t, h, http.MethodPost, "/sync/background", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"background":true`)
	assert.True(t, syncer.background)

	rec = doReq(t, h, http.MethodPost, "/sync/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	syncer.cancelErr = orchestrator.ErrNoActiveRun
	rec = doReq(t, h, http.MethodPost, "/sync/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/sync/background", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStatus(t *testing.T) {
	syncer := &fakeSyncer{state: orchestrator.StateIdle, pending: 3}
	h, _, _ := setupRouter(t, "/api", syncer)

	rec := doReq(t, h, http.MethodGet, "/api/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"state":"idle","pending":3}`, rec.Body.String())

	syncer.run = orchestrator.Run{
		RunID:    "r1",
		State:    orchestrator.StateFailed,
		Err:      orchestrator.ErrWorkerFailed,
		Failures: []protocol.RecordError{{ID: 4, Message: "bad"}},
	}
	syncer.state = orchestrator.StateFailed
	rec = doReq(t, h, http.MethodGet, "/api/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		State string `json:"state"`
		Run   struct {
			RunID    string                 `json:"run_id"`
			Error    string                 `json:"error"`
			Failures []protocol.RecordError `json:"failures"`
		} `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "failed", resp.State)
	assert.Equal(t, "r1", resp.Run.RunID)
	assert.Equal(t, orchestrator.ErrWorkerFailed.Error(), resp.Run.Error)
	assert.Equal(t, []protocol.RecordError{{ID: 4, Message: "bad"}}, resp.Run.Failures)
}

func TestHealthzAndMetrics(t *testing.T) {
	h, _, _ := setupRouter(t, "/api", &fakeSyncer{})
	rec := doReq(t, h, http.MethodGet, "/api/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "metrics", rec.Body.String())
}

func TestEventStream(t *testing.T) {
	h, _, events := setupRouter(t, "/api", &fakeSyncer{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/sync/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	require.Eventually(t, func() bool { return events.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	p := protocol.NewProgress("r1", 1, 3, "Record #1 by scout")
	events.Publish(progress.Notification{Kind: progress.KindProgress, Message: progress.ProgressText(p), Progress: &p})

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "event:progress", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "data:"))
	var n progress.Notification
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data:")), &n))
	assert.Equal(t, 33, n.Progress.Percentage)

	cancel()
	require.Eventually(t, func() bool { return events.Subscribers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestBroadcasterDropsForSlowSubscribers(t *testing.T) {
	b := NewBroadcaster(1)
	ch, unsubscribe := b.Subscribe()
	b.Publish(progress.Notification{Kind: progress.KindProgress, Message: "one"})
	b.Publish(progress.Notification{Kind: progress.KindProgress, Message: "two"})
	assert.Equal(t, "one", (<-ch).Message)
	select {
	case n := <-ch:
		t.Fatalf("unexpected notification %v", n)
	default:
	}
	unsubscribe()
	assert.Zero(t, b.Subscribers())
}

func TestBroadcasterKeepsTerminalNotifications(t *testing.T) {
	b := NewBroadcaster(2)
	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()
	b.Publish(progress.Notification{Kind: progress.KindProgress, Message: "one"})
	b.Publish(progress.Notification{Kind: progress.KindProgress, Message: "two"})
	b.Publish(progress.Notification{Kind: progress.KindCompleted, Message: "done"})

	assert.Equal(t, "two", (<-ch).Message)
	last := <-ch
	assert.Equal(t, progress.KindCompleted, last.Kind)
	assert.Equal(t, "done", last.Message)
	assert.Equal(t, 1, b.Subscribers())
}

func TestBroadcasterDisconnectsSubscriberFullOfTerminals(t *testing.T) {
	b := NewBroadcaster(1)
	ch, unsubscribe := b.Subscribe()
	b.Publish(progress.Notification{Kind: progress.KindCancelled, Message: "first run"})
	b.Publish(progress.Notification{Kind: progress.KindFailed, Message: "second run"})

	assert.Equal(t, "first run", (<-ch).Message)
	_, ok := <-ch
	assert.False(t, ok, "a subscriber that cannot take a terminal is disconnected")
	assert.Zero(t, b.Subscribers())
	unsubscribe()
}
