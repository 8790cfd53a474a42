package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/syncq/internal/orchestrator"
	"github.com/loykin/syncq/internal/protocol"
	"github.com/loykin/syncq/internal/store"
)

// Records is the record store surface exposed over HTTP.
type Records interface {
	Add(ctx context.Context, d store.Draft) (int64, error)
	List(ctx context.Context) ([]store.Record, error)
	Get(ctx context.Context, id int64) (store.Record, error)
	Delete(ctx context.Context, id int64) error
}

// Syncer drives sync runs.
type Syncer interface {
	StartSync(ctx context.Context, credential string, opts ...orchestrator.StartOption) (orchestrator.Run, error)
	CancelSync(ctx context.Context) (orchestrator.Run, error)
	ContinueInBackground(ctx context.Context) (orchestrator.Run, error)
	Snapshot() orchestrator.Run
	State() orchestrator.State
	Pending(ctx context.Context) (int, error)
}

// Options wires the router to the rest of the program. Records and Syncer
// are required.
type Options struct {
	Records Records
	Syncer  Syncer
	Events  *Broadcaster
	// Token yields the credential for a new run.
	Token func() (string, error)
	// Owner is used for records posted without one.
	Owner   string
	Metrics http.Handler
	Logger  *slog.Logger
}

// Router provides embeddable HTTP handlers for records and sync control.
// Endpoints (relative to basePath):
//
//	POST   /records            body: {owner, payload, captured_at}
//	GET    /records            query: pending=true, offset, limit
//	GET    /records/:id
//	DELETE /records/:id
//	POST   /sync/start         query: background=true
//	POST   /sync/cancel
//	POST   /sync/background
//	GET    /sync/status
//	GET    /sync/events        text/event-stream
//	GET    /healthz
type Router struct {
	opts     Options
	basePath string
	logger   *slog.Logger
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(opts Options, basePath string) *Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Events == nil {
		opts.Events = NewBroadcaster(0)
	}
	return &Router{opts: opts, basePath: sanitizeBase(basePath), logger: opts.Logger.With("component", "server")}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/records", r.handleAddRecord)
	group.GET("/records", r.handleListRecords)
	group.GET("/records/:id", r.handleGetRecord)
	group.DELETE("/records/:id", r.handleDeleteRecord)
	group.POST("/sync/start", r.handleStartSync)
	group.POST("/sync/cancel", r.handleCancelSync)
	group.POST("/sync/background", r.handleBackground)
	group.GET("/sync/status", r.handleStatus)
	group.GET("/sync/events", r.handleEvents)
	group.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, okResp{OK: true}) })
	if r.opts.Metrics != nil {
		g.GET("/metrics", gin.WrapH(r.opts.Metrics))
	}
	return g
}

// NewServer returns an http.Server for h. The caller owns ListenAndServe and
// Shutdown. There is no write timeout: the event stream is long-lived.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// --- Handlers ---

type okResp struct {
	OK bool `json:"ok"`
}

type addRecordReq struct {
	Owner      string          `json:"owner"`
	Payload    json.RawMessage `json:"payload"`
	CapturedAt *time.Time      `json:"captured_at,omitempty"`
}

type recordView struct {
	ID         int64           `json:"id"`
	Owner      string          `json:"owner"`
	Payload    json.RawMessage `json:"payload"`
	CapturedAt time.Time       `json:"captured_at"`
	Uploaded   bool            `json:"uploaded"`
	UploadedAt *time.Time      `json:"uploaded_at,omitempty"`
}

func newRecordView(rec store.Record) recordView {
	v := recordView{ID: rec.ID, Owner: rec.Owner, CapturedAt: rec.CapturedAt, Uploaded: rec.Uploaded}
	if json.Valid(rec.Payload) {
		v.Payload = json.RawMessage(rec.Payload)
	} else {
		// opaque payloads are returned as a JSON string
		b, _ := json.Marshal(string(rec.Payload))
		v.Payload = b
	}
	if rec.UploadedAt.Valid {
		t := rec.UploadedAt.Time
		v.UploadedAt = &t
	}
	return v
}

type runView struct {
	orchestrator.Run
	Error string `json:"error,omitempty"`
}

func newRunView(run orchestrator.Run) runView {
	if run.Failures == nil {
		run.Failures = []protocol.RecordError{}
	}
	return runView{Run: run, Error: run.ErrorString()}
}

type statusResp struct {
	State   orchestrator.State `json:"state"`
	Pending int                `json:"pending"`
	Run     *runView           `json:"run,omitempty"`
}

func (r *Router) handleAddRecord(c *gin.Context) {
	var req addRecordReq
	if err := c.ShouldBindJSON(&req); err != nil {
		handleBindingError(c, err)
		return
	}
	d := store.Draft{Owner: req.Owner, Payload: []byte(req.Payload)}
	if d.Owner == "" {
		d.Owner = r.opts.Owner
	}
	if d.Owner == "" {
		respondError(c, http.StatusBadRequest, "invalid_request", "owner required")
		return
	}
	if req.CapturedAt != nil {
		d.CapturedAt = *req.CapturedAt
	}
	id, err := r.opts.Records.Add(c.Request.Context(), d)
	if err != nil {
		r.storeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (r *Router) handleListRecords(c *gin.Context) {
	page, err := parsePaginationParams(c)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	pendingOnly, _ := strconv.ParseBool(c.DefaultQuery("pending", "false"))

	recs, err := r.opts.Records.List(c.Request.Context())
	if err != nil {
		r.storeError(c, err)
		return
	}
	out := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		if pendingOnly && rec.Uploaded {
			continue
		}
		out = append(out, newRecordView(rec))
	}
	c.JSON(http.StatusOK, page.apply(out))
}

func (r *Router) handleGetRecord(c *gin.Context) {
	id, ok := recordID(c)
	if !ok {
		return
	}
	rec, err := r.opts.Records.Get(c.Request.Context(), id)
	if err != nil {
		r.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newRecordView(rec))
}

func (r *Router) handleDeleteRecord(c *gin.Context) {
	id, ok := recordID(c)
	if !ok {
		return
	}
	if err := r.opts.Records.Delete(c.Request.Context(), id); err != nil {
		r.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStartSync(c *gin.Context) {
	credential := ""
	if r.opts.Token != nil {
		tok, err := r.opts.Token()
		if err != nil {
			respondError(c, http.StatusInternalServerError, "credential_unavailable", err.Error())
			return
		}
		credential = tok
	}
	var opts []orchestrator.StartOption
	if bg, _ := strconv.ParseBool(c.DefaultQuery("background", "false")); bg {
		opts = append(opts, orchestrator.InBackground())
	}

	run, err := r.opts.Syncer.StartSync(c.Request.Context(), credential, opts...)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, newRunView(run))
	case errors.Is(err, orchestrator.ErrNothingToSync):
		c.JSON(http.StatusOK, gin.H{"nothing_to_sync": true})
	case errors.Is(err, orchestrator.ErrRunInProgress):
		c.JSON(http.StatusConflict, newRunView(run))
	case errors.Is(err, orchestrator.ErrStartTimeout):
		respondError(c, http.StatusGatewayTimeout, "start_timeout", err.Error())
	case errors.Is(err, store.ErrPersistence):
		r.storeError(c, err)
	default:
		r.logger.Error("start sync failed", "error", err)
		respondError(c, http.StatusInternalServerError, "sync_failed", err.Error())
	}
}

func (r *Router) handleCancelSync(c *gin.Context) {
	run, err := r.opts.Syncer.CancelSync(c.Request.Context())
	r.respondRun(c, run, err)
}

func (r *Router) handleBackground(c *gin.Context) {
	run, err := r.opts.Syncer.ContinueInBackground(c.Request.Context())
	r.respondRun(c, run, err)
}

func (r *Router) respondRun(c *gin.Context, run orchestrator.Run, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, newRunView(run))
	case errors.Is(err, orchestrator.ErrNoActiveRun):
		respondError(c, http.StatusConflict, "no_active_run", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "sync_failed", err.Error())
	}
}

func (r *Router) handleStatus(c *gin.Context) {
	pending, err := r.opts.Syncer.Pending(c.Request.Context())
	if err != nil {
		r.storeError(c, err)
		return
	}
	resp := statusResp{State: r.opts.Syncer.State(), Pending: pending}
	if run := r.opts.Syncer.Snapshot(); run.RunID != "" {
		v := newRunView(run)
		resp.Run = &v
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleEvents(c *gin.Context) {
	events, unsubscribe := r.opts.Events.Subscribe()
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	ctx := c.Request.Context()
	c.Stream(func(_ io.Writer) bool {
		select {
		case n, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(string(n.Kind), n)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (r *Router) storeError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(c, http.StatusNotFound, "not_found", err.Error())
		return
	}
	r.logger.Error("record store failure", "error", err)
	respondError(c, http.StatusInternalServerError, "store_failure", err.Error())
}

func recordID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "invalid_request", "id must be a positive integer")
		return 0, false
	}
	return id, true
}
