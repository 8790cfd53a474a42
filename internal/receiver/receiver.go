// Package receiver is a stand-in remote for local runs and tests. It speaks
// the collection API the remote client talks to and keeps what it receives
// in memory.
package receiver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Options configures a Receiver.
type Options struct {
	// Collection is the name served by the lookup route. Default "records".
	Collection string
	// CollectionID is returned by the lookup; records are accepted under the
	// id and the name. Default is the name.
	CollectionID string
	// Token, when set, must be presented as a Bearer credential on create.
	Token string
	// FailEvery > 0 rejects every n-th create with a 500.
	FailEvery int
	Logger    *slog.Logger
}

// Record is one accepted create request.
type Record struct {
	ID         string    `json:"id"`
	Collection string    `json:"collection"`
	User       string    `json:"user"`
	Data       string    `json:"data"`
	Date       string    `json:"date"`
	ReceivedAt time.Time `json:"received_at"`
}

type createReq struct {
	User string `json:"user"`
	Data string `json:"data"`
	Date string `json:"date"`
}

type errorResp struct {
	Message string `json:"message"`
}

type Receiver struct {
	opts   Options
	logger *slog.Logger
	e      *echo.Echo

	mu       sync.Mutex
	attempts int
	records  []Record
}

func New(opts Options) *Receiver {
	if opts.Collection == "" {
		opts.Collection = "records"
	}
	if opts.CollectionID == "" {
		opts.CollectionID = opts.Collection
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Receiver{opts: opts, logger: opts.Logger.With("component", "receiver")}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.GET("/api/collections/:name", r.handleLookup)
	e.POST("/api/collections/:id/records", r.handleCreate)
	r.e = e
	return r
}

// Handler exposes the receiver for mounting or httptest.
func (r *Receiver) Handler() http.Handler { return r.e }

// Start listens on addr until Shutdown.
func (r *Receiver) Start(addr string) error {
	r.logger.Info("receiver listening", "addr", addr, "collection", r.opts.Collection, "fail_every", r.opts.FailEvery)
	if err := r.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (r *Receiver) Shutdown(ctx context.Context) error { return r.e.Shutdown(ctx) }

// Records returns a copy of everything accepted so far, in arrival order.
func (r *Receiver) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

func (r *Receiver) knows(collection string) bool {
	return collection == r.opts.Collection || collection == r.opts.CollectionID
}

func (r *Receiver) handleLookup(c echo.Context) error {
	if !r.knows(c.Param("name")) {
		return c.JSON(http.StatusNotFound, errorResp{Message: "collection not found"})
	}
	return c.JSON(http.StatusOK, map[string]string{"id": r.opts.CollectionID, "name": r.opts.Collection})
}

func (r *Receiver) handleCreate(c echo.Context) error {
	if r.opts.Token != "" {
		if c.Request().Header.Get(echo.HeaderAuthorization) != "Bearer "+r.opts.Token {
			return c.JSON(http.StatusUnauthorized, errorResp{Message: "invalid or missing token"})
		}
	}
	collection := c.Param("id")
	if !r.knows(collection) {
		return c.JSON(http.StatusNotFound, errorResp{Message: "collection not found"})
	}
	var req createReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResp{Message: "invalid request body"})
	}
	if req.User == "" {
		return c.JSON(http.StatusBadRequest, errorResp{Message: "user required"})
	}

	r.mu.Lock()
	r.attempts++
	if r.opts.FailEvery > 0 && r.attempts%r.opts.FailEvery == 0 {
		r.mu.Unlock()
		r.logger.Debug("injected failure", "user", req.User)
		return c.JSON(http.StatusInternalServerError, errorResp{Message: "injected failure"})
	}
	rec := Record{
		ID:         strings.ReplaceAll(uuid.NewString(), "-", "")[:15],
		Collection: collection,
		User:       req.User,
		Data:       req.Data,
		Date:       req.Date,
		ReceivedAt: time.Now().UTC(),
	}
	r.records = append(r.records, rec)
	r.mu.Unlock()

	r.logger.Info("record received", "id", rec.ID, "user", rec.User)
	return c.JSON(http.StatusOK, rec)
}
