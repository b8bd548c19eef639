package controller

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"fnwatcher/internal/watcher/pipe"
	"fnwatcher/internal/watcher/repository"
	"fnwatcher/internal/watcher/run"
	"fnwatcher/internal/watcher/runner"
	pkgerrors "fnwatcher/pkg/errors"
	"fnwatcher/pkg/utils/logger"
	"fnwatcher/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	HeaderRunID   = "X-Run-Id"
	TrailerResult = "X-Result"
	TrailerError  = "X-Error"

	defaultWatchInterval = 500 * time.Millisecond
	watchWriteTimeout    = 5 * time.Second
)

// StatusStore keeps the final status of runs that are no longer registered.
type StatusStore interface {
	Get(ctx context.Context, runID string) (repository.FinalStatus, error)
	Delete(ctx context.Context, runID string) error
}

// RunController serves the async and sync run protocols.
type RunController struct {
	runner        *runner.Runner
	finished      StatusStore
	maxInputSize  int64
	watchInterval time.Duration
	upgrader      websocket.Upgrader
}

// NewRunController creates a controller. finished may be nil.
func NewRunController(r *runner.Runner, finished StatusStore, maxInputSize int64, watchInterval time.Duration) *RunController {
	if watchInterval <= 0 {
		watchInterval = defaultWatchInterval
	}
	return &RunController{
		runner:        r,
		finished:      finished,
		maxInputSize:  maxInputSize,
		watchInterval: watchInterval,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Register mounts the run routes on group.
func (h *RunController) Register(group *gin.RouterGroup) {
	group.Any("/async", only(h.AsyncRun, http.MethodPost))
	group.Any("/sync", only(h.SyncRun, http.MethodPost))
	group.Any("/:runID/kill", only(h.Kill, http.MethodGet, http.MethodPost))
	group.Any("/:runID/status", only(h.Status, http.MethodGet))
	group.Any("/:runID/delete", only(h.Delete, http.MethodDelete, http.MethodPost))
	group.Any("/:runID/result/output", only(h.ResultOutput, http.MethodGet))
	group.Any("/:runID/result/info", only(h.ResultInfo, http.MethodGet))
	group.GET("/:runID/watch", h.Watch)
}

// only rejects every method outside methods.
func only(next gin.HandlerFunc, methods ...string) gin.HandlerFunc {
	allowed := strings.Join(methods, " and ")
	return func(c *gin.Context) {
		for _, m := range methods {
			if c.Request.Method == m {
				next(c)
				return
			}
		}
		c.Header("Allow", strings.Join(methods, ", "))
		response.MethodNotAllowed(c, allowed)
	}
}

// AsyncRun stores the request body as the run input and starts the run.
func (h *RunController) AsyncRun(c *gin.Context) {
	runID := strings.TrimSpace(c.GetHeader(HeaderRunID))
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx := logger.WithRunID(c.Request.Context(), runID)

	rn, err := h.runner.CreateRun(runID)
	if err != nil {
		response.Error(c, err)
		return
	}

	n, err := rn.Files().WriteFrom(run.RoleIn, c.Request.Body, h.maxInputSize)
	if err != nil {
		if _, rmErr := h.runner.RemoveRun(ctx, runID); rmErr != nil {
			logger.Warn(ctx, "release run after failed upload", zap.Error(rmErr))
		}
		if errors.Is(err, run.ErrTooLarge) {
			response.Error(c, pkgerrors.Newf(pkgerrors.InputTooLarge, "Input size exceeded: %d", h.maxInputSize))
			return
		}
		response.Error(c, pkgerrors.InternalError(err))
		return
	}
	logger.Info(ctx, "run input stored", zap.Int64("bytes", n))

	startTime, err := rn.Start(nil)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"startTime": startTime, "runID": runID})
}

// SyncRun feeds the request body to the handler and streams its combined
// output back. The outcome is carried by the X-Result and X-Error trailers.
func (h *RunController) SyncRun(c *gin.Context) {
	runID := strings.TrimSpace(c.GetHeader(HeaderRunID))
	if runID == "" {
		response.Error(c, pkgerrors.New(pkgerrors.MissingHeaderRunID))
		return
	}
	ctx := logger.WithRunID(c.Request.Context(), runID)

	rn, err := h.runner.CreateRun(runID)
	if err != nil {
		response.Error(c, err)
		return
	}

	// the handler reads the body while the response is being written
	if err := http.NewResponseController(c.Writer).EnableFullDuplex(); err != nil {
		logger.Debug(ctx, "full duplex unavailable", zap.Error(err))
	}
	c.Header("Trailer", TrailerResult+", "+TrailerError)
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()

	if _, err := rn.Start(&run.IO{In: c.Request.Body, Out: pipe.NewFlushing(c.Writer)}); err != nil {
		setOutcome(c, run.StatusError, pkgerrors.Describe(err))
		return
	}

	select {
	case <-rn.Done():
	case <-c.Request.Context().Done():
		logger.Warn(ctx, "client went away, killing run")
		rn.Kill()
		<-rn.Done()
	}

	snap, err := rn.Status()
	if err != nil {
		setOutcome(c, run.StatusError, pkgerrors.Describe(err))
		return
	}
	setOutcome(c, snap.Status, snap.Error)
}

func setOutcome(c *gin.Context, status run.Status, desc string) {
	c.Writer.Header().Set(TrailerResult, string(status))
	c.Writer.Header().Set(TrailerError, desc)
}

// Kill terminates a run.
func (h *RunController) Kill(c *gin.Context) {
	rn, ok := h.lookup(c)
	if !ok {
		return
	}
	rn.Kill()
	response.Success(c, gin.H{"killedRun": rn.ID()})
}

// Status returns the polling view of a run. fields=out,err adds the live
// output tails. Removed runs are answered from the final-status store.
func (h *RunController) Status(c *gin.Context) {
	runID := c.Param("runID")
	var fields []string
	if raw := c.Query("fields"); raw != "" {
		for _, f := range strings.Split(raw, ",") {
			if f = strings.TrimSpace(f); f != "" {
				fields = append(fields, f)
			}
		}
	}

	if rn := h.runner.GetRun(runID); rn != nil {
		snap, err := rn.Status(fields...)
		if err != nil {
			response.Error(c, err)
			return
		}
		response.Success(c, snap)
		return
	}
	if h.finished == nil {
		response.Error(c, pkgerrors.NoSuchRunError(runID))
		return
	}
	final, err := h.finished.Get(c.Request.Context(), runID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, final.Snapshot())
}

// Delete removes a run with all its artifacts.
func (h *RunController) Delete(c *gin.Context) {
	runID := c.Param("runID")
	removed, err := h.runner.RemoveRun(c.Request.Context(), runID)
	if removed == nil {
		response.Error(c, pkgerrors.NoSuchRunError(runID))
		return
	}
	if err != nil {
		response.Error(c, pkgerrors.InternalError(err))
		return
	}
	if h.finished != nil {
		if err := h.finished.Delete(c.Request.Context(), runID); err != nil {
			logger.Warn(logger.WithRunID(c.Request.Context(), runID), "drop final status failed", zap.Error(err))
		}
	}
	response.Success(c, gin.H{"deletedRun": runID})
}

// ResultOutput streams the combined output artifact of a finished run.
func (h *RunController) ResultOutput(c *gin.Context) {
	rn, ok := h.lookup(c)
	if !ok {
		return
	}
	h.sendArtifact(c, rn.OpenOutput)
}

// ResultInfo streams the report of a finished run.
func (h *RunController) ResultInfo(c *gin.Context) {
	rn, ok := h.lookup(c)
	if !ok {
		return
	}
	h.sendArtifact(c, rn.OpenReport)
}

func (h *RunController) sendArtifact(c *gin.Context, open func() (io.ReadCloser, error)) {
	src, err := open()
	if err != nil {
		response.Error(c, err)
		return
	}
	defer src.Close()

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	if _, err := pipe.Relay(c.Writer, src); err != nil {
		logger.Error(c.Request.Context(), "send artifact failed", zap.Error(err))
	}
}

// Watch pushes the status of a run over a websocket until it is terminal.
func (h *RunController) Watch(c *gin.Context) {
	rn, ok := h.lookup(c)
	if !ok {
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	ctx := logger.WithRunID(c.Request.Context(), rn.ID())

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.watchInterval)
	defer ticker.Stop()
	for {
		snap, err := rn.Status(run.FieldOut, run.FieldErr)
		if err != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, pkgerrors.Describe(err))
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(watchWriteTimeout))
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
		if err := conn.WriteJSON(snap); err != nil {
			logger.Debug(ctx, "watch write failed", zap.Error(err))
			return
		}
		if snap.Status.Terminal() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(snap.Status))
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(watchWriteTimeout))
			return
		}

		select {
		case <-ticker.C:
		case <-rn.Done():
		case <-closed:
			return
		}
	}
}

func (h *RunController) lookup(c *gin.Context) (*run.Run, bool) {
	runID := c.Param("runID")
	rn := h.runner.GetRun(runID)
	if rn == nil {
		response.Error(c, pkgerrors.NoSuchRunError(runID))
		return nil, false
	}
	return rn, true
}
