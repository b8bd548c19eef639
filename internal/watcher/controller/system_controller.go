package controller

import (
	"net/http"
	"sync"

	"fnwatcher/internal/watcher/lifecycle"
	"fnwatcher/internal/watcher/runner"
	"fnwatcher/pkg/utils/logger"
	"fnwatcher/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// SystemController serves liveness, stats and shutdown.
type SystemController struct {
	runner   *runner.Runner
	idle     *lifecycle.IdleTimer
	shutdown func()
	once     sync.Once
}

// NewSystemController creates a controller. idle may be nil; shutdown is
// called at most once.
func NewSystemController(r *runner.Runner, idle *lifecycle.IdleTimer, shutdown func()) *SystemController {
	return &SystemController{runner: r, idle: idle, shutdown: shutdown}
}

// Register mounts the system routes on group.
func (h *SystemController) Register(group *gin.RouterGroup) {
	group.Any("/alive", h.Alive)
	group.Any("/shutdown", only(h.Shutdown, http.MethodPost))
	group.GET("/stats", h.Stats)
}

func (h *SystemController) Alive(c *gin.Context) {
	if h.idle != nil {
		h.idle.Reset()
	}
	c.Status(http.StatusOK)
}

// Shutdown answers first and then starts a graceful shutdown.
func (h *SystemController) Shutdown(c *gin.Context) {
	c.Header("Connection", "close")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	if h.shutdown == nil {
		return
	}
	h.once.Do(func() {
		logger.Info(c.Request.Context(), "shutdown requested")
		go h.shutdown()
	})
}

// Stats returns the registry counters.
func (h *SystemController) Stats(c *gin.Context) {
	response.Success(c, h.runner.Stats())
}
