// Package lifecycle shuts the watcher down after a period without requests.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"fnwatcher/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// IdleTimer calls onIdle once no request has been seen for timeout.
// A zero timeout disables it.
type IdleTimer struct {
	timeout time.Duration
	onIdle  func()
	busy    func() bool

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	fired   bool
}

// NewIdleTimer creates a stopped timer. busy may be nil; when it reports
// true at expiry the timer re-arms instead of firing.
func NewIdleTimer(timeout time.Duration, busy func() bool, onIdle func()) *IdleTimer {
	return &IdleTimer{timeout: timeout, busy: busy, onIdle: onIdle}
}

// Enabled reports whether the timer can ever fire.
func (t *IdleTimer) Enabled() bool {
	return t.timeout > 0
}

// Start arms the timer.
func (t *IdleTimer) Start() {
	t.Reset()
}

// Reset postpones the expiry by a full timeout.
func (t *IdleTimer) Reset() {
	if !t.Enabled() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.fired {
		return
	}
	if t.timer == nil {
		t.timer = time.AfterFunc(t.timeout, t.expire)
		return
	}
	t.timer.Reset(t.timeout)
}

// Stop disarms the timer for good.
func (t *IdleTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *IdleTimer) expire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	if t.busy != nil && t.busy() {
		t.timer.Reset(t.timeout)
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.mu.Unlock()

	logger.Info(context.Background(), "idle timeout reached", zap.Duration("timeout", t.timeout))
	if t.onIdle != nil {
		t.onIdle()
	}
}

// Middleware resets the timer on every request.
func (t *IdleTimer) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		t.Reset()
		c.Next()
	}
}
