package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mirrorstream/internal/platform/metrics"
)

// DefaultConnectionTimeout is how long a session may go without a successful
// ValidateAccess before the sweep reclaims it.
const DefaultConnectionTimeout = 300 * time.Second

// DefaultSweepInterval is how often the background sweep checks for an
// abandoned session.
const DefaultSweepInterval = 60 * time.Second

// streamSession is the single exclusive viewer session. Zero or one exists at
// any time.
type streamSession struct {
	key            string
	connectedAt    time.Time
	lastAccessedAt time.Time
}

// AccessController arbitrates the single live-viewer lock. All mutation is
// serialized behind one mutex; independent components never share it.
type AccessController struct {
	mu      sync.Mutex
	session *streamSession

	timeout       time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	log *slog.Logger
	met *metrics.Metrics
}

// NewAccessController returns a controller with the given inactivity timeout.
// If timeout <= 0, DefaultConnectionTimeout is used. Metrics may be nil to
// disable metric recording (e.g. in tests).
func NewAccessController(timeout time.Duration, log *slog.Logger, met *metrics.Metrics) *AccessController {
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	return &AccessController{
		timeout:       timeout,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		log:           log,
		met:           met,
	}
}

// RequestAccess creates a new viewer session and returns its key. It fails
// with ErrStreamInUse while a session exists whose last access is within the
// connection timeout. An expired session is replaced in the same call.
func (c *AccessController) RequestAccess() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.session != nil && now.Sub(c.session.lastAccessedAt) < c.timeout {
		return "", ErrStreamInUse
	}

	c.session = &streamSession{
		key:            uuid.NewString(),
		connectedAt:    now,
		lastAccessedAt: now,
	}
	if c.met != nil {
		c.met.SetSessionActive(true)
	}
	c.log.Info("viewer session created", slog.Time("connected_at", now))
	return c.session.key, nil
}

// ValidateAccess reports whether key matches the current session. On a match
// the session's last-access clock is refreshed (sliding expiry).
func (c *AccessController) ValidateAccess(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil || c.session.key != key {
		return false
	}
	now := c.now()
	if now.Sub(c.session.lastAccessedAt) >= c.timeout {
		c.clearLocked("expired")
		return false
	}
	c.session.lastAccessedAt = now
	return true
}

// ReleaseAccess clears the session if key matches; otherwise it is a no-op.
func (c *AccessController) ReleaseAccess(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && c.session.key == key {
		c.clearLocked("released")
	}
}

// Status returns a snapshot of the controller's state.
func (c *AccessController) Status() SessionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return SessionStatus{}
	}
	connected := c.session.connectedAt
	accessed := c.session.lastAccessedAt
	return SessionStatus{
		Connected:      true,
		ConnectedAt:    &connected,
		LastAccessedAt: &accessed,
	}
}

// Start launches the periodic timeout sweep. The goroutine exits when ctx is
// cancelled; the sweep is the only path that reclaims an abandoned session
// without an explicit release.
func (c *AccessController) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

func (c *AccessController) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && c.now().Sub(c.session.lastAccessedAt) >= c.timeout {
		c.clearLocked("timed out")
	}
}

// clearLocked drops the session. Caller must hold c.mu.
func (c *AccessController) clearLocked(reason string) {
	c.session = nil
	if c.met != nil {
		c.met.SetSessionActive(false)
	}
	c.log.Info("viewer session cleared", slog.String("reason", reason))
}
