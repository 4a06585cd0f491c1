package office

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/roundtrip/pkg/doctype"
	"github.com/3leaps/roundtrip/pkg/proc"
)

// State is the lifecycle state of a Controller.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Restarting
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Restarting:
		return "restarting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// RestartPolicy selects when a failed open leads to a restart.
type RestartPolicy string

const (
	// RestartAlways restarts after every failed or timed-out open.
	RestartAlways RestartPolicy = "always"

	// RestartOnUnhealthy restarts after a timeout, or after a rejection
	// when the instance no longer answers a ping.
	RestartOnUnhealthy RestartPolicy = "on-unhealthy"
)

// Config configures a Controller.
type Config struct {
	// StartAttempts bounds the launch attempts of Start and Restart.
	// Default: 3
	StartAttempts int

	// StartBackoff is slept after a failed launch, before stray
	// instances are force-killed and the launch is retried.
	// Default: 10s
	StartBackoff time.Duration

	// QuitTimeout bounds a graceful quit before force-kill.
	// Default: 10s
	QuitTimeout time.Duration

	// PingTimeout bounds the health check used by RestartOnUnhealthy.
	// Default: 5s
	PingTimeout time.Duration

	// Policy decides when Recover restarts.
	// Default: RestartAlways
	Policy RestartPolicy

	// Open are the options passed to every open.
	Open OpenOptions
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		StartAttempts: 3,
		StartBackoff:  10 * time.Second,
		QuitTimeout:   10 * time.Second,
		PingTimeout:   5 * time.Second,
		Policy:        RestartAlways,
		Open:          DefaultOpenOptions(),
	}
}

// Controller owns the single live session of the application under test.
//
// Lifecycle: Stopped → Starting → Running → Stopped, and
// Running → Restarting → Running. The session is replaced atomically on
// restart; a call still blocked on the old session keeps its reference
// and is unblocked when that instance is killed.
type Controller struct {
	app    doctype.Application
	host   Host
	killer proc.Killer
	cfg    Config
	log    *zap.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	state   State
	session Session

	restarts atomic.Int64
}

// New creates a controller for app. log may be nil.
func New(app doctype.Application, host Host, killer proc.Killer, cfg Config, log *zap.Logger) *Controller {
	def := DefaultConfig()
	if cfg.StartAttempts <= 0 {
		cfg.StartAttempts = def.StartAttempts
	}
	if cfg.StartBackoff < 0 {
		cfg.StartBackoff = def.StartBackoff
	}
	if cfg.QuitTimeout <= 0 {
		cfg.QuitTimeout = def.QuitTimeout
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}
	if cfg.Open == (OpenOptions{}) {
		cfg.Open = def.Open
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{
		app:    app,
		host:   host,
		killer: killer,
		cfg:    cfg,
		log:    log.With(zap.String("application", app.String())),
		sleep:  sleepContext,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Restarts returns how many restarts completed.
func (c *Controller) Restarts() int64 {
	return c.restarts.Load()
}

// Start launches the application. It is only valid while Stopped.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Stopped {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: start while %s", ErrIllegalTransition, st)
	}
	c.state = Starting
	c.mu.Unlock()

	return c.launchInto(ctx, Starting)
}

// Quit closes the session. Quitting a stopped controller is a no-op.
func (c *Controller) Quit(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.state = Stopped
	c.mu.Unlock()

	if sess == nil {
		return nil
	}
	return c.quitSession(ctx, sess)
}

// ForceQuitAll drops the session and terminates every process of the
// application, including instances this controller never launched.
func (c *Controller) ForceQuitAll(ctx context.Context) error {
	c.mu.Lock()
	c.session = nil
	c.state = Stopped
	c.mu.Unlock()

	if c.killer == nil {
		return nil
	}
	return c.killer.KillByName(ctx, c.app.Process())
}

// Restart replaces the session with a fresh instance. Any instance left
// behind by the old session is force-killed before relaunching. It is only
// valid while Running; a stopped controller must be started instead.
func (c *Controller) Restart(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Running {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: restart while %s", ErrIllegalTransition, st)
	}
	old := c.session
	c.session = nil
	c.state = Restarting
	c.mu.Unlock()

	c.log.Info("Restarting application")
	if old != nil {
		_ = c.quitSession(ctx, old)
	}
	c.forceKill(ctx)

	if err := c.launchInto(ctx, Restarting); err != nil {
		return err
	}
	c.restarts.Add(1)
	return nil
}

// Recover brings the application back to a known-good state after a failed
// open. Timeouts always restart; rejections restart according to Policy.
func (c *Controller) Recover(ctx context.Context, timedOut bool) error {
	if timedOut || c.cfg.Policy != RestartOnUnhealthy {
		return c.Restart(ctx)
	}
	if err := c.Ping(ctx); err != nil {
		c.log.Warn("Application unhealthy after rejected open", zap.Error(err))
		return c.Restart(ctx)
	}
	return nil
}

// Ping checks the live session.
func (c *Controller) Ping(ctx context.Context) error {
	sess, err := c.current()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
	defer cancel()
	return sess.Ping(ctx)
}

// OpenThenClose opens path read-only, optionally exports a fixed-layout
// rendition to artifactPath, and closes the document without saving.
func (c *Controller) OpenThenClose(ctx context.Context, path, artifactPath string) error {
	sess, err := c.current()
	if err != nil {
		return err
	}

	doc, err := sess.Open(ctx, path, c.cfg.Open)
	if err != nil {
		return &OpenError{Op: "open", Path: path, Err: err}
	}

	var exportErr error
	if artifactPath != "" {
		if err := doc.ExportFixedLayout(ctx, artifactPath); err != nil {
			exportErr = &OpenError{Op: "export", Path: path, Err: err}
		}
	}

	if err := doc.Close(ctx, true); err != nil {
		return &OpenError{Op: "close", Path: path, Err: err}
	}
	return exportErr
}

func (c *Controller) current() (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running || c.session == nil {
		return nil, ErrNotRunning
	}
	return c.session, nil
}

// launchInto runs the bounded launch loop and publishes the session.
// from is the transient state the controller is in.
func (c *Controller) launchInto(ctx context.Context, from State) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.StartAttempts; attempt++ {
		sess, err := c.launch(ctx)
		if err == nil {
			c.mu.Lock()
			c.session = sess
			c.state = Running
			c.mu.Unlock()
			c.log.Debug("Application running", zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		c.log.Warn("Application launch failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.StartAttempts),
			zap.Error(err))

		if ctx.Err() != nil {
			break
		}
		if attempt < c.cfg.StartAttempts {
			if err := c.sleep(ctx, c.cfg.StartBackoff); err != nil {
				lastErr = err
				break
			}
			c.forceKill(ctx)
		}
	}

	c.mu.Lock()
	if c.state == from {
		c.state = Stopped
	}
	c.mu.Unlock()
	return fmt.Errorf("%w: %v", ErrStartFailed, lastErr)
}

func (c *Controller) launch(ctx context.Context) (Session, error) {
	sess, err := c.host.Launch(ctx, c.app)
	if err != nil {
		return nil, err
	}
	if err := sess.SetAlertsSuppressed(ctx, true); err != nil {
		_ = c.quitSession(ctx, sess)
		return nil, fmt.Errorf("suppress alerts: %w", err)
	}
	return sess, nil
}

// quitSession asks sess to quit and force-kills when it does not finish
// within QuitTimeout. A hung instance cannot block the caller.
func (c *Controller) quitSession(ctx context.Context, sess Session) error {
	qctx, cancel := context.WithTimeout(ctx, c.cfg.QuitTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sess.Quit(qctx) }()

	select {
	case err := <-done:
		if err == nil {
			return nil
		}
		c.log.Warn("Graceful quit failed", zap.Error(err))
		c.forceKill(ctx)
		return err
	case <-qctx.Done():
		c.log.Warn("Graceful quit timed out", zap.Duration("timeout", c.cfg.QuitTimeout))
		c.forceKill(ctx)
		return qctx.Err()
	}
}

func (c *Controller) forceKill(ctx context.Context) {
	if c.killer == nil {
		return
	}
	if err := c.killer.KillByName(context.WithoutCancel(ctx), c.app.Process()); err != nil {
		c.log.Warn("Force kill failed", zap.String("process", c.app.Process()), zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsStartFailure reports whether err came from an exhausted launch loop.
func IsStartFailure(err error) bool {
	return errors.Is(err, ErrStartFailed)
}
