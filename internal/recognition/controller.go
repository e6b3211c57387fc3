// Package recognition owns the lifecycle of the platform speech-recognition
// session: start, stop, abort, and restart after it ends or fails.
package recognition

import (
	"errors"
	"time"

	"serenity/companion/internal/clock"
	"serenity/companion/internal/logging"
)

// Recognizer is the platform capability. Events flow back through the
// controller's Handle methods.
type Recognizer interface {
	Start() error
	Stop()
	Abort()
}

// Severity tells the caller how to present a status.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityReconnecting
	// SeverityFatal requires the user to fix something and retry by hand.
	SeverityFatal
	// SeverityReconnectRequired means automatic restarts gave up.
	SeverityReconnectRequired
)

type Hooks struct {
	OnStarted func()
	OnInterim func(text string)
	OnFinal   func(text string)
	OnEnded   func()
	OnStatus  func(text string, sev Severity)
}

type Config struct {
	// RestartDelay is the base delay before an automatic restart.
	RestartDelay time.Duration
	// MaxBackoff caps the restart delay after repeated failures.
	MaxBackoff time.Duration
	// MaxFailures is the number of consecutive failures after which
	// automatic restarts stop.
	MaxFailures int
	// CanRestart gates automatic restarts. It is evaluated when a restart
	// is scheduled and again when it fires.
	CanRestart func() bool
}

type state int

const (
	stateStopped state = iota
	stateStarting
	stateRunning
	stateStopping
)

// Controller is not safe for concurrent use; the caller serializes calls.
type Controller struct {
	rec   Recognizer
	clk   clock.Clock
	cfg   Config
	hooks Hooks
	log   logging.Logger

	state      state
	suppress   bool // end was requested; do not auto-restart
	discarding bool // results belong to an aborted session
	fatal      bool
	gaveUp     bool
	failures   int
	restart    clock.Timer
}

func NewController(rec Recognizer, clk clock.Clock, cfg Config, hooks Hooks, log logging.Logger) *Controller {
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 8 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if log == nil {
		log = logging.With("component", "recognition")
	}
	return &Controller{rec: rec, clk: clk, cfg: cfg, hooks: hooks, log: log}
}

// SetRestartDelay changes the base restart delay, e.g. once the client
// reports a constrained platform.
func (c *Controller) SetRestartDelay(d time.Duration) {
	if d > 0 {
		c.cfg.RestartDelay = d
	}
}

// Start begins a session. Calling it while a session is starting or running
// is a no-op.
func (c *Controller) Start() error {
	if c.state == stateStarting || c.state == stateRunning {
		return nil
	}
	c.Cancel()
	c.suppress = false
	c.discarding = false

	err := c.rec.Start()
	if errors.Is(err, ErrAlreadyStarted) {
		c.log.Debugw("recognition: start absorbed, already running")
		c.state = stateStarting
		return nil
	}
	if err != nil {
		metricStartFailures.Inc()
		c.failures++
		c.log.Warnw("recognition: start failed", "err", err, "failures", c.failures)
		c.scheduleRestart()
		return err
	}
	c.state = stateStarting
	return nil
}

// Stop requests a clean stop. The following end does not auto-restart.
func (c *Controller) Stop() {
	c.Cancel()
	if c.state == stateStopped {
		return
	}
	c.suppress = true
	c.state = stateStopping
	c.rec.Stop()
}

// Abort terminates the session immediately and discards results still in
// flight. The following end does not auto-restart.
func (c *Controller) Abort() {
	c.Cancel()
	c.discarding = true
	if c.state == stateStopped {
		return
	}
	c.suppress = true
	c.state = stateStopping
	c.rec.Abort()
}

// Cancel drops a pending automatic restart.
func (c *Controller) Cancel() {
	clock.Stop(c.restart)
	c.restart = nil
}

// NeedsManualStart reports whether a fatal error or exhausted restarts
// block listening until the user starts it again. Only ResetFailures
// clears it.
func (c *Controller) NeedsManualStart() bool { return c.fatal || c.gaveUp }

// ResetFailures clears the failure count, used for a manual reconnect.
func (c *Controller) ResetFailures() {
	c.failures = 0
	c.fatal = false
	c.gaveUp = false
}

// Running reports whether a session is starting or running.
func (c *Controller) Running() bool {
	return c.state == stateStarting || c.state == stateRunning
}

func (c *Controller) Failures() int { return c.failures }

func (c *Controller) HandleStarted() {
	if c.state == stateStopping {
		return
	}
	c.state = stateRunning
	c.discarding = false
	c.failures = 0
	c.gaveUp = false
	if c.hooks.OnStarted != nil {
		c.hooks.OnStarted()
	}
}

func (c *Controller) HandleInterim(text string) {
	if !c.accepting() {
		return
	}
	if c.hooks.OnInterim != nil {
		c.hooks.OnInterim(text)
	}
}

func (c *Controller) HandleFinal(text string) {
	if !c.accepting() {
		return
	}
	if c.hooks.OnFinal != nil {
		c.hooks.OnFinal(text)
	}
}

// accepting drops results from an aborted session and from a session that
// is being stopped. Results that arrive while stopped mean the platform
// started a session on its own, so the controller adopts it.
func (c *Controller) accepting() bool {
	if c.discarding || c.state == stateStopping {
		return false
	}
	if c.state == stateStopped {
		c.Cancel()
		c.state = stateRunning
	}
	return true
}

func (c *Controller) HandleError(kind string) {
	class := ClassifyError(kind)
	metricErrors.WithLabelValues(class.String()).Inc()
	switch class {
	case Transient:
		c.log.Debugw("recognition: transient error", "kind", kind)
	case Fatal:
		c.log.Warnw("recognition: fatal error", "kind", kind)
		c.fatal = true
		c.Cancel()
		c.status(statusFor(kind), SeverityFatal)
	default:
		c.failures++
		c.log.Infow("recognition: recoverable error", "kind", kind, "failures", c.failures)
		if c.failures < c.cfg.MaxFailures {
			c.status(statusFor(kind), SeverityReconnecting)
		}
		c.scheduleRestart()
	}
}

func (c *Controller) HandleEnd() {
	suppressed := c.suppress
	c.state = stateStopped
	c.suppress = false
	c.discarding = false
	if c.hooks.OnEnded != nil {
		c.hooks.OnEnded()
	}
	if suppressed || c.fatal {
		return
	}
	c.scheduleRestart()
}

func (c *Controller) scheduleRestart() {
	if c.fatal || c.gaveUp {
		return
	}
	if c.failures >= c.cfg.MaxFailures {
		c.Cancel()
		c.gaveUp = true
		metricReconnectRequired.Inc()
		c.status(StatusTapToReconnect, SeverityReconnectRequired)
		return
	}
	if !c.gateOpen() {
		metricRestartsSuppressed.Inc()
		return
	}
	c.Cancel()
	c.restart = c.clk.AfterFunc(c.backoff(), func() {
		c.restart = nil
		if !c.gateOpen() {
			metricRestartsSuppressed.Inc()
			return
		}
		if c.Running() {
			return
		}
		metricRestarts.Inc()
		_ = c.Start()
	})
}

func (c *Controller) gateOpen() bool {
	return c.cfg.CanRestart == nil || c.cfg.CanRestart()
}

// backoff doubles the base delay per consecutive failure.
func (c *Controller) backoff() time.Duration {
	d := c.cfg.RestartDelay
	for i := 0; i < c.failures && d < c.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return d
}

func (c *Controller) status(text string, sev Severity) {
	if c.hooks.OnStatus != nil {
		c.hooks.OnStatus(text, sev)
	}
}
