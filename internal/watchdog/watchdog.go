// Package watchdog is the session's in-container self-supervision loop. It
// observes process activity, classifies idle versus active, and ends the
// session's own top-level process after a sustained idle period. It is the
// only component that can terminate the session from inside.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
)

// Environment variables read once at watchdog startup. The watchdog runs as
// an independent process with no caller to pass it a value, so this is the
// one place configuration is read from the ambient environment.
const (
	EnvIdleTimeoutSeconds = "DRYDOCK_IDLE_TIMEOUT_SECONDS"
	EnvActivityMode       = "DRYDOCK_ACTIVITY_MODE"
	EnvAgentExecutable    = "DRYDOCK_AGENT_EXECUTABLE"
)

// Activity mode values for EnvActivityMode.
const (
	ModeStrict = "strict"
	ModeAny    = "any"
)

const (
	// DefaultIdleTimeout is the inactivity budget before self-shutdown.
	DefaultIdleTimeout = 300 * time.Second
	// DefaultPollInterval is the activity polling cadence. It is kept far
	// below any realistic idle timeout: activity must be able to repeatedly
	// reset the clock, so correctness needs many polls per timeout window,
	// not a single deadline timer.
	DefaultPollInterval = 5 * time.Second
)

// State is the watchdog's supervision state.
type State string

const (
	// StateActive means agent activity was observed on the last poll.
	StateActive State = "active"
	// StateIdle means no activity was observed but the idle budget remains.
	StateIdle State = "idle"
	// StateTerminated is absorbing: the idle budget is exhausted and the
	// session is shutting itself down. There is no resume.
	StateTerminated State = "terminated"
)

// Config is the watchdog's startup configuration.
type Config struct {
	IdleTimeout  time.Duration
	PollInterval time.Duration
	Strict       bool
	Executable   string
}

// ConfigFromEnv assembles the watchdog configuration from the session
// environment, applying defaults for anything unset.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		IdleTimeout:  DefaultIdleTimeout,
		PollInterval: DefaultPollInterval,
		Strict:       true,
		Executable:   DefaultAgentExecutable,
	}

	if raw := os.Getenv(EnvIdleTimeoutSeconds); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			return Config{}, fmt.Errorf("invalid %s value %q", EnvIdleTimeoutSeconds, raw)
		}
		cfg.IdleTimeout = time.Duration(seconds) * time.Second
	}
	switch os.Getenv(EnvActivityMode) {
	case "", ModeStrict:
	case ModeAny:
		cfg.Strict = false
	default:
		return Config{}, fmt.Errorf("invalid %s value %q", EnvActivityMode, os.Getenv(EnvActivityMode))
	}
	if exe := os.Getenv(EnvAgentExecutable); exe != "" {
		cfg.Executable = exe
	}
	return cfg, nil
}

// Classifier returns the activity classifier the configuration selects.
func (c Config) Classifier() ActivityClassifier {
	if c.Strict {
		return StrictClassifier{Executable: c.Executable}
	}
	return AnyInvocationClassifier{Executable: c.Executable}
}

// Options configures Watchdog construction.
type Options struct {
	Lister     ProcessLister
	Classifier ActivityClassifier
	Logger     *log.Logger
	Config     Config
}

// Watchdog polls process activity and decides when the session has been idle
// long enough to self-terminate. The poll tick is the only reader and writer
// of its state; there is no concurrent access.
type Watchdog struct {
	lister       ProcessLister
	classifier   ActivityClassifier
	logger       *log.Logger
	idleTimeout  time.Duration
	pollInterval time.Duration

	now       func() time.Time
	newTicker func(time.Duration) *time.Ticker

	state        State
	lastActivity time.Time
}

// New builds a watchdog. Initial state is Active with the activity clock
// starting at construction time.
func New(opts Options) (*Watchdog, error) {
	if opts.Lister == nil {
		return nil, errors.New("process lister is required")
	}
	if opts.Classifier == nil {
		return nil, errors.New("activity classifier is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	idleTimeout := opts.Config.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	pollInterval := opts.Config.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	w := &Watchdog{
		lister:       opts.Lister,
		classifier:   opts.Classifier,
		logger:       logger,
		idleTimeout:  idleTimeout,
		pollInterval: pollInterval,
		now:          time.Now,
		newTicker:    time.NewTicker,
		state:        StateActive,
	}
	w.lastActivity = w.now()
	return w, nil
}

// State returns the state decided by the most recent poll.
func (w *Watchdog) State() State {
	return w.state
}

// Run polls until the idle budget is exhausted or ctx is cancelled. It
// returns nil once the watchdog reaches Terminated; the caller (the session's
// top-level process) then exits, which the engine observes as the session
// stopping. Idleness is the only condition that terminates: listing errors
// are logged and do not count against the budget.
func (w *Watchdog) Run(ctx context.Context) error {
	w.logger.With(
		"idle_timeout", w.idleTimeout,
		"poll_interval", w.pollInterval,
	).Info("watchdog started")

	ticker := w.newTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if w.observe(ctx) == StateTerminated {
				w.logger.With("idle_timeout", w.idleTimeout).Info("idle budget exhausted, terminating session")
				return nil
			}
		}
	}
}

// observe performs one poll tick: classify activity, reset or age the idle
// clock, and transition state. Terminated is absorbing.
func (w *Watchdog) observe(ctx context.Context) State {
	if w.state == StateTerminated {
		return w.state
	}

	procs, err := w.lister.List(ctx)
	if err != nil {
		w.logger.With("error", err).Warn("process listing failed, keeping previous state")
		return w.state
	}

	if w.classifier.Active(procs) {
		w.lastActivity = w.now()
		w.state = StateActive
		return w.state
	}

	elapsed := w.now().Sub(w.lastActivity)
	if elapsed > w.idleTimeout {
		w.state = StateTerminated
	} else {
		w.state = StateIdle
	}
	return w.state
}
