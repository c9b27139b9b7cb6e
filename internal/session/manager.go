// Package session owns the lifecycle of containerized agent sessions:
// idempotent creation, authenticated startup, readiness synchronization, and
// teardown. Session state is always derived from the engine, never cached.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mitchellh/go-homedir"

	"github.com/drydock-run/drydock/internal/engine"
	"github.com/drydock-run/drydock/internal/watchdog"
)

const (
	// DefaultReadyTimeout bounds how long EnsureRunning polls for readiness.
	DefaultReadyTimeout = 60 * time.Second
	// DefaultReadyPollInterval is the readiness polling cadence.
	DefaultReadyPollInterval = 500 * time.Millisecond
	// DefaultStopGrace is the stop grace window before the engine escalates.
	DefaultStopGrace = 10 * time.Second

	// MountTarget is the fixed internal mount point for the caller's source
	// directory. Set only at creation, immutable for the session's life.
	MountTarget = "/workspace"

	readinessLogTail = 50
)

// ContainerEngine is the subset of engine operations the lifecycle manager
// consumes.
type ContainerEngine interface {
	Inspect(ctx context.Context, name string) (engine.State, error)
	Create(ctx context.Context, opts engine.CreateOptions) error
	Stop(ctx context.Context, name string, grace time.Duration) error
	Remove(ctx context.Context, name string, force bool) error
	Logs(ctx context.Context, name string, tail int) (string, error)
}

// EnsureRequest describes one desired running session.
type EnsureRequest struct {
	ID          string
	MountPath   string
	Image       string
	Credentials Credentials
	IdleTimeout time.Duration
	// StrictActivity selects the watchdog's strict classification mode.
	StrictActivity bool
	// AgentExecutable overrides the process name the watchdog classifies as
	// agent activity. Empty keeps the watchdog's default.
	AgentExecutable string
	// Command is the session's top-level process, normally the in-container
	// watchdog supervisor.
	Command []string
}

// Options configures Manager construction.
type Options struct {
	Engine            ContainerEngine
	Logger            *log.Logger
	ReadyTimeout      time.Duration
	ReadyPollInterval time.Duration
	StopGrace         time.Duration
}

// Manager creates, ensures, and removes sessions against the container engine.
type Manager struct {
	engine            ContainerEngine
	logger            *log.Logger
	readyTimeout      time.Duration
	readyPollInterval time.Duration
	stopGrace         time.Duration

	now   func() time.Time
	sleep func(time.Duration)
	stat  func(name string) (os.FileInfo, error)
}

// NewManager builds a lifecycle manager with the given options.
func NewManager(opts Options) (*Manager, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	readyTimeout := opts.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}
	pollInterval := opts.ReadyPollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultReadyPollInterval
	}
	stopGrace := opts.StopGrace
	if stopGrace <= 0 {
		stopGrace = DefaultStopGrace
	}

	return &Manager{
		engine:            opts.Engine,
		logger:            logger,
		readyTimeout:      readyTimeout,
		readyPollInterval: pollInterval,
		stopGrace:         stopGrace,
		now:               time.Now,
		sleep:             time.Sleep,
		stat:              os.Stat,
	}, nil
}

// EnsureRunning brings the session with req.ID to the running state and
// returns its id.
//
// Already running is a success no-op: no creation call is issued. A stopped
// session is removed and recreated fresh — stopped sessions are never resumed,
// since the mounted host path is the only durable state. All preconditions are
// checked before any engine call.
func (m *Manager) EnsureRunning(ctx context.Context, req EnsureRequest) (string, error) {
	if req.ID == "" {
		return "", fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}

	auth, err := req.Credentials.Resolve()
	if err != nil {
		return "", err
	}
	mountPath, err := m.validateMountPath(req.MountPath)
	if err != nil {
		return "", err
	}

	logger := m.logger.With("session_id", req.ID)

	state, err := m.engine.Inspect(ctx, req.ID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineFailure, err)
	}
	switch state {
	case engine.StateRunning:
		logger.Info("session already running")
		return req.ID, nil
	case engine.StateStopped:
		logger.Info("removing stale stopped session")
		if err := m.engine.Remove(ctx, req.ID, true); err != nil {
			return "", fmt.Errorf("%w: %v", ErrEngineFailure, err)
		}
	case engine.StateAbsent:
	}

	idleTimeout := req.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = watchdog.DefaultIdleTimeout
	}
	env := map[string]string{
		watchdog.EnvIdleTimeoutSeconds: strconv.Itoa(int(idleTimeout / time.Second)),
		watchdog.EnvActivityMode:       watchdog.ModeAny,
	}
	if req.StrictActivity {
		env[watchdog.EnvActivityMode] = watchdog.ModeStrict
	}
	if req.AgentExecutable != "" {
		env[watchdog.EnvAgentExecutable] = req.AgentExecutable
	}
	for k, v := range auth.Env {
		env[k] = v
	}

	mounts := append([]engine.Mount{{Source: mountPath, Target: MountTarget}}, auth.Mounts...)

	logger.With("image", req.Image, "auth_mode", auth.Mode).Info("creating session")
	err = m.engine.Create(ctx, engine.CreateOptions{
		Name:   req.ID,
		Image:  req.Image,
		Env:    env,
		Labels: map[string]string{"drydock.auth-mode": string(auth.Mode)},
		Mounts: mounts,
		Cmd:    req.Command,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEngineFailure, err)
	}

	if err := m.awaitReady(ctx, req.ID); err != nil {
		return "", err
	}
	logger.Info("session ready")
	return req.ID, nil
}

// StopAndRemove tears the session down. A nonexistent session is a success
// no-op. Stop is best-effort: a session that no longer responds to stop does
// not block removal.
func (m *Manager) StopAndRemove(ctx context.Context, id string, force bool) error {
	if id == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}

	state, err := m.engine.Inspect(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineFailure, err)
	}
	if state == engine.StateAbsent {
		m.logger.With("session_id", id).Info("session absent, nothing to stop")
		return nil
	}
	if !force {
		return fmt.Errorf("%w: %s", ErrConfirmationRequired, id)
	}

	if err := m.engine.Stop(ctx, id, m.stopGrace); err != nil {
		m.logger.With("session_id", id, "error", err).Warn("stop failed, removing anyway")
	}
	if err := m.engine.Remove(ctx, id, true); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineFailure, err)
	}
	m.logger.With("session_id", id).Info("session removed")
	return nil
}

// State reports the engine-derived state of the named session.
func (m *Manager) State(ctx context.Context, id string) (engine.State, error) {
	if id == "" {
		return engine.StateAbsent, fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	state, err := m.engine.Inspect(ctx, id)
	if err != nil {
		return engine.StateAbsent, fmt.Errorf("%w: %v", ErrEngineFailure, err)
	}
	return state, nil
}

// awaitReady polls the engine until the session is observed running or the
// readiness bound expires. On timeout the session's recent logs are captured
// and surfaced; the session itself is left as-is for the caller to decide.
func (m *Manager) awaitReady(ctx context.Context, id string) error {
	deadline := m.now().Add(m.readyTimeout)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrReadinessTimeout, err)
		}

		state, err := m.engine.Inspect(ctx, id)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrEngineFailure, err)
		}
		if state == engine.StateRunning {
			return nil
		}
		if !m.now().Before(deadline) {
			break
		}
		m.sleep(m.readyPollInterval)
	}

	diagnostics, logErr := m.engine.Logs(ctx, id, readinessLogTail)
	if logErr != nil {
		diagnostics = fmt.Sprintf("(logs unavailable: %v)", logErr)
	}
	return fmt.Errorf("%w: session %s not running after %s\n%s",
		ErrReadinessTimeout, id, m.readyTimeout, diagnostics)
}

// validateMountPath expands and verifies the caller's mount path before any
// engine call is made.
func (m *Manager) validateMountPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: mount path is required", ErrInvalidInput)
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("%w: expand mount path %s: %v", ErrInvalidInput, path, err)
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("%w: resolve mount path %s: %v", ErrInvalidInput, path, err)
	}

	info, err := m.stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: mount path %s does not exist", ErrInvalidInput, abs)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: mount path %s is not a directory", ErrInvalidInput, abs)
	}
	return abs, nil
}
