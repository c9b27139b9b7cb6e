// Package executor runs one command inside a running session under a hard
// wall-clock budget, returning output and exit status even on timeout.
package executor

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/drydock-run/drydock/internal/events"
	"github.com/drydock-run/drydock/internal/session"
)

// TimeoutExitCode is the reserved exit code reported when a command exceeds
// its wall-clock budget. 124 matches timeout(1) and is distinct from anything
// the framed command itself can report.
const TimeoutExitCode = 124

// DefaultTimeout is the wall-clock budget applied when none is given.
const DefaultTimeout = 600 * time.Second

// ExecEngine dispatches one command into a running container.
type ExecEngine interface {
	Exec(ctx context.Context, name string, env map[string]string, argv []string, onLine func(line string)) (int, error)
}

// Invocation is one bounded execution request.
type Invocation struct {
	SessionID   string
	CommandLine string
	Env         map[string]string
	Timeout     time.Duration
}

// Result is the terminal outcome of one invocation. Exactly one of
// "completed with the command's real exit code" and "timed out with the
// reserved code" is ever reported.
type Result struct {
	ExitCode int
	Output   string
	TimedOut bool
	Duration time.Duration
}

// Options configures Executor construction.
type Options struct {
	Engine ExecEngine
	Logger *log.Logger
	// Bus receives per-line output and terminal events when set.
	Bus events.Bus
}

// Executor runs commands against running sessions. The caller is expected to
// have ensured the session is running; the executor does not re-verify on
// every call. Calls for different session ids may run concurrently; calls
// for the same session must be serialized by the caller.
type Executor struct {
	engine ExecEngine
	logger *log.Logger
	bus    events.Bus

	now      func() time.Time
	newTimer func(time.Duration) *time.Timer
	newToken func() string
}

// New builds an Executor.
func New(opts Options) (*Executor, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Executor{
		engine:   opts.Engine,
		logger:   logger,
		bus:      opts.Bus,
		now:      time.Now,
		newTimer: time.NewTimer,
		newToken: uuid.NewString,
	}, nil
}

type dispatchOutcome struct {
	code int
	err  error
}

// Run executes the invocation and returns its terminal outcome.
//
// The dispatched command and the timeout timer race to a single result: if
// the command completes first its framed exit status and output are returned;
// if the timer fires first the in-flight dispatch is cancelled, partial
// output is discarded, and the reserved timeout code is returned. On timeout
// the in-container process may outlive the cancelled dispatch, so filesystem
// side effects inside the session are not rolled back.
func (e *Executor) Run(ctx context.Context, inv Invocation) (Result, error) {
	if strings.TrimSpace(inv.SessionID) == "" {
		return Result{}, fmt.Errorf("%w: session id is required", session.ErrInvalidInput)
	}
	if strings.TrimSpace(inv.CommandLine) == "" {
		return Result{}, fmt.Errorf("%w: command is required", session.ErrInvalidInput)
	}
	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	token := e.newToken()
	argv := []string{"/bin/sh", "-c", frameCommand(inv.CommandLine, token)}

	var mu sync.Mutex
	var lines []string
	onLine := func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
		if e.bus != nil && !strings.HasPrefix(line, token) {
			e.bus.Publish(events.Event{
				Type:       events.EventTypeCommandOutput,
				EntityType: "session",
				EntityID:   inv.SessionID,
				Payload:    line,
				Severity:   events.SeverityInfo,
			})
		}
	}

	started := e.now()
	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan dispatchOutcome, 1)
	go func() {
		code, err := e.engine.Exec(dispatchCtx, inv.SessionID, inv.Env, argv, onLine)
		outcomes <- dispatchOutcome{code: code, err: err}
	}()

	timer := e.newTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-outcomes:
		result, err := e.completed(inv, outcome, token, &mu, &lines, started)
		if err != nil {
			return Result{}, err
		}
		return result, nil

	case <-timer.C:
		// The timer won the race: cancel the dispatch and wait for its
		// goroutine to observe the cancellation so nothing leaks.
		cancel()
		<-outcomes

		e.logger.With("session_id", inv.SessionID, "timeout", timeout).Warn("command timed out")
		e.publishTerminal(events.EventTypeCommandTimedOut, inv.SessionID, events.SeverityWarn, TimeoutExitCode)
		return Result{
			ExitCode: TimeoutExitCode,
			TimedOut: true,
			Duration: e.now().Sub(started),
		}, nil
	}
}

// completed extracts the framed exit status from the captured output.
func (e *Executor) completed(
	inv Invocation,
	outcome dispatchOutcome,
	token string,
	mu *sync.Mutex,
	lines *[]string,
	started time.Time,
) (Result, error) {
	mu.Lock()
	captured := append([]string(nil), *lines...)
	mu.Unlock()

	if outcome.err != nil {
		return Result{}, fmt.Errorf("%w: %v", session.ErrEngineFailure, outcome.err)
	}

	code, output, ok := splitStatusToken(captured, token)
	if !ok {
		// No status token means the framed shell never ran: the dispatch
		// itself failed (session gone, exec rejected). The engine's own exit
		// status is surfaced, not reinterpreted as a command result.
		return Result{}, fmt.Errorf(
			"%w: exec dispatch failed with code %d: %s",
			session.ErrEngineFailure, outcome.code, strings.Join(captured, "\n"),
		)
	}

	e.publishTerminal(events.EventTypeCommandCompleted, inv.SessionID, events.SeverityInfo, code)
	return Result{
		ExitCode: code,
		Output:   output,
		Duration: e.now().Sub(started),
	}, nil
}

func (e *Executor) publishTerminal(eventType, sessionID, severity string, code int) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:       eventType,
		EntityType: "session",
		EntityID:   sessionID,
		Payload:    code,
		Severity:   severity,
	})
}

// frameCommand wraps the command line so its exit status is emitted as a
// trailing token line the executor can deterministically separate from output,
// regardless of how many lines the command itself produced, including zero.
// The subshell keeps an in-command `exit` from skipping the status line. The
// status printf opens with its own newline so the token still starts a fresh
// line when the command's output is not newline-terminated; the synthetic
// empty line this adds after terminated output is dropped during extraction.
func frameCommand(commandLine, token string) string {
	return fmt.Sprintf("(\n%s\n)\nprintf '\\n%%s %%s\\n' %q \"$?\"", commandLine, token)
}

// splitStatusToken scans the captured lines from the end for the status token
// and returns the parsed exit code plus the remaining output. The status
// line's leading newline manufactures one empty line whenever the command's
// own output was newline-terminated; that single synthetic empty line is
// dropped here so the recovered output matches what the command wrote.
func splitStatusToken(lines []string, token string) (int, string, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		rest, found := strings.CutPrefix(lines[i], token+" ")
		if !found {
			continue
		}
		code, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			continue
		}
		before := lines[:i]
		if n := len(before); n > 0 && before[n-1] == "" {
			before = before[:n-1]
		}
		output := append([]string(nil), before...)
		output = append(output, lines[i+1:]...)
		return code, strings.Join(output, "\n"), true
	}
	return 0, "", false
}
