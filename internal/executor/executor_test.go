package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	osexec "os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drydock-run/drydock/internal/events"
	"github.com/drydock-run/drydock/internal/session"
)

const testToken = "f3a1c9d2-0000-4000-8000-000000000000"

func newTestExecutor(t *testing.T, eng ExecEngine, bus events.Bus) *Executor {
	t.Helper()

	exec, err := New(Options{Engine: eng, Bus: bus})
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	exec.newToken = func() string { return testToken }
	return exec
}

func TestRunReturnsCommandExitCodeAndOutput(t *testing.T) {
	t.Parallel()

	eng := &fakeExecEngine{lines: []string{"hi", testToken + " 0"}}
	exec := newTestExecutor(t, eng, nil)

	result, err := exec.Run(context.Background(), Invocation{
		SessionID:   "s1",
		CommandLine: "echo hi",
		Timeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.TimedOut {
		t.Fatal("timedOut = true for completed command")
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", result.ExitCode)
	}
	if result.Output != "hi" {
		t.Fatalf("output = %q, want %q", result.Output, "hi")
	}
}

func TestRunSeparatesStatusTokenWithZeroOutputLines(t *testing.T) {
	t.Parallel()

	eng := &fakeExecEngine{lines: []string{testToken + " 3"}}
	exec := newTestExecutor(t, eng, nil)

	result, err := exec.Run(context.Background(), Invocation{
		SessionID:   "s1",
		CommandLine: "exit 3",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", result.ExitCode)
	}
	if result.Output != "" {
		t.Fatalf("output = %q, want empty", result.Output)
	}
	if result.TimedOut {
		t.Fatal("timedOut = true for completed command")
	}
}

func TestRunTimeoutReturnsReservedCodeAndDiscardsOutput(t *testing.T) {
	t.Parallel()

	eng := &fakeExecEngine{blockUntilCancelled: true, lines: []string{"partial"}}
	exec := newTestExecutor(t, eng, nil)

	start := time.Now()
	result, err := exec.Run(context.Background(), Invocation{
		SessionID:   "s1",
		CommandLine: "sleep 100",
		Timeout:     50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout took %s; expected prompt cancellation", elapsed)
	}
	if !result.TimedOut {
		t.Fatal("timedOut = false after budget expiry")
	}
	if result.ExitCode != TimeoutExitCode {
		t.Fatalf("exit code = %d, want reserved %d", result.ExitCode, TimeoutExitCode)
	}
	if result.Output != "" {
		t.Fatalf("partial output not discarded: %q", result.Output)
	}
	if !eng.cancelled() {
		t.Fatal("in-flight dispatch was not cancelled")
	}
}

func TestRunMissingStatusTokenIsEngineFailure(t *testing.T) {
	t.Parallel()

	// Exit code 126 with no token line means the framed shell never ran.
	eng := &fakeExecEngine{lines: []string{"OCI runtime exec failed"}, code: 126}
	exec := newTestExecutor(t, eng, nil)

	_, err := exec.Run(context.Background(), Invocation{SessionID: "s1", CommandLine: "true"})
	if !errors.Is(err, session.ErrEngineFailure) {
		t.Fatalf("err = %v, want ErrEngineFailure", err)
	}
}

func TestRunDispatchErrorIsEngineFailure(t *testing.T) {
	t.Parallel()

	eng := &fakeExecEngine{err: errors.New("cannot connect to the daemon")}
	exec := newTestExecutor(t, eng, nil)

	_, err := exec.Run(context.Background(), Invocation{SessionID: "s1", CommandLine: "true"})
	if !errors.Is(err, session.ErrEngineFailure) {
		t.Fatalf("err = %v, want ErrEngineFailure", err)
	}
}

func TestRunRejectsBlankInvocation(t *testing.T) {
	t.Parallel()

	exec := newTestExecutor(t, &fakeExecEngine{}, nil)

	if _, err := exec.Run(context.Background(), Invocation{CommandLine: "true"}); !errors.Is(err, session.ErrInvalidInput) {
		t.Fatalf("blank session id err = %v, want ErrInvalidInput", err)
	}
	if _, err := exec.Run(context.Background(), Invocation{SessionID: "s1"}); !errors.Is(err, session.ErrInvalidInput) {
		t.Fatalf("blank command err = %v, want ErrInvalidInput", err)
	}
}

func TestRunPublishesOutputAndTerminalEvents(t *testing.T) {
	t.Parallel()

	eng := &fakeExecEngine{lines: []string{"line one", testToken + " 0"}}
	bus := &captureBus{}
	exec := newTestExecutor(t, eng, bus)

	if _, err := exec.Run(context.Background(), Invocation{SessionID: "s1", CommandLine: "echo"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	published := bus.events()
	if len(published) != 2 {
		t.Fatalf("published %d events, want 2: %v", len(published), published)
	}
	if published[0].Type != events.EventTypeCommandOutput || published[0].Payload != "line one" {
		t.Fatalf("first event = %+v", published[0])
	}
	if published[1].Type != events.EventTypeCommandCompleted {
		t.Fatalf("second event = %+v", published[1])
	}
	for _, event := range published {
		if payload, ok := event.Payload.(string); ok && strings.Contains(payload, testToken) {
			t.Fatalf("status token leaked to bus: %+v", event)
		}
	}
}

func TestRunRecoversStatusWhenOutputNotNewlineTerminated(t *testing.T) {
	t.Parallel()

	exec := newTestExecutor(t, shellExecEngine{}, nil)

	// printf writes "hi" with no trailing newline, so the status line must
	// still start on its own line for extraction to work.
	result, err := exec.Run(context.Background(), Invocation{
		SessionID:   "s1",
		CommandLine: "printf hi",
		Timeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.TimedOut {
		t.Fatal("timedOut = true for completed command")
	}
	if result.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", result.ExitCode)
	}
	if result.Output != "hi" {
		t.Fatalf("output = %q, want %q", result.Output, "hi")
	}
}

func TestRunRecoversStatusWhenOutputNewlineTerminated(t *testing.T) {
	t.Parallel()

	exec := newTestExecutor(t, shellExecEngine{}, nil)

	result, err := exec.Run(context.Background(), Invocation{
		SessionID:   "s1",
		CommandLine: "echo hi; exit 3",
		Timeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", result.ExitCode)
	}
	if result.Output != "hi" {
		t.Fatalf("output = %q, want %q", result.Output, "hi")
	}
}

func TestSplitStatusTokenDropsSyntheticEmptyLine(t *testing.T) {
	t.Parallel()

	// Newline-terminated command output plus the status line's own leading
	// newline scans as an empty line before the token; only that one empty
	// line is synthetic.
	code, output, ok := splitStatusToken([]string{"hi", "", testToken + " 0"}, testToken)
	if !ok {
		t.Fatal("token not found")
	}
	if code != 0 {
		t.Fatalf("code = %d, want 0", code)
	}
	if output != "hi" {
		t.Fatalf("output = %q, want %q", output, "hi")
	}

	// A genuine trailing blank line in the command's output survives.
	_, output, ok = splitStatusToken([]string{"hi", "", "", testToken + " 0"}, testToken)
	if !ok {
		t.Fatal("token not found")
	}
	if output != "hi\n" {
		t.Fatalf("output = %q, want %q", output, "hi\n")
	}
}

func TestFrameCommandEmitsTrailingToken(t *testing.T) {
	t.Parallel()

	framed := frameCommand("echo hi", testToken)
	if !strings.Contains(framed, "echo hi") {
		t.Fatalf("framed command missing command line: %q", framed)
	}
	if !strings.Contains(framed, testToken) {
		t.Fatalf("framed command missing token: %q", framed)
	}
	// The command runs in a subshell so an in-command exit cannot skip the
	// status line.
	if !strings.HasPrefix(framed, "(") {
		t.Fatalf("framed command not wrapped in subshell: %q", framed)
	}
	// The status printf opens with a newline so the token starts a fresh
	// line even after unterminated output.
	if !strings.Contains(framed, `printf '\n%s %s\n'`) {
		t.Fatalf("status printf missing leading newline: %q", framed)
	}
}

func TestSplitStatusTokenPicksTrailingToken(t *testing.T) {
	t.Parallel()

	lines := []string{"echoed " + testToken + " 7", "real output", testToken + " 42"}
	code, output, ok := splitStatusToken(lines, testToken)
	if !ok {
		t.Fatal("token not found")
	}
	if code != 42 {
		t.Fatalf("code = %d, want 42", code)
	}
	if output != "echoed "+testToken+" 7\nreal output" {
		t.Fatalf("output = %q", output)
	}
}

// shellExecEngine runs the framed argv through the local shell, scanning
// output exactly as the engine boundary does. It exists to exercise framing
// against real shell semantics instead of pre-split lines.
type shellExecEngine struct{}

func (shellExecEngine) Exec(ctx context.Context, _ string, _ map[string]string, argv []string, onLine func(string)) (int, error) {
	out, err := osexec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	code := 0
	if err != nil {
		var exitErr *osexec.ExitError
		if !errors.As(err, &exitErr) {
			return -1, err
		}
		code = exitErr.ExitCode()
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}
	return code, nil
}

type fakeExecEngine struct {
	mu                  sync.Mutex
	lines               []string
	code                int
	err                 error
	blockUntilCancelled bool
	wasCancelled        bool
}

func (f *fakeExecEngine) Exec(ctx context.Context, _ string, _ map[string]string, _ []string, onLine func(string)) (int, error) {
	f.mu.Lock()
	lines := append([]string(nil), f.lines...)
	code := f.code
	err := f.err
	f.mu.Unlock()

	if err != nil {
		return -1, err
	}
	for _, line := range lines {
		if onLine != nil {
			onLine(line)
		}
	}
	if f.blockUntilCancelled {
		<-ctx.Done()
		f.mu.Lock()
		f.wasCancelled = true
		f.mu.Unlock()
		return -1, ctx.Err()
	}
	return code, nil
}

func (f *fakeExecEngine) cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wasCancelled
}

type captureBus struct {
	mu        sync.Mutex
	published []events.Event
}

func (c *captureBus) Subscribe(string, events.Handler) {}
func (c *captureBus) SubscribeAll(events.Handler)      {}

func (c *captureBus) Publish(event events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, event)
}

func (c *captureBus) events() []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]events.Event(nil), c.published...)
}
