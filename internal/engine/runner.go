package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner executes container engine CLI commands.
type CommandRunner interface {
	// Run executes the command and returns its combined output. A non-zero
	// exit status is an error that includes the trimmed output.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// RunExit executes the command, delivers each stdout line to onLine as it
	// is produced, and returns the process exit code. A non-zero exit code is
	// not itself an error — the caller interprets it.
	RunExit(ctx context.Context, onLine func(line string), name string, args ...string) (int, error)
}

type defaultCommandRunner struct{}

func (defaultCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(out))
		if trimmed == "" {
			return nil, fmt.Errorf("run %s: %w", formatCommand(name, args), err)
		}
		return nil, fmt.Errorf("run %s: %w (%s)", formatCommand(name, args), err, trimmed)
	}
	return out, nil
}

func (defaultCommandRunner) RunExit(ctx context.Context, onLine func(line string), name string, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	pipe, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("pipe %s: %w", formatCommand(name, args), err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %s: %w", formatCommand(name, args), err)
	}

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
	}

	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("wait %s: %w", formatCommand(name, args), err)
}

func formatCommand(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}
