package watchdog

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ProcessLister returns the currently visible processes.
type ProcessLister interface {
	List(ctx context.Context) ([]Process, error)
}

// PSLister lists processes by shelling out to ps. It runs inside the session,
// where the image contract guarantees procps is present.
type PSLister struct {
	// Runner overrides command execution; defaults to os/exec.
	Runner func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// List invokes ps with unpadded pid, executable, and full-args columns and
// parses one Process per line.
func (l PSLister) List(ctx context.Context) ([]Process, error) {
	runner := l.Runner
	if runner == nil {
		runner = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		}
	}

	out, err := runner(ctx, "ps", "-eo", "pid=,comm=,args=")
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	return parsePSOutput(string(out)), nil
}

// parsePSOutput splits each line into pid, executable, and the remainder as
// the full command line. Malformed lines are skipped.
func parsePSOutput(out string) []Process {
	var procs []Process
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		procs = append(procs, Process{
			PID:         pid,
			Executable:  fields[1],
			CommandLine: strings.Join(fields[2:], " "),
		})
	}
	return procs
}
