package watchdog

import (
	"strings"
)

// DefaultAgentExecutable is the process name the classifiers look for.
const DefaultAgentExecutable = "claude"

// Process is one externally observed process: executable name plus full
// command line. It is the only primitive activity classification needs.
type Process struct {
	PID         int
	Executable  string
	CommandLine string
}

// ActivityClassifier decides whether a process list shows the agent working.
type ActivityClassifier interface {
	Active(procs []Process) bool
}

// StrictClassifier counts only non-interactive single-prompt agent
// invocations as activity. Long-lived interactive sessions of the same
// executable do not keep the session alive: strict mode exists for unattended
// pipeline use where only scripted invocations matter.
type StrictClassifier struct {
	Executable string
}

// Active reports whether any agent process carries the non-interactive
// single-prompt flag (-p or --print) as a standalone argument.
func (c StrictClassifier) Active(procs []Process) bool {
	executable := c.executable()
	for _, p := range procs {
		if !matchesExecutable(p, executable) {
			continue
		}
		if hasPrintFlag(p.CommandLine) {
			return true
		}
	}
	return false
}

func (c StrictClassifier) executable() string {
	if c.Executable != "" {
		return c.Executable
	}
	return DefaultAgentExecutable
}

// AnyInvocationClassifier counts any agent process as activity, regardless of
// invocation form.
type AnyInvocationClassifier struct {
	Executable string
}

// Active reports whether any process matches the agent executable name.
func (c AnyInvocationClassifier) Active(procs []Process) bool {
	executable := c.executable()
	for _, p := range procs {
		if matchesExecutable(p, executable) {
			return true
		}
	}
	return false
}

func (c AnyInvocationClassifier) executable() string {
	if c.Executable != "" {
		return c.Executable
	}
	return DefaultAgentExecutable
}

// matchesExecutable compares against both the reported executable name and
// the command line's argv[0] basename, since some process listers truncate
// the executable column.
func matchesExecutable(p Process, executable string) bool {
	if p.Executable == executable {
		return true
	}
	fields := strings.Fields(p.CommandLine)
	if len(fields) == 0 {
		return false
	}
	argv0 := fields[0]
	if idx := strings.LastIndexByte(argv0, '/'); idx >= 0 {
		argv0 = argv0[idx+1:]
	}
	return argv0 == executable
}

// hasPrintFlag reports whether the command line carries -p or --print as a
// standalone token. Substring matches (e.g. a prompt containing "--print")
// are deliberately not counted.
func hasPrintFlag(commandLine string) bool {
	for _, field := range strings.Fields(commandLine) {
		if field == "-p" || field == "--print" {
			return true
		}
	}
	return false
}
