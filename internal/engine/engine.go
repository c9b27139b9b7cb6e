// Package engine wraps the container engine CLI. The engine's object store is
// the only source of truth for session state: every query goes to the engine,
// nothing is cached locally.
package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ManagedLabel marks containers created by this tool so that listing and
// cleanup never touch foreign containers.
const ManagedLabel = "drydock.managed"

// State is the engine-derived lifecycle state of a named container.
type State string

const (
	// StateAbsent means no container object with the given name exists.
	StateAbsent State = "absent"
	// StateStopped means the container object exists but is not running.
	StateStopped State = "stopped"
	// StateRunning means the container is running.
	StateRunning State = "running"
)

// ErrEngineUnavailable is returned when the engine daemon cannot be reached.
var ErrEngineUnavailable = errors.New("container engine is not available")

var containerNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Mount is one bind mount passed to container creation.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// CreateOptions configures a detached container creation.
type CreateOptions struct {
	Name   string
	Image  string
	Env    map[string]string
	Labels map[string]string
	Mounts []Mount
	Cmd    []string
}

// ContainerInfo is one row of a managed-container listing.
type ContainerInfo struct {
	Name    string
	Image   string
	State   State
	Status  string
	Created string
}

// Options configures Engine construction.
type Options struct {
	// Runner executes engine CLI commands. Defaults to os/exec execution.
	Runner CommandRunner
	// Binary is the engine CLI binary name. Defaults to "docker".
	Binary string
}

// Engine issues container operations through the engine CLI.
type Engine struct {
	runner CommandRunner
	binary string
}

// New constructs an Engine with the given options.
func New(opts Options) *Engine {
	runner := opts.Runner
	if runner == nil {
		runner = defaultCommandRunner{}
	}
	binary := strings.TrimSpace(opts.Binary)
	if binary == "" {
		binary = "docker"
	}
	return &Engine{runner: runner, binary: binary}
}

// Preflight checks that the engine daemon is reachable.
// Returns ErrEngineUnavailable if it is not.
func (e *Engine) Preflight(ctx context.Context) error {
	if _, err := e.runner.Run(ctx, e.binary, "info", "--format", "{{.ServerVersion}}"); err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return nil
}

// Inspect returns the current state of the named container. A missing
// container is StateAbsent, not an error.
func (e *Engine) Inspect(ctx context.Context, name string) (State, error) {
	if err := validateContainerName(name); err != nil {
		return StateAbsent, err
	}

	out, err := e.runner.Run(ctx, e.binary, "inspect", "--format", "{{.State.Running}}", name)
	if err != nil {
		if isMissingContainerError(err) {
			return StateAbsent, nil
		}
		return StateAbsent, fmt.Errorf("inspect container %s: %w", name, err)
	}
	if strings.TrimSpace(string(out)) == "true" {
		return StateRunning, nil
	}
	return StateStopped, nil
}

// Create starts a detached container. The container begins running its
// configured command immediately; readiness is observed via Inspect.
func (e *Engine) Create(ctx context.Context, opts CreateOptions) error {
	if err := validateContainerName(opts.Name); err != nil {
		return err
	}
	if strings.TrimSpace(opts.Image) == "" {
		return errors.New("image reference is required")
	}

	args := createCmdArgs(e.binary, opts)
	if _, err := e.runner.Run(ctx, args[0], args[1:]...); err != nil {
		return fmt.Errorf("create container %s: %w", opts.Name, err)
	}
	return nil
}

// Stop stops the named container, giving it the provided grace window before
// the engine escalates to SIGKILL. A missing container is not an error.
func (e *Engine) Stop(ctx context.Context, name string, grace time.Duration) error {
	if err := validateContainerName(name); err != nil {
		return err
	}

	seconds := int(grace.Round(time.Second) / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	_, err := e.runner.Run(ctx, e.binary, "stop", "--time", strconv.Itoa(seconds), name)
	if err != nil {
		if isMissingContainerError(err) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", name, err)
	}
	return nil
}

// Remove deletes the named container object. A missing container is not an error.
func (e *Engine) Remove(ctx context.Context, name string, force bool) error {
	if err := validateContainerName(name); err != nil {
		return err
	}

	args := []string{"rm"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, name)
	if _, err := e.runner.Run(ctx, e.binary, args...); err != nil {
		if isMissingContainerError(err) {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

// Logs returns up to tail trailing log lines for the named container.
func (e *Engine) Logs(ctx context.Context, name string, tail int) (string, error) {
	if err := validateContainerName(name); err != nil {
		return "", err
	}
	if tail <= 0 {
		tail = 100
	}

	out, err := e.runner.Run(ctx, e.binary, "logs", "--tail", strconv.Itoa(tail), name)
	if err != nil {
		return "", fmt.Errorf("fetch logs for %s: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Exec runs argv inside the named running container, delivering each output
// line to onLine, and returns the command's exit code. Empty env values are
// dropped before transmission.
func (e *Engine) Exec(ctx context.Context, name string, env map[string]string, argv []string, onLine func(line string)) (int, error) {
	if err := validateContainerName(name); err != nil {
		return -1, err
	}
	if len(argv) == 0 {
		return -1, errors.New("exec command is required")
	}

	args := []string{"exec"}
	for _, k := range sortedKeys(env) {
		if env[k] == "" {
			continue
		}
		args = append(args, "--env", k+"="+env[k])
	}
	args = append(args, name)
	args = append(args, argv...)

	return e.runner.RunExit(ctx, onLine, e.binary, args...)
}

// List returns all containers carrying the managed label, running or not.
func (e *Engine) List(ctx context.Context) ([]ContainerInfo, error) {
	out, err := e.runner.Run(ctx, e.binary,
		"ps", "--all",
		"--filter", "label="+ManagedLabel+"=true",
		"--format", "{{.Names}}\t{{.Image}}\t{{.State}}\t{{.Status}}\t{{.CreatedAt}}",
	)
	if err != nil {
		return nil, fmt.Errorf("list managed containers: %w", err)
	}

	var infos []ContainerInfo
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 5)
		if len(fields) < 5 {
			continue
		}
		state := StateStopped
		if strings.EqualFold(fields[2], "running") {
			state = StateRunning
		}
		infos = append(infos, ContainerInfo{
			Name:    fields[0],
			Image:   fields[1],
			State:   state,
			Status:  fields[3],
			Created: fields[4],
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// createCmdArgs returns the engine CLI invocation for a detached creation.
// Env and label flags are emitted in sorted key order for determinism.
func createCmdArgs(binary string, opts CreateOptions) []string {
	args := []string{binary, "run", "--detach", "--name", opts.Name}
	args = append(args, "--label", ManagedLabel+"=true")
	for _, k := range sortedKeys(opts.Labels) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	for _, m := range opts.Mounts {
		spec := m.Source + ":" + m.Target
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "--volume", spec)
	}
	for _, k := range sortedKeys(opts.Env) {
		if opts.Env[k] == "" {
			continue
		}
		args = append(args, "--env", k+"="+opts.Env[k])
	}
	args = append(args, opts.Image)
	args = append(args, opts.Cmd...)
	return args
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func validateContainerName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("container name is required")
	}
	if !containerNamePattern.MatchString(name) {
		return fmt.Errorf("container name %q contains invalid characters", name)
	}
	return nil
}

// isMissingContainerError reports whether err is the engine's "no such
// container" rejection, which lifecycle operations treat as absence.
func isMissingContainerError(err error) bool {
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	return strings.Contains(text, "no such container") || strings.Contains(text, "no such object")
}
