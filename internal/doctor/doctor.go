// Package doctor runs preflight checks so pipeline failures surface as a
// readable report instead of a mid-run engine error.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/drydock-run/drydock/internal/config"
)

// CheckStatus is the outcome of one preflight check.
type CheckStatus string

const (
	// StatusPass means the check succeeded.
	StatusPass CheckStatus = "pass"
	// StatusFail means the check failed and the tool cannot operate.
	StatusFail CheckStatus = "fail"
)

// CheckResult is one row of the preflight report.
type CheckResult struct {
	Name   string
	Status CheckStatus
	Detail string
}

// EnginePreflighter verifies the container engine daemon is reachable.
type EnginePreflighter interface {
	Preflight(ctx context.Context) error
}

// Options configures a preflight run.
type Options struct {
	Engine EnginePreflighter
	// EngineBinary is the engine CLI name looked up on PATH.
	EngineBinary string
	// LookPath overrides binary resolution for tests.
	LookPath func(file string) (string, error)
	// LoadConfig overrides config loading for tests.
	LoadConfig func() (*config.Config, error)
}

// Run executes all preflight checks and returns their results in a fixed
// order. It never stops early: a report with every failure beats the first
// failure alone.
func Run(ctx context.Context, opts Options) []CheckResult {
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	loadConfig := opts.LoadConfig
	if loadConfig == nil {
		loadConfig = config.Load
	}
	binary := opts.EngineBinary
	if binary == "" {
		binary = "docker"
	}

	results := make([]CheckResult, 0, 4)
	results = append(results, checkBinary(lookPath, binary))
	results = append(results, checkDaemon(ctx, opts.Engine, binary))
	results = append(results, checkConfig(loadConfig))
	results = append(results, checkLogDir())
	return results
}

// Healthy reports whether every check passed.
func Healthy(results []CheckResult) bool {
	for _, result := range results {
		if result.Status != StatusPass {
			return false
		}
	}
	return true
}

func checkBinary(lookPath func(string) (string, error), binary string) CheckResult {
	path, err := lookPath(binary)
	if err != nil {
		return CheckResult{
			Name:   "engine binary",
			Status: StatusFail,
			Detail: fmt.Sprintf("%s not found on PATH", binary),
		}
	}
	return CheckResult{Name: "engine binary", Status: StatusPass, Detail: path}
}

func checkDaemon(ctx context.Context, engine EnginePreflighter, binary string) CheckResult {
	if engine == nil {
		return CheckResult{Name: "engine daemon", Status: StatusFail, Detail: "no engine configured"}
	}
	if err := engine.Preflight(ctx); err != nil {
		return CheckResult{
			Name:   "engine daemon",
			Status: StatusFail,
			Detail: fmt.Sprintf("%s daemon unreachable: %v", binary, err),
		}
	}
	return CheckResult{Name: "engine daemon", Status: StatusPass, Detail: "reachable"}
}

func checkConfig(loadConfig func() (*config.Config, error)) CheckResult {
	if _, err := loadConfig(); err != nil {
		return CheckResult{Name: "configuration", Status: StatusFail, Detail: err.Error()}
	}
	return CheckResult{Name: "configuration", Status: StatusPass, Detail: "loaded"}
}

func checkLogDir() CheckResult {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return CheckResult{Name: "log directory", Status: StatusFail, Detail: err.Error()}
	}
	logDir := filepath.Join(homeDir, ".drydock", "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return CheckResult{Name: "log directory", Status: StatusFail, Detail: err.Error()}
	}
	return CheckResult{Name: "log directory", Status: StatusPass, Detail: logDir}
}
