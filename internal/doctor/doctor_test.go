package doctor

import (
	"context"
	"errors"
	"testing"

	"github.com/drydock-run/drydock/internal/config"
)

type fakePreflighter struct {
	err error
}

func (f fakePreflighter) Preflight(context.Context) error {
	return f.err
}

func healthyOptions() Options {
	return Options{
		Engine:       fakePreflighter{},
		EngineBinary: "docker",
		LookPath:     func(string) (string, error) { return "/usr/bin/docker", nil },
		LoadConfig: func() (*config.Config, error) {
			return &config.Config{}, nil
		},
	}
}

func TestRunAllChecksPass(t *testing.T) {
	results := Run(context.Background(), healthyOptions())

	if len(results) != 4 {
		t.Fatalf("result count = %d, want 4", len(results))
	}
	if !Healthy(results) {
		t.Fatalf("expected healthy report, got %+v", results)
	}
}

func TestRunReportsMissingBinaryWithoutStoppingEarly(t *testing.T) {
	opts := healthyOptions()
	opts.LookPath = func(string) (string, error) { return "", errors.New("not found") }

	results := Run(context.Background(), opts)

	if len(results) != 4 {
		t.Fatalf("result count = %d, want 4 (no early stop)", len(results))
	}
	if results[0].Status != StatusFail {
		t.Fatalf("binary check = %+v, want fail", results[0])
	}
	if Healthy(results) {
		t.Fatal("report with a failure must not be healthy")
	}
}

func TestRunReportsUnreachableDaemon(t *testing.T) {
	opts := healthyOptions()
	opts.Engine = fakePreflighter{err: errors.New("cannot connect")}

	results := Run(context.Background(), opts)

	if results[1].Status != StatusFail {
		t.Fatalf("daemon check = %+v, want fail", results[1])
	}
}

func TestRunReportsBrokenConfig(t *testing.T) {
	opts := healthyOptions()
	opts.LoadConfig = func() (*config.Config, error) {
		return nil, errors.New("parse idle_timeout: bad duration")
	}

	results := Run(context.Background(), opts)

	if results[2].Status != StatusFail {
		t.Fatalf("config check = %+v, want fail", results[2])
	}
}
