package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/drydock-run/drydock/internal/config"
	"github.com/drydock-run/drydock/internal/doctor"
	"github.com/drydock-run/drydock/internal/engine"
	"github.com/drydock-run/drydock/internal/events"
	"github.com/drydock-run/drydock/internal/executor"
	"github.com/drydock-run/drydock/internal/logging"
	"github.com/drydock-run/drydock/internal/session"
	"github.com/drydock-run/drydock/internal/watchdog"
)

// Version is set at build time.
var Version = "dev"

// Exit codes are stable so pipeline automation can branch on them. The
// timeout code mirrors timeout(1).
const (
	exitGeneric          = 1
	exitInvalidInput     = 2
	exitPrecondition     = 3
	exitEngineFailure    = 4
	exitReadinessTimeout = 5
	exitCommandTimeout   = executor.TimeoutExitCode
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	cmd := newRootCommand(cfg)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "drydock",
		Short:         "Containerized agent sessions for build pipelines",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newEnsureCommand(cfg),
		newRunCommand(cfg),
		newStopCommand(cfg),
		newPSCommand(),
		newLogsCommand(),
		newWatchdogCommand(cfg),
		newDoctorCommand(),
		newBugreportCommand(),
	)
	return root
}

// exitStatusError carries a specific process exit code to main, used to
// propagate a remote command's own exit status.
type exitStatusError struct {
	code    int
	message string
}

func (e *exitStatusError) Error() string {
	return e.message
}

func exitCodeFor(err error) int {
	var status *exitStatusError
	if errors.As(err, &status) {
		return status.code
	}
	switch {
	case errors.Is(err, session.ErrInvalidInput),
		errors.Is(err, session.ErrConfirmationRequired):
		return exitInvalidInput
	case errors.Is(err, session.ErrPreconditionFailed):
		return exitPrecondition
	case errors.Is(err, session.ErrEngineFailure):
		return exitEngineFailure
	case errors.Is(err, session.ErrReadinessTimeout):
		return exitReadinessTimeout
	}
	return exitGeneric
}

func newEnsureCommand(cfg *config.Config) *cobra.Command {
	var (
		mountPath     string
		image         string
		oauthToken    string
		apiKey        string
		bedrockRegion string
		idleTimeout   time.Duration
		strict        bool
	)

	cmd := &cobra.Command{
		Use:   "ensure <session-id>",
		Short: "Create the session if needed and wait until it is running",
		Long: "Ensure is idempotent: an already-running session succeeds immediately, " +
			"a stopped one is removed and recreated fresh. Exactly one of " +
			"--oauth-token, --api-key, or --bedrock-region must be supplied " +
			"(the token and key fall back to CLAUDE_CODE_OAUTH_TOKEN and " +
			"ANTHROPIC_API_KEY in the caller's environment).",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			logger, err := logging.New(logging.WithSessionID(id))
			if err != nil {
				return fmt.Errorf("initialize logging: %w", err)
			}
			defer closeLogger(logger)

			// Flag values win; the ambient credential variables are only
			// consulted here at the entry point, never inside core logic.
			if oauthToken == "" && apiKey == "" && bedrockRegion == "" {
				oauthToken = os.Getenv("CLAUDE_CODE_OAUTH_TOKEN")
				apiKey = os.Getenv("ANTHROPIC_API_KEY")
			}

			manager, err := session.NewManager(session.Options{
				Engine:            engine.New(engine.Options{}),
				Logger:            logger.Logger,
				ReadyTimeout:      cfg.ReadyTimeout,
				ReadyPollInterval: cfg.ReadyPollInterval,
				StopGrace:         cfg.StopGrace,
			})
			if err != nil {
				return err
			}

			sessionID, err := manager.EnsureRunning(cmd.Context(), session.EnsureRequest{
				ID:        id,
				MountPath: mountPath,
				Image:     image,
				Credentials: session.Credentials{
					OAuthToken:    oauthToken,
					APIKey:        apiKey,
					BedrockRegion: bedrockRegion,
				},
				IdleTimeout:     idleTimeout,
				StrictActivity:  strict,
				AgentExecutable: cfg.AgentExecutable,
				Command:         cfg.SessionCommand,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sessionID)
			return nil
		},
	}

	cmd.Flags().StringVar(&mountPath, "mount", "", "host path bound into the session at "+session.MountTarget+" (required)")
	cmd.Flags().StringVar(&image, "image", cfg.Image, "session image reference")
	cmd.Flags().StringVar(&oauthToken, "oauth-token", "", "agent OAuth token")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "agent API key")
	cmd.Flags().StringVar(&bedrockRegion, "bedrock-region", "", "AWS region for Bedrock auth (requires ~/.aws)")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", cfg.IdleTimeout, "inactivity budget before the session shuts itself down")
	cmd.Flags().BoolVar(&strict, "strict", cfg.StrictActivity, "count only non-interactive agent invocations as activity")
	_ = cmd.MarkFlagRequired("mount")
	return cmd
}

func newRunCommand(cfg *config.Config) *cobra.Command {
	var (
		timeout time.Duration
		envList []string
		stream  bool
	)

	cmd := &cobra.Command{
		Use:   "run <session-id> -- <command...>",
		Short: "Run a command inside a running session under a wall-clock budget",
		Long: "Run exits with the command's own exit code on completion, or with " +
			fmt.Sprintf("the reserved code %d if the budget expires first. ", executor.TimeoutExitCode) +
			"On timeout partial output is discarded; filesystem changes the " +
			"command already made inside the session are not rolled back.\n\n" +
			"Everything after -- is joined with spaces into one command line " +
			"interpreted by the session's shell, so argument boundaries with " +
			"embedded whitespace are not preserved; quote within the command " +
			"line itself (e.g. drydock run s1 -- 'grep \"a b\" file').",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			commandLine := strings.Join(args[1:], " ")

			logger, err := logging.New(logging.WithSessionID(id))
			if err != nil {
				return fmt.Errorf("initialize logging: %w", err)
			}
			defer closeLogger(logger)

			env, err := parseEnvPairs(envList)
			if err != nil {
				return err
			}

			var bus events.Bus
			drain := func() {}
			if stream {
				memBus := events.New()
				memBus.Subscribe(events.EventTypeCommandOutput, func(event events.Event) {
					if line, ok := event.Payload.(string); ok {
						fmt.Fprintln(cmd.OutOrStdout(), line)
					}
				})
				bus = memBus
				drain = memBus.Close
			}

			exec, err := executor.New(executor.Options{
				Engine: engine.New(engine.Options{}),
				Logger: logger.Logger,
				Bus:    bus,
			})
			if err != nil {
				return err
			}

			result, err := exec.Run(cmd.Context(), executor.Invocation{
				SessionID:   id,
				CommandLine: commandLine,
				Env:         env,
				Timeout:     timeout,
			})
			drain()
			if err != nil {
				return err
			}
			if result.TimedOut {
				return &exitStatusError{
					code:    exitCommandTimeout,
					message: fmt.Sprintf("command timed out after %s", timeout),
				}
			}
			if !stream && result.Output != "" {
				fmt.Fprintln(cmd.OutOrStdout(), result.Output)
			}
			if result.ExitCode != 0 {
				return &exitStatusError{
					code:    result.ExitCode,
					message: fmt.Sprintf("command exited with code %d", result.ExitCode),
				}
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", cfg.CommandTimeout, "wall-clock budget for the command")
	cmd.Flags().StringArrayVar(&envList, "env", nil, "environment variable NAME=VALUE passed to the command (repeatable)")
	cmd.Flags().BoolVar(&stream, "stream", false, "print output lines as they are produced")
	return cmd
}

func newStopCommand(cfg *config.Config) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "stop <session-id>",
		Short: "Stop and remove a session",
		Long:  "Stopping a session that does not exist succeeds as a no-op, so cleanup paths stay idempotent.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			logger, err := logging.New(logging.WithSessionID(id))
			if err != nil {
				return fmt.Errorf("initialize logging: %w", err)
			}
			defer closeLogger(logger)

			manager, err := session.NewManager(session.Options{
				Engine:    engine.New(engine.Options{}),
				Logger:    logger.Logger,
				StopGrace: cfg.StopGrace,
			})
			if err != nil {
				return err
			}
			if err := manager.StopAndRemove(cmd.Context(), id, force); err != nil {
				if errors.Is(err, session.ErrConfirmationRequired) {
					return fmt.Errorf("%w (re-run with --force)", err)
				}
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "stop and remove without confirmation")
	return cmd
}

func newPSCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List sessions managed by this tool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			infos, err := engine.New(engine.Options{}).List(cmd.Context())
			if err != nil {
				return fmt.Errorf("%w: %v", session.ErrEngineFailure, err)
			}

			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "SESSION\tIMAGE\tSTATE\tSTATUS")
			for _, info := range infos {
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", info.Name, info.Image, info.State, info.Status)
			}
			return writer.Flush()
		},
	}
}

func newLogsCommand() *cobra.Command {
	var tail int

	cmd := &cobra.Command{
		Use:   "logs <session-id>",
		Short: "Show recent log output from a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := engine.New(engine.Options{}).Logs(cmd.Context(), args[0], tail)
			if err != nil {
				return fmt.Errorf("%w: %v", session.ErrEngineFailure, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}

	cmd.Flags().IntVar(&tail, "tail", 100, "number of trailing log lines to show")
	return cmd
}

func newWatchdogCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "watchdog",
		Short: "Run the in-session idle supervisor (the session's top-level process)",
		Long: "Watchdog polls for agent activity and exits once the session has " +
			"been idle past its budget, which the engine observes as the " +
			"session stopping. It reads its configuration from the session " +
			"environment at startup.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wdCfg, err := watchdog.ConfigFromEnv()
			if err != nil {
				return err
			}
			wdCfg.PollInterval = cfg.WatchdogPollInterval

			w, err := watchdog.New(watchdog.Options{
				Lister:     watchdog.PSLister{},
				Classifier: wdCfg.Classifier(),
				Logger:     logging.NewStderr(),
				Config:     wdCfg,
			})
			if err != nil {
				return err
			}
			return w.Run(cmd.Context())
		},
	}
}

func newDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that the environment can run sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			results := doctor.Run(cmd.Context(), doctor.Options{
				Engine: engine.New(engine.Options{}),
			})

			writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, result := range results {
				fmt.Fprintf(writer, "%s\t%s\t%s\n", result.Status, result.Name, result.Detail)
			}
			if err := writer.Flush(); err != nil {
				return err
			}
			if !doctor.Healthy(results) {
				return errors.New("one or more preflight checks failed")
			}
			return nil
		},
	}
}

// parseEnvPairs parses repeated NAME=VALUE flags. Pairs with empty values are
// kept here and dropped at the engine boundary before transmission.
func parseEnvPairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, found := strings.Cut(pair, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("%w: malformed env pair %q, want NAME=VALUE", session.ErrInvalidInput, pair)
		}
		env[name] = value
	}
	return env, nil
}

func closeLogger(logger *logging.RuntimeLogger) {
	if err := logger.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", err)
	}
}
