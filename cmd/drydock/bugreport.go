package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const bugreportLogLimit = 3

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
	bugreportRunCmdFn  = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}
)

func newBugreportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect a diagnostic bundle for debugging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBugreport(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func runBugreport(ctx context.Context, out io.Writer) error {
	homeDir, err := bugreportHomeDirFn()
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	homeDir = filepath.Clean(homeDir)
	if strings.TrimSpace(homeDir) == "" || homeDir == "." {
		return fmt.Errorf("home directory is not valid")
	}

	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}

	timestamp := bugreportNowFn().Format("20060102-150405")
	bundlePath := filepath.Join(filepath.Clean(cwd), fmt.Sprintf(".drydock-bugreport-%s.tar.gz", timestamp))

	stagingDir, err := os.MkdirTemp("", "drydock-bugreport-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(stagingDir)
	}()

	summary := collectBugreportArtifacts(ctx, homeDir, stagingDir)
	if err := writeBugreportREADME(stagingDir, summary); err != nil {
		return err
	}
	if err := archiveBugreport(stagingDir, bundlePath); err != nil {
		return err
	}

	if out == nil {
		out = os.Stdout
	}
	fmt.Fprintf(out, "Bug report written to: %s. Share for debugging.\n", bundlePath)
	return nil
}

type bugreportSummary struct {
	Timestamp string
	Version   string
	LogFiles  []string
	Warnings  []string
}

func collectBugreportArtifacts(ctx context.Context, homeDir, stagingDir string) bugreportSummary {
	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
	}

	logFiles, warnings := copyRecentLogs(homeDir, stagingDir, bugreportLogLimit)
	summary.LogFiles = logFiles
	summary.Warnings = append(summary.Warnings, warnings...)

	if warning := copyRedactedConfig(homeDir, stagingDir); warning != "" {
		summary.Warnings = append(summary.Warnings, warning)
	}
	if warning := writeEngineState(ctx, stagingDir); warning != "" {
		summary.Warnings = append(summary.Warnings, warning)
	}
	return summary
}

func copyRecentLogs(homeDir, stagingDir string, limit int) ([]string, []string) {
	logsDir := filepath.Join(homeDir, ".drydock", "logs")
	files, err := newestFiles(logsDir, limit)
	if err != nil {
		return nil, []string{fmt.Sprintf("unable to read logs directory: %v", err)}
	}

	destDir := filepath.Join(stagingDir, "logs")
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, []string{fmt.Sprintf("unable to create logs staging directory: %v", err)}
	}

	var warnings []string
	copied := make([]string, 0, len(files))
	for _, file := range files {
		data, readErr := os.ReadFile(file.path)
		if readErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to read log %s: %v", file.path, readErr))
			continue
		}
		dstPath := filepath.Join(destDir, filepath.Base(file.path))
		if writeErr := os.WriteFile(dstPath, data, 0o600); writeErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to stage log %s: %v", file.path, writeErr))
			continue
		}
		copied = append(copied, file.path)
	}
	return copied, warnings
}

func copyRedactedConfig(homeDir, stagingDir string) string {
	warning := ""
	configPath := filepath.Join(homeDir, ".drydock", "config.toml")
	configData, err := os.ReadFile(configPath)
	if err != nil {
		warning = fmt.Sprintf("unable to read config: %v", err)
		configData = []byte("# config unavailable\n")
	}
	redacted := redactSensitiveConfig(string(configData))
	if err := os.WriteFile(filepath.Join(stagingDir, "config.toml"), []byte(redacted), 0o600); err != nil {
		return fmt.Sprintf("unable to stage config: %v", err)
	}
	return warning
}

// redactSensitiveConfig blanks the values of credential-looking TOML keys so
// the bundle is safe to share.
func redactSensitiveConfig(configText string) string {
	lines := strings.Split(configText, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "[") {
			continue
		}
		key, _, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		if !isSensitiveKey(strings.ToLower(strings.TrimSpace(key))) {
			continue
		}
		lines[i] = key + `= "***REDACTED***"`
	}
	return strings.Join(lines, "\n")
}

func isSensitiveKey(key string) bool {
	for _, marker := range []string{"token", "key", "secret", "password", "credential"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

// writeEngineState captures the container engine's view of the world:
// version, daemon info, and the sessions this tool manages.
func writeEngineState(ctx context.Context, stagingDir string) string {
	version := runCommandForBugreport(ctx, "docker", "version")
	info := runCommandForBugreport(ctx, "docker", "info")
	sessions := runCommandForBugreport(ctx, "docker", "ps", "--all",
		"--filter", "label=drydock.managed=true",
		"--format", "{{.Names}}\t{{.Image}}\t{{.State}}\t{{.Status}}")

	content := strings.Join([]string{
		"[VERSION]",
		version,
		"",
		"[INFO]",
		info,
		"",
		"[SESSIONS]",
		sessions,
		"",
	}, "\n")
	if err := os.WriteFile(filepath.Join(stagingDir, "engine-state.txt"), []byte(content), 0o600); err != nil {
		return fmt.Sprintf("unable to stage engine state: %v", err)
	}
	return ""
}

func runCommandForBugreport(ctx context.Context, name string, args ...string) string {
	output, err := bugreportRunCmdFn(ctx, name, args...)
	text := strings.TrimSpace(string(output))
	if err == nil {
		return text
	}
	if text == "" {
		return fmt.Sprintf("error: %v", err)
	}
	return text + "\nerror: " + err.Error()
}

func writeBugreportREADME(stagingDir string, summary bugreportSummary) error {
	builder := strings.Builder{}
	builder.WriteString("Drydock Bug Report\n")
	builder.WriteString("==================\n\n")
	builder.WriteString(fmt.Sprintf("Generated: %s\n", summary.Timestamp))
	builder.WriteString(fmt.Sprintf("Version: %s\n\n", summary.Version))
	builder.WriteString("Included artifacts:\n")
	builder.WriteString(fmt.Sprintf("- logs/ (up to last %d log files)\n", bugreportLogLimit))
	builder.WriteString("- config.toml (redacted)\n")
	builder.WriteString("- engine-state.txt\n\n")
	builder.WriteString("Share this archive with maintainers for debugging.\n")
	if len(summary.Warnings) > 0 {
		builder.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			builder.WriteString("- " + warning + "\n")
		}
	}

	if err := os.WriteFile(filepath.Join(stagingDir, "README.txt"), []byte(builder.String()), 0o600); err != nil {
		return fmt.Errorf("write README.txt: %w", err)
	}
	return nil
}

func archiveBugreport(stagingDir, destination string) error {
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	defer func() {
		_ = archiveFile.Close()
	}()

	gzipWriter := gzip.NewWriter(archiveFile)
	defer func() {
		_ = gzipWriter.Close()
	}()

	tarWriter := tar.NewWriter(gzipWriter)
	defer func() {
		_ = tarWriter.Close()
	}()

	walkErr := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read file info for %s: %w", path, err)
		}
		relPath, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return fmt.Errorf("compute archive path for %s: %w", path, err)
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relPath)
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", path, err)
		}

		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s for archive: %w", path, err)
		}
		if _, err := io.Copy(tarWriter, file); err != nil {
			_ = file.Close()
			return fmt.Errorf("copy %s into archive: %w", path, err)
		}
		return file.Close()
	})
	if walkErr != nil {
		return fmt.Errorf("archive bugreport: %w", walkErr)
	}
	return nil
}

type datedFile struct {
	path    string
	modTime time.Time
}

func newestFiles(dir string, limit int) ([]datedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	files := make([]datedFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, datedFile{
			path:    filepath.Join(dir, entry.Name()),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}
