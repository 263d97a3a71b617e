package main

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/zstd"
	"github.com/ship-commander/cmdbridge/internal/bridge"
	"github.com/ship-commander/cmdbridge/internal/config"
	"github.com/spf13/cobra"
)

const bugreportLogLimit = 3

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
	bugreportStatusFn  = func(ctx context.Context, address string) (bridge.Result, error) {
		return callOperation(ctx, address, "bridge_status", nil, 3*time.Second)
	}
)

var sensitiveConfigKeys = []string{"token", "secret", "password", "key", "auth", "endpoint", "index_url"}

func newBugreportCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "bugreport",
		Short: "Collect logs, redacted config and bridge status into one archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if logger != nil {
				logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			}
			return runBugReport(cmd.Context(), serverAddress(cfg, address), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "bridge address to snapshot (defaults to listen_address)")
	return cmd
}

func runBugReport(ctx context.Context, address string, out io.Writer) error {
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
	cwd = filepath.Clean(cwd)

	stagingDir, err := os.MkdirTemp("", "cmdbridge-bugreport-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	summary, err := collectBugreportArtifacts(ctx, homeDir, cwd, address, stagingDir)
	if err != nil {
		return err
	}
	if err := writeBugreportREADME(stagingDir, summary); err != nil {
		return err
	}

	bundlePath := filepath.Join(cwd, fmt.Sprintf("cmdbridge-bugreport-%s.tar.zst", bugreportNowFn().Format("20060102-150405")))
	if err := archiveBugreport(stagingDir, bundlePath); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(out, "Bug report written to: %s\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

type bugreportSummary struct {
	Timestamp string
	Version   string
	LogFiles  []string
	RunID     string
	SessionID string
	Status    bool
	Warnings  []string
}

func collectBugreportArtifacts(
	ctx context.Context,
	homeDir string,
	cwd string,
	address string,
	stagingDir string,
) (bugreportSummary, error) {
	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
	}

	logFiles, warnings := copyRecentLogs(filepath.Join(homeDir, ".cmdbridge", "logs"), stagingDir, bugreportLogLimit)
	summary.LogFiles = logFiles
	summary.Warnings = append(summary.Warnings, warnings...)

	summary.RunID, summary.SessionID = lastCorrelation(logFiles)
	if summary.RunID == "" {
		summary.Warnings = append(summary.Warnings, "no run_id found in copied logs")
	}

	for name, dir := range map[string]string{"home": homeDir, "project": cwd} {
		path := filepath.Join(dir, ".cmdbridge", "config.toml")
		// #nosec G304 -- config paths are the fixed home and project locations.
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				summary.Warnings = append(summary.Warnings, fmt.Sprintf("unable to read %s config: %v", name, err))
			}
			continue
		}
		target := filepath.Join(stagingDir, "config", name+".toml")
		if err := writeStaged(target, []byte(redactConfig(string(data)))); err != nil {
			return bugreportSummary{}, err
		}
	}

	result, err := bugreportStatusFn(ctx, address)
	switch {
	case err != nil:
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("bridge at %s unavailable: %v", address, err))
	default:
		var rendered strings.Builder
		if err := renderResult(&rendered, result); err != nil {
			return bugreportSummary{}, err
		}
		if err := writeStaged(filepath.Join(stagingDir, "bridge-status.yaml"), []byte(rendered.String())); err != nil {
			return bugreportSummary{}, err
		}
		summary.Status = true
	}

	if err := writeStaged(filepath.Join(stagingDir, "version.txt"), []byte("cmdbridge "+summary.Version+"\n")); err != nil {
		return bugreportSummary{}, err
	}
	return summary, nil
}

func copyRecentLogs(logsDir string, stagingDir string, limit int) ([]string, []string) {
	files, err := newestFiles(logsDir, limit)
	if err != nil {
		return nil, []string{fmt.Sprintf("unable to read logs directory: %v", err)}
	}

	var warnings []string
	copied := make([]string, 0, len(files))
	for _, file := range files {
		// #nosec G304 -- source path comes from the log directory listing.
		data, err := os.ReadFile(file.path)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("unable to read log %s: %v", file.path, err))
			continue
		}
		if err := writeStaged(filepath.Join(stagingDir, "logs", filepath.Base(file.path)), data); err != nil {
			warnings = append(warnings, err.Error())
			continue
		}
		copied = append(copied, file.path)
	}
	return copied, warnings
}

// lastCorrelation returns the most recent run_id and session_id from the
// newest log that has one.
func lastCorrelation(logPaths []string) (string, string) {
	for _, logPath := range logPaths {
		// #nosec G304 -- log paths come from the log directory listing.
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			var record struct {
				RunID     string `json:"run_id"`
				SessionID string `json:"session_id"`
			}
			if err := json.Unmarshal([]byte(lines[i]), &record); err != nil {
				continue
			}
			if record.RunID != "" {
				return record.RunID, record.SessionID
			}
		}
	}
	return "", ""
}

// redactConfig masks the values of TOML keys that may carry credentials.
func redactConfig(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "[") {
			continue
		}
		key, _, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		normalized := strings.ToLower(strings.TrimSpace(key))
		for _, sensitive := range sensitiveConfigKeys {
			if strings.Contains(normalized, sensitive) {
				lines[i] = key + `= "***REDACTED***"`
				break
			}
		}
	}
	return strings.Join(lines, "\n")
}

func writeBugreportREADME(stagingDir string, summary bugreportSummary) error {
	var builder strings.Builder
	builder.WriteString("cmdbridge bug report\n")
	builder.WriteString("====================\n\n")
	fmt.Fprintf(&builder, "Generated: %s\n", summary.Timestamp)
	fmt.Fprintf(&builder, "Version: %s\n", summary.Version)
	fmt.Fprintf(&builder, "run_id: %s\n", summary.RunID)
	fmt.Fprintf(&builder, "session_id: %s\n\n", summary.SessionID)
	builder.WriteString("Included artifacts:\n")
	fmt.Fprintf(&builder, "- logs/ (%d of the last %d log files)\n", len(summary.LogFiles), bugreportLogLimit)
	builder.WriteString("- config/ (redacted home and project config.toml)\n")
	if summary.Status {
		builder.WriteString("- bridge-status.yaml\n")
	}
	builder.WriteString("- version.txt\n")
	if len(summary.Warnings) > 0 {
		builder.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			builder.WriteString("- " + warning + "\n")
		}
	}
	return writeStaged(filepath.Join(stagingDir, "README.txt"), []byte(builder.String()))
}

func writeStaged(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func archiveBugreport(stagingDir, destination string) (err error) {
	// #nosec G304 -- destination is generated in the working directory.
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	defer func() {
		if closeErr := archiveFile.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("close archive: %w", closeErr)
		}
	}()

	encoder, err := zstd.NewWriter(archiveFile, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	tarWriter := tar.NewWriter(encoder)

	walkErr := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
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
		// #nosec G304 -- walk paths originate from the staging directory.
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s for archive: %w", path, err)
		}
		defer file.Close()
		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("copy %s into archive: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		encoder.Close()
		return fmt.Errorf("archive bugreport: %w", walkErr)
	}
	if err := tarWriter.Close(); err != nil {
		encoder.Close()
		return fmt.Errorf("finish tar stream: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("finish zstd stream: %w", err)
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
		files = append(files, datedFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}
	return files, nil
}
