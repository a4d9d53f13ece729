// Package sandbox executes untrusted candidate source against a benchmark
// suite in an isolated subprocess. A misbehaving candidate (infinite loop,
// crash, resource exhaustion) becomes a failing EvaluationResult, never an
// error crossing into the evolutionary engine.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/promethean-dev/promethean/internal/config"
	"github.com/promethean-dev/promethean/internal/types"
)

// waitGrace bounds how long Wait may linger on open I/O pipes after the
// process has exited or the deadline has killed it.
const waitGrace = 2 * time.Second

// Runner executes candidate evaluations. Each Run gets its own scratch copy
// of the suite directory, so concurrent runs never share mutable state.
type Runner struct {
	workDir       string
	benchmarksDir string
	logger        *slog.Logger
}

// benchResult is the JSON line the benchmark command prints on stdout.
type benchResult struct {
	Passed  bool               `json:"passed"`
	Metrics map[string]float64 `json:"metrics"`
}

// NewRunner creates a sandbox runner. workDir holds per-run scratch
// directories; benchmarksDir is the root all suite paths must stay under.
func NewRunner(workDir, benchmarksDir string, logger *slog.Logger) (*Runner, error) {
	if err := os.MkdirAll(workDir, 0750); err != nil {
		return nil, fmt.Errorf("create sandbox work dir: %w", err)
	}
	return &Runner{
		workDir:       workDir,
		benchmarksDir: benchmarksDir,
		logger:        logger.With("component", "sandbox"),
	}, nil
}

// Run evaluates candidate source against the suite in suiteDir under the
// given limits. The returned result is always complete: a timeout or crash
// yields passed=false with diagnostics. An error return means the sandbox
// itself could not be set up, not that the candidate failed.
func (r *Runner) Run(ctx context.Context, source, suiteDir string, limits config.SandboxConfig) (*types.EvaluationResult, error) {
	resolved, err := confinePath(suiteDir, r.benchmarksDir)
	if err != nil {
		return nil, fmt.Errorf("suite path rejected: %w", err)
	}

	suite, err := LoadSuite(resolved)
	if err != nil {
		return nil, err
	}

	runDir, err := os.MkdirTemp(r.workDir, "run-")
	if err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	defer os.RemoveAll(runDir) //nolint:errcheck

	if err := copyTree(resolved, runDir); err != nil {
		return nil, fmt.Errorf("stage suite: %w", err)
	}
	if err := os.WriteFile(filepath.Join(runDir, suite.Entry), []byte(source), 0640); err != nil {
		return nil, fmt.Errorf("write candidate source: %w", err)
	}

	timeout := suite.Timeout(limits.Timeout())
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := buildCommand(runCtx, suite, limits)
	cmd.Dir = runDir
	cmd.Env = scrubEnv(suite, limits)

	// A benchmark that forks a child hands it the stdout pipe; without a
	// bounded wait an orphan holding that pipe keeps Run blocked long past
	// the deadline. WaitDelay forces Wait to return, and the process-group
	// kill reaches the orphans themselves.
	isolateProcessGroup(cmd)
	cmd.WaitDelay = waitGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("sandbox run starting",
		"suite", suite.Name,
		"timeout", timeout,
		"dir", runDir,
	)

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := &types.EvaluationResult{
		Metrics:   map[string]float64{},
		ElapsedMs: elapsed.Milliseconds(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.Passed = false
		result.Diagnostics = fmt.Sprintf("timeout after %s; killed", timeout)
		r.logger.Warn("sandbox run timed out", "suite", suite.Name, "timeout", timeout)
		return result, nil
	}

	if errors.Is(runErr, exec.ErrWaitDelay) {
		// The process itself exited; an orphan merely held the pipes open
		// until the grace period cut them. Whatever output arrived counts.
		runErr = nil
	}

	if runErr != nil {
		result.Passed = false
		result.Diagnostics = crashDiagnostics(runErr, stderr.String())
		r.logger.Info("sandbox run failed", "suite", suite.Name, "error", runErr)
		return result, nil
	}

	if br, ok := parseResultLine(stdout.String()); ok {
		result.Passed = br.Passed
		for k, v := range br.Metrics {
			result.Metrics[k] = v
		}
	} else {
		// No result line; exit 0 alone counts as a pass.
		result.Passed = true
	}
	if !result.Passed && result.Diagnostics == "" {
		result.Diagnostics = tail(stderr.String(), 2000)
	}

	r.logger.Debug("sandbox run complete",
		"suite", suite.Name,
		"passed", result.Passed,
		"elapsed_ms", result.ElapsedMs,
	)
	return result, nil
}

// buildCommand wraps the suite command in a shell ulimit prologue when CPU
// or memory ceilings are configured. The context deadline remains the hard
// guarantee; rlimits add defense on hosts that honor them.
func buildCommand(ctx context.Context, suite *Suite, limits config.SandboxConfig) *exec.Cmd {
	if limits.CPUSeconds <= 0 && limits.MemoryMB <= 0 {
		return exec.CommandContext(ctx, suite.Command, suite.Args...)
	}

	var sb strings.Builder
	if limits.CPUSeconds > 0 {
		fmt.Fprintf(&sb, "ulimit -t %d; ", limits.CPUSeconds)
	}
	if limits.MemoryMB > 0 {
		fmt.Fprintf(&sb, "ulimit -v %d; ", limits.MemoryMB*1024)
	}
	sb.WriteString("exec ")
	sb.WriteString(shellQuote(suite.Command))
	for _, a := range suite.Args {
		sb.WriteByte(' ')
		sb.WriteString(shellQuote(a))
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", sb.String())
}

// scrubEnv builds a minimal environment. Proxy variables are dropped unless
// network access is explicitly allowed.
func scrubEnv(suite *Suite, limits config.SandboxConfig) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"LANG=C.UTF-8",
	}
	if limits.AllowNetwork {
		for _, key := range []string{"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY"} {
			if v := os.Getenv(key); v != "" {
				env = append(env, key+"="+v)
			}
		}
	} else {
		env = append(env, "NO_NETWORK=1")
	}
	for k, v := range suite.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// parseResultLine scans stdout bottom-up for the benchmark result object.
func parseResultLine(stdout string) (benchResult, bool) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var br benchResult
		if err := json.Unmarshal([]byte(line), &br); err == nil {
			return br, true
		}
	}
	return benchResult{}, false
}

func crashDiagnostics(runErr error, stderr string) string {
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return fmt.Sprintf("exit code %d: %s", exitErr.ExitCode(), tail(stderr, 2000))
	}
	return fmt.Sprintf("exec failed: %v", runErr)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// confinePath resolves path and verifies it stays under root.
func confinePath(path, root string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if rr, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = rr
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if resolved != absRoot && !strings.HasPrefix(resolved, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes benchmarks root %q", path, root)
	}
	return resolved, nil
}

// copyTree copies src into dst recursively. Symlinks are skipped so a suite
// cannot smuggle references outside its directory into the run copy.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			if rel == "." {
				return nil
			}
			return os.MkdirAll(target, 0750)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, target)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck
		return err
	}
	return out.Close()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
