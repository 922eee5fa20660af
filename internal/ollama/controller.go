// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/alpaca-core/internal/logging"
	"github.com/jeranaias/alpaca-core/internal/provider"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotInstalled is returned by Start when no ollama executable exists.
	ErrNotInstalled = provider.ErrNotInstalled

	// ErrAlreadyRunning marks an internal re-entry; Start handles it by
	// stopping first, so callers never see it.
	ErrAlreadyRunning = errors.New("ollama already running")
)

// ExitError reports that the server exited before becoming ready.
type ExitError struct {
	Code int
	Tail []string
}

func (e *ExitError) Error() string {
	last := ""
	if n := len(e.Tail); n > 0 {
		last = ": " + e.Tail[n-1]
	}
	return fmt.Sprintf("ollama exited with code %d%s", e.Code, last)
}

// =============================================================================
// STATE AND SUMMARY
// =============================================================================

// State is the lifecycle state of the supervised process.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateFailed
	StateNotInstalled
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateNotInstalled:
		return "not-installed"
	}
	return "stopped"
}

// SummaryKind classifies the server's health from its log.
type SummaryKind string

const (
	SummaryIdle                SummaryKind = "idle"
	SummaryRunning             SummaryKind = "running"
	SummaryAMDSupported        SummaryKind = "amd-supported"
	SummaryAMDMissingROCm      SummaryKind = "amd-missing-rocm"
	SummaryAMDMissingExtension SummaryKind = "amd-missing-extension"
	SummaryModelTooLarge       SummaryKind = "model-too-large"
)

// Summary is the latest classification. Backend is set for
// SummaryAMDSupported ("rocm" or "vulkan").
type Summary struct {
	Kind    SummaryKind
	Backend string
}

func (s Summary) String() string {
	if s.Backend != "" {
		return fmt.Sprintf("%s(%s)", s.Kind, s.Backend)
	}
	return string(s.Kind)
}

// Classify maps a log line to a summary. ok is false for lines that carry
// no health signal.
func Classify(line string) (Summary, bool) {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(line, `msg="model request too large for system"`):
		return Summary{Kind: SummaryModelTooLarge}, true
	case strings.Contains(lower, "amdgpu detected, but no compatible rocm library found"):
		return Summary{Kind: SummaryAMDMissingROCm}, true
	case strings.Contains(line, `msg="amdgpu is supported"`):
		return Summary{Kind: SummaryAMDMissingROCm}, true
	case strings.Contains(line, "library=ROCm"):
		return Summary{Kind: SummaryAMDSupported, Backend: "rocm"}, true
	case strings.Contains(line, "library=Vulkan"):
		return Summary{Kind: SummaryAMDSupported, Backend: "vulkan"}, true
	case strings.Contains(lower, "vulkan") && strings.Contains(lower, "extension") &&
		(strings.Contains(lower, "missing") || strings.Contains(lower, "not supported") || strings.Contains(lower, "not found")):
		return Summary{Kind: SummaryAMDMissingExtension}, true
	case strings.Contains(line, "library=cpu"):
		return Summary{Kind: SummaryIdle}, true
	case strings.Contains(line, "Listening on"):
		return Summary{Kind: SummaryRunning}, true
	}
	return Summary{}, false
}

// Event is published on every state or summary change.
type Event struct {
	State   State
	Summary Summary
	Err     error
}

// =============================================================================
// LOG TAIL
// =============================================================================

// LogTailLines bounds the captured log.
const LogTailLines = 500

type logTail struct {
	mu    sync.Mutex
	lines []string
}

func (t *logTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if over := len(t.lines) - LogTailLines; over > 0 {
		t.lines = append(t.lines[:0], t.lines[over:]...)
	}
}

func (t *logTail) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Browser extension origins allowed when the instance is exposed.
const exposedOrigins = "chrome-extension://*,moz-extension://*,safari-web-extension://*,http://0.0.0.0,http://127.0.0.1"

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	// URL the server listens on; becomes OLLAMA_HOST.
	URL string

	// ModelDirectory becomes OLLAMA_MODELS.
	ModelDirectory string

	// DataDir becomes HOME of the child process.
	DataDir string

	// CacheDir holds tmp/ollama, used as TMPDIR.
	CacheDir string

	// Overrides are extra environment variables; empty values are dropped.
	Overrides map[string]string

	// Expose widens OLLAMA_ORIGINS to browser extensions.
	Expose bool

	// Executable overrides the PATH lookup.
	Executable string

	// ReadyTimeout bounds the readiness poll (default 15s).
	ReadyTimeout time.Duration

	// StopTimeout is the grace period after SIGTERM (default 5s).
	StopTimeout time.Duration

	Logger *zap.SugaredLogger
}

// Controller supervises one "ollama serve" process. It is safe for
// concurrent use.
type Controller struct {
	opts ControllerOptions
	log  *zap.SugaredLogger
	tail logTail

	mu      sync.Mutex
	state   State
	summary Summary
	version string
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
	subs    map[int]func(Event)
	nextSub int
}

// NewController creates a stopped controller.
func NewController(opts ControllerOptions) *Controller {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = 15 * time.Second
	}
	if opts.StopTimeout == 0 {
		opts.StopTimeout = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Controller{
		opts:    opts,
		log:     log.With("component", "ollama"),
		summary: Summary{Kind: SummaryIdle},
		subs:    map[int]func(Event){},
	}
}

// URL returns the server URL.
func (c *Controller) URL() string { return c.opts.URL }

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Summary returns the latest log classification.
func (c *Controller) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.summary
}

// Version returns the version reported by "ollama -v", empty until probed.
func (c *Controller) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Log returns the captured log tail, oldest first.
func (c *Controller) Log() []string {
	return c.tail.snapshot()
}

// Subscribe registers fn for events and returns a function that removes it.
// fn runs on the goroutine that caused the change and must not block.
func (c *Controller) Subscribe(fn func(Event)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Controller) publish(ev Event) {
	c.mu.Lock()
	fns := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Controller) setState(s State, err error) {
	c.mu.Lock()
	c.state = s
	ev := Event{State: s, Summary: c.summary, Err: err}
	c.mu.Unlock()
	c.log.Infow("state changed", "state", s.String())
	c.publish(ev)
}

// Environment builds the child environment: overrides, then HOME,
// TMPDIR, OLLAMA_HOST, OLLAMA_MODELS and OLLAMA_ORIGINS. Entries with
// empty values are dropped. The result is sorted.
func (c *Controller) Environment() []string {
	env := map[string]string{}
	for k, v := range c.opts.Overrides {
		env[k] = v
	}
	env["OLLAMA_HOST"] = c.opts.URL
	env["OLLAMA_MODELS"] = c.opts.ModelDirectory
	if c.opts.DataDir != "" {
		env["HOME"] = c.opts.DataDir
	}
	if c.opts.CacheDir != "" {
		env["TMPDIR"] = filepath.Join(c.opts.CacheDir, "tmp", "ollama")
	}
	if c.opts.Expose {
		env["OLLAMA_ORIGINS"] = exposedOrigins
	} else {
		env["OLLAMA_ORIGINS"] = c.opts.URL
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		if v == "" {
			continue
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// childEnv merges Environment over the parent environment.
func (c *Controller) childEnv() []string {
	own := c.Environment()
	set := map[string]bool{}
	for _, kv := range own {
		set[kv[:strings.IndexByte(kv, '=')]] = true
	}
	var out []string
	for _, kv := range os.Environ() {
		i := strings.IndexByte(kv, '=')
		if i > 0 && set[kv[:i]] {
			continue
		}
		out = append(out, kv)
	}
	return append(out, own...)
}

func (c *Controller) executable() (string, error) {
	if c.opts.Executable != "" {
		if _, err := os.Stat(c.opts.Executable); err != nil {
			return "", ErrNotInstalled
		}
		return c.opts.Executable, nil
	}
	return findOllamaExecutable()
}

// Installed reports whether an ollama executable can be found.
func (c *Controller) Installed() bool {
	_, err := c.executable()
	return err == nil
}

// Start spawns the server and waits until it answers or ReadyTimeout
// passes. Calling Start on a live controller stops it first.
func (c *Controller) Start(ctx context.Context) error {
	if s := c.State(); s == StateStarting || s == StateRunning {
		if err := c.Stop(); err != nil {
			return err
		}
	}

	exe, err := c.executable()
	if err != nil {
		c.setState(StateNotInstalled, ErrNotInstalled)
		return ErrNotInstalled
	}
	if dir := c.opts.ModelDirectory; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create model directory: %w", err)
		}
	}
	if c.opts.CacheDir != "" {
		if err := os.MkdirAll(filepath.Join(c.opts.CacheDir, "tmp", "ollama"), 0o755); err != nil {
			return fmt.Errorf("create temp directory: %w", err)
		}
	}

	c.setState(StateStarting, nil)

	cmd := exec.Command(exe, "serve")
	cmd.Env = c.childEnv()
	configureCommand(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return c.fail(fmt.Errorf("stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return c.fail(fmt.Errorf("stderr pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return c.fail(fmt.Errorf("start %s: %w", exe, err))
	}
	c.log.Infow("spawned", "path", exe, "pid", cmd.Process.Pid, "url", c.opts.URL)

	done := make(chan struct{})
	c.mu.Lock()
	c.cmd = cmd
	c.done = done
	c.exitErr = nil
	c.mu.Unlock()

	go c.supervise(cmd, stdout, stderr, done)

	if err := c.waitReady(ctx, done); err != nil {
		c.Stop()
		return c.fail(err)
	}
	c.setState(StateRunning, nil)

	if v, err := probeVersion(ctx, exe, cmd.Env); err == nil {
		c.mu.Lock()
		c.version = v
		c.mu.Unlock()
		c.log.Infow("version", "version", v)
	}
	return nil
}

func (c *Controller) fail(err error) error {
	c.log.Errorw("start failed", "error", err)
	c.setState(StateFailed, err)
	c.setState(StateStopped, err)
	return err
}

// supervise reads both output streams, then reaps the process.
func (c *Controller) supervise(cmd *exec.Cmd, stdout, stderr io.Reader, done chan struct{}) {
	var g errgroup.Group
	g.Go(func() error { return c.readLog(stdout) })
	g.Go(func() error { return c.readLog(stderr) })
	if err := g.Wait(); err != nil {
		c.log.Debugw("log reader stopped", "error", err)
	}

	err := cmd.Wait()
	c.mu.Lock()
	c.exitErr = err
	wasRunning := c.cmd == cmd && c.state == StateRunning
	if c.cmd == cmd {
		c.cmd = nil
	}
	c.mu.Unlock()
	close(done)

	if wasRunning {
		c.log.Warnw("exited unexpectedly", "error", err)
		c.setState(StateStopped, err)
	}
}

func (c *Controller) readLog(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		c.tail.add(line)
		c.log.Debugw(line)
		if s, ok := Classify(line); ok {
			c.mu.Lock()
			changed := c.summary != s
			c.summary = s
			ev := Event{State: c.state, Summary: s}
			c.mu.Unlock()
			if changed {
				c.publish(ev)
			}
		}
	}
	return scanner.Err()
}

// waitReady polls GET / until it answers, the process exits or the
// timeout passes.
func (c *Controller) waitReady(ctx context.Context, done <-chan struct{}) error {
	client := New(ClientConfig{BaseURL: c.opts.URL, Timeout: time.Second})
	deadline := time.NewTimer(c.opts.ReadyTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()

	for {
		pctx, cancel := context.WithTimeout(ctx, time.Second)
		err := client.Ping(pctx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return provider.Wrap(provider.KindCancelled, "start cancelled", ctx.Err())
		case <-done:
			c.mu.Lock()
			exitErr := c.exitErr
			c.mu.Unlock()
			code := -1
			var ee *exec.ExitError
			if errors.As(exitErr, &ee) {
				code = ee.ExitCode()
			} else if exitErr == nil {
				code = 0
			}
			return &ExitError{Code: code, Tail: c.Log()}
		case <-deadline.C:
			return fmt.Errorf("ollama not responding after %s: %w", c.opts.ReadyTimeout, err)
		case <-tick.C:
		}
	}
}

// Stop terminates the process group: SIGTERM, then SIGKILL after
// StopTimeout. It is a no-op when nothing runs.
func (c *Controller) Stop() error {
	c.mu.Lock()
	cmd, done := c.cmd, c.done
	c.mu.Unlock()
	if cmd == nil || done == nil {
		c.mu.Lock()
		stopped := c.state == StateStopped
		c.mu.Unlock()
		if !stopped {
			c.setState(StateStopped, nil)
		}
		return nil
	}

	// Mark the process as ours to stop so supervise does not report it.
	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()

	if err := terminate(cmd, false); err != nil {
		c.log.Debugw("terminate", "error", err)
	}
	select {
	case <-done:
	case <-time.After(c.opts.StopTimeout):
		c.log.Warnw("did not exit, killing")
		terminate(cmd, true)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			return fmt.Errorf("ollama process %d did not exit", cmd.Process.Pid)
		}
	}

	c.tail.add("Ollama stopped")
	c.setState(StateStopped, nil)
	return nil
}

// probeVersion runs "<exe> -v" and returns the last token of its output
// without a leading "v".
func probeVersion(ctx context.Context, exe string, env []string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(ctx, exe, "-v")
	cmd.Env = env
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return ParseVersion(string(out)), nil
}

// ParseVersion extracts the version from "ollama -v" output.
func ParseVersion(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimPrefix(fields[len(fields)-1], "v")
}
