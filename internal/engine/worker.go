package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/awslabs/DefectDetectionApplication-sub002/internal/config"
)

// invokeRequest is the envelope sent to the engine worker.
type invokeRequest struct {
	ModelID string `msgpack:"model_id"`
	Stage   string `msgpack:"stage"`
	Tensor  Tensor `msgpack:"tensor"`
}

// invokeResponse is the worker's reply.
type invokeResponse struct {
	OK     bool   `msgpack:"ok"`
	Tensor Tensor `msgpack:"tensor"`
	Error  string `msgpack:"error"`
}

// WorkerInvoker runs the inference engine as a subprocess. One process
// serves all three stages of every configured model; requests are strictly
// serialized (the engine is single-threaded over its accelerator anyway).
type WorkerInvoker struct {
	cmdPath string
	cmdArgs []string

	mu     sync.Mutex // serializes Invoke request/response pairs
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerInvoker spawns the engine worker process.
func NewWorkerInvoker(ctx context.Context, cfg config.EngineConfig) (*WorkerInvoker, error) {
	if cfg.WorkerCmd == "" {
		return nil, fmt.Errorf("engine.worker_cmd is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, cfg.WorkerCmd, cfg.WorkerArgs...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start engine worker: %w", err)
	}

	w := &WorkerInvoker{
		cmdPath: cfg.WorkerCmd,
		cmdArgs: cfg.WorkerArgs,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		cancel:  cancel,
	}

	w.wg.Add(2)
	go w.logStderr(stderr)
	go w.waitProcess(ctx, cmd)

	slog.Info("engine worker started",
		"cmd", cfg.WorkerCmd,
		"pid", cmd.Process.Pid,
	)

	return w, nil
}

// Invoke implements Invoker. The write+read pair holds the worker lock so
// responses are matched to requests without an id scheme.
func (w *WorkerInvoker) Invoke(ctx context.Context, modelID string, stage Stage, in Tensor) (Tensor, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	req := invokeRequest{ModelID: modelID, Stage: string(stage), Tensor: in}

	type result struct {
		resp invokeResponse
		err  error
	}
	done := make(chan result, 1)

	go func() {
		var res result
		if res.err = writeMessage(w.stdin, req); res.err == nil {
			res.err = readMessage(w.stdout, &res.resp)
		}
		done <- res
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return Tensor{}, fmt.Errorf("engine worker io failed: %w", res.err)
		}
		if !res.resp.OK {
			return Tensor{}, fmt.Errorf("stage %s rejected: %s", stage, res.resp.Error)
		}
		return res.resp.Tensor, nil
	case <-ctx.Done():
		// The in-flight exchange is abandoned; the worker will be out of
		// sync, so restart it rather than reading a stale response later.
		w.restartLocked()
		return Tensor{}, fmt.Errorf("engine invocation cancelled: %w", ctx.Err())
	}
}

// restartLocked kills and respawns the worker after a desynchronizing
// failure. Caller holds w.mu.
func (w *WorkerInvoker) restartLocked() {
	slog.Warn("restarting engine worker after abandoned invocation",
		"cmd", w.cmdPath,
	)
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	// Best-effort respawn; if it fails the next Invoke surfaces the error.
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, w.cmdPath, w.cmdArgs...)
	stdin, err1 := cmd.StdinPipe()
	stdout, err2 := cmd.StdoutPipe()
	stderr, err3 := cmd.StderrPipe()
	if err1 != nil || err2 != nil || err3 != nil || cmd.Start() != nil {
		cancel()
		slog.Error("failed to respawn engine worker",
			"cmd", w.cmdPath,
			"action", "manual intervention required",
		)
		return
	}
	oldCancel := w.cancel
	w.cmd = cmd
	w.stdin = stdin
	w.stdout = bufio.NewReader(stdout)
	w.cancel = cancel
	oldCancel()

	w.wg.Add(2)
	go w.logStderr(stderr)
	go w.waitProcess(ctx, cmd)
}

// Close implements Invoker.
func (w *WorkerInvoker) Close() error {
	w.mu.Lock()
	w.cancel()
	_ = w.stdin.Close()
	w.mu.Unlock()

	// give the process a moment to exit before the context kill lands
	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		slog.Warn("engine worker did not exit in time")
	}
	return nil
}

// logStderr maps the worker's stderr lines to slog levels.
func (w *WorkerInvoker) logStderr(stderr io.Reader) {
	defer w.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			slog.Error("engine worker", "line", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			slog.Warn("engine worker", "line", line)
		default:
			slog.Debug("engine worker", "line", line)
		}
	}
}

// waitProcess reaps the worker process and logs unexpected exits.
func (w *WorkerInvoker) waitProcess(ctx context.Context, cmd *exec.Cmd) {
	defer w.wg.Done()

	err := cmd.Wait()
	if err != nil {
		select {
		case <-ctx.Done():
			slog.Debug("engine worker exited on shutdown")
		default:
			slog.Error("engine worker exited unexpectedly",
				"error", err,
				"action", "invocations will fail until restart",
			)
		}
	}
}
