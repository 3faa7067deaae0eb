// Package runner manages local inference backend processes. It owns every
// subprocess lifetime: at most one process runs per model key.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/openlocus/locus/internal/adapters/metrics"
	"github.com/openlocus/locus/internal/config"
	"github.com/openlocus/locus/internal/domain/models"
	"github.com/openlocus/locus/internal/ports"
)

var (
	ErrModelFileMissing = errors.New("model file does not exist")
	ErrBackendLaunch    = errors.New("failed to launch backend process")
	ErrHealthTimeout    = errors.New("backend health check timed out")
)

const tokenizeTimeout = 5 * time.Second

type process struct {
	cmd     *exec.Cmd
	port    int
	logPath string
	done    chan struct{} // closed when the child exits
	exitErr error
}

// Runner spawns and supervises backend server processes.
type Runner struct {
	cfg config.RunnerConfig

	mu    sync.Mutex
	procs map[string]*process

	httpClient *http.Client
}

// New creates a Runner. The logs directory is created lazily on first start.
func New(cfg config.RunnerConfig) *Runner {
	return &Runner{
		cfg:        cfg,
		procs:      make(map[string]*process),
		httpClient: &http.Client{Timeout: tokenizeTimeout},
	}
}

// Start launches the backend for cfg.ModelKey and returns its port. If the
// key is already running, the existing port is returned.
func (r *Runner) Start(ctx context.Context, rc ports.RunnerConfig) (int, error) {
	r.mu.Lock()
	if p, ok := r.procs[rc.ModelKey]; ok {
		port := p.port
		r.mu.Unlock()
		return port, nil
	}
	r.mu.Unlock()

	if rc.ModelPath != "" {
		if _, err := os.Stat(rc.ModelPath); err != nil {
			metrics.RunnerStartsTotal.WithLabelValues(rc.ModelKey, "missing_file").Inc()
			return 0, fmt.Errorf("%w: %s", ErrModelFileMissing, rc.ModelPath)
		}
	}

	port := rc.RequestedPort
	if port == 0 {
		freePort, err := allocatePort()
		if err != nil {
			return 0, fmt.Errorf("failed to allocate port: %w", err)
		}
		port = freePort
	}

	p, err := r.spawn(rc, port)
	if err != nil {
		metrics.RunnerStartsTotal.WithLabelValues(rc.ModelKey, "launch_error").Inc()
		return 0, err
	}

	r.mu.Lock()
	if existing, ok := r.procs[rc.ModelKey]; ok {
		// Lost the race to a concurrent start; keep the winner.
		r.mu.Unlock()
		r.terminate(p)
		return existing.port, nil
	}
	r.procs[rc.ModelKey] = p
	r.mu.Unlock()

	if err := r.waitHealthy(ctx, p); err != nil {
		r.mu.Lock()
		delete(r.procs, rc.ModelKey)
		r.mu.Unlock()
		r.terminate(p)
		metrics.RunnerStartsTotal.WithLabelValues(rc.ModelKey, "health_timeout").Inc()
		return 0, err
	}

	metrics.RunnerStartsTotal.WithLabelValues(rc.ModelKey, "ok").Inc()
	metrics.RunnersActive.Inc()
	log.Printf("[Runner] started %s on port %d (pid %d)", rc.ModelKey, port, p.cmd.Process.Pid)
	return port, nil
}

func (r *Runner) spawn(rc ports.RunnerConfig, port int) (*process, error) {
	if err := os.MkdirAll(r.cfg.LogsDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendLaunch, err)
	}

	logPath := filepath.Join(r.cfg.LogsDir,
		fmt.Sprintf("%s_%s.log", sanitizeKey(rc.ModelKey), time.Now().Format("20060102T150405")))
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendLaunch, err)
	}

	args := []string{
		"--port", strconv.Itoa(port),
		"--host", "127.0.0.1",
	}
	if rc.ModelPath != "" {
		args = append(args, "--model", rc.ModelPath)
	}
	if rc.ModelConfig.ContextSize > 0 {
		args = append(args, "--ctx-size", strconv.Itoa(rc.ModelConfig.ContextSize))
	}
	if rc.ModelConfig.GPULayers > 0 {
		args = append(args, "--n-gpu-layers", strconv.Itoa(rc.ModelConfig.GPULayers))
	}
	if rc.ModelConfig.Embedding {
		args = append(args, "--embedding")
	}
	args = append(args, rc.ExtraArgs...)

	cmd := exec.Command(r.cfg.BinaryPath, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = logFile
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("%w: %v", ErrBackendLaunch, err)
	}

	p := &process{cmd: cmd, port: port, logPath: logPath, done: make(chan struct{})}
	go func() {
		p.exitErr = cmd.Wait()
		logFile.Close()
		close(p.done)
	}()
	return p, nil
}

// waitHealthy polls GET /health until the backend reports ready, the child
// exits, or the attempt budget is spent.
func (r *Runner) waitHealthy(ctx context.Context, p *process) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/health", p.port)
	interval := r.cfg.HealthCheckInterval.Std()
	if interval <= 0 {
		interval = time.Second
	}

	for attempt := 0; attempt < r.cfg.HealthCheckTimeout; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return fmt.Errorf("%w: process exited before ready, see %s", ErrBackendLaunch, p.logPath)
		case <-time.After(interval):
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := r.httpClient.Do(req)
		if err != nil {
			continue
		}
		ready := resp.StatusCode == http.StatusOK
		resp.Body.Close()
		if ready {
			return nil
		}
	}
	return fmt.Errorf("%w after %d attempts, see %s", ErrHealthTimeout, r.cfg.HealthCheckTimeout, p.logPath)
}

// Stop terminates the process for modelKey. Unknown keys are a no-op.
func (r *Runner) Stop(modelKey string) error {
	r.mu.Lock()
	p, ok := r.procs[modelKey]
	if ok {
		delete(r.procs, modelKey)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	r.terminate(p)
	metrics.RunnersActive.Dec()
	log.Printf("[Runner] stopped %s", modelKey)
	return nil
}

// terminate asks the process tree to exit, then kills it after the grace
// period.
func (r *Runner) terminate(p *process) {
	if p.cmd.Process == nil {
		return
	}
	signalTerm(p.cmd)

	grace := r.cfg.ProcessTerminateTimeout.Std()
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-p.done:
	case <-time.After(grace):
		signalKill(p.cmd)
		<-p.done
	}
}

func (r *Runner) IsRunning(modelKey string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.procs[modelKey]
	return ok
}

func (r *Runner) GetPort(modelKey string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[modelKey]
	if !ok {
		return 0, false
	}
	return p.port, true
}

func (r *Runner) GetStatus(modelKey string) models.RunnerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[modelKey]
	if !ok {
		return models.RunnerStatus{IsRunning: false}
	}
	status := models.RunnerStatus{IsRunning: true, Port: p.port}
	if p.cmd.Process != nil {
		status.PID = p.cmd.Process.Pid
	}
	return status
}

// CountTokens asks the backend to tokenize text. On any failure it falls back
// to a character-based estimate.
func (r *Runner) CountTokens(ctx context.Context, text, modelKey string) int {
	port, ok := r.GetPort(modelKey)
	if !ok {
		return estimateTokens(text)
	}

	body, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return estimateTokens(text)
	}

	ctx, cancel := context.WithTimeout(ctx, tokenizeTimeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/tokenize", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return estimateTokens(text)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return estimateTokens(text)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return estimateTokens(text)
	}

	var result struct {
		Tokens []int `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return estimateTokens(text)
	}
	return len(result.Tokens)
}

// Cleanup stops every tracked process.
func (r *Runner) Cleanup() {
	r.mu.Lock()
	keys := make([]string, 0, len(r.procs))
	for key := range r.procs {
		keys = append(keys, key)
	}
	r.mu.Unlock()

	for _, key := range keys {
		if err := r.Stop(key); err != nil {
			log.Printf("[Runner] cleanup of %s failed: %v", key, err)
		}
	}
}

// estimateTokens is the fallback when no tokenizer is reachable: roughly one
// token per four characters, never less than one.
func estimateTokens(text string) int {
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func allocatePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func sanitizeKey(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
