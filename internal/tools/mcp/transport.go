package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/exec"
	"regexp"
	"sync"
	"time"
)

// Transport moves JSON-RPC messages between client and server.
type Transport interface {
	Send(ctx context.Context, message any) error
	Receive() <-chan Frame
	Close() error
}

// Frame is one inbound message or a transport failure.
type Frame struct {
	Data []byte
	Err  error
}

var shellMeta = regexp.MustCompile("[;&|$`()<>]")

// stdioTransport runs the server as a child process speaking newline
// delimited JSON on stdin/stdout.
type stdioTransport struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	frames    chan Frame
	closeCh   chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	writeMu sync.Mutex
	closed  bool
}

// NewStdioTransport launches command with args and wires its pipes. The
// command and arguments are rejected when they contain shell metacharacters.
func NewStdioTransport(command string, args, env []string) (Transport, error) {
	if command == "" {
		return nil, fmt.Errorf("command cannot be empty")
	}
	if shellMeta.MatchString(command) {
		return nil, fmt.Errorf("command contains invalid characters")
	}
	for i, arg := range args {
		if shellMeta.MatchString(arg) {
			return nil, fmt.Errorf("argument %d contains invalid characters", i)
		}
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("command not found: %s", command)
	}

	cmd := exec.Command(path, args...)
	if env != nil {
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	t := &stdioTransport{
		cmd:     cmd,
		stdin:   stdin,
		frames:  make(chan Frame, 16),
		closeCh: make(chan struct{}),
	}
	go t.readLoop(stdout)
	go t.drainStderr(stderr)
	go t.waitProcess()
	return t, nil
}

func (t *stdioTransport) Send(ctx context.Context, message any) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return fmt.Errorf("transport closed")
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (t *stdioTransport) Receive() <-chan Frame { return t.frames }

func (t *stdioTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.closeCh)
		t.stdin.Close()
		if t.cmd.Process != nil {
			err = t.cmd.Process.Kill()
		}
	})
	return err
}

func (t *stdioTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		data := make([]byte, len(line))
		copy(data, line)
		select {
		case t.frames <- Frame{Data: data}:
		case <-t.closeCh:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case t.frames <- Frame{Err: err}:
		case <-t.closeCh:
		}
	}
}

func (t *stdioTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.Printf("[MCP] %s: %s", t.cmd.Path, scanner.Text())
	}
}

func (t *stdioTransport) waitProcess() {
	err := t.cmd.Wait()
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	if err == nil {
		err = fmt.Errorf("process exited")
	} else {
		err = fmt.Errorf("process exited: %w", err)
	}
	select {
	case t.frames <- Frame{Err: err}:
	case <-t.closeCh:
	}
}

// httpTransport POSTs each message to the server endpoint and feeds the
// response body back as an inbound frame.
type httpTransport struct {
	endpoint string
	apiKey   string
	client   *http.Client
	frames   chan Frame

	closeOnce sync.Once
	closeCh   chan struct{}
}

func NewHTTPTransport(endpoint, apiKey string) (Transport, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	return &httpTransport{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 60 * time.Second},
		frames:   make(chan Frame, 16),
		closeCh:  make(chan struct{}),
	}, nil
}

func (t *httpTransport) Send(ctx context.Context, message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	// Notifications are acknowledged with an empty body.
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %s: %s", resp.Status, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	select {
	case t.frames <- Frame{Data: body}:
	case <-t.closeCh:
	}
	return nil
}

func (t *httpTransport) Receive() <-chan Frame { return t.frames }

func (t *httpTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closeCh) })
	return nil
}
