package signalrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

const stderrRingSize = 50

var terminateSignal = syscall.SIGTERM

// Request is one outgoing JSON-RPC 2.0 call.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Message is a decoded line from the child's stdout: a call response when
// ID is set, a notification when Method is set.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Client drives a long-lived JSON-RPC child process (signal-cli in
// jsonRpc mode) over stdin/stdout. Responses are matched to calls by id;
// unsolicited messages queue as notifications. The last stderr lines are
// retained for failure diagnostics.
type Client struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *zap.Logger

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]chan Message
	stderr   []string
	exitErr  error
	exited   bool
	writeMu  sync.Mutex
	notifyCh chan Message
	closedCh chan struct{}
}

// Start launches the child process and begins reading its pipes.
func Start(command []string, logger *zap.Logger) (*Client, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty jsonrpc command")
	}
	cmd := exec.Command(command[0], command[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command[0], err)
	}

	c := &Client{
		cmd:      cmd,
		stdin:    stdin,
		logger:   logger,
		nextID:   1,
		pending:  make(map[int64]chan Message),
		notifyCh: make(chan Message, 256),
		closedCh: make(chan struct{}),
	}
	go c.readLoop(stdout)
	go c.readStderrLoop(stderr)
	return c, nil
}

func (c *Client) readLoop(stdout io.Reader) {
	defer close(c.closedCh)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}

		if msg.ID != nil {
			c.mu.Lock()
			ch := c.pending[*msg.ID]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- msg:
				default:
				}
			}
			continue
		}

		if msg.Method != "" {
			select {
			case c.notifyCh <- msg:
			default:
				c.logger.Warn("notification queue full, dropping",
					zap.String("method", msg.Method))
			}
		}
	}

	err := c.cmd.Wait()
	c.mu.Lock()
	c.exited = true
	c.exitErr = err
	c.mu.Unlock()
}

func (c *Client) readStderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.mu.Lock()
		c.stderr = append(c.stderr, line)
		if len(c.stderr) > stderrRingSize {
			c.stderr = c.stderr[len(c.stderr)-stderrRingSize:]
		}
		c.mu.Unlock()
	}
}

// StderrSummary joins the retained stderr tail for error messages.
func (c *Client) StderrSummary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.stderr) == 0 {
		return "<no stderr>"
	}
	return strings.Join(c.stderr, " | ")
}

// Running reports whether the child process is still alive.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.exited
}

func (c *Client) checkRunning(context string) error {
	c.mu.Lock()
	exited, exitErr := c.exited, c.exitErr
	c.mu.Unlock()
	if exited {
		return fmt.Errorf("jsonrpc process exited (%v) during %s. stderr: %s",
			exitErr, context, c.StderrSummary())
	}
	return nil
}

// Call sends one request and waits for its response or ctx expiry.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.checkRunning("call:" + method); err != nil {
		return nil, err
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	respCh := make(chan Message, 1)
	c.pending[id] = respCh
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	c.writeMu.Lock()
	_, err = c.stdin.Write(append(data, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send %s: %w. stderr: %s", method, err, c.StderrSummary())
	}

	select {
	case msg := <-respCh:
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-c.closedCh:
		return nil, fmt.Errorf("jsonrpc stdout closed waiting for %s. stderr: %s",
			method, c.StderrSummary())
	case <-ctx.Done():
		return nil, fmt.Errorf("timeout waiting for %s response. stderr: %s",
			method, c.StderrSummary())
	}
}

// Notifications returns the stream of unsolicited messages.
func (c *Client) Notifications() <-chan Message {
	return c.notifyCh
}

// PopNotification returns the next queued notification without blocking.
func (c *Client) PopNotification() (Message, bool) {
	select {
	case msg := <-c.notifyCh:
		return msg, true
	default:
		return Message{}, false
	}
}

// Close terminates the child: SIGTERM, then SIGKILL after a grace period.
func (c *Client) Close() {
	c.mu.Lock()
	exited := c.exited
	c.mu.Unlock()
	if exited {
		return
	}

	if c.cmd.Process != nil {
		_ = c.cmd.Process.Signal(terminateSignal)
	}
	select {
	case <-c.closedCh:
	case <-time.After(3 * time.Second):
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
		<-c.closedCh
	}
}
