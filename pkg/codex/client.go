package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/devboard/devboard/internal/common/logger"
)

// defaultRequestTimeout bounds how long a caller waits for the agent to
// answer a request before the pending entry is rejected.
const defaultRequestTimeout = 30 * time.Second

// notificationBuffer is the capacity of the notification stream. The single
// consumer is expected to keep up; overflow drops the oldest notification.
const notificationBuffer = 256

// ErrConnectionClosed rejects pending calls when the client shuts down.
var ErrConnectionClosed = fmt.Errorf("connection closed")

type pendingCall struct {
	ch    chan *Response
	timer *time.Timer
}

// Client multiplexes JSON-RPC traffic over an agent's stdin/stdout streams.
//
// Outgoing requests are matched to responses through a pending table keyed by
// numeric id. Incoming server requests for command or file-change approval
// are answered automatically with an accept decision; every other server
// request gets a method-not-found error. All remaining traffic is forwarded
// on the notification stream, which must be drained by exactly one consumer.
type Client struct {
	stdin  io.Writer
	stdout io.Reader

	requestID atomic.Int64
	pending   map[int64]*pendingCall
	mu        sync.Mutex

	notifications chan *Notification

	threadID      string
	currentTurnID string
	turnMu        sync.Mutex

	timeout time.Duration
	logger  *logger.Logger

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient creates a client over the given streams. Start must be called
// before any request is sent.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:         stdin,
		stdout:        stdout,
		pending:       make(map[int64]*pendingCall),
		notifications: make(chan *Notification, notificationBuffer),
		timeout:       defaultRequestTimeout,
		logger:        log.WithFields(zap.String("component", "codex-client")),
		done:          make(chan struct{}),
	}
}

// SetRequestTimeout overrides the per-request timeout. Must be called before Start.
func (c *Client) SetRequestTimeout(d time.Duration) {
	c.timeout = d
}

// Notifications returns the stream of server notifications. The channel is
// closed when the client shuts down.
func (c *Client) Notifications() <-chan *Notification {
	return c.notifications
}

// Start begins reading agent output.
func (c *Client) Start(ctx context.Context) {
	go c.readLoop(ctx)
}

// Close shuts the client down: every pending call is rejected with
// "connection closed" and stdin is closed if the writer supports it. The
// notification stream is closed by the read loop once it drains; closing
// stdin ends the agent, which ends stdout, which ends the loop. Safe to
// call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		for id, call := range c.pending {
			call.timer.Stop()
			call.ch <- &Response{ID: id, Error: &Error{Code: InternalError, Message: ErrConnectionClosed.Error()}}
			delete(c.pending, id)
		}
		c.mu.Unlock()

		if closer, ok := c.stdin.(io.Closer); ok {
			_ = closer.Close()
		}
	})
}

// Call sends a request and waits for the matching response, the per-request
// timeout, context cancellation, or client shutdown.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (*Response, error) {
	select {
	case <-c.done:
		return nil, ErrConnectionClosed
	default:
	}

	id := c.requestID.Add(1)

	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
	}

	req := &Request{ID: id, Method: method, Params: paramsJSON}

	call := &pendingCall{ch: make(chan *Response, 1)}
	call.timer = time.AfterFunc(c.timeout, func() {
		c.mu.Lock()
		if cur, ok := c.pending[id]; ok && cur == call {
			delete(c.pending, id)
			call.ch <- &Response{ID: id, Error: &Error{Code: InternalError, Message: fmt.Sprintf("request %s timed out", method)}}
		}
		c.mu.Unlock()
	})

	c.mu.Lock()
	c.pending[id] = call
	c.mu.Unlock()

	defer func() {
		call.timer.Stop()
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-call.ch:
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrConnectionClosed
	}
}

// Notify sends a notification (no response expected)
func (c *Client) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		var err error
		paramsJSON, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
	}
	return c.send(&Notification{Method: method, Params: paramsJSON})
}

// SendResponse answers an agent-originated request.
func (c *Client) SendResponse(id interface{}, result interface{}, respErr *Error) error {
	var resultJSON json.RawMessage
	if result != nil && respErr == nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	return c.send(&Response{ID: id, Result: resultJSON, Error: respErr})
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("codex: sent message", zap.String("data", string(data)))
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	// The read loop is the only sender on the notification channel, so it
	// owns closing it.
	defer close(c.notifications)

	scanner := bufio.NewScanner(c.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg struct {
			ID     interface{}     `json:"id"`
			Method string          `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *Error          `json:"error"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(line, &msg); err != nil {
			// Not JSON-RPC. Forward the raw line so the consumer can decide.
			raw := make([]byte, len(line))
			copy(raw, line)
			c.forward(&Notification{Raw: raw})
			continue
		}

		hasID := msg.ID != nil
		hasMethod := msg.Method != ""
		hasResult := msg.Result != nil
		hasError := msg.Error != nil

		switch {
		case hasID && !hasMethod && (hasResult || hasError):
			c.handleResponse(&Response{ID: msg.ID, Result: msg.Result, Error: msg.Error})
		case hasID && hasMethod:
			c.handleRequest(msg.ID, msg.Method, msg.Params)
		case hasMethod && !hasID:
			c.handleNotification(msg.Method, msg.Params)
		default:
			raw := make([]byte, len(line))
			copy(raw, line)
			c.forward(&Notification{Raw: raw})
		}
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) handleResponse(resp *Response) {
	id, ok := normalizeID(resp.ID)
	if !ok {
		c.logger.Warn("received response with non-numeric id", zap.Any("id", resp.ID))
		return
	}

	c.mu.Lock()
	call, found := c.pending[id]
	if found {
		call.timer.Stop()
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if found {
		call.ch <- resp
	} else {
		c.logger.Warn("received response for unknown request", zap.Any("id", resp.ID))
	}
}

// normalizeID coerces JSON numbers to int64 so table lookups match.
func normalizeID(id interface{}) (int64, bool) {
	switch v := id.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i, true
		}
	}
	return 0, false
}

// handleRequest answers agent-originated requests. Approval requests are
// accepted unconditionally; the agent runs inside its own sandbox and the
// server has no user to ask.
func (c *Client) handleRequest(id interface{}, method string, params json.RawMessage) {
	switch method {
	case NotifyItemCmdExecRequestApproval, NotifyItemFileChangeRequestApproval:
		if err := c.SendResponse(id, &ApprovalResponse{Decision: "accept"}, nil); err != nil {
			c.logger.Warn("failed to send approval response", zap.Error(err))
		}
		// Still forward so the consumer can log what was approved.
		c.forward(&Notification{Method: method, Params: params})
	default:
		c.logger.Warn("rejecting unsupported agent request", zap.String("method", method))
		if err := c.SendResponse(id, nil, &Error{Code: MethodNotFound, Message: "Method not found"}); err != nil {
			c.logger.Warn("failed to send method not found response", zap.Error(err))
		}
	}
}

func (c *Client) handleNotification(method string, params json.RawMessage) {
	switch method {
	case NotifyTurnStarted:
		var p TurnStartedParams
		if err := json.Unmarshal(params, &p); err == nil {
			c.turnMu.Lock()
			c.currentTurnID = p.TurnID
			c.turnMu.Unlock()
		}
	case NotifyTurnCompleted:
		c.turnMu.Lock()
		c.currentTurnID = ""
		c.turnMu.Unlock()
	case NotifyThreadStarted:
		var p ThreadStartedParams
		if err := json.Unmarshal(params, &p); err == nil && p.ThreadID != "" {
			c.turnMu.Lock()
			c.threadID = p.ThreadID
			c.turnMu.Unlock()
		}
	}
	c.forward(&Notification{Method: method, Params: params})
}

func (c *Client) forward(n *Notification) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.notifications <- n:
	default:
		// Consumer fell behind. Drop the oldest to keep the reader moving.
		select {
		case <-c.notifications:
		default:
		}
		select {
		case c.notifications <- n:
		default:
		}
		c.logger.Warn("notification buffer full, dropped oldest")
	}
}

// ThreadID returns the active thread id, if one has been started or resumed.
func (c *Client) ThreadID() string {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	return c.threadID
}

// CurrentTurnID returns the id of the in-flight turn, or empty between turns.
func (c *Client) CurrentTurnID() string {
	c.turnMu.Lock()
	defer c.turnMu.Unlock()
	return c.currentTurnID
}

// Initialize performs the protocol handshake and sends the initialized
// notification.
func (c *Client) Initialize(ctx context.Context, info *ClientInfo) (*InitializeResult, error) {
	resp, err := c.Call(ctx, MethodInitialize, &InitializeParams{ClientInfo: info})
	if err != nil {
		return nil, fmt.Errorf("initialize failed: %w", err)
	}

	var result InitializeResult
	if len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("failed to parse initialize result: %w", err)
		}
	}

	if err := c.Notify(MethodInitialized, nil); err != nil {
		return nil, err
	}
	return &result, nil
}

// StartThread starts a fresh conversation.
func (c *Client) StartThread(ctx context.Context, params *ThreadStartParams) (*Thread, error) {
	resp, err := c.Call(ctx, MethodThreadStart, params)
	if err != nil {
		return nil, fmt.Errorf("thread/start failed: %w", err)
	}

	var result ThreadStartResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse thread/start result: %w", err)
	}
	if result.Thread == nil {
		return nil, fmt.Errorf("thread/start returned no thread")
	}

	c.turnMu.Lock()
	c.threadID = result.Thread.ID
	c.turnMu.Unlock()
	return result.Thread, nil
}

// ResumeThread resumes an existing conversation by id.
func (c *Client) ResumeThread(ctx context.Context, params *ThreadResumeParams) (*Thread, error) {
	resp, err := c.Call(ctx, MethodThreadResume, params)
	if err != nil {
		return nil, fmt.Errorf("thread/resume failed: %w", err)
	}

	var result ThreadResumeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse thread/resume result: %w", err)
	}
	if result.Thread == nil {
		return nil, fmt.Errorf("thread/resume returned no thread")
	}

	c.turnMu.Lock()
	c.threadID = result.Thread.ID
	c.turnMu.Unlock()
	return result.Thread, nil
}

// StartTurn submits user input as a new turn on the active thread.
func (c *Client) StartTurn(ctx context.Context, text string) error {
	c.turnMu.Lock()
	threadID := c.threadID
	c.turnMu.Unlock()
	if threadID == "" {
		return fmt.Errorf("no active thread")
	}

	_, err := c.Call(ctx, MethodTurnStart, &TurnStartParams{
		ThreadID: threadID,
		Input:    []UserInput{{Type: "text", Text: text}},
	})
	if err != nil {
		return fmt.Errorf("turn/start failed: %w", err)
	}
	return nil
}

// Interrupt cancels the in-flight turn, if any.
func (c *Client) Interrupt(ctx context.Context) error {
	c.turnMu.Lock()
	threadID := c.threadID
	turnID := c.currentTurnID
	c.turnMu.Unlock()
	if turnID == "" {
		return nil
	}

	_, err := c.Call(ctx, MethodTurnInterrupt, &TurnInterruptParams{ThreadID: threadID, TurnID: turnID})
	if err != nil {
		return fmt.Errorf("turn/interrupt failed: %w", err)
	}
	return nil
}

// ListModels asks the engine which models it can run.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	resp, err := c.Call(ctx, MethodModelList, nil)
	if err != nil {
		return nil, fmt.Errorf("model/list failed: %w", err)
	}

	var result ModelListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse model/list result: %w", err)
	}
	return result.Models, nil
}
