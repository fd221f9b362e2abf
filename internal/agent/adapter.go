// Package agent exchanges newline-delimited JSON-RPC 2.0 frames with an
// external reasoning agent over its stdin and stdout.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.uber.org/zap"
)

var (
	// ErrProtocolViolation marks a frame that could not be decoded or carried
	// an unknown method. Such frames are dropped.
	ErrProtocolViolation = errors.New("agent protocol violation")
	// ErrProcessTerminated is returned once the agent's output stream ends.
	ErrProcessTerminated = errors.New("agent process terminated")
	// ErrTimeout is returned when a request is not answered in time.
	ErrTimeout = errors.New("agent request timed out")
	// ErrUnknownTool is returned for a tool name outside the closed set.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("agent adapter closed")
)

// Protocol method names.
const (
	MethodInitialize = "initialize"
	MethodNewSession = "session/new"
	MethodContext    = "session/context"
	MethodPrompt     = "session/prompt"
	MethodUpdate     = "session/update"
	MethodToolCall   = "tool/call"
)

// ProtocolVersion is sent in the initialize request.
const ProtocolVersion = 1

// maxFrameSize bounds a single line read from the agent.
const maxFrameSize = 8 << 20

// EventKind discriminates Event.
type EventKind int

const (
	// EventMessageChunk carries a fragment of the agent's reply.
	EventMessageChunk EventKind = iota
	// EventToolStatus reports progress of a tool the agent runs itself.
	EventToolStatus
	// EventToolRequest asks the client to run a tool and respond.
	EventToolRequest
	// EventTurnEnd is the last event of a successful turn.
	EventTurnEnd
	// EventError carries a turn failure. ErrProcessTerminated is fatal.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessageChunk:
		return "message_chunk"
	case EventToolStatus:
		return "tool_status"
	case EventToolRequest:
		return "tool_request"
	case EventTurnEnd:
		return "turn_end"
	case EventError:
		return "error"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one item of a prompt turn's stream.
type Event struct {
	Kind EventKind

	Text string // EventMessageChunk

	ToolCallID string // EventToolStatus
	ToolName   string
	ToolStatus string

	Request *ToolRequest // EventToolRequest

	StopReason string // EventTurnEnd
	Err        error  // EventError
}

// ToolRequest is an agent's request for the client to run a tool. Exactly
// one of Respond or Fail must be called.
type ToolRequest struct {
	Call ToolCall

	id       jsonrpc.ID
	a        *Adapter
	answered atomic.Bool
}

// Respond sends result to the agent.
func (r *ToolRequest) Respond(result any) error {
	if !r.answered.CompareAndSwap(false, true) {
		return errors.New("tool request already answered")
	}
	data, err := json.Marshal(result)
	if err != nil {
		return r.a.write(&jsonrpc.Response{ID: r.id, Error: fmt.Errorf("encoding result: %w", err)})
	}
	return r.a.write(&jsonrpc.Response{ID: r.id, Result: data})
}

// Fail sends err to the agent as a JSON-RPC error.
func (r *ToolRequest) Fail(err error) error {
	if !r.answered.CompareAndSwap(false, true) {
		return errors.New("tool request already answered")
	}
	return r.a.write(&jsonrpc.Response{ID: r.id, Error: err})
}

// Options configures an Adapter.
type Options struct {
	Logger *zap.Logger
	// Timeout bounds each request except session/prompt. Zero means 30s.
	Timeout time.Duration
	// ClientName is reported in the initialize request.
	ClientName string
}

// Adapter is a JSON-RPC client for one agent process. It is safe for
// concurrent use, but only one prompt turn may be active at a time.
type Adapter struct {
	r      *bufio.Reader
	w      io.Writer
	closer io.Closer
	logger *zap.Logger

	timeout    time.Duration
	clientName string

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[string]func(*jsonrpc.Response)
	stream  *turnStream
	closed  bool

	done    chan struct{}
	doneErr error
	closing chan struct{}

	violations atomic.Int64
}

type turnStream struct {
	ctx context.Context
	ch  chan Event
}

// New starts an adapter reading frames from r and writing frames to w.
// closer, if non-nil, is closed by Close.
func New(r io.Reader, w io.Writer, closer io.Closer, opts Options) *Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	name := opts.ClientName
	if name == "" {
		name = "codexd"
	}
	a := &Adapter{
		r:          bufio.NewReaderSize(r, 64<<10),
		w:          w,
		closer:     closer,
		logger:     logger.Named("agent"),
		timeout:    timeout,
		clientName: name,
		pending:    make(map[string]func(*jsonrpc.Response)),
		done:       make(chan struct{}),
		closing:    make(chan struct{}),
	}
	go a.readLoop()
	return a
}

// Done is closed when the agent's output stream has ended.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// Err returns the reason the stream ended, or nil while it is running.
func (a *Adapter) Err() error {
	select {
	case <-a.done:
		return a.doneErr
	default:
		return nil
	}
}

// Violations returns how many frames were dropped as protocol violations.
func (a *Adapter) Violations() int64 {
	return a.violations.Load()
}

func (a *Adapter) write(msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	select {
	case <-a.done:
		return a.doneErr
	default:
	}
	if _, err := a.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("%w: writing frame: %w", ErrProcessTerminated, err)
	}
	return nil
}

func idKey(id jsonrpc.ID) string {
	return fmt.Sprint(id.Raw())
}

// send issues a request and registers onResponse for its answer.
func (a *Adapter) send(method string, params any, onResponse func(*jsonrpc.Response)) (string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encoding %s params: %w", method, err)
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return "", ErrClosed
	}
	a.nextID++
	id, err := jsonrpc.MakeID(fmt.Sprintf("c%d", a.nextID))
	if err != nil {
		a.mu.Unlock()
		return "", err
	}
	key := idKey(id)
	a.pending[key] = onResponse
	a.mu.Unlock()

	if err := a.write(&jsonrpc.Request{ID: id, Method: method, Params: raw}); err != nil {
		a.forget(key)
		return "", err
	}
	return key, nil
}

func (a *Adapter) forget(key string) {
	a.mu.Lock()
	delete(a.pending, key)
	a.mu.Unlock()
}

// call sends a request and waits for its response, bounded by the adapter
// timeout.
func (a *Adapter) call(ctx context.Context, method string, params, result any) error {
	respCh := make(chan *jsonrpc.Response, 1)
	key, err := a.send(method, params, func(r *jsonrpc.Response) { respCh <- r })
	if err != nil {
		return err
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return fmt.Errorf("agent %s: %w", method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("%w: decoding %s result: %v", ErrProtocolViolation, method, err)
			}
		}
		return nil
	case <-timer.C:
		a.forget(key)
		return fmt.Errorf("%w: %s after %s", ErrTimeout, method, a.timeout)
	case <-a.done:
		return a.doneErr
	case <-a.closing:
		a.forget(key)
		return ErrClosed
	case <-ctx.Done():
		a.forget(key)
		return ctx.Err()
	}
}

// Initialize performs the protocol handshake.
func (a *Adapter) Initialize(ctx context.Context) error {
	return a.call(ctx, MethodInitialize, map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientName":      a.clientName,
	}, nil)
}

// NewSession opens an agent-side session seeded with prior context and
// returns the agent's session id.
func (a *Adapter) NewSession(ctx context.Context, repoIdentity string, seed any) (string, error) {
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := a.call(ctx, MethodNewSession, map[string]any{
		"repoIdentity": repoIdentity,
		"context":      seed,
	}, &out); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("%w: session/new returned no sessionId", ErrProtocolViolation)
	}
	return out.SessionID, nil
}

// SendContext delivers one tool result to the agent. It is bounded by the
// per-call timeout.
func (a *Adapter) SendContext(ctx context.Context, sessionID, tool, status string, output any) error {
	return a.call(ctx, MethodContext, map[string]any{
		"sessionId": sessionID,
		"tool":      tool,
		"status":    status,
		"output":    output,
	}, nil)
}

// Prompt sends a user message and returns the turn's event stream. The
// stream is closed after EventTurnEnd or EventError.
func (a *Adapter) Prompt(ctx context.Context, sessionID, text string) (<-chan Event, error) {
	st := &turnStream{ctx: ctx, ch: make(chan Event, 64)}

	a.mu.Lock()
	if a.stream != nil {
		a.mu.Unlock()
		return nil, errors.New("a prompt turn is already active")
	}
	a.stream = st
	a.mu.Unlock()

	// The response is handled on the read loop, after every notification
	// that preceded it has been delivered.
	_, err := a.send(MethodPrompt, map[string]any{"sessionId": sessionID, "text": text}, func(resp *jsonrpc.Response) {
		if resp.Error != nil {
			a.finishStream(Event{Kind: EventError, Err: fmt.Errorf("agent %s: %w", MethodPrompt, resp.Error)})
			return
		}
		var out struct {
			StopReason string `json:"stopReason"`
		}
		if len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, &out); err != nil {
				a.violation("decoding prompt result", err)
			}
		}
		a.finishStream(Event{Kind: EventTurnEnd, StopReason: out.StopReason})
	})
	if err != nil {
		a.mu.Lock()
		a.stream = nil
		a.mu.Unlock()
		return nil, err
	}
	return st.ch, nil
}

// emit delivers ev to the active turn. It must only run on the read loop.
func (a *Adapter) emit(ev Event) bool {
	a.mu.Lock()
	st := a.stream
	a.mu.Unlock()
	if st == nil {
		return false
	}
	select {
	case st.ch <- ev:
	case <-st.ctx.Done():
	}
	return true
}

// finishStream emits a final event and closes the active turn.
func (a *Adapter) finishStream(ev Event) {
	a.mu.Lock()
	st := a.stream
	a.stream = nil
	a.mu.Unlock()
	if st == nil {
		return
	}
	select {
	case st.ch <- ev:
	case <-st.ctx.Done():
	}
	close(st.ch)
}

func (a *Adapter) violation(what string, err error) {
	a.violations.Add(1)
	a.logger.Warn("dropping agent frame",
		zap.String("reason", what),
		zap.Error(fmt.Errorf("%w: %w", ErrProtocolViolation, err)),
	)
}

func (a *Adapter) readLoop() {
	for {
		line, err := a.r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			line, err = a.readLong(line)
		}
		if len(bytes.TrimSpace(line)) > 0 {
			a.handleFrame(bytes.TrimSpace(line))
		}
		if err != nil {
			a.terminate(err)
			return
		}
	}
}

// readLong accumulates a frame larger than the reader's buffer.
func (a *Adapter) readLong(prefix []byte) ([]byte, error) {
	buf := append([]byte(nil), prefix...)
	for {
		chunk, err := a.r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxFrameSize {
			a.violation("frame too large", fmt.Errorf("%d bytes", len(buf)))
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = a.r.ReadSlice('\n')
			}
			return nil, err
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return buf, err
		}
	}
}

func (a *Adapter) handleFrame(line []byte) {
	msg, err := jsonrpc.DecodeMessage(line)
	if err != nil {
		a.violation("undecodable frame", err)
		return
	}
	switch m := msg.(type) {
	case *jsonrpc.Response:
		key := idKey(m.ID)
		a.mu.Lock()
		fn, ok := a.pending[key]
		delete(a.pending, key)
		a.mu.Unlock()
		if !ok {
			a.violation("response to unknown request", fmt.Errorf("id %s", key))
			return
		}
		fn(m)
	case *jsonrpc.Request:
		if m.IsCall() {
			a.handleCall(m)
			return
		}
		a.handleNotification(m)
	}
}

type updateParams struct {
	SessionID string `json:"sessionId"`
	Update    struct {
		Kind       string `json:"kind"`
		Text       string `json:"text"`
		ToolCallID string `json:"toolCallId"`
		Name       string `json:"name"`
		Status     string `json:"status"`
	} `json:"update"`
}

func (a *Adapter) handleNotification(req *jsonrpc.Request) {
	if req.Method != MethodUpdate {
		a.violation("unknown notification", fmt.Errorf("method %q", req.Method))
		return
	}
	var p updateParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		a.violation("bad session/update params", err)
		return
	}
	var ev Event
	switch p.Update.Kind {
	case "message_chunk":
		ev = Event{Kind: EventMessageChunk, Text: p.Update.Text}
	case "tool_call":
		ev = Event{Kind: EventToolStatus, ToolCallID: p.Update.ToolCallID, ToolName: p.Update.Name, ToolStatus: p.Update.Status}
	default:
		a.violation("unknown update kind", fmt.Errorf("kind %q", p.Update.Kind))
		return
	}
	if !a.emit(ev) {
		a.logger.Debug("update outside an active turn", zap.String("kind", p.Update.Kind))
	}
}

func (a *Adapter) handleCall(req *jsonrpc.Request) {
	if req.Method != MethodToolCall {
		a.violation("unknown request", fmt.Errorf("method %q", req.Method))
		a.write(&jsonrpc.Response{ID: req.ID, Error: fmt.Errorf("method not found: %s", req.Method)})
		return
	}
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		a.violation("bad tool/call params", err)
		a.write(&jsonrpc.Response{ID: req.ID, Error: fmt.Errorf("invalid params: %v", err)})
		return
	}
	call, err := ParseToolCall(p.Name, p.Arguments)
	if err != nil {
		a.logger.Warn("rejecting tool call", zap.String("tool", p.Name), zap.Error(err))
		a.write(&jsonrpc.Response{ID: req.ID, Error: err})
		return
	}
	tr := &ToolRequest{Call: call, id: req.ID, a: a}
	if !a.emit(Event{Kind: EventToolRequest, Request: tr}) {
		tr.Fail(errors.New("no active turn"))
	}
}

// terminate ends the adapter after the agent's output stream closes.
func (a *Adapter) terminate(cause error) {
	err := ErrProcessTerminated
	if cause != nil && !errors.Is(cause, io.EOF) {
		err = fmt.Errorf("%w: %w", ErrProcessTerminated, cause)
	}

	a.mu.Lock()
	if a.closed {
		err = ErrClosed
	}
	a.doneErr = err
	pending := a.pending
	a.pending = map[string]func(*jsonrpc.Response){}
	a.mu.Unlock()

	close(a.done)
	a.finishStream(Event{Kind: EventError, Err: err})
	if !errors.Is(err, ErrClosed) {
		a.logger.Warn("agent stream ended", zap.Error(err), zap.Int("pending_requests", len(pending)))
	}
}

// Close shuts the adapter down. Requests in flight fail with ErrClosed.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	close(a.closing)
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}
