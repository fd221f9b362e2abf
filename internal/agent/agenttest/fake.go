// Package agenttest provides an in-process agent for exercising the
// codexd agent protocol in tests.
package agenttest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/fakeyudi/codexd/internal/agent"
)

// SessionID is returned by the fake for every session/new request.
const SessionID = "fake-session"

// ContextDelivery is one session/context request received by the fake.
type ContextDelivery struct {
	SessionID string          `json:"sessionId"`
	Tool      string          `json:"tool"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output"`
}

// Fake is an agent that answers the protocol from scripted hooks.
type Fake struct {
	t testing.TB

	in  *io.PipeReader
	out *io.PipeWriter

	// OnPrompt runs on its own goroutine for each session/prompt. The turn
	// ends with stop reason "end_turn" if the hook does not end it.
	OnPrompt func(*Turn)
	// OnContext, if set, decides the session/context response. Returning an
	// error answers with a JSON-RPC error.
	OnContext func(ContextDelivery) error
	// Linger, if positive, makes the fake behave like a process that
	// finishes its in-flight requests after its input closes. The adapter's
	// Close waits up to Linger for the fake to exit, then kills it and
	// fails.
	Linger time.Duration

	writeMu sync.Mutex
	handled sync.WaitGroup

	mu       sync.Mutex
	nextID   int
	pending  map[string]chan *jsonrpc.Response
	contexts []ContextDelivery
	prompts  []string
	seeds    []json.RawMessage

	done     chan struct{}
	doneOnce sync.Once
}

// New returns an adapter connected to a fresh Fake. Hooks must be set before
// the first request that uses them.
func New(t testing.TB, opts agent.Options) (*agent.Adapter, *Fake) {
	t.Helper()
	clientR, fakeW := io.Pipe()
	fakeR, clientW := io.Pipe()

	f := &Fake{
		t:       t,
		in:      fakeR,
		out:     fakeW,
		pending: make(map[string]chan *jsonrpc.Response),
		done:    make(chan struct{}),
	}
	a := agent.New(clientR, clientW, exitCloser{w: clientW, f: f}, opts)
	go f.loop()
	t.Cleanup(func() {
		a.Close()
		f.Exit()
	})
	return a, f
}

type exitCloser struct {
	w *io.PipeWriter
	f *Fake
}

func (c exitCloser) Close() error {
	err := c.w.Close()
	if c.f.Linger <= 0 {
		return err
	}
	select {
	case <-c.f.done:
		return err
	case <-time.After(c.f.Linger):
		c.f.Exit()
		return errors.New("agenttest: agent did not exit after its input closed")
	}
}

// Exit simulates the agent process dying: both pipes close.
func (f *Fake) Exit() {
	f.doneOnce.Do(func() {
		close(f.done)
		f.out.Close()
		f.in.Close()
	})
}

// SendRaw writes line to the client verbatim, followed by a newline.
func (f *Fake) SendRaw(line string) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.out.Write([]byte(line + "\n"))
}

// Contexts returns the session/context deliveries received so far.
func (f *Fake) Contexts() []ContextDelivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ContextDelivery(nil), f.contexts...)
}

// Prompts returns the prompt texts received so far.
func (f *Fake) Prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...)
}

// Seeds returns the context payloads of session/new requests.
func (f *Fake) Seeds() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.seeds...)
}

func (f *Fake) send(msg jsonrpc.Message) {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		f.t.Errorf("fake agent: encoding frame: %v", err)
		return
	}
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	f.out.Write(append(data, '\n'))
}

func (f *Fake) respond(id jsonrpc.ID, result any) {
	data, _ := json.Marshal(result)
	f.send(&jsonrpc.Response{ID: id, Result: data})
}

func (f *Fake) loop() {
	defer f.Exit()
	r := bufio.NewReader(f.in)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if f.Linger > 0 {
				f.handled.Wait()
			}
			return
		}
		msg, err := jsonrpc.DecodeMessage(line)
		if err != nil {
			f.t.Errorf("fake agent: client sent undecodable frame %q: %v", line, err)
			continue
		}
		switch m := msg.(type) {
		case *jsonrpc.Response:
			key := fmt.Sprint(m.ID.Raw())
			f.mu.Lock()
			ch, ok := f.pending[key]
			delete(f.pending, key)
			f.mu.Unlock()
			if ok {
				ch <- m
			}
		case *jsonrpc.Request:
			// Handled off the read loop so a blocked write never stalls reads.
			f.handled.Add(1)
			go func() {
				defer f.handled.Done()
				f.handle(m)
			}()
		}
	}
}

func (f *Fake) handle(req *jsonrpc.Request) {
	switch req.Method {
	case agent.MethodInitialize:
		f.respond(req.ID, map[string]any{"protocolVersion": agent.ProtocolVersion})
	case agent.MethodNewSession:
		var p struct {
			Context json.RawMessage `json:"context"`
		}
		json.Unmarshal(req.Params, &p)
		f.mu.Lock()
		f.seeds = append(f.seeds, p.Context)
		f.mu.Unlock()
		f.respond(req.ID, map[string]any{"sessionId": SessionID})
	case agent.MethodContext:
		var d ContextDelivery
		json.Unmarshal(req.Params, &d)
		f.mu.Lock()
		f.contexts = append(f.contexts, d)
		hook := f.OnContext
		f.mu.Unlock()
		if hook != nil {
			if err := hook(d); err != nil {
				f.send(&jsonrpc.Response{ID: req.ID, Error: err})
				return
			}
		}
		f.respond(req.ID, map[string]any{})
	case agent.MethodPrompt:
		var p struct {
			Text string `json:"text"`
		}
		json.Unmarshal(req.Params, &p)
		f.mu.Lock()
		f.prompts = append(f.prompts, p.Text)
		hook := f.OnPrompt
		f.mu.Unlock()
		turn := &Turn{Text: p.Text, f: f, id: req.ID}
		if hook != nil {
			hook(turn)
		} else {
			turn.Chunk("ok")
		}
		turn.End("end_turn")
	default:
		if req.IsCall() {
			f.send(&jsonrpc.Response{ID: req.ID, Error: fmt.Errorf("method not found: %s", req.Method)})
		}
	}
}

// Turn is one session/prompt being answered by the fake.
type Turn struct {
	// Text is the prompt text.
	Text string

	f     *Fake
	id    jsonrpc.ID
	mu    sync.Mutex
	ended bool
}

func (t *Turn) notify(update map[string]any) {
	params, _ := json.Marshal(map[string]any{"sessionId": SessionID, "update": update})
	t.f.send(&jsonrpc.Request{Method: agent.MethodUpdate, Params: params})
}

// Chunk streams a message fragment.
func (t *Turn) Chunk(text string) {
	t.notify(map[string]any{"kind": "message_chunk", "text": text})
}

// ToolStatus reports progress of a tool the agent runs itself.
func (t *Turn) ToolStatus(id, name, status string) {
	t.notify(map[string]any{"kind": "tool_call", "toolCallId": id, "name": name, "status": status})
}

// CallTool asks the client to run a tool and waits for the answer.
func (t *Turn) CallTool(name string, args any) (json.RawMessage, error) {
	f := t.f
	raw, err := json.Marshal(map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.nextID++
	id, err := jsonrpc.MakeID(fmt.Sprintf("a%d", f.nextID))
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	ch := make(chan *jsonrpc.Response, 1)
	f.pending[fmt.Sprint(id.Raw())] = ch
	f.mu.Unlock()

	f.send(&jsonrpc.Request{ID: id, Method: agent.MethodToolCall, Params: raw})
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-f.done:
		return nil, errors.New("fake agent exited")
	case <-time.After(10 * time.Second):
		return nil, errors.New("fake agent: tool call timed out")
	}
}

// End answers the prompt. Later calls are ignored.
func (t *Turn) End(stopReason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.ended = true
	t.f.respond(t.id, map[string]any{"stopReason": stopReason})
}

// Fail answers the prompt with a JSON-RPC error.
func (t *Turn) Fail(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.ended = true
	t.f.send(&jsonrpc.Response{ID: t.id, Error: errors.New(msg)})
}

// Abandon marks the turn answered without responding, for scripts that end
// by killing the agent.
func (t *Turn) Abandon() {
	t.mu.Lock()
	t.ended = true
	t.mu.Unlock()
}
