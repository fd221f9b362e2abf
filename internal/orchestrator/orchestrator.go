// Package orchestrator drives one analysis session: it sequences history
// collection, pattern analysis, evidence delivery to the agent and the
// agent's replies, and streams every step to a consumer as ordered events.
//
// All session state is owned by a single loop goroutine. Collection, store
// writes and tool execution run on workers whose results are delivered back
// into the loop, where sequence numbers and event indexes are assigned.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fakeyudi/codexd/internal/agent"
	"github.com/fakeyudi/codexd/internal/analyzer"
	"github.com/fakeyudi/codexd/internal/collector"
	"github.com/fakeyudi/codexd/internal/session"
)

// Agent is the part of agent.Adapter the orchestrator uses. The handshake
// is expected to have completed before Start.
type Agent interface {
	NewSession(ctx context.Context, repoIdentity string, seed any) (string, error)
	SendContext(ctx context.Context, sessionID, tool, status string, output any) error
	Prompt(ctx context.Context, sessionID, text string) (<-chan agent.Event, error)
	Done() <-chan struct{}
	Err() error
	Close() error
}

var _ Agent = (*agent.Adapter)(nil)

// Deps are the collaborators of one session.
type Deps struct {
	Store  session.Store
	Agent  Agent
	Source collector.Source
}

// Options tunes an Orchestrator. Zero values select defaults.
type Options struct {
	Logger        *zap.Logger
	MeterProvider metric.MeterProvider

	// Timeout bounds each tool call, including evidence delivery. Default 30s.
	Timeout time.Duration
	// ToolBudget caps agent tool requests per user turn. Default 5.
	ToolBudget int

	Window   collector.Window
	Analysis analyzer.Config

	// WatchHead appends a note when the repository's HEAD moves while the
	// session waits for the user.
	WatchHead bool

	// EventBuffer sizes the consumer channel. Events are never dropped.
	EventBuffer int

	Now func() time.Time
}

// Orchestrator runs a single session. Create one per session with New.
type Orchestrator struct {
	store    session.Store
	agent    Agent
	source   collector.Source
	analyzer *analyzer.Analyzer
	repoPath string

	window    collector.Window
	timeout   time.Duration
	budget    int
	watchHead bool
	now       func() time.Time
	logger    *zap.Logger
	metrics   *metrics

	started   atomic.Bool
	sessionID string

	inbox   chan func()
	stopped chan struct{}
	done    chan struct{}
	events  *outbox
	writer  *writer

	loopCtx context.Context
	cancel  context.CancelFunc

	// Owned by the loop goroutine.
	sess       *session.Session
	agentSID   string
	state      session.State
	seq        int64
	index      int64
	calls      map[string]*pendingCall
	turn       *turn
	commits    []collector.CommitRecord
	stale      bool
	headNoted  bool
	terminated bool
}

type pendingCall struct {
	idx     int
	req     *agent.ToolRequest
	started time.Time
}

// turn tracks one user message and the agent reply it produces.
type turn struct {
	text       string
	prompted   bool
	events     <-chan agent.Event
	reply      strings.Builder
	streamDone bool
	err        error
	agentCalls int
}

// New returns an Orchestrator for the repository at repoPath.
func New(deps Deps, repoPath string, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("orchestrator")
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	budget := opts.ToolBudget
	if budget <= 0 {
		budget = 5
	}
	window := opts.Window
	if window == (collector.Window{}) {
		window = collector.DefaultWindow()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	buffer := opts.EventBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Orchestrator{
		store:     deps.Store,
		agent:     deps.Agent,
		source:    deps.Source,
		analyzer:  analyzer.New(opts.Analysis),
		repoPath:  repoPath,
		window:    window,
		timeout:   timeout,
		budget:    budget,
		watchHead: opts.WatchHead,
		now:       now,
		logger:    logger,
		metrics:   newMetrics(opts.MeterProvider, logger),
		inbox:     make(chan func()),
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
		events:    newOutbox(buffer),
		calls:     make(map[string]*pendingCall),
		state:     session.StateIdle,
	}
}

// Events returns the lifecycle stream. It is closed after termination once
// every event has been received.
func (o *Orchestrator) Events() <-chan Event {
	return o.events.out
}

// Done is closed when the session has terminated and its final state has
// been written.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// SessionID returns the stored session id. It is empty until Start succeeds.
func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// Start creates the session and moves it to Discovery. A repository whose
// history cannot be read fails with the source error and no session is
// stored. Prior context for the repository is read before the new session
// exists, sent to the agent as the session seed and emitted as an
// EventRepoContext when there is any.
func (o *Orchestrator) Start(ctx context.Context, repoIdentity string) error {
	if !o.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: session already started", ErrIllegalTransition)
	}

	res, err := o.source.Collect(ctx, o.repoPath, o.window)
	if err != nil {
		o.abort()
		return fmt.Errorf("reading history: %w", err)
	}
	o.commits = res.Commits

	rc, err := o.store.RepoContext(ctx, repoIdentity)
	if err != nil {
		o.abort()
		return fmt.Errorf("loading repository context: %w", err)
	}
	sess, err := o.store.CreateSession(ctx, repoIdentity)
	if err != nil {
		o.abort()
		return fmt.Errorf("creating session: %w", err)
	}
	agentSID, err := o.agent.NewSession(ctx, repoIdentity, rc)
	if err != nil {
		if cerr := o.store.CompleteSession(ctx, sess.ID, session.StateTerminated); cerr != nil {
			o.logger.Warn("failed to close session after agent error", zap.Error(cerr))
		}
		o.abort()
		return fmt.Errorf("opening agent session: %w", err)
	}

	o.sess = sess
	o.sessionID = sess.ID
	o.agentSID = agentSID
	o.logger = o.logger.With(zap.String("session", sess.ID))
	o.loopCtx, o.cancel = context.WithCancel(context.WithoutCancel(ctx))
	o.writer = newWriter(context.WithoutCancel(ctx), o.logger, func(err error) {
		o.deliver(func() { o.degrade(err) })
	})
	o.metrics.sessionActive(1)

	go o.run()
	go o.watchAgent()
	if o.watchHead && o.repoPath != "" {
		go o.watchRepo()
	}

	return o.do(ctx, func() error {
		if err := o.transition(session.StateDiscovery); err != nil {
			return err
		}
		if !rc.Empty() {
			o.emit(Event{Kind: EventRepoContext, RepoContext: &rc})
		}
		return nil
	})
}

// abort releases resources of a session that never started.
func (o *Orchestrator) abort() {
	close(o.stopped)
	o.events.close()
	close(o.done)
}

// Send appends a user message. The first message starts the investigation;
// later ones open a follow-up turn with the agent.
func (o *Orchestrator) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("empty message")
	}
	return o.do(ctx, func() error { return o.onUserMessage(text) })
}

// Flag records f as a tracked issue through the store and returns the
// updated issue. It is only valid while the session awaits the user.
func (o *Orchestrator) Flag(ctx context.Context, f analyzer.Finding) (session.FlaggedIssue, error) {
	type reply struct {
		issue session.FlaggedIssue
		err   error
	}
	replyc := make(chan reply, 1)
	err := o.do(ctx, func() error {
		switch o.state {
		case session.StateAwaitingUser:
		case session.StateTerminated:
			return ErrTerminated
		case session.StateInvestigating, session.StateSynthesizing, session.StateTracking:
			return ErrTurnInProgress
		default:
			return fmt.Errorf("%w: cannot flag an issue in state %s", ErrIllegalTransition, o.state)
		}
		if err := o.transition(session.StateTracking); err != nil {
			return err
		}
		o.flag(f, func(issue session.FlaggedIssue, err error) {
			if err != nil {
				o.note("could not track %s: %v", f.Kind, err)
			} else {
				o.addIssue(issue)
				o.note("tracking %s (seen in %d session(s), %s)", issue.Signature, issue.OccurrenceCount, issue.Status)
			}
			o.transition(session.StateAwaitingUser)
			replyc <- reply{issue, err}
		})
		return nil
	})
	if err != nil {
		return session.FlaggedIssue{}, err
	}
	select {
	case r := <-replyc:
		return r.issue, r.err
	case <-o.stopped:
		select {
		case r := <-replyc:
			return r.issue, r.err
		default:
			return session.FlaggedIssue{}, ErrTerminated
		}
	case <-ctx.Done():
		return session.FlaggedIssue{}, ctx.Err()
	}
}

// Close terminates the session and waits until its final state is written.
func (o *Orchestrator) Close(ctx context.Context) error {
	if !o.started.Load() {
		return nil
	}
	err := o.do(ctx, func() error {
		o.terminate(nil)
		return nil
	})
	if err != nil && !errors.Is(err, ErrTerminated) {
		return err
	}
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a copy of the in-memory session.
func (o *Orchestrator) Snapshot(ctx context.Context) (*session.Session, error) {
	var out *session.Session
	err := o.do(ctx, func() error {
		out = cloneSession(o.sess)
		return nil
	})
	if errors.Is(err, ErrTerminated) && o.sess != nil {
		// The loop has exited; its state no longer changes.
		return cloneSession(o.sess), nil
	}
	return out, err
}

func cloneSession(s *session.Session) *session.Session {
	c := *s
	c.Messages = append([]session.Message(nil), s.Messages...)
	c.Findings = append([]analyzer.Finding(nil), s.Findings...)
	c.ToolCalls = append([]session.ToolCallEvent(nil), s.ToolCalls...)
	c.Issues = append([]session.FlaggedIssue(nil), s.Issues...)
	return &c
}

// do runs fn on the loop and returns its error.
func (o *Orchestrator) do(ctx context.Context, fn func() error) error {
	if !o.started.Load() {
		return fmt.Errorf("%w: session not started", ErrIllegalTransition)
	}
	errc := make(chan error, 1)
	select {
	case o.inbox <- func() { errc <- fn() }:
	case <-o.stopped:
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-errc
}

// deliver hands fn to the loop. It reports false once the loop has exited.
func (o *Orchestrator) deliver(fn func()) bool {
	select {
	case o.inbox <- fn:
		return true
	case <-o.stopped:
		return false
	}
}

func (o *Orchestrator) run() {
	defer func() {
		close(o.stopped)
		<-o.writer.finished
		// The turn stream is bound to loopCtx; cancel it before Close.
		o.cancel()
		if err := o.agent.Close(); err != nil {
			o.logger.Debug("closing agent", zap.Error(err))
		}
		o.events.close()
		close(o.done)
	}()
	for !o.terminated {
		select {
		case fn := <-o.inbox:
			fn()
		case ev, ok := <-o.turnEvents():
			o.onAgentEvent(ev, ok)
		}
	}
}

func (o *Orchestrator) watchAgent() {
	select {
	case <-o.agent.Done():
		err := o.agent.Err()
		o.deliver(func() { o.terminate(err) })
	case <-o.stopped:
	}
}

func (o *Orchestrator) watchRepo() {
	err := collector.WatchHead(o.loopCtx, o.repoPath, func() {
		o.deliver(o.onHeadChanged)
	})
	if err != nil && o.loopCtx.Err() == nil {
		o.logger.Warn("watching repository head", zap.Error(err))
	}
}

func (o *Orchestrator) turnEvents() <-chan agent.Event {
	if o.turn == nil {
		return nil
	}
	return o.turn.events
}

var transitions = map[session.State][]session.State{
	session.StateIdle:          {session.StateDiscovery},
	session.StateDiscovery:     {session.StateInvestigating},
	session.StateInvestigating: {session.StateSynthesizing},
	session.StateSynthesizing:  {session.StateAwaitingUser},
	session.StateAwaitingUser:  {session.StateInvestigating, session.StateTracking},
	session.StateTracking:      {session.StateAwaitingUser},
}

func (o *Orchestrator) transition(to session.State) error {
	from := o.state
	if from == session.StateTerminated {
		return ErrTerminated
	}
	legal := to == session.StateTerminated
	for _, s := range transitions[from] {
		legal = legal || s == to
	}
	if !legal {
		o.logger.Error("illegal transition", zap.String("from", string(from)), zap.String("to", string(to)))
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	o.state = to
	o.sess.State = to
	o.metrics.recordTransition(from, to)
	o.emit(Event{Kind: EventStateChanged, From: from, To: to})
	if to != session.StateTerminated {
		id := o.sess.ID
		o.persist("set_state", func(ctx context.Context) error {
			return o.store.SetState(ctx, id, to)
		})
	}
	return nil
}

func (o *Orchestrator) emit(ev Event) {
	o.index++
	ev.Index = o.index
	ev.SessionID = o.sess.ID
	ev.At = o.now()
	o.events.push(ev)
}

func (o *Orchestrator) persist(name string, fn func(ctx context.Context) error) {
	o.writer.enqueue(writeJob{name: name, run: fn})
}

func (o *Orchestrator) appendMessage(role session.Role, content string) {
	o.seq++
	m := session.Message{
		SessionID: o.sess.ID,
		Seq:       o.seq,
		Role:      role,
		Content:   content,
		CreatedAt: o.now(),
	}
	o.sess.Messages = append(o.sess.Messages, m)
	o.emit(Event{Kind: EventMessage, Message: &m})
	o.persist("append_message", func(ctx context.Context) error {
		return o.store.AppendMessage(ctx, m)
	})
}

// note appends a system message describing a degradation or a change.
func (o *Orchestrator) note(format string, args ...any) {
	o.appendMessage(session.RoleSystem, fmt.Sprintf(format, args...))
}

func (o *Orchestrator) warn(format string, args ...any) {
	o.emit(Event{Kind: EventWarning, Text: fmt.Sprintf(format, args...)})
}

func (o *Orchestrator) addFinding(f analyzer.Finding) {
	o.sess.Findings = append(o.sess.Findings, f)
	id := o.sess.ID
	o.persist("append_findings", func(ctx context.Context) error {
		return o.store.AppendFindings(ctx, id, []analyzer.Finding{f})
	})
}

func (o *Orchestrator) addIssue(issue session.FlaggedIssue) {
	for i := range o.sess.Issues {
		if o.sess.Issues[i].Signature == issue.Signature {
			o.sess.Issues[i] = issue
			return
		}
	}
	o.sess.Issues = append(o.sess.Issues, issue)
}

// flag writes f through the writer queue and runs onDone on the loop.
func (o *Orchestrator) flag(f analyzer.Finding, onDone func(session.FlaggedIssue, error)) {
	id := o.sess.ID
	var issue session.FlaggedIssue
	o.writer.enqueue(writeJob{
		name: "flag_issue",
		run: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, o.timeout)
			defer cancel()
			var err error
			issue, err = o.store.FlagIssue(ctx, id, f)
			return err
		},
		done: func(err error) {
			o.deliver(func() { onDone(issue, err) })
		},
	})
}

func (o *Orchestrator) degrade(err error) {
	o.metrics.storeDegraded()
	o.logger.Warn("session store unavailable, continuing in memory", zap.Error(err))
	o.warn("storage unavailable, continuing in memory: %v", err)
	o.note("storage unavailable: findings from here on are kept in memory only")
}

func (o *Orchestrator) onHeadChanged() {
	o.stale = true
	if o.state == session.StateAwaitingUser && !o.headNoted {
		o.headNoted = true
		o.note("new commits since analysis")
	}
}

func (o *Orchestrator) onUserMessage(text string) error {
	switch o.state {
	case session.StateDiscovery:
		o.appendMessage(session.RoleUser, text)
		if err := o.transition(session.StateInvestigating); err != nil {
			return err
		}
		o.turn = &turn{text: text}
		ids := make([]string, len(agent.AnalysisTools))
		for i, tool := range agent.AnalysisTools {
			ids[i] = o.newToolCall(string(tool), json.RawMessage("{}"), nil)
		}
		go o.investigate(ids)
		return nil
	case session.StateAwaitingUser:
		o.appendMessage(session.RoleUser, text)
		if err := o.transition(session.StateInvestigating); err != nil {
			return err
		}
		o.turn = &turn{text: text}
		o.prompt()
		return nil
	case session.StateInvestigating, session.StateSynthesizing, session.StateTracking:
		return ErrTurnInProgress
	case session.StateTerminated:
		return ErrTerminated
	}
	return fmt.Errorf("%w: cannot accept a message in state %s", ErrIllegalTransition, o.state)
}

func (o *Orchestrator) newToolCall(name string, input any, req *agent.ToolRequest) string {
	raw, err := json.Marshal(input)
	if err != nil {
		raw = nil
	}
	o.seq++
	now := o.now()
	tc := session.ToolCallEvent{
		ID:        uuid.NewString(),
		SessionID: o.sess.ID,
		Seq:       o.seq,
		Name:      name,
		Input:     raw,
		Status:    session.ToolPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	o.sess.ToolCalls = append(o.sess.ToolCalls, tc)
	o.calls[tc.ID] = &pendingCall{idx: len(o.sess.ToolCalls) - 1, req: req, started: now}
	o.recordToolCall(tc)
	return tc.ID
}

func (o *Orchestrator) recordToolCall(tc session.ToolCallEvent) {
	o.emit(Event{Kind: EventToolCall, ToolCall: &tc})
	o.persist("record_tool_call", func(ctx context.Context) error {
		return o.store.RecordToolCall(ctx, tc)
	})
}

// finishToolCall moves a pending call to its terminal status and answers the
// agent if it asked for the call.
func (o *Orchestrator) finishToolCall(id string, output any, callErr error) {
	pc, ok := o.calls[id]
	if !ok {
		return
	}
	delete(o.calls, id)

	tc := &o.sess.ToolCalls[pc.idx]
	if output != nil {
		if data, err := json.Marshal(output); err == nil {
			tc.Output = string(data)
		}
	}
	if callErr != nil {
		tc.Status = session.ToolFailed
		tc.Error = callErr.Error()
	} else {
		tc.Status = session.ToolSucceeded
	}
	tc.UpdatedAt = o.now()
	o.metrics.recordTool(tc.Name, tc.Status, tc.UpdatedAt.Sub(pc.started))
	o.recordToolCall(*tc)

	if req := pc.req; req != nil {
		go func() {
			var err error
			if callErr != nil {
				err = req.Fail(callErr)
			} else {
				err = req.Respond(output)
			}
			if err != nil {
				o.logger.Debug("answering tool request", zap.String("tool", tc.Name), zap.Error(err))
			}
		}()
	}
	o.advance()
}

// advance moves the current turn forward once nothing is pending.
func (o *Orchestrator) advance() {
	t := o.turn
	if t == nil || o.terminated || len(o.calls) > 0 {
		return
	}
	switch {
	case !t.prompted:
		if err := o.transition(session.StateSynthesizing); err != nil {
			return
		}
		o.prompt()
	case t.streamDone:
		o.completeTurn()
	}
}

func (o *Orchestrator) prompt() {
	t := o.turn
	t.prompted = true
	events, err := o.agent.Prompt(o.loopCtx, o.agentSID, t.text)
	if err != nil {
		if fatal(err) {
			o.terminate(err)
			return
		}
		t.streamDone = true
		t.err = err
		o.advance()
		return
	}
	t.events = events
}

func fatal(err error) bool {
	return errors.Is(err, agent.ErrProcessTerminated) || errors.Is(err, agent.ErrClosed)
}

func (o *Orchestrator) onAgentEvent(ev agent.Event, ok bool) {
	t := o.turn
	if !ok {
		t.events = nil
		if !t.streamDone {
			t.streamDone = true
			t.err = agent.ErrProcessTerminated
			o.advance()
		}
		return
	}
	switch ev.Kind {
	case agent.EventMessageChunk:
		t.reply.WriteString(ev.Text)
		o.emit(Event{Kind: EventMessageChunk, Text: ev.Text})
	case agent.EventToolStatus:
		o.emit(Event{Kind: EventAgentActivity, Text: strings.TrimSpace(ev.ToolName + " " + ev.ToolStatus)})
	case agent.EventToolRequest:
		o.onToolRequest(ev.Request)
	case agent.EventTurnEnd:
		t.streamDone = true
		o.metrics.recordTurn("completed")
		o.advance()
	case agent.EventError:
		if fatal(ev.Err) {
			o.terminate(ev.Err)
			return
		}
		t.streamDone = true
		t.err = ev.Err
		o.metrics.recordTurn("failed")
		o.advance()
	}
}

func (o *Orchestrator) completeTurn() {
	t := o.turn
	if o.state == session.StateInvestigating {
		if err := o.transition(session.StateSynthesizing); err != nil {
			return
		}
	}
	if t.err != nil {
		o.note("agent turn failed: %v", t.err)
	}
	if reply := t.reply.String(); reply != "" {
		o.appendMessage(session.RoleAgent, reply)
	} else if t.err == nil {
		o.note("agent ended its turn without a reply")
	}
	o.turn = nil
	o.transition(session.StateAwaitingUser)
}

func (o *Orchestrator) onToolRequest(req *agent.ToolRequest) {
	t := o.turn
	name := string(req.Call.Tool())
	if t.agentCalls >= o.budget {
		o.logger.Warn("tool budget exceeded", zap.String("tool", name), zap.Int("budget", o.budget))
		o.warn("tool budget of %d calls reached, rejected %s", o.budget, name)
		go req.Fail(ErrToolBudgetExceeded)
		return
	}
	t.agentCalls++
	id := o.newToolCall(name, req.Call, req)
	o.dispatch(id, req.Call)
}

// terminate fails everything pending, closes the session in the store and
// stops the loop. cause is nil for an explicit close.
func (o *Orchestrator) terminate(cause error) {
	if o.terminated {
		return
	}
	o.terminated = true

	ids := make([]string, 0, len(o.calls))
	for id := range o.calls {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return o.calls[ids[i]].idx < o.calls[ids[j]].idx })
	reason := ErrTerminated
	if cause != nil {
		reason = fmt.Errorf("%w: %w", ErrTerminated, cause)
	}
	for _, id := range ids {
		o.finishToolCall(id, nil, reason)
	}

	if t := o.turn; t != nil && t.reply.Len() > 0 {
		o.appendMessage(session.RoleAgent, t.reply.String())
	}
	o.turn = nil
	if cause != nil {
		o.logger.Warn("session terminated", zap.Error(cause))
		o.note("session terminated: %v", cause)
	}
	o.transition(session.StateTerminated)

	id := o.sess.ID
	o.persist("complete_session", func(ctx context.Context) error {
		return o.store.CompleteSession(ctx, id, session.StateTerminated)
	})
	o.writer.close()
	o.metrics.sessionActive(-1)
}
