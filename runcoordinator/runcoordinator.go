// Package runcoordinator owns one run's lifecycle end to end: creating
// the Run record, building the event bus, running the leader (an
// agent.Agent or a team.Team, both satisfying Runner) under a soft
// timeout, persisting messages and events as they are produced, and
// handling cooperative cancellation with a bounded grace period.
package runcoordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/opnureyes2-del/teamrun/agent"
	"github.com/opnureyes2-del/teamrun/eventbus"
	"github.com/opnureyes2-del/teamrun/internal/tokenizer"
	"github.com/opnureyes2-del/teamrun/model"
	"github.com/opnureyes2-del/teamrun/observability"
	"github.com/opnureyes2-del/teamrun/recordstore"
	"github.com/opnureyes2-del/teamrun/runtimeerr"
	"github.com/opnureyes2-del/teamrun/session"
)

// Coordinator timeout and buffer defaults, overridable via Options.
const (
	DefaultSoftRunTimeout  = 120 * time.Second
	DefaultCancelGrace     = 5 * time.Second
	DefaultEventBufferSize = 128
	// DefaultMaxHistoryTokens bounds rolling history before summarization
	// kicks in.
	DefaultMaxHistoryTokens = 2000
	defaultHistoryModel     = "gpt-4"
)

// Runner is satisfied by *agent.Agent and *team.Team: both assemble a
// prompt, call an LLM, and produce a Result for one leader execution.
// Defined here rather than imported from team/ so runcoordinator only
// depends on the shape, not the package.
type Runner interface {
	Execute(ctx context.Context, input agent.Input) (*agent.Result, error)
}

// RunnerFactory builds the leader for one run given the bus it must emit
// through. A runner's Sink (agent.Services.Sink or a Team's own producer
// handle) has to be bound to the SAME bus the coordinator drains and
// persists from, and the bus can only be constructed once the run_id is
// known; so the coordinator generates run_id, builds the bus, and then
// calls back into this factory rather than accepting an already-built
// Runner wired to some other bus.
type RunnerFactory func(bus *eventbus.Bus) (producerID string, runner Runner, err error)

// StartInput is what the caller supplies for one run, minus transport
// framing.
type StartInput struct {
	UserID            string
	SessionID         string // optional; see session.Manager.GetOrCreateSession
	UserInput         string
	SystemInstruction string
	HistoryRuns       int // 0 means "no rolling history requested"
	MemoryHints       []string
	KnowledgeHints    []string
}

// Options configures one Coordinator's timeouts and observability hooks.
type Options struct {
	SoftRunTimeout time.Duration
	CancelGrace    time.Duration
	EventBuffer    int
	Tracer         *observability.Tracer
	Metrics        *observability.Metrics
	// MaxHistoryTokens bounds rolling history; once the pairs returned by
	// SessionManager.History exceed this budget, older runs are folded
	// into one summarized turn rather than included verbatim.
	MaxHistoryTokens int
	HistoryModel     string
}

func (o Options) withDefaults() Options {
	if o.SoftRunTimeout <= 0 {
		o.SoftRunTimeout = DefaultSoftRunTimeout
	}
	if o.CancelGrace <= 0 {
		o.CancelGrace = DefaultCancelGrace
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBufferSize
	}
	if o.MaxHistoryTokens <= 0 {
		o.MaxHistoryTokens = DefaultMaxHistoryTokens
	}
	if o.HistoryModel == "" {
		o.HistoryModel = defaultHistoryModel
	}
	return o
}

// Coordinator drives runs against a RecordStore and a session.Manager.
type Coordinator struct {
	store      recordstore.RecordStore
	sessions   *session.Manager
	opts       Options
	historyCtr *tokenizer.Counter
}

// New creates a Coordinator.
func New(store recordstore.RecordStore, sessions *session.Manager, opts Options) *Coordinator {
	opts = opts.withDefaults()
	ctr, err := tokenizer.NewCounter(opts.HistoryModel)
	if err != nil {
		ctr = nil // Counter's nil receiver falls back to a len/4 estimate
	}
	return &Coordinator{store: store, sessions: sessions, opts: opts, historyCtr: ctr}
}

// RecoverCrashedRuns marks runs left non-terminal by a previous process
// as failed. Call once before accepting new Start calls.
func (c *Coordinator) RecoverCrashedRuns(ctx context.Context) (int, error) {
	return c.store.RecoverCrashedRuns(ctx)
}

// Handle is what Start returns: an event channel plus a blocking Wait
// for the final Result, and Cancel for cooperative cancellation.
type Handle struct {
	RunID string

	events chan *model.Event

	mu        sync.Mutex
	cancelled bool
	cancelFn  context.CancelFunc

	done   chan struct{}
	result *agent.Result
	err    error
}

// Events returns the run's event stream, closed once the run reaches a
// terminal state (or the cancellation grace period forces it shut).
func (h *Handle) Events() <-chan *model.Event { return h.events }

// Cancel triggers cooperative cancellation: in-flight tools are asked
// to stop via ctx, and the run transitions to Cancelled once the leader
// observes it, bounded by the coordinator's cancel grace period.
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	fn := h.cancelFn
	h.mu.Unlock()
	fn()
}

func (h *Handle) wasCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// Wait blocks until the run reaches a terminal state.
func (h *Handle) Wait() (*agent.Result, error) {
	<-h.done
	return h.result, h.err
}

// Start creates the Run record and launches its execution, returning a
// Handle. buildRunner is called once the run's bus exists, so it can
// construct the leader (agent.Agent or team.Team) with a Sink bound to
// that same bus; the producerID it returns becomes the bus's rootID,
// the identity whose terminal event closes the run's event stream.
func (c *Coordinator) Start(ctx context.Context, buildRunner RunnerFactory, in StartInput) (*Handle, error) {
	sess, err := c.sessions.GetOrCreateSession(ctx, in.UserID, in.SessionID)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	bus := eventbus.New(runID, "", c.opts.EventBuffer)
	producerID, runner, err := buildRunner(bus)
	if err != nil {
		return nil, err
	}
	bus.SetRootID(producerID)

	run := &model.Run{
		RunID:     runID,
		SessionID: sess.SessionID,
		UserID:    in.UserID,
		Status:    model.RunPending,
		StartedAt: time.Now(),
		InputRef:  in.UserInput,
	}
	if err := c.store.PutRun(ctx, run); err != nil {
		return nil, err
	}
	if err := c.sessions.RecordRunStarted(ctx, sess.SessionID, run.RunID); err != nil {
		return nil, err
	}
	if err := c.store.AppendMessage(ctx, &model.Message{
		MessageID: uuid.NewString(), RunID: run.RunID, Role: model.RoleUser,
		Content: in.UserInput, CreatedAt: time.Now(), Seq: 1,
	}); err != nil {
		return nil, err
	}

	input := agent.Input{SystemInstruction: in.SystemInstruction, UserInput: in.UserInput, MemoryHints: in.MemoryHints, KnowledgeHints: in.KnowledgeHints}
	if in.HistoryRuns > 0 {
		if history, herr := c.sessions.History(ctx, sess.SessionID, in.HistoryRuns); herr == nil {
			history = session.SummarizeForBudget(history, c.opts.MaxHistoryTokens, c.historyCtr, 2)
			for _, h := range history {
				input.History = append(input.History, agent.HistoryTurn{UserInput: h.UserInput, FinalOutput: h.FinalOutput})
			}
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, c.opts.SoftRunTimeout)

	handle := &Handle{
		RunID:    run.RunID,
		events:   make(chan *model.Event, c.opts.EventBuffer),
		cancelFn: cancel,
		done:     make(chan struct{}),
	}

	run.Status = model.RunStreaming
	_ = c.store.PutRun(ctx, run)

	go c.drive(ctx, runCtx, cancel, bus, run, producerID, runner, input, handle)
	return handle, nil
}

// drive runs the leader to completion, pumping persisted/forwarded
// events concurrently, then finalizes the Run record. It is the sole
// goroutine that writes to handle.result/err/done.
func (c *Coordinator) drive(
	parentCtx, runCtx context.Context,
	cancel context.CancelFunc,
	bus *eventbus.Bus,
	run *model.Run,
	producerID string,
	runner Runner,
	input agent.Input,
	handle *Handle,
) {
	defer cancel()

	spanCtx := runCtx
	var span trace.Span
	if c.opts.Tracer != nil {
		spanCtx, span = c.opts.Tracer.StartRunSpan(runCtx, run.RunID, producerID, run.UserID)
	}

	var partialText string
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		defer close(handle.events)
		for e := range bus.Events() {
			_ = c.store.AppendEvent(parentCtx, e)
			if e.Kind == model.EventContentDelta {
				if t, ok := e.Payload["text"].(string); ok {
					partialText += t
				}
			}
			if !e.Kind.IsTerminal() {
				_ = c.store.PutCheckpoint(parentCtx, &model.Checkpoint{
					RunID: run.RunID, SessionID: run.SessionID, UserID: run.UserID,
					Phase: string(e.Kind), LastRunSeq: e.RunSeq,
					UserInput: input.UserInput, PartialText: partialText, UpdatedAt: time.Now(),
				})
			}
			handle.events <- e
		}
	}()

	res, runErr := runner.Execute(spanCtx, input)

	// The leader bookends its own stream with a terminal event, which
	// closes bus automatically. If cancellation raced a member still
	// unwinding, give it the configured grace period before forcing the
	// bus shut and dropping whatever producers remain.
	select {
	case <-pumpDone:
	case <-time.After(c.opts.CancelGrace):
		bus.Close()
		<-pumpDone
	}

	finishRun(run, res, runErr, runCtx, handle.wasCancelled(), c.opts.SoftRunTimeout)
	_ = c.store.PutRun(parentCtx, run)
	_ = c.store.DeleteCheckpoint(parentCtx, run.RunID)
	if runErr == nil {
		_ = c.store.AppendMessage(parentCtx, &model.Message{
			MessageID: uuid.NewString(), RunID: run.RunID, Role: model.RoleAgent,
			Content: res.FinalText, CreatedAt: run.FinishedAt, Seq: 2,
		})
	}
	if span != nil {
		observability.EndWithError(span, runErr)
	}
	if c.opts.Metrics != nil && res != nil {
		c.opts.Metrics.DelegationRounds.Observe(float64(res.ToolRounds))
		c.opts.Metrics.TokensIn.Add(float64(res.Usage.PromptTokens))
		c.opts.Metrics.TokensOut.Add(float64(res.Usage.CompletionTokens))
	}

	handle.mu.Lock()
	handle.result = res
	handle.err = runErr
	handle.mu.Unlock()
	close(handle.done)
}

// finishRun maps the leader's outcome onto the Run record's terminal
// status and error fields: a timed-out soft deadline is Failed with
// error_kind=timeout, an explicit Cancel is Cancelled, and everything
// else is Succeeded/Failed by the returned error's Kind.
func finishRun(run *model.Run, res *agent.Result, runErr error, runCtx context.Context, cancelled bool, softTimeout time.Duration) {
	run.FinishedAt = time.Now()
	switch {
	case runErr == nil:
		run.Status = model.RunSucceeded
		run.OutputRef = res.FinalText
	case cancelled:
		run.Status = model.RunCancelled
		run.ErrorKind = string(runtimeerr.Cancelled)
		run.ErrorMsg = runErr.Error()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		run.Status = model.RunFailed
		run.ErrorKind = string(runtimeerr.Timeout)
		run.ErrorMsg = fmt.Sprintf("run exceeded soft timeout %s", softTimeout)
	default:
		run.Status = model.RunFailed
		run.ErrorKind = string(runtimeerr.KindOf(runErr))
		run.ErrorMsg = runErr.Error()
	}
}
