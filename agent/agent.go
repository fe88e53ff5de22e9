// Package agent implements the single-purpose execution unit of the
// runtime: it assembles a prompt, calls an LLM backend, interprets the
// response as content or tool calls, runs the tool-call loop, and emits
// events for every step. Team (package team) composes an *Agent as its
// leader and adds the synthetic delegate_task_to_member tool to its
// Services.Tools.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opnureyes2-del/teamrun/eventbus"
	"github.com/opnureyes2-del/teamrun/llmbackend"
	"github.com/opnureyes2-del/teamrun/model"
	"github.com/opnureyes2-del/teamrun/runtimeerr"
	"github.com/opnureyes2-del/teamrun/tool"

	"github.com/a2aproject/a2a-go/a2a"
)

// Loop and timeout defaults, overridable per Services.
const (
	DefaultMaxToolRounds = 8
	DefaultToolTimeout   = 30 * time.Second
)

// Approver gates a tool call that declares tool.Tool.RequiresApproval,
// pausing the run until the caller decides. See invokeTool.
type Approver interface {
	Approve(ctx context.Context, callID, toolName string, args map[string]any) (bool, error)
}

// Services bundles everything one Agent execution needs: backend, tool
// set, event sink, and loop limits. Team builds one Services value per
// member invocation so each member runs with a fresh tool set.
type Services struct {
	Backend       llmbackend.Backend
	Tools         *tool.Set
	Sink          *eventbus.ProducerHandle
	MaxToolRounds int
	ToolTimeout   time.Duration
	// Approver is consulted before any tool whose RequiresApproval is
	// true is invoked. Nil disables the gate and every call proceeds
	// immediately.
	Approver Approver
}

func (s Services) withDefaults() Services {
	if s.MaxToolRounds <= 0 {
		s.MaxToolRounds = DefaultMaxToolRounds
	}
	if s.ToolTimeout <= 0 {
		s.ToolTimeout = DefaultToolTimeout
	}
	return s
}

// Input is the per-execution context Agent.Execute assembles into a
// prompt: system instructions, rolling history, optional
// memory/knowledge hints, and the user's (or leader-synthesized) input.
type Input struct {
	SystemInstruction string
	History           []HistoryTurn
	MemoryHints       []string
	KnowledgeHints    []string
	UserInput         string
}

// HistoryTurn is one prior run folded into context (session.HistoryPair
// re-shaped so agent/ does not need to import session/, avoiding a cycle
// since session/ has no reason to depend on agent/).
type HistoryTurn struct {
	UserInput   string
	FinalOutput string
}

// Result is what Execute produces: the final text plus accounting the
// coordinator persists onto the Run/Message records.
type Result struct {
	FinalText  string
	ToolRounds int
	Usage      llmbackend.Usage
	CappedOut  bool // true if the tool-round cap forced a final turn
}

// Agent runs one prompt-assemble/generate/tool-call loop per Execute.
type Agent struct {
	spec     model.AgentSpec
	services Services
}

// New creates an Agent from spec and services.
func New(spec model.AgentSpec, services Services) *Agent {
	return &Agent{spec: spec, services: services.withDefaults()}
}

// Spec returns the static configuration this Agent was built from.
func (a *Agent) Spec() model.AgentSpec { return a.spec }

// Execute runs the assemble, call, interpret, tool-loop cycle until the
// backend produces a final message. Panics from the backend or tools
// are recovered and converted to internal errors; nothing panics across
// this boundary.
func (a *Agent) Execute(ctx context.Context, input Input) (res *Result, err error) {
	a.services.Sink.Emit(ctx, model.EventRunStarted, map[string]any{"agent": a.spec.Name})
	defer func() {
		if r := recover(); r != nil {
			err = runtimeerr.New(runtimeerr.Internal, fmt.Sprintf("agent %s: panic: %v", a.spec.Name, r))
		}
		a.emitTerminal(ctx, res, err)
	}()

	res, err = a.run(ctx, input)
	return res, err
}

// emitTerminal bookends this producer's event stream. Every Agent,
// leaf or team leader, is a producer and must close its own stream with
// exactly one terminal event before its parent reports the delegation
// complete.
func (a *Agent) emitTerminal(ctx context.Context, res *Result, err error) {
	if err != nil {
		kind := runtimeerr.KindOf(err)
		if kind == runtimeerr.Cancelled {
			a.services.Sink.Emit(ctx, model.EventRunCancelled, map[string]any{"reason": err.Error()})
			return
		}
		a.services.Sink.Emit(ctx, model.EventRunFailed, map[string]any{
			"error_kind": string(kind), "message": err.Error(),
		})
		return
	}
	a.services.Sink.Emit(ctx, model.EventMetrics, map[string]any{
		"tokens_in":  res.Usage.PromptTokens,
		"tokens_out": res.Usage.CompletionTokens,
		"cost_in":    0,
		"cost_out":   0,
	})
	a.services.Sink.Emit(ctx, model.EventRunCompleted, map[string]any{"text": res.FinalText})
}

func (a *Agent) run(ctx context.Context, input Input) (*Result, error) {
	messages := a.assemble(input)
	var usage llmbackend.Usage

	// One reasoning step then one backend call per round, iterating
	// until the backend stops requesting tools.
	for round := 0; ; round++ {
		if round >= a.services.MaxToolRounds {
			a.services.Sink.Emit(ctx, model.EventError, map[string]any{
				"error_kind": string(runtimeerr.Internal),
				"message":    "tool-call round cap reached",
				"fatal":      false,
			})
			final, finalUsage, err := a.finalTurn(ctx, messages)
			if err != nil {
				return nil, err
			}
			usage = addUsage(usage, finalUsage)
			return &Result{FinalText: final, ToolRounds: round, Usage: usage, CappedOut: true}, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, runtimeerr.Wrap(runtimeerr.Cancelled, "agent execution cancelled", err)
		}

		a.services.Sink.Emit(ctx, model.EventReasoningStep, map[string]any{
			"index": round,
			"title": fmt.Sprintf("iteration %d", round+1),
		})

		resp, err := a.generate(ctx, messages, toBackendDefs(a.services.Tools.Definitions()))
		if err != nil {
			switch {
			case errors.Is(ctx.Err(), context.Canceled):
				return nil, runtimeerr.Wrap(runtimeerr.Cancelled, "agent execution cancelled", err)
			case errors.Is(ctx.Err(), context.DeadlineExceeded):
				return nil, runtimeerr.Wrap(runtimeerr.Timeout, "agent execution timed out", err)
			}
			return nil, runtimeerr.Wrap(runtimeerr.Internal, "llm backend call failed", err)
		}
		if resp.Usage != nil {
			usage = addUsage(usage, *resp.Usage)
		}

		if len(resp.ToolCalls) == 0 {
			return &Result{FinalText: resp.Text, ToolRounds: round, Usage: usage}, nil
		}

		messages = append(messages, assistantToolCallMessage(resp))
		callCtx := tool.WithRound(ctx, round)
		for i, result := range a.invokeToolRound(callCtx, resp.ToolCalls) {
			messages = append(messages, toolResultMessage(resp.ToolCalls[i], result))
		}
	}
}

// assemble builds the initial message list from history, hints, and input.
func (a *Agent) assemble(input Input) []*a2a.Message {
	var messages []*a2a.Message
	for _, h := range input.History {
		messages = append(messages, textMessage(a2a.MessageRoleUser, h.UserInput))
		messages = append(messages, textMessage(a2a.MessageRoleAgent, h.FinalOutput))
	}
	for _, hint := range input.MemoryHints {
		messages = append(messages, textMessage(a2a.MessageRoleUser, "[memory] "+hint))
	}
	for _, hint := range input.KnowledgeHints {
		messages = append(messages, textMessage(a2a.MessageRoleUser, "[knowledge] "+hint))
	}
	messages = append(messages, textMessage(a2a.MessageRoleUser, input.UserInput))
	return messages
}

func textMessage(role a2a.MessageRole, text string) *a2a.Message {
	m := a2a.NewMessage(role, a2a.TextPart{Text: text})
	return m
}

// generate calls the backend, streaming content_delta events for
// partial responses and returning the final aggregate Response.
func (a *Agent) generate(ctx context.Context, messages []*a2a.Message, tools []llmbackend.ToolDefinition) (*llmbackend.Response, error) {
	req := &llmbackend.Request{
		Messages:          messages,
		Tools:             tools,
		SystemInstruction: a.spec.Instructions,
	}
	var final *llmbackend.Response
	var genErr error
	for resp, err := range a.services.Backend.Generate(ctx, req, true) {
		if err != nil {
			genErr = err
			break
		}
		if resp.Partial {
			if resp.Text != "" {
				a.services.Sink.Emit(ctx, model.EventContentDelta, map[string]any{"text": resp.Text})
			}
			continue
		}
		final = resp
	}
	if genErr != nil {
		return nil, genErr
	}
	if final == nil {
		return nil, runtimeerr.New(runtimeerr.Internal, "llm backend produced no final response")
	}
	if final.FinishReason != llmbackend.FinishToolCalls && final.Text != "" {
		a.services.Sink.Emit(ctx, model.EventContentDelta, map[string]any{"text": final.Text})
	}
	return final, nil
}

// finalTurn forces a content-only response after the tool-round cap is
// hit. Tools are omitted from the request so the backend has nothing
// left to call; the run still succeeds.
func (a *Agent) finalTurn(ctx context.Context, messages []*a2a.Message) (string, llmbackend.Usage, error) {
	resp, err := a.generate(ctx, messages, nil)
	if err != nil {
		return "", llmbackend.Usage{}, runtimeerr.Wrap(runtimeerr.Internal, "final turn after round cap failed", err)
	}
	var u llmbackend.Usage
	if resp.Usage != nil {
		u = *resp.Usage
	}
	return resp.Text, u, nil
}

// invokeToolRound executes every tool call of one response as a single
// round. Calls run concurrently, so several delegations issued in the
// same leader turn fan out to their members in parallel rather than
// blocking on each sub-run in sequence. Results come back in call
// order; one call's failure never cancels its siblings.
func (a *Agent) invokeToolRound(ctx context.Context, calls []llmbackend.ToolCall) []tool.Result {
	results := make([]tool.Result, len(calls))
	if len(calls) == 1 {
		results[0] = a.invokeTool(ctx, calls[0])
		return results
	}
	g := new(errgroup.Group)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = a.invokeTool(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// invokeTool executes one tool call. Unknown tool names and malformed
// arguments emit a tool_call_completed error and the loop continues
// rather than failing the run; a timeout is retried once if the tool
// declares itself idempotent.
func (a *Agent) invokeTool(ctx context.Context, call llmbackend.ToolCall) tool.Result {
	a.services.Sink.Emit(ctx, model.EventToolCallStarted, map[string]any{
		"tool_name": call.Name, "tool_args": call.Args,
	})
	start := time.Now()

	t, ok := a.services.Tools.Get(call.Name)
	if !ok {
		return a.completeToolCall(ctx, call.Name, start, tool.ErrorResult("unknown tool: "+call.Name), string(runtimeerr.InvalidArgs))
	}

	if t.RequiresApproval() && a.services.Approver != nil {
		callID := fmt.Sprintf("%s-%d", call.Name, start.UnixNano())
		a.services.Sink.Emit(ctx, model.EventToolCallStarted, map[string]any{
			"tool_name": call.Name, "awaiting_approval": true, "call_id": callID,
		})
		approved, err := a.services.Approver.Approve(ctx, callID, call.Name, call.Args)
		if err != nil {
			return a.completeToolCall(ctx, call.Name, start, tool.ErrorResult("approval request failed: "+err.Error()), string(runtimeerr.Internal))
		}
		if !approved {
			return a.completeToolCall(ctx, call.Name, start, tool.ErrorResult("denied by approver"), string(runtimeerr.PermissionDenied))
		}
	}

	result, errKind := a.callWithTimeout(ctx, t, call.Args)
	if errKind == string(runtimeerr.Timeout) {
		if idem, ok := t.(interface{ Idempotent() bool }); ok && idem.Idempotent() {
			result, errKind = a.callWithTimeout(ctx, t, call.Args)
		}
	}
	return a.completeToolCall(ctx, call.Name, start, result, errKind)
}

func (a *Agent) callWithTimeout(ctx context.Context, t tool.Tool, args map[string]any) (tool.Result, string) {
	callCtx, cancel := context.WithTimeout(ctx, a.services.ToolTimeout)
	defer cancel()

	type outcome struct {
		result tool.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{tool.ErrorResult(fmt.Sprintf("tool panicked: %v", r)), nil}
			}
		}()
		res, err := t.Call(callCtx, args)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return tool.ErrorResult(o.err.Error()), string(runtimeerr.KindOf(o.err))
		}
		if o.result.IsError() {
			return o.result, string(runtimeerr.Internal)
		}
		return o.result, ""
	case <-callCtx.Done():
		return tool.ErrorResult("tool call timed out"), string(runtimeerr.Timeout)
	}
}

func (a *Agent) completeToolCall(ctx context.Context, toolName string, start time.Time, result tool.Result, errKind string) tool.Result {
	payload := map[string]any{
		"tool_name":   toolName,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if errKind != "" {
		payload["error_kind"] = errKind
	} else {
		payload["result"] = result.Content
	}
	a.services.Sink.Emit(ctx, model.EventToolCallCompleted, payload)
	return result
}

func assistantToolCallMessage(resp *llmbackend.Response) *a2a.Message {
	return textMessage(a2a.MessageRoleAgent, resp.Text)
}

func toolResultMessage(call llmbackend.ToolCall, result tool.Result) *a2a.Message {
	text := result.Content
	if result.IsError() {
		text = "error: " + result.Error
	}
	return textMessage(a2a.MessageRoleUser, "[tool:"+call.Name+"] "+text)
}

// toBackendDefs adapts tool.Set's provider-agnostic Definition shape to
// the llmbackend.ToolDefinition a Request carries. Two packages describe
// the same shape independently so tool/ never needs to import llmbackend/.
func toBackendDefs(defs []tool.Definition) []llmbackend.ToolDefinition {
	if len(defs) == 0 {
		return nil
	}
	out := make([]llmbackend.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = llmbackend.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}

func addUsage(a, b llmbackend.Usage) llmbackend.Usage {
	return llmbackend.Usage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}
