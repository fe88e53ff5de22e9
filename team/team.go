// Package team implements a leader-of-agents: it composes an
// *agent.Agent as its leader and adds the synthetic
// delegate_task_to_member (and, when delegate_to_all_members is false,
// stop_delegation) tools to its tool set. Team itself implements
// tool.Delegator, so the leader's ordinary tool-call loop is what
// drives delegation; Team's own code only decides who gets a task and
// how its output is folded back, per the TeamFlags.
package team

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opnureyes2-del/teamrun/agent"
	"github.com/opnureyes2-del/teamrun/eventbus"
	"github.com/opnureyes2-del/teamrun/llmbackend"
	"github.com/opnureyes2-del/teamrun/model"
	"github.com/opnureyes2-del/teamrun/runtimeerr"
	"github.com/opnureyes2-del/teamrun/tool"
)

// DefaultMaxDelegationRounds caps how many delegation rounds a leader
// may run before it is forced to synthesize. Each round of the leader's
// tool-call loop is exactly one delegation round, so this is the
// maxToolRounds a Team's leader Agent is built with, distinct from a
// plain leaf Agent's larger agent.DefaultMaxToolRounds.
const DefaultMaxDelegationRounds = 4

// Runnable is satisfied by both *agent.Agent and *Team, letting a member
// be either a leaf agent or a nested team.
type Runnable interface {
	Execute(ctx context.Context, input agent.Input) (*agent.Result, error)
}

// MemberServices is what one member (agent or nested team) needs wired
// in, mirroring agent.Services but supplied per member since each member
// may have its own tool set or, for a nested team, its own members.
type MemberServices struct {
	Backend       llmbackend.Backend
	Tools         *tool.Set
	MaxToolRounds int
	ToolTimeout   time.Duration
}

// ServicesFactory resolves the services one named member runs with.
// Supplied by whoever constructs the team (runcoordinator), since only
// it knows which backend a member's ModelRef maps to.
type ServicesFactory func(memberID string) MemberServices

type memberEntry struct {
	desc   tool.MemberDescriptor
	runner Runnable
}

// Team orchestrates a leader agent over a set of delegatable members.
type Team struct {
	spec    model.TeamSpec
	leader  *agent.Agent
	members map[string]memberEntry
	order   []string // member IDs in spec.Members order
	sink    *eventbus.ProducerHandle

	mu              sync.Mutex
	directResponse  string
	directResponded bool
	stopped         bool
	interactionLog  []string
	rawUserInput    string
	historyTurns    []agent.HistoryTurn
	lastFanoutRound int
}

// New builds a Team from spec. bus supplies the leader's and every
// member's ProducerHandle (leader at spec.TeamID, each member at its
// own ID, so per-producer sequencing applies uniformly). leaderBackend
// runs the leader's own LLM calls; servicesFor resolves each member's
// backend/tools. leaderTools is the leader's own tool set (e.g.
// memory_search) before the synthetic delegation tools are appended.
func New(
	spec model.TeamSpec,
	bus *eventbus.Bus,
	leaderBackend llmbackend.Backend,
	leaderTools *tool.Set,
	servicesFor ServicesFactory,
	maxToolRounds int,
	toolTimeout time.Duration,
) (*Team, error) {
	if err := spec.Flags.Validate(); err != nil {
		return nil, runtimeerr.Wrap(runtimeerr.InvalidArgs, "invalid team flags", err)
	}
	if maxToolRounds <= 0 {
		maxToolRounds = DefaultMaxDelegationRounds
	}

	tm := &Team{
		spec:    spec,
		members: make(map[string]memberEntry, len(spec.Members)),
		sink:    bus.Producer(spec.TeamID),
	}

	for _, m := range spec.Members {
		runner, desc, err := buildMember(m, bus, servicesFor)
		if err != nil {
			return nil, err
		}
		tm.members[m.ID] = memberEntry{desc: desc, runner: runner}
		tm.order = append(tm.order, m.ID)
	}

	tools := tool.NewSet()
	if leaderTools != nil {
		for _, d := range leaderTools.Definitions() {
			if lt, ok := leaderTools.Get(d.Name); ok {
				tools.Add(lt)
			}
		}
	}
	tools.Add(tool.NewDelegateTool(tm))
	if !spec.Flags.DelegateToAllMembers {
		tools.Add(tool.NewStopDelegationTool(tm.stopDelegating))
	}

	tm.leader = agent.New(
		model.AgentSpec{
			AgentID:      spec.TeamID,
			Name:         spec.Name,
			ModelRef:     spec.LeaderModelRef,
			Instructions: buildLeaderInstructions(spec),
		},
		agent.Services{
			Backend:       leaderBackend,
			Tools:         tools,
			Sink:          tm.sink,
			MaxToolRounds: maxToolRounds,
			ToolTimeout:   toolTimeout,
		},
	)
	return tm, nil
}

func buildMember(m model.Member, bus *eventbus.Bus, servicesFor ServicesFactory) (Runnable, tool.MemberDescriptor, error) {
	switch {
	case m.AgentRef != nil:
		svc := servicesFor(m.ID)
		a := agent.New(*m.AgentRef, agent.Services{
			Backend:       svc.Backend,
			Tools:         svc.Tools,
			Sink:          bus.Producer(m.ID),
			MaxToolRounds: svc.MaxToolRounds,
			ToolTimeout:   svc.ToolTimeout,
		})
		return a, tool.MemberDescriptor{ID: m.ID, Name: m.AgentRef.Name, Role: m.AgentRef.Role, ToolNames: m.AgentRef.Tools}, nil
	case m.TeamRef != nil:
		svc := servicesFor(m.ID)
		nested, err := New(*m.TeamRef, bus, svc.Backend, svc.Tools, servicesFor, svc.MaxToolRounds, svc.ToolTimeout)
		if err != nil {
			return nil, tool.MemberDescriptor{}, runtimeerr.Wrap(runtimeerr.InvalidArgs, fmt.Sprintf("building nested team %q", m.ID), err)
		}
		names := make([]string, 0, len(m.TeamRef.Members))
		for _, mm := range m.TeamRef.Members {
			names = append(names, mm.ID)
		}
		return nested, tool.MemberDescriptor{ID: m.ID, Name: m.TeamRef.Name, Role: "team", ToolNames: names}, nil
	default:
		return nil, tool.MemberDescriptor{}, runtimeerr.New(runtimeerr.InvalidArgs, fmt.Sprintf("member %q has neither AgentRef nor TeamRef", m.ID))
	}
}

// buildLeaderInstructions extends spec.Instructions with the member
// roster and, when AddMemberToolsToContext is set, each member's own
// tool names so the leader can route more precisely.
func buildLeaderInstructions(spec model.TeamSpec) string {
	var b strings.Builder
	b.WriteString(spec.Instructions)
	b.WriteString("\n\nTeam members:\n")
	for _, m := range spec.Members {
		switch {
		case m.AgentRef != nil:
			b.WriteString(fmt.Sprintf("- %s (%s): %s", m.ID, m.AgentRef.Role, m.AgentRef.Name))
			if spec.Flags.AddMemberToolsToContext && len(m.AgentRef.Tools) > 0 {
				b.WriteString(" [tools: " + strings.Join(m.AgentRef.Tools, ", ") + "]")
			}
			b.WriteString("\n")
		case m.TeamRef != nil:
			b.WriteString(fmt.Sprintf("- %s (sub-team): %s\n", m.ID, m.TeamRef.Name))
		}
	}
	if spec.Flags.DelegateToAllMembers {
		b.WriteString("\nEvery delegation fans out to all members at once; one delegate_task_to_member call is enough.\n")
	} else {
		b.WriteString("\nCall stop_delegation once you have gathered what you need from members.\n")
	}
	return b.String()
}

// Execute runs the leader's assemble, call, interpret, delegation-loop
// cycle. input.History/hints are the team's own, passed through to the
// leader like any agent.Input; per-member history/hints are built
// separately inside Delegate from the team's flags.
func (tm *Team) Execute(ctx context.Context, input agent.Input) (*agent.Result, error) {
	tm.mu.Lock()
	tm.directResponse = ""
	tm.directResponded = false
	tm.stopped = false
	tm.interactionLog = nil
	tm.rawUserInput = input.UserInput
	tm.historyTurns = append([]agent.HistoryTurn(nil), input.History...)
	tm.lastFanoutRound = -1
	tm.mu.Unlock()

	res, err := tm.leader.Execute(ctx, input)
	if err != nil {
		return nil, err
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.spec.Flags.RespondDirectly && tm.directResponded {
		res.FinalText = tm.directResponse
	}
	return res, nil
}

// Members implements tool.Delegator.
func (tm *Team) Members() []tool.MemberDescriptor {
	out := make([]tool.MemberDescriptor, 0, len(tm.order))
	for _, id := range tm.order {
		out = append(out, tm.members[id].desc)
	}
	return out
}

// Delegate implements tool.Delegator. It is called synchronously from
// the leader's own tool-call loop (agent.Agent.invokeTool), so its
// return value becomes that tool call's result message.
func (tm *Team) Delegate(ctx context.Context, memberID, taskDescription, expectedOutput string) (tool.Result, error) {
	targets := []string{memberID}
	if tm.spec.Flags.DelegateToAllMembers {
		// Any delegation expands to the full member set; further
		// delegate calls the leader issues in the same turn collapse
		// into the fan-out already dispatched for that round.
		if round, ok := tool.RoundFromContext(ctx); ok {
			tm.mu.Lock()
			already := tm.lastFanoutRound == round
			tm.lastFanoutRound = round
			tm.mu.Unlock()
			if already {
				return tool.TextResult("delegation already dispatched to every member this turn"), nil
			}
		}
		targets = append([]string(nil), tm.order...)
	}

	task := taskDescription
	if !tm.spec.Flags.DetermineInputForMembers {
		tm.mu.Lock()
		task = tm.rawUserInput
		tm.mu.Unlock()
	}

	// Each member runs independently: one member's failure must not
	// cancel its siblings, so the group functions always return nil and
	// carry their outcome in results instead of the group's error.
	results := make([]delegateOutcome, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range targets {
		i, id := i, id
		g.Go(func() error {
			r, err := tm.runMember(gctx, id, task, expectedOutput)
			results[i] = delegateOutcome{id: id, result: r, err: err}
			return nil
		})
	}
	_ = g.Wait()

	tm.mu.Lock()
	if tm.spec.Flags.RespondDirectly && len(results) == 1 && results[0].err == nil {
		tm.directResponse = results[0].result.Content
		tm.directResponded = true
	}
	tm.mu.Unlock()

	return aggregateResults(results), nil
}

type delegateOutcome struct {
	id     string
	result tool.Result
	err    error
}

func aggregateResults(results []delegateOutcome) tool.Result {
	if len(results) == 1 {
		return results[0].result
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n")
		}
		status := "ok"
		text := r.result.Content
		if r.err != nil || r.result.IsError() {
			status = "error"
			if r.err != nil {
				text = r.err.Error()
			} else {
				text = r.result.Error
			}
		}
		fmt.Fprintf(&b, "[%s:%s] %s", r.id, status, text)
	}
	return tool.TextResult(b.String())
}

// runMember starts one member's sub-run, emitting member_delegation,
// member_started, and member_completed from the team's own producer,
// while the member's Agent.Execute bookends its own stream with
// run_started/run_completed under its own producer ID.
func (tm *Team) runMember(ctx context.Context, memberID, task, expectedOutput string) (tool.Result, error) {
	entry, ok := tm.members[memberID]
	if !ok {
		return tool.ErrorResult("unknown member: " + memberID), nil
	}

	tm.sink.Emit(ctx, model.EventMemberDelegation, map[string]any{
		"member_id": memberID, "task": task, "expected_output": expectedOutput,
	})
	tm.sink.Emit(ctx, model.EventMemberStarted, map[string]any{"member_id": memberID, "task": task})

	input := agent.Input{UserInput: task}
	if tm.spec.Flags.AddTeamHistoryToMembers {
		input.History = tm.teamHistory()
	}
	if tm.spec.Flags.ShareMemberInteractions {
		tm.mu.Lock()
		for _, line := range tm.interactionLog {
			input.MemoryHints = append(input.MemoryHints, line)
		}
		tm.mu.Unlock()
	}

	res, err := entry.runner.Execute(ctx, input)

	status := "ok"
	output := ""
	if err != nil {
		status = "error"
		output = err.Error()
	} else {
		output = res.FinalText
	}
	tm.sink.Emit(ctx, model.EventMemberCompleted, map[string]any{
		"member_id": memberID, "status": status, "output": output,
	})

	tm.mu.Lock()
	tm.interactionLog = append(tm.interactionLog, fmt.Sprintf("member %s was asked %q and answered %q", memberID, task, output))
	tm.mu.Unlock()

	if err != nil {
		return tool.ErrorResult(err.Error()), err
	}
	return tool.TextResult(res.FinalText), nil
}

// teamHistory returns the team-level exchanges members may see when
// AddTeamHistoryToMembers is set: the rolling history the coordinator
// threaded into the team's own Input, bounded by NumHistoryRuns.
func (tm *Team) teamHistory() []agent.HistoryTurn {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	turns := tm.historyTurns
	if n := tm.spec.Flags.NumHistoryRuns; n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return append([]agent.HistoryTurn(nil), turns...)
}

func (tm *Team) stopDelegating() {
	tm.mu.Lock()
	tm.stopped = true
	tm.mu.Unlock()
}

// Stopped reports whether stop_delegation has been called during the
// current Execute. The leader's tool-call loop does not consult it.
func (tm *Team) Stopped() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.stopped
}

// Spec returns the static configuration this Team was built from.
func (tm *Team) Spec() model.TeamSpec { return tm.spec }

// MemberIDs returns member IDs sorted, convenient for tests and logging.
func (tm *Team) MemberIDs() []string {
	ids := append([]string(nil), tm.order...)
	sort.Strings(ids)
	return ids
}
