package team

import (
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opnureyes2-del/teamrun/agent"
	"github.com/opnureyes2-del/teamrun/eventbus"
	"github.com/opnureyes2-del/teamrun/llmbackend"
	"github.com/opnureyes2-del/teamrun/model"
	"github.com/opnureyes2-del/teamrun/tool"
)

func drainTeam(bus *eventbus.Bus) []*model.Event {
	var events []*model.Event
	for e := range bus.Events() {
		events = append(events, e)
	}
	return events
}

func hasMemberEvent(events []*model.Event, kind model.EventKind, memberID string) bool {
	for _, e := range events {
		if e.Kind == kind && e.Payload["member_id"] == memberID {
			return true
		}
	}
	return false
}

func spec(flags model.TeamFlags, memberIDs ...string) model.TeamSpec {
	members := make([]model.Member, 0, len(memberIDs))
	for _, id := range memberIDs {
		members = append(members, model.Member{
			ID:       id,
			AgentRef: &model.AgentSpec{Name: id, Role: "specialist"},
		})
	}
	return model.TeamSpec{TeamID: "team-1", Name: "research team", Members: members, Flags: flags}
}

// TestSingleDelegationLeaderSynthesizes covers the common case: the
// leader delegates once, gets the member's output back, and produces
// its own synthesized final answer.
func TestSingleDelegationLeaderSynthesizes(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New("run-1", "team-1", 64)

	leaderBackend := llmbackend.NewScripted("leader",
		llmbackend.ScriptedResponse{ToolCalls: []llmbackend.ToolCall{
			{ID: "1", Name: "delegate_task_to_member", Args: map[string]any{
				"member_id": "researcher", "task_description": "find the answer", "expected_output": "a fact",
			}},
		}},
		llmbackend.ScriptedResponse{Text: "synthesized: the answer is 42"},
	)
	memberBackend := llmbackend.NewScripted("researcher", llmbackend.ScriptedResponse{Text: "42"})

	tm, err := New(
		spec(model.DefaultTeamFlags(), "researcher"),
		bus, leaderBackend, tool.NewSet(),
		func(memberID string) MemberServices {
			return MemberServices{Backend: memberBackend, Tools: tool.NewSet()}
		},
		agent.DefaultMaxToolRounds, agent.DefaultToolTimeout,
	)
	require.NoError(t, err)

	resultCh := make(chan *agent.Result, 1)
	go func() {
		res, _ := tm.Execute(ctx, agent.Input{UserInput: "what is the answer?"})
		resultCh <- res
	}()
	events := drainTeam(bus)
	res := <-resultCh

	require.NotNil(t, res)
	assert.Equal(t, "synthesized: the answer is 42", res.FinalText)
	assert.True(t, hasMemberEvent(events, model.EventMemberStarted, "researcher"))
	assert.True(t, hasMemberEvent(events, model.EventMemberCompleted, "researcher"))
}

// TestRespondDirectlyAdoptsMemberOutput: with respond_directly set, the
// team's final answer is the delegated member's raw output, not a
// leader-synthesized one.
func TestRespondDirectlyAdoptsMemberOutput(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New("run-2", "team-1", 64)

	leaderBackend := llmbackend.NewScripted("leader",
		llmbackend.ScriptedResponse{ToolCalls: []llmbackend.ToolCall{
			{ID: "1", Name: "delegate_task_to_member", Args: map[string]any{
				"member_id": "router_target", "task_description": "answer directly", "expected_output": "",
			}},
		}},
		llmbackend.ScriptedResponse{Text: "leader would have said something else"},
	)
	memberBackend := llmbackend.NewScripted("router_target", llmbackend.ScriptedResponse{Text: "the member's raw answer"})

	flags := model.DefaultTeamFlags()
	flags.RespondDirectly = true
	tm, err := New(
		spec(flags, "router_target"),
		bus, leaderBackend, tool.NewSet(),
		func(memberID string) MemberServices {
			return MemberServices{Backend: memberBackend, Tools: tool.NewSet()}
		},
		agent.DefaultMaxToolRounds, agent.DefaultToolTimeout,
	)
	require.NoError(t, err)

	resultCh := make(chan *agent.Result, 1)
	go func() {
		res, _ := tm.Execute(ctx, agent.Input{UserInput: "route this"})
		resultCh <- res
	}()
	drainTeam(bus)
	res := <-resultCh

	require.NotNil(t, res)
	assert.Equal(t, "the member's raw answer", res.FinalText)
}

// TestDelegateToAllMembersFansOutConcurrently: one
// delegate_task_to_member call reaches every member, and the leader
// only sees the aggregated result.
func TestDelegateToAllMembersFansOutConcurrently(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New("run-3", "team-1", 64)

	leaderBackend := llmbackend.NewScripted("leader",
		llmbackend.ScriptedResponse{ToolCalls: []llmbackend.ToolCall{
			{ID: "1", Name: "delegate_task_to_member", Args: map[string]any{
				"member_id": "a", "task_description": "weigh in", "expected_output": "an opinion",
			}},
		}},
		llmbackend.ScriptedResponse{Text: "combined: both members agree"},
	)
	backendA := llmbackend.NewScripted("a", llmbackend.ScriptedResponse{Text: "opinion from a"})
	backendB := llmbackend.NewScripted("b", llmbackend.ScriptedResponse{Text: "opinion from b"})

	flags := model.TeamFlags{DelegateToAllMembers: true}
	tm, err := New(
		spec(flags, "a", "b"),
		bus, leaderBackend, tool.NewSet(),
		func(memberID string) MemberServices {
			if memberID == "a" {
				return MemberServices{Backend: backendA, Tools: tool.NewSet()}
			}
			return MemberServices{Backend: backendB, Tools: tool.NewSet()}
		},
		agent.DefaultMaxToolRounds, agent.DefaultToolTimeout,
	)
	require.NoError(t, err)

	resultCh := make(chan *agent.Result, 1)
	go func() {
		res, _ := tm.Execute(ctx, agent.Input{UserInput: "ask everyone"})
		resultCh <- res
	}()
	events := drainTeam(bus)
	res := <-resultCh

	require.NotNil(t, res)
	assert.Equal(t, "combined: both members agree", res.FinalText)
	assert.True(t, hasMemberEvent(events, model.EventMemberCompleted, "a"))
	assert.True(t, hasMemberEvent(events, model.EventMemberCompleted, "b"))
}

// rendezvousBackend announces that its member has started, then blocks
// until the peer member has started too. A pair of these only completes
// when both members of one delegation round are in flight at the same
// time, so running them sequentially times out instead of passing.
type rendezvousBackend struct {
	name    string
	started chan struct{}
	peer    <-chan struct{}
}

func (b *rendezvousBackend) Name() string { return b.name }

func (b *rendezvousBackend) Generate(ctx context.Context, req *llmbackend.Request, stream bool) iter.Seq2[*llmbackend.Response, error] {
	return func(yield func(*llmbackend.Response, error) bool) {
		close(b.started)
		select {
		case <-b.peer:
			yield(&llmbackend.Response{Text: b.name + " done", FinishReason: llmbackend.FinishStop}, nil)
		case <-time.After(2 * time.Second):
			yield(nil, context.DeadlineExceeded)
		case <-ctx.Done():
			yield(nil, ctx.Err())
		}
	}
}

// TestDistinctDelegationsInOneTurnRunConcurrently: a leader that names
// two different members in the same turn gets both sub-runs executed in
// parallel even without delegate_to_all_members.
func TestDistinctDelegationsInOneTurnRunConcurrently(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New("run-7", "team-1", 64)

	leaderBackend := llmbackend.NewScripted("leader",
		llmbackend.ScriptedResponse{ToolCalls: []llmbackend.ToolCall{
			{ID: "1", Name: "delegate_task_to_member", Args: map[string]any{
				"member_id": "a", "task_description": "first half", "expected_output": "",
			}},
			{ID: "2", Name: "delegate_task_to_member", Args: map[string]any{
				"member_id": "b", "task_description": "second half", "expected_output": "",
			}},
		}},
		llmbackend.ScriptedResponse{Text: "combined both halves"},
	)
	startedA := make(chan struct{})
	startedB := make(chan struct{})
	backendA := &rendezvousBackend{name: "a", started: startedA, peer: startedB}
	backendB := &rendezvousBackend{name: "b", started: startedB, peer: startedA}

	tm, err := New(
		spec(model.DefaultTeamFlags(), "a", "b"),
		bus, leaderBackend, tool.NewSet(),
		func(memberID string) MemberServices {
			if memberID == "a" {
				return MemberServices{Backend: backendA, Tools: tool.NewSet()}
			}
			return MemberServices{Backend: backendB, Tools: tool.NewSet()}
		},
		agent.DefaultMaxToolRounds, agent.DefaultToolTimeout,
	)
	require.NoError(t, err)

	resultCh := make(chan *agent.Result, 1)
	go func() {
		res, _ := tm.Execute(ctx, agent.Input{UserInput: "split this"})
		resultCh <- res
	}()
	events := drainTeam(bus)
	res := <-resultCh

	require.NotNil(t, res)
	assert.Equal(t, "combined both halves", res.FinalText)
	for _, id := range []string{"a", "b"} {
		assert.True(t, hasMemberEvent(events, model.EventMemberStarted, id))
		assert.True(t, hasMemberEvent(events, model.EventMemberCompleted, id))
	}
	for _, e := range events {
		if e.Kind == model.EventMemberCompleted {
			assert.Equal(t, "ok", e.Payload["status"])
		}
	}
}

// TestInvalidFlagCombinationRejected: respond_directly and
// delegate_to_all_members cannot both be set.
func TestInvalidFlagCombinationRejected(t *testing.T) {
	bus := eventbus.New("run-4", "team-1", 16)
	flags := model.TeamFlags{RespondDirectly: true, DelegateToAllMembers: true}
	_, err := New(spec(flags, "a"), bus, llmbackend.NewScripted("leader"), tool.NewSet(),
		func(string) MemberServices { return MemberServices{Backend: llmbackend.NewScripted("m")} },
		agent.DefaultMaxToolRounds, time.Second)
	require.Error(t, err)
}
