package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// MemberDescriptor is what a leader's synthetic delegate tool shows the
// model about one team member: id, name, role, and tool names.
type MemberDescriptor struct {
	ID        string
	Name      string
	Role      string
	ToolNames []string
}

// Delegator knows how to start a sub-run against a named member and
// block for its result. The DelegateTool itself stays free of any
// runcoordinator/team import, avoiding an import cycle; team constructs
// this tool and supplies itself as the Delegator.
type Delegator interface {
	// Members lists the members currently delegatable to.
	Members() []MemberDescriptor
	// Delegate starts a sub-run for memberID with the given task
	// description and expected output, and blocks until it completes.
	Delegate(ctx context.Context, memberID, taskDescription, expectedOutput string) (Result, error)
}

// DelegateTool is the synthetic `delegate_task_to_member` tool every
// Team leader is given: a dynamic description plus an enum parameter
// listing the currently available targets, validated before the call is
// made.
type DelegateTool struct {
	delegator Delegator
}

// NewDelegateTool wraps d as the synthetic delegate_task_to_member tool.
func NewDelegateTool(d Delegator) *DelegateTool {
	return &DelegateTool{delegator: d}
}

var _ Tool = (*DelegateTool)(nil)

func (t *DelegateTool) Name() string { return "delegate_task_to_member" }

func (t *DelegateTool) Description() string {
	return "Delegate a task to a team member. Available members: " + t.listMembers()
}

func (t *DelegateTool) listMembers() string {
	members := t.delegator.Members()
	if len(members) == 0 {
		return "(none configured)"
	}
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, fmt.Sprintf("%s (%s)", m.ID, m.Role))
	}
	return strings.Join(names, ", ")
}

func (t *DelegateTool) memberIDs() []string {
	members := t.delegator.Members()
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)
	return ids
}

func (t *DelegateTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"member_id": map[string]any{
				"type":        "string",
				"description": "ID of the team member to delegate to",
				"enum":        t.memberIDs(),
			},
			"task_description": map[string]any{
				"type":        "string",
				"description": "The task for the member to perform",
			},
			"expected_output": map[string]any{
				"type":        "string",
				"description": "What shape of answer is expected back from the member",
			},
		},
		"required": []string{"member_id", "task_description", "expected_output"},
	}
}

func (t *DelegateTool) RequiresApproval() bool { return false }

func (t *DelegateTool) Call(ctx context.Context, args map[string]any) (Result, error) {
	memberID, ok := args["member_id"].(string)
	if !ok || memberID == "" {
		return ErrorResult("parameter 'member_id' must be a non-empty string"), nil
	}
	taskDescription, ok := args["task_description"].(string)
	if !ok || taskDescription == "" {
		return ErrorResult("parameter 'task_description' must be a non-empty string"), nil
	}
	expectedOutput, _ := args["expected_output"].(string)

	members := t.delegator.Members()
	found := false
	for _, m := range members {
		if m.ID == memberID {
			found = true
			break
		}
	}
	if !found {
		return ErrorResult(fmt.Sprintf("unknown member %q (available: %s)", memberID, t.listMembers())), nil
	}

	return t.delegator.Delegate(ctx, memberID, taskDescription, expectedOutput)
}

// StopDelegationTool is the optional synthetic `stop_delegation` tool a
// leader is given when delegate_to_all_members is false: it signals that
// the leader has gathered enough from members and the run should move to
// synthesis.
type StopDelegationTool struct {
	onStop func()
}

// NewStopDelegationTool wraps onStop as the stop_delegation tool. onStop
// is called synchronously from Call; it should be non-blocking (e.g. a
// state-machine transition) since the leader's tool-call loop calls it
// inline.
func NewStopDelegationTool(onStop func()) *StopDelegationTool {
	return &StopDelegationTool{onStop: onStop}
}

var _ Tool = (*StopDelegationTool)(nil)

func (t *StopDelegationTool) Name() string        { return "stop_delegation" }
func (t *StopDelegationTool) Description() string {
	return "Signal that enough information has been gathered from members and the run should move to synthesizing a final answer."
}
func (t *StopDelegationTool) Schema() map[string]any        { return map[string]any{"type": "object", "properties": map[string]any{}} }
func (t *StopDelegationTool) RequiresApproval() bool        { return false }
func (t *StopDelegationTool) Call(ctx context.Context, args map[string]any) (Result, error) {
	if t.onStop != nil {
		t.onStop()
	}
	return TextResult("delegation stopped"), nil
}
