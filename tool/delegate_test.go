package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDelegator struct {
	members    []MemberDescriptor
	lastMember string
	result     Result
	err        error
}

func (f *fakeDelegator) Members() []MemberDescriptor { return f.members }

func (f *fakeDelegator) Delegate(ctx context.Context, memberID, taskDescription, expectedOutput string) (Result, error) {
	f.lastMember = memberID
	return f.result, f.err
}

func TestDelegateTool_RejectsUnknownMember(t *testing.T) {
	d := &fakeDelegator{members: []MemberDescriptor{{ID: "researcher", Role: "research"}}}
	dt := NewDelegateTool(d)

	res, err := dt.Call(context.Background(), map[string]any{
		"member_id":        "writer",
		"task_description": "do something",
	})
	require.NoError(t, err)
	require.True(t, res.IsError())
	require.Contains(t, res.Error, "unknown member")
}

func TestDelegateTool_RequiresTaskDescription(t *testing.T) {
	d := &fakeDelegator{members: []MemberDescriptor{{ID: "researcher"}}}
	dt := NewDelegateTool(d)

	res, err := dt.Call(context.Background(), map[string]any{"member_id": "researcher"})
	require.NoError(t, err)
	require.True(t, res.IsError())
}

func TestDelegateTool_DelegatesToKnownMember(t *testing.T) {
	d := &fakeDelegator{
		members: []MemberDescriptor{{ID: "researcher"}},
		result:  TextResult("findings"),
	}
	dt := NewDelegateTool(d)

	res, err := dt.Call(context.Background(), map[string]any{
		"member_id":        "researcher",
		"task_description": "find X",
		"expected_output":  "a summary",
	})
	require.NoError(t, err)
	require.False(t, res.IsError())
	require.Equal(t, "findings", res.Content)
	require.Equal(t, "researcher", d.lastMember)
}

func TestDelegateTool_SchemaEnumsAvailableMembers(t *testing.T) {
	d := &fakeDelegator{members: []MemberDescriptor{{ID: "b"}, {ID: "a"}}}
	dt := NewDelegateTool(d)
	schema := dt.Schema()
	props := schema["properties"].(map[string]any)
	memberProp := props["member_id"].(map[string]any)
	require.Equal(t, []string{"a", "b"}, memberProp["enum"])
}

func TestStopDelegationTool_InvokesCallback(t *testing.T) {
	called := false
	st := NewStopDelegationTool(func() { called = true })
	_, err := st.Call(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, called)
}
