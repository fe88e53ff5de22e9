package model

import "testing"

func TestTeamSpecValidate_RespondDirectlyIncompatibleWithAll(t *testing.T) {
	spec := &TeamSpec{
		Name: "router",
		Flags: TeamFlags{
			RespondDirectly:      true,
			DelegateToAllMembers: true,
		},
	}
	if err := spec.Validate(); err == nil {
		t.Fatal("expected validation error for respond_directly + delegate_to_all_members")
	}
}

func TestTeamSpecValidate_DetectsCycle(t *testing.T) {
	inner := &TeamSpec{TeamID: "inner", Name: "inner"}
	outer := &TeamSpec{
		TeamID: "outer",
		Name:   "outer",
		Members: []Member{
			{ID: "m1", TeamRef: inner},
		},
	}
	inner.Members = []Member{{ID: "back", TeamRef: outer}}

	if err := outer.Validate(); err == nil {
		t.Fatal("expected cycle detection error")
	}
}

func TestTeamSpecValidate_MemberMissingRef(t *testing.T) {
	spec := &TeamSpec{
		Name:    "router",
		Members: []Member{{ID: "broken"}},
	}
	if err := spec.Validate(); err == nil {
		t.Fatal("expected error for member with no agent/team reference")
	}
}

func TestRunStatus_IsTerminal(t *testing.T) {
	cases := map[RunStatus]bool{
		RunPending:   false,
		RunStreaming: false,
		RunSucceeded: true,
		RunFailed:    true,
		RunCancelled: true,
	}
	for status, want := range cases {
		if got := status.IsTerminal(); got != want {
			t.Errorf("RunStatus(%s).IsTerminal() = %v, want %v", status, got, want)
		}
	}
}
