package model

import (
	"errors"
	"fmt"
)

var errRespondDirectlyWithAll = errors.New("team flags: respond_directly is not compatible with delegate_to_all_members")

// Validate walks the member tree of a TeamSpec and rejects cycles: the
// member graph must form a DAG rooted at spec, reached via nested
// TeamRefs.
func (spec *TeamSpec) Validate() error {
	if spec.Name == "" {
		return fmt.Errorf("team spec: name is required")
	}
	if err := spec.Flags.Validate(); err != nil {
		return err
	}
	seen := map[string]bool{spec.TeamID: true}
	return validateMembers(spec.Members, seen)
}

func validateMembers(members []Member, ancestry map[string]bool) error {
	for _, m := range members {
		if m.AgentRef == nil && m.TeamRef == nil {
			return fmt.Errorf("team spec: member %q has neither an agent nor a team reference", m.ID)
		}
		if m.TeamRef == nil {
			continue
		}
		if ancestry[m.TeamRef.TeamID] {
			return fmt.Errorf("team spec: cycle detected: team %q is its own ancestor", m.TeamRef.TeamID)
		}
		child := make(map[string]bool, len(ancestry)+1)
		for k := range ancestry {
			child[k] = true
		}
		child[m.TeamRef.TeamID] = true
		if err := validateMembers(m.TeamRef.Members, child); err != nil {
			return err
		}
	}
	return nil
}
