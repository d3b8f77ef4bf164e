package phase

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSequenceOrder(t *testing.T) {
	require.Equal(t, []Phase{Lead, Plan, Exec, Verification, Approval}, Sequence)
	for i, p := range Sequence {
		require.Equal(t, i, Index(p))
		require.True(t, Valid(p))
	}
	require.Equal(t, -1, Index(Phase("DEPLOY")))
	require.False(t, Valid(Phase("")))
}

func TestRequirementListsAreClosed(t *testing.T) {
	seen := map[Requirement]Phase{}
	for _, p := range Sequence {
		reqs := Requirements(p)
		require.NotEmpty(t, reqs, "phase %s has no requirements", p)
		for _, r := range reqs {
			if prev, ok := seen[r]; ok {
				t.Fatalf("requirement %s appears in both %s and %s", r, prev, p)
			}
			seen[r] = p
		}
	}
	require.Len(t, Requirements(Lead), 5)
	require.Len(t, Requirements(Plan), 5)
	require.Len(t, Requirements(Exec), 6)
	require.Len(t, Requirements(Verification), 5)
	require.Len(t, Requirements(Approval), 4)
}

func TestAssumableRequirementsBelongToAPhase(t *testing.T) {
	member := map[Requirement]bool{}
	for _, p := range Sequence {
		for _, r := range Requirements(p) {
			member[r] = true
		}
	}
	for r := range assumable {
		require.True(t, member[r], "assumable requirement %s not in any phase", r)
	}
	// Gate-critical checks stay fail-closed.
	require.False(t, Assumable(RequirementsDocumentApproved))
	require.False(t, Assumable(SessionPrologueCompleted))
	require.False(t, Assumable(GitCommitCreated))
	require.True(t, Assumable(SubAgentsActivated))
}
