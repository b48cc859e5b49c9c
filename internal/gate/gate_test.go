package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/converge-vcs/converge/internal/coalesce"
	"github.com/converge-vcs/converge/internal/store"
	"github.com/converge-vcs/converge/internal/testutil"
)

func issueCodes(issues []Issue) map[string]int {
	counts := make(map[string]int)
	for _, i := range issues {
		counts[i.Code]++
	}
	return counts
}

func TestValidate_AcceptsLinearGraph(t *testing.T) {
	g := &Graph{
		Version: 1,
		Gates: []Gate{
			{ID: "intake", Name: "Intake"},
			{ID: "review", Name: "Review", Upstream: []string{"intake"}},
			{ID: "main", Name: "Main", Upstream: []string{"review"},
				Policy: Policy{AllowReleases: true}},
		},
		TerminalGate: "main",
	}
	assert.Empty(t, Validate(g))
}

func TestValidate_TwoGateCycleReportsBoth(t *testing.T) {
	g := &Graph{
		Version: 1,
		Gates: []Gate{
			{ID: "a", Name: "A", Upstream: []string{"b"}},
			{ID: "b", Name: "B", Upstream: []string{"a"}},
		},
		TerminalGate: "a",
	}
	issues := Validate(g)
	codes := issueCodes(issues)
	assert.Equal(t, 2, codes[IssueCycle], "both gates on the cycle are reported")
	// No root gate exists either, so both are unreachable.
	assert.Equal(t, 2, codes[IssueUnreachable])
}

func TestValidate_CollectsEverything(t *testing.T) {
	g := &Graph{
		Version: 1,
		Gates: []Gate{
			{ID: "dup", Name: "One"},
			{ID: "dup", Name: "Two"},
			{ID: "BAD ID", Name: "Bad"},
			{ID: "orphan", Name: "Orphan", Upstream: []string{"nowhere"}},
		},
		TerminalGate: "missing",
	}
	codes := issueCodes(Validate(g))
	assert.Equal(t, 1, codes[IssueDuplicateGateID])
	assert.Equal(t, 1, codes[IssueInvalidGateID])
	assert.Equal(t, 1, codes[IssueUnknownUpstream])
	assert.Equal(t, 1, codes[IssueMissingTerminal])
	assert.Equal(t, 1, codes[IssueUnreachable], "orphan's upstream chain never reaches a root")
}

func TestValidate_EmptyGraph(t *testing.T) {
	codes := issueCodes(Validate(&Graph{Version: 1}))
	assert.Equal(t, 1, codes[IssueEmptyGraph])
	assert.Equal(t, 1, codes[IssueMissingTerminal])
}

func TestValidate_DiamondIsFine(t *testing.T) {
	g := &Graph{
		Version: 1,
		Gates: []Gate{
			{ID: "root", Name: "Root"},
			{ID: "left", Name: "Left", Upstream: []string{"root"}},
			{ID: "right", Name: "Right", Upstream: []string{"root"}},
			{ID: "merge", Name: "Merge", Upstream: []string{"left", "right"}},
		},
		TerminalGate: "merge",
	}
	assert.Empty(t, Validate(g))
	assert.ElementsMatch(t, []string{"left", "right"}, g.Downstreams("root"))
}

func TestValidateDocument_Structural(t *testing.T) {
	require.NoError(t, ValidateDocument([]byte(
		`{"version":1,"gates":[{"id":"main","name":"Main"}],"terminal_gate":"main"}`)))
	assert.Error(t, ValidateDocument([]byte(`{"gates":[]}`)), "missing required fields")
	assert.Error(t, ValidateDocument([]byte(`{"version":1,"gates":[{"id":1}],"terminal_gate":"x"}`)))
}

func TestEvaluatePromotability(t *testing.T) {
	st := testutil.OpenStore(t)
	clean := testutil.BuildTree(t, st, map[string]string{"a": "1"})
	r1 := testutil.BuildTree(t, st, map[string]string{"c": "x"})
	r2 := testutil.BuildTree(t, st, map[string]string{"c": "y"})
	conflicted, err := coalesce.Coalesce(st, []coalesce.Input{
		{Publication: "p1", Root: r1},
		{Publication: "p2", Root: r2},
	})
	require.NoError(t, err)

	strict := &Gate{ID: "strict", Name: "Strict",
		Policy: Policy{RequiredApprovals: 2}}

	status, err := EvaluatePromotability(st, clean, strict, 2)
	require.NoError(t, err)
	assert.True(t, status.Promotable)
	assert.Empty(t, status.Reasons)

	status, err = EvaluatePromotability(st, conflicted, strict, 0)
	require.NoError(t, err)
	assert.False(t, status.Promotable)
	require.Len(t, status.Reasons, 2)
	assert.Contains(t, status.Reasons[0], "unresolved-superpositions: /c")
	assert.Contains(t, status.Reasons[1], "insufficient-approvals: have 0, need 2")

	lax := &Gate{ID: "lax", Name: "Lax",
		Policy: Policy{AllowSuperpositions: true}}
	status, err = EvaluatePromotability(st, conflicted, lax, 0)
	require.NoError(t, err)
	assert.True(t, status.Promotable, "permissive gate passes superpositions through")
}

func TestEvaluatePromotability_MissingObjects(t *testing.T) {
	st := testutil.OpenStore(t)
	root := testutil.BuildTree(t, st, map[string]string{"present": "x", "gone": "y"})

	// Simulate a metadata-only upload by deleting one blob.
	m, err := st.GetManifest(root)
	require.NoError(t, err)
	for _, e := range m.Entries {
		if e.Name == "gone" {
			require.NoError(t, st.Delete(store.KindBlob, e.Blob))
		}
	}

	strict := &Gate{ID: "g", Name: "G"}
	status, err := EvaluatePromotability(st, root, strict, 0)
	require.NoError(t, err)
	assert.False(t, status.Promotable)
	require.Len(t, status.Reasons, 1)
	assert.Contains(t, status.Reasons[0], "missing-objects:")

	tolerant := &Gate{ID: "g", Name: "G",
		Policy: Policy{AllowMetadataOnlyPublications: true}}
	status, err = EvaluatePromotability(st, root, tolerant, 0)
	require.NoError(t, err)
	assert.True(t, status.Promotable)
}
