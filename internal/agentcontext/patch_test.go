package agentcontext

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyPatchAppend(t *testing.T) {
	c := NewSessionContext(Fields{})
	p := Patch{TaskID: "t1", Digest: "first", Facts: map[string]any{"a": 1}}

	version, _, err := c.ApplyPatch(p, MergeAppend)
	require.NoError(t, err)
	require.Equal(t, 1, version)

	p.Digest = "second"
	version, _, err = c.ApplyPatch(p, MergeAppend)
	require.NoError(t, err)
	require.Equal(t, 2, version)

	results := c.View().LLMContext[BackgroundResultsKey].([]any)
	require.Len(t, results, 2)
	require.Equal(t, "first", results[0].(map[string]any)["digest"])
	require.Equal(t, "second", results[1].(map[string]any)["digest"])
}

func TestApplyPatchReplace(t *testing.T) {
	c := NewSessionContext(Fields{})
	_, _, err := c.ApplyPatch(Patch{TaskID: "t1", Digest: "one"}, MergeReplace)
	require.NoError(t, err)
	_, _, err = c.ApplyPatch(Patch{TaskID: "t2", Digest: "two"}, MergeReplace)
	require.NoError(t, err)

	rec := c.View().LLMContext[BackgroundResultKey].(map[string]any)
	require.Equal(t, "two", rec["digest"])
	require.Equal(t, "t2", rec["task_id"])
	require.Equal(t, 2, c.Version())
}

func TestApplyPatchRejectsHumanGated(t *testing.T) {
	c := NewSessionContext(Fields{})
	_, _, err := c.ApplyPatch(Patch{}, MergeHumanGated)
	require.Error(t, err)
	require.Equal(t, 0, c.Version())
}

func TestPatchDiverged(t *testing.T) {
	p := Patch{SourceContextVersion: 2, SourceContextHash: "h"}
	require.False(t, p.Diverged(2, "h"))
	require.True(t, p.Diverged(3, "h"))
	require.True(t, p.Diverged(2, "other"))
}

func TestParseMergeStrategy(t *testing.T) {
	s, err := ParseMergeStrategy(" APPEND ")
	require.NoError(t, err)
	require.Equal(t, MergeAppend, s)
	_, err = ParseMergeStrategy("merge")
	require.Error(t, err)
}
