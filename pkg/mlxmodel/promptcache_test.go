package mlxmodel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeKVState struct {
	len int
}

func (f *fakeKVState) Len() int { return f.len }
func (f *fakeKVState) Clone() KVState {
	return &fakeKVState{len: f.len}
}
func (f *fakeKVState) Trim(n int) KVState {
	return &fakeKVState{len: n}
}

func TestPromptCacheBoxInvalidUntilStored(t *testing.T) {
	box := &PromptCacheBox{}
	snap := box.Get()
	require.False(t, snap.Valid)
}

func TestPromptCacheBoxStoreAndGet(t *testing.T) {
	box := &PromptCacheBox{}
	state := &fakeKVState{len: 5}
	box.Store("model-a", []int{1, 2, 3, 4, 5}, state)

	snap := box.Get()
	require.True(t, snap.Valid)
	require.Equal(t, "model-a", snap.ModelID)
	require.Equal(t, []int{1, 2, 3, 4, 5}, snap.Tokens)
}

func TestPromptCacheBoxStoreCopiesTokens(t *testing.T) {
	box := &PromptCacheBox{}
	tokens := []int{1, 2, 3}
	box.Store("model-a", tokens, &fakeKVState{len: 3})
	tokens[0] = 999

	snap := box.Get()
	require.Equal(t, 1, snap.Tokens[0], "mutating the caller's slice must not affect the stored snapshot")
}

func TestPromptCacheBoxInvalidate(t *testing.T) {
	box := &PromptCacheBox{}
	box.Store("model-a", []int{1, 2, 3}, &fakeKVState{len: 3})
	box.Invalidate()
	require.False(t, box.Get().Valid)
}

func TestPlanReuseNoBoxUsesFreshState(t *testing.T) {
	box := &PromptCacheBox{}
	plan := box.PlanReuse("model-a", []int{1, 2, 3}, false)
	require.Equal(t, 0, plan.ReuseLength)
	require.Nil(t, plan.ReuseState)
	require.Equal(t, []int{1, 2, 3}, plan.SuffixTokens)
}

func TestPlanReuseDifferentModelIDForcesFresh(t *testing.T) {
	box := &PromptCacheBox{}
	box.Store("model-a", []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}, &fakeKVState{len: 20})

	plan := box.PlanReuse("model-b", []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}, false)
	require.Equal(t, 0, plan.ReuseLength)
}

func TestPlanReuseMultimodalDisablesReuse(t *testing.T) {
	box := &PromptCacheBox{}
	tokens := make([]int, 40)
	for i := range tokens {
		tokens[i] = i
	}
	box.Store("model-a", tokens, &fakeKVState{len: 40})

	plan := box.PlanReuse("model-a", tokens, true)
	require.Equal(t, 0, plan.ReuseLength)
	require.Nil(t, plan.ReuseState)
	require.Equal(t, tokens, plan.SuffixTokens)
}

func TestPlanReuseS2SharedPrefix(t *testing.T) {
	// spec.md §8 property/scenario S2: a long shared prefix with enough new
	// suffix tokens reuses the cached state and only prefills the suffix.
	box := &PromptCacheBox{}
	cached := make([]int, 100)
	for i := range cached {
		cached[i] = i
	}
	box.Store("model-a", cached, &fakeKVState{len: 100})

	incoming := make([]int, 120)
	copy(incoming, cached)
	for i := 100; i < 120; i++ {
		incoming[i] = 1000 + i
	}

	plan := box.PlanReuse("model-a", incoming, false)
	require.Equal(t, 100, plan.ReuseLength)
	require.NotNil(t, plan.ReuseState)
	require.Equal(t, incoming[100:], plan.SuffixTokens)
}

func TestPlanReuseEnforcesMinimumSuffix(t *testing.T) {
	// Common prefix of length 115 out of 120 incoming tokens would leave
	// only 5 new suffix tokens, below the 16-token minimum, so the reuse
	// length must be reduced to 120-16=104.
	box := &PromptCacheBox{}
	cached := make([]int, 115)
	for i := range cached {
		cached[i] = i
	}
	box.Store("model-a", cached, &fakeKVState{len: 115})

	incoming := make([]int, 120)
	copy(incoming, cached)
	for i := 115; i < 120; i++ {
		incoming[i] = 9000 + i
	}

	plan := box.PlanReuse("model-a", incoming, false)
	require.Equal(t, 104, plan.ReuseLength)
	require.Len(t, plan.SuffixTokens, 16)
}

func TestPlanReuseShortCommonPrefixFallsBackToFresh(t *testing.T) {
	box := &PromptCacheBox{}
	box.Store("model-a", []int{1, 2, 3}, &fakeKVState{len: 3})

	plan := box.PlanReuse("model-a", []int{9, 9, 9}, false)
	require.Equal(t, 0, plan.ReuseLength)
	require.Nil(t, plan.ReuseState)
}

func TestLongestCommonPrefix(t *testing.T) {
	require.Equal(t, 3, longestCommonPrefix([]int{1, 2, 3, 4}, []int{1, 2, 3, 9}))
	require.Equal(t, 0, longestCommonPrefix([]int{1}, []int{9}))
	require.Equal(t, 2, longestCommonPrefix([]int{1, 2}, []int{1, 2, 3}))
}
