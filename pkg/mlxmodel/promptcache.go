package mlxmodel

import "sync"

// minNewSuffixTokens is spec.md §4.3.2's "minimum new-suffix requirement of
// 16 tokens": re-feeding fewer fresh tokens than this is unstable and can
// produce immediate end-of-sequence.
const minNewSuffixTokens = 16

// PromptCacheBox is the singleton per-service prefix KV-cache (spec.md §3
// "Prompt-cache box"). Invariants enforced by this type: valid implies all
// three fields are populated; the box is only ever replaced wholesale
// (never mutated in place), so a reader that copies out prompt tokens and a
// writer racing on the next generation can't observe a half-written state.
type PromptCacheBox struct {
	mu      sync.Mutex
	valid   bool
	modelID string
	tokens  []int
	state   KVState
}

// Snapshot is an immutable view of the box at one instant.
type Snapshot struct {
	Valid   bool
	ModelID string
	Tokens  []int
	State   KVState
}

// Get returns a snapshot of the current box contents.
func (b *PromptCacheBox) Get() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.valid {
		return Snapshot{}
	}
	tokensCopy := make([]int, len(b.tokens))
	copy(tokensCopy, b.tokens)
	return Snapshot{Valid: true, ModelID: b.modelID, Tokens: tokensCopy, State: b.state}
}

// Invalidate clears the box. EnsureLoaded calls it on every model reload;
// a generation that fails or is cancelled does not call it and leaves the
// box as it was (see Service.run).
func (b *PromptCacheBox) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.valid = false
	b.modelID = ""
	b.tokens = nil
	b.state = nil
}

// Store replaces the box contents after a successful generation (spec.md
// §4.3.2: "trim the KV state back down to len(prompt_tokens) and save it
// into the box alongside the id").
func (b *PromptCacheBox) Store(modelID string, tokens []int, state KVState) {
	tokensCopy := make([]int, len(tokens))
	copy(tokensCopy, tokens)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.valid = true
	b.modelID = modelID
	b.tokens = tokensCopy
	b.state = state
}

// longestCommonPrefix returns the length of the common prefix of a and b.
func longestCommonPrefix(a, b []int) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// ReusePlan is the outcome of evaluating the prefix-KV-cache reuse protocol
// for one incoming request (spec.md §4.3.2).
type ReusePlan struct {
	// ReuseLength is the adjusted prefix length p to reuse from the boxed
	// KV state; 0 means allocate fresh state.
	ReuseLength int
	// ReuseState is the cached state to clone and trim when ReuseLength >
	// 0, nil otherwise.
	ReuseState KVState
	// SuffixTokens is the subset of tokens that must actually be
	// prefilled.
	SuffixTokens []int
}

// PlanReuse implements spec.md §4.3.2's KV-cache reuse protocol:
//   - disabled entirely when hasMultimodalInput is true (pure-text only);
//   - otherwise compute the longest common prefix p with the boxed tokens,
//     provided the cached model id matches modelID;
//   - enforce the 16-token minimum new-suffix rule, reducing p if needed;
//   - if p > 0 after adjustment, the caller clones+trims the cached state
//     to length p and prefills only the suffix; otherwise a fresh state is
//     used and the full token sequence is prefilled.
func (b *PromptCacheBox) PlanReuse(modelID string, tokens []int, hasMultimodalInput bool) ReusePlan {
	if hasMultimodalInput {
		return ReusePlan{SuffixTokens: tokens}
	}

	snap := b.Get()
	if !snap.Valid || snap.ModelID != modelID {
		return ReusePlan{SuffixTokens: tokens}
	}

	p := longestCommonPrefix(tokens, snap.Tokens)
	if p > len(tokens)-minNewSuffixTokens {
		p = len(tokens) - minNewSuffixTokens
	}
	if p <= 0 {
		return ReusePlan{SuffixTokens: tokens}
	}

	return ReusePlan{
		ReuseLength:  p,
		ReuseState:   snap.State,
		SuffixTokens: tokens[p:],
	}
}
