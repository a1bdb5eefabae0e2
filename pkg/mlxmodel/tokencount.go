package mlxmodel

import (
	"math"
	"strings"
)

// EstimateTokenCount implements spec.md §4.3.2's post-processing fallback:
// "prefer the backend's real numbers; fall back to max(chars/4,
// words/0.75) rounded down."
func EstimateTokenCount(text string) int {
	chars := float64(len([]rune(text)))
	words := float64(len(strings.Fields(text)))
	byChars := chars / 4
	byWords := words / 0.75
	return int(math.Floor(math.Max(byChars, byWords)))
}
