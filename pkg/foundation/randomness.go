package foundation

import (
	"fmt"
	"strconv"
	"strings"

	shellwords "github.com/mattn/go-shellwords"
)

// Randomness modes spec.md §4.4's grammar names: "greedy | random(:param)*".
const (
	ModeGreedy = "greedy"
	ModeRandom = "random"
)

// Randomness is the parsed sampling-randomness configuration (spec.md §3).
type Randomness struct {
	Mode string
	TopP *float64
	TopK *int
	Seed *int64
}

// ParseRandomness parses a randomness string into a Randomness per
// spec.md §4.4: "Parse a randomness string into the config described in
// §3. Grammar: greedy | random(:param)* where each param is one of
// top-p=F, top-k=N, seed=N. Reject combinations of top-p and top-k in
// the same string."
//
// Each colon-delimited param segment is itself tokenized with
// go-shellwords so a param value can carry quoting, even though in
// practice numeric params never need it.
func ParseRandomness(raw string) (Randomness, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == ModeGreedy {
		return Randomness{Mode: ModeGreedy}, nil
	}

	segments := strings.Split(raw, ":")
	if segments[0] != ModeRandom {
		return Randomness{}, fmt.Errorf("foundation: unrecognized randomness mode %q", segments[0])
	}

	result := Randomness{Mode: ModeRandom}
	sawTopP, sawTopK := false, false

	for _, seg := range segments[1:] {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		tokens, err := shellwords.Parse(seg)
		if err != nil || len(tokens) == 0 {
			return Randomness{}, fmt.Errorf("foundation: invalid randomness param %q", seg)
		}
		key, value, ok := strings.Cut(tokens[0], "=")
		if !ok {
			return Randomness{}, fmt.Errorf("foundation: malformed randomness param %q", tokens[0])
		}

		switch key {
		case "top-p":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return Randomness{}, fmt.Errorf("foundation: invalid top-p %q: %w", value, err)
			}
			result.TopP = &f
			sawTopP = true
		case "top-k":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Randomness{}, fmt.Errorf("foundation: invalid top-k %q: %w", value, err)
			}
			result.TopK = &n
			sawTopK = true
		case "seed":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Randomness{}, fmt.Errorf("foundation: invalid seed %q: %w", value, err)
			}
			result.Seed = &n
		default:
			return Randomness{}, fmt.Errorf("foundation: unknown randomness param %q", key)
		}
	}

	if sawTopP && sawTopK {
		return Randomness{}, fmt.Errorf("foundation: top-p and top-k are mutually exclusive")
	}

	return result, nil
}
