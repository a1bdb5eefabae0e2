package foundation

import (
	"context"

	"github.com/afm/gateway/pkg/jsonvalue"
)

// Respond implements the non-streaming text response path, classifying
// any backend error per spec.md §4.4.
func (s *Session) Respond(ctx context.Context, prompt string, randomness Randomness) (string, error) {
	text, err := s.Backend.Respond(ctx, prompt, ResponseOptions{Randomness: randomness})
	if err != nil {
		return "", ClassifyError(err)
	}
	return text, nil
}

// StreamResponse implements the streaming text response path. The
// returned channel carries raw text fragments; classification of a
// terminal error is the caller's responsibility since a channel carries
// no error value -- callers that need it should pair this with a
// separate error-returning Respond call, matching how the platform SDK
// itself only surfaces a terminal throw outside the stream.
func (s *Session) StreamResponse(ctx context.Context, prompt string, randomness Randomness) (<-chan string, error) {
	ch, err := s.Backend.StreamResponse(ctx, prompt, ResponseOptions{Randomness: randomness})
	if err != nil {
		return nil, ClassifyError(err)
	}
	return ch, nil
}

// RespondGuided implements the non-streaming schema-constrained response
// path.
func (s *Session) RespondGuided(ctx context.Context, prompt string, schema jsonvalue.Value, randomness Randomness) (jsonvalue.Value, error) {
	result, err := s.Backend.RespondGuided(ctx, prompt, schema, ResponseOptions{Randomness: randomness})
	if err != nil {
		return jsonvalue.Null(), ClassifyError(err)
	}
	return result, nil
}

// GuidedDelta is one step of a guided-streaming response: the cumulative
// snapshot as received from the backend, plus the computed delta against
// the previous snapshot (spec.md §4.4).
type GuidedDelta struct {
	Snapshot   string
	Delta      string
	AppendOnly bool
}

// StreamGuided implements the streaming schema-constrained response path,
// converting the backend's raw cumulative-snapshot stream into
// GuidedDelta values via ComputeGuidedDelta.
func (s *Session) StreamGuided(ctx context.Context, prompt string, schema jsonvalue.Value, randomness Randomness) (<-chan GuidedDelta, error) {
	raw, err := s.Backend.StreamGuided(ctx, prompt, schema, ResponseOptions{Randomness: randomness})
	if err != nil {
		return nil, ClassifyError(err)
	}

	out := make(chan GuidedDelta)
	go func() {
		defer close(out)
		previous := ""
		for snapshot := range raw {
			text, marshalErr := snapshot.CanonicalString()
			if marshalErr != nil {
				continue
			}
			delta, appendOnly := ComputeGuidedDelta(previous, text)
			previous = text
			select {
			case out <- GuidedDelta{Snapshot: text, Delta: delta, AppendOnly: appendOnly}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
