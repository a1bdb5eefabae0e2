package foundation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRandomnessGreedy(t *testing.T) {
	r, err := ParseRandomness("greedy")
	require.NoError(t, err)
	require.Equal(t, ModeGreedy, r.Mode)
}

func TestParseRandomnessEmptyDefaultsToGreedy(t *testing.T) {
	r, err := ParseRandomness("")
	require.NoError(t, err)
	require.Equal(t, ModeGreedy, r.Mode)
}

func TestParseRandomnessTopP(t *testing.T) {
	r, err := ParseRandomness("random:top-p=0.9")
	require.NoError(t, err)
	require.Equal(t, ModeRandom, r.Mode)
	require.NotNil(t, r.TopP)
	require.Equal(t, 0.9, *r.TopP)
}

func TestParseRandomnessTopKAndSeed(t *testing.T) {
	r, err := ParseRandomness("random:top-k=40:seed=7")
	require.NoError(t, err)
	require.NotNil(t, r.TopK)
	require.Equal(t, 40, *r.TopK)
	require.NotNil(t, r.Seed)
	require.EqualValues(t, 7, *r.Seed)
}

func TestParseRandomnessS3RejectsTopPAndTopKTogether(t *testing.T) {
	_, err := ParseRandomness("random:top-p=0.9:top-k=40")
	require.Error(t, err)
}

func TestParseRandomnessRejectsUnknownMode(t *testing.T) {
	_, err := ParseRandomness("bogus")
	require.Error(t, err)
}

func TestParseRandomnessRejectsUnknownParam(t *testing.T) {
	_, err := ParseRandomness("random:frobnicate=1")
	require.Error(t, err)
}

func TestParseRandomnessRejectsMalformedParam(t *testing.T) {
	_, err := ParseRandomness("random:top-p")
	require.Error(t, err)
}
