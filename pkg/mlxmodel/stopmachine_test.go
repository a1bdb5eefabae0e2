package mlxmodel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStopMachineS1StopAcrossChunks(t *testing.T) {
	m := NewStopMachine([]string{"END"})
	var out string

	for _, chunk := range []string{"he", "llo EN", "D here"} {
		emitted, stopped := m.Feed(chunk)
		out += emitted
		if stopped {
			break
		}
	}
	require.Equal(t, "hello ", out)
	require.True(t, m.Stopped())
	require.Equal(t, "END", m.MatchedStop())
}

func TestStopMachineNoStopFlushesBuffer(t *testing.T) {
	m := NewStopMachine([]string{"END"})
	var out string
	for _, chunk := range []string{"no", " stop", " here"} {
		emitted, stopped := m.Feed(chunk)
		out += emitted
		require.False(t, stopped)
	}
	out += m.Flush()
	require.Equal(t, "no stop here", out)
}

func TestStopMachineAllChunkSplittingsAgree(t *testing.T) {
	full := "hello END here"
	splittings := [][]string{
		{"hello END here"},
		{"hello", " END here"},
		{"hello E", "ND here"},
		{"h", "e", "l", "l", "o", " ", "E", "N", "D", " ", "h", "e", "r", "e"},
	}
	for _, splits := range splittings {
		m := NewStopMachine([]string{"END"})
		var out string
		for _, chunk := range splits {
			emitted, stopped := m.Feed(chunk)
			out += emitted
			if stopped {
				break
			}
		}
		require.Equal(t, full[:6], out, "splitting %v", splits)
	}
}

func TestTruncateAtStop(t *testing.T) {
	text, stopped := TruncateAtStop("hello END here", []string{"END"})
	require.True(t, stopped)
	require.Equal(t, "hello ", text)

	text2, stopped2 := TruncateAtStop("no stop here", []string{"END"})
	require.False(t, stopped2)
	require.Equal(t, "no stop here", text2)
}

func TestStopMachineNoStopsConfigured(t *testing.T) {
	m := NewStopMachine(nil)
	emitted, stopped := m.Feed("hello")
	require.False(t, stopped)
	require.Equal(t, "hello", emitted)
}
