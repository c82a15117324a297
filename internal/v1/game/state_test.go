package game

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/set"
)

func TestMaskWord(t *testing.T) {
	tests := []struct {
		name     string
		word     string
		revealed set.Set[int]
		want     string
	}{
		{
			name:     "nothing revealed",
			word:     "tree",
			revealed: set.New[int](),
			want:     "_ _ _ _",
		},
		{
			name:     "spaces stay visible",
			word:     "ice cream",
			revealed: set.New[int](),
			want:     "_ _ _   _ _ _ _ _",
		},
		{
			name:     "revealed letters uppercase",
			word:     "tree",
			revealed: set.New(0, 2),
			want:     "T _ E _",
		},
		{
			name:     "fully revealed",
			word:     "cat",
			revealed: set.New(0, 1, 2),
			want:     "C A T",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskWord(tt.word, tt.revealed))
		})
	}
}

func TestMaskWordIdempotentOnRevealAll(t *testing.T) {
	word := "light bulb"
	revealed := set.New[int]()
	for idx, char := range []rune(word) {
		if char != ' ' {
			revealed.Insert(idx)
		}
	}
	masked := MaskWord(word, revealed)
	assert.Equal(t, "L I G H T   B U L B", masked)
	assert.NotContains(t, masked, "_")
}

func TestStatePayloadRoundTrip(t *testing.T) {
	st := newGameState("ABCD12", 10, 120)
	st.Status = StatusRunning
	st.RoundIndex = 3
	st.DrawerID = 7
	st.Word = "volcano"
	st.Scores = map[int64]int{7: 40, 11: 100, 13: 20}
	st.Guessed = set.New[int64](13, 11)
	st.RevealedIndices = set.New(4, 0)
	st.StartedAt = 1723456789.5
	st.LastDrawerID = 7
	st.KickVotes = map[int64]set.Set[int64]{13: set.New[int64](7, 11)}
	st.KickResponses = map[int64]set.Set[int64]{13: set.New[int64](7, 11)}

	data, err := st.marshalPayload()
	require.NoError(t, err)

	// Wire layout uses stringified keys and sorted arrays.
	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.JSONEq(t, `{"7":40,"11":100,"13":20}`, string(wire["scores"]))
	assert.JSONEq(t, `[11,13]`, string(wire["guessed"]))
	assert.JSONEq(t, `[0,4]`, string(wire["revealed_indices"]))
	assert.JSONEq(t, `{"13":[7,11]}`, string(wire["kick_votes"]))

	restored := newGameState("ABCD12", 10, 120)
	require.NoError(t, restored.applyPayload(data))
	assert.Equal(t, st.Status, restored.Status)
	assert.Equal(t, st.RoundIndex, restored.RoundIndex)
	assert.Equal(t, st.DrawerID, restored.DrawerID)
	assert.Equal(t, st.Word, restored.Word)
	assert.Equal(t, st.Scores, restored.Scores)
	assert.True(t, restored.Guessed.Equal(st.Guessed))
	assert.True(t, restored.RevealedIndices.Equal(st.RevealedIndices))
	assert.Equal(t, st.StartedAt, restored.StartedAt)
	assert.Equal(t, st.LastDrawerID, restored.LastDrawerID)
	assert.True(t, restored.KickVotes[13].Equal(st.KickVotes[13]))
}

func TestStatePayloadEmptyRoom(t *testing.T) {
	st := newGameState("EMPTY1", 10, 120)
	data, err := st.marshalPayload()
	require.NoError(t, err)

	var wire map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "null", string(wire["drawer_id"]))
	assert.Equal(t, "null", string(wire["word"]))
	assert.Equal(t, "{}", string(wire["scores"]))
	assert.Equal(t, "[]", string(wire["guessed"]))

	restored := newGameState("EMPTY1", 10, 120)
	require.NoError(t, restored.applyPayload(data))
	assert.Equal(t, StatusWaiting, restored.Status)
	assert.Zero(t, restored.DrawerID)
	assert.Empty(t, restored.Word)
}

func TestApplyPayloadSkipsGarbageKeys(t *testing.T) {
	st := newGameState("ABCD12", 10, 120)
	raw := `{"status":"running","scores":{"7":50,"oops":10},"kick_votes":{"bad":[1],"9":[2]}}`
	require.NoError(t, st.applyPayload([]byte(raw)))
	assert.Equal(t, map[int64]int{7: 50}, st.Scores)
	assert.Len(t, st.KickVotes, 1)
	assert.True(t, st.KickVotes[9].Has(2))
}

func TestCloneIsDeep(t *testing.T) {
	st := newGameState("ABCD12", 10, 120)
	st.Scores[1] = 30
	st.Guessed.Insert(1)

	dup := st.clone()
	dup.Scores[1] = 999
	dup.Guessed.Insert(2)
	dup.RevealedIndices.Insert(5)

	assert.Equal(t, 30, st.Scores[1])
	assert.False(t, st.Guessed.Has(2))
	assert.False(t, st.RevealedIndices.Has(5))
}
