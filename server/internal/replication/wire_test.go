package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dawsonblock/ISLAND/server/internal/model"
)

// TestEnvelopeFrameCarriesTurn 验证信封经编码/解码后能还原已提交轮次。
func TestEnvelopeFrameCarriesTurn(t *testing.T) {
	committed := time.UnixMilli(1_700_000_000_123)
	turn := model.Turn{
		ID:             "turn-3",
		ConversationID: "c1",
		Seq:            3,
		Speaker:        "merchant",
		Prompt:         "what do you sell?",
		Utterance:      "Fish, mostly.",
		Action:         model.ActionTrade,
		Metadata:       map[string]any{"emotion": "calm"},
		Status:         model.TurnSucceeded,
		ResolvedAt:     committed,
	}

	data, err := Encode(EnvelopeFrame(EnvelopeFromTurn(turn)))
	require.NoError(t, err)
	f, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, FrameEnvelope, f.Type)

	got := f.Envelope.Turn()
	require.Equal(t, turn.ID, got.ID)
	require.Equal(t, turn.Seq, got.Seq)
	require.Equal(t, turn.Utterance, got.Utterance)
	require.Equal(t, model.ActionTrade, got.Action)
	require.Equal(t, "calm", got.Metadata["emotion"])
	require.Equal(t, model.TurnSucceeded, got.Status)
	require.True(t, committed.Equal(got.ResolvedAt))
}

// TestDecodeRejectsMalformedFrames 验证类型与负载不一致的帧被拒绝。
func TestDecodeRejectsMalformedFrames(t *testing.T) {
	cases := map[string]Frame{
		"unknown type":      {Type: "bogus"},
		"missing envelope":  {Type: FrameEnvelope},
		"zero seq":          {Type: FrameEnvelope, Envelope: &Envelope{ConversationID: "c1"}},
		"resync without id": {Type: FrameResync, Resync: &ResyncRequest{LastKnownSeq: 1}},
		"hello without id":  {Type: FrameHello, Hello: &Hello{}},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			data, err := msgpack.Marshal(&f)
			require.NoError(t, err)
			_, err = Decode(data)
			require.ErrorIs(t, err, ErrMalformedFrame)
		})
	}

	_, err := Decode([]byte{0xc1, 0x00})
	require.ErrorIs(t, err, ErrMalformedFrame)
}

// TestSnapshotTurnsUsesSnapshotConversation 验证快照内的轮次归属快照的对话。
func TestSnapshotTurnsUsesSnapshotConversation(t *testing.T) {
	s := Snapshot{ConversationID: "c9", Turns: []Envelope{{TurnSeq: 1, TurnID: "a"}, {TurnSeq: 2, TurnID: "b"}}}
	turns := snapshotTurns(s)
	require.Len(t, turns, 2)
	for _, turn := range turns {
		require.Equal(t, "c9", turn.ConversationID)
	}
}
