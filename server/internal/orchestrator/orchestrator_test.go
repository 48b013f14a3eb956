package orchestrator

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dawsonblock/ISLAND/server/internal/model"
	"github.com/dawsonblock/ISLAND/server/internal/session"
	"github.com/dawsonblock/ISLAND/server/internal/speech"
)

var quietLogger = log.New(io.Discard, "", 0)

type spoken struct {
	speaker string
	text    string
	hints   speech.SpatialHints
}

// fakeSpeaker 记录播放请求。
type fakeSpeaker struct {
	mu    sync.Mutex
	calls []spoken
	err   error
}

func (f *fakeSpeaker) PlayUtterance(_ context.Context, speaker, text string, hints speech.SpatialHints) (speech.PlaybackHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, spoken{speaker: speaker, text: text, hints: hints})
	return speech.PlaybackHandle("pb-" + text), nil
}

func (f *fakeSpeaker) StopSpeaker(string) int { return 0 }

func (f *fakeSpeaker) played() []spoken {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]spoken(nil), f.calls...)
}

type trackerFunc func(npcID string, h speech.PlaybackHandle)

func (f trackerFunc) TrackPlayback(npcID string, h speech.PlaybackHandle) { f(npcID, h) }

// TestCommittedTurnsAreSpokenInOrder 验证编排器挂在存储上后，每个已提交轮次按 seq 顺序播放一次，
// 且播放句柄交给行为层。
// 场景：权威存储上连续提交两轮，期望两次播放，元数据中的情绪转换为播放参数。
func TestCommittedTurnsAreSpokenInOrder(t *testing.T) {
	sp := &fakeSpeaker{}
	orch := New(sp, Options{Logger: quietLogger})
	tracked := map[string]speech.PlaybackHandle{}
	orch.SetTracker(trackerFunc(func(npcID string, h speech.PlaybackHandle) { tracked[npcID] = h }))

	store := session.NewInMemoryStore(session.WithLogger(quietLogger), session.WithObserver(orch))
	ctx := context.Background()
	for i, line := range []string{"Welcome!", "Anything else?"} {
		h, err := store.BeginTurn(ctx, "c1", "merchant", "hi", nil)
		require.NoError(t, err)
		_, err = store.CommitTurn(ctx, h, model.DialogueResponse{
			Utterance: line,
			Metadata:  map[string]any{"emotion": "Joy", "intensity": float64(i) + 0.5},
		})
		require.NoError(t, err)
	}

	calls := sp.played()
	require.Len(t, calls, 2)
	require.Equal(t, "Welcome!", calls[0].text)
	require.Equal(t, "Anything else?", calls[1].text)
	require.Equal(t, "merchant", calls[0].speaker)
	require.Equal(t, "joy", calls[0].hints.Emotion)
	require.InDelta(t, 1.5, calls[1].hints.Intensity, 1e-9)
	require.Equal(t, speech.PlaybackHandle("pb-Anything else?"), tracked["merchant"])
	require.Equal(t, int64(2), orch.Stats().Spoken)
}

// TestStaleAndEmptyTurnsAreSkipped 验证过旧的轮次与空台词不会被播放。
// 场景：镜像加入时收到一份历史快照，只有最近提交的轮次被朗读。
func TestStaleAndEmptyTurnsAreSkipped(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sp := &fakeSpeaker{}
	orch := New(sp, Options{MaxTurnAge: 30 * time.Second, Logger: quietLogger, Now: func() time.Time { return now }})
	ctx := context.Background()

	orch.OnTurnCommitted(ctx, model.Turn{ConversationID: "c1", Seq: 1, Speaker: "guard", Utterance: "old", ResolvedAt: now.Add(-time.Hour)})
	orch.OnTurnCommitted(ctx, model.Turn{ConversationID: "c1", Seq: 2, Speaker: "guard", Utterance: "  "})
	orch.OnTurnCommitted(ctx, model.Turn{ConversationID: "c1", Seq: 3, Speaker: "guard", Utterance: "fresh", ResolvedAt: now.Add(-time.Second)})

	calls := sp.played()
	require.Len(t, calls, 1)
	require.Equal(t, "fresh", calls[0].text)
	st := orch.Stats()
	require.Equal(t, int64(1), st.Stale)
	require.Equal(t, int64(1), st.Skipped)
}

// TestSpeakErrorsAreCounted 验证语音层失败不会影响提交路径，只计数。
func TestSpeakErrorsAreCounted(t *testing.T) {
	orch := New(&fakeSpeaker{err: errors.New("queue full")}, Options{Logger: quietLogger})
	orch.OnTurnCommitted(context.Background(), model.Turn{ConversationID: "c1", Seq: 1, Speaker: "guard", Utterance: "halt"})
	require.Equal(t, int64(1), orch.Stats().Errors)
}

func TestHintsForTurn(t *testing.T) {
	hints := HintsForTurn(model.Turn{Metadata: map[string]any{
		"emotion":           " Anger ",
		"intensity":         int8(1),
		"volume":            float32(0.5),
		"attenuationRadius": uint16(1200),
		"position":          map[string]any{"x": 1.5, "y": int64(-2), "z": 3},
	}})
	require.Equal(t, "anger", hints.Emotion)
	require.InDelta(t, 1.0, hints.Intensity, 1e-9)
	require.InDelta(t, 0.5, hints.Volume, 1e-9)
	require.InDelta(t, 1200, hints.AttenuationRadius, 1e-9)
	require.Equal(t, speech.Vec3{X: 1.5, Y: -2, Z: 3}, hints.Position)

	require.Equal(t, speech.SpatialHints{}, HintsForTurn(model.Turn{}))

	// 没有 emotion 时由动作推断，显式 emotion 优先。
	require.Equal(t, "fear", HintsForTurn(model.Turn{Action: model.ActionFlee}).Emotion)
	require.Equal(t, "calm", HintsForTurn(model.Turn{
		Action:   model.ActionThreaten,
		Metadata: map[string]any{"emotion": "Calm"},
	}).Emotion)
	require.Empty(t, HintsForTurn(model.Turn{Action: model.ActionTrade}).Emotion)
}
