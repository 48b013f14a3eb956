package speech

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownSpeaker  = errors.New("no voice profile for speaker")
	ErrUnknownPlayback = errors.New("unknown playback handle")
	ErrEmptyText       = errors.New("utterance text is empty")
	ErrQueueFull       = errors.New("speaker playback queue full")
	ErrClosed          = errors.New("speech pipeline closed")
	ErrNoAudioClient   = errors.New("no audio client connected")
)

// PlaybackHandle 标识一次播放请求。
type PlaybackHandle string

// PlaybackState 是一次播放的生命周期状态。
type PlaybackState string

const (
	PlaybackQueued       PlaybackState = "queued"
	PlaybackSynthesizing PlaybackState = "synthesizing"
	PlaybackPlaying      PlaybackState = "playing"
	PlaybackDone         PlaybackState = "done"
	PlaybackFailed       PlaybackState = "failed"
	PlaybackCancelled    PlaybackState = "cancelled"
)

// Terminal 表示播放已结束（成功、失败或取消）。
func (s PlaybackState) Terminal() bool {
	return s == PlaybackDone || s == PlaybackFailed || s == PlaybackCancelled
}

// Vec3 是世界坐标。
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// SpatialHints 描述空间化播放参数。Emotion/Intensity 非零时覆盖音色档案的默认值。
type SpatialHints struct {
	Position          Vec3    `json:"position"`
	AttenuationRadius float64 `json:"attenuationRadius,omitempty"`
	Volume            float64 `json:"volume,omitempty"`
	Emotion           string  `json:"emotion,omitempty"`
	Intensity         float64 `json:"intensity,omitempty"`
}

// SynthesisRequest 是发给 TTS 服务的请求。
type SynthesisRequest struct {
	Text           string  `json:"text"`
	Emotion        string  `json:"emotion"`
	Intensity      float64 `json:"intensity"`
	Pace           float64 `json:"pace"`
	Pitch          float64 `json:"pitch"`
	VoiceReference string  `json:"voice_reference,omitempty"`
}

// SynthesisResult 是 TTS 服务的响应。
type SynthesisResult struct {
	AudioPath        string  `json:"audio_path"`
	DurationSec      float64 `json:"duration_sec"`
	ModelUsed        string  `json:"model_used"`
	GenerationTimeMs float64 `json:"generation_time_ms"`
	// AudioURL 是引擎可拉取的地址，由客户端根据 AudioPath 补全。
	AudioURL string `json:"audio_url,omitempty"`
}

func (r SynthesisResult) Duration() time.Duration {
	return time.Duration(r.DurationSec * float64(time.Second))
}

// Synthesizer 把文本合成为音频文件。
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (SynthesisResult, error)
}

// Cue 是交给音频引擎的一次播放指令。
type Cue struct {
	Handle      PlaybackHandle `json:"handle"`
	Speaker     string         `json:"speaker"`
	Text        string         `json:"text"`
	AudioURL    string         `json:"audioUrl,omitempty"`
	DurationSec float64        `json:"durationSec"`
	Hints       SpatialHints   `json:"hints"`
}

// Sink 把播放指令交给外部音频引擎。引擎播放结束后通过 Pipeline.Ack 回报。
type Sink interface {
	Play(ctx context.Context, cue Cue) error
	Stop(ctx context.Context, handle PlaybackHandle) error
}
