package speech

import (
	"strings"
	"sync"
)

const (
	defaultEmotion   = "neutral"
	defaultIntensity = 0.5
	defaultPace      = 1.0
	defaultPitch     = 1.0
)

// VoiceProfile 是一个说话者固定的音色。
type VoiceProfile struct {
	VoiceReference string  `yaml:"voice_reference" json:"voiceReference,omitempty"`
	Emotion        string  `yaml:"emotion" json:"emotion,omitempty"`
	Intensity      float64 `yaml:"intensity" json:"intensity,omitempty"`
	Pace           float64 `yaml:"pace" json:"pace,omitempty"`
	Pitch          float64 `yaml:"pitch" json:"pitch,omitempty"`
}

func (p VoiceProfile) withDefaults() VoiceProfile {
	if p.Emotion == "" {
		p.Emotion = defaultEmotion
	}
	if p.Intensity <= 0 {
		p.Intensity = defaultIntensity
	}
	if p.Pace <= 0 {
		p.Pace = defaultPace
	}
	if p.Pitch <= 0 {
		p.Pitch = defaultPitch
	}
	return p
}

// VoiceBook 管理说话者到音色档案的映射。
// 每个说话者一旦分配音色就不再变化；未登记的说话者使用 fallback（若配置）。
type VoiceBook struct {
	mu       sync.RWMutex
	profiles map[string]VoiceProfile
	fallback *VoiceProfile
}

// NewVoiceBook 创建音色表。fallback 为 nil 时未登记的说话者返回 ErrUnknownSpeaker。
func NewVoiceBook(profiles map[string]VoiceProfile, fallback *VoiceProfile) *VoiceBook {
	b := &VoiceBook{profiles: make(map[string]VoiceProfile, len(profiles))}
	for speaker, p := range profiles {
		b.profiles[normalizeSpeaker(speaker)] = p.withDefaults()
	}
	if fallback != nil {
		fb := fallback.withDefaults()
		b.fallback = &fb
	}
	return b
}

// Set 登记或替换一个说话者的音色。
func (b *VoiceBook) Set(speaker string, p VoiceProfile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.profiles[normalizeSpeaker(speaker)] = p.withDefaults()
}

// Lookup 返回说话者的音色。
func (b *VoiceBook) Lookup(speaker string) (VoiceProfile, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p, ok := b.profiles[normalizeSpeaker(speaker)]; ok {
		return p, nil
	}
	if b.fallback != nil {
		return *b.fallback, nil
	}
	return VoiceProfile{}, ErrUnknownSpeaker
}

// Speakers 返回已登记的说话者数量。
func (b *VoiceBook) Speakers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.profiles)
}

func normalizeSpeaker(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// request 组合音色档案与空间提示，生成合成请求。
func (p VoiceProfile) request(text string, hints SpatialHints) SynthesisRequest {
	req := SynthesisRequest{
		Text:           text,
		Emotion:        p.Emotion,
		Intensity:      p.Intensity,
		Pace:           p.Pace,
		Pitch:          p.Pitch,
		VoiceReference: p.VoiceReference,
	}
	if hints.Emotion != "" {
		req.Emotion = hints.Emotion
	}
	if hints.Intensity > 0 {
		req.Intensity = min(hints.Intensity, 1)
	}
	return req
}
