package orchestrator

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dawsonblock/ISLAND/server/internal/model"
	"github.com/dawsonblock/ISLAND/server/internal/session"
	"github.com/dawsonblock/ISLAND/server/internal/speech"
)

// Speaker 是 Orchestrator 依赖的语音输出接口，由 speech.Pipeline 实现。
type Speaker interface {
	PlayUtterance(ctx context.Context, speaker, text string, hints speech.SpatialHints) (speech.PlaybackHandle, error)
	StopSpeaker(speaker string) int
}

// PlaybackTracker 接收每个说话者最近一次播放的句柄，由 behavior.Adapter 实现。
type PlaybackTracker interface {
	TrackPlayback(npcID string, h speech.PlaybackHandle)
}

// Options 配置编排器。
type Options struct {
	// MaxTurnAge 大于 0 时，提交时间早于 now-MaxTurnAge 的轮次不再播放。
	// 镜像端加入时收到的历史快照因此不会被整段朗读。
	MaxTurnAge time.Duration
	Logger     *log.Logger
	Now        func() time.Time
}

// Stats 是编排器计数。
type Stats struct {
	Spoken  int64 `json:"spoken"`
	Skipped int64 `json:"skipped"`
	Stale   int64 `json:"stale"`
	Errors  int64 `json:"errors"`
}

// Orchestrator 把已提交轮次编排为语音播放。
//
// 职责与契约：
// - 作为 session.Observer 注册在权威存储或镜像存储上，每个已提交轮次恰好播放一次。
// - 回调在存储的提交路径上触发，这里只做入队，不等待合成或播放。
// - 播放句柄交给 PlaybackTracker，供行为层判断 NPC 是否仍在说话。
type Orchestrator struct {
	speaker Speaker
	logger  *log.Logger
	opts    Options

	mu      sync.Mutex
	tracker PlaybackTracker
	stats   Stats
}

var _ session.Observer = (*Orchestrator)(nil)

func New(speaker Speaker, opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{speaker: speaker, logger: logger, opts: opts}
}

// SetTracker 设置播放句柄的接收方（可以为 nil）。
func (o *Orchestrator) SetTracker(t PlaybackTracker) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tracker = t
}

// OnTurnCommitted 实现 session.Observer。
func (o *Orchestrator) OnTurnCommitted(ctx context.Context, turn model.Turn) {
	if strings.TrimSpace(turn.Utterance) == "" || turn.Speaker == "" {
		o.count(func(s *Stats) { s.Skipped++ })
		return
	}
	if o.stale(turn) {
		o.count(func(s *Stats) { s.Stale++ })
		return
	}

	h, err := o.speaker.PlayUtterance(ctx, turn.Speaker, turn.Utterance, HintsForTurn(turn))
	if err != nil {
		o.count(func(s *Stats) { s.Errors++ })
		if errors.Is(err, speech.ErrClosed) {
			return
		}
		o.logger.Printf("[Orchestrator:%s] ⚠️ speak seq=%d failed: %v", turn.ConversationID, turn.Seq, err)
		return
	}

	o.mu.Lock()
	o.stats.Spoken++
	tracker := o.tracker
	o.mu.Unlock()
	if tracker != nil {
		tracker.TrackPlayback(turn.Speaker, h)
	}
}

// OnConversationChanged 实现 session.Observer。快照替换只影响日志，已排队的台词照常播放。
func (o *Orchestrator) OnConversationChanged(_ context.Context, conversationID string) {
	o.logger.Printf("[Orchestrator:%s] conversation changed", conversationID)
}

// Interrupt 打断说话者当前与排队中的台词。
func (o *Orchestrator) Interrupt(speaker string) int {
	return o.speaker.StopSpeaker(speaker)
}

// Stats 返回计数快照。
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

func (o *Orchestrator) stale(turn model.Turn) bool {
	if o.opts.MaxTurnAge <= 0 {
		return false
	}
	at := turn.ResolvedAt
	if at.IsZero() {
		at = turn.CreatedAt
	}
	if at.IsZero() {
		return false
	}
	return o.opts.Now().Sub(at) > o.opts.MaxTurnAge
}

func (o *Orchestrator) count(fn func(*Stats)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.stats)
}
