package speech

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultSynthesisTimeout = 30 * time.Second
	defaultAckGrace         = 2 * time.Second
	defaultQueueCapacity    = 16
	defaultRetainCompleted  = 1024
)

// Options 配置语音输出管线。
type Options struct {
	SynthesisTimeout time.Duration
	// AckGrace 是音频时长之外等待引擎回执的额外时间。
	AckGrace        time.Duration
	QueueCapacity   int
	RetainCompleted int
	Logger          *log.Logger
}

// Stats 是管线计数。
type Stats struct {
	Speakers  int   `json:"speakers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Played    int64 `json:"played"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
}

// Pipeline 是语音输出适配器：每个已提交轮次调用一次 PlayUtterance，
// 合成与播放在说话者各自的串行队列中异步进行，调用方从不等待播放结束。
type Pipeline struct {
	synth  Synthesizer
	voices *VoiceBook
	opts   Options
	logger *log.Logger

	sinkMu sync.RWMutex
	sink   Sink

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	queues    map[string]*speakerQueue
	playbacks map[PlaybackHandle]*playback
	completed []PlaybackHandle
	played    int64
	failed    int64
	cancelled int64
}

// NewPipeline 创建管线。sink 可以为 nil（此时按合成时长计时完成）。
func NewPipeline(synth Synthesizer, sink Sink, voices *VoiceBook, opts Options) *Pipeline {
	if opts.SynthesisTimeout <= 0 {
		opts.SynthesisTimeout = defaultSynthesisTimeout
	}
	if opts.AckGrace <= 0 {
		opts.AckGrace = defaultAckGrace
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}
	if opts.RetainCompleted <= 0 {
		opts.RetainCompleted = defaultRetainCompleted
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if voices == nil {
		voices = NewVoiceBook(nil, &VoiceProfile{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		synth:     synth,
		sink:      sink,
		voices:    voices,
		opts:      opts,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		queues:    make(map[string]*speakerQueue),
		playbacks: make(map[PlaybackHandle]*playback),
	}
}

// SetSink 替换音频出口（音频 WebSocket 在管线之后创建）。
func (p *Pipeline) SetSink(s Sink) {
	p.sinkMu.Lock()
	defer p.sinkMu.Unlock()
	p.sink = s
}

func (p *Pipeline) currentSink() Sink {
	p.sinkMu.RLock()
	defer p.sinkMu.RUnlock()
	return p.sink
}

// PlayUtterance 把台词加入说话者的播放队列并立即返回句柄。
func (p *Pipeline) PlayUtterance(_ context.Context, speaker, text string, hints SpatialHints) (PlaybackHandle, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyText
	}
	profile, err := p.voices.Lookup(speaker)
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, speaker)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrClosed
	}
	key := normalizeSpeaker(speaker)
	q, ok := p.queues[key]
	if !ok {
		q = newSpeakerQueue(p.ctx, speaker, p)
		p.queues[key] = q
	}
	pb := newPlayback(PlaybackHandle(uuid.NewString()), speaker, text, hints, profile)
	p.playbacks[pb.handle] = pb
	p.mu.Unlock()

	if err := q.enqueue(pb); err != nil {
		p.mu.Lock()
		delete(p.playbacks, pb.handle)
		p.mu.Unlock()
		return "", err
	}
	p.logger.Printf("[Speech:%s] queued playback %s (%d chars)", speaker, pb.handle, len(text))
	return pb.handle, nil
}

// IsPlaybackComplete 报告播放是否结束。已被淘汰的旧句柄视为已结束。
func (p *Pipeline) IsPlaybackComplete(h PlaybackHandle) bool {
	pb := p.lookup(h)
	if pb == nil {
		return true
	}
	select {
	case <-pb.done:
		return true
	default:
		return false
	}
}

// State 返回播放状态与失败原因。
func (p *Pipeline) State(h PlaybackHandle) (PlaybackState, error) {
	pb := p.lookup(h)
	if pb == nil {
		return "", ErrUnknownPlayback
	}
	return pb.snapshot()
}

// Wait 阻塞直到播放结束或 ctx 结束。
func (p *Pipeline) Wait(ctx context.Context, h PlaybackHandle) error {
	pb := p.lookup(h)
	if pb == nil {
		return ErrUnknownPlayback
	}
	select {
	case <-pb.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ack 由音频引擎在播放结束时调用。
func (p *Pipeline) Ack(h PlaybackHandle) error {
	pb := p.lookup(h)
	if pb == nil {
		return ErrUnknownPlayback
	}
	pb.acknowledge()
	return nil
}

// Cancel 取消单个播放（排队中或正在播放）。
func (p *Pipeline) Cancel(h PlaybackHandle) error {
	pb := p.lookup(h)
	if pb == nil {
		return ErrUnknownPlayback
	}
	pb.abort()
	return nil
}

// StopSpeaker 取消说话者当前与排队中的全部播放，返回受影响的数量。
func (p *Pipeline) StopSpeaker(speaker string) int {
	p.mu.Lock()
	q, ok := p.queues[normalizeSpeaker(speaker)]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	n := q.stopAll()
	if n > 0 {
		p.logger.Printf("[Speech:%s] stopped %d playback(s)", speaker, n)
	}
	return n
}

func (p *Pipeline) lookup(h PlaybackHandle) *playback {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playbacks[h]
}

// complete 写入终态并按保留上限淘汰最旧的已结束句柄。
func (p *Pipeline) complete(pb *playback, state PlaybackState, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !pb.finish(state, err) {
		return
	}
	switch state {
	case PlaybackDone:
		p.played++
	case PlaybackFailed:
		p.failed++
	case PlaybackCancelled:
		p.cancelled++
	}
	p.completed = append(p.completed, pb.handle)
	for len(p.completed) > p.opts.RetainCompleted {
		delete(p.playbacks, p.completed[0])
		p.completed = p.completed[1:]
	}
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Speakers:  len(p.queues),
		Played:    p.played,
		Failed:    p.failed,
		Cancelled: p.cancelled,
	}
	for _, q := range p.queues {
		s.Queued += q.pending()
		q.mu.Lock()
		if q.current != nil {
			s.Active++
		}
		q.mu.Unlock()
	}
	return s
}

// Close 停止所有说话者队列，未完成的播放标记为取消。
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	queues := make([]*speakerQueue, 0, len(p.queues))
	for _, q := range p.queues {
		queues = append(queues, q)
	}
	p.mu.Unlock()

	p.cancel()
	for _, q := range queues {
		q.close()
	}
	p.logger.Printf("[Speech] pipeline closed (%d speakers)", len(queues))
}
