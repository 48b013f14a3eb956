package speech

import (
	"context"
	"log"
	"sync"
	"time"
)

// playback 是一次播放请求的状态，由所属说话者的队列串行推进。
type playback struct {
	handle     PlaybackHandle
	speaker    string
	text       string
	hints      SpatialHints
	profile    VoiceProfile
	enqueuedAt time.Time

	mu    sync.Mutex
	state PlaybackState
	err   error

	done       chan struct{}
	doneOnce   sync.Once
	ack        chan struct{}
	ackOnce    sync.Once
	cancel     chan struct{}
	cancelOnce sync.Once
}

func newPlayback(handle PlaybackHandle, speaker, text string, hints SpatialHints, profile VoiceProfile) *playback {
	return &playback{
		handle:     handle,
		speaker:    speaker,
		text:       text,
		hints:      hints,
		profile:    profile,
		enqueuedAt: time.Now(),
		state:      PlaybackQueued,
		done:       make(chan struct{}),
		ack:        make(chan struct{}),
		cancel:     make(chan struct{}),
	}
}

func (pb *playback) setState(s PlaybackState) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if !pb.state.Terminal() {
		pb.state = s
	}
}

func (pb *playback) snapshot() (PlaybackState, error) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	return pb.state, pb.err
}

// finish 写入终态，只生效一次。
func (pb *playback) finish(s PlaybackState, err error) bool {
	finished := false
	pb.doneOnce.Do(func() {
		pb.mu.Lock()
		pb.state = s
		pb.err = err
		pb.mu.Unlock()
		close(pb.done)
		finished = true
	})
	return finished
}

func (pb *playback) acknowledge() {
	pb.ackOnce.Do(func() { close(pb.ack) })
}

func (pb *playback) abort() {
	pb.cancelOnce.Do(func() { close(pb.cancel) })
}

func (pb *playback) cancelled() bool {
	select {
	case <-pb.cancel:
		return true
	default:
		return false
	}
}

// speakerQueue 为单个说话者提供串行播放：同一说话者的台词按提交顺序合成并播放，
// 不同说话者之间互不阻塞。
type speakerQueue struct {
	speaker  string
	pipeline *Pipeline
	items    chan *playback
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *log.Logger

	mu      sync.Mutex
	current *playback
	total   int64
	dropped int64
}

func newSpeakerQueue(parent context.Context, speaker string, p *Pipeline) *speakerQueue {
	ctx, cancel := context.WithCancel(parent)
	q := &speakerQueue{
		speaker:  speaker,
		pipeline: p,
		items:    make(chan *playback, p.opts.QueueCapacity),
		ctx:      ctx,
		cancel:   cancel,
		logger:   p.logger,
	}
	q.wg.Add(1)
	go q.processLoop()
	return q
}

// enqueue 非阻塞入队，队列满时返回 ErrQueueFull。
func (q *speakerQueue) enqueue(pb *playback) error {
	select {
	case <-q.ctx.Done():
		return ErrClosed
	default:
	}
	select {
	case q.items <- pb:
		q.mu.Lock()
		q.total++
		q.mu.Unlock()
		return nil
	default:
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		q.logger.Printf("[SpeechQueue:%s] ⚠️ queue full, dropping utterance", q.speaker)
		return ErrQueueFull
	}
}

func (q *speakerQueue) processLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			q.drain()
			return
		case pb := <-q.items:
			q.play(pb)
		}
	}
}

// drain 在关闭时把尚未播放的请求标记为取消。
func (q *speakerQueue) drain() {
	for {
		select {
		case pb := <-q.items:
			q.pipeline.complete(pb, PlaybackCancelled, ErrClosed)
		default:
			return
		}
	}
}

func (q *speakerQueue) play(pb *playback) {
	if pb.cancelled() {
		q.pipeline.complete(pb, PlaybackCancelled, nil)
		return
	}
	q.mu.Lock()
	q.current = pb
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.current = nil
		q.mu.Unlock()
	}()

	p := q.pipeline
	queueLatency := time.Since(pb.enqueuedAt)
	pb.setState(PlaybackSynthesizing)

	synthCtx, cancel := context.WithTimeout(q.ctx, p.opts.SynthesisTimeout)
	go func() {
		select {
		case <-pb.cancel:
			cancel()
		case <-synthCtx.Done():
		}
	}()
	start := time.Now()
	res, err := p.synth.Synthesize(synthCtx, pb.profile.request(pb.text, pb.hints))
	cancel()
	if err != nil {
		if pb.cancelled() {
			p.complete(pb, PlaybackCancelled, nil)
			return
		}
		q.logger.Printf("[SpeechQueue:%s] ❌ synthesis failed: %v", q.speaker, err)
		p.complete(pb, PlaybackFailed, err)
		return
	}
	q.logger.Printf("[SpeechQueue:%s] synthesized %.2fs audio model=%s queue_latency=%v synth_time=%v",
		q.speaker, res.DurationSec, res.ModelUsed, queueLatency, time.Since(start))

	cue := Cue{
		Handle:      pb.handle,
		Speaker:     pb.speaker,
		Text:        pb.text,
		AudioURL:    res.AudioURL,
		DurationSec: res.DurationSec,
		Hints:       pb.hints,
	}
	pb.setState(PlaybackPlaying)

	wait := res.Duration()
	if sink := p.currentSink(); sink != nil {
		if err := sink.Play(q.ctx, cue); err != nil {
			q.logger.Printf("[SpeechQueue:%s] ⚠️ sink rejected cue, timing by duration: %v", q.speaker, err)
		} else {
			wait += p.opts.AckGrace
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-pb.ack:
		p.complete(pb, PlaybackDone, nil)
	case <-timer.C:
		p.complete(pb, PlaybackDone, nil)
	case <-pb.cancel:
		if sink := p.currentSink(); sink != nil {
			_ = sink.Stop(context.WithoutCancel(q.ctx), pb.handle)
		}
		p.complete(pb, PlaybackCancelled, nil)
	case <-q.ctx.Done():
		p.complete(pb, PlaybackCancelled, ErrClosed)
	}
}

// stopAll 取消当前与排队中的播放，返回受影响的数量。
// 先清空队列再中断当前播放，避免处理循环在两步之间取走下一条。
func (q *speakerQueue) stopAll() int {
	n := 0
	for drained := false; !drained; {
		select {
		case pb := <-q.items:
			pb.abort()
			q.pipeline.complete(pb, PlaybackCancelled, nil)
			n++
		default:
			drained = true
		}
	}
	q.mu.Lock()
	if q.current != nil {
		q.current.abort()
		n++
	}
	q.mu.Unlock()
	return n
}

func (q *speakerQueue) close() {
	q.cancel()
	q.wg.Wait()
}

func (q *speakerQueue) pending() int {
	return len(q.items)
}
