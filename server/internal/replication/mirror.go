package replication

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dawsonblock/ISLAND/server/internal/session"
)

const (
	DefaultResyncWait  = 2 * time.Second
	DefaultMaxBuffered = 256

	// desyncAfterExpiries 次连续超时仍无进展即视为失步。
	desyncAfterExpiries = 2
)

// SyncState 是对端单个对话的复制状态。
type SyncState string

const (
	StateSynced         SyncState = "synced"
	StateAwaitingResync SyncState = "awaiting_resync"
)

// DesyncEvent 在对话连续两次重同步超时后触发。
type DesyncEvent struct {
	ConversationID string
	LastApplied    int64
	Buffered       int
	At             time.Time
}

// MirrorOptions 配置对端复制桥。
type MirrorOptions struct {
	ResyncWait  time.Duration
	MaxBuffered int
	Logger      *log.Logger
	OnDesync    func(DesyncEvent)
}

// MirrorStats 是对端复制计数。
type MirrorStats struct {
	Applied        int64 `json:"applied"`
	Duplicates     int64 `json:"duplicates"`
	Buffered       int64 `json:"buffered"`
	ResyncRequests int64 `json:"resyncRequests"`
	Snapshots      int64 `json:"snapshots"`
	Desyncs        int64 `json:"desyncs"`
}

type mirrorConv struct {
	state    SyncState
	buffer   map[int64]Envelope
	timer    *time.Timer
	timerGen uint64
	expiries int
}

// Mirror 是对端复制桥：把主机下发的帧按 seq 顺序写入 session.MirrorSink。
// 每个对话处于 Synced 或 AwaitingResync；乱序信封先缓冲，缺口补齐后按序排空。
type Mirror struct {
	sink session.MirrorSink
	opts MirrorOptions

	linkMu sync.RWMutex
	link   PeerLink

	mu    sync.Mutex
	convs map[string]*mirrorConv

	applied        atomic.Int64
	duplicates     atomic.Int64
	buffered       atomic.Int64
	resyncRequests atomic.Int64
	snapshots      atomic.Int64
	desyncs        atomic.Int64
}

func NewMirrorBridge(sink session.MirrorSink, opts MirrorOptions) *Mirror {
	if opts.ResyncWait <= 0 {
		opts.ResyncWait = DefaultResyncWait
	}
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = DefaultMaxBuffered
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Mirror{
		sink:  sink,
		opts:  opts,
		convs: make(map[string]*mirrorConv),
	}
}

// SetLink 设置上行通道（传输建立后调用）。
func (m *Mirror) SetLink(link PeerLink) {
	m.linkMu.Lock()
	defer m.linkMu.Unlock()
	m.link = link
}

func (m *Mirror) Stats() MirrorStats {
	return MirrorStats{
		Applied:        m.applied.Load(),
		Duplicates:     m.duplicates.Load(),
		Buffered:       m.buffered.Load(),
		ResyncRequests: m.resyncRequests.Load(),
		Snapshots:      m.snapshots.Load(),
		Desyncs:        m.desyncs.Load(),
	}
}

// State 返回对话当前的复制状态。
func (m *Mirror) State(conversationID string) SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[conversationID]; ok {
		return c.state
	}
	return StateSynced
}

// Connected 实现 PeerHandler。重新连上主机后主机会推送全部快照，
// 因此清空本地缓冲与计时器。
func (m *Mirror) Connected(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.convs {
		m.stopTimer(c)
		c.buffer = make(map[int64]Envelope)
		c.state = StateSynced
		c.expiries = 0
	}
	m.opts.Logger.Printf("[Mirror] ✅ connected to host, awaiting snapshots")
}

// HandleFrame 实现 PeerHandler。
func (m *Mirror) HandleFrame(ctx context.Context, f Frame) {
	var out []Frame
	switch f.Type {
	case FrameEnvelope:
		out = m.handleEnvelope(ctx, *f.Envelope)
	case FrameSnapshot:
		out = m.handleSnapshot(ctx, *f.Snapshot)
	default:
		m.opts.Logger.Printf("[Mirror] ⚠️ ignoring %s frame", f.Type)
	}
	m.sendAll(out)
}

func (m *Mirror) conv(id string) *mirrorConv {
	c, ok := m.convs[id]
	if !ok {
		c = &mirrorConv{state: StateSynced, buffer: make(map[int64]Envelope)}
		m.convs[id] = c
	}
	return c
}

func (m *Mirror) handleEnvelope(ctx context.Context, e Envelope) []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := e.ConversationID
	last := m.sink.LastApplied(id)
	if e.TurnSeq <= last {
		m.duplicates.Add(1)
		return nil
	}
	c := m.conv(id)

	if e.TurnSeq > last+1 {
		if _, dup := c.buffer[e.TurnSeq]; dup {
			m.duplicates.Add(1)
			return nil
		}
		if len(c.buffer) >= m.opts.MaxBuffered {
			m.opts.Logger.Printf("[Mirror:%s] ⚠️ buffer full, dropping seq=%d", id, e.TurnSeq)
		} else {
			c.buffer[e.TurnSeq] = e
			m.buffered.Add(1)
		}
		if c.state == StateSynced {
			c.state = StateAwaitingResync
			c.expiries = 0
			m.opts.Logger.Printf("[Mirror:%s] gap detected: lastApplied=%d got=%d, requesting resync", id, last, e.TurnSeq)
			m.startTimer(id, c)
			return []Frame{m.resyncFrame(id, last, false)}
		}
		return nil
	}

	if err := m.sink.ApplyTurn(ctx, e.Turn()); err != nil {
		m.opts.Logger.Printf("[Mirror:%s] ❌ apply seq=%d failed: %v", id, e.TurnSeq, err)
		return nil
	}
	m.applied.Add(1)
	return m.drain(ctx, id, c)
}

func (m *Mirror) handleSnapshot(ctx context.Context, s Snapshot) []Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := s.ConversationID
	if err := m.sink.ApplySnapshot(ctx, id, snapshotTurns(s)); err != nil {
		m.opts.Logger.Printf("[Mirror:%s] ❌ snapshot rejected: %v", id, err)
		return nil
	}
	m.snapshots.Add(1)
	c := m.conv(id)
	last := m.sink.LastApplied(id)
	for seq := range c.buffer {
		if seq <= last {
			delete(c.buffer, seq)
		}
	}
	return m.drain(ctx, id, c)
}

// drain 在 lastApplied 推进后调用：按序应用缓冲中紧接的信封，并据此更新状态。
func (m *Mirror) drain(ctx context.Context, id string, c *mirrorConv) []Frame {
	for {
		next := m.sink.LastApplied(id) + 1
		e, ok := c.buffer[next]
		if !ok {
			break
		}
		delete(c.buffer, next)
		if err := m.sink.ApplyTurn(ctx, e.Turn()); err != nil {
			m.opts.Logger.Printf("[Mirror:%s] ❌ apply buffered seq=%d failed: %v", id, next, err)
			break
		}
		m.applied.Add(1)
	}

	if len(c.buffer) == 0 {
		if c.state == StateAwaitingResync {
			m.opts.Logger.Printf("[Mirror:%s] ✅ gap closed at seq=%d", id, m.sink.LastApplied(id))
		}
		m.stopTimer(c)
		c.state = StateSynced
		c.expiries = 0
		return nil
	}

	if c.state == StateAwaitingResync {
		// 仍有缺口但取得了进展：重新计时，不需要再发请求，应答仍在路上。
		c.expiries = 0
		m.startTimer(id, c)
		return nil
	}
	c.state = StateAwaitingResync
	c.expiries = 0
	m.startTimer(id, c)
	return []Frame{m.resyncFrame(id, m.sink.LastApplied(id), false)}
}

func (m *Mirror) resyncFrame(id string, last int64, full bool) Frame {
	m.resyncRequests.Add(1)
	return ResyncFrame(ResyncRequest{ConversationID: id, LastKnownSeq: last, Full: full})
}

// startTimer 重新开始等待；旧计时器通过代号失效。
func (m *Mirror) startTimer(id string, c *mirrorConv) {
	m.stopTimer(c)
	gen := c.timerGen
	c.timer = time.AfterFunc(m.opts.ResyncWait, func() {
		m.onResyncTimeout(id, gen)
	})
}

func (m *Mirror) stopTimer(c *mirrorConv) {
	c.timerGen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// onResyncTimeout 在等待期内没有进展时触发：第一次改为拉取整体快照，
// 连续第二次触发失步事件，并继续拉取快照。
func (m *Mirror) onResyncTimeout(id string, gen uint64) {
	m.mu.Lock()
	c, ok := m.convs[id]
	if !ok || c.timerGen != gen || c.state != StateAwaitingResync {
		m.mu.Unlock()
		return
	}
	c.expiries++
	last := m.sink.LastApplied(id)
	var event *DesyncEvent
	if c.expiries == desyncAfterExpiries {
		m.desyncs.Add(1)
		event = &DesyncEvent{ConversationID: id, LastApplied: last, Buffered: len(c.buffer), At: time.Now()}
		m.opts.Logger.Printf("[Mirror:%s] ❌ replication desync: lastApplied=%d buffered=%d", id, last, len(c.buffer))
	} else {
		m.opts.Logger.Printf("[Mirror:%s] ⚠️ resync wait expired, pulling full snapshot", id)
	}
	m.startTimer(id, c)
	out := m.resyncFrame(id, last, true)
	m.mu.Unlock()

	m.sendAll([]Frame{out})
	if event != nil && m.opts.OnDesync != nil {
		m.opts.OnDesync(*event)
	}
}

func (m *Mirror) sendAll(frames []Frame) {
	if len(frames) == 0 {
		return
	}
	m.linkMu.RLock()
	link := m.link
	m.linkMu.RUnlock()
	if link == nil {
		m.opts.Logger.Printf("[Mirror] ⚠️ no uplink, %d frame(s) not sent", len(frames))
		return
	}
	for _, f := range frames {
		if err := link.Send(f); err != nil {
			m.opts.Logger.Printf("[Mirror] ⚠️ send %s frame failed: %v", f.Type, err)
		}
	}
}

// AwaitingResync 返回当前等待重同步的对话，按 ID 排序。
func (m *Mirror) AwaitingResync() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, c := range m.convs {
		if c.state == StateAwaitingResync {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
