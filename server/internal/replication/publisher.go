package replication

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/dawsonblock/ISLAND/server/internal/model"
	"github.com/dawsonblock/ISLAND/server/internal/session"
)

const defaultPublishQueue = 1024

type publishKind int

const (
	publishEnvelope publishKind = iota
	publishSnapshot
	publishResync
	publishPeerSync
)

type publishJob struct {
	kind     publishKind
	envelope Envelope
	convID   string
	peerID   string
	resync   ResyncRequest
}

// PublisherStats 是主机端复制计数。
type PublisherStats struct {
	Broadcasts    int64 `json:"broadcasts"`
	Snapshots     int64 `json:"snapshots"`
	ResyncsServed int64 `json:"resyncsServed"`
	Dropped       int64 `json:"dropped"`
	SendErrors    int64 `json:"sendErrors"`
}

// Publisher 是主机端复制桥。它作为 session.Observer 挂在权威存储上，
// 回调只入队，由单个 worker 按入队顺序发送，因此同一对话的信封按 seq 顺序广播。
type Publisher struct {
	store     session.Store
	transport HostTransport
	logger    *log.Logger

	queue     chan publishJob
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	broadcasts    atomic.Int64
	snapshots     atomic.Int64
	resyncsServed atomic.Int64
	dropped       atomic.Int64
	sendErrors    atomic.Int64
}

// NewPublisher 创建并启动发布者。store 只用于读取（应答重同步与快照）。
func NewPublisher(store session.Store, transport HostTransport, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Default()
	}
	p := &Publisher{
		store:     store,
		transport: transport,
		logger:    logger,
		queue:     make(chan publishJob, defaultPublishQueue),
		done:      make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Close 停止 worker，丢弃尚未发送的任务。
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}

func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Broadcasts:    p.broadcasts.Load(),
		Snapshots:     p.snapshots.Load(),
		ResyncsServed: p.resyncsServed.Load(),
		Dropped:       p.dropped.Load(),
		SendErrors:    p.sendErrors.Load(),
	}
}

// OnTurnCommitted 实现 session.Observer。
func (p *Publisher) OnTurnCommitted(_ context.Context, turn model.Turn) {
	p.enqueue(publishJob{kind: publishEnvelope, envelope: EnvelopeFromTurn(turn), convID: turn.ConversationID})
}

// OnConversationChanged 实现 session.Observer：对话被重置或删除后广播整体快照。
func (p *Publisher) OnConversationChanged(_ context.Context, conversationID string) {
	p.enqueue(publishJob{kind: publishSnapshot, convID: conversationID})
}

// PeerJoined 实现 HostHandler：向新对端推送所有对话的快照。
func (p *Publisher) PeerJoined(_ context.Context, peerID string) {
	p.logger.Printf("[Publisher] peer %s joined", peerID)
	p.enqueue(publishJob{kind: publishPeerSync, peerID: peerID})
}

// HandlePeerFrame 实现 HostHandler。对端只会上行重同步请求。
func (p *Publisher) HandlePeerFrame(_ context.Context, peerID string, f Frame) {
	switch f.Type {
	case FrameResync:
		p.enqueue(publishJob{kind: publishResync, peerID: peerID, convID: f.Resync.ConversationID, resync: *f.Resync})
	default:
		p.logger.Printf("[Publisher] ⚠️ ignoring %s frame from peer %s", f.Type, peerID)
	}
}

// enqueue 不阻塞调用方（存储在分片锁内回调）。队列满时丢弃并计数，
// 对端会通过跳号检测与重同步补齐。
func (p *Publisher) enqueue(job publishJob) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.queue <- job:
	default:
		p.dropped.Add(1)
		p.logger.Printf("[Publisher:%s] ⚠️ publish queue full, dropping job", job.convID)
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-p.done:
			return
		case job := <-p.queue:
			p.process(ctx, job)
		}
	}
}

func (p *Publisher) process(ctx context.Context, job publishJob) {
	switch job.kind {
	case publishEnvelope:
		p.send("", EnvelopeFrame(job.envelope))
		p.broadcasts.Add(1)
	case publishSnapshot:
		snap, err := p.snapshot(ctx, job.convID)
		if err != nil {
			p.logger.Printf("[Publisher:%s] ❌ snapshot failed: %v", job.convID, err)
			return
		}
		p.send("", SnapshotFrame(snap))
		p.snapshots.Add(1)
	case publishResync:
		p.serveResync(ctx, job.peerID, job.resync)
	case publishPeerSync:
		ids, err := p.store.ListConversations(ctx)
		if err != nil {
			p.logger.Printf("[Publisher] ❌ list conversations for peer %s: %v", job.peerID, err)
			return
		}
		for _, id := range ids {
			snap, err := p.snapshot(ctx, id)
			if err != nil {
				continue
			}
			p.send(job.peerID, SnapshotFrame(snap))
			p.snapshots.Add(1)
		}
	}
}

// serveResync 用缺失的信封应答；请求方要求整体快照或其进度超前于主机时发送快照。
func (p *Publisher) serveResync(ctx context.Context, peerID string, req ResyncRequest) {
	p.resyncsServed.Add(1)
	conv, err := p.store.GetConversation(ctx, req.ConversationID)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		p.logger.Printf("[Publisher:%s] ❌ resync lookup failed: %v", req.ConversationID, err)
		return
	}
	last := conv.LastSeq()
	if req.Full || req.LastKnownSeq > last {
		p.logger.Printf("[Publisher:%s] resync peer=%s full snapshot (peer=%d host=%d)", req.ConversationID, peerID, req.LastKnownSeq, last)
		p.send(peerID, SnapshotFrame(snapshotOf(req.ConversationID, conv.Turns)))
		p.snapshots.Add(1)
		return
	}
	p.logger.Printf("[Publisher:%s] resync peer=%s seq %d..%d", req.ConversationID, peerID, req.LastKnownSeq+1, last)
	for _, t := range conv.Turns {
		if t.Seq > req.LastKnownSeq {
			p.send(peerID, EnvelopeFrame(EnvelopeFromTurn(t)))
		}
	}
}

func (p *Publisher) snapshot(ctx context.Context, id string) (Snapshot, error) {
	conv, err := p.store.GetConversation(ctx, id)
	if errors.Is(err, session.ErrNotFound) {
		return Snapshot{ConversationID: id}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(id, conv.Turns), nil
}

func snapshotOf(id string, turns []model.Turn) Snapshot {
	s := Snapshot{ConversationID: id, Turns: make([]Envelope, 0, len(turns))}
	for _, t := range turns {
		s.Turns = append(s.Turns, EnvelopeFromTurn(t))
	}
	return s
}

// send 为空 peerID 时广播。
func (p *Publisher) send(peerID string, f Frame) {
	if p.transport == nil {
		return
	}
	var err error
	if peerID == "" {
		err = p.transport.Broadcast(f)
	} else {
		err = p.transport.SendTo(peerID, f)
	}
	if err != nil {
		p.sendErrors.Add(1)
		p.logger.Printf("[Publisher] ⚠️ send %s frame failed: %v", f.Type, err)
	}
}
