//go:build zmq

package replication

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
)

const (
	zmqTopic        = "dialogue"
	zmqPollInterval = 50 * time.Millisecond
	zmqOutbox       = 1024
)

// ZMQSupported 表示当前构建包含 ZeroMQ 传输。
const ZMQSupported = true

type zmqOutbound struct {
	identity string
	data     []byte
}

// ZMQHost 是主机端 ZeroMQ 传输：PUB 广播信封与快照，
// ROUTER 接收对端的 hello/重同步请求并单独回复。
// ROUTER 套接字只由 Run 的循环使用，SendTo 经由 outbox 交给它。
type ZMQHost struct {
	handler HostHandler
	auth    *TokenAuthority
	logger  *log.Logger

	zctx   *zmq.Context
	pub    *zmq.Socket
	pubMu  sync.Mutex
	router *zmq.Socket
	outbox chan zmqOutbound

	mu    sync.RWMutex
	peers map[string]string // peerID -> ROUTER identity
}

// NewZMQHost 绑定 PUB 与 ROUTER 端点，例如 tcp://*:7601 与 tcp://*:7602。
func NewZMQHost(handler HostHandler, auth *TokenAuthority, pubEndpoint, routerEndpoint string, logger *log.Logger) (*ZMQHost, error) {
	if logger == nil {
		logger = log.Default()
	}
	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("zmq context: %w", err)
	}
	h := &ZMQHost{
		handler: handler,
		auth:    auth,
		logger:  logger,
		zctx:    zctx,
		outbox:  make(chan zmqOutbound, zmqOutbox),
		peers:   make(map[string]string),
	}
	if h.pub, err = zctx.NewSocket(zmq.PUB); err != nil {
		h.close()
		return nil, fmt.Errorf("zmq PUB: %w", err)
	}
	h.pub.SetLinger(0)
	if err := h.pub.Bind(pubEndpoint); err != nil {
		h.close()
		return nil, fmt.Errorf("bind PUB %s: %w", pubEndpoint, err)
	}
	if h.router, err = zctx.NewSocket(zmq.ROUTER); err != nil {
		h.close()
		return nil, fmt.Errorf("zmq ROUTER: %w", err)
	}
	h.router.SetLinger(0)
	h.router.SetRouterMandatory(1)
	if err := h.router.Bind(routerEndpoint); err != nil {
		h.close()
		return nil, fmt.Errorf("bind ROUTER %s: %w", routerEndpoint, err)
	}
	logger.Printf("[ZMQHost] ✅ PUB %s ROUTER %s", pubEndpoint, routerEndpoint)
	return h, nil
}

func (h *ZMQHost) close() {
	if h.pub != nil {
		h.pub.Close()
	}
	if h.router != nil {
		h.router.Close()
	}
	h.zctx.Term()
}

// Broadcast 实现 HostTransport。
func (h *ZMQHost) Broadcast(f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	h.pubMu.Lock()
	defer h.pubMu.Unlock()
	if _, err := h.pub.SendMessage(zmqTopic, data); err != nil {
		return fmt.Errorf("zmq publish: %w", err)
	}
	return nil
}

// SendTo 实现 HostTransport。
func (h *ZMQHost) SendTo(peerID string, f Frame) error {
	h.mu.RLock()
	identity, ok := h.peers[peerID]
	h.mu.RUnlock()
	if !ok {
		return ErrPeerNotConnected
	}
	data, err := Encode(f)
	if err != nil {
		return err
	}
	select {
	case h.outbox <- zmqOutbound{identity: identity, data: data}:
		return nil
	default:
		return fmt.Errorf("zmq outbox full for %s", peerID)
	}
}

// Run 处理 ROUTER 收发，直到 ctx 结束后关闭所有套接字。
func (h *ZMQHost) Run(ctx context.Context) error {
	defer h.close()
	poller := zmq.NewPoller()
	poller.Add(h.router, zmq.POLLIN)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.flushOutbox()
		polled, err := poller.Poll(zmqPollInterval)
		if err != nil {
			h.logger.Printf("[ZMQHost] ⚠️ poll: %v", err)
			continue
		}
		if len(polled) == 0 {
			continue
		}
		parts, err := h.router.RecvMessageBytes(0)
		if err != nil {
			h.logger.Printf("[ZMQHost] ⚠️ recv: %v", err)
			continue
		}
		if len(parts) < 2 {
			continue
		}
		h.handleInbound(ctx, string(parts[0]), parts[len(parts)-1])
	}
}

func (h *ZMQHost) flushOutbox() {
	for {
		select {
		case m := <-h.outbox:
			if _, err := h.router.SendMessage(m.identity, m.data); err != nil {
				h.logger.Printf("[ZMQHost] ⚠️ reply to %s failed: %v", m.identity, err)
			}
		default:
			return
		}
	}
}

func (h *ZMQHost) handleInbound(ctx context.Context, identity string, payload []byte) {
	f, err := Decode(payload)
	if err != nil {
		h.logger.Printf("[ZMQHost] ⚠️ %v", err)
		return
	}
	if f.Type == FrameHello {
		peerID, err := h.auth.Verify(f.Hello.Token, f.Hello.PeerID)
		if err != nil {
			h.logger.Printf("[ZMQHost] ⚠️ rejected peer %s: %v", f.Hello.PeerID, err)
			return
		}
		h.mu.Lock()
		h.peers[peerID] = identity
		h.mu.Unlock()
		h.handler.PeerJoined(ctx, peerID)
		return
	}

	peerID, ok := h.peerFor(identity)
	if !ok {
		h.logger.Printf("[ZMQHost] ⚠️ %s frame before hello, ignoring", f.Type)
		return
	}
	h.handler.HandlePeerFrame(ctx, peerID, f)
}

func (h *ZMQHost) peerFor(identity string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for peerID, id := range h.peers {
		if id == identity {
			return peerID, true
		}
	}
	return "", false
}

// ZMQPeer 是对端 ZeroMQ 传输：SUB 接收广播，DEALER 发送 hello 与重同步请求。
// 两个套接字都只在 Run 的循环中使用。
type ZMQPeer struct {
	handler PeerHandler
	peerID  string
	token   string
	logger  *log.Logger

	subEndpoint    string
	dealerEndpoint string
	outbox         chan []byte
}

func NewZMQPeer(handler PeerHandler, peerID, token, subEndpoint, dealerEndpoint string, logger *log.Logger) *ZMQPeer {
	if logger == nil {
		logger = log.Default()
	}
	return &ZMQPeer{
		handler:        handler,
		peerID:         peerID,
		token:          token,
		logger:         logger,
		subEndpoint:    subEndpoint,
		dealerEndpoint: dealerEndpoint,
		outbox:         make(chan []byte, zmqOutbox),
	}
}

// Send 实现 PeerLink。
func (p *ZMQPeer) Send(f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	select {
	case p.outbox <- data:
		return nil
	default:
		return fmt.Errorf("zmq outbox full")
	}
}

// Run 连接主机并处理收发，直到 ctx 结束。
func (p *ZMQPeer) Run(ctx context.Context) error {
	zctx, err := zmq.NewContext()
	if err != nil {
		return fmt.Errorf("zmq context: %w", err)
	}
	defer zctx.Term()

	sub, err := zctx.NewSocket(zmq.SUB)
	if err != nil {
		return fmt.Errorf("zmq SUB: %w", err)
	}
	defer sub.Close()
	sub.SetLinger(0)
	if err := sub.Connect(p.subEndpoint); err != nil {
		return fmt.Errorf("connect SUB %s: %w", p.subEndpoint, err)
	}
	if err := sub.SetSubscribe(zmqTopic); err != nil {
		return fmt.Errorf("subscribe %s: %w", zmqTopic, err)
	}

	dealer, err := zctx.NewSocket(zmq.DEALER)
	if err != nil {
		return fmt.Errorf("zmq DEALER: %w", err)
	}
	defer dealer.Close()
	dealer.SetLinger(0)
	if err := dealer.SetIdentity(p.peerID); err != nil {
		return fmt.Errorf("dealer identity: %w", err)
	}
	if err := dealer.Connect(p.dealerEndpoint); err != nil {
		return fmt.Errorf("connect DEALER %s: %w", p.dealerEndpoint, err)
	}

	hello, err := Encode(Frame{Type: FrameHello, Hello: &Hello{PeerID: p.peerID, Token: p.token}})
	if err != nil {
		return err
	}
	if _, err := dealer.SendBytes(hello, 0); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	p.logger.Printf("[ZMQPeer:%s] ✅ connected SUB %s DEALER %s", p.peerID, p.subEndpoint, p.dealerEndpoint)
	p.handler.Connected(ctx)

	poller := zmq.NewPoller()
	poller.Add(sub, zmq.POLLIN)
	poller.Add(dealer, zmq.POLLIN)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.flushOutbox(dealer)
		polled, err := poller.Poll(zmqPollInterval)
		if err != nil {
			p.logger.Printf("[ZMQPeer:%s] ⚠️ poll: %v", p.peerID, err)
			continue
		}
		for _, item := range polled {
			parts, err := item.Socket.RecvMessageBytes(0)
			if err != nil || len(parts) == 0 {
				continue
			}
			p.dispatch(ctx, parts[len(parts)-1])
		}
	}
}

func (p *ZMQPeer) flushOutbox(dealer *zmq.Socket) {
	for {
		select {
		case data := <-p.outbox:
			if _, err := dealer.SendBytes(data, 0); err != nil {
				p.logger.Printf("[ZMQPeer:%s] ⚠️ send failed: %v", p.peerID, err)
			}
		default:
			return
		}
	}
}

func (p *ZMQPeer) dispatch(ctx context.Context, payload []byte) {
	f, err := Decode(payload)
	if err != nil {
		p.logger.Printf("[ZMQPeer:%s] ⚠️ %v", p.peerID, err)
		return
	}
	p.handler.HandleFrame(ctx, f)
}
