package replication

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxFrameBytes  = 4 << 20
	wsPeerSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub 是主机端 WebSocket 传输，每个对端一个连接。
type Hub struct {
	handler HostHandler
	auth    *TokenAuthority
	logger  *log.Logger

	mu     sync.RWMutex
	peers  map[string]*wsPeer
	closed bool
}

type wsPeer struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	closeChan chan struct{}
}

func (p *wsPeer) close() {
	p.closeOnce.Do(func() {
		close(p.closeChan)
		_ = p.conn.Close()
	})
}

// NewHub 创建主机端 Hub。auth 为 nil 时不校验令牌。
func NewHub(handler HostHandler, auth *TokenAuthority, logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		handler: handler,
		auth:    auth,
		logger:  logger,
		peers:   make(map[string]*wsPeer),
	}
}

// ServeHTTP 升级对端连接。令牌来自 Authorization: Bearer 或 ?token=。
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r.Header.Get("Authorization"), r.URL.Query().Get("token"))
	fallback := r.URL.Query().Get("peer")
	if fallback == "" {
		fallback = uuid.NewString()
	}
	peerID, err := h.auth.Verify(token, fallback)
	if err != nil {
		h.logger.Printf("[ReplicationHub] ⚠️ rejected peer from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("[ReplicationHub] upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(wsMaxFrameBytes)

	peer := &wsPeer{
		id:        peerID,
		conn:      conn,
		send:      make(chan []byte, wsPeerSendBuffer),
		closeChan: make(chan struct{}),
	}
	if !h.register(peer) {
		peer.close()
		return
	}
	h.logger.Printf("[ReplicationHub:%s] ✅ peer connected (%s)", peerID, r.RemoteAddr)

	go h.writePump(peer)
	h.handler.PeerJoined(r.Context(), peerID)
	h.readPump(peer)
}

func (h *Hub) register(p *wsPeer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if old, ok := h.peers[p.id]; ok {
		old.close()
	}
	h.peers[p.id] = p
	return true
}

func (h *Hub) unregister(p *wsPeer) {
	h.mu.Lock()
	if cur, ok := h.peers[p.id]; ok && cur == p {
		delete(h.peers, p.id)
	}
	h.mu.Unlock()
	p.close()
}

func (h *Hub) readPump(p *wsPeer) {
	defer h.unregister(p)
	_ = p.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	ctx := context.Background()
	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Printf("[ReplicationHub:%s] read error: %v", p.id, err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		f, err := Decode(data)
		if err != nil {
			h.logger.Printf("[ReplicationHub:%s] ⚠️ %v", p.id, err)
			continue
		}
		h.handler.HandlePeerFrame(ctx, p.id, f)
	}
}

func (h *Hub) writePump(p *wsPeer) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		h.unregister(p)
	}()
	for {
		select {
		case <-p.closeChan:
			return
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue 不阻塞；发送队列满的慢对端被断开，重连后以快照追平。
func (h *Hub) enqueue(p *wsPeer, data []byte) bool {
	select {
	case <-p.closeChan:
		return false
	default:
	}
	select {
	case p.send <- data:
		return true
	default:
		h.logger.Printf("[ReplicationHub:%s] ⚠️ send buffer full, dropping peer", p.id)
		go h.unregister(p)
		return false
	}
}

// Broadcast 实现 HostTransport。
func (h *Hub) Broadcast(f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peers {
		h.enqueue(p, data)
	}
	return nil
}

// SendTo 实现 HostTransport。
func (h *Hub) SendTo(peerID string, f Frame) error {
	h.mu.RLock()
	p, ok := h.peers[peerID]
	h.mu.RUnlock()
	if !ok {
		return ErrPeerNotConnected
	}
	data, err := Encode(f)
	if err != nil {
		return err
	}
	if !h.enqueue(p, data) {
		return fmt.Errorf("send to %s: %w", peerID, ErrPeerNotConnected)
	}
	return nil
}

// PeerCount 返回当前连接的对端数量。
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Close 断开所有对端，之后的连接被拒绝。
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	peers := make([]*wsPeer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.peers = make(map[string]*wsPeer)
	h.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}

// PeerClientOptions 配置对端到主机的 WebSocket 连接。
type PeerClientOptions struct {
	URL          string
	PeerID       string
	Token        string
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Logger       *log.Logger
}

// PeerClient 是对端 WebSocket 传输：拨号主机，断线后指数退避重连。
type PeerClient struct {
	opts    PeerClientOptions
	handler PeerHandler

	connLock sync.Mutex
	conn     *websocket.Conn
}

func NewPeerClient(handler PeerHandler, opts PeerClientOptions) *PeerClient {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 500 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 15 * time.Second
	}
	if opts.PeerID == "" {
		opts.PeerID = uuid.NewString()
	}
	return &PeerClient{opts: opts, handler: handler}
}

// Send 实现 PeerLink。
func (c *PeerClient) Send(f Frame) error {
	data, err := Encode(f)
	if err != nil {
		return err
	}
	c.connLock.Lock()
	defer c.connLock.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Run 保持连接直到 ctx 结束。
func (c *PeerClient) Run(ctx context.Context) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.opts.ReconnectMin,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         c.opts.ReconnectMax,
	}
	b.Reset()
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		if err == nil {
			b.Reset()
		}
		wait := b.NextBackOff()
		c.opts.Logger.Printf("[ReplicationPeer:%s] ⚠️ disconnected: %v (retry in %s)", c.opts.PeerID, err, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// session 建立一次连接并读到断开为止。正常读到数据后返回 nil 以重置退避。
func (c *PeerClient) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	url := c.opts.URL + "?peer=" + c.opts.PeerID
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: host returned 401", ErrUnauthorized)
		}
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(wsMaxFrameBytes)

	c.connLock.Lock()
	c.conn = conn
	c.connLock.Unlock()
	defer func() {
		c.connLock.Lock()
		c.conn = nil
		c.connLock.Unlock()
		_ = conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c.opts.Logger.Printf("[ReplicationPeer:%s] ✅ connected to %s", c.opts.PeerID, c.opts.URL)
	c.handler.Connected(ctx)

	received := false
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if received {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		f, err := Decode(data)
		if err != nil {
			c.opts.Logger.Printf("[ReplicationPeer:%s] ⚠️ %v", c.opts.PeerID, err)
			continue
		}
		received = true
		c.handler.HandleFrame(ctx, f)
	}
}
