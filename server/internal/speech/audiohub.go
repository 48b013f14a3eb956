package speech

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const audioWriteWait = 5 * time.Second

var audioUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// AudioMessage 是音频 WebSocket 上的 JSON 消息。
// 下行：play / stop；上行：playback_complete。
type AudioMessage struct {
	Type   string         `json:"type"`
	Handle PlaybackHandle `json:"handle,omitempty"`
	Cue    *Cue           `json:"cue,omitempty"`
}

const (
	audioMsgPlay     = "play"
	audioMsgStop     = "stop"
	audioMsgComplete = "playback_complete"
)

// Acker 接收引擎的播放完成回执，由 Pipeline 实现。
type Acker interface {
	Ack(h PlaybackHandle) error
}

// AudioHub 是音频引擎接入点：引擎通过 WebSocket 连入，接收播放指令并回报完成。
// 实现 Sink；没有引擎在线时 Play 返回 ErrNoAudioClient，管线退回按时长计时。
type AudioHub struct {
	acker  Acker
	logger *log.Logger

	mu      sync.RWMutex
	clients map[string]*audioClient
}

type audioClient struct {
	id        string
	conn      *websocket.Conn
	connLock  sync.Mutex
	closeOnce sync.Once
}

func (c *audioClient) send(msg AudioMessage) error {
	c.connLock.Lock()
	defer c.connLock.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(audioWriteWait))
	return c.conn.WriteJSON(msg)
}

func (c *audioClient) close() {
	c.closeOnce.Do(func() { _ = c.conn.Close() })
}

func NewAudioHub(acker Acker, logger *log.Logger) *AudioHub {
	if logger == nil {
		logger = log.Default()
	}
	return &AudioHub{acker: acker, logger: logger, clients: make(map[string]*audioClient)}
}

// ServeHTTP 接入一个音频引擎连接，阻塞到连接断开。
func (h *AudioHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := audioUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("[AudioHub] upgrade failed: %v", err)
		return
	}
	c := &audioClient{id: uuid.NewString(), conn: conn}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.logger.Printf("[AudioHub:%s] ✅ audio client connected (%s)", c.id, r.RemoteAddr)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		c.close()
		h.logger.Printf("[AudioHub:%s] audio client disconnected", c.id)
	}()

	for {
		var msg AudioMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != audioMsgComplete || h.acker == nil {
			continue
		}
		if err := h.acker.Ack(msg.Handle); err != nil {
			h.logger.Printf("[AudioHub:%s] ⚠️ ack %s: %v", c.id, msg.Handle, err)
		}
	}
}

// Play 实现 Sink：把指令发给所有在线引擎，至少一个成功即视为已接收。
func (h *AudioHub) Play(_ context.Context, cue Cue) error {
	return h.broadcast(AudioMessage{Type: audioMsgPlay, Handle: cue.Handle, Cue: &cue})
}

// Stop 实现 Sink。
func (h *AudioHub) Stop(_ context.Context, handle PlaybackHandle) error {
	return h.broadcast(AudioMessage{Type: audioMsgStop, Handle: handle})
}

func (h *AudioHub) broadcast(msg AudioMessage) error {
	h.mu.RLock()
	clients := make([]*audioClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	delivered := false
	for _, c := range clients {
		if err := c.send(msg); err != nil {
			h.logger.Printf("[AudioHub:%s] ⚠️ send %s failed: %v", c.id, msg.Type, err)
			c.close()
			continue
		}
		delivered = true
	}
	if !delivered {
		return ErrNoAudioClient
	}
	return nil
}

// Clients 返回在线引擎数量。
func (h *AudioHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
