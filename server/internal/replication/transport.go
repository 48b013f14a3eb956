package replication

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrPeerNotConnected = errors.New("replication peer not connected")
	ErrNotConnected     = errors.New("replication link not connected")
)

// HostTransport 是主机端传输：向所有对端广播，或回复单个对端。
type HostTransport interface {
	Broadcast(f Frame) error
	SendTo(peerID string, f Frame) error
}

// PeerLink 是对端到主机的上行通道。
type PeerLink interface {
	Send(f Frame) error
}

// HostHandler 接收对端上行事件，由 Publisher 实现。
type HostHandler interface {
	PeerJoined(ctx context.Context, peerID string)
	HandlePeerFrame(ctx context.Context, peerID string, f Frame)
}

// PeerHandler 接收主机下行帧，由 Mirror 实现。
type PeerHandler interface {
	Connected(ctx context.Context)
	HandleFrame(ctx context.Context, f Frame)
}

// MultiTransport 把广播扇出到多个主机端传输（例如 WebSocket 与 ZMQ 并存）。
type MultiTransport struct {
	mu         sync.RWMutex
	transports []HostTransport
}

func (m *MultiTransport) Add(t HostTransport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports = append(m.transports, t)
}

func (m *MultiTransport) Broadcast(f Frame) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var errs []error
	for _, t := range m.transports {
		if err := t.Broadcast(f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendTo 依次尝试各传输，直到某一个认识该对端。
func (m *MultiTransport) SendTo(peerID string, f Frame) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.transports {
		err := t.SendTo(peerID, f)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrPeerNotConnected) {
			return err
		}
	}
	return ErrPeerNotConnected
}
