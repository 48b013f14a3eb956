//go:build !zmq

package replication

import (
	"context"
	"errors"
	"log"
)

// ZMQSupported 表示当前构建包含 ZeroMQ 传输。
const ZMQSupported = false

var errZMQDisabled = errors.New("built without zmq support (rebuild with -tags zmq)")

type ZMQHost struct{}

func NewZMQHost(HostHandler, *TokenAuthority, string, string, *log.Logger) (*ZMQHost, error) {
	return nil, errZMQDisabled
}

func (*ZMQHost) Broadcast(Frame) error { return errZMQDisabled }
func (*ZMQHost) SendTo(string, Frame) error { return errZMQDisabled }
func (*ZMQHost) Run(context.Context) error { return errZMQDisabled }

type ZMQPeer struct{}

func NewZMQPeer(PeerHandler, string, string, string, string, *log.Logger) *ZMQPeer {
	return &ZMQPeer{}
}

func (*ZMQPeer) Send(Frame) error { return errZMQDisabled }
func (*ZMQPeer) Run(context.Context) error { return errZMQDisabled }
