//go:build zmq

package replication

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dawsonblock/ISLAND/server/internal/session"
)

func freeTCPEndpoint(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return fmt.Sprintf("tcp://127.0.0.1:%d", port)
}

// TestZMQReplicatesToPeer 验证对端经 ZeroMQ 加入后先经 ROUTER 收到快照，再经 PUB 收到后续提交。
// 场景：主机已有 1 个轮次，对端连接后主机再提交 2 个。
func TestZMQReplicatesToPeer(t *testing.T) {
	host := session.NewInMemoryStore(session.WithLogger(quietLogger))
	transports := &MultiTransport{}
	publisher := NewPublisher(host, transports, quietLogger)
	defer publisher.Close()
	host.AddObserver(publisher)

	auth := NewTokenAuthority("join-secret", time.Hour)
	pubEndpoint := freeTCPEndpoint(t)
	routerEndpoint := freeTCPEndpoint(t)
	zh, err := NewZMQHost(publisher, auth, pubEndpoint, routerEndpoint, quietLogger)
	require.NoError(t, err)
	transports.Add(zh)

	ctx, cancel := context.WithCancel(context.Background())
	hostDone := make(chan error, 1)
	go func() { hostDone <- zh.Run(ctx) }()

	commitTurns(t, host, "c1", 1)

	_, sink := session.NewMirror(quietLogger)
	mirror := NewMirrorBridge(sink, MirrorOptions{Logger: quietLogger})
	token, err := auth.Issue("peer-1")
	require.NoError(t, err)
	zp := NewZMQPeer(mirror, "peer-1", token, pubEndpoint, routerEndpoint, quietLogger)
	mirror.SetLink(zp)

	peerDone := make(chan error, 1)
	go func() { peerDone <- zp.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.LastApplied("c1") == 1 }, 5*time.Second, 20*time.Millisecond)

	// 等订阅传到 PUB 端；个别丢失的广播由跳号重同步补齐
	time.Sleep(200 * time.Millisecond)
	commitTurns(t, host, "c1", 2)
	require.Eventually(t, func() bool { return sink.LastApplied("c1") == 3 }, 5*time.Second, 20*time.Millisecond)

	cancel()
	for name, done := range map[string]chan error{"host": hostDone, "peer": peerDone} {
		select {
		case err := <-done:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatalf("zmq %s did not stop", name)
		}
	}
}

// TestZMQHostSendToUnknownPeer 验证未完成 hello 的对端无法单播。
func TestZMQHostSendToUnknownPeer(t *testing.T) {
	zh, err := NewZMQHost(&Publisher{}, nil, freeTCPEndpoint(t), freeTCPEndpoint(t), quietLogger)
	require.NoError(t, err)
	defer zh.close()

	err = zh.SendTo("ghost", ResyncFrame(ResyncRequest{ConversationID: "c1", LastKnownSeq: 1}))
	require.ErrorIs(t, err, ErrPeerNotConnected)
}
