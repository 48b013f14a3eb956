package replication

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dawsonblock/ISLAND/server/internal/session"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// TestHubReplicatesToPeer 验证对端经 WebSocket 加入后先收到快照，再收到后续提交。
// 场景：主机已有 1 个轮次，对端连接后主机再提交 2 个。
func TestHubReplicatesToPeer(t *testing.T) {
	host := session.NewInMemoryStore(session.WithLogger(quietLogger))
	transports := &MultiTransport{}
	publisher := NewPublisher(host, transports, quietLogger)
	defer publisher.Close()
	host.AddObserver(publisher)

	auth := NewTokenAuthority("join-secret", time.Hour)
	hub := NewHub(publisher, auth, quietLogger)
	defer hub.Close()
	transports.Add(hub)

	srv := httptest.NewServer(hub)
	defer srv.Close()

	commitTurns(t, host, "c1", 1)

	_, sink := session.NewMirror(quietLogger)
	mirror := NewMirrorBridge(sink, MirrorOptions{Logger: quietLogger})
	token, err := auth.Issue("peer-1")
	require.NoError(t, err)
	client := NewPeerClient(mirror, PeerClientOptions{URL: wsURL(srv.URL), PeerID: "peer-1", Token: token, Logger: quietLogger})
	mirror.SetLink(client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.LastApplied("c1") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, hub.PeerCount())

	commitTurns(t, host, "c1", 2)
	require.Eventually(t, func() bool { return sink.LastApplied("c1") == 3 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("peer client did not stop")
	}
}

// TestHubRejectsPeerWithoutToken 验证配置了密钥时缺少令牌的对端被拒绝，且客户端不再重连。
func TestHubRejectsPeerWithoutToken(t *testing.T) {
	hub := NewHub(&Publisher{}, NewTokenAuthority("join-secret", time.Hour), quietLogger)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	_, sink := session.NewMirror(quietLogger)
	mirror := NewMirrorBridge(sink, MirrorOptions{Logger: quietLogger})
	client := NewPeerClient(mirror, PeerClientOptions{URL: wsURL(srv.URL), Logger: quietLogger})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := client.Run(ctx)
	require.ErrorIs(t, err, ErrUnauthorized)
	require.Zero(t, hub.PeerCount())
}

// TestPeerClientSendWithoutConnection 验证未连接时上行返回 ErrNotConnected。
func TestPeerClientSendWithoutConnection(t *testing.T) {
	client := NewPeerClient(nil, PeerClientOptions{URL: "ws://127.0.0.1:1", Logger: quietLogger})
	err := client.Send(ResyncFrame(ResyncRequest{ConversationID: "c1", LastKnownSeq: 1}))
	require.ErrorIs(t, err, ErrNotConnected)
}
