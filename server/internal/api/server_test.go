package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/dawsonblock/ISLAND/server/internal/behavior"
	"github.com/dawsonblock/ISLAND/server/internal/model"
	"github.com/dawsonblock/ISLAND/server/internal/rfsn"
	"github.com/dawsonblock/ISLAND/server/internal/scheduler"
	"github.com/dawsonblock/ISLAND/server/internal/session"
)

var quietLogger = log.New(io.Discard, "", 0)

func init() {
	gin.SetMode(gin.TestMode)
	gin.DefaultWriter = io.Discard
}

// echoSender 把台词原样回显。
type echoSender struct{}

func (echoSender) Send(_ context.Context, req rfsn.DialogueRequest, _ time.Duration) (model.DialogueResponse, error) {
	return model.DialogueResponse{Utterance: "echo: " + req.Prompt}, nil
}

func newHostServer(t *testing.T) (*Server, *session.InMemoryStore) {
	t.Helper()
	store := session.NewInMemoryStore(session.WithLogger(quietLogger))
	opts := scheduler.DefaultOptions()
	opts.Logger = quietLogger
	sched := scheduler.New(store, echoSender{}, opts)
	t.Cleanup(sched.Close)
	adapter := behavior.NewAdapter(sched, store, nil, behavior.Options{HistoryTurns: 4, Logger: quietLogger})
	return NewServer(Deps{
		Role:           "host",
		Store:          store,
		Scheduler:      sched,
		Behavior:       adapter,
		AllowedOrigins: []string{"http://localhost:5173"},
		Logger:         quietLogger,
	}), store
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// TestRequestTurnAndPoll 验证评估器通过 HTTP 提交请求并轮询到终态结果。
// 场景：POST 返回 202 与句柄，GET 句柄直到 complete=true，结果包含已提交的台词。
func TestRequestTurnAndPoll(t *testing.T) {
	srv, _ := newHostServer(t)
	h := srv.Routes()

	rec := do(t, h, http.MethodPost, "/api/npcs/merchant/turns", `{"prompt":"hello","playerId":"p1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted requestTurnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.Handle)

	var view behavior.TurnView
	require.Eventually(t, func() bool {
		rec := do(t, h, http.MethodGet, "/api/turns/"+string(accepted.Handle), "")
		if rec.Code != http.StatusOK {
			return false
		}
		view = behavior.TurnView{}
		return json.Unmarshal(rec.Body.Bytes(), &view) == nil && view.Complete
	}, 2*time.Second, 10*time.Millisecond)
	require.NotNil(t, view.Result)
	require.Equal(t, model.OutcomeSucceeded, view.Result.Outcome)
	require.Equal(t, "echo: hello", view.Result.Turn.Utterance)

	rec = do(t, h, http.MethodGet, "/api/conversations/merchant", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var conv model.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	require.Len(t, conv.Turns, 1)
	require.Equal(t, int64(1), conv.Turns[0].Seq)

	rec = do(t, h, http.MethodGet, "/api/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "merchant")

	rec = do(t, h, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"scheduler"`)
}

// TestRequestTurnErrors 验证请求校验与未知资源的状态码映射。
func TestRequestTurnErrors(t *testing.T) {
	srv, _ := newHostServer(t)
	h := srv.Routes()

	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/npcs/merchant/turns", `{`).Code)
	require.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/npcs/merchant/turns", `{"prompt":"  "}`).Code)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/turns/nope", "").Code)
	require.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/conversations/nope", "").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/api/playbacks/x", "").Code)
}

// TestCloseAndPurgeConversation 验证 DELETE 结束对话回到 Idle，purge 时删除整个对话。
func TestCloseAndPurgeConversation(t *testing.T) {
	srv, store := newHostServer(t)
	h := srv.Routes()
	ctx := context.Background()

	th, err := store.BeginTurn(ctx, "guard", "guard", "halt", nil)
	require.NoError(t, err)
	_, err = store.CommitTurn(ctx, th, model.DialogueResponse{Utterance: "Who goes there?"})
	require.NoError(t, err)

	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/conversations/guard", "").Code)
	conv, err := store.GetConversation(ctx, "guard")
	require.NoError(t, err)
	require.Equal(t, model.ConversationIdle, conv.State)
	require.Len(t, conv.Turns, 1)

	require.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/conversations/guard?purge=true", "").Code)
	_, err = store.GetConversation(ctx, "guard")
	require.ErrorIs(t, err, session.ErrNotFound)
}

// TestPeerRejectsWrites 验证镜像端拒绝对话请求与写操作，但可以读取复制来的对话。
func TestPeerRejectsWrites(t *testing.T) {
	mirror, sink := session.NewMirror(quietLogger)
	require.NoError(t, sink.ApplyTurn(context.Background(), model.Turn{
		ConversationID: "c1", Seq: 1, Speaker: "merchant", Utterance: "hi",
	}))
	h := NewServer(Deps{Role: "peer", Store: mirror, Logger: quietLogger}).Routes()

	require.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/api/npcs/merchant/turns", `{"prompt":"x"}`).Code)
	require.Equal(t, http.StatusConflict, do(t, h, http.MethodDelete, "/api/conversations/c1", "").Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/conversations/c1", "").Code)

	rec := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"role":"peer"`)
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newHostServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/stats", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}
