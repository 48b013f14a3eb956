package api

import (
	"errors"
	"log"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dawsonblock/ISLAND/server/internal/behavior"
	"github.com/dawsonblock/ISLAND/server/internal/orchestrator"
	"github.com/dawsonblock/ISLAND/server/internal/replication"
	"github.com/dawsonblock/ISLAND/server/internal/rfsn"
	"github.com/dawsonblock/ISLAND/server/internal/scheduler"
	"github.com/dawsonblock/ISLAND/server/internal/session"
	"github.com/dawsonblock/ISLAND/server/internal/speech"
)

// Deps 是 HTTP 层依赖的组件。主机与镜像端装配的组件不同，未装配的字段为 nil，
// 对应的路由返回 503。
type Deps struct {
	Role  string
	Store session.Store

	Transport    *rfsn.Client
	Scheduler    *scheduler.Scheduler
	Behavior     *behavior.Adapter
	Publisher    *replication.Publisher
	Mirror       *replication.Mirror
	Speech       *speech.Pipeline
	Orchestrator *orchestrator.Orchestrator

	// ReplicationHub 与 AudioHub 挂在 /ws 下。
	ReplicationHub http.Handler
	AudioHub       http.Handler

	AllowedOrigins []string
	Logger         *log.Logger
}

type Server struct {
	deps    Deps
	logger  *log.Logger
	started time.Time
}

func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{deps: deps, logger: logger, started: time.Now()}
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由，便于扩展日志/鉴权/限流等能力。
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/api/stats", s.handleStats)

	engine.POST("/api/npcs/:id/turns", s.handleRequestTurn)
	engine.GET("/api/turns/:handle", s.handleTurnStatus)

	engine.GET("/api/conversations", s.handleListConversations)
	engine.GET("/api/conversations/:id", s.handleGetConversation)
	engine.DELETE("/api/conversations/:id", s.handleCloseConversation)
	engine.POST("/api/conversations/:id/reset", s.handleResetConversation)

	engine.GET("/api/playbacks/:handle", s.handlePlaybackStatus)
	engine.POST("/api/playbacks/:handle/complete", s.handlePlaybackComplete)

	if s.deps.ReplicationHub != nil {
		engine.GET("/ws/replication", gin.WrapH(s.deps.ReplicationHub))
	}
	if s.deps.AudioHub != nil {
		engine.GET("/ws/audio", gin.WrapH(s.deps.AudioHub))
	}
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	resp := gin.H{"status": "ok", "role": s.deps.Role, "uptimeSec": int(time.Since(s.started).Seconds())}
	if s.deps.Transport != nil {
		resp["dialogueServiceAvailable"] = s.deps.Transport.ServerAvailable()
	}
	c.JSON(http.StatusOK, resp)
}

// handleStats 汇总各组件的运行计数。
func (s *Server) handleStats(c *gin.Context) {
	resp := gin.H{"role": s.deps.Role}
	if s.deps.Transport != nil {
		resp["transport"] = s.deps.Transport.Stats().Snapshot()
	}
	if s.deps.Scheduler != nil {
		resp["scheduler"] = s.deps.Scheduler.Stats()
	}
	if s.deps.Behavior != nil {
		resp["behavior"] = gin.H{"rejected": s.deps.Behavior.Rejected()}
	}
	if s.deps.Publisher != nil {
		resp["publisher"] = s.deps.Publisher.Stats()
	}
	if s.deps.Mirror != nil {
		resp["mirror"] = s.deps.Mirror.Stats()
		resp["awaitingResync"] = s.deps.Mirror.AwaitingResync()
	}
	if s.deps.Speech != nil {
		resp["speech"] = s.deps.Speech.Stats()
	}
	if s.deps.Orchestrator != nil {
		resp["voice"] = s.deps.Orchestrator.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

type requestTurnResponse struct {
	Handle behavior.Handle `json:"handle"`
}

// handleRequestTurn 处理 /api/npcs/{id}/turns，为状态树评估器请求一个对话轮次。
func (s *Server) handleRequestTurn(c *gin.Context) {
	if s.deps.Behavior == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dialogue requests are only accepted by the host"})
		return
	}
	var req behavior.DialogueContext
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	h, err := s.deps.Behavior.RequestDialogueTurn(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, requestTurnResponse{Handle: h})
}

// handleTurnStatus 处理 /api/turns/{handle}，返回完成状态与终态结果。
func (s *Server) handleTurnStatus(c *gin.Context) {
	if s.deps.Behavior == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dialogue requests are only accepted by the host"})
		return
	}
	view, err := s.deps.Behavior.Lookup(behavior.Handle(c.Param("handle")))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleListConversations(c *gin.Context) {
	ids, err := s.deps.Store.ListConversations(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": ids})
}

// handleGetConversation 返回对话的深拷贝快照。
func (s *Server) handleGetConversation(c *gin.Context) {
	conv, err := s.deps.Store.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// handleCloseConversation 结束对话：取消调度中的请求，放弃在途轮次并回到 Idle。
// ?purge=true 时连同已提交日志一起删除。
func (s *Server) handleCloseConversation(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	if s.deps.Scheduler != nil {
		if n := s.deps.Scheduler.Cancel(id); n > 0 {
			s.logger.Printf("[API:%s] cancelled %d scheduled request(s)", id, n)
		}
	}

	var err error
	if c.Query("purge") == "true" {
		err = s.deps.Store.DeleteConversation(ctx, id)
	} else {
		err = s.deps.Store.CloseConversation(ctx, id)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleResetConversation 清除故障标记。
func (s *Server) handleResetConversation(c *gin.Context) {
	if err := s.deps.Store.ResetConversation(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handlePlaybackStatus(c *gin.Context) {
	if s.deps.Speech == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "speech output disabled"})
		return
	}
	h := speech.PlaybackHandle(c.Param("handle"))
	state, err := s.deps.Speech.State(h)
	resp := gin.H{"handle": h, "complete": s.deps.Speech.IsPlaybackComplete(h)}
	switch {
	case errors.Is(err, speech.ErrUnknownPlayback):
		// 未知或已淘汰的句柄视为已完成。
	case err != nil:
		resp["state"] = state
		resp["error"] = err.Error()
	default:
		resp["state"] = state
	}
	c.JSON(http.StatusOK, resp)
}

// handlePlaybackComplete 是没有 WebSocket 的引擎回报播放完成的入口。
func (s *Server) handlePlaybackComplete(c *gin.Context) {
	if s.deps.Speech == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "speech output disabled"})
		return
	}
	if err := s.deps.Speech.Ack(speech.PlaybackHandle(c.Param("handle"))); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// writeError 把领域错误映射为 HTTP 状态码；详细错误只记日志。
func (s *Server) writeError(c *gin.Context, err error) {
	status, msg := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, behavior.ErrInvalidRequest):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, behavior.ErrUnknownHandle),
		errors.Is(err, speech.ErrUnknownPlayback):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, behavior.ErrPlaybackInProgress),
		errors.Is(err, session.ErrNotAuthoritative),
		errors.Is(err, session.ErrConversationFaulted),
		errors.Is(err, session.ErrTurnPending):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, scheduler.ErrClosed):
		status, msg = http.StatusServiceUnavailable, err.Error()
	}
	if status == http.StatusInternalServerError {
		s.logger.Printf("[API] ❌ %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, gin.H{"error": msg})
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && slices.Contains(s.deps.AllowedOrigins, origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
