package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/dawsonblock/ISLAND/server/internal/model"
)

var (
	ErrNotFound            = errors.New("conversation not found")
	ErrTurnPending         = errors.New("conversation already has a pending turn")
	ErrTurnNotPending      = errors.New("turn is not pending")
	ErrTurnSuperseded      = errors.New("turn was superseded or abandoned")
	ErrNotAuthoritative    = errors.New("store is a replication mirror; writes are rejected")
	ErrConversationFaulted = errors.New("conversation is faulted; reset required")
	ErrInvariantViolation  = errors.New("dialogue invariant violated")
)

// InvariantError 描述一次不变量破坏（例如乱序提交）。
type InvariantError struct {
	ConversationID string
	Reason         string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation in conversation %s: %s", e.ConversationID, e.Reason)
}

func (e *InvariantError) Is(target error) bool {
	return target == ErrInvariantViolation
}

// Store 是对话会话存储。权威端接受写入；镜像端对所有写操作返回 ErrNotAuthoritative。
type Store interface {
	// BeginTurn 为对话创建唯一的 Pending 轮次，seq = 最后已提交序号 + 1。
	BeginTurn(ctx context.Context, conversationID, speaker, prompt string, turnContext map[string]any) (model.TurnHandle, error)
	// CommitTurn 提交响应。对同一句柄重复提交返回已存储的轮次（幂等）。
	CommitTurn(ctx context.Context, h model.TurnHandle, resp model.DialogueResponse) (model.Turn, error)
	// RecordRetry 为 Pending 轮次累加一次重试计数，返回当前计数。
	RecordRetry(ctx context.Context, h model.TurnHandle) (int, error)
	// FailTurn 将 Pending 轮次标记为失败，seq 留给下一次尝试。
	FailTurn(ctx context.Context, h model.TurnHandle, reason string) (model.Turn, error)
	// SupersedeTurn 将 Pending 轮次标记为被取代。
	SupersedeTurn(ctx context.Context, h model.TurnHandle) (model.Turn, error)
	// CancelTurn 放弃被取消请求的 Pending 轮次，对话回到 Idle（不进入 Failed）。
	CancelTurn(ctx context.Context, h model.TurnHandle, reason string) (model.Turn, error)
	// GetConversation 返回对话的深拷贝快照。
	GetConversation(ctx context.Context, id string) (model.Conversation, error)
	// ListConversations 返回当前已知的对话 ID。
	ListConversations(ctx context.Context) ([]string, error)
	// CloseConversation 结束对话（回到 Idle），放弃在途轮次。
	CloseConversation(ctx context.Context, id string) error
	// ResetConversation 清除故障标记，使对话重新可用。
	ResetConversation(ctx context.Context, id string) error
	// DeleteConversation 删除对话及其归档。
	DeleteConversation(ctx context.Context, id string) error
}

// Observer 接收已提交轮次。回调在该对话的写锁内按 seq 顺序触发，
// 实现不得同步回调同一对话的存储写操作，也不应阻塞。
type Observer interface {
	OnTurnCommitted(ctx context.Context, turn model.Turn)
	OnConversationChanged(ctx context.Context, conversationID string)
}

// MirrorSink 是复制桥写入镜像存储的唯一入口。
type MirrorSink interface {
	// ApplyTurn 应用一个已提交轮次。seq <= lastApplied 时为空操作。
	ApplyTurn(ctx context.Context, turn model.Turn) error
	// ApplySnapshot 用主机快照整体替换该对话的已提交日志。
	ApplySnapshot(ctx context.Context, conversationID string, turns []model.Turn) error
	// LastApplied 返回该对话最后应用的 seq。
	LastApplied(conversationID string) int64
}

var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*MirrorStore)(nil)
)
