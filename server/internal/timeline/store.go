package timeline

import (
	"context"
	"errors"

	"github.com/dawsonblock/ISLAND/server/internal/model"
)

// ErrOutOfOrder 表示写入的轮次序号不是 lastSeq+1。
var ErrOutOfOrder = errors.New("timeline: turn out of order")

// Store 是已提交轮次的归档。会话存储在修改内存状态之前先写入归档（append-first），
// 重启后可以据此恢复对话。
type Store interface {
	// Append 写入一个已提交轮次，返回其 seq。
	// 约定：同一对话的 seq 连续递增；相同 Turn.ID 的重复写入幂等返回同一 seq。
	Append(ctx context.Context, turn *model.Turn) (int64, error)
	// List 返回该对话的全部已提交轮次（按 seq 顺序）。
	List(ctx context.Context, conversationID string) ([]model.Turn, error)
	// Conversations 返回归档中出现过的对话 ID。
	Conversations(ctx context.Context) ([]string, error)
	// Delete 删除该对话的全部归档。
	Delete(ctx context.Context, conversationID string) error
}
