package scheduler

import (
	"context"
	"sync"

	"github.com/dawsonblock/ISLAND/server/internal/model"
)

// Future 是一次 Submit 的结果占位，终态只写入一次。
type Future struct {
	ID             string
	ConversationID string

	once   sync.Once
	done   chan struct{}
	result model.TurnResult
}

func newFuture(id, conversationID string) *Future {
	return &Future{ID: id, ConversationID: conversationID, done: make(chan struct{})}
}

// resolve 写入终态，重复调用无效。返回是否本次写入。
func (f *Future) resolve(r model.TurnResult) bool {
	resolved := false
	f.once.Do(func() {
		f.result = r
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done 在 Future 到达终态时关闭。
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result 非阻塞地返回结果；未完成时 ok=false。
func (f *Future) Result() (model.TurnResult, bool) {
	select {
	case <-f.done:
		return f.result, true
	default:
		return model.TurnResult{}, false
	}
}

// Wait 阻塞直到 Future 完成或 ctx 结束。
func (f *Future) Wait(ctx context.Context) (model.TurnResult, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return model.TurnResult{}, ctx.Err()
	}
}
