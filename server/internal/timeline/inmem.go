package timeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dawsonblock/ISLAND/server/internal/model"
)

// InMemoryStore 是一个基于内存的归档实现。
type InMemoryStore struct {
	mu      sync.RWMutex
	turns   map[string][]model.Turn
	turnIDs map[string]map[string]int64
}

func NewInMemoryStore() *InMemoryStore {
	// 重启即丢数据，仅用于测试和无持久化部署。
	return &InMemoryStore{
		turns:   make(map[string][]model.Turn),
		turnIDs: make(map[string]map[string]int64),
	}
}

// Append 追加已提交轮次。相同 Turn.ID 直接返回已记录的 seq（幂等）。
func (s *InMemoryStore) Append(_ context.Context, turn *model.Turn) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	convID := turn.ConversationID
	if seen, ok := s.turnIDs[convID]; ok {
		if seq, exists := seen[turn.ID]; exists {
			return seq, nil
		}
	}

	last := int64(len(s.turns[convID]))
	if turn.Seq != last+1 {
		return 0, fmt.Errorf("%w: conversation %s expected seq %d, got %d", ErrOutOfOrder, convID, last+1, turn.Seq)
	}

	s.turns[convID] = append(s.turns[convID], turn.Clone())
	if s.turnIDs[convID] == nil {
		s.turnIDs[convID] = make(map[string]int64)
	}
	s.turnIDs[convID][turn.ID] = turn.Seq

	return turn.Seq, nil
}

// List 返回某个对话的全部归档轮次。
// 返回深拷贝，避免调用方修改内部数据。
func (s *InMemoryStore) List(_ context.Context, conversationID string) ([]model.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.turns[conversationID]
	out := make([]model.Turn, len(turns))
	for i, t := range turns {
		out[i] = t.Clone()
	}
	return out, nil
}

func (s *InMemoryStore) Conversations(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.turns))
	for id := range s.turns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMemoryStore) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.turns, conversationID)
	delete(s.turnIDs, conversationID)
	return nil
}
