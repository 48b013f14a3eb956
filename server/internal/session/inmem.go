package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dawsonblock/ISLAND/server/internal/model"
	"github.com/dawsonblock/ISLAND/server/internal/timeline"
)

// shard 持有单个对话的状态，同一对话的所有操作在 shard 锁内串行执行。
type shard struct {
	mu      sync.Mutex
	conv    *model.Conversation
	deleted bool
}

// 被放弃的尝试只保留最近的若干条。
const maxAbandoned = 64

// InMemoryStore 是权威端的会话存储，可选地以 timeline.Store 作为持久化归档。
type InMemoryStore struct {
	mu     sync.RWMutex
	shards map[string]*shard

	archive   timeline.Store
	observers []Observer
	logger    *log.Logger
	now       func() time.Time
}

// Option 配置 InMemoryStore。
type Option func(*InMemoryStore)

// WithArchive 设置提交时先写入的归档。
func WithArchive(archive timeline.Store) Option {
	return func(s *InMemoryStore) { s.archive = archive }
}

// WithObserver 注册提交观察者。
func WithObserver(o Observer) Option {
	return func(s *InMemoryStore) { s.observers = append(s.observers, o) }
}

// WithLogger 设置日志输出。
func WithLogger(l *log.Logger) Option {
	return func(s *InMemoryStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock 替换时间源（测试用）。
func WithClock(now func() time.Time) Option {
	return func(s *InMemoryStore) { s.now = now }
}

func NewInMemoryStore(opts ...Option) *InMemoryStore {
	s := &InMemoryStore{
		shards: make(map[string]*shard),
		logger: log.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddObserver 在构造后注册观察者（启动阶段调用）。
func (s *InMemoryStore) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Restore 从归档恢复所有对话。应在对外服务之前调用。
func (s *InMemoryStore) Restore(ctx context.Context) (int, error) {
	if s.archive == nil {
		return 0, nil
	}
	ids, err := s.archive.Conversations(ctx)
	if err != nil {
		return 0, fmt.Errorf("list archived conversations: %w", err)
	}
	for _, id := range ids {
		turns, err := s.archive.List(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("load conversation %s: %w", id, err)
		}
		conv := &model.Conversation{ID: id, State: model.ConversationIdle, Turns: turns}
		for _, t := range turns {
			conv.Participants = addParticipant(conv.Participants, t.Speaker)
			if t.ResolvedAt.After(conv.UpdatedAt) {
				conv.UpdatedAt = t.ResolvedAt
			}
		}
		if len(turns) > 0 {
			conv.State = model.ConversationCommitted
		}
		s.mu.Lock()
		s.shards[id] = &shard{conv: conv}
		s.mu.Unlock()
	}
	if len(ids) > 0 {
		s.logger.Printf("[SessionStore] restored %d conversations from archive", len(ids))
	}
	return len(ids), nil
}

func (s *InMemoryStore) shard(id string, create bool) *shard {
	s.mu.RLock()
	sh, ok := s.shards[id]
	s.mu.RUnlock()
	if ok || !create {
		return sh
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok = s.shards[id]; ok {
		return sh
	}
	sh = &shard{conv: &model.Conversation{ID: id, State: model.ConversationIdle, UpdatedAt: s.now()}}
	s.shards[id] = sh
	return sh
}

// lockShard 返回已加锁的 shard。create=false 且对话不存在时返回 ErrNotFound。
func (s *InMemoryStore) lockShard(id string, create bool) (*shard, error) {
	for {
		sh := s.shard(id, create)
		if sh == nil {
			return nil, ErrNotFound
		}
		sh.mu.Lock()
		if !sh.deleted {
			return sh, nil
		}
		sh.mu.Unlock()
		if !create {
			return nil, ErrNotFound
		}
	}
}

func (s *InMemoryStore) observerList() []Observer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Observer(nil), s.observers...)
}

func (s *InMemoryStore) BeginTurn(ctx context.Context, conversationID, speaker, prompt string, turnContext map[string]any) (model.TurnHandle, error) {
	if conversationID == "" {
		return model.TurnHandle{}, errors.New("conversation id is required")
	}
	if err := ctx.Err(); err != nil {
		return model.TurnHandle{}, err
	}
	sh, err := s.lockShard(conversationID, true)
	if err != nil {
		return model.TurnHandle{}, err
	}
	defer sh.mu.Unlock()

	conv := sh.conv
	if conv.Fault != "" {
		return model.TurnHandle{}, ErrConversationFaulted
	}
	if conv.Pending != nil {
		return model.TurnHandle{}, ErrTurnPending
	}

	now := s.now()
	turn := &model.Turn{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Seq:            conv.LastSeq() + 1,
		Speaker:        speaker,
		Prompt:         prompt,
		Context:        model.CloneMap(turnContext),
		Status:         model.TurnPending,
		CreatedAt:      now,
	}
	conv.Pending = turn
	conv.State = model.ConversationAwaitingResponse
	conv.Participants = addParticipant(conv.Participants, speaker)
	conv.UpdatedAt = now

	return turn.Handle(), nil
}

func (s *InMemoryStore) CommitTurn(ctx context.Context, h model.TurnHandle, resp model.DialogueResponse) (model.Turn, error) {
	sh, err := s.lockShard(h.ConversationID, false)
	if err != nil {
		return model.Turn{}, err
	}
	defer sh.mu.Unlock()

	conv := sh.conv
	// 幂等：已提交的同一轮次直接返回。
	if h.Seq >= 1 && h.Seq <= conv.LastSeq() {
		if stored := conv.Turns[h.Seq-1]; stored.ID == h.TurnID {
			return stored.Clone(), nil
		}
	}
	if conv.Fault != "" {
		return model.Turn{}, ErrConversationFaulted
	}
	if isAbandoned(conv, h.TurnID) {
		return model.Turn{}, ErrTurnSuperseded
	}
	if conv.Pending == nil || conv.Pending.ID != h.TurnID || h.Seq != conv.LastSeq()+1 {
		return model.Turn{}, s.fault(conv, fmt.Sprintf("commit for unknown or out-of-order turn seq=%d id=%s (last committed %d)", h.Seq, h.TurnID, conv.LastSeq()))
	}

	turn := conv.Pending.Clone()
	turn.Utterance = resp.Utterance
	turn.Action = resp.Action
	turn.Metadata = model.CloneMap(resp.Metadata)
	turn.Status = model.TurnSucceeded
	turn.ResolvedAt = s.now()

	// append-first：先写归档，成功后再修改内存状态。
	if s.archive != nil {
		if _, err := s.archive.Append(ctx, &turn); err != nil {
			if errors.Is(err, timeline.ErrOutOfOrder) {
				return model.Turn{}, s.fault(conv, err.Error())
			}
			return model.Turn{}, fmt.Errorf("archive turn: %w", err)
		}
	}

	conv.Turns = append(conv.Turns, turn)
	conv.Pending = nil
	conv.State = model.ConversationCommitted
	conv.UpdatedAt = turn.ResolvedAt

	out := turn.Clone()
	for _, o := range s.observerList() {
		o.OnTurnCommitted(ctx, turn.Clone())
	}
	return out, nil
}

func (s *InMemoryStore) RecordRetry(_ context.Context, h model.TurnHandle) (int, error) {
	sh, err := s.lockShard(h.ConversationID, false)
	if err != nil {
		return 0, err
	}
	defer sh.mu.Unlock()

	conv := sh.conv
	if conv.Pending == nil || conv.Pending.ID != h.TurnID {
		return 0, ErrTurnNotPending
	}
	conv.Pending.Retries++
	return conv.Pending.Retries, nil
}

func (s *InMemoryStore) FailTurn(ctx context.Context, h model.TurnHandle, reason string) (model.Turn, error) {
	return s.abandon(ctx, h, model.TurnFailed, reason, false)
}

func (s *InMemoryStore) SupersedeTurn(ctx context.Context, h model.TurnHandle) (model.Turn, error) {
	return s.abandon(ctx, h, model.TurnSuperseded, "superseded", false)
}

func (s *InMemoryStore) CancelTurn(ctx context.Context, h model.TurnHandle, reason string) (model.Turn, error) {
	return s.abandon(ctx, h, model.TurnFailed, reason, true)
}

// abandon 把 Pending 轮次移入 Abandoned。idle 为 true 时对话回到 Idle（取消），
// 否则失败进入 Failed，被取代按已提交日志回到 Committed 或 Idle。
func (s *InMemoryStore) abandon(_ context.Context, h model.TurnHandle, status model.TurnStatus, reason string, idle bool) (model.Turn, error) {
	sh, err := s.lockShard(h.ConversationID, false)
	if err != nil {
		return model.Turn{}, err
	}
	defer sh.mu.Unlock()

	conv := sh.conv
	if conv.Pending == nil || conv.Pending.ID != h.TurnID {
		for _, t := range conv.Abandoned {
			if t.ID == h.TurnID {
				return t.Clone(), nil
			}
		}
		return model.Turn{}, ErrTurnNotPending
	}

	turn := conv.Pending.Clone()
	turn.Status = status
	turn.FailureReason = reason
	turn.ResolvedAt = s.now()
	conv.Abandoned = appendAbandoned(conv.Abandoned, turn)
	conv.Pending = nil
	switch {
	case idle:
		if conv.Fault == "" {
			conv.State = model.ConversationIdle
		}
	case status == model.TurnFailed:
		conv.State = model.ConversationFailed
	case conv.LastSeq() > 0:
		conv.State = model.ConversationCommitted
	default:
		conv.State = model.ConversationIdle
	}
	conv.UpdatedAt = turn.ResolvedAt
	return turn.Clone(), nil
}

// fault 标记对话为 Failed 并记录原因。调用方必须持有 shard 锁。
func (s *InMemoryStore) fault(conv *model.Conversation, reason string) error {
	conv.Fault = reason
	conv.State = model.ConversationFailed
	conv.UpdatedAt = s.now()
	s.logger.Printf("[SessionStore:%s] ❌ invariant violation: %s", conv.ID, reason)
	return &InvariantError{ConversationID: conv.ID, Reason: reason}
}

func (s *InMemoryStore) GetConversation(_ context.Context, id string) (model.Conversation, error) {
	sh, err := s.lockShard(id, false)
	if err != nil {
		return model.Conversation{}, err
	}
	defer sh.mu.Unlock()
	return sh.conv.Clone(), nil
}

func (s *InMemoryStore) ListConversations(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.shards))
	for id := range s.shards {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMemoryStore) CloseConversation(ctx context.Context, id string) error {
	sh, err := s.lockShard(id, false)
	if err != nil {
		return err
	}
	defer sh.mu.Unlock()

	conv := sh.conv
	now := s.now()
	if conv.Pending != nil {
		turn := conv.Pending.Clone()
		turn.Status = model.TurnFailed
		turn.FailureReason = "cancelled"
		turn.ResolvedAt = now
		conv.Abandoned = appendAbandoned(conv.Abandoned, turn)
		conv.Pending = nil
	}
	if conv.Fault == "" {
		conv.State = model.ConversationIdle
	}
	conv.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) ResetConversation(ctx context.Context, id string) error {
	sh, err := s.lockShard(id, false)
	if err != nil {
		return err
	}
	defer sh.mu.Unlock()

	conv := sh.conv
	if conv.Fault != "" {
		s.logger.Printf("[SessionStore:%s] fault cleared: %s", id, conv.Fault)
	}
	conv.Fault = ""
	conv.Pending = nil
	conv.State = model.ConversationIdle
	conv.UpdatedAt = s.now()

	for _, o := range s.observerList() {
		o.OnConversationChanged(ctx, id)
	}
	return nil
}

func (s *InMemoryStore) DeleteConversation(ctx context.Context, id string) error {
	sh, err := s.lockShard(id, false)
	if err != nil {
		return err
	}
	defer sh.mu.Unlock()

	if s.archive != nil {
		if err := s.archive.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete archive: %w", err)
		}
	}
	s.mu.Lock()
	delete(s.shards, id)
	s.mu.Unlock()
	sh.deleted = true

	for _, o := range s.observerList() {
		o.OnConversationChanged(ctx, id)
	}
	return nil
}

func isAbandoned(conv *model.Conversation, turnID string) bool {
	for _, t := range conv.Abandoned {
		if t.ID == turnID {
			return true
		}
	}
	return false
}

func appendAbandoned(list []model.Turn, turn model.Turn) []model.Turn {
	list = append(list, turn)
	if len(list) > maxAbandoned {
		list = append([]model.Turn(nil), list[len(list)-maxAbandoned:]...)
	}
	return list
}

func addParticipant(list []string, speaker string) []string {
	if speaker == "" {
		return list
	}
	for _, p := range list {
		if p == speaker {
			return list
		}
	}
	return append(list, speaker)
}
