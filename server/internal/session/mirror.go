package session

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/dawsonblock/ISLAND/server/internal/model"
)

// MirrorStore 是对端（非主机）的只读会话副本。
// 写操作一律返回 ErrNotAuthoritative；数据只能经由 MirrorSink 写入。
type MirrorStore struct {
	mu    sync.RWMutex
	convs map[string]*model.Conversation

	observers []Observer
	logger    *log.Logger
	now       func() time.Time
}

// NewMirror 创建镜像存储，返回只读存储与交给复制桥的写入端。
func NewMirror(logger *log.Logger, observers ...Observer) (*MirrorStore, MirrorSink) {
	if logger == nil {
		logger = log.Default()
	}
	m := &MirrorStore{
		convs:     make(map[string]*model.Conversation),
		observers: observers,
		logger:    logger,
		now:       time.Now,
	}
	return m, &mirrorSink{m: m}
}

// AddObserver 注册观察者（启动阶段调用）。
func (m *MirrorStore) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

func (m *MirrorStore) BeginTurn(context.Context, string, string, string, map[string]any) (model.TurnHandle, error) {
	return model.TurnHandle{}, ErrNotAuthoritative
}

func (m *MirrorStore) CommitTurn(context.Context, model.TurnHandle, model.DialogueResponse) (model.Turn, error) {
	return model.Turn{}, ErrNotAuthoritative
}

func (m *MirrorStore) RecordRetry(context.Context, model.TurnHandle) (int, error) {
	return 0, ErrNotAuthoritative
}

func (m *MirrorStore) FailTurn(context.Context, model.TurnHandle, string) (model.Turn, error) {
	return model.Turn{}, ErrNotAuthoritative
}

func (m *MirrorStore) SupersedeTurn(context.Context, model.TurnHandle) (model.Turn, error) {
	return model.Turn{}, ErrNotAuthoritative
}

func (m *MirrorStore) CancelTurn(context.Context, model.TurnHandle, string) (model.Turn, error) {
	return model.Turn{}, ErrNotAuthoritative
}

func (m *MirrorStore) CloseConversation(context.Context, string) error {
	return ErrNotAuthoritative
}

func (m *MirrorStore) ResetConversation(context.Context, string) error {
	return ErrNotAuthoritative
}

func (m *MirrorStore) DeleteConversation(context.Context, string) error {
	return ErrNotAuthoritative
}

func (m *MirrorStore) GetConversation(_ context.Context, id string) (model.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.convs[id]
	if !ok {
		return model.Conversation{}, ErrNotFound
	}
	return conv.Clone(), nil
}

func (m *MirrorStore) ListConversations(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.convs))
	for id := range m.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// mirrorSink 是 MirrorStore 的写入端，只交给复制桥持有。
type mirrorSink struct {
	m *MirrorStore
}

func (s *mirrorSink) ApplyTurn(ctx context.Context, turn model.Turn) error {
	m := s.m
	m.mu.Lock()
	conv, ok := m.convs[turn.ConversationID]
	if !ok {
		conv = &model.Conversation{ID: turn.ConversationID, State: model.ConversationIdle}
		m.convs[turn.ConversationID] = conv
	}
	last := conv.LastSeq()
	if turn.Seq <= last {
		m.mu.Unlock()
		return nil
	}
	if turn.Seq != last+1 {
		m.mu.Unlock()
		return &InvariantError{
			ConversationID: turn.ConversationID,
			Reason:         fmt.Sprintf("mirror apply expected seq %d, got %d", last+1, turn.Seq),
		}
	}
	turn = turn.Clone()
	turn.Status = model.TurnSucceeded
	conv.Turns = append(conv.Turns, turn)
	conv.Participants = addParticipant(conv.Participants, turn.Speaker)
	conv.State = model.ConversationCommitted
	conv.UpdatedAt = m.now()
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	// 复制桥保证同一对话的 ApplyTurn 串行调用，所以锁外通知仍按 seq 顺序。
	for _, o := range observers {
		o.OnTurnCommitted(ctx, turn.Clone())
	}
	return nil
}

func (s *mirrorSink) ApplySnapshot(ctx context.Context, conversationID string, turns []model.Turn) error {
	for i, t := range turns {
		if t.Seq != int64(i+1) {
			return &InvariantError{
				ConversationID: conversationID,
				Reason:         fmt.Sprintf("snapshot has gap at index %d (seq %d)", i, t.Seq),
			}
		}
	}

	m := s.m
	m.mu.Lock()
	var previous int64
	if conv, ok := m.convs[conversationID]; ok {
		previous = conv.LastSeq()
	}
	conv := &model.Conversation{ID: conversationID, State: model.ConversationIdle, UpdatedAt: m.now()}
	var fresh []model.Turn
	for _, t := range turns {
		t = t.Clone()
		t.ConversationID = conversationID
		t.Status = model.TurnSucceeded
		conv.Turns = append(conv.Turns, t)
		conv.Participants = addParticipant(conv.Participants, t.Speaker)
		if t.Seq > previous {
			fresh = append(fresh, t.Clone())
		}
	}
	if len(conv.Turns) > 0 {
		conv.State = model.ConversationCommitted
	}
	m.convs[conversationID] = conv
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	if int64(len(turns)) < previous {
		m.logger.Printf("[MirrorStore:%s] snapshot rewound log from seq %d to %d", conversationID, previous, len(turns))
	}
	for _, t := range fresh {
		for _, o := range observers {
			o.OnTurnCommitted(ctx, t.Clone())
		}
	}
	for _, o := range observers {
		o.OnConversationChanged(ctx, conversationID)
	}
	return nil
}

func (s *mirrorSink) LastApplied(conversationID string) int64 {
	m := s.m
	m.mu.RLock()
	defer m.mu.RUnlock()
	if conv, ok := m.convs[conversationID]; ok {
		return conv.LastSeq()
	}
	return 0
}
