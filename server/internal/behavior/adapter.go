package behavior

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dawsonblock/ISLAND/server/internal/model"
	"github.com/dawsonblock/ISLAND/server/internal/scheduler"
	"github.com/dawsonblock/ISLAND/server/internal/session"
	"github.com/dawsonblock/ISLAND/server/internal/speech"
)

var (
	ErrUnknownHandle      = errors.New("unknown dialogue turn handle")
	ErrPlaybackInProgress = errors.New("npc is still speaking")
	ErrInvalidRequest     = errors.New("invalid dialogue turn request")
)

const (
	DefaultHistoryTurns  = 8
	defaultRetainResults = 1024
)

// Handle 是交给状态树评估器的不透明轮次句柄。
type Handle string

// DialogueContext 是状态树评估器提交的一次对话请求。
type DialogueContext struct {
	// ConversationID 为空时使用 npcID。
	ConversationID string         `json:"conversationId,omitempty"`
	PlayerID       string         `json:"playerId,omitempty"`
	Prompt         string         `json:"prompt"`
	Facts          map[string]any `json:"facts,omitempty"`
}

// Submitter 是 Adapter 依赖的调度接口。
type Submitter interface {
	Submit(ctx context.Context, conversationID, speaker, prompt string, turnContext map[string]any) (*scheduler.Future, error)
	Supersede(conversationID, by string) int
}

// PlaybackTracker 报告语音播放是否结束。
type PlaybackTracker interface {
	IsPlaybackComplete(h speech.PlaybackHandle) bool
	StopSpeaker(speaker string) int
}

// Options 配置行为适配器。
type Options struct {
	// HistoryTurns 是随请求发送的最近已提交轮次数量上限。
	HistoryTurns int
	// GateOnPlayback 为 true 时，NPC 上一句仍在播放则拒绝新请求。
	GateOnPlayback bool
	// SupersedeInFlight 为 true 时，同一 NPC 的新请求取代其未完成的请求并打断语音。
	SupersedeInFlight bool
	RetainResults     int
	Logger            *log.Logger
}

type entry struct {
	handle         Handle
	npcID          string
	conversationID string
	future         *scheduler.Future
	createdAt      time.Time
}

type npcState struct {
	active   Handle
	playback speech.PlaybackHandle
}

// TurnView 是句柄的对外视图。Action 是成功轮次中 NPC 选择的动作，状态树据此分支。
type TurnView struct {
	Handle         Handle            `json:"handle"`
	NPCID          string            `json:"npcId"`
	ConversationID string            `json:"conversationId"`
	Complete       bool              `json:"complete"`
	Action         model.NPCAction   `json:"action,omitempty"`
	Result         *model.TurnResult `json:"result,omitempty"`
}

// Adapter 是状态树评估器与对话核心之间的薄翻译层：
// 请求非阻塞地交给调度器，评估器通过句柄轮询结果。
type Adapter struct {
	sched    Submitter
	store    session.Store
	playback PlaybackTracker
	opts     Options
	logger   *log.Logger

	mu       sync.Mutex
	entries  map[Handle]*entry
	order    []Handle
	npcs     map[string]*npcState
	rejected int64
}

// NewAdapter 创建适配器。playback 可以为 nil（不做播放门控）。
func NewAdapter(sched Submitter, store session.Store, playback PlaybackTracker, opts Options) *Adapter {
	if opts.HistoryTurns < 0 {
		opts.HistoryTurns = 0
	}
	if opts.RetainResults <= 0 {
		opts.RetainResults = defaultRetainResults
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Adapter{
		sched:    sched,
		store:    store,
		playback: playback,
		opts:     opts,
		logger:   opts.Logger,
		entries:  make(map[Handle]*entry),
		npcs:     make(map[string]*npcState),
	}
}

// RequestDialogueTurn 为 NPC 请求一个对话轮次，立即返回句柄。
func (a *Adapter) RequestDialogueTurn(ctx context.Context, npcID string, dc DialogueContext) (Handle, error) {
	npcID = strings.TrimSpace(npcID)
	if npcID == "" {
		return "", fmt.Errorf("%w: npc id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(dc.Prompt) == "" {
		return "", fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	convID := dc.ConversationID
	if convID == "" {
		convID = npcID
	}

	a.mu.Lock()
	st := a.npc(npcID)
	if a.opts.GateOnPlayback && a.playback != nil && st.playback != "" && !a.playback.IsPlaybackComplete(st.playback) {
		a.rejected++
		a.mu.Unlock()
		return "", ErrPlaybackInProgress
	}
	supersede := a.opts.SupersedeInFlight && st.active != "" && !a.completeLocked(st.active)
	a.mu.Unlock()

	h := Handle(uuid.NewString())
	if supersede {
		n := a.sched.Supersede(convID, string(h))
		if a.playback != nil {
			a.playback.StopSpeaker(npcID)
		}
		a.logger.Printf("[Behavior:%s] new utterance supersedes in-progress turn (%d superseded)", npcID, n)
	}

	turnContext := a.buildContext(ctx, npcID, convID, dc)
	fut, err := a.sched.Submit(ctx, convID, npcID, dc.Prompt, turnContext)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[h] = &entry{handle: h, npcID: npcID, conversationID: convID, future: fut, createdAt: time.Now()}
	a.order = append(a.order, h)
	a.npc(npcID).active = h
	a.evictLocked()
	return h, nil
}

// IsTurnComplete 报告轮次是否已到达终态。未知句柄返回 false。
func (a *Adapter) IsTurnComplete(h Handle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completeLocked(h)
}

// GetTurnResult 返回终态结果；未完成或未知句柄时 ok=false。
func (a *Adapter) GetTurnResult(h Handle) (model.TurnResult, bool) {
	a.mu.Lock()
	e, ok := a.entries[h]
	a.mu.Unlock()
	if !ok {
		return model.TurnResult{}, false
	}
	return e.future.Result()
}

// Lookup 返回句柄的视图。
func (a *Adapter) Lookup(h Handle) (TurnView, error) {
	a.mu.Lock()
	e, ok := a.entries[h]
	a.mu.Unlock()
	if !ok {
		return TurnView{}, ErrUnknownHandle
	}
	v := TurnView{Handle: h, NPCID: e.npcID, ConversationID: e.conversationID}
	if r, done := e.future.Result(); done {
		v.Complete = true
		v.Action = r.Turn.Action
		v.Result = &r
	}
	return v, nil
}

// Wait 阻塞直到轮次完成或 ctx 结束。
func (a *Adapter) Wait(ctx context.Context, h Handle) (model.TurnResult, error) {
	a.mu.Lock()
	e, ok := a.entries[h]
	a.mu.Unlock()
	if !ok {
		return model.TurnResult{}, ErrUnknownHandle
	}
	return e.future.Wait(ctx)
}

// TrackPlayback 记录 NPC 最近一次语音播放，用于门控下一次请求。
func (a *Adapter) TrackPlayback(npcID string, h speech.PlaybackHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.npc(npcID).playback = h
}

// Rejected 返回因播放门控被拒绝的请求数。
func (a *Adapter) Rejected() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rejected
}

func (a *Adapter) npc(id string) *npcState {
	st, ok := a.npcs[id]
	if !ok {
		st = &npcState{}
		a.npcs[id] = st
	}
	return st
}

func (a *Adapter) completeLocked(h Handle) bool {
	e, ok := a.entries[h]
	if !ok {
		return false
	}
	select {
	case <-e.future.Done():
		return true
	default:
		return false
	}
}

// evictLocked 按创建顺序淘汰超出保留上限的已完成句柄。
func (a *Adapter) evictLocked() {
	for len(a.order) > a.opts.RetainResults {
		oldest := a.order[0]
		if !a.completeLocked(oldest) {
			return
		}
		delete(a.entries, oldest)
		a.order = a.order[1:]
	}
}

// buildContext 组合评估器事实与最近的已提交历史。
func (a *Adapter) buildContext(ctx context.Context, npcID, convID string, dc DialogueContext) map[string]any {
	out := model.CloneMap(dc.Facts)
	if out == nil {
		out = make(map[string]any)
	}
	out["npcId"] = npcID
	if dc.PlayerID != "" {
		out["playerId"] = dc.PlayerID
	}
	if a.opts.HistoryTurns == 0 || a.store == nil {
		return out
	}
	conv, err := a.store.GetConversation(ctx, convID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			a.logger.Printf("[Behavior:%s] ⚠️ history lookup failed: %v", npcID, err)
		}
		return out
	}
	turns := conv.Turns
	if len(turns) > a.opts.HistoryTurns {
		turns = turns[len(turns)-a.opts.HistoryTurns:]
	}
	history := make([]any, 0, len(turns))
	for _, t := range turns {
		history = append(history, map[string]any{
			"seq":       t.Seq,
			"speaker":   t.Speaker,
			"prompt":    t.Prompt,
			"utterance": t.Utterance,
		})
	}
	out["history"] = history
	return out
}
