package model

import (
	"strings"
	"time"
)

// ConversationState 是一段对话在权威端的当前状态。
type ConversationState string

const (
	ConversationIdle             ConversationState = "idle"
	ConversationAwaitingResponse ConversationState = "awaiting_response"
	ConversationCommitted        ConversationState = "committed"
	ConversationFailed           ConversationState = "failed"
)

// TurnStatus 表示一个轮次的生命周期状态。
type TurnStatus string

const (
	TurnPending    TurnStatus = "pending"
	TurnSucceeded  TurnStatus = "succeeded"
	TurnFailed     TurnStatus = "failed"
	TurnSuperseded TurnStatus = "superseded"
)

// NPCAction 是对话服务为 NPC 选择的动作，与台词一起复制，供状态树分支。
type NPCAction string

const (
	ActionGreet     NPCAction = "greet"
	ActionWarn      NPCAction = "warn"
	ActionIdle      NPCAction = "idle"
	ActionFlee      NPCAction = "flee"
	ActionAttack    NPCAction = "attack"
	ActionTrade     NPCAction = "trade"
	ActionOffer     NPCAction = "offer"
	ActionTalk      NPCAction = "talk"
	ActionApologize NPCAction = "apologize"
	ActionThreaten  NPCAction = "threaten"
	ActionHelp      NPCAction = "help"
	ActionRequest   NPCAction = "request"
	ActionAgree     NPCAction = "agree"
	ActionDisagree  NPCAction = "disagree"
	ActionAccept    NPCAction = "accept"
	ActionRefuse    NPCAction = "refuse"
	ActionIgnore    NPCAction = "ignore"
	ActionInquire   NPCAction = "inquire"
	ActionExplain   NPCAction = "explain"
	ActionAnswer    NPCAction = "answer"
)

var knownActions = map[NPCAction]struct{}{
	ActionGreet: {}, ActionWarn: {}, ActionIdle: {}, ActionFlee: {}, ActionAttack: {},
	ActionTrade: {}, ActionOffer: {}, ActionTalk: {}, ActionApologize: {}, ActionThreaten: {},
	ActionHelp: {}, ActionRequest: {}, ActionAgree: {}, ActionDisagree: {}, ActionAccept: {},
	ActionRefuse: {}, ActionIgnore: {}, ActionInquire: {}, ActionExplain: {}, ActionAnswer: {},
}

// ParseNPCAction 不区分大小写地解析动作名。空串返回空；无法识别的动作按 talk 处理。
func ParseNPCAction(s string) NPCAction {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if _, ok := knownActions[NPCAction(s)]; ok {
		return NPCAction(s)
	}
	return ActionTalk
}

// Turn 表示对话中的一个请求/响应轮次。
type Turn struct {
	// ID 区分共享同一 Seq 的多次尝试（失败/被取代后会复用 Seq）。
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	// Seq 在同一对话内严格递增且无空洞（仅统计已提交的轮次）。
	Seq     int64  `json:"seq"`
	Speaker string `json:"speaker"`

	// 请求负载。
	Prompt  string         `json:"prompt,omitempty"`
	Context map[string]any `json:"context,omitempty"`

	// 响应负载。
	Utterance string         `json:"utterance,omitempty"`
	Action    NPCAction      `json:"action,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	Status        TurnStatus `json:"status"`
	Retries       int        `json:"retries"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    time.Time  `json:"resolved_at,omitempty"`
}

// Handle 返回该轮次对应的句柄。
func (t Turn) Handle() TurnHandle {
	return TurnHandle{ConversationID: t.ConversationID, Seq: t.Seq, TurnID: t.ID}
}

// Clone 返回深拷贝，避免调用方修改内部数据。
func (t Turn) Clone() Turn {
	t.Context = CloneMap(t.Context)
	t.Metadata = CloneMap(t.Metadata)
	return t
}

// TurnHandle 是 BeginTurn 返回给调用方的不透明句柄。
type TurnHandle struct {
	ConversationID string `json:"conversation_id"`
	Seq            int64  `json:"seq"`
	TurnID         string `json:"turn_id"`
}

// Conversation 保存一段对话的全部状态。
// 权威端由 session.Store 独占；镜像端只持有 Replication Bridge 写入的只读副本。
type Conversation struct {
	ID           string            `json:"id"`
	State        ConversationState `json:"state"`
	Participants []string          `json:"participants,omitempty"`

	// Turns 只包含已提交的轮次，按 Seq 排序。
	Turns []Turn `json:"turns"`
	// Pending 是当前唯一在途的轮次（可能为空）。
	Pending *Turn `json:"pending,omitempty"`
	// Abandoned 记录失败/被取代的尝试，用于诊断。
	Abandoned []Turn `json:"abandoned,omitempty"`

	// Fault 非空表示发生了不变量破坏，对话被判定为 Failed。
	Fault     string    `json:"fault,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LastSeq 返回最后一个已提交轮次的序号（无则为 0）。
func (c *Conversation) LastSeq() int64 {
	if len(c.Turns) == 0 {
		return 0
	}
	return c.Turns[len(c.Turns)-1].Seq
}

// Clone 返回对话的深拷贝快照。
func (c *Conversation) Clone() Conversation {
	out := *c
	if c.Participants != nil {
		out.Participants = append([]string(nil), c.Participants...)
	}
	out.Turns = cloneTurns(c.Turns)
	out.Abandoned = cloneTurns(c.Abandoned)
	if c.Pending != nil {
		p := c.Pending.Clone()
		out.Pending = &p
	}
	return out
}

func cloneTurns(in []Turn) []Turn {
	if in == nil {
		return nil
	}
	out := make([]Turn, len(in))
	for i, t := range in {
		out[i] = t.Clone()
	}
	return out
}

// PendingRequest 跟踪 Scheduler 接受的一次对话请求。
// 终态（成功、重试耗尽、显式取消）时销毁。
type PendingRequest struct {
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	IssuedAt       time.Time `json:"issued_at"`
	RetryCount     int       `json:"retry_count"`
	Cancelled      bool      `json:"cancelled"`
}

// DialogueResponse 是对话服务返回的结果。
type DialogueResponse struct {
	Utterance string         `json:"utterance"`
	Action    NPCAction      `json:"action,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Outcome 是 Future/TurnResult 的终态。
type Outcome string

const (
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeFailed     Outcome = "failed"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeCancelled  Outcome = "cancelled"
)

// TurnResult 是一次对话请求的最终结果，行为树可据此分支（例如失败时播放兜底台词）。
type TurnResult struct {
	Outcome Outcome `json:"outcome"`
	Turn    Turn    `json:"turn"`
	Reason  string  `json:"reason,omitempty"`
	Retries int     `json:"retries"`
}

// Succeeded 报告结果是否为成功提交。
func (r TurnResult) Succeeded() bool {
	return r.Outcome == OutcomeSucceeded
}

// CloneMap 递归拷贝不透明 JSON 对象。
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
