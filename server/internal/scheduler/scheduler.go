package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/dawsonblock/ISLAND/server/internal/model"
	"github.com/dawsonblock/ISLAND/server/internal/rfsn"
	"github.com/dawsonblock/ISLAND/server/internal/session"
)

// ErrClosed 表示调度器已关闭。
var ErrClosed = errors.New("scheduler closed")

const (
	DefaultMaxConcurrent  = 4
	DefaultBacklogDepth   = 4
	DefaultMaxRetries     = 3
	DefaultBackoffInitial = 200 * time.Millisecond
	DefaultBackoffMax     = 5 * time.Second
)

// Options 是调度器参数。BacklogDepth 为 0 是合法值：新请求直接取代在途请求。
type Options struct {
	MaxConcurrent  int
	BacklogDepth   int
	MaxRetries     int
	RequestTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Logger         *log.Logger
}

// DefaultOptions 返回文档约定的默认参数。
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:  DefaultMaxConcurrent,
		BacklogDepth:   DefaultBacklogDepth,
		MaxRetries:     DefaultMaxRetries,
		BackoffInitial: DefaultBackoffInitial,
		BackoffMax:     DefaultBackoffMax,
	}
}

type requestState int

const (
	stateRunning requestState = iota
	stateSuperseded
	stateCancelled
)

// request 是一次被接受的对话请求。带 "mu" 注释的字段受 Scheduler.mu 保护。
type request struct {
	id          string
	convID      string
	speaker     string
	prompt      string
	context     map[string]any
	future      *Future
	submittedAt time.Time
	parent      context.Context

	ctx    context.Context
	cancel context.CancelFunc

	handle   *model.TurnHandle // mu
	inFlight bool              // mu
	state    requestState      // mu
	retries  int               // mu
}

// conversationQueue 是单个对话的调度状态：一个占用网络槽位的 active 请求加一个 FIFO backlog。
// 被取代的 active 请求仍占着槽位，直到它的网络调用返回。
type conversationQueue struct {
	active  *request
	backlog []*request
}

// Stats 是调度器计数。
type Stats struct {
	Submitted     int64 `json:"submitted"`
	Succeeded     int64 `json:"succeeded"`
	Failed        int64 `json:"failed"`
	Superseded    int64 `json:"superseded"`
	Cancelled     int64 `json:"cancelled"`
	Retries       int64 `json:"retries"`
	Conversations int   `json:"conversations"`
	Queued        int   `json:"queued"`
}

// Scheduler 负责把对话请求排队、去重、限流并重试，最终提交到会话存储。
type Scheduler struct {
	store  session.Store
	sender rfsn.Sender
	opts   Options
	sem    *semaphore.Weighted
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	convs  map[string]*conversationQueue
	closed bool
	stats  Stats
}

// New 创建调度器。
func New(store session.Store, sender rfsn.Sender, opts Options) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.BacklogDepth < 0 {
		opts.BacklogDepth = DefaultBacklogDepth
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = DefaultBackoffInitial
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = max(DefaultBackoffMax, opts.BackoffInitial)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:  store,
		sender: sender,
		opts:   opts,
		// semaphore.Weighted 按到达顺序放行等待者。
		sem:    semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		convs:  make(map[string]*conversationQueue),
	}
}

// Submit 接受一次对话请求并立即返回 Future。
// 请求的生命周期不受 ctx 取消影响，只沿用其中的 trace 上下文。
func (s *Scheduler) Submit(ctx context.Context, conversationID, speaker, prompt string, turnContext map[string]any) (*Future, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	r := &request{
		id:          id,
		convID:      conversationID,
		speaker:     speaker,
		prompt:      prompt,
		context:     model.CloneMap(turnContext),
		future:      newFuture(id, conversationID),
		submittedAt: time.Now(),
		parent:      trace.ContextWithSpanContext(s.ctx, trace.SpanContextFromContext(ctx)),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	s.stats.Submitted++

	q := s.convs[conversationID]
	if q == nil {
		q = &conversationQueue{}
		s.convs[conversationID] = q
	}

	if q.active == nil {
		q.active = r
		s.startLocked(r)
		return r.future, nil
	}

	limit := s.opts.BacklogDepth
	if limit == 0 && q.active.state != stateRunning {
		// active 已被取代但仍占着槽位，新请求在它之后等待。
		limit = 1
	}
	switch {
	case len(q.backlog) < limit:
		q.backlog = append(q.backlog, r)
		s.logger.Printf("[Scheduler:%s] queued request %s (backlog=%d)", conversationID, id, len(q.backlog))
	case len(q.backlog) > 0:
		tail := q.backlog[len(q.backlog)-1]
		q.backlog[len(q.backlog)-1] = r
		s.supersedeLocked(tail, id)
	default:
		s.supersedeLocked(q.active, id)
		q.backlog = append(q.backlog, r)
	}
	return r.future, nil
}

// Cancel 取消该对话的在途与排队请求，返回被取消的请求数。用于对话拆除。
// 已发出的网络调用不会被中断，结果到达后丢弃，Pending 轮次释放后对话回到 Idle。
func (s *Scheduler) Cancel(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(conversationID, "cancelled")
}

func (s *Scheduler) cancelLocked(conversationID, reason string) int {
	q := s.convs[conversationID]
	if q == nil {
		return 0
	}
	n := 0
	for _, r := range q.backlog {
		r.state = stateCancelled
		s.resolveLocked(r, s.abandonedResult(r, model.OutcomeCancelled, reason))
		n++
	}
	q.backlog = nil

	if a := q.active; a != nil && a.state == stateRunning {
		a.state = stateCancelled
		s.resolveLocked(a, s.abandonedResult(a, model.OutcomeCancelled, reason))
		n++
		// 等待槽位或退避中的请求直接结束；在途调用继续执行，槽位在调用返回时释放。
		if !a.inFlight {
			a.cancel()
		}
	}
	if n > 0 {
		s.logger.Printf("[Scheduler:%s] %s %d request(s)", conversationID, reason, n)
	}
	return n
}

// Supersede 把该对话所有未完成的请求标记为被取代，返回受影响的请求数。
// by 标识取而代之的请求。Future 立即以 Superseded 完成；在途调用继续执行，结果被丢弃。
func (s *Scheduler) Supersede(conversationID, by string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.convs[conversationID]
	if q == nil {
		return 0
	}
	n := 0
	if a := q.active; a != nil && a.state == stateRunning {
		s.supersedeLocked(a, by)
		n++
	}
	for _, r := range q.backlog {
		s.supersedeLocked(r, by)
		n++
	}
	q.backlog = nil
	return n
}

// Close 取消所有请求并等待后台 goroutine 退出。关闭时在途调用也被中断。
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id := range s.convs {
		s.cancelLocked(id, "scheduler closed")
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.logger.Printf("[Scheduler] closed")
}

// Stats 返回计数快照。
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Conversations = len(s.convs)
	for _, q := range s.convs {
		st.Queued += len(q.backlog)
	}
	return st
}

// Pending 返回该对话尚未到达终态的请求。
func (s *Scheduler) Pending(conversationID string) []model.PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.convs[conversationID]
	if q == nil {
		return nil
	}
	var out []model.PendingRequest
	if a := q.active; a != nil && a.state == stateRunning {
		pr := model.PendingRequest{ConversationID: conversationID, IssuedAt: a.submittedAt, RetryCount: a.retries}
		if a.handle != nil {
			pr.Seq = a.handle.Seq
		}
		out = append(out, pr)
	}
	for _, r := range q.backlog {
		out = append(out, model.PendingRequest{ConversationID: conversationID, IssuedAt: r.submittedAt})
	}
	return out
}

func (s *Scheduler) startLocked(r *request) {
	r.ctx, r.cancel = context.WithCancel(r.parent)
	s.wg.Add(1)
	go s.run(r)
}

// supersedeLocked 把请求标记为被取代并立即完成其 Future。
// 未发出网络调用的请求直接中止；在途调用继续执行，结果被丢弃。
func (s *Scheduler) supersedeLocked(r *request, by string) {
	if r.state != stateRunning {
		return
	}
	r.state = stateSuperseded
	if r.cancel != nil && !r.inFlight {
		r.cancel()
	}
	s.resolveLocked(r, s.abandonedResult(r, model.OutcomeSuperseded, "superseded by "+by))
	s.logger.Printf("[Scheduler:%s] request %s superseded by %s", r.convID, r.id, by)
}

func (s *Scheduler) resolveLocked(r *request, result model.TurnResult) {
	if !r.future.resolve(result) {
		return
	}
	switch result.Outcome {
	case model.OutcomeSucceeded:
		s.stats.Succeeded++
	case model.OutcomeFailed:
		s.stats.Failed++
	case model.OutcomeSuperseded:
		s.stats.Superseded++
	case model.OutcomeCancelled:
		s.stats.Cancelled++
	}
}

// abandonedResult 构造被取代/取消请求的结果。调用方必须持有 s.mu。
func (s *Scheduler) abandonedResult(r *request, outcome model.Outcome, reason string) model.TurnResult {
	turn := model.Turn{
		ConversationID: r.convID,
		Speaker:        r.speaker,
		Prompt:         r.prompt,
		Status:         model.TurnSuperseded,
		FailureReason:  reason,
	}
	if outcome == model.OutcomeCancelled {
		turn.Status = model.TurnFailed
	}
	if r.handle != nil {
		turn.ID = r.handle.TurnID
		turn.Seq = r.handle.Seq
	}
	return model.TurnResult{Outcome: outcome, Turn: turn, Reason: reason, Retries: r.retries}
}

func (s *Scheduler) run(r *request) {
	defer s.wg.Done()
	defer r.cancel()

	result := s.execute(r)
	s.complete(r, result)
}

// complete 完成 Future、释放对话槽位，并启动 backlog 中的下一个请求。
func (s *Scheduler) complete(r *request, result model.TurnResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resolveLocked(r, result)

	q := s.convs[r.convID]
	if q == nil || q.active != r {
		return
	}
	q.active = nil
	if len(q.backlog) > 0 && !s.closed {
		next := q.backlog[0]
		q.backlog = q.backlog[1:]
		q.active = next
		s.startLocked(next)
		return
	}
	delete(s.convs, r.convID)
}

func (s *Scheduler) state(r *request) requestState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.state
}

func (s *Scheduler) execute(r *request) model.TurnResult {
	ctx, span := otel.Tracer("scheduler").Start(r.ctx, "scheduler.turn", trace.WithAttributes(
		attribute.String("conversation.id", r.convID),
		attribute.String("request.id", r.id),
	))
	defer span.End()

	if s.state(r) != stateRunning {
		return s.abandon(ctx, r, nil)
	}

	h, err := s.store.BeginTurn(ctx, r.convID, r.speaker, r.prompt, r.context)
	if err != nil {
		if s.state(r) != stateRunning {
			return s.abandon(ctx, r, nil)
		}
		span.SetStatus(codes.Error, err.Error())
		s.logger.Printf("[Scheduler:%s] ❌ begin turn failed: %v", r.convID, err)
		return model.TurnResult{
			Outcome: model.OutcomeFailed,
			Turn:    model.Turn{ConversationID: r.convID, Speaker: r.speaker, Prompt: r.prompt, Status: model.TurnFailed, FailureReason: err.Error()},
			Reason:  fmt.Sprintf("begin turn: %v", err),
		}
	}
	s.mu.Lock()
	r.handle = &h
	s.mu.Unlock()
	span.SetAttributes(attribute.Int64("turn.seq", h.Seq))

	req := rfsn.DialogueRequest{
		ConversationID: r.convID,
		Speaker:        r.speaker,
		TurnSeq:        h.Seq,
		Prompt:         r.prompt,
		Context:        r.context,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.BackoffInitial
	b.MaxInterval = s.opts.BackoffMax
	b.Reset()

	for attempt := 0; ; attempt++ {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return s.abandon(ctx, r, &h)
		}
		s.mu.Lock()
		if r.state != stateRunning {
			s.mu.Unlock()
			s.sem.Release(1)
			return s.abandon(ctx, r, &h)
		}
		r.inFlight = true
		s.mu.Unlock()

		start := time.Now()
		resp, err := s.sender.Send(ctx, req, s.opts.RequestTimeout)
		s.sem.Release(1)

		s.mu.Lock()
		r.inFlight = false
		state := r.state
		s.mu.Unlock()

		if state != stateRunning {
			return s.abandon(ctx, r, &h)
		}
		if err == nil {
			return s.commit(ctx, r, h, resp)
		}

		if !retryable(err) || attempt >= s.opts.MaxRetries {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return s.fail(ctx, r, h, err)
		}

		retries, rerr := s.store.RecordRetry(ctx, h)
		if rerr != nil {
			return s.fail(ctx, r, h, fmt.Errorf("record retry: %w", rerr))
		}
		wait := b.NextBackOff()
		s.mu.Lock()
		r.retries = retries
		s.stats.Retries++
		s.mu.Unlock()
		s.logger.Printf("[Scheduler:%s] ⚠️ attempt %d for seq %d failed after %v: %v (retry in %v)",
			r.convID, attempt+1, h.Seq, time.Since(start), err, wait)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return s.abandon(ctx, r, &h)
		}
	}
}

func (s *Scheduler) commit(ctx context.Context, r *request, h model.TurnHandle, resp model.DialogueResponse) model.TurnResult {
	turn, err := s.store.CommitTurn(ctx, h, resp)
	if err == nil {
		s.logger.Printf("[Scheduler:%s] ✅ committed seq %d (retries=%d)", r.convID, turn.Seq, turn.Retries)
		return model.TurnResult{Outcome: model.OutcomeSucceeded, Turn: turn, Retries: turn.Retries}
	}

	if errors.Is(err, session.ErrTurnSuperseded) {
		// 对话在调用期间被关闭。
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.abandonedResult(r, model.OutcomeCancelled, "conversation closed")
	}
	reason := fmt.Sprintf("commit: %v", err)
	s.logger.Printf("[Scheduler:%s] ❌ %s", r.convID, reason)
	if errors.Is(err, session.ErrInvariantViolation) || errors.Is(err, session.ErrConversationFaulted) {
		s.mu.Lock()
		defer s.mu.Unlock()
		res := s.abandonedResult(r, model.OutcomeFailed, reason)
		res.Turn.Status = model.TurnFailed
		return res
	}
	return s.fail(ctx, r, h, errors.New(reason))
}

func (s *Scheduler) fail(ctx context.Context, r *request, h model.TurnHandle, cause error) model.TurnResult {
	reason := cause.Error()
	turn, err := s.store.FailTurn(context.WithoutCancel(ctx), h, reason)
	if err != nil {
		s.logger.Printf("[Scheduler:%s] fail turn seq %d: %v", r.convID, h.Seq, err)
		s.mu.Lock()
		res := s.abandonedResult(r, model.OutcomeFailed, reason)
		s.mu.Unlock()
		res.Turn.Status = model.TurnFailed
		return res
	}
	s.logger.Printf("[Scheduler:%s] ❌ turn seq %d failed after %d retries: %s", r.convID, h.Seq, turn.Retries, reason)
	return model.TurnResult{Outcome: model.OutcomeFailed, Turn: turn, Reason: reason, Retries: turn.Retries}
}

// abandon 处理被取代或取消的请求：在存储中结束 Pending 轮次，Future 已在标记时完成。
func (s *Scheduler) abandon(ctx context.Context, r *request, h *model.TurnHandle) model.TurnResult {
	s.mu.Lock()
	state := r.state
	if state == stateRunning {
		// 调度器关闭导致 ctx 结束。
		state = stateCancelled
		r.state = stateCancelled
	}
	outcome := model.OutcomeCancelled
	reason := "cancelled"
	if state == stateSuperseded {
		outcome = model.OutcomeSuperseded
		reason = "superseded"
	}
	res := s.abandonedResult(r, outcome, reason)
	s.mu.Unlock()

	if h == nil {
		return res
	}
	bg := context.WithoutCancel(ctx)
	var err error
	if state == stateSuperseded {
		_, err = s.store.SupersedeTurn(bg, *h)
	} else {
		_, err = s.store.CancelTurn(bg, *h, reason)
	}
	if err != nil && !errors.Is(err, session.ErrTurnNotPending) && !errors.Is(err, session.ErrNotFound) {
		s.logger.Printf("[Scheduler:%s] release pending seq %d: %v", r.convID, h.Seq, err)
	}
	return res
}

func retryable(err error) bool {
	if f, ok := rfsn.AsFailure(err); ok {
		return f.Retryable()
	}
	return false
}
