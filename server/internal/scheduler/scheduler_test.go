package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dawsonblock/ISLAND/server/internal/model"
	"github.com/dawsonblock/ISLAND/server/internal/rfsn"
	"github.com/dawsonblock/ISLAND/server/internal/session"
)

// fakeSender 是可编排的传输层替身，记录调用次数与并发度。
type fakeSender struct {
	mu          sync.Mutex
	calls       int
	inFlight    int
	maxInFlight int
	perConv     map[string]int
	maxPerConv  int
	started     chan rfsn.DialogueRequest
	handler     func(ctx context.Context, req rfsn.DialogueRequest, n int) (model.DialogueResponse, error)
}

func newFakeSender(handler func(ctx context.Context, req rfsn.DialogueRequest, n int) (model.DialogueResponse, error)) *fakeSender {
	return &fakeSender{
		perConv: make(map[string]int),
		started: make(chan rfsn.DialogueRequest, 256),
		handler: handler,
	}
}

func (f *fakeSender) Send(ctx context.Context, req rfsn.DialogueRequest, _ time.Duration) (model.DialogueResponse, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.inFlight++
	f.maxInFlight = max(f.maxInFlight, f.inFlight)
	f.perConv[req.ConversationID]++
	f.maxPerConv = max(f.maxPerConv, f.perConv[req.ConversationID])
	f.mu.Unlock()

	select {
	case f.started <- req:
	default:
	}
	resp, err := f.handler(ctx, req, n)

	f.mu.Lock()
	f.inFlight--
	f.perConv[req.ConversationID]--
	f.mu.Unlock()
	return resp, err
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func reply(text string) (model.DialogueResponse, error) {
	return model.DialogueResponse{Utterance: text}, nil
}

// waitGate 阻塞直到 gate 关闭或 ctx 结束。
func waitGate(ctx context.Context, gate <-chan struct{}) error {
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return &rfsn.Failure{Kind: rfsn.KindConnectionError, Err: ctx.Err()}
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.BackoffInitial = time.Millisecond
	opts.BackoffMax = 2 * time.Millisecond
	opts.Logger = log.New(io.Discard, "", 0)
	return opts
}

func newTestScheduler(t *testing.T, sender rfsn.Sender, mutate func(*Options)) (*Scheduler, *session.InMemoryStore) {
	t.Helper()
	store := session.NewInMemoryStore(session.WithLogger(log.New(io.Discard, "", 0)))
	opts := testOptions()
	if mutate != nil {
		mutate(&opts)
	}
	s := New(store, sender, opts)
	t.Cleanup(s.Close)
	return s, store
}

func waitResult(t *testing.T, f *Future) model.TurnResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := f.Wait(ctx)
	require.NoError(t, err, "future %s did not resolve", f.ID)
	return res
}

func awaitStarted(t *testing.T, f *fakeSender) rfsn.DialogueRequest {
	t.Helper()
	select {
	case req := <-f.started:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("sender was not called")
		return rfsn.DialogueRequest{}
	}
}

// TestSubmitCommitsTurn 验证成功路径：请求发出、轮次提交、Future 成功。
func TestSubmitCommitsTurn(t *testing.T) {
	sender := newFakeSender(func(_ context.Context, req rfsn.DialogueRequest, _ int) (model.DialogueResponse, error) {
		return model.DialogueResponse{Utterance: "echo: " + req.Prompt, Metadata: map[string]any{"emotion": "warm"}}, nil
	})
	s, store := newTestScheduler(t, sender, nil)

	f, err := s.Submit(context.Background(), "c1", "merchant", "hello", map[string]any{"zone": "harbor"})
	require.NoError(t, err)
	res := waitResult(t, f)

	require.Equal(t, model.OutcomeSucceeded, res.Outcome)
	require.Equal(t, "echo: hello", res.Turn.Utterance)
	require.Equal(t, int64(1), res.Turn.Seq)
	require.Equal(t, 0, res.Retries)

	conv, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, conv.Turns, 1)
	require.Equal(t, "harbor", conv.Turns[0].Context["zone"])
	require.Equal(t, int64(1), s.Stats().Succeeded)
}

// TestRetryTimeoutsThenSuccess 验证两次超时后成功，轮次记录 2 次重试。
func TestRetryTimeoutsThenSuccess(t *testing.T) {
	sender := newFakeSender(func(_ context.Context, _ rfsn.DialogueRequest, n int) (model.DialogueResponse, error) {
		if n <= 2 {
			return model.DialogueResponse{}, &rfsn.Failure{Kind: rfsn.KindTimeout, Err: context.DeadlineExceeded}
		}
		return reply("finally")
	})
	s, store := newTestScheduler(t, sender, nil)

	f, err := s.Submit(context.Background(), "c1", "merchant", "hello", nil)
	require.NoError(t, err)
	res := waitResult(t, f)

	require.Equal(t, model.OutcomeSucceeded, res.Outcome)
	require.Equal(t, 2, res.Retries)
	require.Equal(t, 2, res.Turn.Retries)
	require.Equal(t, 3, sender.callCount())

	conv, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, 2, conv.Turns[0].Retries)
	require.Equal(t, int64(2), s.Stats().Retries)
}

// TestNotFoundIsNotRetried 验证 404 不重试，轮次直接失败并记录原因。
func TestNotFoundIsNotRetried(t *testing.T) {
	sender := newFakeSender(func(context.Context, rfsn.DialogueRequest, int) (model.DialogueResponse, error) {
		return model.DialogueResponse{}, &rfsn.Failure{Kind: rfsn.KindServiceError, StatusCode: 404, Err: errors.New("status 404")}
	})
	s, store := newTestScheduler(t, sender, nil)

	f, err := s.Submit(context.Background(), "c1", "merchant", "hello", nil)
	require.NoError(t, err)
	res := waitResult(t, f)

	require.Equal(t, model.OutcomeFailed, res.Outcome)
	require.Equal(t, 0, res.Retries)
	require.Equal(t, 1, sender.callCount())
	require.Contains(t, res.Reason, "404")

	conv, err := store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Empty(t, conv.Turns)
	require.Equal(t, model.ConversationFailed, conv.State)
	require.Len(t, conv.Abandoned, 1)
	require.Contains(t, conv.Abandoned[0].FailureReason, "404")
}

// TestMalformedResponseIsNotRetried 验证格式错误的响应不重试。
func TestMalformedResponseIsNotRetried(t *testing.T) {
	sender := newFakeSender(func(context.Context, rfsn.DialogueRequest, int) (model.DialogueResponse, error) {
		return model.DialogueResponse{}, &rfsn.Failure{Kind: rfsn.KindMalformedResponse, StatusCode: 200, Err: errors.New("bad json")}
	})
	s, _ := newTestScheduler(t, sender, nil)

	f, err := s.Submit(context.Background(), "c1", "merchant", "hello", nil)
	require.NoError(t, err)
	res := waitResult(t, f)
	require.Equal(t, model.OutcomeFailed, res.Outcome)
	require.Equal(t, 1, sender.callCount())
}

// TestRetriesExhausted 验证重试耗尽后失败，调用次数为 MaxRetries+1。
func TestRetriesExhausted(t *testing.T) {
	sender := newFakeSender(func(context.Context, rfsn.DialogueRequest, int) (model.DialogueResponse, error) {
		return model.DialogueResponse{}, &rfsn.Failure{Kind: rfsn.KindServiceError, StatusCode: 503, Err: errors.New("busy")}
	})
	s, _ := newTestScheduler(t, sender, func(o *Options) { o.MaxRetries = 2 })

	f, err := s.Submit(context.Background(), "c1", "merchant", "hello", nil)
	require.NoError(t, err)
	res := waitResult(t, f)

	require.Equal(t, model.OutcomeFailed, res.Outcome)
	require.Equal(t, 2, res.Retries)
	require.Equal(t, 3, sender.callCount())
	require.Equal(t, model.TurnFailed, res.Turn.Status)
}

// TestSupersedeResolvesImmediately 验证 backlog 为 0 时新请求立即取代在途请求。
// 场景：第一个调用阻塞；提交第二个请求后第一个 Future 立即完成为 Superseded，
// 但第二个调用要等第一个调用返回后才发出，结果被丢弃的调用不产生提交。
func TestSupersedeResolvesImmediately(t *testing.T) {
	gate := make(chan struct{})
	sender := newFakeSender(func(ctx context.Context, _ rfsn.DialogueRequest, n int) (model.DialogueResponse, error) {
		if n == 1 {
			if err := waitGate(ctx, gate); err != nil {
				return model.DialogueResponse{}, err
			}
			return reply("stale")
		}
		return reply("fresh")
	})
	s, store := newTestScheduler(t, sender, func(o *Options) { o.BacklogDepth = 0 })
	ctx := context.Background()

	f1, err := s.Submit(ctx, "c1", "merchant", "first", nil)
	require.NoError(t, err)
	awaitStarted(t, sender)

	f2, err := s.Submit(ctx, "c1", "merchant", "second", nil)
	require.NoError(t, err)

	res1, ok := f1.Result()
	require.True(t, ok, "superseded future must resolve immediately")
	require.Equal(t, model.OutcomeSuperseded, res1.Outcome)
	require.Equal(t, int64(1), res1.Turn.Seq)

	_, ok = f2.Result()
	require.False(t, ok)
	require.Equal(t, 1, sender.callCount(), "second call must wait for the slot")

	close(gate)
	res2 := waitResult(t, f2)
	require.Equal(t, model.OutcomeSucceeded, res2.Outcome)
	require.Equal(t, "fresh", res2.Turn.Utterance)
	require.Equal(t, int64(1), res2.Turn.Seq)

	conv, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, conv.Turns, 1)
	require.Equal(t, "fresh", conv.Turns[0].Utterance)
	require.Len(t, conv.Abandoned, 1)
	require.Equal(t, model.TurnSuperseded, conv.Abandoned[0].Status)

	sender.mu.Lock()
	require.Equal(t, 1, sender.maxPerConv)
	sender.mu.Unlock()
}

// TestSupersedeBacklogTail 验证 backlog 满时被取代的是最近一个未完成的请求。
func TestSupersedeBacklogTail(t *testing.T) {
	gate := make(chan struct{})
	sender := newFakeSender(func(ctx context.Context, req rfsn.DialogueRequest, _ int) (model.DialogueResponse, error) {
		if err := waitGate(ctx, gate); err != nil {
			return model.DialogueResponse{}, err
		}
		return reply(req.Prompt)
	})
	s, store := newTestScheduler(t, sender, func(o *Options) { o.BacklogDepth = 2 })
	ctx := context.Background()

	var futures []*Future
	for i := 0; i < 4; i++ {
		f, err := s.Submit(ctx, "c1", "merchant", fmt.Sprintf("p%d", i), nil)
		require.NoError(t, err)
		futures = append(futures, f)
		if i == 0 {
			awaitStarted(t, sender)
		}
	}

	// p0 在途，p1、p2 排队；p3 取代 p2。
	res, ok := futures[2].Result()
	require.True(t, ok)
	require.Equal(t, model.OutcomeSuperseded, res.Outcome)
	for _, i := range []int{0, 1, 3} {
		_, ok := futures[i].Result()
		require.False(t, ok, "future %d should still be pending", i)
	}

	close(gate)
	for _, i := range []int{0, 1, 3} {
		require.Equal(t, model.OutcomeSucceeded, waitResult(t, futures[i]).Outcome)
	}

	conv, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	var prompts []string
	for _, turn := range conv.Turns {
		prompts = append(prompts, turn.Utterance)
	}
	require.Equal(t, []string{"p0", "p1", "p3"}, prompts)
}

// TestSinglePendingUnderConcurrentSubmit 验证并发提交下同一对话最多一个网络调用，
// 所有 Future 都到达终态，提交的 seq 连续无空洞。
func TestSinglePendingUnderConcurrentSubmit(t *testing.T) {
	sender := newFakeSender(func(_ context.Context, req rfsn.DialogueRequest, _ int) (model.DialogueResponse, error) {
		time.Sleep(2 * time.Millisecond)
		return reply(req.Prompt)
	})
	s, store := newTestScheduler(t, sender, func(o *Options) { o.BacklogDepth = 2 })
	ctx := context.Background()

	const n = 32
	futures := make([]*Future, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := s.Submit(ctx, "c1", "merchant", fmt.Sprintf("p%d", i), nil)
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			futures[i] = f
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, f := range futures {
		require.NotNil(t, f)
		switch waitResult(t, f).Outcome {
		case model.OutcomeSucceeded:
			succeeded++
		case model.OutcomeSuperseded:
		default:
			t.Fatalf("unexpected outcome for %s", f.ID)
		}
	}
	require.GreaterOrEqual(t, succeeded, 1)

	conv, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, conv.Turns, succeeded)
	for i, turn := range conv.Turns {
		require.Equal(t, int64(i+1), turn.Seq)
	}
	require.Nil(t, conv.Pending)

	sender.mu.Lock()
	require.Equal(t, 1, sender.maxPerConv)
	sender.mu.Unlock()
}

// TestGlobalConcurrencyCap 验证跨对话的并发调用数不超过 MaxConcurrent。
func TestGlobalConcurrencyCap(t *testing.T) {
	gate := make(chan struct{})
	sender := newFakeSender(func(ctx context.Context, req rfsn.DialogueRequest, _ int) (model.DialogueResponse, error) {
		if err := waitGate(ctx, gate); err != nil {
			return model.DialogueResponse{}, err
		}
		return reply(req.Prompt)
	})
	s, _ := newTestScheduler(t, sender, func(o *Options) { o.MaxConcurrent = 2 })
	ctx := context.Background()

	var futures []*Future
	for i := 0; i < 5; i++ {
		f, err := s.Submit(ctx, fmt.Sprintf("c%d", i), "merchant", "hi", nil)
		require.NoError(t, err)
		futures = append(futures, f)
	}
	awaitStarted(t, sender)
	awaitStarted(t, sender)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, sender.callCount())

	close(gate)
	for _, f := range futures {
		require.Equal(t, model.OutcomeSucceeded, waitResult(t, f).Outcome)
	}
	sender.mu.Lock()
	require.Equal(t, 2, sender.maxInFlight)
	sender.mu.Unlock()
}

// TestCancelResolvesActiveAndQueued 验证取消对话立即完成在途与排队请求，
// 在途调用不被中断、结果到达后丢弃，Pending 轮次释放后对话回到 Idle。
// 场景：第一轮阻塞在对话服务上，第二轮排队；取消后放行，调用正常返回但不提交。
func TestCancelResolvesActiveAndQueued(t *testing.T) {
	gate := make(chan struct{})
	sendErr := make(chan error, 1)
	sender := newFakeSender(func(ctx context.Context, _ rfsn.DialogueRequest, _ int) (model.DialogueResponse, error) {
		err := waitGate(ctx, gate)
		sendErr <- err
		if err != nil {
			return model.DialogueResponse{}, err
		}
		return reply("late")
	})
	s, store := newTestScheduler(t, sender, nil)
	ctx := context.Background()

	f1, err := s.Submit(ctx, "c1", "merchant", "one", nil)
	require.NoError(t, err)
	awaitStarted(t, sender)
	f2, err := s.Submit(ctx, "c1", "merchant", "two", nil)
	require.NoError(t, err)

	require.Equal(t, 2, s.Cancel("c1"))
	res1, ok := f1.Result()
	require.True(t, ok, "cancelled future must resolve immediately")
	require.Equal(t, model.OutcomeCancelled, res1.Outcome)
	require.Equal(t, model.OutcomeCancelled, waitResult(t, f2).Outcome)

	close(gate)
	select {
	case err := <-sendErr:
		require.NoError(t, err, "in-flight call must run to completion")
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight call did not return")
	}

	require.Eventually(t, func() bool {
		conv, err := store.GetConversation(ctx, "c1")
		return err == nil && conv.Pending == nil && len(conv.Abandoned) == 1
	}, 5*time.Second, 5*time.Millisecond)

	conv, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, model.ConversationIdle, conv.State)
	require.Empty(t, conv.Turns)
	require.Equal(t, "cancelled", conv.Abandoned[0].FailureReason)
	require.Equal(t, 1, sender.callCount())
	require.Equal(t, 0, s.Cancel("c1"))
}

// TestSupersedeMarksInFlightAndQueued 验证 Supersede 使在途与排队请求立即以 Superseded 完成，
// 在途调用的结果被丢弃，存储中的放弃记录为 Superseded，之后提交的请求取得同一 seq。
func TestSupersedeMarksInFlightAndQueued(t *testing.T) {
	gate := make(chan struct{})
	sender := newFakeSender(func(ctx context.Context, req rfsn.DialogueRequest, n int) (model.DialogueResponse, error) {
		if n == 1 {
			if err := waitGate(ctx, gate); err != nil {
				return model.DialogueResponse{}, err
			}
		}
		return reply(req.Prompt)
	})
	s, store := newTestScheduler(t, sender, nil)
	ctx := context.Background()

	f1, err := s.Submit(ctx, "c1", "merchant", "one", nil)
	require.NoError(t, err)
	awaitStarted(t, sender)
	f2, err := s.Submit(ctx, "c1", "merchant", "two", nil)
	require.NoError(t, err)

	require.Equal(t, 2, s.Supersede("c1", "three"))
	for _, f := range []*Future{f1, f2} {
		res, ok := f.Result()
		require.True(t, ok)
		require.Equal(t, model.OutcomeSuperseded, res.Outcome)
		require.Equal(t, model.TurnSuperseded, res.Turn.Status)
	}
	f3, err := s.Submit(ctx, "c1", "merchant", "three", nil)
	require.NoError(t, err)

	close(gate)
	res3 := waitResult(t, f3)
	require.Equal(t, model.OutcomeSucceeded, res3.Outcome)
	require.Equal(t, int64(1), res3.Turn.Seq)
	require.Equal(t, "three", res3.Turn.Utterance)

	conv, err := store.GetConversation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, conv.Turns, 1)
	require.Len(t, conv.Abandoned, 1)
	require.Equal(t, model.TurnSuperseded, conv.Abandoned[0].Status)
	require.Equal(t, 2, sender.callCount())
	require.Equal(t, int64(2), s.Stats().Superseded)
}

// TestFaultedConversationFailsFast 验证故障对话上的请求直接失败，不发出网络调用。
func TestFaultedConversationFailsFast(t *testing.T) {
	sender := newFakeSender(func(context.Context, rfsn.DialogueRequest, int) (model.DialogueResponse, error) {
		return reply("x")
	})
	s, store := newTestScheduler(t, sender, nil)
	ctx := context.Background()

	_, err := store.BeginTurn(ctx, "c1", "merchant", "hi", nil)
	require.NoError(t, err)
	_, err = store.CommitTurn(ctx, model.TurnHandle{ConversationID: "c1", Seq: 9, TurnID: "bogus"}, model.DialogueResponse{})
	require.ErrorIs(t, err, session.ErrInvariantViolation)

	f, err := s.Submit(ctx, "c1", "merchant", "hi", nil)
	require.NoError(t, err)
	res := waitResult(t, f)
	require.Equal(t, model.OutcomeFailed, res.Outcome)
	require.Contains(t, res.Reason, "faulted")
	require.Equal(t, 0, sender.callCount())
}

// TestCloseRejectsSubmit 验证关闭后拒绝新请求，且在途请求被取消。
func TestCloseRejectsSubmit(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	sender := newFakeSender(func(ctx context.Context, _ rfsn.DialogueRequest, _ int) (model.DialogueResponse, error) {
		if err := waitGate(ctx, gate); err != nil {
			return model.DialogueResponse{}, err
		}
		return reply("x")
	})
	store := session.NewInMemoryStore()
	s := New(store, sender, testOptions())

	f, err := s.Submit(context.Background(), "c1", "merchant", "hi", nil)
	require.NoError(t, err)
	awaitStarted(t, sender)

	s.Close()
	res, ok := f.Result()
	require.True(t, ok)
	require.Equal(t, model.OutcomeCancelled, res.Outcome)

	_, err = s.Submit(context.Background(), "c1", "merchant", "hi", nil)
	require.ErrorIs(t, err, ErrClosed)
}
