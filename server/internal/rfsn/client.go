package rfsn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dawsonblock/ISLAND/server/internal/model"
)

const (
	DefaultBaseURL         = "http://127.0.0.1:8000"
	DefaultDialoguePath    = "/api/dialogue"
	DefaultHealthPath      = "/api/health"
	DefaultTimeout         = 10 * time.Second
	DefaultMaxRequestBytes = 64 * 1024

	// 响应体上限，防止异常服务端撑爆内存。
	maxResponseBytes = 1 << 20
)

// ErrRequestTooLarge 表示请求序列化后超过 MaxRequestBytes。
var ErrRequestTooLarge = errors.New("dialogue request exceeds size limit")

// Sender 是 Scheduler 依赖的最小传输接口。
type Sender interface {
	Send(ctx context.Context, req DialogueRequest, timeout time.Duration) (model.DialogueResponse, error)
}

// DialogueRequest 是发往对话服务的请求体。
type DialogueRequest struct {
	ConversationID string         `json:"conversationId"`
	Speaker        string         `json:"speaker"`
	TurnSeq        int64          `json:"turnSeq"`
	Prompt         string         `json:"prompt"`
	Context        map[string]any `json:"context,omitempty"`
}

// Options 是 Client 的配置。
type Options struct {
	BaseURL         string
	DialoguePath    string
	HealthPath      string
	APIKey          string
	Timeout         time.Duration
	MaxRequestBytes int
	HTTPClient      *http.Client
	Logger          *log.Logger
}

// Client 是对话服务的 HTTP/JSON 客户端。
// 每次 Send 恰好发起一次 HTTP 调用，不重试，也不触碰会话状态。
type Client struct {
	opts       Options
	httpClient *http.Client
	logger     *log.Logger
	stats      *Stats
	available  atomic.Bool
}

// NewClient 创建客户端，未设置的字段使用默认值。
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.DialoguePath == "" {
		opts.DialoguePath = DefaultDialoguePath
	}
	if opts.HealthPath == "" {
		opts.HealthPath = DefaultHealthPath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = DefaultMaxRequestBytes
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// 超时由每次调用的 context 控制。
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		opts:       opts,
		httpClient: httpClient,
		logger:     logger,
		stats:      NewStats(),
	}
}

// Stats 返回客户端的统计信息。
func (c *Client) Stats() *Stats {
	return c.stats
}

// ServerAvailable 返回最近一次健康检查的结果。
func (c *Client) ServerAvailable() bool {
	return c.available.Load()
}

// Send 发送一次对话请求。timeout<=0 时使用默认超时。
func (c *Client) Send(ctx context.Context, req DialogueRequest, timeout time.Duration) (model.DialogueResponse, error) {
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}

	ctx, span := otel.Tracer("rfsn").Start(ctx, "rfsn.Send")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.Int64("turn.seq", req.TurnSeq),
	)

	body, err := json.Marshal(req)
	if err != nil {
		return model.DialogueResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	if len(body) > c.opts.MaxRequestBytes {
		return model.DialogueResponse{}, fmt.Errorf("%w: %d > %d bytes", ErrRequestTooLarge, len(body), c.opts.MaxRequestBytes)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.opts.BaseURL+c.opts.DialoguePath, bytes.NewReader(body))
	if err != nil {
		return model.DialogueResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	c.stats.begin()
	start := time.Now()
	resp, respBody, err := c.do(httpReq)
	c.stats.end(err == nil, time.Since(start), len(respBody))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return model.DialogueResponse{}, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	out, err := decodeResponse(respBody)
	if err != nil {
		failure := &Failure{Kind: KindMalformedResponse, StatusCode: resp.StatusCode, Err: err}
		span.RecordError(failure)
		span.SetStatus(codes.Error, failure.Error())
		return model.DialogueResponse{}, failure
	}
	return out, nil
}

// responseBody 是对话服务的响应体。utterance 必须出现；动作可以放在顶层或 metadata.npc_action。
type responseBody struct {
	Utterance *string        `json:"utterance"`
	Action    string         `json:"action"`
	NPCAction string         `json:"npc_action"`
	Metadata  map[string]any `json:"metadata"`
}

func decodeResponse(data []byte) (model.DialogueResponse, error) {
	var body responseBody
	if err := json.Unmarshal(data, &body); err != nil {
		return model.DialogueResponse{}, err
	}
	if body.Utterance == nil {
		return model.DialogueResponse{}, errors.New("response has no utterance field")
	}
	action := body.Action
	if action == "" {
		action = body.NPCAction
	}
	if action == "" {
		action, _ = body.Metadata["npc_action"].(string)
	}
	return model.DialogueResponse{
		Utterance: *body.Utterance,
		Action:    model.ParseNPCAction(action),
		Metadata:  body.Metadata,
	}, nil
}

// do 执行请求并把所有失败归类为 *Failure。
func (c *Client) do(req *http.Request) (*http.Response, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, classifyTransportError(req.Context(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp, nil, classifyTransportError(req.Context(), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp, body, &Failure{
			Kind:       KindServiceError,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(body), 256)),
		}
	}
	return resp, body, nil
}

// Ping 调用健康检查接口并更新 ServerAvailable。
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+c.opts.HealthPath, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	_, _, err = c.do(req)
	wasAvailable := c.available.Swap(err == nil)
	if err != nil {
		if wasAvailable {
			c.logger.Printf("[RFSN] ⚠️ dialogue service unavailable: %v", err)
		}
		return err
	}
	if !wasAvailable {
		c.logger.Printf("[RFSN] ✅ dialogue service available at %s", c.opts.BaseURL)
	}
	return nil
}

// RunHealthCheck 周期性 Ping，直到 ctx 结束。
func (c *Client) RunHealthCheck(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	_ = c.Ping(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Ping(ctx)
		}
	}
}

func classifyTransportError(ctx context.Context, err error) *Failure {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Failure{Kind: KindTimeout, Err: err}
	}
	return &Failure{Kind: KindConnectionError, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
