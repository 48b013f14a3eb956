package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultChatterboxURL  = "http://127.0.0.1:8001"
	DefaultSynthesizePath = "/synthesize"
	defaultTTSTimeout     = 30 * time.Second
)

// ChatterboxOptions 配置 TTS 服务客户端。
type ChatterboxOptions struct {
	BaseURL string
	// Path 为 /synthesize（按强度自动选模型）、/synthesize/full 或 /synthesize/turbo。
	Path       string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *log.Logger
}

// ChatterboxClient 调用 Chatterbox 风格的 TTS HTTP 服务。
type ChatterboxClient struct {
	opts       ChatterboxOptions
	httpClient *http.Client
	logger     *log.Logger
}

func NewChatterboxClient(opts ChatterboxOptions) *ChatterboxClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultChatterboxURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Path == "" {
		opts.Path = DefaultSynthesizePath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTTSTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &ChatterboxClient{opts: opts, httpClient: httpClient, logger: logger}
}

// Synthesize 实现 Synthesizer。
func (c *ChatterboxClient) Synthesize(ctx context.Context, req SynthesisRequest) (SynthesisResult, error) {
	ctx, span := otel.Tracer("speech").Start(ctx, "speech.Synthesize")
	defer span.End()
	span.SetAttributes(
		attribute.String("tts.emotion", req.Emotion),
		attribute.Float64("tts.intensity", req.Intensity),
		attribute.Int("tts.chars", len(req.Text)),
	)

	body, err := json.Marshal(req)
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("marshal tts request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+c.opts.Path, bytes.NewReader(body))
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("create tts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SynthesisResult{}, fmt.Errorf("tts request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("read tts response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("tts status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		span.SetStatus(codes.Error, err.Error())
		c.logger.Printf("[Chatterbox] ❌ %v", err)
		return SynthesisResult{}, err
	}

	var out SynthesisResult
	if err := json.Unmarshal(respBody, &out); err != nil {
		return SynthesisResult{}, fmt.Errorf("decode tts response: %w", err)
	}
	if out.AudioPath == "" || out.DurationSec <= 0 {
		return SynthesisResult{}, fmt.Errorf("tts response missing audio: %+v", out)
	}
	if out.AudioURL == "" {
		out.AudioURL = c.AudioURL(out.AudioPath)
	}
	return out, nil
}

// AudioURL 把服务端文件路径转换为 GET /audio/{filename} 地址。
func (c *ChatterboxClient) AudioURL(audioPath string) string {
	return c.opts.BaseURL + "/audio/" + path.Base(strings.ReplaceAll(audioPath, "\\", "/"))
}

// Health 检查 TTS 服务是否可用。
func (c *ChatterboxClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tts health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tts health: status %d", resp.StatusCode)
	}
	return nil
}
