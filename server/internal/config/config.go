package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/dawsonblock/ISLAND/server/internal/speech"
)

const (
	RoleHost = "host"
	RolePeer = "peer"

	TransportWebSocket = "ws"
	TransportZMQ       = "zmq"

	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StorageDynamoDB = "dynamodb"
)

// Config 全局配置
type Config struct {
	// Role 决定进程是权威主机还是镜像端：host | peer
	Role        string                         `yaml:"role" env:"ISLAND_ROLE"`
	Server      ServerConfig                   `yaml:"server"`
	RFSN        RFSNConfig                     `yaml:"rfsn"`
	Scheduler   SchedulerConfig                `yaml:"scheduler"`
	Replication ReplicationConfig              `yaml:"replication"`
	Speech      SpeechConfig                   `yaml:"speech"`
	Behavior    BehaviorConfig                 `yaml:"behavior"`
	Storage     StorageConfig                  `yaml:"storage"`
	Logging     LoggingConfig                  `yaml:"logging"`
	Telemetry   TelemetryConfig                `yaml:"telemetry"`
	Voices      map[string]speech.VoiceProfile `yaml:"voices"`
}

type ServerConfig struct {
	Host         string        `yaml:"host" env:"ISLAND_HOST"`
	Port         int           `yaml:"port" env:"ISLAND_PORT"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// PeerID 是本进程在复制网络中的标识，为空时自动生成。
	PeerID string `yaml:"peer_id" env:"ISLAND_PEER_ID"`
}

// Addr 返回监听地址。
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RFSNConfig 是对话服务的连接参数。
type RFSNConfig struct {
	BaseURL      string `yaml:"base_url" env:"RFSN_BASE_URL"`
	DialoguePath string `yaml:"dialogue_path"`
	HealthPath   string `yaml:"health_path"`
	APIKey       string `yaml:"api_key" env:"RFSN_API_KEY"`
	// APIKeyParam 是 SSM Parameter Store 中 API key 的参数名，APIKey 为空时使用。
	APIKeyParam     string        `yaml:"api_key_param" env:"RFSN_API_KEY_PARAM"`
	Timeout         time.Duration `yaml:"timeout" env:"RFSN_TIMEOUT"`
	MaxRequestBytes int           `yaml:"max_request_bytes"`
	HealthInterval  time.Duration `yaml:"health_interval"`
}

// SchedulerConfig 的指针字段区分“未配置”和显式的 0。
type SchedulerConfig struct {
	MaxConcurrent  int           `yaml:"max_concurrent" env:"ISLAND_MAX_CONCURRENT"`
	BacklogDepth   *int          `yaml:"backlog_depth" env:"ISLAND_BACKLOG_DEPTH"`
	MaxRetries     *int          `yaml:"max_retries" env:"ISLAND_MAX_RETRIES"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

type ReplicationConfig struct {
	// Transport 为 ws 或 zmq。
	Transport string `yaml:"transport" env:"ISLAND_REPLICATION_TRANSPORT"`
	// HostURL 是镜像端拨号的主机 WebSocket 地址。
	HostURL string `yaml:"host_url" env:"ISLAND_HOST_URL"`
	// JoinSecret 非空时，主机要求镜像端携带由它签发的 JWT。
	JoinSecret      string        `yaml:"join_secret" env:"ISLAND_JOIN_SECRET"`
	JoinSecretParam string        `yaml:"join_secret_param" env:"ISLAND_JOIN_SECRET_PARAM"`
	PeerToken       string        `yaml:"peer_token" env:"ISLAND_PEER_TOKEN"`
	TokenTTL        time.Duration `yaml:"token_ttl"`
	ResyncWait      time.Duration `yaml:"resync_wait" env:"ISLAND_RESYNC_WAIT"`
	MaxBuffered     int           `yaml:"max_buffered"`
	ReconnectMin    time.Duration `yaml:"reconnect_min"`
	ReconnectMax    time.Duration `yaml:"reconnect_max"`
	ZMQ             ZMQConfig     `yaml:"zmq"`
}

type ZMQConfig struct {
	PubEndpoint    string `yaml:"pub_endpoint"`
	RouterEndpoint string `yaml:"router_endpoint"`
	SubEndpoint    string `yaml:"sub_endpoint"`
	DealerEndpoint string `yaml:"dealer_endpoint"`
}

type SpeechConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ISLAND_SPEECH_ENABLED"`
	TTSURL           string        `yaml:"tts_url" env:"ISLAND_TTS_URL"`
	SynthesizePath   string        `yaml:"synthesize_path"`
	SynthesisTimeout time.Duration `yaml:"synthesis_timeout"`
	AckGrace         time.Duration `yaml:"ack_grace"`
	QueueCapacity    int           `yaml:"queue_capacity"`
	// MaxTurnAge 之前提交的轮次不再朗读，0 表示不限。
	MaxTurnAge   time.Duration        `yaml:"max_turn_age"`
	DefaultVoice *speech.VoiceProfile `yaml:"default_voice"`
}

type BehaviorConfig struct {
	HistoryTurns      *int  `yaml:"history_turns"`
	GateOnPlayback    bool  `yaml:"gate_on_playback"`
	SupersedeInFlight *bool `yaml:"supersede_in_flight"`
	RetainResults     int   `yaml:"retain_results"`
}

type StorageConfig struct {
	// Backend 为 memory | sqlite | dynamodb，决定已提交轮次的归档位置。
	Backend     string `yaml:"backend" env:"ISLAND_STORAGE"`
	SQLitePath  string `yaml:"sqlite_path" env:"ISLAND_SQLITE_PATH"`
	DynamoTable string `yaml:"dynamo_table" env:"ISLAND_DYNAMO_TABLE"`
}

type LoggingConfig struct {
	// Output 为 stdout | stderr | 文件路径。
	Output       string `yaml:"output" env:"ISLAND_LOG_OUTPUT"`
	Microseconds bool   `yaml:"microseconds"`
}

type TelemetryConfig struct {
	// Endpoint 为空时不启用 tracing。
	Endpoint    string `yaml:"endpoint" env:"ISLAND_OTEL_ENDPOINT"`
	ServiceName string `yaml:"service_name"`
}

// Load 从文件加载配置，依次应用环境变量覆盖、默认值与校验。
func Load(path string) (*Config, error) {
	fmt.Printf("📋 Loading config from: %s\n", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	fmt.Printf("\n📊 Configuration Summary:\n")
	fmt.Printf("   Role: %s\n", cfg.Role)
	fmt.Printf("   Server: %s\n", cfg.Server.Addr())
	fmt.Printf("   RFSN: %s%s (timeout %s)\n", cfg.RFSN.BaseURL, cfg.RFSN.DialoguePath, cfg.RFSN.Timeout)
	fmt.Printf("   Replication: %s\n", cfg.Replication.Transport)
	fmt.Printf("   Storage: %s\n", cfg.Storage.Backend)
	if cfg.Speech.Enabled {
		fmt.Printf("   TTS: %s (%d voices)\n", cfg.Speech.TTSURL, len(cfg.Voices))
	}
	fmt.Printf("\n")
	return cfg, nil
}

// Parse 解析 YAML 内容并完成覆盖、默认值与校验。
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := ParseEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// ParseEnv 用环境变量覆盖已设置的字段。
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

// ApplyDefaults 为未配置的字段填入文档约定的默认值。
func (c *Config) ApplyDefaults() {
	c.Role = strings.ToLower(strings.TrimSpace(c.Role))
	if c.Role == "" {
		c.Role = RoleHost
	}

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 15 * time.Second
	}

	r := &c.RFSN
	if r.BaseURL == "" {
		r.BaseURL = "http://127.0.0.1:8000"
	}
	if r.DialoguePath == "" {
		r.DialoguePath = "/api/dialogue"
	}
	if r.HealthPath == "" {
		r.HealthPath = "/api/health"
	}
	if r.Timeout == 0 {
		r.Timeout = 10 * time.Second
	}
	if r.MaxRequestBytes == 0 {
		r.MaxRequestBytes = 64 << 10
	}
	if r.HealthInterval == 0 {
		r.HealthInterval = 30 * time.Second
	}

	s := &c.Scheduler
	if s.MaxConcurrent == 0 {
		s.MaxConcurrent = 4
	}
	if s.BacklogDepth == nil {
		s.BacklogDepth = intPtr(4)
	}
	if s.MaxRetries == nil {
		s.MaxRetries = intPtr(3)
	}
	if s.BackoffInitial == 0 {
		s.BackoffInitial = 200 * time.Millisecond
	}
	if s.BackoffMax == 0 {
		s.BackoffMax = 5 * time.Second
	}

	rep := &c.Replication
	rep.Transport = strings.ToLower(strings.TrimSpace(rep.Transport))
	if rep.Transport == "" {
		rep.Transport = TransportWebSocket
	}
	if rep.TokenTTL == 0 {
		rep.TokenTTL = 12 * time.Hour
	}
	if rep.ResyncWait == 0 {
		rep.ResyncWait = 2 * time.Second
	}
	if rep.MaxBuffered == 0 {
		rep.MaxBuffered = 256
	}
	if rep.ReconnectMin == 0 {
		rep.ReconnectMin = 500 * time.Millisecond
	}
	if rep.ReconnectMax == 0 {
		rep.ReconnectMax = 15 * time.Second
	}

	sp := &c.Speech
	if sp.TTSURL == "" {
		sp.TTSURL = speech.DefaultChatterboxURL
	}
	if sp.SynthesizePath == "" {
		sp.SynthesizePath = speech.DefaultSynthesizePath
	}
	if sp.SynthesisTimeout == 0 {
		sp.SynthesisTimeout = 30 * time.Second
	}
	if sp.AckGrace == 0 {
		sp.AckGrace = 2 * time.Second
	}
	if sp.QueueCapacity == 0 {
		sp.QueueCapacity = 16
	}

	b := &c.Behavior
	if b.HistoryTurns == nil {
		b.HistoryTurns = intPtr(8)
	}
	if b.SupersedeInFlight == nil {
		b.SupersedeInFlight = boolPtr(true)
	}
	if b.RetainResults == 0 {
		b.RetainResults = 1024
	}

	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageMemory
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "islandd"
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []error
	switch c.Role {
	case RoleHost, RolePeer:
	default:
		errs = append(errs, fmt.Errorf("role must be %q or %q, got %q", RoleHost, RolePeer, c.Role))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.RFSN.Timeout < 0 {
		errs = append(errs, errors.New("rfsn.timeout must not be negative"))
	}
	if c.Scheduler.MaxConcurrent < 0 {
		errs = append(errs, errors.New("scheduler.max_concurrent must not be negative"))
	}
	if *c.Scheduler.BacklogDepth < 0 {
		errs = append(errs, errors.New("scheduler.backlog_depth must not be negative"))
	}
	if *c.Scheduler.MaxRetries < 0 {
		errs = append(errs, errors.New("scheduler.max_retries must not be negative"))
	}
	if c.Scheduler.BackoffMax < c.Scheduler.BackoffInitial {
		errs = append(errs, errors.New("scheduler.backoff_max must be >= backoff_initial"))
	}
	if *c.Behavior.HistoryTurns < 0 {
		errs = append(errs, errors.New("behavior.history_turns must not be negative"))
	}

	rep := c.Replication
	switch rep.Transport {
	case TransportWebSocket:
		if c.Role == RolePeer && rep.HostURL == "" {
			errs = append(errs, errors.New("replication.host_url is required for peers"))
		}
	case TransportZMQ:
		z := rep.ZMQ
		if c.Role == RoleHost && (z.PubEndpoint == "" || z.RouterEndpoint == "") {
			errs = append(errs, errors.New("replication.zmq.pub_endpoint and router_endpoint are required for hosts"))
		}
		if c.Role == RolePeer && (z.SubEndpoint == "" || z.DealerEndpoint == "") {
			errs = append(errs, errors.New("replication.zmq.sub_endpoint and dealer_endpoint are required for peers"))
		}
	default:
		errs = append(errs, fmt.Errorf("replication.transport must be %q or %q, got %q", TransportWebSocket, TransportZMQ, rep.Transport))
	}
	if rep.ResyncWait < 0 {
		errs = append(errs, errors.New("replication.resync_wait must not be negative"))
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite backend"))
		}
	case StorageDynamoDB:
		if c.Storage.DynamoTable == "" {
			errs = append(errs, errors.New("storage.dynamo_table is required for the dynamodb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be memory, sqlite or dynamodb, got %q", c.Storage.Backend))
	}
	return errors.Join(errs...)
}

// ParameterGetter 从外部参数存储读取密钥，由 paramstore.Client 实现。
type ParameterGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// NeedsParameters 报告是否有密钥需要从参数存储解析。
func (c *Config) NeedsParameters() bool {
	return (c.RFSN.APIKey == "" && c.RFSN.APIKeyParam != "") ||
		(c.Replication.JoinSecret == "" && c.Replication.JoinSecretParam != "")
}

// ResolveSecrets 对未直接配置的密钥，按参数名从参数存储读取。
func (c *Config) ResolveSecrets(ctx context.Context, getter ParameterGetter) error {
	if !c.NeedsParameters() {
		return nil
	}
	if getter == nil {
		return errors.New("secret parameters configured but no parameter store available")
	}
	if c.RFSN.APIKey == "" && c.RFSN.APIKeyParam != "" {
		v, err := getter.GetParameter(ctx, c.RFSN.APIKeyParam)
		if err != nil {
			return fmt.Errorf("resolve rfsn api key: %w", err)
		}
		c.RFSN.APIKey = strings.TrimSpace(v)
		fmt.Printf("🔑 Using RFSN API key from parameter %s\n", c.RFSN.APIKeyParam)
	}
	if c.Replication.JoinSecret == "" && c.Replication.JoinSecretParam != "" {
		v, err := getter.GetParameter(ctx, c.Replication.JoinSecretParam)
		if err != nil {
			return fmt.Errorf("resolve join secret: %w", err)
		}
		c.Replication.JoinSecret = strings.TrimSpace(v)
	}
	return nil
}
