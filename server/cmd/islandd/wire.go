package main

import (
	"context"
	"fmt"
	"log"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"

	"github.com/dawsonblock/ISLAND/server/internal/api"
	"github.com/dawsonblock/ISLAND/server/internal/behavior"
	"github.com/dawsonblock/ISLAND/server/internal/config"
	"github.com/dawsonblock/ISLAND/server/internal/orchestrator"
	"github.com/dawsonblock/ISLAND/server/internal/paramstore"
	"github.com/dawsonblock/ISLAND/server/internal/replication"
	"github.com/dawsonblock/ISLAND/server/internal/rfsn"
	"github.com/dawsonblock/ISLAND/server/internal/scheduler"
	"github.com/dawsonblock/ISLAND/server/internal/session"
	"github.com/dawsonblock/ISLAND/server/internal/speech"
	"github.com/dawsonblock/ISLAND/server/internal/timeline"
)

// cloudDeps 是按需创建的 AWS 客户端；未配置 SSM 参数或 DynamoDB 归档时不加载 AWS 配置。
type cloudDeps struct {
	params config.ParameterGetter
	dynamo *awsdynamodb.Client
}

func newCloudDeps(ctx context.Context, cfg *config.Config) (cloudDeps, error) {
	var out cloudDeps
	needDynamo := cfg.Role == config.RoleHost && cfg.Storage.Backend == config.StorageDynamoDB
	if !cfg.NeedsParameters() && !needDynamo {
		return out, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return out, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.NeedsParameters() {
		ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return out, err
		}
		out.params = ps
	}
	if needDynamo {
		out.dynamo = awsdynamodb.NewFromConfig(awsCfg)
	}
	return out, nil
}

// voice 是语音输出链路：TTS 合成、音频引擎接入点与轮次编排。speech.enabled=false 时全部为 nil。
type voice struct {
	pipeline     *speech.Pipeline
	audioHub     *speech.AudioHub
	orchestrator *orchestrator.Orchestrator
}

func newVoice(cfg *config.Config, logger *log.Logger) *voice {
	if !cfg.Speech.Enabled {
		logger.Printf("[Island] speech output disabled")
		return &voice{}
	}
	synth := speech.NewChatterboxClient(speech.ChatterboxOptions{
		BaseURL: cfg.Speech.TTSURL,
		Path:    cfg.Speech.SynthesizePath,
		Timeout: cfg.Speech.SynthesisTimeout,
		Logger:  logger,
	})
	voices := speech.NewVoiceBook(cfg.Voices, cfg.Speech.DefaultVoice)
	pipeline := speech.NewPipeline(synth, nil, voices, speech.Options{
		SynthesisTimeout: cfg.Speech.SynthesisTimeout,
		AckGrace:         cfg.Speech.AckGrace,
		QueueCapacity:    cfg.Speech.QueueCapacity,
		Logger:           logger,
	})
	hub := speech.NewAudioHub(pipeline, logger)
	pipeline.SetSink(hub)
	orch := orchestrator.New(pipeline, orchestrator.Options{MaxTurnAge: cfg.Speech.MaxTurnAge, Logger: logger})
	logger.Printf("[Island] ✅ speech output via %s (%d voices)", cfg.Speech.TTSURL, voices.Speakers())
	return &voice{pipeline: pipeline, audioHub: hub, orchestrator: orch}
}

func (v *voice) close() {
	if v.pipeline != nil {
		v.pipeline.Close()
	}
}

// apply 把语音链路挂到 HTTP 依赖上。
func (v *voice) apply(deps *api.Deps) {
	if v.pipeline == nil {
		return
	}
	deps.Speech = v.pipeline
	deps.AudioHub = v.audioHub
	deps.Orchestrator = v.orchestrator
}

// node 是一个角色装配完成后的组件集合。
type node struct {
	deps    api.Deps
	closers []func()
}

func (n *node) close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		n.closers[i]()
	}
}

func newArchive(cfg *config.Config, cloud cloudDeps, logger *log.Logger) (timeline.Store, func(), error) {
	switch cfg.Storage.Backend {
	case config.StorageSQLite:
		s, err := timeline.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Printf("[Island] archive: sqlite %s", cfg.Storage.SQLitePath)
		return s, func() { _ = s.Close() }, nil
	case config.StorageDynamoDB:
		s, err := timeline.NewDynamoStore(cloud.dynamo, cfg.Storage.DynamoTable)
		if err != nil {
			return nil, nil, err
		}
		logger.Printf("[Island] archive: dynamodb table %s", cfg.Storage.DynamoTable)
		return s, func() {}, nil
	default:
		return timeline.NewInMemoryStore(), func() {}, nil
	}
}

// buildHost 装配权威端：会话存储、传输客户端、调度器、行为适配器与复制发布。
func buildHost(ctx context.Context, cfg *config.Config, cloud cloudDeps, v *voice, logger *log.Logger) (*node, error) {
	n := &node{}

	archive, closeArchive, err := newArchive(cfg, cloud, logger)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	n.closers = append(n.closers, closeArchive)

	store := session.NewInMemoryStore(session.WithArchive(archive), session.WithLogger(logger))
	restored, err := store.Restore(ctx)
	if err != nil {
		n.close()
		return nil, fmt.Errorf("restore conversations: %w", err)
	}
	logger.Printf("[Island] restored %d conversation(s) from archive", restored)

	client := rfsn.NewClient(rfsn.Options{
		BaseURL:         cfg.RFSN.BaseURL,
		DialoguePath:    cfg.RFSN.DialoguePath,
		HealthPath:      cfg.RFSN.HealthPath,
		APIKey:          cfg.RFSN.APIKey,
		Timeout:         cfg.RFSN.Timeout,
		MaxRequestBytes: cfg.RFSN.MaxRequestBytes,
		Logger:          logger,
	})
	go client.RunHealthCheck(ctx, cfg.RFSN.HealthInterval)

	sched := scheduler.New(store, client, scheduler.Options{
		MaxConcurrent:  cfg.Scheduler.MaxConcurrent,
		BacklogDepth:   *cfg.Scheduler.BacklogDepth,
		MaxRetries:     *cfg.Scheduler.MaxRetries,
		RequestTimeout: cfg.RFSN.Timeout,
		BackoffInitial: cfg.Scheduler.BackoffInitial,
		BackoffMax:     cfg.Scheduler.BackoffMax,
		Logger:         logger,
	})
	n.closers = append(n.closers, sched.Close)

	var tracker behavior.PlaybackTracker
	if v.pipeline != nil {
		tracker = v.pipeline
	}
	adapter := behavior.NewAdapter(sched, store, tracker, behavior.Options{
		HistoryTurns:      *cfg.Behavior.HistoryTurns,
		GateOnPlayback:    cfg.Behavior.GateOnPlayback,
		SupersedeInFlight: *cfg.Behavior.SupersedeInFlight,
		RetainResults:     cfg.Behavior.RetainResults,
		Logger:            logger,
	})
	if v.orchestrator != nil {
		v.orchestrator.SetTracker(adapter)
		store.AddObserver(v.orchestrator)
	}

	transports := &replication.MultiTransport{}
	publisher := replication.NewPublisher(store, transports, logger)
	n.closers = append(n.closers, publisher.Close)
	store.AddObserver(publisher)

	auth := replication.NewTokenAuthority(cfg.Replication.JoinSecret, cfg.Replication.TokenTTL)
	hub := replication.NewHub(publisher, auth, logger)
	transports.Add(hub)
	n.closers = append(n.closers, hub.Close)

	if cfg.Replication.Transport == config.TransportZMQ {
		zh, err := replication.NewZMQHost(publisher, auth, cfg.Replication.ZMQ.PubEndpoint, cfg.Replication.ZMQ.RouterEndpoint, logger)
		if err != nil {
			n.close()
			return nil, fmt.Errorf("start zmq host: %w", err)
		}
		transports.Add(zh)
		go func() {
			if err := zh.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Printf("[Island] ❌ zmq host stopped: %v", err)
			}
		}()
	}

	n.deps = api.Deps{
		Role:           config.RoleHost,
		Store:          store,
		Transport:      client,
		Scheduler:      sched,
		Behavior:       adapter,
		Publisher:      publisher,
		ReplicationHub: hub,
		Logger:         logger,
	}
	v.apply(&n.deps)
	return n, nil
}

// buildPeer 装配镜像端：只读镜像存储、复制桥与到主机的连接。
func buildPeer(ctx context.Context, cfg *config.Config, v *voice, logger *log.Logger) (*node, error) {
	n := &node{}

	mirror, sink := session.NewMirror(logger)
	if v.orchestrator != nil {
		mirror.AddObserver(v.orchestrator)
	}
	bridge := replication.NewMirrorBridge(sink, replication.MirrorOptions{
		ResyncWait:  cfg.Replication.ResyncWait,
		MaxBuffered: cfg.Replication.MaxBuffered,
		Logger:      logger,
		OnDesync: func(e replication.DesyncEvent) {
			logger.Printf("[Island:%s] ⚠️ replication desync at seq %d (%d buffered); pulling full snapshots", e.ConversationID, e.LastApplied, e.Buffered)
		},
	})

	peerID := cfg.Server.PeerID
	if peerID == "" {
		peerID = "peer-" + uuid.NewString()
	}
	token := cfg.Replication.PeerToken
	if token == "" && cfg.Replication.JoinSecret != "" {
		// 持有共享密钥的对端自行签发加入令牌。
		auth := replication.NewTokenAuthority(cfg.Replication.JoinSecret, cfg.Replication.TokenTTL)
		t, err := auth.Issue(peerID)
		if err != nil {
			return nil, fmt.Errorf("issue join token: %w", err)
		}
		token = t
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.closers = append(n.closers, cancel)

	switch cfg.Replication.Transport {
	case config.TransportZMQ:
		zp := replication.NewZMQPeer(bridge, peerID, token, cfg.Replication.ZMQ.SubEndpoint, cfg.Replication.ZMQ.DealerEndpoint, logger)
		bridge.SetLink(zp)
		go func() {
			if err := zp.Run(runCtx); err != nil && runCtx.Err() == nil {
				logger.Printf("[Island] ❌ zmq peer stopped: %v", err)
			}
		}()
	default:
		pc := replication.NewPeerClient(bridge, replication.PeerClientOptions{
			URL:          cfg.Replication.HostURL,
			PeerID:       peerID,
			Token:        token,
			ReconnectMin: cfg.Replication.ReconnectMin,
			ReconnectMax: cfg.Replication.ReconnectMax,
			Logger:       logger,
		})
		bridge.SetLink(pc)
		go func() {
			if err := pc.Run(runCtx); err != nil && runCtx.Err() == nil {
				logger.Printf("[Island] ❌ replication link stopped: %v", err)
			}
		}()
	}

	n.deps = api.Deps{
		Role:   config.RolePeer,
		Store:  mirror,
		Mirror: bridge,
		Logger: logger,
	}
	v.apply(&n.deps)
	return n, nil
}
