package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"voice-gateway/internal/apierrors"
	"voice-gateway/internal/clients/googleai"
	"voice-gateway/internal/clients/hubspot"
	kafkaClient "voice-gateway/internal/clients/kafka"
	"voice-gateway/internal/clients/mail"
	"voice-gateway/internal/clients/openai"
	redisClient "voice-gateway/internal/clients/redis"
	"voice-gateway/internal/clients/twilio"
	"voice-gateway/internal/config"
	"voice-gateway/internal/escalation/processor"
	"voice-gateway/internal/events"
	"voice-gateway/internal/handover"
	handoverHandler "voice-gateway/internal/handover/handler"
	"voice-gateway/internal/knowledge"
	"voice-gateway/internal/observability"
	"voice-gateway/internal/store"
	"voice-gateway/internal/voice/provider"
	"voice-gateway/internal/voice/relay"
	voiceCallHandler "voice-gateway/internal/voicecall/handler"
	"voice-gateway/internal/voicecall/session"
	"voice-gateway/internal/workers"
)

const sweepInterval = 5 * time.Minute

// Dependencies holds all initialized application dependencies
type Dependencies struct {
	// Core
	Logger   *observability.Logger
	Sessions *session.Manager
	Tokens   handover.Store

	// Handlers
	VoiceCallHandler voiceCallHandler.Handler
	HandoverHandler  handoverHandler.Handler

	// Backends (for cleanup)
	Store         *store.Store
	Redis         *redisClient.Client
	KafkaProducer *kafkaClient.Producer
	Events        *events.Publisher

	stopSweep context.CancelFunc
}

// Initialize sets up all application dependencies
func Initialize(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Logger: logger,
	}
	apierrors.SetLogger(logger)

	registry, err := newRegistry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	deps.Tokens, err = deps.newTokenStore(ctx, cfg, logger)
	if err != nil {
		deps.Cleanup()
		return nil, err
	}

	// CRM is optional; a nil client skips the CRM step.
	var crm processor.CRMClient
	if cfg.HubSpot.Enabled {
		crm = hubspot.NewClient(cfg.HubSpot.AccessToken, cfg.HubSpot.BaseURL, logger)
	} else {
		logger.Info(ctx, "HubSpot is disabled, escalations will not create tickets")
	}

	ledger := twilio.NewLedger()
	var transfer processor.Transfer
	switch cfg.Escalation.TransferMode {
	case config.TransferModeREST:
		transfer = twilio.NewConferenceTransfer(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.PhoneNumber, ledger, logger)
	default:
		transfer = twilio.NewDialTransfer(ledger, logger)
	}

	var notifier processor.FailureNotifier
	if cfg.Mail.Enabled {
		mailClient, err := mail.NewResendClient(cfg.Mail.ResendAPIKey, logger)
		if err != nil {
			deps.Cleanup()
			return nil, fmt.Errorf("failed to create resend client: %w", err)
		}
		notifier = mail.NewAlerter(mailClient, cfg.Mail.Sender, cfg.Mail.AlertAddress, logger)
	}

	escalator := processor.New(crm, deps.Tokens, transfer, notifier, logger, processor.Config{
		TokenLength:     cfg.Escalation.TokenLength,
		TokenTTL:        cfg.Escalation.TokenTTL,
		Destination:     cfg.Escalation.ConnectPhoneNumber,
		DefaultPriority: cfg.Escalation.DefaultPriority,
	})

	var lifecycle session.Lifecycle
	if cfg.Kafka.Enabled {
		deps.KafkaProducer = kafkaClient.NewProducer(kafkaClient.ProducerConfig{
			Brokers: strings.Split(cfg.Kafka.Brokers, ","),
			Topic:   cfg.Kafka.Topic,
		}, logger)
		deps.Events = events.NewPublisher(deps.KafkaProducer, workers.WorkerPoolConfig{NumWorkers: cfg.Kafka.Workers}, logger)
		if err := deps.Events.Start(ctx); err != nil {
			deps.Cleanup()
			return nil, fmt.Errorf("failed to start event publisher: %w", err)
		}
		lifecycle = deps.Events
	}

	deps.Sessions = session.NewManager(
		registry,
		processor.NewDetector(cfg.Escalation.TriggerPhrases),
		escalator,
		lifecycle,
		logger,
		sessionConfig(cfg),
	)

	if cfg.Knowledge.Enabled {
		db, err := deps.database(ctx, cfg, logger)
		if err != nil {
			deps.Cleanup()
			return nil, err
		}
		deps.Sessions.WithTools(knowledge.NewExecutor(knowledge.NewPostgresBase(db, logger), logger, knowledge.Config{
			MaxResults: cfg.Knowledge.MaxResults,
			Timeout:    cfg.Knowledge.Timeout,
		}))
		logger.Info(ctx, "knowledge base search tools enabled")
	}

	deps.VoiceCallHandler = voiceCallHandler.New(deps.Sessions, ledger, cfg.Server.PublicHost, cfg.Twilio.AuthToken, logger)
	deps.HandoverHandler = handoverHandler.New(deps.Tokens, cfg.Escalation.TokenLength, handoverHandler.AuthConfig{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.JWTIssuer,
		Audience: cfg.Auth.JWTAudience,
	}, logger)

	return deps, nil
}

// newRegistry registers every voice backend that has credentials.
func newRegistry(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*provider.Registry, error) {
	var descriptors []provider.Descriptor
	if cfg.Voice.OpenAI.APIKey != "" {
		descriptors = append(descriptors, openai.Descriptor(openai.Config{
			APIKey: cfg.Voice.OpenAI.APIKey,
			Model:  cfg.Voice.OpenAI.Model,
		}, logger))
	}
	if cfg.Voice.Gemini.APIKey != "" {
		live, err := googleai.NewLiveClient(ctx, cfg.Voice.Gemini.APIKey, cfg.Voice.Gemini.Model, logger)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, live.Descriptor())
	}
	return provider.NewRegistry(descriptors...), nil
}

func (d *Dependencies) newTokenStore(ctx context.Context, cfg *config.Config, logger *observability.Logger) (handover.Store, error) {
	switch cfg.TokenStore.Backend {
	case config.TokenStoreRedis:
		client, err := redisClient.NewClient(ctx, cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		if client == nil {
			return nil, fmt.Errorf("redis token store requires redis to be enabled")
		}
		d.Redis = client
		return handover.NewRedisStore(client), nil

	case config.TokenStorePostgres:
		db, err := d.database(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		tokens := handover.NewPostgresStore(db, logger)
		sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		d.stopSweep = cancel
		go tokens.Sweep(sweepCtx, sweepInterval)
		return tokens, nil

	default:
		logger.Warn(ctx, "using in-memory handover token store; tokens are lost on restart")
		return handover.NewMemoryStore(), nil
	}
}

// database connects to PostgreSQL once and shares the pool.
func (d *Dependencies) database(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*store.Store, error) {
	if d.Store != nil {
		return d.Store, nil
	}
	db, err := store.Connect(ctx, cfg.Database.ConnectionString(), logger)
	if err != nil {
		return nil, err
	}
	d.Store = db
	return db, nil
}

func sessionConfig(cfg *config.Config) session.Config {
	voice := cfg.Voice.OpenAI.Voice
	if cfg.Voice.Provider == config.ProviderGemini {
		voice = cfg.Voice.Gemini.Voice
	}
	return session.Config{
		ConnectTimeout:    cfg.Session.ConnectTimeout,
		InactivityTimeout: cfg.Session.InactivityTimeout,
		MaxDuration:       cfg.Session.MaxDuration,
		Provider:          provider.Kind(cfg.Voice.Provider),
		Voice: provider.SessionConfig{
			Instructions:         cfg.Voice.Instructions,
			Voice:                voice,
			Greeting:             cfg.Voice.Greeting,
			TurnDetection:        provider.DefaultTurnDetection(),
			EnableEscalationTool: true,
			Tools:                toolSpecs(cfg),
		},
		Relay: relay.Config{
			InboundQueueSize:  cfg.Session.InboundQueueSize,
			OutboundQueueSize: cfg.Session.OutboundQueueSize,
			SinkDeadline:      cfg.Session.SinkDeadline,
		},
	}
}

func toolSpecs(cfg *config.Config) []provider.ToolSpec {
	if !cfg.Knowledge.Enabled {
		return nil
	}
	return knowledge.Specs()
}

// Shutdown closes live sessions, then flushes queued lifecycle events.
func (d *Dependencies) Shutdown(ctx context.Context) error {
	var firstErr error
	if d.Sessions != nil {
		if err := d.Sessions.Shutdown(ctx); err != nil {
			firstErr = fmt.Errorf("failed to close sessions: %w", err)
		}
	}
	if d.Events != nil {
		if err := d.Events.Drain(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to drain session events: %w", err)
		}
	}
	return firstErr
}

// Cleanup closes all resources that need cleanup
func (d *Dependencies) Cleanup() {
	ctx := context.Background()
	if d.stopSweep != nil {
		d.stopSweep()
	}
	if d.KafkaProducer != nil {
		if err := d.KafkaProducer.Close(); err != nil {
			d.Logger.WarnWithError(ctx, "failed to close kafka producer", err)
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.WarnWithError(ctx, "failed to close redis client", err)
		}
	}
	if d.Store != nil {
		if err := d.Store.Close(); err != nil {
			d.Logger.WarnWithError(ctx, "failed to close database", err)
		}
	}
}
