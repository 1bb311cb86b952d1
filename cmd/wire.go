package main

import (
	"context"
	"fmt"
	"log/slog"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"message-aggregator/handler"
	"message-aggregator/internal/config"
	"message-aggregator/internal/directory"
	"message-aggregator/internal/integrations/paramstore"
	"message-aggregator/internal/integrations/webhook"
	"message-aggregator/internal/keystore"
	"message-aggregator/internal/logging"
	"message-aggregator/internal/metrics"
	"message-aggregator/internal/usecase"
)

// app holds every wired component. Only the fields a command needs are used.
type app struct {
	cfg       config.Config
	log       *slog.Logger
	metrics   *metrics.Recorder
	store     keystore.Store
	directory directory.Directory
	engine    *usecase.Engine
	media     *usecase.MediaService
	sweeper   *usecase.Sweeper
	handler   *handler.Handler
}

func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logging.New(cfg.LogLevel), nil
}

// newDirectory builds only the webhook directory, for commands that do not
// touch the state store.
func newDirectory(ctx context.Context, cfg config.Config) (directory.Directory, error) {
	if cfg.DirectoryBackend == config.BackendFile {
		return directory.NewFile(cfg.WebhooksPath)
	}
	params, err := newParamStore(ctx)
	if err != nil {
		return nil, err
	}
	return directory.NewSSM(params, cfg.ParamPrefix)
}

func newParamStore(ctx context.Context) (*paramstore.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("create SSM client: %w", err)
	}
	return params, nil
}

func newStore(ctx context.Context, cfg config.Config) (keystore.Store, error) {
	if cfg.StoreBackend == config.BackendMemory {
		return keystore.NewMemory(), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return keystore.NewDynamo(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
}

func newApp(ctx context.Context) (*app, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, metrics: metrics.NewRecorder()}

	if a.store, err = newStore(ctx, cfg); err != nil {
		return nil, fmt.Errorf("create state store: %w", err)
	}
	if a.directory, err = newDirectory(ctx, cfg); err != nil {
		return nil, fmt.Errorf("create webhook directory: %w", err)
	}

	dispatchOpts := []webhook.Option{
		webhook.WithTimeout(cfg.DispatchTimeout),
		webhook.WithMaxAttempts(int(cfg.DispatchMaxAttempts)),
	}
	if cfg.SigningSecretParam != "" {
		params, err := newParamStore(ctx)
		if err != nil {
			return nil, err
		}
		secret, err := webhook.LoadSigningSecret(ctx, params, cfg.SigningSecretParam)
		if err != nil {
			return nil, err
		}
		dispatchOpts = append(dispatchOpts, webhook.WithSigningSecret(secret))
	}
	dispatcher := webhook.NewClient(dispatchOpts...)
	a.engine, err = usecase.NewEngine(a.store, a.directory, dispatcher, log, usecase.EngineConfig{
		Window:   cfg.AggregationWindow(),
		LockTTL:  cfg.LockTTL,
		LockWait: cfg.LockWait,
	}, usecase.WithMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	a.media, err = usecase.NewMediaService(a.store, log, usecase.MediaConfig{
		TTL:      cfg.MediaTTL(),
		MaxBytes: cfg.MediaMaxBytes,
	}, usecase.WithMediaMetrics(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("create media service: %w", err)
	}
	a.sweeper, err = usecase.NewSweeper(a.engine, log, usecase.SweepConfig{
		Grace:       cfg.SweepGrace,
		Concurrency: cfg.SweepConcurrency,
		Rate:        cfg.SweepRate,
	})
	if err != nil {
		return nil, fmt.Errorf("create sweeper: %w", err)
	}
	a.handler, err = handler.NewHandler(a.engine, a.media, a.directory,
		handler.WithSweeper(a.sweeper),
		handler.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("create handler: %w", err)
	}
	return a, nil
}
