package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/openfroyo/ec2-manager/pkg/config"
	"github.com/openfroyo/ec2-manager/pkg/engine"
	"github.com/openfroyo/ec2-manager/pkg/policy"
	"github.com/openfroyo/ec2-manager/pkg/providers/aws"
	"github.com/openfroyo/ec2-manager/pkg/stores"
	"github.com/openfroyo/ec2-manager/pkg/telemetry"
)

// app holds the components shared by every command.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger zerolog.Logger
	store  *stores.SQLiteStore
}

// newApp loads the configuration, sets up telemetry and opens the migrated
// store.
func newApp(ctx context.Context, version string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	tc := cfg.TelemetryConfig(version)
	if verbose {
		tc.Logging.Level = "debug"
	}
	tel, err := telemetry.NewTelemetry(tc)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.Store.Path,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime.Std(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}

	logger.Debug().
		Str("config", configPath).
		Str("store", cfg.Store.Path).
		Strs("regions", cfg.Regions).
		Msg("Application initialized")

	return &app{cfg: cfg, tel: tel, logger: logger, store: store}, nil
}

// Close releases the store and flushes telemetry.
func (a *app) Close(ctx context.Context) {
	if err := a.store.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to close store")
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

// context attaches telemetry so provider calls are traced and timed.
func (a *app) context(ctx context.Context) context.Context {
	return a.tel.WithContext(ctx)
}

func (a *app) provider(ctx context.Context) (*aws.Provider, error) {
	return aws.NewProvider(ctx, aws.Config{
		Regions:  a.cfg.Regions,
		Endpoint: a.cfg.Provider.Endpoint,
	}, a.logger)
}

func (a *app) tagger() engine.DefaultTagger {
	return engine.DefaultTagger{
		Owner:         a.cfg.Tags.Owner,
		Prefix:        a.cfg.Tags.Prefix,
		WorkerTypeTag: a.cfg.Tags.WorkerTypeTag,
	}
}

func (a *app) policyEngine(ctx context.Context) (*policy.Engine, error) {
	eng, err := policy.NewEngine(a.logger, policy.Options{
		Regions:              a.cfg.Regions,
		AllowedInstanceTypes: a.cfg.Policy.AllowedInstanceTypes,
	})
	if err != nil {
		return nil, err
	}

	if len(a.cfg.Policy.Paths) > 0 {
		if err := eng.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
			return nil, err
		}
	}
	return eng, nil
}

func (a *app) provisioner(ctx context.Context) (*engine.Provisioner, error) {
	provider, err := a.provider(ctx)
	if err != nil {
		return nil, err
	}
	validator, err := a.policyEngine(ctx)
	if err != nil {
		return nil, err
	}

	return engine.NewProvisioner(engine.ProvisionerConfig{
		Store:      a.store,
		Provider:   provider,
		Validator:  validator,
		Tagger:     a.tagger(),
		Classifier: engine.NewErrorClassifier(a.cfg.Provider.BadInputCodes),
		Regions:    a.cfg.Regions,
		Logger:     a.logger,
		Metrics:    a.tel.Metrics,
	})
}

func (a *app) terminator(ctx context.Context) (*engine.Terminator, error) {
	provider, err := a.provider(ctx)
	if err != nil {
		return nil, err
	}

	return engine.NewTerminator(engine.TerminatorConfig{
		Store:       a.store,
		Provider:    provider,
		Regions:     a.cfg.Regions,
		MaxParallel: a.cfg.Termination.MaxParallel,
		Logger:      a.logger,
		Metrics:     a.tel.Metrics,
	})
}

func (a *app) listener(provider engine.Provider) (*engine.Listener, error) {
	return engine.NewListener(engine.ListenerConfig{
		Store:    a.store,
		Provider: provider,
		Tagger:   a.tagger(),
		Regions:  a.cfg.Regions,
		Logger:   a.logger,
		Metrics:  a.tel.Metrics,
	})
}

func (a *app) keyPairs(ctx context.Context) (*engine.KeyPairManager, error) {
	provider, err := a.provider(ctx)
	if err != nil {
		return nil, err
	}
	return engine.NewKeyPairManager(provider, engine.NewMemoryKeyPairCache(), a.cfg.Regions, a.logger), nil
}
