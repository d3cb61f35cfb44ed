package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/ec2-manager/pkg/config"
	"github.com/openfroyo/ec2-manager/pkg/engine"
	"github.com/openfroyo/ec2-manager/pkg/transports/kafka"
	"github.com/openfroyo/ec2-manager/pkg/transports/sqs"
)

func newServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume lifecycle events and run housekeeping",
		Long: `Run the reconciliation service.

This command:
  - Migrates the state store
  - Consumes EC2 lifecycle events from SQS (one queue per region) or Kafka
  - Refreshes EBS usage on the housekeeping interval
  - Serves Prometheus metrics`,
		Example: `  # Run with the default configuration
  ec2-manager serve

  # Run with a specific configuration
  ec2-manager serve --config /etc/ec2-manager/config.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), version)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			return serve(a.context(cmd.Context()), a)
		},
	}

	return cmd
}

func serve(ctx context.Context, a *app) error {
	provider, err := a.provider(ctx)
	if err != nil {
		return err
	}

	listener, err := a.listener(provider)
	if err != nil {
		return err
	}

	if err := a.tel.StartMetricsServer(ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	switch a.cfg.Queue.Transport {
	case config.TransportSQS:
		if err := startSQS(gctx, g, a, listener); err != nil {
			return err
		}
	case config.TransportKafka:
		if err := startKafka(gctx, g, a, listener); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported transport %q", a.cfg.Queue.Transport)
	}

	if !a.cfg.Housekeeping.Disabled {
		housekeeper := engine.NewHousekeeper(a.store, provider, a.cfg.Regions, a.logger, a.tel.Metrics)
		g.Go(func() error {
			housekeeper.Run(gctx, a.cfg.Housekeeping.Interval.Std())
			return nil
		})
	}

	a.logger.Info().
		Str("transport", a.cfg.Queue.Transport).
		Strs("regions", a.cfg.Regions).
		Msg("ec2-manager serving")

	return g.Wait()
}

func startSQS(ctx context.Context, g *errgroup.Group, a *app, listener *engine.Listener) error {
	q := a.cfg.Queue.SQS

	clients, err := sqs.NewClients(ctx, a.cfg.Regions, q.Endpoint)
	if err != nil {
		return err
	}

	for _, region := range a.cfg.Regions {
		consumer, err := sqs.NewConsumer(sqs.ConsumerConfig{
			Client:      clients[region],
			Region:      region,
			QueueName:   q.QueueName,
			MaxMessages: q.MaxMessages,
			WaitTime:    q.WaitTime.Std(),
			Handler:     listener.Handle,
			Logger:      a.logger,
			Metrics:     a.tel.Metrics,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return consumer.Run(ctx) })
	}
	return nil
}

func startKafka(ctx context.Context, g *errgroup.Group, a *app, listener *engine.Listener) error {
	k := a.cfg.Queue.Kafka

	cfg := kafka.ConsumerConfig{
		Reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: k.Brokers,
			Topic:   k.Topic,
			GroupID: k.GroupID,
		}),
		RetryInterval: k.RetryInterval.Std(),
		Handler:       listener.Handle,
		Logger:        a.logger,
		Metrics:       a.tel.Metrics,
	}
	if k.DeadLetterTopic != "" {
		cfg.DeadLetter = kafka.NewWriter(k.Brokers, k.DeadLetterTopic)
	}

	consumer, err := kafka.NewConsumer(cfg)
	if err != nil {
		return err
	}

	g.Go(func() error {
		defer consumer.Close()
		return consumer.Run(ctx)
	})
	return nil
}
