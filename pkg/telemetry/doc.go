// Package telemetry provides observability instrumentation for ec2-manager.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry) and metrics (Prometheus).
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//	_ = tel.StartMetricsServer(ctx)
//
// # Provider calls
//
// Every call to the cloud provider goes through RecordProviderOperation,
// which opens a span and records call count, latency and errors when a
// Telemetry value is present in the context:
//
//	err := telemetry.RecordProviderOperation(ctx, "ec2", "RunInstances", func(ctx context.Context) error {
//	    out, err = client.RunInstances(ctx, input)
//	    return err
//	})
//
// # Metrics
//
// A nil or disabled *Metrics is safe to use; every recorder is a no-op in
// that case so components can be constructed without metrics in tests.
//
// Exported series (namespace ec2_manager):
//
//   - instance_requests_total{region,instance_type,worker_type,kind,outcome}
//   - lifecycle_events_total{region,outcome}
//   - terminations_total{region,reason}
//   - provider_calls_total, provider_call_duration_seconds, provider_errors_total
//   - best_effort_failures_total{operation}
//   - queue_messages_total{transport,outcome}
//   - ebs_volumes, ebs_volume_gigabytes{region,volume_type,state}
package telemetry
