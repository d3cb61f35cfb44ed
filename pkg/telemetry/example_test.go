package telemetry_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/ec2-manager/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"
	cfg.Metrics.Enabled = false

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	logger := telemetry.FromContext(ctx).NewComponentLogger("listener").WithRegion("us-east-1")
	logger.Info("Consumer started")

	// Output can vary, so we don't specify output for this example
}

// Example_providerInstrumentation demonstrates wrapping a provider call.
func Example_providerInstrumentation() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	err := telemetry.RecordProviderOperation(ctx, "ec2", "TerminateInstances", func(ctx context.Context) error {
		return errors.New("UnauthorizedOperation")
	})
	fmt.Println(err)
	// Output: UnauthorizedOperation
}

// Example_nilMetrics shows that components can run without metrics.
func Example_nilMetrics() {
	var m *telemetry.Metrics
	m.RecordInstanceRequest("us-east-1", "m5.large", "builder", "spot", "success")
	m.RecordEvent("us-east-1", "applied")
	fmt.Println("ok")
	// Output: ok
}
