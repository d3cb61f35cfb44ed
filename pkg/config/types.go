package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the ec2-manager configuration document.
type Config struct {
	// Regions are the provider regions under management.
	Regions []string `json:"regions" yaml:"regions" validate:"required,min=1,unique,dive,required"`

	// Store configures the SQLite state store.
	Store StoreConfig `json:"store" yaml:"store"`

	// Queue selects and configures the lifecycle event transport.
	Queue QueueConfig `json:"queue" yaml:"queue"`

	// Provider configures the EC2 client.
	Provider ProviderConfig `json:"provider" yaml:"provider"`

	// Tags configures the tags applied to launched resources.
	Tags TagsConfig `json:"tags" yaml:"tags"`

	// Policy configures launch-spec validation.
	Policy PolicyConfig `json:"policy" yaml:"policy"`

	// Termination configures group termination.
	Termination TerminationConfig `json:"termination" yaml:"termination"`

	// Housekeeping configures periodic usage reporting.
	Housekeeping HousekeepingConfig `json:"housekeeping" yaml:"housekeeping"`

	// Telemetry configures logging, metrics and tracing.
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// StoreConfig configures the state store.
type StoreConfig struct {
	Path            string   `json:"path" yaml:"path" validate:"required"`
	MaxOpenConns    int      `json:"maxOpenConns" yaml:"maxOpenConns" validate:"gte=0"`
	MaxIdleConns    int      `json:"maxIdleConns" yaml:"maxIdleConns" validate:"gte=0"`
	ConnMaxLifetime Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
}

// Transport names.
const (
	TransportSQS   = "sqs"
	TransportKafka = "kafka"
)

// QueueConfig configures the event transport.
type QueueConfig struct {
	Transport string      `json:"transport" yaml:"transport" validate:"required,oneof=sqs kafka"`
	SQS       SQSConfig   `json:"sqs" yaml:"sqs"`
	Kafka     KafkaConfig `json:"kafka" yaml:"kafka"`
}

// SQSConfig configures the per-region SQS consumers.
type SQSConfig struct {
	// QueueName is resolved in every managed region.
	QueueName   string   `json:"queueName" yaml:"queueName"`
	Endpoint    string   `json:"endpoint" yaml:"endpoint" validate:"omitempty,url"`
	WaitTime    Duration `json:"waitTime" yaml:"waitTime"`
	MaxMessages int32    `json:"maxMessages" yaml:"maxMessages" validate:"gte=0,lte=10"`
}

// KafkaConfig configures the Kafka consumer.
type KafkaConfig struct {
	Brokers         []string `json:"brokers" yaml:"brokers" validate:"dive,hostname_port"`
	Topic           string   `json:"topic" yaml:"topic"`
	GroupID         string   `json:"groupId" yaml:"groupId"`
	DeadLetterTopic string   `json:"deadLetterTopic" yaml:"deadLetterTopic"`
	RetryInterval   Duration `json:"retryInterval" yaml:"retryInterval"`
}

// ProviderConfig configures the EC2 client.
type ProviderConfig struct {
	// Endpoint overrides the EC2 endpoint.
	Endpoint string `json:"endpoint" yaml:"endpoint" validate:"omitempty,url"`

	// BadInputCodes are provider error codes reported as caller-input
	// problems.
	BadInputCodes []string `json:"badInputCodes" yaml:"badInputCodes" validate:"dive,required"`
}

// TagsConfig configures the default tagger.
type TagsConfig struct {
	Owner         string `json:"owner" yaml:"owner"`
	Prefix        string `json:"prefix" yaml:"prefix"`
	WorkerTypeTag string `json:"workerTypeTag" yaml:"workerTypeTag" validate:"required"`
}

// PolicyConfig configures the launch-spec policy engine.
type PolicyConfig struct {
	Paths                []string `json:"paths" yaml:"paths"`
	AllowedInstanceTypes []string `json:"allowedInstanceTypes" yaml:"allowedInstanceTypes"`
}

// TerminationConfig configures group termination.
type TerminationConfig struct {
	// MaxParallel bounds concurrent regions; zero means all at once.
	MaxParallel int `json:"maxParallel" yaml:"maxParallel" validate:"gte=0"`
}

// HousekeepingConfig configures periodic usage reporting.
type HousekeepingConfig struct {
	Disabled bool     `json:"disabled" yaml:"disabled"`
	Interval Duration `json:"interval" yaml:"interval"`
}

// TelemetryConfig is the configurable subset of telemetry.Config.
type TelemetryConfig struct {
	Environment string        `json:"environment" yaml:"environment"`
	Logging     LoggingConfig `json:"logging" yaml:"logging"`
	Metrics     MetricsConfig `json:"metrics" yaml:"metrics"`
	Tracing     TracingConfig `json:"tracing" yaml:"tracing"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `json:"format" yaml:"format" validate:"oneof=console json"`
	Output string `json:"output" yaml:"output"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	Disabled      bool   `json:"disabled" yaml:"disabled"`
	ListenAddress string `json:"listenAddress" yaml:"listenAddress"`
	Path          string `json:"path" yaml:"path" validate:"startswith=/"`
}

// TracingConfig configures trace export.
type TracingConfig struct {
	Exporter     string  `json:"exporter" yaml:"exporter" validate:"oneof=otlp stdout none"`
	Endpoint     string  `json:"endpoint" yaml:"endpoint"`
	SamplingRate float64 `json:"samplingRate" yaml:"samplingRate" validate:"gte=0,lte=1"`
	Insecure     bool    `json:"insecure" yaml:"insecure"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return d.set(v)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v interface{}
	if err := node.Decode(&v); err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v interface{}) error {
	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(value))
	case int:
		*d = Duration(time.Duration(value))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}
