package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/ec2-manager/pkg/engine"
	"github.com/openfroyo/ec2-manager/pkg/telemetry"
)

// EnvConfigPath names the environment variable holding the default
// configuration path.
const EnvConfigPath = "EC2_MANAGER_CONFIG"

// Format is a configuration document format.
type Format string

// Supported formats. JSON documents are parsed as CUE.
const (
	FormatCUE  Format = "cue"
	FormatYAML Format = "yaml"
)

// ValidationError is a single problem found in a configuration document.
type ValidationError struct {
	File    string
	Line    int
	Column  int
	Path    string
	Message string
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in a document.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, v := range e {
		msgs = append(msgs, v.String())
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// FormatFor picks the format from a file extension.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatCUE
	}
}

// Load reads, defaults and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data, path, FormatFor(path))
}

// Parse decodes a configuration document. filename is used in error
// positions only.
func Parse(data []byte, filename string, format Format) (*Config, error) {
	p := newParser()

	var cfg Config
	var err error
	switch format {
	case FormatYAML:
		err = p.decodeYAML(data, filename, &cfg)
	case FormatCUE:
		err = p.decodeCUE(data, filename, &cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	if err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type parser struct {
	ctx    *cue.Context
	schema cue.Value
}

func newParser() *parser {
	ctx := cuecontext.New()
	return &parser{
		ctx:    ctx,
		schema: ctx.CompileString(configSchema, cue.Filename("schema.cue")).LookupPath(cue.ParsePath("#Config")),
	}
}

func (p *parser) decodeCUE(data []byte, filename string, cfg *Config) error {
	val := p.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return convertCUEErrors(err)
	}

	unified, err := p.check(val)
	if err != nil {
		return err
	}

	if err := unified.Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode config %s: %w", filename, err)
	}
	return nil
}

// decodeYAML checks the document against the schema, then decodes it with
// the yaml tags.
func (p *parser) decodeYAML(data []byte, filename string, cfg *Config) error {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", filename, err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}

	if _, err := p.check(p.ctx.Encode(doc)); err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode config %s: %w", filename, err)
	}
	return nil
}

func (p *parser) check(val cue.Value) (cue.Value, error) {
	if err := p.schema.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile config schema: %w", err)
	}

	unified := p.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return unified, nil
}

func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = "ec2-manager.db"
	}

	if c.Queue.Transport == "" {
		c.Queue.Transport = TransportSQS
	}
	if c.Queue.SQS.WaitTime == 0 {
		c.Queue.SQS.WaitTime = Duration(20 * time.Second)
	}
	if c.Queue.SQS.MaxMessages == 0 {
		c.Queue.SQS.MaxMessages = 10
	}
	if c.Queue.Kafka.GroupID == "" {
		c.Queue.Kafka.GroupID = "ec2-manager"
	}
	if c.Queue.Kafka.RetryInterval == 0 {
		c.Queue.Kafka.RetryInterval = Duration(time.Second)
	}

	if len(c.Provider.BadInputCodes) == 0 {
		c.Provider.BadInputCodes = append([]string(nil), engine.DefaultBadInputCodes...)
	}

	if c.Tags.WorkerTypeTag == "" {
		c.Tags.WorkerTypeTag = engine.DefaultWorkerTypeTag
	}

	if c.Housekeeping.Interval == 0 {
		c.Housekeeping.Interval = Duration(time.Hour)
	}

	t := &c.Telemetry
	if t.Environment == "" {
		t.Environment = "production"
	}
	if t.Logging.Level == "" {
		t.Logging.Level = "info"
	}
	if t.Logging.Format == "" {
		t.Logging.Format = "console"
	}
	if t.Metrics.ListenAddress == "" {
		t.Metrics.ListenAddress = ":9090"
	}
	if t.Metrics.Path == "" {
		t.Metrics.Path = "/metrics"
	}
	if t.Tracing.Exporter == "" {
		t.Tracing.Exporter = "none"
	}
	if t.Tracing.SamplingRate == 0 {
		t.Tracing.SamplingRate = 1.0
	}
}

// Validate checks struct constraints and the transport-specific settings.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if err := validator.New().Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				errs = append(errs, ValidationError{
					Path:    fe.Namespace(),
					Message: fmt.Sprintf("failed on the '%s' rule", fe.Tag()),
				})
			}
		} else {
			return fmt.Errorf("failed to validate config: %w", err)
		}
	}

	switch c.Queue.Transport {
	case TransportSQS:
		if c.Queue.SQS.QueueName == "" {
			errs = append(errs, ValidationError{Path: "queue.sqs.queueName", Message: "required for the sqs transport"})
		}
	case TransportKafka:
		if len(c.Queue.Kafka.Brokers) == 0 {
			errs = append(errs, ValidationError{Path: "queue.kafka.brokers", Message: "required for the kafka transport"})
		}
		if c.Queue.Kafka.Topic == "" {
			errs = append(errs, ValidationError{Path: "queue.kafka.topic", Message: "required for the kafka transport"})
		}
		if c.Queue.Kafka.DeadLetterTopic != "" && c.Queue.Kafka.DeadLetterTopic == c.Queue.Kafka.Topic {
			errs = append(errs, ValidationError{Path: "queue.kafka.deadLetterTopic", Message: "must differ from the event topic"})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// TelemetryConfig builds the telemetry configuration for this process.
func (c *Config) TelemetryConfig(version string) *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.ServiceVersion = version
	tc.Environment = c.Telemetry.Environment

	tc.Logging.Level = c.Telemetry.Logging.Level
	tc.Logging.Format = c.Telemetry.Logging.Format
	if c.Telemetry.Logging.Output != "" {
		tc.Logging.Output = c.Telemetry.Logging.Output
	}

	tc.Metrics.Enabled = !c.Telemetry.Metrics.Disabled
	tc.Metrics.ListenAddress = c.Telemetry.Metrics.ListenAddress
	tc.Metrics.Path = c.Telemetry.Metrics.Path

	tc.Tracing.Exporter = c.Telemetry.Tracing.Exporter
	tc.Tracing.Enabled = c.Telemetry.Tracing.Exporter != "none"
	tc.Tracing.Endpoint = c.Telemetry.Tracing.Endpoint
	tc.Tracing.SamplingRate = c.Telemetry.Tracing.SamplingRate
	tc.Tracing.Insecure = c.Telemetry.Tracing.Insecure

	return tc
}

// DefaultPath returns the configuration path from the environment, or
// fallback.
func DefaultPath(fallback string) string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return fallback
}
