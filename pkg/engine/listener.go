package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/ec2-manager/pkg/stores"
	"github.com/openfroyo/ec2-manager/pkg/telemetry"
)

// Event outcomes reported by the Listener.
const (
	EventApplied           = "applied"
	EventStale             = "stale"
	EventRecovered         = "recovered"
	EventTerminated        = "terminated"
	EventDuplicateTerminal = "duplicate-terminal"
	EventMalformed         = "malformed"
)

// StateChangeEvent is an "EC2 Instance State-change Notification".
type StateChangeEvent struct {
	ID         string           `json:"id"`
	DetailType string           `json:"detail-type"`
	Source     string           `json:"source"`
	Account    string           `json:"account"`
	Time       time.Time        `json:"time" validate:"required"`
	Region     string           `json:"region" validate:"required"`
	Resources  []string         `json:"resources"`
	Detail     StateChangeEntry `json:"detail"`
}

// StateChangeEntry is the detail block of a state change notification.
type StateChangeEntry struct {
	InstanceID string `json:"instance-id" validate:"required"`
	State      string `json:"state" validate:"required,oneof=pending running shutting-down stopping stopped terminated"`
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	// Store is required.
	Store EventStore

	// Provider is used to recover details of instances first seen through
	// an event. Optional.
	Provider Provider

	// Tagger recovers the worker type from provider tags.
	Tagger DefaultTagger

	// Regions limits accepted events to the configured regions. Empty
	// accepts every region.
	Regions []string

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// Listener reconciles instance lifecycle notifications into the state
// store. Notifications may arrive duplicated and out of order; every state
// transition is a single conditional statement in the store.
type Listener struct {
	store    EventStore
	provider Provider
	tagger   DefaultTagger
	regions  map[string]struct{}
	validate *validator.Validate
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
}

// NewListener creates a new lifecycle event listener.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("listener requires a store")
	}

	regions := make(map[string]struct{}, len(cfg.Regions))
	for _, r := range cfg.Regions {
		regions[r] = struct{}{}
	}

	return &Listener{
		store:    cfg.Store,
		provider: cfg.Provider,
		tagger:   cfg.Tagger,
		regions:  regions,
		validate: validator.New(),
		logger:   cfg.Logger.With().Str("component", "listener").Logger(),
		metrics:  cfg.Metrics,
	}, nil
}

// Handle processes one raw notification. A nil return means the message
// may be acknowledged.
func (l *Listener) Handle(ctx context.Context, payload []byte) error {
	_, err := l.Process(ctx, payload)
	return err
}

// Process processes one raw notification and reports its outcome.
func (l *Listener) Process(ctx context.Context, payload []byte) (string, error) {
	event, err := l.parse(payload)
	if err != nil {
		l.metrics.RecordEvent("", EventMalformed)
		l.logger.Warn().Err(err).Msg("Rejected malformed state change notification")
		return EventMalformed, err
	}

	ctx, end := telemetry.StartEvent(ctx, event.Region, event.Detail.InstanceID, event.Detail.State)
	outcome, err := l.apply(ctx, event)
	end(err)
	if err != nil {
		return outcome, err
	}

	l.metrics.RecordEvent(event.Region, outcome)
	l.logger.Debug().
		Str("region", event.Region).
		Str("instance_id", event.Detail.InstanceID).
		Str("state", event.Detail.State).
		Str("outcome", outcome).
		Msg("Processed state change notification")

	return outcome, nil
}

func (l *Listener) parse(payload []byte) (*StateChangeEvent, error) {
	var event StateChangeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, NewMalformedEventError("failed to parse notification", err)
	}

	if err := l.validate.Struct(&event); err != nil {
		return nil, NewMalformedEventError("invalid notification", err).
			WithCode(ErrCodeValidation)
	}

	if len(l.regions) > 0 {
		if _, ok := l.regions[event.Region]; !ok {
			return nil, NewMalformedEventError(
				fmt.Sprintf("notification for unconfigured region %s", event.Region), nil,
			).WithCode(ErrCodeUnknownRegion)
		}
	}

	return &event, nil
}

func (l *Listener) apply(ctx context.Context, event *StateChangeEvent) (string, error) {
	region := event.Region
	id := event.Detail.InstanceID
	state := event.Detail.State
	at := event.Time.UTC()

	if state == stores.StateTerminated {
		removed, err := l.store.RemoveInstance(ctx, region, id, stores.ReasonTerminatedEvent, at)
		if err != nil {
			return "", fmt.Errorf("failed to remove instance %s: %w", id, err)
		}
		if !removed {
			return EventDuplicateTerminal, nil
		}
		l.metrics.RecordTermination(region, stores.ReasonTerminatedEvent, 1)
		return EventTerminated, nil
	}

	applied, err := l.store.ApplyInstanceEvent(ctx, region, id, state, at)
	if err != nil {
		return "", fmt.Errorf("failed to apply event to instance %s: %w", id, err)
	}
	if applied {
		return EventApplied, nil
	}

	exists, err := l.store.InstanceExists(ctx, region, id)
	if err != nil {
		return "", fmt.Errorf("failed to look up instance %s: %w", id, err)
	}
	if exists {
		return EventStale, nil
	}

	return l.recover(ctx, event)
}

// recover inserts an instance first seen through a notification. Provider
// details are best-effort; a terminated description is not inserted.
func (l *Listener) recover(ctx context.Context, event *StateChangeEvent) (string, error) {
	region := event.Region
	id := event.Detail.InstanceID
	at := event.Time.UTC()

	instance := &stores.Instance{
		Region:      region,
		ID:          id,
		WorkerType:  UnknownWorkerType,
		State:       event.Detail.State,
		LaunchedAt:  at,
		LastEventAt: at,
	}

	if l.provider != nil {
		var described *ProviderInstance
		err := telemetry.RecordProviderOperation(ctx, "ec2", "DescribeInstances", func(ctx context.Context) error {
			var err error
			described, err = l.provider.DescribeInstance(ctx, region, id)
			return err
		})
		switch {
		case err != nil:
			l.metrics.RecordBestEffortFailure("describe-instance")
			l.logger.Warn().Err(err).
				Str("region", region).
				Str("instance_id", id).
				Msg("Failed to describe instance, recording with defaults")
		case described.State == stores.StateTerminated:
			return EventStale, nil
		default:
			if wt := l.tagger.WorkerTypeFromTags(described.Tags); wt != "" {
				instance.WorkerType = wt
			}
			instance.InstanceType = described.InstanceType
			instance.AvailabilityZone = described.AvailabilityZone
			instance.ImageID = described.ImageID
			if described.SpotRequestID != "" {
				srid := described.SpotRequestID
				instance.SpotRequestID = &srid
			}
			if !described.LaunchTime.IsZero() {
				instance.LaunchedAt = described.LaunchTime.UTC()
			}
		}
	}

	inserted, err := l.store.InsertInstanceFromEvent(ctx, instance)
	if err != nil {
		return "", fmt.Errorf("failed to insert instance %s: %w", id, err)
	}
	if !inserted {
		return EventStale, nil
	}

	l.logger.Info().
		Str("region", region).
		Str("instance_id", id).
		Str("worker_type", instance.WorkerType).
		Msg("Recorded untracked instance from notification")

	return EventRecovered, nil
}
