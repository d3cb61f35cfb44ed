package stores

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateKey is returned when an insert collides with an existing key.
	// Callers that retry inserts treat it as idempotent success.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNotFound is returned when a single-row lookup matches nothing.
	ErrNotFound = errors.New("not found")
)

// Lifecycle states reported by the provider for an instance.
const (
	StatePending      = "pending"
	StateRunning      = "running"
	StateShuttingDown = "shutting-down"
	StateStopping     = "stopping"
	StateStopped      = "stopped"
	StateTerminated   = "terminated"
)

// Spot request states used for capacity bucketing.
const (
	SpotStateOpen = "open"
)

// Termination reasons recorded on removal.
const (
	ReasonTerminatedEvent = "terminated-event"
	ReasonTerminatedByAPI = "terminated-by-api"
)

// UnknownWorkerType is recorded when the worker type of an instance could
// not be recovered.
const UnknownWorkerType = "unknown"

// Instance is a tracked compute instance. (Region, ID) is unique.
type Instance struct {
	Region           string    `json:"region"`
	ID               string    `json:"id"`
	WorkerType       string    `json:"workerType"`
	InstanceType     string    `json:"instanceType"`
	AvailabilityZone string    `json:"az"`
	ImageID          string    `json:"imageId"`
	State            string    `json:"state"`
	SpotRequestID    *string   `json:"srid,omitempty"`
	LaunchedAt       time.Time `json:"launched"`
	LastEventAt      time.Time `json:"lastEvent"`
}

// SpotRequest is a tracked spot instance request. (Region, ID) is unique.
type SpotRequest struct {
	Region           string    `json:"region"`
	ID               string    `json:"id"`
	WorkerType       string    `json:"workerType"`
	InstanceType     string    `json:"instanceType"`
	AvailabilityZone string    `json:"az"`
	ImageID          string    `json:"imageId"`
	State            string    `json:"state"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created"`
}

// Termination is the immutable record left behind when an instance row is removed.
type Termination struct {
	Region           string    `json:"region"`
	ID               string    `json:"id"`
	WorkerType       string    `json:"workerType"`
	InstanceType     string    `json:"instanceType"`
	AvailabilityZone string    `json:"az"`
	ImageID          string    `json:"imageId"`
	Reason           string    `json:"reason"`
	LaunchedAt       time.Time `json:"launched"`
	LastEventAt      time.Time `json:"lastEvent"`
	TerminatedAt     time.Time `json:"terminated"`
}

// AmiUsage tracks the last time an image was used in a region.
type AmiUsage struct {
	Region     string    `json:"region"`
	ImageID    string    `json:"id"`
	LastUsedAt time.Time `json:"lastused"`
}

// EbsUsage holds aggregated volume counters for a (region, volume type, state).
type EbsUsage struct {
	Region     string    `json:"region"`
	VolumeType string    `json:"volumetype"`
	State      string    `json:"state"`
	TotalCount int64     `json:"totalcount"`
	TotalGB    int64     `json:"totalgb"`
	TouchedAt  time.Time `json:"touched"`
}

// ErrorRecord is an append-only record of a provider failure. Message is
// stored unredacted; redaction happens at the outer boundary.
type ErrorRecord struct {
	ID               int64     `json:"id"`
	WorkerType       string    `json:"workerType,omitempty"`
	Region           string    `json:"region,omitempty"`
	AvailabilityZone string    `json:"az,omitempty"`
	InstanceType     string    `json:"instanceType,omitempty"`
	Code             string    `json:"code"`
	Message          string    `json:"message"`
	Time             time.Time `json:"time"`
}

// InstanceFilter narrows instance listings. Empty fields match anything.
type InstanceFilter struct {
	WorkerType string
	Region     string
	ID         string
	State      string
}

// SpotRequestFilter narrows spot request listings. Empty fields match anything.
type SpotRequestFilter struct {
	WorkerType string
	Region     string
	ID         string
	State      string
}

// TerminationFilter narrows termination listings. Empty fields match anything.
type TerminationFilter struct {
	WorkerType string
	Region     string
	ID         string
}

// Resource kinds reported in capacity counts.
const (
	CountTypeInstance    = "instance"
	CountTypeSpotRequest = "spot-request"
)

// CapacityCount is one bucket entry of InstanceCounts.
type CapacityCount struct {
	Type         string `json:"type"`
	InstanceType string `json:"instanceType"`
	Count        int    `json:"count"`
}

// InstanceCounts groups capacity by lifecycle phase.
type InstanceCounts struct {
	Pending []CapacityCount `json:"pending"`
	Running []CapacityCount `json:"running"`
}

// RunningHealth counts running instances for a placement.
type RunningHealth struct {
	Region           string `json:"region"`
	AvailabilityZone string `json:"az"`
	InstanceType     string `json:"instanceType"`
	Running          int    `json:"running"`
}

// TerminationHealth counts terminations for a placement and reason.
type TerminationHealth struct {
	Region       string `json:"region"`
	InstanceType string `json:"instanceType"`
	Reason       string `json:"reason"`
	Count        int    `json:"count"`
}

// ErrorHealth counts recorded errors by region and code.
type ErrorHealth struct {
	Region string `json:"region"`
	Code   string `json:"code"`
	Count  int    `json:"count"`
}

// Health summarises the account (or one worker type) since a point in time.
type Health struct {
	Since        time.Time           `json:"since"`
	Running      []RunningHealth     `json:"running"`
	Terminations []TerminationHealth `json:"terminationHealth"`
	Errors       []ErrorHealth       `json:"requestHealth"`
}

// Store defines the persistence contract of the state store. Every mutating
// method is a single atomic unit.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Instance operations
	InsertInstance(ctx context.Context, instance *Instance) error
	UpsertInstance(ctx context.Context, instance *Instance) (bool, error)
	ApplyInstanceEvent(ctx context.Context, region, id, state string, at time.Time) (bool, error)
	InsertInstanceFromEvent(ctx context.Context, instance *Instance) (bool, error)
	RemoveInstance(ctx context.Context, region, id, reason string, at time.Time) (bool, error)
	InstanceExists(ctx context.Context, region, id string) (bool, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error)
	ListTerminations(ctx context.Context, filter TerminationFilter) ([]*Termination, error)

	// Spot request operations
	InsertSpotRequest(ctx context.Context, request *SpotRequest) error
	RemoveSpotRequest(ctx context.Context, region, id string) (bool, error)
	ListSpotRequests(ctx context.Context, filter SpotRequestFilter) ([]*SpotRequest, error)

	// Capacity views
	InstanceCounts(ctx context.Context, workerType string) (*InstanceCounts, error)
	ListWorkerTypes(ctx context.Context) ([]string, error)

	// Usage accounting
	ReportAmiUsage(ctx context.Context, region, imageID string, at time.Time) error
	ListAmiUsage(ctx context.Context) ([]*AmiUsage, error)
	ReportEbsUsage(ctx context.Context, region string, usage []EbsUsage, at time.Time) error
	ListEbsUsage(ctx context.Context) ([]*EbsUsage, error)

	// Errors and health
	RecordError(ctx context.Context, record *ErrorRecord) error
	GetRecentErrors(ctx context.Context, workerType string, limit int) ([]*ErrorRecord, error)
	GetHealth(ctx context.Context, workerType string, since time.Time) (*Health, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
