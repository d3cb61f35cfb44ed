package engine

import (
	"context"
	"time"

	"github.com/openfroyo/ec2-manager/pkg/stores"
)

// Provider is the cloud provider client. Every method targets one region
// and performs one remote operation; no method retries.
type Provider interface {
	// RunInstance launches instances as described by in.
	RunInstance(ctx context.Context, region string, in RunInstanceInput) (*ProviderInstance, error)

	// RequestSpotInstance places a one-time spot request.
	RequestSpotInstance(ctx context.Context, region string, in SpotRequestInput) (*ProviderSpotRequest, error)

	// CreateTags tags the given resources.
	CreateTags(ctx context.Context, region string, resourceIDs []string, tags []Tag) error

	// TerminateInstances terminates the given instances.
	TerminateInstances(ctx context.Context, region string, ids []string) ([]InstanceStateChange, error)

	// CancelSpotRequests cancels the given spot requests.
	CancelSpotRequests(ctx context.Context, region string, ids []string) ([]SpotRequestStateChange, error)

	// DescribeInstance returns one instance, including its tags.
	DescribeInstance(ctx context.Context, region, id string) (*ProviderInstance, error)

	// DescribeVolumes returns every volume in the region.
	DescribeVolumes(ctx context.Context, region string) ([]Volume, error)

	// KeyPairExists reports whether a key pair with the name exists.
	KeyPairExists(ctx context.Context, region, name string) (bool, error)

	// ImportKeyPair imports an OpenSSH public key under the name.
	ImportKeyPair(ctx context.Context, region, name, publicKey string) error

	// DeleteKeyPair deletes the named key pair.
	DeleteKeyPair(ctx context.Context, region, name string) error
}

// LaunchSpecValidator decides whether a launch specification is acceptable
// for a region.
type LaunchSpecValidator interface {
	Check(ctx context.Context, spec LaunchSpec, region string) (bool, error)
}

// Tagger generates the resource tags for a worker type.
type Tagger interface {
	Generate(workerType string) []Tag
}

// Authorizer answers scope checks for the current caller.
type Authorizer interface {
	Satisfies(scope string) bool
}

// EventStore is the part of the state store used by the Listener.
type EventStore interface {
	ApplyInstanceEvent(ctx context.Context, region, id, state string, at time.Time) (bool, error)
	InsertInstanceFromEvent(ctx context.Context, instance *stores.Instance) (bool, error)
	RemoveInstance(ctx context.Context, region, id, reason string, at time.Time) (bool, error)
	InstanceExists(ctx context.Context, region, id string) (bool, error)
}

// ProvisioningStore is the part of the state store used by the Provisioner.
type ProvisioningStore interface {
	UpsertInstance(ctx context.Context, instance *stores.Instance) (bool, error)
	InsertSpotRequest(ctx context.Context, request *stores.SpotRequest) error
	ReportAmiUsage(ctx context.Context, region, imageID string, at time.Time) error
	RecordError(ctx context.Context, record *stores.ErrorRecord) error
}

// TerminationStore is the part of the state store used by the Terminator.
type TerminationStore interface {
	ListInstances(ctx context.Context, filter stores.InstanceFilter) ([]*stores.Instance, error)
	ListSpotRequests(ctx context.Context, filter stores.SpotRequestFilter) ([]*stores.SpotRequest, error)
	RemoveInstance(ctx context.Context, region, id, reason string, at time.Time) (bool, error)
	RemoveSpotRequest(ctx context.Context, region, id string) (bool, error)
}

// UsageStore is the part of the state store used by the Housekeeper.
type UsageStore interface {
	ReportEbsUsage(ctx context.Context, region string, usage []stores.EbsUsage, at time.Time) error
}
