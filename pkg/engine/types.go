package engine

import (
	"time"

	"github.com/openfroyo/ec2-manager/pkg/stores"
)

// Request kinds used for accounting.
const (
	KindOnDemand = "on-demand"
	KindSpot     = "spot"
)

// Request outcomes used for accounting.
const (
	OutcomeSuccess      = "success"
	OutcomeInvalidInput = "invalid-input"
	OutcomeError        = "error"
)

// UnknownWorkerType is recorded for instances first seen through a
// lifecycle event whose worker type could not be recovered.
const UnknownWorkerType = stores.UnknownWorkerType

// Tag is a provider resource tag.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// BlockDevice describes one EBS volume attached at launch.
type BlockDevice struct {
	// DeviceName is the device the volume is exposed as (e.g. /dev/xvda).
	DeviceName string `json:"deviceName" validate:"required"`

	// VolumeSize is the volume size in GiB.
	VolumeSize int32 `json:"volumeSize" validate:"gte=0"`

	// VolumeType is the EBS volume type (gp3, io1, ...).
	VolumeType string `json:"volumeType,omitempty"`

	// DeleteOnTermination controls whether the volume outlives the instance.
	DeleteOnTermination *bool `json:"deleteOnTermination,omitempty"`
}

// LaunchSpec is the provider-agnostic part of an instance launch.
type LaunchSpec struct {
	// ImageID is the machine image to launch.
	ImageID string `json:"imageId" validate:"required"`

	// InstanceType is the provider instance type.
	InstanceType string `json:"instanceType" validate:"required"`

	// KeyName is the key pair to install, if any.
	KeyName string `json:"keyName,omitempty"`

	// SecurityGroups are security group names.
	SecurityGroups []string `json:"securityGroups,omitempty"`

	// SecurityGroupIDs are security group ids.
	SecurityGroupIDs []string `json:"securityGroupIds,omitempty"`

	// SubnetID places the instance in a subnet.
	SubnetID string `json:"subnetId,omitempty"`

	// AvailabilityZone pins the placement.
	AvailabilityZone string `json:"availabilityZone,omitempty"`

	// UserData is base64-encoded user data.
	UserData string `json:"userData,omitempty"`

	// IamInstanceProfile is an instance profile ARN or name.
	IamInstanceProfile string `json:"iamInstanceProfile,omitempty"`

	// BlockDeviceMappings are the volumes attached at launch.
	BlockDeviceMappings []BlockDevice `json:"blockDeviceMappings,omitempty" validate:"dive"`
}

// RunInstanceRequest asks the Provisioner to launch exactly one instance.
// The request is a spot request when SpotPrice is set.
type RunInstanceRequest struct {
	WorkerType  string     `json:"workerType" validate:"required"`
	Region      string     `json:"region" validate:"required"`
	ClientToken string     `json:"clientToken" validate:"required,max=64"`
	SpotPrice   *float64   `json:"spotPrice,omitempty" validate:"omitempty,gt=0"`
	LaunchSpec  LaunchSpec `json:"launchSpec"`
}

// Kind returns the request kind used for accounting.
func (r *RunInstanceRequest) Kind() string {
	if r.SpotPrice != nil {
		return KindSpot
	}
	return KindOnDemand
}

// SpotInstanceRequest asks the Provisioner to place a one-time spot request.
type SpotInstanceRequest struct {
	WorkerType  string     `json:"workerType" validate:"required"`
	Region      string     `json:"region" validate:"required"`
	ClientToken string     `json:"clientToken" validate:"required,max=64"`
	SpotPrice   float64    `json:"spotPrice" validate:"gt=0"`
	LaunchSpec  LaunchSpec `json:"launchSpec"`
}

// RunInstanceInput is what the provider receives for a launch.
type RunInstanceInput struct {
	LaunchSpec   LaunchSpec
	ClientToken  string
	MinCount     int32
	MaxCount     int32
	InstanceTags []Tag
	VolumeTags   []Tag

	// MaxPrice is set for spot launches only.
	MaxPrice string
}

// SpotRequestInput is what the provider receives for a spot request.
type SpotRequestInput struct {
	LaunchSpec    LaunchSpec
	ClientToken   string
	SpotPrice     string
	InstanceCount int32
}

// ProviderInstance is an instance as reported by the provider.
type ProviderInstance struct {
	ID               string
	InstanceType     string
	AvailabilityZone string
	ImageID          string
	State            string
	SpotRequestID    string
	LaunchTime       time.Time
	Tags             map[string]string
}

// ProviderSpotRequest is a spot request as reported by the provider.
type ProviderSpotRequest struct {
	ID         string
	State      string
	StatusCode string
	CreatedAt  time.Time
}

// InstanceStateChange is the provider's immediate view of a termination.
type InstanceStateChange struct {
	ID       string `json:"id"`
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// SpotRequestStateChange is the provider's immediate view of a cancellation.
type SpotRequestStateChange struct {
	ID    string `json:"id"`
	State string `json:"current"`
}

// Volume is an EBS volume summary used for usage aggregation.
type Volume struct {
	ID         string
	VolumeType string
	State      string
	SizeGB     int64
}

// RegionResult records the outcome of one region in a fan-out.
type RegionResult struct {
	Region               string   `json:"region"`
	TerminatedInstances  []string `json:"terminatedInstances,omitempty"`
	CancelledSpotRequest []string `json:"cancelledSpotRequests,omitempty"`
	Error                string   `json:"error,omitempty"`
}
