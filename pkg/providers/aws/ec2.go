package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/openfroyo/ec2-manager/pkg/engine"
	"github.com/openfroyo/ec2-manager/pkg/stores"
)

// ec2API is the subset of the EC2 client used by the provider.
type ec2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	RequestSpotInstances(ctx context.Context, in *ec2.RequestSpotInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RequestSpotInstancesOutput, error)
	CreateTags(ctx context.Context, in *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	CancelSpotInstanceRequests(ctx context.Context, in *ec2.CancelSpotInstanceRequestsInput, optFns ...func(*ec2.Options)) (*ec2.CancelSpotInstanceRequestsOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeVolumes(ctx context.Context, in *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	DescribeKeyPairs(ctx context.Context, in *ec2.DescribeKeyPairsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeKeyPairsOutput, error)
	ImportKeyPair(ctx context.Context, in *ec2.ImportKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.ImportKeyPairOutput, error)
	DeleteKeyPair(ctx context.Context, in *ec2.DeleteKeyPairInput, optFns ...func(*ec2.Options)) (*ec2.DeleteKeyPairOutput, error)
}

// Config configures the EC2 provider.
type Config struct {
	// Regions gets one client each.
	Regions []string

	// Endpoint overrides the service endpoint (e.g. a local emulator).
	Endpoint string
}

// Provider implements engine.Provider on top of the EC2 API.
type Provider struct {
	clients map[string]ec2API
	logger  zerolog.Logger
}

// NewProvider loads the default AWS credential chain and creates one EC2
// client per region.
func NewProvider(ctx context.Context, cfg Config, logger zerolog.Logger) (*Provider, error) {
	if len(cfg.Regions) == 0 {
		return nil, fmt.Errorf("at least one region is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	clients := make(map[string]ec2API, len(cfg.Regions))
	for _, region := range cfg.Regions {
		clients[region] = ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
			o.Region = region
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		})
	}

	return newProvider(clients, logger), nil
}

func newProvider(clients map[string]ec2API, logger zerolog.Logger) *Provider {
	return &Provider{
		clients: clients,
		logger:  logger.With().Str("component", "ec2-provider").Logger(),
	}
}

func (p *Provider) client(region string) (ec2API, error) {
	c, ok := p.clients[region]
	if !ok {
		return nil, fmt.Errorf("no ec2 client for region %s", region)
	}
	return c, nil
}

// RunInstance implements engine.Provider.
func (p *Provider) RunInstance(ctx context.Context, region string, in engine.RunInstanceInput) (*engine.ProviderInstance, error) {
	c, err := p.client(region)
	if err != nil {
		return nil, err
	}

	spec := in.LaunchSpec
	input := &ec2.RunInstancesInput{
		ImageId:             aws.String(spec.ImageID),
		InstanceType:        types.InstanceType(spec.InstanceType),
		MinCount:            aws.Int32(in.MinCount),
		MaxCount:            aws.Int32(in.MaxCount),
		ClientToken:         optional(in.ClientToken),
		KeyName:             optional(spec.KeyName),
		SecurityGroups:      spec.SecurityGroups,
		SecurityGroupIds:    spec.SecurityGroupIDs,
		SubnetId:            optional(spec.SubnetID),
		UserData:            optional(spec.UserData),
		IamInstanceProfile:  instanceProfile(spec.IamInstanceProfile),
		BlockDeviceMappings: blockDevices(spec.BlockDeviceMappings),
	}
	if spec.AvailabilityZone != "" {
		input.Placement = &types.Placement{AvailabilityZone: aws.String(spec.AvailabilityZone)}
	}
	if len(in.InstanceTags) > 0 {
		input.TagSpecifications = append(input.TagSpecifications, types.TagSpecification{
			ResourceType: types.ResourceTypeInstance,
			Tags:         toTags(in.InstanceTags),
		})
	}
	if len(in.VolumeTags) > 0 {
		input.TagSpecifications = append(input.TagSpecifications, types.TagSpecification{
			ResourceType: types.ResourceTypeVolume,
			Tags:         toTags(in.VolumeTags),
		})
	}
	if in.MaxPrice != "" {
		input.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				MaxPrice:         aws.String(in.MaxPrice),
				SpotInstanceType: types.SpotInstanceTypeOneTime,
			},
		}
	}

	out, err := c.RunInstances(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(out.Instances) != 1 {
		return nil, fmt.Errorf("expected 1 instance from RunInstances, got %d", len(out.Instances))
	}

	return fromInstance(out.Instances[0]), nil
}

// RequestSpotInstance implements engine.Provider.
func (p *Provider) RequestSpotInstance(ctx context.Context, region string, in engine.SpotRequestInput) (*engine.ProviderSpotRequest, error) {
	c, err := p.client(region)
	if err != nil {
		return nil, err
	}

	spec := in.LaunchSpec
	launch := &types.RequestSpotLaunchSpecification{
		ImageId:             aws.String(spec.ImageID),
		InstanceType:        types.InstanceType(spec.InstanceType),
		KeyName:             optional(spec.KeyName),
		SecurityGroups:      spec.SecurityGroups,
		SecurityGroupIds:    spec.SecurityGroupIDs,
		SubnetId:            optional(spec.SubnetID),
		UserData:            optional(spec.UserData),
		IamInstanceProfile:  instanceProfile(spec.IamInstanceProfile),
		BlockDeviceMappings: blockDevices(spec.BlockDeviceMappings),
	}
	if spec.AvailabilityZone != "" {
		launch.Placement = &types.SpotPlacement{AvailabilityZone: aws.String(spec.AvailabilityZone)}
	}

	out, err := c.RequestSpotInstances(ctx, &ec2.RequestSpotInstancesInput{
		ClientToken:         optional(in.ClientToken),
		InstanceCount:       aws.Int32(in.InstanceCount),
		SpotPrice:           aws.String(in.SpotPrice),
		Type:                types.SpotInstanceTypeOneTime,
		LaunchSpecification: launch,
	})
	if err != nil {
		return nil, err
	}
	if len(out.SpotInstanceRequests) != 1 {
		return nil, fmt.Errorf("expected 1 spot request from RequestSpotInstances, got %d", len(out.SpotInstanceRequests))
	}

	sr := out.SpotInstanceRequests[0]
	request := &engine.ProviderSpotRequest{
		ID:        aws.ToString(sr.SpotInstanceRequestId),
		State:     string(sr.State),
		CreatedAt: aws.ToTime(sr.CreateTime),
	}
	if sr.Status != nil {
		request.StatusCode = aws.ToString(sr.Status.Code)
	}
	return request, nil
}

// CreateTags implements engine.Provider.
func (p *Provider) CreateTags(ctx context.Context, region string, resourceIDs []string, tags []engine.Tag) error {
	c, err := p.client(region)
	if err != nil {
		return err
	}

	_, err = c.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: resourceIDs,
		Tags:      toTags(tags),
	})
	return err
}

// TerminateInstances implements engine.Provider.
func (p *Provider) TerminateInstances(ctx context.Context, region string, ids []string) ([]engine.InstanceStateChange, error) {
	c, err := p.client(region)
	if err != nil {
		return nil, err
	}

	out, err := c.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	if err != nil {
		return nil, err
	}

	changes := make([]engine.InstanceStateChange, 0, len(out.TerminatingInstances))
	for _, ti := range out.TerminatingInstances {
		changes = append(changes, engine.InstanceStateChange{
			ID:       aws.ToString(ti.InstanceId),
			Previous: stateName(ti.PreviousState),
			Current:  stateName(ti.CurrentState),
		})
	}
	return changes, nil
}

// CancelSpotRequests implements engine.Provider.
func (p *Provider) CancelSpotRequests(ctx context.Context, region string, ids []string) ([]engine.SpotRequestStateChange, error) {
	c, err := p.client(region)
	if err != nil {
		return nil, err
	}

	out, err := c.CancelSpotInstanceRequests(ctx, &ec2.CancelSpotInstanceRequestsInput{SpotInstanceRequestIds: ids})
	if err != nil {
		return nil, err
	}

	changes := make([]engine.SpotRequestStateChange, 0, len(out.CancelledSpotInstanceRequests))
	for _, cr := range out.CancelledSpotInstanceRequests {
		changes = append(changes, engine.SpotRequestStateChange{
			ID:    aws.ToString(cr.SpotInstanceRequestId),
			State: string(cr.State),
		})
	}
	return changes, nil
}

// DescribeInstance implements engine.Provider. An unknown instance id
// returns an error matching stores.ErrNotFound.
func (p *Provider) DescribeInstance(ctx context.Context, region, id string) (*engine.ProviderInstance, error) {
	c, err := p.client(region)
	if err != nil {
		return nil, err
	}

	out, err := c.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		if errorCode(err) == "InvalidInstanceID.NotFound" {
			return nil, fmt.Errorf("instance %s: %w: %w", id, stores.ErrNotFound, err)
		}
		return nil, err
	}

	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) == id {
				return fromInstance(inst), nil
			}
		}
	}
	return nil, fmt.Errorf("instance %s: %w", id, stores.ErrNotFound)
}

// DescribeVolumes implements engine.Provider.
func (p *Provider) DescribeVolumes(ctx context.Context, region string) ([]engine.Volume, error) {
	c, err := p.client(region)
	if err != nil {
		return nil, err
	}

	var volumes []engine.Volume
	paginator := ec2.NewDescribeVolumesPaginator(c, &ec2.DescribeVolumesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, v := range page.Volumes {
			volumes = append(volumes, engine.Volume{
				ID:         aws.ToString(v.VolumeId),
				VolumeType: string(v.VolumeType),
				State:      string(v.State),
				SizeGB:     int64(aws.ToInt32(v.Size)),
			})
		}
	}

	p.logger.Debug().Str("region", region).Int("volumes", len(volumes)).Msg("Described volumes")
	return volumes, nil
}

// KeyPairExists implements engine.Provider.
func (p *Provider) KeyPairExists(ctx context.Context, region, name string) (bool, error) {
	c, err := p.client(region)
	if err != nil {
		return false, err
	}

	out, err := c.DescribeKeyPairs(ctx, &ec2.DescribeKeyPairsInput{
		Filters: []types.Filter{{
			Name:   aws.String("key-name"),
			Values: []string{name},
		}},
	})
	if err != nil {
		return false, err
	}
	return len(out.KeyPairs) > 0, nil
}

// ImportKeyPair implements engine.Provider.
func (p *Provider) ImportKeyPair(ctx context.Context, region, name, publicKey string) error {
	c, err := p.client(region)
	if err != nil {
		return err
	}

	_, err = c.ImportKeyPair(ctx, &ec2.ImportKeyPairInput{
		KeyName:           aws.String(name),
		PublicKeyMaterial: []byte(publicKey),
	})
	return err
}

// DeleteKeyPair implements engine.Provider.
func (p *Provider) DeleteKeyPair(ctx context.Context, region, name string) error {
	c, err := p.client(region)
	if err != nil {
		return err
	}

	_, err = c.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{KeyName: aws.String(name)})
	return err
}

func fromInstance(inst types.Instance) *engine.ProviderInstance {
	out := &engine.ProviderInstance{
		ID:            aws.ToString(inst.InstanceId),
		InstanceType:  string(inst.InstanceType),
		ImageID:       aws.ToString(inst.ImageId),
		State:         stateName(inst.State),
		SpotRequestID: aws.ToString(inst.SpotInstanceRequestId),
		LaunchTime:    aws.ToTime(inst.LaunchTime),
		Tags:          make(map[string]string, len(inst.Tags)),
	}
	if inst.Placement != nil {
		out.AvailabilityZone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	for _, t := range inst.Tags {
		out.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}

func stateName(s *types.InstanceState) string {
	if s == nil {
		return ""
	}
	return string(s.Name)
}

func toTags(tags []engine.Tag) []types.Tag {
	out := make([]types.Tag, 0, len(tags))
	for _, t := range tags {
		out = append(out, types.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)})
	}
	return out
}

func blockDevices(devices []engine.BlockDevice) []types.BlockDeviceMapping {
	if len(devices) == 0 {
		return nil
	}

	out := make([]types.BlockDeviceMapping, 0, len(devices))
	for _, d := range devices {
		ebs := &types.EbsBlockDevice{DeleteOnTermination: d.DeleteOnTermination}
		if d.VolumeType != "" {
			ebs.VolumeType = types.VolumeType(d.VolumeType)
		}
		if d.VolumeSize > 0 {
			ebs.VolumeSize = aws.Int32(d.VolumeSize)
		}
		out = append(out, types.BlockDeviceMapping{
			DeviceName: aws.String(d.DeviceName),
			Ebs:        ebs,
		})
	}
	return out
}

// instanceProfile accepts an ARN or a bare profile name.
func instanceProfile(profile string) *types.IamInstanceProfileSpecification {
	if profile == "" {
		return nil
	}
	if len(profile) > 4 && profile[:4] == "arn:" {
		return &types.IamInstanceProfileSpecification{Arn: aws.String(profile)}
	}
	return &types.IamInstanceProfileSpecification{Name: aws.String(profile)}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

// errorCode returns the API error code carried by err, if any.
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

var _ engine.Provider = (*Provider)(nil)
