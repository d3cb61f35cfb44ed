package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/ec2-manager/pkg/stores"
	"github.com/openfroyo/ec2-manager/pkg/telemetry"
)

// ProvisionerConfig configures a Provisioner.
type ProvisionerConfig struct {
	Store     ProvisioningStore
	Provider  Provider
	Validator LaunchSpecValidator
	Tagger    Tagger

	// Classifier decides which provider errors are caller mistakes.
	// Defaults to DefaultBadInputCodes.
	Classifier *ErrorClassifier

	// Regions are the regions requests may target.
	Regions []string

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Provisioner launches instances and spot requests and records them in
// the state store.
type Provisioner struct {
	store      ProvisioningStore
	provider   Provider
	checker    LaunchSpecValidator
	tagger     Tagger
	classifier *ErrorClassifier
	regions    map[string]struct{}
	validate   *validator.Validate
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
	now        func() time.Time
}

// NewProvisioner creates a new provisioning workflow.
func NewProvisioner(cfg ProvisionerConfig) (*Provisioner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("provisioner requires a store")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("provisioner requires a provider")
	}
	if cfg.Validator == nil {
		return nil, fmt.Errorf("provisioner requires a launch spec validator")
	}
	if cfg.Tagger == nil {
		return nil, fmt.Errorf("provisioner requires a tagger")
	}

	classifier := cfg.Classifier
	if classifier == nil {
		classifier = NewErrorClassifier(nil)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	regions := make(map[string]struct{}, len(cfg.Regions))
	for _, r := range cfg.Regions {
		regions[r] = struct{}{}
	}

	return &Provisioner{
		store:      cfg.Store,
		provider:   cfg.Provider,
		checker:    cfg.Validator,
		tagger:     cfg.Tagger,
		classifier: classifier,
		regions:    regions,
		validate:   validator.New(),
		logger:     cfg.Logger.With().Str("component", "provisioner").Logger(),
		metrics:    cfg.Metrics,
		now:        now,
	}, nil
}

// RequestInstance launches exactly one instance. The request is a one-time
// spot launch when SpotPrice is set. Policy rejection and provider bad-input
// errors are returned as ErrInvalidInput; other provider errors are
// returned unchanged.
func (p *Provisioner) RequestInstance(ctx context.Context, req RunInstanceRequest) (*stores.Instance, error) {
	spec := req.LaunchSpec
	kind := req.Kind()

	if err := p.checkRequest(ctx, &req, req.Region, spec); err != nil {
		p.metrics.RecordInstanceRequest(req.Region, spec.InstanceType, req.WorkerType, kind, OutcomeInvalidInput)
		return nil, err
	}

	tags := p.tagger.Generate(req.WorkerType)
	in := RunInstanceInput{
		LaunchSpec:   spec,
		ClientToken:  req.ClientToken,
		MinCount:     1,
		MaxCount:     1,
		InstanceTags: tags,
		VolumeTags:   tags,
	}
	if req.SpotPrice != nil {
		in.MaxPrice = formatPrice(*req.SpotPrice)
	}

	var launched *ProviderInstance
	err := telemetry.RecordProviderOperation(ctx, "ec2", "RunInstances", func(ctx context.Context) error {
		var err error
		launched, err = p.provider.RunInstance(ctx, req.Region, in)
		return err
	})
	if err != nil {
		return nil, p.launchFailed(ctx, "RunInstances", req.WorkerType, req.Region, kind, spec, req.ClientToken, err)
	}
	if launched == nil || launched.ID == "" {
		p.metrics.RecordInstanceRequest(req.Region, spec.InstanceType, req.WorkerType, kind, OutcomeError)
		return nil, NewOperationalError("provider returned no instance", nil).
			WithCode(ErrCodeProviderFailed).WithOperation("RunInstances")
	}

	now := p.now().UTC()
	p.reportAmiUsage(ctx, req.Region, spec.ImageID, now)

	instance := &stores.Instance{
		Region:           req.Region,
		ID:               launched.ID,
		WorkerType:       req.WorkerType,
		InstanceType:     firstNonEmpty(launched.InstanceType, spec.InstanceType),
		AvailabilityZone: firstNonEmpty(launched.AvailabilityZone, spec.AvailabilityZone),
		ImageID:          firstNonEmpty(launched.ImageID, spec.ImageID),
		State:            firstNonEmpty(launched.State, stores.StatePending),
		LaunchedAt:       launched.LaunchTime.UTC(),
		LastEventAt:      now,
	}
	if instance.LaunchedAt.IsZero() {
		instance.LaunchedAt = now
	}
	if launched.SpotRequestID != "" {
		srid := launched.SpotRequestID
		instance.SpotRequestID = &srid
	}

	recorded, err := p.store.UpsertInstance(ctx, instance)
	if err != nil {
		p.metrics.RecordInstanceRequest(req.Region, spec.InstanceType, req.WorkerType, kind, OutcomeError)
		p.logger.Error().Err(err).
			Str("region", req.Region).
			Str("instance_id", launched.ID).
			Str("worker_type", req.WorkerType).
			Msg("Launched instance could not be recorded")
		return nil, NewOperationalError("failed to record launched instance", err).
			WithCode(ErrCodeStoreFailed).WithResource(launched.ID)
	}
	if !recorded {
		p.logger.Debug().
			Str("region", req.Region).
			Str("instance_id", launched.ID).
			Msg("Launched instance already terminated or newer, not recorded")
	}

	p.metrics.RecordInstanceRequest(req.Region, spec.InstanceType, req.WorkerType, kind, OutcomeSuccess)
	p.logger.Info().
		Str("region", req.Region).
		Str("instance_id", launched.ID).
		Str("worker_type", req.WorkerType).
		Str("instance_type", instance.InstanceType).
		Str("kind", kind).
		Msg("Launched instance")

	return instance, nil
}

// RequestSpotInstance places a one-time spot request for one instance, tags
// it and starts tracking it.
func (p *Provisioner) RequestSpotInstance(ctx context.Context, req SpotInstanceRequest) (*stores.SpotRequest, error) {
	spec := req.LaunchSpec

	if err := p.checkRequest(ctx, &req, req.Region, spec); err != nil {
		p.metrics.RecordInstanceRequest(req.Region, spec.InstanceType, req.WorkerType, KindSpot, OutcomeInvalidInput)
		return nil, err
	}

	in := SpotRequestInput{
		LaunchSpec:    spec,
		ClientToken:   req.ClientToken,
		SpotPrice:     formatPrice(req.SpotPrice),
		InstanceCount: 1,
	}

	var placed *ProviderSpotRequest
	err := telemetry.RecordProviderOperation(ctx, "ec2", "RequestSpotInstances", func(ctx context.Context) error {
		var err error
		placed, err = p.provider.RequestSpotInstance(ctx, req.Region, in)
		return err
	})
	if err != nil {
		return nil, p.launchFailed(ctx, "RequestSpotInstances", req.WorkerType, req.Region, KindSpot, spec, req.ClientToken, err)
	}
	if placed == nil || placed.ID == "" {
		p.metrics.RecordInstanceRequest(req.Region, spec.InstanceType, req.WorkerType, KindSpot, OutcomeError)
		return nil, NewOperationalError("provider returned no spot request", nil).
			WithCode(ErrCodeProviderFailed).WithOperation("RequestSpotInstances")
	}

	now := p.now().UTC()
	request := &stores.SpotRequest{
		Region:           req.Region,
		ID:               placed.ID,
		WorkerType:       req.WorkerType,
		InstanceType:     spec.InstanceType,
		AvailabilityZone: spec.AvailabilityZone,
		ImageID:          spec.ImageID,
		State:            firstNonEmpty(placed.State, stores.SpotStateOpen),
		Status:           placed.StatusCode,
		CreatedAt:        placed.CreatedAt.UTC(),
	}
	if request.CreatedAt.IsZero() {
		request.CreatedAt = now
	}

	// Tracked before tagging so a tagging failure never leaves an
	// untracked request behind.
	if err := p.ImportSpotRequest(ctx, request); err != nil {
		p.metrics.RecordInstanceRequest(req.Region, spec.InstanceType, req.WorkerType, KindSpot, OutcomeError)
		return nil, err
	}

	err = telemetry.RecordProviderOperation(ctx, "ec2", "CreateTags", func(ctx context.Context) error {
		return p.provider.CreateTags(ctx, req.Region, []string{placed.ID}, p.tagger.Generate(req.WorkerType))
	})
	if err != nil {
		p.metrics.RecordInstanceRequest(req.Region, spec.InstanceType, req.WorkerType, KindSpot, OutcomeError)
		p.logger.Error().Err(err).
			Str("region", req.Region).
			Str("spot_request_id", placed.ID).
			Msg("Failed to tag spot request")
		return nil, fmt.Errorf("failed to tag spot request %s: %w", placed.ID, err)
	}

	p.reportAmiUsage(ctx, req.Region, spec.ImageID, now)

	p.metrics.RecordInstanceRequest(req.Region, spec.InstanceType, req.WorkerType, KindSpot, OutcomeSuccess)
	p.logger.Info().
		Str("region", req.Region).
		Str("spot_request_id", placed.ID).
		Str("worker_type", req.WorkerType).
		Msg("Placed spot request")

	return request, nil
}

// ImportSpotRequest starts tracking a spot request. Importing a request
// that is already tracked succeeds.
func (p *Provisioner) ImportSpotRequest(ctx context.Context, request *stores.SpotRequest) error {
	err := p.store.InsertSpotRequest(ctx, request)
	if err == nil || IsConflict(err) {
		return nil
	}
	return NewOperationalError("failed to record spot request", err).
		WithCode(ErrCodeStoreFailed).WithResource(request.ID)
}

func (p *Provisioner) checkRequest(ctx context.Context, req interface{}, region string, spec LaunchSpec) error {
	if err := p.validate.Struct(req); err != nil {
		return NewInvalidInputError("invalid request", err).WithCode(ErrCodeValidation)
	}

	if _, ok := p.regions[region]; !ok {
		return NewInvalidInputError(fmt.Sprintf("region %s is not managed", region), nil).
			WithCode(ErrCodeUnknownRegion)
	}

	ok, err := p.checker.Check(ctx, spec, region)
	if err != nil {
		return NewOperationalError("failed to evaluate launch specification", err)
	}
	if !ok {
		return NewInvalidInputError("launch specification rejected", nil).WithCode(ErrCodePolicyRejected)
	}
	return nil
}

// launchFailed records a provider launch failure and classifies it.
func (p *Provisioner) launchFailed(
	ctx context.Context,
	operation, workerType, region, kind string,
	spec LaunchSpec,
	clientToken string,
	err error,
) error {
	code := ProviderErrorCode(err)
	if code == "" {
		code = ErrCodeProviderFailed
	}

	record := &stores.ErrorRecord{
		WorkerType:       workerType,
		Region:           region,
		AvailabilityZone: spec.AvailabilityZone,
		InstanceType:     spec.InstanceType,
		Code:             code,
		Message:          err.Error(),
		Time:             p.now().UTC(),
	}
	if recErr := p.store.RecordError(ctx, record); recErr != nil {
		p.metrics.RecordBestEffortFailure("record-error")
		p.logger.Warn().Err(recErr).Str("region", region).Msg("Failed to record provider error")
	}

	p.logger.Error().Err(err).
		Str("operation", operation).
		Str("region", region).
		Str("worker_type", workerType).
		Str("kind", kind).
		Str("image_id", spec.ImageID).
		Str("instance_type", spec.InstanceType).
		Str("availability_zone", spec.AvailabilityZone).
		Str("client_token", clientToken).
		Str("code", code).
		Msg("Provider rejected launch")

	if p.classifier.IsBadInput(err) {
		p.metrics.RecordInstanceRequest(region, spec.InstanceType, workerType, kind, OutcomeInvalidInput)
		return NewInvalidInputError("provider rejected request parameters", err).
			WithCode(code).WithOperation(operation)
	}

	p.metrics.RecordInstanceRequest(region, spec.InstanceType, workerType, kind, OutcomeError)
	return err
}

func (p *Provisioner) reportAmiUsage(ctx context.Context, region, imageID string, at time.Time) {
	if err := p.store.ReportAmiUsage(ctx, region, imageID, at); err != nil {
		p.metrics.RecordBestEffortFailure("report-ami-usage")
		p.logger.Warn().Err(err).
			Str("region", region).
			Str("image_id", imageID).
			Msg("Failed to report AMI usage")
	}
}

func formatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', -1, 64)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
