package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/ec2-manager/pkg/stores"
	"github.com/openfroyo/ec2-manager/pkg/telemetry"
)

// TerminatorConfig configures a Terminator.
type TerminatorConfig struct {
	Store    TerminationStore
	Provider Provider

	// Regions are the regions swept by group termination.
	Regions []string

	// MaxParallel bounds concurrent regions. Defaults to one slot per region.
	MaxParallel int

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Terminator terminates instances and cancels spot requests, alone or for
// a whole worker type.
type Terminator struct {
	store       TerminationStore
	provider    Provider
	regions     []string
	regionSet   map[string]struct{}
	maxParallel int
	logger      zerolog.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time
}

// NewTerminator creates a new termination workflow.
func NewTerminator(cfg TerminatorConfig) (*Terminator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("terminator requires a store")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("terminator requires a provider")
	}

	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = len(cfg.Regions)
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	regionSet := make(map[string]struct{}, len(cfg.Regions))
	for _, r := range cfg.Regions {
		regionSet[r] = struct{}{}
	}

	return &Terminator{
		store:       cfg.Store,
		provider:    cfg.Provider,
		regions:     append([]string(nil), cfg.Regions...),
		regionSet:   regionSet,
		maxParallel: maxParallel,
		logger:      cfg.Logger.With().Str("component", "terminator").Logger(),
		metrics:     cfg.Metrics,
		now:         now,
	}, nil
}

// TerminateWorkerType terminates every tracked instance and cancels every
// tracked spot request of a worker type in all regions. A region failure
// does not stop the other regions; failures are returned together after
// all regions finish. Results are ordered by region.
func (t *Terminator) TerminateWorkerType(ctx context.Context, workerType string) ([]RegionResult, error) {
	if workerType == "" {
		return nil, NewInvalidInputError("worker type is required", nil).WithCode(ErrCodeValidation)
	}

	var (
		mu      sync.Mutex
		merr    *multierror.Error
		results = make([]RegionResult, 0, len(t.regions))
	)

	g, gctx := errgroup.WithContext(ctx)
	if t.maxParallel > 0 {
		g.SetLimit(t.maxParallel)
	}

	for _, region := range t.regions {
		g.Go(func() error {
			result, err := t.terminateRegion(gctx, workerType, region)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Error = err.Error()
				merr = multierror.Append(merr, fmt.Errorf("region %s: %w", region, err))
			}
			results = append(results, result)

			// Region failures are collected rather than cancelling siblings.
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Region < results[j].Region })

	if err := merr.ErrorOrNil(); err != nil {
		t.logger.Error().Err(err).Str("worker_type", workerType).Msg("Worker type termination incomplete")
		return results, err
	}

	t.logger.Info().Str("worker_type", workerType).Msg("Terminated worker type")
	return results, nil
}

func (t *Terminator) terminateRegion(ctx context.Context, workerType, region string) (RegionResult, error) {
	result := RegionResult{Region: region}

	instances, err := t.store.ListInstances(ctx, stores.InstanceFilter{WorkerType: workerType, Region: region})
	if err != nil {
		return result, fmt.Errorf("failed to list instances: %w", err)
	}
	requests, err := t.store.ListSpotRequests(ctx, stores.SpotRequestFilter{WorkerType: workerType, Region: region})
	if err != nil {
		return result, fmt.Errorf("failed to list spot requests: %w", err)
	}

	instanceIDs := make([]string, 0, len(instances))
	seen := make(map[string]struct{})
	var spotIDs []string
	addSpot := func(id string) {
		if _, ok := seen[id]; ok || id == "" {
			return
		}
		seen[id] = struct{}{}
		spotIDs = append(spotIDs, id)
	}

	for _, inst := range instances {
		instanceIDs = append(instanceIDs, inst.ID)
		if inst.SpotRequestID != nil {
			addSpot(*inst.SpotRequestID)
		}
	}
	for _, req := range requests {
		addSpot(req.ID)
	}

	var regionErr *multierror.Error

	if len(instanceIDs) > 0 {
		if err := t.terminate(ctx, region, instanceIDs); err != nil {
			regionErr = multierror.Append(regionErr, err)
		} else {
			result.TerminatedInstances = instanceIDs
			removed := 0
			for _, id := range instanceIDs {
				if t.removeInstance(ctx, region, id) {
					removed++
				}
			}
			t.metrics.RecordTermination(region, stores.ReasonTerminatedByAPI, removed)
		}
	}

	if len(spotIDs) > 0 {
		if err := t.cancel(ctx, region, spotIDs); err != nil {
			regionErr = multierror.Append(regionErr, err)
		} else {
			result.CancelledSpotRequest = spotIDs
			for _, id := range spotIDs {
				t.removeSpotRequest(ctx, region, id)
			}
		}
	}

	return result, regionErr.ErrorOrNil()
}

// TerminateInstance terminates one instance on behalf of a caller. The
// caller needs the instance scope, or the worker type scope of the tracked
// instance. An untracked instance is denied without contacting the provider.
func (t *Terminator) TerminateInstance(ctx context.Context, auth Authorizer, region, id string) (*InstanceStateChange, error) {
	if err := t.checkRegion(region); err != nil {
		return nil, err
	}

	if !auth.Satisfies(InstanceScope(region, id)) {
		instances, err := t.store.ListInstances(ctx, stores.InstanceFilter{Region: region, ID: id})
		if err != nil {
			return nil, fmt.Errorf("failed to look up instance %s: %w", id, err)
		}
		workerTypes := make([]string, 0, len(instances))
		for _, inst := range instances {
			workerTypes = append(workerTypes, inst.WorkerType)
		}
		if err := t.authorizeFallback(auth, "instance", region, id, workerTypes); err != nil {
			return nil, err
		}
	}

	var changes []InstanceStateChange
	err := telemetry.RecordProviderOperation(ctx, "ec2", "TerminateInstances", func(ctx context.Context) error {
		var err error
		changes, err = t.provider.TerminateInstances(ctx, region, []string{id})
		return err
	})
	if err != nil {
		t.logger.Error().Err(err).Str("region", region).Str("instance_id", id).Msg("Failed to terminate instance")
		return nil, fmt.Errorf("failed to terminate instance %s: %w", id, err)
	}

	change := &InstanceStateChange{ID: id}
	for _, c := range changes {
		if c.ID == id {
			change = &c
			break
		}
	}

	if t.removeInstance(ctx, region, id) {
		t.metrics.RecordTermination(region, stores.ReasonTerminatedByAPI, 1)
	}
	t.logger.Info().
		Str("region", region).
		Str("instance_id", id).
		Str("previous", change.Previous).
		Str("current", change.Current).
		Msg("Terminated instance")

	return change, nil
}

// CancelSpotRequest cancels one spot request on behalf of a caller, with
// the same authorization rules as TerminateInstance.
func (t *Terminator) CancelSpotRequest(ctx context.Context, auth Authorizer, region, id string) (*SpotRequestStateChange, error) {
	if err := t.checkRegion(region); err != nil {
		return nil, err
	}

	if !auth.Satisfies(InstanceScope(region, id)) {
		requests, err := t.store.ListSpotRequests(ctx, stores.SpotRequestFilter{Region: region, ID: id})
		if err != nil {
			return nil, fmt.Errorf("failed to look up spot request %s: %w", id, err)
		}
		workerTypes := make([]string, 0, len(requests))
		for _, req := range requests {
			workerTypes = append(workerTypes, req.WorkerType)
		}
		if err := t.authorizeFallback(auth, "spot request", region, id, workerTypes); err != nil {
			return nil, err
		}
	}

	var changes []SpotRequestStateChange
	err := telemetry.RecordProviderOperation(ctx, "ec2", "CancelSpotInstanceRequests", func(ctx context.Context) error {
		var err error
		changes, err = t.provider.CancelSpotRequests(ctx, region, []string{id})
		return err
	})
	if err != nil {
		t.logger.Error().Err(err).Str("region", region).Str("spot_request_id", id).Msg("Failed to cancel spot request")
		return nil, fmt.Errorf("failed to cancel spot request %s: %w", id, err)
	}

	change := &SpotRequestStateChange{ID: id}
	for _, c := range changes {
		if c.ID == id {
			change = &c
			break
		}
	}

	t.removeSpotRequest(ctx, region, id)
	t.logger.Info().
		Str("region", region).
		Str("spot_request_id", id).
		Str("state", change.State).
		Msg("Cancelled spot request")

	return change, nil
}

// authorizeFallback applies the store-backed authorization rule to the
// worker types of every row matching (region, id).
func (t *Terminator) authorizeFallback(auth Authorizer, kind, region, id string, workerTypes []string) error {
	switch len(workerTypes) {
	case 0:
		return NewDeniedError(fmt.Sprintf("not authorized to manage %s %s in %s", kind, id, region))
	case 1:
		if !auth.Satisfies(WorkerTypeScope(workerTypes[0])) {
			return NewDeniedError(fmt.Sprintf("not authorized to manage %s %s in %s", kind, id, region))
		}
		return nil
	default:
		t.logger.Error().
			Str("region", region).
			Str("id", id).
			Int("matches", len(workerTypes)).
			Msgf("More than one tracked %s matches", kind)
		return NewInconsistentError(fmt.Sprintf("%d tracked rows match %s %s in %s", len(workerTypes), kind, id, region))
	}
}

func (t *Terminator) checkRegion(region string) error {
	if _, ok := t.regionSet[region]; !ok {
		return NewInvalidInputError(fmt.Sprintf("region %s is not managed", region), nil).
			WithCode(ErrCodeUnknownRegion)
	}
	return nil
}

func (t *Terminator) terminate(ctx context.Context, region string, ids []string) error {
	return telemetry.RecordProviderOperation(ctx, "ec2", "TerminateInstances", func(ctx context.Context) error {
		_, err := t.provider.TerminateInstances(ctx, region, ids)
		if err != nil {
			return fmt.Errorf("failed to terminate %d instances: %w", len(ids), err)
		}
		return nil
	})
}

func (t *Terminator) cancel(ctx context.Context, region string, ids []string) error {
	return telemetry.RecordProviderOperation(ctx, "ec2", "CancelSpotInstanceRequests", func(ctx context.Context) error {
		_, err := t.provider.CancelSpotRequests(ctx, region, ids)
		if err != nil {
			return fmt.Errorf("failed to cancel %d spot requests: %w", len(ids), err)
		}
		return nil
	})
}

// removeInstance drops the row after the provider confirmed termination
// and reports whether a tracked row was removed. A later terminated
// notification is then a duplicate.
func (t *Terminator) removeInstance(ctx context.Context, region, id string) bool {
	removed, err := t.store.RemoveInstance(ctx, region, id, stores.ReasonTerminatedByAPI, t.now().UTC())
	if err != nil {
		t.metrics.RecordBestEffortFailure("remove-instance")
		t.logger.Warn().Err(err).Str("region", region).Str("instance_id", id).Msg("Failed to remove terminated instance")
		return false
	}
	return removed
}

func (t *Terminator) removeSpotRequest(ctx context.Context, region, id string) {
	if _, err := t.store.RemoveSpotRequest(ctx, region, id); err != nil {
		t.metrics.RecordBestEffortFailure("remove-spot-request")
		t.logger.Warn().Err(err).Str("region", region).Str("spot_request_id", id).Msg("Failed to remove cancelled spot request")
	}
}
