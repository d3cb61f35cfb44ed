package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/openfroyo/ec2-manager/pkg/stores"
	"github.com/openfroyo/ec2-manager/pkg/telemetry"
)

// Housekeeper periodically refreshes usage accounting from the provider.
type Housekeeper struct {
	store    UsageStore
	provider Provider
	regions  []string
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time
}

// NewHousekeeper creates a new housekeeper.
func NewHousekeeper(store UsageStore, provider Provider, regions []string, logger zerolog.Logger, metrics *telemetry.Metrics) *Housekeeper {
	return &Housekeeper{
		store:    store,
		provider: provider,
		regions:  append([]string(nil), regions...),
		logger:   logger.With().Str("component", "housekeeper").Logger(),
		metrics:  metrics,
		now:      time.Now,
	}
}

// ReportEbsUsage replaces the EBS usage snapshot of every region. Regions
// are processed one at a time; a failed region keeps its previous snapshot.
func (h *Housekeeper) ReportEbsUsage(ctx context.Context) error {
	var merr *multierror.Error

	for _, region := range h.regions {
		if err := h.reportRegion(ctx, region); err != nil {
			h.logger.Warn().Err(err).Str("region", region).Msg("Failed to refresh EBS usage")
			merr = multierror.Append(merr, fmt.Errorf("region %s: %w", region, err))
		}
	}

	return merr.ErrorOrNil()
}

func (h *Housekeeper) reportRegion(ctx context.Context, region string) error {
	var volumes []Volume
	err := telemetry.RecordProviderOperation(ctx, "ec2", "DescribeVolumes", func(ctx context.Context) error {
		var err error
		volumes, err = h.provider.DescribeVolumes(ctx, region)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to describe volumes: %w", err)
	}

	usage := AggregateVolumes(region, volumes)
	now := h.now().UTC()
	if err := h.store.ReportEbsUsage(ctx, region, usage, now); err != nil {
		return fmt.Errorf("failed to report EBS usage: %w", err)
	}

	for _, u := range usage {
		h.metrics.SetEbsUsage(region, u.VolumeType, u.State, u.TotalCount, u.TotalGB)
	}

	h.logger.Debug().Str("region", region).Int("volumes", len(volumes)).Msg("Refreshed EBS usage")
	return nil
}

// Run refreshes usage every interval until ctx is done.
func (h *Housekeeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_ = h.ReportEbsUsage(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// AggregateVolumes totals volumes by (type, state), ordered by type then
// state.
func AggregateVolumes(region string, volumes []Volume) []stores.EbsUsage {
	type key struct{ volumeType, state string }
	totals := make(map[key]*stores.EbsUsage)

	for _, v := range volumes {
		k := key{v.VolumeType, v.State}
		u, ok := totals[k]
		if !ok {
			u = &stores.EbsUsage{Region: region, VolumeType: v.VolumeType, State: v.State}
			totals[k] = u
		}
		u.TotalCount++
		u.TotalGB += v.SizeGB
	}

	out := make([]stores.EbsUsage, 0, len(totals))
	for _, u := range totals {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VolumeType != out[j].VolumeType {
			return out[i].VolumeType < out[j].VolumeType
		}
		return out[i].State < out[j].State
	})
	return out
}
