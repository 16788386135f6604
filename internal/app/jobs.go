package app

import (
	"context"
	"errors"
	"time"

	"github.com/quantumshield/backend/internal/app/services/archive"
	"github.com/quantumshield/backend/internal/app/system"
	"github.com/quantumshield/backend/internal/config"
)

// Job names accepted by JobRunner.RunNow.
const (
	JobBlocks         = "block-production"
	JobDeviceSweep    = "device-sweep"
	JobWebhookRetry   = "webhook-retry"
	JobGovernanceTick = "governance-tick"
	JobStakingRewards = "staking-rewards"
	JobCompression    = "block-compression"
	JobArchiving      = "block-archiving"
)

func (a *Application) registerJobs(cfg config.JobsConfig, dev config.DevicesConfig) error {
	compressAfter := cfg.CompressAfter
	if compressAfter <= 0 {
		compressAfter = time.Hour
	}
	jobs := []struct {
		name string
		spec string
		fn   system.JobFunc
	}{
		{JobBlocks, cfg.BlockProduction, func(ctx context.Context) error {
			_, err := a.Chain.ProduceIfPending(ctx)
			return err
		}},
		{JobDeviceSweep, cfg.DeviceSweep, func(ctx context.Context) error {
			_, err := a.Devices.SweepOffline(ctx, dev.OfflineAfter)
			return err
		}},
		{JobWebhookRetry, cfg.WebhookRetry, func(ctx context.Context) error {
			_, err := a.Webhooks.RetryDue(ctx, time.Now())
			return err
		}},
		{JobGovernanceTick, cfg.GovernanceTick, func(ctx context.Context) error {
			_, err := a.Governance.Tick(ctx, time.Now())
			return err
		}},
		{JobStakingRewards, cfg.StakingRewards, func(ctx context.Context) error {
			_, err := a.Staking.DistributeRewards(ctx, 0)
			return err
		}},
		{JobCompression, cfg.Compression, func(ctx context.Context) error {
			_, err := a.Archive.CompressBlocks(ctx, compressAfter)
			return err
		}},
		{JobArchiving, cfg.Archiving, func(ctx context.Context) error {
			_, err := a.Archive.ArchiveDue(ctx, time.Now())
			if errors.Is(err, archive.ErrEmptyPeriod) {
				return nil
			}
			return err
		}},
	}
	for _, j := range jobs {
		if err := a.Jobs.Add(j.name, j.spec, j.fn); err != nil {
			return err
		}
	}
	return nil
}
