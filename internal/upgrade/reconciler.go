package upgrade

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/meshmon/meshmon/internal/store/model"
	"go.uber.org/zap"
)

// Reconcile runs once on process boot. It inspects the watchdog status file
// and the ledger's active job and decides the fate of any upgrade that
// spanned the restart: verify health and complete it, or fail it and roll
// back. The process that issued the restart could not observe the outcome;
// this is where the outcome is written down.
func (c *Controller) Reconcile(ctx context.Context, currentVersion string) error {
	log := zap.S().Named("upgrade")

	record, err := c.watchdog.Read()
	if err != nil {
		log.Warnf("watchdog status unreadable, relying on ledger only: %v", err)
	}

	job, err := c.GetActiveUpgrade(ctx)
	if err != nil {
		return fmt.Errorf("reading active upgrade: %w", err)
	}
	if job == nil {
		if record != nil && !model.UpgradeStatus(record.Status).Terminal() {
			// The mirror claims an upgrade was running but the ledger has no
			// active row. The file is stale; drop it.
			log.Warnf("clearing stale watchdog status for upgrade %s", record.UpgradeID)
			return c.watchdog.Clear()
		}
		return nil
	}

	log.Infof("found in-flight upgrade %s in status %s, reconciling", job.ID, job.Status)

	switch job.Status {
	case model.UpgradeStatusPending, model.UpgradeStatusBackingUp, model.UpgradeStatusDownloading:
		// The step loop died with the old process before the restart point.
		// The running version is untouched; the attempt simply did not happen.
		return c.finalize(ctx, job, model.UpgradeStatusFailed, "interrupted by service restart before completion")

	case model.UpgradeStatusRestarting, model.UpgradeStatusHealthCheck:
		c.verifyRestart(ctx, job, currentVersion)
		return nil

	case model.UpgradeStatusCleanup:
		// Health was already verified before the previous process went away.
		c.cleanupArtifacts(job)
		if err := c.finalize(ctx, job, model.UpgradeStatusComplete, fmt.Sprintf("upgrade to %s complete", job.ToVersion)); err != nil {
			return err
		}
		return c.watchdog.Clear()

	case model.UpgradeStatusRollingBack:
		c.failWithRollback(ctx, job, fmt.Errorf("rollback interrupted by restart, retried"))
		return nil
	}

	return nil
}

// verifyRestart drives a restarting/health_check job to its terminal state:
// readiness probe within the bounded window, then cleanup and complete, or
// failure with rollback.
func (c *Controller) verifyRestart(ctx context.Context, job *model.UpgradeJob, currentVersion string) {
	log := zap.S().Named("upgrade")

	// A job that has been sitting in restarting/health_check longer than the
	// bounded window is not trusted; stale in-flight state fails rather than
	// lingering.
	if time.Since(job.UpdatedAt) > c.cfg.Upgrade.RestartTimeout {
		c.failWithRollback(ctx, job, fmt.Errorf("upgrade stuck in %s for more than %s", job.Status, c.cfg.Upgrade.RestartTimeout))
		return
	}

	if job.Status == model.UpgradeStatusRestarting {
		if err := c.advance(ctx, job, model.UpgradeStatusHealthCheck, "Verifying service health", progressHealthCheck); err != nil {
			log.Errorf("failed to enter health check for job %s: %v", job.ID, err)
			c.failWithRollback(ctx, job, err)
			return
		}
	}

	if !SameVersion(currentVersion, job.ToVersion) {
		c.failWithRollback(ctx, job, fmt.Errorf("service restarted on version %s, expected %s", currentVersion, job.ToVersion))
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.Upgrade.HealthCheckTimeout)
	defer cancel()

	probe := func() error { return c.probe(probeCtx) }
	if err := backoff.Retry(probe, backoff.WithContext(backoff.NewExponentialBackOff(), probeCtx)); err != nil {
		c.failWithRollback(ctx, job, fmt.Errorf("health check failed: %w", err))
		return
	}

	if err := c.advance(ctx, job, model.UpgradeStatusCleanup, "Cleaning up", progressCleanup); err != nil {
		log.Errorf("failed to enter cleanup for job %s: %v", job.ID, err)
		c.failWithRollback(ctx, job, err)
		return
	}
	c.cleanupArtifacts(job)

	if err := c.finalize(ctx, job, model.UpgradeStatusComplete, fmt.Sprintf("upgrade to %s complete", job.ToVersion)); err != nil {
		log.Errorf("failed to finalize job %s: %v", job.ID, err)
		return
	}
	if err := c.watchdog.Clear(); err != nil {
		log.Warnf("failed to clear watchdog status: %v", err)
	}
	log.Infof("upgrade %s to %s complete", job.ID, job.ToVersion)
}

// cleanupArtifacts removes staged downloads and prunes old backups. Best
// effort: a cleanup failure never fails the upgrade.
func (c *Controller) cleanupArtifacts(job *model.UpgradeJob) {
	log := zap.S().Named("upgrade")

	downloads, err := os.ReadDir(c.cfg.DownloadDir())
	if err == nil {
		for _, entry := range downloads {
			if err := os.Remove(filepath.Join(c.cfg.DownloadDir(), entry.Name())); err != nil {
				log.Warnf("failed to remove staged artifact %s: %v", entry.Name(), err)
			}
		}
	}

	if err := c.backup.Prune(5); err != nil {
		log.Warnf("failed to prune old backups: %v", err)
	}
}
