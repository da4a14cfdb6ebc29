package upgrade

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	api "github.com/meshmon/meshmon/api/v1"
	"github.com/meshmon/meshmon/internal/config"
	"github.com/meshmon/meshmon/internal/store"
	"github.com/meshmon/meshmon/internal/store/model"
	"go.uber.org/zap"
)

// Step progress values. Advisory only, monotonic while the job is non-terminal.
const (
	progressPending     = 0
	progressBackingUp   = 10
	progressDownloading = 30
	progressRestarting  = 60
	progressHealthCheck = 75
	progressCleanup     = 90
	progressComplete    = 100
)

// ReadinessProbe confirms the freshly restarted process is operating
// correctly before an upgrade is declared complete.
type ReadinessProbe func(ctx context.Context) error

// Controller is the upgrade orchestrator: the sole owner of the job state
// machine. The history store and the watchdog status file are passive
// collaborators; every transition is decided here and persisted before the
// step's side effect runs, so a process kill between any two steps leaves
// enough durable state to resume or fail the attempt.
type Controller struct {
	store     store.Store
	cfg       *config.Config
	driver    DeploymentDriver
	backup    *BackupManager
	watchdog  *StatusFile
	validator *ConfigurationValidator
	probe     ReadinessProbe

	mu      sync.Mutex
	cancels map[uuid.UUID]*atomic.Bool
}

func NewController(
	s store.Store,
	cfg *config.Config,
	driver DeploymentDriver,
	backup *BackupManager,
	watchdog *StatusFile,
	validator *ConfigurationValidator,
	probe ReadinessProbe,
) *Controller {
	return &Controller{
		store:     s,
		cfg:       cfg,
		driver:    driver,
		backup:    backup,
		watchdog:  watchdog,
		validator: validator,
		probe:     probe,
		cancels:   make(map[uuid.UUID]*atomic.Bool),
	}
}

// IsEnabled reports whether self-upgrade is switched on for this install.
func (c *Controller) IsEnabled() bool {
	return c.cfg.UpgradeEnabled()
}

// DeploymentMethod returns the method detected at startup.
func (c *Controller) DeploymentMethod() string {
	return string(c.driver.Method())
}

// TestConfiguration runs the full preflight diagnostic set.
func (c *Controller) TestConfiguration(ctx context.Context) api.ConfigTestResult {
	return c.validator.TestConfiguration(ctx)
}

// TriggerUpgrade validates the request, atomically reserves the single active
// job slot, runs the lightweight preflight and hands off to the background
// step loop. It returns as soon as the job is durably reserved; progress is
// observed by polling.
func (c *Controller) TriggerUpgrade(ctx context.Context, opts api.UpgradeOptions, currentVersion, initiatedBy string) (api.TriggerResult, error) {
	log := zap.S().Named("upgrade")

	target := opts.TargetVersion
	if target == "" {
		target = VersionLatest
	}
	if err := ValidateTargetVersion(target); err != nil {
		return api.TriggerResult{Success: false, Message: err.Error()}, nil
	}

	if target == VersionLatest {
		resolved, err := c.driver.LatestVersion(ctx)
		if err != nil {
			return api.TriggerResult{Success: false, Message: fmt.Sprintf("could not resolve latest version: %v", err)}, nil
		}
		target = resolved
	}

	if !opts.Force && SameVersion(target, currentVersion) {
		return api.TriggerResult{
			Success: true,
			Message: fmt.Sprintf("already running version %s, nothing to do", currentVersion),
		}, nil
	}

	job := model.UpgradeJob{
		ID:               uuid.New(),
		FromVersion:      currentVersion,
		ToVersion:        target,
		DeploymentMethod: c.driver.Method(),
		Status:           model.UpgradeStatusPending,
		Progress:         progressPending,
		CurrentStep:      "Upgrade queued",
		StartedAt:        time.Now().UTC(),
		InitiatedBy:      initiatedBy,
	}
	job.AppendLog(fmt.Sprintf("upgrade from %s to %s requested by %s", currentVersion, target, initiatedBy))

	reserved, err := c.store.Upgrade().Reserve(ctx, job)
	if err != nil {
		if errors.Is(err, store.ErrUpgradeInProgress) {
			return api.TriggerResult{Success: false, Message: "an upgrade is already in progress"}, nil
		}
		return api.TriggerResult{}, err
	}

	log.Infof("upgrade %s reserved: %s -> %s", reserved.ID, currentVersion, target)

	preflight := c.validator.Preflight(ctx)
	if !preflight.Success {
		issues := make([]string, 0, len(preflight.Results))
		for _, r := range preflight.Results {
			if !r.Passed {
				issues = append(issues, fmt.Sprintf("%s: %s", r.Check, r.Message))
			}
		}
		if err := c.finalize(ctx, reserved, model.UpgradeStatusFailed, fmt.Sprintf("preflight failed: %v", issues)); err != nil {
			log.Errorf("failed to finalize job %s after preflight failure: %v", reserved.ID, err)
		}
		return api.TriggerResult{
			Success:   false,
			UpgradeID: &reserved.ID,
			Message:   "preflight checks failed",
			Issues:    issues,
		}, nil
	}

	// The watchdog mirror exists from trigger time so an early crash is
	// already observable out-of-band.
	if err := c.watchdog.Write(reserved.ID, reserved.Status, reserved.ToVersion, reserved.CurrentStep); err != nil {
		if ferr := c.finalize(ctx, reserved, model.UpgradeStatusFailed, fmt.Sprintf("watchdog status write failed: %v", err)); ferr != nil {
			log.Errorf("failed to finalize job %s: %v", reserved.ID, ferr)
		}
		return api.TriggerResult{Success: false, UpgradeID: &reserved.ID, Message: "could not persist watchdog status"}, nil
	}

	cancelFlag := &atomic.Bool{}
	c.mu.Lock()
	c.cancels[reserved.ID] = cancelFlag
	c.mu.Unlock()

	wantBackup := opts.Backup == nil || *opts.Backup
	go c.runUpgrade(reserved.ID, wantBackup, cancelFlag)

	return api.TriggerResult{
		Success:   true,
		UpgradeID: &reserved.ID,
		Message:   fmt.Sprintf("upgrade to %s started", target),
	}, nil
}

// CancelUpgrade requests cooperative cancellation. It succeeds only while the
// job has not reached the restart point; once the restart has been issued the
// process acting on the cancellation is about to die, so cancellation past
// that point always fails and leaves the job untouched.
func (c *Controller) CancelUpgrade(ctx context.Context, id uuid.UUID) (api.CancelResult, error) {
	job, err := c.store.Upgrade().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return api.CancelResult{Success: false, Message: NewErrUpgradeNotFound(id).Error()}, nil
		}
		return api.CancelResult{}, err
	}

	if job.Status.Terminal() {
		return api.CancelResult{Success: false, Message: fmt.Sprintf("upgrade already finished with status %s", job.Status)}, nil
	}
	if !Cancellable(job.Status) {
		return api.CancelResult{
			Success: false,
			Message: fmt.Sprintf("upgrade in status %s can no longer be cancelled: the restart has been issued", job.Status),
		}, nil
	}

	c.mu.Lock()
	flag, running := c.cancels[job.ID]
	c.mu.Unlock()

	if running {
		flag.Store(true)
		return api.CancelResult{Success: true, Message: "cancellation requested"}, nil
	}

	// No step loop is driving this job (it was orphaned by a crash before the
	// restart point); finalize it directly.
	if err := c.finalize(ctx, job, model.UpgradeStatusFailed, "cancelled by user"); err != nil {
		return api.CancelResult{}, err
	}
	return api.CancelResult{Success: true, Message: "upgrade cancelled"}, nil
}

// GetUpgradeStatus returns the job, or nil for a never-issued id.
func (c *Controller) GetUpgradeStatus(ctx context.Context, id uuid.UUID) (*model.UpgradeJob, error) {
	job, err := c.store.Upgrade().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// GetActiveUpgrade returns the single non-terminal job, or nil.
func (c *Controller) GetActiveUpgrade(ctx context.Context) (*model.UpgradeJob, error) {
	job, err := c.store.Upgrade().GetActive(ctx)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// GetUpgradeHistory returns up to limit attempts, newest first.
func (c *Controller) GetUpgradeHistory(ctx context.Context, limit int) (model.UpgradeJobList, error) {
	return c.store.Upgrade().List(ctx,
		store.NewUpgradeQueryFilter(),
		store.NewUpgradeQueryOptions().WithSortOrder(store.SortByStartedTimeDesc).WithLimit(limit),
	)
}

// GetLatestUpgradeStatus reads the out-of-band watchdog file directly. Used by
// clients when the database-tracked job may not yet be reconciled, e.g.
// immediately after a restart.
func (c *Controller) GetLatestUpgradeStatus() (*api.WatchdogStatus, error) {
	return c.watchdog.Read()
}

// runUpgrade is the background step loop. Every failure is captured into the
// job; nothing may propagate out of this goroutine.
func (c *Controller) runUpgrade(id uuid.UUID, wantBackup bool, cancelFlag *atomic.Bool) {
	log := zap.S().Named("upgrade")
	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			log.Errorf("upgrade %s step loop panicked: %v", id, r)
			if job, err := c.store.Upgrade().Get(ctx, id); err == nil && !job.Status.Terminal() {
				_ = c.finalize(ctx, job, model.UpgradeStatusFailed, fmt.Sprintf("internal error: %v", r))
			}
		}
		c.mu.Lock()
		delete(c.cancels, id)
		c.mu.Unlock()
	}()

	job, err := c.store.Upgrade().Get(ctx, id)
	if err != nil {
		log.Errorf("upgrade %s vanished before execution: %v", id, err)
		return
	}

	// Step 1: backup.
	if c.cancelled(ctx, job, cancelFlag) {
		return
	}
	if err := c.advance(ctx, job, model.UpgradeStatusBackingUp, "Creating backup", progressBackingUp); err != nil {
		c.fail(ctx, job, err)
		return
	}
	if wantBackup {
		path, err := c.backup.Snapshot(job.ID)
		if err != nil {
			c.fail(ctx, job, fmt.Errorf("backup failed: %w", err))
			return
		}
		job.BackupPath = &path
		job.RollbackAvailable = true
		job.AppendLog(fmt.Sprintf("backup created at %s", path))
		if _, err := c.store.Upgrade().Update(ctx, *job); err != nil {
			c.fail(ctx, job, err)
			return
		}
	} else {
		job.AppendLog("backup skipped by request")
	}

	// Step 2: download.
	if c.cancelled(ctx, job, cancelFlag) {
		return
	}
	if err := c.advance(ctx, job, model.UpgradeStatusDownloading, fmt.Sprintf("Downloading version %s", job.ToVersion), progressDownloading); err != nil {
		c.fail(ctx, job, err)
		return
	}
	if err := c.driver.Download(ctx, job.ToVersion); err != nil {
		c.fail(ctx, job, err)
		return
	}
	job.AppendLog(fmt.Sprintf("version %s downloaded", job.ToVersion))

	// Step 3: restart. The watchdog write inside advance is flushed before
	// the restart is issued; nothing after Restart is guaranteed to run in
	// this process.
	if c.cancelled(ctx, job, cancelFlag) {
		return
	}
	if err := c.advance(ctx, job, model.UpgradeStatusRestarting, "Restarting service", progressRestarting); err != nil {
		c.fail(ctx, job, err)
		return
	}

	log.Infof("upgrade %s: issuing restart", job.ID)
	if err := c.driver.Restart(ctx); err != nil {
		c.fail(ctx, job, fmt.Errorf("restart could not be issued: %w", err))
		return
	}
	// Restart returned without error: the process is being torn down. The
	// reconciler in the next process takes over from here.
}

// cancelled checks the cooperative flag and finalizes the job when set.
func (c *Controller) cancelled(ctx context.Context, job *model.UpgradeJob, flag *atomic.Bool) bool {
	if !flag.Load() {
		return false
	}
	if err := c.finalize(ctx, job, model.UpgradeStatusFailed, "cancelled by user"); err != nil {
		zap.S().Named("upgrade").Errorf("failed to finalize cancelled job %s: %v", job.ID, err)
	}
	return true
}

// advance moves the job to the next status, persisting the "about to perform
// X" record to both the ledger and the watchdog file before the caller runs
// the step's side effect.
func (c *Controller) advance(ctx context.Context, job *model.UpgradeJob, to model.UpgradeStatus, step string, progress int) error {
	if !CanTransition(job.Status, to) {
		return fmt.Errorf("%w: %s -> %s", store.ErrIllegalTransition, job.Status, to)
	}

	job.Status = to
	job.CurrentStep = step
	if progress > job.Progress {
		job.Progress = progress
	}
	job.AppendLog(step)

	if _, err := c.store.Upgrade().Update(ctx, *job); err != nil {
		return err
	}
	return c.watchdog.Write(job.ID, job.Status, job.ToVersion, step)
}

// fail terminates the job in failed. Pre-restart failures never roll back:
// nothing has been changed yet, the running version is untouched.
func (c *Controller) fail(ctx context.Context, job *model.UpgradeJob, cause error) {
	zap.S().Named("upgrade").Errorf("upgrade %s failed: %v", job.ID, cause)
	if err := c.finalize(ctx, job, model.UpgradeStatusFailed, cause.Error()); err != nil {
		zap.S().Named("upgrade").Errorf("failed to finalize job %s: %v", job.ID, err)
	}
}

// failWithRollback terminates a post-restart job. When a verified backup
// exists the job passes through rolling_back and the snapshot is restored; a
// reverted upgrade still terminates in failed. A rollback failure is fatal
// and logged at high severity.
func (c *Controller) failWithRollback(ctx context.Context, job *model.UpgradeJob, cause error) {
	log := zap.S().Named("upgrade")
	log.Errorf("upgrade %s failed after restart: %v", job.ID, cause)

	alreadyRollingBack := job.Status == model.UpgradeStatusRollingBack
	canRollBack := job.RollbackAvailable && job.BackupPath != nil &&
		(alreadyRollingBack ||
			job.Status == model.UpgradeStatusRestarting ||
			CanTransition(job.Status, model.UpgradeStatusRollingBack))
	if !canRollBack {
		if err := c.finalize(ctx, job, model.UpgradeStatusFailed, cause.Error()); err != nil {
			log.Errorf("failed to finalize job %s: %v", job.ID, err)
		}
		return
	}

	if !alreadyRollingBack {
		// rolling_back is only reachable from health_check, so a job that
		// timed out while still restarting takes the intermediate step first.
		if job.Status == model.UpgradeStatusRestarting {
			if err := c.advance(ctx, job, model.UpgradeStatusHealthCheck, "Verifying service health", progressHealthCheck); err != nil {
				log.Errorf("failed to advance job %s for rollback: %v", job.ID, err)
				_ = c.finalize(ctx, job, model.UpgradeStatusFailed, cause.Error())
				return
			}
		}
		if err := c.advance(ctx, job, model.UpgradeStatusRollingBack, "Rolling back to previous version", job.Progress); err != nil {
			log.Errorf("failed to enter rollback for job %s: %v", job.ID, err)
			_ = c.finalize(ctx, job, model.UpgradeStatusFailed, cause.Error())
			return
		}
	}

	if err := c.backup.Restore(*job.BackupPath); err != nil {
		rollbackErr := NewErrRollbackFailed(job.ID, err)
		log.Errorf("ROLLBACK FAILED, operator intervention required: %v", rollbackErr)
		job.RollbackAvailable = false
		job.AppendLog(rollbackErr.Error())
		if ferr := c.finalize(ctx, job, model.UpgradeStatusFailed, fmt.Sprintf("%v; %v", cause, rollbackErr)); ferr != nil {
			log.Errorf("failed to finalize job %s: %v", job.ID, ferr)
		}
		return
	}

	job.AppendLog(fmt.Sprintf("rolled back to version %s", job.FromVersion))
	if err := c.finalize(ctx, job, model.UpgradeStatusFailed, fmt.Sprintf("%v (rolled back to %s)", cause, job.FromVersion)); err != nil {
		log.Errorf("failed to finalize job %s: %v", job.ID, err)
	}
}

// finalize moves the job into a terminal state and stamps completedAt.
func (c *Controller) finalize(ctx context.Context, job *model.UpgradeJob, to model.UpgradeStatus, message string) error {
	if job.Status != to && !CanTransition(job.Status, to) {
		return fmt.Errorf("%w: %s -> %s", store.ErrIllegalTransition, job.Status, to)
	}

	now := time.Now().UTC()
	job.Status = to
	job.CompletedAt = &now
	if to == model.UpgradeStatusComplete {
		job.Progress = progressComplete
		job.CurrentStep = "Upgrade complete"
		job.AppendLog(message)
	} else {
		job.CurrentStep = "Upgrade failed"
		job.ErrorMessage = &message
		job.AppendLog(message)
	}

	if _, err := c.store.Upgrade().Update(ctx, *job); err != nil {
		return err
	}
	return c.watchdog.Write(job.ID, job.Status, job.ToVersion, message)
}
