package upgrade

import (
	"context"
	"fmt"
	"time"

	"github.com/lthibault/jitterbug/v2"
	"github.com/meshmon/meshmon/internal/store/model"
	"go.uber.org/zap"
)

// Monitor watches the active job from inside the running process. The boot
// reconciler covers the killed-process case; the monitor covers the case
// where the restart was issued but the teardown never happened, leaving a job
// wedged in restarting or health_check while this process is still alive.
type Monitor struct {
	ctrl     *Controller
	interval time.Duration
	timeout  time.Duration
}

func NewMonitor(ctrl *Controller, interval, timeout time.Duration) *Monitor {
	return &Monitor{ctrl: ctrl, interval: interval, timeout: timeout}
}

// Start runs the watch loop until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		ticker := jitterbug.New(m.interval, &jitterbug.Norm{Stdev: 500 * time.Millisecond})
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			m.sweep(ctx)
		}
	}()
}

func (m *Monitor) sweep(ctx context.Context) {
	job, err := m.ctrl.GetActiveUpgrade(ctx)
	if err != nil {
		zap.S().Named("upgrade").Errorf("monitor sweep failed: %v", err)
		return
	}
	if job == nil {
		return
	}

	switch job.Status {
	case model.UpgradeStatusRestarting, model.UpgradeStatusHealthCheck:
		if time.Since(job.UpdatedAt) > m.timeout {
			zap.S().Named("upgrade").Warnf("upgrade %s stuck in %s for %s, failing", job.ID, job.Status, time.Since(job.UpdatedAt).Round(time.Second))
			m.ctrl.failWithRollback(ctx, job, fmt.Errorf("upgrade stuck in %s for more than %s", job.Status, m.timeout))
		}
	}
}
