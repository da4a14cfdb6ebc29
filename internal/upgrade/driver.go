package upgrade

import (
	"context"
	"net/http"
	"time"

	"github.com/meshmon/meshmon/internal/config"
	"github.com/meshmon/meshmon/internal/store/model"
	"go.uber.org/zap"
)

// DeploymentDriver performs the deployment specific parts of an upgrade:
// fetching the new version's artifact and issuing the process terminating
// restart.
//
// Restart is expected, on success, not to return: the surrounding runtime
// kills the calling process. Implementations treat "no return" as the success
// path. A returned error means the restart could not even be issued.
type DeploymentDriver interface {
	Method() model.DeploymentMethod
	LatestVersion(ctx context.Context) (string, error)
	Download(ctx context.Context, targetVersion string) error
	Restart(ctx context.Context) error
}

// DetectDeploymentMethod picks the deployment method for this process: an
// explicit configuration override wins, then sidecar reachability, else
// manual.
func DetectDeploymentMethod(ctx context.Context, cfg *config.Config) model.DeploymentMethod {
	switch cfg.Upgrade.DeploymentMethod {
	case string(model.DeploymentMethodDockerSidecar):
		return model.DeploymentMethodDockerSidecar
	case string(model.DeploymentMethodManual):
		return model.DeploymentMethodManual
	}

	if sidecarReachable(ctx, cfg.Upgrade.SidecarURL) {
		return model.DeploymentMethodDockerSidecar
	}
	return model.DeploymentMethodManual
}

// NewDeploymentDriver builds the driver for the detected method.
func NewDeploymentDriver(method model.DeploymentMethod, cfg *config.Config, releases *ReleaseSource) DeploymentDriver {
	if method == model.DeploymentMethodDockerSidecar {
		return NewDockerSidecarDriver(cfg.Upgrade.SidecarURL, cfg.Upgrade.Image, releases)
	}
	return NewManualDriver(cfg.DownloadDir(), releases)
}

func sidecarReachable(ctx context.Context, sidecarURL string) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sidecarURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		zap.S().Named("upgrade").Debugf("watchdog sidecar not reachable at %s: %v", sidecarURL, err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
