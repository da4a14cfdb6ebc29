package upgrade

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/meshmon/meshmon/internal/store/model"
	"go.uber.org/zap"
)

const (
	sidecarPullTimeout     = 10 * time.Minute
	sidecarRecreateTimeout = 30 * time.Second
)

// DockerSidecarDriver delegates the container recreation to an external
// watchdog sidecar: a small independent container sharing the docker socket,
// which survives when this process's container is torn down. The driver only
// talks to the sidecar's HTTP API; it never touches the docker daemon itself.
type DockerSidecarDriver struct {
	sidecarURL string
	image      string
	releases   *ReleaseSource
	client     *http.Client
}

var _ DeploymentDriver = (*DockerSidecarDriver)(nil)

func NewDockerSidecarDriver(sidecarURL, image string, releases *ReleaseSource) *DockerSidecarDriver {
	return &DockerSidecarDriver{
		sidecarURL: sidecarURL,
		image:      image,
		releases:   releases,
		client:     &http.Client{Timeout: sidecarPullTimeout},
	}
}

func (d *DockerSidecarDriver) Method() model.DeploymentMethod {
	return model.DeploymentMethodDockerSidecar
}

func (d *DockerSidecarDriver) LatestVersion(ctx context.Context) (string, error) {
	return d.releases.LatestVersion(ctx)
}

// Download asks the sidecar to pull the target image ahead of the restart, so
// the recreation itself is fast and does not depend on the network.
func (d *DockerSidecarDriver) Download(ctx context.Context, targetVersion string) error {
	body := map[string]string{
		"image": fmt.Sprintf("%s:%s", d.image, targetVersion),
	}

	operation := func() error {
		if err := d.post(ctx, "/api/pull", body, sidecarPullTimeout); err != nil {
			return err
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return NewErrDownloadFailed(targetVersion, err)
	}

	zap.S().Named("upgrade").Infof("sidecar pulled image %s:%s", d.image, targetVersion)
	return nil
}

// Restart instructs the sidecar to recreate this container with the image
// pulled during Download. On success the sidecar kills the current container:
// this call is not expected to return, and the function deliberately blocks
// until the context is done rather than reporting success it cannot observe.
func (d *DockerSidecarDriver) Restart(ctx context.Context) error {
	if err := d.post(ctx, "/api/recreate", map[string]string{}, sidecarRecreateTimeout); err != nil {
		return fmt.Errorf("signaling sidecar recreate: %w", err)
	}

	zap.S().Named("upgrade").Info("recreate signal accepted, waiting for termination")
	<-ctx.Done()
	return nil
}

func (d *DockerSidecarDriver) post(ctx context.Context, path string, body interface{}, timeout time.Duration) error {
	data, err := json.Marshal(body)
	if err != nil {
		return backoff.Permanent(err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.sidecarURL+path, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sidecar %s returned %d", path, resp.StatusCode)
	}
	return nil
}
