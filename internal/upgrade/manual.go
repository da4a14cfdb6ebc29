package upgrade

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/meshmon/meshmon/internal/store/model"
	"go.uber.org/zap"
)

const downloadTimeout = 10 * time.Minute

// ManualDriver serves deployments where an external supervisor (systemd,
// runit, a shell loop) owns the process. Download stages the release tarball
// next to the data dir; Restart hands control back to the supervisor by
// terminating the process, which is configured to restart it on the staged
// version.
type ManualDriver struct {
	downloadDir string
	releases    *ReleaseSource
	client      *http.Client

	// signalSelf is swapped out in tests. The default delivers SIGTERM to the
	// current process so the supervisor observes a clean exit and restarts.
	signalSelf func() error
}

var _ DeploymentDriver = (*ManualDriver)(nil)

func NewManualDriver(downloadDir string, releases *ReleaseSource) *ManualDriver {
	return &ManualDriver{
		downloadDir: downloadDir,
		releases:    releases,
		client:      &http.Client{Timeout: downloadTimeout},
		signalSelf: func() error {
			return syscall.Kill(os.Getpid(), syscall.SIGTERM)
		},
	}
}

func (d *ManualDriver) Method() model.DeploymentMethod {
	return model.DeploymentMethodManual
}

func (d *ManualDriver) LatestVersion(ctx context.Context) (string, error) {
	return d.releases.LatestVersion(ctx)
}

// Download fetches the release tarball and its published checksum, verifies
// them, and stages the artifact under the download dir. Any failure leaves no
// partially written file behind.
func (d *ManualDriver) Download(ctx context.Context, targetVersion string) error {
	if err := os.MkdirAll(d.downloadDir, 0o755); err != nil {
		return NewErrDownloadFailed(targetVersion, err)
	}

	wantSum, err := d.fetchChecksum(ctx, targetVersion)
	if err != nil {
		return NewErrDownloadFailed(targetVersion, err)
	}

	finalPath := filepath.Join(d.downloadDir, fmt.Sprintf("meshmon-%s.tar.gz", targetVersion))

	operation := func() error {
		return d.fetchArtifact(ctx, targetVersion, finalPath, wantSum)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return NewErrDownloadFailed(targetVersion, err)
	}

	zap.S().Named("upgrade").Infof("staged release artifact: %s", finalPath)
	return nil
}

// Restart terminates the process so the external supervisor can start the
// staged version. It blocks until termination; returning would falsely signal
// a completed restart.
func (d *ManualDriver) Restart(ctx context.Context) error {
	zap.S().Named("upgrade").Info("handing off to supervisor for restart")
	if err := d.signalSelf(); err != nil {
		return fmt.Errorf("signaling supervisor restart: %w", err)
	}
	<-ctx.Done()
	return nil
}

func (d *ManualDriver) fetchChecksum(ctx context.Context, version string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.releases.ChecksumURL(version), nil)
	if err != nil {
		return "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("checksum fetch returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	// published as "<hex>  <filename>" or a bare hex digest
	sum := strings.Fields(strings.TrimSpace(string(data)))
	if len(sum) == 0 {
		return "", fmt.Errorf("empty checksum file")
	}
	return sum[0], nil
}

func (d *ManualDriver) fetchArtifact(ctx context.Context, version, finalPath, wantSum string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.releases.ArtifactURL(version), nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("artifact fetch returned %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(d.downloadDir, ".download-*")
	if err != nil {
		return backoff.Permanent(err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return backoff.Permanent(err)
	}
	if err := tmp.Close(); err != nil {
		return backoff.Permanent(err)
	}

	got := hex.EncodeToString(hasher.Sum(nil))
	if got != wantSum {
		return fmt.Errorf("artifact checksum mismatch: want %s got %s", wantSum, got)
	}

	return os.Rename(tmpName, finalPath)
}
