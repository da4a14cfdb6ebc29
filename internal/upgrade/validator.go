package upgrade

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	api "github.com/meshmon/meshmon/api/v1"
	"github.com/meshmon/meshmon/internal/config"
	"github.com/meshmon/meshmon/internal/store/model"
	"golang.org/x/sys/unix"
)

const (
	checkDeploymentMethod = "deployment-method"
	checkBackupDirectory  = "backup-directory"
	checkVersionSource    = "version-source"
	checkContainerRuntime = "container-runtime"
	checkWatchdogSidecar  = "watchdog-sidecar"
	checkDiskSpace        = "disk-space"
)

// ConfigurationValidator runs read-only diagnostics over the upgrade
// configuration. Every probe is side effect free and independent; all of them
// run to completion regardless of earlier failures so the caller always sees
// the full diagnostic picture.
type ConfigurationValidator struct {
	cfg      *config.Config
	method   model.DeploymentMethod
	releases *ReleaseSource
}

func NewConfigurationValidator(cfg *config.Config, method model.DeploymentMethod, releases *ReleaseSource) *ConfigurationValidator {
	return &ConfigurationValidator{cfg: cfg, method: method, releases: releases}
}

type probe struct {
	name string
	fn   func(ctx context.Context) (string, error)
}

// TestConfiguration runs the full probe set. Success is the logical AND of
// every probe's outcome.
func (v *ConfigurationValidator) TestConfiguration(ctx context.Context) api.ConfigTestResult {
	return v.run(ctx, v.probes())
}

// Preflight runs the lightweight subset used when a trigger call reserves a
// job: the probes whose failure would doom the attempt before it starts.
func (v *ConfigurationValidator) Preflight(ctx context.Context) api.ConfigTestResult {
	probes := []probe{
		{checkBackupDirectory, v.checkBackupDirectory},
		{checkVersionSource, v.checkVersionSource},
		{checkDiskSpace, v.checkDiskSpace},
	}
	if v.method == model.DeploymentMethodDockerSidecar {
		probes = append(probes, probe{checkWatchdogSidecar, v.checkWatchdogSidecar})
	}
	return v.run(ctx, probes)
}

func (v *ConfigurationValidator) probes() []probe {
	probes := []probe{
		{checkDeploymentMethod, v.checkDeploymentMethod},
		{checkBackupDirectory, v.checkBackupDirectory},
		{checkVersionSource, v.checkVersionSource},
		{checkDiskSpace, v.checkDiskSpace},
	}
	if v.method == model.DeploymentMethodDockerSidecar {
		probes = append(probes,
			probe{checkContainerRuntime, v.checkContainerRuntime},
			probe{checkWatchdogSidecar, v.checkWatchdogSidecar},
		)
	}
	return probes
}

func (v *ConfigurationValidator) run(ctx context.Context, probes []probe) api.ConfigTestResult {
	result := api.ConfigTestResult{Success: true}

	for _, p := range probes {
		detail, err := p.fn(ctx)
		check := api.ConfigCheckResult{Check: p.name, Passed: err == nil, Details: detail}
		if err != nil {
			check.Message = err.Error()
			result.Success = false
		} else {
			check.Message = "ok"
		}
		result.Results = append(result.Results, check)
	}

	if result.Success {
		result.OverallMessage = "all checks passed"
	} else {
		result.OverallMessage = "one or more checks failed"
	}
	return result
}

func (v *ConfigurationValidator) checkDeploymentMethod(ctx context.Context) (string, error) {
	return fmt.Sprintf("detected method: %s", v.method), nil
}

func (v *ConfigurationValidator) checkBackupDirectory(ctx context.Context) (string, error) {
	dir := v.cfg.ResolvedBackupDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return dir, fmt.Errorf("backup directory not writable: %w", err)
	}

	probeFile := filepath.Join(dir, ".write-probe")
	if err := os.WriteFile(probeFile, []byte("probe"), 0o644); err != nil {
		return dir, fmt.Errorf("backup directory not writable: %w", err)
	}
	defer os.Remove(probeFile)

	if _, err := os.ReadFile(probeFile); err != nil {
		return dir, fmt.Errorf("backup directory not readable: %w", err)
	}
	return dir, nil
}

func (v *ConfigurationValidator) checkVersionSource(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := v.releases.Reachable(ctx); err != nil {
		return v.cfg.Upgrade.ReleaseURL, fmt.Errorf("version source unreachable: %w", err)
	}
	return v.cfg.Upgrade.ReleaseURL, nil
}

func (v *ConfigurationValidator) checkContainerRuntime(ctx context.Context) (string, error) {
	sock := v.cfg.Upgrade.DockerSock
	conn, err := net.DialTimeout("unix", sock, 3*time.Second)
	if err != nil {
		return sock, fmt.Errorf("container runtime socket not accessible: %w", err)
	}
	_ = conn.Close()
	return sock, nil
}

func (v *ConfigurationValidator) checkWatchdogSidecar(ctx context.Context) (string, error) {
	if !sidecarReachable(ctx, v.cfg.Upgrade.SidecarURL) {
		return v.cfg.Upgrade.SidecarURL, fmt.Errorf("watchdog sidecar not responding at %s", v.cfg.Upgrade.SidecarURL)
	}
	return v.cfg.Upgrade.SidecarURL, nil
}

func (v *ConfigurationValidator) checkDiskSpace(ctx context.Context) (string, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(v.cfg.Upgrade.DataDir, &stat); err != nil {
		return v.cfg.Upgrade.DataDir, fmt.Errorf("statfs failed: %w", err)
	}

	free := stat.Bavail * uint64(stat.Bsize)
	detail := fmt.Sprintf("%d bytes free", free)
	if free < v.cfg.Upgrade.MinDiskBytes {
		return detail, fmt.Errorf("insufficient disk headroom: %d bytes free, %d required", free, v.cfg.Upgrade.MinDiskBytes)
	}
	return detail, nil
}
