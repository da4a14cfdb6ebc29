package config

import (
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

var singleConfig *Config = nil

type Config struct {
	Database *dbConfig
	Service  *svcConfig
	Upgrade  *upgradeConfig
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"sqlite"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"/var/lib/meshmon/meshmon.db"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`
}

type svcConfig struct {
	Address        string `envconfig:"MESHMON_ADDRESS" default:":8686"`
	MetricsAddress string `envconfig:"MESHMON_METRICS_ADDRESS" default:":8687"`
	BaseUrl        string `envconfig:"MESHMON_BASE_URL" default:"http://localhost:8686"`
	LogLevel       string `envconfig:"MESHMON_LOG_LEVEL" default:"info"`
}

type upgradeConfig struct {
	Enabled          string `envconfig:"MESHMON_UPGRADE_ENABLED" default:"true"`
	DeploymentMethod string `envconfig:"MESHMON_DEPLOYMENT_METHOD" default:""`
	DataDir          string `envconfig:"MESHMON_DATA_DIR" default:"/var/lib/meshmon"`
	BackupDir        string `envconfig:"MESHMON_BACKUP_DIR" default:""`
	ConfigFiles      string `envconfig:"MESHMON_CONFIG_FILES" default:""`

	SidecarURL string `envconfig:"MESHMON_WATCHDOG_SIDECAR_URL" default:"http://127.0.0.1:9696"`
	DockerSock string `envconfig:"MESHMON_DOCKER_SOCK" default:"/var/run/docker.sock"`
	ReleaseURL string `envconfig:"MESHMON_RELEASE_URL" default:"https://api.github.com/repos/meshmon/meshmon/releases"`
	Image      string `envconfig:"MESHMON_IMAGE" default:"ghcr.io/meshmon/meshmon"`

	RestartTimeout     time.Duration `envconfig:"MESHMON_UPGRADE_RESTART_TIMEOUT" default:"5m"`
	HealthCheckTimeout time.Duration `envconfig:"MESHMON_UPGRADE_HEALTH_TIMEOUT" default:"2m"`
	MonitorInterval    time.Duration `envconfig:"MESHMON_UPGRADE_MONITOR_INTERVAL" default:"30s"`
	MinDiskBytes       uint64        `envconfig:"MESHMON_UPGRADE_MIN_DISK_BYTES" default:"524288000"`
}

func New() (*Config, error) {
	if singleConfig == nil {
		singleConfig = new(Config)
		if err := envconfig.Process("", singleConfig); err != nil {
			return nil, err
		}
	}
	return singleConfig, nil
}

// NewDefault returns a configuration suitable for tests: an in-memory sqlite
// database and a throwaway data directory.
func NewDefault() *Config {
	c := &Config{
		Database: &dbConfig{Type: "sqlite", Name: ":memory:"},
		Service:  &svcConfig{Address: ":8686", MetricsAddress: ":8687", LogLevel: "info"},
		Upgrade: &upgradeConfig{
			Enabled:            "true",
			DataDir:            "/tmp/meshmon",
			RestartTimeout:     5 * time.Minute,
			HealthCheckTimeout: 2 * time.Minute,
			MonitorInterval:    30 * time.Second,
			MinDiskBytes:       1,
		},
	}
	return c
}

// UpgradeEnabled reports whether the self-upgrade subsystem is switched on.
func (c *Config) UpgradeEnabled() bool {
	return c.Upgrade != nil && c.Upgrade.Enabled != "false"
}

// ResolvedBackupDir returns the backup directory, defaulting under the data dir.
func (c *Config) ResolvedBackupDir() string {
	if c.Upgrade.BackupDir != "" {
		return c.Upgrade.BackupDir
	}
	return filepath.Join(c.Upgrade.DataDir, "backups")
}

// StatusFilePath is the location of the out-of-band watchdog status file.
func (c *Config) StatusFilePath() string {
	return filepath.Join(c.Upgrade.DataDir, "upgrade-status.json")
}

// DownloadDir is where the manual deployment driver stages fetched artifacts.
func (c *Config) DownloadDir() string {
	return filepath.Join(c.Upgrade.DataDir, "downloads")
}
