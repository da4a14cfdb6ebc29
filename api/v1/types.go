// Package v1 holds the wire types shared between the upgrade orchestrator and
// its REST surface.
package v1

import (
	"time"

	"github.com/google/uuid"
)

// UpgradeOptions are the caller supplied knobs for triggering an upgrade.
type UpgradeOptions struct {
	// TargetVersion is "latest" or an explicit semantic version. Empty means
	// "latest".
	TargetVersion string `json:"targetVersion,omitempty"`
	// Force skips the same-version short-circuit. It does not bypass preflight.
	Force bool `json:"force,omitempty"`
	// Backup controls whether a snapshot is taken before the upgrade.
	// Defaults to true when omitted.
	Backup *bool `json:"backup,omitempty"`
}

// TriggerResult is returned synchronously from a trigger call. UpgradeID is
// set only when a job was actually created.
type TriggerResult struct {
	Success   bool       `json:"success"`
	UpgradeID *uuid.UUID `json:"upgradeId,omitempty"`
	Message   string     `json:"message"`
	Issues    []string   `json:"issues,omitempty"`
}

// CancelResult is returned from a cancel call.
type CancelResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// UpgradeJob is the wire representation of a tracked upgrade attempt.
type UpgradeJob struct {
	ID                uuid.UUID  `json:"id"`
	FromVersion       string     `json:"fromVersion"`
	ToVersion         string     `json:"toVersion"`
	DeploymentMethod  string     `json:"deploymentMethod"`
	Status            string     `json:"status"`
	Progress          int        `json:"progress"`
	CurrentStep       string     `json:"currentStep"`
	Logs              []string   `json:"logs"`
	BackupPath        *string    `json:"backupPath,omitempty"`
	StartedAt         time.Time  `json:"startedAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	InitiatedBy       string     `json:"initiatedBy"`
	ErrorMessage      *string    `json:"errorMessage,omitempty"`
	RollbackAvailable bool       `json:"rollbackAvailable"`
}

// WatchdogStatus mirrors the out-of-band status file written before each step
// transition. Readable without the main database connection.
type WatchdogStatus struct {
	UpgradeID     uuid.UUID `json:"upgradeId"`
	Status        string    `json:"status"`
	TargetVersion string    `json:"targetVersion"`
	Message       string    `json:"message"`
	Timestamp     time.Time `json:"timestamp"`
}

// ConfigCheckResult is the outcome of a single preflight probe.
type ConfigCheckResult struct {
	Check   string `json:"check"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ConfigTestResult aggregates all preflight probes. Success is the logical
// AND of all Passed flags.
type ConfigTestResult struct {
	Success        bool                `json:"success"`
	Results        []ConfigCheckResult `json:"results"`
	OverallMessage string              `json:"overallMessage"`
}

// Info reports the running service's build information.
type Info struct {
	VersionName      string `json:"versionName"`
	GitCommit        string `json:"gitCommit"`
	DeploymentMethod string `json:"deploymentMethod"`
	UpgradeEnabled   bool   `json:"upgradeEnabled"`
}
