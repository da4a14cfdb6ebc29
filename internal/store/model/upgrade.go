package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UpgradeStatus is the lifecycle state of an upgrade job. These values must
// match the text values stored in the database (upgrade_jobs.status).
type UpgradeStatus string

const (
	UpgradeStatusPending     UpgradeStatus = "pending"
	UpgradeStatusBackingUp   UpgradeStatus = "backing_up"
	UpgradeStatusDownloading UpgradeStatus = "downloading"
	UpgradeStatusRestarting  UpgradeStatus = "restarting"
	UpgradeStatusHealthCheck UpgradeStatus = "health_check"
	UpgradeStatusCleanup     UpgradeStatus = "cleanup"
	UpgradeStatusComplete    UpgradeStatus = "complete"
	UpgradeStatusFailed      UpgradeStatus = "failed"
	UpgradeStatusRollingBack UpgradeStatus = "rolling_back"
)

// ActiveUpgradeStatuses is the set of non-terminal statuses. At most one row
// may carry any of these at a time; the upgrade_jobs_single_active index
// enforces it at the database level.
var ActiveUpgradeStatuses = []UpgradeStatus{
	UpgradeStatusPending,
	UpgradeStatusBackingUp,
	UpgradeStatusDownloading,
	UpgradeStatusRestarting,
	UpgradeStatusHealthCheck,
	UpgradeStatusCleanup,
	UpgradeStatusRollingBack,
}

func (s UpgradeStatus) Terminal() bool {
	return s == UpgradeStatusComplete || s == UpgradeStatusFailed
}

// DeploymentMethod describes how the running service is deployed, which
// determines how a new version is fetched and how the restart is performed.
type DeploymentMethod string

const (
	DeploymentMethodDockerSidecar DeploymentMethod = "docker-sidecar"
	DeploymentMethodManual        DeploymentMethod = "manual"
)

// UpgradeJob is one tracked attempt to move the running service from one
// version to another.
type UpgradeJob struct {
	gorm.Model
	ID                uuid.UUID        `gorm:"primaryKey"`
	FromVersion       string           `gorm:"not null"`
	ToVersion         string           `gorm:"not null"`
	DeploymentMethod  DeploymentMethod `gorm:"type:VARCHAR;size:32;not null"`
	Status            UpgradeStatus    `gorm:"type:VARCHAR;size:32;not null;index"`
	Progress          int
	CurrentStep       string
	Logs              []byte `gorm:"type:jsonb"`
	BackupPath        *string
	StartedAt         time.Time `gorm:"index;not null"`
	CompletedAt       *time.Time
	InitiatedBy       string `gorm:"not null"`
	ErrorMessage      *string
	RollbackAvailable bool
}

type UpgradeJobList []UpgradeJob

func (j UpgradeJob) String() string {
	val, _ := json.Marshal(j)
	return string(val)
}

// LogLines decodes the append-only log sequence. A job that never logged
// anything yields an empty slice.
func (j UpgradeJob) LogLines() []string {
	if len(j.Logs) == 0 {
		return []string{}
	}
	var lines []string
	if err := json.Unmarshal(j.Logs, &lines); err != nil {
		return []string{}
	}
	return lines
}

// AppendLog appends a line to the job's log sequence. Existing entries are
// never mutated.
func (j *UpgradeJob) AppendLog(line string) {
	lines := append(j.LogLines(), line)
	j.Logs, _ = json.Marshal(lines)
}

func NewUpgradeJobFromID(id uuid.UUID) *UpgradeJob {
	return &UpgradeJob{ID: id}
}
