package upgrade

import (
	"fmt"

	"github.com/google/uuid"
)

type ErrUpgradeNotFound struct {
	error
}

func NewErrUpgradeNotFound(id uuid.UUID) *ErrUpgradeNotFound {
	return &ErrUpgradeNotFound{fmt.Errorf("upgrade %s not found", id)}
}

type ErrBackupCorrupted struct {
	error
}

func NewErrBackupCorrupted(message string) *ErrBackupCorrupted {
	return &ErrBackupCorrupted{fmt.Errorf("backup artifact corrupted: %s", message)}
}

// ErrRollbackFailed is fatal: the upgrade failed and the pre-upgrade state
// could not be restored. Requires operator intervention.
type ErrRollbackFailed struct {
	error
}

func NewErrRollbackFailed(id uuid.UUID, cause error) *ErrRollbackFailed {
	return &ErrRollbackFailed{fmt.Errorf("rollback of upgrade %s failed: %w", id, cause)}
}

type ErrDownloadFailed struct {
	error
}

func NewErrDownloadFailed(version string, cause error) *ErrDownloadFailed {
	return &ErrDownloadFailed{fmt.Errorf("downloading version %s: %w", version, cause)}
}
