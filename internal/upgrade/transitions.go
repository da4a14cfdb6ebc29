package upgrade

import (
	"github.com/meshmon/meshmon/internal/store/model"
)

// transitions is the closed table of legal status edges. Anything not listed
// here is rejected; the controller never writes a status the table does not
// allow.
var transitions = map[model.UpgradeStatus][]model.UpgradeStatus{
	model.UpgradeStatusPending:     {model.UpgradeStatusBackingUp, model.UpgradeStatusFailed},
	model.UpgradeStatusBackingUp:   {model.UpgradeStatusDownloading, model.UpgradeStatusFailed},
	model.UpgradeStatusDownloading: {model.UpgradeStatusRestarting, model.UpgradeStatusFailed},
	model.UpgradeStatusRestarting:  {model.UpgradeStatusHealthCheck, model.UpgradeStatusFailed},
	model.UpgradeStatusHealthCheck: {model.UpgradeStatusCleanup, model.UpgradeStatusRollingBack, model.UpgradeStatusFailed},
	model.UpgradeStatusCleanup:     {model.UpgradeStatusComplete, model.UpgradeStatusFailed},
	model.UpgradeStatusRollingBack: {model.UpgradeStatusFailed},
	model.UpgradeStatusComplete:    {},
	model.UpgradeStatusFailed:      {},
}

// CanTransition reports whether the edge from -> to is part of the declared
// transition table. Rolling back is additionally gated on rollbackAvailable
// by the controller; a reverted upgrade still terminates in failed.
func CanTransition(from, to model.UpgradeStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// cancellableStatuses are the states in which a cooperative cancellation is
// still honored. Past the restart point cancellation is structurally
// impossible: the process that would act on it is about to die.
var cancellableStatuses = map[model.UpgradeStatus]bool{
	model.UpgradeStatusPending:     true,
	model.UpgradeStatusBackingUp:   true,
	model.UpgradeStatusDownloading: true,
}

// Cancellable reports whether a job in the given status may still be cancelled.
func Cancellable(status model.UpgradeStatus) bool {
	return cancellableStatuses[status]
}
