package v1

import (
	api "github.com/meshmon/meshmon/api/v1"
	"github.com/meshmon/meshmon/internal/store/model"
)

func toAPIUpgradeJob(job *model.UpgradeJob) api.UpgradeJob {
	return api.UpgradeJob{
		ID:                job.ID,
		FromVersion:       job.FromVersion,
		ToVersion:         job.ToVersion,
		DeploymentMethod:  string(job.DeploymentMethod),
		Status:            string(job.Status),
		Progress:          job.Progress,
		CurrentStep:       job.CurrentStep,
		Logs:              job.LogLines(),
		BackupPath:        job.BackupPath,
		StartedAt:         job.StartedAt,
		CompletedAt:       job.CompletedAt,
		InitiatedBy:       job.InitiatedBy,
		ErrorMessage:      job.ErrorMessage,
		RollbackAvailable: job.RollbackAvailable,
	}
}

func toAPIUpgradeJobList(jobs model.UpgradeJobList) []api.UpgradeJob {
	out := make([]api.UpgradeJob, 0, len(jobs))
	for i := range jobs {
		out = append(out, toAPIUpgradeJob(&jobs[i]))
	}
	return out
}
