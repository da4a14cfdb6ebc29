package upgrade_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	api "github.com/meshmon/meshmon/api/v1"
	"github.com/meshmon/meshmon/internal/config"
	"github.com/meshmon/meshmon/internal/store"
	"github.com/meshmon/meshmon/internal/store/model"
	"github.com/meshmon/meshmon/internal/upgrade"
	"github.com/meshmon/meshmon/pkg/migrations"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

const (
	insertJobStm           = "INSERT INTO upgrade_jobs (id, from_version, to_version, deployment_method, status, started_at, updated_at, initiated_by) VALUES ('%s', '2.14.0', '%s', 'manual', '%s', '%s', '%s', 'tester');"
	insertJobWithBackupStm = "INSERT INTO upgrade_jobs (id, from_version, to_version, deployment_method, status, started_at, updated_at, initiated_by, backup_path, rollback_available) VALUES ('%s', '2.14.0', '%s', 'manual', '%s', '%s', '%s', 'tester', '%s', TRUE);"
)

// fakeDriver stands in for the deployment specific parts: version resolution
// and restart are recorded, never executed.
type fakeDriver struct {
	latest        string
	downloadErr   error
	restartErr    error
	restartIssued bool
}

func (d *fakeDriver) Method() model.DeploymentMethod { return model.DeploymentMethodManual }
func (d *fakeDriver) LatestVersion(ctx context.Context) (string, error) {
	return d.latest, nil
}
func (d *fakeDriver) Download(ctx context.Context, targetVersion string) error {
	return d.downloadErr
}
func (d *fakeDriver) Restart(ctx context.Context) error {
	d.restartIssued = true
	return d.restartErr
}

var _ = Describe("upgrade controller", Ordered, func() {
	var (
		s        store.Store
		gormdb   *gorm.DB
		cfg      *config.Config
		releases *httptest.Server
		driver   *fakeDriver
		ctrl     *upgrade.Controller
		dataFile string
	)

	BeforeAll(func() {
		cfg = config.NewDefault()
		db, err := store.InitDB(cfg)
		Expect(err).To(BeNil())

		err = migrations.MigrateStore(db, cfg.Database.Type)
		Expect(err).To(BeNil())

		s = store.NewStore(db)
		gormdb = db

		releases = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"tag_name": "v2.15.0"}`)
		}))
	})

	AfterAll(func() {
		releases.Close()
		s.Close()
	})

	BeforeEach(func() {
		cfg.Upgrade.DataDir = GinkgoT().TempDir()
		cfg.Upgrade.BackupDir = ""
		cfg.Upgrade.ReleaseURL = releases.URL

		dataFile = filepath.Join(cfg.Upgrade.DataDir, "meshmon.db")
		Expect(os.WriteFile(dataFile, []byte("state-v2.14.0"), 0o644)).To(Succeed())

		driver = &fakeDriver{latest: "v2.15.0"}
		source := upgrade.NewReleaseSource(cfg.Upgrade.ReleaseURL)
		backup := upgrade.NewBackupManager(cfg.ResolvedBackupDir(), dataFile)
		watchdog := upgrade.NewStatusFile(cfg.StatusFilePath())
		validator := upgrade.NewConfigurationValidator(cfg, model.DeploymentMethodManual, source)

		probe := func(ctx context.Context) error { return nil }
		ctrl = upgrade.NewController(s, cfg, driver, backup, watchdog, validator, probe)
	})

	AfterEach(func() {
		gormdb.Exec("DELETE FROM upgrade_jobs;")
	})

	Context("trigger", func() {
		It("reserves a job and runs it up to the restart point", func() {
			result, err := ctrl.TriggerUpgrade(context.TODO(), api.UpgradeOptions{TargetVersion: "2.15.0"}, "2.14.0", "admin")
			Expect(err).To(BeNil())
			Expect(result.Success).To(BeTrue())
			Expect(result.UpgradeID).ToNot(BeNil())

			Eventually(func() model.UpgradeStatus {
				job, err := ctrl.GetUpgradeStatus(context.TODO(), *result.UpgradeID)
				if err != nil || job == nil {
					return ""
				}
				return job.Status
			}, 5*time.Second, 50*time.Millisecond).Should(Equal(model.UpgradeStatusRestarting))

			Expect(driver.restartIssued).To(BeTrue())

			job, err := ctrl.GetUpgradeStatus(context.TODO(), *result.UpgradeID)
			Expect(err).To(BeNil())
			Expect(job.BackupPath).ToNot(BeNil())
			Expect(job.RollbackAvailable).To(BeTrue())

			// The watchdog mirror must carry the restarting record: it is the
			// only state the next process can rely on.
			record, err := ctrl.GetLatestUpgradeStatus()
			Expect(err).To(BeNil())
			Expect(record).ToNot(BeNil())
			Expect(record.UpgradeID).To(Equal(*result.UpgradeID))
			Expect(record.Status).To(Equal(string(model.UpgradeStatusRestarting)))
		})

		It("resolves latest against the release feed", func() {
			result, err := ctrl.TriggerUpgrade(context.TODO(), api.UpgradeOptions{}, "2.14.0", "admin")
			Expect(err).To(BeNil())
			Expect(result.Success).To(BeTrue())

			job, err := ctrl.GetUpgradeStatus(context.TODO(), *result.UpgradeID)
			Expect(err).To(BeNil())
			Expect(job.ToVersion).To(Equal("v2.15.0"))
		})

		It("rejects a malformed target version", func() {
			result, err := ctrl.TriggerUpgrade(context.TODO(), api.UpgradeOptions{TargetVersion: "not-a-version"}, "2.14.0", "admin")
			Expect(err).To(BeNil())
			Expect(result.Success).To(BeFalse())
			Expect(result.UpgradeID).To(BeNil())
		})

		It("treats an upgrade to the running version as a no-op", func() {
			result, err := ctrl.TriggerUpgrade(context.TODO(), api.UpgradeOptions{TargetVersion: "v2.14.0"}, "2.14.0", "admin")
			Expect(err).To(BeNil())
			Expect(result.Success).To(BeTrue())
			Expect(result.UpgradeID).To(BeNil())

			count := 0
			Expect(gormdb.Raw("SELECT COUNT(*) FROM upgrade_jobs;").Scan(&count).Error).To(BeNil())
			Expect(count).To(Equal(0))
		})

		It("refuses a trigger while another upgrade is active", func() {
			tx := gormdb.Exec(fmt.Sprintf(insertJobStm, uuid.NewString(), "2.15.0", "downloading", time.Now().Format(time.RFC3339), time.Now().Format(time.RFC3339)))
			Expect(tx.Error).To(BeNil())

			result, err := ctrl.TriggerUpgrade(context.TODO(), api.UpgradeOptions{TargetVersion: "2.16.0"}, "2.14.0", "admin")
			Expect(err).To(BeNil())
			Expect(result.Success).To(BeFalse())
			Expect(result.Message).To(ContainSubstring("already in progress"))
		})

		It("skips the snapshot when backup is declined", func() {
			noBackup := false
			result, err := ctrl.TriggerUpgrade(context.TODO(), api.UpgradeOptions{TargetVersion: "2.15.0", Backup: &noBackup}, "2.14.0", "admin")
			Expect(err).To(BeNil())
			Expect(result.Success).To(BeTrue())

			Eventually(func() model.UpgradeStatus {
				job, err := ctrl.GetUpgradeStatus(context.TODO(), *result.UpgradeID)
				if err != nil || job == nil {
					return ""
				}
				return job.Status
			}, 5*time.Second, 50*time.Millisecond).Should(Equal(model.UpgradeStatusRestarting))

			job, err := ctrl.GetUpgradeStatus(context.TODO(), *result.UpgradeID)
			Expect(err).To(BeNil())
			Expect(job.BackupPath).To(BeNil())
			Expect(job.RollbackAvailable).To(BeFalse())
			Expect(job.LogLines()).To(ContainElement("backup skipped by request"))
		})
	})

	Context("cancel", func() {
		It("reports an unknown id", func() {
			result, err := ctrl.CancelUpgrade(context.TODO(), uuid.New())
			Expect(err).To(BeNil())
			Expect(result.Success).To(BeFalse())
			Expect(result.Message).To(ContainSubstring("not found"))
		})

		It("refuses to cancel a finished job", func() {
			id := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertJobStm, id, "2.15.0", "complete", time.Now().Format(time.RFC3339), time.Now().Format(time.RFC3339)))
			Expect(tx.Error).To(BeNil())

			result, err := ctrl.CancelUpgrade(context.TODO(), id)
			Expect(err).To(BeNil())
			Expect(result.Success).To(BeFalse())
			Expect(result.Message).To(ContainSubstring("already finished"))
		})

		It("refuses to cancel once the restart has been issued", func() {
			id := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertJobStm, id, "2.15.0", "restarting", time.Now().Format(time.RFC3339), time.Now().Format(time.RFC3339)))
			Expect(tx.Error).To(BeNil())

			result, err := ctrl.CancelUpgrade(context.TODO(), id)
			Expect(err).To(BeNil())
			Expect(result.Success).To(BeFalse())
			Expect(result.Message).To(ContainSubstring("no longer be cancelled"))

			job, err := ctrl.GetUpgradeStatus(context.TODO(), id)
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.UpgradeStatusRestarting))
		})

		It("fails an orphaned pre-restart job directly", func() {
			id := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertJobStm, id, "2.15.0", "pending", time.Now().Format(time.RFC3339), time.Now().Format(time.RFC3339)))
			Expect(tx.Error).To(BeNil())

			result, err := ctrl.CancelUpgrade(context.TODO(), id)
			Expect(err).To(BeNil())
			Expect(result.Success).To(BeTrue())

			job, err := ctrl.GetUpgradeStatus(context.TODO(), id)
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.UpgradeStatusFailed))
			Expect(job.CompletedAt).ToNot(BeNil())
		})
	})

	Context("history", func() {
		It("returns the newest attempts up to the limit", func() {
			for i := 0; i < 15; i++ {
				startedAt := time.Now().Add(-time.Duration(i) * time.Hour).Format(time.RFC3339)
				tx := gormdb.Exec(fmt.Sprintf(insertJobStm, uuid.NewString(), fmt.Sprintf("2.%d.0", 15+i), "failed", startedAt, startedAt))
				Expect(tx.Error).To(BeNil())
			}

			jobs, err := ctrl.GetUpgradeHistory(context.TODO(), 10)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(10))
			Expect(jobs[0].ToVersion).To(Equal("2.15.0"))
		})
	})

	Context("monitor", func() {
		It("fails a job stuck past the timeout while the process is alive", func() {
			id := uuid.New()
			stale := time.Now().Add(-30 * time.Minute).Format(time.RFC3339)
			tx := gormdb.Exec(fmt.Sprintf(insertJobStm, id, "2.15.0", "health_check", stale, stale))
			Expect(tx.Error).To(BeNil())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			monitor := upgrade.NewMonitor(ctrl, 20*time.Millisecond, time.Minute)
			monitor.Start(ctx)

			Eventually(func() model.UpgradeStatus {
				job, err := ctrl.GetUpgradeStatus(context.TODO(), id)
				if err != nil || job == nil {
					return ""
				}
				return job.Status
			}, 5*time.Second, 50*time.Millisecond).Should(Equal(model.UpgradeStatusFailed))
		})
	})

	Context("boot reconciliation", func() {
		It("fails a job interrupted before the restart point", func() {
			id := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertJobStm, id, "2.15.0", "downloading", time.Now().Format(time.RFC3339), time.Now().Format(time.RFC3339)))
			Expect(tx.Error).To(BeNil())

			Expect(ctrl.Reconcile(context.TODO(), "2.14.0")).To(Succeed())

			job, err := ctrl.GetUpgradeStatus(context.TODO(), id)
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.UpgradeStatusFailed))
			Expect(*job.ErrorMessage).To(ContainSubstring("interrupted by service restart"))
		})

		It("completes a restarting job when the new version is healthy", func() {
			id := uuid.New()
			now := time.Now().Format(time.RFC3339)
			tx := gormdb.Exec(fmt.Sprintf(insertJobStm, id, "2.15.0", "restarting", now, now))
			Expect(tx.Error).To(BeNil())

			Expect(ctrl.Reconcile(context.TODO(), "2.15.0")).To(Succeed())

			job, err := ctrl.GetUpgradeStatus(context.TODO(), id)
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.UpgradeStatusComplete))
			Expect(job.Progress).To(Equal(100))
			Expect(job.CompletedAt).ToNot(BeNil())

			// A finished upgrade leaves no watchdog record behind.
			record, err := ctrl.GetLatestUpgradeStatus()
			Expect(err).To(BeNil())
			Expect(record).To(BeNil())
		})

		It("rolls back when the service restarted on the wrong version", func() {
			backup := upgrade.NewBackupManager(cfg.ResolvedBackupDir(), dataFile)
			snapshotPath, err := backup.Snapshot(uuid.New())
			Expect(err).To(BeNil())

			// The new version scribbled over the state before dying.
			Expect(os.WriteFile(dataFile, []byte("state-v2.15.0-broken"), 0o644)).To(Succeed())

			id := uuid.New()
			now := time.Now().Format(time.RFC3339)
			tx := gormdb.Exec(fmt.Sprintf(insertJobWithBackupStm, id, "2.15.0", "restarting", now, now, snapshotPath))
			Expect(tx.Error).To(BeNil())

			Expect(ctrl.Reconcile(context.TODO(), "2.14.0")).To(Succeed())

			job, err := ctrl.GetUpgradeStatus(context.TODO(), id)
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.UpgradeStatusFailed))
			Expect(*job.ErrorMessage).To(ContainSubstring("rolled back"))

			restored, err := os.ReadFile(dataFile)
			Expect(err).To(BeNil())
			Expect(string(restored)).To(Equal("state-v2.14.0"))
		})

		It("retries a rollback that was interrupted by the restart", func() {
			backup := upgrade.NewBackupManager(cfg.ResolvedBackupDir(), dataFile)
			snapshotPath, err := backup.Snapshot(uuid.New())
			Expect(err).To(BeNil())

			Expect(os.WriteFile(dataFile, []byte("half-rolled-back"), 0o644)).To(Succeed())

			id := uuid.New()
			now := time.Now().Format(time.RFC3339)
			tx := gormdb.Exec(fmt.Sprintf(insertJobWithBackupStm, id, "2.15.0", "rolling_back", now, now, snapshotPath))
			Expect(tx.Error).To(BeNil())

			Expect(ctrl.Reconcile(context.TODO(), "2.14.0")).To(Succeed())

			job, err := ctrl.GetUpgradeStatus(context.TODO(), id)
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.UpgradeStatusFailed))

			restored, err := os.ReadFile(dataFile)
			Expect(err).To(BeNil())
			Expect(string(restored)).To(Equal("state-v2.14.0"))
		})

		It("fails a job stuck past the restart timeout", func() {
			id := uuid.New()
			stale := time.Now().Add(-30 * time.Minute).Format(time.RFC3339)
			tx := gormdb.Exec(fmt.Sprintf(insertJobStm, id, "2.15.0", "restarting", stale, stale))
			Expect(tx.Error).To(BeNil())

			Expect(ctrl.Reconcile(context.TODO(), "2.15.0")).To(Succeed())

			job, err := ctrl.GetUpgradeStatus(context.TODO(), id)
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.UpgradeStatusFailed))
			Expect(*job.ErrorMessage).To(ContainSubstring("stuck in restarting"))
		})

		It("rolls back a job stuck past the restart timeout when a backup exists", func() {
			backup := upgrade.NewBackupManager(cfg.ResolvedBackupDir(), dataFile)
			snapshotPath, err := backup.Snapshot(uuid.New())
			Expect(err).To(BeNil())

			Expect(os.WriteFile(dataFile, []byte("state-v2.15.0-broken"), 0o644)).To(Succeed())

			id := uuid.New()
			stale := time.Now().Add(-30 * time.Minute).Format(time.RFC3339)
			tx := gormdb.Exec(fmt.Sprintf(insertJobWithBackupStm, id, "2.15.0", "restarting", stale, stale, snapshotPath))
			Expect(tx.Error).To(BeNil())

			Expect(ctrl.Reconcile(context.TODO(), "2.14.0")).To(Succeed())

			job, err := ctrl.GetUpgradeStatus(context.TODO(), id)
			Expect(err).To(BeNil())
			Expect(job.Status).To(Equal(model.UpgradeStatusFailed))
			Expect(*job.ErrorMessage).To(ContainSubstring("stuck in restarting"))
			Expect(*job.ErrorMessage).To(ContainSubstring("rolled back"))

			restored, err := os.ReadFile(dataFile)
			Expect(err).To(BeNil())
			Expect(string(restored)).To(Equal("state-v2.14.0"))
		})

		It("clears a stale watchdog record with no active job", func() {
			watchdog := upgrade.NewStatusFile(cfg.StatusFilePath())
			Expect(watchdog.Write(uuid.New(), model.UpgradeStatusRestarting, "2.15.0", "Restarting service")).To(Succeed())

			Expect(ctrl.Reconcile(context.TODO(), "2.14.0")).To(Succeed())

			record, err := watchdog.Read()
			Expect(err).To(BeNil())
			Expect(record).To(BeNil())
		})

		It("does nothing on a clean boot", func() {
			Expect(ctrl.Reconcile(context.TODO(), "2.14.0")).To(Succeed())
		})
	})
})
