package store_test

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/meshmon/meshmon/internal/config"
	"github.com/meshmon/meshmon/internal/store"
	"github.com/meshmon/meshmon/internal/store/model"
	"github.com/meshmon/meshmon/pkg/migrations"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

const (
	insertUpgradeStm = "INSERT INTO upgrade_jobs (id, from_version, to_version, deployment_method, status, started_at, initiated_by) VALUES ('%s', '2.14.0', '%s', 'manual', '%s', '%s', 'tester');"
)

var _ = Describe("upgrade store", Ordered, func() {
	var (
		s      store.Store
		gormdb *gorm.DB
	)

	newJob := func(toVersion string) model.UpgradeJob {
		return model.UpgradeJob{
			ID:               uuid.New(),
			FromVersion:      "2.14.0",
			ToVersion:        toVersion,
			DeploymentMethod: model.DeploymentMethodManual,
			Status:           model.UpgradeStatusPending,
			StartedAt:        time.Now().UTC(),
			InitiatedBy:      "tester",
		}
	}

	BeforeAll(func() {
		cfg := config.NewDefault()
		db, err := store.InitDB(cfg)
		Expect(err).To(BeNil())

		err = migrations.MigrateStore(db, cfg.Database.Type)
		Expect(err).To(BeNil())

		s = store.NewStore(db)
		gormdb = db
	})

	AfterAll(func() {
		s.Close()
	})

	AfterEach(func() {
		gormdb.Exec("DELETE FROM upgrade_jobs;")
	})

	Context("reserve", func() {
		It("successfully reserves the active slot", func() {
			job, err := s.Upgrade().Reserve(context.TODO(), newJob("2.15.0"))
			Expect(err).To(BeNil())
			Expect(job).ToNot(BeNil())

			count := 0
			err = gormdb.Raw("SELECT COUNT(*) FROM upgrade_jobs;").Scan(&count).Error
			Expect(err).To(BeNil())
			Expect(count).To(Equal(1))
		})

		It("refuses a second reservation while a job is active", func() {
			_, err := s.Upgrade().Reserve(context.TODO(), newJob("2.15.0"))
			Expect(err).To(BeNil())

			_, err = s.Upgrade().Reserve(context.TODO(), newJob("2.16.0"))
			Expect(err).To(MatchError(store.ErrUpgradeInProgress))

			count := 0
			err = gormdb.Raw("SELECT COUNT(*) FROM upgrade_jobs;").Scan(&count).Error
			Expect(err).To(BeNil())
			Expect(count).To(Equal(1))
		})

		It("refuses a reservation when a crashed attempt is still non-terminal", func() {
			tx := gormdb.Exec(fmt.Sprintf(insertUpgradeStm, uuid.NewString(), "2.15.0", "restarting", time.Now().Format(time.RFC3339)))
			Expect(tx.Error).To(BeNil())

			_, err := s.Upgrade().Reserve(context.TODO(), newJob("2.16.0"))
			Expect(err).To(MatchError(store.ErrUpgradeInProgress))
		})

		It("allows a new reservation once the previous job is terminal", func() {
			tx := gormdb.Exec(fmt.Sprintf(insertUpgradeStm, uuid.NewString(), "2.15.0", "failed", time.Now().Format(time.RFC3339)))
			Expect(tx.Error).To(BeNil())

			job, err := s.Upgrade().Reserve(context.TODO(), newJob("2.16.0"))
			Expect(err).To(BeNil())
			Expect(job).ToNot(BeNil())
		})
	})

	Context("get", func() {
		It("returns ErrRecordNotFound for a never issued id", func() {
			_, err := s.Upgrade().Get(context.TODO(), uuid.New())
			Expect(err).To(MatchError(store.ErrRecordNotFound))
		})

		It("returns the job by id", func() {
			id := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertUpgradeStm, id, "2.15.0", "complete", time.Now().Format(time.RFC3339)))
			Expect(tx.Error).To(BeNil())

			job, err := s.Upgrade().Get(context.TODO(), id)
			Expect(err).To(BeNil())
			Expect(job.ToVersion).To(Equal("2.15.0"))
			Expect(job.Status).To(Equal(model.UpgradeStatusComplete))
		})
	})

	Context("get active", func() {
		It("returns ErrRecordNotFound when nothing is running", func() {
			tx := gormdb.Exec(fmt.Sprintf(insertUpgradeStm, uuid.NewString(), "2.15.0", "complete", time.Now().Format(time.RFC3339)))
			Expect(tx.Error).To(BeNil())

			_, err := s.Upgrade().GetActive(context.TODO())
			Expect(err).To(MatchError(store.ErrRecordNotFound))
		})

		It("returns the single non-terminal job", func() {
			id := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertUpgradeStm, uuid.NewString(), "2.14.0", "failed", time.Now().Format(time.RFC3339)))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertUpgradeStm, id, "2.15.0", "downloading", time.Now().Format(time.RFC3339)))
			Expect(tx.Error).To(BeNil())

			job, err := s.Upgrade().GetActive(context.TODO())
			Expect(err).To(BeNil())
			Expect(job.ID).To(Equal(id))
			Expect(job.Status).To(Equal(model.UpgradeStatusDownloading))
		})
	})

	Context("update", func() {
		It("persists status, progress and error fields", func() {
			id := uuid.New()
			tx := gormdb.Exec(fmt.Sprintf(insertUpgradeStm, id, "2.15.0", "pending", time.Now().Format(time.RFC3339)))
			Expect(tx.Error).To(BeNil())

			job, err := s.Upgrade().Get(context.TODO(), id)
			Expect(err).To(BeNil())

			errMsg := "download failed"
			now := time.Now().UTC()
			job.Status = model.UpgradeStatusFailed
			job.Progress = 30
			job.CurrentStep = "Upgrade failed"
			job.ErrorMessage = &errMsg
			job.CompletedAt = &now
			job.AppendLog("download failed")

			_, err = s.Upgrade().Update(context.TODO(), *job)
			Expect(err).To(BeNil())

			stored, err := s.Upgrade().Get(context.TODO(), id)
			Expect(err).To(BeNil())
			Expect(stored.Status).To(Equal(model.UpgradeStatusFailed))
			Expect(stored.Progress).To(Equal(30))
			Expect(*stored.ErrorMessage).To(Equal("download failed"))
			Expect(stored.CompletedAt).ToNot(BeNil())
			Expect(stored.LogLines()).To(ContainElement("download failed"))
		})

		It("returns ErrRecordNotFound for a missing row", func() {
			_, err := s.Upgrade().Update(context.TODO(), model.UpgradeJob{ID: uuid.New()})
			Expect(err).To(MatchError(store.ErrRecordNotFound))
		})
	})

	Context("list", func() {
		It("lists newest first with a limit", func() {
			for i := 0; i < 5; i++ {
				startedAt := time.Now().Add(-time.Duration(i) * time.Hour).Format(time.RFC3339)
				tx := gormdb.Exec(fmt.Sprintf(insertUpgradeStm, uuid.NewString(), fmt.Sprintf("2.%d.0", 15+i), "failed", startedAt))
				Expect(tx.Error).To(BeNil())
			}

			jobs, err := s.Upgrade().List(context.TODO(),
				store.NewUpgradeQueryFilter(),
				store.NewUpgradeQueryOptions().WithSortOrder(store.SortByStartedTimeDesc).WithLimit(3),
			)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(3))
			Expect(jobs[0].ToVersion).To(Equal("2.15.0"))
			Expect(jobs[0].StartedAt.After(jobs[1].StartedAt)).To(BeTrue())
		})

		It("filters by status", func() {
			tx := gormdb.Exec(fmt.Sprintf(insertUpgradeStm, uuid.NewString(), "2.15.0", "failed", time.Now().Format(time.RFC3339)))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertUpgradeStm, uuid.NewString(), "2.16.0", "complete", time.Now().Format(time.RFC3339)))
			Expect(tx.Error).To(BeNil())

			jobs, err := s.Upgrade().List(context.TODO(),
				store.NewUpgradeQueryFilter().ByStatus(model.UpgradeStatusComplete),
				store.NewUpgradeQueryOptions(),
			)
			Expect(err).To(BeNil())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].ToVersion).To(Equal("2.16.0"))
		})
	})

	Context("statistics", func() {
		It("groups totals by status", func() {
			tx := gormdb.Exec(fmt.Sprintf(insertUpgradeStm, uuid.NewString(), "2.15.0", "failed", time.Now().Format(time.RFC3339)))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertUpgradeStm, uuid.NewString(), "2.16.0", "failed", time.Now().Format(time.RFC3339)))
			Expect(tx.Error).To(BeNil())
			tx = gormdb.Exec(fmt.Sprintf(insertUpgradeStm, uuid.NewString(), "2.17.0", "downloading", time.Now().Format(time.RFC3339)))
			Expect(tx.Error).To(BeNil())

			stats, err := s.Statistics(context.TODO())
			Expect(err).To(BeNil())
			Expect(stats.Total).To(Equal(int64(3)))
			Expect(stats.Active).To(Equal(int64(1)))
			Expect(stats.TotalByStatus[model.UpgradeStatusFailed]).To(Equal(int64(2)))
		})
	})
})
