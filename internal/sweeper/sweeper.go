package sweeper

import (
	"context"
	"time"

	"github.com/asdrubalvelazquez/cloud-aggregator/internal/config"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/logging"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/metrics"
	"github.com/asdrubalvelazquez/cloud-aggregator/pkg/models"
)

// Store is the persistence surface the sweeper repairs.
type Store interface {
	RepairSlotFlags(ctx context.Context) (int64, error)
	ListUsersWithSlots(ctx context.Context) ([]string, error)
	CountDistinctEverConnected(ctx context.Context, userID string) (int, error)
	SetSlotUsed(ctx context.Context, userID string, count int) (bool, error)
	ListStuckJobs(ctx context.Context, status string, olderThan time.Duration, limit int) ([]string, error)
}

// Publisher requeues jobs that were published but never consumed.
type Publisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

const stuckJobBatchSize = 100

// Sweeper runs the periodic consistency pass: ledger flag repair,
// slot_used reconciliation against the distinct ever-connected count, and
// requeueing of jobs that sat in a pre-run status past the deadline.
// Every repair is written so running it twice changes nothing the second
// time.
type Sweeper struct {
	store     Store
	publisher Publisher
	cfg       config.TransferConfig
	logger    *logging.Logger
}

// New creates a sweeper. publisher may be nil when no queue is configured;
// stuck jobs are then left for the next poll-driven worker.
func New(store Store, publisher Publisher, cfg config.TransferConfig, logger *logging.Logger) *Sweeper {
	return &Sweeper{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, sweeping on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.WithField("interval", interval.String()).Info("Sweeper started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single consistency pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.repairSlotFlags(ctx)
	s.reconcileSlotUsed(ctx)
	s.requeueStuckJobs(ctx)
}

// repairSlotFlags clears active flags that survived a crashed disconnect.
func (s *Sweeper) repairSlotFlags(ctx context.Context) {
	repaired, err := s.store.RepairSlotFlags(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to repair slot flags")
		return
	}
	if repaired > 0 {
		metrics.LedgerRepairsTotal.Add(float64(repaired))
		s.logger.WithField("repaired", repaired).Warn("Repaired inconsistent slot flags")
	}
}

// reconcileSlotUsed re-derives slot_used from the ledger for every user
// and overwrites the counter whenever it disagrees, in either direction:
// up when a crashed connect lost an increment, down when an ownership
// transfer moved a slot to another user.
func (s *Sweeper) reconcileSlotUsed(ctx context.Context) {
	users, err := s.store.ListUsersWithSlots(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list users for reconciliation")
		return
	}

	for _, userID := range users {
		count, err := s.store.CountDistinctEverConnected(ctx, userID)
		if err != nil {
			s.logger.WithUserID(userID).WithError(err).Error("Failed to count connected accounts")
			continue
		}

		changed, err := s.store.SetSlotUsed(ctx, userID, count)
		if err != nil {
			s.logger.WithUserID(userID).WithError(err).Error("Failed to reconcile slot_used")
			continue
		}
		if changed {
			metrics.SlotUsedReconciliationsTotal.Inc()
			s.logger.WithUserID(userID).WithField("slot_used", count).
				Warn("Reconciled slot_used against ledger")
		}
	}
}

// requeueStuckJobs republishes jobs parked in pending or queued longer
// than the requeue deadline, usually after a lost publish or a worker
// crash between Prepare and Run.
func (s *Sweeper) requeueStuckJobs(ctx context.Context) {
	if s.publisher == nil {
		return
	}

	for _, status := range []string{models.JobStatusPending, models.JobStatusQueued} {
		jobIDs, err := s.store.ListStuckJobs(ctx, status, s.cfg.RequeueAfter, stuckJobBatchSize)
		if err != nil {
			s.logger.WithError(err).Error("Failed to list stuck jobs")
			continue
		}

		for _, jobID := range jobIDs {
			if err := s.publisher.PublishJob(ctx, jobID); err != nil {
				s.logger.WithJobID(jobID).WithError(err).Error("Failed to requeue stuck job")
				continue
			}
			metrics.JobsRequeuedTotal.Inc()
			s.logger.WithJobID(jobID).WithField("stuck_in", status).Info("Requeued stuck job")
		}
	}
}
