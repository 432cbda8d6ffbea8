package orchestrator

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/asdrubalvelazquez/cloud-aggregator/internal/config"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/entitlement"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/logging"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/metrics"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/provider"
	"github.com/asdrubalvelazquez/cloud-aggregator/internal/tracing"
	"github.com/asdrubalvelazquez/cloud-aggregator/pkg/models"
)

// Store defines the job persistence the orchestrator drives. Transition
// methods are compare-and-swap: they report false instead of overwriting a
// job another worker already advanced.
type Store interface {
	CreateJob(ctx context.Context, job *models.TransferJob) error
	GetJob(ctx context.Context, id string) (*models.TransferJob, error)
	GetJobItems(ctx context.Context, jobID string) ([]*models.TransferJobItem, error)
	TransitionJob(ctx context.Context, jobID, from, to string) (bool, error)
	SetJobTotals(ctx context.Context, jobID string, totalItems int, totalBytes int64) error
	SetJobError(ctx context.Context, jobID, msg string) error
	CreateJobItems(ctx context.Context, items []*models.TransferJobItem) error
	StartItem(ctx context.Context, itemID string) (bool, error)
	FinishItem(ctx context.Context, item *models.TransferJobItem) error
	AddTransferredBytes(ctx context.Context, jobID string, delta int64) error
	RequestCancel(ctx context.Context, jobID string) error
	CancelIfNotStarted(ctx context.Context, jobID string) (bool, error)
	IsCancelRequested(ctx context.Context, jobID string) (bool, error)
}

// Quota is the slice of the entitlement accounter the orchestrator uses.
type Quota interface {
	CheckTransfer(ctx context.Context, userID string, sizes []int64) (entitlement.CheckResult, error)
	CompleteUsage(ctx context.Context, jobID, userID string, bytesUsed, items int64) (bool, error)
}

// Publisher hands prepared jobs to the worker queue.
type Publisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

// Notifier delivers job lifecycle events to the dashboard.
type Notifier interface {
	Notify(ctx context.Context, event string, data interface{}) error
}

// progressFlushThreshold batches incremental byte updates so pollers see
// live progress without a database write per read.
const progressFlushThreshold = 1 << 20

// Service drives transfer jobs through Create -> Prepare -> Run.
type Service struct {
	store     Store
	quota     Quota
	providers *provider.Registry
	publisher Publisher
	notifier  Notifier
	cfg       config.TransferConfig
	logger    *logging.Logger

	// sleep is swapped out in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewService creates a new orchestrator. publisher and notifier may be nil
// when running in direct (poll-driven) mode.
func NewService(store Store, quota Quota, providers *provider.Registry, publisher Publisher, notifier Notifier, cfg config.TransferConfig, logger *logging.Logger) *Service {
	return &Service{
		store:     store,
		quota:     quota,
		providers: providers,
		publisher: publisher,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// CreateJobRequest carries one transfer request from the API layer.
type CreateJobRequest struct {
	UserID          string
	SourceProvider  string
	SourceAccountID string
	TargetProvider  string
	TargetAccountID string
	TargetFolder    string
	Items           []string
	Metadata        map[string]string
}

// Create persists the job header and the raw requested item list, then
// hands the job id to the worker queue. No provider calls happen here; the
// request path stays fast.
func (s *Service) Create(ctx context.Context, req CreateJobRequest) (*models.TransferJob, error) {
	if len(req.Items) == 0 {
		return nil, models.ErrNoItems
	}
	if s.cfg.MaxItemsPerJob > 0 && len(req.Items) > s.cfg.MaxItemsPerJob {
		return nil, fmt.Errorf("%w: %d requested, cap is %d", models.ErrTooManyItems, len(req.Items), s.cfg.MaxItemsPerJob)
	}

	job := &models.TransferJob{
		UserID:          req.UserID,
		SourceProvider:  req.SourceProvider,
		SourceAccountID: models.NormalizeExternalID(req.SourceAccountID),
		TargetProvider:  req.TargetProvider,
		TargetAccountID: models.NormalizeExternalID(req.TargetAccountID),
		TargetFolder:    req.TargetFolder,
		Status:          models.JobStatusPending,
		RequestedItems:  req.Items,
		Metadata:        req.Metadata,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	metrics.JobsCreatedTotal.Inc()

	if s.publisher != nil {
		if err := s.publisher.PublishJob(ctx, job.ID); err != nil {
			// The sweeper requeues jobs left pending; creation still
			// succeeded.
			s.logger.WithJobID(job.ID).WithError(err).Warn("Failed to publish job, sweeper will requeue")
		}
	}

	s.logger.WithJobID(job.ID).WithUserID(job.UserID).
		WithField("items", len(req.Items)).
		Info("Transfer job created")
	return job, nil
}

// Prepare fetches metadata for every requested item, computes the
// aggregate, checks it against the plan quota, and materializes the item
// rows. A job over quota lands in blocked_quota with zero item rows.
func (s *Service) Prepare(ctx context.Context, jobID string) error {
	span, ctx := tracing.StartSpan(ctx, "orchestrator.prepare")
	defer span.Finish()
	tracing.TagJob(span, jobID)

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	ok, err := s.store.TransitionJob(ctx, jobID, models.JobStatusPending, models.JobStatusPreparing)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: job %s is %s, not pending", models.ErrInvalidTransition, jobID, job.Status)
	}

	if s.cfg.MaxItemsPerJob > 0 && len(job.RequestedItems) > s.cfg.MaxItemsPerJob {
		msg := fmt.Sprintf("job requests %d items, cap is %d", len(job.RequestedItems), s.cfg.MaxItemsPerJob)
		s.failJob(ctx, jobID, models.JobStatusPreparing, msg)
		err := fmt.Errorf("%w: %s", models.ErrTooManyItems, msg)
		tracing.MarkError(span, err)
		return err
	}

	source, err := s.providers.Get(job.SourceProvider)
	if err != nil {
		s.failJob(ctx, jobID, models.JobStatusPreparing, err.Error())
		return err
	}

	items := make([]*models.TransferJobItem, 0, len(job.RequestedItems))
	var fetchFailed []*models.TransferJobItem
	var sizes []int64
	var totalBytes int64

	for i, itemID := range job.RequestedItems {
		item := &models.TransferJobItem{
			JobID:        jobID,
			Position:     i,
			SourceItemID: itemID,
			Status:       models.ItemStatusQueued,
		}

		metaCtx, cancel := context.WithTimeout(ctx, s.cfg.MetadataTimeout)
		meta, err := source.FetchMetadata(metaCtx, job.SourceAccountID, itemID)
		cancel()
		if err != nil {
			// One unreadable item does not sink the job: materialize it
			// as failed and keep going.
			item.Status = models.ItemStatusFailed
			item.ErrorMessage = err.Error()
			fetchFailed = append(fetchFailed, item)
		} else {
			item.SourceName = meta.Name
			item.SizeBytes = meta.Size
			sizes = append(sizes, meta.Size)
			totalBytes += meta.Size
		}
		items = append(items, item)
	}

	if err := s.store.SetJobTotals(ctx, jobID, len(items), totalBytes); err != nil {
		return err
	}

	check, err := s.quota.CheckTransfer(ctx, job.UserID, sizes)
	if err != nil {
		return err
	}
	if !check.Allowed {
		if err := s.store.SetJobError(ctx, jobID, check.Reason); err != nil {
			return err
		}
		if _, err := s.store.TransitionJob(ctx, jobID, models.JobStatusPreparing, models.JobStatusBlockedQuota); err != nil {
			return err
		}
		metrics.JobsCompletedTotal.WithLabelValues(models.JobStatusBlockedQuota).Inc()
		s.notify(ctx, "job.blocked_quota", job.ID)
		s.logger.WithJobID(jobID).WithField("reason", check.Reason).Warn("Job blocked by quota")
		return nil
	}

	// Items materialize as queued; the failed placeholders immediately
	// settle so the job counters reflect them.
	if err := s.store.CreateJobItems(ctx, items); err != nil {
		return err
	}
	for _, item := range fetchFailed {
		if err := s.store.FinishItem(ctx, item); err != nil {
			return err
		}
		metrics.ItemsProcessedTotal.WithLabelValues(models.ItemStatusFailed).Inc()
	}

	ok, err = s.store.TransitionJob(ctx, jobID, models.JobStatusPreparing, models.JobStatusQueued)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: job %s left preparing unexpectedly", models.ErrInvalidTransition, jobID)
	}

	s.logger.WithJobID(jobID).
		WithField("total_items", len(items)).
		WithField("total_bytes", totalBytes).
		Info("Job prepared")
	return nil
}

// Run processes every queued item in creation order and lands the job on a
// terminal status. A single item failure never aborts the job; the
// cooperative cancel flag is consulted between items only.
func (s *Service) Run(ctx context.Context, jobID string) error {
	span, ctx := tracing.StartSpan(ctx, "orchestrator.run")
	defer span.Finish()
	tracing.TagJob(span, jobID)

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	ok, err := s.store.TransitionJob(ctx, jobID, models.JobStatusQueued, models.JobStatusRunning)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: job %s is %s, not queued", models.ErrInvalidTransition, jobID, job.Status)
	}

	metrics.JobsInProgress.Inc()
	defer metrics.JobsInProgress.Dec()

	source, err := s.providers.Get(job.SourceProvider)
	if err != nil {
		s.failJob(ctx, jobID, models.JobStatusRunning, err.Error())
		tracing.MarkError(span, err)
		return err
	}
	target, err := s.providers.Get(job.TargetProvider)
	if err != nil {
		s.failJob(ctx, jobID, models.JobStatusRunning, err.Error())
		tracing.MarkError(span, err)
		return err
	}

	items, err := s.store.GetJobItems(ctx, jobID)
	if err != nil {
		return err
	}

	for _, item := range items {
		if item.Status != models.ItemStatusQueued {
			continue
		}

		cancelled, err := s.store.IsCancelRequested(ctx, jobID)
		if err != nil {
			return err
		}
		if cancelled {
			if _, err := s.store.TransitionJob(ctx, jobID, models.JobStatusRunning, models.JobStatusCancelled); err != nil {
				return err
			}
			metrics.JobsCompletedTotal.WithLabelValues(models.JobStatusCancelled).Inc()
			s.notify(ctx, "job.cancelled", jobID)
			s.logger.WithJobID(jobID).Info("Job cancelled between items")
			return nil
		}

		started, err := s.store.StartItem(ctx, item.ID)
		if err != nil {
			return err
		}
		if !started {
			continue
		}

		itemStart := time.Now()
		s.processItem(ctx, job, source, target, item)
		if err := s.store.FinishItem(ctx, item); err != nil {
			return err
		}
		metrics.ItemsProcessedTotal.WithLabelValues(item.Status).Inc()
		metrics.ItemDuration.WithLabelValues(job.TargetProvider).Observe(time.Since(itemStart).Seconds())
	}

	return s.finishJob(ctx, jobID)
}

// finishJob derives the terminal status from item outcomes and settles
// usage once.
func (s *Service) finishJob(ctx context.Context, jobID string) error {
	items, err := s.store.GetJobItems(ctx, jobID)
	if err != nil {
		return err
	}

	var done, failed, skipped int
	for _, item := range items {
		switch item.Status {
		case models.ItemStatusDone:
			done++
		case models.ItemStatusFailed:
			failed++
		case models.ItemStatusSkipped:
			skipped++
		}
	}

	final := models.FinalJobStatus(done, failed, skipped)
	ok, err := s.store.TransitionJob(ctx, jobID, models.JobStatusRunning, final)
	if err != nil {
		return err
	}
	if !ok {
		// Another actor already terminated the job (cancellation race).
		return nil
	}
	metrics.JobsCompletedTotal.WithLabelValues(final).Inc()

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	// Skipped items moved zero bytes and consume no quota; only real
	// transfers settle usage.
	if done > 0 {
		if _, err := s.quota.CompleteUsage(ctx, jobID, job.UserID, job.TransferredBytes, int64(done)); err != nil {
			s.logger.WithJobID(jobID).WithError(err).Error("Failed to settle usage")
		}
	}

	s.notify(ctx, "job."+final, jobID)
	s.logger.LogJobEvent(jobID, "finished", final, map[string]interface{}{
		"completed_items": done,
		"failed_items":    failed,
		"skipped_items":   skipped,
	})
	return nil
}

// processItem moves one item, filling in its terminal fields. Rate limits
// back off and retry the same item; every other provider error marks the
// item failed and lets the job continue.
func (s *Service) processItem(ctx context.Context, job *models.TransferJob, source, target provider.Adapter, item *models.TransferJobItem) {
	logger := s.logger.WithJobID(job.ID).WithItemID(item.ID)
	var flushed int64

	for attempt := 0; ; attempt++ {
		err := s.attemptItem(ctx, job, source, target, item, &flushed)
		if err == nil {
			return
		}

		retryAfter, rateLimited := provider.IsRateLimited(err)
		if !rateLimited {
			item.Status = models.ItemStatusFailed
			item.ErrorMessage = err.Error()
			logger.WithError(err).Warn("Item failed")
			return
		}

		if attempt >= s.cfg.MaxItemRetries {
			item.Status = models.ItemStatusFailed
			item.ErrorMessage = fmt.Sprintf("rate limit retries exhausted after %d attempts", attempt+1)
			logger.Warn("Item failed, rate limit retries exhausted")
			return
		}

		if s.cfg.MaxRateLimitWait > 0 && retryAfter > s.cfg.MaxRateLimitWait {
			retryAfter = s.cfg.MaxRateLimitWait
		}
		metrics.RateLimitRetriesTotal.WithLabelValues(job.TargetProvider).Inc()
		logger.WithField("retry_after", retryAfter.String()).Debug("Provider rate limited, backing off")
		if err := s.sleep(ctx, retryAfter); err != nil {
			item.Status = models.ItemStatusFailed
			item.ErrorMessage = err.Error()
			return
		}
	}
}

// attemptItem performs one dedupe-check-then-copy attempt.
func (s *Service) attemptItem(ctx context.Context, job *models.TransferJob, source, target provider.Adapter, item *models.TransferJobItem, flushed *int64) error {
	itemCtx := ctx
	if s.cfg.ItemTimeout > 0 {
		var cancel context.CancelFunc
		itemCtx, cancel = context.WithTimeout(ctx, s.cfg.ItemTimeout)
		defer cancel()
	}

	existing, err := target.FindExisting(itemCtx, job.TargetAccountID, job.TargetFolder, item.SourceName, item.SizeBytes)
	if err != nil {
		return err
	}
	if existing != "" {
		item.Status = models.ItemStatusSkipped
		item.TargetItemID = existing
		item.BytesTransferred = 0
		return nil
	}

	content, err := source.Download(itemCtx, job.SourceAccountID, item.SourceItemID)
	if err != nil {
		return err
	}
	defer content.Close()

	// Stream through a counting reader so pollers see byte progress while
	// the copy is in flight. flushed persists across rate-limit retries so
	// the job counter, which never decreases, ends exactly at the item
	// size.
	reader := &progressReader{
		reader:    content,
		threshold: progressFlushThreshold,
		onFlush: func(delta int64) {
			remaining := item.SizeBytes - *flushed
			if delta > remaining {
				delta = remaining
			}
			if delta <= 0 {
				return
			}
			*flushed += delta
			if err := s.store.AddTransferredBytes(ctx, job.ID, delta); err != nil {
				s.logger.WithJobID(job.ID).WithError(err).Warn("Failed to record byte progress")
			}
			metrics.BytesTransferredTotal.Add(float64(delta))
		},
	}

	result, err := target.Upload(itemCtx, job.TargetAccountID, job.TargetFolder, item.SourceName, reader, item.SizeBytes)
	if err != nil {
		return err
	}
	reader.Flush()

	// Top up whatever the chunked progress has not flushed yet.
	if remaining := item.SizeBytes - *flushed; remaining > 0 {
		*flushed = item.SizeBytes
		if err := s.store.AddTransferredBytes(ctx, job.ID, remaining); err != nil {
			s.logger.WithJobID(job.ID).WithError(err).Warn("Failed to record byte progress")
		}
		metrics.BytesTransferredTotal.Add(float64(remaining))
	}

	item.Status = models.ItemStatusDone
	item.TargetItemID = result.TargetID
	item.TargetWebURL = result.TargetURL
	item.BytesTransferred = item.SizeBytes
	return nil
}

// Cancel requests cancellation. A job that has not started terminates
// immediately; a running job stops cooperatively at the next item boundary.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	terminated, err := s.store.CancelIfNotStarted(ctx, jobID)
	if err != nil {
		return err
	}
	if terminated {
		metrics.JobsCompletedTotal.WithLabelValues(models.JobStatusCancelled).Inc()
		s.notify(ctx, "job.cancelled", jobID)
		s.logger.WithJobID(jobID).Info("Job cancelled before start")
		return nil
	}
	return s.store.RequestCancel(ctx, jobID)
}

// StatusPayload mirrors the job and item shapes for the UI poll loop.
type StatusPayload struct {
	Job   *models.TransferJob       `json:"job"`
	Items []*models.TransferJobItem `json:"items"`
}

// Status returns the job and its items for external pollers.
func (s *Service) Status(ctx context.Context, jobID string) (*StatusPayload, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	items, err := s.store.GetJobItems(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &StatusPayload{Job: job, Items: items}, nil
}

// failJob lands a job on failed from the given phase and records why.
func (s *Service) failJob(ctx context.Context, jobID, from, msg string) {
	if err := s.store.SetJobError(ctx, jobID, msg); err != nil {
		s.logger.WithJobID(jobID).WithError(err).Error("Failed to record job error")
	}
	if _, err := s.store.TransitionJob(ctx, jobID, from, models.JobStatusFailed); err != nil {
		s.logger.WithJobID(jobID).WithError(err).Error("Failed to fail job")
		return
	}
	metrics.JobsCompletedTotal.WithLabelValues(models.JobStatusFailed).Inc()
	s.notify(ctx, "job.failed", jobID)
}

func (s *Service) notify(ctx context.Context, event, jobID string) {
	if s.notifier == nil {
		return
	}
	payload, err := s.Status(ctx, jobID)
	if err != nil {
		s.logger.WithJobID(jobID).WithError(err).Warn("Failed to build webhook payload")
		return
	}
	if err := s.notifier.Notify(ctx, event, payload); err != nil {
		s.logger.WithJobID(jobID).WithError(err).Warn("Failed to deliver webhook")
	}
}

// progressReader counts bytes as they stream and flushes the count in
// batches.
type progressReader struct {
	reader    io.Reader
	threshold int64
	pending   int64
	onFlush   func(delta int64)
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.pending += int64(n)
		if r.pending >= r.threshold {
			r.Flush()
		}
	}
	return n, err
}

// Flush pushes any batched byte count to the callback.
func (r *progressReader) Flush() {
	if r.pending > 0 {
		r.onFlush(r.pending)
		r.pending = 0
	}
}
