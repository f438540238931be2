// Package worker implements the C8 Worker Orchestrator: the single job
// entrypoint that drives one feed run through lock acquisition, Phase 1,
// Phase 2, finalize, and the manual-pending follow-up (§4.8, §5).
package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	log "github.com/xlab/suplog"
	null "gopkg.in/guregu/null.v4"

	"github.com/InjectiveLabs/metrics"

	"github.com/ironscout/feedingest/feed"
	"github.com/ironscout/feedingest/internal/breaker"
	"github.com/ironscout/feedingest/internal/classify"
	"github.com/ironscout/feedingest/internal/fetcher"
	"github.com/ironscout/feedingest/internal/notify"
	"github.com/ironscout/feedingest/internal/parser"
	"github.com/ironscout/feedingest/internal/processor"
)

const maxConsecutiveFailures = 3

// Job is the input to one worker invocation (§6).
type Job struct {
	FeedID     string
	Trigger    feed.Trigger
	RunID      string
	FeedLockID int64
}

// Clock is overridable in tests so t0 can be pinned deterministically.
type Clock func() time.Time

// Worker drives the per-job state machine of §4.8.
type Worker struct {
	store     feed.Store
	fetcher   *fetcher.Fetcher
	processor *processor.Processor
	notifier  *notify.Notifier
	now       Clock

	onFollowUp func(ctx context.Context, feedID string) error

	logger  log.Logger
	svcTags metrics.Tags
}

func New(store feed.Store, ft *fetcher.Fetcher, proc *processor.Processor, notifier *notify.Notifier) *Worker {
	return &Worker{
		store:     store,
		fetcher:   ft,
		processor: proc,
		notifier:  notifier,
		now:       time.Now,
		logger:    log.WithField("svc", "worker"),
		svcTags:   metrics.Tags{"svc": "worker"},
	}
}

// Process runs one job through the full state machine of §4.8. A panic
// anywhere in the state machine is recovered and returned as an error
// rather than killing the worker process; the run record is not finalized
// in that case.
func (w *Worker) Process(ctx context.Context, job Job) (retErr error) {
	metrics.ReportFuncCall(w.svcTags)
	doneFn := metrics.ReportFuncTiming(w.svcTags)
	defer doneFn()

	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("feed_id", job.FeedID).Errorln("recovered after panic in worker process")
			metrics.ReportFuncError(w.svcTags)
			retErr = errors.Errorf("panic in worker process: %v", r)
		}
	}()

	logger := w.logger.WithField("feed_id", job.FeedID).WithField("trigger", job.Trigger)

	f, err := w.store.LoadFeed(ctx, job.FeedID)
	if err != nil {
		metrics.ReportFuncError(w.svcTags)
		return err // feed lookup failures are always transient/permanent per classify; caller classifies
	}

	if !f.IsRunnable(job.Trigger) {
		logger.Debugln("feed not runnable for this trigger, silent skip")
		return nil
	}

	var run *feed.FeedRun
	lockAcquired := false

	if job.RunID != "" {
		// Retry path: the run already exists.
		run, err = w.store.LoadRun(ctx, job.RunID)
		if err != nil {
			return err
		}
		if run.Status != feed.RunRunning {
			logger.Debugln("retried run is no longer RUNNING, skipping as obsolete")
			return nil
		}

		acquired, err := w.store.TryAcquire(ctx, f.FeedLockID)
		if err != nil {
			return err
		}
		if !acquired {
			logger.Debugln("lock busy on retry, another run owns it, exiting cleanly")
			return nil
		}
		lockAcquired = true
	} else {
		acquired, err := w.store.TryAcquire(ctx, f.FeedLockID)
		if err != nil {
			return err
		}
		if !acquired {
			if job.Trigger == feed.TriggerManual || job.Trigger == feed.TriggerManualPending {
				if err := w.store.SetManualRunPending(ctx, f.ID, true); err != nil {
					logger.WithError(err).Warningln("failed to set manualRunPending after busy lock")
				}
				return nil
			}
			logger.Debugln("lock busy, silent skip")
			return nil
		}
		lockAcquired = true

		// Critical section (§5a): createRun is the only throwable I/O
		// between lock acquire and the start of Phase 1. The new run id is
		// not written back to the job payload, so a retried job arrives
		// without RunID and takes this fresh-job path again.
		run = &feed.FeedRun{
			ID:        uuid.NewV4().String(),
			FeedID:    f.ID,
			SourceID:  f.SourceID,
			Trigger:   job.Trigger,
			Status:    feed.RunRunning,
			StartedAt: w.now(),
		}
		if err := w.store.CreateRun(ctx, run); err != nil {
			_ = w.store.Release(ctx, f.FeedLockID)
			return err
		}
	}

	defer func() {
		if !lockAcquired {
			return
		}
		// §5b: manualRunPending must be read while the lock is still held.
		pending := f.ManualRunPending
		if latest, err := w.store.LoadFeed(ctx, f.ID); err == nil {
			pending = latest.ManualRunPending
			f = latest
		}

		if err := w.store.Release(ctx, f.FeedLockID); err != nil {
			logger.WithError(err).Warningln("lock release failed, relying on session close")
		}

		if pending && f.Status == feed.StatusEnabled {
			// Follow-up enqueue happens after release; pending is cleared
			// only after the enqueue succeeds (§5b), so a crash here
			// re-triggers on the next scheduling pass.
			if err := w.enqueueFollowUp(ctx, f.ID); err == nil {
				if err := w.store.SetManualRunPending(ctx, f.ID, false); err != nil {
					logger.WithError(err).Warningln("failed to clear manualRunPending after follow-up enqueue")
				}
			} else {
				logger.WithError(err).Warningln("follow-up enqueue failed, manualRunPending left set for next pass")
			}
		}
	}()

	t0 := run.StartedAt
	if run.CorrelationID == "" {
		run.CorrelationID = uuid.NewV4().String()
	}

	phase1, phaseErr := w.executePhase1(ctx, f, run, t0)
	if phaseErr != nil {
		w.finalizeFailed(ctx, f, run, phaseErr)
		return nil
	}

	if phase1.skipped {
		run.SkippedReason = phase1.skippedReason
		w.finalizeSucceeded(ctx, f, run, t0, false)
		return nil
	}

	run.RowsRead = phase1.result.RowsRead
	run.RowsParsed = phase1.result.RowsParsed
	run.ProductsUpserted = phase1.result.ProductsUpserted
	run.PricesWritten = phase1.result.PricesWritten
	run.ProductsRejected = phase1.result.ProductsRejected
	run.DuplicateKeyCount = phase1.result.DuplicateKeyCount
	run.URLHashFallbackCount = phase1.result.URLHashFallbackCount
	run.ErrorCount = len(phase1.result.Errors)
	if len(phase1.result.Errors) > 0 {
		_ = w.store.InsertRunErrors(ctx, phase1.result.Errors)
	}

	if run.RowsRead > 0 && run.ProductsUpserted == 0 {
		code := "VALIDATION_FAILURE"
		if run.RowsParsed > 0 {
			code = "UPSERT_FAILURE"
		}
		run.FailureKind = feed.FailurePermanent
		run.FailureCode = code
		run.FailureMessage = "no products were upserted despite rows being read"
		w.finalize(ctx, f, run, feed.RunFailed, t0, false)
		return nil
	}

	if run.RowsRead > 0 {
		w.executePhase2(ctx, f, run, t0)
	}

	w.memoize(ctx, f, phase1.mtime, phase1.size, phase1.contentHash)
	w.finalizeSucceeded(ctx, f, run, t0, true)

	return nil
}

type phase1Outcome struct {
	skipped       bool
	skippedReason feed.SkippedReason
	result        processor.Phase1Result
	mtime         *time.Time
	size          int64
	contentHash   string
}

func (w *Worker) executePhase1(ctx context.Context, f *feed.Feed, run *feed.FeedRun, t0 time.Time) (phase1Outcome, error) {
	memo := fetcher.Memo{Size: 0}
	if f.LastRemoteMtime.Valid {
		mt := f.LastRemoteMtime.Time
		memo.Mtime = &mt
	}
	if f.LastRemoteSize.Valid {
		memo.Size = f.LastRemoteSize.Int64
	}
	if f.LastContentHash.Valid {
		memo.ContentHash = f.LastContentHash.String
	}

	dl, err := w.fetcher.Download(ctx, f, memo)
	if err != nil {
		return phase1Outcome{}, err
	}

	if dl.Skipped {
		return phase1Outcome{skipped: true, skippedReason: dl.SkippedReason, mtime: dl.Mtime, size: dl.Size, contentHash: dl.ContentHash}, nil
	}

	parsed, err := parser.Parse(dl.Content, f.MaxRowCount, f.ID)
	if err != nil {
		return phase1Outcome{}, err
	}

	run.RowsRead = parsed.RowsRead

	result, err := w.processor.RunPhase1(ctx, f, run, parsed.Products, t0)
	if err != nil {
		return phase1Outcome{}, err
	}
	result.RowsRead = parsed.RowsRead
	for _, e := range parsed.Errors {
		result.Errors = append(result.Errors, feed.RunError{
			RunID:     run.ID,
			Code:      e.Code,
			Message:   e.Message,
			RowNumber: rowNumber(e.RowNumber),
		})
	}

	return phase1Outcome{result: result, mtime: dl.Mtime, size: dl.Size, contentHash: dl.ContentHash}, nil
}

func (w *Worker) executePhase2(ctx context.Context, f *feed.Feed, run *feed.FeedRun, t0 time.Time) {
	expiryThreshold := t0.Add(-time.Duration(f.ExpiryHours) * time.Hour)

	activeCountBefore, seenSuccessCount, err := w.store.BreakerCounts(ctx, f.SourceID, run.ID, expiryThreshold)
	if err != nil {
		w.logger.WithError(err).Warningln("breaker counts query failed, treating as cold start")
		activeCountBefore, seenSuccessCount = 0, 0
	}

	decision := breaker.Evaluate(breaker.Inputs{
		ActiveCountBefore:      activeCountBefore,
		SeenSuccessCount:       seenSuccessCount,
		URLHashFallbackCount:   run.URLHashFallbackCount,
		TotalProductsProcessed: run.ProductsUpserted,
	})

	run.ActiveCountBefore = activeCountBefore
	run.SeenSuccessCount = seenSuccessCount
	run.WouldExpireCount = decision.WouldExpireCount

	if decision.Blocked {
		run.ExpiryBlocked = true
		run.ExpiryBlockedReason = decision.BlockedReason
		w.notifier.CircuitBreakerTriggered(ctx, f.ID, run.ID, string(decision.BlockedReason), decision.WouldExpireCount)
		return
	}

	promoted, err := w.store.Promote(ctx, run.ID, t0)
	if err != nil {
		w.logger.WithError(err).Errorln("promote failed, presence lastSeenAt is retained for next run")
		return
	}
	run.ProductsPromoted = promoted
}

func (w *Worker) memoize(ctx context.Context, f *feed.Feed, mtime *time.Time, size int64, contentHash string) {
	if contentHash == "" {
		return
	}
	if err := w.store.MemoizeChangeDetection(ctx, f.ID, mtime, size, contentHash); err != nil {
		w.logger.WithError(err).Warningln("memoize change detection failed")
	}
}

func (w *Worker) finalizeSucceeded(ctx context.Context, f *feed.Feed, run *feed.FeedRun, t0 time.Time, genuineSuccess bool) {
	hadPriorFailures := f.ConsecutiveFailures > 0
	w.finalize(ctx, f, run, feed.RunSucceeded, t0, genuineSuccess)

	if hadPriorFailures && genuineSuccess {
		w.notifier.FeedRecovered(ctx, f.ID, run.ID)
	}
}

func (w *Worker) finalizeFailed(ctx context.Context, f *feed.Feed, run *feed.FeedRun, err error) {
	run.FailureKind = classify.Classify(err)
	run.FailureCode = classify.Code(run.FailureKind, err)
	run.FailureMessage = err.Error()
	w.finalize(ctx, f, run, feed.RunFailed, run.StartedAt, false)
}

// finalize writes terminal run fields and applies the consecutive-failure
// policy of §4.8: reset + reschedule on success, increment + possibly
// auto-disable on failure.
func (w *Worker) finalize(ctx context.Context, f *feed.Feed, run *feed.FeedRun, status feed.RunStatus, t0 time.Time, genuineSuccess bool) {
	finishedAt := w.now()
	run.Status = status
	run.FinishedAt.SetValid(finishedAt)
	run.DurationMs.SetValid(finishedAt.Sub(run.StartedAt).Milliseconds())

	if err := w.store.FinalizeRun(ctx, run); err != nil {
		w.logger.WithError(err).Errorln("finalize run write failed")
	}

	var nextRunAt *time.Time

	switch status {
	case feed.RunSucceeded:
		f.ConsecutiveFailures = 0
		next := t0.Add(time.Duration(f.ScheduleFrequencyHours) * time.Hour)
		f.NextRunAt.SetValid(next)
		nextRunAt = &next
	case feed.RunFailed:
		f.ConsecutiveFailures++
		w.notifier.FeedRunFailed(ctx, f.ID, run.ID, string(run.FailureKind), run.FailureCode, run.FailureMessage)

		if f.ConsecutiveFailures >= maxConsecutiveFailures {
			f.Status = feed.StatusDisabled
			f.NextRunAt.Valid = false
			w.notifier.FeedAutoDisabled(ctx, f.ID, f.ConsecutiveFailures)
		} else if f.NextRunAt.Valid {
			next := f.NextRunAt.Time
			nextRunAt = &next
		}
	}

	if err := w.store.UpdateFeedSchedule(ctx, f.ID, f.Status, f.ConsecutiveFailures, nextRunAt); err != nil {
		w.logger.WithError(err).Errorln("update feed schedule failed")
	}
}

func rowNumber(n int) null.Int {
	var out null.Int
	out.SetValid(int64(n))
	return out
}

func (w *Worker) enqueueFollowUp(ctx context.Context, feedID string) error {
	// The caller (cmd/feedingest) wires a concrete queue.Queue into a
	// closure; by default this is a no-op so unit tests of Process don't
	// need a live queue.
	if w.onFollowUp == nil {
		return nil
	}
	return w.onFollowUp(ctx, feedID)
}

// OnFollowUp registers the callback used to enqueue the MANUAL_PENDING
// follow-up job (§4.8). Kept out of the constructor so tests can leave it
// nil and production wiring can bind it to queue.Queue.EnqueueFeedJob.
func (w *Worker) OnFollowUp(fn func(ctx context.Context, feedID string) error) {
	w.onFollowUp = fn
}
