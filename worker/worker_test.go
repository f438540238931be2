package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ironscout/feedingest/feed"
	"github.com/ironscout/feedingest/internal/fetcher"
	"github.com/ironscout/feedingest/internal/notify"
	"github.com/ironscout/feedingest/internal/processor"
	"github.com/ironscout/feedingest/internal/queue"
)

// fakeStore is an in-memory feed.Store sufficient to drive the orchestrator
// state machine without a database.
type fakeStore struct {
	feed.Store

	feeds map[string]*feed.Feed
	runs  map[string]*feed.FeedRun

	locked map[int64]bool

	tryAcquireResult bool
	tryAcquireErr    error

	createRunCalls int
	finalizeCalls  []*feed.FeedRun
	scheduleCalls  []scheduleCall
	manualPending  map[string]bool
	releaseCalls   int
}

type scheduleCall struct {
	feedID              string
	status              feed.Status
	consecutiveFailures int
	nextRunAt           *time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		feeds:             make(map[string]*feed.Feed),
		runs:              make(map[string]*feed.FeedRun),
		locked:            make(map[int64]bool),
		manualPending:     make(map[string]bool),
		tryAcquireResult:  true,
	}
}

func (s *fakeStore) LoadFeed(ctx context.Context, feedID string) (*feed.Feed, error) {
	f, ok := s.feeds[feedID]
	if !ok {
		return nil, errNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *fakeStore) LoadRun(ctx context.Context, runID string) (*feed.FeedRun, error) {
	r, ok := s.runs[runID]
	if !ok {
		return nil, errNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *fakeStore) TryAcquire(ctx context.Context, lockID int64) (bool, error) {
	if s.tryAcquireErr != nil {
		return false, s.tryAcquireErr
	}
	if s.locked[lockID] {
		return false, nil
	}
	if s.tryAcquireResult {
		s.locked[lockID] = true
	}
	return s.tryAcquireResult, nil
}

func (s *fakeStore) Release(ctx context.Context, lockID int64) error {
	s.releaseCalls++
	delete(s.locked, lockID)
	return nil
}

func (s *fakeStore) IsHeld(ctx context.Context, lockID int64) (bool, error) {
	return s.locked[lockID], nil
}

func (s *fakeStore) CreateRun(ctx context.Context, run *feed.FeedRun) error {
	s.createRunCalls++
	s.runs[run.ID] = run
	return nil
}

func (s *fakeStore) FinalizeRun(ctx context.Context, run *feed.FeedRun) error {
	s.finalizeCalls = append(s.finalizeCalls, run)
	s.runs[run.ID] = run
	return nil
}

func (s *fakeStore) InsertRunErrors(ctx context.Context, errs []feed.RunError) error {
	return nil
}

func (s *fakeStore) SetManualRunPending(ctx context.Context, feedID string, pending bool) error {
	s.manualPending[feedID] = pending
	if f, ok := s.feeds[feedID]; ok {
		f.ManualRunPending = pending
	}
	return nil
}

func (s *fakeStore) UpdateFeedSchedule(ctx context.Context, feedID string, status feed.Status, consecutiveFailures int, nextRunAt *time.Time) error {
	s.scheduleCalls = append(s.scheduleCalls, scheduleCall{feedID, status, consecutiveFailures, nextRunAt})
	if f, ok := s.feeds[feedID]; ok {
		f.Status = status
		f.ConsecutiveFailures = consecutiveFailures
	}
	return nil
}

func (s *fakeStore) BreakerCounts(ctx context.Context, sourceID, runID string, expiryThreshold time.Time) (int, int, error) {
	return 0, 0, nil
}

func (s *fakeStore) Promote(ctx context.Context, runID string, t0 time.Time) (int, error) {
	return 0, nil
}

func (s *fakeStore) MemoizeChangeDetection(ctx context.Context, feedID string, mtime *time.Time, size int64, contentHash string) error {
	return nil
}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

var errNotFound = notFoundError{}

type fakeQueue struct{}

func (fakeQueue) EnqueueAlert(ctx context.Context, args queue.AlertJobArgs) error       { return nil }
func (fakeQueue) EnqueueResolver(ctx context.Context, args queue.ResolverJobArgs) error { return nil }

func newTestWorker(store *fakeStore) *Worker {
	proc := processor.New(store, fakeQueue{}, processor.Config{})
	ft := fetcher.New(nil, func() bool { return false })
	notifier := notify.New("")
	w := New(store, ft, proc, notifier)
	w.now = func() time.Time { return fixedNow }
	return w
}

var fixedNow = time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

func testFeed(id string, status feed.Status) *feed.Feed {
	return &feed.Feed{
		ID:                     id,
		SourceID:               "source-1",
		RetailerID:             "retailer-1",
		Status:                 status,
		FeedLockID:             42,
		ScheduleFrequencyHours: 24,
		ExpiryHours:            168,
		MaxRowCount:            10000,
	}
}

func TestProcess_DraftFeedSkipsSilently(t *testing.T) {
	store := newFakeStore()
	store.feeds["feed-1"] = testFeed("feed-1", feed.StatusDraft)
	w := newTestWorker(store)

	err := w.Process(context.Background(), Job{FeedID: "feed-1", Trigger: feed.TriggerScheduled})
	require.NoError(t, err)
	require.Equal(t, 0, store.createRunCalls, "a DRAFT feed must never acquire a lock or create a run")
}

func TestProcess_DisabledFeedSkipsScheduledTrigger(t *testing.T) {
	store := newFakeStore()
	store.feeds["feed-1"] = testFeed("feed-1", feed.StatusDisabled)
	w := newTestWorker(store)

	err := w.Process(context.Background(), Job{FeedID: "feed-1", Trigger: feed.TriggerScheduled})
	require.NoError(t, err)
	require.Equal(t, 0, store.createRunCalls)
}

func TestProcess_DisabledFeedRunsForManualTrigger(t *testing.T) {
	store := newFakeStore()
	store.feeds["feed-1"] = testFeed("feed-1", feed.StatusDisabled)
	w := newTestWorker(store)

	// Transport is left unset so Phase 1 fails fast without any network
	// I/O, landing the run in FAILED via finalizeFailed.
	err := w.Process(context.Background(), Job{FeedID: "feed-1", Trigger: feed.TriggerManual})
	require.NoError(t, err)
	require.Equal(t, 1, store.createRunCalls, "MANUAL must run even while DISABLED")
	require.Len(t, store.finalizeCalls, 1)
	require.Equal(t, feed.RunFailed, store.finalizeCalls[0].Status)
}

func TestProcess_FreshJobLockBusyManualTriggerSetsManualRunPending(t *testing.T) {
	store := newFakeStore()
	store.feeds["feed-1"] = testFeed("feed-1", feed.StatusEnabled)
	store.locked[42] = true // another worker holds the lock
	w := newTestWorker(store)

	err := w.Process(context.Background(), Job{FeedID: "feed-1", Trigger: feed.TriggerManual})
	require.NoError(t, err)
	require.Equal(t, 0, store.createRunCalls)
	require.True(t, store.manualPending["feed-1"])
}

func TestProcess_FreshJobLockBusyScheduledTriggerSilentSkip(t *testing.T) {
	store := newFakeStore()
	store.feeds["feed-1"] = testFeed("feed-1", feed.StatusEnabled)
	store.locked[42] = true
	w := newTestWorker(store)

	err := w.Process(context.Background(), Job{FeedID: "feed-1", Trigger: feed.TriggerScheduled})
	require.NoError(t, err)
	require.Equal(t, 0, store.createRunCalls)
	require.False(t, store.manualPending["feed-1"], "only MANUAL/MANUAL_PENDING triggers set manualRunPending on busy lock")
}

func TestProcess_RetryJobRunNoLongerRunningSkipsAsObsolete(t *testing.T) {
	store := newFakeStore()
	store.feeds["feed-1"] = testFeed("feed-1", feed.StatusEnabled)
	store.runs["run-1"] = &feed.FeedRun{ID: "run-1", FeedID: "feed-1", Status: feed.RunSucceeded}
	w := newTestWorker(store)

	err := w.Process(context.Background(), Job{FeedID: "feed-1", Trigger: feed.TriggerRetry, RunID: "run-1"})
	require.NoError(t, err)
	require.Equal(t, 0, store.releaseCalls, "an obsolete retry must never touch the lock")
}

func TestProcess_RetryJobLockBusySkips(t *testing.T) {
	store := newFakeStore()
	store.feeds["feed-1"] = testFeed("feed-1", feed.StatusEnabled)
	store.runs["run-1"] = &feed.FeedRun{ID: "run-1", FeedID: "feed-1", Status: feed.RunRunning}
	store.locked[42] = true
	w := newTestWorker(store)

	err := w.Process(context.Background(), Job{FeedID: "feed-1", Trigger: feed.TriggerRetry, RunID: "run-1"})
	require.NoError(t, err)
}

func TestProcess_FailureIncrementsConsecutiveFailuresAndSchedulesNoAutoDisableBelowThreshold(t *testing.T) {
	store := newFakeStore()
	store.feeds["feed-1"] = testFeed("feed-1", feed.StatusEnabled)
	w := newTestWorker(store)

	err := w.Process(context.Background(), Job{FeedID: "feed-1", Trigger: feed.TriggerScheduled})
	require.NoError(t, err)
	require.Len(t, store.scheduleCalls, 1)
	require.Equal(t, 1, store.scheduleCalls[0].consecutiveFailures)
	require.Equal(t, feed.StatusEnabled, store.scheduleCalls[0].status)
}

func TestProcess_AutoDisablesAtThirdConsecutiveFailure(t *testing.T) {
	store := newFakeStore()
	f := testFeed("feed-1", feed.StatusEnabled)
	f.ConsecutiveFailures = 2
	store.feeds["feed-1"] = f
	w := newTestWorker(store)

	err := w.Process(context.Background(), Job{FeedID: "feed-1", Trigger: feed.TriggerScheduled})
	require.NoError(t, err)
	require.Len(t, store.scheduleCalls, 1)
	require.Equal(t, 3, store.scheduleCalls[0].consecutiveFailures)
	require.Equal(t, feed.StatusDisabled, store.scheduleCalls[0].status)
	require.Nil(t, store.scheduleCalls[0].nextRunAt, "a disabled feed must not be rescheduled")
}

func TestProcess_ManualRunPendingFollowUpClearedOnlyAfterEnqueueSucceeds(t *testing.T) {
	store := newFakeStore()
	store.feeds["feed-1"] = testFeed("feed-1", feed.StatusEnabled)
	store.manualPending["feed-1"] = true
	store.feeds["feed-1"].ManualRunPending = true

	w := newTestWorker(store)
	followUps := 0
	w.OnFollowUp(func(ctx context.Context, feedID string) error {
		followUps++
		return nil
	})

	err := w.Process(context.Background(), Job{FeedID: "feed-1", Trigger: feed.TriggerScheduled})
	require.NoError(t, err)
	require.Equal(t, 1, followUps)
	require.False(t, store.manualPending["feed-1"], "pending flag is cleared only after the follow-up enqueue succeeds")
}

func TestProcess_ManualRunPendingLeftSetWhenFollowUpEnqueueFails(t *testing.T) {
	store := newFakeStore()
	store.feeds["feed-1"] = testFeed("feed-1", feed.StatusEnabled)
	store.manualPending["feed-1"] = true
	store.feeds["feed-1"].ManualRunPending = true

	w := newTestWorker(store)
	w.OnFollowUp(func(ctx context.Context, feedID string) error {
		return errNotFound
	})

	err := w.Process(context.Background(), Job{FeedID: "feed-1", Trigger: feed.TriggerScheduled})
	require.NoError(t, err)
	require.True(t, store.manualPending["feed-1"], "a crash/failure before the enqueue succeeds must re-trigger on the next pass")
}
