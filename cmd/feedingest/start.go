package main

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	cli "github.com/jawher/mow.cli"
	"github.com/pkg/errors"
	"github.com/riverqueue/river"
	"github.com/xlab/closer"
	log "github.com/xlab/suplog"

	"github.com/ironscout/feedingest/feed"
	"github.com/ironscout/feedingest/internal/crypto"
	"github.com/ironscout/feedingest/internal/fetcher"
	"github.com/ironscout/feedingest/internal/notify"
	"github.com/ironscout/feedingest/internal/processor"
	"github.com/ironscout/feedingest/internal/queue"
	"github.com/ironscout/feedingest/internal/store"
	"github.com/ironscout/feedingest/internal/workerconfig"
	"github.com/ironscout/feedingest/worker"
)

// startCmd action runs the service
//
// $ feedingest start
func startCmd(cmd *cli.Cmd) {
	var (
		databaseURL *string

		allowPlainFTP *bool
		encryptionKey *string

		maxWorkers *int

		workerConfigFile *string

		notifyEndpoint *string

		statsdPrefix   *string
		statsdAddr     *string
		statsdStuckDur *string
		statsdMocking  *string
		statsdDisabled *string
	)

	initDatabaseOptions(cmd, &databaseURL)
	initFetcherOptions(cmd, &allowPlainFTP, &encryptionKey)
	initQueueOptions(cmd, &maxWorkers)
	initWorkerOptions(cmd, &workerConfigFile)
	initNotifyOptions(cmd, &notifyEndpoint)
	initStatsdOptions(cmd, &statsdPrefix, &statsdAddr, &statsdStuckDur, &statsdMocking, &statsdDisabled)

	cmd.Action = func() {
		ctx := context.Background()
		defer closer.Close()

		startMetricsGathering(statsdPrefix, statsdAddr, statsdStuckDur, statsdMocking, statsdDisabled)

		pool, err := pgxpool.New(ctx, *databaseURL)
		panicIf(err, "failed to connect to database")
		closer.Bind(func() {
			pool.Close()
		})

		feedStore := store.NewPostgresStore(pool)

		decryptor, err := crypto.NewDecryptor(*encryptionKey)
		if err != nil {
			log.WithError(err).Warningln("credential decryption key not configured; SFTP/FTP password decryption will fail")
		}

		ft := fetcher.New(decryptor, func() bool { return *allowPlainFTP })

		procCfg, err := workerconfig.Load(*workerConfigFile)
		if err != nil {
			log.WithError(err).Warningln("failed to load worker config file, using defaults")
		}

		// The river client needs the worker registry, the worker needs a
		// processor, and the processor needs to enqueue onto the very
		// client being built: enq defers that last link until the client
		// exists, breaking the cycle.
		enq := &lazyEnqueuer{}
		proc := processor.New(feedStore, enq, procCfg)

		w := worker.New(feedStore, ft, proc, notify.New(*notifyEndpoint))
		w.OnFollowUp(func(ctx context.Context, feedID string) error {
			f, err := feedStore.LoadFeed(ctx, feedID)
			if err != nil {
				return err
			}
			return enq.q.EnqueueFeedJob(ctx, queue.FeedJobArgs{
				FeedID:     f.ID,
				Trigger:    feed.TriggerManualPending,
				FeedLockID: strconv.FormatInt(f.FeedLockID, 10),
			})
		})

		workers := river.NewWorkers()
		river.AddWorker(workers, &feedJobWorker{worker: w})

		q, riverClient, err := queue.New(pool, workers, *maxWorkers)
		panicIf(err, "failed to construct queue")
		enq.q = q

		if err := riverClient.Start(ctx); err != nil {
			log.WithError(err).Fatalln("failed to start river client")
		}
		closer.Bind(func() {
			if err := riverClient.Stop(context.Background()); err != nil {
				log.WithError(err).Errorln("failed to stop river client cleanly")
			}
		})

		log.Infoln("feedingest worker started")
		closer.Hold()
	}
}

// lazyEnqueuer satisfies processor's enqueuer interface before the river
// client it forwards to exists. q is set once, right after queue.New
// returns, and never touched again.
type lazyEnqueuer struct {
	q *queue.Queue
}

func (e *lazyEnqueuer) EnqueueAlert(ctx context.Context, args queue.AlertJobArgs) error {
	return e.q.EnqueueAlert(ctx, args)
}

func (e *lazyEnqueuer) EnqueueResolver(ctx context.Context, args queue.ResolverJobArgs) error {
	return e.q.EnqueueResolver(ctx, args)
}

type feedJobWorker struct {
	river.WorkerDefaults[queue.FeedJobArgs]
	worker *worker.Worker
}

func (fw *feedJobWorker) Work(ctx context.Context, job *river.Job[queue.FeedJobArgs]) error {
	args := job.Args

	var lockID int64
	if args.FeedLockID != "" {
		id, err := strconv.ParseInt(args.FeedLockID, 10, 64)
		if err != nil {
			return errors.Wrap(err, "malformed feedLockId in job args")
		}
		lockID = id
	}

	return fw.worker.Process(ctx, worker.Job{
		FeedID:     args.FeedID,
		Trigger:    args.Trigger,
		RunID:      args.RunID,
		FeedLockID: lockID,
	})
}
