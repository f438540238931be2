// Package queue defines the feed/alert/resolver job payloads (§6) and a
// River-backed enqueue wrapper shared across the worker and its producers.
package queue

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"

	"github.com/ironscout/feedingest/feed"
)

// FeedJobArgs is the input to one worker invocation (§6). feedLockId is
// transported as a decimal string because 64-bit ints are not JSON-safe.
type FeedJobArgs struct {
	FeedID     string      `json:"feedId" river:"unique"`
	Trigger    feed.Trigger `json:"trigger"`
	RunID      string      `json:"runId,omitempty"`
	FeedLockID string      `json:"feedLockId,omitempty"`
}

func (FeedJobArgs) Kind() string { return "feed_run" }

// AlertJobArgs is published on PRICE_DROP or BACK_IN_STOCK topics. The
// enqueuer never sets a job id: dedup/cooldown is owned by the alerter.
type AlertJobArgs struct {
	ExecutionID string  `json:"executionId"`
	ProductID   string  `json:"productId"`
	OldPrice    *string `json:"oldPrice,omitempty"`
	NewPrice    *string `json:"newPrice,omitempty"`
	InStock     *bool   `json:"inStock,omitempty"`
	Topic       string  `json:"topic"`
}

func (AlertJobArgs) Kind() string { return "alert" }

// ResolverJobArgs enqueues an unmatched source product for downstream
// canonicalization; the resolver worker itself is out of scope (§1).
type ResolverJobArgs struct {
	SourceProductID    string `json:"sourceProductId"`
	Reason             string `json:"reason"`
	ResolverVersion    string `json:"resolverVersion"`
	SourceID           string `json:"sourceId"`
	IdentityKey        string `json:"identityKey"`
	AffiliateFeedRunID string `json:"affiliateFeedRunId"`
}

func (ResolverJobArgs) Kind() string { return "resolver" }

// Queue wraps a river.Client for enqueueing. The worker loop is driven
// directly by river's own runner in cmd/feedingest; this type exists only
// to give producers (processor, the worker's MANUAL_PENDING follow-ups) a
// narrow enqueue surface.
type Queue struct {
	client *river.Client[pgx.Tx]
}

func New(pool *pgxpool.Pool, workers *river.Workers, maxWorkers int) (*Queue, *river.Client[pgx.Tx], error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: maxWorkers},
		},
		Workers: workers,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to construct river client")
	}
	return &Queue{client: client}, client, nil
}

func (q *Queue) EnqueueFeedJob(ctx context.Context, args FeedJobArgs) error {
	_, err := q.client.Insert(ctx, args, nil)
	if err != nil {
		return errors.Wrap(err, "enqueue feed job failed")
	}
	return nil
}

// EnqueueAlert never sets a job id: the alerter owns dedup/cooldown.
func (q *Queue) EnqueueAlert(ctx context.Context, args AlertJobArgs) error {
	_, err := q.client.Insert(ctx, args, nil)
	if err != nil {
		return errors.Wrap(err, "enqueue alert job failed")
	}
	return nil
}

func (q *Queue) EnqueueResolver(ctx context.Context, args ResolverJobArgs) error {
	_, err := q.client.Insert(ctx, args, nil)
	if err != nil {
		return errors.Wrap(err, "enqueue resolver job failed")
	}
	return nil
}
