package feed

import (
	"context"
	"time"
)

// Locker is the C2 Advisory Lock contract: non-blocking, session-scoped,
// feed-keyed mutual exclusion. A crashing worker's locks are reclaimed by
// the store automatically when its backing session ends (§4.2).
type Locker interface {
	TryAcquire(ctx context.Context, lockID int64) (bool, error)
	Release(ctx context.Context, lockID int64) error
	IsHeld(ctx context.Context, lockID int64) (bool, error)
}

// IdentifierCandidate is one identifier tuple to resolve against existing
// SourceProductIdentifier rows (§4.6.2 step 2).
type IdentifierCandidate struct {
	IDType      IdentifierType
	IDValue     string
	Namespace   string
	IsCanonical bool
}

// UpsertProductsResult reports, for a batch of candidate rows, the resolved
// SourceProduct id per input row index and any identifier collisions found.
type UpsertProductsResult struct {
	// SourceProductIDByRow maps input row index -> resolved SourceProductID.
	SourceProductIDByRow map[int]string
	// Collisions lists input row indices where more than one distinct
	// SourceProductID matched the row's candidate identifiers.
	Collisions []int
}

// LastPriceEntry is the most recent price observation known for a product,
// as read by the bounded last-price cache (§4.6.2 step 5).
type LastPriceEntry struct {
	SourceProductID    string
	PriceSignatureHash string
	CreatedAt          time.Time
	Price              string
	Currency           string
	InStock            *bool
}

// PriceWrite is one candidate Price row for the bulk insert (§4.6.2 step 7).
type PriceWrite struct {
	SourceProductID    string
	ProductID          string
	RetailerID         string
	Price              string
	Currency           string
	URL                string
	InStock            bool
	OriginalPrice      string
	PriceType          PriceType
	PriceSignatureHash string
	AffiliateFeedRunID string
	ObservedAt         time.Time
}

// Store is the C1 Feed Store contract: persisted feed config, run records,
// and the product/identifier/presence/seen/price tables, with batch
// operations shaped for the Processor's chunked pipeline (§4.1, §4.6).
type Store interface {
	Locker

	LoadFeed(ctx context.Context, feedID string) (*Feed, error)

	// CreateRun inserts a new RUNNING FeedRun. This is the one throwable
	// step permitted inside the lock-acquire critical section (§5(a)).
	CreateRun(ctx context.Context, run *FeedRun) error
	LoadRun(ctx context.Context, runID string) (*FeedRun, error)
	FinalizeRun(ctx context.Context, run *FeedRun) error
	InsertRunErrors(ctx context.Context, errs []RunError) error

	// UpsertSourceProducts resolves or creates SourceProducts for a chunk
	// of rows by candidate identifier, writes denormalized fields for
	// matched/new rows, and inserts the full identifier set
	// IGNORE-ON-CONFLICT. Collisions are resolved to the lexicographically
	// smallest existing SourceProductID (§4.6.2 step 2).
	UpsertSourceProducts(ctx context.Context, sourceID, runID string, rows []SourceProductUpsert) (*UpsertProductsResult, error)

	// UpsertProductLink writes a ProductLink with the WHERE-guard of §4.6.2
	// step 3: never overwrites CREATED, never changes a MATCHED productId.
	UpsertProductLink(ctx context.Context, link ProductLink) error

	// UpsertPresenceSeen batch-writes SourceProductPresence.lastSeenAt = t0
	// and inserts SourceProductSeen(runID, id) IGNORE-ON-CONFLICT (§4.6.2
	// step 4). ids must already be deduplicated by the caller.
	UpsertPresenceSeen(ctx context.Context, runID string, t0 time.Time, sourceProductIDs []string) error

	// LastPrices issues the single batch "latest price per id" query for
	// ids not already present in the caller's run-local cache (§4.6.2
	// step 5).
	LastPrices(ctx context.Context, sourceProductIDs []string) ([]LastPriceEntry, error)

	// InsertPrices bulk-inserts via INSERT ... SELECT FROM unnest(...) with
	// IGNORE-ON-CONFLICT on the dedup index, returning the actual affected
	// row count, the sole authoritative pricesWritten figure (§4.6.2 step 7).
	InsertPrices(ctx context.Context, writes []PriceWrite) (affected int, err error)

	// UpsertQuarantine idempotently stores a rejected row by (feedID, matchKey).
	UpsertQuarantine(ctx context.Context, rec QuarantinedRecord) error

	// LookupCanonicalProductByUPC resolves a normalized UPC to a canonical
	// product id for ProductLink matching (§4.6.2 step 3).
	LookupCanonicalProductByUPC(ctx context.Context, normalizedUPC string) (productID string, ok bool, err error)

	// BreakerCounts computes the §4.7 spike inputs pinned to t0.
	BreakerCounts(ctx context.Context, sourceID, runID string, expiryThreshold time.Time) (activeCountBefore, seenSuccessCount int, err error)

	// Promote advances lastSeenSuccessAt = t0 for every product in
	// SourceProductSeen(runID), returning the authoritative affected count
	// (§4.7 "on pass").
	Promote(ctx context.Context, runID string, t0 time.Time) (promoted int, err error)

	// MemoizeChangeDetection persists the change-detection triple to the
	// feed; called only after a genuinely successful, non-skipped run (§9).
	MemoizeChangeDetection(ctx context.Context, feedID string, mtime *time.Time, size int64, contentHash string) error

	// SetManualRunPending sets or clears the flag under the caller's own
	// transaction/lock discipline (§5(b)).
	SetManualRunPending(ctx context.Context, feedID string, pending bool) error

	// UpdateFeedSchedule persists the post-run scheduling state: the
	// consecutive-failure counter, any DISABLED transition, and the next
	// scheduled run time (§4.8 finalize).
	UpdateFeedSchedule(ctx context.Context, feedID string, status Status, consecutiveFailures int, nextRunAt *time.Time) error
}

// SourceProductUpsert is one row's worth of denormalized fields plus its
// candidate identifiers, as handed to UpsertSourceProducts.
type SourceProductUpsert struct {
	RowIndex      int
	IdentityKey   string
	Title         string
	URL           string
	NormalizedURL string
	ImageURL      string
	Brand         string
	Category      string
	Caliber       string
	GrainWeight   *int
	RoundCount    *int
	Description   string
	Identifiers   []IdentifierCandidate
	NormalizedUPC string
}
