// Package feed holds the domain entities and store/lock contracts for the
// affiliate feed ingestion pipeline (spec §3). It has no I/O of its own;
// internal/store provides the Postgres-backed implementation.
package feed

import (
	"time"

	"github.com/shopspring/decimal"
	null "gopkg.in/guregu/null.v4"
)

// Status is a Feed's lifecycle state.
type Status string

const (
	StatusDraft    Status = "DRAFT"
	StatusEnabled  Status = "ENABLED"
	StatusDisabled Status = "DISABLED"
	StatusPaused   Status = "PAUSED"
)

// Compression identifies optional stream decompression for a downloaded feed.
type Compression string

const (
	CompressionNone Compression = "NONE"
	CompressionGzip Compression = "GZIP"
)

// Transport identifies the remote fetch protocol (§4.3, §9 tagged variant).
type Transport string

const (
	TransportSFTP     Transport = "SFTP"
	TransportPlainFTP Transport = "FTP"
)

// Feed is the persisted configuration of one retailer's catalog source.
type Feed struct {
	ID                     string
	SourceID               string
	RetailerID             string
	Status                 Status
	Transport              Transport
	Host                   string
	Port                   int
	Path                   string
	Username               string
	PasswordCiphertext     []byte
	Compression            Compression
	ExpiryHours            int
	ScheduleFrequencyHours int
	MaxRowCount            int
	MaxFileSizeBytes       int64
	FeedLockID             int64

	LastRemoteMtime  null.Time
	LastRemoteSize   null.Int
	LastContentHash  null.String

	ConsecutiveFailures int
	ManualRunPending    bool
	LastRunAt           null.Time
	NextRunAt           null.Time
}

// IsRunnable reports whether trigger is allowed to process this feed, per
// the Worker Orchestrator's load-feed status check (§4.8).
func (f *Feed) IsRunnable(trigger Trigger) bool {
	switch f.Status {
	case StatusDraft:
		return false
	case StatusDisabled:
		return trigger == TriggerManual || trigger == TriggerAdminTest
	default:
		return true
	}
}

// Trigger identifies why a FeedRun job was enqueued.
type Trigger string

const (
	TriggerScheduled     Trigger = "SCHEDULED"
	TriggerManual        Trigger = "MANUAL"
	TriggerManualPending Trigger = "MANUAL_PENDING"
	TriggerAdminTest     Trigger = "ADMIN_TEST"
	TriggerRetry         Trigger = "RETRY"
)

// RunStatus is a FeedRun's lifecycle state.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
)

// FailureKind classifies a failed run per §7.
type FailureKind string

const (
	FailureTransient FailureKind = "TRANSIENT"
	FailurePermanent FailureKind = "PERMANENT"
	FailureConfig    FailureKind = "CONFIG"
)

// SkippedReason explains a successful run that performed no writes.
type SkippedReason string

const (
	SkippedUnchangedMtime SkippedReason = "UNCHANGED_MTIME"
	SkippedUnchangedHash  SkippedReason = "UNCHANGED_HASH"
	SkippedFileNotFound   SkippedReason = "FILE_NOT_FOUND"
)

// ExpiryBlockReason explains a circuit-breaker block (§4.7).
type ExpiryBlockReason string

const (
	ExpiryReasonSpike     ExpiryBlockReason = "SPIKE_THRESHOLD_EXCEEDED"
	ExpiryReasonURLHash   ExpiryBlockReason = "DATA_QUALITY_URL_HASH_SPIKE"
)

// FeedRun is one invocation of the pipeline for a feed (§3).
type FeedRun struct {
	ID         string
	FeedID     string
	SourceID   string
	Trigger    Trigger
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt null.Time
	DurationMs null.Int

	RowsRead            int
	RowsParsed          int
	ProductsUpserted    int
	PricesWritten       int
	ProductsPromoted    int
	ProductsRejected    int
	DuplicateKeyCount   int
	URLHashFallbackCount int
	ErrorCount          int

	ActiveCountBefore   int
	SeenSuccessCount    int
	WouldExpireCount    int
	ExpiryBlocked       bool
	ExpiryBlockedReason ExpiryBlockReason

	SkippedReason SkippedReason

	FailureKind    FailureKind
	FailureCode    string
	FailureMessage string
	CorrelationID  string
}

// RunError is a per-row diagnostic attached to one run (§3), capped per run.
type RunError struct {
	RunID     string
	Code      string
	Message   string
	RowNumber null.Int
	Sample    null.String
}

// IdentifierType enumerates alternate identifier kinds (§3).
type IdentifierType string

const (
	IdentifierNetworkItemID IdentifierType = "NETWORK_ITEM_ID"
	IdentifierSKU           IdentifierType = "SKU"
	IdentifierUPC           IdentifierType = "UPC"
	IdentifierURLHash       IdentifierType = "URL_HASH"
	IdentifierURL           IdentifierType = "URL"
)

// SourceProduct is a product as seen in one source (§3).
type SourceProduct struct {
	ID          string
	SourceID    string
	IdentityKey string

	Title        string
	URL          string
	NormalizedURL string
	ImageURL     string
	Brand        string
	Category     string
	Caliber      string
	GrainWeight  null.Int
	RoundCount   null.Int
	Description  string

	CreatedByRunID      string
	LastUpdatedByRunID  string
}

// SourceProductIdentifier is one identifier value ever observed for a product.
type SourceProductIdentifier struct {
	SourceProductID string
	IDType          IdentifierType
	IDValue         string
	Namespace       string
	IsCanonical     bool
	NormalizedValue string
}

// SourceProductPresence tracks freshness for the circuit breaker (§3, §4.7).
type SourceProductPresence struct {
	SourceProductID   string
	LastSeenAt        time.Time
	LastSeenSuccessAt null.Time
}

// SourceProductSeen records that a run observed a product (§3).
type SourceProductSeen struct {
	RunID           string
	SourceProductID string
}

// PriceType enumerates regular vs promotional prices.
type PriceType string

const (
	PriceRegular PriceType = "REGULAR"
	PriceSale    PriceType = "SALE"
)

// Price is one append-only price/stock observation (§3).
type Price struct {
	ID                 string
	SourceProductID    string
	ProductID          null.String
	RetailerID         string
	Price              decimal.Decimal
	Currency           string
	URL                string
	InStock            null.Bool
	OriginalPrice      null.String
	PriceType          PriceType
	PriceSignatureHash string
	AffiliateFeedRunID string
	CreatedAt          time.Time
	ObservedAt         time.Time
}

// LinkStatus is a ProductLink's resolution state (§3).
type LinkStatus string

const (
	LinkUnmatched   LinkStatus = "UNMATCHED"
	LinkCreated     LinkStatus = "CREATED"
	LinkMatched     LinkStatus = "MATCHED"
	LinkNeedsReview LinkStatus = "NEEDS_REVIEW"
	LinkError       LinkStatus = "ERROR"
)

// ProductLink maps a SourceProduct to the canonical product catalog (§3).
type ProductLink struct {
	SourceProductID string
	ProductID       null.String
	Status          LinkStatus
	MatchType       string
	Confidence      null.Int
	ResolverVersion string
	Evidence        map[string]interface{}
}

// QuarantinedRecord is a row rejected for missing trust-critical fields (§3).
type QuarantinedRecord struct {
	FeedID        string
	MatchKey      string
	RawPayload    map[string]interface{}
	BlockingCodes []string
}
