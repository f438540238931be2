// Package breaker computes the §4.7 circuit-breaker decision as a pure
// function over counts the store supplies. It has no I/O of its own: the
// Worker Orchestrator is responsible for pinning every count to t0.
package breaker

import (
	log "github.com/xlab/suplog"

	"github.com/ironscout/feedingest/feed"
)

// Inputs are the counts needed for one decision (§4.7).
type Inputs struct {
	ActiveCountBefore      int
	SeenSuccessCount       int
	URLHashFallbackCount   int
	TotalProductsProcessed int
}

// Decision is the breaker's verdict plus the derived metrics that get
// persisted on the FeedRun for observability.
type Decision struct {
	WouldExpireCount   int
	ExpiryPercentage   float64
	URLHashPercentage  float64
	Blocked            bool
	BlockedReason      feed.ExpiryBlockReason
}

const (
	catastrophicExpireCount = 500
	establishedFeedFloor    = 100
	expiryPercentThreshold  = 30.0
	expiryCountFloor        = 10
	urlHashCountThreshold   = 1000
	urlHashPercentThreshold = 50.0
)

// Evaluate applies the first-match-wins decision rules of §4.7.
func Evaluate(in Inputs) Decision {
	wouldExpire := in.ActiveCountBefore - in.SeenSuccessCount
	if wouldExpire < 0 {
		log.WithField("active_count_before", in.ActiveCountBefore).
			WithField("seen_success_count", in.SeenSuccessCount).
			Warningln("breaker: negative wouldExpireCount, clamping to 0")
		wouldExpire = 0
	}

	var expiryPct float64
	if in.ActiveCountBefore > 0 {
		expiryPct = float64(wouldExpire) / float64(in.ActiveCountBefore) * 100
	}

	var urlHashPct float64
	if in.TotalProductsProcessed > 0 {
		urlHashPct = float64(in.URLHashFallbackCount) / float64(in.TotalProductsProcessed) * 100
	}

	d := Decision{
		WouldExpireCount:  wouldExpire,
		ExpiryPercentage:  expiryPct,
		URLHashPercentage: urlHashPct,
	}

	switch {
	case wouldExpire >= catastrophicExpireCount:
		d.Blocked = true
		d.BlockedReason = feed.ExpiryReasonSpike
	case in.ActiveCountBefore >= establishedFeedFloor &&
		expiryPct > expiryPercentThreshold && wouldExpire >= expiryCountFloor:
		d.Blocked = true
		d.BlockedReason = feed.ExpiryReasonSpike
	case in.ActiveCountBefore >= establishedFeedFloor && in.URLHashFallbackCount > urlHashCountThreshold:
		d.Blocked = true
		d.BlockedReason = feed.ExpiryReasonURLHash
	case in.ActiveCountBefore >= establishedFeedFloor && urlHashPct > urlHashPercentThreshold:
		d.Blocked = true
		d.BlockedReason = feed.ExpiryReasonURLHash
	}

	return d
}
