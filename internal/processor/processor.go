// Package processor turns a parsed product stream into durable writes:
// pre-scan dedup, chunked upserts, presence/seen bookkeeping, a bounded
// last-price cache, price-signature diffing, and alert detection (§4.6).
package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/xlab/suplog"
	"go.uber.org/multierr"

	"github.com/InjectiveLabs/metrics"

	"github.com/ironscout/feedingest/feed"
	"github.com/ironscout/feedingest/internal/identity"
	"github.com/ironscout/feedingest/internal/parser"
	"github.com/ironscout/feedingest/internal/queue"
)

const (
	defaultChunkSize      = 1000
	defaultHeartbeatHours = 24
	resolverVersion       = "v1"
)

// skipCounters tallies the per-chunk alert-detection skip reasons of
// §4.6.3 and logs a one-line summary once the chunk's rows are done.
type skipCounters struct {
	nullProductID     int
	currencyMismatch  int
	unknownPriorState int
	noChange          int
}

func (s *skipCounters) log(logger log.Logger) {
	if s.nullProductID == 0 && s.currencyMismatch == 0 && s.unknownPriorState == 0 && s.noChange == 0 {
		return
	}
	logger.WithFields(log.Fields{
		"NULL_PRODUCT_ID":     s.nullProductID,
		"CURRENCY_MISMATCH":   s.currencyMismatch,
		"UNKNOWN_PRIOR_STATE": s.unknownPriorState,
		"NO_CHANGE":           s.noChange,
	}).Infoln("alert detection skip summary")
}

// Config tunes the processor's batching and freshness behavior.
type Config struct {
	ChunkSize      int
	HeartbeatHours int
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.HeartbeatHours <= 0 {
		c.HeartbeatHours = defaultHeartbeatHours
	}
	return c
}

// Processor drives Phase 1 of the pipeline against a feed.Store.
type Processor struct {
	store   feed.Store
	queue   enqueuer
	cfg     Config
	logger  log.Logger
	svcTags metrics.Tags
}

func New(store feed.Store, q enqueuer, cfg Config) *Processor {
	return &Processor{
		store:   store,
		queue:   q,
		cfg:     cfg.withDefaults(),
		logger:  log.WithField("svc", "processor"),
		svcTags: metrics.Tags{"svc": "processor"},
	}
}

// Phase1Result carries the telemetry fields Phase 1 contributes to FeedRun.
type Phase1Result struct {
	RowsRead             int
	RowsParsed           int
	ProductsUpserted     int
	PricesWritten        int
	ProductsRejected     int
	DuplicateKeyCount    int
	URLHashFallbackCount int
	Errors               []feed.RunError
}

type resolvedRow struct {
	row  parser.ParsedProduct
	res  identity.Resolution
	rank int // index of the row in the parsed input list, used only for diagnostics
}

// enqueuer is the narrow subset of *queue.Queue the processor needs;
// declared as an interface so tests can substitute a recording fake.
type enqueuer interface {
	EnqueueAlert(ctx context.Context, args queue.AlertJobArgs) error
	EnqueueResolver(ctx context.Context, args queue.ResolverJobArgs) error
}

// RunPhase1 processes products into durable writes (§4.6). t0 pins every
// "observation time" write; it must be the run's single captured start
// timestamp, never time.Now().
func (p *Processor) RunPhase1(ctx context.Context, f *feed.Feed, run *feed.FeedRun, products []parser.ParsedProduct, t0 time.Time) (Phase1Result, error) {
	metrics.ReportFuncCall(p.svcTags)
	doneFn := metrics.ReportFuncTiming(p.svcTags)
	defer doneFn()

	result := Phase1Result{RowsRead: run.RowsRead, RowsParsed: len(products)}

	survivors, duplicateCount := preScanLastRowWins(products)
	result.DuplicateKeyCount = duplicateCount

	cache := make(map[string]feed.LastPriceEntry)

	for start := 0; start < len(survivors); start += p.cfg.ChunkSize {
		end := start + p.cfg.ChunkSize
		if end > len(survivors) {
			end = len(survivors)
		}
		chunk := survivors[start:end]

		if err := p.processChunk(ctx, f, run, chunk, t0, cache, &result); err != nil {
			if isMemoryGuardViolation(err) {
				return result, err
			}
			// Partial-failure policy (§4.6.4): count the chunk as rejected
			// and continue with the next chunk.
			result.ProductsRejected += len(chunk)
			result.Errors = append(result.Errors, feed.RunError{
				RunID: run.ID, Code: "DATABASE_ERROR", Message: err.Error(),
			})
			p.logger.WithError(err).WithField("chunk_start", start).Warningln("chunk failed, continuing with next chunk")
		}
	}

	return result, nil
}

// preScanLastRowWins walks the full parsed list once and keeps only the
// last occurrence of each canonical identity key (§4.6.1).
func preScanLastRowWins(products []parser.ParsedProduct) ([]resolvedRow, int) {
	lastIndex := make(map[string]int)
	resolved := make([]identity.Resolution, len(products))

	for i, prod := range products {
		res, err := identity.Resolve(identity.Row{
			NetworkItemID: prod.NetworkItemID,
			SKU:           prod.SKU,
			UPC:           prod.UPC,
			URL:           prod.URL,
		})
		if err != nil {
			// URL is a required parser field, so Resolve fails only when
			// the URL does not parse. Such a row is dropped here and is
			// included in the returned duplicate count.
			continue
		}
		resolved[i] = res
		lastIndex[res.IdentityKey()] = i
	}

	keep := make(map[int]bool, len(lastIndex))
	for _, idx := range lastIndex {
		keep[idx] = true
	}

	survivors := make([]resolvedRow, 0, len(keep))
	for i, prod := range products {
		if keep[i] {
			survivors = append(survivors, resolvedRow{row: prod, res: resolved[i], rank: i})
		}
	}

	duplicateCount := len(products) - len(survivors)
	return survivors, duplicateCount
}

func (p *Processor) processChunk(ctx context.Context, f *feed.Feed, run *feed.FeedRun, chunk []resolvedRow, t0 time.Time, cache map[string]feed.LastPriceEntry, result *Phase1Result) error {
	var chunkErr error

	// Step 1: quarantine filter (rows missing caliber never flow further).
	var eligible []resolvedRow
	for _, r := range chunk {
		if r.row.Caliber == "" {
			rec := feed.QuarantinedRecord{
				FeedID:        f.ID,
				MatchKey:      r.res.IdentityKey(),
				RawPayload:    rowToPayload(r.row),
				BlockingCodes: []string{"MISSING_CALIBER"},
			}
			if err := p.store.UpsertQuarantine(ctx, rec); err != nil {
				chunkErr = multierr.Append(chunkErr, errors.Wrap(err, "quarantine upsert failed"))
			}
			continue
		}
		eligible = append(eligible, r)
		if r.res.URLHashFallback {
			result.URLHashFallbackCount++
		}
	}
	if chunkErr != nil {
		return chunkErr
	}
	if len(eligible) == 0 {
		return nil
	}

	// Step 2: upsert SourceProducts + identifiers.
	upsertRows := make([]feed.SourceProductUpsert, len(eligible))
	for i, r := range eligible {
		upsertRows[i] = feed.SourceProductUpsert{
			RowIndex:      i,
			IdentityKey:   r.res.IdentityKey(),
			Title:         r.row.Name,
			URL:           r.row.URL,
			NormalizedURL: r.res.NormalizedURL,
			ImageURL:      r.row.ImageURL,
			Brand:         r.row.Brand,
			Category:      r.row.Category,
			Caliber:       r.row.Caliber,
			GrainWeight:   r.row.GrainWeight,
			RoundCount:    r.row.RoundCount,
			Description:   r.row.Description,
			Identifiers:   toIdentifierCandidates(r.res.Identifiers),
			NormalizedUPC: r.row.UPC,
		}
	}

	upsertResult, err := p.store.UpsertSourceProducts(ctx, f.SourceID, run.ID, upsertRows)
	if err != nil {
		return errors.Wrap(err, "upsert source products failed")
	}
	result.ProductsUpserted += len(upsertResult.SourceProductIDByRow)

	// Step 3: product matching by UPC, with a WHERE-guarded ProductLink write.
	sourceProductIDs := make([]string, len(eligible))
	canonicalProductIDs := make([]string, len(eligible))
	for i, r := range eligible {
		spID := upsertResult.SourceProductIDByRow[i]
		sourceProductIDs[i] = spID

		if r.row.UPC == "" {
			p.enqueueResolver(ctx, spID, f.SourceID, r.res.IdentityKey(), run.ID)
			continue
		}

		productID, ok, err := p.store.LookupCanonicalProductByUPC(ctx, r.row.UPC)
		if err != nil {
			chunkErr = multierr.Append(chunkErr, errors.Wrap(err, "upc lookup failed"))
			continue
		}
		if !ok {
			p.enqueueResolver(ctx, spID, f.SourceID, r.res.IdentityKey(), run.ID)
			continue
		}
		canonicalProductIDs[i] = productID

		link := feed.ProductLink{
			SourceProductID: spID,
			Status:          feed.LinkMatched,
			MatchType:       "UPC",
			ResolverVersion: resolverVersion,
			Evidence:        map[string]interface{}{"upc": r.row.UPC},
		}
		link.ProductID.SetValid(productID)
		if err := p.store.UpsertProductLink(ctx, link); err != nil {
			chunkErr = multierr.Append(chunkErr, errors.Wrap(err, "upsert product link failed"))
		}
	}
	if chunkErr != nil {
		return chunkErr
	}

	// Step 4: presence + seen, deduplicated within the chunk.
	if err := p.store.UpsertPresenceSeen(ctx, run.ID, t0, dedupeStrings(sourceProductIDs)); err != nil {
		return errors.Wrap(err, "upsert presence/seen failed")
	}

	// Step 5: bounded last-price fetch.
	var missing []string
	for _, id := range dedupeStrings(sourceProductIDs) {
		if _, ok := cache[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		entries, err := p.store.LastPrices(ctx, missing)
		if err != nil {
			return errors.Wrap(err, "last prices fetch failed")
		}
		for _, e := range entries {
			cache[e.SourceProductID] = e
		}
		for _, id := range missing {
			if _, ok := cache[id]; !ok {
				cache[id] = feed.LastPriceEntry{} // sentinel: genuinely new
			}
		}
	}

	if f.MaxRowCount > 0 && len(cache) > f.MaxRowCount {
		return permanentError{msg: fmt.Sprintf("TOO_MANY_ROWS: last-price cache exceeded %d entries", f.MaxRowCount)}
	}

	// Steps 6-8: diff, write, alert.
	writes := make([]feed.PriceWrite, 0, len(eligible))
	type pendingAlert struct {
		row       resolvedRow
		prior     feed.LastPriceEntry
		isNew     bool
		productID string
	}
	var pending []pendingAlert

	heartbeatCutoff := t0.Add(-time.Duration(p.cfg.HeartbeatHours) * time.Hour)

	for i, r := range eligible {
		spID := sourceProductIDs[i]
		prior, hasPrior := cache[spID]
		isNew := !hasPrior || prior.PriceSignatureHash == ""

		sig := priceSignature(r.row.Price, r.row.Currency, r.row.OriginalPrice)
		signatureChanged := hasPrior && prior.PriceSignatureHash != sig
		stockChanged := hasPrior && prior.InStock != nil && *prior.InStock != r.row.InStock
		heartbeatDue := hasPrior && !isNew && prior.CreatedAt.Before(heartbeatCutoff)

		if !isNew && !signatureChanged && !stockChanged && !heartbeatDue {
			continue // no write needed
		}

		inStock := r.row.InStock
		writes = append(writes, feed.PriceWrite{
			SourceProductID:    spID,
			ProductID:          canonicalProductIDs[i],
			RetailerID:         f.RetailerID,
			Price:              formatPrice(r.row.Price),
			Currency:           r.row.Currency,
			URL:                r.row.URL,
			InStock:            inStock,
			OriginalPrice:      formatPrice(r.row.OriginalPrice),
			PriceType:          feed.PriceRegular,
			PriceSignatureHash: sig,
			AffiliateFeedRunID: run.ID,
			ObservedAt:         t0,
		})

		pending = append(pending, pendingAlert{row: r, prior: prior, isNew: isNew, productID: canonicalProductIDs[i]})
	}

	if len(writes) > 0 {
		affected, err := p.store.InsertPrices(ctx, writes)
		if err != nil {
			return errors.Wrap(err, "insert prices failed")
		}
		result.PricesWritten += affected

		now := t0
		for _, w := range writes {
			inStock := w.InStock
			cache[w.SourceProductID] = feed.LastPriceEntry{
				SourceProductID:    w.SourceProductID,
				PriceSignatureHash: w.PriceSignatureHash,
				CreatedAt:          now,
				Price:              w.Price,
				Currency:           w.Currency,
				InStock:            &inStock,
			}
		}

		// Step 8: alert detection, enqueued only after the price insert
		// succeeds; enqueue failures are logged but never fail the chunk.
		var skips skipCounters
		for _, pa := range pending {
			p.detectAndEnqueueAlert(ctx, f, run, pa.row, pa.prior, pa.isNew, pa.productID, &skips)
		}
		skips.log(p.logger)
	}

	return nil
}

func (p *Processor) enqueueResolver(ctx context.Context, sourceProductID, sourceID, identityKey, runID string) {
	if p.queue == nil {
		return
	}
	err := p.queue.EnqueueResolver(ctx, queue.ResolverJobArgs{
		SourceProductID:    sourceProductID,
		Reason:             "INGEST",
		ResolverVersion:    resolverVersion,
		SourceID:           sourceID,
		IdentityKey:        identityKey,
		AffiliateFeedRunID: runID,
	})
	if err != nil {
		p.logger.WithError(err).Warningln("resolver enqueue failed, continuing")
	}
}

// detectAndEnqueueAlert implements the §4.6.3 rules. canonicalProductId
// comes from the UPC match in step 3; its absence is fail-closed: no
// alerts fire for a row with no canonical product link.
func (p *Processor) detectAndEnqueueAlert(ctx context.Context, f *feed.Feed, run *feed.FeedRun, r resolvedRow, prior feed.LastPriceEntry, isNew bool, productID string, skips *skipCounters) {
	if productID == "" {
		skips.nullProductID++
		return
	}
	if isNew {
		return // NEW_PRODUCT: no prior entry to diff against
	}

	if r.row.Currency != "" && prior.Currency == r.row.Currency {
		priorPrice, err := decimal.NewFromString(prior.Price)
		if err == nil && priorPrice.GreaterThan(decimal.NewFromFloat(r.row.Price)) {
			oldPrice := prior.Price
			newPrice := formatPrice(r.row.Price)
			if err := p.queue.EnqueueAlert(ctx, queue.AlertJobArgs{
				ExecutionID: run.ID,
				ProductID:   productID,
				OldPrice:    &oldPrice,
				NewPrice:    &newPrice,
				Topic:       "PRICE_DROP",
			}); err != nil {
				p.logger.WithError(err).Warningln("price-drop alert enqueue failed, continuing")
			}
		} else {
			skips.noChange++
		}
	} else {
		skips.currencyMismatch++
	}

	if prior.InStock == nil {
		skips.unknownPriorState++
	} else if !*prior.InStock && r.row.InStock {
		inStock := true
		if err := p.queue.EnqueueAlert(ctx, queue.AlertJobArgs{
			ExecutionID: run.ID,
			ProductID:   productID,
			InStock:     &inStock,
			Topic:       "BACK_IN_STOCK",
		}); err != nil {
			p.logger.WithError(err).Warningln("back-in-stock alert enqueue failed, continuing")
		}
	} else {
		skips.noChange++
	}
}

func priceSignature(price float64, currency string, originalPrice float64) string {
	h := sha256.New()
	_, _ = h.Write([]byte(formatPrice(price)))
	_, _ = h.Write([]byte(currency))
	_, _ = h.Write([]byte(formatPrice(originalPrice)))
	return hex.EncodeToString(h.Sum(nil))
}

func formatPrice(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(2)
}

func toIdentifierCandidates(ids []feed.IdentifierCandidate) []feed.IdentifierCandidate {
	out := make([]feed.IdentifierCandidate, len(ids))
	copy(out, ids)
	return out
}

func rowToPayload(row parser.ParsedProduct) map[string]interface{} {
	return map[string]interface{}{
		"name":  row.Name,
		"url":   row.URL,
		"price": row.Price,
		"sku":   row.SKU,
		"upc":   row.UPC,
	}
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// permanentError marks the memory-guard violation that must abort the
// whole run rather than being absorbed by the partial-failure policy.
type permanentError struct{ msg string }

func (e permanentError) Error() string { return e.msg }

func isMemoryGuardViolation(err error) bool {
	_, ok := errors.Cause(err).(permanentError)
	return ok
}
