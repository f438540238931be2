// Package store is the Postgres-backed implementation of feed.Store and
// feed.Locker (spec §4.1, §4.2), built on pgx/v5 and pgxpool.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	log "github.com/xlab/suplog"
	null "gopkg.in/guregu/null.v4"

	"github.com/InjectiveLabs/metrics"

	"github.com/ironscout/feedingest/feed"
)

// PostgresStore implements feed.Store. Advisory locks require a single
// session-pinned connection per held lock id, since Postgres scopes
// pg_try_advisory_lock to the connection that acquired it; a plain pool
// query would silently release the lock back to the pool.
type PostgresStore struct {
	pool *pgxpool.Pool

	locksMu sync.Mutex
	locks   map[int64]*pgxpool.Conn

	svcTags metrics.Tags
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool:    pool,
		locks:   make(map[int64]*pgxpool.Conn),
		svcTags: metrics.Tags{"svc": "store"},
	}
}

// TryAcquire claims lockID non-blocking on a dedicated leased connection
// held until Release is called or the process dies (§4.2).
func (s *PostgresStore) TryAcquire(ctx context.Context, lockID int64) (bool, error) {
	metrics.ReportFuncCall(s.svcTags)
	doneFn := metrics.ReportFuncTiming(s.svcTags)
	defer doneFn()

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		metrics.ReportFuncError(s.svcTags)
		return false, errors.Wrap(err, "failed to acquire connection for advisory lock")
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired); err != nil {
		conn.Release()
		metrics.ReportFuncError(s.svcTags)
		return false, errors.Wrap(err, "pg_try_advisory_lock failed")
	}

	if !acquired {
		conn.Release()
		return false, nil
	}

	s.locksMu.Lock()
	s.locks[lockID] = conn
	s.locksMu.Unlock()

	return true, nil
}

// Release unlocks lockID and returns the leased connection to the pool.
// Failures are logged and swallowed: session close is authoritative (§4.2).
func (s *PostgresStore) Release(ctx context.Context, lockID int64) error {
	s.locksMu.Lock()
	conn, ok := s.locks[lockID]
	if ok {
		delete(s.locks, lockID)
	}
	s.locksMu.Unlock()

	if !ok {
		return nil
	}
	defer conn.Release()

	var released bool
	if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, lockID).Scan(&released); err != nil {
		log.WithField("lock_id", lockID).WithError(err).Warningln("pg_advisory_unlock failed, relying on session close")
		return nil
	}
	return nil
}

func (s *PostgresStore) IsHeld(ctx context.Context, lockID int64) (bool, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM pg_locks
		WHERE locktype = 'advisory' AND objid = $1 AND granted
	`, lockID).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, "pg_locks query failed")
	}
	return count > 0, nil
}

func (s *PostgresStore) LoadFeed(ctx context.Context, feedID string) (*feed.Feed, error) {
	var f feed.Feed
	var lastMtime *time.Time
	var lastSize *int64
	var lastHash *string

	err := s.pool.QueryRow(ctx, `
		SELECT id, source_id, retailer_id, status, transport, host, port, path,
		       username, password_ciphertext, compression, expiry_hours,
		       schedule_frequency_hours, max_row_count, max_file_size_bytes,
		       feed_lock_id, last_remote_mtime, last_remote_size, last_content_hash,
		       consecutive_failures, manual_run_pending, last_run_at, next_run_at
		FROM feeds WHERE id = $1
	`, feedID).Scan(
		&f.ID, &f.SourceID, &f.RetailerID, &f.Status, &f.Transport, &f.Host, &f.Port, &f.Path,
		&f.Username, &f.PasswordCiphertext, &f.Compression, &f.ExpiryHours,
		&f.ScheduleFrequencyHours, &f.MaxRowCount, &f.MaxFileSizeBytes,
		&f.FeedLockID, &lastMtime, &lastSize, &lastHash,
		&f.ConsecutiveFailures, &f.ManualRunPending, &f.LastRunAt, &f.NextRunAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Errorf("feed not found: %s", feedID)
		}
		return nil, errors.Wrap(err, "load feed failed")
	}

	if lastMtime != nil {
		f.LastRemoteMtime.SetValid(*lastMtime)
	}
	if lastSize != nil {
		f.LastRemoteSize.SetValid(*lastSize)
	}
	if lastHash != nil {
		f.LastContentHash.SetValid(*lastHash)
	}

	return &f, nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *feed.FeedRun) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feed_runs (id, feed_id, source_id, trigger, status, started_at, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, run.ID, run.FeedID, run.SourceID, run.Trigger, feed.RunRunning, run.StartedAt, run.CorrelationID)
	if err != nil {
		return errors.Wrap(err, "create run failed")
	}
	return nil
}

func (s *PostgresStore) LoadRun(ctx context.Context, runID string) (*feed.FeedRun, error) {
	var r feed.FeedRun
	err := s.pool.QueryRow(ctx, `
		SELECT id, feed_id, source_id, trigger, status, started_at, finished_at, duration_ms,
		       rows_read, rows_parsed, products_upserted, prices_written, products_promoted,
		       products_rejected, duplicate_key_count, url_hash_fallback_count, error_count,
		       active_count_before, seen_success_count, would_expire_count, expiry_blocked,
		       expiry_blocked_reason, skipped_reason, failure_kind, failure_code,
		       failure_message, correlation_id
		FROM feed_runs WHERE id = $1
	`, runID).Scan(
		&r.ID, &r.FeedID, &r.SourceID, &r.Trigger, &r.Status, &r.StartedAt, &r.FinishedAt, &r.DurationMs,
		&r.RowsRead, &r.RowsParsed, &r.ProductsUpserted, &r.PricesWritten, &r.ProductsPromoted,
		&r.ProductsRejected, &r.DuplicateKeyCount, &r.URLHashFallbackCount, &r.ErrorCount,
		&r.ActiveCountBefore, &r.SeenSuccessCount, &r.WouldExpireCount, &r.ExpiryBlocked,
		&r.ExpiryBlockedReason, &r.SkippedReason, &r.FailureKind, &r.FailureCode,
		&r.FailureMessage, &r.CorrelationID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "load run failed")
	}
	return &r, nil
}

// FinalizeRun is the single UPDATE that transitions a run to its terminal
// state; terminal runs are immutable thereafter (§3).
func (s *PostgresStore) FinalizeRun(ctx context.Context, run *feed.FeedRun) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE feed_runs SET
			status = $2, finished_at = $3, duration_ms = $4,
			rows_read = $5, rows_parsed = $6, products_upserted = $7, prices_written = $8,
			products_promoted = $9, products_rejected = $10, duplicate_key_count = $11,
			url_hash_fallback_count = $12, error_count = $13,
			active_count_before = $14, seen_success_count = $15, would_expire_count = $16,
			expiry_blocked = $17, expiry_blocked_reason = $18, skipped_reason = $19,
			failure_kind = $20, failure_code = $21, failure_message = $22
		WHERE id = $1 AND status = 'RUNNING'
	`,
		run.ID, run.Status, run.FinishedAt, run.DurationMs,
		run.RowsRead, run.RowsParsed, run.ProductsUpserted, run.PricesWritten,
		run.ProductsPromoted, run.ProductsRejected, run.DuplicateKeyCount,
		run.URLHashFallbackCount, run.ErrorCount,
		run.ActiveCountBefore, run.SeenSuccessCount, run.WouldExpireCount,
		run.ExpiryBlocked, run.ExpiryBlockedReason, run.SkippedReason,
		run.FailureKind, run.FailureCode, run.FailureMessage,
	)
	if err != nil {
		return errors.Wrap(err, "finalize run failed")
	}
	return nil
}

func (s *PostgresStore) InsertRunErrors(ctx context.Context, errs []feed.RunError) error {
	if len(errs) == 0 {
		return nil
	}

	runIDs := make([]string, len(errs))
	codes := make([]string, len(errs))
	messages := make([]string, len(errs))
	rowNumbers := make([]*int, len(errs))
	samples := make([]*string, len(errs))

	for i, e := range errs {
		runIDs[i] = e.RunID
		codes[i] = e.Code
		messages[i] = e.Message
		if e.RowNumber.Valid {
			v := int(e.RowNumber.Int64)
			rowNumbers[i] = &v
		}
		if e.Sample.Valid {
			v := e.Sample.String
			samples[i] = &v
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_errors (run_id, code, message, row_number, sample)
		SELECT * FROM unnest($1::text[], $2::text[], $3::text[], $4::int[], $5::text[])
	`, runIDs, codes, messages, rowNumbers, samples)
	if err != nil {
		return errors.Wrap(err, "insert run errors failed")
	}
	return nil
}

// UpsertSourceProducts implements §4.6.2 step 2: match any candidate
// identifier to an existing SourceProduct, resolve collisions to the
// lexicographically smallest id, update matched rows, insert new rows, and
// write the full identifier set IGNORE-ON-CONFLICT.
func (s *PostgresStore) UpsertSourceProducts(ctx context.Context, sourceID, runID string, rows []feed.SourceProductUpsert) (*feed.UpsertProductsResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx failed")
	}
	defer tx.Rollback(ctx)

	result := &feed.UpsertProductsResult{SourceProductIDByRow: make(map[int]string)}

	var idTypes, idValues, idNamespaces []string
	var idRowIdx []int
	for _, r := range rows {
		for _, c := range r.Identifiers {
			idTypes = append(idTypes, string(c.IDType))
			idValues = append(idValues, c.IDValue)
			idNamespaces = append(idNamespaces, c.Namespace)
			idRowIdx = append(idRowIdx, r.RowIndex)
		}
	}

	matches := make(map[int]map[string]bool) // rowIndex -> set of matched sourceProductIds
	if len(idTypes) > 0 {
		sqlRows, err := tx.Query(ctx, `
			SELECT m.row_idx, spi.source_product_id
			FROM unnest($1::text[], $2::text[], $3::text[], $4::int[]) AS m(id_type, id_value, namespace, row_idx)
			JOIN source_product_identifiers spi
			  ON spi.id_type = m.id_type AND spi.id_value = m.id_value AND spi.namespace = m.namespace
			JOIN source_products sp ON sp.id = spi.source_product_id AND sp.source_id = $5
		`, idTypes, idValues, idNamespaces, idRowIdx, sourceID)
		if err != nil {
			return nil, errors.Wrap(err, "identifier match query failed")
		}
		for sqlRows.Next() {
			var rowIdx int
			var spID string
			if err := sqlRows.Scan(&rowIdx, &spID); err != nil {
				sqlRows.Close()
				return nil, errors.Wrap(err, "identifier match scan failed")
			}
			if matches[rowIdx] == nil {
				matches[rowIdx] = make(map[string]bool)
			}
			matches[rowIdx][spID] = true
		}
		sqlRows.Close()
	}

	for _, r := range rows {
		candidateIDs := matches[r.RowIndex]
		var resolvedID string

		switch len(candidateIDs) {
		case 0:
			resolvedID = "" // new product; assigned below
		case 1:
			for id := range candidateIDs {
				resolvedID = id
			}
		default:
			ids := make([]string, 0, len(candidateIDs))
			for id := range candidateIDs {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			resolvedID = ids[0]
			result.Collisions = append(result.Collisions, r.RowIndex)
			log.WithField("row", r.RowIndex).WithField("candidates", ids).
				Warningln("identifier collision: multiple source products matched, using lexicographically smallest id")
		}

		if resolvedID == "" {
			resolvedID = newSourceProductID()
			_, err := tx.Exec(ctx, `
				INSERT INTO source_products
					(id, source_id, identity_key, title, url, normalized_url, image_url, brand,
					 category, caliber, grain_weight, round_count, description,
					 created_by_run_id, last_updated_by_run_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
				ON CONFLICT (source_id, identity_key) DO UPDATE SET
					last_updated_by_run_id = EXCLUDED.last_updated_by_run_id
				RETURNING id
			`,
				resolvedID, sourceID, r.IdentityKey, r.Title, r.URL, r.NormalizedURL, r.ImageURL,
				r.Brand, r.Category, r.Caliber, r.GrainWeight, r.RoundCount, r.Description, runID,
			).Scan(&resolvedID)
			if err != nil {
				return nil, errors.Wrapf(err, "insert source product failed for row %d", r.RowIndex)
			}
		} else {
			_, err := tx.Exec(ctx, `
				UPDATE source_products SET
					title = $2, url = $3, normalized_url = $4, image_url = $5, brand = $6,
					category = $7, caliber = $8, grain_weight = $9, round_count = $10,
					description = $11, last_updated_by_run_id = $12
				WHERE id = $1
			`,
				resolvedID, r.Title, r.URL, r.NormalizedURL, r.ImageURL, r.Brand,
				r.Category, r.Caliber, r.GrainWeight, r.RoundCount, r.Description, runID,
			)
			if err != nil {
				return nil, errors.Wrapf(err, "update source product failed for row %d", r.RowIndex)
			}
		}

		result.SourceProductIDByRow[r.RowIndex] = resolvedID

		for _, c := range r.Identifiers {
			_, err := tx.Exec(ctx, `
				INSERT INTO source_product_identifiers (source_product_id, id_type, id_value, namespace, is_canonical, normalized_value)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (source_product_id, id_type, id_value, namespace) DO NOTHING
			`, resolvedID, c.IDType, c.IDValue, c.Namespace, c.IsCanonical, c.IDValue)
			if err != nil {
				return nil, errors.Wrapf(err, "insert identifier failed for row %d", r.RowIndex)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx failed")
	}

	return result, nil
}

// UpsertProductLink applies the WHERE-guard of §4.6.2 step 3: never
// overwrite CREATED, never move MATCHED to a different productId.
func (s *PostgresStore) UpsertProductLink(ctx context.Context, link feed.ProductLink) error {
	evidence, err := json.Marshal(link.Evidence)
	if err != nil {
		return errors.Wrap(err, "marshal evidence failed")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO product_links (source_product_id, product_id, status, match_type, confidence, resolver_version, evidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (source_product_id) DO UPDATE SET
			product_id = EXCLUDED.product_id, status = EXCLUDED.status,
			match_type = EXCLUDED.match_type, confidence = EXCLUDED.confidence,
			resolver_version = EXCLUDED.resolver_version, evidence = EXCLUDED.evidence
		WHERE product_links.status <> 'CREATED'
		  AND (product_links.status <> 'MATCHED' OR product_links.product_id = EXCLUDED.product_id)
	`, link.SourceProductID, link.ProductID, link.Status, link.MatchType, link.Confidence, link.ResolverVersion, evidence)
	if err != nil {
		return errors.Wrap(err, "upsert product link failed")
	}
	return nil
}

func (s *PostgresStore) UpsertPresenceSeen(ctx context.Context, runID string, t0 time.Time, sourceProductIDs []string) error {
	if len(sourceProductIDs) == 0 {
		return nil
	}

	ids := dedupeStrings(sourceProductIDs)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin tx failed")
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO source_product_presence (source_product_id, last_seen_at)
		SELECT * FROM unnest($1::text[], $2::timestamptz[])
		ON CONFLICT (source_product_id) DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
	`, ids, sameTimestamp(t0, len(ids)))
	if err != nil {
		return errors.Wrap(err, "upsert presence failed")
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO source_product_seen (run_id, source_product_id)
		SELECT $1, * FROM unnest($2::text[])
		ON CONFLICT (run_id, source_product_id) DO NOTHING
	`, runID, ids)
	if err != nil {
		return errors.Wrap(err, "insert seen failed")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx failed")
	}
	return nil
}

func (s *PostgresStore) LastPrices(ctx context.Context, sourceProductIDs []string) ([]feed.LastPriceEntry, error) {
	if len(sourceProductIDs) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (source_product_id)
			source_product_id, price_signature_hash, created_at, price, currency, in_stock
		FROM prices
		WHERE source_product_id = ANY($1::text[])
		ORDER BY source_product_id, created_at DESC
	`, sourceProductIDs)
	if err != nil {
		return nil, errors.Wrap(err, "last prices query failed")
	}
	defer rows.Close()

	var out []feed.LastPriceEntry
	for rows.Next() {
		var e feed.LastPriceEntry
		var inStock *bool
		if err := rows.Scan(&e.SourceProductID, &e.PriceSignatureHash, &e.CreatedAt, &e.Price, &e.Currency, &inStock); err != nil {
			return nil, errors.Wrap(err, "last prices scan failed")
		}
		e.InStock = inStock
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertPrices bulk-inserts via unnest + IGNORE-ON-CONFLICT, returning the
// actual affected row count as the authoritative pricesWritten figure
// (§4.6.2 step 7; array length is never trusted).
func (s *PostgresStore) InsertPrices(ctx context.Context, writes []feed.PriceWrite) (int, error) {
	if len(writes) == 0 {
		return 0, nil
	}

	sourceProductIDs := make([]string, len(writes))
	productIDs := make([]*string, len(writes))
	retailerIDs := make([]string, len(writes))
	prices := make([]string, len(writes))
	currencies := make([]string, len(writes))
	urls := make([]string, len(writes))
	inStocks := make([]bool, len(writes))
	originalPrices := make([]*string, len(writes))
	priceTypes := make([]string, len(writes))
	hashes := make([]string, len(writes))
	runIDs := make([]string, len(writes))
	observedAts := make([]time.Time, len(writes))

	for i, w := range writes {
		sourceProductIDs[i] = w.SourceProductID
		if w.ProductID != "" {
			v := w.ProductID
			productIDs[i] = &v
		}
		retailerIDs[i] = w.RetailerID
		prices[i] = w.Price
		currencies[i] = w.Currency
		urls[i] = w.URL
		inStocks[i] = w.InStock
		if w.OriginalPrice != "" {
			v := w.OriginalPrice
			originalPrices[i] = &v
		}
		priceTypes[i] = string(w.PriceType)
		hashes[i] = w.PriceSignatureHash
		runIDs[i] = w.AffiliateFeedRunID
		observedAts[i] = w.ObservedAt
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO prices
			(id, source_product_id, product_id, retailer_id, price, currency, url, in_stock,
			 original_price, price_type, price_signature_hash, affiliate_feed_run_id, observed_at)
		SELECT gen_random_uuid(), * FROM unnest(
			$1::text[], $2::text[], $3::text[], $4::numeric[], $5::text[], $6::text[],
			$7::boolean[], $8::numeric[], $9::text[], $10::text[], $11::text[], $12::timestamptz[]
		)
		ON CONFLICT (source_product_id, price_signature_hash) WHERE affiliate_feed_run_id IS NOT NULL DO NOTHING
	`,
		sourceProductIDs, productIDs, retailerIDs, prices, currencies, urls,
		inStocks, originalPrices, priceTypes, hashes, runIDs, observedAts,
	)
	if err != nil {
		return 0, errors.Wrap(err, "bulk insert prices failed")
	}

	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) UpsertQuarantine(ctx context.Context, rec feed.QuarantinedRecord) error {
	payload, err := json.Marshal(rec.RawPayload)
	if err != nil {
		return errors.Wrap(err, "marshal raw payload failed")
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO quarantined_records (feed_id, match_key, raw_payload, blocking_codes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (feed_id, match_key) DO UPDATE SET
			raw_payload = EXCLUDED.raw_payload, blocking_codes = EXCLUDED.blocking_codes
	`, rec.FeedID, rec.MatchKey, payload, rec.BlockingCodes)
	if err != nil {
		return errors.Wrap(err, "upsert quarantine failed")
	}
	return nil
}

func (s *PostgresStore) LookupCanonicalProductByUPC(ctx context.Context, normalizedUPC string) (string, bool, error) {
	var productID string
	err := s.pool.QueryRow(ctx, `SELECT id FROM products WHERE upc = $1 LIMIT 1`, normalizedUPC).Scan(&productID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, errors.Wrap(err, "lookup canonical product by upc failed")
	}
	return productID, true, nil
}

// BreakerCounts computes the §4.7 inputs, all SQL pinned to the caller's
// expiryThreshold (itself derived from t0), never NOW().
func (s *PostgresStore) BreakerCounts(ctx context.Context, sourceID, runID string, expiryThreshold time.Time) (int, int, error) {
	var activeCountBefore int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM source_product_presence spp
		JOIN source_products sp ON sp.id = spp.source_product_id
		WHERE sp.source_id = $1
		  AND spp.last_seen_success_at IS NOT NULL
		  AND spp.last_seen_success_at >= $2
	`, sourceID, expiryThreshold).Scan(&activeCountBefore)
	if err != nil {
		return 0, 0, errors.Wrap(err, "active count query failed")
	}

	var seenSuccessCount int
	err = s.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM source_product_presence spp
		JOIN source_products sp ON sp.id = spp.source_product_id
		JOIN source_product_seen sps ON sps.source_product_id = spp.source_product_id AND sps.run_id = $2
		WHERE sp.source_id = $1
		  AND spp.last_seen_success_at IS NOT NULL
		  AND spp.last_seen_success_at >= $3
	`, sourceID, runID, expiryThreshold).Scan(&seenSuccessCount)
	if err != nil {
		return 0, 0, errors.Wrap(err, "seen success count query failed")
	}

	return activeCountBefore, seenSuccessCount, nil
}

func (s *PostgresStore) Promote(ctx context.Context, runID string, t0 time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE source_product_presence SET last_seen_success_at = $2
		WHERE source_product_id IN (SELECT source_product_id FROM source_product_seen WHERE run_id = $1)
	`, runID, t0)
	if err != nil {
		return 0, errors.Wrap(err, "promote failed")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) MemoizeChangeDetection(ctx context.Context, feedID string, mtime *time.Time, size int64, contentHash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE feeds SET last_remote_mtime = $2, last_remote_size = $3, last_content_hash = $4
		WHERE id = $1
	`, feedID, mtime, size, contentHash)
	if err != nil {
		return errors.Wrap(err, "memoize change detection failed")
	}
	return nil
}

func (s *PostgresStore) SetManualRunPending(ctx context.Context, feedID string, pending bool) error {
	_, err := s.pool.Exec(ctx, `UPDATE feeds SET manual_run_pending = $2 WHERE id = $1`, feedID, pending)
	if err != nil {
		return errors.Wrap(err, "set manual run pending failed")
	}
	return nil
}

func (s *PostgresStore) UpdateFeedSchedule(ctx context.Context, feedID string, status feed.Status, consecutiveFailures int, nextRunAt *time.Time) error {
	var next null.Time
	if nextRunAt != nil {
		next.SetValid(*nextRunAt)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE feeds SET status = $2, consecutive_failures = $3, next_run_at = $4
		WHERE id = $1
	`, feedID, status, consecutiveFailures, next)
	if err != nil {
		return errors.Wrap(err, "update feed schedule failed")
	}
	return nil
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

func sameTimestamp(t time.Time, n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = t
	}
	return out
}

// newSourceProductID is a var so tests can substitute deterministic ids.
var newSourceProductID = func() string {
	return uuid.NewV4().String()
}
