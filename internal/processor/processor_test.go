package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ironscout/feedingest/feed"
	"github.com/ironscout/feedingest/internal/parser"
	"github.com/ironscout/feedingest/internal/queue"
)

// fakeStore is an in-memory feed.Store sufficient to exercise the
// processor's chunk pipeline without a database.
type fakeStore struct {
	feed.Store // embed to satisfy the interface; unused methods panic if called

	nextID int

	sourceProducts map[string]string // identityKey -> sourceProductID
	identifiers    map[string]string // "type:value" -> sourceProductID
	presence       map[string]time.Time
	seen           map[string]bool
	prices         map[string]feed.LastPriceEntry
	quarantined    []feed.QuarantinedRecord
	links          map[string]feed.ProductLink
	insertedPrices []feed.PriceWrite
	canonicalByUPC map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sourceProducts: make(map[string]string),
		identifiers:    make(map[string]string),
		presence:       make(map[string]time.Time),
		seen:           make(map[string]bool),
		prices:         make(map[string]feed.LastPriceEntry),
		links:          make(map[string]feed.ProductLink),
		canonicalByUPC: make(map[string]string),
	}
}

func (f *fakeStore) UpsertSourceProducts(ctx context.Context, sourceID, runID string, rows []feed.SourceProductUpsert) (*feed.UpsertProductsResult, error) {
	result := &feed.UpsertProductsResult{SourceProductIDByRow: make(map[int]string)}
	for _, r := range rows {
		id, ok := f.sourceProducts[r.IdentityKey]
		if !ok {
			f.nextID++
			id = "sp-" + string(rune('a'+f.nextID))
			f.sourceProducts[r.IdentityKey] = id
		}
		for _, c := range r.Identifiers {
			f.identifiers[string(c.IDType)+":"+c.IDValue] = id
		}
		result.SourceProductIDByRow[r.RowIndex] = id
	}
	return result, nil
}

func (f *fakeStore) UpsertProductLink(ctx context.Context, link feed.ProductLink) error {
	existing, ok := f.links[link.SourceProductID]
	if ok && existing.Status == feed.LinkCreated {
		return nil
	}
	if ok && existing.Status == feed.LinkMatched && existing.ProductID != link.ProductID {
		return nil
	}
	f.links[link.SourceProductID] = link
	return nil
}

func (f *fakeStore) UpsertPresenceSeen(ctx context.Context, runID string, t0 time.Time, ids []string) error {
	for _, id := range ids {
		f.presence[id] = t0
		f.seen[runID+":"+id] = true
	}
	return nil
}

func (f *fakeStore) LastPrices(ctx context.Context, ids []string) ([]feed.LastPriceEntry, error) {
	var out []feed.LastPriceEntry
	for _, id := range ids {
		if e, ok := f.prices[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertPrices(ctx context.Context, writes []feed.PriceWrite) (int, error) {
	f.insertedPrices = append(f.insertedPrices, writes...)
	return len(writes), nil
}

func (f *fakeStore) UpsertQuarantine(ctx context.Context, rec feed.QuarantinedRecord) error {
	f.quarantined = append(f.quarantined, rec)
	return nil
}

func (f *fakeStore) LookupCanonicalProductByUPC(ctx context.Context, upc string) (string, bool, error) {
	id, ok := f.canonicalByUPC[upc]
	return id, ok, nil
}

// fakeQueue records enqueued jobs without any transport.
type fakeQueue struct {
	alerts    []queue.AlertJobArgs
	resolvers []queue.ResolverJobArgs
}

func (q *fakeQueue) EnqueueAlert(ctx context.Context, args queue.AlertJobArgs) error {
	q.alerts = append(q.alerts, args)
	return nil
}

func (q *fakeQueue) EnqueueResolver(ctx context.Context, args queue.ResolverJobArgs) error {
	q.resolvers = append(q.resolvers, args)
	return nil
}

func testFeed() *feed.Feed {
	return &feed.Feed{ID: "feed-1", SourceID: "source-1", RetailerID: "retailer-1", MaxRowCount: 100000}
}

func TestRunPhase1_QuarantinesRowsMissingCaliber(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	p := New(store, q, Config{})

	run := &feed.FeedRun{ID: "run-1"}
	products := []parser.ParsedProduct{
		{Name: "No Caliber", URL: "https://example.com/a", Price: 9.99, SKU: "SKU-A"},
	}

	result, err := p.RunPhase1(context.Background(), testFeed(), run, products, time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, result.ProductsUpserted)
	require.Len(t, store.quarantined, 1)
	require.Equal(t, []string{"MISSING_CALIBER"}, store.quarantined[0].BlockingCodes)
}

func TestRunPhase1_WritesFirstPriceForNewProduct(t *testing.T) {
	store := newFakeStore()
	q := &fakeQueue{}
	p := New(store, q, Config{})

	run := &feed.FeedRun{ID: "run-1"}
	t0 := time.Now()
	products := []parser.ParsedProduct{
		{Name: "Widget", URL: "https://example.com/a", Price: 19.99, Currency: "USD", Caliber: "9mm", SKU: "SKU-A", InStock: true},
	}

	result, err := p.RunPhase1(context.Background(), testFeed(), run, products, t0)
	require.NoError(t, err)
	require.Equal(t, 1, result.ProductsUpserted)
	require.Equal(t, 1, result.PricesWritten)
	require.Len(t, store.insertedPrices, 1)
	require.Equal(t, "19.99", store.insertedPrices[0].Price)
}

func TestRunPhase1_PriceDropDetectedOnSameCurrency(t *testing.T) {
	store := newFakeStore()
	store.sourceProducts["SKU:SKU-A"] = "sp-existing"
	store.canonicalByUPC["012345678905"] = "product-1"
	inStock := true
	store.prices["sp-existing"] = feed.LastPriceEntry{
		SourceProductID: "sp-existing", PriceSignatureHash: "old-hash",
		CreatedAt: time.Now().Add(-time.Hour), Price: "29.99", Currency: "USD", InStock: &inStock,
	}
	q := &fakeQueue{}
	p := New(store, q, Config{})

	run := &feed.FeedRun{ID: "run-1"}
	products := []parser.ParsedProduct{
		{Name: "Widget", URL: "https://example.com/a", Price: 19.99, Currency: "USD", Caliber: "9mm", SKU: "SKU-A", UPC: "012345678905", InStock: true},
	}

	_, err := p.RunPhase1(context.Background(), testFeed(), run, products, time.Now())
	require.NoError(t, err)
	require.Len(t, q.alerts, 1)
	require.Equal(t, "PRICE_DROP", q.alerts[0].Topic)
	require.Equal(t, "product-1", q.alerts[0].ProductID)
}

func TestRunPhase1_CurrencyMismatchSuppressesAlert(t *testing.T) {
	store := newFakeStore()
	store.sourceProducts["SKU:SKU-A"] = "sp-existing"
	store.canonicalByUPC["012345678905"] = "product-1"
	inStock := true
	store.prices["sp-existing"] = feed.LastPriceEntry{
		SourceProductID: "sp-existing", PriceSignatureHash: "old-hash",
		CreatedAt: time.Now().Add(-time.Hour), Price: "29.99", Currency: "EUR", InStock: &inStock,
	}
	q := &fakeQueue{}
	p := New(store, q, Config{})

	run := &feed.FeedRun{ID: "run-1"}
	products := []parser.ParsedProduct{
		{Name: "Widget", URL: "https://example.com/a", Price: 19.99, Currency: "USD", Caliber: "9mm", SKU: "SKU-A", UPC: "012345678905", InStock: true},
	}

	_, err := p.RunPhase1(context.Background(), testFeed(), run, products, time.Now())
	require.NoError(t, err)
	require.Empty(t, q.alerts, "currency mismatch must fail-closed and suppress the price-drop alert")
}

func TestRunPhase1_BackInStockDetected(t *testing.T) {
	store := newFakeStore()
	store.sourceProducts["SKU:SKU-A"] = "sp-existing"
	store.canonicalByUPC["012345678905"] = "product-1"
	wasOutOfStock := false
	store.prices["sp-existing"] = feed.LastPriceEntry{
		SourceProductID: "sp-existing", PriceSignatureHash: "old-hash",
		CreatedAt: time.Now().Add(-time.Hour), Price: "19.99", Currency: "USD", InStock: &wasOutOfStock,
	}
	q := &fakeQueue{}
	p := New(store, q, Config{})

	run := &feed.FeedRun{ID: "run-1"}
	products := []parser.ParsedProduct{
		{Name: "Widget", URL: "https://example.com/a", Price: 19.99, Currency: "USD", Caliber: "9mm", SKU: "SKU-A", UPC: "012345678905", InStock: true},
	}

	_, err := p.RunPhase1(context.Background(), testFeed(), run, products, time.Now())
	require.NoError(t, err)
	require.Len(t, q.alerts, 1)
	require.Equal(t, "BACK_IN_STOCK", q.alerts[0].Topic)
	require.Equal(t, "product-1", q.alerts[0].ProductID)
}

func TestRunPhase1_UnknownPriorStockSuppressesBackInStockAlert(t *testing.T) {
	store := newFakeStore()
	store.sourceProducts["SKU:SKU-A"] = "sp-existing"
	store.canonicalByUPC["012345678905"] = "product-1"
	store.prices["sp-existing"] = feed.LastPriceEntry{
		SourceProductID: "sp-existing", PriceSignatureHash: "old-hash",
		CreatedAt: time.Now().Add(-time.Hour), Price: "19.99", Currency: "USD", InStock: nil,
	}
	q := &fakeQueue{}
	p := New(store, q, Config{})

	run := &feed.FeedRun{ID: "run-1"}
	products := []parser.ParsedProduct{
		{Name: "Widget", URL: "https://example.com/a", Price: 19.99, Currency: "USD", Caliber: "9mm", SKU: "SKU-A", UPC: "012345678905", InStock: true},
	}

	_, err := p.RunPhase1(context.Background(), testFeed(), run, products, time.Now())
	require.NoError(t, err)
	require.Empty(t, q.alerts, "a null prior stock state is distinct from 'was out of stock'")
}

func TestRunPhase1_NoCanonicalProductSuppressesAlertsEvenOnPriceDrop(t *testing.T) {
	store := newFakeStore()
	store.sourceProducts["SKU:SKU-A"] = "sp-existing"
	inStock := true
	store.prices["sp-existing"] = feed.LastPriceEntry{
		SourceProductID: "sp-existing", PriceSignatureHash: "old-hash",
		CreatedAt: time.Now().Add(-time.Hour), Price: "29.99", Currency: "USD", InStock: &inStock,
	}
	q := &fakeQueue{}
	p := New(store, q, Config{})

	run := &feed.FeedRun{ID: "run-1"}
	products := []parser.ParsedProduct{
		{Name: "Widget", URL: "https://example.com/a", Price: 19.99, Currency: "USD", Caliber: "9mm", SKU: "SKU-A", InStock: true},
	}

	_, err := p.RunPhase1(context.Background(), testFeed(), run, products, time.Now())
	require.NoError(t, err)
	require.Empty(t, q.alerts, "a row with no canonical product link must fail closed, even when the price genuinely dropped")
}

func TestPreScanLastRowWins_KeepsOnlyLastOccurrence(t *testing.T) {
	products := []parser.ParsedProduct{
		{Name: "A v1", URL: "https://example.com/a", Price: 1, Caliber: "9mm", SKU: "SKU-A"},
		{Name: "B", URL: "https://example.com/b", Price: 2, Caliber: "9mm", SKU: "SKU-B"},
		{Name: "A v2", URL: "https://example.com/a", Price: 3, Caliber: "9mm", SKU: "SKU-A"},
	}

	survivors, dupCount := preScanLastRowWins(products)
	require.Equal(t, 1, dupCount)
	require.Len(t, survivors, 2)

	names := map[string]bool{}
	for _, s := range survivors {
		names[s.row.Name] = true
	}
	require.True(t, names["A v2"])
	require.False(t, names["A v1"], "last-row-wins must drop the earlier duplicate")
}

func TestPriceSignature_ChangesWithPriceCurrencyOrOriginalPrice(t *testing.T) {
	base := priceSignature(19.99, "USD", 0)
	require.Equal(t, base, priceSignature(19.99, "USD", 0), "pure function of its inputs")
	require.NotEqual(t, base, priceSignature(24.99, "USD", 0))
	require.NotEqual(t, base, priceSignature(19.99, "EUR", 0))
	require.NotEqual(t, base, priceSignature(19.99, "USD", 29.99))
}
