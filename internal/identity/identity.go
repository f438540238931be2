// Package identity resolves a parsed row's canonical identity key and its
// full set of alternate identifiers (spec §4.5).
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"github.com/ironscout/feedingest/feed"
)

// trackingParamNames are stripped verbatim from query strings during URL
// canonicalization (§4.5).
var trackingParamNames = map[string]bool{
	"utm_source": true, "utm_medium": true, "utm_campaign": true,
	"utm_term": true, "utm_content": true,
	"impactradius_clickid": true, "irclickid": true, "clickid": true,
	"gclid": true, "fbclid": true, "ref": true, "source": true,
	"partner_id": true, "affiliate_id": true, "irgwc": true,
}

// trackingParamPrefixes are stripped when a query key starts with them.
var trackingParamPrefixes = []string{"utm_", "impactradius_"}

// NormalizeURL canonicalizes a URL for hashing: lower-case scheme and host
// only (path/query case preserved), sorted query params with tracking
// params stripped, trailing slash stripped. Idempotent:
// NormalizeURL(NormalizeURL(u)) == NormalizeURL(u).
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if trackingParamNames[lower] || hasTrackingPrefix(lower) {
			q.Del(key)
		}
	}
	u.RawQuery = sortedQuery(q)

	u.Path = strings.TrimSuffix(u.Path, "/")
	u.Fragment = ""

	return u.String(), nil
}

func hasTrackingPrefix(key string) bool {
	for _, p := range trackingParamPrefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// sortedQuery re-encodes query values with keys in sorted order, matching
// url.Values.Encode's own sort but made explicit since that behavior is an
// implementation detail we rely on for determinism.
func sortedQuery(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		values := q[k]
		sort.Strings(values)
		for j, v := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
			_ = i
			_ = j
		}
	}
	return b.String()
}

// ComputeURLHash returns the SHA-256 hex digest of the normalized URL. It is
// a pure function of the normalized URL only.
func ComputeURLHash(normalizedURL string) string {
	sum := sha256.Sum256([]byte(normalizedURL))
	return hex.EncodeToString(sum[:])
}

// Row is the subset of a ParsedProduct the resolver needs.
type Row struct {
	NetworkItemID string
	SKU           string
	UPC           string
	URL           string
}

// Resolution is the canonical identity plus every alternate identifier for
// one row.
type Resolution struct {
	CanonicalType  feed.IdentifierType
	CanonicalValue string
	// URLHashFallback is true when the canonical identity had to fall back
	// to the URL hash (no network item id or SKU present).
	URLHashFallback bool
	NormalizedURL   string
	URLHash         string
	Identifiers     []feed.IdentifierCandidate
}

// Resolve computes the canonical identity key and alternate identifiers for
// a row (§4.5). UPC is intentionally never the canonical key.
func Resolve(row Row) (Resolution, error) {
	var res Resolution

	normURL, urlHash := "", ""
	if strings.TrimSpace(row.URL) != "" {
		var err error
		normURL, err = NormalizeURL(row.URL)
		if err != nil {
			return res, err
		}
		urlHash = ComputeURLHash(normURL)
	}
	res.NormalizedURL = normURL
	res.URLHash = urlHash

	switch {
	case strings.TrimSpace(row.NetworkItemID) != "":
		res.CanonicalType = feed.IdentifierNetworkItemID
		res.CanonicalValue = strings.TrimSpace(row.NetworkItemID)
	case strings.TrimSpace(row.SKU) != "":
		res.CanonicalType = feed.IdentifierSKU
		res.CanonicalValue = strings.ToUpper(strings.TrimSpace(row.SKU))
	case urlHash != "":
		res.CanonicalType = feed.IdentifierURLHash
		res.CanonicalValue = urlHash
		res.URLHashFallback = true
	default:
		return res, errNoCanonicalIdentity
	}

	var ids []feed.IdentifierCandidate
	if v := strings.TrimSpace(row.NetworkItemID); v != "" {
		ids = append(ids, feed.IdentifierCandidate{
			IDType: feed.IdentifierNetworkItemID, IDValue: v,
			IsCanonical: res.IsCanonical(feed.IdentifierNetworkItemID, v),
		})
	}
	if v := strings.ToUpper(strings.TrimSpace(row.SKU)); v != "" {
		ids = append(ids, feed.IdentifierCandidate{
			IDType: feed.IdentifierSKU, IDValue: v,
			IsCanonical: res.IsCanonical(feed.IdentifierSKU, v),
		})
	}
	if v := strings.TrimSpace(row.UPC); v != "" {
		ids = append(ids, feed.IdentifierCandidate{
			IDType: feed.IdentifierUPC, IDValue: v,
			IsCanonical: res.IsCanonical(feed.IdentifierUPC, v),
		})
	}
	if urlHash != "" {
		ids = append(ids, feed.IdentifierCandidate{
			IDType: feed.IdentifierURLHash, IDValue: urlHash,
			IsCanonical: res.IsCanonical(feed.IdentifierURLHash, urlHash),
		})
		// The raw URL is stored too (namespace ''), never canonical; its
		// practical utility is for support tooling only (§9 Open Question).
		ids = append(ids, feed.IdentifierCandidate{
			IDType: feed.IdentifierURL, IDValue: strings.TrimSpace(row.URL),
		})
	}
	res.Identifiers = ids

	return res, nil
}

// IdentityKey returns the "type:value" canonical key string stored on
// SourceProduct (§3).
func (r Resolution) IdentityKey() string {
	return string(r.CanonicalType) + ":" + r.CanonicalValue
}

// IsCanonical reports whether a given identifier tuple is the row's
// canonical identifier.
func (r Resolution) IsCanonical(idType feed.IdentifierType, value string) bool {
	return idType == r.CanonicalType && value == r.CanonicalValue
}

var errNoCanonicalIdentity = identityError("row has no usable identifier: missing network item id, SKU, and URL")

type identityError string

func (e identityError) Error() string { return string(e) }
