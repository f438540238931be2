package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ironscout/feedingest/feed"
)

func TestNormalizeURL_StripsTrackingParamsAndSortsQuery(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "strips utm and click ids, sorts remaining",
			in:   "https://Example.com/Path/?utm_source=feed&b=2&a=1&gclid=xyz",
			want: "https://example.com/Path?a=1&b=2",
		},
		{
			name: "strips trailing slash",
			in:   "https://example.com/shoes/",
			want: "https://example.com/shoes",
		},
		{
			name: "lowercases scheme and host only, preserves path case",
			in:   "HTTPS://EXAMPLE.com/Shoes/Red",
			want: "https://example.com/Shoes/Red",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeURL(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeURL_IsIdempotent(t *testing.T) {
	in := "https://Example.com/Path/?utm_source=feed&b=2&a=1"
	once, err := NormalizeURL(in)
	require.NoError(t, err)
	twice, err := NormalizeURL(once)
	require.NoError(t, err)
	require.Equal(t, once, twice)
}

func TestComputeURLHash_PureFunctionOfNormalizedURL(t *testing.T) {
	a, err := NormalizeURL("https://example.com/x?utm_source=feed")
	require.NoError(t, err)
	b, err := NormalizeURL("https://example.com/x")
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, ComputeURLHash(a), ComputeURLHash(b))
}

func TestResolve_CanonicalPriority(t *testing.T) {
	cases := []struct {
		name     string
		row      Row
		wantType feed.IdentifierType
		fallback bool
	}{
		{
			name:     "network item id wins over sku and url",
			row:      Row{NetworkItemID: "N1", SKU: "S1", URL: "https://example.com/a"},
			wantType: feed.IdentifierNetworkItemID,
		},
		{
			name:     "sku wins over url when no network id",
			row:      Row{SKU: "s1", URL: "https://example.com/a"},
			wantType: feed.IdentifierSKU,
		},
		{
			name:     "falls back to url hash",
			row:      Row{URL: "https://example.com/a"},
			wantType: feed.IdentifierURLHash,
			fallback: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := Resolve(tc.row)
			require.NoError(t, err)
			require.Equal(t, tc.wantType, res.CanonicalType)
			require.Equal(t, tc.fallback, res.URLHashFallback)
		})
	}
}

func TestResolve_NetworkIDCanonical_UPCNeverCanonical(t *testing.T) {
	res, err := Resolve(Row{NetworkItemID: "N1", UPC: "012345678905", URL: "https://example.com/a"})
	require.NoError(t, err)
	require.Equal(t, feed.IdentifierNetworkItemID, res.CanonicalType)

	for _, id := range res.Identifiers {
		if id.IDType == feed.IdentifierUPC {
			require.False(t, res.IsCanonical(id.IDType, id.IDValue), "UPC must never be canonical")
		}
	}
}

func TestResolve_NoUsableIdentifierErrors(t *testing.T) {
	_, err := Resolve(Row{})
	require.Error(t, err)
}

func TestResolve_IdentifierCollision_SameURLHashFromDifferentSKUs(t *testing.T) {
	rowA := Row{SKU: "SKU-A", URL: "https://example.com/shared-product"}
	rowB := Row{SKU: "SKU-B", URL: "https://example.com/shared-product"}

	resA, err := Resolve(rowA)
	require.NoError(t, err)
	resB, err := Resolve(rowB)
	require.NoError(t, err)

	require.Equal(t, resA.URLHash, resB.URLHash)
	require.NotEqual(t, resA.IdentityKey(), resB.IdentityKey(), "canonical identity differs by SKU even though URL hash matches")
}
