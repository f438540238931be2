package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDedupeStrings(t *testing.T) {
	got := dedupeStrings([]string{"a", "b", "a", "c", "b"})
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestDedupeStrings_Empty(t *testing.T) {
	require.Empty(t, dedupeStrings(nil))
}

func TestSameTimestamp(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got := sameTimestamp(t0, 3)
	require.Len(t, got, 3)
	for _, ts := range got {
		require.Equal(t, t0, ts)
	}
}
