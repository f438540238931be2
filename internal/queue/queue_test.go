package queue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ironscout/feedingest/feed"
)

func TestJobArgs_Kinds(t *testing.T) {
	require.Equal(t, "feed_run", FeedJobArgs{}.Kind())
	require.Equal(t, "alert", AlertJobArgs{}.Kind())
	require.Equal(t, "resolver", ResolverJobArgs{}.Kind())
}

func TestFeedJobArgs_CarriesTriggerAndDecimalLockID(t *testing.T) {
	args := FeedJobArgs{
		FeedID:     "feed-1",
		Trigger:    feed.TriggerManualPending,
		FeedLockID: "9223372036854775807",
	}
	require.Equal(t, feed.TriggerManualPending, args.Trigger)
	require.Equal(t, "9223372036854775807", args.FeedLockID)
}

func TestAlertJobArgs_CarriesTopicAndNewPrice(t *testing.T) {
	price := "19.99"
	args := AlertJobArgs{ExecutionID: "run-1", ProductID: "p-1", NewPrice: &price, Topic: "PRICE_DROP"}
	require.Equal(t, "PRICE_DROP", args.Topic)
	require.Equal(t, "19.99", *args.NewPrice)
}
