package classify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ironscout/feedingest/feed"
)

func TestClassify_MessageMatching(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want feed.FailureKind
	}{
		{"connection reset code", errors.New("read tcp: ECONNRESET"), feed.FailureTransient},
		{"timeout word", errors.New("context deadline exceeded: timeout waiting for banner"), feed.FailureTransient},
		{"authentication word", errors.New("authentication failed for user"), feed.FailureConfig},
		{"permission denied", errors.New("permission denied (publickey)"), feed.FailureConfig},
		{"no such file", errors.New("sftp: no such file"), feed.FailurePermanent},
		{"not found", errors.New("remote file not found"), feed.FailurePermanent},
		{"parse failure", errors.New("parse error: unexpected quote"), feed.FailurePermanent},
		{"too many rows", errors.New("TOO_MANY_ROWS: exceeded cap"), feed.FailurePermanent},
		{"unknown defaults transient", errors.New("something weird happened"), feed.FailureTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		want   feed.FailureKind
		ok     bool
	}{
		{401, feed.FailureConfig, true},
		{403, feed.FailureConfig, true},
		{404, feed.FailurePermanent, true},
		{408, feed.FailureTransient, true},
		{429, feed.FailureTransient, true},
		{500, feed.FailureTransient, true},
		{503, feed.FailureTransient, true},
		{200, "", false},
	}
	for _, tc := range cases {
		kind, ok := HTTPStatus(tc.status)
		require.Equal(t, tc.ok, ok)
		require.Equal(t, tc.want, kind)
	}
}

func TestClassify_NilErrorDefaultsTransient(t *testing.T) {
	require.Equal(t, feed.FailureTransient, Classify(nil))
}
