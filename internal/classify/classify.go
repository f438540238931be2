// Package classify applies the §7 error taxonomy at a single boundary
// (worker finalize), so every failed run carries one of TRANSIENT,
// PERMANENT, or CONFIG consistently regardless of which internal package
// raised the error.
package classify

import (
	"errors"
	"net"
	"strings"

	"github.com/ironscout/feedingest/feed"
)

// networkErrorCodes are matched against an error's message text since Go's
// os/syscall error values don't round-trip through a job queue payload.
var networkErrorCodes = []string{
	"ECONNRESET", "ETIMEDOUT", "EPIPE", "ECONNREFUSED", "EAI_AGAIN", "ENOTFOUND",
}

// HTTPStatus classifies by transport status code when one is available.
// Classify does not consult it; it matches on the error message only.
func HTTPStatus(status int) (feed.FailureKind, bool) {
	switch {
	case status == 401 || status == 403:
		return feed.FailureConfig, true
	case status == 404:
		return feed.FailurePermanent, true
	case status == 408 || status == 429 || status >= 500:
		return feed.FailureTransient, true
	default:
		return "", false
	}
}

// Classify determines the failure kind for err per the rules of §7: network
// error codes, then message substring matching, defaulting to TRANSIENT.
func Classify(err error) feed.FailureKind {
	if err == nil {
		return feed.FailureTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return feed.FailureTransient
	}

	msg := strings.ToLower(err.Error())

	for _, code := range networkErrorCodes {
		if strings.Contains(msg, strings.ToLower(code)) {
			return feed.FailureTransient
		}
	}

	switch {
	case strings.Contains(msg, "timeout"):
		return feed.FailureTransient
	case strings.Contains(msg, "authentication"), strings.Contains(msg, "permission denied"):
		return feed.FailureConfig
	case strings.Contains(msg, "no such file"), strings.Contains(msg, "not found"):
		return feed.FailurePermanent
	case strings.Contains(msg, "too_many_rows"), strings.Contains(msg, "toomanyrows"):
		return feed.FailurePermanent
	case strings.Contains(msg, "parse"), strings.Contains(msg, "invalid"), strings.Contains(msg, "format"):
		return feed.FailurePermanent
	default:
		return feed.FailureTransient // unknown: safer to retry
	}
}

// Code returns a short machine-stable code for the failure, derived from the
// error's kind, for the failureCode field on FeedRun.
func Code(kind feed.FailureKind, err error) string {
	if err == nil {
		return string(kind)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "authentication"):
		return "AUTH_FAILED"
	case strings.Contains(msg, "permission denied"):
		return "PERMISSION_DENIED"
	case strings.Contains(msg, "no such file"), strings.Contains(msg, "not found"):
		return "FILE_NOT_FOUND"
	case strings.Contains(msg, "too_many_rows"), strings.Contains(msg, "toomanyrows"):
		return "TOO_MANY_ROWS"
	case strings.Contains(msg, "timeout"):
		return "TIMEOUT"
	default:
		return string(kind)
	}
}
