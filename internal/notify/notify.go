// Package notify sends fire-and-forget notifications to an external
// operator-facing notifier. A failure to notify never fails the run (§6).
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/xlab/suplog"

	"github.com/InjectiveLabs/metrics"
)

const requestTimeout = 15 * time.Second

// Notifier posts stable-shaped payloads to an external notification
// endpoint.
type Notifier struct {
	endpoint string
	client   *http.Client
	logger   log.Logger
	svcTags  metrics.Tags
}

func New(endpoint string) *Notifier {
	return &Notifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: requestTimeout},
		logger:   log.WithField("svc", "notify"),
		svcTags:  metrics.Tags{"svc": "notify"},
	}
}

// FeedRunFailed reports a terminal FAILED run.
func (n *Notifier) FeedRunFailed(ctx context.Context, feedID, runID, failureKind, failureCode, failureMessage string) {
	n.send(ctx, "feedRunFailed", map[string]interface{}{
		"feedId":         feedID,
		"runId":          runID,
		"failureKind":    failureKind,
		"failureCode":    failureCode,
		"failureMessage": failureMessage,
	})
}

// CircuitBreakerTriggered reports a Phase 2 block.
func (n *Notifier) CircuitBreakerTriggered(ctx context.Context, feedID, runID, reason string, wouldExpireCount int) {
	n.send(ctx, "circuitBreakerTriggered", map[string]interface{}{
		"feedId":           feedID,
		"runId":            runID,
		"reason":           reason,
		"wouldExpireCount": wouldExpireCount,
	})
}

// FeedAutoDisabled reports a feed crossing the consecutive-failure threshold.
func (n *Notifier) FeedAutoDisabled(ctx context.Context, feedID string, consecutiveFailures int) {
	n.send(ctx, "feedAutoDisabled", map[string]interface{}{
		"feedId":              feedID,
		"consecutiveFailures": consecutiveFailures,
	})
}

// FeedRecovered reports a feed's first success after prior failures.
func (n *Notifier) FeedRecovered(ctx context.Context, feedID, runID string) {
	n.send(ctx, "feedRecovered", map[string]interface{}{
		"feedId": feedID,
		"runId":  runID,
	})
}

func (n *Notifier) send(ctx context.Context, event string, payload map[string]interface{}) {
	metrics.ReportFuncCall(n.svcTags)
	doneFn := metrics.ReportFuncTiming(n.svcTags)
	defer doneFn()

	if n.endpoint == "" {
		return
	}

	payload["event"] = event

	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.WithError(err).Warningln("failed to encode notification payload")
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		n.logger.WithError(err).Warningln("failed to build notification request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		metrics.ReportFuncError(n.svcTags)
		n.logger.WithError(errors.Wrap(err, "notification request failed")).WithField("event", event).Warningln("notify failed, swallowing")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		metrics.ReportFuncError(n.svcTags)
		n.logger.WithField("event", event).WithField("status", resp.StatusCode).Warningln("notifier returned error status, swallowing")
	}
}
