// Package slackalert pages an operator when the intake machine surfaces
// a SchemaDrift error: a bar's live event stream no longer matches its
// registered schema, which (per §5) requires a human to register a new
// version rather than something the core can resolve on its own.
package slackalert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/barstat/progressd/internal/perr"
)

// Alerter posts SchemaDrift alerts to a Slack channel via chat.postMessage.
type Alerter struct {
	token   string
	channel string
	client  *http.Client
	apiURL  string

	mu       sync.Mutex
	lastSent time.Time
}

// NewAlerter creates a new Slack alerter.
func NewAlerter(token, channel string) *Alerter {
	return &Alerter{
		token:   token,
		channel: channel,
		client:  &http.Client{Timeout: 10 * time.Second},
		apiURL:  "https://slack.com/api/chat.postMessage",
	}
}

// PostDriftAlert sends a Block Kit message describing a SchemaDrift
// error. It rate-limits to at most one alert per 30 seconds so a bar
// stuck emitting a stale step shape can't storm the channel.
func (a *Alerter) PostDriftAlert(ctx context.Context, ownerSub, barName, traceUID string, pe *perr.Error) error {
	a.mu.Lock()
	if time.Since(a.lastSent) < 30*time.Second {
		a.mu.Unlock()
		return nil
	}
	a.lastSent = time.Now()
	a.mu.Unlock()

	reason := "unknown"
	expected, actual := "", ""
	position := 0
	if pe.Drift != nil {
		reason = pe.Drift.Reason
		expected = pe.Drift.ExpectedName
		actual = pe.Drift.ActualName
		position = pe.Drift.Position
	}

	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": "Schema Drift Alert",
			},
		},
		{
			"type": "section",
			"fields": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("*Bar:*\n%s", barName)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Owner:*\n%s", ownerSub)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Trace:*\n%s", traceUID)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Position:*\n%d", position)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Expected step:*\n%s", expected)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Observed step:*\n%s", actual)},
				{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:*\n%s", reason)},
			},
		},
		{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("Sent at %s", time.Now().UTC().Format(time.RFC3339))},
			},
		},
	}

	body, err := json.Marshal(map[string]any{
		"channel": a.channel,
		"blocks":  blocks,
		"text":    fmt.Sprintf("Schema drift on %s/%s: %s", ownerSub, barName, reason),
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}

	slog.Info("schema drift alert posted to slack", "channel", a.channel, "bar", barName, "owner", ownerSub)
	return nil
}

// AlertOnDrift inspects err and, if it is a SchemaDrift *perr.Error,
// fires a PostDriftAlert in the background. Any other error is ignored;
// callers invoke this from the intake handler without altering control
// flow. Failures to post are logged, not returned, since alerting must
// never block or fail the caller's response to the client.
func (a *Alerter) AlertOnDrift(ctx context.Context, ownerSub, barName, traceUID string, err error) {
	if a == nil {
		return
	}
	pe, ok := perr.As(err)
	if !ok || pe.Kind != perr.KindSchemaDrift {
		return
	}
	go func() {
		if postErr := a.PostDriftAlert(context.WithoutCancel(ctx), ownerSub, barName, traceUID, pe); postErr != nil {
			slog.Warn("failed to post schema drift alert", "error", postErr)
		}
	}()
}
