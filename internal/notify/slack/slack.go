// Package slack posts incident outcomes to Slack via incoming webhooks. The
// notifier attaches to the broadcast hub like any other subscriber.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/commander/internal/alert"
	"github.com/linnemanlabs/commander/internal/events"
	"github.com/linnemanlabs/commander/internal/incident"
)

const (
	maxSummaryLen = 3000
	httpTimeout   = 10 * time.Second

	// Slack allows roughly one webhook post per second.
	defaultRate  = rate.Limit(1)
	defaultBurst = 5
	defaultQueue = 128
)

// Option configures a Notifier.
type Option func(*Notifier)

// WithRateLimit overrides the webhook post rate.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(n *Notifier) { n.limiter = rate.NewLimiter(limit, burst) }
}

// WithQueue overrides how many outcomes may wait for a post.
func WithQueue(size int) Option {
	return func(n *Notifier) {
		if size > 0 {
			n.queueLen = size
		}
	}
}

// WithHTTPClient replaces the webhook client.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// Notifier posts incident outcomes to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
	limiter    *rate.Limiter
	queueLen   int

	queue  chan outcome
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type outcome struct {
	kind events.Type
	inc  *incident.Incident
}

// New creates a Slack notifier. If webhookURL is empty, nothing is posted.
func New(webhookURL string, logger log.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
		limiter:    rate.NewLimiter(defaultRate, defaultBurst),
		queueLen:   defaultQueue,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, o := range opts {
		o(n)
	}
	n.queue = make(chan outcome, n.queueLen)
	go n.run()
	return n
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool { return n.webhookURL != "" }

// Send handles one hub event. Only completed pipelines and operator
// resolutions are posted. Send never waits on Slack: outcomes are queued for
// a background poster, and one that finds the queue full is dropped with a
// warning. An error is returned only once the notifier has been closed.
func (n *Notifier) Send(e events.Event) error {
	if e.Type != events.TypeIncidentCompleted && e.Type != events.TypeIncidentResolved {
		return nil
	}
	if err := n.ctx.Err(); err != nil {
		return err
	}

	p, err := events.Decode[events.IncidentPayload](e)
	if err != nil || p.Incident == nil {
		n.logger.Warn(n.ctx, "slack: dropping undecodable event", "type", e.Type, "error", err)
		return nil
	}
	// a pipeline that runs to completion is reported once, on incident_completed
	if e.Type == events.TypeIncidentResolved && !p.Incident.ForcedResolution {
		return nil
	}

	select {
	case n.queue <- outcome{kind: e.Type, inc: p.Incident}:
	default:
		n.logger.Warn(n.ctx, "slack: queue full, dropping notification",
			"incident_id", p.Incident.ID,
			"type", e.Type,
		)
	}
	return nil
}

// Close stops the poster and waits for it to exit. Queued posts are
// abandoned.
func (n *Notifier) Close() error {
	n.cancel()
	<-n.done
	return nil
}

func (n *Notifier) run() {
	defer close(n.done)
	for {
		select {
		case <-n.ctx.Done():
			return
		case o := <-n.queue:
			if err := n.limiter.Wait(n.ctx); err != nil {
				return
			}
			if err := n.Notify(n.ctx, o.kind, o.inc); err != nil {
				n.logger.Error(n.ctx, err, "slack notification failed", "incident_id", o.inc.ID)
			}
		}
	}
}

// Notify posts the incident outcome to the configured webhook.
func (n *Notifier) Notify(ctx context.Context, kind events.Type, inc *incident.Incident) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(kind, inc))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(kind events.Type, inc *incident.Incident) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(kind, inc),
			{"type": "divider"},
			fieldsBlock(inc),
			{"type": "divider"},
			summaryBlock(inc),
			{"type": "divider"},
			contextBlock(inc),
		},
	}
}

func headerBlock(kind events.Type, inc *incident.Incident) map[string]any {
	sev := severityOf(inc)
	title := "Incident Resolved"
	if kind == events.TypeIncidentResolved {
		title = "Incident Resolved by Operator"
	}
	text := fmt.Sprintf("%s %s: %s", severityEmoji(sev), title, alertName(inc))

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(inc *incident.Incident) map[string]any {
	category := "unclassified"
	confidence := "n/a"
	if c := inc.Classification; c != nil {
		category = c.Category
		confidence = fmt.Sprintf("%.0f%%", c.Confidence*100)
	}
	executed, pending := 0, 0
	if ex := inc.Execution; ex != nil {
		executed, pending = len(ex.Steps)-ex.PendingSteps, ex.PendingSteps
	}

	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Status:* %s", inc.Status)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", severityOf(inc))},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Category:* %s", category)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Confidence:* %s", confidence)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Duration:* %s", duration(inc))},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Steps:* %d executed, %d pending", executed, pending)},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func summaryBlock(inc *incident.Incident) map[string]any {
	var text string
	if pm := inc.PostMortem; pm != nil {
		text = pm.Summary
		if pm.RootCause != "" {
			text += "\n\n*Root cause:* " + pm.RootCause
		}
	}
	text = truncate(text, maxSummaryLen)
	if text == "" {
		text = "_No post-mortem available._"
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Summary*\n\n%s", text),
		},
	}
}

func contextBlock(inc *incident.Incident) map[string]any {
	ts := inc.UpdatedAt
	if inc.ResolvedAt != nil {
		ts = *inc.ResolvedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("commander • incident %s • %s", inc.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func alertName(inc *incident.Incident) string {
	if inc.Alert == nil {
		return "unknown alert"
	}
	if inc.Alert.Message != "" {
		return inc.Alert.Message
	}
	return inc.Alert.Type
}

func severityOf(inc *incident.Incident) string {
	if inc.Classification != nil && inc.Classification.Severity != "" {
		return inc.Classification.Severity
	}
	if inc.Alert != nil {
		return inc.Alert.Severity
	}
	return ""
}

func duration(inc *incident.Incident) string {
	if inc.ResolvedAt == nil {
		return "n/a"
	}
	return inc.ResolvedAt.Sub(inc.CreatedAt).Round(time.Second).String()
}

func severityEmoji(severity string) string {
	switch strings.ToLower(severity) {
	case alert.SeverityCritical:
		return "\U0001f534" // red circle
	case alert.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case alert.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
