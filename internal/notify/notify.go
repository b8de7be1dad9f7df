// Package notify sends webhook notifications when findings are raised,
// escalated or resolved.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/configwatch/internal/config"
	"github.com/ppiankov/configwatch/internal/engine"
	"github.com/ppiankov/configwatch/internal/store"
)

const httpTimeout = 10 * time.Second

// Notification events.
const (
	EventTriggered = "triggered"
	EventEscalated = "escalated"
	EventResolved  = "resolved"
)

// Notifier alerts on finding mutations that match its severity filter.
type Notifier struct {
	severities map[store.Severity]bool
	sent       map[string]time.Time
	client     *http.Client
	now        func() time.Time
	webhooks   []config.WebhookConfig
	cooldown   time.Duration
	mu         sync.Mutex
}

// New creates a Notifier from notification config. Returns nil if not enabled or no webhooks.
func New(cfg config.NotificationConfig) *Notifier {
	if !cfg.Enabled || len(cfg.Webhooks) == 0 {
		return nil
	}

	sevs := make(map[store.Severity]bool)
	for _, s := range cfg.Severities {
		if sev, ok := store.ParseSeverity(s); ok {
			sevs[sev] = true
		} else {
			slog.Warn("notification: ignoring unknown severity", "severity", s)
		}
	}
	// Default to critical+high if none specified
	if len(sevs) == 0 {
		sevs[store.SeverityCritical] = true
		sevs[store.SeverityHigh] = true
	}

	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = time.Hour
	}

	return &Notifier{
		webhooks:   cfg.Webhooks,
		severities: sevs,
		cooldown:   cooldown,
		sent:       make(map[string]time.Time),
		client:     &http.Client{Timeout: httpTimeout},
		now:        time.Now,
	}
}

// Observe implements engine.Observer. Creates trigger, severity increases on
// an active finding escalate, and resolutions clear paging incidents.
func (n *Notifier) Observe(ctx context.Context, r *engine.Result) {
	if n == nil || r.Err != nil || r.Finding == nil {
		return
	}
	f := r.Finding
	ctx = context.WithoutCancel(ctx)

	switch r.Mutation {
	case store.MutationCreate:
		if n.severities[f.Severity] && n.mark(f.ID) {
			n.dispatch(ctx, EventTriggered, f)
		}
	case store.MutationUpdate:
		if r.Prior != nil && isEscalation(r.Prior.Severity, f.Severity) && n.severities[f.Severity] && n.mark(f.ID) {
			n.dispatch(ctx, EventEscalated, f)
		}
	case store.MutationResolve:
		if r.Prior != nil && n.severities[r.Prior.Severity] {
			n.mu.Lock()
			delete(n.sent, f.ID)
			n.mu.Unlock()
			n.dispatch(ctx, EventResolved, f)
		}
	}
}

// mark records a trigger for key and reports whether the cooldown allows it.
// Entries whose cooldown has expired are dropped.
func (n *Notifier) mark(key string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.now()
	for k, at := range n.sent {
		if k != key && now.Sub(at) >= n.cooldown {
			delete(n.sent, k)
		}
	}
	if lastSent, ok := n.sent[key]; ok && now.Sub(lastSent) < n.cooldown {
		return false
	}
	n.sent[key] = now
	return true
}

// dispatch sends one finding event to all configured webhooks. Only paging
// targets receive resolutions.
func (n *Notifier) dispatch(ctx context.Context, event string, f *store.Finding) {
	findings := []store.Finding{*f}
	for i := range n.webhooks {
		wh := &n.webhooks[i]
		switch wh.Type {
		case "pagerduty":
			if event == EventResolved {
				n.resolvePagerDuty(ctx, wh, f.ID)
			} else {
				n.sendPagerDuty(ctx, wh, findings)
			}
		case "slack":
			if event != EventResolved {
				n.sendSlack(ctx, wh.URL, event, findings)
			}
		case "grafana":
			n.sendGrafana(ctx, wh, event, findings)
		default:
			if event != EventResolved {
				n.sendGeneric(ctx, wh.URL, event, findings)
			}
		}
	}
}

// isEscalation returns true if the severity increased.
func isEscalation(prev, curr store.Severity) bool {
	return curr.Rank() > prev.Rank()
}

// GenericPayload is the JSON body sent to generic webhooks.
type GenericPayload struct {
	Timestamp time.Time        `json:"timestamp"`
	Event     string           `json:"event"`
	Summary   string           `json:"summary"`
	Findings  []GenericFinding `json:"findings"`
}

// GenericFinding is a single finding in the generic webhook payload.
type GenericFinding struct {
	FindingID    string             `json:"findingId"`
	ResourceType store.ResourceType `json:"resourceType"`
	ResourceID   string             `json:"resourceId"`
	AccountID    string             `json:"accountId,omitempty"`
	Region       string             `json:"region,omitempty"`
	Severity     store.Severity     `json:"severity"`
	Title        string             `json:"title"`
	Rules        []string           `json:"rules"`
	Score        int                `json:"score"`
}

func (n *Notifier) sendGeneric(ctx context.Context, webhookURL, event string, findings []store.Finding) {
	payload := GenericPayload{
		Timestamp: n.now().UTC(),
		Event:     event,
		Summary:   buildSummary(findings),
		Findings:  make([]GenericFinding, len(findings)),
	}
	for i := range findings {
		f := &findings[i]
		payload.Findings[i] = GenericFinding{
			FindingID:    f.ID,
			ResourceType: f.ResourceType,
			ResourceID:   f.ResourceID,
			AccountID:    f.AccountID,
			Region:       f.Region,
			Severity:     f.Severity,
			Score:        f.Severity.Score(),
			Title:        f.Title,
			Rules:        f.RuleNames(),
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("notification: marshal error", "err", err)
		return
	}

	n.post(ctx, webhookURL, "application/json", body)
}

// SlackPayload is the JSON body sent to Slack incoming webhooks.
type SlackPayload struct {
	Blocks []SlackBlock `json:"blocks"`
}

// SlackBlock is a Slack Block Kit block.
type SlackBlock struct {
	Text *SlackText `json:"text,omitempty"`
	Type string     `json:"type"`
}

// SlackText is a Slack text element.
type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (n *Notifier) sendSlack(ctx context.Context, webhookURL, event string, findings []store.Finding) {
	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackText{
				Type: "plain_text",
				Text: fmt.Sprintf("configwatch: %d %s finding(s)", len(findings), event),
			},
		},
	}

	for i := range findings {
		f := &findings[i]
		blocks = append(blocks, SlackBlock{
			Type: "section",
			Text: &SlackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("[%s] *%s* `%s/%s`: %s",
					strings.ToUpper(string(f.Severity)), f.Title, f.ResourceType, f.ResourceID,
					strings.Join(f.RuleNames(), ", ")),
			},
		})
	}

	blocks = append(blocks, SlackBlock{
		Type: "context",
		Text: &SlackText{
			Type: "mrkdwn",
			Text: fmt.Sprintf("Source: configwatch | %s", n.now().UTC().Format(time.RFC3339)),
		},
	})

	payload := SlackPayload{Blocks: blocks}
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("notification: slack marshal error", "err", err)
		return
	}

	n.post(ctx, webhookURL, "application/json", body)
}

func (n *Notifier) post(ctx context.Context, webhookURL, contentType string, body []byte) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		slog.Warn("notification: request error", "url", webhookURL, "err", err)
		return
	}
	req.Header.Set("Content-Type", contentType)
	n.do(req)
}

func (n *Notifier) do(req *http.Request) {
	resp, err := n.client.Do(req)
	if err != nil {
		slog.Warn("notification: webhook delivery failed", "url", req.URL.String(), "err", err)
		return
	}
	defer resp.Body.Close() //nolint:errcheck // read-only close
	if resp.StatusCode >= 300 {
		slog.Warn("notification: webhook returned non-2xx", "url", req.URL.String(), "status", resp.StatusCode)
	}
}

func buildSummary(findings []store.Finding) string {
	counts := make(map[store.Severity]int)
	for i := range findings {
		counts[findings[i].Severity]++
	}
	var parts []string
	for _, sev := range []store.Severity{
		store.SeverityCritical, store.SeverityHigh, store.SeverityMedium, store.SeverityLow, store.SeverityInformational,
	} {
		if counts[sev] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[sev], strings.ToLower(string(sev))))
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%d finding(s)", len(findings))
	}
	return strings.Join(parts, ", ") + " finding(s)"
}
