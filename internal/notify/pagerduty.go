package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/configwatch/internal/config"
	"github.com/ppiankov/configwatch/internal/store"
)

// pagerDutyEventsURL is the PagerDuty Events API v2 endpoint (var for testing).
var pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue" //nolint:gosec // not a credential

// pdEvent is a PagerDuty Events API v2 request body.
type pdEvent struct {
	Payload     *pdPayload `json:"payload,omitempty"`
	RoutingKey  string     `json:"routing_key"`
	EventAction string     `json:"event_action"`
	DedupKey    string     `json:"dedup_key"`
}

// pdPayload is the payload section of a PagerDuty trigger event.
type pdPayload struct {
	Timestamp     time.Time         `json:"timestamp"`
	CustomDetails map[string]string `json:"custom_details,omitempty"`
	Summary       string            `json:"summary"`
	Source        string            `json:"source"`
	Severity      string            `json:"severity"`
	Component     string            `json:"component,omitempty"`
}

func (n *Notifier) sendPagerDuty(ctx context.Context, wh *config.WebhookConfig, findings []store.Finding) {
	for i := range findings {
		f := &findings[i]
		event := pdEvent{
			RoutingKey:  wh.RoutingKey,
			EventAction: "trigger",
			DedupKey:    f.ID,
			Payload: &pdPayload{
				Summary:   pdSummary(f),
				Source:    "configwatch",
				Component: string(f.ResourceType),
				Severity:  pdSeverity(f.Severity),
				Timestamp: n.now().UTC(),
				CustomDetails: map[string]string{
					"account": f.AccountID,
					"region":  f.Region,
					"rules":   strings.Join(f.RuleNames(), ", "),
				},
			},
		}

		body, err := json.Marshal(event)
		if err != nil {
			continue
		}
		n.post(ctx, pagerDutyEventsURL, "application/json", body)
	}
}

func (n *Notifier) resolvePagerDuty(ctx context.Context, wh *config.WebhookConfig, findingID string) {
	event := pdEvent{
		RoutingKey:  wh.RoutingKey,
		EventAction: "resolve",
		DedupKey:    findingID,
	}

	body, err := json.Marshal(event)
	if err != nil {
		return
	}
	n.post(ctx, pagerDutyEventsURL, "application/json", body)
}

func pdSummary(f *store.Finding) string {
	return fmt.Sprintf("[%s] %s/%s: %s",
		strings.ToUpper(string(f.Severity)), f.ResourceType, f.ResourceID, f.Title)
}

func pdSeverity(s store.Severity) string {
	switch s {
	case store.SeverityCritical:
		return "critical"
	case store.SeverityHigh:
		return "error"
	case store.SeverityMedium:
		return "warning"
	default:
		return "info"
	}
}
