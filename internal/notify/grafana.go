package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ppiankov/configwatch/internal/config"
	"github.com/ppiankov/configwatch/internal/store"
)

// grafanaAnnotation is the payload for Grafana's POST /api/annotations endpoint.
type grafanaAnnotation struct {
	Text         string   `json:"text"`
	DashboardUID string   `json:"dashboardUID,omitempty"`
	Tags         []string `json:"tags"`
	Time         int64    `json:"time"`
}

func (n *Notifier) sendGrafana(ctx context.Context, wh *config.WebhookConfig, event string, findings []store.Finding) {
	ann := grafanaAnnotation{
		Time:         n.now().UnixMilli(),
		Tags:         grafanaTags(event, findings),
		Text:         grafanaText(event, findings),
		DashboardUID: wh.DashboardUID,
	}

	body, err := json.Marshal(ann)
	if err != nil {
		slog.Warn("notification: grafana marshal error", "err", err)
		return
	}

	url := strings.TrimRight(wh.URL, "/") + "/api/annotations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Warn("notification: grafana request error", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if wh.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+wh.APIKey)
	}
	n.do(req)
}

func grafanaTags(event string, findings []store.Finding) []string {
	tags := []string{"configwatch", event}
	seen := make(map[string]bool)
	for i := range findings {
		for _, tag := range []string{strings.ToLower(string(findings[i].Severity)), string(findings[i].ResourceType)} {
			if !seen[tag] {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}
	return tags
}

func grafanaText(event string, findings []store.Finding) string {
	lines := []string{fmt.Sprintf("configwatch %s: %s", event, buildSummary(findings))}
	for i := range findings {
		f := &findings[i]
		lines = append(lines, fmt.Sprintf("- [%s] %s/%s (%s)",
			strings.ToUpper(string(f.Severity)), f.ResourceType, f.ResourceID, f.ID))
	}
	return strings.Join(lines, "\n")
}
