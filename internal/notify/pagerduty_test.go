package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/configwatch/internal/config"
	"github.com/ppiankov/configwatch/internal/engine"
	"github.com/ppiankov/configwatch/internal/store"
)

func pagerDutyConfig(routingKey string) config.NotificationConfig {
	return config.NotificationConfig{
		Enabled: true,
		Webhooks: []config.WebhookConfig{
			{Type: "pagerduty", RoutingKey: routingKey},
		},
		Severities: []string{"critical", "high"},
		Cooldown:   time.Hour,
	}
}

// pagerDutyServer points the events endpoint at a test server for the duration of t.
func pagerDutyServer(t *testing.T) (events func() []pdEvent) {
	t.Helper()
	var mu sync.Mutex
	var got []pdEvent

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body) //nolint:errcheck // test helper
		var ev pdEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			t.Errorf("invalid JSON: %v", err)
		}
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	origURL := pagerDutyEventsURL
	t.Cleanup(func() { pagerDutyEventsURL = origURL })
	pagerDutyEventsURL = srv.URL

	return func() []pdEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]pdEvent(nil), got...)
	}
}

func TestPagerDuty_TriggerOnNewFinding(t *testing.T) {
	events := pagerDutyServer(t)
	n := New(pagerDutyConfig("test-routing-key"))

	n.Observe(context.Background(), created(finding("f1", store.SeverityCritical)))

	got := events()
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	ev := got[0]
	if ev.RoutingKey != "test-routing-key" {
		t.Errorf("expected routing key 'test-routing-key', got %q", ev.RoutingKey)
	}
	if ev.EventAction != "trigger" {
		t.Errorf("expected event_action 'trigger', got %q", ev.EventAction)
	}
	if ev.DedupKey != "f1" {
		t.Errorf("expected dedup_key f1, got %q", ev.DedupKey)
	}
	if ev.Payload == nil {
		t.Fatal("expected payload")
	}
	if ev.Payload.Source != "configwatch" {
		t.Errorf("expected source 'configwatch', got %q", ev.Payload.Source)
	}
	if ev.Payload.Severity != "critical" {
		t.Errorf("expected severity 'critical', got %q", ev.Payload.Severity)
	}
	if ev.Payload.CustomDetails["rules"] != "public-exposure" {
		t.Errorf("unexpected custom details: %v", ev.Payload.CustomDetails)
	}
}

func TestPagerDuty_ResolveOnResolution(t *testing.T) {
	events := pagerDutyServer(t)
	n := New(pagerDutyConfig("key"))
	ctx := context.Background()

	prior := finding("f1", store.SeverityCritical)
	n.Observe(ctx, created(prior))

	res := *prior
	res.Status = store.StatusResolved
	res.Violations = nil
	n.Observe(ctx, &engine.Result{Mutation: store.MutationResolve, Finding: &res, Prior: prior})

	got := events()
	if len(got) != 2 {
		t.Fatalf("expected trigger and resolve, got %d events", len(got))
	}
	if got[1].EventAction != "resolve" || got[1].DedupKey != "f1" {
		t.Errorf("unexpected resolve event: %+v", got[1])
	}
	if got[1].Payload != nil {
		t.Error("resolve events carry no payload")
	}

	// resolution clears the cooldown so a reopened finding pages again
	n.Observe(ctx, created(prior))
	if len(events()) != 3 {
		t.Errorf("expected a fresh trigger after resolution, got %d events", len(events()))
	}
}

func TestPagerDuty_ResolveIgnoresFilteredSeverity(t *testing.T) {
	events := pagerDutyServer(t)
	n := New(pagerDutyConfig("key"))

	prior := finding("f1", store.SeverityLow)
	res := *prior
	res.Status = store.StatusResolved
	n.Observe(context.Background(), &engine.Result{Mutation: store.MutationResolve, Finding: &res, Prior: prior})

	if len(events()) != 0 {
		t.Errorf("low findings never paged, so nothing to resolve; got %d events", len(events()))
	}
}

func TestPdSummary(t *testing.T) {
	got := pdSummary(finding("f1", store.SeverityCritical))
	want := "[CRITICAL] s3/audit-bucket: S3 Bucket Security Configuration Issues Detected"
	if got != want {
		t.Errorf("pdSummary() = %q, want %q", got, want)
	}
}

func TestPdSeverity(t *testing.T) {
	tests := []struct {
		sev  store.Severity
		want string
	}{
		{store.SeverityCritical, "critical"},
		{store.SeverityHigh, "error"},
		{store.SeverityMedium, "warning"},
		{store.SeverityLow, "info"},
		{store.SeverityInformational, "info"},
	}
	for _, tt := range tests {
		if got := pdSeverity(tt.sev); got != tt.want {
			t.Errorf("pdSeverity(%s) = %q, want %q", tt.sev, got, tt.want)
		}
	}
}
