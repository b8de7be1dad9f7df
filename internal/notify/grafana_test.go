package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/configwatch/internal/config"
	"github.com/ppiankov/configwatch/internal/engine"
	"github.com/ppiankov/configwatch/internal/store"
)

func TestGrafana_SendsAnnotation(t *testing.T) {
	var mu sync.Mutex
	var gotPath, gotAuth string
	var gotBody grafanaAnnotation
	calls := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body) //nolint:errcheck // test helper
		mu.Lock()
		defer mu.Unlock()
		calls++
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.Unmarshal(body, &gotBody) //nolint:errcheck // test helper
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.NotificationConfig{
		Enabled: true,
		Webhooks: []config.WebhookConfig{
			{Type: "grafana", URL: srv.URL + "/", APIKey: "test-key-123", DashboardUID: "cfg"},
		},
		Severities: []string{"critical"},
		Cooldown:   time.Hour,
	}
	n := New(cfg)
	ctx := context.Background()

	prior := finding("f1", store.SeverityCritical)
	n.Observe(ctx, created(prior))

	mu.Lock()
	if calls != 1 {
		t.Fatalf("expected Grafana annotation request, got %d", calls)
	}
	if gotPath != "/api/annotations" {
		t.Errorf("expected path /api/annotations, got %q", gotPath)
	}
	if gotAuth != "Bearer test-key-123" {
		t.Errorf("expected Bearer auth, got %q", gotAuth)
	}
	if gotBody.DashboardUID != "cfg" {
		t.Errorf("expected dashboard uid, got %q", gotBody.DashboardUID)
	}
	if !strings.Contains(gotBody.Text, "s3/audit-bucket") {
		t.Errorf("annotation text missing resource: %q", gotBody.Text)
	}
	mu.Unlock()

	// resolutions are annotated too
	res := *prior
	res.Status = store.StatusResolved
	n.Observe(ctx, &engine.Result{Mutation: store.MutationResolve, Finding: &res, Prior: prior})

	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Fatalf("expected resolution annotation, got %d calls", calls)
	}
	if gotBody.Tags[1] != EventResolved {
		t.Errorf("expected resolved tag, got %v", gotBody.Tags)
	}
}

func TestGrafanaTags(t *testing.T) {
	fs := []store.Finding{*finding("a", store.SeverityCritical), *finding("b", store.SeverityCritical)}
	got := grafanaTags(EventTriggered, fs)
	want := []string{"configwatch", "triggered", "critical", "s3"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("grafanaTags() = %v, want %v", got, want)
	}
}
