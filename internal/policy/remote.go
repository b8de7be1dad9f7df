package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ppiankov/configwatch/internal/remediation"
	"github.com/ppiankov/configwatch/internal/store"
)

// RemoteRuleName is the rule name given to decisions that do not name their rule.
const RemoteRuleName = "remote-policy"

// RemoteEvaluator queries an external policy server (OPA data API) per resource type.
// Packages maps resource types to the data path queried, e.g. "aws/s3_creation".
type RemoteEvaluator struct {
	BaseURL  string
	Packages map[store.ResourceType]string
	Client   *http.Client
}

// NewRemoteEvaluator creates an evaluator for the policy server at baseURL.
func NewRemoteEvaluator(baseURL string, packages map[store.ResourceType]string, timeout time.Duration) *RemoteEvaluator {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteEvaluator{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Packages: packages,
		Client:   &http.Client{Timeout: timeout},
	}
}

type remoteInput struct {
	Input remotePayload `json:"input"`
}

type remotePayload struct {
	ResourceType store.ResourceType `json:"resource_type"`
	ResourceID   string             `json:"resource_id"`
	AccountID    string             `json:"account_id,omitempty"`
	Region       string             `json:"region,omitempty"`
	Config       map[string]any     `json:"config"`
	Tags         []store.Tag        `json:"tags"`
}

type remoteDecision struct {
	RuleName  string `json:"rule_name"`
	RiskLevel string `json:"risk_level"`
	Reason    string `json:"reason"`
}

// Evaluate posts the snapshot to the policy server and converts its decisions into violations.
func (r *RemoteEvaluator) Evaluate(ctx context.Context, snap *store.ResourceSnapshot) (Evaluation, error) {
	family, ok := FamilyFor(snap.ResourceType)
	pkg := r.Packages[snap.ResourceType]
	if !ok || pkg == "" {
		return Evaluation{}, fmt.Errorf("%w: %q", ErrUnsupportedResourceType, snap.ResourceType)
	}

	body, err := json.Marshal(remoteInput{Input: remotePayload{
		ResourceType: snap.ResourceType,
		ResourceID:   snap.ResourceID,
		AccountID:    snap.AccountID,
		Region:       snap.Region,
		Config:       snap.Config,
		Tags:         snap.Tags,
	}})
	if err != nil {
		return Evaluation{}, fmt.Errorf("marshaling policy input: %w", err)
	}

	url := r.BaseURL + "/v1/data/" + strings.Trim(pkg, "/") + "/deny"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Evaluation{}, fmt.Errorf("creating policy request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.Client.Do(req)
	if err != nil {
		return Evaluation{}, fmt.Errorf("querying policy server: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // response body

	if resp.StatusCode >= 300 {
		return Evaluation{}, fmt.Errorf("policy server returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Evaluation{}, fmt.Errorf("reading policy response: %w", err)
	}

	violations, err := ParseDecisions(data)
	if err != nil {
		return Evaluation{}, err
	}
	remediation.Apply(violations)
	store.SortViolations(violations)
	return Evaluation{Family: family, Violations: violations}, nil
}

// ParseDecisions converts a policy server response into violations. The
// result may be a single decision object or a list of them. A missing risk
// level defaults to High, unrecognized classifications escalate to Critical,
// and decisions classified Public produce no violation.
func ParseDecisions(data []byte) ([]store.Violation, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("parsing policy response: %w", err)
	}

	raw := bytes.TrimSpace(envelope.Result)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var decisions []remoteDecision
	switch raw[0] {
	case '{':
		var d remoteDecision
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("parsing policy decision: %w", err)
		}
		if d != (remoteDecision{}) {
			decisions = append(decisions, d)
		}
	case '[':
		if err := json.Unmarshal(raw, &decisions); err != nil {
			return nil, fmt.Errorf("parsing policy decisions: %w", err)
		}
	default:
		return nil, fmt.Errorf("unexpected policy result: %s", raw)
	}

	var out []store.Violation
	for _, d := range decisions {
		v, ok := decisionViolation(d)
		if ok {
			out = append(out, v)
		}
	}
	return out, nil
}

func decisionViolation(d remoteDecision) (store.Violation, bool) {
	risk := d.RiskLevel
	if risk == "" {
		risk = string(store.SeverityHigh)
	}
	if strings.EqualFold(strings.TrimSpace(risk), confidentialityPublic) {
		return store.Violation{}, false
	}

	reason := d.Reason
	if reason == "" {
		reason = "No reason provided."
	}
	name := d.RuleName
	if name == "" {
		name = RemoteRuleName
	}

	sev, ok := store.ParseSeverity(risk)
	if strings.Contains(risk, "Unrecognized") || !ok {
		sev = store.SeverityCritical
	}
	if !strings.EqualFold(risk, string(sev)) && !strings.Contains(reason, risk) {
		reason = risk + ": " + reason
	}
	return store.Violation{RuleName: name, RiskLevel: sev, Reason: reason}, true
}
