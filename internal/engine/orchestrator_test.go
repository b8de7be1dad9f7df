package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/configwatch/internal/correlate"
	"github.com/ppiankov/configwatch/internal/history"
	"github.com/ppiankov/configwatch/internal/lifecycle"
	"github.com/ppiankov/configwatch/internal/policy"
	"github.com/ppiankov/configwatch/internal/risk"
	"github.com/ppiankov/configwatch/internal/store"
)

const (
	account = "111122223333"
	region  = "us-east-1"
	keyID   = "1234abcd-12ab-34cd-56ef-1234567890ab"
)

type harness struct {
	orch  *Orchestrator
	db    *history.Store
	clock *clock
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type recorder struct {
	mu      sync.Mutex
	results []*Result
}

func (r *recorder) Observe(_ context.Context, res *Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func newHarness(t *testing.T, rules policy.RuleEvaluator, observers ...Observer) *harness {
	t.Helper()
	db, err := history.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // test cleanup

	if rules == nil {
		rules = policy.NewRuleSet(policy.DefaultSettings())
	}
	resolver := &SnapshotResolver{Snapshots: db, Rules: rules, Findings: db}
	c := &clock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	orch := New(Options{
		Rules:      rules,
		Store:      db,
		Correlator: correlate.New(policy.NewRuleSet(policy.DefaultSettings()), resolver, time.Second),
		Aggregator: risk.New(3),
		Observers:  observers,
		Now:        c.Now,
	})
	return &harness{orch: orch, db: db, clock: c}
}

func bucket(cfg map[string]any, tags ...store.Tag) *store.ResourceSnapshot {
	return &store.ResourceSnapshot{
		ResourceType: store.ResourceS3,
		ResourceID:   "audit-bucket",
		AccountID:    account,
		Region:       region,
		Config:       cfg,
		Tags:         tags,
	}
}

func secureBucketConfig() map[string]any {
	return map[string]any{
		"encryption":          map[string]any{"sse_algorithm": "AES256", "status": "enabled"},
		"ownership":           map[string]any{"object_ownership": "BucketOwnerEnforced"},
		"public_access_block": map[string]any{"status": "blocked"},
		"versioning":          map[string]any{"status": "Enabled"},
		"logging":             map[string]any{"status": "enabled"},
		"notification":        map[string]any{"status": "enabled"},
	}
}

func key(state string) *store.ResourceSnapshot {
	return &store.ResourceSnapshot{
		ResourceType: store.ResourceKMS,
		ResourceID:   keyID,
		AccountID:    account,
		Region:       region,
		Config: map[string]any{
			"key_state":            state,
			"origin":               "AWS_KMS",
			"key_rotation_enabled": true,
			"key_policy": map[string]any{"Statement": []any{
				map[string]any{"Effect": "Allow", "Principal": map[string]any{"AWS": "arn:aws:iam::111122223333:root"}},
			}},
		},
	}
}

func event(kind store.ChangeKind) store.ChangeEvent {
	return store.ChangeEvent{Kind: kind}
}

func (h *harness) findings(t *testing.T, resourceID string) []store.Finding {
	t.Helper()
	fs, err := h.db.List(context.Background(), history.FindingFilter{ResourceID: resourceID})
	require.NoError(t, err)
	return fs
}

func TestEvaluate_PublicBucketWithoutTag(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	snap := bucket(map[string]any{"public_access_block": "not_blocked"})

	res, err := h.orch.Evaluate(ctx, event(store.ChangeCreated), snap)
	require.NoError(t, err)
	require.Equal(t, store.MutationCreate, res.Mutation)
	assert.Equal(t, store.SeverityCritical, res.Finding.Severity)

	var reason string
	for _, v := range res.Finding.Violations {
		if v.RuleName == policy.RuleConfidentiality {
			reason = v.Reason
		}
	}
	assert.Contains(t, reason, "missing confidentiality")
	assert.Contains(t, reason, "public access")

	again, err := h.orch.Evaluate(ctx, event(store.ChangeModified), bucket(map[string]any{"public_access_block": "not_blocked"}))
	require.NoError(t, err)
	assert.Equal(t, store.MutationUpdate, again.Mutation)
	assert.Equal(t, res.Finding.ID, again.Finding.ID)
	assert.Equal(t, res.Finding.Severity, again.Finding.Severity)
	assert.Len(t, h.findings(t, "audit-bucket"), 1)
}

func TestEvaluate_CompliantBucketCreatesNothing(t *testing.T) {
	h := newHarness(t, nil)
	res, err := h.orch.Evaluate(context.Background(), event(store.ChangeCreated), bucket(secureBucketConfig()))
	require.NoError(t, err)
	assert.Equal(t, store.MutationNoop, res.Mutation)
	assert.Nil(t, res.Finding)
	assert.Empty(t, h.findings(t, "audit-bucket"))
}

func TestEvaluate_EscalationByCount(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cfg := secureBucketConfig()
	cfg["versioning"] = map[string]any{"status": "suspended"}
	res, err := h.orch.Evaluate(ctx, event(store.ChangeModified), bucket(cfg))
	require.NoError(t, err)
	assert.Equal(t, store.SeverityLow, res.Finding.Severity)

	cfg["logging"] = map[string]any{"status": "disabled"}
	res, err = h.orch.Evaluate(ctx, event(store.ChangeModified), bucket(cfg))
	require.NoError(t, err)
	assert.Equal(t, store.SeverityLow, res.Finding.Severity)

	cfg["notification"] = map[string]any{"status": "disabled"}
	res, err = h.orch.Evaluate(ctx, event(store.ChangeModified), bucket(cfg))
	require.NoError(t, err)
	assert.Equal(t, store.SeverityMedium, res.Finding.Severity)
	assert.Len(t, h.findings(t, "audit-bucket"), 1)
}

func TestEvaluate_CorrelationPropagation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	keyRes, err := h.orch.Evaluate(ctx, event(store.ChangeModified), key("PendingDeletion"))
	require.NoError(t, err)
	require.Equal(t, store.MutationCreate, keyRes.Mutation)
	require.Equal(t, store.SeverityCritical, keyRes.Finding.Severity)

	cfg := secureBucketConfig()
	cfg["encryption"] = map[string]any{
		"sse_algorithm":     "aws:kms",
		"kms_master_key_id": "arn:aws:kms:us-east-1:111122223333:key/" + keyID,
		"status":            "enabled",
	}
	res, err := h.orch.Evaluate(ctx, event(store.ChangeModified), bucket(cfg))
	require.NoError(t, err)

	require.NotNil(t, res.Finding)
	assert.True(t, res.Finding.Severity.AtLeast(store.SeverityCritical))
	assert.Equal(t, keyRes.Finding.ID, res.Finding.CorrelatedFindingID)
	assert.Equal(t, correlate.OutcomeKnown, res.Correlation)
	assert.Contains(t, res.Finding.RuleNames(), policy.RuleLinkedInsecure)

	links, err := h.db.LinksFrom(ctx, res.Finding.ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, keyRes.Finding.ID, links[0].ToFindingID)
	assert.Equal(t, store.RelationEncryptionKey, links[0].Relation)

	// the key keeps its own independent finding, untouched by the bucket evaluation
	kf, err := h.db.Get(ctx, keyRes.Finding.ID)
	require.NoError(t, err)
	assert.Equal(t, keyRes.Finding.Version, kf.Version)
	assert.Equal(t, store.StatusOpen, kf.Status)
}

func TestEvaluate_SecureKeyDoesNotFlagBucket(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	_, err := h.orch.Evaluate(ctx, event(store.ChangeModified), key("Enabled"))
	require.NoError(t, err)

	cfg := secureBucketConfig()
	cfg["encryption"] = map[string]any{"sse_algorithm": "aws:kms", "kms_master_key_id": keyID, "status": "enabled"}
	res, err := h.orch.Evaluate(ctx, event(store.ChangeModified), bucket(cfg))
	require.NoError(t, err)
	assert.Equal(t, store.MutationNoop, res.Mutation)
	assert.Equal(t, correlate.OutcomeKnown, res.Correlation)
}

func TestEvaluate_UnknownDependentIsPartial(t *testing.T) {
	h := newHarness(t, nil)
	cfg := secureBucketConfig()
	cfg["versioning"] = map[string]any{"status": "suspended"}
	cfg["encryption"] = map[string]any{"sse_algorithm": "aws:kms", "kms_master_key_id": "never-seen", "status": "enabled"}

	res, err := h.orch.Evaluate(context.Background(), event(store.ChangeModified), bucket(cfg))
	require.NoError(t, err)
	assert.Equal(t, correlate.OutcomeUnknown, res.Correlation)
	require.NotNil(t, res.Finding)
	assert.True(t, res.Finding.PartiallyEvaluated)
	assert.Contains(t, res.Finding.Annotations, correlate.AnnotationLinkedUnavailable)
	assert.Equal(t, store.SeverityLow, res.Finding.Severity)
}

func TestEvaluate_ResolveAndReopen(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	cfg := secureBucketConfig()
	cfg["versioning"] = map[string]any{"status": "suspended"}

	first, err := h.orch.Evaluate(ctx, event(store.ChangeModified), bucket(cfg))
	require.NoError(t, err)

	resolved, err := h.orch.Evaluate(ctx, event(store.ChangeModified), bucket(secureBucketConfig()))
	require.NoError(t, err)
	require.Equal(t, store.MutationResolve, resolved.Mutation)
	assert.Equal(t, first.Finding.ID, resolved.Finding.ID)
	assert.NotNil(t, resolved.Finding.ResolvedAt)

	reopened, err := h.orch.Evaluate(ctx, event(store.ChangeModified), bucket(cfg))
	require.NoError(t, err)
	require.Equal(t, store.MutationCreate, reopened.Mutation)
	assert.NotEqual(t, first.Finding.ID, reopened.Finding.ID)
	assert.Len(t, h.findings(t, "audit-bucket"), 2)
}

func TestEvaluate_RedeliveredReopenIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	cfg := secureBucketConfig()
	cfg["versioning"] = map[string]any{"status": "suspended"}
	t0 := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	at := func(minutes int) store.ChangeEvent {
		return store.ChangeEvent{Kind: store.ChangeModified, At: t0.Add(time.Duration(minutes) * time.Minute)}
	}

	_, err := h.orch.Evaluate(ctx, at(1), bucket(cfg))
	require.NoError(t, err)
	_, err = h.orch.Evaluate(ctx, at(2), bucket(secureBucketConfig()))
	require.NoError(t, err)
	reopened, err := h.orch.Evaluate(ctx, at(3), bucket(cfg))
	require.NoError(t, err)
	require.Equal(t, store.MutationCreate, reopened.Mutation)
	_, err = h.orch.Evaluate(ctx, at(4), bucket(secureBucketConfig()))
	require.NoError(t, err)

	replay, err := h.orch.Evaluate(ctx, at(3), bucket(cfg))
	require.NoError(t, err)
	assert.Equal(t, store.MutationNoop, replay.Mutation)
	assert.Contains(t, replay.Reason, "already processed")
	assert.Len(t, h.findings(t, "audit-bucket"), 2)
}

func TestEvaluate_RedeliveredFalsePositiveRedetectionIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	t0 := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	at := func(minutes int) store.ChangeEvent {
		return store.ChangeEvent{Kind: store.ChangeModified, At: t0.Add(time.Duration(minutes) * time.Minute)}
	}
	versioningOff := secureBucketConfig()
	versioningOff["versioning"] = map[string]any{"status": "suspended"}
	loggingOff := secureBucketConfig()
	loggingOff["logging"] = map[string]any{"status": "disabled"}

	first, err := h.orch.Evaluate(ctx, at(1), bucket(versioningOff))
	require.NoError(t, err)
	_, err = h.db.SetStatus(ctx, first.Finding.ID, store.StatusFalsePositive)
	require.NoError(t, err)

	fresh, err := h.orch.Evaluate(ctx, at(2), bucket(loggingOff))
	require.NoError(t, err)
	require.Equal(t, store.MutationCreate, fresh.Mutation)
	_, err = h.db.SetStatus(ctx, fresh.Finding.ID, store.StatusFalsePositive)
	require.NoError(t, err)

	replay, err := h.orch.Evaluate(ctx, at(2), bucket(loggingOff))
	require.NoError(t, err)
	assert.Equal(t, store.MutationNoop, replay.Mutation)
	assert.Len(t, h.findings(t, "audit-bucket"), 2)
}

func TestEvaluate_FailureLogsSnapshotIdentity(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h := newHarness(t, nil)
	res, err := h.orch.Evaluate(context.Background(), store.ChangeEvent{},
		&store.ResourceSnapshot{ResourceType: "ec2", ResourceID: "i-0abc"})
	require.Error(t, err)
	assert.Equal(t, "i-0abc", res.Event.ResourceID)

	line := buf.String()
	require.True(t, strings.Contains(line, "evaluation failed"), line)
	assert.Contains(t, line, "resource=i-0abc")
	assert.Contains(t, line, "kind=Modified")
}

func TestEvaluate_ReportsDrift(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.orch.Evaluate(ctx, event(store.ChangeCreated), bucket(secureBucketConfig()))
	require.NoError(t, err)
	assert.Empty(t, first.Drift)

	cfg := secureBucketConfig()
	cfg["public_access_block"] = map[string]any{"status": "not_blocked"}
	second, err := h.orch.Evaluate(ctx, event(store.ChangeModified), bucket(cfg))
	require.NoError(t, err)
	require.Len(t, second.Drift, 1)
	assert.Equal(t, "public_access_block.status", second.Drift[0].Path)
	assert.Equal(t, "blocked", second.Drift[0].Before)
	assert.Equal(t, "not_blocked", second.Drift[0].After)
	assert.Equal(t, store.MutationCreate, second.Mutation)
}

func TestEvaluate_DeletionResolves(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, nil, rec)
	ctx := context.Background()

	created, err := h.orch.Evaluate(ctx, event(store.ChangeCreated), bucket(nil))
	require.NoError(t, err)
	require.Equal(t, store.StatusOpen, created.Finding.Status)

	res, err := h.orch.Evaluate(ctx, store.ChangeEvent{
		Kind: store.ChangeDeleted, ResourceType: store.ResourceS3, ResourceID: "audit-bucket",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, store.MutationResolve, res.Mutation)
	assert.Equal(t, store.StatusResolved, res.Finding.Status)
	assert.Empty(t, res.Finding.Violations)
	assert.Contains(t, res.Finding.Annotations, lifecycle.AnnotationResourceDeleted)

	_, err = h.db.LatestSnapshot(ctx, store.ResourceS3, "audit-bucket")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	again, err := h.orch.Evaluate(ctx, store.ChangeEvent{
		Kind: store.ChangeDeleted, ResourceType: store.ResourceS3, ResourceID: "audit-bucket",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, store.MutationNoop, again.Mutation)
	assert.Len(t, rec.results, 3)
}

type faultyRule struct{}

func (faultyRule) Name() string                     { return "faulty" }
func (faultyRule) ResourceType() store.ResourceType { return store.ResourceS3 }
func (faultyRule) Family() string                   { return policy.FamilyS3Audit }
func (faultyRule) Description() string              { return "panics" }
func (faultyRule) Evaluate(*store.ResourceSnapshot, *policy.Settings) []store.Violation {
	panic("rule bug")
}

func TestEvaluate_RuleFaultNeverResolves(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	cfg := secureBucketConfig()
	cfg["versioning"] = map[string]any{"status": "suspended"}
	first, err := h.orch.Evaluate(ctx, event(store.ChangeModified), bucket(cfg))
	require.NoError(t, err)

	faulty := policy.NewRuleSet(policy.DefaultSettings(), append(policy.S3Rules(), faultyRule{})...)
	h.orch.rules = faulty
	res, err := h.orch.Evaluate(ctx, event(store.ChangeModified), bucket(secureBucketConfig()))
	require.NoError(t, err)
	assert.Equal(t, store.MutationNoop, res.Mutation)
	require.Len(t, res.RuleErrors, 1)

	f, err := h.db.Get(ctx, first.Finding.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOpen, f.Status)

	recorded, err := h.db.RuleErrors(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recorded, 1)
}

func TestEvaluate_WholeEvaluationErrorWritesNothing(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.Evaluate(context.Background(), event(store.ChangeModified),
		&store.ResourceSnapshot{ResourceType: "ec2", ResourceID: "i-1"})
	assert.True(t, errors.Is(err, policy.ErrUnsupportedResourceType))

	_, err = h.orch.Evaluate(context.Background(), event(store.ChangeModified), nil)
	assert.True(t, errors.Is(err, ErrInvalidSnapshot))

	_, err = h.orch.Evaluate(context.Background(),
		store.ChangeEvent{Kind: store.ChangeModified, ResourceType: store.ResourceS3, ResourceID: "other"}, bucket(nil))
	assert.True(t, errors.Is(err, ErrInvalidSnapshot))
	assert.Empty(t, h.findings(t, "audit-bucket"))
}

// conflictingStore fails the first n Apply calls with store.ErrConflict.
type conflictingStore struct {
	*history.Store
	mu        sync.Mutex
	conflicts int
	applies   int
}

func (c *conflictingStore) Apply(ctx context.Context, m store.Mutation) (*store.Finding, error) {
	c.mu.Lock()
	c.applies++
	fail := c.conflicts > 0
	if fail {
		c.conflicts--
	}
	c.mu.Unlock()
	if fail {
		return nil, store.ErrConflict
	}
	return c.Store.Apply(ctx, m)
}

func TestEvaluate_ConflictRetriedOnce(t *testing.T) {
	h := newHarness(t, nil)
	cs := &conflictingStore{Store: h.db, conflicts: 1}
	h.orch.store = cs

	res, err := h.orch.Evaluate(context.Background(), event(store.ChangeCreated), bucket(nil))
	require.NoError(t, err)
	assert.True(t, res.Retried)
	assert.Equal(t, store.MutationCreate, res.Mutation)
	assert.Equal(t, 2, cs.applies)
}

func TestEvaluate_PersistentConflictIsTransient(t *testing.T) {
	h := newHarness(t, nil)
	cs := &conflictingStore{Store: h.db, conflicts: 5}
	h.orch.store = cs

	_, err := h.orch.Evaluate(context.Background(), event(store.ChangeCreated), bucket(nil))
	assert.True(t, errors.Is(err, ErrTransient))
	assert.Equal(t, 2, cs.applies)
	assert.Empty(t, h.findings(t, "audit-bucket"))
}

func TestEvaluate_ConcurrentSameResource(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.orch.Evaluate(ctx, event(store.ChangeModified), bucket(nil)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.True(t, errors.Is(err, ErrTransient), "unexpected error: %v", err)
	}

	active := 0
	for _, f := range h.findings(t, "audit-bucket") {
		if f.Status.Active() {
			active++
		}
	}
	assert.Equal(t, 1, active)
}
