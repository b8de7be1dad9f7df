package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/configwatch/internal/config"
	"github.com/ppiankov/configwatch/internal/correlate"
	"github.com/ppiankov/configwatch/internal/engine"
	"github.com/ppiankov/configwatch/internal/history"
	"github.com/ppiankov/configwatch/internal/policy"
	"github.com/ppiankov/configwatch/internal/risk"
	"github.com/ppiankov/configwatch/internal/store"
	"github.com/ppiankov/configwatch/internal/telemetry"
)

const defaultConfigPath = "/etc/configwatch/config.yaml"

// defaultRulePackages are the policy server data paths queried when the
// config names none.
var defaultRulePackages = map[store.ResourceType]string{
	store.ResourceS3:  "aws/s3_creation",
	store.ResourceKMS: "aws/kms_key",
}

// loadConfig reads the file named by --config. A missing file at the default
// path falls back to built-in defaults; any other missing path is an error.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfgPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg := config.Defaults()
	if cfgPath == "" {
		return cfg, nil
	}
	if _, statErr := os.Stat(cfgPath); statErr != nil {
		if cfgPath == defaultConfigPath {
			return cfg, nil
		}
		return nil, fmt.Errorf("config file not found: %s", cfgPath)
	}
	cfg, err = config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// databasePath returns --db when set, otherwise the configured database.
func databasePath(cmd *cobra.Command, cfg *config.Config) string {
	if db, _ := cmd.Flags().GetString("db"); db != "" { //nolint:errcheck // flag registered by caller
		return db
	}
	return cfg.Database
}

// loadRuleSet builds the in-process rule set from the configured policy file.
func loadRuleSet(cfg *config.Config) (*policy.RuleSet, error) {
	settings := policy.DefaultSettings()
	if cfg.PolicyFile != "" {
		var err error
		settings, err = policy.LoadSettings(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
	}
	return policy.NewRuleSet(settings), nil
}

// ruleEvaluator returns the remote policy server evaluator when one is
// configured, otherwise the in-process rule set.
func ruleEvaluator(cfg *config.Config, rs *policy.RuleSet) policy.RuleEvaluator {
	if cfg.RuleServer.URL == "" {
		return rs
	}
	packages := make(map[store.ResourceType]string, len(defaultRulePackages))
	for rt, pkg := range defaultRulePackages {
		packages[rt] = pkg
	}
	for rt, pkg := range cfg.RuleServer.Packages {
		packages[store.ResourceType(rt)] = pkg
	}
	slog.Info("using remote rule server", "url", cfg.RuleServer.URL)
	return policy.NewRemoteEvaluator(cfg.RuleServer.URL, packages, cfg.RuleServer.Timeout)
}

// runtime is a wired evaluation engine over an open finding store.
type runtime struct {
	cfg      *config.Config
	store    *history.Store
	rules    *policy.RuleSet
	orch     *engine.Orchestrator
	shutdown func(context.Context) error
}

// Close flushes traces and closes the store.
func (r *runtime) Close() {
	if err := r.shutdown(context.Background()); err != nil {
		slog.Warn("flushing traces", "err", err)
	}
	if err := r.store.Close(); err != nil {
		slog.Warn("closing database", "err", err)
	}
}

// newRuntime opens the store at dbPath and wires rules, correlation,
// aggregation and tracing into an orchestrator.
func newRuntime(ctx context.Context, cmd *cobra.Command, cfg *config.Config, dbPath string, observers ...engine.Observer) (*runtime, error) {
	rs, err := loadRuleSet(cfg)
	if err != nil {
		return nil, err
	}
	rules := ruleEvaluator(cfg, rs)

	db, err := history.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	aggregator := risk.New(cfg.EscalationThreshold)
	var resolver correlate.Resolver
	switch cfg.LinkedLookupMode {
	case config.LookupFinding:
		resolver = &engine.FindingResolver{Findings: db}
	default:
		resolver = &engine.SnapshotResolver{Snapshots: db, Rules: rules, Aggregator: aggregator, Findings: db}
	}

	endpoint := cfg.Tracing.Endpoint
	if flag, _ := cmd.Flags().GetString("otel-endpoint"); flag != "" { //nolint:errcheck // persistent flag on root
		endpoint = flag
	}
	tracer, shutdown, err := telemetry.InitTracer(ctx, telemetry.Options{
		Endpoint:    endpoint,
		Version:     version,
		SampleRatio: cfg.Tracing.SampleRatio,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		slog.Warn("initializing tracer, continuing without tracing", "err", err)
		tracer, shutdown, _ = telemetry.InitTracer(ctx, telemetry.Options{}) //nolint:errcheck // noop tracer cannot fail
	}

	orch := engine.New(engine.Options{
		Rules:      rules,
		Store:      db,
		Correlator: correlate.New(rs, resolver, cfg.LinkedLookupTimeout),
		Aggregator: aggregator,
		Observers:  observers,
		Tracer:     tracer,
	})
	slog.Debug("engine ready", "database", dbPath, "lookupMode", cfg.LinkedLookupMode,
		"threshold", cfg.EscalationThreshold, "remoteRules", cfg.RuleServer.URL != "")

	return &runtime{cfg: cfg, store: db, rules: rs, orch: orch, shutdown: shutdown}, nil
}

// openStore opens the finding store for read-mostly commands.
func openStore(cmd *cobra.Command) (*history.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	db, err := history.Open(databasePath(cmd, cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}
