package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// execute runs the root command with args and returns combined output.
// Flags on the target command are reset first since cobra keeps parsed
// values between executions.
func execute(args ...string) (string, error) {
	if target, _, err := rootCmd.Find(args); err == nil {
		resetFlags(target)
	}
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		f.Value.Set(f.DefValue) //nolint:errcheck // defaults always parse
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	for p := cmd.Parent(); p != nil; p = p.Parent() {
		p.PersistentFlags().VisitAll(reset)
	}
}

func TestRootCommand_Help(t *testing.T) {
	out, err := execute("--help")
	if err != nil {
		t.Fatalf("root --help failed: %v", err)
	}

	if !strings.Contains(out, "configwatch") {
		t.Error("expected 'configwatch' in help output")
	}
	for _, sub := range []string{"serve", "evaluate", "findings", "impact", "policy", "rules", "report", "validate", "version"} {
		if !strings.Contains(out, sub) {
			t.Errorf("expected %q subcommand in help output", sub)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	SetBuildInfo("test-v0.0.1", "abc123", "2026-01-01")
	defer SetBuildInfo("dev", "none", "unknown")

	out, err := execute("version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "configwatch test-v0.0.1 (commit abc123, built 2026-01-01)") {
		t.Errorf("unexpected version output: %q", out)
	}
}

func TestRootCommand_LogFlags(t *testing.T) {
	cmd := rootCmd

	logLevel := cmd.PersistentFlags().Lookup("log-level")
	if logLevel == nil {
		t.Fatal("expected --log-level persistent flag")
	}
	if logLevel.DefValue != "info" {
		t.Errorf("expected default log-level 'info', got %q", logLevel.DefValue)
	}

	logFormat := cmd.PersistentFlags().Lookup("log-format")
	if logFormat == nil {
		t.Fatal("expected --log-format persistent flag")
	}
	if logFormat.DefValue != "text" {
		t.Errorf("expected default log-format 'text', got %q", logFormat.DefValue)
	}

	if cmd.PersistentFlags().Lookup("otel-endpoint") == nil {
		t.Error("expected --otel-endpoint persistent flag")
	}
}

func TestEvaluateCommand_Flags(t *testing.T) {
	eval, _, err := rootCmd.Find([]string{"evaluate"})
	if err != nil {
		t.Fatalf("failed to find 'evaluate' command: %v", err)
	}

	expectedFlags := []string{"config", "db", "dry-run", "output", "fail-on", "quiet"}
	for _, name := range expectedFlags {
		if eval.Flags().Lookup(name) == nil {
			t.Errorf("expected --%s flag on 'evaluate' command", name)
		}
	}

	if eval.Flags().ShorthandLookup("o") == nil {
		t.Error("expected -o shorthand for --output")
	}
	if eval.Flags().ShorthandLookup("q") == nil {
		t.Error("expected -q shorthand for --quiet")
	}

	outputFlag := eval.Flags().Lookup("output")
	if outputFlag.DefValue != "text" {
		t.Errorf("expected default output 'text', got %q", outputFlag.DefValue)
	}
	quietFlag := eval.Flags().Lookup("quiet")
	if quietFlag.DefValue != "false" {
		t.Errorf("expected default quiet 'false', got %q", quietFlag.DefValue)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	serve, _, err := rootCmd.Find([]string{"serve"})
	if err != nil {
		t.Fatalf("failed to find 'serve' command: %v", err)
	}

	expectedFlags := []string{"config", "listen", "db", "refresh-every"}
	for _, name := range expectedFlags {
		if serve.Flags().Lookup(name) == nil {
			t.Errorf("expected --%s flag on 'serve' command", name)
		}
	}
	if serve.Flags().Lookup("config").DefValue != defaultConfigPath {
		t.Errorf("expected default config %q", defaultConfigPath)
	}
}

func TestCompletionCommand(t *testing.T) {
	out, err := execute("completion", "bash")
	if err != nil {
		t.Fatalf("completion failed: %v", err)
	}
	if !strings.Contains(out, "configwatch") {
		t.Error("expected bash completion to mention configwatch")
	}
}
