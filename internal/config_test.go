package internal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// TestLoadConfigDefaults tests that the default values are applied correctly when loading a config.
func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv(DefaultSecretEnv, "")
	cfg, err := LoadConfig(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Webhook.Path != "/api/webhook" {
		t.Fatalf("expected default webhook path, got %q", cfg.Webhook.Path)
	}
	if cfg.Webhook.Verification != VerificationDisabled {
		t.Fatalf("expected verification disabled without a secret, got %q", cfg.Webhook.Verification)
	}
	if cfg.Dispatch.Mode != DispatchModeExec {
		t.Fatalf("expected exec dispatch mode, got %q", cfg.Dispatch.Mode)
	}
	if cfg.Action.Command != "python3" || len(cfg.Action.Args) != 1 || cfg.Action.Args[0] != "gitagent.py" {
		t.Fatalf("expected default action python3 gitagent.py, got %q %v", cfg.Action.Command, cfg.Action.Args)
	}
	if cfg.Action.TimeoutMS != 600000 {
		t.Fatalf("expected default action timeout, got %d", cfg.Action.TimeoutMS)
	}
	if cfg.Server.WriteTimeoutMS <= cfg.Action.TimeoutMS {
		t.Fatalf("expected write timeout to outlast the action, got %d", cfg.Server.WriteTimeoutMS)
	}
	if cfg.Watermill.Driver != "gochannel" {
		t.Fatalf("expected default watermill driver, got %q", cfg.Watermill.Driver)
	}
	if cfg.Events.Topic != "gitagent.dispatch" {
		t.Fatalf("expected default events topic, got %q", cfg.Events.Topic)
	}
	if !cfg.Worker.RunsInProcess() {
		t.Fatalf("expected in-process worker by default")
	}
}

func TestLoadConfigWithoutFileReadsSecretFromEnv(t *testing.T) {
	t.Setenv(DefaultSecretEnv, "from-env")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Webhook.Secret != "from-env" {
		t.Fatalf("expected secret from env, got %q", cfg.Webhook.Secret)
	}
	if cfg.Webhook.Verification != VerificationEnforced {
		t.Fatalf("expected enforced verification, got %q", cfg.Webhook.Verification)
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("GITAGENT_TEST_SECRET", "expanded")
	path := writeConfig(t, "webhook:\n  secret: ${GITAGENT_TEST_SECRET}\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Webhook.Secret != "expanded" {
		t.Fatalf("expected expanded secret, got %q", cfg.Webhook.Secret)
	}
}

func TestLoadConfigEnforcedWithoutSecret(t *testing.T) {
	t.Setenv(DefaultSecretEnv, "")
	path := writeConfig(t, "webhook:\n  verification: enforced\n")

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected error for enforced verification without secret")
	}
	if !strings.Contains(err.Error(), "no secret") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadConfigExplicitDisabledKeepsSecret(t *testing.T) {
	path := writeConfig(t, "webhook:\n  secret: s3cret\n  verification: Disabled\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Webhook.Verification != VerificationDisabled {
		t.Fatalf("expected explicit disabled mode, got %q", cfg.Webhook.Verification)
	}
}

func TestLoadConfigRejectsUnknownModes(t *testing.T) {
	path := writeConfig(t, "webhook:\n  verification: maybe\ndispatch:\n  mode: cron\n")

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "verification") || !strings.Contains(err.Error(), "dispatch mode") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}

// TestLoadConfigInvalidRule tests that loading a config with an invalid rule returns an error.
func TestLoadConfigInvalidRule(t *testing.T) {
	path := writeConfig(t, "events:\n  rules:\n    - when: outcome == \"succeeded\"\n")

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for missing emit")
	}
}

// TestLoadConfigTrimsFields tests that rule and filter fields are trimmed.
func TestLoadConfigTrimsFields(t *testing.T) {
	content := "events:\n  rules:\n    - when: \"  exit_status != 0  \"\n      emit: \"  dispatch.failed  \"\n      drivers: [\" amqp \", \"\"]\n" +
		"dispatch:\n  filters:\n    - \"  like(ref, \\\"refs/heads/%\\\")  \"\n"
	cfg, err := LoadConfig(writeConfig(t, content))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Events.Rules[0].When != "exit_status != 0" {
		t.Fatalf("expected trimmed when, got %q", cfg.Events.Rules[0].When)
	}
	if cfg.Events.Rules[0].Emit != "dispatch.failed" {
		t.Fatalf("expected trimmed emit, got %q", cfg.Events.Rules[0].Emit)
	}
	if len(cfg.Events.Rules[0].Drivers) != 1 || cfg.Events.Rules[0].Drivers[0] != "amqp" {
		t.Fatalf("expected cleaned drivers, got %v", cfg.Events.Rules[0].Drivers)
	}
	if cfg.Dispatch.Filters[0] != `like(ref, "refs/heads/%")` {
		t.Fatalf("expected trimmed filter, got %q", cfg.Dispatch.Filters[0])
	}
}

func TestLoadConfigWorkerInProcessFalse(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "worker:\n  in_process: false\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Worker.RunsInProcess() {
		t.Fatalf("expected explicit in_process=false to be kept")
	}
}

func TestConfigWarnsWhenReportsHaveNoSubscriber(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "events:\n  enabled: true\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	warnings := cfg.Warnings()
	if len(warnings) != 1 || !strings.Contains(warnings[0], "dropped") {
		t.Fatalf("expected dropped report warning, got %v", warnings)
	}

	cfg, err = LoadConfig(writeConfig(t, "events:\n  enabled: true\nwatermill:\n  drivers: [gochannel, kafka]\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if warnings := cfg.Warnings(); len(warnings) != 0 {
		t.Fatalf("expected no warnings with a broker driver, got %v", warnings)
	}

	cfg, err = LoadConfig(writeConfig(t, "watermill:\n  driver: gochannel\n"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if warnings := cfg.Warnings(); len(warnings) != 0 {
		t.Fatalf("expected no warnings with events disabled, got %v", warnings)
	}
}

func TestWatermillConfigInMemoryOnly(t *testing.T) {
	cases := []struct {
		cfg  WatermillConfig
		want bool
	}{
		{cfg: WatermillConfig{Driver: "gochannel"}, want: true},
		{cfg: WatermillConfig{Drivers: []string{"gochannel"}}, want: true},
		{cfg: WatermillConfig{Driver: "kafka"}, want: false},
		{cfg: WatermillConfig{Driver: "gochannel", Drivers: []string{"gochannel", "amqp"}}, want: false},
	}
	for _, tc := range cases {
		if got := tc.cfg.InMemoryOnly(); got != tc.want {
			t.Fatalf("%+v: expected %v, got %v", tc.cfg, tc.want, got)
		}
	}
}
