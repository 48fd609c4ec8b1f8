package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsWhenNoConfigFileExists(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Orchestrator.PluginBinary != "scanorc-plugin-runner" {
		t.Fatalf("PluginBinary = %q, want scanorc-plugin-runner", cfg.Orchestrator.PluginBinary)
	}
	if cfg.Orchestrator.GracefulStopSeconds != 10 {
		t.Fatalf("GracefulStopSeconds = %d, want 10", cfg.Orchestrator.GracefulStopSeconds)
	}
	if cfg.Orchestrator.HeavyWorkers != 2 || cfg.Orchestrator.LightWorkers != 4 {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Orchestrator)
	}
	wantPath := filepath.Join(home, DefaultDBFile)
	if cfg.Database.Path != wantPath {
		t.Fatalf("Database.Path = %q, want %q", cfg.Database.Path, wantPath)
	}
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Orchestrator.HeavyWorkers = 9
	cfg.Notify.Slack.WebhookURL = "https://hooks.slack.example/xyz"

	configPath, err := ConfigPath("")
	if err != nil {
		t.Fatalf("ConfigPath: %v", err)
	}
	if err := Save(cfg, configPath); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load("")
	if err != nil {
		t.Fatalf("Load (reload): %v", err)
	}
	if got.Orchestrator.HeavyWorkers != 9 {
		t.Fatalf("HeavyWorkers after reload = %d, want 9", got.Orchestrator.HeavyWorkers)
	}
	if got.Notify.Slack.WebhookURL != "https://hooks.slack.example/xyz" {
		t.Fatalf("Slack.WebhookURL not persisted: %+v", got.Notify.Slack)
	}
}

func TestLoadExpandsHomeTildeInDatabasePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	configPath := filepath.Join(home, "custom-config.json")
	if err := Save(&Config{Database: DatabaseConfig{Driver: "sqlite", Path: "~/custom.db"}}, configPath); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := filepath.Join(home, "custom.db")
	if cfg.Database.Path != want {
		t.Fatalf("Database.Path = %q, want %q", cfg.Database.Path, want)
	}
}

func TestEnsureDirCreatesConfigDirectory(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if err := EnsureDir(); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	info, err := os.Stat(filepath.Join(home, DefaultConfigDir))
	if err != nil {
		t.Fatalf("stat config dir: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected the config directory to exist")
	}
}
