package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Registry.Path != filepath.Join(".planloop", "orchestrators.json") {
		t.Errorf("Registry.Path = %q", cfg.Registry.Path)
	}
	if cfg.Registry.HeartbeatInterval() != 5*time.Second {
		t.Errorf("HeartbeatInterval() = %v, want 5s", cfg.Registry.HeartbeatInterval())
	}
	if cfg.Registry.StaleThreshold() != 30*time.Second {
		t.Errorf("StaleThreshold() = %v, want 30s", cfg.Registry.StaleThreshold())
	}
	if cfg.Registry.StoppedGraceMultiplier != 2.0 {
		t.Errorf("StoppedGraceMultiplier = %v, want 2", cfg.Registry.StoppedGraceMultiplier)
	}
	if cfg.IPC.MaxMessageBytes != 1<<20 {
		t.Errorf("IPC.MaxMessageBytes = %d, want 1MiB", cfg.IPC.MaxMessageBytes)
	}
	if cfg.Runner.Command != "claude" || !cfg.Runner.SkipPermissions {
		t.Errorf("Runner = %+v", cfg.Runner)
	}
	if cfg.Runner.Timeout() != 30*time.Minute {
		t.Errorf("Runner.Timeout() = %v", cfg.Runner.Timeout())
	}
	if cfg.Loop.MaxConsecutiveFailures != 3 {
		t.Errorf("Loop.MaxConsecutiveFailures = %d, want 3", cfg.Loop.MaxConsecutiveFailures)
	}

	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default() should validate, got %v", ValidationErrors(errs))
	}
}

func TestSetDefaultsAndLoad(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	SetDefaults()
	viper.Set("loop.max_iterations", 7)
	viper.Set("runner.extra_args", []string{"--model", "opus"})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Loop.MaxIterations != 7 {
		t.Errorf("Loop.MaxIterations = %d, want 7", cfg.Loop.MaxIterations)
	}
	if len(cfg.Runner.ExtraArgs) != 2 || cfg.Runner.ExtraArgs[1] != "opus" {
		t.Errorf("Runner.ExtraArgs = %v", cfg.Runner.ExtraArgs)
	}
	if cfg.Monitor.PollInterval() != time.Second {
		t.Errorf("Monitor.PollInterval() = %v", cfg.Monitor.PollInterval())
	}
}

func TestLoad_InvalidReturnsValidationErrors(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	SetDefaults()
	viper.Set("events.queue_size", 0)
	viper.Set("logging.level", "loud")

	_, err := Load()
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("Load() error = %T %v, want ValidationErrors", err, err)
	}
	if len(verrs) != 2 {
		t.Errorf("got %d errors, want 2: %v", len(verrs), verrs)
	}

	if Get().Events.QueueSize != Default().Events.QueueSize {
		t.Error("Get() should fall back to defaults when Load fails")
	}
}

func TestConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := ConfigDir(); got != filepath.Join("/tmp/xdg", "planloop") {
		t.Errorf("ConfigDir() = %q", got)
	}
	if got := ConfigFile(); got != filepath.Join("/tmp/xdg", "planloop", "config.yaml") {
		t.Errorf("ConfigFile() = %q", got)
	}
}

func TestResolveSocketDir(t *testing.T) {
	c := IPCConfig{}
	if got := c.ResolveSocketDir(); got != filepath.Join(os.TempDir(), "planloop") {
		t.Errorf("ResolveSocketDir() = %q", got)
	}
	c.SocketDir = "/run/planloop"
	if got := c.ResolveSocketDir(); got != "/run/planloop" {
		t.Errorf("ResolveSocketDir() = %q", got)
	}
}

func TestLogDir(t *testing.T) {
	cfg := Default()
	if got := cfg.LogDir(); got != filepath.Join(".planloop", "logs") {
		t.Errorf("LogDir() = %q", got)
	}
	cfg.Logging.Dir = "/var/log/planloop"
	if got := cfg.LogDir(); got != "/var/log/planloop" {
		t.Errorf("LogDir() = %q", got)
	}

	rot := cfg.Logging.Rotation()
	if rot.MaxSizeMB != 10 || rot.MaxBackups != 3 {
		t.Errorf("Rotation() = %+v", rot)
	}
}
