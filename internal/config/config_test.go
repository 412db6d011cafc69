package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/go-cmp/cmp"

	"github.com/matzehuels/diagramsync/pkg/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "diagramsync.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func noEnv(string) (string, bool) { return "", false }

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	before := cfg
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		t.Fatalf("ValidateAndSetDefaults: %v", err)
	}
	if diff := cmp.Diff(before, cfg); diff != "" {
		t.Errorf("defaults changed by validation (-before +after):\n%s", diff)
	}
	if cfg.LogLevel() != log.InfoLevel {
		t.Errorf("LogLevel() = %v", cfg.LogLevel())
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
[log]
level = "debug"

[sync]
snapshot_delay = "250ms"
cursor_interval = "20ms"

[storage]
backend = "mongo"

[mongo]
uri = "mongodb://localhost:27017"

[server]
addr = ":9000"
backplane = "redis"
autosave_delay = "5s"

[redis]
url = "redis://localhost:6379/0"

[client]
project = "shop"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel() != log.DebugLevel {
		t.Errorf("LogLevel() = %v, want debug", cfg.LogLevel())
	}
	if cfg.Sync.SnapshotDelay.Std() != 250*time.Millisecond || cfg.Sync.CursorInterval.Std() != 20*time.Millisecond {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Server.AutosaveDelay.Std() != 5*time.Second || cfg.Server.Addr != ":9000" {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Mongo.Database != "diagramsync" || cfg.Mongo.Collection != "diagrams" {
		t.Errorf("Mongo defaults not kept: %+v", cfg.Mongo)
	}
	if cfg.Client.Project != "shop" || cfg.Client.Transport != TransportWS {
		t.Errorf("Client = %+v", cfg.Client)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"Syntax", `[log`},
		{"UnknownKey", "[log]\nlevl = \"info\"\n"},
		{"BadDuration", "[sync]\nsnapshot_delay = \"soon\"\n"},
		{"BadLevel", "[log]\nlevel = \"loud\"\n"},
		{"BadBackend", "[storage]\nbackend = \"s3\"\n"},
		{"MongoWithoutURI", "[storage]\nbackend = \"mongo\"\n"},
		{"RedisBackplaneWithoutURL", "[server]\nbackplane = \"redis\"\n"},
		{"BadTransport", "[client]\ntransport = \"carrier-pigeon\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); !errors.Is(err, errors.ErrCodeInvalidInput) {
				t.Errorf("Load() error = %v, want INVALID_INPUT", err)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("Load() of a missing explicit path succeeded")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"DIAGRAMSYNC_LOG_LEVEL":      "warn",
		"DIAGRAMSYNC_REDIS_URL":      "redis://cache:6379",
		"DIAGRAMSYNC_PROJECT":        "billing",
		"DIAGRAMSYNC_SNAPSHOT_DELAY": "1s",
		"DIAGRAMSYNC_STORAGE_DIR":    "/srv/diagrams",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Log.Level != "warn" || cfg.Redis.URL != "redis://cache:6379" || cfg.Client.Project != "billing" {
		t.Errorf("string overrides not applied: %+v", cfg)
	}
	if cfg.Sync.SnapshotDelay.Std() != time.Second || cfg.Storage.Dir != "/srv/diagrams" {
		t.Errorf("overrides not applied: %+v", cfg)
	}

	cfg = Default()
	if err := cfg.ApplyEnv(env(map[string]string{"DIAGRAMSYNC_CURSOR_INTERVAL": "fast"})); !errors.Is(err, errors.ErrCodeInvalidInput) {
		t.Errorf("bad duration error = %v", err)
	}
	cfg = Default()
	if err := cfg.ApplyEnv(noEnv); err != nil || cfg != Default() {
		t.Errorf("ApplyEnv(noEnv) changed config or failed: %v", err)
	}
}

func TestValidateClient(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		code   errors.Code
	}{
		{"OK", func(c *Config) { c.Client.Project = "shop" }, ""},
		{"MissingProject", func(*Config) {}, errors.ErrCodeInvalidID},
		{"BadURL", func(c *Config) {
			c.Client.Project = "shop"
			c.Client.URL = "http://localhost/ws"
		}, errors.ErrCodeInvalidInput},
		{"RedisWithoutURL", func(c *Config) {
			c.Client.Project = "shop"
			c.Client.Transport = TransportRedis
		}, errors.ErrCodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			err := cfg.ValidateClient()
			if tt.code == "" {
				if err != nil {
					t.Errorf("ValidateClient() = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.code) {
				t.Errorf("ValidateClient() = %v, want %s", err, tt.code)
			}
		})
	}
}

func TestDurationText(t *testing.T) {
	d := Duration(1500 * time.Millisecond)
	text, _ := d.MarshalText()
	if string(text) != "1.5s" {
		t.Errorf("MarshalText() = %s", text)
	}
	var back Duration
	if err := back.UnmarshalText(text); err != nil || back != d {
		t.Errorf("UnmarshalText() = %v, %v", back, err)
	}
}
