// Package config loads diagramsync settings.
//
// Settings come from three layers, later ones winning: built-in defaults, a
// TOML file (diagramsync.toml by default) and DIAGRAMSYNC_* environment
// variables. A .env file in the working directory is loaded into the
// environment first.
package config

import (
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"github.com/matzehuels/diagramsync/pkg/collab"
	"github.com/matzehuels/diagramsync/pkg/errors"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "diagramsync.toml"

// Storage backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendMongo  = "mongo"
)

// Transports and backplanes.
const (
	TransportMemory = "memory"
	TransportRedis  = "redis"
	TransportWS     = "ws"
)

// Duration is a time.Duration written as a string such as "500ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full diagramsync configuration.
type Config struct {
	Log     LogConfig     `toml:"log"`
	Sync    SyncConfig    `toml:"sync"`
	Redis   RedisConfig   `toml:"redis"`
	Mongo   MongoConfig   `toml:"mongo"`
	Storage StorageConfig `toml:"storage"`
	Server  ServerConfig  `toml:"server"`
	Client  ClientConfig  `toml:"client"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `toml:"level"`
}

// SyncConfig holds the engine timings.
type SyncConfig struct {
	SnapshotDelay  Duration `toml:"snapshot_delay"`
	CursorInterval Duration `toml:"cursor_interval"`
}

// RedisConfig locates the Redis server used as a transport or backplane.
type RedisConfig struct {
	URL string `toml:"url"`
}

// MongoConfig locates the Mongo collection used for persistence.
type MongoConfig struct {
	URI        string `toml:"uri"`
	Database   string `toml:"database"`
	Collection string `toml:"collection"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend string `toml:"backend"`
	Dir     string `toml:"dir"`
}

// ServerConfig configures the relay server.
type ServerConfig struct {
	Addr          string   `toml:"addr"`
	Backplane     string   `toml:"backplane"`
	AutosaveDelay Duration `toml:"autosave_delay"`
}

// ClientConfig configures a joining session.
type ClientConfig struct {
	Transport string `toml:"transport"`
	URL       string `toml:"url"`
	Project   string `toml:"project"`
	Name      string `toml:"name"`
	ClientID  string `toml:"client_id"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Sync: SyncConfig{
			SnapshotDelay:  Duration(collab.DefaultSnapshotDelay),
			CursorInterval: Duration(collab.DefaultCursorInterval),
		},
		Mongo:   MongoConfig{Database: "diagramsync", Collection: "diagrams"},
		Storage: StorageConfig{Backend: BackendFile, Dir: defaultDataDir()},
		Server: ServerConfig{
			Addr:          ":8080",
			Backplane:     TransportMemory,
			AutosaveDelay: Duration(2 * time.Second),
		},
		Client: ClientConfig{Transport: TransportWS, URL: "ws://localhost:8080/ws"},
	}
}

// defaultDataDir follows XDG (~/.local/share/diagramsync).
func defaultDataDir() string {
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "diagramsync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "diagramsync-data"
	}
	return filepath.Join(home, ".local", "share", "diagramsync")
}

// Load builds the configuration. An empty path reads DefaultPath if it
// exists; an explicit path must exist.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !stderrors.Is(err, fs.ErrNotExist) {
		return Config{}, errors.Wrap(errors.ErrCodeInvalidInput, err, "load .env")
	}

	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := cfg.decodeFile(path); err != nil {
		if explicit || !stderrors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.ValidateAndSetDefaults(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return err
		}
		return errors.Wrap(errors.ErrCodeInvalidInput, err, "parse %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return errors.New(errors.ErrCodeInvalidInput, "%s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

// ApplyEnv overrides settings from DIAGRAMSYNC_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"DIAGRAMSYNC_LOG_LEVEL", &c.Log.Level},
		{"DIAGRAMSYNC_REDIS_URL", &c.Redis.URL},
		{"DIAGRAMSYNC_MONGO_URI", &c.Mongo.URI},
		{"DIAGRAMSYNC_MONGO_DATABASE", &c.Mongo.Database},
		{"DIAGRAMSYNC_MONGO_COLLECTION", &c.Mongo.Collection},
		{"DIAGRAMSYNC_STORAGE_BACKEND", &c.Storage.Backend},
		{"DIAGRAMSYNC_STORAGE_DIR", &c.Storage.Dir},
		{"DIAGRAMSYNC_SERVER_ADDR", &c.Server.Addr},
		{"DIAGRAMSYNC_BACKPLANE", &c.Server.Backplane},
		{"DIAGRAMSYNC_TRANSPORT", &c.Client.Transport},
		{"DIAGRAMSYNC_URL", &c.Client.URL},
		{"DIAGRAMSYNC_PROJECT", &c.Client.Project},
		{"DIAGRAMSYNC_PROJECT_NAME", &c.Client.Name},
		{"DIAGRAMSYNC_CLIENT_ID", &c.Client.ClientID},
	}
	for _, s := range strs {
		if v, ok := lookup(s.key); ok {
			*s.dst = v
		}
	}

	durs := []struct {
		key string
		dst *Duration
	}{
		{"DIAGRAMSYNC_SNAPSHOT_DELAY", &c.Sync.SnapshotDelay},
		{"DIAGRAMSYNC_CURSOR_INTERVAL", &c.Sync.CursorInterval},
		{"DIAGRAMSYNC_AUTOSAVE_DELAY", &c.Server.AutosaveDelay},
	}
	for _, d := range durs {
		v, ok := lookup(d.key)
		if !ok {
			continue
		}
		if err := d.dst.UnmarshalText([]byte(v)); err != nil {
			return errors.Wrap(errors.ErrCodeInvalidInput, err, "%s", d.key)
		}
	}
	return nil
}

// ValidateAndSetDefaults fills empty fields with defaults and rejects
// unknown enum values. Settings only some commands need are checked by
// those commands.
func (c *Config) ValidateAndSetDefaults() error {
	def := Default()
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidInput, err, "log.level")
	}
	if c.Sync.SnapshotDelay <= 0 {
		c.Sync.SnapshotDelay = def.Sync.SnapshotDelay
	}
	if c.Sync.CursorInterval <= 0 {
		c.Sync.CursorInterval = def.Sync.CursorInterval
	}
	if c.Server.AutosaveDelay <= 0 {
		c.Server.AutosaveDelay = def.Server.AutosaveDelay
	}

	defaults := []struct {
		dst *string
		def string
	}{
		{&c.Mongo.Database, def.Mongo.Database},
		{&c.Mongo.Collection, def.Mongo.Collection},
		{&c.Storage.Backend, def.Storage.Backend},
		{&c.Storage.Dir, def.Storage.Dir},
		{&c.Server.Addr, def.Server.Addr},
		{&c.Server.Backplane, def.Server.Backplane},
		{&c.Client.Transport, def.Client.Transport},
		{&c.Client.URL, def.Client.URL},
	}
	for _, d := range defaults {
		if *d.dst == "" {
			*d.dst = d.def
		}
	}

	if err := oneOf("storage.backend", c.Storage.Backend, BackendMemory, BackendFile, BackendMongo); err != nil {
		return err
	}
	if c.Storage.Backend == BackendMongo && c.Mongo.URI == "" {
		return errors.New(errors.ErrCodeInvalidInput, "mongo.uri is required for the mongo backend")
	}
	if err := oneOf("server.backplane", c.Server.Backplane, TransportMemory, TransportRedis); err != nil {
		return err
	}
	if c.Server.Backplane == TransportRedis && c.Redis.URL == "" {
		return errors.New(errors.ErrCodeInvalidInput, "redis.url is required for the redis backplane")
	}
	return oneOf("client.transport", c.Client.Transport, TransportWS, TransportRedis)
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() log.Level {
	level, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return log.InfoLevel
	}
	return level
}

// ValidateClient checks the settings a joining session needs.
func (c *Config) ValidateClient() error {
	if err := errors.ValidateID("project", c.Client.Project); err != nil {
		return err
	}
	switch c.Client.Transport {
	case TransportWS:
		return errors.ValidateURL(c.Client.URL, "ws", "wss")
	case TransportRedis:
		if c.Redis.URL == "" {
			return errors.New(errors.ErrCodeInvalidInput, "redis.url is required for the redis transport")
		}
	}
	return nil
}

func oneOf(field, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return errors.New(errors.ErrCodeInvalidInput, "%s must be one of %s, got %q", field, strings.Join(allowed, ", "), v)
}
