// Package config holds the process configuration: defaults from struct
// tags, a YAML file read through viper, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/audiovault/internal/fsutil"
	"github.com/dgnsrekt/audiovault/internal/objstore"
	"github.com/dgnsrekt/audiovault/internal/server"
	"github.com/dgnsrekt/audiovault/internal/tts/engines"
	"github.com/dgnsrekt/audiovault/internal/ttypes"
	gap "github.com/muesli/go-app-paths"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "AUDIOVAULT_"

// AppName names the config file and the per-user directories.
const AppName = "audiovault"

// Config is the full process configuration.
type Config struct {
	LogLevel  string `mapstructure:"log_level" env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `mapstructure:"log_format" env:"LOG_FORMAT" envDefault:"auto"`
	LogFile   string `mapstructure:"log_file" env:"LOG_FILE"`

	// Secret is the master secret for stream grants and sessions.
	Secret string `mapstructure:"secret" env:"SECRET"`

	Server  server.Config   `mapstructure:"server" envPrefix:"SERVER_"`
	Session SessionConfig   `mapstructure:"session" envPrefix:"SESSION_"`
	Cache   CacheConfig     `mapstructure:"cache" envPrefix:"CACHE_"`
	Remote  RemoteConfig    `mapstructure:"remote" envPrefix:"REMOTE_"`
	Piper   PiperConfig     `mapstructure:"piper" envPrefix:"PIPER_"`
	Audio   AudioConfig     `mapstructure:"audio" envPrefix:"AUDIO_"`
	Voices  VoicesConfig    `mapstructure:"voices" envPrefix:"VOICES_"`
	Ledger  LedgerConfig    `mapstructure:"ledger" envPrefix:"LEDGER_"`
	Redis   RedisConfig     `mapstructure:"redis" envPrefix:"REDIS_"`
	S3      objstore.Config `mapstructure:"s3" envPrefix:"S3_"`
	Assets  AssetsConfig    `mapstructure:"assets" envPrefix:"ASSETS_"`
}

// SessionConfig configures listener and admin session JWTs.
type SessionConfig struct {
	Issuer string        `mapstructure:"issuer" env:"ISSUER" envDefault:"audiovault"`
	TTL    time.Duration `mapstructure:"ttl" env:"TTL" envDefault:"24h"`
}

// CacheConfig configures the synthesis cache.
type CacheConfig struct {
	Root                  string        `mapstructure:"root" env:"ROOT"`
	Codec                 string        `mapstructure:"codec" env:"CODEC" envDefault:"mp3"`
	MemoryEntries         int           `mapstructure:"memory_entries" env:"MEMORY_ENTRIES" envDefault:"4096"`
	MinFreeBytes          uint64        `mapstructure:"min_free_bytes" env:"MIN_FREE_BYTES" envDefault:"268435456"`
	IndexCompressionLevel int           `mapstructure:"index_compression_level" env:"INDEX_COMPRESSION_LEVEL" envDefault:"3"`
	LocalWorkers          int           `mapstructure:"local_workers" env:"LOCAL_WORKERS"`
	RemoteWorkers         int           `mapstructure:"remote_workers" env:"REMOTE_WORKERS" envDefault:"16"`
	MaxPending            int           `mapstructure:"max_pending" env:"MAX_PENDING" envDefault:"256"`
	SynthesisTimeout      time.Duration `mapstructure:"synthesis_timeout" env:"SYNTHESIS_TIMEOUT" envDefault:"5m"`
	LockTTL               time.Duration `mapstructure:"lock_ttl" env:"LOCK_TTL" envDefault:"2m"`
	LockWait              time.Duration `mapstructure:"lock_wait" env:"LOCK_WAIT" envDefault:"30s"`

	// Mirror uploads every published asset to the S3 bucket.
	Mirror       bool   `mapstructure:"mirror" env:"MIRROR"`
	MirrorPrefix string `mapstructure:"mirror_prefix" env:"MIRROR_PREFIX" envDefault:"cache/"`

	PreviewTTL    time.Duration `mapstructure:"preview_ttl" env:"PREVIEW_TTL" envDefault:"1h"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" env:"SWEEP_INTERVAL" envDefault:"10m"`
}

// PreviewDir is where ephemeral previews are written.
func (c CacheConfig) PreviewDir() string { return filepath.Join(c.Root, "previews") }

// RemoteConfig configures the native-markup engine. An empty endpoint
// disables it.
type RemoteConfig struct {
	Endpoint          string        `mapstructure:"endpoint" env:"ENDPOINT"`
	APIKey            string        `mapstructure:"api_key" env:"API_KEY"`
	APIKeyHeader      string        `mapstructure:"api_key_header" env:"API_KEY_HEADER" envDefault:"X-Goog-Api-Key"`
	SampleRate        int           `mapstructure:"sample_rate" env:"SAMPLE_RATE" envDefault:"24000"`
	Timeout           time.Duration `mapstructure:"timeout" env:"TIMEOUT" envDefault:"30s"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" env:"REQUESTS_PER_MINUTE" envDefault:"300"`
	MaxResponseBytes  int64         `mapstructure:"max_response_bytes" env:"MAX_RESPONSE_BYTES" envDefault:"67108864"`
}

// Enabled reports whether a remote endpoint is configured.
func (c RemoteConfig) Enabled() bool { return c.Endpoint != "" }

// PiperConfig configures the local engine. An empty model dir disables it.
type PiperConfig struct {
	Binary   string        `mapstructure:"binary" env:"BINARY" envDefault:"piper"`
	ModelDir string        `mapstructure:"model_dir" env:"MODEL_DIR"`
	Timeout  time.Duration `mapstructure:"timeout" env:"TIMEOUT" envDefault:"60s"`
}

// Enabled reports whether a model directory is configured.
func (c PiperConfig) Enabled() bool { return c.ModelDir != "" }

// AudioConfig configures post-processing.
type AudioConfig struct {
	FFmpeg         string        `mapstructure:"ffmpeg" env:"FFMPEG" envDefault:"ffmpeg"`
	FFprobe        string        `mapstructure:"ffprobe" env:"FFPROBE" envDefault:"ffprobe"`
	Timeout        time.Duration `mapstructure:"timeout" env:"TIMEOUT" envDefault:"2m"`
	BackgroundGain float64       `mapstructure:"background_gain" env:"BACKGROUND_GAIN" envDefault:"0.2"`
	FadeSeconds    float64       `mapstructure:"fade_seconds" env:"FADE_SECONDS" envDefault:"2"`
	BackgroundDir  string        `mapstructure:"background_dir" env:"BACKGROUND_DIR"`

	// BackgroundHosts may serve http(s) background references.
	BackgroundHosts []string `mapstructure:"background_hosts" env:"BACKGROUND_HOSTS" envSeparator:","`
}

// VoicesConfig maps (language, category) to models per engine. Empty maps
// use the built-in tables.
type VoicesConfig struct {
	DefaultLanguage string `mapstructure:"default_language" env:"DEFAULT_LANGUAGE" envDefault:"en-US"`
	DefaultCategory string `mapstructure:"default_category" env:"DEFAULT_CATEGORY" envDefault:"neutral"`
	LocalFallback   string `mapstructure:"local_fallback" env:"LOCAL_FALLBACK" envDefault:"en_US-lessac-medium"`
	RemoteFallback  string `mapstructure:"remote_fallback" env:"REMOTE_FALLBACK" envDefault:"en-US-Neural2-C"`

	Local  map[string]map[string]engines.ModelSpec `mapstructure:"local"`
	Remote map[string]map[string]engines.ModelSpec `mapstructure:"remote"`
}

// LocalTable builds the local voice table.
func (c VoicesConfig) LocalTable(logger *log.Logger) *engines.VoiceTable {
	entries := c.Local
	if len(entries) == 0 {
		entries = engines.DefaultLocalVoices()
	}
	return engines.NewVoiceTable(entries, c.DefaultLanguage, c.DefaultCategory, engines.ModelSpec{Model: c.LocalFallback}, logger)
}

// RemoteTable builds the remote voice table.
func (c VoicesConfig) RemoteTable(logger *log.Logger) *engines.VoiceTable {
	entries := c.Remote
	if len(entries) == 0 {
		entries = engines.DefaultRemoteVoices()
	}
	return engines.NewVoiceTable(entries, c.DefaultLanguage, c.DefaultCategory, engines.ModelSpec{Model: c.RemoteFallback}, logger)
}

// Ledger drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// LedgerConfig selects and configures the entitlement ledger.
type LedgerConfig struct {
	Driver      string `mapstructure:"driver" env:"DRIVER" envDefault:"sqlite"`
	DSN         string `mapstructure:"dsn" env:"DSN"`
	Path        string `mapstructure:"path" env:"PATH"`
	DeviceLimit int    `mapstructure:"device_limit" env:"DEVICE_LIMIT" envDefault:"3"`
}

// RedisConfig enables the cross-replica synthesis lock.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" env:"ADDR"`
	Password string `mapstructure:"password" env:"PASSWORD"`
	DB       int    `mapstructure:"db" env:"DB"`
	Prefix   string `mapstructure:"prefix" env:"PREFIX" envDefault:"audiovault:synth:"`
}

// Enabled reports whether an address is configured.
func (c RedisConfig) Enabled() bool { return c.Addr != "" }

// Asset backends.
const (
	BackendFS = "fs"
	BackendS3 = "s3"
)

// AssetsConfig selects where streamed audio is read from.
type AssetsConfig struct {
	Backend string `mapstructure:"backend" env:"BACKEND" envDefault:"fs"`

	// Dir defaults to the cache root so synthesized assets are streamable.
	Dir    string `mapstructure:"dir" env:"DIR"`
	Prefix string `mapstructure:"prefix" env:"PREFIX"`
}

// Default returns the configuration with every default applied.
func Default() Config {
	cfg := defaults(gap.NewScope(gap.User, AppName))
	cfg.derive()
	return cfg
}

func defaults(scope *gap.Scope) Config {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: map[string]string{}})
	if err != nil {
		// tags are static; a failure here is a programming error
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	cfg.fillPaths(scope)
	return cfg
}

// fillPaths sets data paths left empty to the per-user data directory.
func (c *Config) fillPaths(scope *gap.Scope) {
	data := func(name string) string {
		p, err := scope.DataPath(name)
		if err != nil {
			return filepath.Join(".", AppName, name)
		}
		return p
	}
	if c.Cache.Root == "" {
		c.Cache.Root = data("cache")
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = data("ledger.db")
	}
}

// derive fills settings that follow the cache root unless set.
func (c *Config) derive() {
	if c.Assets.Dir == "" {
		c.Assets.Dir = c.Cache.Root
	}
	if c.Server.PreviewDir == "" {
		c.Server.PreviewDir = c.Cache.PreviewDir()
	}
}

// expand resolves ~ in every path setting.
func (c *Config) expand() error {
	for _, p := range []*string{
		&c.LogFile, &c.Cache.Root, &c.Piper.ModelDir, &c.Audio.BackgroundDir,
		&c.Ledger.Path, &c.Assets.Dir, &c.Server.PreviewDir,
	} {
		v, err := fsutil.ExpandPath(*p)
		if err != nil {
			return err
		}
		*p = v
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c Config) Validate() error {
	var errs []error
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.LogFormat {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be auto, text or json, got %q", c.LogFormat))
	}
	if _, err := ttypes.ParseCodec(c.Cache.Codec); err != nil {
		errs = append(errs, fmt.Errorf("cache.codec: %w", err))
	}
	if c.Cache.IndexCompressionLevel < 1 || c.Cache.IndexCompressionLevel > 22 {
		errs = append(errs, fmt.Errorf("cache.index_compression_level must be between 1 and 22, got %d", c.Cache.IndexCompressionLevel))
	}
	if c.Remote.Enabled() && !strings.HasPrefix(c.Remote.Endpoint, "https://") {
		errs = append(errs, fmt.Errorf("remote.endpoint must use https"))
	}
	switch c.Ledger.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Ledger.DSN == "" {
			errs = append(errs, errors.New("ledger.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.driver must be memory, sqlite or postgres, got %q", c.Ledger.Driver))
	}
	if c.Ledger.DeviceLimit < 1 {
		errs = append(errs, fmt.Errorf("ledger.device_limit must be at least 1, got %d", c.Ledger.DeviceLimit))
	}
	switch c.Assets.Backend {
	case BackendFS:
	case BackendS3:
		if !c.S3.Enabled() {
			errs = append(errs, errors.New("assets.backend s3 needs s3.endpoint and s3.bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("assets.backend must be fs or s3, got %q", c.Assets.Backend))
	}
	if c.Cache.Mirror && !c.S3.Enabled() {
		errs = append(errs, errors.New("cache.mirror needs s3.endpoint and s3.bucket"))
	}
	if c.Server.PreviewSeconds < 0 {
		errs = append(errs, errors.New("server.preview_seconds must not be negative"))
	}
	return errors.Join(errs...)
}

// ValidateSecret is checked only by commands that sign or verify.
func (c Config) ValidateSecret() error {
	if len(c.Secret) < 32 {
		return fmt.Errorf("secret must be at least 32 bytes (set %sSECRET)", EnvPrefix)
	}
	return nil
}
