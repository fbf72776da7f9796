package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/audiovault/internal/access"
	"github.com/dgnsrekt/audiovault/internal/audio"
	"github.com/dgnsrekt/audiovault/internal/cache"
	"github.com/dgnsrekt/audiovault/internal/config"
	"github.com/dgnsrekt/audiovault/internal/gateway"
	"github.com/dgnsrekt/audiovault/internal/ledger"
	"github.com/dgnsrekt/audiovault/internal/objstore"
	"github.com/dgnsrekt/audiovault/internal/tts/engines"
	"github.com/dgnsrekt/audiovault/internal/ttypes"
	"github.com/redis/go-redis/v9"
)

// openObjects connects to S3 when configured; nil otherwise.
func openObjects(c config.Config) (*objstore.Store, error) {
	if !c.S3.Enabled() {
		return nil, nil
	}
	s, err := objstore.New(c.S3)
	if err != nil {
		return nil, fmt.Errorf("s3: %w", err)
	}
	return s, nil
}

// openEngines builds whichever adapters are configured.
func openEngines(c config.Config, l *log.Logger) (*engines.Registry, error) {
	var remote, local engines.Adapter
	if c.Remote.Enabled() {
		r, err := engines.NewRemoteEngine(engines.RemoteConfig{
			Endpoint:          c.Remote.Endpoint,
			APIKey:            c.Remote.APIKey,
			APIKeyHeader:      c.Remote.APIKeyHeader,
			SampleRate:        c.Remote.SampleRate,
			Timeout:           c.Remote.Timeout,
			RequestsPerMinute: c.Remote.RequestsPerMinute,
			MaxResponseBytes:  c.Remote.MaxResponseBytes,
			Voices:            c.Voices.RemoteTable(l),
		}, component("remote"))
		if err != nil {
			return nil, err
		}
		remote = r
	}
	if c.Piper.Enabled() {
		p, err := engines.NewPiperEngine(engines.PiperConfig{
			Binary:   c.Piper.Binary,
			ModelDir: c.Piper.ModelDir,
			Timeout:  c.Piper.Timeout,
			Voices:   c.Voices.LocalTable(l),
		}, component("piper"))
		if err != nil {
			return nil, err
		}
		local = p
	}
	reg := engines.NewRegistry(remote, local)
	for _, a := range reg.Adapters() {
		if err := a.Validate(); err != nil {
			l.Warn("engine unavailable", "engine", a.Engine(), "err", err)
		}
	}
	return reg, nil
}

// openCache builds the synthesis cache and everything it drives.
func openCache(ctx context.Context, c config.Config, l *log.Logger, objects *objstore.Store) (*cache.Manager, func() error, error) {
	reg, err := openEngines(c, l)
	if err != nil {
		return nil, nil, err
	}

	rc := audio.ResolverConfig{
		Dir:          c.Audio.BackgroundDir,
		DownloadDir:  filepath.Join(c.Cache.Root, ".backgrounds"),
		AllowedHosts: c.Audio.BackgroundHosts,
	}
	if objects != nil {
		rc.Objects = objects
	}
	post := audio.NewPostProcessor(audio.Config{
		FFmpegPath:     c.Audio.FFmpeg,
		FFprobePath:    c.Audio.FFprobe,
		Timeout:        c.Audio.Timeout,
		BackgroundGain: c.Audio.BackgroundGain,
		FadeSeconds:    c.Audio.FadeSeconds,
	}, audio.NewResolver(rc, component("background")), component("audio"))
	if err := post.Validate(); err != nil {
		l.Warn("ffmpeg unavailable; only wav delivery will work", "err", err)
	}

	deps := cache.Deps{Engines: reg, Post: post}
	if c.Cache.Mirror && objects != nil {
		deps.Mirror = objects
	}

	closers := []func() error{}
	if c.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{Addr: c.Redis.Addr, Password: c.Redis.Password, DB: c.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			l.Warn("redis unreachable; synthesis lock works per process only", "addr", c.Redis.Addr, "err", err)
		}
		deps.Locker = cache.NewRedisLocker(rdb, c.Redis.Prefix)
		closers = append(closers, rdb.Close)
	}

	codec, err := ttypes.ParseCodec(c.Cache.Codec)
	if err != nil {
		return nil, nil, err
	}
	m, err := cache.New(cache.Config{
		Root:                  c.Cache.Root,
		Codec:                 codec,
		MemoryEntries:         c.Cache.MemoryEntries,
		MinFreeBytes:          c.Cache.MinFreeBytes,
		IndexCompressionLevel: c.Cache.IndexCompressionLevel,
		LocalWorkers:          c.Cache.LocalWorkers,
		RemoteWorkers:         c.Cache.RemoteWorkers,
		MaxPending:            c.Cache.MaxPending,
		SynthesisTimeout:      c.Cache.SynthesisTimeout,
		LockTTL:               c.Cache.LockTTL,
		LockWait:              c.Cache.LockWait,
		MirrorPrefix:          c.Cache.MirrorPrefix,
	}, deps, component("cache"))
	if err != nil {
		for _, fn := range closers {
			_ = fn()
		}
		return nil, nil, err
	}

	closers = append([]func() error{m.Close}, closers...)
	return m, func() error {
		var errs []error
		for _, fn := range closers {
			errs = append(errs, fn())
		}
		return errors.Join(errs...)
	}, nil
}

// openLedger opens the configured ledger. SQLite migrates on open;
// postgres migrates only when asked.
func openLedger(ctx context.Context, c config.Config, migrate bool) (ledger.Ledger, error) {
	switch c.Ledger.Driver {
	case config.DriverMemory:
		return ledger.NewMemory(c.Ledger.DeviceLimit), nil
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(c.Ledger.Path), 0o755); err != nil {
			return nil, err
		}
		return ledger.OpenSQLite(ctx, c.Ledger.Path, c.Ledger.DeviceLimit)
	case config.DriverPostgres:
		if migrate {
			if _, err := ledger.MigratePostgres(ctx, c.Ledger.DSN); err != nil {
				return nil, fmt.Errorf("migrate ledger: %w", err)
			}
		}
		return ledger.OpenPostgres(ctx, c.Ledger.DSN, c.Ledger.DeviceLimit)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", c.Ledger.Driver)
	}
}

// openAccess builds the grant and session signers from the master secret.
func openAccess(c config.Config) (*access.Service, *access.SessionManager, error) {
	if err := c.ValidateSecret(); err != nil {
		return nil, nil, err
	}
	tokens, err := access.NewService(access.Config{
		Secret:     []byte(c.Secret),
		DefaultTTL: c.Server.TokenTTL,
	}, component("access"))
	if err != nil {
		return nil, nil, err
	}
	sessions, err := access.NewSessionManager([]byte(c.Secret), c.Session.Issuer, c.Session.TTL, nil)
	if err != nil {
		return nil, nil, err
	}
	return tokens, sessions, nil
}

// openAssets returns the store the gateway streams from.
func openAssets(c config.Config, objects *objstore.Store) (gateway.Store, error) {
	switch c.Assets.Backend {
	case config.BackendS3:
		if objects == nil {
			return nil, errors.New("assets backend s3 needs s3 configuration")
		}
		return gateway.NewObjectStore(objects, c.Assets.Prefix), nil
	default:
		return gateway.NewFileStore(c.Assets.Dir), nil
	}
}
