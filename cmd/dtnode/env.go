package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Operative-001/dtnode/internal/cache"
	"github.com/Operative-001/dtnode/internal/config"
	"github.com/Operative-001/dtnode/internal/crypto"
	"github.com/Operative-001/dtnode/internal/directory"
	"github.com/Operative-001/dtnode/internal/logging"
	"github.com/Operative-001/dtnode/internal/node"
	"github.com/Operative-001/dtnode/internal/radio"
	"github.com/Operative-001/dtnode/internal/status"
	"github.com/Operative-001/dtnode/internal/transport"
)

// env is the state every command opens: configuration, logger, identity,
// peer directory and retry cache.
type env struct {
	cfg   *config.Config
	log   *zap.Logger
	id    *crypto.Identity
	dir   *directory.Directory
	cache *cache.Cache
}

// configPath returns --config, or config.yaml inside --data.
func configPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	dataDir, _ := cmd.Flags().GetString("data")
	return config.DefaultPath(dataDir)
}

// loadConfig reads the config file and applies any flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	dataDir, _ := flags.GetString("data")
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return nil, err
	}
	if flags.Changed("data") || cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	if flags.Changed("eid") {
		cfg.EID, _ = flags.GetString("eid")
	}
	if flags.Changed("key") {
		cfg.KeyFile, _ = flags.GetString("key")
	}
	if flags.Changed("addr") {
		cfg.ListenAddr, _ = flags.GetString("addr")
	}
	if flags.Changed("transport") {
		cfg.Transport, _ = flags.GetString("transport")
	}
	if flags.Changed("status") {
		cfg.StatusAddr, _ = flags.GetString("status")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}

	id, created, err := crypto.LoadOrGenerate(cfg.KeyPath(), passphrase(cmd))
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w", cfg.KeyPath(), err)
	}
	if created {
		log.Info("generated identity", zap.String("path", cfg.KeyPath()), zap.String("fingerprint", id.Fingerprint()))
	}

	dir, err := directory.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open directory: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		dir.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}
	c, err := cache.Open(cmd.Context(), store)
	if err != nil {
		store.Close()
		dir.Close()
		return nil, err
	}
	return &env{cfg: cfg, log: log, id: id, dir: dir, cache: c}, nil
}

func passphrase(cmd *cobra.Command) string {
	if p, _ := cmd.Flags().GetString("passphrase"); p != "" {
		return p
	}
	return os.Getenv("DTNODE_PASSPHRASE")
}

// viaListeningNode runs fn against the status API of a node listening with
// the same EID. handled is false when no such node answers, in which case
// the caller opens the data directory itself.
func viaListeningNode(cmd *cobra.Command, fn func(*status.Client) error) (handled bool, err error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return false, err
	}
	if cfg.StatusAddr == "" {
		return false, nil
	}
	err = fn(status.NewClient(cfg.StatusAddr, cfg.EID))
	if errors.Is(err, status.ErrUnreachable) || errors.Is(err, status.ErrOtherNode) {
		return false, nil
	}
	return true, err
}

func openStore(cfg *config.Config) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case config.CacheRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		return cache.NewRedisStore(rdb, cfg.Cache.RedisPrefix), nil
	default:
		return cache.OpenBolt(cfg.DataDir)
	}
}

func (e *env) Close() {
	e.cache.Close()
	e.dir.Close()
	e.log.Sync() //nolint:errcheck
}

// openBundle creates the configured bundle transport. listen starts the
// TCP listener; senders only dial out.
func (e *env) openBundle(ctx context.Context, listen bool) (transport.Bundle, error) {
	switch e.cfg.Transport {
	case config.TransportDaemon:
		return transport.DialDaemon(ctx, e.cfg.DaemonURL, e.cfg.EID, e.log)
	case config.TransportMemory:
		return transport.NewHub().Endpoint(e.cfg.EID), nil
	default:
		tr := transport.NewTCP(e.cfg.ListenAddr, e.cfg.Advertise(), e.log)
		if listen {
			if err := tr.Start(); err != nil {
				return nil, fmt.Errorf("listen %s: %w", e.cfg.ListenAddr, err)
			}
		}
		return tr, nil
	}
}

// newNode wires a node over bundle. The host radio is not driven by this
// binary; radio addresses stay cached until a Link is provided.
func (e *env) newNode(bundle transport.Bundle, link radio.Link) (*node.Node, error) {
	return node.New(node.Config{
		EID:            e.cfg.EID,
		Identity:       e.id,
		Bundle:         bundle,
		Radio:          radio.NewSender(link, e.cfg.Radio.ChunkSize, e.cfg.Radio.Pacing),
		Directory:      e.dir,
		Cache:          e.cache,
		Logger:         e.log,
		ReceiveTimeout: e.cfg.ReceiveTimeout,
		ReplayWindow:   e.cfg.ReplayWindow,
	})
}
