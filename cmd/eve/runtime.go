package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/artifacts"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/config"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/lock"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/manifest"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/vault"
)

// vaultLockKey names the Redis lease shared by every vault writer.
const vaultLockKey = "eve:vault:writer"

// runtime holds the stores every command opens from the same configuration.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	manifests *manifest.Store
	vaults    *vault.Vaults

	closers []func() error
}

// openRuntime loads configuration and opens the manifest store and both
// vault ledgers. Logs go to stderr at the configured level.
func openRuntime(ctx context.Context, configPath string, stderr io.Writer) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	rt := &runtime{cfg: cfg, logger: logger, manifests: manifest.NewStore(cfg.DataRoot)}

	var locker lock.Locker
	if cfg.Lock.RedisAddr != "" {
		client := lock.NewRedisClient(cfg.Lock.RedisAddr, cfg.Lock.RedisPassword, 0)
		rt.closers = append(rt.closers, client.Close)
		locker = lock.NewRedisLock(client, vaultLockKey, cfg.Lock.TTL)
		logger.Debug("vault writer lease via redis", "addr", cfg.Lock.RedisAddr)
	}

	vaults, err := vault.Open(ctx, vault.StoreConfig{
		Kind:   cfg.Vault.Backend,
		Dir:    cfg.VaultDir(),
		DSN:    cfg.Vault.DSN,
		Locker: locker,
	}, vault.WithLogger(logger))
	if err != nil {
		_ = rt.Close()
		return nil, fmt.Errorf("open vault: %w", err)
	}
	rt.vaults = vaults
	rt.closers = append(rt.closers, vaults.Close)
	return rt, nil
}

// rawStore opens the artifact store retaining upstream payloads.
func (rt *runtime) rawStore(ctx context.Context) (artifacts.Store, error) {
	s, err := artifacts.NewStore(ctx, rt.cfg.ArtifactStore())
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	return s, nil
}

// Close releases everything opened, last opened first.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}
