// Command signond is the SSO daemon: it owns the credentials store, spawns
// plugin subordinates on demand, runs one session-core actor per
// (identity, method) pair, and exposes all of it over D-Bus.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"

	"github.com/signond/signond/pkg/busadaptor"
	"github.com/signond/signond/pkg/config"
	"github.com/signond/signond/pkg/credentialsdb"
	"github.com/signond/signond/pkg/logger"
	"github.com/signond/signond/pkg/pluginhost"
	"github.com/signond/signond/pkg/secrets"
	"github.com/signond/signond/pkg/session"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "signond",
		Short: "local multi-client single sign-on daemon",
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to signond.toml (defaults to XDG config search)")

	initConfig := &cobra.Command{
		Use:   "init-config [path]",
		Short: "write a starter signond.toml with built-in defaults",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			path := filepath.Join(xdg.ConfigHome, "signond", "signond.toml")
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.Load(filepath.Join(os.TempDir(), "signond-init-config-does-not-exist.toml"))
			if err != nil {
				return fmt.Errorf("signond: resolve defaults: %w", err)
			}
			if err := config.Save(path, cfg); err != nil {
				return fmt.Errorf("signond: write config: %w", err)
			}
			fmt.Fprintf(os.Stdout, "wrote %s\n", path)
			return nil
		},
	}
	root.AddCommand(initConfig)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("signond: load config: %w", err)
	}

	if err := logger.Init(logger.Options{Output: cfg.General.LoggingOutput, Level: cfg.General.LoggingLevel, Tag: "signond"}); err != nil {
		return fmt.Errorf("signond: init logger: %w", err)
	}

	storeOpts := []credentialsdb.Option{}
	if cfg.General.UseSecureStorage || len(cfg.SecureStorage) > 0 {
		storeOpts = append(storeOpts, credentialsdb.WithSecretsProvider(secrets.NewKeyringProvider(cfg.SecureStorage["service"])))
	}
	store, err := credentialsdb.Open(cfg.General.StoragePath, storeOpts...)
	if err != nil {
		return fmt.Errorf("signond: open credentials store: %w", err)
	}
	defer store.Close()

	host := pluginhost.NewHost(
		pluginhost.DefaultResolver(cfg.General.PluginsDir),
		pluginhost.WithLister(pluginhost.DefaultLister(cfg.General.PluginsDir)),
	)

	maxIdle := cfg.ObjectTimeouts.IdentityTimeout
	if cfg.ObjectTimeouts.AuthSessionTimeout > maxIdle {
		maxIdle = cfg.ObjectTimeouts.AuthSessionTimeout
	}
	if maxIdle <= 0 {
		maxIdle = 5 * time.Minute
	}
	registry := session.NewRegistry(host, store, nil, maxIdle)

	adaptor, err := busadaptor.New(store, registry)
	if err != nil {
		return fmt.Errorf("signond: start bus adaptor: %w", err)
	}
	defer adaptor.Close()

	watchdog := time.NewTicker(maxIdle / 2)
	defer watchdog.Stop()
	stopWatchdog := make(chan struct{})
	go func() {
		for {
			select {
			case <-watchdog.C:
				registry.Tick()
			case <-stopWatchdog:
				return
			}
		}
	}()
	defer close(stopWatchdog)

	logger.Log.Infof("signond listening, storage=%s plugins=%s", cfg.General.StoragePath, cfg.General.PluginsDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Log.Info("signond shutting down")
	return nil
}
