package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/IvanBrykalov/prefcache/internal/config"
	"github.com/IvanBrykalov/prefcache/internal/logutil"
	"github.com/IvanBrykalov/prefcache/prefs"
	"github.com/IvanBrykalov/prefcache/store"
)

// Version is the prefctl release.
const Version = "0.3.0"

var plog = logger.GetLogger("prefctl")

// app is the state shared by one invocation's commands.
type app struct {
	v   *viper.Viper
	cfg config.Config

	st      store.Store
	closeSt func() error
	m       *prefs.Manager
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "prefctl",
		Short: "inspect and edit a preference store",
		Long: fmt.Sprintf(`prefctl (v%s)

Reads and writes typed preferences in a memory, file, badger or redis
store through the same cache and batch layer applications use.`, Version),
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	f := root.PersistentFlags()
	f.String("config", "", "YAML configuration file")
	f.String("backend", "", "store backend: memory, file, badger, redis")
	f.String("path", "", "file path (file) or directory (badger)")
	f.String("redis-addr", "", "redis address host:port")
	f.String("namespace", "", "redis namespace or badger key prefix")
	f.String("log-level", "", "debug, info, warn or error")
	f.Int("cache-size", 0, "cache capacity in keys")
	f.Int("segments", 0, "cache segments (0 = auto)")
	f.String("policy", "", "eviction policy: lrfu, lru, 2q")

	root.AddCommand(
		a.getCmd(),
		a.setCmd(),
		a.deleteCmd(),
		a.listCmd(),
		a.exportCmd(),
		a.importCmd(),
		a.watchCmd(),
		a.statsCmd(),
		a.benchCmd(),
		versionCmd(),
	)

	// Post-run hooks are skipped when RunE fails, so each command releases
	// the store itself.
	for _, c := range root.Commands() {
		if run := c.RunE; run != nil {
			c.RunE = func(cmd *cobra.Command, args []string) error {
				return errors.Join(run(cmd, args), a.teardown())
			}
		}
	}
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the prefctl version",
		// no store needed
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "prefctl v%s\n", Version)
		},
	}
}

// setup resolves the configuration (file, then env, then flags) and opens
// the store and manager.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	a.v.SetEnvPrefix("prefctl")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cfg := config.Default()
	if path := a.v.GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return err
		}
	}
	a.overlay(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	if err := logutil.Init(cfg.LogLevel, cmd.ErrOrStderr()); err != nil {
		return err
	}

	st, closeSt, err := cfg.OpenStore()
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	m, err := prefs.NewManager(st, cfg.ManagerOptions(nil))
	if err != nil {
		_ = closeSt()
		return err
	}
	a.st, a.closeSt, a.m = st, closeSt, m
	plog.Debugf("using %s store", cfg.Store.Backend)
	return nil
}

// overlay applies env and flag values that were set explicitly.
func (a *app) overlay(cfg *config.Config) {
	str := func(key string, dst *string) {
		if a.v.IsSet(key) && a.v.GetString(key) != "" {
			*dst = a.v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if a.v.IsSet(key) && a.v.GetInt(key) != 0 {
			*dst = a.v.GetInt(key)
		}
	}
	str("backend", &cfg.Store.Backend)
	str("path", &cfg.Store.Path)
	str("redis-addr", &cfg.Store.RedisAddr)
	str("namespace", &cfg.Store.Namespace)
	str("log-level", &cfg.LogLevel)
	str("policy", &cfg.Cache.Policy)
	num("cache-size", &cfg.Cache.Size)
	num("segments", &cfg.Cache.Segments)
}

// teardown closes the manager and store opened by setup. It is idempotent.
func (a *app) teardown() error {
	var errs []error
	if a.m != nil {
		errs = append(errs, a.m.Close())
	}
	if a.closeSt != nil {
		errs = append(errs, a.closeSt())
	}
	a.m, a.st, a.closeSt = nil, nil, nil
	return errors.Join(errs...)
}
