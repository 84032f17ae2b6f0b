package coremain

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/swcache/mlog"
)

type adminFlags struct {
	c   string
	dir string
}

func (f *adminFlags) bind(c *cobra.Command) {
	c.Flags().StringVarP(&f.c, "config", "c", "", "config file")
	c.Flags().StringVarP(&f.dir, "dir", "d", "", "working dir")
}

func (f *adminFlags) load() (*Config, error) {
	if err := chdir(f.dir); err != nil {
		return nil, err
	}
	return readConfig(f.c)
}

// withCore loads the config and runs fn with a core built from it.
func (f *adminFlags) withCore(fn func(ctx context.Context, cfg *Config, c *core, lg *zap.Logger) error) error {
	cfg, err := f.load()
	if err != nil {
		return err
	}
	lg, err := mlog.NewLogger(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	c, err := newCore(cfg, lg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return fn(ctx, cfg, c, lg)
}

func newInstallCmd() *cobra.Command {
	af := new(adminFlags)
	c := &cobra.Command{
		Use:   "install [-c config_file] [-d working_dir]",
		Short: "Pre-cache the configured urls into the cache backend and exit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return af.withCore(func(ctx context.Context, cfg *Config, c *core, lg *zap.Logger) error {
				if cfg.Cache.Backend.Type == "" || cfg.Cache.Backend.Type == "memory" {
					lg.Warn("memory backend is discarded on exit")
				}
				w, err := c.newWorker(cfg, lg, nil)
				if err != nil {
					return fmt.Errorf("failed to init worker, %w", err)
				}
				return w.Install(ctx)
			})
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	af.bind(c)
	return c
}

func newCacheCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the cache backend.",
	}
	c.AddCommand(newCacheListCmd(), newCacheKeysCmd())
	return c
}

func newCacheListCmd() *cobra.Command {
	af := new(adminFlags)
	c := &cobra.Command{
		Use:   "list [-c config_file]",
		Short: "List cache names.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return af.withCore(func(ctx context.Context, _ *Config, c *core, _ *zap.Logger) error {
				return listCaches(ctx, cmd.OutOrStdout(), c)
			})
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	af.bind(c)
	return c
}

func newCacheKeysCmd() *cobra.Command {
	af := new(adminFlags)
	c := &cobra.Command{
		Use:   "keys <name> [-c config_file]",
		Short: "List the entries of a cache.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return af.withCore(func(ctx context.Context, _ *Config, c *core, _ *zap.Logger) error {
				return listKeys(ctx, cmd.OutOrStdout(), c, args[0])
			})
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	af.bind(c)
	return c
}

func listCaches(ctx context.Context, out io.Writer, c *core) error {
	names, err := c.storage.Names(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(out, n)
	}
	return nil
}

func listKeys(ctx context.Context, out io.Writer, c *core, name string) error {
	ok, err := c.storage.Has(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cache %s does not exist", name)
	}
	cache, err := c.storage.Open(ctx, name)
	if err != nil {
		return err
	}
	keys, err := cache.Keys(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, k := range keys {
		r, ok, err := cache.Match(ctx, k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", k, r.Status, humanize.IBytes(uint64(len(r.Body))))
	}
	return tw.Flush()
}

func newConfigCmd() *cobra.Command {
	af := new(adminFlags)
	c := &cobra.Command{
		Use:   "config [-c config_file]",
		Short: "Print the effective config.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := af.load()
			if err != nil {
				return err
			}
			return dumpConfig(cmd.OutOrStdout(), cfg)
		},
		DisableFlagsInUseLine: true,
		SilenceUsage:          true,
	}
	af.bind(c)
	return c
}

func dumpConfig(out io.Writer, cfg *Config) error {
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config, %w", err)
	}
	return enc.Close()
}
