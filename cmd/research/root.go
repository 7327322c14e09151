package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/deep-research/internal/app"
	"github.com/Kocoro-lab/deep-research/internal/config"
	"github.com/Kocoro-lab/deep-research/internal/db"
)

// cli carries state shared by subcommands.
type cli struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "research",
		Short:         "Iterative web research with LLM planning, review and reporting",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "path to research.yaml (default $CONFIG_PATH or ./config/research.yaml)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log to stderr")

	root.AddCommand(
		c.newRunCmd(),
		c.newHistoryCmd(),
		c.newCacheCmd(),
		c.newAuthCmd(),
	)
	return root
}

func (c *cli) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, nil, err
	}
	if !c.verbose {
		return cfg, zap.NewNop(), nil
	}
	logging := cfg.Logging
	logging.Format = "console"
	logger, _, err := app.NewLogger(logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openStore opens history storage for a subcommand. The returned func
// closes it.
func (c *cli) openStore(ctx context.Context) (*db.Store, func(), error) {
	cfg, logger, err := c.load()
	if err != nil {
		return nil, nil, err
	}
	store, wrapper, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, nil, errors.Join(errors.New("history storage unavailable"), err)
	}
	return store, func() { wrapper.Close() }, nil
}
