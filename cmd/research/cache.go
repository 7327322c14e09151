package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/deep-research/internal/app"
)

func (c *cli) newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the search cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Drop every cached search result",
		Long: `Drop every cached search result. Only the shared Redis backend outlives
a process, so this is a no-op for the local backend.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := c.load()
			if err != nil {
				return err
			}
			cache, rw, err := app.NewSearchCache(cfg, logger)
			if err != nil {
				return err
			}
			if rw == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "local cache backend: nothing to clear")
				return nil
			}
			defer rw.Close()
			if err := cache.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "search cache cleared")
			return nil
		},
	})
	return cmd
}
