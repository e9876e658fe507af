// ABOUTME: The cache command group for inspecting and clearing cached source data.
// ABOUTME: Operates on the cache root from config, one subdirectory per source.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jfeddern/RiskRelay/internal/config"
)

func newCacheCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the on-disk cache of source data",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove all cached source data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			manager := a.cacheManager()
			if err := manager.Clear(); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "Cleared cache at %s\n", manager.Dir())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show the cache location and per-source entry counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			manager := a.cacheManager()
			fmt.Fprintf(a.stdout, "Cache dir: %s\nTTL: %s\n", manager.Dir(), manager.TTL())

			for _, name := range config.SourceNames() {
				bucket := manager.Bucket(name)
				exists, err := afero.Exists(a.fs, bucket.Path())
				if err != nil && !os.IsNotExist(err) {
					return err
				}
				if !exists {
					fmt.Fprintf(a.stdout, "  %-10s empty\n", name)
					continue
				}
				fmt.Fprintf(a.stdout, "  %-10s %d entries (%s)\n", name, bucket.Len(), filepath.Base(bucket.Path()))
			}
			return nil
		},
	})

	return cmd
}
