// cmd/discover.go
package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sqlpaf/internal/dataset"
	"github.com/xkilldash9x/sqlpaf/internal/observability"
)

func newDiscoverCmd() *cobra.Command {
	var out scanOutputs

	discoverCmd := &cobra.Command{
		Use:   "discover <url> [-- gobuster flags...]",
		Short: "Brute forces content paths on a site and records them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Tools.Wordlist == "" {
				return errors.New("discover needs a wordlist (--wordlist or tools.wordlist)")
			}

			target := args[0]
			urls, runErr := newDiscoverer(cfg.Tools, logger).Discover(ctx, target, cfg.Tools.Wordlist, args[1:]...)
			if runErr != nil && len(urls) == 0 {
				return runErr
			}
			if runErr != nil {
				logger.Warn("Discovery ended early; keeping partial results.", zap.Error(runErr))
			}

			ds := dataset.NewManager()
			added := ds.AddURLs(urls)
			for _, u := range ds.URLs() {
				fmt.Fprintln(cmd.OutOrStdout(), u)
			}
			logger.Info("Discovery finished.", zap.String("target", target), zap.Int("urls", added))

			if out.csvPath != "" {
				if err := writeCSVFile(out.csvPath, ds); err != nil {
					return err
				}
			}
			if out.noStore {
				return ctx.Err()
			}
			c := &components{logger: logger}
			defer c.Shutdown()
			if err := c.openStore(context.WithoutCancel(ctx), cfg); err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			if _, err := ds.Flush(context.WithoutCancel(ctx), c.Store); err != nil {
				return err
			}
			return ctx.Err()
		},
	}

	discoverCmd.Flags().StringP("wordlist", "w", "", "Wordlist passed to gobuster")
	discoverCmd.Flags().StringVar(&out.csvPath, "csv", "", "Write the discovered URLs as CSV to this file")
	discoverCmd.Flags().BoolVar(&out.noStore, "no-store", false, "Do not persist discovered URLs")
	bindFlag(discoverCmd, "wordlist", "tools.wordlist")
	return discoverCmd
}
