// cmd/probe.go
package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sqlpaf/internal/observability"
	"github.com/xkilldash9x/sqlpaf/internal/tools"
)

func newProbeCmd() *cobra.Command {
	probeCmd := &cobra.Command{
		Use:   "probe <urls...>",
		Short: "Confirms injection points with sqlmap, several URLs at a time",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}

			results := tools.RunMany(ctx, newProber(cfg.Tools, logger), args, cfg.Tools.Workers)

			urls := make([]string, 0, len(results))
			for u := range results {
				urls = append(urls, u)
			}
			sort.Strings(urls)

			var injectable, failed int
			for _, u := range urls {
				o := results[u]
				switch {
				case o.Injectable:
					injectable++
					fmt.Fprintf(cmd.OutOrStdout(), "INJECTABLE  %s\n", u)
				case o.Err != nil:
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "ERROR       %s: %v\n", u, o.Err)
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "clean       %s\n", u)
				}
			}
			logger.Info("Probing finished.",
				zap.Int("urls", len(urls)),
				zap.Int("injectable", injectable),
				zap.Int("failed", failed))
			return ctx.Err()
		},
	}

	probeCmd.Flags().Int("workers", 5, "URLs probed in parallel")
	bindFlag(probeCmd, "workers", "tools.workers")
	return probeCmd
}
