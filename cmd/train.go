// cmd/train.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sqlpaf/internal/agent"
	"github.com/xkilldash9x/sqlpaf/internal/config"
	"github.com/xkilldash9x/sqlpaf/internal/env"
	"github.com/xkilldash9x/sqlpaf/internal/observability"
	"github.com/xkilldash9x/sqlpaf/internal/probe"
	"github.com/xkilldash9x/sqlpaf/internal/store"
	"github.com/xkilldash9x/sqlpaf/internal/training"
)

func newTrainCmd() *cobra.Command {
	var resume bool

	trainCmd := &cobra.Command{
		Use:   "train [targets...]",
		Short: "Trains the agent to reach and inject forms on the given sites",
		Long: `Runs episodes of exploration on each target in turn. Without targets the
configured training.targets, or environment.start_url, are used. Checkpoints
and episode metrics go to the configured store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}

			tc := training.FromConfig(cfg)
			if len(args) > 0 {
				tc.Targets = args
			}
			if len(tc.Targets) == 0 {
				return errors.New("no training targets: pass URLs or set training.targets")
			}

			c := &components{logger: logger}
			defer c.Shutdown()

			if err := c.loadOracle(ctx, cfg); err != nil {
				return err
			}
			if err := c.openStore(ctx, cfg); err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			ag, err := agent.New(agent.FromConfig(cfg.Agent), logger)
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			envCfg := env.FromConfig(cfg)
			if err := c.openBrowser(ctx, envCfg.BrowserConfig(cfg.Browser)); err != nil {
				return err
			}

			trainer, err := training.New(tc, ag, c.Store, environmentFactory(c, cfg, envCfg, logger), logger)
			if err != nil {
				return err
			}
			if resume {
				if _, err := trainer.Resume(ctx, tc.Targets[0]); err != nil {
					if !errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("failed to resume: %w", err)
					}
					logger.Info("No checkpoint to resume from; starting fresh.", zap.String("target", tc.Targets[0]))
				}
			}

			summary, err := trainer.Run(ctx)
			printSummary(cmd.OutOrStdout(), summary)
			return err
		},
	}

	trainCmd.Flags().Int("episodes", 10, "Episodes per target")
	trainCmd.Flags().Int("checkpoint-every", 5, "Save a checkpoint every N episodes")
	trainCmd.Flags().Int("max-steps", env.DefaultMaxSteps, "Step horizon of an episode")
	trainCmd.Flags().Bool("headless", true, "Run the browser without a visible window")
	trainCmd.Flags().BoolVar(&resume, "resume", false, "Start from the latest checkpoint of the first target")
	bindFlag(trainCmd, "episodes", "training.episodes")
	bindFlag(trainCmd, "checkpoint-every", "training.checkpoint_every")
	bindFlag(trainCmd, "max-steps", "environment.max_steps")
	bindFlag(trainCmd, "headless", "browser.headless")
	return trainCmd
}

// environmentFactory gives each target its own page, injector and environment.
func environmentFactory(c *components, cfg *config.Config, base env.Config, logger *zap.Logger) training.EnvFactory {
	return func(ctx context.Context, target string) (training.Environment, error) {
		injector, err := probe.NewInjector(c.Oracle, probe.Config{
			Blind:          cfg.Environment.ProbeBlind,
			BlindThreshold: cfg.Environment.BlindThreshold,
		}, logger)
		if err != nil {
			return nil, err
		}
		page, err := c.Pages.NewPage(ctx)
		if err != nil {
			return nil, err
		}
		ec := base
		ec.StartURL = target
		e, err := env.New(page, injector, ec, logger)
		if err != nil {
			_ = page.Close(context.WithoutCancel(ctx))
			return nil, err
		}
		return e, nil
	}
}

func printSummary(w io.Writer, s training.Summary) {
	fmt.Fprintf(w, "Run %s: %d episodes, %d with a confirmed injection\n", s.RunID, len(s.Episodes), s.InjectionsFound())
	if len(s.Episodes) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tEPISODE\tSTEPS\tREWARD\tEPSILON\tINJECTION")
	for _, ep := range s.Episodes {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f\t%.3f\t%t\n", ep.Target, ep.Episode, ep.Steps, ep.TotalReward, ep.Epsilon, ep.InjectionFound)
	}
	_ = tw.Flush()
}
