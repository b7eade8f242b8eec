// cmd/scan.go
package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sqlpaf/internal/config"
	"github.com/xkilldash9x/sqlpaf/internal/dataset"
	"github.com/xkilldash9x/sqlpaf/internal/network"
	"github.com/xkilldash9x/sqlpaf/internal/observability"
	"github.com/xkilldash9x/sqlpaf/internal/scanner"
)

// scanOutputs are the per-invocation output options shared by the scan subcommands.
type scanOutputs struct {
	csvPath string
	noStore bool
}

// newScanCmd creates the `scan` command group.
func newScanCmd() *cobra.Command {
	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Probes web forms for SQL injection without the learning agent",
	}

	var out scanOutputs
	scanCmd.PersistentFlags().String("mode", "http", "Scan mode: http or browser")
	scanCmd.PersistentFlags().Int("concurrency", 5, "Pages scanned in parallel")
	scanCmd.PersistentFlags().Float64("rate-limit", 10, "Requests per second across workers (0 disables)")
	scanCmd.PersistentFlags().StringVar(&out.csvPath, "csv", "", "Write the discovered URLs as CSV to this file")
	scanCmd.PersistentFlags().BoolVar(&out.noStore, "no-store", false, "Do not persist discovered URLs")

	bindFlagSet(scanCmd.PersistentFlags(), "mode", "scanner.mode")
	bindFlagSet(scanCmd.PersistentFlags(), "concurrency", "scanner.concurrency")
	bindFlagSet(scanCmd.PersistentFlags(), "rate-limit", "scanner.rate_limit")

	scanCmd.AddCommand(newScanBasicCmd(&out))
	scanCmd.AddCommand(newScanListCmd(&out))
	return scanCmd
}

func newScanBasicCmd(out *scanOutputs) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "basic <url>",
		Short: "Scans every form on a single page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, out, func(ctx context.Context, s *scanner.Scanner) (scanner.Score, error) {
				return s.ScanURL(ctx, args[0])
			})
		},
	}
	return cmd
}

func newScanListCmd(out *scanOutputs) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <domain>",
		Short: "Scans the form pages found under domain for every wordlist path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Tools.Wordlist == "" {
				return errors.New("scan list needs a wordlist (--wordlist or tools.wordlist)")
			}
			paths, err := readWordlist(cfg.Tools.Wordlist)
			if err != nil {
				return err
			}
			return runScan(cmd, out, func(ctx context.Context, s *scanner.Scanner) (scanner.Score, error) {
				return s.ScanList(ctx, args[0], paths)
			})
		},
	}
	cmd.Flags().StringP("wordlist", "w", "", "File with one path per line")
	bindFlag(cmd, "wordlist", "tools.wordlist")
	return cmd
}

// runScan wires a scanner from configuration, runs scan and reports the score
// and dataset.
func runScan(cmd *cobra.Command, out *scanOutputs, scan func(context.Context, *scanner.Scanner) (scanner.Score, error)) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()
	cfg, err := getConfig(cmd)
	if err != nil {
		return err
	}

	c := &components{logger: logger}
	defer c.Shutdown()
	if err := c.loadOracle(ctx, cfg); err != nil {
		return err
	}

	ds := dataset.NewManager()
	opts := []scanner.Option{scanner.WithDataset(ds)}
	scfg := scanner.FromConfig(cfg.Scanner)
	if scfg.Mode == scanner.ModeBrowser {
		if err := c.openBrowser(ctx, cfg.Browser); err != nil {
			return err
		}
		opts = append(opts, scanner.WithPageOpener(c.Pages.NewPage))
	}

	s, err := scanner.New(c.Oracle, network.NewClient(newScanClient(cfg, logger)), scfg, logger, opts...)
	if err != nil {
		return err
	}

	score, scanErr := scan(ctx, s)
	if err := writeScore(cmd.OutOrStdout(), score); err != nil {
		return err
	}
	logger.Info("Scan finished.",
		zap.Int("forms_detected", score.FormsDetected),
		zap.Int("injection_success", score.InjectionSuccess),
		zap.Int("urls", len(ds.URLs())),
		zap.Int("form_urls", len(ds.FormURLs())))

	if out.csvPath != "" {
		if err := writeCSVFile(out.csvPath, ds); err != nil {
			return errors.Join(scanErr, err)
		}
	}
	if !out.noStore {
		if err := c.openStore(context.WithoutCancel(ctx), cfg); err != nil {
			return errors.Join(scanErr, fmt.Errorf("failed to open store: %w", err))
		}
		n, err := ds.Flush(context.WithoutCancel(ctx), c.Store)
		if err != nil {
			return errors.Join(scanErr, err)
		}
		logger.Debug("Dataset saved.", zap.Int("new_urls", n))
	}
	return scanErr
}

func newScanClient(cfg *config.Config, logger *zap.Logger) *network.ClientConfig {
	cc := network.NewDefaultClientConfig()
	if cfg.Scanner.RequestTimeout > 0 {
		cc.RequestTimeout = cfg.Scanner.RequestTimeout
	}
	cc.IgnoreTLSErrors = cfg.Scanner.Insecure
	cc.Logger = logger
	return cc
}

func writeScore(w io.Writer, score scanner.Score) error {
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(score)
}

func writeCSVFile(path string, ds *dataset.Manager) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create csv file: %w", err)
	}
	if err := ds.WriteCSV(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// readWordlist returns the non-empty, non-comment lines of path.
func readWordlist(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open wordlist: %w", err)
	}
	defer f.Close()

	var paths []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read wordlist: %w", err)
	}
	return paths, nil
}
