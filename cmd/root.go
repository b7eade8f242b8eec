// cmd/root.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/sqlpaf/internal/config"
	"github.com/xkilldash9x/sqlpaf/internal/observability"
)

type contextKey string

const configKey contextKey = "config"

// viperKeyAnnotation ties a command flag to the configuration key it overrides.
const viperKeyAnnotation = "sqlpaf_viper_key"

// NewRootCommand builds a fresh command tree. Nothing is shared between two
// trees, so tests and repeated invocations do not leak flag state.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:     "sqlpaf",
		Short:   "sqlpaf learns to find and inject SQL into web forms.",
		Version: Version,
		// Errors are logged by Execute; usage is only useful for argument errors.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)

			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "sqlpaf"})
				return fmt.Errorf("failed to load or validate config: %w", err)
			}

			observability.InitializeLogger(cfg.Logger)
			observability.GetLogger().Debug("Starting sqlpaf", zap.String("version", Version), zap.String("command", cmd.Name()))

			cmd.SetContext(context.WithValue(cmd.Context(), configKey, cfg))
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "sqlpaf version %s\n" .Version}}`)

	rootCmd.AddCommand(newTrainCmd())
	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newDiscoverCmd())
	rootCmd.AddCommand(newProbeCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the command tree with ctx, which main wires to SIGINT/SIGTERM.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	defer observability.Sync()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		observability.GetLogger().Info("Command aborted.")
		return err
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return err
}

// initializeConfig layers the config file, SQLPAF_* environment variables and
// the executing command's annotated flags onto v, in increasing precedence.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SQLPAF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		keys := f.Annotations[viperKeyAnnotation]
		if len(keys) == 0 || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(keys[0], f)
	})
	return bindErr
}

// bindFlag makes flag override the configuration key when set.
func bindFlag(cmd *cobra.Command, flag, key string) {
	bindFlagSet(cmd.Flags(), flag, key)
}

// bindFlagSet is bindFlag for persistent flags, which subcommands inherit
// along with the annotation.
func bindFlagSet(fs *pflag.FlagSet, flag, key string) {
	if err := fs.SetAnnotation(flag, viperKeyAnnotation, []string{key}); err != nil {
		panic(fmt.Sprintf("binding unknown flag %q: %v", flag, err))
	}
}

// getConfig returns the configuration loaded by the root command.
func getConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return cfg, nil
}
