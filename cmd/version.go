// cmd/version.go
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is the application version.
// Set at build time: go build -ldflags "-X github.com/xkilldash9x/sqlpaf/cmd.Version=1.0.0"
var Version = "1.0"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints the sqlpaf version",
		Args:  cobra.NoArgs,
		// The version needs no configuration.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("sqlpaf version %s\n", Version)
		},
	}
}
