package cmd

import (
	"fmt"
	"os"

	"github.com/phoenixkv/phoenix/cmd/serve"
	"github.com/phoenixkv/phoenix/rpc/common"
	"github.com/spf13/cobra"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "phoenix",
		Short: "networked in-memory key-value store",
		Long: fmt.Sprintf(`phoenix (v%s)

A networked in-memory key-value store with named databases, per-key
expiry and snapshot persistence, speaking a compact binary protocol.`, common.Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of phoenix",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("phoenix v%s\n", common.Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
