package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dLease/cmd/lock"
	"github.com/ValentinKolb/dLease/cmd/util"
	"github.com/ValentinKolb/dLease/lib/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	Version = "0.3.0"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dlease",
		Short: "distributed lease manager",
		Long: fmt.Sprintf(`dLease (v%s)

Time bounded, renewable locks (leases) for processes that share nothing
but a storage backend: SQL databases, LDAP directories, document stores,
key-value stores, cloud databases or a built-in RAFT shard.`, Version),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := viper.BindPFlag("log-level", cmd.Root().PersistentFlags().Lookup("log-level")); err != nil {
				return err
			}
			return logging.InitLoggers(viper.GetString("log-level"))
		},
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dLease",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dLease v%s\n", Version)
		},
	}
)

func init() {
	// run the log setup of the root before the PersistentPreRunE of the subcommands
	cobra.EnableTraverseRunHooks = true

	// Add Commands
	RootCmd.AddCommand(lock.LockCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "warn", util.WrapString("The level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
