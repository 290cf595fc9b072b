package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/companyinfo/distlock/cmd/util"
)

const (
	Version = "0.3.0"
)

// NewRootCmd builds the command tree on its own viper instance.
func NewRootCmd() *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "distlock",
		Short: "distributed lock",
		Long: fmt.Sprintf(`distlock (v%s)

Acquire a named distributed lock on Redis, ZooKeeper, etcd, PostgreSQL,
MongoDB, DynamoDB, Consul, Hazelcast or Aerospike and run work while
holding it.`, Version),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			util.InitConfig(v)
			return v.BindPFlags(cmd.Flags())
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of distlock",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "distlock v%s\n", Version)
		},
	}

	rootCmd.AddCommand(newRunCmd(v))
	rootCmd.AddCommand(newAcquireCmd(v))
	rootCmd.AddCommand(versionCmd)

	util.SetupBackendFlags(rootCmd)

	return rootCmd
}

// Execute runs the root command. This is called by main.main().
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}
