package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// rootCmd is the base command when mcdb-cli is called without a
// subcommand, in the style of the teacher's pkg/config "LoadServerConfig"
// flag/env precedence: command-line flags, then MCDB_-prefixed environment
// variables, then defaults.
var rootCmd = &cobra.Command{
	Use:   "mcdb-cli",
	Short: "command-line client for a memcachedb replication cluster",
	Long: `mcdb-cli talks to one or more memcachedb replication groups using the
same consistent-hash routing, master/slave failover and retry behavior as
the client library it wraps.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringSlice("endpoint", []string{"127.0.0.1:11211"},
		"repeatable host:port[:weight] of a server in the default group")
	rootCmd.PersistentFlags().String("namespace", "", "key namespace prefix")
	rootCmd.PersistentFlags().String("namespace-separator", ":", "separator between namespace and key")
	rootCmd.PersistentFlags().Int("timeout-millis", 0, "per-operation socket timeout in milliseconds (0 means none)")
	rootCmd.PersistentFlags().Bool("no-reply", false, "use the no-reply fast path for write commands")

	rootCmd.AddCommand(getCmd, setCmd, deleteCmd, incrCmd, decrCmd, statsCmd)
}

func initConfig() {
	_ = godotenv.Load()

	viper.SetEnvPrefix("mcdb")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	_ = viper.BindPFlags(rootCmd.PersistentFlags())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
