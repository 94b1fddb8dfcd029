package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "chatrelayd",
	Short: "chatrelayd - multi-instance chat fan-out daemon",
	Long: `chatrelayd serves persistent websocket chat connections while presenting
a single logical room across many instances.

Each instance fans events out to its local connections and replicates them to
peers over Redis Pub/Sub, with retention-bounded history kept in Redis sorted
sets for replay on (re)connect.`,
	Version:       version,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}
