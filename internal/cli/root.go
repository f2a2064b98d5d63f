package cli

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pgasync",
	Short: "pgasync - pipelined statement runner over one database connection",
	Long: `pgasync submits statements to a single database connection without waiting
for earlier ones to finish. Work is queued behind the connect exchange and runs
strictly in submission order, one statement at a time.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.pgasync/pgasync.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing, with every flag set on an
// earlier execution put back to its default.
func GetRootCmd() *cobra.Command {
	resetFlags(rootCmd)
	return rootCmd
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, child := range cmd.Commands() {
		resetFlags(child)
	}
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
