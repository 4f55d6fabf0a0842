package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jaysteelmind/dmm/internal/config"
)

// Exit codes for embedding in scripts.
const (
	exitOK               = 0
	exitFailure          = 1
	exitConfigInvalid    = 2
	exitDaemonNotRunning = 3
)

var (
	basePath string
	verbose  bool

	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "dmm",
	Short: "Dynamic Markdown Memory daemon and client",
	Long: `dmm stores markdown memory files with structured headers, keeps a
semantic index over them, and assembles token-budgeted Memory Packs on
demand. Writes go through a proposal, review, and commit pipeline.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	exitCode = exitOK
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if exitCode == exitOK {
			exitCode = exitFailure
		}
	}
	return exitCode
}

func init() {
	rootCmd.PersistentFlags().StringVar(&basePath, "path", ".", "project root containing the .dmm directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig loads the daemon config, mapping failures to the config exit
// code.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(dmmRoot())
	if err != nil {
		exitCode = exitConfigInvalid
		return nil, err
	}
	return cfg, nil
}

func dmmRoot() string {
	return basePath + "/.dmm"
}
