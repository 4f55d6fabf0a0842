package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jaysteelmind/dmm/internal/daemon"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the dmm version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("dmm " + daemon.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
