package cmd

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index and daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewGet("/status")
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
