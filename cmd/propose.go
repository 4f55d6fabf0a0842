package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jaysteelmind/dmm/internal/daemon"
)

var (
	proposeType     string
	proposePath     string
	proposeReason   string
	proposeFile     string
	proposeMemoryID string
	proposeScope    string
)

var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Submit a write proposal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := newClient(cfg)
		if err != nil {
			return err
		}

		req := daemon.ProposeRequest{
			Type:       proposeType,
			Path:       proposePath,
			Reason:     proposeReason,
			MemoryID:   proposeMemoryID,
			NewScope:   proposeScope,
			ProposedBy: "cli",
		}
		if proposeFile != "" {
			raw, err := os.ReadFile(proposeFile)
			if err != nil {
				return fmt.Errorf("reading content file: %w", err)
			}
			req.Content = string(raw)
		}

		var resp daemon.ProposeResponse
		if err := c.post("/write/propose", req, &resp); err != nil {
			return err
		}
		printJSON(resp)
		if !resp.Success {
			return fmt.Errorf("proposal rejected at precheck")
		}
		return nil
	},
}

func init() {
	proposeCmd.Flags().StringVar(&proposeType, "type", "create", "proposal type: create, update, deprecate, promote")
	proposeCmd.Flags().StringVar(&proposePath, "target", "", "target path relative to the memory root")
	proposeCmd.Flags().StringVar(&proposeReason, "reason", "", "reason for the proposal")
	proposeCmd.Flags().StringVar(&proposeFile, "content", "", "file holding the memory content")
	proposeCmd.Flags().StringVar(&proposeMemoryID, "memory-id", "", "memory ID for update/deprecate/promote")
	proposeCmd.Flags().StringVar(&proposeScope, "new-scope", "", "destination scope for promote")
	rootCmd.AddCommand(proposeCmd)
}
