package cmd

import (
	"github.com/spf13/cobra"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review queued proposals",
}

var reviewQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show the review queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewGet("/review/queue")
	},
}

var reviewProcessCmd = &cobra.Command{
	Use:   "process <proposal-id>",
	Short: "Run the reviewer on a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewPost("/review/process/"+args[0], nil)
	},
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve <proposal-id>",
	Short: "Manually approve and commit a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewPost("/review/approve/"+args[0], map[string]string{"reason": reviewReason})
	},
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject <proposal-id>",
	Short: "Manually reject a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewPost("/review/reject/"+args[0], map[string]string{"reason": reviewReason})
	},
}

var reviewHistoryCmd = &cobra.Command{
	Use:   "history <proposal-id>",
	Short: "Show the audit history of a proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewGet("/review/history/" + args[0])
	},
}

var reviewReason string

func reviewGet(path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := newClient(cfg)
	if err != nil {
		return err
	}
	var resp map[string]any
	if err := c.get(path, &resp); err != nil {
		return err
	}
	printJSON(resp)
	return nil
}

func reviewPost(path string, body any) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := newClient(cfg)
	if err != nil {
		return err
	}
	var resp map[string]any
	if err := c.post(path, body, &resp); err != nil {
		return err
	}
	printJSON(resp)
	return nil
}

func init() {
	reviewApproveCmd.Flags().StringVar(&reviewReason, "reason", "", "approval/rejection reason")
	reviewRejectCmd.Flags().StringVar(&reviewReason, "reason", "", "approval/rejection reason")
	reviewCmd.AddCommand(reviewQueueCmd, reviewProcessCmd, reviewApproveCmd, reviewRejectCmd, reviewHistoryCmd)
	rootCmd.AddCommand(reviewCmd)
}
