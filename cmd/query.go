package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jaysteelmind/dmm/internal/daemon"
)

var (
	queryBudget      int
	queryScope       string
	queryNoEphemeral bool
	queryDeprecated  bool
	queryVerbose     bool
	queryJSON        bool
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Retrieve a Memory Pack for a query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := newClient(cfg)
		if err != nil {
			return err
		}

		req := daemon.QueryRequest{
			Query:             args[0],
			Budget:            queryBudget,
			ScopeFilter:       queryScope,
			ExcludeEphemeral:  queryNoEphemeral,
			IncludeDeprecated: queryDeprecated,
			Verbose:           queryVerbose,
		}
		var resp daemon.QueryResponse
		if err := c.post("/query", req, &resp); err != nil {
			return err
		}

		if queryJSON {
			printJSON(resp)
			return nil
		}
		fmt.Println(resp.PackMarkdown)
		return nil
	},
}

func init() {
	queryCmd.Flags().IntVar(&queryBudget, "budget", 0, "token budget (0 = configured default)")
	queryCmd.Flags().StringVar(&queryScope, "scope", "", "restrict retrieval to one scope")
	queryCmd.Flags().BoolVar(&queryNoEphemeral, "no-ephemeral", false, "exclude ephemeral memories")
	queryCmd.Flags().BoolVar(&queryDeprecated, "include-deprecated", false, "include deprecated memories")
	queryCmd.Flags().BoolVar(&queryVerbose, "scores", false, "include relevance scores in the pack")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "print the full JSON response")
	rootCmd.AddCommand(queryCmd)
}
