package cmd

import (
	"context"
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/jaysteelmind/dmm/internal/config"
	"github.com/jaysteelmind/dmm/internal/daemon"
)

var (
	reindexFull  bool
	reindexLocal bool
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Reindex memory files",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if reindexLocal {
			return reindexLocally(cfg)
		}

		c, err := newClient(cfg)
		if err != nil {
			return err
		}
		var resp map[string]any
		if err := c.post("/reindex", map[string]bool{"full": reindexFull}, &resp); err != nil {
			return err
		}
		printJSON(resp)
		return nil
	},
}

// reindexLocally runs a full reindex in-process, without a daemon. Useful
// for first-time indexing and offline maintenance.
func reindexLocally(cfg *config.Config) error {
	server, err := daemon.New(cfg, basePath, selectProvider(cfg))
	if err != nil {
		return err
	}

	ix := server.Indexer()
	var bar *progressbar.ProgressBar
	ix.OnProgress = func(done, total int) {
		if bar == nil {
			bar = progressbar.Default(int64(total), "indexing")
		}
		bar.Set(done)
	}

	result, err := ix.ReindexAll(context.Background())
	if err != nil {
		return err
	}
	if bar != nil {
		bar.Finish()
	}

	fmt.Printf("indexed %d, %d error(s), %.0f ms\n", result.Indexed, len(result.Errors), result.DurationMS)
	for _, fe := range result.Errors {
		fmt.Printf("  %s: %s\n", fe.Path, fe.Error)
	}
	return nil
}

func init() {
	reindexCmd.Flags().BoolVar(&reindexFull, "full", true, "full reindex instead of incremental")
	reindexCmd.Flags().BoolVar(&reindexLocal, "local", false, "reindex in-process without a daemon")
	rootCmd.AddCommand(reindexCmd)
}
