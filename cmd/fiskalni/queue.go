package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fiskalni/fiskalni/internal/db"
	"github.com/fiskalni/fiskalni/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "data",
	Short:   "List queued local changes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		ctx := cmd.Context()

		local, err := openLocal(ctx, cfg)
		if err != nil {
			return err
		}
		defer local.Close()

		entries, err := db.PendingQueue(ctx, local, limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Printf("%s Queue is empty\n", ui.RenderPass("✓"))
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tOP\tKIND\tRECORD\tATTEMPTS\tQUEUED\tLAST ERROR")
		for _, e := range entries {
			lastErr := e.LastError
			if lastErr != "" {
				lastErr = ui.RenderFail(lastErr)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
				e.ID, e.Operation, e.EntityType, e.EntityID, e.Attempts, e.CreatedAt.Local().Format(time.DateTime), lastErr)
		}
		return w.Flush()
	},
}

func init() {
	queueCmd.Flags().Int("limit", 100, "maximum number of entries to list")
	rootCmd.AddCommand(queueCmd)
}
