package main

import (
	"fmt"
	"os"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fiskalni/fiskalni/internal/db"
	"github.com/fiskalni/fiskalni/internal/schema"
	"github.com/fiskalni/fiskalni/internal/ui"
)

// statusReport is what the status command prints.
type statusReport struct {
	Database   string     `json:"database" yaml:"database"`
	Remote     string     `json:"remote" yaml:"remote"`
	UserID     string     `json:"user_id" yaml:"user_id"`
	LastPullAt *time.Time `json:"last_pull_at,omitempty" yaml:"last_pull_at,omitempty"`
	LastBootAt *time.Time `json:"last_boot_at,omitempty" yaml:"last_boot_at,omitempty"`
	Stats      db.Stats   `json:"stats" yaml:"stats"`
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local store and sync status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		output, _ := cmd.Flags().GetString("output")
		ctx := cmd.Context()

		local, err := openLocal(ctx, cfg)
		if err != nil {
			return err
		}
		defer local.Close()

		report := statusReport{
			Database: cfg.DBPath(),
			Remote:   cfg.Remote.Dialect,
			UserID:   newIdentity(cfg).CurrentUserID(),
		}
		if report.Stats, err = db.GetStats(ctx, local); err != nil {
			return err
		}
		if report.LastPullAt, err = stateTime(cmd, local, db.StateLastPullAt); err != nil {
			return err
		}
		if report.LastBootAt, err = stateTime(cmd, local, db.StateLastBootAt); err != nil {
			return err
		}

		switch output {
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(report)
		case "text", "":
			printStatus(report)
			return nil
		default:
			return fmt.Errorf("unknown output format %q (want text, json or yaml)", output)
		}
	},
}

func stateTime(cmd *cobra.Command, local *db.DB, key string) (*time.Time, error) {
	t, err := db.GetStateTime(cmd.Context(), local, key)
	if err != nil || t.IsZero() {
		return nil, err
	}
	return &t, nil
}

func printStatus(r statusReport) {
	fmt.Printf("\n%s Sync Status\n\n", ui.RenderAccent("📊"))
	fmt.Println(ui.KeyValue("Database:", r.Database))
	fmt.Println(ui.KeyValue("Remote:", r.Remote))
	if r.UserID == "" {
		fmt.Println(ui.KeyValue("User:", ui.RenderWarn("not signed in")))
	} else {
		fmt.Println(ui.KeyValue("User:", r.UserID))
	}
	fmt.Println(ui.KeyValue("Last pull:", formatWhen(r.LastPullAt)))
	fmt.Println(ui.KeyValue("Last boot:", formatWhen(r.LastBootAt)))
	fmt.Println()

	for _, kind := range schema.EntityTypes {
		counts := r.Stats.ByKind[kind]
		line := fmt.Sprintf("%d", r.Stats.Total(kind))
		for _, status := range []schema.SyncStatus{schema.StatusSynced, schema.StatusPending, schema.StatusLocal, schema.StatusError} {
			if n := counts[status]; n > 0 {
				line += fmt.Sprintf("  %s %d", ui.RenderStatus(string(status)), n)
			}
		}
		fmt.Println(ui.KeyValue(string(kind)+":", line))
	}

	queued := fmt.Sprintf("%d", r.Stats.Queued)
	if r.Stats.Queued > 0 {
		queued = ui.RenderWarn(queued)
	}
	fmt.Println(ui.KeyValue("Queued:", queued))
	fmt.Println()
}

func formatWhen(t *time.Time) string {
	if t == nil {
		return ui.RenderMuted("never")
	}
	return fmt.Sprintf("%s (%s ago)", t.Local().Format("2006-01-02 15:04:05"), time.Since(*t).Round(time.Second))
}

func init() {
	statusCmd.Flags().StringP("output", "o", "text", "output format: text, json or yaml")
	rootCmd.AddCommand(statusCmd)
}
