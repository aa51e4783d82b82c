package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fiskalni/fiskalni/internal/db"
	"github.com/fiskalni/fiskalni/internal/queue"
	"github.com/fiskalni/fiskalni/internal/schema"
	syncengine "github.com/fiskalni/fiskalni/internal/sync"
	"github.com/fiskalni/fiskalni/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Pull server changes, then upload queued local changes",
	Long: `Run one boot without subscriptions:
  1. Pull every entity kind and prune records deleted on the server
  2. Upload the outbound queue in order

A failed pull skips the upload, the same as a daemon boot.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		start := time.Now()
		if err := pull(ctx, a, ""); err != nil {
			return err
		}
		if err := push(ctx, a); err != nil {
			return err
		}
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var pullCmd = &cobra.Command{
	Use:     "pull",
	GroupID: "sync",
	Short:   "Pull server changes into the local store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()
		return pull(cmd.Context(), a, kind)
	},
}

var pushCmd = &cobra.Command{
	Use:     "push",
	GroupID: "sync",
	Short:   "Upload queued local changes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openApp(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer a.Close()
		return push(cmd.Context(), a)
	},
}

func pull(ctx context.Context, a *app, kind string) error {
	fmt.Printf("%s Pulling from %s...\n", ui.RenderAccent("↓"), a.cfg.Remote.Dialect)

	var results []syncengine.PullResult
	var err error
	if kind != "" {
		k := schema.EntityType(kind)
		if !k.IsValid() {
			return fmt.Errorf("unknown entity kind %q", kind)
		}
		var res syncengine.PullResult
		res, err = a.engine.SyncEntity(ctx, k)
		results = append(results, res)
	} else {
		results, err = a.engine.SyncFromRemote(ctx)
	}

	for _, r := range results {
		if r.Kind == "" {
			continue
		}
		fmt.Printf("   %-14s fetched %d, applied %d, unchanged %d, skipped %d, pruned %d\n",
			r.Kind, r.Fetched, r.Applied, r.Unchanged, r.Skipped, r.Pruned+r.Cascaded)
	}
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}
	if a.ids.CurrentUserID() == "" {
		fmt.Printf("%s Not signed in, nothing pulled\n", ui.RenderWarn("⚠"))
	}
	return nil
}

func push(ctx context.Context, a *app) error {
	if a.ids.CurrentUserID() == "" {
		n, err := db.QueueLength(ctx, a.local)
		if err != nil {
			return err
		}
		fmt.Printf("%s Not signed in, %d changes stay queued\n", ui.RenderWarn("⚠"), n)
		return nil
	}

	res, err := a.processor().Process(ctx)
	printPushResult(res, err)
	if err != nil {
		return fmt.Errorf("push failed: %w", err)
	}
	return nil
}

func printPushResult(res queue.Result, err error) {
	fmt.Printf("%s Uploaded %d changes, %d queued\n", ui.RenderAccent("↑"), res.Pushed, res.Remaining)
	if res.Failed != nil {
		fmt.Printf("   %s %s %s %d (attempt %d): %s\n", ui.RenderFail("✗"),
			res.Failed.Operation, res.Failed.EntityType, res.Failed.EntityID, res.Failed.Attempts+1, err)
	}
}

func init() {
	pullCmd.Flags().String("kind", "", "pull one entity kind only (receipt, device, householdBill)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(pushCmd)
}
