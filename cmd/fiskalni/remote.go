package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fiskalni/fiskalni/internal/loadtest"
	"github.com/fiskalni/fiskalni/internal/ui"
)

var remoteCmd = &cobra.Command{
	Use:     "remote",
	GroupID: "setup",
	Short:   "Manage the server store",
}

var remoteMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the server tables",
	Long: `Apply the schema migrations of the configured dialect to the server
store. On Postgres this also adds the tables to the Supabase realtime
publication when it exists.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openRemote(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("%s %s schema is up to date\n", ui.RenderPass("✓"), store.Dialect())
		return nil
	},
}

var remoteBenchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Seed a test account and time bulk pulls",
	Long: `Generate a synthetic account, upsert it to the server store for --user
and time repeated bulk pulls into a scratch local store.

Use a throwaway server database: the generated rows overwrite any existing
rows with the same ids.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		userID, _ := cmd.Flags().GetString("user")
		receipts, _ := cmd.Flags().GetInt("receipts")
		bills, _ := cmd.Flags().GetInt("bills")
		rounds, _ := cmd.Flags().GetInt("rounds")
		workers, _ := cmd.Flags().GetInt("workers")
		ctx := cmd.Context()

		scratch, err := os.MkdirTemp("", "fiskalni-bench-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(scratch)

		benchCfg := *cfg
		benchCfg.DataDir = scratch
		benchCfg.Auth.UserID = userID
		cfg = &benchCfg

		a, err := openApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		sizes := loadtest.DefaultSizes()
		sizes.Receipts = receipts
		sizes.Bills = bills
		recs := loadtest.Generate(sizes, time.Now().UTC())

		fmt.Printf("%s Seeding %d records...\n", ui.RenderAccent("⏳"), len(recs))
		start := time.Now()
		if err := loadtest.Seed(ctx, a.store, a.engine.Mapper(), userID, recs, workers); err != nil {
			return err
		}
		fmt.Printf("   seeded in %v\n", time.Since(start).Round(time.Millisecond))

		stats, err := loadtest.MeasurePulls(ctx, a.engine, rounds)
		if stats != nil {
			stats.Print(os.Stdout)
		}
		return err
	},
}

func init() {
	remoteBenchCmd.Flags().String("user", "bench-user", "user id the synthetic rows belong to")
	remoteBenchCmd.Flags().Int("receipts", 2000, "number of receipts to generate")
	remoteBenchCmd.Flags().Int("bills", 300, "number of household bills to generate")
	remoteBenchCmd.Flags().Int("rounds", 5, "number of timed pulls")
	remoteBenchCmd.Flags().Int("workers", 8, "concurrent seeding writers")

	remoteCmd.AddCommand(remoteMigrateCmd)
	remoteCmd.AddCommand(remoteBenchCmd)
	rootCmd.AddCommand(remoteCmd)
}
