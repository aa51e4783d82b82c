package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fiskalni/fiskalni/internal/backup"
	"github.com/fiskalni/fiskalni/internal/schema"
	"github.com/fiskalni/fiskalni/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "data",
	Short:   "Write every local record as JSON lines",
	Long: `Write every local record to file (or stdout) as one JSON object per
line: {"kind": "receipt", "record": {...}}. Receipts come before devices and
bills.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		local, err := openLocal(ctx, cfg)
		if err != nil {
			return err
		}
		defer local.Close()

		var w io.Writer = os.Stdout
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Create(args[0])
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", args[0], err)
			}
			defer f.Close()
			w = f
		}

		res, err := backup.Export(ctx, local, w)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s Exported %d records\n", ui.RenderPass("✓"), res.Total())
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "data",
	Short:   "Restore records from a JSON lines export",
	Long: `Restore records written by export. Imported records are queued for
upload. A record whose local copy is at least as new is skipped. Any malformed
line aborts the import and nothing is written.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		ctx := cmd.Context()

		local, err := openLocal(ctx, cfg)
		if err != nil {
			return err
		}
		defer local.Close()

		var r io.Reader = os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()
			r = f
		}

		res, err := backup.Import(ctx, local, r, backup.ImportOptions{Logger: logger, DryRun: dryRun})
		if err != nil {
			return err
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d records, skipped %d\n", ui.RenderPass("✓"), verb, res.Total(), res.Skipped)
		for _, kind := range schema.EntityTypes {
			if n := res.Records[kind]; n > 0 {
				fmt.Printf("   %-14s %d\n", kind, n)
			}
		}
		return nil
	},
}

func init() {
	importCmd.Flags().Bool("dry-run", false, "validate without writing")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
