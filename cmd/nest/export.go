package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tasknest/tasknest/internal/transfer"
	"github.com/tasknest/tasknest/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "tasks",
	Short:   "Export all tasks as JSON, JSON Lines, YAML or TOML",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		if !cmd.Flags().Changed("format") {
			if guessed := transfer.FormatFromPath(output); guessed != "" {
				format = guessed
			}
		}

		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		doc := transfer.NewDocument(a.orch.WorkspaceID(), a.orch.Tasks(), time.Now())

		var w io.Writer = cmd.OutOrStdout()
		if output != "" && output != "-" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			defer f.Close()
			w = f
		}
		return transfer.Encode(w, format, doc)
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "tasks",
	Short:   "Add the tasks from an exported file",
	Long: `Add every task in <file> as a new task. The format follows the file
extension unless --format is given. Open tasks whose title already exists in
the same list are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		keep, _ := cmd.Flags().GetBool("keep-duplicates")
		if format == "" {
			format = transfer.FormatFromPath(args[0])
		}
		if format == "" {
			return fmt.Errorf("cannot tell the format of %s; pass --format", args[0])
		}

		// #nosec G304 - path from the command line
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()
		doc, err := transfer.Decode(f, format)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[0], err)
		}

		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := transfer.Import(cmd.Context(), a.orch, doc, transfer.ImportOptions{
			DryRun:         dryRun,
			KeepDuplicates: keep,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return writeJSON(cmd, result)
		}

		out := cmd.OutOrStdout()
		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Fprintf(out, "%s %s %d tasks", ui.RenderPass("✓"), verb, result.Imported)
		if result.Skipped > 0 {
			fmt.Fprintf(out, ", skipped %d duplicates", result.Skipped)
		}
		fmt.Fprintln(out)
		if result.Pending > 0 {
			fmt.Fprintf(out, "%s %d saved on this device; they will sync once the hub is reachable\n", ui.RenderWarn("!"), result.Pending)
		}
		for _, msg := range result.Errors {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", ui.RenderFail("✗"), msg)
		}
		if len(result.Errors) > 0 {
			return fmt.Errorf("%d tasks could not be imported", len(result.Errors))
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringP("format", "f", "json", "output format: json, jsonl, yaml or toml")
	exportCmd.Flags().StringP("output", "o", "", "write to a file instead of stdout")

	importCmd.Flags().StringP("format", "f", "", "input format (default: from the file extension)")
	importCmd.Flags().Bool("dry-run", false, "show what would be imported")
	importCmd.Flags().Bool("keep-duplicates", false, "import tasks even if the title already exists")

	rootCmd.AddCommand(exportCmd, importCmd)
}
