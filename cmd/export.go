package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/agentconsole/internal/export"
	"github.com/fakeyudi/agentconsole/internal/snapshot"
)

var (
	exportFormat string
	exportWrite  bool
)

var exportCmd = &cobra.Command{
	Use:   "export <agent>",
	Short: "Render a saved agent transcript as Markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := snapshotStore()
		if err != nil {
			return err
		}
		snap, err := store.Load(args[0])
		if err != nil {
			if errors.Is(err, snapshot.ErrNoSnapshot) {
				return fmt.Errorf("no snapshot for agent %s", args[0])
			}
			return err
		}

		now := time.Now()
		t, err := export.FromSnapshot(snap, now)
		if err != nil {
			return err
		}

		cfg := GetConfig()
		format := exportFormat
		if format == "" {
			format = cfg.ExportFormat
		}
		renderer, err := export.NewRenderer(format)
		if err != nil {
			return err
		}
		data, err := renderer.Render(t)
		if err != nil {
			return fmt.Errorf("render export: %w", err)
		}

		if !exportWrite {
			_, err := cmd.OutOrStdout().Write(data)
			return err
		}

		outputDir := cfg.OutputDir
		if outputDir == "" {
			outputDir = "."
		}
		filename := fmt.Sprintf("agentconsole-%s-%s%s", args[0], now.Format("20060102-150405"), export.Extension(format))
		outputPath := filepath.Join(outputDir, filename)
		if err := os.WriteFile(outputPath, data, 0o644); err != nil {
			return fmt.Errorf("write output file: %w", err)
		}
		cmd.Printf("Exported %s to %s\n", args[0], outputPath)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "", "output format: markdown or json (overrides config)")
	exportCmd.Flags().BoolVarP(&exportWrite, "write", "w", false, "write to the configured output directory instead of stdout")
	rootCmd.AddCommand(exportCmd)
}
