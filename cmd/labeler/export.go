package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teknoir/auto-labeler-labeler-helm/internal/curation"
	"github.com/teknoir/auto-labeler-labeler-helm/internal/export"
)

var (
	exportBatch  string
	exportTrack  string
	exportStatus string
	exportTags   string
	exportOutDir string
	exportName   string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export reviewed tracks as a COCO-like dataset file",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, svc, err := openService()
		if err != nil {
			return err
		}
		defer database.Close()

		var ds *export.Dataset
		var name string
		if exportTrack != "" {
			ds, err = svc.ExportTrack(cmd.Context(), exportBatch, exportTrack)
			name = export.FileName(exportBatch, exportTrack)
		} else {
			status, perr := curation.ParseExportStatusFilter(exportStatus)
			if perr != nil {
				return perr
			}
			tags, perr := curation.ParseTrackTags(exportTags)
			if perr != nil {
				return perr
			}
			ds, err = svc.ExportTracks(cmd.Context(), exportBatch, curation.ExportQuery{Status: status, Tags: tags})
			name = export.FileName(exportBatch, string(status))
		}
		if exportName != "" {
			name = export.FileName(exportName)
		}
		if err != nil {
			return err
		}

		path, err := export.WriteFile(exportOutDir, name, ds)
		if err != nil {
			return err
		}
		logger.Info("dataset exported", "batch", exportBatch, "tracks", len(ds.Tracks), "path", path)
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportBatch, "batch", "", "batch key (required)")
	exportCmd.Flags().StringVar(&exportTrack, "track", "", "export a single track")
	exportCmd.Flags().StringVar(&exportStatus, "status", string(curation.ExportComplete), "track filter: complete or all")
	exportCmd.Flags().StringVar(&exportTags, "tags", "", "comma separated track allowlist")
	exportCmd.Flags().StringVar(&exportOutDir, "output-dir", ".", "output directory")
	exportCmd.Flags().StringVar(&exportName, "name", "", "output file name without extension")
	exportCmd.MarkFlagRequired("batch")
}
