package main

import (
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/teknoir/auto-labeler-labeler-helm/internal/curation"
)

var (
	importOpts   curation.ImportOptions
	importLabels string
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import a COCO label file as a review batch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(importLabels)
		if err != nil {
			return fmt.Errorf("open labels: %w", err)
		}
		defer f.Close()

		labels, err := curation.ReadCOCOLabels(f)
		if err != nil {
			return err
		}

		database, svc, err := openService()
		if err != nil {
			return err
		}
		defer database.Close()

		bar := progressbar.NewOptions(-1,
			progressbar.OptionSetDescription("importing "+importOpts.BatchKey),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)
		opts := importOpts
		opts.Progress = func(done, total int) {
			bar.ChangeMax(total)
			bar.Set(done)
		}

		result, err := svc.ImportCOCO(cmd.Context(), labels, opts)
		bar.Finish()
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "imported batch %s: %d frames, %d annotations, %d tracks\n",
			result.BatchKey, result.Frames, result.Annotations, result.Tracks)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importOpts.BatchKey, "batch", "", "batch key (required)")
	importCmd.Flags().StringVar(&importLabels, "labels", "", "COCO labels file (required)")
	importCmd.Flags().StringVar(&importOpts.Prefix, "prefix", "", "storage prefix holding the batch, e.g. gs://bucket/batch")
	importCmd.Flags().StringVar(&importOpts.TrackKey, "track-key", curation.DefaultTrackKey, "annotation field that identifies a track")
	importCmd.Flags().BoolVar(&importOpts.Replace, "replace", false, "replace an existing batch with the same key")
	importCmd.MarkFlagRequired("batch")
	importCmd.MarkFlagRequired("labels")
}
