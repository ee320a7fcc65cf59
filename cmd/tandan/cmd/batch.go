package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"

	"github.com/tandanlab/tandan/internal/pipeline"
)

// batchResult pairs one input file with its grading outcome.
type batchResult struct {
	File   string           `json:"file"`
	Output *pipeline.Result `json:"output,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// batchCmd represents the batch command.
var batchCmd = &cobra.Command{
	Use:   "batch [images...]",
	Short: "Grade multiple fruit bunch images",
	Long: `Detect and grade fruit bunches across several image files. Images
grade concurrently; each file succeeds or fails on its own.

Examples:
  tandan batch frames/*.jpg
  tandan batch a.jpg b.jpg --format json
  tandan batch frames/*.png --workers 4`,
	Args:         cobra.ArbitraryArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return errors.New("no input files provided")
		}

		format, _ := cmd.Flags().GetString("format")
		if format != outputFormatJSON && format != outputFormatText {
			return fmt.Errorf("invalid output format: %s (must be json or text)", format)
		}
		for _, path := range args {
			if err := openImageFile(path); err != nil {
				return err
			}
		}

		p, err := buildPipelineFromFlags(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = p.Close() }()

		out := make([]batchResult, len(args))
		imgs := make([]image.Image, len(args))
		for i, path := range args {
			out[i] = batchResult{File: path}
			img, err := imaging.Open(path)
			if err != nil {
				out[i].Error = fmt.Sprintf("failed to open image: %v", err)
				continue
			}
			imgs[i] = img
		}

		results := p.GradeImages(cmd.Context(), imgs)
		for _, res := range results {
			if out[res.Index].Error != "" {
				continue
			}
			if res.Err != nil {
				out[res.Index].Error = res.Err.Error()
				continue
			}
			out[res.Index].Output = res.Result
		}

		if format == outputFormatJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		var failures int
		for _, r := range out {
			if r.Error != "" {
				failures++
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: error: %s\n", r.File, r.Error)
				continue
			}
			if err := writeGradeResult(cmd, outputFormatText, r.File, r.Output); err != nil {
				return err
			}
		}
		if failures > 0 {
			return fmt.Errorf("%d of %d image(s) failed", failures, len(out))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().StringP("format", "f", outputFormatText, "output format (text, json)")
	batchCmd.Flags().String("detector-model", "", "path to the bunch detection ONNX model")
	batchCmd.Flags().String("classifier-model", "", "path to the ripeness classification ONNX model")
	batchCmd.Flags().Float64("confidence", 0, "detection confidence threshold (0.0-1.0)")
	batchCmd.Flags().Bool("gpu", false, "run inference on GPU")
	batchCmd.Flags().Int("workers", 0, "concurrent grading workers (0 uses the configured default)")
}
