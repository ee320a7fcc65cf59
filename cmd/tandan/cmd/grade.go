package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/disintegration/imaging"
	"github.com/spf13/cobra"

	"github.com/tandanlab/tandan/internal/pipeline"
)

const (
	outputFormatJSON = "json"
	outputFormatText = "text"
)

// gradeCmd represents the grade command.
var gradeCmd = &cobra.Command{
	Use:   "grade [image]",
	Short: "Grade a single fruit bunch image",
	Long: `Detect fruit bunches in an image file and grade their ripeness.

Supported formats: JPEG, PNG, BMP, TIFF

Examples:
  tandan grade photo.jpg
  tandan grade photo.jpg --format json
  tandan grade photo.jpg --detector-model models/custom.onnx`,
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if format != outputFormatJSON && format != outputFormatText {
			return fmt.Errorf("invalid output format: %s (must be json or text)", format)
		}

		p, err := buildPipelineFromFlags(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = p.Close() }()

		img, err := imaging.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open image %s: %w", args[0], err)
		}

		result, err := p.GradeImage(cmd.Context(), img)
		if err != nil {
			return fmt.Errorf("grading failed: %w", err)
		}

		return writeGradeResult(cmd, format, args[0], result)
	},
}

// buildPipelineFromFlags assembles a pipeline from the configuration with
// model flag overrides applied. Shared by grade and batch.
func buildPipelineFromFlags(cmd *cobra.Command) (*pipeline.Pipeline, error) {
	cfg := GetConfig()

	pCfg := cfg.Pipeline
	if cmd.Flags().Changed("detector-model") {
		pCfg.Detector.ModelPath, _ = cmd.Flags().GetString("detector-model")
	}
	if cmd.Flags().Changed("classifier-model") {
		pCfg.Classifier.ModelPath, _ = cmd.Flags().GetString("classifier-model")
	}
	if cmd.Flags().Changed("confidence") {
		conf, _ := cmd.Flags().GetFloat64("confidence")
		if conf < 0 || conf > 1 {
			return nil, fmt.Errorf("invalid confidence threshold: %.2f (must be between 0.0 and 1.0)", conf)
		}
		pCfg.Detector.ConfThreshold = conf
	}
	if cmd.Flags().Changed("gpu") {
		useGPU, _ := cmd.Flags().GetBool("gpu")
		pCfg.Detector.GPU.UseGPU = useGPU
		pCfg.Classifier.GPU.UseGPU = useGPU
	}
	if cmd.Flags().Changed("workers") {
		if w, _ := cmd.Flags().GetInt("workers"); w > 0 {
			pCfg.Workers = w
		}
	}
	// One-shot runs skip the warmup inference.
	pCfg.Warmup = false

	p, err := pipeline.NewBuilder().
		WithConfig(pCfg).
		Build(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to build grading pipeline: %w", err)
	}
	return p, nil
}

func writeGradeResult(cmd *cobra.Command, format, path string, result *pipeline.Result) error {
	out := cmd.OutOrStdout()

	if format == outputFormatJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	if !result.HasBunches {
		_, _ = fmt.Fprintf(out, "%s: %s\n", path, pipeline.NoBunchesLabel)
		return nil
	}

	_, _ = fmt.Fprintf(out, "%s: %d bunch(es), dominant %s (%dms)\n",
		path, result.TotalBunches, result.DominantClassification, result.InferenceTime)
	for i, b := range result.Bunches {
		_, _ = fmt.Fprintf(out, "  [%d] %s (detection %.2f, classification %.2f)\n",
			i+1, b.Classification, b.Confidence, b.ClassificationConfidence)
	}
	return nil
}

func openImageFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot access %s: %w", path, err)
	}
	if info.IsDir() {
		return errors.New(path + " is a directory")
	}
	return nil
}

func init() {
	rootCmd.AddCommand(gradeCmd)

	gradeCmd.Flags().StringP("format", "f", outputFormatText, "output format (text, json)")
	gradeCmd.Flags().String("detector-model", "", "path to the bunch detection ONNX model")
	gradeCmd.Flags().String("classifier-model", "", "path to the ripeness classification ONNX model")
	gradeCmd.Flags().Float64("confidence", 0, "detection confidence threshold (0.0-1.0)")
	gradeCmd.Flags().Bool("gpu", false, "run inference on GPU")
}
