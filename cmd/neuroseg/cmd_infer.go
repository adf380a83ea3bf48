package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"neuroseg/internal/models"
	"neuroseg/pkg/clicks"
	"neuroseg/pkg/nifti"
	"neuroseg/pkg/orientation"
	"neuroseg/pkg/prompt"
	"neuroseg/pkg/visualization"
)

var inferFlags struct {
	model          string
	input          string
	positive       []int
	negative       []int
	clicksFrom     string
	previousLogits string
	output         string
	logitsOut      string
	probabilities  string
	previewDir     string
	previewAxis    string
	previewStep    int
}

func init() {
	rootCmd.AddCommand(inferCmd)
	f := inferCmd.Flags()
	f.StringVarP(&inferFlags.model, "model", "m", "", "model name (required)")
	f.StringVarP(&inferFlags.input, "input", "i", "", "input .nii or .nii.gz volume (required)")
	f.IntSliceVar(&inferFlags.positive, "positive", nil, "positive click indices on the RAS grid")
	f.IntSliceVar(&inferFlags.negative, "negative", nil, "negative click indices on the RAS grid")
	f.StringVar(&inferFlags.clicksFrom, "clicks-from", "", "label volume with 1 for positive and 2 for negative voxels")
	f.StringVar(&inferFlags.previousLogits, "previous-logits", "", "logits file written by an earlier run")
	f.StringVarP(&inferFlags.output, "output", "o", "mask.nii.gz", "output mask path")
	f.StringVar(&inferFlags.logitsOut, "logits-out", "logits.b64", "where to write the logits for the next run")
	f.StringVar(&inferFlags.probabilities, "probabilities", "", "also write the foreground probability map (.nii or .nii.gz) on the input grid")
	f.StringVar(&inferFlags.previewDir, "preview-dir", "", "write PNG previews of the mask to this directory")
	f.StringVar(&inferFlags.previewAxis, "preview-axis", "z", "axis of the slice sequence written with --preview-step")
	f.IntVar(&inferFlags.previewStep, "preview-step", 0, "also write every n-th slice along --preview-axis (0 disables)")
	inferCmd.MarkFlagRequired("model")
	inferCmd.MarkFlagRequired("input")
}

var inferCmd = &cobra.Command{
	Use:   "infer",
	Short: "Segment a local volume from clicks",
	Long: `Segment a local NIfTI volume.

Click indices address the RAS-canonical grid: i = x + y*nx + z*nx*ny.
A label volume given with --clicks-from is reoriented to that grid first, so
it may be drawn on the file grid of the input.`,
	Args: cobra.NoArgs,
	RunE: runInfer,
}

func runInfer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closer, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	raw, err := os.ReadFile(inferFlags.input)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	source, _, err := nifti.Decode(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", inferFlags.input, err)
	}
	orient, err := orientation.Compute(source.Affine, source.Volume.Shape)
	if err != nil {
		return err
	}
	grid := orient.CanonicalShape()
	fmt.Printf("Input %s: %v voxels, orientation %s, RAS grid %v\n", inferFlags.input, source.Volume.Shape, orient.Code(), grid)

	req := &models.InferenceRequest{
		ModelName:      inferFlags.model,
		NiivueDims:     grid,
		PositiveClicks: inferFlags.positive,
		NegativeClicks: inferFlags.negative,
		Volume:         base64.StdEncoding.EncodeToString(raw),
	}

	if inferFlags.clicksFrom != "" {
		set, err := clicksFromLabels(inferFlags.clicksFrom, grid)
		if err != nil {
			return err
		}
		req.PositiveClicks = append(req.PositiveClicks, set.Positive...)
		req.NegativeClicks = append(req.NegativeClicks, set.Negative...)
	}
	if inferFlags.previousLogits != "" {
		token, err := os.ReadFile(inferFlags.previousLogits)
		if err != nil {
			return fmt.Errorf("read previous logits: %w", err)
		}
		req.PreviousLogits = strings.TrimSpace(string(token))
	}
	fmt.Printf("Running model %s with %d positive and %d negative clicks...\n",
		req.ModelName, len(req.PositiveClicks), len(req.NegativeClicks))

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	start := time.Now()
	res, err := newSegmenter(cfg, store).Segment(cmd.Context(), req)
	if err != nil {
		return err
	}
	fmt.Printf("Segmentation completed in %.2f seconds: %d voxels (prior: %s)\n",
		time.Since(start).Seconds(), res.Voxels, res.Prior)

	maskFile, err := base64.StdEncoding.DecodeString(res.Mask)
	if err != nil {
		return fmt.Errorf("mask token: %w", err)
	}
	if err := nifti.WriteFile(inferFlags.output, maskFile); err != nil {
		return fmt.Errorf("write mask: %w", err)
	}
	fmt.Printf("Mask saved to: %s\n", inferFlags.output)

	if inferFlags.logitsOut != "" {
		if err := os.WriteFile(inferFlags.logitsOut, []byte(res.Logits), 0644); err != nil {
			return fmt.Errorf("write logits: %w", err)
		}
		fmt.Printf("Logits %v saved to: %s (pass with --previous-logits)\n", res.LogitsShape, inferFlags.logitsOut)
	}

	if inferFlags.probabilities != "" {
		if err := writeProbabilities(inferFlags.probabilities, res, orient, source.Affine); err != nil {
			return err
		}
		fmt.Printf("Probabilities saved to: %s\n", inferFlags.probabilities)
	}

	if inferFlags.previewDir != "" {
		if err := writePreviews(source.Volume, maskFile); err != nil {
			fmt.Printf("Warning: Failed to save previews: %v\n", err)
		}
	}
	return nil
}

// writeProbabilities maps the canonical logits back to the input grid as
// sigmoid probabilities and saves them with the input affine.
func writeProbabilities(path string, res *models.InferenceResult, orient orientation.Orientation, affine models.Affine) error {
	logits, ok := prompt.DecodeLogits(res.Logits, models.Shape(res.LogitsShape))
	if !ok {
		return fmt.Errorf("logits token does not match shape %v", res.LogitsShape)
	}
	for i, x := range logits.Data {
		logits.Data[i] = prompt.Sigmoid(x)
	}
	probs, err := orientation.FromCanonicalVolume(logits, orient)
	if err != nil {
		return err
	}
	encoded, err := nifti.EncodeVolume(probs, affine)
	if err != nil {
		return err
	}
	if err := nifti.WriteFile(path, encoded); err != nil {
		return fmt.Errorf("write probabilities: %w", err)
	}
	return nil
}

// writePreviews saves orthogonal slices through the mask and, with
// --preview-step, a slice sequence along --preview-axis.
func writePreviews(volume models.Volume, maskFile []byte) error {
	maskVT, _, err := nifti.Decode(maskFile)
	if err != nil {
		return err
	}
	mask := models.NewMask(maskVT.Volume.Shape)
	for i, v := range maskVT.Volume.Data {
		if v > 0 {
			mask.Data[i] = 1
		}
	}

	viewer := visualization.NewViewer(volume)
	if err := viewer.SetMask(mask); err != nil {
		return err
	}
	paths, err := viewer.SaveOrthogonal(inferFlags.previewDir)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Printf("Preview saved to: %s\n", p)
	}

	if inferFlags.previewStep > 0 {
		dir := filepath.Join(inferFlags.previewDir, "slices")
		if err := viewer.SaveSliceSequence(inferFlags.previewAxis, dir, inferFlags.previewStep); err != nil {
			return err
		}
		fmt.Printf("Slices along %s saved to: %s\n", inferFlags.previewAxis, dir)
	}
	return nil
}

// clicksFromLabels reads a label volume and returns its clicks on the RAS grid
func clicksFromLabels(path string, grid models.Shape) (models.ClickSet, error) {
	labels, err := nifti.ReadFile(path)
	if err != nil {
		return models.ClickSet{}, fmt.Errorf("read click labels: %w", err)
	}
	canonical, _, err := orientation.ToCanonical(labels)
	if err != nil {
		return models.ClickSet{}, err
	}
	if canonical.Volume.Shape != grid {
		return models.ClickSet{}, fmt.Errorf("click labels %s are on grid %v, input is on %v", path, canonical.Volume.Shape, grid)
	}
	return clicks.FromVolume(canonical.Volume), nil
}
