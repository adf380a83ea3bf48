// Package visualization renders orthogonal slices of a volume, optionally with
// a segmentation mask overlaid, as PNG previews.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"neuroseg/internal/models"
)

// overlay is the mask tint, blended at half opacity
var overlay = color.RGBA{R: 255, G: 48, B: 48, A: 255}

// Viewer extracts slices from a volume.
type Viewer struct {
	// volume holds the intensities rescaled to [0, 1]
	volume models.Volume

	// mask is drawn over the volume when set
	mask *models.Mask
}

// NewViewer creates a viewer over v. Intensities are rescaled by their
// min and max; a flat volume renders black.
func NewViewer(v models.Volume) *Viewer {
	scaled := models.NewVolume(v.Shape)
	if len(v.Data) > 0 {
		lo, hi := v.Data[0], v.Data[0]
		for _, f := range v.Data {
			if f < lo {
				lo = f
			}
			if f > hi {
				hi = f
			}
		}
		if hi > lo {
			for i, f := range v.Data {
				scaled.Data[i] = (f - lo) / (hi - lo)
			}
		}
	}
	return &Viewer{volume: scaled}
}

// SetMask overlays m on every extracted slice
func (v *Viewer) SetMask(m models.Mask) error {
	if m.Shape != v.volume.Shape {
		return fmt.Errorf("mask shape %v does not match volume shape %v", m.Shape, v.volume.Shape)
	}
	v.mask = &m
	return nil
}

// axisIndex maps "x", "y" or "z" to 0, 1 or 2
func axisIndex(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return 0, nil
	case "y", "Y":
		return 1, nil
	case "z", "Z":
		return 2, nil
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis.
// Without a mask the slice is grayscale; with one it is RGBA with the mask
// tinted red.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	a, err := axisIndex(axis)
	if err != nil {
		return nil, err
	}
	shape := v.volume.Shape
	if position < 0 || position >= shape[a] {
		return nil, fmt.Errorf("position %d outside [0,%d) on axis %s", position, shape[a], axis)
	}

	// image columns and rows run along the two remaining axes
	var cols, rows int
	switch a {
	case 0:
		cols, rows = 2, 1
	case 1:
		cols, rows = 0, 2
	case 2:
		cols, rows = 0, 1
	}
	rect := image.Rect(0, 0, shape[cols], shape[rows])

	voxel := func(c, r int) int {
		var p [3]int
		p[a], p[cols], p[rows] = position, c, r
		return shape.Index(p[0], p[1], p[2])
	}

	if v.mask == nil {
		img := image.NewGray16(rect)
		for r := 0; r < shape[rows]; r++ {
			for c := 0; c < shape[cols]; c++ {
				img.SetGray16(c, r, color.Gray16{Y: uint16(v.volume.Data[voxel(c, r)] * 65535)})
			}
		}
		return img, nil
	}

	img := image.NewRGBA(rect)
	for r := 0; r < shape[rows]; r++ {
		for c := 0; c < shape[cols]; c++ {
			idx := voxel(c, r)
			g := uint8(v.volume.Data[idx] * 255)
			px := color.RGBA{R: g, G: g, B: g, A: 255}
			if v.mask.Data[idx] != 0 {
				px.R = uint8((uint16(g) + uint16(overlay.R)) / 2)
				px.G = uint8((uint16(g) + uint16(overlay.G)) / 2)
				px.B = uint8((uint16(g) + uint16(overlay.B)) / 2)
			}
			img.SetRGBA(c, r, px)
		}
	}
	return img, nil
}

// MaskCenter returns the centre of the mask's bounding box, or the volume
// centre when there is no mask or it is empty.
func (v *Viewer) MaskCenter() [3]int {
	shape := v.volume.Shape
	center := [3]int{shape[0] / 2, shape[1] / 2, shape[2] / 2}
	if v.mask == nil {
		return center
	}
	lo := [3]int{shape[0], shape[1], shape[2]}
	hi := [3]int{-1, -1, -1}
	for i, m := range v.mask.Data {
		if m == 0 {
			continue
		}
		x, y, z := shape.Coords(i)
		for a, c := range [3]int{x, y, z} {
			lo[a] = min(lo[a], c)
			hi[a] = max(hi[a], c)
		}
	}
	if hi[0] < 0 {
		return center
	}
	return [3]int{(lo[0] + hi[0]) / 2, (lo[1] + hi[1]) / 2, (lo[2] + hi[2]) / 2}
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every step-th slice along the
// specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string, step int) error {
	a, err := axisIndex(axis)
	if err != nil {
		return err
	}
	if step < 1 {
		step = 1
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	for pos := 0; pos < v.volume.Shape[a]; pos += step {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// SaveOrthogonal writes one slice per axis through MaskCenter and returns
// the written paths.
func (v *Viewer) SaveOrthogonal(outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}
	center := v.MaskCenter()
	var paths []string
	for a, axis := range []string{"x", "y", "z"} {
		img, err := v.ExtractSlice(axis, center[a])
		if err != nil {
			return nil, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("preview_%s_%03d.png", axis, center[a]))
		if err := v.SaveSlice(img, filename); err != nil {
			return nil, err
		}
		paths = append(paths, filename)
	}
	return paths, nil
}
