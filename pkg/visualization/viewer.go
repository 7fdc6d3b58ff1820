// Package visualization renders variogram surfaces and model grids as PNG
// heat maps.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/lucasb-eyer/go-colorful"
	"gonum.org/v1/gonum/mat"

	"stkriging/pkg/variogram"
)

// Panel is one named grid of a heat map. Rows are space lag bins, columns
// time lag bins.
type Panel struct {
	Name string
	Grid mat.Matrix
}

// Viewer draws panels on a shared colour scale. Space lag grows upwards,
// time lag to the right; empty (NaN) bins are transparent.
type Viewer struct {
	panels []Panel

	// cell is the side of one bin in pixels
	cell int

	// colour scale bounds over every finite value of every panel
	min, max float64
}

// viridis stops, low to high
var ramp = []colorful.Color{
	mustHex("#440154"),
	mustHex("#3b528b"),
	mustHex("#21918c"),
	mustHex("#5ec962"),
	mustHex("#fde725"),
}

func mustHex(s string) colorful.Color {
	c, err := colorful.Hex(s)
	if err != nil {
		panic(err)
	}
	return c
}

// NewViewer creates a viewer over panels of equal dimensions
func NewViewer(cell int, panels ...Panel) (*Viewer, error) {
	if cell <= 0 {
		return nil, fmt.Errorf("cell size must be positive, got %d", cell)
	}
	if len(panels) == 0 {
		return nil, fmt.Errorf("at least one panel is required")
	}
	r0, c0 := panels[0].Grid.Dims()
	v := &Viewer{panels: panels, cell: cell, min: math.Inf(1), max: math.Inf(-1)}
	for _, p := range panels {
		r, c := p.Grid.Dims()
		if r != r0 || c != c0 {
			return nil, fmt.Errorf("panel %q is %dx%d, expected %dx%d", p.Name, r, c, r0, c0)
		}
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				x := p.Grid.At(i, j)
				if math.IsNaN(x) || math.IsInf(x, 0) {
					continue
				}
				v.min = math.Min(v.min, x)
				v.max = math.Max(v.max, x)
			}
		}
	}
	if v.min > v.max {
		v.min, v.max = 0, 0
	}
	return v, nil
}

// SurfaceViewer shows an empirical surface next to the model grid evaluated
// at its bin centres. model may be nil.
func SurfaceViewer(s *variogram.Surface, model *mat.Dense, cell int) (*Viewer, error) {
	panels := []Panel{{Name: "empirical", Grid: s.Values}}
	if model != nil {
		panels = append(panels, Panel{Name: "model", Grid: model})
	}
	return NewViewer(cell, panels...)
}

// Range returns the bounds of the colour scale
func (v *Viewer) Range() (lo, hi float64) {
	return v.min, v.max
}

// Colour maps a value onto the colour scale
func (v *Viewer) Colour(x float64) color.Color {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return color.Transparent
	}
	t := 0.0
	if v.max > v.min {
		t = math.Max(0, math.Min(1, (x-v.min)/(v.max-v.min)))
	}
	pos := t * float64(len(ramp)-1)
	k := int(pos)
	if k >= len(ramp)-1 {
		return ramp[len(ramp)-1].Clamped()
	}
	return ramp[k].BlendLab(ramp[k+1], pos-float64(k)).Clamped()
}

// ExtractPanel renders a single panel
func (v *Viewer) ExtractPanel(index int) (image.Image, error) {
	if index < 0 || index >= len(v.panels) {
		return nil, fmt.Errorf("panel %d out of range [0, %d)", index, len(v.panels))
	}
	g := v.panels[index].Grid
	r, c := g.Dims()
	img := image.NewRGBA(image.Rect(0, 0, c*v.cell, r*v.cell))
	for i := 0; i < r; i++ {
		// space bin 0 at the bottom
		y0 := (r - 1 - i) * v.cell
		for j := 0; j < c; j++ {
			rect := image.Rect(j*v.cell, y0, (j+1)*v.cell, y0+v.cell)
			draw.Draw(img, rect, image.NewUniform(v.Colour(g.At(i, j))), image.Point{}, draw.Src)
		}
	}
	return img, nil
}

// Render places every panel side by side, one cell apart
func (v *Viewer) Render() image.Image {
	r, c := v.panels[0].Grid.Dims()
	w := len(v.panels)*c*v.cell + (len(v.panels)-1)*v.cell
	out := image.NewRGBA(image.Rect(0, 0, w, r*v.cell))
	for k := range v.panels {
		img, _ := v.ExtractPanel(k)
		at := image.Pt(k*(c+1)*v.cell, 0)
		draw.Draw(out, img.Bounds().Add(at), img, image.Point{}, draw.Src)
	}
	return out
}

// SavePNG writes an image as PNG, creating the parent directory
func SavePNG(img image.Image, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		return err
	}
	return file.Close()
}

// Save renders every panel into filename
func (v *Viewer) Save(filename string) error {
	return SavePNG(v.Render(), filename)
}

// SavePanelSequence saves each panel to its own file in outputDir
func (v *Viewer) SavePanelSequence(outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	for k, p := range v.panels {
		img, err := v.ExtractPanel(k)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("panel_%02d_%s.png", k, p.Name))
		if err := SavePNG(img, filename); err != nil {
			return err
		}
	}
	return nil
}
