package commands

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"

	"golang.org/x/image/colornames"
	xdraw "golang.org/x/image/draw"
)

// cellSize is the edge length in pixels of one value in a heat map.
const cellSize = 8

var (
	coldColor = colornames.Navy
	hotColor  = colornames.Orangered
	nanColor  = colornames.Magenta
	padColor  = colornames.Black
)

// heatmap lays vals out in rows of width cells, colored from the minimum
// (cold) to the maximum (hot), and scales each cell to cellSize pixels.
// Cells past the last value are black.
func heatmap(vals []float64, width int) (*image.RGBA, error) {
	if width <= 0 {
		return nil, fmt.Errorf("heat map width must be positive, got %d", width)
	}
	if len(vals) == 0 {
		return nil, errors.New("heat map of an empty buffer")
	}
	width = min(width, len(vals))
	height := (len(vals) + width - 1) / width

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			lo, hi = min(lo, v), max(hi, v)
		}
	}

	cells := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := range width * height {
		x, y := i%width, i/width
		switch {
		case i >= len(vals):
			cells.Set(x, y, padColor)
		case math.IsNaN(vals[i]):
			cells.Set(x, y, nanColor)
		default:
			t := 0.5
			if hi > lo {
				t = (vals[i] - lo) / (hi - lo)
			}
			cells.Set(x, y, lerp(coldColor, hotColor, math.Max(0, math.Min(1, t))))
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, width*cellSize, height*cellSize))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), cells, cells.Bounds(), xdraw.Src, nil)
	return dst, nil
}

func lerp(a, b color.RGBA, t float64) color.RGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(math.Round(float64(x) + (float64(y)-float64(x))*t))
	}
	return color.RGBA{mix(a.R, b.R), mix(a.G, b.G), mix(a.B, b.B), 0xff}
}

func writeHeatmap(path string, vals []float64, width int) error {
	img, err := heatmap(vals, width)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
