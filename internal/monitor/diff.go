package monitor

import (
	"bytes"
	"image/color"
	"image/png"
	"math"
)

// pixelTolerance is the per-channel normalized difference below which two
// pixels count as identical.
const pixelTolerance = 0.1

// PixelDiffRatio decodes two PNG images and returns the fraction of pixels
// that differ beyond the tolerance. A dimension mismatch (screen resize)
// counts as fully different. Decode failures also return 1.0 so a corrupt
// frame forces a capture rather than suppressing one.
func PixelDiffRatio(prevPNG, currPNG []byte) float64 {
	prev, err := png.Decode(bytes.NewReader(prevPNG))
	if err != nil {
		return 1.0
	}
	curr, err := png.Decode(bytes.NewReader(currPNG))
	if err != nil {
		return 1.0
	}

	pb, cb := prev.Bounds(), curr.Bounds()
	if pb.Dx() != cb.Dx() || pb.Dy() != cb.Dy() {
		return 1.0
	}

	total := pb.Dx() * pb.Dy()
	if total == 0 {
		return 0
	}
	diff := 0
	for y := 0; y < pb.Dy(); y++ {
		for x := 0; x < pb.Dx(); x++ {
			if pixelsDiffer(prev.At(pb.Min.X+x, pb.Min.Y+y), curr.At(cb.Min.X+x, cb.Min.Y+y)) {
				diff++
			}
		}
	}
	return float64(diff) / float64(total)
}

func pixelsDiffer(a, b color.Color) bool {
	ar, ag, ab, _ := a.RGBA()
	br, bg, bb, _ := b.RGBA()
	const maxChan = 65535.0
	d := (math.Abs(float64(ar)-float64(br)) +
		math.Abs(float64(ag)-float64(bg)) +
		math.Abs(float64(ab)-float64(bb))) / (3 * maxChan)
	return d > pixelTolerance
}
