package executors

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"os"
)

// cardPalette provides the accent colors used by synthesized screenshots
// and charts. Order matters: renderers index into it deterministically.
var cardPalette = []color.RGBA{
	{R: 0x2f, G: 0x6f, B: 0xed, A: 0xff}, // blue
	{R: 0x2e, G: 0xa0, B: 0x4f, A: 0xff}, // green
	{R: 0xd9, G: 0x5f, B: 0x2b, A: 0xff}, // orange
	{R: 0x8e, G: 0x44, B: 0xad, A: 0xff}, // violet
	{R: 0xc0, G: 0x39, B: 0x2b, A: 0xff}, // red
	{R: 0x16, G: 0x7d, B: 0x7f, A: 0xff}, // teal
}

var (
	pageBackground = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	pageHeader     = color.RGBA{R: 0x1f, G: 0x29, B: 0x37, A: 0xff}
	pageRule       = color.RGBA{R: 0xd1, G: 0xd5, B: 0xdb, A: 0xff}
)

// renderPage synthesizes a deterministic screenshot stand-in: a header
// band, a grid of content tiles, and a footer rule. The seed fixes the
// palette rotation so different routes produce visibly different images.
func renderPage(width, height, tiles int, seed string) *image.RGBA {
	if width < 64 {
		width = 64
	}
	if height < 64 {
		height = 64
	}
	if tiles < 1 {
		tiles = 1
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	fillRect(img, 0, 0, width, height, pageBackground)

	headerH := height / 8
	fillRect(img, 0, 0, width, headerH, pageHeader)
	fillRect(img, 0, height-4, width, height, pageRule)

	offset := int(seedHash(seed) % uint64(len(cardPalette)))
	cols := 3
	if tiles < cols {
		cols = tiles
	}
	rows := (tiles + cols - 1) / cols
	margin := 16
	gridTop := headerH + margin
	gridH := height - gridTop - margin - 8
	cellW := (width - margin*(cols+1)) / cols
	cellH := gridH / rows
	if cellH > 120 {
		cellH = 120
	}

	for i := 0; i < tiles; i++ {
		row, col := i/cols, i%cols
		x0 := margin + col*(cellW+margin)
		y0 := gridTop + row*(cellH+margin/2)
		if y0+cellH > height-margin {
			break
		}
		tint := cardPalette[(offset+i)%len(cardPalette)]
		fillRect(img, x0, y0, x0+cellW, y0+cellH, tint)
		fillRect(img, x0+8, y0+cellH-18, x0+cellW-8, y0+cellH-10, pageBackground)
	}
	return img
}

func fillRect(img *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	bounds := img.Bounds()
	if x0 < bounds.Min.X {
		x0 = bounds.Min.X
	}
	if y0 < bounds.Min.Y {
		y0 = bounds.Min.Y
	}
	if x1 > bounds.Max.X {
		x1 = bounds.Max.X
	}
	if y1 > bounds.Max.Y {
		y1 = bounds.Max.Y
	}
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

func seedHash(seed string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(seed))
	return h.Sum64()
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding png: %w", err)
	}
	return buf.Bytes(), nil
}

func decodePNGFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return img, nil
}

// pixelDiffRatio returns the fraction of pixels that differ between two
// images. Dimension mismatches count as a full diff.
func pixelDiffRatio(a, b image.Image) float64 {
	if a.Bounds().Dx() != b.Bounds().Dx() || a.Bounds().Dy() != b.Bounds().Dy() {
		return 1.0
	}
	bounds := a.Bounds()
	total := bounds.Dx() * bounds.Dy()
	if total == 0 {
		return 0
	}
	offX := b.Bounds().Min.X - bounds.Min.X
	offY := b.Bounds().Min.Y - bounds.Min.Y
	diff := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			ar, ag, ab, aa := a.At(x, y).RGBA()
			br, bg, bb, ba := b.At(x+offX, y+offY).RGBA()
			if ar != br || ag != bg || ab != bb || aa != ba {
				diff++
			}
		}
	}
	return float64(diff) / float64(total)
}

// ssim computes a global structural-similarity index over pixel luminance
// with the standard stabilizing constants for 8-bit channels. Dimension
// mismatches score zero.
func ssim(a, b image.Image) float64 {
	if a.Bounds().Dx() != b.Bounds().Dx() || a.Bounds().Dy() != b.Bounds().Dy() {
		return 0
	}
	la := luminance(a)
	lb := luminance(b)
	n := float64(len(la))
	if n == 0 {
		return 1
	}

	var meanA, meanB float64
	for i := range la {
		meanA += la[i]
		meanB += lb[i]
	}
	meanA /= n
	meanB /= n

	var varA, varB, cov float64
	for i := range la {
		da := la[i] - meanA
		db := lb[i] - meanB
		varA += da * da
		varB += db * db
		cov += da * db
	}
	varA /= n
	varB /= n
	cov /= n

	const c1 = 6.5025  // (0.01 * 255)^2
	const c2 = 58.5225 // (0.03 * 255)^2
	num := (2*meanA*meanB + c1) * (2*cov + c2)
	den := (meanA*meanA + meanB*meanB + c1) * (varA + varB + c2)
	return num / den
}

func luminance(img image.Image) []float64 {
	bounds := img.Bounds()
	out := make([]float64, 0, bounds.Dx()*bounds.Dy())
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			out = append(out, 0.299*float64(r>>8)+0.587*float64(g>>8)+0.114*float64(b>>8))
		}
	}
	return out
}
