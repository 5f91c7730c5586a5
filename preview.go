package gsplat

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// RenderPreview composites the current render order into an RGBA image on
// the CPU, using the same projection math as the device path. Splats are
// blended in the supplied order, so callers wanting correct transparency
// should set a back-to-front order first; with no order set, every packed
// splat is drawn in global index order.
func (p *SplatPipeline) RenderPreview(cam *CameraState, width, height int) (*image.RGBA, error) {
	if p.disposed {
		return nil, ErrDisposed
	}
	if p.indexMap == nil {
		return nil, ErrNotBuilt
	}

	order := p.renderOrder[:p.renderCount]
	if len(order) == 0 {
		order = p.defaultOrder()
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for _, g := range order {
		fp, ok, err := p.ProjectFootprint(int(g), cam)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rasterizeFootprint(img, &fp, cam)
	}
	return img, nil
}

// defaultOrder lists every currently packed splat, skipping the unfilled
// tail of each scene's global range.
func (p *SplatPipeline) defaultOrder() []uint32 {
	order := make([]uint32, 0, p.TotalSplatCount())
	for g := 0; g < p.indexMap.Len(); g++ {
		si, li, _ := p.indexMap.Lookup(g)
		if li < p.scenes[si].Buffer.SplatCount() {
			order = append(order, uint32(g))
		}
	}
	return order
}

// rasterizeFootprint blends one elliptical footprint over the image with
// the exp(-0.5 d²) falloff, source-over.
func rasterizeFootprint(img *image.RGBA, fp *Footprint, cam *CameraState) {
	w := float32(img.Rect.Dx())
	h := float32(img.Rect.Dy())
	cx := (fp.NDC.X()*0.5 + 0.5) * w
	cy := (1 - (fp.NDC.Y()*0.5 + 0.5)) * h

	// Pixel-space basis: image y grows downward.
	b1x, b1y := fp.Basis1.X(), -fp.Basis1.Y()
	b2x, b2y := fp.Basis2.X(), -fp.Basis2.Y()

	det := b1x*b2y - b2x*b1y
	if abs32(det) < 1e-8 {
		return // collapsed minor axis, zero area
	}

	radius := fp.Basis1.Len()
	if r2 := fp.Basis2.Len(); r2 > radius {
		radius = r2
	}
	minX := clampInt(int(cx-radius)-1, 0, img.Rect.Dx())
	maxX := clampInt(int(cx+radius)+2, 0, img.Rect.Dx())
	minY := clampInt(int(cy-radius)-1, 0, img.Rect.Dy())
	maxY := clampInt(int(cy+radius)+2, 0, img.Rect.Dy())

	inv := 1 / det
	for py := minY; py < maxY; py++ {
		for px := minX; px < maxX; px++ {
			ox := float32(px) + 0.5 - cx
			oy := float32(py) + 0.5 - cy
			u := (ox*b2y - oy*b2x) * inv
			v := (oy*b1x - ox*b1y) * inv
			opacity := FootprintOpacity(u, v, fp.Alpha)
			if opacity <= 0 {
				continue
			}
			blendPixel(img, px, py, fp.Color, opacity)
		}
	}
}

func blendPixel(img *image.RGBA, x, y int, color [4]uint8, opacity float32) {
	i := img.PixOffset(x, y)
	for c := 0; c < 3; c++ {
		src := float32(color[c])
		dst := float32(img.Pix[i+c])
		img.Pix[i+c] = uint8(src*opacity + dst*(1-opacity) + 0.5)
	}
	a := float32(img.Pix[i+3])
	img.Pix[i+3] = uint8(math.Min(255, float64(opacity*255+a*(1-opacity)+0.5)))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ScalePreview resamples a preview image to the requested size.
func ScalePreview(src *image.RGBA, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Rect, src, src.Rect, draw.Over, nil)
	return dst
}
