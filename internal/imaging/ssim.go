package imaging

import "fmt"

// Stabilization constants for 8-bit dynamic range, (0.01*255)^2 and (0.03*255)^2.
const (
	ssimC1 = 6.5025
	ssimC2 = 58.5225
)

// SSIM computes the structural similarity index between two grayscale rasters
// of identical dimensions. The result is in [-1, 1]; identical rasters score 1.
func SSIM(a, b *Gray) (float64, error) {
	if a.Width != b.Width || a.Height != b.Height {
		return 0, fmt.Errorf("dimension mismatch: %dx%d vs %dx%d", a.Width, a.Height, b.Width, b.Height)
	}

	n := float64(a.Width * a.Height)
	if n == 0 {
		return 0, fmt.Errorf("empty raster")
	}

	var sumA, sumB float64
	for x := range a.Width {
		for y := range a.Height {
			sumA += a.Pix[x][y]
			sumB += b.Pix[x][y]
		}
	}
	muA := sumA / n
	muB := sumB / n

	var varA, varB, cov float64
	for x := range a.Width {
		for y := range a.Height {
			da := a.Pix[x][y] - muA
			db := b.Pix[x][y] - muB
			varA += da * da
			varB += db * db
			cov += da * db
		}
	}
	varA /= n
	varB /= n
	cov /= n

	num := (2*muA*muB + ssimC1) * (2*cov + ssimC2)
	den := (muA*muA + muB*muB + ssimC1) * (varA + varB + ssimC2)
	return num / den, nil
}
