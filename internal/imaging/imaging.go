package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"

	"github.com/phanzl/storewatch/internal/geometry"
)

// Gray is a grayscale raster with values 0-255, indexed [x][y].
type Gray struct {
	Width  int
	Height int
	Pix    [][]float64
}

// Decode parses image bytes into an in-memory image.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// EncodeJPEG encodes an image as JPEG bytes.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// HeadCrop extracts the upper headRatio fraction of the person box from the
// frame, scales it to a size x size square and converts it to grayscale.
// The box is clamped to the frame bounds before cropping.
func HeadCrop(frame image.Image, box geometry.Box, headRatio float64, size int) (*Gray, error) {
	rgba, err := cropScaled(frame, box, headRatio, size)
	if err != nil {
		return nil, err
	}
	return toGrayscale(rgba), nil
}

// HeadCropJPEG is HeadCrop plus a JPEG encoding of the same crop, for
// persisting reference images alongside the comparison raster.
func HeadCropJPEG(frame image.Image, box geometry.Box, headRatio float64, size int) (*Gray, []byte, error) {
	rgba, err := cropScaled(frame, box, headRatio, size)
	if err != nil {
		return nil, nil, err
	}
	data, err := EncodeJPEG(rgba)
	if err != nil {
		return nil, nil, err
	}
	return toGrayscale(rgba), data, nil
}

// GrayFromImage converts a decoded image to a grayscale raster.
func GrayFromImage(img image.Image) *Gray {
	bounds := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Copy(rgba, image.Point{}, img, bounds, draw.Over, nil)
	return toGrayscale(rgba)
}

func cropScaled(frame image.Image, box geometry.Box, headRatio float64, size int) (*image.RGBA, error) {
	bounds := frame.Bounds()

	headHeight := int(float64(box.Height()) * headRatio)
	if headHeight < 1 {
		headHeight = 1
	}

	x1 := max(box.X1, bounds.Min.X)
	y1 := max(box.Y1, bounds.Min.Y)
	x2 := min(box.X2, bounds.Max.X)
	y2 := min(box.Y1+headHeight, bounds.Max.Y)
	// image.Rect canonicalizes inverted rectangles, so the clamped
	// coordinates have to be checked before building one.
	if x1 >= x2 || y1 >= y2 {
		return nil, fmt.Errorf("box (%d,%d,%d,%d) lies outside frame %v", box.X1, box.Y1, box.X2, box.Y2, bounds)
	}
	crop := image.Rect(x1, y1, x2, y2)

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), frame, crop, draw.Over, nil)
	return dst, nil
}

// Resample scales a grayscale raster to a size x size square.
func Resample(g *Gray, size int) *Gray {
	if g.Width == size && g.Height == size {
		return g
	}

	src := image.NewRGBA(image.Rect(0, 0, g.Width, g.Height))
	for x := range g.Width {
		for y := range g.Height {
			v := uint8(g.Pix[x][y])
			i := src.PixOffset(x, y)
			src.Pix[i] = v
			src.Pix[i+1] = v
			src.Pix[i+2] = v
			src.Pix[i+3] = 255
		}
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return toGrayscale(dst)
}

// IntensityVector flattens a raster downsampled to side x side into a unit
// range float32 vector, row major.
func IntensityVector(g *Gray, side int) []float32 {
	small := Resample(g, side)
	vec := make([]float32, 0, side*side)
	for y := range side {
		for x := range side {
			vec = append(vec, float32(small.Pix[x][y]/255.0))
		}
	}
	return vec
}

// toGrayscale converts an image to a 2D array of grayscale values (0-255).
func toGrayscale(img *image.RGBA) *Gray {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	pix := make([][]float64, width)
	for x := range width {
		pix[x] = make([]float64, height)
		for y := range height {
			r, g, b, _ := img.At(x, y).RGBA()
			// ITU-R BT.601 luma formula.
			luma := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
			pix[x][y] = luma
		}
	}

	return &Gray{Width: width, Height: height, Pix: pix}
}
