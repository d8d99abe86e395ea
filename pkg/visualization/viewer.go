// Package visualization exports complex reconstruction images as 8-bit
// grayscale pictures for inspection.
package visualization

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"math/cmplx"
	"os"
	"path/filepath"
	"strings"

	"fpmrecon/internal/models"
)

// Component selects which real-valued view of a complex image is shown
type Component string

const (
	Real         Component = "real"
	Imag         Component = "imag"
	Magnitude    Component = "magnitude"
	Phase        Component = "phase"
	LogMagnitude Component = "logmagnitude" // log(1 + |z|), for spectra
)

// Viewer renders views of one complex image
type Viewer struct {
	img models.ComplexImage
}

// NewViewer creates a viewer for img. The image is not copied.
func NewViewer(img models.ComplexImage) *Viewer {
	return &Viewer{img: img}
}

// Values returns the chosen component for every pixel, row-major
func (v *Viewer) Values(c Component) ([]float64, error) {
	out := make([]float64, len(v.img.Pix))
	for i, p := range v.img.Pix {
		z := complex128(p)
		switch c {
		case Real:
			out[i] = real(z)
		case Imag:
			out[i] = imag(z)
		case Magnitude:
			out[i] = cmplx.Abs(z)
		case Phase:
			out[i] = cmplx.Phase(z)
		case LogMagnitude:
			out[i] = math.Log1p(cmplx.Abs(z))
		default:
			return nil, fmt.Errorf("invalid component: %s", c)
		}
	}
	return out, nil
}

// StretchContrast maps values linearly so the minimum becomes 0 and the
// maximum 255. A flat image maps to 0.
func StretchContrast(values []float64, width, height int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	if len(values) == 0 {
		return img
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, x := range values {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	if hi <= lo {
		return img
	}

	scale := 255 / (hi - lo)
	for i, x := range values {
		if math.IsNaN(x) {
			continue
		}
		img.Pix[i] = uint8(math.Round(math.Max(0, math.Min(255, (x-lo)*scale))))
	}
	return img
}

// Render returns the contrast-stretched component as an image
func (v *Viewer) Render(c Component) (*image.Gray, error) {
	values, err := v.Values(c)
	if err != nil {
		return nil, err
	}
	return StretchContrast(values, v.img.Width, v.img.Height), nil
}

// SaveImage writes img as JPEG when filename ends in .jpg or .jpeg and as PNG
// otherwise
func SaveImage(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		return png.Encode(file, img)
	}
}

// SaveComponents renders each component and saves it as
// <outputDir>/<prefix>_<component>.png. It returns the written paths.
func (v *Viewer) SaveComponents(outputDir, prefix string, components ...Component) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(components))
	for _, c := range components {
		img, err := v.Render(c)
		if err != nil {
			return paths, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.png", prefix, c))
		if err := SaveImage(img, filename); err != nil {
			return paths, fmt.Errorf("failed to save %s: %w", filename, err)
		}
		paths = append(paths, filename)
	}
	return paths, nil
}
