// Package dataset reads captures, offset tables and pupil guesses from disk.
//
// A capture directory holds one 8-bit grayscale frame per illumination, in
// any of PNG, JPEG or TIFF. Frames are ordered by the number in their file
// name (img_2.png before img_10.png), which is the illumination index.
package dataset

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "golang.org/x/image/tiff"
	"gopkg.in/yaml.v3"

	"fpmrecon/internal/models"
)

// ErrNoFrames is returned for a capture directory without image files
var ErrNoFrames = errors.New("fpmrecon: no frames in capture directory")

// frameExtensions lists the decodable image formats
var frameExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".tif":  true,
	".tiff": true,
}

// ROI is the top-left corner of a square crop. A negative coordinate centres
// the crop along that axis.
type ROI struct {
	X, Y int
}

// Centred is the ROI that centres the crop on both axes
var Centred = ROI{X: -1, Y: -1}

// Rect resolves the ROI to a size×size rectangle inside bounds
func (r ROI) Rect(bounds image.Rectangle, size int) (image.Rectangle, error) {
	x, y := r.X, r.Y
	if x < 0 {
		x = (bounds.Dx() - size) / 2
	}
	if y < 0 {
		y = (bounds.Dy() - size) / 2
	}
	rect := image.Rect(x, y, x+size, y+size).Add(bounds.Min)
	if x < 0 || y < 0 || !rect.In(bounds) {
		return image.Rectangle{}, fmt.Errorf("%dx%d crop at (%d, %d) outside %dx%d frame: %w",
			size, size, x, y, bounds.Dx(), bounds.Dy(), models.ErrShapeMismatch)
	}
	return rect, nil
}

// ListFrames returns the image files of dir in illumination order
func ListFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if frameExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoFrames)
	}

	sort.SliceStable(names, func(i, j int) bool {
		ni, nj := extractNumber(names[i]), extractNumber(names[j])
		if ni != nj {
			return ni < nj
		}
		return names[i] < names[j]
	})

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

// extractNumber extracts the numeric part from a filename
func extractNumber(filename string) int {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	var digits strings.Builder
	for _, c := range base {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		}
	}
	if digits.Len() == 0 {
		return 0
	}
	num, err := strconv.Atoi(digits.String())
	if err != nil {
		return 0
	}
	return num
}

// loadImage decodes any registered image format
func loadImage(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// grayLevels copies rect of img into dst as 8-bit luminance
func grayLevels(img image.Image, rect image.Rectangle, dst []uint8) {
	w := rect.Dx()
	if g, ok := img.(*image.Gray); ok {
		for y := 0; y < rect.Dy(); y++ {
			off := g.PixOffset(rect.Min.X, rect.Min.Y+y)
			copy(dst[y*w:(y+1)*w], g.Pix[off:off+w])
		}
		return
	}
	for y := 0; y < rect.Dy(); y++ {
		for x := 0; x < w; x++ {
			c := color.GrayModel.Convert(img.At(rect.Min.X+x, rect.Min.Y+y)).(color.Gray)
			dst[y*w+x] = c.Y
		}
	}
}

// LoadStack reads every frame of dir, crops the size×size ROI from each and
// returns them as a raw stack in illumination order
func LoadStack(dir string, size int, roi ROI) (*models.RawStack, error) {
	paths, err := ListFrames(dir)
	if err != nil {
		return nil, err
	}

	stack := models.NewRawStack(size, len(paths))
	var first image.Rectangle
	for k, path := range paths {
		img, err := loadImage(path)
		if err != nil {
			return nil, err
		}
		if k == 0 {
			first = img.Bounds()
		} else if img.Bounds().Size() != first.Size() {
			return nil, fmt.Errorf("%s is %v, first frame is %v: %w",
				filepath.Base(path), img.Bounds().Size(), first.Size(), models.ErrShapeMismatch)
		}
		rect, err := roi.Rect(img.Bounds(), size)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		grayLevels(img, rect, stack.Frame(k))
	}
	return stack, nil
}

// LoadMosaic reads one RGGB sensor frame stored as a grayscale image
func LoadMosaic(path string) (*models.MosaicFrame, error) {
	img, err := loadImage(path)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	frame := &models.MosaicFrame{Width: b.Dx(), Height: b.Dy(), Pix: make([]uint8, b.Dx()*b.Dy())}
	grayLevels(img, b, frame.Pix)
	if err := frame.Validate(); err != nil {
		return nil, err
	}
	return frame, nil
}

// offsetFile is the on-disk layout of an offset table
type offsetFile struct {
	TileSize int                `yaml:"tileSize,omitempty"`
	Offsets  models.OffsetTable `yaml:"offsets"`
}

// LoadOffsets reads an offset table. When the file records a tile size it
// must match tileSize; every offset is checked against the canvas.
func LoadOffsets(path string, tileSize int) (models.OffsetTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading offsets file: %w", err)
	}
	var f offsetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("error parsing offsets file: %w", err)
	}
	if f.TileSize != 0 && f.TileSize != tileSize {
		return nil, fmt.Errorf("offsets recorded for tile size %d, running %d: %w",
			f.TileSize, tileSize, models.ErrShapeMismatch)
	}
	if err := f.Offsets.Validate(tileSize); err != nil {
		return nil, err
	}
	return f.Offsets, nil
}

// SaveOffsets writes an offset table that LoadOffsets reads back
func SaveOffsets(path string, tileSize int, offsets models.OffsetTable) error {
	data, err := yaml.Marshal(offsetFile{TileSize: tileSize, Offsets: offsets})
	if err != nil {
		return fmt.Errorf("error marshaling offsets: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("error writing offsets file: %w", err)
	}
	return nil
}

// LoadPupil reads a size×size amplitude image as a pupil with zero phase.
// Full white is unit transmission.
func LoadPupil(path string, size int) (models.ComplexImage, error) {
	img, err := loadImage(path)
	if err != nil {
		return models.ComplexImage{}, err
	}
	b := img.Bounds()
	if b.Dx() != size || b.Dy() != size {
		return models.ComplexImage{}, fmt.Errorf("pupil image is %dx%d, tile size is %d: %w",
			b.Dx(), b.Dy(), size, models.ErrShapeMismatch)
	}
	levels := make([]uint8, size*size)
	grayLevels(img, b, levels)

	out := models.NewComplexImage(size, size)
	for i, v := range levels {
		out.Pix[i] = complex(float32(v)/255, 0)
	}
	return out, nil
}
