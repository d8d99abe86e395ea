package models

import (
	"fmt"
)

// Layout identifies which raw sensor layout a RawCapture carries
type Layout int

const (
	// LayoutStack is an 8-bit T×T×N stack, one frame per illumination
	LayoutStack Layout = iota

	// LayoutMosaic is a single 8-bit RGGB colour-filter-array frame
	LayoutMosaic
)

func (l Layout) String() string {
	switch l {
	case LayoutStack:
		return "stack"
	case LayoutMosaic:
		return "mosaic"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// Channel selects a colour plane of an RGGB mosaic. The numbering matches the
// fluorescence channel assignment of the acquisition rig.
type Channel int

const (
	ChannelRed   Channel = 0 // Texas red
	ChannelGreen Channel = 1 // EGFP
	ChannelBlue  Channel = 2 // DAPI
)

// ParseChannel accepts "red", "green", "blue" or the fluorophore names
func ParseChannel(name string) (Channel, error) {
	switch name {
	case "red", "r", "txred":
		return ChannelRed, nil
	case "green", "g", "egfp":
		return ChannelGreen, nil
	case "blue", "b", "dapi":
		return ChannelBlue, nil
	}
	return 0, fmt.Errorf("unknown mosaic channel %q", name)
}

// RawStack holds the low-resolution captures of one acquisition, one 8-bit
// frame per illumination
type RawStack struct {
	// Size is the tile size T (frames are Size×Size)
	Size int

	// Count is the number of illuminations N
	Count int

	// Pix holds the pixels, (x, y, k) at k*Size*Size + y*Size + x
	Pix []uint8
}

// NewRawStack allocates a zeroed stack of count size×size frames
func NewRawStack(size, count int) *RawStack {
	return &RawStack{
		Size:  size,
		Count: count,
		Pix:   make([]uint8, size*size*count),
	}
}

// Frame returns the pixels of illumination k
func (s *RawStack) Frame(k int) []uint8 {
	n := s.Size * s.Size
	return s.Pix[k*n : (k+1)*n]
}

// Validate checks that the pixel slice matches the declared shape
func (s *RawStack) Validate() error {
	if s == nil {
		return fmt.Errorf("raw stack is nil: %w", ErrShapeMismatch)
	}
	if s.Size <= 0 || s.Count <= 0 {
		return fmt.Errorf("raw stack %dx%dx%d: %w", s.Size, s.Size, s.Count, ErrShapeMismatch)
	}
	if len(s.Pix) != s.Size*s.Size*s.Count {
		return fmt.Errorf("raw stack holds %d pixels, want %d: %w",
			len(s.Pix), s.Size*s.Size*s.Count, ErrShapeMismatch)
	}
	return nil
}

// MosaicFrame is a single RGGB colour-filter-array capture.
//
//	(even row, even col) = R
//	(even row, odd  col) = Gr
//	(odd  row, even col) = Gb
//	(odd  row, odd  col) = B
type MosaicFrame struct {
	Width  int
	Height int

	// Pix holds the sensor samples in row-major order
	Pix []uint8
}

// Validate checks that the pixel slice matches the declared shape
func (m *MosaicFrame) Validate() error {
	if m == nil {
		return fmt.Errorf("mosaic frame is nil: %w", ErrShapeMismatch)
	}
	if m.Width < 2 || m.Height < 2 {
		return fmt.Errorf("mosaic frame %dx%d is smaller than one 2x2 cell: %w",
			m.Width, m.Height, ErrShapeMismatch)
	}
	if len(m.Pix) != m.Width*m.Height {
		return fmt.Errorf("mosaic frame holds %d pixels, want %d: %w",
			len(m.Pix), m.Width*m.Height, ErrShapeMismatch)
	}
	return nil
}

// RawCapture is the tagged union of the two supported sensor layouts. Exactly
// one of Stack and Mosaic is set, matching Layout.
type RawCapture struct {
	Layout Layout
	Stack  *RawStack
	Mosaic *MosaicFrame
}

// StackCapture wraps a RawStack
func StackCapture(s *RawStack) RawCapture {
	return RawCapture{Layout: LayoutStack, Stack: s}
}

// MosaicCapture wraps a MosaicFrame
func MosaicCapture(m *MosaicFrame) RawCapture {
	return RawCapture{Layout: LayoutMosaic, Mosaic: m}
}

// Validate checks the tag against the populated variant
func (c RawCapture) Validate() error {
	switch c.Layout {
	case LayoutStack:
		if c.Mosaic != nil {
			return fmt.Errorf("stack capture also carries a mosaic frame: %w", ErrUnsupportedLayout)
		}
		return c.Stack.Validate()
	case LayoutMosaic:
		if c.Stack != nil {
			return fmt.Errorf("mosaic capture also carries a stack: %w", ErrUnsupportedLayout)
		}
		return c.Mosaic.Validate()
	default:
		return fmt.Errorf("%v: %w", c.Layout, ErrUnsupportedLayout)
	}
}
