package device

import "fmt"

// Domain records which side of a buffer holds the latest data
type Domain int

const (
	// Synced means host mirror and device memory agree
	Synced Domain = iota

	// HostFresh means the host mirror was written and the device copy is stale
	HostFresh

	// DeviceFresh means a kernel wrote device memory and the host mirror is stale
	DeviceFresh
)

func (d Domain) String() string {
	switch d {
	case Synced:
		return "synced"
	case HostFresh:
		return "host-fresh"
	case DeviceFresh:
		return "device-fresh"
	default:
		return fmt.Sprintf("domain(%d)", int(d))
	}
}

// Shape is the extent of a three-dimensional float32 buffer. X is the
// innermost (unit stride) dimension, then Y, then Z.
type Shape struct {
	X, Y, Z int
}

// Len returns the number of elements
func (s Shape) Len() int {
	return s.X * s.Y * s.Z
}

// Plane returns the number of elements in one XY plane
func (s Shape) Plane() int {
	return s.X * s.Y
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.X, s.Y, s.Z)
}

// Buffer is a float32 tensor with a device copy and a host mirror
type Buffer struct {
	dev   *Device
	shape Shape

	data []float32 // device memory, touched only by kernels and queued copies
	host []float32 // host mirror

	domain Domain
	freed  bool
}

// NewBuffer allocates a zeroed buffer of the given shape
func (d *Device) NewBuffer(shape Shape) (*Buffer, error) {
	if shape.X <= 0 || shape.Y <= 0 || shape.Z <= 0 {
		return nil, fmt.Errorf("buffer shape %v: %w", shape, ErrInvalidShape)
	}
	// Device memory plus host mirror.
	bytes := int64(shape.Len()) * 4 * 2
	if err := d.reserve(bytes); err != nil {
		return nil, err
	}
	return &Buffer{
		dev:   d,
		shape: shape,
		data:  make([]float32, shape.Len()),
		host:  make([]float32, shape.Len()),
	}, nil
}

// Shape returns the buffer extent
func (b *Buffer) Shape() Shape {
	return b.shape
}

// Len returns the number of elements
func (b *Buffer) Len() int {
	return b.shape.Len()
}

// Domain reports which side holds the latest data
func (b *Buffer) Domain() Domain {
	return b.domain
}

// DeviceData returns device memory. Only kernel bodies may use it.
func (b *Buffer) DeviceData() []float32 {
	return b.data
}

// HostData returns the host mirror for writing and marks the buffer
// host-fresh. The caller must not keep the slice past the next CopyToDevice
// or kernel launch that reads the buffer.
func (b *Buffer) HostData() []float32 {
	if b.domain == DeviceFresh {
		// Keep the caller from silently clobbering kernel output it never saw.
		b.CopyToHost()
	}
	b.domain = HostFresh
	return b.host
}

// CopyToDevice queues a copy of the host mirror to device memory if the host
// side is fresh. The mirror is captured at call time.
func (b *Buffer) CopyToDevice() error {
	if b.freed {
		return ErrBufferFreed
	}
	if b.domain != HostFresh {
		return nil
	}
	staged := make([]float32, len(b.host))
	copy(staged, b.host)
	dst := b.data
	if err := b.dev.enqueue(func() { copy(dst, staged) }); err != nil {
		return err
	}
	b.domain = Synced
	return nil
}

// Upload replaces the buffer contents with src
func (b *Buffer) Upload(src []float32) error {
	if b.freed {
		return ErrBufferFreed
	}
	if len(src) != len(b.host) {
		return fmt.Errorf("upload of %d elements into %v buffer: %w", len(src), b.shape, ErrLengthMismatch)
	}
	copy(b.HostData(), src)
	return b.CopyToDevice()
}

// CopyToHost makes the host mirror current, waiting for every kernel issued
// so far. It is a blocking point.
func (b *Buffer) CopyToHost() {
	if b.freed || b.domain != DeviceFresh {
		return
	}
	src, dst := b.data, b.host
	if err := b.dev.enqueue(func() { copy(dst, src) }); err != nil {
		// A closed device has already drained its queue.
		copy(dst, src)
	}
	b.dev.Synchronize()
	b.domain = Synced
}

// Download returns a snapshot of the buffer contents. Later kernels do not
// affect the returned slice.
func (b *Buffer) Download() ([]float32, error) {
	if b.freed {
		return nil, ErrBufferFreed
	}
	b.CopyToHost()
	out := make([]float32, len(b.host))
	copy(out, b.host)
	return out, nil
}

// Free returns the buffer's memory to the device. Work already issued
// against the buffer still completes, and the memory stays accounted until
// it has.
func (b *Buffer) Free() {
	if b == nil || b.freed {
		return
	}
	b.freed = true
	b.host = nil

	dev := b.dev
	bytes := int64(b.shape.Len()) * 4 * 2
	if err := dev.enqueue(func() { dev.release(bytes) }); err != nil {
		// A closed device has no work left in flight.
		dev.release(bytes)
	}
}
