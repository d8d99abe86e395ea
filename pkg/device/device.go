// Package device provides the single accelerator the reconstruction runs on.
//
// A Device executes kernels strictly in the order the host issues them, on a
// dedicated dispatcher goroutine, so consecutive stages always observe the
// committed output of the previous one. Inside a kernel the work is
// data-parallel: ParallelFor spreads independent rows over a fixed set of
// workers and gives no ordering guarantee between them.
//
// The host never waits implicitly except where it reads data back. Launch
// returns as soon as the kernel is queued; Synchronize and the Buffer
// readback methods are the only blocking points.
//
// Issuing work (Launch, buffer copies, Close) must happen from one host
// goroutine at a time.
package device

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// Options controls device creation
type Options struct {
	// Workers is the number of execution units used by ParallelFor.
	// Zero means runtime.NumCPU().
	Workers int

	// MemoryLimit caps the bytes of buffer memory that may be allocated.
	// Zero means unlimited.
	MemoryLimit int64

	// QueueDepth is how many kernels may be queued before Launch blocks.
	// Zero means 64.
	QueueDepth int
}

// Info describes a device
type Info struct {
	Name        string
	Workers     int
	MemoryLimit int64
}

// Kernel is one unit of device work
type Kernel struct {
	// Name identifies the kernel in traces and errors
	Name string

	// Reads lists the buffers the kernel consumes. Host-fresh buffers are
	// copied to the device before the kernel runs.
	Reads []*Buffer

	// Writes lists the buffers the kernel produces. Their host mirrors are
	// invalidated when the kernel is issued.
	Writes []*Buffer

	// Run performs the work. It may only touch device memory of the buffers
	// listed in Reads and Writes.
	Run func()
}

// Device is a CPU-backed data-parallel accelerator with an in-order queue
type Device struct {
	workers int
	limit   int64

	queue   chan func()
	pending sync.WaitGroup
	stopped chan struct{}

	mu        sync.Mutex
	allocated int64
	closed    bool

	// trace, when set, is called on the dispatcher goroutine before each kernel
	trace func(name string)
}

// New creates a device and starts its dispatcher
func New(opts Options) *Device {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	depth := opts.QueueDepth
	if depth <= 0 {
		depth = 64
	}

	d := &Device{
		workers: workers,
		limit:   opts.MemoryLimit,
		queue:   make(chan func(), depth),
		stopped: make(chan struct{}),
	}
	go d.dispatch()
	return d
}

// dispatch runs queued commands one at a time in issue order
func (d *Device) dispatch() {
	defer close(d.stopped)
	for cmd := range d.queue {
		cmd()
		d.pending.Done()
	}
}

// Info reports the device configuration
func (d *Device) Info() Info {
	return Info{
		Name:        fmt.Sprintf("cpu-parallel/%d", d.workers),
		Workers:     d.workers,
		MemoryLimit: d.limit,
	}
}

// Workers returns the number of execution units
func (d *Device) Workers() int {
	return d.workers
}

// SetTrace installs a hook called with each kernel name before it runs.
// Passing nil removes it. Must not be called while work is in flight.
func (d *Device) SetTrace(fn func(name string)) {
	d.trace = fn
}

// enqueue appends a command to the queue
func (d *Device) enqueue(cmd func()) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrDeviceClosed
	}
	d.pending.Add(1)
	d.queue <- cmd
	return nil
}

// Launch issues a kernel. Host-fresh inputs are uploaded first, outputs are
// marked device-fresh. Launch does not wait for the kernel to run.
func (d *Device) Launch(k Kernel) error {
	if k.Run == nil {
		return fmt.Errorf("kernel %q has no body", k.Name)
	}
	for _, b := range k.Reads {
		if err := d.checkOwner(k.Name, b); err != nil {
			return err
		}
	}
	for _, b := range k.Writes {
		if err := d.checkOwner(k.Name, b); err != nil {
			return err
		}
	}

	// Bring every input and output to the device side before the body runs.
	for _, b := range k.Reads {
		if err := b.CopyToDevice(); err != nil {
			return err
		}
	}
	for _, b := range k.Writes {
		if err := b.CopyToDevice(); err != nil {
			return err
		}
	}

	name := k.Name
	run := k.Run
	if err := d.enqueue(func() {
		if t := d.trace; t != nil {
			t(name)
		}
		run()
	}); err != nil {
		return err
	}

	for _, b := range k.Writes {
		b.domain = DeviceFresh
	}
	return nil
}

func (d *Device) checkOwner(kernel string, b *Buffer) error {
	if b == nil {
		return fmt.Errorf("kernel %q: nil buffer", kernel)
	}
	if b.dev != d {
		return fmt.Errorf("kernel %q: buffer belongs to another device", kernel)
	}
	if b.freed {
		return fmt.Errorf("kernel %q: %w", kernel, ErrBufferFreed)
	}
	return nil
}

// Synchronize blocks until every issued kernel and copy has completed
func (d *Device) Synchronize() {
	d.pending.Wait()
}

// ParallelFor calls fn(i) for every i in [0, n), spreading contiguous chunks
// over the device workers. It returns when all calls have finished. Calls
// for different i run concurrently and in no particular order.
func (d *Device) ParallelFor(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	workers := d.workers
	if workers > n {
		workers = n
	}
	if workers == 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * chunk
		end := start + chunk
		if end > n {
			end = n
		}
		if start >= end {
			break
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				fn(i)
			}
		}(start, end)
	}
	wg.Wait()
}

// Allocated reports the bytes of buffer memory currently allocated. Freed
// buffers count until the work issued before their Free has completed.
func (d *Device) Allocated() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocated
}

// reserve accounts for a new allocation. When the limit is reached it waits
// for queued work once, since freed buffers release their memory from the
// queue.
func (d *Device) reserve(bytes int64) error {
	err := d.tryReserve(bytes)
	if !errors.Is(err, ErrOutOfMemory) {
		return err
	}
	d.Synchronize()
	return d.tryReserve(bytes)
}

func (d *Device) tryReserve(bytes int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDeviceClosed
	}
	if d.limit > 0 && d.allocated+bytes > d.limit {
		return fmt.Errorf("requested %d bytes with %d of %d in use: %w",
			bytes, d.allocated, d.limit, ErrOutOfMemory)
	}
	d.allocated += bytes
	return nil
}

func (d *Device) release(bytes int64) {
	d.mu.Lock()
	d.allocated -= bytes
	d.mu.Unlock()
}

// Close drains the queue and stops the dispatcher. Further launches fail.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.pending.Wait()
	close(d.queue)
	<-d.stopped
}
