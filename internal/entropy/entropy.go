// Package entropy provides the random-byte sources consumed by the crypto
// engine. A Source failure is fatal: callers never fall back to a weaker
// source.
package entropy

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"sync"
)

// Source fills buffers with unpredictable bytes.
type Source interface {
	Fill(buf []byte) error
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(buf []byte) error

// Fill calls f(buf).
func (f SourceFunc) Fill(buf []byte) error {
	return f(buf)
}

// System reads from the operating system CSPRNG.
type System struct{}

// NewSystem returns the OS-backed source.
func NewSystem() *System {
	return &System{}
}

// Fill reads len(buf) bytes from crypto/rand.
func (System) Fill(buf []byte) error {
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return fmt.Errorf("system entropy read failed: %w", err)
	}
	return nil
}

// Device reads from a character device such as /dev/hwrng.
type Device struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// NewDevice opens the hardware RNG at path.
func NewDevice(path string) (*Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open entropy device %s: %w", path, err)
	}
	return &Device{path: path, f: f}, nil
}

// Fill reads len(buf) bytes from the device.
func (d *Device) Fill(buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.f == nil {
		return fmt.Errorf("entropy device %s is closed", d.path)
	}
	if _, err := io.ReadFull(d.f, buf); err != nil {
		return fmt.Errorf("entropy device %s read failed: %w", d.path, err)
	}
	return nil
}

// Close releases the device handle.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.f == nil {
		return nil
	}
	err := d.f.Close()
	d.f = nil
	return err
}

// Open returns the source named by kind: "system" or "device".
func Open(kind, path string) (Source, error) {
	switch kind {
	case "", "system":
		return NewSystem(), nil
	case "device":
		if path == "" {
			path = "/dev/hwrng"
		}
		return NewDevice(path)
	default:
		return nil, fmt.Errorf("unknown entropy source: %s", kind)
	}
}
