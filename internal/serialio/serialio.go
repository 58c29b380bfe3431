// Package serialio adapts a real tty to the minimal contract the downstream
// controller's framed codec drives it through: non-blocking-ish reads into
// an internal buffer, raw writes, a liveness flag, and deinitialise/
// reinitialise for the controller's reopen loop.
package serialio

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// DefaultBaud is the baud rate used unless the caller overrides it.
const DefaultBaud = 115200

// readChunk bounds a single non-blocking read to 255 bytes.
const readChunk = 255

// Adapter owns one serial device file descriptor and the receive buffer the
// codec pumps via Read.
type Adapter struct {
	device string

	mu   sync.Mutex
	port *serial.Port
	good bool
	recv []byte
}

// Open opens device at baud and returns a ready Adapter, 8 bits, no parity,
// 1 stop bit, no flow control — tarm/serial has no canonical-mode or
// input/output translation to disable, so enabling raw framing is simply a
// matter of not asking for any of those features.
func Open(device string, baud int) (*Adapter, error) {
	a := &Adapter{device: device}
	if err := a.open(baud); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Adapter) open(baud int) error {
	cfg := &serial.Config{
		Name: a.device,
		Baud: baud,
		// A short read timeout keeps Read() from blocking indefinitely,
		// approximating the non-blocking, no-read-timeout contract closely
		// enough for a cooperative poll driven by the codec.
		ReadTimeout: 50 * time.Millisecond,
	}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		a.mu.Lock()
		a.good = false
		a.mu.Unlock()
		return fmt.Errorf("open serial port %s: %w", a.device, err)
	}

	a.mu.Lock()
	a.port = port
	a.good = true
	a.recv = a.recv[:0]
	a.mu.Unlock()
	return nil
}

// IsGood reports whether the device is currently believed usable.
func (a *Adapter) IsGood() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.good
}

// WriteRaw writes bytes to the device and returns the number written.
func (a *Adapter) WriteRaw(data []byte) (int, error) {
	a.mu.Lock()
	port := a.port
	a.mu.Unlock()
	if port == nil {
		return 0, fmt.Errorf("serial device %s not open", a.device)
	}

	n, err := port.Write(data)
	if err != nil {
		a.markBad()
		return n, fmt.Errorf("write serial device %s: %w", a.device, err)
	}
	return n, nil
}

// Read pulls up to readChunk bytes from the device into the internal
// receive buffer. The codec's WaitReply drives this in a
// cooperative poll loop; a timeout or zero-byte read is not itself an
// error, only a hard I/O failure marks the device bad.
func (a *Adapter) Read() error {
	a.mu.Lock()
	port := a.port
	a.mu.Unlock()
	if port == nil {
		return fmt.Errorf("serial device %s not open", a.device)
	}

	buf := make([]byte, readChunk)
	n, err := port.Read(buf)
	if err != nil {
		// tarm/serial surfaces a VTIME read timeout as a zero-byte read,
		// which os.File translates to io.EOF. That just means "no data yet"
		// on a tty; a real device loss comes back as a hard I/O error.
		if errors.Is(err, io.EOF) || isTimeout(err) {
			return nil
		}
		a.markBad()
		return fmt.Errorf("read serial device %s: %w", a.device, err)
	}
	if n > 0 {
		a.mu.Lock()
		a.recv = append(a.recv, buf[:n]...)
		a.mu.Unlock()
	}
	return nil
}

// Buffered returns the bytes accumulated by Read so far without consuming them.
func (a *Adapter) Buffered() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]byte, len(a.recv))
	copy(out, a.recv)
	return out
}

// Consume removes n bytes from the front of the receive buffer.
func (a *Adapter) Consume(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n > len(a.recv) {
		n = len(a.recv)
	}
	a.recv = a.recv[n:]
}

// Drain discards any buffered bytes, used before sending a new request so
// stale replies never satisfy the next WaitReply.
func (a *Adapter) Drain() {
	a.mu.Lock()
	a.recv = a.recv[:0]
	a.mu.Unlock()
}

// Deinitialise closes the underlying device.
func (a *Adapter) Deinitialise() error {
	a.mu.Lock()
	port := a.port
	a.port = nil
	a.good = false
	a.mu.Unlock()
	if port == nil {
		return nil
	}
	return port.Close()
}

// Reinitialise closes (if needed) and reopens the device at baud.
func (a *Adapter) Reinitialise(baud int) error {
	_ = a.Deinitialise()
	return a.open(baud)
}

func (a *Adapter) markBad() {
	a.mu.Lock()
	a.good = false
	a.mu.Unlock()
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	t, ok := err.(timeout)
	return ok && t.Timeout()
}
