package driver

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softpci/driver/chrdev"
	"github.com/ardnew/softpci/pkg"
)

// Bridge translates consumer open/read/write/close requests into
// bounds-checked accesses on a bound device's mapped region.
//
// No access ever touches memory outside [0, region length). A transfer of
// length bytes at offset moves max(0, min(length, region length - offset))
// bytes; an offset at or past the end moves nothing and is not an error.
type Bridge struct {
	open atomic.Int64
}

// NewBridge creates a bridge.
func NewBridge() *Bridge {
	return &Bridge{}
}

// OpenSessions returns the number of sessions currently open.
func (b *Bridge) OpenSessions() int {
	return int(b.open.Load())
}

// Open starts a consumer session on dc. It fails with [pkg.ErrNoDevice]
// unless dc is bound to this bridge.
func (b *Bridge) Open(dc *DeviceContext) (*Session, error) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	if !dc.bound() || dc.binding.bridge != b {
		return nil, fmt.Errorf("%w: %s is not bound", pkg.ErrNoDevice, dc.address)
	}

	b.open.Add(1)
	pkg.LogDebug(pkg.ComponentBridge, "session opened", "address", dc.address)
	return &Session{bridge: b, dc: dc}, nil
}

// Read reads up to length bytes at the session cursor and advances the
// cursor by the number of bytes read. Fewer bytes are returned near the end
// of the region and none at or past it.
func (b *Bridge) Read(s *Session, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return nil, err
	}
	if length < 0 {
		return nil, fmt.Errorf("%w: negative length %d", pkg.ErrTransferFault, length)
	}

	buf := []byte{}
	n, err := b.transfer(s.dc, s.cursor, length, func(mem []byte) {
		buf = append(buf, mem...)
	})
	if err != nil {
		return nil, err
	}
	s.cursor += int64(n)
	return buf, nil
}

// Write writes up to length bytes of data at the session cursor and
// advances the cursor by the number of bytes written. data shorter than
// length is a [pkg.ErrTransferFault]; the cursor is left untouched.
func (b *Bridge) Write(s *Session, length int, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return 0, err
	}
	if length < 0 || len(data) < length {
		return 0, fmt.Errorf("%w: buffer holds %d bytes, %d requested", pkg.ErrTransferFault, len(data), length)
	}

	n, err := b.transfer(s.dc, s.cursor, length, func(mem []byte) { copy(mem, data) })
	if err != nil {
		return 0, err
	}
	s.cursor += int64(n)
	return n, nil
}

// Close ends the session. It has no effect on the device. Closing twice is
// harmless.
func (b *Bridge) Close(s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	b.open.Add(-1)
	pkg.LogDebug(pkg.ComponentBridge, "session closed", "address", s.dc.address)
	return nil
}

// transfer calls fn with the slice of the mapped region a transfer of
// length bytes at off may touch, holding the context's read lock, and
// returns that slice's length.
func (b *Bridge) transfer(dc *DeviceContext, off int64, length int, fn func(mem []byte)) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", pkg.ErrTransferFault, off)
	}

	dc.mu.RLock()
	defer dc.mu.RUnlock()

	if !dc.bound() {
		return 0, fmt.Errorf("%w: %s is not bound", pkg.ErrNoDevice, dc.address)
	}

	n := span(dc.regionLength, off, length)
	if n > 0 {
		fn(dc.mapped[off : off+int64(n)])
	}
	return n, nil
}

// span returns max(0, min(length, regionLength-off)) for off >= 0.
func span(regionLength uint64, off int64, length int) int {
	if length <= 0 || uint64(off) >= regionLength {
		return 0
	}
	if avail := regionLength - uint64(off); uint64(length) > avail {
		return int(avail)
	}
	return length
}

// operations returns the character-device operations serving dc.
func (b *Bridge) operations(dc *DeviceContext, size int64) chrdev.Operations {
	return &bridgeOps{bridge: b, dc: dc, size: size}
}

// bridgeOps adapts a bridge and context to [chrdev.Operations].
type bridgeOps struct {
	bridge *Bridge
	dc     *DeviceContext
	size   int64
}

func (o *bridgeOps) Open() (chrdev.File, error) {
	return o.bridge.Open(o.dc)
}

func (o *bridgeOps) Size() int64 {
	return o.size
}

// Session is one consumer's open handle on a bound device. It owns its
// cursor; independent sessions never share one. A session borrows the
// device context and does not keep it alive: once the device is removed
// every operation fails with [pkg.ErrNoDevice].
type Session struct {
	bridge *Bridge
	dc     *DeviceContext

	mu     sync.Mutex
	cursor int64
	closed bool
}

var (
	_ io.ReadWriteSeeker = (*Session)(nil)
	_ io.ReaderAt        = (*Session)(nil)
	_ io.WriterAt        = (*Session)(nil)
	_ chrdev.File        = (*Session)(nil)
)

// check reports whether the session may be used. Caller holds s.mu.
func (s *Session) check() error {
	if s.closed {
		return fmt.Errorf("%w: session closed", pkg.ErrInvalidState)
	}
	return nil
}

// Context returns the device context the session is bound to.
func (s *Session) Context() *DeviceContext {
	return s.dc
}

// Offset returns the current cursor position.
func (s *Session) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Read implements io.Reader at the cursor. It returns io.EOF once the
// cursor has reached the end of the region.
func (s *Session) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return 0, err
	}
	n, err := s.bridge.transfer(s.dc, s.cursor, len(p), func(mem []byte) { copy(p, mem) })
	if err != nil {
		return 0, err
	}
	s.cursor += int64(n)
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write implements io.Writer at the cursor. A write truncated by the end
// of the region returns io.ErrShortWrite with the count actually written.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return 0, err
	}
	n, err := s.bridge.transfer(s.dc, s.cursor, len(p), func(mem []byte) { copy(mem, p) })
	if err != nil {
		return 0, err
	}
	s.cursor += int64(n)
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// ReadAt implements io.ReaderAt. The cursor is not used or moved.
func (s *Session) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, fmt.Errorf("%w: session closed", pkg.ErrInvalidState)
	}

	n, err := s.bridge.transfer(s.dc, off, len(p), func(mem []byte) { copy(p, mem) })
	if err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt implements io.WriterAt. The cursor is not used or moved.
func (s *Session) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, fmt.Errorf("%w: session closed", pkg.ErrInvalidState)
	}

	n, err := s.bridge.transfer(s.dc, off, len(p), func(mem []byte) { copy(mem, p) })
	if err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

// Seek implements io.Seeker. Positions outside [0, region length] are
// rejected with [pkg.ErrInvalidParameter].
func (s *Session) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return 0, err
	}

	size := int64(s.dc.RegionLength())
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = s.cursor + offset
	case io.SeekEnd:
		pos = size + offset
	default:
		return s.cursor, fmt.Errorf("%w: whence %d", pkg.ErrInvalidParameter, whence)
	}
	if pos < 0 || pos > size {
		return s.cursor, fmt.Errorf("%w: seek to %d outside [0, %d]", pkg.ErrInvalidParameter, pos, size)
	}
	s.cursor = pos
	return pos, nil
}

// Close implements io.Closer.
func (s *Session) Close() error {
	return s.bridge.Close(s)
}
