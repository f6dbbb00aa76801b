//go:build linux

package linux

import (
	"errors"
	"sync"

	"golang.org/x/sys/unix"
)

// =============================================================================
// Poller
// =============================================================================

// poller waits for readability on a set of file descriptors with epoll. An
// eventfd lets another goroutine wake it.
type poller struct {
	epfd   int // epoll file descriptor
	wakefd int // eventfd for waking the poller

	mu  sync.Mutex
	fds map[int]func(uint32) // Callbacks by file descriptor
}

// newPoller creates a new poller instance.
func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	p := &poller{
		epfd:   epfd,
		wakefd: wakefd,
		fds:    make(map[int]func(uint32)),
	}

	if err := p.addFD(wakefd, nil); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

// close releases the poller's descriptors.
func (p *poller) close() error {
	return errors.Join(unix.Close(p.wakefd), unix.Close(p.epfd))
}

// addFD watches fd for readability and calls callback when it is readable.
func (p *poller) addFD(fd int, callback func(uint32)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	event := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return err
	}
	p.fds[fd] = callback
	return nil
}

// delFD stops watching fd.
func (p *poller) delFD(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.fds, fd)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wake makes a blocked pollOnce return.
func (p *poller) wake() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(p.wakefd, buf[:])
	return err
}

// pollOnce performs a single poll iteration.
// timeout is in milliseconds, -1 for infinite, 0 for non-blocking.
// It returns the number of callbacks run and whether a wake was seen.
func (p *poller) pollOnce(timeout int) (processed int, woken bool, err error) {
	var events [MaxEpollEvents]unix.EpollEvent

	n, err := unix.EpollWait(p.epfd, events[:], timeout)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, false, nil
		}
		return 0, false, err
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)

		if fd == p.wakefd {
			// Drain the eventfd
			var buf [8]byte
			unix.Read(p.wakefd, buf[:])
			woken = true
			continue
		}

		p.mu.Lock()
		callback := p.fds[fd]
		p.mu.Unlock()

		if callback != nil {
			callback(events[i].Events)
			processed++
		}
	}
	return processed, woken, nil
}
