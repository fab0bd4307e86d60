//go:build linux

package inotify

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/benbjohnson/dirnotify"
)

// Port multiplexes inotify handles with epoll. A non-blocking pipe registered
// with the same epoll instance wakes the waiter for sentinels, ready handles
// and close.
type Port struct {
	mu     sync.Mutex
	epfd   int
	events []unix.EpollEvent
	pipe   struct {
		r int // read pipe file descriptor
		w int // write pipe file descriptor
	}

	handles   map[int32]*Handle
	ready     []*Handle
	sentinels int
	waiting   bool
	closed    bool
	released  bool
}

// NewPort returns a new instance of Port.
func NewPort() (_ *Port, err error) {
	p := &Port{
		events:  make([]unix.EpollEvent, 64),
		handles: make(map[int32]*Handle),
	}

	if p.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		return nil, fmt.Errorf("cannot create epoll: %w", err)
	}

	pipe := []int{-1, -1}
	if err := unix.Pipe2(pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(p.epfd)
		return nil, fmt.Errorf("cannot create epoll pipe: %w", err)
	}
	p.pipe.r, p.pipe.w = pipe[0], pipe[1]

	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, p.pipe.r, &unix.EpollEvent{
		Fd:     int32(p.pipe.r),
		Events: unix.EPOLLIN,
	}); err != nil {
		p.release()
		return nil, fmt.Errorf("cannot add pipe to epoll: %w", err)
	}

	return p, nil
}

// Associate registers an inotify handle with the port. The handle stays
// disabled until it is armed.
func (p *Port) Associate(dh dirnotify.Handle, key dirnotify.Key) error {
	h, ok := dh.(*Handle)
	if !ok {
		return fmt.Errorf("inotify: cannot associate handle of type %T", dh)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return dirnotify.ErrClosed
	} else if h.closed {
		return dirnotify.ErrClosed
	}

	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, h.fd, &unix.EpollEvent{
		Fd:     int32(h.fd),
		Events: unix.EPOLLONESHOT,
	}); err != nil {
		return fmt.Errorf("cannot add inotify to epoll: %w", err)
	}

	p.handles[int32(h.fd)] = h
	h.port, h.key = p, key
	return nil
}

// Wait blocks until an armed handle has events or a sentinel is posted.
func (p *Port) Wait() (dirnotify.Completion, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return dirnotify.Completion{}, dirnotify.ErrClosed
	}
	p.waiting = true
	p.mu.Unlock()

	c, err := p.wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Descriptors are released by the waiter if the port was closed while
	// it was blocked in epoll_wait.
	p.waiting = false
	if p.closed {
		p.release()
		return dirnotify.Completion{}, dirnotify.ErrClosed
	}
	return c, err
}

func (p *Port) wait() (dirnotify.Completion, error) {
	for {
		if h, sentinel, closed := p.next(); closed {
			return dirnotify.Completion{}, dirnotify.ErrClosed
		} else if sentinel {
			return dirnotify.Completion{Sentinel: true}, nil
		} else if h != nil {
			if c, ok := h.complete(); ok {
				return c, nil
			}
			continue
		}

		n, err := unix.EpollWait(p.epfd, p.events, -1)
		if n == 0 || err == unix.EINTR {
			continue
		} else if err != nil {
			return dirnotify.Completion{}, fmt.Errorf("epoll wait: %w", err)
		}

		p.mu.Lock()
		for _, event := range p.events[:n] {
			switch event.Fd {
			case int32(p.pipe.r):
				if _, err := unix.Read(p.pipe.r, make([]byte, 1024)); err != nil && err != unix.EAGAIN {
					p.mu.Unlock()
					return dirnotify.Completion{}, fmt.Errorf("epoll pipe error: %w", err)
				}
			default:
				if h := p.handles[event.Fd]; h != nil {
					p.ready = append(p.ready, h)
				}
			}
		}
		p.mu.Unlock()
	}
}

// next pops the next thing to deliver without blocking.
func (p *Port) next() (h *Handle, sentinel, closed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.closed:
		return nil, false, true
	case p.sentinels > 0:
		p.sentinels--
		return nil, true, false
	case len(p.ready) > 0:
		h, p.ready = p.ready[0], p.ready[1:]
		return h, false, false
	}
	return nil, false, false
}

// PostSentinel wakes the waiter with a sentinel completion.
func (p *Port) PostSentinel() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return dirnotify.ErrClosed
	}
	p.sentinels++
	return p.wake()
}

// Close closes the port. If a waiter is blocked it is woken and releases the
// descriptors itself.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.waiting {
		return p.wake()
	}
	p.release()
	return nil
}

// enable re-enables a one-shot handle registration.
func (p *Port) enable(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Fd:     int32(fd),
		Events: unix.EPOLLIN | unix.EPOLLONESHOT,
	})
}

// pushReady queues h for delivery without polling its descriptor.
func (p *Port) pushReady(h *Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return dirnotify.ErrClosed
	}
	p.ready = append(p.ready, h)
	return p.wake()
}

// remove unregisters h. Must not hold p.mu.
func (p *Port) remove(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.handles[int32(h.fd)] == h {
		delete(p.handles, int32(h.fd))
		if !p.released {
			_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, h.fd, nil)
		}
	}

	for i := 0; i < len(p.ready); i++ {
		if p.ready[i] == h {
			p.ready = append(p.ready[:i], p.ready[i+1:]...)
			i--
		}
	}
}

// wake writes a byte to the pipe. Must hold p.mu.
func (p *Port) wake() error {
	if _, err := unix.Write(p.pipe.w, []byte{0}); err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

// release closes all descriptors. Must hold p.mu.
func (p *Port) release() {
	if p.released {
		return
	}
	p.released = true

	unix.Close(p.epfd)
	unix.Close(p.pipe.w)
	unix.Close(p.pipe.r)
}
