//go:build linux

package socketpool

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is the Linux readiness backend for Pool, multiplexing UDP
// sockets with a single epoll(7) instance (spec.md §4.3). Unlike the
// TUN wrapper this is adapted from, it watches only EPOLLIN: sends are
// never queued, so a socket pool has no write-readiness state to track.
type epollPoller struct {
	epfd int
}

// newPoller creates the process's epoll instance.
func newPoller() (poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: fd}, nil
}

// add registers fd for edge-triggered read readiness, keyed by fd so events
// hand back the fd directly as a Token (Token(fd) by construction, see
// Socket.Token). EPOLLET means a ready notification fires once per
// transition to readable, so the caller's drain loop must keep reading
// until IsWouldBlock (spec.md §4.3 "Drain discipline").
func (p *epollPoller) add(fd int) error {
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// remove deregisters fd. It is not an error if fd was never registered.
func (p *epollPoller) remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.ENOENT) {
		return nil
	}
	return err
}

// wait blocks for at most timeout for at least one registered socket to
// become readable, writing ready tokens into tokens and returning the count
// written. A negative timeout blocks indefinitely, matching epoll_wait's own
// convention.
func (p *epollPoller) wait(timeout time.Duration, tokens []Token) (int, error) {
	ms := int(timeout / time.Millisecond)
	if timeout < 0 {
		ms = -1
	}

	raw := make([]unix.EpollEvent, len(tokens))
	for {
		n, err := unix.EpollWait(p.epfd, raw, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, err
		}
		for i := 0; i < n; i++ {
			tokens[i] = Token(raw[i].Fd)
		}
		return n, nil
	}
}

// close releases the epoll instance itself; it does not touch the sockets
// registered with it.
func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}
