// Package server runs the single-threaded, non-blocking event loop: one
// epoll instance (golang.org/x/sys/unix) multiplexing the listening socket
// and every client connection, exactly the architecture spec.md §4
// mandates instead of a goroutine-per-connection design. It is the Go
// translation of the original's poll(2) loop in server.cpp, upgraded to
// epoll because x/sys only exposes the modern Linux readiness API.
package server

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"kvd/internal/clock"
	"kvd/internal/config"
	"kvd/internal/keyspace"
	"kvd/internal/protocol"
)

const readBufSize = 64 * 1024

// Conn is one client connection: its raw fd, its pending I/O buffers, the
// epoll interest it currently wants, and its place in the idle list. The
// idlePrev/idleNext fields make Conn an intrusive doubly-linked list node,
// the same translation avltree.Node and hashmap.Node use for tree/chain
// membership, standing in for the original's DList.
type Conn struct {
	fd int

	incoming []byte
	outgoing []byte

	wantRead  bool
	wantWrite bool
	wantClose bool

	lastActiveMS int64

	idlePrev, idleNext *Conn
}

// Server owns the listening socket, the epoll instance, every live
// connection, and the keyspace those connections operate on.
type Server struct {
	cfg config.Config
	ks  *keyspace.World

	listenFd int
	epfd     int

	// Addr is the address actually bound, including the OS-assigned port
	// when cfg.ListenAddr names port 0 — useful for tests.
	Addr string

	conns map[int]*Conn

	// idleHead is a sentinel; idleHead.idleNext is the least-recently-
	// active connection, idleHead.idlePrev the most-recently-active one.
	idleHead Conn

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates the listening socket and epoll instance, but does not yet
// accept connections — call Run to start the loop.
func New(cfg config.Config, ks *keyspace.World) (*Server, error) {
	s := &Server{cfg: cfg, ks: ks, conns: make(map[int]*Conn), stopCh: make(chan struct{})}
	s.idleHead.idlePrev = &s.idleHead
	s.idleHead.idleNext = &s.idleHead

	fd, addr, err := listen(cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	s.listenFd = fd
	s.Addr = addr

	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("server: epoll_create1: %w", err)
	}
	s.epfd = epfd

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
		unix.Close(fd)
		unix.Close(epfd)
		return nil, fmt.Errorf("server: epoll_ctl(listener): %w", err)
	}

	return s, nil
}

func listen(addr string) (int, string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return -1, "", fmt.Errorf("server: bad listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return -1, "", fmt.Errorf("server: bad port in %q: %w", addr, err)
	}

	var ip [4]byte
	if host == "" {
		ip = [4]byte{0, 0, 0, 0}
	} else {
		addr, err := net.ResolveIPAddr("ip4", host)
		if err != nil {
			return -1, "", fmt.Errorf("server: resolve %q: %w", host, err)
		}
		copy(ip[:], addr.IP.To4())
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, "", fmt.Errorf("server: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("server: setsockopt(SO_REUSEADDR): %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port, Addr: ip}); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("server: bind: %w", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("server: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("server: set listener non-blocking: %w", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("server: getsockname: %w", err)
	}
	sa4, ok := bound.(*unix.SockaddrInet4)
	if !ok {
		unix.Close(fd)
		return -1, "", fmt.Errorf("server: unexpected sockaddr type %T", bound)
	}
	boundAddr := net.JoinHostPort(net.IP(sa4.Addr[:]).String(), strconv.Itoa(sa4.Port))
	return fd, boundAddr, nil
}

// Close releases the listening socket and epoll instance. It does not
// close live client connections; the process exiting does that.
func (s *Server) Close() {
	unix.Close(s.listenFd)
	unix.Close(s.epfd)
}

// Stop requests that Run return at its next iteration (within maxPollMS).
// Safe to call more than once and from a different goroutine than Run.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// maxPollMS bounds how long a single epoll_wait call may block, so Run can
// notice a Stop request promptly even when no connection or TTL deadline
// would otherwise wake it.
const maxPollMS = 500

// Run drives the event loop until Stop is called or a fatal error occurs.
// A clean shutdown returns nil.
func (s *Server) Run() error {
	events := make([]unix.EpollEvent, 128)
	for {
		select {
		case <-s.stopCh:
			return nil
		default:
		}

		timeout := s.nextTimerMS()
		if timeout < 0 || timeout > maxPollMS {
			timeout = maxPollMS
		}

		n, err := unix.EpollWait(s.epfd, events, int(timeout))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("server: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == s.listenFd {
				if err := s.handleAccept(); err != nil {
					log.Printf("accept: %v", err)
				}
				continue
			}
			s.handleConnEvent(s.conns[fd], events[i].Events)
		}

		s.processTimers()
	}
}

func (s *Server) handleConnEvent(c *Conn, mask uint32) {
	if c == nil {
		return
	}

	c.lastActiveMS = clock.NowMS()
	s.moveToIdleTail(c)

	if mask&unix.EPOLLIN != 0 {
		s.handleRead(c)
	}
	if mask&unix.EPOLLOUT != 0 {
		s.handleWrite(c)
	}
	if mask&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		c.wantClose = true
	}

	if c.wantClose {
		s.destroyConn(c)
		return
	}
	s.syncInterest(c)
}

func (s *Server) handleAccept() error {
	nfd, _, err := unix.Accept(s.listenFd)
	if err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return err
	}
	if err := unix.SetNonblock(nfd, true); err != nil {
		unix.Close(nfd)
		return err
	}

	c := &Conn{fd: nfd, wantRead: true, lastActiveMS: clock.NowMS()}
	s.conns[nfd] = c
	s.insertIdleTail(c)

	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, nfd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(nfd)}); err != nil {
		delete(s.conns, nfd)
		s.detachIdle(c)
		unix.Close(nfd)
		return err
	}
	return nil
}

func (s *Server) destroyConn(c *Conn) {
	unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, c.fd, nil)
	unix.Close(c.fd)
	delete(s.conns, c.fd)
	s.detachIdle(c)
}

func (s *Server) syncInterest(c *Conn) {
	var events uint32
	if c.wantRead {
		events |= unix.EPOLLIN
	}
	if c.wantWrite {
		events |= unix.EPOLLOUT
	}
	unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, c.fd, &unix.EpollEvent{Events: events, Fd: int32(c.fd)})
}

func (s *Server) handleRead(c *Conn) {
	var buf [readBufSize]byte
	n, err := unix.Read(c.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		log.Printf("read() error: fd=%d: %v", c.fd, err)
		c.wantClose = true
		return
	}
	if n == 0 {
		if len(c.incoming) == 0 {
			log.Printf("client closed: fd=%d", c.fd)
		} else {
			log.Printf("unexpected EOF: fd=%d", c.fd)
		}
		c.wantClose = true
		return
	}
	c.incoming = append(c.incoming, buf[:n]...)

	for s.tryOneRequest(c) {
	}

	if len(c.outgoing) > 0 {
		c.wantRead = false
		c.wantWrite = true
		s.handleWrite(c)
	}
}

// tryOneRequest consumes exactly one complete request frame from c's
// incoming buffer, dispatches it, and appends the reply to c's outgoing
// buffer. It reports whether a full frame was available, so callers can
// loop it to drain a pipeline of requests delivered in one read.
func (s *Server) tryOneRequest(c *Conn) bool {
	payload, total, ok, err := protocol.ExtractFrame(c.incoming)
	if err != nil {
		log.Printf("msg too long: fd=%d: %v", c.fd, err)
		c.wantClose = true
		return false
	}
	if !ok {
		return false
	}

	args, err := protocol.ParseArgs(payload)
	if err != nil {
		log.Printf("bad request: fd=%d: %v", c.fd, err)
		c.wantClose = true
		return false
	}

	var w protocol.Writer
	ctx := w.BeginResponse()
	s.ks.Dispatch(args, &w)
	w.EndResponse(ctx)
	c.outgoing = append(c.outgoing, w.Bytes()...)

	c.incoming = append(c.incoming[:0], c.incoming[total:]...)
	return true
}

func (s *Server) handleWrite(c *Conn) {
	n, err := unix.Write(c.fd, c.outgoing)
	if err != nil {
		if err == unix.EAGAIN {
			return
		}
		log.Printf("write() error: fd=%d: %v", c.fd, err)
		c.wantClose = true
		return
	}
	c.outgoing = append(c.outgoing[:0], c.outgoing[n:]...)
	if len(c.outgoing) == 0 {
		c.wantWrite = false
		c.wantRead = true
	}
}

// nextTimerMS returns the epoll_wait timeout: the true minimum of the
// earliest idle-timeout deadline and the earliest TTL deadline, or -1 when
// nothing is scheduled (Run replaces -1, and any value above maxPollMS,
// with maxPollMS, so the wait is never unbounded). The original computed this
// and then threw it away — an early `return -1;` sat before the rest of
// the function could run, so the idle timeout never actually fired
// (spec.md §9). This fixes that by evaluating both deadlines before
// deciding.
func (s *Server) nextTimerMS() int64 {
	now := clock.NowMS()

	var deadline int64 = -1
	if head := s.idleHead.idleNext; head != &s.idleHead {
		deadline = head.lastActiveMS + s.cfg.IdleTimeoutMS
	}

	if ttl := s.ks.NextDeadlineMS(); ttl >= 0 {
		absolute := now + ttl
		if deadline == -1 || absolute < deadline {
			deadline = absolute
		}
	}

	if deadline == -1 {
		return -1
	}
	if deadline <= now {
		return 0
	}
	return deadline - now
}

// processTimers closes every connection that has been idle past
// cfg.IdleTimeoutMS, then runs one bounded TTL expiration sweep.
func (s *Server) processTimers() {
	now := clock.NowMS()
	for {
		c := s.idleHead.idleNext
		if c == &s.idleHead {
			break
		}
		if c.lastActiveMS+s.cfg.IdleTimeoutMS >= now {
			break
		}
		log.Printf("closing idle connection: fd=%d", c.fd)
		s.destroyConn(c)
	}

	s.ks.Sweep()
}

func (s *Server) insertIdleTail(c *Conn) {
	c.idlePrev = s.idleHead.idlePrev
	c.idleNext = &s.idleHead
	s.idleHead.idlePrev.idleNext = c
	s.idleHead.idlePrev = c
}

func (s *Server) detachIdle(c *Conn) {
	if c.idlePrev == nil {
		return
	}
	c.idlePrev.idleNext = c.idleNext
	c.idleNext.idlePrev = c.idlePrev
	c.idlePrev, c.idleNext = nil, nil
}

func (s *Server) moveToIdleTail(c *Conn) {
	s.detachIdle(c)
	s.insertIdleTail(c)
}
