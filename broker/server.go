// Package broker is the consumer half of the capture pipe: a UNIX-socket
// server that collects producer metadata and DMA-BUF fds, and a source
// adapter that surfaces the selected producer's latest buffer as a GPU
// texture.
package broker

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/Postnozet/obs-vkcapture/wire"
)

const pollTimeoutMs = 1000

// Config carries the broker's two knobs. The in-host plugin surface has
// no flags; SocketPath exists so tests and the standalone daemon can
// rendezvous away from the well-known path.
type Config struct {
	SocketPath string
	ShowCursor bool
}

// client is one connected producer. All fields are guarded by the
// server mutex; bufFds slots beyond the last TextureInfo's NFD are -1.
type client struct {
	id          uint64
	fd          int
	info        wire.ClientInfo
	haveInfo    bool
	tdata       wire.TextureInfo
	haveTexture bool
	bufFds      [wire.MaxPlanes]int
	bufID       uint64
}

// Server accepts producer connections and keeps per-client buffer state
// current. One background goroutine owns the socket I/O; render-thread
// callbacks read the shared state under the mutex.
type Server struct {
	cfg Config

	mu      sync.Mutex
	clients []*client
	nextID  uint64

	listenFd int
	quit     atomic.Bool
	done     chan struct{}

	infoLog  *log.Logger
	warnLog  *log.Logger
	errorLog *log.Logger
}

// NewServer prepares a broker for cfg. Zero-value fields fall back to
// the well-known socket path and stderr logging.
func NewServer(cfg Config) *Server {
	if cfg.SocketPath == "" {
		cfg.SocketPath = wire.SocketPath
	}
	return &Server{
		cfg:      cfg,
		listenFd: -1,
		done:     make(chan struct{}),
		infoLog:  log.New(os.Stderr, "INFO: vkcapture-broker: ", log.Ldate|log.Ltime),
		warnLog:  log.New(os.Stderr, "WARNING: vkcapture-broker: ", log.Ldate|log.Ltime),
		errorLog: log.New(os.Stderr, "ERROR: vkcapture-broker: ", log.Ldate|log.Ltime),
	}
}

// Start binds the rendezvous socket and launches the server loop. A
// stale socket file from a dead broker is unlinked first.
func (s *Server) Start() error {
	os.Remove(s.cfg.SocketPath)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return fmt.Errorf("broker: socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: s.cfg.SocketPath}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("broker: bind %s: %w", s.cfg.SocketPath, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		os.Remove(s.cfg.SocketPath)
		return fmt.Errorf("broker: listen: %w", err)
	}
	s.listenFd = fd
	s.infoLog.Printf("listening on %s", s.cfg.SocketPath)

	go s.run()
	return nil
}

// Stop asks the server loop to exit and waits for its teardown.
func (s *Server) Stop() {
	s.quit.Store(true)
	<-s.done
}

func (s *Server) run() {
	defer close(s.done)
	for !s.quit.Load() {
		fds, byFd := s.pollSet()
		n, err := unix.Poll(fds, pollTimeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			s.errorLog.Printf("poll: %v", err)
			break
		}
		if n == 0 {
			continue
		}
		for _, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			if int(pfd.Fd) == s.listenFd {
				s.acceptOne()
				continue
			}
			if c, ok := byFd[int(pfd.Fd)]; ok {
				s.drainClient(c)
			}
		}
	}

	s.mu.Lock()
	for len(s.clients) > 0 {
		s.cleanupClientLocked(s.clients[0])
	}
	s.mu.Unlock()
	unix.Close(s.listenFd)
	s.listenFd = -1
	os.Remove(s.cfg.SocketPath)
	s.infoLog.Print("shut down")
}

// pollSet snapshots the listener plus every client socket. Client fds
// cannot be closed between the snapshot and the poll because only this
// goroutine cleans clients up.
func (s *Server) pollSet() ([]unix.PollFd, map[int]*client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fds := make([]unix.PollFd, 0, len(s.clients)+1)
	fds = append(fds, unix.PollFd{Fd: int32(s.listenFd), Events: unix.POLLIN})
	byFd := make(map[int]*client, len(s.clients))
	for _, c := range s.clients {
		fds = append(fds, unix.PollFd{Fd: int32(c.fd), Events: unix.POLLIN})
		byFd[c.fd] = c
	}
	return fds, byFd
}

func (s *Server) acceptOne() {
	fd, _, err := unix.Accept4(s.listenFd, unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK) {
			s.warnLog.Printf("accept: %v", err)
		}
		return
	}
	s.mu.Lock()
	s.nextID++
	c := &client{id: s.nextID, fd: fd}
	for i := range c.bufFds {
		c.bufFds[i] = -1
	}
	s.clients = append(s.clients, c)
	s.mu.Unlock()
	s.infoLog.Printf("client %d connected", c.id)
}

// drainClient consumes everything pending on one client socket. A
// ClientInfo ends the drain for this wake; a protocol violation of any
// kind removes the client and closes whatever fds it just delivered.
func (s *Server) drainClient(c *client) {
	buf := make([]byte, wire.TextureInfoSize+wire.ClientInfoSize)
	oob := make([]byte, unix.CmsgSpace(4*wire.MaxPlanes))
	for {
		n, oobn, _, _, err := unix.Recvmsg(c.fd, buf, oob, 0)
		switch {
		case err == nil:
		case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK):
			return
		case errors.Is(err, unix.ECONNRESET):
			s.cleanupClient(c)
			return
		default:
			s.errorLog.Printf("client %d: recvmsg: %v", c.id, err)
			s.cleanupClient(c)
			return
		}
		if n == 0 {
			s.infoLog.Printf("client %d disconnected", c.id)
			s.cleanupClient(c)
			return
		}

		switch buf[0] {
		case wire.MsgClientInfo:
			info, err := wire.DecodeClientInfo(buf[:n])
			if err != nil {
				s.warnLog.Printf("client %d: %v", c.id, err)
				s.cleanupClient(c)
				return
			}
			s.mu.Lock()
			c.info = info
			c.haveInfo = true
			s.mu.Unlock()
			s.infoLog.Printf("client %d is %s (pid %d)", c.id, info.ExeString(), info.PID)
			// One message per wake; the rest keeps until the next poll.
			return

		case wire.MsgTextureInfo:
			fds, ferr := parseRights(oob[:oobn])
			tdata, terr := wire.DecodeTextureInfo(buf[:n])
			if ferr != nil || terr != nil || len(fds) != int(tdata.NFD) {
				closeFds(fds)
				s.warnLog.Printf("client %d: bad texture message (fds=%d err=%v/%v)", c.id, len(fds), ferr, terr)
				s.cleanupClient(c)
				return
			}
			s.mu.Lock()
			for i, fd := range c.bufFds {
				if fd >= 0 {
					unix.Close(fd)
				}
				c.bufFds[i] = -1
			}
			copy(c.bufFds[:], fds)
			c.tdata = tdata
			c.haveTexture = true
			c.bufID++
			s.mu.Unlock()
			s.infoLog.Printf("client %d: texture %dx%d (%d fds)", c.id, tdata.Width, tdata.Height, tdata.NFD)

		default:
			s.warnLog.Printf("client %d: unknown message %d", c.id, buf[0])
			s.cleanupClient(c)
			return
		}
	}
}

func (s *Server) cleanupClient(c *client) {
	s.mu.Lock()
	s.cleanupClientLocked(c)
	s.mu.Unlock()
}

// cleanupClientLocked closes the client socket and every buffer fd it
// delivered, exactly once each, and drops it from the poll set.
func (s *Server) cleanupClientLocked(c *client) {
	for i := range s.clients {
		if s.clients[i] == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			break
		}
	}
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}
	for i, fd := range c.bufFds {
		if fd >= 0 {
			unix.Close(fd)
			c.bufFds[i] = -1
		}
	}
}

// parseRights extracts the fds of a single SCM_RIGHTS control message.
func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}
	var fds []int
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SCM_RIGHTS {
			return fds, errors.New("unexpected control message")
		}
		got, err := unix.ParseUnixRights(&scm)
		if err != nil {
			return fds, fmt.Errorf("parse unix rights: %w", err)
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

func closeFds(fds []int) {
	for _, fd := range fds {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
}
