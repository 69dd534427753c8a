package layer

import (
	"errors"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/Postnozet/obs-vkcapture/wire"
)

// connectInterval paces reconnect attempts: one per this many present
// calls, roughly 1 Hz at 60 fps.
const connectInterval = 60

// socketPath is where the broker listens; a variable so tests can
// rendezvous away from the well-known path.
var socketPath = wire.SocketPath

// connection is the process-singleton link to the broker. It is shared
// by every device the application creates; whether capture is running
// is kept in the owning device's current-swapchain pointer.
type connection struct {
	fd    int
	ticks uint32

	// active flips when the broker's kick byte arrives; export setup
	// waits for it so the broker never sees texture data before it has
	// selected this producer. The byte's value is meaningless.
	active bool
}

var conn connection

func (c *connection) reset() {
	if c.fd > 0 {
		unix.Close(c.fd)
	}
	c.fd = -1
	c.ticks = 0
	c.active = false
}

func (c *connection) connected() bool {
	return c.fd >= 0
}

// tryConnect dials the rendezvous socket. The connect itself blocks; the
// socket switches to nonblocking once up, and the producer identifies
// itself right away.
func (c *connection) tryConnect() bool {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return false
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: socketPath}); err != nil {
		unix.Close(fd)
		return false
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return false
	}
	c.fd = fd

	info := wire.ClientInfo{
		PID: uint32(os.Getpid()),
		API: wire.CaptureVulkan,
	}
	info.SetExe(filepath.Base(os.Args[0]))
	if _, err := unix.Write(fd, info.Encode()); err != nil {
		c.reset()
		return false
	}
	infoLog.Printf("connected to %s", socketPath)
	return true
}

// update is the per-present upkeep. Connect attempts are throttled to
// one in connectInterval calls; the count restarts whenever the
// connection drops, so the first attempt after a drop comes on the next
// call. An open socket is probed every call with a single nonblocking
// read, which is also how the kick byte and the broker's EOF arrive.
// EAGAIN and EINTR are benign; anything else drops the connection.
func (c *connection) update() {
	c.ticks++
	if c.fd < 0 {
		if c.ticks%connectInterval == 1 {
			c.tryConnect()
		}
		return
	}
	var probe [1]byte
	n, err := unix.Read(c.fd, probe[:])
	switch {
	case err == nil && n == 0:
		infoLog.Print("broker closed the connection")
		c.reset()
	case err == nil:
		c.active = true
	case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR):
	default:
		warnLog.Printf("connection probe: %v", err)
		c.reset()
	}
}

// sendTexture delivers the texture metadata with the DMA-BUF fds as
// SCM_RIGHTS ancillary data.
func (c *connection) sendTexture(info *wire.TextureInfo, fds []int) error {
	if c.fd < 0 {
		return errors.New("not connected")
	}
	rights := unix.UnixRights(fds...)
	if err := unix.Sendmsg(c.fd, info.Encode(), rights, nil, 0); err != nil {
		c.reset()
		return err
	}
	return nil
}

func closeFd(fd int) {
	unix.Close(fd)
}
