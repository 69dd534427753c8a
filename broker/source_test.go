package broker

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Postnozet/obs-vkcapture/wire"
)

type fakeTexture struct {
	released *int
}

func (f *fakeTexture) Release() {
	*f.released++
}

type fakeImporter struct {
	imports  int
	releases int
	fail     bool
	last     wire.TextureInfo
}

func (f *fakeImporter) Import(info wire.TextureInfo, fds []int) (Texture, error) {
	if f.fail {
		return nil, errors.New("fake import failure")
	}
	f.imports++
	f.last = info
	return &fakeTexture{released: &f.releases}, nil
}

func readKick(t *testing.T, c *net.UnixConn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var b [1]byte
	n, err := c.Read(b[:])
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestSourceSelectsKicksAndSwitches(t *testing.T) {
	srv := startTestServer(t)
	imp := &fakeImporter{}
	src := NewSource(srv, imp)

	one := dialProducer(t, srv)
	waitClients(t, srv, 1)
	two := dialProducer(t, srv)
	waitClients(t, srv, 2)

	src.Tick()
	readKick(t, one)

	// Selection is stable while the first producer lives.
	src.Tick()
	require.NoError(t, two.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	var b [1]byte
	_, err := two.Read(b[:])
	assert.Error(t, err, "the unselected producer must not be kicked")

	one.Close()
	waitClients(t, srv, 1)
	src.Tick()
	readKick(t, two)
}

func TestSourceRebuildsOnNewBuffer(t *testing.T) {
	srv := startTestServer(t)
	imp := &fakeImporter{}
	src := NewSource(srv, imp)

	producer := dialProducer(t, srv)
	waitClients(t, srv, 1)
	src.Tick()
	readKick(t, producer)

	info := wire.TextureInfo{Width: 1920, Height: 1080, NFD: 1, Flip: true}
	sendTexture(t, producer, info, []int{devNullFd(t)})
	require.Eventually(t, func() bool {
		return clientSnapshot(srv)[0].bufID == 1
	}, 3*time.Second, 5*time.Millisecond)

	src.Tick()
	require.NotNil(t, src.Texture())
	assert.Equal(t, 1, imp.imports)
	assert.Equal(t, uint32(1920), imp.last.Width)
	assert.True(t, src.Flip())

	// The same metadata delivered again is a new buffer generation.
	sendTexture(t, producer, info, []int{devNullFd(t)})
	require.Eventually(t, func() bool {
		return clientSnapshot(srv)[0].bufID == 2
	}, 3*time.Second, 5*time.Millisecond)
	src.Tick()
	assert.Equal(t, 2, imp.imports)
	assert.Equal(t, 1, imp.releases, "the old texture is torn down on rebuild")

	// No new buffer, no rebuild.
	src.Tick()
	assert.Equal(t, 2, imp.imports)
}

func TestSourceClearsWhenProducerVanishes(t *testing.T) {
	srv := startTestServer(t)
	imp := &fakeImporter{}
	src := NewSource(srv, imp)

	producer := dialProducer(t, srv)
	waitClients(t, srv, 1)
	src.Tick()
	readKick(t, producer)
	sendTexture(t, producer, wire.TextureInfo{Width: 8, Height: 8, NFD: 1}, []int{devNullFd(t)})
	require.Eventually(t, func() bool {
		return clientSnapshot(srv)[0].bufID == 1
	}, 3*time.Second, 5*time.Millisecond)
	src.Tick()
	require.NotNil(t, src.Texture())

	producer.Close()
	waitClients(t, srv, 0)
	src.Tick()
	assert.Nil(t, src.Texture())
	assert.Equal(t, 1, imp.releases)
	assert.False(t, src.Flip())
}

func TestSourceKeepsRunningPastImportFailure(t *testing.T) {
	srv := startTestServer(t)
	imp := &fakeImporter{fail: true}
	src := NewSource(srv, imp)

	producer := dialProducer(t, srv)
	waitClients(t, srv, 1)
	src.Tick()
	readKick(t, producer)
	sendTexture(t, producer, wire.TextureInfo{Width: 8, Height: 8, NFD: 1}, []int{devNullFd(t)})
	require.Eventually(t, func() bool {
		return clientSnapshot(srv)[0].bufID == 1
	}, 3*time.Second, 5*time.Millisecond)

	src.Tick()
	assert.Nil(t, src.Texture())

	// The failed generation is not retried every tick.
	imp.fail = false
	src.Tick()
	assert.Zero(t, imp.imports)
}

func TestDetachReleasesTexture(t *testing.T) {
	srv := startTestServer(t)
	imp := &fakeImporter{}
	src := NewSource(srv, imp)

	producer := dialProducer(t, srv)
	waitClients(t, srv, 1)
	src.Tick()
	readKick(t, producer)
	sendTexture(t, producer, wire.TextureInfo{Width: 8, Height: 8, NFD: 1}, []int{devNullFd(t)})
	require.Eventually(t, func() bool {
		return clientSnapshot(srv)[0].bufID == 1
	}, 3*time.Second, 5*time.Millisecond)
	src.Tick()
	require.NotNil(t, src.Texture())

	src.Detach()
	assert.Nil(t, src.Texture())
	assert.Equal(t, 1, imp.releases)

	// The next tick may re-elect and rebuild from scratch.
	src.Tick()
	readKick(t, producer)
	src.Tick()
	assert.Equal(t, 2, imp.imports)
}