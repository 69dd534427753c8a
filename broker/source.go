package broker

import (
	"golang.org/x/sys/unix"
)

// Source surfaces the selected producer's most recent buffer to the
// host's render pipeline. At most one client is selected at a time and
// the selection holds until that client disconnects.
type Source struct {
	srv *Server
	imp TextureImporter

	tex      Texture
	bufID    uint64
	clientID uint64
	flip     bool
	winID    uint32
}

func NewSource(srv *Server, imp TextureImporter) *Source {
	return &Source{srv: srv, imp: imp}
}

// Tick runs once per host video tick. Under the server mutex it retires
// a vanished selection, rebuilds the texture when the selected client
// delivered a newer buffer, and elects a client when none is selected,
// kicking it awake with a single byte.
func (s *Source) Tick() {
	s.srv.mu.Lock()
	defer s.srv.mu.Unlock()

	var sel *client
	if s.clientID != 0 {
		for _, c := range s.srv.clients {
			if c.id == s.clientID {
				sel = c
				break
			}
		}
		if sel == nil {
			s.dropTexture()
			s.clientID = 0
		}
	}

	if sel != nil && sel.haveTexture && sel.bufID != s.bufID {
		s.dropTexture()
		tex, err := s.imp.Import(sel.tdata, sel.bufFds[:sel.tdata.NFD])
		if err != nil {
			s.srv.errorLog.Printf("client %d: %v", sel.id, err)
		} else {
			s.tex = tex
			s.flip = sel.tdata.Flip
			s.winID = sel.tdata.WinID
		}
		s.bufID = sel.bufID
	}

	if s.clientID == 0 && len(s.srv.clients) > 0 {
		pick := s.srv.clients[0]
		s.clientID = pick.id
		if _, err := unix.Write(pick.fd, []byte{1}); err != nil {
			s.srv.warnLog.Printf("client %d: kick: %v", pick.id, err)
		} else {
			s.srv.infoLog.Printf("selected client %d", pick.id)
		}
	}
}

// Texture returns the currently bound texture, nil on cold start or
// after the producer detached.
func (s *Source) Texture() Texture {
	return s.tex
}

// Flip reports whether the bound texture renders vertically flipped.
func (s *Source) Flip() bool {
	return s.flip
}

// WindowID is the producer's X11 window, zero when unknown. Cursor
// overlay drawn from it is the host's business.
func (s *Source) WindowID() uint32 {
	return s.winID
}

// Detach releases the texture and forgets the selection.
func (s *Source) Detach() {
	s.srv.mu.Lock()
	s.dropTexture()
	s.clientID = 0
	s.srv.mu.Unlock()
}

func (s *Source) dropTexture() {
	if s.tex != nil {
		s.tex.Release()
		s.tex = nil
	}
	s.bufID = 0
	s.flip = false
	s.winID = 0
}
