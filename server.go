package usbip

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// Server is the USB/IP daemon: a registry of locally-bound devices (each
// backed by a peripheral façade and whatever class-layer code drives it)
// plus a TCP listener handing accepted connections off to per-client
// sessions.
type Server struct {
	log *slog.Logger

	mu        sync.RWMutex
	byBusID   map[string]*DeviceCore
	byDevid   map[uint32]*DeviceCore
	nextDevid uint32
}

// NewServer returns an empty registry. log receives the listener's and the
// sessions' diagnostics (listen address, session end, enumeration failures,
// protocol errors); a nil log discards them.
func NewServer(log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Server{
		log:     log,
		byBusID: make(map[string]*DeviceCore),
		byDevid: make(map[uint32]*DeviceCore),
	}
}

// Attach binds a peripheral-backed device under busID and assigns it a
// permanent devid, auto-incrementing from 1 and never reusing one for the
// lifetime of the server. Attach should run once per device at startup,
// before Serve begins accepting connections; enumeration (populating the
// core's DeviceInfo) can happen lazily on the first DevList/Import that
// touches it.
func (s *Server) Attach(busID string, core *DeviceCore) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDevid++
	core.Devid = s.nextDevid
	core.BusID = busID
	s.byBusID[busID] = core
	s.byDevid[s.nextDevid] = core
	return s.nextDevid
}

// Devices returns every registered device core, in no particular order.
func (s *Server) Devices() []*DeviceCore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*DeviceCore, 0, len(s.byBusID))
	for _, c := range s.byBusID {
		out = append(out, c)
	}
	return out
}

// Lookup resolves a bus id to its device core, as OP_REQ_IMPORT does.
func (s *Server) Lookup(busID string) (*DeviceCore, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byBusID[busID]
	return c, ok
}

// LookupDevid resolves a devid, as OP_CMD_SUBMIT/UNLINK do.
func (s *Server) LookupDevid(devid uint32) (*DeviceCore, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byDevid[devid]
	return c, ok
}

// Serve accepts connections on addr until ctx is cancelled or the listener
// fails. Each connection runs its own Session concurrently; Serve does not
// wait for sessions to finish before returning an Accept error.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, "usbip: listen")
	}
	s.log.Info("usbip: listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "usbip: accept")
		}
		sess := NewSession(conn, s, s.log)
		go func() {
			if err := sess.Run(ctx); err != nil {
				s.log.Debug("usbip: session ended", "remote", conn.RemoteAddr().String(), "err", err)
			}
		}()
	}
}
