package usbip

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Session is one accepted TCP connection: the wire reader that decodes and
// dispatches requests, and the completion pump that encodes finished URBs
// back as OP_RET_SUBMIT. The two run as sibling goroutines under an
// errgroup.Group, so either one failing (a malformed PDU, a write error)
// tears down the other and closes the connection instead of leaking a
// stuck half-session.
type Session struct {
	conn   net.Conn
	server *Server
	log    *slog.Logger

	decoder *Decoder
	reader  *bufio.Reader

	writeMu sync.Mutex

	mu       sync.Mutex
	imported map[uint32]*DeviceCore

	completions chan *Urb
}

// NewSession wraps an accepted connection. server resolves bus ids and
// devids against the registry of attached devices.
func NewSession(conn net.Conn, server *Server, log *slog.Logger) *Session {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Session{
		conn:        conn,
		server:      server,
		log:         log,
		decoder:     NewDecoder(log),
		reader:      bufio.NewReader(conn),
		imported:    make(map[uint32]*DeviceCore),
		completions: make(chan *Urb, 64),
	}
}

// Complete implements CompletionSink: a device core imported by this
// session routes its wire-bound completions here.
func (s *Session) Complete(urb *Urb) {
	s.completions <- urb
}

// Run drives the session until the connection closes, ctx is cancelled, or
// a malformed frame forces the connection shut per §7. It always detaches
// every device the session had imported before returning, so other
// sessions may import them afterward.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	// readLoop blocks in conn.Read, which does not watch gctx; closing the
	// connection once gctx is done is what unblocks it.
	go func() {
		<-gctx.Done()
		s.conn.Close()
	}()
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.completionPump(gctx) })

	err := g.Wait()
	s.conn.Close()
	s.detachAll()
	return err
}

func (s *Session) detachAll() {
	s.mu.Lock()
	cores := make([]*DeviceCore, 0, len(s.imported))
	for _, c := range s.imported {
		cores = append(cores, c)
	}
	s.imported = make(map[uint32]*DeviceCore)
	s.mu.Unlock()

	for _, c := range cores {
		c.SetSink(nil)
	}
}

func (s *Session) readLoop(ctx context.Context) error {
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		n, err := s.reader.Read(buf)
		if err != nil {
			return err
		}
		s.decoder.Feed(buf[:n])

		for {
			req, ok, err := s.decoder.Next()
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if err := s.dispatch(ctx, req); err != nil {
				return err
			}
		}
	}
}

func (s *Session) write(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(b)
	return err
}

func (s *Session) dispatch(ctx context.Context, req Request) error {
	switch r := req.(type) {
	case RequestDevList:
		return s.handleDevList(ctx)
	case RequestImport:
		return s.handleImport(ctx, r)
	case RequestSubmit:
		return s.handleSubmit(r)
	case RequestUnlink:
		return s.handleUnlink(r)
	default:
		return errors.Errorf("usbip: unhandled request type %T", req)
	}
}

// handleDevList answers OP_REQ_DEVLIST: every attached device core,
// enumerating any that haven't been probed yet.
func (s *Session) handleDevList(ctx context.Context) error {
	var devices []DeviceInfo
	for _, core := range s.server.Devices() {
		info := core.Info()
		if info == nil {
			var err error
			info, _, err = Enumerate(ctx, core)
			if err != nil {
				s.log.Warn("usbip: enumeration failed", "busid", core.BusID, "err", err)
				continue
			}
		}
		devices = append(devices, *info)
	}
	b, err := EncodeResponse(ResponseDevList{Devices: devices})
	if err != nil {
		return err
	}
	return s.write(b)
}

// handleImport answers OP_REQ_IMPORT: on success the device's wire
// completions are routed to this session. A device already imported by
// another session is not refused; the later import rebinds its completions.
func (s *Session) handleImport(ctx context.Context, r RequestImport) error {
	core, ok := s.server.Lookup(r.BusID)
	if !ok {
		b, err := EncodeResponse(ResponseImport{Status: 1, Device: nil})
		if err != nil {
			return err
		}
		return s.write(b)
	}

	info := core.Info()
	if info == nil {
		var err error
		info, _, err = Enumerate(ctx, core)
		if err != nil {
			s.log.Warn("usbip: enumeration failed", "busid", core.BusID, "err", err)
			b, encErr := EncodeResponse(ResponseImport{Status: 1, Device: nil})
			if encErr != nil {
				return encErr
			}
			return s.write(b)
		}
	}

	core.SetSink(s)
	s.mu.Lock()
	s.imported[core.Devid] = core
	s.mu.Unlock()

	b, err := EncodeResponse(ResponseImport{Status: 0, Device: info})
	if err != nil {
		return err
	}
	return s.write(b)
}

// handleSubmit answers OP_CMD_SUBMIT by enqueueing a URB. The reply travels
// back later through the completion pump, except for the unknown-device
// case, which synthesises an immediate error completion per §4.7.
func (s *Session) handleSubmit(r RequestSubmit) error {
	s.mu.Lock()
	core, ok := s.imported[r.Devid]
	s.mu.Unlock()

	if !ok {
		resp := ResponseSubmit{
			Seqnum:    r.Seqnum,
			Devid:     r.Devid,
			Direction: r.Direction,
			Endpoint:  r.Endpoint,
			Status:    1,
		}
		b, err := EncodeResponse(resp)
		if err != nil {
			return err
		}
		return s.write(b)
	}

	reqEp := EndpointAddress(r.Endpoint)
	if r.Direction == DirectionIn {
		reqEp |= 0x80
	}

	u := &Urb{
		Seqnum:      r.Seqnum,
		Devid:       r.Devid,
		ReqEndpoint: reqEp,
		Direction:   r.Direction,
	}

	if r.Endpoint == 0 {
		u.Control = NewUrbControl(r.Setup)
		u.Endpoint = endpointZero
		if r.Direction == DirectionOut {
			u.Data = r.Payload
		}
	} else {
		u.Endpoint = reqEp
		if r.Direction == DirectionOut {
			u.Data = r.Payload
		}
	}

	if err := core.Queue.Push(u); err != nil {
		return err
	}
	core.Peripheral.Wake()
	return nil
}

// handleUnlink answers OP_CMD_UNLINK synchronously: queued URBs can be
// cancelled outright, ones already past the queue cannot.
func (s *Session) handleUnlink(r RequestUnlink) error {
	s.mu.Lock()
	core, ok := s.imported[r.Devid]
	s.mu.Unlock()

	var status uint32
	if ok {
		if _, found := core.Queue.Unlink(r.UnlinkSeqnum); found {
			status = 1
		}
	}

	resp := ResponseUnlink{
		Seqnum:    r.Seqnum,
		Devid:     r.Devid,
		Direction: r.Direction,
		Endpoint:  r.Endpoint,
		Status:    status,
	}
	b, err := EncodeResponse(resp)
	if err != nil {
		return err
	}
	return s.write(b)
}

// completionPump drains finished URBs and writes RET_SUBMIT frames,
// dropping internal (enumeration) URBs — those were already delivered to
// their one-shot sink and never touch the wire.
func (s *Session) completionPump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-s.completions:
			if !ok {
				return nil
			}
			if u.Internal {
				continue
			}
			resp := ResponseSubmit{
				Seqnum:           u.Seqnum,
				Devid:            u.Devid,
				Direction:        u.ReqEndpoint.Direction(),
				Endpoint:         u.ReqEndpoint.Number(),
				Status:           uint32(u.Status()),
				ActualLength:     uint32(len(u.Actual())),
				ActualStartFrame: 0,
				NumberPackets:    0,
				ErrorCount:       0,
				Payload:          u.Actual(),
			}
			b, err := EncodeResponse(resp)
			if err != nil {
				return err
			}
			if err := s.write(b); err != nil {
				return err
			}
		}
	}
}
