package usbip

import "sync"

// PacketKind distinguishes a control SETUP packet from a data packet on the
// OUT adapter; IN never produces a Setup packet since the host only ever
// sends SETUP, never receives it back on endpoint 0 IN.
type PacketKind uint8

const (
	PacketData PacketKind = iota
	PacketSetup
)

// EndpointConfig is the allocator-facing shape of a new endpoint request;
// Number == 0 with Auto == true asks the allocator to pick the next free
// number in that direction. The class layer above the peripheral façade
// builds one of these per endpoint it wants to expose.
type EndpointConfig struct {
	Number        uint8
	Auto          bool
	TransferType  TransferType
	MaxPacketSize uint16
	Interval      uint8
}

// EndpointOut is the peripheral-side adapter the class layer above calls to
// pull bytes out toward the host (actually bytes the *remote* sent down to
// us, since USB direction names are host-centric: OUT travels host→device).
type EndpointOut struct {
	mu            sync.Mutex
	addr          EndpointAddress
	maxPacketSize uint16
	stalled       bool
	queue         *UrbQueue
	current       *Urb
	sink          CompletionSink
}

// EndpointIn is the adapter the class layer writes device→host data into.
type EndpointIn struct {
	mu            sync.Mutex
	addr          EndpointAddress
	maxPacketSize uint16
	stalled       bool
	queue         *UrbQueue
	current       *Urb
	sink          CompletionSink
}

// CompletionSink receives a URB once its transfer (control or otherwise)
// has reached Complete. The session wires this to the shared completion
// channel; the enumeration bootstrap wires it to a one-shot internal sink.
type CompletionSink interface {
	Complete(urb *Urb)
}

func newEndpointOut(addr EndpointAddress, maxPacketSize uint16, queue *UrbQueue, sink CompletionSink) *EndpointOut {
	return &EndpointOut{addr: addr, maxPacketSize: maxPacketSize, queue: queue, sink: sink}
}

func newEndpointIn(addr EndpointAddress, maxPacketSize uint16, queue *UrbQueue, sink CompletionSink) *EndpointIn {
	return &EndpointIn{addr: addr, maxPacketSize: maxPacketSize, queue: queue, sink: sink}
}

func (e *EndpointOut) SetStalled(stalled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stalled = stalled
}

func (e *EndpointOut) Stalled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stalled
}

func (e *EndpointIn) SetStalled(stalled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stalled = stalled
}

func (e *EndpointIn) Stalled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stalled
}

// ReadPacket copies up to buf's capacity of host-to-device data into buf and
// reports how many bytes it wrote and what kind of packet they form. A
// stalled endpoint never hands out data until cleared; an endpoint with no
// eligible URB returns WouldBlock so the class layer's own polling loop can
// retry on the next iteration.
func (e *EndpointOut) ReadPacket(buf []byte) (int, PacketKind, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stalled {
		return 0, PacketData, ErrStalled
	}
	if uint16(len(buf)) < e.maxPacketSize {
		return 0, PacketData, BufferOverflow
	}

	if e.current == nil {
		u, err := e.queue.Pop(e.addr)
		if err != nil {
			return 0, PacketData, err
		}
		e.current = u
	}
	u := e.current

	if u.Control != nil {
		switch u.Control.state() {
		case ControlStateSetup:
			n := copy(buf, u.Control.setupBytes())
			e.routeAfterSetup(u)
			return n, PacketSetup, nil
		case ControlStateStatusOut:
			e.finishControl(u)
			return 0, PacketData, nil
		}
	}

	// Data phase: drain u.Data front-first, up to one packet.
	n := e.maxPacketSize
	if remaining := uint16(len(u.Data)); remaining < n {
		n = remaining
	}
	copy(buf, u.Data[:n])
	u.Data = u.Data[n:]
	u.actualOut += int(n)

	if len(u.Data) == 0 {
		if u.Control != nil {
			u.Control.state_ = ControlStateStatusIn
			u.Endpoint = endpointZeroIn
			e.current = nil
			if err := e.queue.PushFront(u); err != nil {
				return int(n), PacketData, err
			}
		} else {
			e.current = nil
			e.completeNonControl(u)
		}
	}
	return int(n), PacketData, nil
}

// routeAfterSetup implements the three Setup transitions from §4.3: a
// zero-length request or an IN data stage both re-enqueue the URB onto
// endpoint 0 IN (to produce the STATUS or DATA-IN packet); an OUT data
// stage keeps the URB right where it is, on this OUT adapter.
func (e *EndpointOut) routeAfterSetup(u *Urb) {
	ctl := u.Control
	if ctl.Length == 0 {
		ctl.state_ = ControlStateStatusIn
		u.Endpoint = endpointZeroIn
		e.current = nil
		e.queue.PushFront(u)
		return
	}
	if ctl.dataDirection() == DirectionIn {
		ctl.state_ = ControlStateDataIn
		u.Endpoint = endpointZeroIn
		e.current = nil
		e.queue.PushFront(u)
		return
	}
	ctl.state_ = ControlStateDataOut
	// stays on this OUT adapter
}

// finishControl completes a control transfer whose data phase was IN: the
// response bytes the class layer wrote accumulated in u.Data, so that is
// the actual payload to report.
func (e *EndpointOut) finishControl(u *Urb) {
	u.Control.state_ = ControlStateComplete
	e.current = nil
	e.queue.ReleaseControl()
	u.Complete(0, u.Data)
	if e.sink != nil {
		e.sink.Complete(u)
	}
}

// completeNonControl finishes a plain OUT transfer (bulk/interrupt/iso).
// u.Data has already drained to empty as ReadPacket handed it to the class
// layer, so actualOut — not u.Data — is the actual transferred length.
func (e *EndpointOut) completeNonControl(u *Urb) {
	u.Complete(0, make([]byte, u.actualOut))
	if e.sink != nil {
		e.sink.Complete(u)
	}
}

// WritePacket accepts up to maxPacketSize bytes of device-to-host data.
// Short-packet detection (including the buf==nil/len==0 ZLP case) is
// authoritative: whenever buf is shorter than the endpoint's max packet
// size, the in-flight transfer is considered finished, independent of how
// much of urb.len has actually been satisfied.
func (e *EndpointIn) WritePacket(buf []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stalled {
		return ErrStalled
	}
	if uint16(len(buf)) > e.maxPacketSize {
		return BufferOverflow
	}

	if e.current == nil {
		u, err := e.queue.Pop(e.addr)
		if err != nil {
			return err
		}
		e.current = u
	}
	u := e.current

	if u.Control != nil && u.Control.state() == ControlStateStatusIn {
		// Status-phase ZLP, finishing a control transfer whose data phase
		// (if any) was OUT: actualOut holds how much of it actually drained.
		u.Control.state_ = ControlStateComplete
		e.current = nil
		e.queue.ReleaseControl()
		u.Complete(0, make([]byte, u.actualOut))
		if e.sink != nil {
			e.sink.Complete(u)
		}
		return nil
	}

	u.Data = append(u.Data, buf...)
	short := uint16(len(buf)) < e.maxPacketSize

	if short {
		e.current = nil
		if u.Control != nil {
			u.Control.state_ = ControlStateStatusOut
			u.Endpoint = endpointZero
			e.queue.PushFront(u)
			return nil
		}
		u.Complete(0, u.Data)
		if e.sink != nil {
			e.sink.Complete(u)
		}
	}
	return nil
}
