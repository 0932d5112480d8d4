package usbip

import (
	"encoding/binary"
	"sync"
)

// UrbControl carries the USB control setup packet for a control-transfer
// URB, plus the control-phase state machine's current position
// (Setup/Data/Status/Complete, §4.3).
type UrbControl struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16

	state_ ControlState
}

// NewUrbControl builds a UrbControl from the 8-byte little-endian SETUP
// packet the USB spec defines, starting in the Setup state.
func NewUrbControl(setup [8]byte) *UrbControl {
	return &UrbControl{
		RequestType: setup[0],
		Request:     setup[1],
		Value:       binary.LittleEndian.Uint16(setup[2:4]),
		Index:       binary.LittleEndian.Uint16(setup[4:6]),
		Length:      binary.LittleEndian.Uint16(setup[6:8]),
		state_:      ControlStateSetup,
	}
}

// State returns the control transfer's current phase.
func (c *UrbControl) State() ControlState { return c.state_ }

func (c *UrbControl) state() ControlState { return c.state_ }

// setupBytes reproduces the original 8-byte little-endian SETUP packet.
func (c *UrbControl) setupBytes() []byte {
	b := make([]byte, 8)
	b[0] = c.RequestType
	b[1] = c.Request
	binary.LittleEndian.PutUint16(b[2:4], c.Value)
	binary.LittleEndian.PutUint16(b[4:6], c.Index)
	binary.LittleEndian.PutUint16(b[6:8], c.Length)
	return b
}

// dataDirection reports the direction of the optional DATA stage, taken
// from bit 7 of bmRequestType (the same bit that marks an endpoint IN/OUT).
func (c *UrbControl) dataDirection() Direction {
	if c.RequestType&0x80 != 0 {
		return DirectionIn
	}
	return DirectionOut
}

// Urb is one USB Request Block: a single submitted or completed transfer
// moving through an endpoint. Seqnum and Devid identify which USB/IP
// connection and wire request it answers; everything else is the transfer
// itself.
type Urb struct {
	Seqnum uint32
	Devid  uint32
	// ReqEndpoint is the endpoint the remote addressed on the wire (and the
	// one reported back in RET_SUBMIT); Endpoint is the one currently
	// handling the URB in the queue - they only differ for control
	// transfers, which move between endpoint 0 OUT and IN.
	ReqEndpoint EndpointAddress
	Endpoint    EndpointAddress
	Direction   Direction

	Control *UrbControl

	Data []byte

	// Internal marks a self-issued URB generated by the enumeration
	// bootstrap rather than a real client request; such URBs are routed to
	// a one-shot internal sink instead of being written back to the wire.
	Internal bool

	mu        sync.Mutex
	completed bool
	status    int32
	actual    []byte
	callback  TransferCallback

	// actualOut counts bytes the OUT adapter has handed to the class layer
	// out of Data, which itself gets drained to empty as it is consumed.
	// OUT-direction completions report this count; Data is only meaningful
	// as an actual-length source for IN-direction completions, where it
	// accumulates instead of draining.
	actualOut int
}

// TransferCallback is invoked exactly once, with the queue's internal lock
// already released, when a URB's transfer completes.
type TransferCallback func(urb *Urb)

// Complete marks the URB done with the given completion status and actual
// transferred data, then invokes any registered callback. Safe to call
// from any goroutine; a second call is a no-op.
func (u *Urb) Complete(status int32, actual []byte) {
	u.mu.Lock()
	if u.completed {
		u.mu.Unlock()
		return
	}
	u.completed = true
	u.status = status
	u.actual = actual
	cb := u.callback
	u.mu.Unlock()

	if cb != nil {
		cb(u)
	}
}

// SetCallback registers the completion callback. Must be called before the
// URB is submitted to a queue.
func (u *Urb) SetCallback(cb TransferCallback) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.callback = cb
}

// Completed reports whether Complete has already run.
func (u *Urb) Completed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.completed
}

// Status returns the completion status; only meaningful once Completed.
func (u *Urb) Status() int32 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status
}

// Actual returns the actually transferred bytes; only meaningful once
// Completed.
func (u *Urb) Actual() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.actual
}
