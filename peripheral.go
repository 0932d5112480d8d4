package usbip

import "sync"

// PollResult reports which endpoints might have data, a completed
// transfer, or a pending SETUP. The virtual peripheral always returns the
// conservative "everything might be ready" answer described in §4.6: the
// endpoint adapters themselves gate on real URB availability via
// WouldBlock, so a second layer of readiness bookkeeping would only
// duplicate the queue.
type PollResult struct {
	EndpointsOut uint16
	EndpointsIn  uint16
}

const allEndpointsReady = 0xffff

// Peripheral is the capability interface the USB class layer above binds
// against: endpoint allocation, packet IO, poll, and the handful of
// lifecycle calls (stall, reset, set address, suspend, resume) a standard
// class driver issues without needing to know whether the bus underneath
// is real silicon or, as here, a USB/IP connection.
type Peripheral struct {
	mu       sync.Mutex
	queue    *UrbQueue
	sink     CompletionSink
	outUsed  uint16 // bitmap, bit i = endpoint i allocated OUT
	inUsed   uint16 // bitmap, bit i = endpoint i allocated IN
	nextOut  uint8
	nextIn   uint8
	outEps   map[uint8]*EndpointOut
	inEps    map[uint8]*EndpointIn
	address  uint8
	wake     *pollWake
}

// NewPeripheral builds a peripheral façade bound to one device core's URB
// queue and completion sink. Endpoint 0 is preallocated in both
// directions, matching every USB device's implicit control pipe.
func NewPeripheral(queue *UrbQueue, sink CompletionSink) *Peripheral {
	p := &Peripheral{
		queue:   queue,
		sink:    sink,
		nextOut: 1,
		nextIn:  1,
		outEps:  make(map[uint8]*EndpointOut),
		inEps:   make(map[uint8]*EndpointIn),
		wake:    newPollWake(),
	}
	p.outUsed |= 1
	p.inUsed |= 1
	p.outEps[0] = newEndpointOut(endpointZero, 64, queue, sink)
	p.inEps[0] = newEndpointIn(endpointZeroIn, 64, queue, sink)
	return p
}

// AllocOut reserves an OUT endpoint. cfg.Auto picks the next free number
// starting at 1; otherwise cfg.Number is taken verbatim. Returns
// EndpointOverflow once numbers 1-15 are exhausted and ErrInvalidEndpoint
// if the requested number is already taken.
func (p *Peripheral) AllocOut(cfg EndpointConfig) (*EndpointOut, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	num, err := allocNumber(&p.outUsed, &p.nextOut, cfg)
	if err != nil {
		return nil, err
	}
	ep := newEndpointOut(EndpointAddress(num), cfg.MaxPacketSize, p.queue, p.sink)
	p.outEps[num] = ep
	return ep, nil
}

// AllocIn reserves an IN endpoint, mirroring AllocOut.
func (p *Peripheral) AllocIn(cfg EndpointConfig) (*EndpointIn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	num, err := allocNumber(&p.inUsed, &p.nextIn, cfg)
	if err != nil {
		return nil, err
	}
	ep := newEndpointIn(EndpointAddress(num|0x80), cfg.MaxPacketSize, p.queue, p.sink)
	p.inEps[num] = ep
	return ep, nil
}

func allocNumber(used *uint16, next *uint8, cfg EndpointConfig) (uint8, error) {
	if !cfg.Auto {
		if cfg.Number >= 16 {
			return 0, ErrEndpointOverflow
		}
		if *used&(1<<cfg.Number) != 0 {
			return 0, ErrInvalidEndpoint
		}
		*used |= 1 << cfg.Number
		return cfg.Number, nil
	}

	for n := *next; n < 16; n++ {
		if *used&(1<<n) == 0 {
			*used |= 1 << n
			*next = n + 1
			return n, nil
		}
	}
	return 0, ErrEndpointOverflow
}

// OutEndpoint returns the previously allocated OUT endpoint at number, or
// nil.
func (p *Peripheral) OutEndpoint(number uint8) *EndpointOut {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outEps[number]
}

// InEndpoint returns the previously allocated IN endpoint at number, or
// nil.
func (p *Peripheral) InEndpoint(number uint8) *EndpointIn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inEps[number]
}

// Poll returns the conservative "everything might be ready" result; actual
// gating happens in ReadPacket/WritePacket via WouldBlock.
func (p *Peripheral) Poll() PollResult {
	return PollResult{EndpointsOut: allEndpointsReady, EndpointsIn: allEndpointsReady}
}

// WakeChannel returns the single-slot latest-value channel the class
// layer's polling loop can select on instead of busy-polling.
func (p *Peripheral) WakeChannel() <-chan struct{} {
	return p.wake.C()
}

// Wake is called by the wire reader whenever a new URB is enqueued, so a
// class-layer poller blocked on WakeChannel is nudged awake.
func (p *Peripheral) Wake() {
	p.wake.Signal()
}

// SetStalled sets or clears the halt condition on one direction of an
// endpoint number (endpoint 0 included), returning ErrInvalidEndpoint if
// that direction was never allocated.
func (p *Peripheral) SetStalled(number uint8, direction Direction, stalled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if direction == DirectionIn {
		ep, ok := p.inEps[number]
		if !ok {
			return ErrInvalidEndpoint
		}
		ep.SetStalled(stalled)
		return nil
	}
	ep, ok := p.outEps[number]
	if !ok {
		return ErrInvalidEndpoint
	}
	ep.SetStalled(stalled)
	return nil
}

// Stalled reports the halt state of one direction of an endpoint number.
func (p *Peripheral) Stalled(number uint8, direction Direction) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if direction == DirectionIn {
		ep, ok := p.inEps[number]
		if !ok {
			return false, ErrInvalidEndpoint
		}
		return ep.Stalled(), nil
	}
	ep, ok := p.outEps[number]
	if !ok {
		return false, ErrInvalidEndpoint
	}
	return ep.Stalled(), nil
}

// SetDeviceAddress records the address assigned by SET_ADDRESS. The
// virtual bus has no electrical addressing to apply, so this is
// bookkeeping only.
func (p *Peripheral) SetDeviceAddress(address uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.address = address
}

func (p *Peripheral) DeviceAddress() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.address
}

// Reset, Suspend, and Resume have no electrical layer to act on for a
// virtual bus; they are permitted no-ops that exist so the class layer
// above can call them uniformly regardless of which peripheral backs it.
func (p *Peripheral) Reset() error   { return nil }
func (p *Peripheral) Suspend() error { return nil }
func (p *Peripheral) Resume() error  { return nil }
