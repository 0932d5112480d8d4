package usbip

import "sync"

// DeviceCore is the per-attached-device state a session holds: the URB
// queue and peripheral façade the USB class layer drives, plus whatever
// the enumeration bootstrap has learned about the device so DevList/Import
// can answer without re-enumerating on every request.
type DeviceCore struct {
	Devid uint32
	BusID string

	Queue      *UrbQueue
	Peripheral *Peripheral

	mu       sync.Mutex
	info     *DeviceInfo
	config   *ConfigDescriptor
	sink     CompletionSink
	internal *oneShotSink
}

// oneShotSink is the "per-device internal completion sink" of §4.2: an
// optional single-use receiver installed for the duration of exactly one
// self-issued enumeration transfer. While installed, it receives
// completions in preference to the wire sink.
type oneShotSink struct {
	ch chan *Urb
}

func (s *oneShotSink) Complete(urb *Urb) {
	s.ch <- urb
}

// NewDeviceCore creates a device core whose URB queue feeds into sink
// (the session's shared completion channel) unless an internal sink is
// temporarily installed for enumeration.
func NewDeviceCore(devid uint32, busID string, sink CompletionSink) *DeviceCore {
	c := &DeviceCore{Devid: devid, BusID: busID, Queue: NewUrbQueue(), sink: sink}
	c.Peripheral = NewPeripheral(c.Queue, routingSink{c})
	return c
}

// routingSink adapts a DeviceCore into the CompletionSink the peripheral's
// endpoints call, so the core can redirect completions to whichever sink
// (internal, during enumeration, or the shared wire sink otherwise) is
// currently installed.
type routingSink struct{ core *DeviceCore }

func (r routingSink) Complete(urb *Urb) {
	r.core.mu.Lock()
	internal := r.core.internal
	wire := r.core.sink
	r.core.mu.Unlock()

	if urb.Internal && internal != nil {
		internal.Complete(urb)
		return
	}
	if wire != nil {
		wire.Complete(urb)
	}
}

// installInternalSink installs a fresh one-shot sink and returns it; the
// caller submits exactly one internal URB and then waits on its channel.
func (c *DeviceCore) installInternalSink() *oneShotSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &oneShotSink{ch: make(chan *Urb, 1)}
	c.internal = s
	return s
}

// SetSink (re)binds the wire completion sink, used when a session imports
// (or detaches from) this device. Only the most recently bound sink
// receives completions; binding a new one replaces the old without
// notifying it.
func (c *DeviceCore) SetSink(sink CompletionSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

func (c *DeviceCore) clearInternalSink() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.internal = nil
}

// Info returns the cached device info, or nil if enumeration hasn't run.
func (c *DeviceCore) Info() *DeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *DeviceCore) setInfo(info *DeviceInfo, config *ConfigDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = info
	c.config = config
}

// Config returns the cached configuration descriptor, or nil.
func (c *DeviceCore) Config() *ConfigDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}
