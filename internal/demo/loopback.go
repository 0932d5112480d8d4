// Package demo implements a minimal USB peripheral exercised end to end
// over the usbip façade: one vendor-specific interface with a single bulk
// OUT/IN pair that echoes whatever it receives. It plays the role
// usbarmory-tamago's configureEthernetDevice/ECMRx/ECMTx trio plays for a
// real gadget — descriptor assembly plus per-endpoint functions — scaled
// down from a full CDC-ECM function to one loopback pair.
package demo

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"

	usbip "github.com/go-usbip/usbipd"
)

const (
	vendorID      = 0x1209 // pid.codes shared testing VID
	productID     = 0x0001
	maxPacketSize = 64
)

// Loopback is a demo device core plus the class-layer poll loop (Run) that
// drives its control pipe and bulk pair.
type Loopback struct {
	core   *usbip.DeviceCore
	log    *slog.Logger
	device usbip.DeviceDescriptor
	config usbip.ConfigDescriptor
}

// New builds a Loopback bound to a fresh device core. Run drives its class
// layer and blocks until its context is cancelled, so callers run it on a
// goroutine of its own.
func New(log *slog.Logger) *Loopback {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	l := &Loopback{
		core: usbip.NewDeviceCore(0, "", nil),
		log:  log,
		device: usbip.DeviceDescriptor{
			USBVersion:        0x0200,
			MaxPacketSize0:    maxPacketSize,
			VendorID:          vendorID,
			ProductID:         productID,
			DeviceVersion:     0x0100,
			NumConfigurations: 1,
		},
	}
	l.config = usbip.ConfigDescriptor{
		ConfigurationValue: 1,
		Attributes:         0x80,
		MaxPower:           50,
		Interfaces: []usbip.Interface{{
			AltSettings: []usbip.InterfaceAltSetting{{
				InterfaceClass: 0xff, // vendor-specific: no host driver claims it
				Endpoints: []usbip.Endpoint{
					{EndpointAddr: 0x81, Attributes: uint8(usbip.TransferBulk), MaxPacketSize: maxPacketSize},
					{EndpointAddr: 0x01, Attributes: uint8(usbip.TransferBulk), MaxPacketSize: maxPacketSize},
				},
			}},
		}},
	}
	return l
}

// Core returns the device core to register with a Server via Attach.
func (l *Loopback) Core() *usbip.DeviceCore { return l.core }

// Run allocates the bulk pair and drives every endpoint from one poll
// loop. It returns once ctx is cancelled.
//
// WakeChannel is a single-slot signal meant for exactly one consumer: two
// independent goroutines each selecting on it would race for the same
// pulse and could starve one another (a wake meant to unblock a bulk
// transfer might be drained by the control loop instead). One loop
// servicing every endpoint per wake, the way Peripheral.Poll's combined
// EndpointsOut/EndpointsIn bitmap is meant to be consumed, avoids that.
func (l *Loopback) Run(ctx context.Context) error {
	bulkOut, err := l.core.Peripheral.AllocOut(usbip.EndpointConfig{Auto: true, TransferType: usbip.TransferBulk, MaxPacketSize: maxPacketSize})
	if err != nil {
		return err
	}
	bulkIn, err := l.core.Peripheral.AllocIn(usbip.EndpointConfig{Auto: true, TransferType: usbip.TransferBulk, MaxPacketSize: maxPacketSize})
	if err != nil {
		return err
	}

	ep0out := l.core.Peripheral.OutEndpoint(0)
	ep0in := l.core.Peripheral.InEndpoint(0)
	wake := l.core.Peripheral.WakeChannel()
	ctlBuf := make([]byte, maxPacketSize)
	var pending []byte

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}

		l.serviceControl(ep0out, ep0in, ctlBuf)
		pending = l.serviceBulk(bulkOut, bulkIn, pending)
	}
}

// serviceControl answers every buffered endpoint-0 request: the
// descriptors the enumeration bootstrap asks for, plus SET_ADDRESS/
// SET_CONFIGURATION as harmless acknowledgements. Every other request
// gets a zero-length status reply, since this device has no other
// class-specific behavior.
func (l *Loopback) serviceControl(ep0out *usbip.EndpointOut, ep0in *usbip.EndpointIn, buf []byte) {
	for {
		n, kind, err := ep0out.ReadPacket(buf)
		if errors.Is(err, usbip.WouldBlock) {
			return
		}
		if err != nil {
			l.log.Warn("usbip: demo control read failed", "err", err)
			return
		}
		if kind == usbip.PacketSetup {
			l.handleSetup(buf[:n], ep0in)
		}
	}
}

func (l *Loopback) handleSetup(setup []byte, ep0in *usbip.EndpointIn) {
	request := setup[1]
	value := binary.LittleEndian.Uint16(setup[2:4])
	length := binary.LittleEndian.Uint16(setup[6:8])

	var reply []byte
	switch request {
	case usbip.RequestGetDescriptor:
		switch uint8(value >> 8) {
		case usbip.DescriptorTypeDevice:
			reply = l.device.Bytes()
		case usbip.DescriptorTypeConfig:
			reply = l.config.Bytes()
		}
	}

	l.writeControlReply(ep0in, reply, length)
}

// writeControlReply sends reply (truncated to the host's requested
// length) as the data stage of an IN control transfer, or a zero-length
// status packet if reply is empty — both end with the same short/ZLP
// write the endpoint adapter treats as authoritative.
func (l *Loopback) writeControlReply(ep0in *usbip.EndpointIn, reply []byte, wantLength uint16) {
	if uint16(len(reply)) > wantLength {
		reply = reply[:wantLength]
	}
	for {
		chunk := reply
		if len(chunk) > maxPacketSize {
			chunk = chunk[:maxPacketSize]
		}
		if err := ep0in.WritePacket(chunk); err != nil {
			l.log.Warn("usbip: demo control write failed", "err", err)
			return
		}
		reply = reply[len(chunk):]
		if len(chunk) < maxPacketSize {
			return
		}
	}
}

// serviceBulk echoes every OUT transfer back out the IN endpoint unchanged.
// Received bytes queue in pending until a remote IN request is actually
// available to carry them — WritePacket's WouldBlock just means "no taker
// yet", not a failure, so it is retried on the next wake rather than
// treated as an error. Returns the bytes still waiting for a taker so Run
// can carry them into the next wake cycle.
func (l *Loopback) serviceBulk(out *usbip.EndpointOut, in *usbip.EndpointIn, pending []byte) []byte {
	buf := make([]byte, maxPacketSize)
	for {
		n, _, err := out.ReadPacket(buf)
		if errors.Is(err, usbip.WouldBlock) {
			break
		}
		if err != nil {
			l.log.Warn("usbip: demo bulk read failed", "err", err)
			break
		}
		pending = append(pending, buf[:n]...)
	}

	for len(pending) > 0 {
		chunk := pending
		if len(chunk) > maxPacketSize {
			chunk = chunk[:maxPacketSize]
		}
		if err := in.WritePacket(chunk); err != nil {
			if errors.Is(err, usbip.WouldBlock) {
				break
			}
			l.log.Warn("usbip: demo bulk write failed", "err", err)
			pending = nil
			break
		}
		pending = pending[len(chunk):]
	}
	return pending
}
