package usbip

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Enumerate learns a device core's identity by issuing control transfers
// against its own peripheral, exactly as a real host controller would:
// GET_DESCRIPTOR(DEVICE), SET_ADDRESS, then GET_DESCRIPTOR(CONFIGURATION)
// twice (once for the 9-byte header's wTotalLength, once for the full
// block). The responses are produced by whatever class-layer code is
// bound to the core's Peripheral; this function only drives the handshake
// and parses what comes back. A failure at any step aborts with the
// device core left uncached, so a later DevList/Import retries from
// scratch.
func Enumerate(ctx context.Context, core *DeviceCore) (*DeviceInfo, *ConfigDescriptor, error) {
	devDesc, err := getDeviceDescriptor(ctx, core)
	if err != nil {
		return nil, nil, errors.Wrap(err, "usbip: enumeration GET_DESCRIPTOR(DEVICE)")
	}

	if err := setAddress(ctx, core, 1); err != nil {
		return nil, nil, errors.Wrap(err, "usbip: enumeration SET_ADDRESS")
	}

	config, err := getConfigDescriptor(ctx, core)
	if err != nil {
		return nil, nil, errors.Wrap(err, "usbip: enumeration GET_DESCRIPTOR(CONFIGURATION)")
	}

	info := &DeviceInfo{
		BusID:              core.BusID,
		VendorID:           devDesc.VendorID,
		ProductID:          devDesc.ProductID,
		DeviceBCD:          devDesc.DeviceVersion,
		DeviceClass:        devDesc.DeviceClass,
		DeviceSubClass:     devDesc.DeviceSubClass,
		DeviceProtocol:     devDesc.DeviceProtocol,
		ConfigurationValue: config.ConfigurationValue,
		NumConfigurations:  devDesc.NumConfigurations,
		Speed:              SpeedHigh,
	}
	for _, iface := range config.Interfaces {
		if len(iface.AltSettings) == 0 {
			continue
		}
		alt := iface.AltSettings[0]
		info.Interfaces = append(info.Interfaces, InterfaceInfo{
			Class:    alt.InterfaceClass,
			SubClass: alt.InterfaceSubClass,
			Protocol: alt.InterfaceProtocol,
		})
	}

	core.setInfo(info, config)
	return info, config, nil
}

func controlSetup(requestType, request uint8, value, index, length uint16) [8]byte {
	var b [8]byte
	b[0] = requestType
	b[1] = request
	binary.LittleEndian.PutUint16(b[2:4], value)
	binary.LittleEndian.PutUint16(b[4:6], index)
	binary.LittleEndian.PutUint16(b[6:8], length)
	return b
}

// submitInternal enqueues a synthetic control URB and blocks until the
// class layer above completes it (or ctx is cancelled). outData is the
// OUT-direction payload to carry, if any; for IN requests it is nil and
// the peripheral fills Urb.Actual() instead.
func submitInternal(ctx context.Context, core *DeviceCore, setup [8]byte, outData []byte) (*Urb, error) {
	sink := core.installInternalSink()
	defer core.clearInternalSink()

	u := &Urb{
		Devid:       core.Devid,
		Endpoint:    endpointZero,
		ReqEndpoint: endpointZero,
		Control:     NewUrbControl(setup),
		Data:        outData,
		Internal:    true,
	}
	if err := core.Queue.Push(u); err != nil {
		return nil, err
	}
	core.Peripheral.Wake()

	select {
	case completed := <-sink.ch:
		return completed, nil
	case <-ctx.Done():
		core.Queue.Unlink(u.Seqnum)
		return nil, ctx.Err()
	}
}

func getDeviceDescriptor(ctx context.Context, core *DeviceCore) (DeviceDescriptor, error) {
	setup := controlSetup(0x80, RequestGetDescriptor, uint16(DescriptorTypeDevice)<<8, 0, 18)
	u, err := submitInternal(ctx, core, setup, nil)
	if err != nil {
		return DeviceDescriptor{}, err
	}
	if u.Status() != 0 {
		return DeviceDescriptor{}, errors.Errorf("device returned status %d", u.Status())
	}
	return UnmarshalDeviceDescriptor(u.Actual())
}

func setAddress(ctx context.Context, core *DeviceCore, address uint16) error {
	setup := controlSetup(0x00, RequestSetAddress, address, 0, 0)
	u, err := submitInternal(ctx, core, setup, nil)
	if err != nil {
		return err
	}
	if u.Status() != 0 {
		return errors.Errorf("device returned status %d", u.Status())
	}
	core.Peripheral.SetDeviceAddress(uint8(address))
	return nil
}

func getConfigDescriptor(ctx context.Context, core *DeviceCore) (*ConfigDescriptor, error) {
	headerSetup := controlSetup(0x80, RequestGetDescriptor, uint16(DescriptorTypeConfig)<<8, 0, 9)
	u, err := submitInternal(ctx, core, headerSetup, nil)
	if err != nil {
		return nil, err
	}
	if u.Status() != 0 || len(u.Actual()) < 4 {
		return nil, errors.New("short configuration descriptor header")
	}
	totalLength := binary.LittleEndian.Uint16(u.Actual()[2:4])

	fullSetup := controlSetup(0x80, RequestGetDescriptor, uint16(DescriptorTypeConfig)<<8, 0, totalLength)
	u2, err := submitInternal(ctx, core, fullSetup, nil)
	if err != nil {
		return nil, err
	}
	if u2.Status() != 0 {
		return nil, errors.Errorf("device returned status %d", u2.Status())
	}

	config := &ConfigDescriptor{}
	if err := config.Unmarshal(u2.Actual()); err != nil {
		return nil, errors.Wrap(err, "parsing configuration descriptor")
	}
	return config, nil
}
