package usbip

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// DeviceDescriptor is the 18-byte top-level USB device descriptor our
// peripheral presents to an importing client.
type DeviceDescriptor struct {
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// Bytes serializes the descriptor in the standard 18-byte wire layout.
func (d DeviceDescriptor) Bytes() []byte {
	b := make([]byte, 18)
	b[0] = 18
	b[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(b[2:4], d.USBVersion)
	b[4] = d.DeviceClass
	b[5] = d.DeviceSubClass
	b[6] = d.DeviceProtocol
	b[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(b[8:10], d.VendorID)
	binary.LittleEndian.PutUint16(b[10:12], d.ProductID)
	binary.LittleEndian.PutUint16(b[12:14], d.DeviceVersion)
	b[14] = d.ManufacturerIndex
	b[15] = d.ProductIndex
	b[16] = d.SerialNumberIndex
	b[17] = d.NumConfigurations
	return b
}

// UnmarshalDeviceDescriptor parses the standard 18-byte device descriptor.
func UnmarshalDeviceDescriptor(data []byte) (DeviceDescriptor, error) {
	if len(data) < 18 {
		return DeviceDescriptor{}, errors.Errorf("device descriptor too short: %d bytes", len(data))
	}
	return DeviceDescriptor{
		USBVersion:        binary.LittleEndian.Uint16(data[2:4]),
		DeviceClass:       data[4],
		DeviceSubClass:    data[5],
		DeviceProtocol:    data[6],
		MaxPacketSize0:    data[7],
		VendorID:          binary.LittleEndian.Uint16(data[8:10]),
		ProductID:         binary.LittleEndian.Uint16(data[10:12]),
		DeviceVersion:     binary.LittleEndian.Uint16(data[12:14]),
		ManufacturerIndex: data[14],
		ProductIndex:      data[15],
		SerialNumberIndex: data[16],
		NumConfigurations: data[17],
	}, nil
}

// ConfigDescriptor is a parsed USB configuration descriptor: the header
// plus every interface (with all of its alternate settings) that followed
// it in the original TLV stream.
type ConfigDescriptor struct {
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8

	Interfaces []Interface

	// Extra holds descriptors this parser did not recognize at the
	// configuration level (e.g. an interface association descriptor that
	// precedes any interface).
	Extra []byte
}

// Interface groups every alternate setting that shares an interface number.
type Interface struct {
	AltSettings []InterfaceAltSetting
}

// InterfaceAltSetting is one USB interface descriptor plus the endpoints
// and class-specific descriptors that belong to it.
type InterfaceAltSetting struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8

	Endpoints []Endpoint

	// Extra holds class-specific descriptors (HID, audio, etc.) that
	// followed this interface descriptor.
	Extra []byte
}

// Endpoint is a parsed USB endpoint descriptor.
type Endpoint struct {
	EndpointAddr  EndpointAddress
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8

	// SSCompanion is set when a SuperSpeed Endpoint Companion descriptor
	// immediately followed this one.
	SSCompanion *SuperSpeedEndpointCompanion

	Extra []byte
}

// SuperSpeedEndpointCompanion is the USB 3.x companion descriptor that can
// follow a SuperSpeed endpoint descriptor.
type SuperSpeedEndpointCompanion struct {
	DescriptorType   uint8
	MaxBurst         uint8
	Attributes       uint8
	BytesPerInterval uint16
}

func (e Endpoint) IsInput() bool            { return e.EndpointAddr.Direction() == DirectionIn }
func (e Endpoint) IsOutput() bool           { return e.EndpointAddr.Direction() == DirectionOut }
func (e Endpoint) EndpointNumber() uint8    { return e.EndpointAddr.Number() }
func (e Endpoint) TransferType() TransferType { return TransferType(e.Attributes & 0x03) }

// Unmarshal parses raw configuration descriptor bytes (the concatenation of
// a config descriptor with every interface/endpoint/class descriptor that
// follows it) into a ConfigDescriptor, walking the length-prefixed TLV
// stream the way every USB descriptor block is laid out on the wire.
func (c *ConfigDescriptor) Unmarshal(data []byte) error {
	if len(data) < 9 {
		return errors.Errorf("config descriptor too short: %d bytes", len(data))
	}

	totalLength := binary.LittleEndian.Uint16(data[2:4])
	numInterfaces := data[4]
	c.ConfigurationValue = data[5]
	c.ConfigurationIndex = data[6]
	c.Attributes = data[7]
	c.MaxPower = data[8]

	interfaceMap := make(map[uint8]*Interface)
	order := make([]uint8, 0, numInterfaces)

	var currentInterface *InterfaceAltSetting
	var currentEndpoints []Endpoint
	var extraBuffer []byte

	flushInterface := func() {
		if currentInterface == nil {
			return
		}
		currentInterface.Endpoints = currentEndpoints
		currentInterface.Extra = extraBuffer
		if _, exists := interfaceMap[currentInterface.InterfaceNumber]; !exists {
			interfaceMap[currentInterface.InterfaceNumber] = &Interface{}
			order = append(order, currentInterface.InterfaceNumber)
		}
		iface := interfaceMap[currentInterface.InterfaceNumber]
		iface.AltSettings = append(iface.AltSettings, *currentInterface)
		extraBuffer = nil
		currentEndpoints = nil
	}

	pos := 9
	limit := len(data)
	if int(totalLength) <= limit {
		limit = int(totalLength)
	}
	for pos < limit {
		if pos+2 > len(data) {
			break
		}
		length := int(data[pos])
		descType := data[pos+1]
		if length == 0 || pos+length > len(data) {
			break
		}

		switch descType {
		case DescriptorTypeInterface:
			flushInterface()
			if length < 9 {
				return errors.Errorf("interface descriptor too short: %d bytes", length)
			}
			iface := InterfaceAltSetting{
				InterfaceNumber:   data[pos+2],
				AlternateSetting:  data[pos+3],
				InterfaceClass:    data[pos+5],
				InterfaceSubClass: data[pos+6],
				InterfaceProtocol: data[pos+7],
				InterfaceIndex:    data[pos+8],
			}
			currentInterface = &iface
			currentEndpoints = make([]Endpoint, 0, data[pos+4])

		case DescriptorTypeEndpoint:
			if length < 7 {
				return errors.Errorf("endpoint descriptor too short: %d bytes", length)
			}
			ep := Endpoint{
				EndpointAddr:  EndpointAddress(data[pos+2]),
				Attributes:    data[pos+3],
				MaxPacketSize: binary.LittleEndian.Uint16(data[pos+4 : pos+6]),
				Interval:      data[pos+6],
			}

			nextPos := pos + length
			if nextPos+2 <= len(data) && data[nextPos+1] == DescriptorTypeSuperSpeedEndpointCompanion {
				companionLen := int(data[nextPos])
				if nextPos+companionLen <= len(data) && companionLen >= 6 {
					ep.SSCompanion = &SuperSpeedEndpointCompanion{
						DescriptorType:   data[nextPos+1],
						MaxBurst:         data[nextPos+2],
						Attributes:       data[nextPos+3],
						BytesPerInterval: binary.LittleEndian.Uint16(data[nextPos+4 : nextPos+6]),
					}
					pos = nextPos
					length = companionLen
				}
			}

			if currentInterface == nil {
				c.Extra = append(c.Extra, data[pos:pos+length]...)
			} else {
				currentEndpoints = append(currentEndpoints, ep)
			}

		default:
			if currentInterface != nil {
				extraBuffer = append(extraBuffer, data[pos:pos+length]...)
			} else {
				c.Extra = append(c.Extra, data[pos:pos+length]...)
			}
		}

		pos += length
	}
	flushInterface()

	c.Interfaces = make([]Interface, 0, len(order))
	for _, num := range order {
		c.Interfaces = append(c.Interfaces, *interfaceMap[num])
	}
	return nil
}

// Bytes serializes the configuration descriptor back into the wire TLV
// stream a GET_DESCRIPTOR(CONFIGURATION) request expects, the inverse of
// Unmarshal.
func (c *ConfigDescriptor) Bytes() []byte {
	var body []byte
	numInterfaces := 0

	for _, iface := range c.Interfaces {
		for _, alt := range iface.AltSettings {
			numInterfaces++
			hdr := make([]byte, 9)
			hdr[0] = 9
			hdr[1] = DescriptorTypeInterface
			hdr[2] = alt.InterfaceNumber
			hdr[3] = alt.AlternateSetting
			hdr[4] = uint8(len(alt.Endpoints))
			hdr[5] = alt.InterfaceClass
			hdr[6] = alt.InterfaceSubClass
			hdr[7] = alt.InterfaceProtocol
			hdr[8] = alt.InterfaceIndex
			body = append(body, hdr...)
			body = append(body, alt.Extra...)
			for _, ep := range alt.Endpoints {
				body = append(body, ep.bytes()...)
			}
		}
	}
	body = append(append([]byte{}, c.Extra...), body...)

	out := make([]byte, 9)
	out[0] = 9
	out[1] = DescriptorTypeConfig
	binary.LittleEndian.PutUint16(out[2:4], uint16(9+len(body)))
	out[4] = uint8(numInterfaces)
	out[5] = c.ConfigurationValue
	out[6] = c.ConfigurationIndex
	out[7] = c.Attributes
	out[8] = c.MaxPower
	return append(out, body...)
}

func (e Endpoint) bytes() []byte {
	b := make([]byte, 7)
	b[0] = 7
	b[1] = DescriptorTypeEndpoint
	b[2] = uint8(e.EndpointAddr)
	b[3] = e.Attributes
	binary.LittleEndian.PutUint16(b[4:6], e.MaxPacketSize)
	b[6] = e.Interval
	if e.SSCompanion != nil {
		comp := make([]byte, 6)
		comp[0] = 6
		comp[1] = DescriptorTypeSuperSpeedEndpointCompanion
		comp[2] = e.SSCompanion.MaxBurst
		comp[3] = e.SSCompanion.Attributes
		binary.LittleEndian.PutUint16(comp[4:6], e.SSCompanion.BytesPerInterval)
		b = append(b, comp...)
	}
	return b
}

// Interface returns the interface with the given number, or nil.
func (c *ConfigDescriptor) Interface(number uint8) *Interface {
	for i := range c.Interfaces {
		if len(c.Interfaces[i].AltSettings) > 0 && c.Interfaces[i].AltSettings[0].InterfaceNumber == number {
			return &c.Interfaces[i]
		}
	}
	return nil
}

// InterfaceAltSetting returns a specific alternate setting of an interface.
func (c *ConfigDescriptor) InterfaceAltSetting(number, alt uint8) *InterfaceAltSetting {
	iface := c.Interface(number)
	if iface == nil {
		return nil
	}
	for i := range iface.AltSettings {
		if iface.AltSettings[i].AlternateSetting == alt {
			return &iface.AltSettings[i]
		}
	}
	return nil
}

// FindEndpoint locates an endpoint by address across every interface and
// alternate setting in the configuration.
func (c *ConfigDescriptor) FindEndpoint(addr EndpointAddress) *Endpoint {
	for _, iface := range c.Interfaces {
		for _, alt := range iface.AltSettings {
			for i := range alt.Endpoints {
				if alt.Endpoints[i].EndpointAddr == addr {
					return &alt.Endpoints[i]
				}
			}
		}
	}
	return nil
}

// StringDescriptor encodes a UTF-16LE USB string descriptor (type 0x03).
func StringDescriptor(s string) []byte {
	runes := []rune(s)
	utf16 := make([]byte, 0, len(runes)*2)
	for _, r := range runes {
		if r > 0xffff {
			r = '?'
		}
		utf16 = append(utf16, byte(r), byte(r>>8))
	}
	out := make([]byte, 2, 2+len(utf16))
	out[0] = uint8(2 + len(utf16))
	out[1] = DescriptorTypeString
	return append(out, utf16...)
}
