package usbip

// DeviceInfo is the device-level record reported in OP_REP_DEVLIST and
// OP_REP_IMPORT: everything the remote kernel needs to decide whether to
// bind a driver before it has issued a single control transfer.
type DeviceInfo struct {
	Path        string // NUL-padded ASCII, 256 bytes on the wire
	BusID       string // NUL-padded ASCII, 32 bytes on the wire
	BusNum      uint32
	DevNum      uint32
	Speed       Speed
	VendorID    uint16
	ProductID   uint16
	DeviceBCD   uint16
	DeviceClass    uint8
	DeviceSubClass uint8
	DeviceProtocol uint8
	ConfigurationValue uint8
	NumConfigurations  uint8

	Interfaces []InterfaceInfo
}

// InterfaceInfo is one 4-byte interface record following a DeviceInfo
// block: class, subclass, protocol, and a padding byte.
type InterfaceInfo struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// Request is any decoded client-to-server USB/IP message.
type Request interface{ isRequest() }

// RequestDevList asks for the list of devices available to import.
type RequestDevList struct{}

func (RequestDevList) isRequest() {}

// RequestImport asks to attach the device named by BusID.
type RequestImport struct {
	BusID string
}

func (RequestImport) isRequest() {}

// RequestSubmit carries one OP_CMD_SUBMIT: a URB to enqueue.
type RequestSubmit struct {
	Seqnum    uint32
	Devid     uint32
	Direction Direction
	Endpoint  uint8

	TransferFlags  uint32
	TransferLength uint32
	StartFrame     uint32
	NumberPackets  uint32
	Interval       uint32
	Setup          [8]byte

	// Payload is the OUT-direction data that followed the fixed 48-byte
	// header on the wire; empty for IN requests.
	Payload []byte
}

func (RequestSubmit) isRequest() {}

// RequestUnlink carries one OP_CMD_UNLINK.
type RequestUnlink struct {
	Seqnum       uint32
	Devid        uint32
	Direction    Direction
	Endpoint     uint8
	UnlinkSeqnum uint32
}

func (RequestUnlink) isRequest() {}

// Response is any server-to-client USB/IP message, serialized by
// EncodeResponse.
type Response interface{ isResponse() }

// ResponseDevList answers RequestDevList.
type ResponseDevList struct {
	Devices []DeviceInfo
}

func (ResponseDevList) isResponse() {}

// ResponseImport answers RequestImport. Device is nil when Status != 0.
type ResponseImport struct {
	Status uint32
	Device *DeviceInfo
}

func (ResponseImport) isResponse() {}

// ResponseSubmit answers a RequestSubmit once its URB completes.
type ResponseSubmit struct {
	Seqnum    uint32
	Devid     uint32
	Direction Direction
	Endpoint  uint8

	Status         uint32
	ActualLength   uint32
	ActualStartFrame uint32
	NumberPackets  uint32
	ErrorCount     uint32

	// Payload is the IN-direction data returned to the remote; empty for
	// OUT requests.
	Payload []byte
}

func (ResponseSubmit) isResponse() {}

// ResponseUnlink answers a RequestUnlink. Status is 1 on a successful
// cancel and 0 on a miss — the usbip-host wire convention, opposite of the
// usual "0 means success" reading (see DESIGN.md's Open Questions note).
type ResponseUnlink struct {
	Seqnum    uint32
	Devid     uint32
	Direction Direction
	Endpoint  uint8
	Status    uint32
}

func (ResponseUnlink) isResponse() {}
