package usbip

import "github.com/pkg/errors"

// Sentinel errors returned by the endpoint, queue, and peripheral layers.
// Callers compare against these with errors.Is; wrapped instances still
// match because errors.Wrap preserves the cause chain.
var (
	// WouldBlock is returned by a packet read/write that has no data (or
	// room) available right now and must be retried once the peer acts.
	WouldBlock = errors.New("usbip: operation would block")

	// BufferOverflow is returned when a write supplies more data than the
	// endpoint's configured max packet size can hold in one packet.
	BufferOverflow = errors.New("usbip: buffer overflow")

	// ErrInvalidEndpoint is returned for any reference to an endpoint
	// address that was never allocated on the peripheral.
	ErrInvalidEndpoint = errors.New("usbip: invalid endpoint")

	// ErrEndpointOverflow is returned when the endpoint allocator runs out
	// of endpoint numbers in a given direction.
	ErrEndpointOverflow = errors.New("usbip: endpoint allocator exhausted")

	// ErrUnsupported marks a feature a caller asked for that this server
	// deliberately does not implement.
	ErrUnsupported = errors.New("usbip: unsupported operation")

	// ErrProtocol marks a malformed or out-of-sequence USB/IP wire message.
	ErrProtocol = errors.New("usbip: protocol error")

	// ErrStalled is returned to the class layer by ReadPacket/WritePacket
	// on a halted endpoint. URBs queued for that endpoint stay queued until
	// the halt is cleared; they are not completed with an error status.
	ErrStalled = errors.New("usbip: endpoint stalled")

	// ErrNoSuchDevice is returned when a request names a devid this server
	// never attached.
	ErrNoSuchDevice = errors.New("usbip: no such device")

	// ErrQueueClosed is returned by queue operations after the owning
	// device core has been detached.
	ErrQueueClosed = errors.New("usbip: urb queue closed")
)
