package usbip

import (
	"encoding/binary"
	"log/slog"

	"github.com/pkg/errors"
)

const (
	deviceInfoBlockSize = 312
	interfaceRecordSize = 4
	submitFixedSize     = 48
	unlinkFixedSize     = 48
	retSubmitFixedSize  = 48
	retUnlinkFixedSize  = 48
	opHeaderSize        = 8 // version(2) + command(2) + status/reserved(4)
)

// Decoder incrementally assembles USB/IP request PDUs out of a byte stream
// that may arrive split at arbitrary boundaries. It never discards unread
// bytes: Next returns (nil, false, nil) until a complete PDU is buffered,
// exactly mirroring a TCP socket's "no message framing" reality.
type Decoder struct {
	buf []byte
	log *slog.Logger
}

// NewDecoder returns a Decoder that logs malformed-frame diagnostics to
// log, or a discarding logger if log is nil.
func NewDecoder(log *slog.Logger) *Decoder {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Decoder{log: log}
}

// Feed appends newly read bytes to the decode buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next attempts to decode one PDU from the buffered bytes. It returns
// (nil, false, nil) if more bytes are needed, (req, true, nil) once a full
// PDU decoded (consuming those bytes from the buffer), or a non-nil error
// wrapping ErrProtocol for a malformed frame (unknown opcode, invalid
// SUBMIT direction or endpoint) — which per §7 is fatal to the session.
func (d *Decoder) Next() (Request, bool, error) {
	if len(d.buf) < 4 {
		return nil, false, nil
	}
	opcode := binary.BigEndian.Uint32(d.buf[0:4])

	// OP_REQ_* frames pack a 2-byte version ahead of the 2-byte command, so
	// only their low 16 bits are compared against OpDevlist/OpImport;
	// CMD_SUBMIT/CMD_UNLINK carry no version prefix and match opcode whole.
	command := uint16(opcode)

	switch {
	case command == OpDevlist:
		if len(d.buf) < opHeaderSize {
			return nil, false, nil
		}
		d.consume(opHeaderSize)
		return RequestDevList{}, true, nil

	case command == OpImport:
		need := opHeaderSize + 32
		if len(d.buf) < need {
			return nil, false, nil
		}
		busid := trimNUL(d.buf[opHeaderSize:need])
		d.consume(need)
		return RequestImport{BusID: busid}, true, nil

	case opcode == CmdSubmit:
		if len(d.buf) < submitFixedSize {
			return nil, false, nil
		}
		seqnum := binary.BigEndian.Uint32(d.buf[4:8])
		devid := binary.BigEndian.Uint32(d.buf[8:12])
		direction := binary.BigEndian.Uint32(d.buf[12:16])
		ep := binary.BigEndian.Uint32(d.buf[16:20])
		flags := binary.BigEndian.Uint32(d.buf[20:24])
		length := binary.BigEndian.Uint32(d.buf[24:28])
		start := binary.BigEndian.Uint32(d.buf[28:32])
		npkts := binary.BigEndian.Uint32(d.buf[32:36])
		interval := binary.BigEndian.Uint32(d.buf[36:40])
		var setup [8]byte
		copy(setup[:], d.buf[40:48])

		dir := DirectionOut
		if direction == 1 {
			dir = DirectionIn
		} else if direction != 0 {
			return nil, false, errors.Wrapf(ErrProtocol, "invalid SUBMIT direction %d", direction)
		}
		if ep > 15 {
			return nil, false, errors.Wrapf(ErrProtocol, "invalid SUBMIT endpoint %d", ep)
		}

		total := submitFixedSize
		if dir == DirectionOut {
			total += int(length)
		}
		if len(d.buf) < total {
			return nil, false, nil
		}

		var payload []byte
		if dir == DirectionOut && length > 0 {
			payload = append([]byte{}, d.buf[submitFixedSize:total]...)
		}
		d.consume(total)

		return RequestSubmit{
			Seqnum:         seqnum,
			Devid:          devid,
			Direction:      dir,
			Endpoint:       uint8(ep),
			TransferFlags:  flags,
			TransferLength: length,
			StartFrame:     start,
			NumberPackets:  npkts,
			Interval:       interval,
			Setup:          setup,
			Payload:        payload,
		}, true, nil

	case opcode == CmdUnlink:
		if len(d.buf) < unlinkFixedSize {
			return nil, false, nil
		}
		seqnum := binary.BigEndian.Uint32(d.buf[4:8])
		devid := binary.BigEndian.Uint32(d.buf[8:12])
		direction := binary.BigEndian.Uint32(d.buf[12:16])
		ep := binary.BigEndian.Uint32(d.buf[16:20])
		unlinkSeqnum := binary.BigEndian.Uint32(d.buf[20:24])

		dir := DirectionOut
		if direction == 1 {
			dir = DirectionIn
		}
		d.consume(unlinkFixedSize)
		return RequestUnlink{
			Seqnum:       seqnum,
			Devid:        devid,
			Direction:    dir,
			Endpoint:     uint8(ep),
			UnlinkSeqnum: unlinkSeqnum,
		}, true, nil

	default:
		d.log.Error("usbip: unknown opcode, closing session", "opcode", opcode)
		return nil, false, errors.Wrapf(ErrProtocol, "unknown opcode 0x%08x", opcode)
	}
}

func (d *Decoder) consume(n int) {
	d.buf = append([]byte{}, d.buf[n:]...)
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func putNULPadded(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// EncodeResponse serializes a Response into its wire representation.
func EncodeResponse(r Response) ([]byte, error) {
	switch v := r.(type) {
	case ResponseDevList:
		return encodeDevListReply(v), nil
	case ResponseImport:
		return encodeImportReply(v), nil
	case ResponseSubmit:
		return encodeRetSubmit(v), nil
	case ResponseUnlink:
		return encodeRetUnlink(v), nil
	default:
		return nil, errors.Errorf("usbip: unknown response type %T", r)
	}
}

func encodeOpHeader(command uint16, status uint32) []byte {
	b := make([]byte, opHeaderSize)
	binary.BigEndian.PutUint16(b[0:2], uint16(ProtocolVersion>>16))
	binary.BigEndian.PutUint16(b[2:4], command)
	binary.BigEndian.PutUint32(b[4:8], status)
	return b
}

func encodeDeviceInfoBlock(d DeviceInfo) []byte {
	b := make([]byte, deviceInfoBlockSize)
	putNULPadded(b[0:256], d.Path)
	putNULPadded(b[256:288], d.BusID)
	binary.BigEndian.PutUint32(b[288:292], d.BusNum)
	binary.BigEndian.PutUint32(b[292:296], d.DevNum)
	binary.BigEndian.PutUint32(b[296:300], uint32(d.Speed))
	binary.BigEndian.PutUint16(b[300:302], d.VendorID)
	binary.BigEndian.PutUint16(b[302:304], d.ProductID)
	binary.BigEndian.PutUint16(b[304:306], d.DeviceBCD)
	b[306] = d.DeviceClass
	b[307] = d.DeviceSubClass
	b[308] = d.DeviceProtocol
	b[309] = d.ConfigurationValue
	b[310] = d.NumConfigurations
	b[311] = uint8(len(d.Interfaces))
	return b
}

func encodeInterfaceRecord(i InterfaceInfo) []byte {
	return []byte{i.Class, i.SubClass, i.Protocol, 0}
}

func encodeDevListReply(r ResponseDevList) []byte {
	out := encodeOpHeader(OpDevlistReply, 0)
	ndev := make([]byte, 4)
	binary.BigEndian.PutUint32(ndev, uint32(len(r.Devices)))
	out = append(out, ndev...)
	for _, dev := range r.Devices {
		out = append(out, encodeDeviceInfoBlock(dev)...)
		for _, iface := range dev.Interfaces {
			out = append(out, encodeInterfaceRecord(iface)...)
		}
	}
	return out
}

func encodeImportReply(r ResponseImport) []byte {
	out := encodeOpHeader(OpImportReply, r.Status)
	if r.Status == 0 && r.Device != nil {
		out = append(out, encodeDeviceInfoBlock(*r.Device)...)
	}
	return out
}

func encodeURBHeader(seqnum, devid uint32, dir Direction, ep uint8) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint32(b[0:4], seqnum)
	binary.BigEndian.PutUint32(b[4:8], devid)
	d := uint32(0)
	if dir == DirectionIn {
		d = 1
	}
	binary.BigEndian.PutUint32(b[8:12], d)
	binary.BigEndian.PutUint32(b[12:16], uint32(ep))
	return b
}

func encodeRetSubmit(r ResponseSubmit) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out[0:4], RetSubmit)
	out = append(out, encodeURBHeader(r.Seqnum, r.Devid, r.Direction, r.Endpoint)...)

	rest := make([]byte, 20+8)
	binary.BigEndian.PutUint32(rest[0:4], r.Status)
	binary.BigEndian.PutUint32(rest[4:8], r.ActualLength)
	binary.BigEndian.PutUint32(rest[8:12], r.ActualStartFrame)
	binary.BigEndian.PutUint32(rest[12:16], r.NumberPackets)
	binary.BigEndian.PutUint32(rest[16:20], r.ErrorCount)
	out = append(out, rest...)

	if r.Direction == DirectionIn {
		out = append(out, r.Payload...)
	}
	return out
}

func encodeRetUnlink(r ResponseUnlink) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out[0:4], RetUnlink)
	out = append(out, encodeURBHeader(r.Seqnum, r.Devid, r.Direction, r.Endpoint)...)

	rest := make([]byte, retUnlinkFixedSize-4-16)
	binary.BigEndian.PutUint32(rest[0:4], r.Status)
	out = append(out, rest...)
	return out
}
