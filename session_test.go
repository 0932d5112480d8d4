package usbip

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

// testPeripheral drives a DeviceCore's control and bulk endpoints the same
// way a real class layer would, just enough to let enumeration succeed and
// to echo bulk OUT transfers back out the IN endpoint — a minimal stand-in
// for internal/demo's Loopback used to exercise Session/Server end to end.
type testPeripheral struct {
	core   *DeviceCore
	device DeviceDescriptor
	config ConfigDescriptor
}

func newTestPeripheral() *testPeripheral {
	return &testPeripheral{
		core: NewDeviceCore(0, "", nil),
		device: DeviceDescriptor{
			USBVersion: 0x0200, MaxPacketSize0: 64,
			VendorID: 0x1209, ProductID: 0x0001, NumConfigurations: 1,
		},
		config: ConfigDescriptor{
			ConfigurationValue: 1,
			Interfaces: []Interface{{AltSettings: []InterfaceAltSetting{{
				InterfaceClass: 0xff,
				Endpoints: []Endpoint{
					{EndpointAddr: 0x81, Attributes: uint8(TransferBulk), MaxPacketSize: 64},
					{EndpointAddr: 0x01, Attributes: uint8(TransferBulk), MaxPacketSize: 64},
				},
			}}}},
		},
	}
}

// run drives every endpoint from a single poll loop: WakeChannel is a
// single-slot signal for exactly one consumer, so a separate goroutine per
// endpoint group would race for the same pulse.
func (p *testPeripheral) run(ctx context.Context) {
	bulkOut, err := p.core.Peripheral.AllocOut(EndpointConfig{Auto: true, TransferType: TransferBulk, MaxPacketSize: 64})
	if err != nil {
		panic(err)
	}
	bulkIn, err := p.core.Peripheral.AllocIn(EndpointConfig{Auto: true, TransferType: TransferBulk, MaxPacketSize: 64})
	if err != nil {
		panic(err)
	}
	go p.loop(ctx, bulkOut, bulkIn)
}

func (p *testPeripheral) loop(ctx context.Context, bulkOut *EndpointOut, bulkIn *EndpointIn) {
	ep0out := p.core.Peripheral.OutEndpoint(0)
	ep0in := p.core.Peripheral.InEndpoint(0)
	wake := p.core.Peripheral.WakeChannel()
	ctlBuf := make([]byte, 64)
	bulkBuf := make([]byte, 64)
	var pending []byte

	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		}

		for {
			n, kind, err := ep0out.ReadPacket(ctlBuf)
			if err != nil {
				break
			}
			if kind != PacketSetup {
				continue
			}
			p.handleSetup(ctlBuf[:n], ep0in)
		}

		for {
			n, _, err := bulkOut.ReadPacket(bulkBuf)
			if err != nil {
				break
			}
			pending = append(pending, bulkBuf[:n]...)
		}
		for len(pending) > 0 {
			chunk := pending
			if len(chunk) > 64 {
				chunk = chunk[:64]
			}
			if err := bulkIn.WritePacket(chunk); err != nil {
				break
			}
			pending = pending[len(chunk):]
		}
	}
}

func (p *testPeripheral) handleSetup(setup []byte, ep0in *EndpointIn) {
	request := setup[1]
	value := binary.LittleEndian.Uint16(setup[2:4])
	length := binary.LittleEndian.Uint16(setup[6:8])
	var reply []byte
	if request == RequestGetDescriptor {
		switch uint8(value >> 8) {
		case DescriptorTypeDevice:
			reply = p.device.Bytes()
		case DescriptorTypeConfig:
			reply = p.config.Bytes()
		}
	}
	if uint16(len(reply)) > length {
		reply = reply[:length]
	}
	for {
		chunk := reply
		if len(chunk) > 64 {
			chunk = chunk[:64]
		}
		if err := ep0in.WritePacket(chunk); err != nil {
			return
		}
		reply = reply[len(chunk):]
		if len(chunk) < 64 {
			return
		}
	}
}

func TestSessionImportAndBulkEcho(t *testing.T) {
	peripheral := newTestPeripheral()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	peripheral.run(ctx)

	server := NewServer(nil)
	devid := server.Attach("1-1", peripheral.core)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	sess := NewSession(serverConn, server, nil)
	go sess.Run(ctx)

	clientConn.SetDeadline(time.Now().Add(5 * time.Second))

	// OP_REQ_IMPORT
	importReq := encodeOpHeader(OpImport, 0)
	busid := make([]byte, 32)
	putNULPadded(busid, "1-1")
	if _, err := clientConn.Write(append(importReq, busid...)); err != nil {
		t.Fatalf("write import: %v", err)
	}

	// OP_REP_IMPORT carries only the device info block, unlike
	// OP_REP_DEVLIST which appends a record per interface.
	reply := make([]byte, opHeaderSize+deviceInfoBlockSize)
	if _, err := readFull(clientConn, reply); err != nil {
		t.Fatalf("read import reply: %v", err)
	}
	status := binary.BigEndian.Uint32(reply[4:8])
	if status != 0 {
		t.Fatalf("import status = %d, want 0", status)
	}
	vendorID := binary.BigEndian.Uint16(reply[opHeaderSize+300 : opHeaderSize+302])
	if vendorID != 0x1209 {
		t.Errorf("VendorID = %#x, want 0x1209", vendorID)
	}

	// CMD_SUBMIT: bulk OUT carrying 4 bytes to endpoint 1.
	outPayload := []byte{0xde, 0xad, 0xbe, 0xef}
	submitOut := make([]byte, submitFixedSize)
	binary.BigEndian.PutUint32(submitOut[0:4], CmdSubmit)
	binary.BigEndian.PutUint32(submitOut[4:8], 100) // seqnum
	binary.BigEndian.PutUint32(submitOut[8:12], devid)
	binary.BigEndian.PutUint32(submitOut[12:16], 0) // OUT
	binary.BigEndian.PutUint32(submitOut[16:20], 1) // endpoint 1
	binary.BigEndian.PutUint32(submitOut[24:28], uint32(len(outPayload)))
	if _, err := clientConn.Write(append(submitOut, outPayload...)); err != nil {
		t.Fatalf("write submit out: %v", err)
	}

	retOut := make([]byte, retSubmitFixedSize)
	if _, err := readFull(clientConn, retOut); err != nil {
		t.Fatalf("read ret_submit(out): %v", err)
	}
	outStatus := binary.BigEndian.Uint32(retOut[20:24])
	outActual := binary.BigEndian.Uint32(retOut[24:28])
	if outStatus != 0 {
		t.Fatalf("OUT RET_SUBMIT status = %d, want 0", outStatus)
	}
	if outActual != uint32(len(outPayload)) {
		t.Fatalf("OUT RET_SUBMIT actual_length = %d, want %d", outActual, len(outPayload))
	}

	// CMD_SUBMIT: bulk IN asking for the echoed bytes back from endpoint 1.
	submitIn := make([]byte, submitFixedSize)
	binary.BigEndian.PutUint32(submitIn[0:4], CmdSubmit)
	binary.BigEndian.PutUint32(submitIn[4:8], 101)
	binary.BigEndian.PutUint32(submitIn[8:12], devid)
	binary.BigEndian.PutUint32(submitIn[12:16], 1) // IN
	binary.BigEndian.PutUint32(submitIn[16:20], 1)
	binary.BigEndian.PutUint32(submitIn[24:28], uint32(len(outPayload)))
	if _, err := clientConn.Write(submitIn); err != nil {
		t.Fatalf("write submit in: %v", err)
	}

	retIn := make([]byte, retSubmitFixedSize+len(outPayload))
	if _, err := readFull(clientConn, retIn); err != nil {
		t.Fatalf("read ret_submit(in): %v", err)
	}
	inStatus := binary.BigEndian.Uint32(retIn[20:24])
	if inStatus != 0 {
		t.Fatalf("IN RET_SUBMIT status = %d, want 0", inStatus)
	}
	echoed := retIn[retSubmitFixedSize:]
	for i, b := range outPayload {
		if echoed[i] != b {
			t.Fatalf("echoed payload = %v, want %v", echoed, outPayload)
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
